package addrtrans

import (
	"fmt"
	"strings"
)

// valState tracks one traced value. A host value is a pointer read out of
// mapped memory; accesses through it go through the table. A non-host
// traced value is a device address whose pointees may still hold host
// pointers.
type valState struct {
	depth int
	host  bool
}

func (s valState) traced() bool {
	return s.depth > 0
}

// Pass rewrites the functions of one module. Clones are memoized per
// (function, parameter states) so a function called with the same shapes
// is rewritten once.
type Pass struct {
	mod        *Module
	clones     map[string]string
	inProgress map[string]string
	nameCount  map[string]int
}

// NewPass creates a pass over m.
func NewPass(m *Module) *Pass {
	return &Pass{
		mod:        m,
		clones:     make(map[string]string),
		inProgress: make(map[string]string),
		nameCount:  make(map[string]int),
	}
}

// Rewrite clones every named kernel and whatever it reaches. It returns
// the kernel-to-clone name mapping. Kernel parameters are device
// addresses; their pointees are traced for stored host pointers.
func (p *Pass) Rewrite(kernels []string) (map[string]string, error) {
	out := make(map[string]string, len(kernels))
	for _, name := range kernels {
		f, ok := p.mod.Funcs[name]
		if !ok {
			return nil, fmt.Errorf("addrtrans: unknown kernel %q", name)
		}

		states := make([]valState, len(f.Params))
		for i, prm := range f.Params {
			states[i] = valState{depth: prm.Type.PtrDepth, host: false}
		}
		cloneName, err := p.cloneFunction(f, states)
		if err != nil {
			return nil, err
		}
		out[name] = cloneName
	}
	return out, nil
}

func cloneKey(name string, states []valState) string {
	var b strings.Builder
	b.WriteString(name)
	for _, s := range states {
		fmt.Fprintf(&b, "/%d", s.depth)
		if s.host {
			b.WriteByte('h')
		}
	}
	return b.String()
}

func (p *Pass) cloneName(orig string) string {
	p.nameCount[orig]++
	if p.nameCount[orig] == 1 {
		return orig + CloneSuffix
	}
	return fmt.Sprintf("%s%s%d", orig, CloneSuffix, p.nameCount[orig])
}

func (p *Pass) cloneFunction(f *Function, paramStates []valState) (string, error) {
	key := cloneKey(f.Name, paramStates)
	if name, ok := p.clones[key]; ok {
		return name, nil
	}
	if name, ok := p.inProgress[key]; ok {
		// Recursive call chain; the clone under construction serves it.
		return name, nil
	}

	name := p.cloneName(f.Name)
	p.inProgress[key] = name

	nf := &Function{Name: name}
	nf.Params = append(nf.Params, f.Params...)
	nf.Params = append(nf.Params, Param{Name: TableParamName, Type: Type{PtrDepth: 1}})

	states := make(map[string]valState, len(f.Params))
	for i, prm := range f.Params {
		if paramStates[i].traced() {
			states[prm.Name] = paramStates[i]
		}
	}

	tmp := 0
	translate := func(operand string) string {
		t := fmt.Sprintf("%s.at%d", operand, tmp)
		tmp++
		nf.Instrs = append(nf.Instrs, &Instr{
			Op:       OpTranslate,
			Name:     t,
			Operands: []string{operand, TableParamName},
		})
		return t
	}

	for _, in := range f.Instrs {
		out := in.clone()

		switch in.Op {
		case OpLoad:
			addr := states[out.Operands[0]]
			if addr.host {
				out.Operands[0] = translate(out.Operands[0])
			}
			if addr.traced() && addr.depth > 1 {
				// The loaded value came out of mapped memory, so it is a
				// host pointer regardless of the space of the address.
				states[out.Name] = valState{depth: addr.depth - 1, host: true}
			}

		case OpStore, OpAtomicRMW, OpCmpXchg:
			if states[out.Operands[0]].host {
				out.Operands[0] = translate(out.Operands[0])
			}

		case OpGEP, OpBitCast:
			src := states[out.Operands[0]]
			if src.traced() {
				states[out.Name] = src
			}

		case OpCall:
			if err := p.rewriteCall(out, states, translate); err != nil {
				return "", err
			}
		}

		nf.Instrs = append(nf.Instrs, out)
	}

	delete(p.inProgress, key)
	p.clones[key] = name
	p.mod.Funcs[name] = nf
	return name, nil
}

func (p *Pass) rewriteCall(
	out *Instr,
	states map[string]valState,
	translate func(string) string,
) error {
	needsTable := false
	argStates := make([]valState, len(out.Operands))
	for i, op := range out.Operands {
		s := states[op]
		argStates[i] = s
		if s.host || s.depth > 1 {
			needsTable = true
		}
	}
	if !needsTable {
		return nil
	}

	callee, known := p.mod.Funcs[out.Callee]
	if !known {
		// External function: it cannot take the table, so hand it device
		// addresses.
		for i, s := range argStates {
			if s.host {
				out.Operands[i] = translate(out.Operands[i])
			}
		}
		return nil
	}

	if len(callee.Params) != len(out.Operands) {
		return fmt.Errorf("addrtrans: call to %q with %d args, want %d",
			out.Callee, len(out.Operands), len(callee.Params))
	}

	cloneName, err := p.cloneFunction(callee, argStates)
	if err != nil {
		return err
	}
	out.Callee = cloneName
	out.Operands = append(out.Operands, TableParamName)
	return nil
}
