// Package addrtrans rewrites kernel functions for table translation
// mode. Kernels receive device addresses as parameters, but pointer
// values stored inside mapped objects keep their host values; the pass
// clones every function that touches such values and inserts a translate
// instruction in front of each access through them. Rewritten kernels
// take the translation table as a trailing parameter.
package addrtrans

import "fmt"

// TableParamName is the name of the appended table parameter.
const TableParamName = "__ATtable"

// CloneSuffix is appended to the names of rewritten functions.
const CloneSuffix = "_AT"

// A Type carries the pointer indirection depth of a value. Depth zero is
// a non-pointer.
type Type struct {
	PtrDepth int
}

// Op enumerates the instruction kinds the pass understands.
type Op int

const (
	OpLoad Op = iota
	OpStore
	OpGEP
	OpBitCast
	OpCall
	OpAtomicRMW
	OpCmpXchg
	OpTranslate
	OpOther
)

func (o Op) String() string {
	switch o {
	case OpLoad:
		return "load"
	case OpStore:
		return "store"
	case OpGEP:
		return "gep"
	case OpBitCast:
		return "bitcast"
	case OpCall:
		return "call"
	case OpAtomicRMW:
		return "atomicrmw"
	case OpCmpXchg:
		return "cmpxchg"
	case OpTranslate:
		return "translate"
	default:
		return "other"
	}
}

// An Instr is one instruction in single-assignment form. Name is the
// result value; defs appear before uses. Memory instructions carry the
// address in Operands[0].
type Instr struct {
	Op       Op
	Name     string
	Operands []string
	Callee   string
}

func (in *Instr) clone() *Instr {
	out := &Instr{Op: in.Op, Name: in.Name, Callee: in.Callee}
	out.Operands = append([]string(nil), in.Operands...)
	return out
}

// A Param is one function parameter.
type Param struct {
	Name string
	Type Type
}

// A Function is one device function.
type Function struct {
	Name   string
	Params []Param
	Instrs []*Instr
}

// A Module holds the device functions of one image.
type Module struct {
	Funcs map[string]*Function
}

// NewModule creates an empty module.
func NewModule() *Module {
	return &Module{Funcs: make(map[string]*Function)}
}

// Add registers a function. Duplicate names are rejected.
func (m *Module) Add(f *Function) error {
	if _, ok := m.Funcs[f.Name]; ok {
		return fmt.Errorf("addrtrans: duplicate function %q", f.Name)
	}
	m.Funcs[f.Name] = f
	return nil
}
