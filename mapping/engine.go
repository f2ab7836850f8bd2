package mapping

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/nctu-sslab/omptarget/bulk"
	"github.com/nctu-sslab/omptarget/device"
	"github.com/nctu-sslab/omptarget/devmap"
	"github.com/nctu-sslab/omptarget/hostmem"
)

// Struct members are padded so combined entries keep 8-byte alignment.
const alignment = 8

// An Arg is one entry of a compiler-emitted argument list. Base is the
// address of the enclosing object, Begin the first mapped byte. For a
// ReturnParam argument, Begin of the walk rewrites Base in place with the
// translated base.
type Arg struct {
	Base  uintptr
	Begin uintptr
	Size  int64
	Type  MapType
}

// A RegionExpander derives nested arguments for a HasNested argument,
// typically by chasing pointer fields of the mapped object. Derived
// arguments are processed after the original list and must not carry
// member-of indices. The expander runs on both the map and the unmap
// walk and must derive the same children for the same argument.
type RegionExpander interface {
	Expand(arg Arg) ([]Arg, error)
}

// A Recorder receives mapping events. Implementations decide storage.
type Recorder interface {
	Record(table string, entry any)
}

// A TransferRecord describes one host/device copy.
type TransferRecord struct {
	Device     int
	Direction  string
	HostAddr   uint64
	DeviceAddr uint64
	Size       int64
}

// A LaunchRecord describes one kernel launch.
type LaunchRecord struct {
	Device   int
	Entry    string
	ArgCount int
	NumTeams int32
}

// Engine drives the mapping walks for one device. Create one with
// MakeBuilder. Arguments that belong to the same struct must appear
// consecutively, parent first; the engine does not verify this.
type Engine struct {
	dev      *device.Device
	expander RegionExpander
	recorder Recorder

	mu    sync.Mutex
	depth int
}

// Device returns the device the engine drives.
func (e *Engine) Device() *device.Device {
	return e.dev
}

func (e *Engine) record(table string, entry any) {
	if e.recorder == nil {
		return
	}
	e.recorder.Record(table, entry)
}

// Begin maps every argument onto the device and performs the required
// to-device copies. In bulk mode the copies are batched and issued once
// at the end of the walk.
func (e *Engine) Begin(args []Arg) error {
	if err := e.dev.Init(); err != nil {
		return err
	}

	e.mu.Lock()
	e.depth++
	e.mu.Unlock()

	extra, err := e.expandNested(args)
	if err != nil {
		return err
	}
	if err := e.beginWalk(args, extra); err != nil {
		return err
	}

	if e.dev.BulkEnabled {
		if err := e.dev.Bulk.Flush(e.dev.DataMap, e.dev.Driver); err != nil {
			return fmt.Errorf("%w: %v", ErrTransfer, err)
		}
		if err := e.dev.PtrUpdates.Flush(e.dev.Driver); err != nil {
			return fmt.Errorf("%w: %v", ErrTransfer, err)
		}
	}
	return nil
}

func (e *Engine) expandNested(args []Arg) ([]Arg, error) {
	if e.expander == nil {
		return nil, nil
	}

	var extra []Arg
	for _, a := range args {
		if !a.Type.Has(HasNested) {
			continue
		}
		children, err := e.expander.Expand(a)
		if err != nil {
			return nil, fmt.Errorf("mapping: expanding %#x: %w", a.Begin, err)
		}
		for _, c := range children {
			c.Type |= Nested
			extra = append(extra, c)
		}
	}
	return extra, nil
}

func (e *Engine) beginWalk(args, extra []Arg) error {
	n := len(args) + len(extra)
	at := func(i int) *Arg {
		if i < len(args) {
			return &args[i]
		}
		return &extra[i-len(args)]
	}

	for i := 0; i < n; i++ {
		a := at(i)
		t := a.Type
		if t.Has(Literal) || t.Has(Private) {
			continue
		}

		hstBegin := a.Begin
		hstBase := a.Base
		size := a.Size

		// A combined struct entry is followed by its members; widen it so
		// the members stay aligned on the device.
		if t.MemberOf() < 0 && i+1 < n && at(i+1).Type.MemberOf() == i {
			if pad := int64(hstBegin % alignment); pad != 0 {
				hstBegin -= uintptr(pad)
				size += pad
			}
		}

		implicit := t.Has(Implicit)
		updateRef := t.MemberOf() < 0

		var ptrDevAddr, ptrHstAddr uintptr
		if t.Has(PtrAndObj) {
			dev, _, err := e.dev.DataMap.GetOrAllocate(
				hstBase, hstBase, hostmem.PointerSize, implicit, updateRef)
			if err != nil {
				return wrapMapError(err)
			}
			ptrDevAddr = dev
			ptrHstAddr = hstBase

			v, err := e.dev.Host.ReadPointer(hstBase)
			if err != nil {
				return fmt.Errorf("%w: reading pointer at %#x: %v",
					ErrTransfer, hstBase, err)
			}
			hstBase = v
			updateRef = true
		}

		devBegin, isNew, err := e.dev.DataMap.GetOrAllocate(
			hstBase, hstBegin, size, implicit, updateRef)
		if err != nil {
			return wrapMapError(err)
		}

		if t.Has(ReturnParam) {
			a.Base = devBegin - (hstBegin - hstBase)
		}

		if t.Has(To) && size > 0 {
			copyData := isNew || t.Has(Always)
			if !copyData && t.MemberOf() >= 0 {
				if e.dev.DataMap.RefCountOf(at(t.MemberOf()).Begin) == 1 {
					copyData = true
				}
			}
			if copyData {
				if err := e.submit(devBegin, hstBegin, size); err != nil {
					return err
				}
			}
		}

		if t.Has(PtrAndObj) {
			if e.dev.TableMode {
				// The kernel translates pointers through the table at
				// access time, so the device copy keeps the host value
				// and no shadow is needed.
				if err := e.writeDevicePointer(ptrDevAddr, hstBase); err != nil {
					return err
				}
				continue
			}

			devBase := devBegin - (hstBegin - hstBase)
			if err := e.writeDevicePointer(ptrDevAddr, devBase); err != nil {
				return err
			}
			e.dev.Shadows.Record(devmap.ShadowEntry{
				HostPtrAddr: ptrHstAddr,
				HostPtrVal:  hstBase,
				DevPtrAddr:  ptrDevAddr,
				DevPtrVal:   devBase,
			})
		}
	}
	return nil
}

// End unmaps every argument, performing the from-device copies and
// restoring host pointer fields from their shadow entries. Nested
// arguments are derived again through the expander so the children
// mapped by Begin give their references back. Arguments are processed in
// reverse so members and children are released before their parent.
func (e *Engine) End(args []Arg) error {
	e.mu.Lock()
	if e.depth == 0 {
		e.mu.Unlock()
		log.Panicf("unbalanced end of mapping on device %d", e.dev.ID)
	}
	e.depth--
	e.mu.Unlock()

	extra, err := e.expandNested(args)
	if err != nil {
		return err
	}

	type endAction struct {
		hstBegin uintptr
		size     int64
		delEntry bool
		force    bool
		from     bool
	}
	var actions []endAction

	n := len(args) + len(extra)
	at := func(i int) *Arg {
		if i < len(args) {
			return &args[i]
		}
		return &extra[i-len(args)]
	}

	for i := n - 1; i >= 0; i-- {
		t := at(i).Type
		if t.Has(Literal) || t.Has(Private) {
			continue
		}

		hstBegin := at(i).Begin
		size := at(i).Size
		if t.MemberOf() < 0 && i+1 < n && at(i+1).Type.MemberOf() == i {
			if pad := int64(hstBegin % alignment); pad != 0 {
				hstBegin -= uintptr(pad)
				size += pad
			}
		}

		updateRef := t.MemberOf() < 0 || t.Has(PtrAndObj)
		force := t.Has(Delete)

		devBegin, isLast, found := e.dev.DataMap.DeviceBegin(hstBegin, size, updateRef)
		if !found {
			if t.Has(From) || force {
				return fmt.Errorf("%w: unmap of [%#x, %#x)",
					ErrLookupMiss, hstBegin, hstBegin+uintptr(size))
			}
			continue
		}

		delEntry := isLast || force
		if t.MemberOf() >= 0 && !t.Has(PtrAndObj) {
			// Members never take their struct's storage down.
			delEntry = false
		}

		if !t.Has(From) && !delEntry {
			continue
		}

		if t.Has(From) && size > 0 {
			copyBack := delEntry || t.Has(Always)
			if !copyBack && t.MemberOf() >= 0 && !t.Has(PtrAndObj) {
				if e.dev.DataMap.RefCountOf(at(t.MemberOf()).Begin) == 1 {
					copyBack = true
				}
			}
			if copyBack {
				if err := e.retrieve(hstBegin, devBegin, size); err != nil {
					return err
				}
			}
		}

		actions = append(actions, endAction{
			hstBegin: hstBegin,
			size:     size,
			delEntry: delEntry,
			force:    force,
			from:     t.Has(From),
		})
	}

	if e.dev.BulkEnabled {
		if err := e.dev.Bulk.Flush(e.dev.DataMap, e.dev.Driver); err != nil {
			return fmt.Errorf("%w: %v", ErrTransfer, err)
		}
	}

	for _, act := range actions {
		lb := act.hstBegin
		ub := act.hstBegin + uintptr(act.size)

		if act.from {
			if err := e.restoreShadows(lb, ub); err != nil {
				return err
			}
		}
		if act.delEntry {
			e.dev.Shadows.EraseInRange(lb, ub)
			if _, err := e.dev.DataMap.Release(act.hstBegin, act.size, act.force); err != nil {
				if errors.Is(err, devmap.ErrNotMapped) {
					return fmt.Errorf("%w: %v", ErrLookupMiss, err)
				}
				return fmt.Errorf("%w: %v", ErrAllocation, err)
			}
		}
	}
	return nil
}

// Update copies mapped regions in the requested directions without
// changing reference counts. Unmapped arguments are skipped. Pointer
// fields inside the copied ranges are patched on both sides afterwards,
// so neither copy direction leaks addresses of the other side.
func (e *Engine) Update(args []Arg) error {
	if err := e.dev.Init(); err != nil {
		return err
	}

	for _, a := range args {
		t := a.Type
		if t.Has(Literal) || t.Has(Private) {
			continue
		}

		devBegin, _, found := e.dev.DataMap.DeviceBegin(a.Begin, a.Size, false)
		if !found {
			continue
		}
		lb := a.Begin
		ub := a.Begin + uintptr(a.Size)

		if t.Has(From) {
			if err := e.retrieveNow(a.Begin, devBegin, a.Size); err != nil {
				return err
			}
			if err := e.restoreShadows(lb, ub); err != nil {
				return err
			}
		}

		if t.Has(To) {
			if err := e.submitNow(devBegin, a.Begin, a.Size); err != nil {
				return err
			}

			var werr error
			e.dev.Shadows.ForEachInRange(lb, ub, func(s devmap.ShadowEntry) {
				if werr != nil {
					return
				}
				werr = e.writeDevicePointerNow(s.DevPtrAddr, s.DevPtrVal)
			})
			if werr != nil {
				return werr
			}
		}
	}
	return nil
}

func wrapMapError(err error) error {
	if errors.Is(err, devmap.ErrOverlap) {
		return fmt.Errorf("%w: %v", ErrIllegalMapping, err)
	}
	return fmt.Errorf("%w: %v", ErrAllocation, err)
}

func (e *Engine) submit(devAddr, hostAddr uintptr, size int64) error {
	if e.dev.BulkEnabled {
		e.dev.Bulk.Enqueue(bulk.TransferOrder{
			HostPtr: hostAddr, Size: size, Dir: bulk.ToDevice})
		return nil
	}
	return e.submitNow(devAddr, hostAddr, size)
}

func (e *Engine) submitNow(devAddr, hostAddr uintptr, size int64) error {
	if err := e.dev.Driver.CopyToDevice(devAddr, hostAddr, size); err != nil {
		return fmt.Errorf("%w: %v", ErrTransfer, err)
	}
	e.record("transfers", TransferRecord{
		Device:     e.dev.ID,
		Direction:  "to-device",
		HostAddr:   uint64(hostAddr),
		DeviceAddr: uint64(devAddr),
		Size:       size,
	})
	return nil
}

func (e *Engine) retrieve(hostAddr, devAddr uintptr, size int64) error {
	if e.dev.BulkEnabled {
		e.dev.Bulk.Enqueue(bulk.TransferOrder{
			HostPtr: hostAddr, Size: size, Dir: bulk.ToHost})
		return nil
	}
	return e.retrieveNow(hostAddr, devAddr, size)
}

func (e *Engine) retrieveNow(hostAddr, devAddr uintptr, size int64) error {
	if err := e.dev.Driver.CopyToHost(hostAddr, devAddr, size); err != nil {
		return fmt.Errorf("%w: %v", ErrTransfer, err)
	}
	e.record("transfers", TransferRecord{
		Device:     e.dev.ID,
		Direction:  "to-host",
		HostAddr:   uint64(hostAddr),
		DeviceAddr: uint64(devAddr),
		Size:       size,
	})
	return nil
}

func (e *Engine) writeDevicePointer(devAddr, val uintptr) error {
	if e.dev.BulkEnabled {
		e.dev.PtrUpdates.Defer(devAddr, val)
		return nil
	}
	return e.writeDevicePointerNow(devAddr, val)
}

func (e *Engine) writeDevicePointerNow(devAddr, val uintptr) error {
	raw := make([]byte, hostmem.PointerSize)
	binary.LittleEndian.PutUint64(raw, uint64(val))
	if err := e.dev.Driver.Submit(devAddr, raw); err != nil {
		return fmt.Errorf("%w: %v", ErrTransfer, err)
	}
	return nil
}

func (e *Engine) restoreShadows(lb, ub uintptr) error {
	var werr error
	e.dev.Shadows.ForEachInRange(lb, ub, func(s devmap.ShadowEntry) {
		if werr != nil {
			return
		}
		werr = e.dev.Host.WritePointer(s.HostPtrAddr, s.HostPtrVal)
	})
	if werr != nil {
		return fmt.Errorf("%w: %v", ErrTransfer, werr)
	}
	return nil
}
