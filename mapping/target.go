package mapping

import (
	"fmt"

	"github.com/nctu-sslab/omptarget/hostmem"
	"github.com/nctu-sslab/omptarget/rtl"
	"github.com/nctu-sslab/omptarget/transtable"
)

// ExecConfig carries the launch geometry requested by the caller. The
// loop trip count, if any, is taken from the device where it was pushed.
type ExecConfig struct {
	NumTeams    int32
	ThreadLimit int32
}

// Execute maps the arguments, launches the kernel behind hostEntry, and
// unmaps the arguments again. In table translation mode the current
// mapping table is uploaded and handed to the kernel as a trailing
// argument.
func (e *Engine) Execute(hostEntry uintptr, args []Arg, cfg ExecConfig) error {
	if err := e.Begin(args); err != nil {
		return err
	}

	entry, err := e.dev.DeviceEntry(hostEntry)
	if err != nil {
		return err
	}

	if err := e.fixUpLambdaCaptures(args); err != nil {
		return err
	}

	var fpArrays []uintptr
	freeAll := func() {
		for _, p := range fpArrays {
			e.dev.Driver.Free(p)
		}
	}

	var tgtArgs []uintptr
	var tgtOffsets []int64
	for _, a := range args {
		t := a.Type
		if !t.Has(TargetParam) {
			continue
		}

		switch {
		case t.Has(Literal):
			tgtArgs = append(tgtArgs, a.Base)
			tgtOffsets = append(tgtOffsets, 0)

		case t.Has(Private):
			devPtr, err := e.dev.Driver.Allocate(a.Size, a.Begin)
			if err != nil {
				freeAll()
				return fmt.Errorf("%w: private argument of %d bytes: %v",
					ErrAllocation, a.Size, err)
			}
			fpArrays = append(fpArrays, devPtr)
			if t.Has(To) && a.Size > 0 {
				if err := e.submitNow(devPtr, a.Begin, a.Size); err != nil {
					freeAll()
					return err
				}
			}
			tgtArgs = append(tgtArgs, devPtr)
			tgtOffsets = append(tgtOffsets, int64(a.Base)-int64(a.Begin))

		case t.Has(PtrAndObj):
			dev, _, found := e.dev.DataMap.DeviceBegin(
				a.Base, hostmem.PointerSize, false)
			if !found {
				freeAll()
				return fmt.Errorf("%w: pointer cell %#x", ErrLookupMiss, a.Base)
			}
			tgtArgs = append(tgtArgs, dev)
			tgtOffsets = append(tgtOffsets, 0)

		default:
			dev, _, found := e.dev.DataMap.DeviceBegin(a.Begin, a.Size, false)
			if !found {
				freeAll()
				return fmt.Errorf("%w: argument [%#x, %#x)",
					ErrLookupMiss, a.Begin, a.Begin+uintptr(a.Size))
			}
			tgtArgs = append(tgtArgs, dev)
			tgtOffsets = append(tgtOffsets, int64(a.Base)-int64(a.Begin))
		}
	}

	var tableAddr uintptr
	if e.dev.TableMode {
		tbl := transtable.Build(e.dev.DataMap.Entries())
		tableAddr, err = tbl.Upload(e.dev.Driver)
		if err != nil {
			freeAll()
			return fmt.Errorf("%w: %v", ErrAllocation, err)
		}
		tgtArgs = append(tgtArgs, tableAddr)
		tgtOffsets = append(tgtOffsets, 0)
	}

	teamCfg := rtl.TeamConfig{
		NumTeams:      cfg.NumTeams,
		ThreadLimit:   cfg.ThreadLimit,
		LoopTripCount: e.dev.TakeTripCount(),
	}
	launchErr := e.dev.Driver.LaunchKernel(entry.Addr, tgtArgs, tgtOffsets, teamCfg)

	freeAll()
	if tableAddr != 0 {
		if err := e.dev.Driver.Free(tableAddr); err != nil && launchErr == nil {
			launchErr = err
		}
	}
	if launchErr != nil {
		return fmt.Errorf("mapping: kernel %q on device %d: %w",
			entry.Name, e.dev.ID, launchErr)
	}

	e.record("launches", LaunchRecord{
		Device:   e.dev.ID,
		Entry:    entry.Name,
		ArgCount: len(tgtArgs),
		NumTeams: cfg.NumTeams,
	})

	return e.End(args)
}

// fixUpLambdaCaptures patches pointer fields captured by value inside
// mapped closure objects with the device address of their pointee. A
// capture whose pointee is not mapped is left alone; the kernel must not
// dereference it.
func (e *Engine) fixUpLambdaCaptures(args []Arg) error {
	for _, a := range args {
		if !a.Type.isLambdaCapture() {
			continue
		}

		pointeeDev, _, found := e.dev.DataMap.DeviceBegin(a.Begin, a.Size, false)
		if !found {
			continue
		}
		fieldDev, _, found := e.dev.DataMap.DeviceBegin(
			a.Base, hostmem.PointerSize, false)
		if !found {
			continue
		}

		if err := e.writeDevicePointerNow(fieldDev, pointeeDev); err != nil {
			return err
		}
	}
	return nil
}
