// Package omptarget is the host-side runtime for target offloading. It
// keeps a mapping table per device, copies data between the host and the
// devices as regions enter and leave target data scopes, and launches
// registered kernels with their arguments translated to device addresses.
package omptarget

import (
	"fmt"

	"github.com/nctu-sslab/omptarget/device"
	"github.com/nctu-sslab/omptarget/kernel"
	"github.com/nctu-sslab/omptarget/mapping"
	"github.com/nctu-sslab/omptarget/rtl"
)

// Runtime is the facade the offloading entry points go through. Create
// one with MakeBuilder. All methods are safe for concurrent use; calls
// against different devices do not contend.
type Runtime struct {
	kernels *kernel.Registry
	devices *device.Registry
	engines []*mapping.Engine
}

// NumDevices returns the number of devices the runtime drives.
func (r *Runtime) NumDevices() int {
	return r.devices.Count()
}

// Device returns the state of one device.
func (r *Runtime) Device(id int) (*device.Device, error) {
	return r.devices.Get(id)
}

// Devices returns the device registry, mainly for the monitor.
func (r *Runtime) Devices() *device.Registry {
	return r.devices
}

// RegisterLibrary registers a device image. The image is loaded onto
// each device the first time that device is used, and its globals enter
// the device's mapping table then.
func (r *Runtime) RegisterLibrary(img *rtl.Image) {
	r.kernels.Register(img)
}

// BeginMapping maps the described regions onto a device and performs the
// to-device copies. The four slices are parallel, one element per
// argument.
func (r *Runtime) BeginMapping(
	deviceID int,
	basePtrs, ptrs []uintptr,
	sizes, mapTypes []int64,
) error {
	eng, err := r.engine(deviceID)
	if err != nil {
		return err
	}

	args, err := buildArgs(basePtrs, ptrs, sizes, mapTypes)
	if err != nil {
		return err
	}
	return eng.Begin(args)
}

// EndMapping unmaps the described regions, performing the from-device
// copies and releasing device storage when the last reference goes away.
func (r *Runtime) EndMapping(
	deviceID int,
	basePtrs, ptrs []uintptr,
	sizes, mapTypes []int64,
) error {
	eng, err := r.engine(deviceID)
	if err != nil {
		return err
	}

	args, err := buildArgs(basePtrs, ptrs, sizes, mapTypes)
	if err != nil {
		return err
	}
	return eng.End(args)
}

// UpdateMapping copies mapped regions in the requested directions
// without changing reference counts.
func (r *Runtime) UpdateMapping(
	deviceID int,
	basePtrs, ptrs []uintptr,
	sizes, mapTypes []int64,
) error {
	eng, err := r.engine(deviceID)
	if err != nil {
		return err
	}

	args, err := buildArgs(basePtrs, ptrs, sizes, mapTypes)
	if err != nil {
		return err
	}
	return eng.Update(args)
}

// ExecuteTarget maps the arguments, runs the kernel registered behind
// hostEntry, and unmaps the arguments again. Base pointers of
// ReturnParam arguments are rewritten in place with their translated
// values.
func (r *Runtime) ExecuteTarget(
	deviceID int,
	hostEntry uintptr,
	basePtrs, ptrs []uintptr,
	sizes, mapTypes []int64,
	numTeams, threadLimit int32,
) error {
	eng, err := r.engine(deviceID)
	if err != nil {
		return err
	}

	args, err := buildArgs(basePtrs, ptrs, sizes, mapTypes)
	if err != nil {
		return err
	}

	execErr := eng.Execute(hostEntry, args, mapping.ExecConfig{
		NumTeams:    numTeams,
		ThreadLimit: threadLimit,
	})

	for i := range args {
		if args[i].Type.Has(mapping.ReturnParam) {
			basePtrs[i] = args[i].Base
		}
	}
	return execErr
}

// PushTripCount stores the loop trip count consumed by the next launch
// on the device.
func (r *Runtime) PushTripCount(deviceID int, count uint64) error {
	d, err := r.devices.Get(deviceID)
	if err != nil {
		return err
	}
	d.PushTripCount(count)
	return nil
}

// Associate manually maps a host range to device storage the runtime
// does not own. The entry carries the infinite reference count, so
// unmapping never releases it.
func (r *Runtime) Associate(
	deviceID int,
	hostPtr, devicePtr uintptr,
	size int64,
) error {
	d, err := r.devices.Get(deviceID)
	if err != nil {
		return err
	}
	if err := d.Init(); err != nil {
		return err
	}
	return d.DataMap.Associate(hostPtr, devicePtr, size)
}

// Disassociate removes a manual mapping made by Associate.
func (r *Runtime) Disassociate(deviceID int, hostPtr uintptr) error {
	d, err := r.devices.Get(deviceID)
	if err != nil {
		return err
	}
	return d.DataMap.Disassociate(hostPtr)
}

func (r *Runtime) engine(deviceID int) (*mapping.Engine, error) {
	if deviceID < 0 || deviceID >= len(r.engines) {
		return nil, fmt.Errorf(
			"omptarget: device id %d out of range (%d devices)",
			deviceID, len(r.engines))
	}
	return r.engines[deviceID], nil
}

func buildArgs(
	basePtrs, ptrs []uintptr,
	sizes, mapTypes []int64,
) ([]mapping.Arg, error) {
	n := len(basePtrs)
	if len(ptrs) != n || len(sizes) != n || len(mapTypes) != n {
		return nil, fmt.Errorf(
			"omptarget: argument arrays disagree on length: %d/%d/%d/%d",
			len(basePtrs), len(ptrs), len(sizes), len(mapTypes))
	}

	args := make([]mapping.Arg, n)
	for i := 0; i < n; i++ {
		args[i] = mapping.Arg{
			Base:  basePtrs[i],
			Begin: ptrs[i],
			Size:  sizes[i],
			Type:  mapping.MapType(mapTypes[i]),
		}
	}
	return args, nil
}
