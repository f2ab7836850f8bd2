// Package rtl defines the device execution backend used by the mapping
// runtime. A Driver moves bytes between the host and one device and runs
// kernels; the package also ships an in-process Emulator backend.
package rtl

// TeamConfig carries the launch geometry of a team region.
type TeamConfig struct {
	NumTeams      int32
	ThreadLimit   int32
	LoopTripCount uint64
}

// An EntryPoint describes one host-side offload entry of a device image.
// Size is zero for kernel functions and the object size for globals.
type EntryPoint struct {
	Addr uintptr
	Name string
	Size int64
}

// An Image is a loadable device binary, reduced to its entry list.
type Image struct {
	Entries []EntryPoint
}

// A DeviceEntry is the device-side counterpart of an EntryPoint after the
// image is loaded.
type DeviceEntry struct {
	Addr uintptr
	Name string
	Size int64
}

// An EntryTable lists the device entries of one loaded image, in the same
// order as the image's entry list.
type EntryTable struct {
	Entries []DeviceEntry
}

// Driver is the per-device backend. Implementations must be safe for
// concurrent use.
type Driver interface {
	// Allocate reserves size bytes of device memory. hostHint is the host
	// address the region will mirror; backends may ignore it.
	Allocate(size int64, hostHint uintptr) (uintptr, error)

	// Free releases a region returned by Allocate.
	Free(addr uintptr) error

	// CopyToDevice copies size bytes from host memory to device memory.
	CopyToDevice(deviceAddr, hostAddr uintptr, size int64) error

	// CopyToHost copies size bytes from device memory to host memory.
	CopyToHost(hostAddr, deviceAddr uintptr, size int64) error

	// Submit writes immediate data into device memory without a host
	// source region.
	Submit(deviceAddr uintptr, data []byte) error

	// LaunchKernel runs the kernel behind a device entry. The effective
	// value of argument i is args[i]+offsets[i].
	LaunchKernel(entry uintptr, args []uintptr, offsets []int64, cfg TeamConfig) error

	// LoadBinary loads a device image and returns its entry table.
	LoadBinary(img *Image) (*EntryTable, error)
}
