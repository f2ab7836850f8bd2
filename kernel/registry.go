// Package kernel tracks registered device images and resolves host entry
// points to their per-device counterparts. Images are registered once by
// the host program and loaded lazily onto each device that uses them.
package kernel

import (
	"fmt"
	"sync"

	"github.com/nctu-sslab/omptarget/rtl"
)

// An EntryPair couples a host entry with its device counterpart after a
// library is loaded on a device.
type EntryPair struct {
	Host   rtl.EntryPoint
	Device rtl.DeviceEntry
}

type library struct {
	image        *rtl.Image
	deviceTables []*rtl.EntryTable
}

type entryRef struct {
	lib   int
	index int
}

// Registry owns the registered libraries and the host-entry lookup cache.
// One registry is shared by all devices.
type Registry struct {
	numDevices int

	tableMu   sync.Mutex
	libraries []*library

	cacheMu sync.Mutex
	cache   map[uintptr]entryRef
}

// NewRegistry creates a registry for a fixed number of devices.
func NewRegistry(numDevices int) *Registry {
	return &Registry{
		numDevices: numDevices,
		cache:      make(map[uintptr]entryRef),
	}
}

// NumDevices returns the device count the registry was created for.
func (r *Registry) NumDevices() int {
	return r.numDevices
}

// Register adds a library. Its image is loaded onto a device the first
// time that device runs LoadPending.
func (r *Registry) Register(img *rtl.Image) {
	r.tableMu.Lock()
	defer r.tableMu.Unlock()

	lib := &library{
		image:        img,
		deviceTables: make([]*rtl.EntryTable, r.numDevices),
	}
	r.libraries = append(r.libraries, lib)

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	for i, ep := range img.Entries {
		r.cache[ep.Addr] = entryRef{lib: len(r.libraries) - 1, index: i}
	}
}

// LoadPending loads every library not yet present on the device and
// returns the entry pairs of the newly loaded ones, so the caller can map
// their globals.
func (r *Registry) LoadPending(deviceID int, drv rtl.Driver) ([]EntryPair, error) {
	if deviceID < 0 || deviceID >= r.numDevices {
		return nil, fmt.Errorf("kernel: device id %d out of range", deviceID)
	}

	r.tableMu.Lock()
	defer r.tableMu.Unlock()

	var pairs []EntryPair
	for li, lib := range r.libraries {
		if lib.deviceTables[deviceID] != nil {
			continue
		}

		table, err := drv.LoadBinary(lib.image)
		if err != nil {
			return nil, fmt.Errorf(
				"kernel: loading library %d on device %d: %w", li, deviceID, err)
		}
		if len(table.Entries) != len(lib.image.Entries) {
			return nil, fmt.Errorf(
				"kernel: library %d entry count mismatch on device %d",
				li, deviceID)
		}

		lib.deviceTables[deviceID] = table
		for i, ep := range lib.image.Entries {
			pairs = append(pairs, EntryPair{
				Host:   ep,
				Device: table.Entries[i],
			})
		}
	}
	return pairs, nil
}

// DeviceEntry resolves a host entry address on a device. It fails when
// the entry is unknown or its library has not been loaded there yet.
func (r *Registry) DeviceEntry(hostPtr uintptr, deviceID int) (rtl.DeviceEntry, error) {
	r.cacheMu.Lock()
	ref, ok := r.cache[hostPtr]
	r.cacheMu.Unlock()

	if !ok {
		return rtl.DeviceEntry{}, fmt.Errorf(
			"kernel: host entry %#x is not registered", hostPtr)
	}

	r.tableMu.Lock()
	defer r.tableMu.Unlock()

	table := r.libraries[ref.lib].deviceTables[deviceID]
	if table == nil {
		return rtl.DeviceEntry{}, fmt.Errorf(
			"kernel: host entry %#x not loaded on device %d", hostPtr, deviceID)
	}
	return table.Entries[ref.index], nil
}
