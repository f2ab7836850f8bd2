// Package devmap tracks which host memory regions are mirrored in device
// memory. The AddressMap owns the host-to-device region mapping together
// with the per-region reference counts, and the ShadowTable remembers
// pointer fields that were overwritten with device addresses so they can
// be restored on copy-out.
package devmap

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Errors reported by AddressMap operations.
var (
	// ErrOverlap reports an explicit mapping that partially overlaps an
	// existing entry.
	ErrOverlap = errors.New("devmap: range extends a mapped region")

	// ErrNotMapped reports a host range with no live entry.
	ErrNotMapped = errors.New("devmap: range is not mapped")

	// ErrAlreadyAssociated reports an associate call on a host range that
	// is already bound to a different device address.
	ErrAlreadyAssociated = errors.New("devmap: range already associated")
)

// An Allocator provides device memory for new entries.
type Allocator interface {
	Allocate(size int64, hostHint uintptr) (uintptr, error)
	Free(addr uintptr) error
}

// AddressMap is the per-device table of mapped host regions. Entries are
// kept sorted descending by HostBegin and never overlap. All methods are
// safe for concurrent use.
type AddressMap struct {
	sync.Mutex

	allocator Allocator
	entries   []MappingEntry
}

// NewAddressMap creates an empty map that draws device memory from
// allocator.
func NewAddressMap(allocator Allocator) *AddressMap {
	return &AddressMap{allocator: allocator}
}

// findIndex returns the index of the first entry whose HostBegin is below
// the non-inclusive upper bound. Callers must hold the lock.
func (m *AddressMap) findIndex(upper uintptr) int {
	return sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].HostBegin < upper
	})
}

// lookup classifies [hostBegin, hostBegin+size) against the table and
// returns the index of the matched entry, or len(entries) when none
// matches. Callers must hold the lock.
func (m *AddressMap) lookup(hostBegin uintptr, size int64) (LookupResult, int) {
	var r LookupResult

	upper := hostBegin + uintptr(size)
	if size == 0 {
		upper = hostBegin + 1
	}

	for i := m.findIndex(upper); i < len(m.entries); i++ {
		e := m.entries[i]
		if e.HostEnd <= hostBegin {
			break
		}

		r.Contained = hostBegin >= e.HostBegin && hostBegin < e.HostEnd &&
			hostBegin+uintptr(size) <= e.HostEnd
		r.ExtendsBefore = hostBegin < e.HostBegin &&
			hostBegin+uintptr(size) > e.HostBegin
		r.ExtendsAfter = hostBegin < e.HostEnd &&
			hostBegin+uintptr(size) > e.HostEnd
		if r.Found() {
			r.Entry = e
			return r, i
		}
	}

	return r, len(m.entries)
}

// Lookup classifies a host range against the table without changing it.
func (m *AddressMap) Lookup(hostBegin uintptr, size int64) LookupResult {
	m.Lock()
	defer m.Unlock()

	r, _ := m.lookup(hostBegin, size)
	return r
}

// insert places a new entry, keeping the descending order. Callers must
// hold the lock.
func (m *AddressMap) insert(e MappingEntry) {
	i := sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].HostBegin <= e.HostBegin
	})
	m.entries = append(m.entries, MappingEntry{})
	copy(m.entries[i+1:], m.entries[i:])
	m.entries[i] = e
}

// GetOrAllocate returns the device address for a host range, creating a
// new entry when none exists. A contained range reuses the entry and, when
// updateRefCount is set, takes another reference. A range that extends an
// existing entry is reused when implicit is set and rejected with
// ErrOverlap otherwise. isNew reports whether device memory was freshly
// allocated, in which case the caller owns the initial copy-in.
func (m *AddressMap) GetOrAllocate(
	hostBase, hostBegin uintptr,
	size int64,
	implicit, updateRefCount bool,
) (deviceBegin uintptr, isNew bool, err error) {
	m.Lock()
	defer m.Unlock()

	r, i := m.lookup(hostBegin, size)
	switch {
	case r.Contained || ((r.ExtendsBefore || r.ExtendsAfter) && implicit):
		if updateRefCount && !consideredInf(m.entries[i].RefCount) {
			m.entries[i].RefCount++
		}
		return m.entries[i].translate(hostBegin), false, nil
	case r.ExtendsBefore || r.ExtendsAfter:
		return 0, false, fmt.Errorf(
			"%w: [%#x, %#x) against [%#x, %#x)", ErrOverlap,
			hostBegin, hostBegin+uintptr(size),
			r.Entry.HostBegin, r.Entry.HostEnd)
	case size > 0:
		devBegin, err := m.allocator.Allocate(size, hostBegin)
		if err != nil {
			return 0, false, fmt.Errorf(
				"devmap: allocating %d bytes for %#x: %w",
				size, hostBegin, err)
		}
		m.insert(MappingEntry{
			HostBase:    hostBase,
			HostBegin:   hostBegin,
			HostEnd:     hostBegin + uintptr(size),
			DeviceBegin: devBegin,
			RefCount:    1,
		})
		return devBegin, true, nil
	}

	return 0, false, nil
}

// DeviceBegin translates a mapped host range to its device address.
// isLast reports whether this reference is the only one left. When
// updateRefCount is set and more references remain, one is released.
func (m *AddressMap) DeviceBegin(
	hostBegin uintptr,
	size int64,
	updateRefCount bool,
) (deviceBegin uintptr, isLast, found bool) {
	m.Lock()
	defer m.Unlock()

	r, i := m.lookup(hostBegin, size)
	if !r.Found() {
		return 0, false, false
	}

	isLast = m.entries[i].RefCount <= 1
	if m.entries[i].RefCount > 1 && updateRefCount {
		m.entries[i].RefCount--
	}
	return m.entries[i].translate(hostBegin), isLast, true
}

// Release drops one reference on the entry containing the host range and
// frees the device memory when the count reaches zero. force discards all
// remaining references first. Entries with the infinite reference count
// are left untouched. wasRemoved reports whether the entry was deleted.
func (m *AddressMap) Release(
	hostBegin uintptr,
	size int64,
	force bool,
) (wasRemoved bool, err error) {
	m.Lock()
	defer m.Unlock()

	r, i := m.lookup(hostBegin, size)
	if !r.Contained {
		return false, fmt.Errorf("%w: release of [%#x, %#x)",
			ErrNotMapped, hostBegin, hostBegin+uintptr(size))
	}

	// Globals and associated memory outlive every data scope; their
	// device storage is not ours to free, not even on force.
	if consideredInf(m.entries[i].RefCount) {
		return false, nil
	}

	if force {
		m.entries[i].RefCount = 1
	}
	m.entries[i].RefCount--
	if m.entries[i].RefCount > 0 {
		return false, nil
	}

	devBegin := m.entries[i].DeviceBegin
	m.entries = append(m.entries[:i], m.entries[i+1:]...)
	if err := m.allocator.Free(devBegin); err != nil {
		return true, fmt.Errorf(
			"devmap: freeing device memory at %#x: %w", devBegin, err)
	}
	return true, nil
}

// RefCountOf returns the reference count of the entry containing the host
// address, or zero when none does.
func (m *AddressMap) RefCountOf(hostBegin uintptr) int64 {
	m.Lock()
	defer m.Unlock()

	r, i := m.lookup(hostBegin, 1)
	if !r.Contained {
		return 0
	}
	return m.entries[i].RefCount
}

// Associate binds a host range to device memory managed by the caller.
// The entry carries the infinite reference count and is never freed by
// Release. Re-associating the same range to the same device address is a
// no-op.
func (m *AddressMap) Associate(hostBegin, deviceBegin uintptr, size int64) error {
	m.Lock()
	defer m.Unlock()

	r, i := m.lookup(hostBegin, size)
	if r.Found() {
		e := m.entries[i]
		if r.Contained && e.HostBegin == hostBegin &&
			e.translate(hostBegin) == deviceBegin {
			return nil
		}
		return fmt.Errorf("%w: [%#x, %#x)", ErrAlreadyAssociated,
			hostBegin, hostBegin+uintptr(size))
	}

	m.insert(MappingEntry{
		HostBase:    hostBegin,
		HostBegin:   hostBegin,
		HostEnd:     hostBegin + uintptr(size),
		DeviceBegin: deviceBegin,
		RefCount:    InfRefCount,
	})
	return nil
}

// Disassociate removes an entry created by Associate. The device memory
// stays with the caller.
func (m *AddressMap) Disassociate(hostBegin uintptr) error {
	m.Lock()
	defer m.Unlock()

	r, i := m.lookup(hostBegin, 1)
	if !r.Contained {
		return fmt.Errorf("%w: disassociate of %#x", ErrNotMapped, hostBegin)
	}
	if !consideredInf(m.entries[i].RefCount) {
		return fmt.Errorf(
			"devmap: disassociate of %#x: entry is runtime managed", hostBegin)
	}

	m.entries = append(m.entries[:i], m.entries[i+1:]...)
	return nil
}

// Entries returns a snapshot of the live entries, sorted descending by
// HostBegin.
func (m *AddressMap) Entries() []MappingEntry {
	m.Lock()
	defer m.Unlock()

	out := make([]MappingEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Len returns the number of live entries.
func (m *AddressMap) Len() int {
	m.Lock()
	defer m.Unlock()

	return len(m.entries)
}
