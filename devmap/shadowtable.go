package devmap

import (
	"sort"
	"sync"
)

// A ShadowEntry records a host pointer field whose value was replaced by
// a device address while the enclosing object is mapped.
type ShadowEntry struct {
	// HostPtrAddr is the address of the pointer field on the host.
	HostPtrAddr uintptr
	// HostPtrVal is the original host value of the field.
	HostPtrVal uintptr
	// DevPtrAddr is the address of the field inside the mapped object on
	// the device.
	DevPtrAddr uintptr
	// DevPtrVal is the device address the field was rewritten to.
	DevPtrVal uintptr
}

// ShadowTable tracks rewritten pointer fields, keyed by the field's host
// address, sorted descending. Methods are safe for concurrent use.
type ShadowTable struct {
	sync.Mutex

	entries []ShadowEntry
}

// NewShadowTable creates an empty table.
func NewShadowTable() *ShadowTable {
	return &ShadowTable{}
}

func (t *ShadowTable) find(hostPtrAddr uintptr) (int, bool) {
	i := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].HostPtrAddr <= hostPtrAddr
	})
	if i < len(t.entries) && t.entries[i].HostPtrAddr == hostPtrAddr {
		return i, true
	}
	return i, false
}

// Record stores an entry for the pointer field at HostPtrAddr, replacing
// any previous one.
func (t *ShadowTable) Record(e ShadowEntry) {
	t.Lock()
	defer t.Unlock()

	i, ok := t.find(e.HostPtrAddr)
	if ok {
		t.entries[i] = e
		return
	}
	t.entries = append(t.entries, ShadowEntry{})
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = e
}

// ForEachInRange calls fn for every entry whose field address falls in
// [low, high), in descending address order.
func (t *ShadowTable) ForEachInRange(low, high uintptr, fn func(ShadowEntry)) {
	t.Lock()
	defer t.Unlock()

	i := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].HostPtrAddr < high
	})
	for ; i < len(t.entries); i++ {
		if t.entries[i].HostPtrAddr < low {
			break
		}
		fn(t.entries[i])
	}
}

// EraseInRange drops every entry whose field address falls in [low, high)
// and returns the number removed.
func (t *ShadowTable) EraseInRange(low, high uintptr) int {
	t.Lock()
	defer t.Unlock()

	start := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].HostPtrAddr < high
	})
	end := start
	for end < len(t.entries) && t.entries[end].HostPtrAddr >= low {
		end++
	}
	removed := end - start
	t.entries = append(t.entries[:start], t.entries[end:]...)
	return removed
}

// Lookup returns the entry for the pointer field at hostPtrAddr.
func (t *ShadowTable) Lookup(hostPtrAddr uintptr) (ShadowEntry, bool) {
	t.Lock()
	defer t.Unlock()

	i, ok := t.find(hostPtrAddr)
	if !ok {
		return ShadowEntry{}, false
	}
	return t.entries[i], true
}

// Len returns the number of live entries.
func (t *ShadowTable) Len() int {
	t.Lock()
	defer t.Unlock()

	return len(t.entries)
}
