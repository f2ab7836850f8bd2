package devmap

import "math"

// InfRefCount marks entries backed by statically registered data. Room is
// left below the maximum so that stray increments and decrements never
// wrap the counter.
const InfRefCount = int64(math.MaxInt64 >> 1)

// consideredInf reports whether a reference count originated from the
// infinite sentinel, tolerating a bounded amount of drift.
func consideredInf(c int64) bool {
	return c > InfRefCount>>1
}

// A MappingEntry describes one host memory region currently mirrored in
// device memory.
type MappingEntry struct {
	HostBase    uintptr
	HostBegin   uintptr
	HostEnd     uintptr // non-inclusive
	DeviceBegin uintptr
	RefCount    int64
}

func (e MappingEntry) size() int64 {
	return int64(e.HostEnd - e.HostBegin)
}

func (e MappingEntry) translate(hostAddr uintptr) uintptr {
	return e.DeviceBegin + (hostAddr - e.HostBegin)
}

// A LookupResult classifies a queried host range against the nearest
// mapping entry.
type LookupResult struct {
	Contained     bool
	ExtendsBefore bool
	ExtendsAfter  bool

	// Entry is a snapshot of the classified entry. Only meaningful when
	// one of the flags is set.
	Entry MappingEntry
}

// Found reports whether the queried range touches any live entry.
func (r LookupResult) Found() bool {
	return r.Contained || r.ExtendsBefore || r.ExtendsAfter
}
