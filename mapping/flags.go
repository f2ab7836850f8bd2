// Package mapping implements the argument-mapping engine that moves data
// between the host and a device around kernel launches. The engine walks
// compiler-emitted argument lists, maintains the device mapping tables,
// and marshals kernel arguments.
package mapping

// MapType is the per-argument flag word emitted by the compiler.
type MapType int64

const (
	// To copies the data to the device when the region is mapped.
	To MapType = 0x001
	// From copies the data back to the host when the region is unmapped.
	From MapType = 0x002
	// Always forces the copy regardless of the reference count.
	Always MapType = 0x004
	// Delete discards all remaining references on unmap.
	Delete MapType = 0x008
	// PtrAndObj maps a pointer together with the object it points at and
	// rewrites the device copy of the pointer.
	PtrAndObj MapType = 0x010
	// TargetParam marks arguments passed to the kernel.
	TargetParam MapType = 0x020
	// ReturnParam reports the translated base back to the caller.
	ReturnParam MapType = 0x040
	// Private allocates device storage with no host counterpart.
	Private MapType = 0x080
	// Literal passes the base value itself as the kernel argument.
	Literal MapType = 0x100
	// Implicit marks arguments the compiler added on its own.
	Implicit MapType = 0x200
	// Nested marks an argument produced by region expansion.
	Nested MapType = 0x400
	// HasNested asks the region expander to derive nested arguments.
	HasNested MapType = 0x800

	memberOfMask = uint64(0xffff000000000000)
)

// Has reports whether all bits of f are set.
func (t MapType) Has(f MapType) bool {
	return t&f == f
}

// MemberOf returns the index of the argument's parent struct, or -1 when
// the argument is not a member.
func (t MapType) MemberOf() int {
	return int((uint64(t)&memberOfMask)>>48) - 1
}

// MemberOfFlag encodes a parent argument index into the flag word.
func MemberOfFlag(index int) MapType {
	return MapType(uint64(index+1) << 48)
}

// isLambdaCapture reports the flag combination the compiler uses for a
// captured pointer field of a closure object.
func (t MapType) isLambdaCapture() bool {
	return t.Has(PtrAndObj|Literal|Implicit) && !t.Has(TargetParam)
}
