// Package hostmem provides access to the host address space by numeric
// address. The mapping runtime reads pointer values stored inside mapped
// aggregates and writes restored values back after copy-out, so it cannot
// work on Go values directly.
package hostmem

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"
)

// PointerSize is the size of a host pointer in bytes.
const PointerSize = int64(unsafe.Sizeof(uintptr(0)))

// Memory reads and writes the host address space.
type Memory interface {
	Read(addr uintptr, n int64) ([]byte, error)
	Write(addr uintptr, data []byte) error
	ReadPointer(addr uintptr) (uintptr, error)
	WritePointer(addr uintptr, val uintptr) error
}

// Native accesses the calling process's own address space. The addresses
// handed to it must be valid for the requested length.
type Native struct{}

// Read copies n bytes starting at addr.
func (Native) Read(addr uintptr, n int64) ([]byte, error) {
	src := unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
	out := make([]byte, n)
	copy(out, src)
	return out, nil
}

// Write copies data to the memory starting at addr.
func (Native) Write(addr uintptr, data []byte) error {
	dst := unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(data))
	copy(dst, data)
	return nil
}

// ReadPointer reads the pointer value stored at addr.
func (Native) ReadPointer(addr uintptr) (uintptr, error) {
	return *(*uintptr)(unsafe.Pointer(addr)), nil
}

// WritePointer stores val at addr.
func (Native) WritePointer(addr uintptr, val uintptr) error {
	*(*uintptr)(unsafe.Pointer(addr)) = val
	return nil
}

// SparseMemory is a map-backed address space. It backs the device emulator
// and the tests, where host addresses are synthetic. Unwritten bytes read
// as zero.
type SparseMemory struct {
	mu    sync.Mutex
	bytes map[uintptr]byte
}

// NewSparseMemory creates an empty sparse address space.
func NewSparseMemory() *SparseMemory {
	return &SparseMemory{bytes: make(map[uintptr]byte)}
}

func (m *SparseMemory) Read(addr uintptr, n int64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]byte, n)
	for i := int64(0); i < n; i++ {
		out[i] = m.bytes[addr+uintptr(i)]
	}
	return out, nil
}

func (m *SparseMemory) Write(addr uintptr, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, b := range data {
		m.bytes[addr+uintptr(i)] = b
	}
	return nil
}

func (m *SparseMemory) ReadPointer(addr uintptr) (uintptr, error) {
	raw, err := m.Read(addr, PointerSize)
	if err != nil {
		return 0, err
	}
	return uintptr(binary.LittleEndian.Uint64(raw)), nil
}

func (m *SparseMemory) WritePointer(addr uintptr, val uintptr) error {
	raw := make([]byte, PointerSize)
	binary.LittleEndian.PutUint64(raw, uint64(val))
	return m.Write(addr, raw)
}

// MustRead is a test helper that panics on read failure.
func MustRead(m Memory, addr uintptr, n int64) []byte {
	data, err := m.Read(addr, n)
	if err != nil {
		panic(fmt.Sprintf("hostmem: read of %d bytes at %#x failed: %v", n, addr, err))
	}
	return data
}
