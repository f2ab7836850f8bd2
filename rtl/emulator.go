package rtl

import (
	"fmt"
	"sync"

	"github.com/nctu-sslab/omptarget/hostmem"
)

const allocAlign = 256

// A KernelFunc is the host-side body of an emulated kernel. It reads and
// writes device memory through the emulator it runs on.
type KernelFunc func(e *Emulator, args []uintptr, cfg TeamConfig) error

// Emulator is an in-process Driver. Device memory is a sparse address
// space of its own, disjoint from the host space the emulator copies
// against. Kernels are Go functions registered by name.
type Emulator struct {
	mu sync.Mutex

	host hostmem.Memory
	dev  *hostmem.SparseMemory

	next    uintptr
	regions map[uintptr]int64
	kernels map[string]KernelFunc
	entries map[uintptr]string

	allocCount int
	freeCount  int
	liveBytes  int64
}

// NewEmulator creates an emulator that copies against host.
func NewEmulator(host hostmem.Memory) *Emulator {
	return &Emulator{
		host:    host,
		dev:     hostmem.NewSparseMemory(),
		next:    0x10000,
		regions: make(map[uintptr]int64),
		kernels: make(map[string]KernelFunc),
		entries: make(map[uintptr]string),
	}
}

// DeviceMemory exposes the emulated device address space, mainly to
// kernel bodies and tests.
func (e *Emulator) DeviceMemory() hostmem.Memory {
	return e.dev
}

// RegisterKernel binds a kernel body to an entry name before LoadBinary
// resolves it.
func (e *Emulator) RegisterKernel(name string, fn KernelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.kernels[name] = fn
}

func (e *Emulator) Allocate(size int64, _ uintptr) (uintptr, error) {
	if size <= 0 {
		return 0, fmt.Errorf("rtl: allocation of %d bytes", size)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	addr := e.next
	e.next += uintptr((size + allocAlign - 1) &^ (allocAlign - 1))
	e.regions[addr] = size
	e.allocCount++
	e.liveBytes += size
	return addr, nil
}

func (e *Emulator) Free(addr uintptr) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	size, ok := e.regions[addr]
	if !ok {
		return fmt.Errorf("rtl: free of unallocated device address %#x", addr)
	}
	delete(e.regions, addr)
	e.freeCount++
	e.liveBytes -= size
	return nil
}

func (e *Emulator) CopyToDevice(deviceAddr, hostAddr uintptr, size int64) error {
	data, err := e.host.Read(hostAddr, size)
	if err != nil {
		return fmt.Errorf("rtl: reading host memory at %#x: %w", hostAddr, err)
	}
	return e.dev.Write(deviceAddr, data)
}

func (e *Emulator) CopyToHost(hostAddr, deviceAddr uintptr, size int64) error {
	data, err := e.dev.Read(deviceAddr, size)
	if err != nil {
		return fmt.Errorf("rtl: reading device memory at %#x: %w", deviceAddr, err)
	}
	return e.host.Write(hostAddr, data)
}

func (e *Emulator) Submit(deviceAddr uintptr, data []byte) error {
	return e.dev.Write(deviceAddr, data)
}

func (e *Emulator) LaunchKernel(
	entry uintptr,
	args []uintptr,
	offsets []int64,
	cfg TeamConfig,
) error {
	e.mu.Lock()
	name, ok := e.entries[entry]
	fn := e.kernels[name]
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("rtl: launch of unknown device entry %#x", entry)
	}
	if fn == nil {
		return fmt.Errorf("rtl: no kernel body registered for %q", name)
	}

	effective := make([]uintptr, len(args))
	for i, a := range args {
		effective[i] = a + uintptr(offsets[i])
	}
	return fn(e, effective, cfg)
}

// LoadBinary assigns device addresses to the image's entries. Global
// entries get device storage and an initial copy from their host object;
// function entries get a fresh handle that LaunchKernel resolves.
func (e *Emulator) LoadBinary(img *Image) (*EntryTable, error) {
	table := &EntryTable{}
	for _, ep := range img.Entries {
		if ep.Size == 0 {
			e.mu.Lock()
			handle := e.next
			e.next += allocAlign
			e.entries[handle] = ep.Name
			e.mu.Unlock()

			table.Entries = append(table.Entries, DeviceEntry{
				Addr: handle,
				Name: ep.Name,
			})
			continue
		}

		devAddr, err := e.Allocate(ep.Size, ep.Addr)
		if err != nil {
			return nil, err
		}
		if err := e.CopyToDevice(devAddr, ep.Addr, ep.Size); err != nil {
			return nil, err
		}
		table.Entries = append(table.Entries, DeviceEntry{
			Addr: devAddr,
			Name: ep.Name,
			Size: ep.Size,
		})
	}
	return table, nil
}

// AllocCount returns the number of successful allocations so far.
func (e *Emulator) AllocCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.allocCount
}

// FreeCount returns the number of successful frees so far.
func (e *Emulator) FreeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.freeCount
}

// LiveBytes returns the number of device bytes currently allocated.
func (e *Emulator) LiveBytes() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.liveBytes
}
