package bulk

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/nctu-sslab/omptarget/hostmem"
	"github.com/nctu-sslab/omptarget/rtl"
)

// PointerUpdates queues device pointer writes until the data they point
// at has been transferred. A later update to the same device address
// replaces the earlier one.
type PointerUpdates struct {
	mu      sync.Mutex
	updates []pointerUpdate
	index   map[uintptr]int
}

type pointerUpdate struct {
	devAddr uintptr
	val     uintptr
}

// NewPointerUpdates creates an empty queue.
func NewPointerUpdates() *PointerUpdates {
	return &PointerUpdates{index: make(map[uintptr]int)}
}

// Defer queues a pointer-sized write of val to devAddr.
func (p *PointerUpdates) Defer(devAddr, val uintptr) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if i, ok := p.index[devAddr]; ok {
		p.updates[i].val = val
		return
	}
	p.index[devAddr] = len(p.updates)
	p.updates = append(p.updates, pointerUpdate{devAddr: devAddr, val: val})
}

// Pending returns the number of queued writes.
func (p *PointerUpdates) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.updates)
}

// Flush drains the queue and submits each write to the device. It stops
// at the first failure.
func (p *PointerUpdates) Flush(drv rtl.Driver) error {
	p.mu.Lock()
	updates := p.updates
	p.updates = nil
	p.index = make(map[uintptr]int)
	p.mu.Unlock()

	raw := make([]byte, hostmem.PointerSize)
	for _, u := range updates {
		binary.LittleEndian.PutUint64(raw, uint64(u.val))
		if err := drv.Submit(u.devAddr, raw); err != nil {
			return fmt.Errorf(
				"bulk: pointer update at %#x: %w", u.devAddr, err)
		}
	}
	return nil
}

// Drop discards all queued writes.
func (p *PointerUpdates) Drop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.updates = nil
	p.index = make(map[uintptr]int)
}
