// Package bulk batches host/device transfers so that a begin or end walk
// issues few large copies instead of one copy per argument. It also
// carries the deferred device pointer writes that the batched path cannot
// issue inline.
package bulk

import (
	"fmt"
	"sort"
	"sync"

	"github.com/nctu-sslab/omptarget/devmap"
	"github.com/nctu-sslab/omptarget/rtl"
)

// Direction tells which way a transfer order moves data.
type Direction int

const (
	ToDevice Direction = iota
	ToHost
)

func (d Direction) String() string {
	if d == ToDevice {
		return "to-device"
	}
	return "to-host"
}

// A TransferOrder is one queued host-range transfer.
type TransferOrder struct {
	HostPtr uintptr
	Size    int64
	Dir     Direction
}

func (o TransferOrder) end() uintptr {
	return o.HostPtr + uintptr(o.Size)
}

// Scheduler queues transfer orders until Flush. Methods are safe for
// concurrent use.
type Scheduler struct {
	mu    sync.Mutex
	queue []TransferOrder
}

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Enqueue appends one order.
func (s *Scheduler) Enqueue(o TransferOrder) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queue = append(s.queue, o)
}

// Pending returns the number of queued orders.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.queue)
}

// Flush drains the queue. Orders of the same direction whose host ranges
// touch or overlap are merged and, when the merged range lives inside a
// single mapping entry, moved with one transfer. A merged range spanning
// several entries falls back to per-order transfers. Flush stops at the
// first failing transfer.
func (s *Scheduler) Flush(m *devmap.AddressMap, drv rtl.Driver) error {
	s.mu.Lock()
	orders := s.queue
	s.queue = nil
	s.mu.Unlock()

	if len(orders) == 0 {
		return nil
	}

	sort.SliceStable(orders, func(i, j int) bool {
		if orders[i].Dir != orders[j].Dir {
			return orders[i].Dir < orders[j].Dir
		}
		return orders[i].HostPtr < orders[j].HostPtr
	})

	run := []TransferOrder{orders[0]}
	for _, o := range orders[1:] {
		last := run[len(run)-1]
		if o.Dir == last.Dir && o.HostPtr <= last.end() {
			run = append(run, o)
			continue
		}
		if err := s.transferRun(run, m, drv); err != nil {
			return err
		}
		run = []TransferOrder{o}
	}
	return s.transferRun(run, m, drv)
}

func (s *Scheduler) transferRun(
	run []TransferOrder,
	m *devmap.AddressMap,
	drv rtl.Driver,
) error {
	begin := run[0].HostPtr
	end := run[0].end()
	for _, o := range run[1:] {
		if o.end() > end {
			end = o.end()
		}
	}

	size := int64(end - begin)
	if r := m.Lookup(begin, size); r.Contained {
		return s.transferOne(
			TransferOrder{HostPtr: begin, Size: size, Dir: run[0].Dir}, m, drv)
	}

	for _, o := range run {
		if err := s.transferOne(o, m, drv); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) transferOne(
	o TransferOrder,
	m *devmap.AddressMap,
	drv rtl.Driver,
) error {
	dev, _, found := m.DeviceBegin(o.HostPtr, o.Size, false)
	if !found {
		return fmt.Errorf("%w: %s transfer of [%#x, %#x)",
			devmap.ErrNotMapped, o.Dir, o.HostPtr, o.end())
	}

	var err error
	if o.Dir == ToDevice {
		err = drv.CopyToDevice(dev, o.HostPtr, o.Size)
	} else {
		err = drv.CopyToHost(o.HostPtr, dev, o.Size)
	}
	if err != nil {
		return fmt.Errorf("bulk: %s transfer of [%#x, %#x): %w",
			o.Dir, o.HostPtr, o.end(), err)
	}
	return nil
}
