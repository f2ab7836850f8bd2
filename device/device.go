// Package device holds the per-device runtime state: the mapping tables,
// the transfer queues, and the once-only initialization that loads
// registered images and maps their globals.
package device

import (
	"fmt"
	"sync"

	"github.com/nctu-sslab/omptarget/bulk"
	"github.com/nctu-sslab/omptarget/devmap"
	"github.com/nctu-sslab/omptarget/hostmem"
	"github.com/nctu-sslab/omptarget/kernel"
	"github.com/nctu-sslab/omptarget/rtl"
)

// A Device bundles everything the runtime keeps per device. Create one
// with MakeBuilder.
type Device struct {
	ID int

	Driver  rtl.Driver
	Host    hostmem.Memory
	DataMap *devmap.AddressMap
	Shadows *devmap.ShadowTable

	Bulk       *bulk.Scheduler
	PtrUpdates *bulk.PointerUpdates

	BulkEnabled bool
	TableMode   bool

	kernels *kernel.Registry

	initOnce sync.Once
	initErr  error

	tripMu        sync.Mutex
	loopTripCount uint64
	tripCountSet  bool
}

// Init loads pending images and maps their globals. It runs the work at
// most once; later calls return the first outcome. Globals enter the
// mapping table with the infinite reference count, so unmapping never
// releases them.
func (d *Device) Init() error {
	d.initOnce.Do(func() {
		d.initErr = d.loadPendingImages()
	})
	return d.initErr
}

func (d *Device) loadPendingImages() error {
	pairs, err := d.kernels.LoadPending(d.ID, d.Driver)
	if err != nil {
		return err
	}

	for _, p := range pairs {
		if p.Host.Size == 0 {
			continue
		}
		err := d.DataMap.Associate(p.Host.Addr, p.Device.Addr, p.Host.Size)
		if err != nil {
			return fmt.Errorf(
				"device %d: mapping global %q: %w", d.ID, p.Host.Name, err)
		}
	}
	return nil
}

// LoadNewImages maps images registered after Init, if any.
func (d *Device) LoadNewImages() error {
	if err := d.Init(); err != nil {
		return err
	}
	return d.loadPendingImages()
}

// DeviceEntry resolves a host entry address on this device.
func (d *Device) DeviceEntry(hostPtr uintptr) (rtl.DeviceEntry, error) {
	return d.kernels.DeviceEntry(hostPtr, d.ID)
}

// PushTripCount stores the loop trip count for the next team launch.
func (d *Device) PushTripCount(v uint64) {
	d.tripMu.Lock()
	defer d.tripMu.Unlock()

	d.loopTripCount = v
	d.tripCountSet = true
}

// TakeTripCount consumes a pushed trip count. It returns zero when none
// is pending.
func (d *Device) TakeTripCount() uint64 {
	d.tripMu.Lock()
	defer d.tripMu.Unlock()

	if !d.tripCountSet {
		return 0
	}
	d.tripCountSet = false
	return d.loopTripCount
}
