package device

import (
	"log"

	"github.com/nctu-sslab/omptarget/bulk"
	"github.com/nctu-sslab/omptarget/devmap"
	"github.com/nctu-sslab/omptarget/hostmem"
	"github.com/nctu-sslab/omptarget/kernel"
	"github.com/nctu-sslab/omptarget/rtl"
)

// A Builder assembles a Device.
type Builder struct {
	driver      rtl.Driver
	host        hostmem.Memory
	kernels     *kernel.Registry
	bulkEnabled bool
	tableMode   bool
}

// MakeBuilder creates a builder with the default configuration.
func MakeBuilder() Builder {
	return Builder{
		host: hostmem.Native{},
	}
}

// WithDriver sets the execution backend.
func (b Builder) WithDriver(d rtl.Driver) Builder {
	b.driver = d
	return b
}

// WithHostMemory sets the host address space the device copies against.
func (b Builder) WithHostMemory(m hostmem.Memory) Builder {
	b.host = m
	return b
}

// WithKernelRegistry sets the shared image registry.
func (b Builder) WithKernelRegistry(r *kernel.Registry) Builder {
	b.kernels = r
	return b
}

// WithBulkTransfers batches argument transfers instead of copying per
// argument.
func (b Builder) WithBulkTransfers(enabled bool) Builder {
	b.bulkEnabled = enabled
	return b
}

// WithTableTranslation uploads a translation table at each launch and
// hands it to the kernel as an extra argument, instead of rewriting
// device pointer fields.
func (b Builder) WithTableTranslation(enabled bool) Builder {
	b.tableMode = enabled
	return b
}

// Build creates the device.
func (b Builder) Build(id int) *Device {
	if b.driver == nil {
		log.Panicf("device %d has no driver", id)
	}
	if b.kernels == nil {
		log.Panicf("device %d has no kernel registry", id)
	}

	return &Device{
		ID:          id,
		Driver:      b.driver,
		Host:        b.host,
		DataMap:     devmap.NewAddressMap(b.driver),
		Shadows:     devmap.NewShadowTable(),
		Bulk:        bulk.NewScheduler(),
		PtrUpdates:  bulk.NewPointerUpdates(),
		BulkEnabled: b.bulkEnabled,
		TableMode:   b.tableMode,
		kernels:     b.kernels,
	}
}
