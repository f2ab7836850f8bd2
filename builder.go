package omptarget

import (
	"log"

	"github.com/nctu-sslab/omptarget/device"
	"github.com/nctu-sslab/omptarget/hostmem"
	"github.com/nctu-sslab/omptarget/kernel"
	"github.com/nctu-sslab/omptarget/mapping"
	"github.com/nctu-sslab/omptarget/rtl"
)

// A Builder assembles a Runtime and its devices.
type Builder struct {
	numDevices    int
	driverFactory func(id int) rtl.Driver
	host          hostmem.Memory
	expander      mapping.RegionExpander
	recorder      mapping.Recorder
	bulkEnabled   bool
	tableMode     bool
}

// MakeBuilder creates a builder with the default configuration: one
// device, native host memory.
func MakeBuilder() Builder {
	return Builder{
		numDevices: 1,
		host:       hostmem.Native{},
	}
}

// WithNumDevices sets how many devices the runtime drives.
func (b Builder) WithNumDevices(n int) Builder {
	b.numDevices = n
	return b
}

// WithDriverFactory sets the function that creates the execution backend
// of each device.
func (b Builder) WithDriverFactory(f func(id int) rtl.Driver) Builder {
	b.driverFactory = f
	return b
}

// WithHostMemory sets the host address space the devices copy against.
func (b Builder) WithHostMemory(m hostmem.Memory) Builder {
	b.host = m
	return b
}

// WithExpander sets the collaborator that derives nested arguments for
// deep mapping.
func (b Builder) WithExpander(x mapping.RegionExpander) Builder {
	b.expander = x
	return b
}

// WithRecorder sets the event recorder shared by all engines.
func (b Builder) WithRecorder(r mapping.Recorder) Builder {
	b.recorder = r
	return b
}

// WithBulkTransfers batches argument transfers instead of copying per
// argument.
func (b Builder) WithBulkTransfers(enabled bool) Builder {
	b.bulkEnabled = enabled
	return b
}

// WithTableTranslation hands each kernel a translation table instead of
// rewriting device pointer fields.
func (b Builder) WithTableTranslation(enabled bool) Builder {
	b.tableMode = enabled
	return b
}

// Build creates the runtime.
func (b Builder) Build() *Runtime {
	if b.numDevices <= 0 {
		log.Panicf("runtime needs at least one device, got %d", b.numDevices)
	}
	if b.driverFactory == nil {
		log.Panicf("runtime has no driver factory")
	}

	kernels := kernel.NewRegistry(b.numDevices)
	devices := device.NewRegistry()
	engines := make([]*mapping.Engine, b.numDevices)

	for i := 0; i < b.numDevices; i++ {
		d := device.MakeBuilder().
			WithDriver(b.driverFactory(i)).
			WithHostMemory(b.host).
			WithKernelRegistry(kernels).
			WithBulkTransfers(b.bulkEnabled).
			WithTableTranslation(b.tableMode).
			Build(i)
		devices.Add(d)

		engines[i] = mapping.MakeBuilder().
			WithDevice(d).
			WithExpander(b.expander).
			WithRecorder(b.recorder).
			Build()
	}

	return &Runtime{
		kernels: kernels,
		devices: devices,
		engines: engines,
	}
}
