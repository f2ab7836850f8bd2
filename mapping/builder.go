package mapping

import (
	"log"

	"github.com/nctu-sslab/omptarget/device"
)

// A Builder assembles an Engine.
type Builder struct {
	dev      *device.Device
	expander RegionExpander
	recorder Recorder
}

// MakeBuilder creates a builder with the default configuration.
func MakeBuilder() Builder {
	return Builder{}
}

// WithDevice sets the device the engine drives.
func (b Builder) WithDevice(d *device.Device) Builder {
	b.dev = d
	return b
}

// WithExpander sets the collaborator that derives nested arguments.
func (b Builder) WithExpander(x RegionExpander) Builder {
	b.expander = x
	return b
}

// WithRecorder sets the event recorder.
func (b Builder) WithRecorder(r Recorder) Builder {
	b.recorder = r
	return b
}

// Build creates the engine.
func (b Builder) Build() *Engine {
	if b.dev == nil {
		log.Panicf("mapping engine has no device")
	}
	return &Engine{
		dev:      b.dev,
		expander: b.expander,
		recorder: b.recorder,
	}
}
