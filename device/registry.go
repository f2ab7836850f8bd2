package device

import (
	"fmt"
	"sync"
)

// Registry owns the device list. Devices are added at startup and looked
// up by id afterwards.
type Registry struct {
	mu      sync.Mutex
	devices []*Device
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add appends a device. Its ID must equal its position.
func (r *Registry) Add(d *Device) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d.ID != len(r.devices) {
		panic(fmt.Sprintf("device id %d does not match slot %d",
			d.ID, len(r.devices)))
	}
	r.devices = append(r.devices, d)
}

// Get returns the device with the given id.
func (r *Registry) Get(id int) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id < 0 || id >= len(r.devices) {
		return nil, fmt.Errorf("device id %d out of range (%d devices)",
			id, len(r.devices))
	}
	return r.devices[id], nil
}

// Count returns the number of devices.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.devices)
}

// All returns a snapshot of the device list.
func (r *Registry) All() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Device, len(r.devices))
	copy(out, r.devices)
	return out
}
