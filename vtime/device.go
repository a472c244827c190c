package vtime

import (
	"fmt"
	"sync"
	"time"
)

// DeviceRegistry models a set of devices whose clocks disagree with the
// harness clock by a bounded, per-device skew. It is used to validate logic
// that must tolerate clock disagreement between cooperating devices.
type DeviceRegistry struct {
	clock *Clock

	mu    sync.Mutex
	skews map[string]time.Duration
}

// NewDeviceRegistry creates a registry of skewed device clocks on top of the
// given clock.
func NewDeviceRegistry(clock *Clock) *DeviceRegistry {
	return &DeviceRegistry{
		clock: clock,
		skews: make(map[string]time.Duration),
	}
}

// RegisterDevice adds a device with the given skew relative to the harness
// clock. Registering an existing ID overwrites its skew.
func (r *DeviceRegistry) RegisterDevice(id string, skew time.Duration) {
	r.mu.Lock()
	r.skews[id] = skew
	r.mu.Unlock()
}

// DeviceNow returns the current time as observed by the device.
func (r *DeviceRegistry) DeviceNow(id string) (VTime, error) {
	r.mu.Lock()
	skew, ok := r.skews[id]
	r.mu.Unlock()

	if !ok {
		return 0, fmt.Errorf("vtime: unknown device %q", id)
	}

	return r.clock.Now().Add(skew), nil
}

// Synchronize aligns every registered device to the master device's clock,
// so that all devices subsequently observe the same time as the master.
func (r *DeviceRegistry) Synchronize(masterID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	master, ok := r.skews[masterID]
	if !ok {
		return fmt.Errorf("vtime: unknown device %q", masterID)
	}

	for id := range r.skews {
		r.skews[id] = master
	}

	return nil
}

// Skew returns the registered skew of a device.
func (r *DeviceRegistry) Skew(id string) (time.Duration, error) {
	r.mu.Lock()
	skew, ok := r.skews[id]
	r.mu.Unlock()

	if !ok {
		return 0, fmt.Errorf("vtime: unknown device %q", id)
	}

	return skew, nil
}
