// Package fake provides an in-memory host adapter driver for tests and for running
// gapd without Bluetooth hardware.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/radio-control/gapd/internal/adapter"
)

// FakeAdapter implements IHostAdapter in memory.
type FakeAdapter struct {
	adapter.AdapterBase

	mu sync.Mutex

	// Current state
	address      string
	name         string
	powered      bool
	discovering  bool
	discoverable bool

	// Error simulation: operation name -> error type ("" means every operation)
	simulateErrors map[string]string

	// Calls records every mutating call as "op:arg" for assertions.
	calls []string

	// block, when non-nil, makes mutating calls wait until it is closed or ctx ends.
	block chan struct{}
}

// NewFakeAdapter creates a new fake adapter.
func NewFakeAdapter(adapterID string) *FakeAdapter {
	return &FakeAdapter{
		AdapterBase: adapter.AdapterBase{
			AdapterID:  adapterID,
			Technology: "dual",
		},
		address:        "00:1A:7D:DA:71:13",
		name:           "fake-" + adapterID,
		powered:        true,
		simulateErrors: make(map[string]string),
	}
}

// Info returns the current adapter info.
func (f *FakeAdapter) Info(ctx context.Context) (*adapter.AdapterInfo, error) {
	if err := f.enter(ctx, "info", ""); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return &adapter.AdapterInfo{
		ID:           f.AdapterID,
		Address:      f.address,
		Name:         f.name,
		Technology:   f.Technology,
		Powered:      f.powered,
		Discovering:  f.discovering,
		Discoverable: f.discoverable,
	}, nil
}

// SetName sets the local name.
func (f *FakeAdapter) SetName(ctx context.Context, name string) error {
	if err := f.enter(ctx, "setName", name); err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("INVALID_PARAMETER: empty name")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.name = name
	return nil
}

// SetDiscovery starts or stops discovery.
func (f *FakeAdapter) SetDiscovery(ctx context.Context, enabled bool) error {
	if err := f.enter(ctx, "setDiscovery", fmt.Sprint(enabled)); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.powered {
		return fmt.Errorf("NOT_READY: adapter %s is powered off", f.AdapterID)
	}
	f.discovering = enabled
	return nil
}

// SetDiscoverable toggles discoverability.
func (f *FakeAdapter) SetDiscoverable(ctx context.Context, enabled bool) error {
	if err := f.enter(ctx, "setDiscoverable", fmt.Sprint(enabled)); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.powered {
		return fmt.Errorf("NOT_READY: adapter %s is powered off", f.AdapterID)
	}
	f.discoverable = enabled
	return nil
}

// enter records the call, honours the block gate and cancellation, then applies
// error simulation.
func (f *FakeAdapter) enter(ctx context.Context, op, arg string) error {
	f.mu.Lock()
	if op != "info" {
		f.calls = append(f.calls, op+":"+arg)
	}
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Check for context cancellation
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if errType, ok := f.simulateErrors[op]; ok {
		return simulatedError(errType)
	}
	if errType, ok := f.simulateErrors[""]; ok {
		return simulatedError(errType)
	}
	return nil
}

// Helper methods for testing

// SetErrorSimulation makes op fail with errorType. An empty op fails every operation.
func (f *FakeAdapter) SetErrorSimulation(op, errorType string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.simulateErrors[op] = errorType
}

// DisableErrorSimulation clears all simulated errors.
func (f *FakeAdapter) DisableErrorSimulation() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.simulateErrors = make(map[string]string)
}

// SetPowered simulates the controller being switched on or off.
func (f *FakeAdapter) SetPowered(powered bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.powered = powered
}

// Block makes mutating calls wait until the returned release func is called.
func (f *FakeAdapter) Block() (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.block = ch
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			if f.block == ch {
				f.block = nil
			}
			f.mu.Unlock()
			close(ch)
		})
	}
}

// Calls returns a copy of the recorded mutating calls.
func (f *FakeAdapter) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// State returns the discovering and discoverable flags as the controller sees them.
func (f *FakeAdapter) State() (discovering, discoverable bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.discovering, f.discoverable
}

// simulatedError returns a simulated error for errorType.
func simulatedError(errorType string) error {
	switch errorType {
	case "BUSY":
		return fmt.Errorf("BUSY: simulated busy error")
	case "UNAVAILABLE":
		return fmt.Errorf("UNAVAILABLE: simulated unavailable error")
	case "NOT_SUPPORTED":
		return fmt.Errorf("NOT_SUPPORTED: simulated unsupported operation")
	case "IN_PROGRESS":
		return fmt.Errorf("IN_PROGRESS: simulated operation in progress")
	case "INTERNAL":
		return fmt.Errorf("INTERNAL: simulated internal error")
	default:
		return fmt.Errorf("INTERNAL: unknown simulated error")
	}
}
