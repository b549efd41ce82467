package fake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/radio-control/gapd/internal/adapter"
	"github.com/radio-control/gapd/internal/adaptertest"
)

// TestFakeAdapterConformance runs the complete conformance test suite on the fake adapter.
func TestFakeAdapterConformance(t *testing.T) {
	adaptertest.RunConformance(t, func() adapter.IHostAdapter {
		return NewFakeAdapter("hci0")
	}, adaptertest.Capabilities{
		DriverID:             "generic",
		SupportsDiscoverable: true,
	})
}

func TestFakeAdapterErrorSimulation(t *testing.T) {
	tests := []struct {
		errorType string
		expected  error
	}{
		{"BUSY", adapter.ErrBusy},
		{"UNAVAILABLE", adapter.ErrUnavailable},
		{"NOT_SUPPORTED", adapter.ErrNotSupported},
		{"IN_PROGRESS", adapter.ErrAlreadyInProgress},
		{"INTERNAL", adapter.ErrInternal},
	}

	for _, tt := range tests {
		t.Run(tt.errorType, func(t *testing.T) {
			f := NewFakeAdapter("hci0")
			f.SetErrorSimulation("setDiscovery", tt.errorType)

			err := adapter.NormalizeDriverError(f.SetDiscovery(context.Background(), true), nil)
			if !errors.Is(err, tt.expected) {
				t.Errorf("Expected %v, got %v", tt.expected, err)
			}

			// Other operations are unaffected
			if err := f.SetDiscoverable(context.Background(), true); err != nil {
				t.Errorf("Expected SetDiscoverable to succeed, got %v", err)
			}

			f.DisableErrorSimulation()
			if err := f.SetDiscovery(context.Background(), true); err != nil {
				t.Errorf("Expected SetDiscovery to succeed after disabling simulation, got %v", err)
			}
		})
	}
}

func TestFakeAdapterPoweredOff(t *testing.T) {
	f := NewFakeAdapter("hci0")
	f.SetPowered(false)

	err := adapter.NormalizeDriverError(f.SetDiscovery(context.Background(), true), nil)
	if !errors.Is(err, adapter.ErrUnavailable) {
		t.Errorf("Expected UNAVAILABLE when powered off, got %v", err)
	}
}

func TestFakeAdapterRecordsCalls(t *testing.T) {
	f := NewFakeAdapter("hci0")
	ctx := context.Background()

	_ = f.SetDiscovery(ctx, true)
	_ = f.SetDiscoverable(ctx, true)
	_ = f.SetName(ctx, "desk")
	_, _ = f.Info(ctx)

	calls := f.Calls()
	expected := []string{"setDiscovery:true", "setDiscoverable:true", "setName:desk"}
	if len(calls) != len(expected) {
		t.Fatalf("Expected %d calls, got %d: %v", len(expected), len(calls), calls)
	}
	for i := range expected {
		if calls[i] != expected[i] {
			t.Errorf("Call %d: expected %s, got %s", i, expected[i], calls[i])
		}
	}
}

func TestFakeAdapterBlockHonoursContext(t *testing.T) {
	f := NewFakeAdapter("hci0")
	release := f.Block()
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := f.SetDiscovery(ctx, true)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded while blocked, got %v", err)
	}

	release()
	if err := f.SetDiscovery(context.Background(), true); err != nil {
		t.Errorf("Expected SetDiscovery to succeed after release, got %v", err)
	}
}

func TestBusWatch(t *testing.T) {
	bus := NewBus("hci1", "hci0")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := bus.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	for _, id := range []string{"hci0", "hci1"} {
		ev := <-events
		if ev.Kind != adapter.Connected || ev.ID != id || ev.Adapter == nil {
			t.Errorf("Expected connected %s, got %+v", id, ev)
		}
	}

	bus.Plug("hci2")
	if ev := <-events; ev.Kind != adapter.Connected || ev.ID != "hci2" {
		t.Errorf("Expected connected hci2, got %+v", ev)
	}

	bus.Unplug("hci0")
	if ev := <-events; ev.Kind != adapter.Disconnected || ev.ID != "hci0" {
		t.Errorf("Expected disconnected hci0, got %+v", ev)
	}

	cancel()
	select {
	case _, ok := <-events:
		if ok {
			t.Error("Expected channel to be closed after cancel")
		}
	case <-time.After(time.Second):
		t.Error("Timed out waiting for watch channel to close")
	}
}
