package adapter

import (
	"context"
)

// AdapterInfo describes one local Bluetooth controller.
type AdapterInfo struct {
	ID           string `json:"id"`
	Address      string `json:"address"`
	Name         string `json:"name"`
	Technology   string `json:"technology,omitempty"`
	Powered      bool   `json:"powered"`
	Discovering  bool   `json:"discovering"`
	Discoverable bool   `json:"discoverable"`
}

// IHostAdapter defines the stable southbound driver contract.
type IHostAdapter interface {
	// Info returns the controller's identity and current state.
	Info(ctx context.Context) (*AdapterInfo, error)

	// SetName sets the local name advertised to remote devices.
	SetName(ctx context.Context, name string) error

	// SetDiscovery starts or stops device discovery (inquiry/scan).
	SetDiscovery(ctx context.Context, enabled bool) error

	// SetDiscoverable makes the controller visible to remote inquiries or hides it.
	SetDiscoverable(ctx context.Context, enabled bool) error
}

// EventKind distinguishes driver connect/disconnect notifications.
type EventKind int

const (
	// Connected is emitted when a controller appears.
	Connected EventKind = iota
	// Disconnected is emitted when a controller goes away.
	Disconnected
)

func (k EventKind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is a controller hotplug notification. Adapter is nil for Disconnected.
type Event struct {
	Kind    EventKind
	ID      string
	Adapter IHostAdapter
}

// Watcher reports controllers as they connect and disconnect. Controllers already
// present when Watch is called are reported as Connected first.
type Watcher interface {
	Watch(ctx context.Context) (<-chan Event, error)
}

// AdapterBase provides identity bookkeeping shared by driver implementations.
type AdapterBase struct {
	// AdapterID identifies the controller this driver instance manages
	AdapterID string

	// Technology is "classic", "le" or "dual"
	Technology string
}

// GetAdapterID returns the controller identifier.
func (a *AdapterBase) GetAdapterID() string {
	return a.AdapterID
}

// GetTechnology returns the controller's transport technology.
func (a *AdapterBase) GetTechnology() string {
	return a.Technology
}
