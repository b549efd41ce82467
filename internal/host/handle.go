package host

import (
	"context"
	"sync"

	"github.com/radio-control/gapd/internal/adapter"
	"github.com/radio-control/gapd/internal/bond"
)

// PairingDelegate handles pairing callbacks for one adapter.
type PairingDelegate interface {
	OnPairingRequest(ctx context.Context, req adapter.PairingRequest) (adapter.PairingResponse, error)
	OnPairingComplete(ctx context.Context, adapterID string, result adapter.PairingResult)
}

// Handle is one connected controller and its session state.
type Handle struct {
	id       string
	driver   adapter.IHostAdapter
	driverID string

	mu           sync.RWMutex
	info         adapter.AdapterInfo
	bonds        map[string]bond.Record
	discovery    *Token
	discoverable *Token
	delegate     PairingDelegate
	removed      bool
}

func newHandle(id string, driver adapter.IHostAdapter, info adapter.AdapterInfo, records []bond.Record) *Handle {
	driverID := "generic"
	if d, ok := driver.(interface{ DriverID() string }); ok {
		driverID = d.DriverID()
	}

	info.ID = id
	h := &Handle{
		id:       id,
		driver:   driver,
		driverID: driverID,
		info:     info,
		bonds:    make(map[string]bond.Record),
	}
	bond.Merge(h.bonds, records)
	return h
}

// ID returns the adapter id.
func (h *Handle) ID() string { return h.id }

// Info returns the adapter info with session flags derived from live tokens.
func (h *Handle) Info() adapter.AdapterInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	info := h.info
	info.Discovering = h.discovery != nil
	info.Discoverable = h.discoverable != nil
	return info
}

// Discovering reports whether a discovery token is live.
func (h *Handle) Discovering() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.discovery != nil
}

// Discoverable reports whether a discoverable token is live.
func (h *Handle) Discoverable() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.discoverable != nil
}

// Delegate returns the registered pairing delegate, or nil.
func (h *Handle) Delegate() PairingDelegate {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.delegate
}

// Bonds returns the bonded-device set sorted by device id.
func (h *Handle) Bonds() []bond.Record {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return bond.Sorted(h.bonds)
}

// slot returns the token field of kind. Caller holds h.mu.
func (h *Handle) slot(kind Kind) **Token {
	if kind == KindDiscoverable {
		return &h.discoverable
	}
	return &h.discovery
}

// toggle switches the driver side of a session. Caller holds h.mu.
func (h *Handle) toggle(ctx context.Context, kind Kind, enabled bool) error {
	var err error
	if kind == KindDiscoverable {
		err = h.driver.SetDiscoverable(ctx, enabled)
	} else {
		err = h.driver.SetDiscovery(ctx, enabled)
	}
	return adapter.NormalizeDriverErrorWithDriver(err, nil, h.driverID)
}

// detach marks the handle removed and returns its live tokens. The pairing
// delegate is cleared.
func (h *Handle) detach() []*Token {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.detachLocked()
}

// detachLocked is detach for callers holding h.mu.
func (h *Handle) detachLocked() []*Token {
	h.removed = true
	h.delegate = nil

	var tokens []*Token
	for _, t := range []*Token{h.discovery, h.discoverable} {
		if t != nil {
			tokens = append(tokens, t)
		}
	}
	return tokens
}
