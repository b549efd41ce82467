package host

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/radio-control/gapd/internal/adapter"
	"github.com/radio-control/gapd/internal/bond"
)

var _ adapter.PairingRouter = (*Dispatcher)(nil)

// RegisterPairingDelegate installs delegate on h, replacing any previous one
// without notifying it. A nil delegate clears the registration.
func (d *Dispatcher) RegisterPairingDelegate(h *Handle, delegate PairingDelegate) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.removed {
		return
	}
	h.delegate = delegate

	d.logger.WithFields(logrus.Fields{
		"adapter":  h.id,
		"attached": delegate != nil,
	}).Debug("pairing delegate registered")
}

// ClearPairingDelegate clears h's delegate only if it is still delegate. It
// reports whether it was cleared.
func (d *Dispatcher) ClearPairingDelegate(h *Handle, delegate PairingDelegate) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.delegate == nil || h.delegate != delegate {
		return false
	}
	h.delegate = nil
	return true
}

func (d *Dispatcher) delegateFor(adapterID string) (PairingDelegate, error) {
	h, ok := d.Handle(adapterID)
	if !ok {
		return nil, fmt.Errorf("adapter %s: %w", adapterID, adapter.ErrNotFound)
	}
	delegate := h.Delegate()
	if delegate == nil {
		return nil, fmt.Errorf("no pairing delegate on %s: %w", adapterID, adapter.ErrNotFound)
	}
	return delegate, nil
}

// RoutePairingRequest forwards a driver pairing callback to the adapter's current
// delegate. The delegate is called without any dispatcher lock held.
func (d *Dispatcher) RoutePairingRequest(ctx context.Context, adapterID string, req adapter.PairingRequest) (adapter.PairingResponse, error) {
	delegate, err := d.delegateFor(adapterID)
	if err != nil {
		return adapter.PairingResponse{}, err
	}

	req.AdapterID = adapterID
	resp, err := delegate.OnPairingRequest(ctx, req)
	if err != nil {
		return adapter.PairingResponse{}, err
	}
	return resp, nil
}

// CompletePairing tells the delegate a pairing finished. A successful pairing
// that carries a record is merged into the bonded set.
func (d *Dispatcher) CompletePairing(ctx context.Context, adapterID string, result adapter.PairingResult) error {
	if delegate, err := d.delegateFor(adapterID); err == nil {
		delegate.OnPairingComplete(ctx, adapterID, result)
	}

	if !result.Success || result.Record == nil {
		return nil
	}
	return d.AddBondedDevices(ctx, adapterID, []bond.Record{*result.Record})
}
