package bonder

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/radio-control/gapd/internal/adapter"
	"github.com/radio-control/gapd/internal/host"
	"github.com/radio-control/gapd/internal/rpc"
	"github.com/radio-control/gapd/internal/telemetry"
)

// remoteDelegate forwards pairing callbacks to the client on the other end of a
// session and waits for its pairingReply.
type remoteDelegate struct {
	session *Session
}

var _ host.PairingDelegate = (*remoteDelegate)(nil)

func newRemoteDelegate(s *Session) *remoteDelegate {
	return &remoteDelegate{session: s}
}

// OnPairingRequest rejects the request when the client does not answer within
// the pairing reply timeout.
func (d *remoteDelegate) OnPairingRequest(ctx context.Context, req adapter.PairingRequest) (adapter.PairingResponse, error) {
	s := d.session
	id := uuid.NewString()
	replies := make(chan adapter.PairingResponse, 1)

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return adapter.PairingResponse{}, fmt.Errorf("delegate session closed: %w", adapter.ErrUnavailable)
	}
	s.pairing[id] = replies
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pairing, id)
		s.mu.Unlock()
	}()

	msg, err := rpc.NewPairingRequest(id, req)
	if err != nil {
		return adapter.PairingResponse{}, fmt.Errorf("failed to encode pairing request: %w", err)
	}
	if !s.send(msg) {
		return adapter.PairingResponse{}, fmt.Errorf("pairing request %s: %w", id, adapter.ErrTransportFailure)
	}

	timer := time.NewTimer(s.svc.timing.PairingReplyTimeout)
	defer timer.Stop()

	select {
	case resp := <-replies:
		return resp, nil
	case <-timer.C:
		s.logger.WithField("pairing", id).Warn("pairing delegate did not reply in time")
		return adapter.PairingResponse{Accept: false}, fmt.Errorf("pairing reply %s: %w", id, adapter.ErrTimeout)
	case <-ctx.Done():
		return adapter.PairingResponse{}, ctx.Err()
	case <-s.ctx.Done():
		return adapter.PairingResponse{}, fmt.Errorf("delegate session closed: %w", adapter.ErrUnavailable)
	}
}

// OnPairingComplete notifies the client with a pairingComplete event.
func (d *remoteDelegate) OnPairingComplete(ctx context.Context, adapterID string, result adapter.PairingResult) {
	d.session.send(rpc.NewEvent(telemetry.Event{
		Type:    telemetry.EventPairingComplete,
		Adapter: adapterID,
		Data: map[string]interface{}{
			"deviceId": result.DeviceID,
			"success":  result.Success,
		},
	}))
}

// deliverPairingReply hands a client reply to the waiting pairing request.
// Replies for unknown or expired ids are dropped.
func (s *Session) deliverPairingReply(msg rpc.Message) {
	var resp adapter.PairingResponse
	if err := msg.DecodeResult(&resp); err != nil {
		s.logger.WithError(err).WithField("pairing", msg.ID).Warn("dropping malformed pairing reply")
		return
	}

	s.mu.Lock()
	replies, ok := s.pairing[msg.ID]
	delete(s.pairing, msg.ID)
	s.mu.Unlock()

	if !ok {
		s.logger.WithField("pairing", msg.ID).Debug("dropping pairing reply with no waiter")
		return
	}
	replies <- resp
}
