package bonder

import (
	"context"
	"errors"
	"fmt"

	"github.com/radio-control/gapd/internal/adapter"
	"github.com/radio-control/gapd/internal/bond"
	"github.com/radio-control/gapd/internal/host"
	"github.com/radio-control/gapd/internal/rpc"
)

// readMethods may be called by viewers. Every other method needs the controller
// role.
var readMethods = map[string]bool{
	rpc.MethodGetActiveAdapterInfo: true,
	rpc.MethodGetAdapters:          true,
	rpc.MethodIsBluetoothAvailable: true,
	rpc.MethodGetBondedDevices:     true,
}

func (s *Session) authorized(method string) bool {
	s.mu.Lock()
	claims := s.claims
	s.mu.Unlock()

	if claims == nil {
		return false
	}
	if readMethods[method] {
		return claims.CanRead()
	}
	return claims.CanControl()
}

// handle routes one request and returns its reply.
func (s *Session) handle(ctx context.Context, msg rpc.Message) reply {
	if msg.Method == rpc.MethodOpen {
		return failure(fmt.Errorf("%w: session already open", rpc.ErrBadRequest))
	}
	if !s.authorized(msg.Method) {
		return failure(fmt.Errorf("%w: %s", rpc.ErrForbidden, msg.Method))
	}

	switch msg.Method {
	case rpc.MethodAddBondedDevices:
		return s.addBondedDevices(ctx, msg)
	case rpc.MethodRequestDiscovery:
		return s.requestDiscovery(ctx, msg)
	case rpc.MethodSetDiscoverable:
		return s.setDiscoverable(ctx, msg)
	case rpc.MethodSetActiveAdapter:
		return s.setActiveAdapter(msg)
	case rpc.MethodGetActiveAdapterInfo:
		return s.getActiveAdapterInfo(ctx)
	case rpc.MethodGetAdapters:
		return s.getAdapters(ctx)
	case rpc.MethodSetPairingDelegate:
		return s.setPairingDelegate(ctx, msg)
	case rpc.MethodSetName:
		return s.setName(ctx, msg)
	case rpc.MethodIsBluetoothAvailable:
		return reply{status: rpc.OK(), result: rpc.AvailabilityResult{Available: s.svc.dispatcher.IsBluetoothAvailable()}}
	case rpc.MethodGetBondedDevices:
		return s.getBondedDevices(ctx, msg)
	default:
		return failure(fmt.Errorf("method %q: %w", msg.Method, adapter.ErrNotSupported))
	}
}

func failure(err error) reply {
	return reply{status: rpc.StatusFromError(err)}
}

// activeHandle waits a bounded time for an active adapter. A cancelled request
// reports context.Canceled instead of NOT_FOUND.
func (s *Session) activeHandle(ctx context.Context) (*host.Handle, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.svc.timing.ActiveAdapterWait)
	defer cancel()

	h, err := s.svc.dispatcher.GetActiveAdapter(waitCtx)
	if err != nil && errors.Is(ctx.Err(), context.Canceled) {
		return nil, ctx.Err()
	}
	return h, err
}

func (s *Session) addBondedDevices(ctx context.Context, msg rpc.Message) reply {
	var params rpc.AddBondedDevicesParams
	if err := msg.DecodeParams(&params); err != nil {
		return failure(err)
	}

	adapterID := params.LocalID
	if adapterID == "" {
		h, err := s.activeHandle(ctx)
		if err != nil {
			return failure(err)
		}
		adapterID = h.ID()
	}

	if err := s.svc.dispatcher.AddBondedDevices(ctx, adapterID, params.Bonds); err != nil {
		return reply{status: rpc.StatusFromError(err), adapterID: adapterID}
	}
	return reply{status: rpc.OK(), adapterID: adapterID}
}

func (s *Session) getBondedDevices(ctx context.Context, msg rpc.Message) reply {
	var params rpc.GetBondedDevicesParams
	if err := msg.DecodeParams(&params); err != nil {
		return failure(err)
	}

	adapterID := params.LocalID
	if adapterID == "" {
		h, err := s.activeHandle(ctx)
		if err != nil {
			if errors.Is(err, adapter.ErrNotFound) {
				return reply{status: rpc.OK(), result: rpc.BondsResult{Bonds: []bond.Record{}}}
			}
			return failure(err)
		}
		adapterID = h.ID()
	}

	records, err := s.svc.dispatcher.BondedDevices(adapterID)
	if err != nil {
		return reply{status: rpc.StatusFromError(err), adapterID: adapterID}
	}
	return reply{status: rpc.OK(), result: rpc.BondsResult{Bonds: records}, adapterID: adapterID}
}

func (s *Session) requestDiscovery(ctx context.Context, msg rpc.Message) reply {
	var params rpc.RequestDiscoveryParams
	if err := msg.DecodeParams(&params); err != nil {
		return failure(err)
	}
	return s.toggleSession(ctx, host.KindDiscovery, params.Discover, s.svc.dispatcher.StartDiscovery)
}

func (s *Session) setDiscoverable(ctx context.Context, msg rpc.Message) reply {
	var params rpc.SetDiscoverableParams
	if err := msg.DecodeParams(&params); err != nil {
		return failure(err)
	}
	return s.toggleSession(ctx, host.KindDiscoverable, params.Discoverable, s.svc.dispatcher.SetDiscoverable)
}

// toggleSession starts a session of kind on the active adapter, or releases the
// ones this connection owns.
func (s *Session) toggleSession(
	ctx context.Context,
	kind host.Kind,
	enable bool,
	start func(context.Context, *host.Handle) (*host.Token, error),
) reply {
	if !enable {
		n := s.releaseKind(kind)
		s.logger.WithField("session", kind.String()).WithField("released", n).Debug("session released by client")
		return reply{status: rpc.OK()}
	}

	h, err := s.activeHandle(ctx)
	if err != nil {
		return failure(err)
	}

	t, err := start(ctx, h)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			err = ctx.Err()
		}
		return reply{status: rpc.StatusFromError(err), adapterID: h.ID()}
	}

	// Nobody is waiting for the token any more
	if ctx.Err() != nil {
		t.Revoke()
		return reply{status: rpc.StatusFromError(ctx.Err()), adapterID: h.ID()}
	}
	if !s.adoptToken(t) {
		return reply{status: rpc.StatusFromError(adapter.ErrUnavailable), adapterID: h.ID()}
	}

	return reply{
		status:    rpc.OK(),
		result:    rpc.TokenResult{Token: t.ID()},
		adapterID: h.ID(),
		token:     t,
	}
}

func (s *Session) setActiveAdapter(msg rpc.Message) reply {
	var params rpc.SetActiveAdapterParams
	if err := msg.DecodeParams(&params); err != nil {
		return failure(err)
	}
	if params.ID == "" {
		return failure(fmt.Errorf("%w: missing adapter id", rpc.ErrBadRequest))
	}

	if err := s.svc.dispatcher.SetActiveAdapter(params.ID); err != nil {
		return reply{status: rpc.StatusFromError(err), adapterID: params.ID}
	}
	return reply{status: rpc.OK(), adapterID: params.ID}
}

// getActiveAdapterInfo answers OK with no adapter when none becomes active in
// time.
func (s *Session) getActiveAdapterInfo(ctx context.Context) reply {
	h, err := s.activeHandle(ctx)
	if err != nil {
		if errors.Is(err, adapter.ErrNotFound) {
			return reply{status: rpc.OK(), result: rpc.AdapterInfoResult{}}
		}
		return failure(err)
	}

	info := h.Info()
	return reply{status: rpc.OK(), result: rpc.AdapterInfoResult{Adapter: &info}, adapterID: h.ID()}
}

func (s *Session) getAdapters(ctx context.Context) reply {
	waitCtx, cancel := context.WithTimeout(ctx, s.svc.timing.ActiveAdapterWait)
	defer cancel()

	infos, err := s.svc.dispatcher.WaitForAdapters(waitCtx)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return failure(ctx.Err())
		}
		infos = []adapter.AdapterInfo{}
	}
	return reply{status: rpc.OK(), result: rpc.AdaptersResult{Adapters: infos}}
}

func (s *Session) setName(ctx context.Context, msg rpc.Message) reply {
	var params rpc.SetNameParams
	if err := msg.DecodeParams(&params); err != nil {
		return failure(err)
	}
	if params.Name == "" {
		return failure(fmt.Errorf("%w: empty name", rpc.ErrBadRequest))
	}

	h, err := s.activeHandle(ctx)
	if err != nil {
		return failure(err)
	}
	if err := s.svc.dispatcher.SetName(ctx, h, params.Name); err != nil {
		return reply{status: rpc.StatusFromError(err), adapterID: h.ID()}
	}
	return reply{status: rpc.OK(), adapterID: h.ID()}
}

// setPairingDelegate installs or clears this connection as the active adapter's
// pairing delegate. It has no response, so failures are only logged.
func (s *Session) setPairingDelegate(ctx context.Context, msg rpc.Message) reply {
	var params rpc.SetPairingDelegateParams
	if err := msg.DecodeParams(&params); err != nil {
		s.logger.WithError(err).Warn("ignoring malformed SetPairingDelegate")
		return failure(err)
	}

	if !params.Enabled {
		s.clearDelegate()
		return reply{status: rpc.OK()}
	}

	h, err := s.activeHandle(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("no adapter for pairing delegate")
		return failure(err)
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return failure(adapter.ErrUnavailable)
	}
	if s.delegate == nil {
		s.delegate = newRemoteDelegate(s)
	}
	delegate := s.delegate
	previous := s.delegateHandle
	s.delegateHandle = h
	s.mu.Unlock()

	if previous != nil && previous != h {
		s.svc.dispatcher.ClearPairingDelegate(previous, delegate)
	}
	s.svc.dispatcher.RegisterPairingDelegate(h, delegate)
	return reply{status: rpc.OK(), adapterID: h.ID()}
}

func (s *Session) clearDelegate() {
	s.mu.Lock()
	delegate, h := s.delegate, s.delegateHandle
	s.delegateHandle = nil
	s.mu.Unlock()

	if delegate != nil && h != nil {
		s.svc.dispatcher.ClearPairingDelegate(h, delegate)
	}
}
