package bonder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/radio-control/gapd/internal/adapter"
	"github.com/radio-control/gapd/internal/audit"
	"github.com/radio-control/gapd/internal/auth"
	"github.com/radio-control/gapd/internal/host"
	"github.com/radio-control/gapd/internal/rpc"
	"github.com/radio-control/gapd/internal/telemetry"
)

// State is the lifecycle phase of a session.
type State int

const (
	StateOpening State = iota
	StateServing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateServing:
		return "serving"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// maxInflight is how many requests may run on one connection at once. Requests
// past it are answered BUSY.
const maxInflight = 64

// reply is the outcome of one request. token is set when the request started a
// session; it is revoked if the response cannot be delivered.
type reply struct {
	status    rpc.Status
	result    interface{}
	adapterID string
	token     *host.Token
}

type pending struct {
	id      string
	replies chan reply
}

// Session is one client connection.
type Session struct {
	id     string
	svc    *Service
	ch     rpc.Channel
	ctx    context.Context
	cancel context.CancelFunc
	logger logrus.FieldLogger

	mu             sync.Mutex
	state          State
	claims         *auth.Claims
	inflight       map[string]context.CancelFunc
	tokens         map[string]*host.Token
	delegate       *remoteDelegate
	delegateHandle *host.Handle
	pairing        map[string]chan adapter.PairingResponse
	subscription   *telemetry.Subscriber

	// tail is closed once the latest mutation has finished. Only the receive
	// loop touches it.
	tail     <-chan struct{}
	slots    chan struct{}
	order    *outbox
	handlers sync.WaitGroup
	workers  sync.WaitGroup
}

func newSession(ctx context.Context, svc *Service, ch rpc.Channel) *Session {
	ctx, cancel := context.WithCancel(ctx)
	id := uuid.NewString()
	idle := make(chan struct{})
	close(idle)
	return &Session{
		id:       id,
		svc:      svc,
		ch:       ch,
		ctx:      ctx,
		cancel:   cancel,
		logger:   svc.logger.WithField("conn", id),
		state:    StateOpening,
		inflight: make(map[string]context.CancelFunc),
		tokens:   make(map[string]*host.Token),
		pairing:  make(map[string]chan adapter.PairingResponse),
		tail:     idle,
		slots:    make(chan struct{}, maxInflight),
		order:    newOutbox(),
	}
}

// State returns the current phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) run() {
	defer s.close()

	if !s.open() {
		return
	}

	s.workers.Add(1)
	go s.writeLoop()

	s.serve()
}

// open performs the handshake: the first message must be an Open request.
func (s *Session) open() bool {
	ctx, cancel := context.WithTimeout(s.ctx, s.svc.timing.HandshakeTimeout)
	defer cancel()

	msg, err := s.ch.Recv(ctx)
	if err != nil {
		s.logger.WithError(err).Debug("connection closed during handshake")
		return false
	}

	start := time.Now()
	if msg.Kind != rpc.KindRequest || msg.Method != rpc.MethodOpen {
		s.sendResponse(msg.ID, rpc.Status{Code: rpc.CodeBadRequest, Message: "first request must be Open"}, nil)
		s.svc.audit.LogCode(s.ctx, msg.Method, "", rpc.CodeBadRequest, time.Since(start))
		return false
	}

	var params rpc.OpenParams
	if err := msg.DecodeParams(&params); err != nil {
		s.sendResponse(msg.ID, rpc.StatusFromError(err), nil)
		return false
	}

	claims, err := s.authenticate(params.Token)
	if err != nil {
		s.logger.WithError(err).Warn("handshake rejected")
		s.svc.audit.LogAction(s.ctx, rpc.MethodOpen, "", nil, err, time.Since(start))
		s.sendResponse(msg.ID, rpc.StatusFromError(err), nil)
		return false
	}

	s.mu.Lock()
	s.claims = claims
	s.state = StateServing
	s.ctx = audit.WithSubject(auth.WithClaims(s.ctx, claims), claims.Subject)
	s.mu.Unlock()

	s.logger = s.logger.WithField("subject", claims.Subject)

	if s.svc.events != nil {
		sub := s.svc.events.Subscribe(s.ctx, params.Adapter, params.LastEventID)
		s.mu.Lock()
		s.subscription = sub
		s.mu.Unlock()

		s.workers.Add(1)
		go s.forwardEvents(sub)
	}

	s.svc.audit.LogAction(s.ctx, rpc.MethodOpen, "", nil, nil, time.Since(start))
	s.sendResponse(msg.ID, rpc.OK(), rpc.OpenResult{SessionID: s.id, Subject: claims.Subject})
	s.logger.Info("session opened")
	return true
}

func (s *Session) authenticate(token string) (*auth.Claims, error) {
	if s.svc.verifier == nil {
		return auth.Anonymous(), nil
	}
	return s.svc.verifier.VerifyToken(token)
}

// serve reads messages until the channel closes.
func (s *Session) serve() {
	for {
		msg, err := s.ch.Recv(s.ctx)
		if err != nil {
			if errors.Is(err, rpc.ErrBadRequest) {
				s.logger.WithError(err).Warn("dropping malformed message")
				continue
			}
			s.logger.WithError(err).Debug("receive loop ended")
			return
		}

		switch msg.Kind {
		case rpc.KindRequest:
			s.dispatch(msg)
		case rpc.KindCancel:
			s.cancelRequest(msg.ID)
		case rpc.KindPairingReply:
			s.deliverPairingReply(msg)
		default:
			s.logger.WithField("kind", msg.Kind).Debug("ignoring message")
		}
	}
}

// dispatch starts a request goroutine. Its response slot is queued now so the
// writer preserves arrival order. Mutations take effect in arrival order too:
// each one waits for the mutation before it.
func (s *Session) dispatch(msg rpc.Message) {
	start := time.Now()

	s.mu.Lock()
	_, duplicate := s.inflight[msg.ID]
	s.mu.Unlock()
	if msg.ID != "" && duplicate {
		s.reject(msg, fmt.Errorf("%w: request %s already in flight", rpc.ErrBadRequest, msg.ID), start)
		return
	}

	select {
	case s.slots <- struct{}{}:
	default:
		s.reject(msg, fmt.Errorf("%d requests in flight: %w", maxInflight, adapter.ErrBusy), start)
		return
	}

	reqCtx, cancel := context.WithCancel(s.ctx)
	t := s.nextTurn(msg.Method)

	var p *pending
	if msg.Method != rpc.MethodSetPairingDelegate {
		p = &pending{id: msg.ID, replies: make(chan reply, 1)}
		s.order.push(p)
	}

	s.mu.Lock()
	if msg.ID != "" {
		s.inflight[msg.ID] = cancel
	}
	s.mu.Unlock()

	s.handlers.Add(1)
	go func() {
		defer s.handlers.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, msg.ID)
			s.mu.Unlock()
			cancel()
			<-s.slots
		}()

		var r reply
		if err := t.wait(reqCtx); err != nil {
			r = failure(err)
		} else {
			r = s.handle(reqCtx, msg)
			t.finish()
		}

		s.svc.audit.LogCode(s.ctx, msg.Method, r.adapterID, r.status.Code, time.Since(start))
		s.logger.WithFields(logrus.Fields{
			"method":  msg.Method,
			"request": msg.ID,
			"code":    r.status.Code,
		}).Debug("request handled")

		if p != nil {
			p.replies <- r
		} else if !r.status.IsOK() {
			s.logger.WithField("method", msg.Method).WithField("code", r.status.Code).Warn(r.status.Message)
		}
	}()
}

// nextTurn places a request behind the mutations received before it.
func (s *Session) nextTurn(method string) turn {
	t := turn{after: s.tail}
	if !readMethods[method] {
		t.done = make(chan struct{})
		s.tail = t.done
	}
	return t
}

// reject answers a request without running it.
func (s *Session) reject(msg rpc.Message, err error, start time.Time) {
	r := failure(err)
	s.svc.audit.LogCode(s.ctx, msg.Method, "", r.status.Code, time.Since(start))
	s.logger.WithError(err).WithField("method", msg.Method).Warn("request rejected")

	if msg.Method == rpc.MethodSetPairingDelegate {
		return
	}
	p := &pending{id: msg.ID, replies: make(chan reply, 1)}
	p.replies <- r
	s.order.push(p)
}

func (s *Session) cancelRequest(id string) {
	s.mu.Lock()
	cancel, ok := s.inflight[id]
	s.mu.Unlock()

	if ok {
		s.logger.WithField("request", id).Debug("request cancelled by client")
		cancel()
	}
}

// writeLoop sends responses in the order requests arrived.
func (s *Session) writeLoop() {
	defer s.workers.Done()

	for {
		p, ok := s.order.pop(s.ctx)
		if !ok {
			return
		}

		var r reply
		select {
		case r = <-p.replies:
		case <-s.ctx.Done():
			return
		}

		if !s.sendResponse(p.id, r.status, r.result) && r.token != nil {
			// The caller never learned it owns the session
			s.dropToken(r.token)
		}
	}
}

// sendResponse sends one response. Failures are logged and reported, never
// propagated.
func (s *Session) sendResponse(id string, status rpc.Status, result interface{}) bool {
	msg, err := rpc.NewResponse(id, status, result)
	if err != nil {
		s.logger.WithError(err).Error("failed to encode response")
		msg, _ = rpc.NewResponse(id, rpc.Status{Code: rpc.CodeInternal, Message: err.Error()}, nil)
	}
	return s.send(msg)
}

func (s *Session) send(msg rpc.Message) bool {
	if err := s.ch.Send(s.ctx, msg); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"kind": msg.Kind,
			"id":   msg.ID,
		}).Warn("failed to send message")
		return false
	}
	return true
}

func (s *Session) forwardEvents(sub *telemetry.Subscriber) {
	defer s.workers.Done()

	for {
		select {
		case event := <-sub.Events():
			s.send(rpc.NewEvent(event))
		case <-sub.Done():
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// adoptToken makes the session the owner of t. A closed session revokes t at
// once and reports false.
func (s *Session) adoptToken(t *host.Token) bool {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		t.Revoke()
		return false
	}
	s.tokens[t.ID()] = t
	s.mu.Unlock()

	go func() {
		select {
		case <-t.Done():
			s.forgetToken(t)
		case <-s.ctx.Done():
		}
	}()
	return true
}

// forgetToken drops t from the session without revoking it.
func (s *Session) forgetToken(t *host.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, t.ID())
}

// dropToken revokes t and drops it from the session.
func (s *Session) dropToken(t *host.Token) {
	s.forgetToken(t)
	t.Revoke()
}

// releaseKind revokes every token of kind the session owns and reports how
// many there were.
func (s *Session) releaseKind(kind host.Kind) int {
	s.mu.Lock()
	var owned []*host.Token
	for id, t := range s.tokens {
		if t.Kind() == kind {
			owned = append(owned, t)
			delete(s.tokens, id)
		}
	}
	s.mu.Unlock()

	for _, t := range owned {
		t.Revoke()
	}
	return len(owned)
}

// Tokens returns the number of live tokens the session owns.
func (s *Session) Tokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

// close moves the session to Closed and releases everything it owns.
func (s *Session) close() {
	s.mu.Lock()
	wasServing := s.state == StateServing
	s.state = StateClosed
	s.mu.Unlock()

	s.cancel()
	s.handlers.Wait()

	s.mu.Lock()
	tokens := make([]*host.Token, 0, len(s.tokens))
	for _, t := range s.tokens {
		tokens = append(tokens, t)
	}
	s.tokens = make(map[string]*host.Token)
	delegate, delegateHandle := s.delegate, s.delegateHandle
	s.delegate, s.delegateHandle = nil, nil
	sub := s.subscription
	s.subscription = nil
	s.mu.Unlock()

	for _, t := range tokens {
		t.Revoke()
	}
	if delegate != nil && delegateHandle != nil {
		s.svc.dispatcher.ClearPairingDelegate(delegateHandle, delegate)
	}
	if sub != nil {
		s.svc.events.Unsubscribe(sub)
	}

	s.workers.Wait()
	s.ch.Close()

	if wasServing {
		s.logger.WithField("tokens", len(tokens)).Info("session closed")
	}
}
