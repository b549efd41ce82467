package bonder

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/radio-control/gapd/internal/auth"
	"github.com/radio-control/gapd/internal/config"
	"github.com/radio-control/gapd/internal/host"
	"github.com/radio-control/gapd/internal/rpc"
	"github.com/radio-control/gapd/internal/telemetry"
)

// TokenVerifier checks the bearer token presented in Open. *auth.Verifier
// implements it.
type TokenVerifier interface {
	VerifyToken(token string) (*auth.Claims, error)
}

// Auditor records request outcomes. *audit.Logger implements it.
type Auditor interface {
	LogAction(ctx context.Context, action, adapterID string, params map[string]interface{}, err error, latency time.Duration)
	LogCode(ctx context.Context, action, adapterID, code string, latency time.Duration)
}

// EventSource hands out event subscriptions. *telemetry.Hub implements it.
type EventSource interface {
	Subscribe(ctx context.Context, adapterFilter string, lastEventID int64) *telemetry.Subscriber
	Unsubscribe(sub *telemetry.Subscriber)
}

type nopAuditor struct{}

func (nopAuditor) LogAction(context.Context, string, string, map[string]interface{}, error, time.Duration) {
}
func (nopAuditor) LogCode(context.Context, string, string, string, time.Duration) {}

// Options configures a Service.
type Options struct {
	Dispatcher *host.Dispatcher

	// Events is optional; without it sessions receive no events
	Events EventSource

	// Verifier is nil when authentication is disabled
	Verifier TokenVerifier

	// Audit is optional
	Audit Auditor

	Timing config.TimingConfig
	Logger logrus.FieldLogger
}

// Service serves bonder sessions over rpc channels.
type Service struct {
	dispatcher *host.Dispatcher
	events     EventSource
	verifier   TokenVerifier
	audit      Auditor
	timing     config.TimingConfig
	logger     logrus.FieldLogger

	mu       sync.Mutex
	sessions map[string]*Session
}

var _ rpc.Handler = (*Service)(nil)

// NewService creates a bonder service.
func NewService(opts Options) *Service {
	if opts.Audit == nil {
		opts.Audit = nopAuditor{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Service{
		dispatcher: opts.Dispatcher,
		events:     opts.Events,
		verifier:   opts.Verifier,
		audit:      opts.Audit,
		timing:     opts.Timing,
		logger:     opts.Logger.WithField("component", "bonder"),
		sessions:   make(map[string]*Session),
	}
}

// ServeChannel runs one session on ch and returns when it is closed.
func (s *Service) ServeChannel(ctx context.Context, ch rpc.Channel) {
	session := newSession(ctx, s, ch)

	s.mu.Lock()
	s.sessions[session.id] = session
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, session.id)
		s.mu.Unlock()
	}()

	session.run()
}

// SessionCount returns the number of live sessions.
func (s *Service) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
