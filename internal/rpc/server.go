package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Handler serves one connection. It returns when the channel is done.
type Handler interface {
	ServeChannel(ctx context.Context, ch Channel)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ch Channel)

func (f HandlerFunc) ServeChannel(ctx context.Context, ch Channel) { f(ctx, ch) }

// Listen opens the daemon socket. A stale unix socket file is removed first.
func Listen(network, address string) (net.Listener, error) {
	if network == "unix" {
		if err := os.Remove(address); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale socket %s: %w", address, err)
		}
	}
	listener, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s %s: %w", network, address, err)
	}
	return listener, nil
}

// Server accepts connections and runs a Handler for each.
type Server struct {
	listener       net.Listener
	handler        Handler
	logger         logrus.FieldLogger
	maxConnections int

	mu     sync.Mutex
	conns  map[string]*StreamChannel
	closed bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a server on listener. maxConnections <= 0 means unlimited.
func NewServer(listener net.Listener, handler Handler, maxConnections int, logger logrus.FieldLogger) *Server {
	return &Server{
		listener:       listener,
		handler:        handler,
		logger:         logger.WithField("component", "rpc"),
		maxConnections: maxConnections,
		conns:          make(map[string]*StreamChannel),
	}
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts until ctx ends or Close is called. Handlers get a context that
// is cancelled on shutdown.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	s.logger.WithField("addr", s.listener.Addr().String()).Info("listening")

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.isClosed() {
				return nil
			}
			s.logger.WithError(err).Warn("failed to accept connection")
			continue
		}

		id := uuid.NewString()
		if !s.track(id, conn) {
			s.logger.WithField("remote", conn.RemoteAddr().String()).Warn("rejecting connection, limit reached")
			conn.Close()
			continue
		}

		go s.serveConn(ctx, id)
	}
}

func (s *Server) track(id string, conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || (s.maxConnections > 0 && len(s.conns) >= s.maxConnections) {
		return false
	}
	s.conns[id] = NewStreamChannel(conn)
	s.wg.Add(1)
	return true
}

func (s *Server) serveConn(ctx context.Context, id string) {
	defer s.wg.Done()

	s.mu.Lock()
	ch := s.conns[id]
	s.mu.Unlock()

	logger := s.logger.WithField("conn", id)
	logger.Debug("connection accepted")

	defer func() {
		ch.Close()
		s.mu.Lock()
		delete(s.conns, id)
		s.mu.Unlock()
		logger.Debug("connection closed")
	}()

	s.handler.ServeChannel(ctx, ch)
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ConnectionCount returns the number of open connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close stops accepting, closes every connection and waits for handlers.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	conns := make([]*StreamChannel, 0, len(s.conns))
	for _, ch := range s.conns {
		conns = append(conns, ch)
	}
	s.mu.Unlock()

	err := s.listener.Close()
	for _, ch := range conns {
		ch.Close()
	}
	s.wg.Wait()
	return err
}
