package rpc

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Send and Recv once either side closed the channel.
var ErrClosed = errors.New("channel closed")

// Channel is a bidirectional message stream.
type Channel interface {
	// Recv blocks until a message arrives, the channel closes or ctx ends.
	Recv(ctx context.Context) (Message, error)

	// Send delivers msg or fails with ErrClosed or the ctx error.
	Send(ctx context.Context, msg Message) error

	// Close closes both directions. Safe to call more than once.
	Close() error
}

// pipeBuffer lets a sender run ahead of a slow reader by a few messages.
const pipeBuffer = 16

type pipe struct {
	done chan struct{}
	once sync.Once
}

type pipeEnd struct {
	p   *pipe
	in  chan Message
	out chan Message
}

// Pipe returns two connected in-process endpoints. Closing either closes both.
func Pipe() (Channel, Channel) {
	p := &pipe{done: make(chan struct{})}
	a2b := make(chan Message, pipeBuffer)
	b2a := make(chan Message, pipeBuffer)
	return &pipeEnd{p: p, in: b2a, out: a2b}, &pipeEnd{p: p, in: a2b, out: b2a}
}

func (e *pipeEnd) Recv(ctx context.Context) (Message, error) {
	// Deliver what was already sent before reporting the close
	select {
	case msg := <-e.in:
		return msg, nil
	default:
	}

	select {
	case msg := <-e.in:
		return msg, nil
	case <-e.p.done:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (e *pipeEnd) Send(ctx context.Context, msg Message) error {
	select {
	case <-e.p.done:
		return ErrClosed
	default:
	}

	select {
	case e.out <- msg:
		return nil
	case <-e.p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *pipeEnd) Close() error {
	e.p.once.Do(func() { close(e.p.done) })
	return nil
}
