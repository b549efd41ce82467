package bonder

import (
	"context"
	"sync"
)

// turn orders one request against the mutations that arrived before it on the
// same connection. Mutations also hold up the ones after them; reads do not.
type turn struct {
	after <-chan struct{}
	done  chan struct{}
}

// wait blocks until every earlier mutation has finished. A mutation that gives
// up early still hands its turn on once its predecessors are done.
func (t turn) wait(ctx context.Context) error {
	select {
	case <-t.after:
		return nil
	case <-ctx.Done():
		if t.done != nil {
			go func() {
				<-t.after
				close(t.done)
			}()
		}
		return ctx.Err()
	}
}

func (t turn) finish() {
	if t.done != nil {
		close(t.done)
	}
}

// outbox is the FIFO of response slots drained by the writer. push never blocks
// so the receive loop keeps reading cancel and pairingReply messages.
type outbox struct {
	mu    sync.Mutex
	items []*pending
	ready chan struct{}
}

func newOutbox() *outbox {
	return &outbox{ready: make(chan struct{}, 1)}
}

func (o *outbox) push(p *pending) {
	o.mu.Lock()
	o.items = append(o.items, p)
	o.mu.Unlock()

	select {
	case o.ready <- struct{}{}:
	default:
	}
}

// pop returns the oldest slot, waiting for one until ctx ends.
func (o *outbox) pop(ctx context.Context) (*pending, bool) {
	for {
		o.mu.Lock()
		if len(o.items) > 0 {
			p := o.items[0]
			o.items[0] = nil
			o.items = o.items[1:]
			o.mu.Unlock()
			return p, true
		}
		o.mu.Unlock()

		select {
		case <-o.ready:
		case <-ctx.Done():
			return nil, false
		}
	}
}
