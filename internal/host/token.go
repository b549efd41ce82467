package host

import (
	"sync"

	"github.com/google/uuid"
)

// Kind is the session a Token owns.
type Kind int

const (
	KindDiscovery Kind = iota
	KindDiscoverable
)

func (k Kind) String() string {
	switch k {
	case KindDiscovery:
		return "discovery"
	case KindDiscoverable:
		return "discoverable"
	default:
		return "unknown"
	}
}

// Token is exclusive ownership of one session kind on one adapter. The session
// stays on until Revoke is called by the owner or the adapter goes away.
type Token struct {
	id        string
	kind      Kind
	adapterID string

	once    sync.Once
	done    chan struct{}
	release func(*Token)
}

func newToken(kind Kind, adapterID string, release func(*Token)) *Token {
	return &Token{
		id:        uuid.NewString(),
		kind:      kind,
		adapterID: adapterID,
		done:      make(chan struct{}),
		release:   release,
	}
}

// ID returns the opaque token id handed to RPC clients.
func (t *Token) ID() string { return t.id }

// Kind returns the session kind.
func (t *Token) Kind() Kind { return t.kind }

// AdapterID returns the adapter the session runs on.
func (t *Token) AdapterID() string { return t.adapterID }

// Done is closed once the token is revoked.
func (t *Token) Done() <-chan struct{} { return t.done }

// Live reports whether the token has not been revoked yet.
func (t *Token) Live() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Revoke ends the session. Only the first call has an effect; it returns once the
// flag is off.
func (t *Token) Revoke() {
	t.once.Do(func() {
		if t.release != nil {
			t.release(t)
		}
		close(t.done)
	})
}
