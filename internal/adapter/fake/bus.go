package fake

import (
	"context"
	"sort"
	"sync"

	"github.com/radio-control/gapd/internal/adapter"
)

// Bus is a fake hotplug source implementing adapter.Watcher.
type Bus struct {
	mu       sync.Mutex
	adapters map[string]*FakeAdapter
	watchers []chan adapter.Event
}

var _ adapter.Watcher = (*Bus)(nil)

// NewBus creates a bus with the given adapters already present.
func NewBus(ids ...string) *Bus {
	b := &Bus{adapters: make(map[string]*FakeAdapter)}
	for _, id := range ids {
		b.adapters[id] = NewFakeAdapter(id)
	}
	return b
}

// Watch reports present adapters as Connected, then subsequent plug events, until
// ctx ends.
func (b *Bus) Watch(ctx context.Context) (<-chan adapter.Event, error) {
	b.mu.Lock()
	ch := make(chan adapter.Event, len(b.adapters)+16)
	ids := make([]string, 0, len(b.adapters))
	for id := range b.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		ch <- adapter.Event{Kind: adapter.Connected, ID: id, Adapter: b.adapters[id]}
	}
	b.watchers = append(b.watchers, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, w := range b.watchers {
			if w == ch {
				b.watchers = append(b.watchers[:i], b.watchers[i+1:]...)
				close(ch)
				return
			}
		}
	}()

	return ch, nil
}

// Plug adds an adapter and notifies watchers.
func (b *Bus) Plug(id string) *FakeAdapter {
	b.mu.Lock()
	defer b.mu.Unlock()

	a := NewFakeAdapter(id)
	b.adapters[id] = a
	b.broadcastLocked(adapter.Event{Kind: adapter.Connected, ID: id, Adapter: a})
	return a
}

// Unplug removes an adapter and notifies watchers.
func (b *Bus) Unplug(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.adapters[id]; !ok {
		return
	}
	delete(b.adapters, id)
	b.broadcastLocked(adapter.Event{Kind: adapter.Disconnected, ID: id})
}

// Adapter returns the fake adapter registered under id.
func (b *Bus) Adapter(id string) (*FakeAdapter, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.adapters[id]
	return a, ok
}

func (b *Bus) broadcastLocked(ev adapter.Event) {
	for _, w := range b.watchers {
		select {
		case w <- ev:
		default:
			// Slow watcher; drop rather than block the bus
		}
	}
}
