package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/radio-control/gapd/internal/config"
)

// Event types published by the dispatcher.
const (
	EventReady                = "ready"
	EventHeartbeat            = "heartbeat"
	EventAdapterAdded         = "adapterAdded"
	EventAdapterRemoved       = "adapterRemoved"
	EventActiveAdapterChanged = "activeAdapterChanged"
	EventDiscoveryChanged     = "discoveryChanged"
	EventDiscoverableChanged  = "discoverableChanged"
	EventBondsAdded           = "bondsAdded"
	EventNameChanged          = "nameChanged"
	EventPairingComplete      = "pairingComplete"
)

// globalStream keys events that do not belong to an adapter.
const globalStream = "global"

// sendTimeout bounds how long Publish waits on one slow subscriber.
const sendTimeout = 100 * time.Millisecond

// Event is one hub event.
type Event struct {
	ID      int64                  `json:"id,omitempty"`
	Type    string                 `json:"type"`
	Data    map[string]interface{} `json:"data"`
	Adapter string                 `json:"adapter,omitempty"`
}

// Subscriber receives events until it is unsubscribed or its context ends.
//
// The events channel is never closed; consumers select on Done as well.
type Subscriber struct {
	ID      string
	Adapter string // empty receives every adapter

	ctx    context.Context
	cancel context.CancelFunc
	events chan Event
}

// Events returns the delivery channel.
func (s *Subscriber) Events() <-chan Event { return s.events }

// Done is closed once the subscription ends.
func (s *Subscriber) Done() <-chan struct{} { return s.ctx.Done() }

func (s *Subscriber) wants(event Event) bool {
	return s.Adapter == "" || event.Adapter == "" || event.Adapter == s.Adapter
}

// Hub distributes events with per-adapter buffering.
//
// h.mu protects subscribers, counters, buffers and the heartbeat fields. Each
// EventBuffer has its own mutex; buffers are never removed from the map.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	counters    map[string]*int64
	buffers     map[string]*EventBuffer

	timing     config.TimingConfig
	bufferSize int
	snapshot   func() map[string]interface{}
	logger     logrus.FieldLogger

	heartbeatTicker *time.Ticker
	stopHeartbeat   chan struct{}

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHub creates a hub. bufferSize is the replay depth per adapter.
func NewHub(timing config.TimingConfig, bufferSize int, logger logrus.FieldLogger) *Hub {
	if bufferSize <= 0 {
		bufferSize = 50
	}
	return &Hub{
		subscribers: make(map[string]*Subscriber),
		counters:    make(map[string]*int64),
		buffers:     make(map[string]*EventBuffer),
		timing:      timing,
		bufferSize:  bufferSize,
		logger:      logger.WithField("component", "telemetry"),
		done:        make(chan struct{}),
	}
}

// SetSnapshot installs the function that fills the ready event sent to each new
// subscriber.
func (h *Hub) SetSnapshot(fn func() map[string]interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snapshot = fn
}

// Subscribe registers a subscriber. It first receives a ready event, then any
// buffered events of adapterFilter with an id above lastEventID, then live events.
// The subscription ends with ctx or Unsubscribe.
func (h *Hub) Subscribe(ctx context.Context, adapterFilter string, lastEventID int64) *Subscriber {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscriber{
		ID:      uuid.NewString(),
		Adapter: adapterFilter,
		ctx:     subCtx,
		cancel:  cancel,
		events:  make(chan Event, h.bufferSize+16),
	}

	h.mu.Lock()
	snapshot := h.snapshot
	h.mu.Unlock()

	ready := Event{ID: h.nextEventID(adapterFilter), Type: EventReady, Data: map[string]interface{}{}, Adapter: adapterFilter}
	if snapshot != nil {
		ready.Data["snapshot"] = snapshot()
	}
	sub.events <- ready

	if lastEventID > 0 && adapterFilter != "" {
		h.mu.RLock()
		buffer, exists := h.buffers[adapterFilter]
		h.mu.RUnlock()
		if exists {
			for _, event := range buffer.GetEventsAfter(lastEventID) {
				select {
				case sub.events <- event:
				default:
				}
			}
		}
	}

	h.mu.Lock()
	h.subscribers[sub.ID] = sub
	if h.heartbeatTicker == nil {
		h.startHeartbeat()
	}
	h.mu.Unlock()

	go func() {
		select {
		case <-subCtx.Done():
		case <-h.done:
		}
		h.Unsubscribe(sub)
	}()

	return sub
}

// Unsubscribe removes sub. Safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	sub.cancel()

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.subscribers[sub.ID]; !exists {
		return
	}
	delete(h.subscribers, sub.ID)

	// Stop heartbeat if no subscribers remain
	if len(h.subscribers) == 0 && h.heartbeatTicker != nil {
		h.heartbeatTicker.Stop()
		h.heartbeatTicker = nil
		close(h.stopHeartbeat)
		h.stopHeartbeat = nil
	}
}

// SubscriberCount returns the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Publish assigns an id, buffers adapter events and delivers to every matching
// subscriber. A subscriber that does not accept within sendTimeout misses the event.
func (h *Hub) Publish(event Event) error {
	select {
	case <-h.done:
		return nil
	default:
	}

	if event.ID == 0 {
		event.ID = h.nextEventID(event.Adapter)
	}
	if event.Data == nil {
		event.Data = map[string]interface{}{}
	}
	if event.Adapter != "" {
		h.bufferEvent(event)
	}

	h.mu.RLock()
	subscribers := make([]*Subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		if sub.wants(event) {
			subscribers = append(subscribers, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range subscribers {
		select {
		case <-sub.ctx.Done():
			continue
		case <-h.done:
			return nil
		case sub.events <- event:
		case <-time.After(sendTimeout):
			h.logger.WithFields(logrus.Fields{
				"subscriber": sub.ID,
				"event":      event.Type,
			}).Warn("dropping event for slow subscriber")
		}
	}

	return nil
}

// PublishAdapter publishes an event of eventType for adapterID.
func (h *Hub) PublishAdapter(adapterID, eventType string, data map[string]interface{}) error {
	return h.Publish(Event{Type: eventType, Data: data, Adapter: adapterID})
}

// Buffer returns the replay buffer of adapterID, if any event was published for it.
func (h *Hub) Buffer(adapterID string) (*EventBuffer, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	buffer, ok := h.buffers[adapterID]
	return buffer, ok
}

// nextEventID returns the next monotonic event id of a stream.
func (h *Hub) nextEventID(adapterID string) int64 {
	if adapterID == "" {
		adapterID = globalStream
	}

	h.mu.RLock()
	counter, exists := h.counters[adapterID]
	h.mu.RUnlock()

	if !exists {
		h.mu.Lock()
		counter, exists = h.counters[adapterID]
		if !exists {
			counter = new(int64)
			h.counters[adapterID] = counter
		}
		h.mu.Unlock()
	}

	return atomic.AddInt64(counter, 1)
}

func (h *Hub) bufferEvent(event Event) {
	h.mu.Lock()
	buffer, exists := h.buffers[event.Adapter]
	if !exists {
		buffer = NewEventBuffer(h.bufferSize)
		h.buffers[event.Adapter] = buffer
	}
	h.mu.Unlock()

	buffer.AddEvent(event)
}

// startHeartbeat starts the heartbeat ticker. Caller holds h.mu.
func (h *Hub) startHeartbeat() {
	actualInterval := h.timing.HeartbeatInterval + h.timing.HeartbeatJitter/2
	if actualInterval <= 0 {
		return
	}

	h.heartbeatTicker = time.NewTicker(actualInterval)
	h.stopHeartbeat = make(chan struct{})

	ticker := h.heartbeatTicker
	stop := h.stopHeartbeat

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case <-ticker.C:
				h.Publish(Event{
					Type: EventHeartbeat,
					Data: map[string]interface{}{"ts": time.Now().UTC().Format(time.RFC3339)},
				})
			case <-stop:
				return
			case <-h.done:
				return
			}
		}
	}()
}

// Stop ends every subscription and waits for the heartbeat goroutine.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)

		h.mu.Lock()
		for _, sub := range h.subscribers {
			sub.cancel()
		}
		h.subscribers = make(map[string]*Subscriber)
		if h.heartbeatTicker != nil {
			h.heartbeatTicker.Stop()
			h.heartbeatTicker = nil
			close(h.stopHeartbeat)
			h.stopHeartbeat = nil
		}
		h.mu.Unlock()

		h.wg.Wait()
	})
}
