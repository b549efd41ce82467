package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/radio-control/gapd/internal/config"
	"github.com/radio-control/gapd/internal/logging"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(config.Baseline().Timing, 4, logging.Discard())
	t.Cleanup(hub.Stop)
	return hub
}

func receive(t *testing.T, sub *Subscriber) Event {
	t.Helper()
	select {
	case event := <-sub.Events():
		return event
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for event")
		return Event{}
	}
}

func TestSubscribeSendsReadyWithSnapshot(t *testing.T) {
	hub := newTestHub(t)
	hub.SetSnapshot(func() map[string]interface{} {
		return map[string]interface{}{"activeAdapterId": "hci0"}
	})

	sub := hub.Subscribe(context.Background(), "", 0)
	event := receive(t, sub)

	if event.Type != EventReady {
		t.Fatalf("Expected ready event, got %s", event.Type)
	}
	snapshot, ok := event.Data["snapshot"].(map[string]interface{})
	if !ok || snapshot["activeAdapterId"] != "hci0" {
		t.Errorf("Expected snapshot with active adapter, got %v", event.Data)
	}
}

func TestPublishPerAdapterMonotonicIDs(t *testing.T) {
	hub := newTestHub(t)
	sub := hub.Subscribe(context.Background(), "", 0)
	receive(t, sub) // ready

	hub.PublishAdapter("hci0", EventDiscoveryChanged, nil)
	hub.PublishAdapter("hci1", EventDiscoveryChanged, nil)
	hub.PublishAdapter("hci0", EventDiscoverableChanged, nil)

	ids := map[string][]int64{}
	for i := 0; i < 3; i++ {
		event := receive(t, sub)
		ids[event.Adapter] = append(ids[event.Adapter], event.ID)
	}

	if len(ids["hci0"]) != 2 || ids["hci0"][0] != 1 || ids["hci0"][1] != 2 {
		t.Errorf("Expected hci0 ids [1 2], got %v", ids["hci0"])
	}
	if len(ids["hci1"]) != 1 || ids["hci1"][0] != 1 {
		t.Errorf("Expected hci1 ids [1], got %v", ids["hci1"])
	}
}

func TestSubscribeAdapterFilter(t *testing.T) {
	hub := newTestHub(t)
	sub := hub.Subscribe(context.Background(), "hci1", 0)
	receive(t, sub) // ready

	hub.PublishAdapter("hci0", EventNameChanged, nil)
	hub.PublishAdapter("hci1", EventNameChanged, map[string]interface{}{"name": "desk"})

	event := receive(t, sub)
	if event.Adapter != "hci1" || event.Data["name"] != "desk" {
		t.Errorf("Expected only hci1 event, got %+v", event)
	}
}

func TestSubscribeReplaysAfterLastEventID(t *testing.T) {
	hub := newTestHub(t)

	// Capacity is 4, so the first two of six are evicted
	for i := 0; i < 6; i++ {
		hub.PublishAdapter("hci0", EventBondsAdded, map[string]interface{}{"n": i})
	}

	buffer, ok := hub.Buffer("hci0")
	if !ok || buffer.GetSize() != 4 {
		t.Fatalf("Expected buffer of 4 events, got ok=%v", ok)
	}

	sub := hub.Subscribe(context.Background(), "hci0", 4)
	receive(t, sub) // ready

	for _, want := range []int64{5, 6} {
		if event := receive(t, sub); event.ID != want {
			t.Errorf("Expected replayed id %d, got %d", want, event.ID)
		}
	}
}

func TestUnsubscribeOnContextCancel(t *testing.T) {
	hub := newTestHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	sub := hub.Subscribe(ctx, "", 0)

	if hub.SubscriberCount() != 1 {
		t.Fatalf("Expected 1 subscriber, got %d", hub.SubscriberCount())
	}

	cancel()
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("Subscriber not done after cancel")
	}

	deadline := time.Now().Add(time.Second)
	for hub.SubscriberCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.SubscriberCount() != 0 {
		t.Errorf("Expected 0 subscribers, got %d", hub.SubscriberCount())
	}

	// Unsubscribe is idempotent
	hub.Unsubscribe(sub)
}

func TestPublishSlowSubscriberDoesNotBlock(t *testing.T) {
	hub := newTestHub(t)
	hub.Subscribe(context.Background(), "", 0) // never drained

	start := time.Now()
	for i := 0; i < 25; i++ {
		hub.PublishAdapter("hci0", EventDiscoveryChanged, nil)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Publish blocked for %v", elapsed)
	}
}

func TestHeartbeat(t *testing.T) {
	timing := config.Baseline().Timing
	timing.HeartbeatInterval = 20 * time.Millisecond
	timing.HeartbeatJitter = 0
	hub := NewHub(timing, 4, logging.Discard())
	defer hub.Stop()

	sub := hub.Subscribe(context.Background(), "", 0)
	receive(t, sub) // ready

	if event := receive(t, sub); event.Type != EventHeartbeat {
		t.Errorf("Expected heartbeat, got %s", event.Type)
	}
}

func TestStopEndsSubscriptions(t *testing.T) {
	hub := NewHub(config.Baseline().Timing, 4, logging.Discard())
	sub := hub.Subscribe(context.Background(), "", 0)

	hub.Stop()
	hub.Stop()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("Subscriber not done after Stop")
	}
	if err := hub.PublishAdapter("hci0", EventAdapterAdded, nil); err != nil {
		t.Errorf("Publish after Stop should be a no-op, got %v", err)
	}
}

func TestConcurrentPublish(t *testing.T) {
	hub := newTestHub(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				hub.PublishAdapter("hci0", EventDiscoveryChanged, nil)
			}
		}()
	}
	wg.Wait()

	buffer, _ := hub.Buffer("hci0")
	seen := map[int64]bool{}
	for _, event := range buffer.GetEventsAfter(0) {
		if seen[event.ID] {
			t.Errorf("Duplicate event id %d", event.ID)
		}
		seen[event.ID] = true
	}
	if id := hub.nextEventID("hci0"); id != 201 {
		t.Errorf("Expected next id 201 after 200 publishes, got %d", id)
	}
}

func TestEventBuffer(t *testing.T) {
	buffer := NewEventBuffer(2)
	buffer.AddEvent(Event{ID: 1})
	buffer.AddEvent(Event{ID: 2})
	buffer.AddEvent(Event{ID: 3})

	if buffer.GetCapacity() != 2 || buffer.GetSize() != 2 {
		t.Errorf("Expected capacity 2 size 2, got %d/%d", buffer.GetCapacity(), buffer.GetSize())
	}
	if events := buffer.GetEventsAfter(0); events[0].ID != 2 {
		t.Errorf("Expected oldest retained id 2, got %d", events[0].ID)
	}
}
