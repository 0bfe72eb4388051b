package bus

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSubscribeAndPublish(t *testing.T) {
	b := New()
	defer b.Close()

	done := make(chan Event, 1)
	id := b.Subscribe(EventActionDispatched, func(e Event) {
		done <- e
	})
	if id == "" {
		t.Fatal("Subscribe returned empty ID")
	}

	event := NewEvent(EventActionDispatched)
	event.Action = "light.on"
	event.Person = "alex"
	if err := b.Publish(event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case got := <-done:
		if got.Action != "light.on" {
			t.Errorf("expected action light.on, got %s", got.Action)
		}
	case <-time.After(time.Second):
		t.Error("timeout waiting for event")
	}
}

func TestTypedSubscriberIgnoresOtherTypes(t *testing.T) {
	b := New()
	defer b.Close()

	var count atomic.Int32
	b.Subscribe(EventAlarmTriggered, func(e Event) {
		count.Add(1)
	})

	b.Publish(NewEvent(EventActionDispatched))
	b.Publish(NewEvent(EventSensorStateChanged))
	time.Sleep(100 * time.Millisecond)

	if count.Load() != 0 {
		t.Errorf("typed subscriber received %d unrelated events", count.Load())
	}
}

func TestWildcardReceivesEverything(t *testing.T) {
	b := New()
	defer b.Close()

	var count atomic.Int32
	b.Subscribe("", func(e Event) {
		count.Add(1)
	})

	b.Publish(NewEvent(EventActionDispatched))
	b.Publish(NewEvent(EventAlarmTriggered))
	b.Publish(NewEvent(EventSuggestionEmitted))
	time.Sleep(200 * time.Millisecond)

	if count.Load() != 3 {
		t.Errorf("wildcard subscriber received %d of 3 events", count.Load())
	}
}

func TestPanickingHandlerDoesNotStopDelivery(t *testing.T) {
	b := New()
	defer b.Close()

	got := make(chan Event, 2)
	b.Subscribe(EventActionDispatched, func(e Event) {
		panic("handler bug")
	})
	b.Subscribe(EventActionDispatched, func(e Event) {
		got <- e
	})

	if err := b.Publish(NewEvent(EventActionDispatched)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	// A second publish still reaches both subscriptions, including the
	// one whose handler just panicked.
	if err := b.Publish(NewEvent(EventActionDispatched)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(time.Second):
			t.Fatalf("event %d not delivered after sibling handler panicked", i+1)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	defer b.Close()

	var count atomic.Int32
	id := b.Subscribe(EventActionDenied, func(e Event) {
		count.Add(1)
	})

	b.Publish(NewEvent(EventActionDenied))
	time.Sleep(100 * time.Millisecond)

	if err := b.Unsubscribe(id); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	b.Publish(NewEvent(EventActionDenied))
	time.Sleep(100 * time.Millisecond)

	if count.Load() != 1 {
		t.Errorf("expected exactly 1 delivery, got %d", count.Load())
	}
}

func TestHistoryBounded(t *testing.T) {
	b := NewWithHistory(5)
	defer b.Close()

	for i := 0; i < 10; i++ {
		b.Publish(NewEvent(EventSensorStateChanged))
	}

	if got := len(b.History()); got != 5 {
		t.Errorf("expected history capped at 5, got %d", got)
	}
}

func TestPublishAfterClose(t *testing.T) {
	b := New()
	b.Close()

	if err := b.Publish(NewEvent(EventActionDispatched)); err == nil {
		t.Error("expected error publishing to closed bus")
	}
}
