package events

import (
	"testing"
	"time"
)

func TestBusDeliversToSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe("t1")
	defer cancel()

	bus.Publish(Event{Type: TypeMergeCompleted, TaskID: "task-1"})

	select {
	case ev := <-ch:
		if ev.Type != TypeMergeCompleted {
			t.Fatalf("ev.Type = %q, want %q", ev.Type, TypeMergeCompleted)
		}
		if ev.ID == "" {
			t.Fatalf("ev.ID empty, want generated id")
		}
		if ev.At.IsZero() {
			t.Fatalf("ev.At zero, want stamped time")
		}
	case <-time.After(time.Second):
		t.Fatalf("no event delivered")
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	_, cancel := bus.Subscribe("slow")
	defer cancel()

	// Publishing more than the buffer size must not block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 250; i++ {
			bus.Publish(Event{Type: TypeMergeFailed, TaskID: "task-1"})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Publish blocked on a saturated subscriber")
	}
}

func TestBusCancelRemovesSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	_, cancel := bus.Subscribe("t1")
	if got := bus.SubscriberCount(); got != 1 {
		t.Fatalf("SubscriberCount() = %d, want 1", got)
	}
	cancel()
	cancel() // idempotent
	if got := bus.SubscriberCount(); got != 0 {
		t.Fatalf("SubscriberCount() after cancel = %d, want 0", got)
	}
}

func TestBusPublishAfterClose(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe("t1")
	defer cancel()
	bus.Close()

	bus.Publish(Event{Type: TypePRCreated})
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open after Close")
	}
}
