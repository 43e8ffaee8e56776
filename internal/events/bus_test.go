package events

import (
	"testing"
	"time"
)

func TestBus_PublishRejectsUnknownType(t *testing.T) {
	bus := NewBus()

	_, ok := bus.Publish(Event{Type: Type("not_a_real_type")})
	if ok {
		t.Fatal("expected publish of unknown type to be rejected")
	}
	if bus.HistoryLen() != 0 {
		t.Fatalf("expected no history entries, got %d", bus.HistoryLen())
	}
}

func TestBus_PublishAssignsSeqAndID(t *testing.T) {
	bus := NewBus()

	ev1, ok := bus.Publish(New(TaskCreated, "agent-a", "task-1", nil))
	if !ok {
		t.Fatal("expected publish to succeed")
	}
	ev2, ok := bus.Publish(New(TaskCreated, "agent-a", "task-2", nil))
	if !ok {
		t.Fatal("expected publish to succeed")
	}

	if ev1.ID == "" || ev2.ID == "" {
		t.Fatal("expected IDs to be assigned")
	}
	if ev1.ID == ev2.ID {
		t.Fatal("expected distinct IDs")
	}
	if ev2.Seq <= ev1.Seq {
		t.Fatalf("expected monotonic seq, got %d then %d", ev1.Seq, ev2.Seq)
	}
	if ev1.Timestamp.IsZero() {
		t.Fatal("expected timestamp to be assigned")
	}
}

func TestBus_InlineListenerInvokedSynchronously(t *testing.T) {
	bus := NewBus()

	var received []Event
	bus.Subscribe("watcher", func(ev Event) {
		received = append(received, ev)
	})

	bus.Publish(New(TaskCreated, "agent-a", "task-1", nil))

	if len(received) != 1 {
		t.Fatalf("expected 1 event delivered inline, got %d", len(received))
	}
	if received[0].TaskID != "task-1" {
		t.Fatalf("unexpected task id %q", received[0].TaskID)
	}
}

func TestBus_InlineListenerPanicIsSwallowed(t *testing.T) {
	bus := NewBus()

	bus.Subscribe("bad", func(Event) {
		panic("boom")
	})

	var safeCalled bool
	bus.Subscribe("good", func(Event) {
		safeCalled = true
	})

	bus.Publish(New(TaskCreated, "agent-a", "task-1", nil))

	if !safeCalled {
		t.Fatal("expected listener registered after a panicking listener to still run")
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()

	count := 0
	bus.Subscribe("watcher", func(Event) { count++ })
	bus.Publish(New(TaskCreated, "a", "t1", nil))
	bus.Unsubscribe("watcher")
	bus.Publish(New(TaskCreated, "a", "t2", nil))

	if count != 1 {
		t.Fatalf("expected 1 delivery before unsubscribe, got %d", count)
	}
}

func TestBus_HistoryCapDropsOldest(t *testing.T) {
	bus := NewBus()

	for i := 0; i < HistoryCap+10; i++ {
		bus.Publish(New(TaskCreated, "a", "t", nil))
	}

	if bus.HistoryLen() != HistoryCap {
		t.Fatalf("expected history capped at %d, got %d", HistoryCap, bus.HistoryLen())
	}
}

func TestBus_SSESubscriberFiltersByType(t *testing.T) {
	bus := NewBus()
	bus.SetBatchWindow(10 * time.Millisecond)

	client := bus.NewSSESubscriber(nil, []string{string(MessagePosted)}, "")
	defer bus.RemoveSSESubscriber(client)

	bus.Publish(New(TaskCreated, "a", "t1", nil))
	bus.Publish(New(MessagePosted, "a", "", map[string]any{"text": "hi"}))

	select {
	case flush := <-client.Out:
		if flush.Single == nil {
			t.Fatal("expected a single-event flush")
		}
		if flush.Single.Type != MessagePosted {
			t.Fatalf("expected only message_posted to pass the filter, got %s", flush.Single.Type)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timed out waiting for flush")
	}
}

func TestBus_SSESubscriberBatchesBurst(t *testing.T) {
	bus := NewBus()
	bus.SetBatchWindow(30 * time.Millisecond)

	client := bus.NewSSESubscriber(nil, nil, "")
	defer bus.RemoveSSESubscriber(client)

	bus.Publish(New(TaskCreated, "a", "t1", nil))
	bus.Publish(New(TaskUpdated, "a", "t1", nil))
	bus.Publish(New(TaskStatusChanged, "a", "t1", nil))

	select {
	case flush := <-client.Out:
		if flush.Batch == nil {
			t.Fatal("expected a batched flush for a multi-event burst")
		}
		if len(flush.Batch) != 3 {
			t.Fatalf("expected 3 batched events, got %d", len(flush.Batch))
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timed out waiting for batched flush")
	}
}

func TestBus_SSESubscriberFiltersByAgent(t *testing.T) {
	bus := NewBus()
	bus.SetBatchWindow(10 * time.Millisecond)

	client := bus.NewSSESubscriber(nil, nil, "agent-a")
	defer bus.RemoveSSESubscriber(client)

	bus.Publish(New(TaskCreated, "agent-b", "t1", nil))
	bus.Publish(New(TaskCreated, "agent-a", "t2", nil))

	select {
	case flush := <-client.Out:
		if flush.Single == nil || flush.Single.Agent != "agent-a" {
			t.Fatalf("expected only agent-a's event, got %+v", flush)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timed out waiting for flush")
	}
}

func TestBus_Since(t *testing.T) {
	bus := NewBus()

	cutoff := time.Now()
	time.Sleep(5 * time.Millisecond)
	bus.Publish(New(TaskCreated, "a", "t1", nil))
	bus.Publish(New(TaskCreated, "b", "t2", nil))

	all := bus.Since(cutoff, "", 0)
	if len(all) != 2 {
		t.Fatalf("expected 2 events since cutoff, got %d", len(all))
	}

	filtered := bus.Since(cutoff, "b", 0)
	if len(filtered) != 1 || filtered[0].Agent != "b" {
		t.Fatalf("expected 1 event for agent b, got %+v", filtered)
	}
}
