package bus

import (
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestEventBus_EmitAndReceive(t *testing.T) {
	eb := NewEventBus(testLogger())

	var got Event
	var received int32
	eb.On(EventRequestQueued, func(e Event) {
		got = e
		atomic.AddInt32(&received, 1)
	})

	eb.Emit(Event{Type: EventRequestQueued, RequestID: "r1", Payload: map[string]any{"topic": "standup"}})

	if atomic.LoadInt32(&received) != 1 {
		t.Fatalf("expected 1 event received, got %d", received)
	}
	if got.RequestID != "r1" {
		t.Errorf("RequestID: got %q", got.RequestID)
	}
	if got.Timestamp.IsZero() {
		t.Error("timestamp should be set on emit")
	}
}

func TestEventBus_WildcardHandler(t *testing.T) {
	eb := NewEventBus(testLogger())

	var count int32
	eb.On("*", func(e Event) { atomic.AddInt32(&count, 1) })

	eb.Emit(Event{Type: EventRequestReplied})
	eb.Emit(Event{Type: EventRequestTimeout})

	if atomic.LoadInt32(&count) != 2 {
		t.Errorf("expected 2, got %d", count)
	}
}

func TestEventBus_Off(t *testing.T) {
	eb := NewEventBus(testLogger())

	var count int32
	id := eb.On(EventReplyStale, func(e Event) { atomic.AddInt32(&count, 1) })
	eb.On(EventReplyStale, func(e Event) {})

	eb.Emit(Event{Type: EventReplyStale})
	eb.Off(EventReplyStale, id)
	eb.Emit(Event{Type: EventReplyStale})

	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("expected 1 after unsubscribe, got %d", count)
	}
}

func TestEventBus_HandlerIDsUnique(t *testing.T) {
	eb := NewEventBus(testLogger())
	a := eb.On("x", func(Event) {})
	eb.Off("x", a)
	b := eb.On("x", func(Event) {})
	if a == b {
		t.Errorf("handler ids should not be reused: %q", a)
	}
}

func TestEventBus_ReplaySince(t *testing.T) {
	eb := NewEventBus(testLogger())

	eb.Emit(Event{Type: EventRequestQueued, Timestamp: time.Now().Add(-time.Hour)})
	threshold := time.Now()
	eb.Emit(Event{Type: EventRequestQueued})
	eb.Emit(Event{Type: EventRequestReplied})

	if n := len(eb.Replay(EventRequestQueued, threshold)); n != 1 {
		t.Errorf("expected 1 queued event since threshold, got %d", n)
	}
	if n := len(eb.Replay("*", time.Time{})); n != 3 {
		t.Errorf("expected 3 total events, got %d", n)
	}
}

func TestEventBus_HistoryLimit(t *testing.T) {
	eb := NewEventBus(testLogger())
	eb.maxHistory = 5

	for i := 0; i < 10; i++ {
		eb.Emit(Event{Type: "test"})
	}

	if eb.HistoryLen() != 5 {
		t.Errorf("expected 5, got %d", eb.HistoryLen())
	}
}

func TestEventBus_PanicRecovery(t *testing.T) {
	eb := NewEventBus(testLogger())

	var after int32
	eb.On("boom", func(e Event) { panic("handler panic") })
	eb.On("boom", func(e Event) { atomic.AddInt32(&after, 1) })

	eb.Emit(Event{Type: "boom"})

	if atomic.LoadInt32(&after) != 1 {
		t.Error("handlers after a panicking one should still run")
	}
}
