package delivery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"clawbridge/internal/domain"
)

type staticTunnel string

func (s staticTunnel) URL() string { return string(s) }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock is advanced manually by tests.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestQueue(tunnel domain.TunnelSource) (*Queue, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	q := NewQueue(QueueConfig{Tunnel: tunnel, Logger: quietLogger()})
	q.now = clock.now
	return q, clock
}

func TestQueue_NotReadyWithoutTunnel(t *testing.T) {
	q, _ := newTestQueue(staticTunnel(""))
	if err := q.Ready(); !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	err := q.Deliver(context.Background(), domain.QueuedMessage{RequestID: "r1"})
	if !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("deliver without tunnel: %v", err)
	}
	if q.Len() != 0 {
		t.Fatal("nothing should be queued")
	}

	nilTunnel := NewQueue(QueueConfig{Logger: quietLogger()})
	if err := nilTunnel.Ready(); !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("nil tunnel source: %v", err)
	}
}

func TestQueue_DeliverStampsTunnel(t *testing.T) {
	q, clock := newTestQueue(staticTunnel("https://abc.trycloudflare.com"))
	if err := q.Ready(); err != nil {
		t.Fatal(err)
	}
	q.Deliver(context.Background(), domain.QueuedMessage{RequestID: "r1", Message: "hi"})

	snap := q.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 message, got %d", len(snap))
	}
	if snap[0].TunnelURL != "https://abc.trycloudflare.com" {
		t.Errorf("tunnel url: %q", snap[0].TunnelURL)
	}
	if !snap[0].EnqueuedAt.Equal(clock.t) {
		t.Errorf("enqueued at: %v", snap[0].EnqueuedAt)
	}
}

func TestQueue_RetentionAfterFirstPoll(t *testing.T) {
	q, clock := newTestQueue(staticTunnel("https://t"))
	q.Deliver(context.Background(), domain.QueuedMessage{RequestID: "r1"})

	if got := len(q.Snapshot()); got != 1 {
		t.Fatalf("first poll: %d", got)
	}
	clock.advance(3 * time.Second)
	if got := len(q.Snapshot()); got != 1 {
		t.Fatalf("poll inside retention window should still see it, got %d", got)
	}
	clock.advance(2 * time.Second)
	if got := len(q.Snapshot()); got != 0 {
		t.Fatalf("message should be gone 5s after first poll, got %d", got)
	}
}

func TestQueue_LateArrivalGetsOwnWindow(t *testing.T) {
	q, clock := newTestQueue(staticTunnel("https://t"))
	q.Deliver(context.Background(), domain.QueuedMessage{RequestID: "r1"})
	q.Snapshot()

	clock.advance(4 * time.Second)
	q.Deliver(context.Background(), domain.QueuedMessage{RequestID: "r2"})
	if got := len(q.Snapshot()); got != 2 {
		t.Fatalf("expected both messages, got %d", got)
	}

	clock.advance(time.Second)
	snap := q.Snapshot()
	if len(snap) != 1 || snap[0].RequestID != "r2" {
		t.Fatalf("only r2 should remain, got %+v", snap)
	}
}

func TestQueue_UnpolledMessagesExpire(t *testing.T) {
	q, clock := newTestQueue(staticTunnel("https://t"))
	q.Deliver(context.Background(), domain.QueuedMessage{RequestID: "r1"})

	clock.advance(DefaultMaxAge - time.Second)
	if n := q.Evict(); n != 0 {
		t.Fatalf("evicted too early: %d", n)
	}
	clock.advance(time.Second)
	if n := q.Evict(); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if q.Len() != 0 {
		t.Fatal("queue should be empty")
	}
}

func TestQueue_SnapshotIsACopy(t *testing.T) {
	q, _ := newTestQueue(staticTunnel("https://t"))
	q.Deliver(context.Background(), domain.QueuedMessage{RequestID: "r1", Message: "orig"})

	snap := q.Snapshot()
	snap[0].Message = "changed"
	if q.Snapshot()[0].Message != "orig" {
		t.Fatal("snapshot must not alias the queue")
	}
}

func TestQueue_EmptySnapshotIsNotNil(t *testing.T) {
	q, _ := newTestQueue(staticTunnel("https://t"))
	if snap := q.Snapshot(); snap == nil || len(snap) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", snap)
	}
}

func TestQueue_RunStopsOnCancel(t *testing.T) {
	q := NewQueue(QueueConfig{Tunnel: staticTunnel("https://t"), Retention: 10 * time.Millisecond, Logger: quietLogger()})
	q.Deliver(context.Background(), domain.QueuedMessage{RequestID: "r1"})
	q.Snapshot()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.After(time.Second)
	for q.Len() != 0 {
		select {
		case <-deadline:
			t.Fatal("janitor did not evict the served message")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
