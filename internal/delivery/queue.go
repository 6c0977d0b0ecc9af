package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"clawbridge/internal/domain"
	"clawbridge/internal/metrics"
)

const (
	DefaultRetention = 5 * time.Second
	DefaultMaxAge    = 10 * time.Minute
)

// Queue is the pull transport. Messages wait here until the agent polls
// /api/messages. Once a message has been served it is kept for the retention
// window so near-simultaneous polls all see it, then dropped.
type Queue struct {
	tunnel    domain.TunnelSource
	retention time.Duration
	maxAge    time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	items []queued
}

type queued struct {
	msg      domain.QueuedMessage
	servedAt time.Time // zero until first poll
}

type QueueConfig struct {
	Tunnel    domain.TunnelSource
	Retention time.Duration
	MaxAge    time.Duration // unserved messages older than this are dropped
	Logger    *slog.Logger
}

func NewQueue(cfg QueueConfig) *Queue {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Queue{
		tunnel:    cfg.Tunnel,
		retention: cfg.Retention,
		maxAge:    cfg.MaxAge,
		logger:    cfg.Logger,
		now:       time.Now,
	}
}

func (q *Queue) Name() string { return KindQueue }

// Ready reports ErrNotConnected while no tunnel URL is published: without a
// tunnel the agent has no way to reach the poll endpoint.
func (q *Queue) Ready() error {
	if q.tunnelURL() == "" {
		return fmt.Errorf("queue: no tunnel url: %w", domain.ErrNotConnected)
	}
	return nil
}

// Deliver appends msg, stamped with the current tunnel URL.
func (q *Queue) Deliver(_ context.Context, msg domain.QueuedMessage) error {
	url := q.tunnelURL()
	if url == "" {
		return fmt.Errorf("queue: tunnel went away: %w", domain.ErrNotConnected)
	}
	msg.TunnelURL = url
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = q.now()
	}

	q.mu.Lock()
	q.items = append(q.items, queued{msg: msg})
	n := len(q.items)
	q.mu.Unlock()

	metrics.QueueDepth.Set(int64(n))
	q.logger.Debug("message queued", "request_id", msg.RequestID, "tunnel", url, "depth", n)
	return nil
}

// Snapshot returns every retained message, oldest first, and starts the
// retention window for those served for the first time.
func (q *Queue) Snapshot() []domain.QueuedMessage {
	now := q.now()

	q.mu.Lock()
	defer q.mu.Unlock()

	q.evictLocked(now)
	out := make([]domain.QueuedMessage, len(q.items))
	for i := range q.items {
		if q.items[i].servedAt.IsZero() {
			q.items[i].servedAt = now
		}
		out[i] = q.items[i].msg
	}
	return out
}

// Evict drops expired messages and returns how many were removed.
func (q *Queue) Evict() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evictLocked(q.now())
}

// Len returns the number of retained messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Run evicts expired messages every interval until ctx ends.
func (q *Queue) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := q.Evict(); n > 0 {
				q.logger.Debug("queue janitor evicted messages", "count", n)
			}
		}
	}
}

func (q *Queue) evictLocked(now time.Time) int {
	kept := q.items[:0]
	for _, it := range q.items {
		switch {
		case !it.servedAt.IsZero() && now.Sub(it.servedAt) >= q.retention:
		case it.servedAt.IsZero() && now.Sub(it.msg.EnqueuedAt) >= q.maxAge:
			q.logger.Warn("dropping message never polled by the agent", "request_id", it.msg.RequestID, "age", now.Sub(it.msg.EnqueuedAt))
		default:
			kept = append(kept, it)
		}
	}
	removed := len(q.items) - len(kept)
	clear(q.items[len(kept):])
	q.items = kept
	metrics.QueueDepth.Set(int64(len(kept)))
	return removed
}

func (q *Queue) tunnelURL() string {
	if q.tunnel == nil {
		return ""
	}
	return q.tunnel.URL()
}
