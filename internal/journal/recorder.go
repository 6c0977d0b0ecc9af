package journal

import (
	"context"
	"log/slog"
	"time"

	"clawbridge/internal/bus"
)

// Recorder copies relay lifecycle events into the Store. Event handlers only
// enqueue; Run does the writes so the relay never waits on SQLite.
type Recorder struct {
	store  *Store
	logger *slog.Logger
	events chan bus.Event
	subs   map[string]string // event type -> handler id
}

var recordedEvents = []string{
	bus.EventRequestReplied,
	bus.EventRequestTimeout,
	bus.EventRequestNotConnected,
	bus.EventReplyStale,
	bus.EventDeliveryFailed,
}

func NewRecorder(store *Store, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:  store,
		logger: logger,
		events: make(chan bus.Event, 256),
		subs:   make(map[string]string),
	}
}

// Subscribe registers the recorder on eb.
func (r *Recorder) Subscribe(eb *bus.EventBus) {
	for _, typ := range recordedEvents {
		r.subs[typ] = eb.On(typ, r.enqueue)
	}
}

// Unsubscribe removes the handlers added by Subscribe.
func (r *Recorder) Unsubscribe(eb *bus.EventBus) {
	for typ, id := range r.subs {
		eb.Off(typ, id)
	}
	clear(r.subs)
}

func (r *Recorder) enqueue(ev bus.Event) {
	select {
	case r.events <- ev:
	default:
		r.logger.Warn("journal backlog full, dropping event", "event", ev.Type, "request_id", ev.RequestID)
	}
}

// Run writes queued events until ctx ends, then drains what is left.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case ev := <-r.events:
			r.record(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-r.events:
					r.record(ev)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) record(ev bus.Event) {
	// Writes must finish even while the server is shutting down.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	switch ev.Type {
	case bus.EventReplyStale:
		err = r.store.RecordStale(ctx, ev.RequestID, int(payloadInt(ev.Payload, "content_len")), ev.Timestamp)
	case bus.EventDeliveryFailed:
		err = r.store.RecordDeliveryFailure(ctx, ev.RequestID, payloadString(ev.Payload, "delivery"), payloadString(ev.Payload, "error"), ev.Timestamp)
	default:
		err = r.store.RecordExchange(ctx, Exchange{
			RequestID:   ev.RequestID,
			Topic:       payloadString(ev.Payload, "topic"),
			Participant: payloadString(ev.Payload, "participant"),
			Delivery:    payloadString(ev.Payload, "delivery"),
			Outcome:     payloadString(ev.Payload, "outcome"),
			Latency:     time.Duration(payloadInt(ev.Payload, "latency_ms")) * time.Millisecond,
			At:          ev.Timestamp,
		})
	}
	if err != nil {
		r.logger.Error("journal write failed", "event", ev.Type, "request_id", ev.RequestID, "err", err)
	}
}

func payloadString(p map[string]any, key string) string {
	s, _ := p[key].(string)
	return s
}

func payloadInt(p map[string]any, key string) int64 {
	switch v := p[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}
