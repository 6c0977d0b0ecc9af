package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Event is a relay lifecycle notification.
type Event struct {
	Type      string         `json:"type"`                // e.g. "request.queued", "request.timeout"
	RequestID string         `json:"requestId,omitempty"` // empty for events not tied to one request
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handler is a callback for events.
type Handler func(Event)

// EventBus is an in-process topic pub/sub used to fan relay lifecycle events
// out to the journal and other observers. Handlers run synchronously, in
// registration order, and a panicking handler does not affect the emitter.
type EventBus struct {
	mu         sync.RWMutex
	handlers   map[string][]namedHandler
	nextID     int
	history    []Event
	maxHistory int
	logger     *slog.Logger
}

type namedHandler struct {
	id string
	fn Handler
}

// NewEventBus creates an EventBus keeping the last 1000 events for replay.
func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		handlers:   make(map[string][]namedHandler),
		maxHistory: 1000,
		logger:     logger,
	}
}

// On registers a handler for eventType. "*" receives every event.
// The returned id can be passed to Off.
func (eb *EventBus) On(eventType string, fn Handler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eventType + "#" + strconv.Itoa(eb.nextID)
	eb.handlers[eventType] = append(eb.handlers[eventType], namedHandler{id: id, fn: fn})
	return id
}

// Off removes a handler by id.
func (eb *EventBus) Off(eventType, id string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	hs := eb.handlers[eventType]
	for i, h := range hs {
		if h.id == id {
			eb.handlers[eventType] = append(hs[:i:i], hs[i+1:]...)
			return
		}
	}
}

// Emit records the event and calls every matching handler.
func (eb *EventBus) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	eb.mu.Lock()
	if len(eb.history) >= eb.maxHistory {
		eb.history = eb.history[1:]
	}
	eb.history = append(eb.history, ev)
	matched := make([]namedHandler, 0, len(eb.handlers[ev.Type])+len(eb.handlers["*"]))
	matched = append(matched, eb.handlers[ev.Type]...)
	matched = append(matched, eb.handlers["*"]...)
	eb.mu.Unlock()

	for _, h := range matched {
		eb.call(h, ev)
	}
}

func (eb *EventBus) call(h namedHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "event", ev.Type, "handler", h.id, "panic", r)
		}
	}()
	h.fn(ev)
}

// Replay returns recorded events of eventType ("*" for all) at or after since.
func (eb *EventBus) Replay(eventType string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var out []Event
	for _, ev := range eb.history {
		if ev.Timestamp.Before(since) {
			continue
		}
		if eventType == "*" || ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// HistoryLen returns the number of events currently held for replay.
func (eb *EventBus) HistoryLen() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.history)
}

// Relay lifecycle events.
const (
	EventChatReceived        = "chat.received"
	EventRequestQueued       = "request.queued"
	EventRequestReplied      = "request.replied"
	EventRequestTimeout      = "request.timeout"
	EventRequestNotConnected = "request.not_connected"
	EventReplyStale          = "reply.stale"
	EventDeliveryFailed      = "delivery.failed"
)
