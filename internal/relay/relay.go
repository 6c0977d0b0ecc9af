// Package relay correlates chat requests from the office UI with replies
// from the external agent.
//
// Every request gets an id, a slot in the correlation Table and a timer from
// the Supervisor. The agent's reply and the timer race to resolve the slot;
// the Table guarantees exactly one of them wins.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"clawbridge/internal/bus"
	"clawbridge/internal/domain"
	"clawbridge/internal/metrics"

	"github.com/google/uuid"
)

// Relay is the chat bridge between the UI and the agent.
type Relay struct {
	table      *Table
	supervisor *Supervisor
	delivery   domain.Delivery
	persona    domain.Persona
	events     *bus.EventBus
	logger     *slog.Logger
	newID      func() string
}

type Config struct {
	Delivery domain.Delivery
	Persona  domain.Persona
	Timeout  time.Duration
	Events   *bus.EventBus // optional
	Logger   *slog.Logger
	NewID    func() string // optional, defaults to random UUIDs
}

func New(cfg Config) *Relay {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.New().String() }
	}
	r := &Relay{
		table:    NewTable(),
		delivery: cfg.Delivery,
		persona:  cfg.Persona.WithDefaults(),
		events:   cfg.Events,
		logger:   cfg.Logger,
		newID:    cfg.NewID,
	}
	r.supervisor = NewSupervisor(r.table, cfg.Timeout, r.timeoutFallback, r.onTimeout)
	return r
}

// Ask hands req to the agent and waits for its reply, the timeout fallback
// or, if no transport is available, the not-connected fallback.
//
// If ctx ends first Ask returns ctx.Err(). The request stays pending and is
// settled later by a reply or the timer, and that result is discarded.
func (r *Relay) Ask(ctx context.Context, req domain.ChatRequest) (domain.ChatReply, domain.Outcome, error) {
	metrics.ChatsTotal.Inc()
	r.logger.Info("chat received", "topic", req.Topic, "participant", req.ParticipantID, "message_len", len(req.Message))
	r.emit(bus.EventChatReceived, "", map[string]any{"topic": req.Topic, "participant": req.ParticipantID})

	if err := r.delivery.Ready(); err != nil {
		r.logger.Info("no agent transport, answering with fallback", "delivery", r.delivery.Name(), "reason", err)
		return r.notConnected(req), domain.OutcomeNotConnected, nil
	}

	id := r.newID()
	p, err := r.table.Insert(id, req)
	if err != nil {
		return domain.ChatReply{}, "", fmt.Errorf("register request %s: %w", id, err)
	}
	metrics.PendingRequests.Set(int64(r.table.Len()))
	r.emit(bus.EventRequestQueued, id, map[string]any{
		"delivery":    r.delivery.Name(),
		"topic":       req.Topic,
		"participant": req.ParticipantID,
	})
	r.supervisor.Arm(p)

	msg := domain.QueuedMessage{
		RequestID:     id,
		Message:       req.Message,
		Topic:         req.Topic,
		ParticipantID: req.ParticipantID,
		EnqueuedAt:    p.CreatedAt,
	}
	go r.handOff(ctx, msg)

	res, err := p.Wait(ctx)
	if err != nil {
		r.logger.Info("caller left before resolution", "request_id", id, "err", err)
		return domain.ChatReply{}, "", err
	}
	metrics.WaitLatency.Observe(time.Since(p.CreatedAt).Seconds())
	return res.Reply, res.Outcome, nil
}

// handOff delivers msg outside the caller's wait, so a slow transport never
// holds the caller past the timer. The send is bounded by the relay timeout
// and outlives a caller that leaves early.
func (r *Relay) handOff(ctx context.Context, msg domain.QueuedMessage) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.supervisor.Timeout())
	defer cancel()

	id := msg.RequestID
	err := r.delivery.Deliver(ctx, msg)
	if err == nil {
		r.logger.Info("request handed to agent", "request_id", id, "delivery", r.delivery.Name())
		return
	}
	metrics.DeliveryFailures.Inc()
	r.emit(bus.EventDeliveryFailed, id, map[string]any{"delivery": r.delivery.Name(), "error": err.Error()})
	if errors.Is(err, domain.ErrNotConnected) {
		r.logger.Info("agent transport went away during delivery", "request_id", id, "delivery", r.delivery.Name())
		if r.settle(id, Result{Reply: r.persona.Say(r.persona.NotConnectedText), Outcome: domain.OutcomeNotConnected}) {
			metrics.NotConnectedTotal.Inc()
		}
		return
	}
	// The timer still answers the caller.
	r.logger.Error("delivery failed", "request_id", id, "delivery", r.delivery.Name(), "err", err)
}

// Respond settles a pending request with the agent's reply. It returns
// domain.ErrRequestNotFound if the id is unknown or already settled.
func (r *Relay) Respond(reply domain.Reply) error {
	p, ok := r.table.resolve(reply.RequestID, Result{Reply: r.persona.Sign(reply), Outcome: domain.OutcomeReply})
	if !ok {
		metrics.StaleRepliesTotal.Inc()
		r.logger.Warn("reply for unknown or expired request", "request_id", reply.RequestID, "content_len", len(reply.Content))
		r.emit(bus.EventReplyStale, reply.RequestID, map[string]any{"content_len": len(reply.Content)})
		return fmt.Errorf("respond %s: %w", reply.RequestID, domain.ErrRequestNotFound)
	}
	metrics.RepliesTotal.Inc()
	metrics.PendingRequests.Set(int64(r.table.Len()))
	latency := time.Since(p.CreatedAt)
	r.logger.Info("agent replied", "request_id", p.ID, "latency", latency, "content_len", len(reply.Content))
	r.emit(bus.EventRequestReplied, p.ID, r.outcomePayload(p, domain.OutcomeReply, latency))
	return nil
}

// Pending returns the number of requests waiting for a reply.
func (r *Relay) Pending() int { return r.table.Len() }

// DeliveryName names the active delivery variant.
func (r *Relay) DeliveryName() string { return r.delivery.Name() }

// Persona returns the persona replies are signed with.
func (r *Relay) Persona() domain.Persona { return r.persona }

// Timeout returns how long a chat waits before the fallback.
func (r *Relay) Timeout() time.Duration { return r.supervisor.Timeout() }

func (r *Relay) notConnected(req domain.ChatRequest) domain.ChatReply {
	metrics.NotConnectedTotal.Inc()
	r.emit(bus.EventRequestNotConnected, "", map[string]any{
		"delivery":    r.delivery.Name(),
		"topic":       req.Topic,
		"participant": req.ParticipantID,
		"outcome":     string(domain.OutcomeNotConnected),
	})
	return r.persona.Say(r.persona.NotConnectedText)
}

func (r *Relay) settle(id string, res Result) bool {
	p, ok := r.table.resolve(id, res)
	if !ok {
		return false
	}
	metrics.PendingRequests.Set(int64(r.table.Len()))
	r.emit(bus.EventRequestNotConnected, id, r.outcomePayload(p, res.Outcome, time.Since(p.CreatedAt)))
	return true
}

func (r *Relay) timeoutFallback(*Pending) Result {
	return Result{Reply: r.persona.Say(r.persona.TimeoutText), Outcome: domain.OutcomeTimeout}
}

func (r *Relay) onTimeout(p *Pending) {
	metrics.TimeoutsTotal.Inc()
	metrics.PendingRequests.Set(int64(r.table.Len()))
	latency := time.Since(p.CreatedAt)
	r.logger.Info("no reply in time, sent fallback", "request_id", p.ID, "timeout", r.supervisor.Timeout())
	r.emit(bus.EventRequestTimeout, p.ID, r.outcomePayload(p, domain.OutcomeTimeout, latency))
}

func (r *Relay) outcomePayload(p *Pending, outcome domain.Outcome, latency time.Duration) map[string]any {
	return map[string]any{
		"delivery":    r.delivery.Name(),
		"topic":       p.Request.Topic,
		"participant": p.Request.ParticipantID,
		"outcome":     string(outcome),
		"latency_ms":  latency.Milliseconds(),
	}
}

func (r *Relay) emit(eventType, requestID string, payload map[string]any) {
	if r.events == nil {
		return
	}
	r.events.Emit(bus.Event{Type: eventType, RequestID: requestID, Payload: payload})
}
