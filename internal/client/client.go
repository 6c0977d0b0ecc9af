// Package client is the agent-side API of the relay: poll for chat
// messages, post replies, and drive the chat endpoint from scripts.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"clawbridge/internal/bus"
	"clawbridge/internal/domain"
)

// Client talks to a running relay.
type Client struct {
	baseURL    string
	http       *http.Client
	logger     *slog.Logger
	maxRetries int
	backoff    func(attempt int) time.Duration
}

type Options struct {
	Timeout    time.Duration
	MaxRetries int // defaults to 3; negative disables retries
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Health mirrors GET /api/health.
type Health struct {
	Status    string  `json:"status"`
	TunnelURL *string `json:"tunnelUrl"`
	HasTunnel bool    `json:"hasTunnel"`
	Delivery  string  `json:"delivery"`
	Pending   int     `json:"pending"`
}

func New(baseURL string, opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = SharedHTTPClient(opts.Timeout)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	switch {
	case opts.MaxRetries == 0:
		opts.MaxRetries = defaultMaxRetries
	case opts.MaxRetries < 0:
		opts.MaxRetries = 0
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       opts.HTTPClient,
		logger:     opts.Logger,
		maxRetries: opts.MaxRetries,
		backoff:    defaultBackoff,
	}
}

// Chat posts a message as the office UI would and waits for the answer.
// It is not retried: a repeated chat would reach the agent twice.
func (c *Client) Chat(ctx context.Context, req domain.ChatRequest) (domain.ChatReply, domain.Outcome, error) {
	httpReq, err := c.newJSONRequest(ctx, http.MethodPost, "/api/chat", req)
	if err != nil {
		return domain.ChatReply{}, "", err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return domain.ChatReply{}, "", fmt.Errorf("chat: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return domain.ChatReply{}, "", statusError("chat", resp)
	}

	var reply domain.ChatReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return domain.ChatReply{}, "", fmt.Errorf("decode chat reply: %w", err)
	}
	return reply, domain.Outcome(resp.Header.Get("X-Relay-Outcome")), nil
}

// Poll returns the messages currently queued for the agent. Messages stay
// visible for a few seconds after the first poll, so callers must dedupe by
// request id; Watch does that.
func (c *Client) Poll(ctx context.Context) ([]domain.QueuedMessage, error) {
	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/messages", nil)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("poll", resp)
	}

	var msgs []domain.QueuedMessage
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return msgs, nil
}

// Respond posts the agent's answer. It returns domain.ErrRequestNotFound
// when the relay has already answered the request with a fallback.
func (c *Client) Respond(ctx context.Context, reply domain.Reply) error {
	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		return c.newJSONRequest(ctx, http.MethodPost, "/api/respond", reply)
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("respond %s: %w", reply.RequestID, domain.ErrRequestNotFound)
	default:
		return statusError("respond", resp)
	}
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/health", nil)
	})
	if err != nil {
		return Health{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Health{}, statusError("health", resp)
	}
	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return Health{}, fmt.Errorf("decode health: %w", err)
	}
	return h, nil
}

// EventLog mirrors GET /api/events.
type EventLog struct {
	Held   int         `json:"held"`
	Events []bus.Event `json:"events"`
}

// Events fetches up to limit recent lifecycle events of eventType ("" for
// all) newer than since. A zero since or limit leaves the relay's default.
func (c *Client) Events(ctx context.Context, eventType string, since time.Duration, limit int) (EventLog, error) {
	q := url.Values{}
	if eventType != "" {
		q.Set("type", eventType)
	}
	if since > 0 {
		q.Set("since", since.String())
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	target := c.baseURL + "/api/events"
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	})
	if err != nil {
		return EventLog{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return EventLog{}, statusError("events", resp)
	}
	var log EventLog
	if err := json.NewDecoder(resp.Body).Decode(&log); err != nil {
		return EventLog{}, fmt.Errorf("decode events: %w", err)
	}
	return log, nil
}

// Watch polls every interval and calls fn once per new request id until
// ctx ends. Poll errors are logged and polling continues.
func (c *Client) Watch(ctx context.Context, interval time.Duration, fn func(domain.QueuedMessage)) error {
	if interval <= 0 {
		interval = time.Second
	}
	seen := make(map[string]time.Time)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		msgs, err := c.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("poll failed", "err", err)
		}
		now := time.Now()
		for _, m := range msgs {
			if _, ok := seen[m.RequestID]; ok {
				continue
			}
			seen[m.RequestID] = now
			fn(m)
		}
		for id, at := range seen {
			if now.Sub(at) > time.Minute {
				delete(seen, id)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (c *Client) newJSONRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return fmt.Errorf("%s: HTTP %d: %s", op, resp.StatusCode, e.Error)
	}
	return fmt.Errorf("%s: HTTP %d: %s", op, resp.StatusCode, strings.TrimSpace(string(body)))
}
