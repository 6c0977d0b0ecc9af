// Package gateway serves the relay over HTTP: the chat endpoint the office UI
// calls, the poll and reply endpoints the agent calls, and health/metrics.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"clawbridge/internal/bus"
	"clawbridge/internal/domain"
)

const maxBodySize = 1 << 20 // 1MB

// Relay is the part of relay.Relay the gateway needs.
type Relay interface {
	Ask(ctx context.Context, req domain.ChatRequest) (domain.ChatReply, domain.Outcome, error)
	Respond(reply domain.Reply) error
	Pending() int
	DeliveryName() string
	Persona() domain.Persona
	Timeout() time.Duration
}

// Snapshotter is implemented by the pull queue.
type Snapshotter interface {
	Snapshot() []domain.QueuedMessage
}

type Config struct {
	Host        string
	Port        int
	CORSOrigin  string
	Relay       Relay
	Queue       Snapshotter // nil disables GET /api/messages
	Tunnel      domain.TunnelSource
	Events      *bus.EventBus // nil disables GET /api/events
	Metrics     http.Handler  // nil disables the metrics endpoint
	MetricsPath string
	Logger      *slog.Logger
}

// Server is the relay's HTTP front.
type Server struct {
	host        string
	port        int
	corsOrigin  string
	relay       Relay
	queue       Snapshotter
	tunnel      domain.TunnelSource
	events      *bus.EventBus
	metrics     http.Handler
	metricsPath string
	logger      *slog.Logger
	server      *http.Server
}

func New(cfg Config) *Server {
	if cfg.CORSOrigin == "" {
		cfg.CORSOrigin = "*"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		host:        cfg.Host,
		port:        cfg.Port,
		corsOrigin:  cfg.CORSOrigin,
		relay:       cfg.Relay,
		queue:       cfg.Queue,
		tunnel:      cfg.Tunnel,
		events:      cfg.Events,
		metrics:     cfg.Metrics,
		metricsPath: cfg.MetricsPath,
		logger:      cfg.Logger,
	}
}

// Handler returns the routed handler with CORS and request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/respond", s.handleRespond)
	mux.HandleFunc("POST /api/response", s.handleRespond)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	if s.queue != nil {
		mux.HandleFunc("GET /api/messages", s.handleMessages)
	}
	if s.events != nil {
		mux.HandleFunc("GET /api/events", s.handleEvents)
	}
	if s.metrics != nil {
		mux.Handle("GET "+s.metricsPath, s.metrics)
	}
	return s.withLogging(s.withCORS(mux))
}

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.host, fmt.Sprint(s.port))
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// A chat request is held open until the relay answers.
		WriteTimeout:   s.relay.Timeout() + 15*time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	s.logger.Info("relay listening", "addr", "http://"+addr, "delivery", s.relay.DeliveryName())

	go func() {
		<-ctx.Done()
		// Let held chat requests finish with their fallback.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.relay.Timeout()+5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http shutdown", "err", err)
		}
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
