package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"clawbridge/internal/bus"
	"clawbridge/internal/config"
	"clawbridge/internal/delivery"
	"clawbridge/internal/gateway"
	"clawbridge/internal/journal"
	"clawbridge/internal/metrics"
	"clawbridge/internal/persona"
	"clawbridge/internal/relay"
	"clawbridge/internal/tunnel"

	"github.com/spf13/cobra"
)

const (
	janitorInterval     = time.Second
	journalPruneEvery   = time.Hour
	shutdownGracePeriod = 10 * time.Second
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the relay (HTTP surface + delivery)",
		Long:  "Starts the HTTP relay and the configured delivery (queue, invoke or telegram). Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logCloser, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	timeout := time.Duration(cfg.Relay.TimeoutSeconds) * time.Second
	events := bus.NewEventBus(logger)
	tun := tunnel.New(cfg.Tunnel.File, cfg.Tunnel.URL)

	p, err := persona.Load(cfg.Persona.File, logger)
	if err != nil {
		return fmt.Errorf("persona: %w", err)
	}

	// Background workers stop with ctx; the journal recorder has its own
	// context so it keeps recording while held chat requests settle.
	var workers sync.WaitGroup
	recCtx, recCancel := context.WithCancel(context.Background())
	defer recCancel()
	var recorderDone chan struct{}

	if cfg.Journal.Enabled {
		store, err := journal.Open(cfg.Journal.DBPath, logger)
		if err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		defer store.Close()

		recorder := journal.NewRecorder(store, logger)
		recorder.Subscribe(events)
		recorderDone = make(chan struct{})
		go func() {
			defer close(recorderDone)
			recorder.Run(recCtx)
		}()

		if cfg.Journal.RetentionDays > 0 {
			keep := time.Duration(cfg.Journal.RetentionDays) * 24 * time.Hour
			workers.Add(1)
			go func() {
				defer workers.Done()
				pruneJournal(ctx, store, keep)
			}()
		}
		logger.Info("journal enabled", "path", cfg.Journal.DBPath)
	}

	d, err := delivery.New(delivery.Options{
		Kind: cfg.Relay.Delivery,
		Queue: delivery.QueueConfig{
			Tunnel:    tun,
			Retention: time.Duration(cfg.Queue.RetentionSeconds) * time.Second,
			MaxAge:    time.Duration(cfg.Queue.MaxAgeSeconds) * time.Second,
			Logger:    logger,
		},
		Invoke: delivery.InvokeConfig{
			Command:           cfg.Invoke.Command,
			Args:              cfg.Invoke.Args,
			Template:          cfg.Invoke.Template,
			ReplyURL:          cfg.Invoke.ReplyURL,
			LaunchesPerMinute: cfg.Invoke.LaunchesPerMinute,
			Tunnel:            tun,
			Logger:            logger,
		},
		Telegram: delivery.TelegramConfig{
			Token:     cfg.Telegram.Token,
			ChatID:    cfg.Telegram.ChatID,
			AllowFrom: cfg.Telegram.AllowFrom,
			Template:  cfg.Telegram.Template,
			Timeout:   timeout,
			Logger:    logger,
		},
	})
	if err != nil {
		return fmt.Errorf("delivery: %w", err)
	}

	r := relay.New(relay.Config{
		Delivery: d,
		Persona:  p,
		Timeout:  timeout,
		Events:   events,
		Logger:   logger,
	})

	var snapshots gateway.Snapshotter
	var launcher *delivery.Invoke
	switch v := d.(type) {
	case *delivery.Queue:
		snapshots = v
		workers.Add(1)
		go func() {
			defer workers.Done()
			v.Run(ctx, janitorInterval)
		}()
	case *delivery.Invoke:
		launcher = v
		if err := v.Ready(); err != nil {
			logger.Warn("agent command unavailable, chats get the not-connected reply", "command", cfg.Invoke.Command, "err", err)
		}
	case *delivery.Telegram:
		v.Attach(r)
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := v.Start(ctx); err != nil {
				logger.Error("telegram delivery error", "err", err)
			}
		}()
	}

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		metricsHandler = metrics.Collector.Handler()
	}

	srv := gateway.New(gateway.Config{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		CORSOrigin:  cfg.Server.CORSOrigin,
		Relay:       r,
		Queue:       snapshots,
		Tunnel:      tun,
		Events:      events,
		Metrics:     metricsHandler,
		MetricsPath: cfg.Metrics.Endpoint,
		Logger:      logger,
	})

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Start(ctx)
	}()

	if url := tun.URL(); url != "" {
		logger.Info("tunnel discovered", "url", url)
	} else {
		logger.Info("no tunnel yet", "file", cfg.Tunnel.File)
	}
	logger.Info("clawbridge started. Press Ctrl+C to stop.", "version", version, "delivery", d.Name(), "timeout", timeout)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serverDone:
		// Listener failed before any signal arrived.
		stop()
	}
	logger.Info("shutting down relay...")

	// Held chat requests may take up to one relay timeout to settle.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout+shutdownGracePeriod)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if serveErr == nil {
			if err := <-serverDone; err != nil {
				logger.Error("http server error", "err", err)
			}
		}
		workers.Wait()
		if launcher != nil {
			launcher.Wait()
		}
		recCancel()
		if recorderDone != nil {
			<-recorderDone
		}
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
	if serveErr != nil {
		return fmt.Errorf("http server: %w", serveErr)
	}
	return nil
}

// pruneJournal deletes exchanges older than keep, once at start and then
// periodically until ctx ends.
func pruneJournal(ctx context.Context, store *journal.Store, keep time.Duration) {
	prune := func() {
		n, err := store.Prune(ctx, time.Now().Add(-keep))
		if err != nil {
			logger.Warn("journal prune failed", "err", err)
			return
		}
		if n > 0 {
			logger.Info("journal pruned", "rows", n)
		}
	}
	prune()

	ticker := time.NewTicker(journalPruneEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
