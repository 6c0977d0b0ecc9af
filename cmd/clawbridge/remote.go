package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"clawbridge/internal/client"
	"clawbridge/internal/config"
	"clawbridge/internal/domain"
	"clawbridge/internal/journal"

	"github.com/spf13/cobra"
)

// relayURL is shared by the commands that talk to a running relay.
var relayURL string

func addRelayFlag(cmd *cobra.Command) {
	cmd.Flags().StringVar(&relayURL, "url", "", "relay base URL (default: from server.host/server.port)")
}

func newClient(cfg *config.Config, timeout time.Duration) *client.Client {
	base := relayURL
	if base == "" {
		host := cfg.Server.Host
		if host == "" || host == "0.0.0.0" {
			host = "127.0.0.1"
		}
		base = "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port))
	}
	return client.New(base, client.Options{Timeout: timeout, Logger: logger})
}

func statusCmd() *cobra.Command {
	var recent int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show relay health and recent exchange stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			h, err := newClient(cfg, 5*time.Second).Health(ctx)
			if err != nil {
				fmt.Printf("relay:     unreachable (%v)\n", err)
			} else {
				tunnelURL := "none"
				if h.TunnelURL != nil {
					tunnelURL = *h.TunnelURL
				}
				fmt.Printf("relay:     %s\n", h.Status)
				fmt.Printf("delivery:  %s\n", h.Delivery)
				fmt.Printf("tunnel:    %s\n", tunnelURL)
				fmt.Printf("pending:   %d\n", h.Pending)
			}
			if err == nil && recent > 0 {
				printRecentEvents(ctx, newClient(cfg, 5*time.Second), recent)
			}

			if !cfg.Journal.Enabled {
				return nil
			}
			if _, err := os.Stat(cfg.Journal.DBPath); err != nil {
				return nil
			}
			store, err := journal.Open(cfg.Journal.DBPath, logger)
			if err != nil {
				return fmt.Errorf("journal: %w", err)
			}
			defer store.Close()
			stats, err := store.Stats(ctx, time.Now().Add(-24*time.Hour))
			if err != nil {
				return fmt.Errorf("journal stats: %w", err)
			}
			fmt.Println("last 24h:")
			printStats(stats)
			return nil
		},
	}
	cmd.Flags().IntVar(&recent, "events", 0, "also print the last N lifecycle events")
	addRelayFlag(cmd)
	return cmd
}

func printRecentEvents(ctx context.Context, c *client.Client, n int) {
	log, err := c.Events(ctx, "", 0, n)
	if err != nil {
		fmt.Printf("events:    unavailable (%v)\n", err)
		return
	}
	fmt.Printf("events:    %d held, last %d:\n", log.Held, len(log.Events))
	for _, ev := range log.Events {
		line := fmt.Sprintf("  %s  %-22s %s", ev.Timestamp.Local().Format(time.TimeOnly), ev.Type, ev.RequestID)
		if o, ok := ev.Payload["outcome"]; ok {
			line += fmt.Sprintf(" outcome=%v", o)
		}
		if ms, ok := ev.Payload["latency_ms"]; ok {
			line += fmt.Sprintf(" latency_ms=%v", ms)
		}
		fmt.Println(line)
	}
}

func chatCmd() *cobra.Command {
	var topic, participant string
	cmd := &cobra.Command{
		Use:   "chat [message...]",
		Short: "Send a chat message as the office UI would and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			wait := time.Duration(cfg.Relay.TimeoutSeconds)*time.Second + 10*time.Second
			c := newClient(cfg, wait)
			reply, outcome, err := c.Chat(ctx, domain.ChatRequest{
				Message:       strings.Join(args, " "),
				Topic:         topic,
				ParticipantID: participant,
			})
			if err != nil {
				return err
			}
			fmt.Printf("%s %s: %s\n", reply.SenderAvatar, reply.SenderName, reply.Content)
			if outcome != "" && outcome != domain.OutcomeReply {
				logger.Info("fallback reply", "outcome", outcome)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&topic, "topic", "", "meeting topic")
	cmd.Flags().StringVar(&participant, "participant", "cli", "participant id")
	addRelayFlag(cmd)
	return cmd
}

func pollCmd() *cobra.Command {
	var follow bool
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Print queued messages waiting for the agent (queue delivery)",
		Long: `Prints the messages on /api/messages as JSON lines. With --follow it keeps
polling and prints each request once, the way an agent-side poller works.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c := newClient(cfg, 10*time.Second)
			enc := json.NewEncoder(os.Stdout)
			if follow {
				return c.Watch(ctx, interval, func(m domain.QueuedMessage) {
					if err := enc.Encode(m); err != nil {
						logger.Warn("write message", "err", err)
					}
				})
			}

			msgs, err := c.Poll(ctx)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				if err := enc.Encode(m); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep polling until interrupted")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval with --follow")
	addRelayFlag(cmd)
	return cmd
}

func replyCmd() *cobra.Command {
	var senderName, senderAvatar string
	cmd := &cobra.Command{
		Use:   "reply [requestId] [content...]",
		Short: "Answer a pending request as the agent",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			err := newClient(cfg, 10*time.Second).Respond(ctx, domain.Reply{
				RequestID:    args[0],
				Content:      strings.Join(args[1:], " "),
				SenderName:   senderName,
				SenderAvatar: senderAvatar,
			})
			if errors.Is(err, domain.ErrRequestNotFound) {
				return fmt.Errorf("request %s not found or already answered", args[0])
			}
			if err != nil {
				return err
			}
			logger.Info("reply delivered", "request_id", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&senderName, "sender-name", "", "override the persona name")
	cmd.Flags().StringVar(&senderAvatar, "sender-avatar", "", "override the persona avatar")
	addRelayFlag(cmd)
	return cmd
}
