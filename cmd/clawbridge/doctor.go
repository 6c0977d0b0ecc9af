package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"clawbridge/internal/config"
	"clawbridge/internal/delivery"
	"clawbridge/internal/journal"
	"clawbridge/internal/persona"
	"clawbridge/internal/tunnel"

	"github.com/spf13/cobra"
)

type doctorReport struct {
	passed, warned, failed int
}

func (r *doctorReport) pass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
	r.passed++
}

func (r *doctorReport) fail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
	r.failed++
}

func (r *doctorReport) warn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
	r.warned++
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your clawbridge setup",
		Long: `Verifies that the configuration, persona file, journal database, delivery
and listen port are usable. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("clawbridge doctor v%s\n\n", version)
			var r doctorReport

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'clawbridge init' to create a default configuration.\n")
				return nil
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				fmt.Printf("\n%d passed, %d failed\n", r.passed, r.failed)
				return fmt.Errorf("config invalid")
			}
			r.pass("Config validation", "valid")

			quiet := slog.New(slog.DiscardHandler)
			if _, err := os.Stat(cfg.Persona.File); errors.Is(err, os.ErrNotExist) {
				r.warn("Persona", "no persona file, using built-in defaults")
			} else if p, err := persona.Load(cfg.Persona.File, quiet); err != nil {
				r.fail("Persona", err.Error())
			} else {
				r.pass("Persona", fmt.Sprintf("%s %s", p.Avatar, p.Name))
			}

			if cfg.Journal.Enabled {
				if v, err := checkJournal(cfg.Journal.DBPath, quiet); err != nil {
					r.fail("Journal", err.Error())
				} else {
					r.pass("Journal", fmt.Sprintf("%s (schema v%d)", cfg.Journal.DBPath, v))
				}
			}

			tun := tunnel.New(cfg.Tunnel.File, cfg.Tunnel.URL)
			switch cfg.Relay.Delivery {
			case delivery.KindQueue, "":
				if url := tun.URL(); url != "" {
					r.pass("Tunnel", url)
				} else {
					r.warn("Tunnel", fmt.Sprintf("no URL in %s, chats get the not-connected reply", cfg.Tunnel.File))
				}
			case delivery.KindInvoke:
				if path, err := exec.LookPath(cfg.Invoke.Command); err != nil {
					r.warn("Agent command", fmt.Sprintf("%q not on PATH, chats get the not-connected reply", cfg.Invoke.Command))
				} else {
					r.pass("Agent command", path)
				}
			case delivery.KindTelegram:
				// Validate already requires token and chat id.
				r.pass("Telegram", fmt.Sprintf("chat %d, %d allowed user(s)", cfg.Telegram.ChatID, len(cfg.Telegram.AllowFrom)))
			}

			if err := checkPort(cfg.Server.Host, cfg.Server.Port); err != nil {
				r.warn("Listen port", fmt.Sprintf("port %d may be in use: %v", cfg.Server.Port, err))
			} else {
				r.pass("Listen port", fmt.Sprintf(":%d available", cfg.Server.Port))
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			if r.warned == 0 {
				fmt.Printf("All checks passed! clawbridge is ready to run.\n")
			}
			return nil
		},
	}
}

// checkJournal opens the journal, which creates and migrates it if needed.
func checkJournal(dbPath string, logger *slog.Logger) (int, error) {
	store, err := journal.Open(dbPath, logger)
	if err != nil {
		return 0, err
	}
	defer store.Close()
	return journal.GetSchemaVersion(store.DB())
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
