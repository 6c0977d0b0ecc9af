package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"text/template"
	"time"

	"clawbridge/internal/domain"
)

// Invoke launches the agent CLI once per message. The launched process
// answers out of band through the reply endpoint; Invoke only reaps it.
type Invoke struct {
	command     string
	args        []*template.Template
	instruction *template.Template
	replyURL    string
	limiter     *RateLimiter // nil = unlimited
	tunnel      domain.TunnelSource
	logger      *slog.Logger
	lookPath    func(string) (string, error)

	wg sync.WaitGroup
}

type InvokeConfig struct {
	Command           string
	Args              []string // Go templates over InstructionData
	Template          string   // instruction template, DefaultInstruction if empty
	ReplyURL          string
	LaunchesPerMinute int // 0 disables the limiter
	Tunnel            domain.TunnelSource
	Logger            *slog.Logger
}

func NewInvoke(cfg InvokeConfig) (*Invoke, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Template == "" {
		cfg.Template = DefaultInstruction
	}
	instr, err := parseTemplate("instruction", cfg.Template)
	if err != nil {
		return nil, err
	}
	args := make([]*template.Template, 0, len(cfg.Args))
	for i, a := range cfg.Args {
		t, err := parseTemplate(fmt.Sprintf("arg%d", i), a)
		if err != nil {
			return nil, err
		}
		args = append(args, t)
	}

	inv := &Invoke{
		command:     cfg.Command,
		args:        args,
		instruction: instr,
		replyURL:    cfg.ReplyURL,
		tunnel:      cfg.Tunnel,
		logger:      cfg.Logger,
		lookPath:    exec.LookPath,
	}
	if cfg.LaunchesPerMinute > 0 {
		inv.limiter = NewRateLimiter(min(cfg.LaunchesPerMinute, 10), float64(cfg.LaunchesPerMinute))
	}
	return inv, nil
}

func (inv *Invoke) Name() string { return KindInvoke }

// Ready fails with ErrNotConnected when the agent command cannot be found.
func (inv *Invoke) Ready() error {
	if inv.command == "" {
		return fmt.Errorf("invoke: no command configured: %w", domain.ErrNotConnected)
	}
	if _, err := inv.lookPath(inv.command); err != nil {
		return fmt.Errorf("invoke: %w: %v", domain.ErrNotConnected, err)
	}
	return nil
}

// Deliver renders the instruction and starts the command without waiting
// for it. A non-nil error means the process was never started.
func (inv *Invoke) Deliver(_ context.Context, msg domain.QueuedMessage) error {
	if inv.limiter != nil && !inv.limiter.Allow() {
		inv.logger.Warn("agent launch throttled", "request_id", msg.RequestID)
		return ErrThrottled
	}

	if inv.tunnel != nil && msg.TunnelURL == "" {
		msg.TunnelURL = inv.tunnel.URL()
	}
	data := newInstructionData(msg, inv.replyURL)
	instr, err := render(inv.instruction, data)
	if err != nil {
		return err
	}
	data.Instruction = instr

	args := make([]string, len(inv.args))
	for i, t := range inv.args {
		if args[i], err = render(t, data); err != nil {
			return err
		}
	}

	// Not CommandContext: the process must outlive the chat request.
	cmd := exec.Command(inv.command, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch %s: %w", inv.command, err)
	}
	started := time.Now()
	inv.logger.Info("agent launched", "request_id", msg.RequestID, "pid", cmd.Process.Pid)

	inv.wg.Add(1)
	go func() {
		defer inv.wg.Done()
		err := cmd.Wait()
		var exitErr *exec.ExitError
		switch {
		case err == nil:
			inv.logger.Debug("agent exited", "request_id", msg.RequestID, "duration", time.Since(started))
		case errors.As(err, &exitErr):
			inv.logger.Warn("agent exited with error", "request_id", msg.RequestID, "code", exitErr.ExitCode(), "duration", time.Since(started))
		default:
			inv.logger.Warn("agent wait failed", "request_id", msg.RequestID, "err", err)
		}
	}()
	return nil
}

// Wait blocks until every launched process has exited.
func (inv *Invoke) Wait() { inv.wg.Wait() }
