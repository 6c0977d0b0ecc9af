package relay

import "time"

// DefaultTimeout bounds how long a chat waits for the agent.
const DefaultTimeout = 30 * time.Second

// Supervisor arms a per-request timer that resolves the request with a
// fallback reply if nothing else has by then.
type Supervisor struct {
	table    *Table
	timeout  time.Duration
	fallback func(p *Pending) Result
	onFire   func(p *Pending)
}

// NewSupervisor creates a supervisor over table. onFire, if set, runs after a
// timer wins the race for a request.
func NewSupervisor(table *Table, timeout time.Duration, fallback func(p *Pending) Result, onFire func(p *Pending)) *Supervisor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Supervisor{table: table, timeout: timeout, fallback: fallback, onFire: onFire}
}

// Timeout returns the configured bound.
func (s *Supervisor) Timeout() time.Duration { return s.timeout }

// Arm starts the timer for p. A timer that fires after p was resolved is a no-op.
func (s *Supervisor) Arm(p *Pending) {
	timer := time.AfterFunc(s.timeout, func() {
		if s.table.Resolve(p.ID, s.fallback(p)) && s.onFire != nil {
			s.onFire(p)
		}
	})
	if !s.table.attachTimer(p.ID, timer) {
		timer.Stop()
	}
}
