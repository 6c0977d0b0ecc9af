package relay

import (
	"context"
	"sync"
	"time"

	"clawbridge/internal/domain"
)

// Result is the value a pending request settles with.
type Result struct {
	Reply   domain.ChatReply
	Outcome domain.Outcome
}

// Pending is the completion handle for one in-flight request. It is written
// at most once, by whichever of Table.Resolve's callers removes it first.
type Pending struct {
	ID        string
	Request   domain.ChatRequest
	CreatedAt time.Time

	done  chan Result
	timer *time.Timer // set by Supervisor.Arm; guarded by Table.mu
}

// Wait blocks until the request is resolved or ctx ends.
func (p *Pending) Wait(ctx context.Context) (Result, error) {
	select {
	case r := <-p.done:
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Done exposes the completion channel for callers that select on it.
func (p *Pending) Done() <-chan Result { return p.done }

// Table maps request ids to pending completions.
type Table struct {
	mu      sync.Mutex
	pending map[string]*Pending
}

// NewTable creates an empty correlation table.
func NewTable() *Table {
	return &Table{pending: make(map[string]*Pending)}
}

// Insert registers a new pending request.
func (t *Table) Insert(id string, req domain.ChatRequest) (*Pending, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.pending[id]; exists {
		return nil, domain.ErrDuplicateRequest
	}
	p := &Pending{
		ID:        id,
		Request:   req,
		CreatedAt: time.Now(),
		done:      make(chan Result, 1),
	}
	t.pending[id] = p
	return p, nil
}

// Resolve completes and removes the pending request. It returns false if id
// is unknown or was already resolved; in that case nothing changes.
func (t *Table) Resolve(id string, res Result) bool {
	_, ok := t.resolve(id, res)
	return ok
}

func (t *Table) resolve(id string, res Result) (*Pending, bool) {
	t.mu.Lock()
	p, ok := t.pending[id]
	if !ok {
		t.mu.Unlock()
		return nil, false
	}
	delete(t.pending, id)
	timer := p.timer
	p.timer = nil
	t.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	// Only the goroutine that deleted the entry gets here, and done has room
	// for exactly one value, so this never blocks.
	p.done <- res
	return p, true
}

// Remove drops a pending request without completing it.
func (t *Table) Remove(id string) bool {
	t.mu.Lock()
	p, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
		if p.timer != nil {
			p.timer.Stop()
			p.timer = nil
		}
	}
	t.mu.Unlock()
	return ok
}

// Has reports whether id is pending.
func (t *Table) Has(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[id]
	return ok
}

// Len returns the number of pending requests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// attachTimer stores the timeout timer on a still-pending entry. It returns
// false if the entry was resolved before the timer could be attached.
func (t *Table) attachTimer(id string, timer *time.Timer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[id]
	if !ok {
		return false
	}
	p.timer = timer
	return true
}
