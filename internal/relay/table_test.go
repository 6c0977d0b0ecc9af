package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"clawbridge/internal/domain"
)

func result(content string, outcome domain.Outcome) Result {
	return Result{Reply: domain.ChatReply{Content: content}, Outcome: outcome}
}

func TestTable_InsertDuplicate(t *testing.T) {
	tbl := NewTable()
	if _, err := tbl.Insert("a", domain.ChatRequest{}); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	_, err := tbl.Insert("a", domain.ChatRequest{})
	if !errors.Is(err, domain.ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got %v", err)
	}
	if tbl.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", tbl.Len())
	}
}

func TestTable_ResolveOnce(t *testing.T) {
	tbl := NewTable()
	p, _ := tbl.Insert("a", domain.ChatRequest{Topic: "standup"})

	if !tbl.Resolve("a", result("first", domain.OutcomeReply)) {
		t.Fatal("first resolve should win")
	}
	if tbl.Resolve("a", result("second", domain.OutcomeTimeout)) {
		t.Fatal("second resolve should lose")
	}
	if tbl.Has("a") {
		t.Error("entry should be gone after resolve")
	}

	res, err := p.Wait(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Reply.Content != "first" || res.Outcome != domain.OutcomeReply {
		t.Errorf("unexpected result %+v", res)
	}
	select {
	case extra := <-p.Done():
		t.Errorf("handle delivered a second value: %+v", extra)
	default:
	}
}

func TestTable_ResolveUnknown(t *testing.T) {
	tbl := NewTable()
	if tbl.Resolve("missing", result("x", domain.OutcomeReply)) {
		t.Error("resolving an unknown id should return false")
	}
}

func TestTable_Remove(t *testing.T) {
	tbl := NewTable()
	tbl.Insert("a", domain.ChatRequest{})
	if !tbl.Remove("a") {
		t.Fatal("remove should report the entry existed")
	}
	if tbl.Remove("a") {
		t.Error("second remove should return false")
	}
	if tbl.Resolve("a", result("late", domain.OutcomeReply)) {
		t.Error("resolve after remove should return false")
	}
}

func TestTable_ConcurrentResolveExactlyOneWinner(t *testing.T) {
	tbl := NewTable()
	const ids = 200
	const racers = 8

	handles := make([]*Pending, ids)
	for i := range handles {
		p, err := tbl.Insert(fmt.Sprintf("req-%d", i), domain.ChatRequest{})
		if err != nil {
			t.Fatal(err)
		}
		handles[i] = p
	}

	var wins atomic.Int64
	var wg sync.WaitGroup
	for _, p := range handles {
		for r := 0; r < racers; r++ {
			wg.Add(1)
			go func(id string, r int) {
				defer wg.Done()
				if tbl.Resolve(id, result("racer", domain.OutcomeReply)) {
					wins.Add(1)
				}
			}(p.ID, r)
		}
	}
	wg.Wait()

	if wins.Load() != ids {
		t.Fatalf("expected %d winners, got %d", ids, wins.Load())
	}
	if tbl.Len() != 0 {
		t.Errorf("table should be empty, has %d", tbl.Len())
	}
	for _, p := range handles {
		if len(p.Done()) != 1 {
			t.Fatalf("handle %s holds %d values, want 1", p.ID, len(p.Done()))
		}
	}
}

func TestPending_WaitContextCancelled(t *testing.T) {
	tbl := NewTable()
	p, _ := tbl.Insert("a", domain.ChatRequest{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !tbl.Has("a") {
		t.Error("a cancelled wait must not evict the entry")
	}
}

func TestSupervisor_FiresFallback(t *testing.T) {
	tbl := NewTable()
	var fired atomic.Int32
	sup := NewSupervisor(tbl, 30*time.Millisecond, func(p *Pending) Result {
		return result("fallback", domain.OutcomeTimeout)
	}, func(p *Pending) { fired.Add(1) })

	p, _ := tbl.Insert("a", domain.ChatRequest{})
	start := time.Now()
	sup.Arm(p)

	res, err := p.Wait(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != domain.OutcomeTimeout || res.Reply.Content != "fallback" {
		t.Errorf("unexpected result %+v", res)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Error("fallback arrived before the timeout")
	}
	if fired.Load() != 1 {
		t.Errorf("onFire calls: %d", fired.Load())
	}
	if tbl.Has("a") {
		t.Error("entry should be evicted after timeout")
	}
}

func TestSupervisor_LosesToEarlierResolve(t *testing.T) {
	tbl := NewTable()
	var fired atomic.Int32
	sup := NewSupervisor(tbl, 20*time.Millisecond, func(p *Pending) Result {
		return result("fallback", domain.OutcomeTimeout)
	}, func(p *Pending) { fired.Add(1) })

	p, _ := tbl.Insert("a", domain.ChatRequest{})
	sup.Arm(p)
	if !tbl.Resolve("a", result("real", domain.OutcomeReply)) {
		t.Fatal("resolve should win before the timer")
	}

	time.Sleep(60 * time.Millisecond)
	if fired.Load() != 0 {
		t.Error("timer should not fire after a reply")
	}
	res, _ := p.Wait(context.Background())
	if res.Reply.Content != "real" {
		t.Errorf("expected real reply, got %+v", res)
	}
}

func TestSupervisor_DefaultTimeout(t *testing.T) {
	sup := NewSupervisor(NewTable(), 0, nil, nil)
	if sup.Timeout() != DefaultTimeout {
		t.Errorf("expected %s, got %s", DefaultTimeout, sup.Timeout())
	}
}
