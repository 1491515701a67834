package oauth

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type countingPurger struct {
	calls atomic.Int32
	err   error
}

func (p *countingPurger) PurgeExpired(context.Context) (int, error) {
	p.calls.Add(1)
	return 1, p.err
}

func TestSweeperRunsImmediatelyAndOnTick(t *testing.T) {
	p := &countingPurger{}
	ctx, cancel := context.WithCancel(context.Background())

	done := NewSweeper(p, 10*time.Millisecond, zaptest.NewLogger(t)).Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for p.calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
	if p.calls.Load() < 3 {
		t.Fatalf("purge called %d times, want >= 3", p.calls.Load())
	}
}

func TestSweeperSurvivesErrors(t *testing.T) {
	p := &countingPurger{err: errors.New("db down")}
	ctx, cancel := context.WithCancel(context.Background())

	done := NewSweeper(p, 10*time.Millisecond, zaptest.NewLogger(t)).Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for p.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if p.calls.Load() < 2 {
		t.Fatalf("sweeper stopped after an error, calls=%d", p.calls.Load())
	}
}
