package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/moorej2400/sobertube-app-sub003/internal/eventbus"
	logx "github.com/moorej2400/sobertube-app-sub003/pkg/logx"
)

func startEngine(t *testing.T, cfg Config, bus eventbus.Bus) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestEnqueueRunsAndPublishes(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()
	s := startEngine(t, Config{Workers: 1}, bus)

	if _, err := s.Enqueue(Task{Name: "job", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	select {
	case ev := <-events:
		if ev.Type != eventbus.TypeTaskFinished {
			t.Fatalf("event type = %s", ev.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task event")
	}
}

func TestOverlapSkipIfRunning(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 2}, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	task := Task{
		Name: "drain",
		Opt:  TaskOptions{Overlap: OverlapSkipIfRunning},
		Run: func(context.Context) error {
			close(started)
			<-release
			return nil
		},
	}
	if _, err := s.Enqueue(task); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	<-started
	if _, err := s.Enqueue(task); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second Enqueue err = %v, want ErrOverlapSkip", err)
	}
	close(release)
}

func TestRetriesUntilNoRetry(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()
	s := startEngine(t, Config{Workers: 1}, bus)

	var calls atomic.Int32
	_, err := s.Enqueue(Task{
		Name: "flaky",
		Opt:  TaskOptions{RetryMax: 5, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond},
		Run: func(context.Context) error {
			if calls.Add(1) == 2 {
				return NoRetry(errors.New("bad input"))
			}
			return errors.New("transient")
		},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	select {
	case ev := <-events:
		te := ev.Data.(TaskEvent)
		if ev.Type != eventbus.TypeTaskFailed || te.Attempts != 2 {
			t.Fatalf("event = %s attempts=%d", ev.Type, te.Attempts)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func TestEnqueueDisabled(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	if _, err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v", err)
	}
}
