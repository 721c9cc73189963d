package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"codeask/internal/logging"
)

func TestTaskRunsOnInterval(t *testing.T) {
	s := New(logging.NewNop())

	var ticks atomic.Int32
	err := s.Register("counter", 10*time.Millisecond, func(ctx context.Context) error {
		ticks.Add(1)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	s.Start()
	time.Sleep(100 * time.Millisecond)
	if err := s.Stop(time.Second); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	if got := ticks.Load(); got < 3 {
		t.Errorf("expected at least 3 ticks in 100ms, got %d", got)
	}
}

func TestFailingTaskKeepsRunning(t *testing.T) {
	s := New(logging.NewNop())

	var ticks atomic.Int32
	_ = s.Register("flaky", 10*time.Millisecond, func(ctx context.Context) error {
		ticks.Add(1)
		return errors.New("tick failed")
	})

	s.Start()
	time.Sleep(60 * time.Millisecond)
	_ = s.Stop(time.Second)

	if got := ticks.Load(); got < 2 {
		t.Errorf("failing task should be retried on the next tick, got %d runs", got)
	}
}

func TestStopCancelsContext(t *testing.T) {
	s := New(logging.NewNop())

	cancelled := make(chan struct{})
	_ = s.Register("waiter", 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})

	s.Start()
	time.Sleep(20 * time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- s.Stop(2 * time.Second) }()

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("task context never cancelled")
	}
	if err := <-done; err != nil {
		t.Errorf("Stop() error: %v", err)
	}
}

func TestRegisterAfterStartFails(t *testing.T) {
	s := New(logging.NewNop())
	s.Start()
	defer func() { _ = s.Stop(time.Second) }()

	if err := s.Register("late", time.Minute, func(ctx context.Context) error { return nil }); err == nil {
		t.Error("Register after Start should fail")
	}
}

func TestRegisterRejectsNonPositiveInterval(t *testing.T) {
	s := New(logging.NewNop())
	if err := s.Register("zero", 0, func(ctx context.Context) error { return nil }); err == nil {
		t.Error("zero interval should be rejected")
	}
}

func TestParseExpression(t *testing.T) {
	tests := []struct {
		expr    string
		want    time.Duration
		wantErr bool
	}{
		{"every 5m", 5 * time.Minute, false},
		{"every 30s", 30 * time.Second, false},
		{"every 2 hours", 2 * time.Hour, false},
		{"every 1d", 24 * time.Hour, false},
		{"Every 10 Minutes", 10 * time.Minute, false},
		{"every 5s", 0, true}, // below minimum
		{"5m", 0, true},
		{"every five minutes", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := ParseExpression(tt.expr)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseExpression(%q) expected error, got %s", tt.expr, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseExpression(%q) error: %v", tt.expr, err)
			}
			if got != tt.want {
				t.Errorf("ParseExpression(%q) = %s, want %s", tt.expr, got, tt.want)
			}
		})
	}
}
