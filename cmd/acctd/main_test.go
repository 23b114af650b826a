package main

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bardlex/poolacct/pkg/log"
)

func testService() *Service {
	return &Service{
		logger: log.New("test-acctd", "test", "error", "json"),
		done:   make(chan struct{}),
	}
}

func TestRunPeriodic_ExecutesOnTick(t *testing.T) {
	s := testService()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int64
	go s.runPeriodic(ctx, "test_task", 5*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return nil
	})

	deadline := time.After(2 * time.Second)
	for runs.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("task ran %d times, want at least 2", runs.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRunPeriodic_StopsOnCancel(t *testing.T) {
	s := testService()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	finished := make(chan struct{})
	go func() {
		s.runPeriodic(ctx, "test_task", time.Millisecond, func(context.Context) error {
			return nil
		})
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("runPeriodic did not stop after context cancel")
	}
}

func TestRunPeriodic_ContinuesAfterFailure(t *testing.T) {
	s := testService()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int64
	go s.runPeriodic(ctx, "test_task", 5*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return context.DeadlineExceeded
	})

	deadline := time.After(2 * time.Second)
	for runs.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("task ran %d times after failure, want at least 2", runs.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRunPeriodic_StopsOnShutdown(t *testing.T) {
	s := testService()

	finished := make(chan struct{})
	go func() {
		s.runPeriodic(context.Background(), "test_task", time.Millisecond, func(context.Context) error {
			return nil
		})
		close(finished)
	}()

	close(s.done)

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("runPeriodic did not stop after shutdown")
	}
}
