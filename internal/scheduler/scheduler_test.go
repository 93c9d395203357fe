package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEvery_RunsTask(t *testing.T) {
	s := New(discardLogger())

	var runs atomic.Int32
	err := s.Every("count", time.Second, 0, func(ctx context.Context) (int, error) {
		runs.Add(1)
		return 0, nil
	})
	if err != nil {
		t.Fatalf("Every failed: %v", err)
	}

	s.Start()
	deadline := time.Now().Add(3 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	s.Stop()

	if runs.Load() == 0 {
		t.Fatal("task never ran")
	}
}

func TestEvery_RejectsNonPositiveInterval(t *testing.T) {
	s := New(discardLogger())
	if err := s.Every("bad", 0, 0, func(context.Context) (int, error) { return 0, nil }); err == nil {
		t.Error("expected error for zero interval")
	}
}

func TestRunNow_AppliesTimeout(t *testing.T) {
	s := New(discardLogger())

	var deadlineSet bool
	s.RunNow("probe", 50*time.Millisecond, func(ctx context.Context) (int, error) {
		_, deadlineSet = ctx.Deadline()
		<-ctx.Done()
		return 0, ctx.Err()
	})

	if !deadlineSet {
		t.Error("task context has no deadline")
	}
}

func TestStop_CancelsRunningTasks(t *testing.T) {
	s := New(discardLogger())

	started := make(chan struct{})
	result := make(chan error, 1)
	go s.RunNow("long", time.Minute, func(ctx context.Context) (int, error) {
		close(started)
		<-ctx.Done()
		result <- ctx.Err()
		return 0, ctx.Err()
	})

	<-started
	s.Stop()

	select {
	case err := <-result:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("got %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Stop did not cancel the running task")
	}
}
