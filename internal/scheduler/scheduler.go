// Package scheduler runs periodic sweeps on fixed intervals.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is one periodic unit of work. It returns how many records it changed.
type Task func(ctx context.Context) (int, error)

// Scheduler runs registered tasks on their intervals. A run still in progress
// when the next tick fires is not overlapped; the tick is skipped.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// New returns a stopped scheduler.
func New(logger *slog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger{logger}),
			cron.SkipIfStillRunning(cronLogger{logger}),
		)),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Every registers task to run each interval, bounded by timeout per run.
func (s *Scheduler) Every(name string, interval, timeout time.Duration, task Task) error {
	if interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", name)
	}
	if timeout <= 0 || timeout > interval {
		timeout = interval
	}

	s.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
		s.run(name, timeout, task)
	}))
	s.logger.Info("scheduled task", "task", name, "interval", interval)
	return nil
}

// RunNow runs task once synchronously, outside the schedule.
func (s *Scheduler) RunNow(name string, timeout time.Duration, task Task) {
	s.run(name, timeout, task)
}

func (s *Scheduler) run(name string, timeout time.Duration, task Task) {
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	start := time.Now()
	n, err := task(ctx)
	if err != nil {
		s.logger.Error("scheduled task failed", "task", name, "changed", n, "error", err)
		return
	}
	s.logger.Debug("scheduled task completed", "task", name, "changed", n, "duration", time.Since(start))
}

// Start begins running scheduled tasks in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running tasks and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()

	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
