package service

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"
)

// Ticker runs fn every interval until the context ends. It is a suture.Service.
type Ticker struct {
	name     string
	every    time.Duration
	fn       func(ctx context.Context) error
	log      *zap.Logger
	runFirst bool
}

var _ suture.Service = (*Ticker)(nil)

// NewTicker constructs a periodic service. When runFirst is set fn also runs at start.
func NewTicker(name string, every time.Duration, runFirst bool, fn func(ctx context.Context) error, log *zap.Logger) *Ticker {
	return &Ticker{name: name, every: every, fn: fn, log: log.With(zap.String("loop", name)), runFirst: runFirst}
}

// Serve implements suture.Service. Errors of fn are logged and the loop continues.
func (t *Ticker) Serve(ctx context.Context) error {
	if t.runFirst {
		t.tick(ctx)
	}
	tk := time.NewTicker(t.every)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tk.C:
			t.tick(ctx)
		}
	}
}

func (t *Ticker) tick(ctx context.Context) {
	if err := t.fn(ctx); err != nil && ctx.Err() == nil {
		t.log.Warn("loop iteration failed", zap.Error(err))
	}
}

func (t *Ticker) String() string { return t.name }

// SchedulerLoop returns a service that runs the scheduler on a fixed period.
func SchedulerLoop(s SchedulerService, every time.Duration, log *zap.Logger) *Ticker {
	return NewTicker("scheduler", every, false, func(ctx context.Context) error {
		_, err := s.Run(ctx, "interval")
		return err
	}, log)
}

// MaintenanceLoop returns a service that runs cleanup on a fixed period.
func MaintenanceLoop(m *MaintenanceServiceImpl, every time.Duration, log *zap.Logger) *Ticker {
	return NewTicker("maintenance", every, true, m.Run, log)
}

// ExecutorLoop polls the queue. It drains back-to-back while batches come back full.
type ExecutorLoop struct {
	exec *ExecutorServiceImpl
	poll time.Duration
	log  *zap.Logger
}

var _ suture.Service = (*ExecutorLoop)(nil)

// NewExecutorLoop constructs the executor poll loop.
func NewExecutorLoop(exec *ExecutorServiceImpl, poll time.Duration, log *zap.Logger) *ExecutorLoop {
	return &ExecutorLoop{exec: exec, poll: poll, log: log.With(zap.String("loop", "executor"))}
}

// Serve implements suture.Service.
func (l *ExecutorLoop) Serve(ctx context.Context) error {
	for {
		n, err := l.exec.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			l.log.Warn("executor pass failed", zap.Error(err))
		}
		wait := l.poll
		if err == nil && n >= l.exec.cfg.BatchSize {
			wait = 0
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (l *ExecutorLoop) String() string { return "executor" }
