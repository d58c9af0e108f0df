package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/handyhub/internal/logging"
)

// DefaultInterval is the time between scheduled passes.
const DefaultInterval = 5 * time.Minute

// Timer runs reconciliation on a schedule and on demand. Passes never
// overlap: an operator-triggered run waits for a scheduled one to finish.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger

	pass     sync.Mutex
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	last     atomic.Pointer[Report]
}

func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Timer{runner: runner, interval: interval, logger: logger, stop: make(chan struct{})}
}

// Running reports whether the schedule loop is active.
func (t *Timer) Running() bool { return t.running.Load() }

// LastReport returns the latest completed pass, scheduled or manual, or nil.
func (t *Timer) LastReport() *Report { return t.last.Load() }

// Start runs the schedule until ctx is done or Stop is called. Blocks.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.scheduled(ctx)
		}
	}
}

// Stop ends the schedule loop. Safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// RunNow performs a pass immediately, after any pass already in progress.
func (t *Timer) RunNow(ctx context.Context) (*Report, error) {
	return t.run(logging.WithAttrs(ctx, "job", "reconcile", "trigger", "manual"))
}

func (t *Timer) scheduled(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation pass", "panic", fmt.Sprint(r))
		}
	}()
	ctx = logging.WithAttrs(logging.WithLogger(ctx, t.logger), "job", "reconcile", "trigger", "schedule")
	if _, err := t.run(ctx); err != nil {
		logging.L(ctx).Warn("reconciliation pass failed", "error", err)
	}
}

func (t *Timer) run(ctx context.Context) (*Report, error) {
	t.pass.Lock()
	defer t.pass.Unlock()

	rep, err := t.runner.RunAll(ctx)
	if rep != nil {
		t.last.Store(rep)
	}
	return rep, err
}
