// Package scheduler drives the minute tick. A cron entry with a seconds
// field fires at second zero of every minute and runs one alerting pass;
// passes never overlap, and Stop waits for the one in flight plus any
// detached dispatches before returning.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/albapepper/stockwatch/internal/alerting"
)

// EveryMinute fires at second zero of every minute.
const EveryMinute = "0 * * * * *"

// ErrRunning is returned by Start when the ticker is already running.
var ErrRunning = errors.New("scheduler already running")

// Runner executes one scheduled pass. Implemented by *alerting.Engine.
type Runner interface {
	RunTick(ctx context.Context, now time.Time) alerting.TickResult
}

// Waiter blocks until detached work has drained. Implemented by
// *notifications.Dispatcher.
type Waiter interface {
	Wait(ctx context.Context) error
}

// Status is the admin view of the ticker.
type Status struct {
	IsRunning    bool                 `json:"isRunning"`
	LastTickTime *time.Time           `json:"lastTickTime"`
	LastResult   *alerting.TickResult `json:"lastResult,omitempty"`
	Ticks        int64                `json:"ticks"`
	Skipped      int64                `json:"skipped"`
}

// Ticker runs a Runner on a cron spec.
type Ticker struct {
	runner Runner
	waiter Waiter
	spec   string
	loc    *time.Location
	now    func() time.Time
	logger *slog.Logger

	mu         sync.Mutex
	cron       *cron.Cron
	cancel     context.CancelFunc
	lastTick   time.Time
	lastResult *alerting.TickResult
	ticks      int64
	skipped    int64

	// pass serializes passes; inflight tracks them for Stop.
	pass     sync.Mutex
	inflight sync.WaitGroup
}

// Option configures a Ticker.
type Option func(*Ticker)

// WithSpec overrides the cron spec (six fields, seconds first).
func WithSpec(spec string) Option {
	return func(t *Ticker) { t.spec = spec }
}

// WithLocation sets the location cron specs are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(t *Ticker) {
		if loc != nil {
			t.loc = loc
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Ticker) { t.now = now }
}

// New creates a stopped ticker. waiter may be nil.
func New(runner Runner, waiter Waiter, logger *slog.Logger, opts ...Option) *Ticker {
	t := &Ticker{
		runner: runner,
		waiter: waiter,
		spec:   EveryMinute,
		loc:    time.UTC,
		now:    time.Now,
		logger: logger,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Start registers the tick and starts the cron loop. Passes run with a
// context derived from ctx.
func (t *Ticker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cron != nil {
		return ErrRunning
	}

	c := cron.New(
		cron.WithSeconds(),
		cron.WithLocation(t.loc),
		cron.WithLogger(cronLogger{t.logger}),
	)
	runCtx, cancel := context.WithCancel(ctx)
	if _, err := c.AddFunc(t.spec, func() { t.fire(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("register tick %q: %w", t.spec, err)
	}
	c.Start()

	t.cron = c
	t.cancel = cancel
	t.logger.Info("Scheduler started", "spec", t.spec, "location", t.loc.String())
	return nil
}

// fire is the cron callback. A tick that arrives while the previous pass is
// still running is skipped rather than queued.
func (t *Ticker) fire(ctx context.Context) {
	if !t.pass.TryLock() {
		t.mu.Lock()
		t.skipped++
		t.mu.Unlock()
		t.logger.Warn("Skipping tick, previous pass still running")
		return
	}
	defer t.pass.Unlock()

	t.inflight.Add(1)
	defer t.inflight.Done()
	t.run(ctx, t.now())
}

// TriggerNow runs one pass synchronously at the given time, or at the
// current time when at is zero. It waits for a running pass to finish first.
func (t *Ticker) TriggerNow(ctx context.Context, at time.Time) alerting.TickResult {
	if at.IsZero() {
		at = t.now()
	}
	t.pass.Lock()
	defer t.pass.Unlock()

	t.inflight.Add(1)
	defer t.inflight.Done()
	t.logger.Info("Manual tick triggered", "at", at.Format(time.RFC3339))
	return t.run(ctx, at)
}

func (t *Ticker) run(ctx context.Context, at time.Time) alerting.TickResult {
	res := t.runner.RunTick(ctx, at)

	t.mu.Lock()
	t.lastTick = at
	t.lastResult = &res
	t.ticks++
	t.mu.Unlock()
	return res
}

// Stop prevents further ticks and waits for the in-flight pass and any
// detached dispatches, or until ctx expires.
func (t *Ticker) Stop(ctx context.Context) error {
	t.mu.Lock()
	c, cancel := t.cron, t.cancel
	t.cron, t.cancel = nil, nil
	t.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			return fmt.Errorf("wait for cron jobs: %w", ctx.Err())
		}
	}

	done := make(chan struct{})
	go func() {
		t.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("wait for tick pass: %w", ctx.Err())
	}
	if cancel != nil {
		cancel()
	}

	if t.waiter != nil {
		if err := t.waiter.Wait(ctx); err != nil {
			return fmt.Errorf("wait for dispatches: %w", err)
		}
	}
	if c != nil {
		t.logger.Info("Scheduler stopped")
	}
	return nil
}

// Status returns a snapshot of the ticker state.
func (t *Ticker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Status{
		IsRunning: t.cron != nil,
		Ticks:     t.ticks,
		Skipped:   t.skipped,
	}
	if !t.lastTick.IsZero() {
		last := t.lastTick
		s.LastTickTime = &last
	}
	if t.lastResult != nil {
		r := *t.lastResult
		s.LastResult = &r
	}
	return s
}

// cronLogger routes cron's internal logging through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
