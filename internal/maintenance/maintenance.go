// Package maintenance runs periodic cleanup as Go tickers: aged-out dedup
// records (database ledger and in-memory fallback) and old read in-app
// notifications.
package maintenance

import (
	"context"
	"log/slog"
	"time"
)

// Config controls maintenance intervals and retention. A zero interval
// disables a task.
type Config struct {
	DedupInterval         time.Duration
	DedupRetention        time.Duration
	NotificationInterval  time.Duration
	NotificationRetention time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DedupInterval:         15 * time.Minute,
		DedupRetention:        24 * time.Hour,
		NotificationInterval:  6 * time.Hour,
		NotificationRetention: 30 * 24 * time.Hour,
	}
}

// RecordPurger ages out dedup records. Implemented by *dedup.Deduplicator.
type RecordPurger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// NotificationPurger deletes old read notifications. Implemented by
// *notifications.PostgresStore.
type NotificationPurger interface {
	PurgeRead(ctx context.Context, before time.Time) (int64, error)
}

// Task is one periodic job.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (int64, error)
}

// Tasks builds the task list for cfg. Nil purgers are left out.
func Tasks(cfg Config, records RecordPurger, notes NotificationPurger) []Task {
	var tasks []Task
	if records != nil {
		tasks = append(tasks, Task{
			Name:     "dedup",
			Interval: cfg.DedupInterval,
			Run: func(ctx context.Context) (int64, error) {
				return records.Purge(ctx, time.Now().Add(-cfg.DedupRetention))
			},
		})
	}
	if notes != nil {
		tasks = append(tasks, Task{
			Name:     "notifications",
			Interval: cfg.NotificationInterval,
			Run: func(ctx context.Context) (int64, error) {
				return notes.PurgeRead(ctx, time.Now().Add(-cfg.NotificationRetention))
			},
		})
	}
	return tasks
}

// Start launches one ticker per enabled task. Blocks until ctx is
// cancelled. Intended to be called with `go`.
func Start(ctx context.Context, tasks []Task, logger *slog.Logger) {
	tickers := make([]*time.Ticker, 0, len(tasks))
	defer func() {
		for _, t := range tickers {
			t.Stop()
		}
	}()

	names := make([]string, 0, len(tasks))
	for _, task := range tasks {
		if task.Interval <= 0 {
			continue
		}
		t := time.NewTicker(task.Interval)
		tickers = append(tickers, t)
		names = append(names, task.Name)
		go runLoop(ctx, t.C, func() { runTask(ctx, task, logger) })
	}
	logger.Info("Maintenance tickers started", "tasks", names)

	<-ctx.Done()
	logger.Info("Maintenance tickers stopped")
}

func runLoop(ctx context.Context, ch <-chan time.Time, fn func()) {
	for {
		select {
		case <-ch:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

func runTask(ctx context.Context, task Task, logger *slog.Logger) (int64, error) {
	start := time.Now()
	n, err := task.Run(ctx)
	dur := time.Since(start).Round(time.Millisecond)
	if err != nil {
		logger.Warn("Maintenance task failed", "task", task.Name, "duration", dur, "error", err)
		return n, err
	}
	if n > 0 {
		logger.Info("Maintenance task purged rows", "task", task.Name, "count", n, "duration", dur)
	}
	return n, nil
}
