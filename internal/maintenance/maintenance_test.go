package maintenance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albapepper/stockwatch/internal/dedup"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type countingPurger struct {
	calls  atomic.Int32
	before atomic.Value
	err    error
}

func (p *countingPurger) PurgeRead(_ context.Context, before time.Time) (int64, error) {
	p.calls.Add(1)
	p.before.Store(before)
	return 2, p.err
}

func TestRunOnce_PurgesDedupFallback(t *testing.T) {
	dd := dedup.New(nil, time.Minute, testLogger)
	dd.Reserve(context.Background(), dedup.Alert{Subject: "b1:Milk", Severity: "critical", Source: dedup.SourceStockOut})
	require.Equal(t, 1, dd.Fallback().Len())

	// A negative retention puts the cutoff in the future.
	cfg := Config{DedupRetention: -time.Second, NotificationRetention: 30 * 24 * time.Hour}
	notes := &countingPurger{}
	counts, err := RunOnce(context.Background(), Tasks(cfg, dd, notes), testLogger)
	require.NoError(t, err)

	assert.EqualValues(t, 1, counts["dedup"])
	assert.EqualValues(t, 2, counts["notifications"])
	assert.Zero(t, dd.Fallback().Len())

	cutoff := notes.before.Load().(time.Time)
	assert.WithinDuration(t, time.Now().Add(-30*24*time.Hour), cutoff, time.Minute)
}

func TestRunOnce_ContinuesAfterFailure(t *testing.T) {
	failing := &countingPurger{err: errors.New("db down")}
	tasks := []Task{
		{Name: "first", Run: func(ctx context.Context) (int64, error) { return failing.PurgeRead(ctx, time.Now()) }},
		{Name: "second", Run: func(context.Context) (int64, error) { return 5, nil }},
	}
	counts, err := RunOnce(context.Background(), tasks, testLogger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "first: db down")
	assert.EqualValues(t, 5, counts["second"])
}

func TestTasks_SkipsNilPurgers(t *testing.T) {
	assert.Empty(t, Tasks(DefaultConfig(), nil, nil))
	assert.Len(t, Tasks(DefaultConfig(), nil, &countingPurger{}), 1)
}

func TestStart_RunsOnInterval(t *testing.T) {
	notes := &countingPurger{}
	cfg := DefaultConfig()
	cfg.NotificationInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Start(ctx, Tasks(cfg, nil, notes), testLogger)
		close(done)
	}()

	require.Eventually(t, func() bool { return notes.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
