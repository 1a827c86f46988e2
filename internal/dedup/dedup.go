// Package dedup suppresses repeat alerts for the same subject within a time
// window.
//
// A Reserve is check-then-write: it looks for a recent record whose source
// belongs to the same group and, if none exists, writes a new one. Within a
// process the pair is atomic (striped per-key locks); across processes it
// relies on the ledger's transaction and is best effort.
//
// When the ledger is unavailable the alert is allowed through and bursts are
// suppressed by an in-memory fallback ledger instead.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultWindow is used when a zero window is configured.
const DefaultWindow = 5 * time.Minute

const lockStripes = 64

// --------------------------------------------------------------------------
// Sources
// --------------------------------------------------------------------------

// Source identifies the code path that raised an alert.
type Source string

const (
	SourceStockOut           Source = "stock_out"
	SourceSaleStockOut       Source = "sale_stock_out"
	SourceTransferStockOut   Source = "transfer_stock_out"
	SourceAdjustmentStockOut Source = "adjustment_stock_out"
	SourceScheduledDigest    Source = "scheduled_digest"
	SourceScheduledTrigger   Source = "scheduled_trigger"
)

const (
	groupOutOfStock = "out_of_stock"
	groupScheduled  = "scheduled"
)

// Sources in the same group overlap: any of them counts as "already alerted".
var sourceGroups = map[Source]string{
	SourceStockOut:           groupOutOfStock,
	SourceSaleStockOut:       groupOutOfStock,
	SourceTransferStockOut:   groupOutOfStock,
	SourceAdjustmentStockOut: groupOutOfStock,
	SourceScheduledDigest:    groupScheduled,
	SourceScheduledTrigger:   groupScheduled,
}

// Group returns the overlap group of the source. Unknown sources form a group
// of their own.
func (s Source) Group() string {
	if g, ok := sourceGroups[s]; ok {
		return g
	}
	return string(s)
}

// Overlapping returns every source sharing a group with s, including s.
func (s Source) Overlapping() []Source {
	group := s.Group()
	out := []Source{s}
	for src, g := range sourceGroups {
		if g == group && src != s {
			out = append(out, src)
		}
	}
	return out
}

// --------------------------------------------------------------------------
// Types
// --------------------------------------------------------------------------

// Alert is a candidate alert about to be emitted.
type Alert struct {
	Subject  string // e.g. the item name
	Severity string
	Source   Source
}

// Key identifies the dedup bucket of the alert.
func (a Alert) Key() string {
	return a.Source.Group() + "|" + a.Subject
}

// Record is one emitted alert. Records are never mutated, only aged out.
type Record struct {
	ID        uuid.UUID
	Subject   string
	Severity  string
	Source    Source
	CreatedAt time.Time
}

// Outcome is the result of a reservation.
type Outcome int

const (
	Emit Outcome = iota
	Suppressed
)

func (o Outcome) String() string {
	if o == Suppressed {
		return "suppressed"
	}
	return "emit"
}

// Err returns ErrSuppressed for a suppressed outcome and nil otherwise.
func (o Outcome) Err() error {
	if o == Suppressed {
		return ErrSuppressed
	}
	return nil
}

// Ledger persists alert records.
type Ledger interface {
	// Reserve writes rec unless a record for the same subject with one of
	// sources exists at or after since. Reports whether rec was written.
	Reserve(ctx context.Context, rec Record, sources []Source, since time.Time) (bool, error)
	// Recent reports whether such a record exists without writing.
	Recent(ctx context.Context, subject string, sources []Source, since time.Time) (bool, error)
	// Purge removes records created before the cutoff.
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// StoreError wraps a ledger failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("dedup store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// ErrSuppressed is the error form of a Suppressed outcome. It is
// informational, not a failure.
var ErrSuppressed = errors.New("alert suppressed by dedup window")

// --------------------------------------------------------------------------
// Deduplicator
// --------------------------------------------------------------------------

// Deduplicator checks and records recent alert emissions.
type Deduplicator struct {
	ledger   Ledger
	fallback *MemoryLedger
	window   time.Duration
	logger   *slog.Logger
	now      func() time.Time

	locks [lockStripes]sync.Mutex
}

// New creates a Deduplicator. A nil ledger keeps everything in memory.
func New(ledger Ledger, window time.Duration, logger *slog.Logger) *Deduplicator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Deduplicator{
		ledger:   ledger,
		fallback: NewMemoryLedger(),
		window:   window,
		logger:   logger,
		now:      time.Now,
	}
}

// Window returns the configured suppression window.
func (d *Deduplicator) Window() time.Duration { return d.window }

// Fallback exposes the in-memory ledger so maintenance can purge it.
func (d *Deduplicator) Fallback() *MemoryLedger { return d.fallback }

// ShouldSuppress reports whether an overlapping alert was recorded within the
// window. Store failures are treated as "not suppressed" unless the in-memory
// fallback saw the subject.
func (d *Deduplicator) ShouldSuppress(ctx context.Context, a Alert) bool {
	since := d.now().Add(-d.window)
	sources := a.Source.Overlapping()

	if d.ledger != nil {
		found, err := d.ledger.Recent(ctx, a.Subject, sources, since)
		if err == nil {
			return found
		}
		d.logger.Warn("dedup check failed, using in-memory fallback",
			"subject", a.Subject, "source", a.Source,
			"error", &StoreError{Op: "recent", Err: err})
	}
	found, _ := d.fallback.Recent(ctx, a.Subject, sources, since)
	return found
}

// Reserve atomically checks the window and records the alert. On Emit the
// returned record has been written and the caller should dispatch.
func (d *Deduplicator) Reserve(ctx context.Context, a Alert) (Outcome, Record) {
	mu := &d.locks[stripe(a.Key())]
	mu.Lock()
	defer mu.Unlock()

	now := d.now()
	rec := Record{
		ID:        uuid.New(),
		Subject:   a.Subject,
		Severity:  a.Severity,
		Source:    a.Source,
		CreatedAt: now,
	}
	since := now.Add(-d.window)
	sources := a.Source.Overlapping()

	if d.ledger != nil {
		written, err := d.ledger.Reserve(ctx, rec, sources, since)
		if err == nil {
			if !written {
				return Suppressed, Record{}
			}
			// Keep the fallback warm so a later outage still sees this burst.
			_, _ = d.fallback.Reserve(ctx, rec, sources, since)
			return Emit, rec
		}
		d.logger.Warn("dedup reserve failed, allowing alert",
			"subject", a.Subject, "source", a.Source,
			"error", &StoreError{Op: "reserve", Err: err})
	}

	written, _ := d.fallback.Reserve(ctx, rec, sources, since)
	if !written {
		return Suppressed, Record{}
	}
	return Emit, rec
}

// Run reserves the alert and, unless suppressed, calls emit with the record.
func (d *Deduplicator) Run(ctx context.Context, a Alert, emit func(context.Context, Record)) Outcome {
	outcome, rec := d.Reserve(ctx, a)
	if outcome == Suppressed {
		d.logger.Debug("alert suppressed", "subject", a.Subject, "source", a.Source, "window", d.window)
		return outcome
	}
	emit(ctx, rec)
	return outcome
}

// Purge ages out records from the ledger and the fallback.
func (d *Deduplicator) Purge(ctx context.Context, before time.Time) (int64, error) {
	n, _ := d.fallback.Purge(ctx, before)
	if d.ledger == nil {
		return n, nil
	}
	m, err := d.ledger.Purge(ctx, before)
	if err != nil {
		return n, &StoreError{Op: "purge", Err: err}
	}
	return n + m, nil
}

func stripe(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % lockStripes
}
