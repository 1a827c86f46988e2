package dedup

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	subject   string
	source    Source
	createdAt time.Time
}

// MemoryLedger is a thread-safe in-memory Ledger. It only remembers the most
// recent record per (subject, source), which is all the window check needs.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string]memEntry)}
}

func memKey(subject string, source Source) string {
	return string(source) + "|" + subject
}

// Reserve implements Ledger.
func (m *MemoryLedger) Reserve(_ context.Context, rec Record, sources []Source, since time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recentLocked(rec.Subject, sources, since) {
		return false, nil
	}
	m.entries[memKey(rec.Subject, rec.Source)] = memEntry{
		subject:   rec.Subject,
		source:    rec.Source,
		createdAt: rec.CreatedAt,
	}
	return true, nil
}

// Recent implements Ledger.
func (m *MemoryLedger) Recent(_ context.Context, subject string, sources []Source, since time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recentLocked(subject, sources, since), nil
}

func (m *MemoryLedger) recentLocked(subject string, sources []Source, since time.Time) bool {
	for _, src := range sources {
		e, ok := m.entries[memKey(subject, src)]
		if ok && !e.createdAt.Before(since) {
			return true
		}
	}
	return false
}

// Purge implements Ledger.
func (m *MemoryLedger) Purge(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, e := range m.entries {
		if e.createdAt.Before(before) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of remembered entries.
func (m *MemoryLedger) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
