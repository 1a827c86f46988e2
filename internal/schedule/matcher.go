package schedule

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Subscription is one user's schedule for one category.
type Subscription struct {
	UserID   string
	Category Category
	Timezone string // IANA name; empty uses the matcher default
	Schedule Schedule
}

// Match is a single frequency firing for a user this tick.
type Match struct {
	UserID    string
	Category  Category
	Frequency Frequency
	At        time.Time // the tick minute in the user's location
}

// Evaluation is the outcome of one tick.
type Evaluation struct {
	Evaluated int
	Matches   []Match
	Skipped   []*ConfigError
}

// Matcher evaluates subscriptions against a tick time.
type Matcher struct {
	loc     *time.Location
	workers int
	logger  *slog.Logger

	locMu sync.Mutex
	locs  map[string]*time.Location
}

// NewMatcher creates a matcher. loc is the default location for users without
// a timezone; workers bounds the evaluation pool.
func NewMatcher(loc *time.Location, workers int, logger *slog.Logger) *Matcher {
	if loc == nil {
		loc = time.UTC
	}
	if workers < 1 {
		workers = 1
	}
	return &Matcher{
		loc:     loc,
		workers: workers,
		logger:  logger,
		locs:    make(map[string]*time.Location),
	}
}

// Evaluate returns every (user, frequency) pair firing at now. Malformed
// schedules are logged, reported in Skipped and never block other users.
func (m *Matcher) Evaluate(ctx context.Context, now time.Time, subs []Subscription) Evaluation {
	now = now.Truncate(time.Minute)
	var result Evaluation

	workers := m.workers
	if workers > len(subs) {
		workers = len(subs)
	}
	if workers == 0 {
		return result
	}

	ch := make(chan Subscription, len(subs))
	for _, s := range subs {
		ch <- s
	}
	close(ch)

	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sub := range ch {
				if ctx.Err() != nil {
					return
				}
				matches, cfgErr := m.evaluateOne(now, sub)

				mu.Lock()
				result.Evaluated++
				if cfgErr != nil {
					result.Skipped = append(result.Skipped, cfgErr)
				}
				result.Matches = append(result.Matches, matches...)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	sort.Slice(result.Matches, func(i, j int) bool {
		a, b := result.Matches[i], result.Matches[j]
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		return frequencyRank(a.Frequency) < frequencyRank(b.Frequency)
	})
	return result
}

func (m *Matcher) evaluateOne(now time.Time, sub Subscription) ([]Match, *ConfigError) {
	local := now.In(m.location(sub.Timezone))

	freqs, err := sub.Schedule.Matches(local)
	if err != nil {
		var cfgErr *ConfigError
		if !errors.As(err, &cfgErr) {
			cfgErr = &ConfigError{Reason: err.Error()}
		}
		cfgErr.UserID = sub.UserID
		cfgErr.Category = sub.Category
		m.logger.Warn("Skipping malformed schedule", "error", cfgErr)
		return nil, cfgErr
	}

	matches := make([]Match, 0, len(freqs))
	for _, f := range freqs {
		matches = append(matches, Match{
			UserID:    sub.UserID,
			Category:  sub.Category,
			Frequency: f,
			At:        local,
		})
	}
	return matches, nil
}

func (m *Matcher) location(name string) *time.Location {
	if name == "" {
		return m.loc
	}
	m.locMu.Lock()
	defer m.locMu.Unlock()
	if loc, ok := m.locs[name]; ok {
		return loc
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		m.logger.Warn("Unknown timezone, using default", "timezone", name, "default", m.loc.String())
		loc = m.loc
	}
	m.locs[name] = loc
	return loc
}

func frequencyRank(f Frequency) int {
	for i, x := range Frequencies {
		if x == f {
			return i
		}
	}
	return len(Frequencies)
}
