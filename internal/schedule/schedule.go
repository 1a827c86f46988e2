// Package schedule evaluates per-user recurring alert schedules against the
// current wall-clock minute.
//
// A Schedule holds one clock time per selected frequency. Matching is exact to
// the minute; seconds are ignored. Each matched frequency is reported on its
// own so callers dispatch once per frequency.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Categories and frequencies
// --------------------------------------------------------------------------

// Category is the kind of alert a schedule drives. All categories share the
// same schedule shape.
type Category string

const (
	CategoryStock Category = "stock_alert"
	CategoryEvent Category = "event_reminder"
	CategoryTrend Category = "trend_alert"
)

// Categories lists every category in evaluation order.
var Categories = []Category{CategoryStock, CategoryEvent, CategoryTrend}

// Frequency is how often a schedule fires.
type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
)

// Frequencies lists every frequency in reporting order.
var Frequencies = []Frequency{Daily, Weekly, Monthly}

func (f Frequency) valid() bool {
	return f == Daily || f == Weekly || f == Monthly
}

// --------------------------------------------------------------------------
// ClockTime
// --------------------------------------------------------------------------

// ClockTime is a time of day at minute granularity.
type ClockTime struct {
	Hour   int
	Minute int
}

// At builds a ClockTime. Out-of-range values are caught by Validate.
func At(hour, minute int) ClockTime {
	return ClockTime{Hour: hour, Minute: minute}
}

// ParseClock parses "HH:MM" (seconds, if present, are ignored).
func ParseClock(v string) (ClockTime, error) {
	parts := strings.Split(strings.TrimSpace(v), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return ClockTime{}, fmt.Errorf("invalid clock time %q", v)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return ClockTime{}, fmt.Errorf("invalid hour in %q: %w", v, err)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return ClockTime{}, fmt.Errorf("invalid minute in %q: %w", v, err)
	}
	ct := ClockTime{Hour: h, Minute: m}
	if !ct.valid() {
		return ClockTime{}, fmt.Errorf("clock time %q out of range", v)
	}
	return ct, nil
}

func (c ClockTime) valid() bool {
	return c.Hour >= 0 && c.Hour < 24 && c.Minute >= 0 && c.Minute < 60
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

func (c ClockTime) matches(t time.Time) bool {
	return t.Hour() == c.Hour && t.Minute() == c.Minute
}

// --------------------------------------------------------------------------
// Schedule
// --------------------------------------------------------------------------

// Schedule is a user's recurring schedule for one category. A schedule with
// no frequencies is disabled.
type Schedule struct {
	Frequencies []Frequency
	Times       map[Frequency]ClockTime
	WeeklyDay   *int // 0 = Sunday .. 6 = Saturday
	MonthlyDate *int // 1..31
}

// FromLegacy converts the single-frequency, single-time shape into a Schedule
// with exactly one frequency whose time is the shared value.
func FromLegacy(freq Frequency, shared ClockTime, weeklyDay, monthlyDate *int) Schedule {
	return Schedule{
		Frequencies: []Frequency{freq},
		Times:       map[Frequency]ClockTime{freq: shared},
		WeeklyDay:   weeklyDay,
		MonthlyDate: monthlyDate,
	}
}

// Enabled reports whether at least one frequency is selected.
func (s Schedule) Enabled() bool {
	return len(s.Frequencies) > 0
}

// Validate returns a *ConfigError describing the first problem found.
func (s Schedule) Validate() error {
	for _, f := range s.Frequencies {
		if !f.valid() {
			return &ConfigError{Frequency: f, Reason: "unknown frequency"}
		}
		ct, ok := s.Times[f]
		if !ok {
			return &ConfigError{Frequency: f, Reason: "no time of day set"}
		}
		if !ct.valid() {
			return &ConfigError{Frequency: f, Reason: fmt.Sprintf("time of day %s out of range", ct)}
		}
		switch f {
		case Weekly:
			if s.WeeklyDay == nil {
				return &ConfigError{Frequency: f, Reason: "no day of week set"}
			}
			if *s.WeeklyDay < 0 || *s.WeeklyDay > 6 {
				return &ConfigError{Frequency: f, Reason: fmt.Sprintf("day of week %d out of range", *s.WeeklyDay)}
			}
		case Monthly:
			if s.MonthlyDate == nil {
				return &ConfigError{Frequency: f, Reason: "no day of month set"}
			}
			if *s.MonthlyDate < 1 || *s.MonthlyDate > 31 {
				return &ConfigError{Frequency: f, Reason: fmt.Sprintf("day of month %d out of range", *s.MonthlyDate)}
			}
		}
	}
	return nil
}

// Matches returns the frequencies firing at t, in reporting order. t must
// already be in the schedule owner's location. Disabled schedules never match.
func (s Schedule) Matches(t time.Time) ([]Frequency, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	selected := make(map[Frequency]bool, len(s.Frequencies))
	for _, f := range s.Frequencies {
		selected[f] = true
	}

	var out []Frequency
	for _, f := range Frequencies {
		if !selected[f] || !s.Times[f].matches(t) {
			continue
		}
		switch f {
		case Weekly:
			if int(t.Weekday()) != *s.WeeklyDay {
				continue
			}
		case Monthly:
			if t.Day() != *s.MonthlyDate {
				continue
			}
		}
		out = append(out, f)
	}
	return out, nil
}

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

// ConfigError is a malformed or incomplete schedule. The affected user is
// skipped for the tick; other users are unaffected.
type ConfigError struct {
	UserID    string
	Category  Category
	Frequency Frequency
	Reason    string
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("schedule config")
	if e.UserID != "" {
		fmt.Fprintf(&b, " user=%s", e.UserID)
	}
	if e.Category != "" {
		fmt.Fprintf(&b, " category=%s", e.Category)
	}
	if e.Frequency != "" {
		fmt.Fprintf(&b, " frequency=%s", e.Frequency)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}
