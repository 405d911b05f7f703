// Package timeutil provides clocks and date-range helpers used by progress
// reports, pace deadlines and idempotency buckets.
package timeutil

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Clock is a source of the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock returns UTC wall-clock time.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock is a settable clock for tests and replays.
type FixedClock struct {
	mu sync.Mutex
	t  time.Time
}

// NewFixedClock returns a clock frozen at t.
func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{t: t.UTC()}
}

// Now implements Clock.
func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Set moves the clock to t.
func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t.UTC()
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// Date layouts accepted in query strings.
const (
	FormatDate     = "2006-01-02"
	FormatDateTime = time.RFC3339
)

// ErrInvalidRange is returned when From is after To.
var ErrInvalidRange = errors.New("date range start is after end")

// DateRange is an inclusive-exclusive interval [From, To).
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// NewDateRange validates and builds a range.
func NewDateRange(from, to time.Time) (DateRange, error) {
	if from.After(to) {
		return DateRange{}, ErrInvalidRange
	}
	return DateRange{From: from.UTC(), To: to.UTC()}, nil
}

// LastDays returns the range covering the n days before now, aligned to day start.
func LastDays(now time.Time, n int) DateRange {
	end := StartOfDay(now).AddDate(0, 0, 1)
	return DateRange{From: end.AddDate(0, 0, -n), To: end}
}

// Contains reports whether t falls inside the range.
func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.From) && t.Before(r.To)
}

// Days returns the number of whole days the range spans, rounded up.
func (r DateRange) Days() int {
	d := r.To.Sub(r.From)
	days := int(d / (24 * time.Hour))
	if d%(24*time.Hour) != 0 {
		days++
	}
	return days
}

// String renders the range for logs.
func (r DateRange) String() string {
	return fmt.Sprintf("%s..%s", r.From.Format(FormatDateTime), r.To.Format(FormatDateTime))
}

// ParseDateRange parses from/to query values. Either a date or an RFC3339 timestamp
// is accepted. A bare date for "to" is treated as the whole day.
func ParseDateRange(from, to string) (DateRange, error) {
	f, _, err := parseFlexible(from)
	if err != nil {
		return DateRange{}, fmt.Errorf("from: %w", err)
	}
	t, dateOnly, err := parseFlexible(to)
	if err != nil {
		return DateRange{}, fmt.Errorf("to: %w", err)
	}
	if dateOnly {
		t = t.AddDate(0, 0, 1)
	}
	return NewDateRange(f, t)
}

func parseFlexible(v string) (time.Time, bool, error) {
	if t, err := time.Parse(FormatDate, v); err == nil {
		return t.UTC(), true, nil
	}
	t, err := time.Parse(FormatDateTime, v)
	if err != nil {
		return time.Time{}, false, err
	}
	return t.UTC(), false, nil
}

// StartOfDay returns midnight UTC of t's day.
func StartOfDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// Bucket truncates t to the given bucket width. A zero width returns t unchanged.
func Bucket(t time.Time, width time.Duration) time.Time {
	if width <= 0 {
		return t.UTC()
	}
	return t.UTC().Truncate(width)
}

// MaxTime returns the later of a and b.
func MaxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
