package scheduler

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// INTERVAL
// ══════════════════════════════════════════════════════════════════════════════

// IntervalSchedule runs a job every Interval, measured from the last start.
type IntervalSchedule struct {
	Interval time.Duration
}

// Every creates an IntervalSchedule.
func Every(interval time.Duration) IntervalSchedule {
	return IntervalSchedule{Interval: interval}
}

// Next implements Schedule.
func (s IntervalSchedule) Next(t time.Time) time.Time {
	return t.Add(s.Interval)
}

func (s IntervalSchedule) String() string {
	return "@every " + s.Interval.String()
}

// ══════════════════════════════════════════════════════════════════════════════
// CRON
// ══════════════════════════════════════════════════════════════════════════════

// CronExpression is a parsed five-field cron expression:
// minute hour day-of-month month day-of-week. Fields accept *, */n, n, n-m,
// n-m/s and comma lists of those.
//
//	"*/15 * * * *"  every 15 minutes
//	"0 3 * * *"     daily at 03:00
type CronExpression struct {
	raw    string
	fields [5][]int
}

var cronBounds = [5][2]int{
	{0, 59}, // minute
	{0, 23}, // hour
	{1, 31}, // day of month
	{1, 12}, // month
	{0, 6},  // day of week, 0 = Sunday
}

var cronFieldNames = [5]string{"minute", "hour", "day", "month", "weekday"}

// ParseCron parses expr.
func ParseCron(expr string) (*CronExpression, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return nil, fmt.Errorf("cron %q: expected 5 fields, got %d", expr, len(parts))
	}
	ce := &CronExpression{raw: expr}
	for i, p := range parts {
		vals, err := parseCronField(p, cronBounds[i][0], cronBounds[i][1])
		if err != nil {
			return nil, fmt.Errorf("cron %q: %s field: %w", expr, cronFieldNames[i], err)
		}
		ce.fields[i] = vals
	}
	return ce, nil
}

// MustParseCron parses a constant expression or panics.
func MustParseCron(expr string) *CronExpression {
	ce, err := ParseCron(expr)
	if err != nil {
		panic(err)
	}
	return ce
}

func parseCronField(field string, lo, hi int) ([]int, error) {
	var out []int
	for _, item := range strings.Split(field, ",") {
		vals, err := parseCronItem(item, lo, hi)
		if err != nil {
			return nil, err
		}
		out = append(out, vals...)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

func parseCronItem(item string, lo, hi int) ([]int, error) {
	rng, stepStr, hasStep := strings.Cut(item, "/")
	step := 1
	if hasStep {
		s, err := strconv.Atoi(stepStr)
		if err != nil || s <= 0 {
			return nil, fmt.Errorf("invalid step %q", stepStr)
		}
		step = s
	}

	start, end := lo, hi
	switch {
	case rng == "*":
	case strings.Contains(rng, "-"):
		a, b, _ := strings.Cut(rng, "-")
		var err error
		if start, err = cronValue(a, lo, hi); err != nil {
			return nil, err
		}
		if end, err = cronValue(b, lo, hi); err != nil {
			return nil, err
		}
		if start > end {
			return nil, fmt.Errorf("empty range %q", rng)
		}
	default:
		v, err := cronValue(rng, lo, hi)
		if err != nil {
			return nil, err
		}
		start = v
		if !hasStep {
			end = v
		}
	}

	var out []int
	for v := start; v <= end; v += step {
		out = append(out, v)
	}
	return out, nil
}

func cronValue(s string, lo, hi int) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	if v < lo || v > hi {
		return 0, fmt.Errorf("value %d out of range [%d-%d]", v, lo, hi)
	}
	return v, nil
}

func (ce *CronExpression) String() string {
	return ce.raw
}

// Next returns the first matching minute strictly after t. A zero time means
// no match within a year.
func (ce *CronExpression) Next(t time.Time) time.Time {
	next := t.Truncate(time.Minute).Add(time.Minute)
	const horizon = 366 * 24 * 60
	for i := 0; i < horizon; i++ {
		if ce.matches(next) {
			return next
		}
		next = next.Add(time.Minute)
	}
	return time.Time{}
}

func (ce *CronExpression) matches(t time.Time) bool {
	return slices.Contains(ce.fields[0], t.Minute()) &&
		slices.Contains(ce.fields[1], t.Hour()) &&
		slices.Contains(ce.fields[2], t.Day()) &&
		slices.Contains(ce.fields[3], int(t.Month())) &&
		slices.Contains(ce.fields[4], int(t.Weekday()))
}

// ParseSchedule accepts either a cron expression or "@every <duration>".
func ParseSchedule(spec string) (Schedule, error) {
	if d, ok := strings.CutPrefix(strings.TrimSpace(spec), "@every "); ok {
		interval, err := time.ParseDuration(strings.TrimSpace(d))
		if err != nil || interval <= 0 {
			return nil, fmt.Errorf("schedule %q: invalid interval", spec)
		}
		return Every(interval), nil
	}
	return ParseCron(spec)
}
