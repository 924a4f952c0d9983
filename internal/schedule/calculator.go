// Package schedule computes trigger instants for cron, interval and one-shot jobs.
//
// The package is pure: nothing here reads the wall clock or mutates a job.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/0xPuncker/report-scheduler/pkg/types"
	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions and descriptors like "@hourly".
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

type Calculator struct {
	loc *time.Location
}

// NewCalculator evaluates cron expressions in loc. A nil loc means UTC.
func NewCalculator(loc *time.Location) *Calculator {
	if loc == nil {
		loc = time.UTC
	}
	return &Calculator{loc: loc}
}

// LoadCalculator resolves an IANA zone name; empty means UTC.
func LoadCalculator(timezone string) (*Calculator, error) {
	if strings.TrimSpace(timezone) == "" {
		return NewCalculator(time.UTC), nil
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", timezone, err)
	}
	return NewCalculator(loc), nil
}

func (c *Calculator) Location() *time.Location {
	return c.loc
}

// Validate checks the expression for kind without computing anything.
func (c *Calculator) Validate(kind types.ScheduleKind, expr string) error {
	switch kind {
	case types.ScheduleCron:
		_, err := parseCron(expr)
		return err
	case types.ScheduleInterval:
		_, err := ParseInterval(expr)
		return err
	case types.ScheduleOnce:
		_, err := ParseOnce(expr)
		return err
	}
	return fmt.Errorf("%w: unknown schedule kind %q", types.ErrInvalidScheduleExpression, kind)
}

// NextTrigger returns the next instant the job should fire, or nil when the
// schedule will never fire again.
//
// Cron fires strictly after ref. Interval fires at (lastRun or ref) plus the
// interval, so missed ticks never accumulate. Once fires at its instant if it
// has not run yet and the instant is not before ref, which callers set to the
// job's creation time.
func (c *Calculator) NextTrigger(kind types.ScheduleKind, expr string, ref time.Time, lastRun *time.Time) (*time.Time, error) {
	switch kind {
	case types.ScheduleCron:
		sched, err := parseCron(expr)
		if err != nil {
			return nil, err
		}
		next := sched.Next(ref.In(c.loc))
		if next.IsZero() {
			return nil, nil
		}
		next = next.UTC()
		return &next, nil

	case types.ScheduleInterval:
		every, err := ParseInterval(expr)
		if err != nil {
			return nil, err
		}
		base := ref
		if lastRun != nil {
			base = *lastRun
		}
		next := base.Add(every).UTC()
		return &next, nil

	case types.ScheduleOnce:
		at, err := ParseOnce(expr)
		if err != nil {
			return nil, err
		}
		if lastRun != nil || at.Before(ref) {
			return nil, nil
		}
		return &at, nil
	}
	return nil, fmt.Errorf("%w: unknown schedule kind %q", types.ErrInvalidScheduleExpression, kind)
}

func parseCron(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: cron expression required", types.ErrInvalidScheduleExpression)
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: cron %q: %v", types.ErrInvalidScheduleExpression, expr, err)
	}
	return sched, nil
}

// ParseInterval accepts whole seconds ("3600") or a Go duration ("1h").
func ParseInterval(expr string) (time.Duration, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return 0, fmt.Errorf("%w: interval required", types.ErrInvalidScheduleExpression)
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("%w: interval must be > 0", types.ErrInvalidScheduleExpression)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid interval %q (use seconds like '3600' or a duration like '1h')", types.ErrInvalidScheduleExpression, expr)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: interval must be > 0", types.ErrInvalidScheduleExpression)
	}
	return d, nil
}

// ParseOnce accepts an RFC3339 instant, with or without fractional seconds.
func ParseOnce(expr string) (time.Time, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: timestamp required", types.ErrInvalidScheduleExpression)
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid timestamp %q: %v", types.ErrInvalidScheduleExpression, expr, err)
	}
	return t.UTC(), nil
}

// FormatOnce renders an instant the way ParseOnce reads it back.
func FormatOnce(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
