// Package schedule parses the recurring schedules used by background jobs.
// A schedule is either a cron expression (including @hourly style macros)
// or a fixed interval written as "every 30m".
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

type Kind string

const (
	KindCron     Kind = "cron"
	KindInterval Kind = "interval"
)

type Schedule struct {
	Kind     Kind
	CronExpr string        // if Kind is cron
	Interval time.Duration // if Kind is interval
}

// Parse accepts "every <duration>" or a cron expression.
func Parse(raw string) (Schedule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Schedule{}, fmt.Errorf("empty schedule")
	}

	if rest, ok := strings.CutPrefix(strings.ToLower(raw), "every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return Schedule{}, fmt.Errorf("invalid interval %q: %w", rest, err)
		}
		if d < time.Second {
			return Schedule{}, fmt.Errorf("interval must be at least 1s, got %s", d)
		}
		return Schedule{Kind: KindInterval, Interval: d}, nil
	}

	if !gronx.New().IsValid(raw) {
		return Schedule{}, fmt.Errorf("invalid cron expression: %s", raw)
	}
	return Schedule{Kind: KindCron, CronExpr: raw}, nil
}

// Next returns the first run strictly after after.
func (s Schedule) Next(after time.Time) (time.Time, error) {
	switch s.Kind {
	case KindCron:
		return gronx.NextTickAfter(s.CronExpr, after, false)
	case KindInterval:
		return after.Add(s.Interval), nil
	}
	return time.Time{}, fmt.Errorf("unknown schedule kind: %q", s.Kind)
}

// String returns a human-readable description.
func (s Schedule) String() string {
	switch s.Kind {
	case KindCron:
		return s.CronExpr
	case KindInterval:
		d := s.Interval
		switch {
		case d%time.Hour == 0:
			h := int(d.Hours())
			if h == 1 {
				return "Every hour"
			}
			return fmt.Sprintf("Every %d hours", h)
		case d%time.Minute == 0:
			m := int(d.Minutes())
			if m == 1 {
				return "Every minute"
			}
			return fmt.Sprintf("Every %d minutes", m)
		default:
			return fmt.Sprintf("Every %d seconds", int(d.Seconds()))
		}
	}
	return "unknown schedule"
}
