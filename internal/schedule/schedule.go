// Package schedule parses the directive schedules stored with each
// scheduled task and computes their next run.
package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

type Kind string

const (
	KindCron     Kind = "cron"
	KindInterval Kind = "interval"
	KindOnce     Kind = "once"
)

// Spec is the stored JSON form of a schedule.
type Spec struct {
	Kind       Kind   `json:"kind"`
	CronExpr   string `json:"cron_expr,omitempty"`   // kind=cron
	IntervalMs int64  `json:"interval_ms,omitempty"` // kind=interval
	AtMs       int64  `json:"at_ms,omitempty"`       // kind=once, unix ms
}

var ErrInvalid = errors.New("invalid schedule")

// Parse decodes and validates a stored schedule.
func Parse(raw string) (*Spec, error) {
	var s Spec
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Spec) Validate() error {
	switch s.Kind {
	case KindCron:
		if !gronx.New().IsValid(s.CronExpr) {
			return fmt.Errorf("%w: cron expression %q", ErrInvalid, s.CronExpr)
		}
	case KindInterval:
		if s.IntervalMs <= 0 {
			return fmt.Errorf("%w: interval_ms must be positive", ErrInvalid)
		}
	case KindOnce:
		if s.AtMs <= 0 {
			return fmt.Errorf("%w: at_ms must be positive", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalid, s.Kind)
	}
	return nil
}

// Next returns the first run strictly after after, or nil when the
// schedule will not run again.
func (s *Spec) Next(after time.Time) *time.Time {
	var next time.Time
	switch s.Kind {
	case KindCron:
		t, err := gronx.NextTickAfter(s.CronExpr, after, false)
		if err != nil {
			return nil
		}
		next = t
	case KindInterval:
		next = after.Add(time.Duration(s.IntervalMs) * time.Millisecond)
	case KindOnce:
		t := time.UnixMilli(s.AtMs)
		if !t.After(after) {
			return nil
		}
		next = t
	default:
		return nil
	}
	next = next.UTC()
	return &next
}

// NextRun is Next for a stored schedule; invalid schedules never run.
func NextRun(raw string, after time.Time) *time.Time {
	s, err := Parse(raw)
	if err != nil {
		return nil
	}
	return s.Next(after)
}

// Normalize accepts either the JSON form or a bare cron expression and
// returns the JSON form.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") {
		if _, err := Parse(raw); err != nil {
			return "", err
		}
		return raw, nil
	}

	s := Spec{Kind: KindCron, CronExpr: raw}
	if err := s.Validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Describe renders a stored schedule for humans.
func Describe(raw string) string {
	s, err := Parse(raw)
	if err != nil {
		return raw
	}
	switch s.Kind {
	case KindCron:
		return "cron " + s.CronExpr
	case KindInterval:
		d := time.Duration(s.IntervalMs) * time.Millisecond
		switch {
		case d >= time.Hour && d%time.Hour == 0:
			if d == time.Hour {
				return "every hour"
			}
			return fmt.Sprintf("every %d hours", int(d.Hours()))
		case d >= time.Minute && d%time.Minute == 0:
			if d == time.Minute {
				return "every minute"
			}
			return fmt.Sprintf("every %d minutes", int(d.Minutes()))
		default:
			return "every " + d.String()
		}
	default:
		return "once at " + time.UnixMilli(s.AtMs).UTC().Format(time.RFC3339)
	}
}
