package cron

import (
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

// dstRetryAttempts bounds the forward scan past non-future cron results
// around DST transitions.
const dstRetryAttempts = 3

// ComputeNextRun returns the next run time in unix ms for a schedule, or 0
// when the schedule has no future run (a one-shot whose time has passed).
func ComputeNextRun(s Schedule, now time.Time) (int64, error) {
	nowMs := now.UnixMilli()

	switch s.Kind {
	case "at":
		// Only valid strictly in the future; a past "at" has no next run.
		if s.AtMs > nowMs {
			return s.AtMs, nil
		}
		return 0, nil

	case "every":
		if s.EveryMs <= 0 {
			return 0, fmt.Errorf("every schedule needs a positive interval, got %d", s.EveryMs)
		}
		anchor := s.AnchorMs
		delta := nowMs - anchor
		if delta < 0 {
			return anchor, nil
		}
		// anchor + ceil((now-anchor)/interval)*interval
		n := (delta + s.EveryMs - 1) / s.EveryMs
		return anchor + n*s.EveryMs, nil

	case "cron":
		loc := time.Local
		if s.TZ != "" {
			l, err := time.LoadLocation(s.TZ)
			if err != nil {
				return 0, fmt.Errorf("cron schedule timezone %q: %w", s.TZ, err)
			}
			loc = l
		}
		if !gronx.New().IsValid(s.Expr) {
			return 0, fmt.Errorf("invalid cron expression %q", s.Expr)
		}
		// DST edges can yield a non-future tick; scan forward a bounded
		// number of one-second cursor increments.
		cursor := now.In(loc)
		for attempt := 0; attempt < dstRetryAttempts; attempt++ {
			next, err := gronx.NextTickAfter(s.Expr, cursor, false)
			if err != nil {
				return 0, fmt.Errorf("cron expression %q: %w", s.Expr, err)
			}
			if next.UnixMilli() > nowMs {
				return next.UnixMilli(), nil
			}
			cursor = cursor.Add(time.Second)
		}
		return 0, fmt.Errorf("cron expression %q produced no future run", s.Expr)

	default:
		return 0, fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
}
