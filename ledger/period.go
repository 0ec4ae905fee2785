package ledger

import (
	"fmt"
	"time"

	"github.com/c360/fedmeter/errors"
)

// Period is a half-open time interval [Start, End) that snapshots and cost
// aggregates are computed over.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Validate checks the period invariant End > Start
func (p Period) Validate() error {
	if !p.End.After(p.Start) {
		return fmt.Errorf("%w: end %s not after start %s", errors.ErrEmptyPeriod, p.End, p.Start)
	}
	return nil
}

// Duration returns the period length
func (p Period) Duration() time.Duration {
	return p.End.Sub(p.Start)
}

// Contains reports whether t falls within the period
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Overlaps reports whether the window [start, end) intersects the period
func (p Period) Overlaps(start, end time.Time) bool {
	return start.Before(p.End) && end.After(p.Start)
}

// ElapsedFraction returns how much of the period has elapsed at now, clamped
// to [0, 1].
func (p Period) ElapsedFraction(now time.Time) float64 {
	total := p.End.Sub(p.Start)
	if total <= 0 {
		return 1
	}
	elapsed := now.Sub(p.Start)
	if elapsed <= 0 {
		return 0
	}
	if elapsed >= total {
		return 1
	}
	return float64(elapsed) / float64(total)
}

// Previous returns the immediately preceding period of equal length
func (p Period) Previous() Period {
	d := p.Duration()
	return Period{Start: p.Start.Add(-d), End: p.Start}
}

// MonthOf returns the calendar-month period containing t (UTC)
func MonthOf(t time.Time) Period {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.AddDate(0, 1, 0)}
}

// DayOf returns the calendar-day period containing t (UTC)
func DayOf(t time.Time) Period {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.AddDate(0, 0, 1)}
}

// Trailing returns the period [now-d, now)
func Trailing(now time.Time, d time.Duration) Period {
	return Period{Start: now.Add(-d), End: now}
}
