package generic

import (
	"fmt"
	"time"
)

// =============================================================================
// CLOSING PERIOD - The window a compensation run credits
// =============================================================================

// PeriodID names a monthly closing period, e.g. "2025-03".
type PeriodID string

const periodLayout = "2006-01"

// Period is the half-open interval [Start, End) of one closing.
//
// Examples:
//   - "2025-03": Mar 1 00:00 UTC up to Apr 1 00:00 UTC
//   - "2024-12": Dec 1 00:00 UTC up to Jan 1 00:00 UTC
type Period struct {
	ID    PeriodID
	Start TimePoint
	End   TimePoint
}

// ParsePeriod resolves a period ID into its boundaries.
func ParsePeriod(id PeriodID) (Period, error) {
	t, err := time.Parse(periodLayout, string(id))
	if err != nil {
		return Period{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, id)
	}
	return monthPeriod(t.Year(), t.Month()), nil
}

// PeriodFor returns the closing period that contains t.
func PeriodFor(t TimePoint) Period {
	return monthPeriod(t.Time.Year(), t.Time.Month())
}

func monthPeriod(year int, month time.Month) Period {
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return Period{
		ID:    PeriodID(start.Format(periodLayout)),
		Start: TimePoint{Time: start},
		End:   TimePoint{Time: start.AddDate(0, 1, 0)},
	}
}

// Contains returns true if t is within [Start, End).
func (p Period) Contains(t TimePoint) bool {
	return t.AfterOrEqual(p.Start) && t.Before(p.End)
}

// Closed reports whether the period is over at now.
func (p Period) Closed(now TimePoint) bool {
	return now.AfterOrEqual(p.End)
}

// LastInstant is the latest instant still inside the period; plan versions
// are resolved against it.
func (p Period) LastInstant() TimePoint {
	return TimePoint{Time: p.End.Time.Add(-time.Nanosecond)}
}

// Next returns the period following this one.
func (p Period) Next() Period {
	return PeriodFor(p.End)
}

// Previous returns the period before this one.
func (p Period) Previous() Period {
	return PeriodFor(TimePoint{Time: p.Start.Time.Add(-time.Nanosecond)})
}

func (p Period) String() string {
	return fmt.Sprintf("%s [%s, %s)", p.ID, p.Start.Time.Format("2006-01-02"), p.End.Time.Format("2006-01-02"))
}
