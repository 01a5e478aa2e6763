package generic

import (
	"time"
)

// =============================================================================
// TIME POINT - Instant at which an engine event happened
// =============================================================================

// TimePoint is always UTC. Cycle completions and ledger entries are keyed
// by it, and SQL stores persist it as RFC3339Nano text.
type TimePoint struct {
	Time time.Time
}

func At(t time.Time) TimePoint { return TimePoint{Time: t.UTC()} }

func Date(year int, month time.Month, day int) TimePoint {
	return TimePoint{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

func ParseTimePoint(s string) (TimePoint, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return TimePoint{}, err
	}
	return At(t), nil
}

// Comparison
func (tp TimePoint) Before(other TimePoint) bool        { return tp.Time.Before(other.Time) }
func (tp TimePoint) Equal(other TimePoint) bool         { return tp.Time.Equal(other.Time) }
func (tp TimePoint) After(other TimePoint) bool         { return tp.Time.After(other.Time) }
func (tp TimePoint) BeforeOrEqual(other TimePoint) bool { return !tp.After(other) }
func (tp TimePoint) AfterOrEqual(other TimePoint) bool  { return !tp.Before(other) }
func (tp TimePoint) IsZero() bool                       { return tp.Time.IsZero() }

func (tp TimePoint) String() string { return tp.Time.Format(time.RFC3339Nano) }

// =============================================================================
// CLOCK - Injected so evaluations are reproducible in tests
// =============================================================================

type Clock interface {
	Now() TimePoint
}

type SystemClock struct{}

func (SystemClock) Now() TimePoint { return At(time.Now()) }

// FixedClock always returns the same instant.
type FixedClock struct {
	T TimePoint
}

func (c FixedClock) Now() TimePoint { return c.T }
