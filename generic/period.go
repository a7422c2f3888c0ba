package generic

import "time"

// =============================================================================
// PERIOD - Allocation windows
// =============================================================================

// Period is a closed time window [Start, End].
// The monthly allowance uses calendar-month periods.
type Period struct {
	Start time.Time
	End   time.Time
}

// MonthOf returns the calendar month (UTC) containing t.
func MonthOf(t time.Time) Period {
	t = t.UTC()
	return Period{
		Start: StartOfMonth(t.Year(), t.Month()),
		End:   EndOfMonth(t.Year(), t.Month()),
	}
}

// Contains returns true if t is within [Start, End].
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && !t.After(p.End)
}

// NextPeriod returns the calendar month after this one.
func (p Period) NextPeriod() Period {
	return MonthOf(p.End.Add(time.Nanosecond))
}

func (p Period) String() string {
	return "[" + p.Start.Format("2006-01-02") + ", " + p.End.Format("2006-01-02") + "]"
}

// EligibleForAllocation reports whether a principal last allocated at `last`
// may receive another allocation at `now`. Nil means never allocated.
func EligibleForAllocation(last *time.Time, now time.Time) bool {
	if last == nil {
		return true
	}
	return !SameCalendarMonth(*last, now)
}
