package generic

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// =============================================================================
// DAY - Calendar date without time of day
// =============================================================================

// Day is a calendar date. Expiry and business dates are compared at day
// granularity, never date-time: a lot expiring today is still sellable today.
type Day struct {
	Time time.Time
}

const dayLayout = "2006-01-02"

func NewDay(year int, month time.Month, day int) Day {
	return Day{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DayOf truncates t to its calendar day in t's own location.
func DayOf(t time.Time) Day {
	return NewDay(t.Year(), t.Month(), t.Day())
}

func ParseDay(s string) (Day, error) {
	t, err := time.Parse(dayLayout, s)
	if err != nil {
		return Day{}, fmt.Errorf("%w: bad date %q", ErrInvalidInput, s)
	}
	return DayOf(t), nil
}

// Comparison
func (d Day) Before(other Day) bool        { return d.Time.Before(other.Time) }
func (d Day) After(other Day) bool         { return d.Time.After(other.Time) }
func (d Day) Equal(other Day) bool         { return d.Time.Equal(other.Time) }
func (d Day) BeforeOrEqual(other Day) bool { return !d.After(other) }

// Arithmetic
func (d Day) AddDays(n int) Day   { return DayOf(d.Time.AddDate(0, 0, n)) }
func (d Day) AddMonths(n int) Day { return DayOf(d.Time.AddDate(0, n, 0)) }

func (d Day) IsZero() bool   { return d.Time.IsZero() }
func (d Day) String() string { return d.Time.Format(dayLayout) }

// MonthKey returns the audit period key for the month containing d ("2026-10").
func (d Day) MonthKey() string { return d.Time.Format("2006-01") }

func (d Day) MarshalText() ([]byte, error) {
	if d.IsZero() {
		return []byte{}, nil
	}
	return []byte(d.String()), nil
}

func (d *Day) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = Day{}
		return nil
	}
	parsed, err := ParseDay(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Value stores a Day as "YYYY-MM-DD" text.
func (d Day) Value() (driver.Value, error) {
	if d.IsZero() {
		return nil, nil
	}
	return d.String(), nil
}

// DayPtr is a convenience for optional dates.
func DayPtr(d Day) *Day { return &d }

// =============================================================================
// DATE RANGE
// =============================================================================

// DateRange is inclusive on both ends. A zero bound is open.
type DateRange struct {
	From Day
	To   Day
}

func (r DateRange) Contains(d Day) bool {
	if !r.From.IsZero() && d.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && d.After(r.To) {
		return false
	}
	return true
}

// MonthRange returns the first and last day of the month containing d.
func MonthRange(d Day) DateRange {
	first := NewDay(d.Time.Year(), d.Time.Month(), 1)
	return DateRange{From: first, To: first.AddMonths(1).AddDays(-1)}
}
