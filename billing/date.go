package billing

import (
	"time"
)

// =============================================================================
// DAY DATE - Day-granularity calendar date (all billing is per-day)
// =============================================================================

// DayDate is a calendar date normalized to UTC midnight. Attendance records,
// mess charges and reduction windows are all keyed by DayDate.
type DayDate struct {
	Time time.Time
}

// Constructors
func NewDayDate(year int, month time.Month, day int) DayDate {
	return DayDate{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

func DayOf(t time.Time) DayDate {
	u := t.UTC()
	return NewDayDate(u.Year(), u.Month(), u.Day())
}

func TodayDate() DayDate { return DayOf(time.Now()) }

// ParseDayDate parses "YYYY-MM-DD".
func ParseDayDate(s string) (DayDate, error) {
	t, err := time.ParseInLocation("2006-01-02", s, time.UTC)
	if err != nil {
		return DayDate{}, &ValidationError{Field: "date", Reason: "expected YYYY-MM-DD: " + err.Error()}
	}
	return DayDate{Time: t}, nil
}

// Comparison
func (d DayDate) Before(other DayDate) bool        { return d.normalize().Before(other.normalize()) }
func (d DayDate) After(other DayDate) bool         { return d.normalize().After(other.normalize()) }
func (d DayDate) Equal(other DayDate) bool         { return d.normalize().Equal(other.normalize()) }
func (d DayDate) BeforeOrEqual(other DayDate) bool { return d.Before(other) || d.Equal(other) }
func (d DayDate) AfterOrEqual(other DayDate) bool  { return d.After(other) || d.Equal(other) }

func (d DayDate) normalize() time.Time {
	return time.Date(d.Time.Year(), d.Time.Month(), d.Time.Day(), 0, 0, 0, 0, time.UTC)
}

// Arithmetic and properties
func (d DayDate) AddDays(n int) DayDate { return DayDate{Time: d.Time.AddDate(0, 0, n)} }
func (d DayDate) Year() int             { return d.Time.Year() }
func (d DayDate) Month() time.Month     { return d.Time.Month() }
func (d DayDate) Day() int              { return d.Time.Day() }
func (d DayDate) IsZero() bool          { return d.Time.IsZero() }

func (d DayDate) String() string { return d.normalize().Format("2006-01-02") }

// =============================================================================
// BILLING MONTH - The period all rates and fees are scoped to
// =============================================================================

// BillingMonth is a (month, year) pair. Month is 1-12 to match the wire and
// storage representation; convert via time.Month only at the edges.
type BillingMonth struct {
	Month int
	Year  int
}

// NewBillingMonth validates and builds a billing month.
func NewBillingMonth(month, year int) (BillingMonth, error) {
	if month < 1 || month > 12 {
		return BillingMonth{}, &ValidationError{Field: "month", Reason: "must be 1-12"}
	}
	if year < 1000 || year > 9999 {
		return BillingMonth{}, &ValidationError{Field: "year", Reason: "must be a four-digit year"}
	}
	return BillingMonth{Month: month, Year: year}, nil
}

// MonthOf returns the billing month containing a date.
func MonthOf(d DayDate) BillingMonth {
	return BillingMonth{Month: int(d.Month()), Year: d.Year()}
}

// Start returns the first day of the month.
func (m BillingMonth) Start() DayDate {
	return NewDayDate(m.Year, time.Month(m.Month), 1)
}

// End returns the last day of the month.
func (m BillingMonth) End() DayDate {
	return DayDate{Time: time.Date(m.Year, time.Month(m.Month)+1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)}
}

// Contains reports whether d falls inside the month.
func (m BillingMonth) Contains(d DayDate) bool {
	return d.AfterOrEqual(m.Start()) && d.BeforeOrEqual(m.End())
}

// After reports whether m is strictly later than other.
func (m BillingMonth) After(other BillingMonth) bool {
	if m.Year != other.Year {
		return m.Year > other.Year
	}
	return m.Month > other.Month
}

func (m BillingMonth) String() string {
	return m.Start().Time.Format("2006-01")
}
