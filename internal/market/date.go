package market

import (
	"fmt"
	"time"
)

// DateLayout is the canonical day format used in configs, checkpoints and reports
const DateLayout = "2006-01-02"

// Date is a calendar day without time-of-day or location.
// The zero value is "no date".
type Date struct {
	year  int
	month time.Month
	day   int
}

// NewDate normalizes y/m/d (so NewDate(2024, 1, 32) is 2024-02-01)
func NewDate(year int, month time.Month, day int) Date {
	return DateOf(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

// DateOf returns the calendar day of t in t's own location
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{year: y, month: m, day: d}
}

// ParseDate parses YYYY-MM-DD
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// MustParseDate is ParseDate for literals in tests and defaults
func MustParseDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (d Date) IsZero() bool { return d.year == 0 && d.month == 0 && d.day == 0 }

// Time returns midnight UTC of the day
func (d Date) Time() time.Time {
	return time.Date(d.year, d.month, d.day, 0, 0, 0, 0, time.UTC)
}

func (d Date) Year() int             { return d.year }
func (d Date) Month() time.Month     { return d.month }
func (d Date) Day() int              { return d.day }
func (d Date) Weekday() time.Weekday { return d.Time().Weekday() }

func (d Date) AddDays(n int) Date {
	return NewDate(d.year, d.month, d.day+n)
}

// Compare returns -1, 0 or +1
func (d Date) Compare(o Date) int {
	switch {
	case d.year != o.year:
		return cmpInt(d.year, o.year)
	case d.month != o.month:
		return cmpInt(int(d.month), int(o.month))
	default:
		return cmpInt(d.day, o.day)
	}
}

func (d Date) Before(o Date) bool { return d.Compare(o) < 0 }
func (d Date) After(o Date) bool  { return d.Compare(o) > 0 }

// DaysUntil returns the number of calendar days from d to o (negative if o is earlier)
func (d Date) DaysUntil(o Date) int {
	return int(o.Time().Sub(d.Time()).Hours() / 24)
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Time().Format(DateLayout)
}

// Compact renders YYYYMMDD, the form most upstream APIs accept
func (d Date) Compact() string {
	return d.Time().Format("20060102")
}

func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Date) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// MinDate returns the earlier of a and b, ignoring zero values
func MinDate(a, b Date) Date {
	if a.IsZero() {
		return b
	}
	if b.IsZero() || a.Before(b) {
		return a
	}
	return b
}

// MaxDate returns the later of a and b, ignoring zero values
func MaxDate(a, b Date) Date {
	if a.IsZero() {
		return b
	}
	if b.IsZero() || a.After(b) {
		return a
	}
	return b
}

// DateRange is an inclusive [Start, End] span of days
type DateRange struct {
	Start Date `json:"start"`
	End   Date `json:"end"`
}

func NewDateRange(start, end Date) DateRange {
	return DateRange{Start: start, End: end}
}

// Empty reports whether the range contains no days
func (r DateRange) Empty() bool {
	return r.Start.IsZero() || r.End.IsZero() || r.End.Before(r.Start)
}

func (r DateRange) Contains(d Date) bool {
	return !r.Empty() && !d.Before(r.Start) && !d.After(r.End)
}

// Intersect returns the overlap of r and o; the result may be Empty
func (r DateRange) Intersect(o DateRange) DateRange {
	return DateRange{Start: MaxDate(r.Start, o.Start), End: MinDate(r.End, o.End)}
}

// Days returns the number of calendar days in the range
func (r DateRange) Days() int {
	if r.Empty() {
		return 0
	}
	return r.Start.DaysUntil(r.End) + 1
}

func (r DateRange) String() string {
	return r.Start.String() + ".." + r.End.String()
}

// ParseDateRange parses "YYYY-MM-DD..YYYY-MM-DD" or a single day
func ParseDateRange(s string) (DateRange, error) {
	for i := 0; i+1 < len(s); i++ {
		if s[i] == '.' && s[i+1] == '.' {
			start, err := ParseDate(s[:i])
			if err != nil {
				return DateRange{}, err
			}
			end, err := ParseDate(s[i+2:])
			if err != nil {
				return DateRange{}, err
			}
			r := DateRange{Start: start, End: end}
			if r.Empty() {
				return DateRange{}, fmt.Errorf("empty date range %q", s)
			}
			return r, nil
		}
	}
	d, err := ParseDate(s)
	if err != nil {
		return DateRange{}, err
	}
	return DateRange{Start: d, End: d}, nil
}
