// Package tradingday maps instants onto calendar trading days in a fixed
// reference timezone. All conversions go through the IANA zone database so
// daylight-saving transitions are honoured; fixed UTC offsets are never used.
package tradingday

import (
	"fmt"
	"time"
)

// DefaultZone is the broker's accounting timezone.
const DefaultZone = "Europe/Prague"

const layout = "2006-01-02"

// Day is a civil date. The zero value means "no day".
type Day struct {
	Year  int
	Month time.Month
	Day   int
}

// LoadLocation resolves an IANA zone name. An empty name means DefaultZone.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		name = DefaultZone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", name, err)
	}
	return loc, nil
}

// For returns the trading day containing instant in loc. The host's local
// timezone plays no part.
func For(instant time.Time, loc *time.Location) Day {
	y, m, d := instant.In(loc).Date()
	return Day{Year: y, Month: m, Day: d}
}

// ParseDay parses YYYY-MM-DD.
func ParseDay(s string) (Day, error) {
	t, err := time.Parse(layout, s)
	if err != nil {
		return Day{}, fmt.Errorf("invalid trading day %q: %w", s, err)
	}
	return fromTime(t), nil
}

func fromTime(t time.Time) Day {
	y, m, d := t.Date()
	return Day{Year: y, Month: m, Day: d}
}

func (d Day) String() string {
	if d.IsZero() {
		return ""
	}
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

func (d Day) IsZero() bool { return d == Day{} }

// Start returns local midnight of d in loc.
func (d Day) Start(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// AddDays moves d by n calendar days.
func (d Day) AddDays(n int) Day {
	return fromTime(time.Date(d.Year, d.Month, d.Day+n, 12, 0, 0, 0, time.UTC))
}

func (d Day) Next() Day { return d.AddDays(1) }
func (d Day) Prev() Day { return d.AddDays(-1) }

// Compare returns -1, 0 or +1.
func (d Day) Compare(o Day) int {
	switch {
	case d.Year != o.Year:
		return sign(d.Year - o.Year)
	case d.Month != o.Month:
		return sign(int(d.Month) - int(o.Month))
	default:
		return sign(d.Day - o.Day)
	}
}

func (d Day) Before(o Day) bool { return d.Compare(o) < 0 }
func (d Day) After(o Day) bool  { return d.Compare(o) > 0 }

func sign(v int) int {
	switch {
	case v < 0:
		return -1
	case v > 0:
		return 1
	}
	return 0
}

func (d Day) MarshalText() ([]byte, error) {
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

// NextMidnight returns the start of the trading day after the one containing now.
func NextMidnight(now time.Time, loc *time.Location) time.Time {
	return For(now, loc).Next().Start(loc)
}

// MinutesUntilMidnight is the whole number of minutes before the next day boundary.
func MinutesUntilMidnight(now time.Time, loc *time.Location) int {
	delta := NextMidnight(now, loc).Sub(now)
	if delta < 0 {
		return 0
	}
	return int(delta / time.Minute)
}

// InMidnightWindow reports whether now falls within window minutes of the boundary.
func InMidnightWindow(now time.Time, loc *time.Location, window int) bool {
	if window <= 0 {
		return false
	}
	return MinutesUntilMidnight(now, loc) <= window
}

// Range lists every day from first to last inclusive. It returns nil when
// last is before first.
func Range(first, last Day) []Day {
	var days []Day
	for d := first; !d.After(last); d = d.Next() {
		days = append(days, d)
	}
	return days
}
