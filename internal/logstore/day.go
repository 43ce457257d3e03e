package logstore

import (
	"fmt"
	"time"

	"github.com/srg/snoozy/internal/codec"
)

// Day is a calendar-date key in YYYY-MM-DD form.
type Day string

// DayOf returns the local calendar day of t.
func DayOf(t time.Time) Day {
	return Day(t.Format(codec.DayLayout))
}

// Today returns the current local calendar day.
func Today() Day {
	return DayOf(time.Now())
}

// ParseDay validates s as a YYYY-MM-DD date.
func ParseDay(s string) (Day, error) {
	t, err := time.ParseInLocation(codec.DayLayout, s, time.Local)
	if err != nil {
		return "", fmt.Errorf("invalid day %q: expected YYYY-MM-DD", s)
	}
	return DayOf(t), nil
}

// Time returns local midnight of the day.
func (d Day) Time() time.Time {
	t, err := time.ParseInLocation(codec.DayLayout, string(d), time.Local)
	if err != nil {
		return time.Time{}
	}
	return t
}

// AddDays returns the day n calendar days away.
func (d Day) AddDays(n int) Day {
	return DayOf(d.Time().AddDate(0, 0, n))
}

func (d Day) String() string { return string(d) }
