package timewindow

import (
	"fmt"
	"time"
)

// Clock is a wall-clock time of day with minute precision.
type Clock struct {
	Hour   int
	Minute int
}

// ParseClock parses "HH:MM" (an optional ":SS" suffix is accepted and
// ignored when zero).
func ParseClock(s string) (Clock, error) {
	for _, layout := range []string{"15:04", "15:04:05"} {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		if t.Second() != 0 {
			return Clock{}, fmt.Errorf("clock %q: seconds are not supported", s)
		}
		return Clock{Hour: t.Hour(), Minute: t.Minute()}, nil
	}
	return Clock{}, fmt.Errorf("invalid clock %q: want HH:MM", s)
}

// Before reports whether c is strictly earlier in the day than other.
func (c Clock) Before(other Clock) bool {
	if c.Hour != other.Hour {
		return c.Hour < other.Hour
	}
	return c.Minute < other.Minute
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// CombineDateClock returns the instant at clock c on the calendar date of
// day, interpreted in loc.
func CombineDateClock(day time.Time, c Clock, loc *time.Location) time.Time {
	y, m, d := day.In(loc).Date()
	return time.Date(y, m, d, c.Hour, c.Minute, 0, 0, loc)
}
