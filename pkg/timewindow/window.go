// Package timewindow provides half-open UTC intervals and the timezone
// helpers the scheduling engine needs to reason about working hours.
package timewindow

import (
	"fmt"
	"time"
)

// Window is the half-open interval [Start, End) in UTC.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// New returns the window [start, end) normalised to UTC.
func New(start, end time.Time) Window {
	return Window{Start: start.UTC(), End: end.UTC()}
}

// FromDuration returns the window that starts at start and lasts d.
func FromDuration(start time.Time, d time.Duration) Window {
	return New(start, start.Add(d))
}

// Valid reports whether Start is strictly before End.
func (w Window) Valid() bool {
	return w.Start.Before(w.End)
}

// Duration returns End - Start.
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Overlaps reports whether the two half-open windows intersect. Windows that
// only touch (a.End == b.Start) do not overlap.
func (w Window) Overlaps(other Window) bool {
	return w.Start.Before(other.End) && other.Start.Before(w.End)
}

// Shift moves both bounds by delta.
func (w Window) Shift(delta time.Duration) Window {
	return Window{Start: w.Start.Add(delta), End: w.End.Add(delta)}
}

// Local is a window expressed as wall-clock times in a specific zone.
type Local struct {
	Start    time.Time
	End      time.Time
	Location *time.Location
}

// ToLocal converts the window into the named IANA zone.
func (w Window) ToLocal(zone string) (Local, error) {
	loc, err := LoadZone(zone)
	if err != nil {
		return Local{}, err
	}
	return w.InZone(loc), nil
}

// InZone converts the window into loc.
func (w Window) InZone(loc *time.Location) Local {
	return Local{Start: w.Start.In(loc), End: w.End.In(loc), Location: loc}
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}

// LoadZone resolves an IANA zone name. An empty name means UTC.
func LoadZone(zone string) (*time.Location, error) {
	if zone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", zone, err)
	}
	return loc, nil
}
