package scheduling

import (
	"fmt"
	"time"

	"github.com/medibook/medibook/pkg/timewindow"
)

// Policy holds the slot rules that apply to every doctor.
type Policy struct {
	MinDuration  time.Duration
	MaxDuration  time.Duration
	IntervalStep time.Duration
	// MaxAdvance is how far ahead of now a slot may start.
	MaxAdvance time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MinDuration:  30 * time.Minute,
		MaxDuration:  180 * time.Minute,
		IntervalStep: 30 * time.Minute,
		MaxAdvance:   180 * 24 * time.Hour,
	}
}

// Check reports whether the policy itself is usable.
func (p Policy) Check() error {
	if p.IntervalStep < time.Minute || p.IntervalStep%time.Minute != 0 {
		return fmt.Errorf("interval step must be a whole number of minutes, got %s", p.IntervalStep)
	}
	if p.MinDuration <= 0 || p.MinDuration > p.MaxDuration {
		return fmt.Errorf("duration bounds %s-%s are invalid", p.MinDuration, p.MaxDuration)
	}
	if p.MinDuration%p.IntervalStep != 0 || p.MaxDuration%p.IntervalStep != 0 {
		return fmt.Errorf("duration bounds must be multiples of %s", p.IntervalStep)
	}
	if p.MaxAdvance <= 0 {
		return fmt.Errorf("max advance must be positive")
	}
	return nil
}

// Validate decides whether w is a legal slot for doc at instant now, without
// looking at other bookings. Rules run in a fixed order and the first
// failure is returned.
func (p Policy) Validate(doc *Doctor, w timewindow.Window, now time.Time) error {
	if err := p.checkDuration(w); err != nil {
		return err
	}
	if err := p.checkAlignment(w); err != nil {
		return err
	}
	if err := p.checkHorizon(w, now); err != nil {
		return err
	}
	return checkWorkingHours(doc, w)
}

func (p Policy) checkDuration(w timewindow.Window) error {
	d := w.Duration()
	if d%p.IntervalStep != 0 || d < p.MinDuration || d > p.MaxDuration {
		return newError(KindValidation, ReasonInvalidDuration,
			fmt.Sprintf("duration must be a multiple of %d minutes between %d and %d minutes",
				int(p.IntervalStep.Minutes()), int(p.MinDuration.Minutes()), int(p.MaxDuration.Minutes())))
	}
	return nil
}

func (p Policy) checkAlignment(w timewindow.Window) error {
	start := w.Start.UTC()
	step := int(p.IntervalStep / time.Minute)
	minuteOfDay := start.Hour()*60 + start.Minute()
	if minuteOfDay%step != 0 || start.Second() != 0 || start.Nanosecond() != 0 {
		return newError(KindValidation, ReasonMisalignedStart,
			fmt.Sprintf("start time must fall on a %d-minute boundary", step))
	}
	return nil
}

func (p Policy) checkHorizon(w timewindow.Window, now time.Time) error {
	if !w.Start.After(now) {
		return newError(KindValidation, ReasonPastOrTooFarAhead, "start time must be in the future")
	}
	if w.Start.After(now.Add(p.MaxAdvance)) {
		return newError(KindValidation, ReasonPastOrTooFarAhead,
			fmt.Sprintf("appointments can be booked at most %d days ahead", int(p.MaxAdvance.Hours()/24)))
	}
	return nil
}

// checkWorkingHours requires the whole window to sit inside the doctor's
// hours on the local date the window starts.
func checkWorkingHours(doc *Doctor, w timewindow.Window) error {
	hours, err := doc.WorkingHours()
	if err != nil {
		return misconfigured(doc, err)
	}
	local := w.InZone(hours.Location)
	bounds := hours.On(local.Start)
	if local.Start.Before(bounds.Start) || local.End.After(bounds.End) {
		return newError(KindValidation, ReasonOutsideWorkingHours,
			fmt.Sprintf("appointment must fall within the doctor's working hours %s-%s (%s)",
				hours.Start, hours.End, hours.Location))
	}
	return nil
}
