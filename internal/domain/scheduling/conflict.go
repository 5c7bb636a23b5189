package scheduling

import (
	"context"
	"fmt"

	"github.com/medibook/medibook/pkg/timewindow"
)

// ConflictQuery is a candidate booking. PatientID may be empty when only the
// doctor side is known.
type ConflictQuery struct {
	DoctorID  string
	PatientID string
	Window    timewindow.Window
	ExcludeID string
}

// Conflict is an existing appointment that blocks a candidate.
type Conflict struct {
	Party       Party
	Appointment *Appointment
}

// ConflictDetector checks a candidate against live bookings of both parties.
type ConflictDetector struct{}

// Find returns the first blocking appointment, doctor side first, or nil.
func (ConflictDetector) Find(ctx context.Context, appts AppointmentRepository, q ConflictQuery) (*Conflict, error) {
	sides := []struct {
		party Party
		id    string
	}{
		{PartyDoctor, q.DoctorID},
		{PartyPatient, q.PatientID},
	}
	for _, side := range sides {
		if side.id == "" {
			continue
		}
		a, err := appts.FindOverlapping(ctx, OverlapQuery{
			Party:     side.party,
			PartyID:   side.id,
			Window:    q.Window,
			ExcludeID: q.ExcludeID,
		})
		if err != nil {
			return nil, fmt.Errorf("find %s conflicts: %w", side.party, err)
		}
		if a != nil {
			return &Conflict{Party: side.party, Appointment: a}, nil
		}
	}
	return nil, nil
}

// Check is Find reported as a workflow error.
func (d ConflictDetector) Check(ctx context.Context, appts AppointmentRepository, q ConflictQuery) error {
	c, err := d.Find(ctx, appts, q)
	if err != nil {
		return storeFailure("conflict check", err)
	}
	if c != nil {
		return c.Err()
	}
	return nil
}

// Err describes the conflict without leaking the other booking's details.
func (c *Conflict) Err() *Error {
	if c.Party == PartyDoctor {
		return newError(KindSlotConflict, ReasonDoctorUnavailable, "the doctor already has an appointment at this time, choose another slot")
	}
	return newError(KindSlotConflict, ReasonPatientUnavailable, "the patient already has an appointment at this time, choose another slot")
}

func slotTaken() *Error {
	return newError(KindSlotConflict, ReasonDoctorUnavailable, "this slot was just taken, choose another slot")
}
