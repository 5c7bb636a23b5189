package scheduling

import (
	"fmt"
	"time"

	"github.com/medibook/medibook/internal/platform/auth"
	"github.com/medibook/medibook/pkg/timewindow"
)

// Appointment maps to the appointments table.
type Appointment struct {
	ID              string      `json:"id"`
	PatientID       string      `json:"patient_id"`
	DoctorID        string      `json:"doctor_id"`
	Start           time.Time   `json:"start"`
	End             time.Time   `json:"end"`
	Status          Status      `json:"status"`
	InitiatedBy     InitiatedBy `json:"initiated_by"`
	RescheduleCount int         `json:"reschedule_count"`
	Reason          *string     `json:"reason,omitempty"`
	Notes           *string     `json:"notes,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Window returns the booked interval.
func (a *Appointment) Window() timewindow.Window {
	return timewindow.New(a.Start, a.End)
}

// OwnedBy reports whether caller is the patient or doctor on the appointment.
func (a *Appointment) OwnedBy(caller auth.Caller) bool {
	switch caller.Role {
	case auth.RolePatient:
		return a.PatientID == caller.ID
	case auth.RoleDoctor:
		return a.DoctorID == caller.ID
	}
	return false
}

// Doctor is the subset of the doctor record the engine reads.
type Doctor struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Timezone  string `json:"timezone"`
	// Price is the hourly rate in minor currency units.
	Price int64 `json:"price"`
}

// WorkingHours is a doctor's daily availability resolved into typed values.
type WorkingHours struct {
	Start    timewindow.Clock
	End      timewindow.Clock
	Location *time.Location
}

// WorkingHours parses the doctor's wall-clock bounds and zone.
func (d *Doctor) WorkingHours() (WorkingHours, error) {
	start, err := timewindow.ParseClock(d.StartTime)
	if err != nil {
		return WorkingHours{}, fmt.Errorf("doctor %s start time: %w", d.ID, err)
	}
	end, err := timewindow.ParseClock(d.EndTime)
	if err != nil {
		return WorkingHours{}, fmt.Errorf("doctor %s end time: %w", d.ID, err)
	}
	if !start.Before(end) {
		return WorkingHours{}, fmt.Errorf("doctor %s: working hours %s-%s do not fit in one day", d.ID, start, end)
	}
	loc, err := timewindow.LoadZone(d.Timezone)
	if err != nil {
		return WorkingHours{}, fmt.Errorf("doctor %s: %w", d.ID, err)
	}
	return WorkingHours{Start: start, End: end, Location: loc}, nil
}

// On returns the working-hours boundary for the local calendar date of day.
func (h WorkingHours) On(day time.Time) timewindow.Window {
	return timewindow.New(
		timewindow.CombineDateClock(day, h.Start, h.Location),
		timewindow.CombineDateClock(day, h.End, h.Location),
	)
}

// PriceFor returns the charge for d at the doctor's hourly rate, rounded down.
func (d *Doctor) PriceFor(dur time.Duration) int64 {
	return d.Price * int64(dur/time.Minute) / 60
}

type Patient struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Timezone string `json:"timezone"`
}

// Payment is the completed charge behind a patient-initiated appointment.
type Payment struct {
	ID                string    `json:"id"`
	AppointmentID     string    `json:"appointment_id"`
	Amount            int64     `json:"amount"`
	Currency          string    `json:"currency"`
	ExternalReference string    `json:"external_reference"`
	CheckoutReference string    `json:"checkout_reference"`
	RefundAmount      *int64    `json:"refund_amount,omitempty"`
	RefundID          *string   `json:"refund_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Notification is an in-app message for a patient or a doctor.
type Notification struct {
	ID            string     `json:"id"`
	RecipientRole auth.Role  `json:"recipient_role"`
	RecipientID   string     `json:"recipient_id"`
	Type          string     `json:"type"`
	Message       string     `json:"message"`
	IsRead        bool       `json:"is_read"`
	AppointmentID *string    `json:"appointment_id,omitempty"`
	StartTime     *time.Time `json:"start_time,omitempty"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func strVal(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
