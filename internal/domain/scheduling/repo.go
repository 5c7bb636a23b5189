package scheduling

import (
	"context"
	"errors"
	"time"

	"github.com/medibook/medibook/internal/platform/auth"
	"github.com/medibook/medibook/pkg/timewindow"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrOverlap is returned when a write would give a doctor or patient two
	// live appointments at the same time.
	ErrOverlap = errors.New("appointment overlaps an existing booking")
	// ErrDuplicatePayment is returned when a payment with the same external
	// reference already exists.
	ErrDuplicatePayment = errors.New("payment already recorded")
)

// Party selects which side of an appointment a query is about.
type Party uint8

const (
	PartyDoctor Party = iota + 1
	PartyPatient
)

func (p Party) String() string {
	if p == PartyDoctor {
		return "doctor"
	}
	return "patient"
}

// PartyOf maps a caller role to the appointment side it owns.
func PartyOf(role auth.Role) Party {
	if role == auth.RoleDoctor {
		return PartyDoctor
	}
	return PartyPatient
}

// OverlapQuery finds live appointments of one party that intersect Window.
type OverlapQuery struct {
	Party   Party
	PartyID string
	Window  timewindow.Window
	// ExcludeID skips the appointment being moved.
	ExcludeID string
}

type ListFilter struct {
	Party   Party
	PartyID string
	Status  Status // zero means any
}

type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id string) (*Appointment, error)
	// Update writes the interval, status and reschedule count.
	Update(ctx context.Context, a *Appointment) error
	// FindOverlapping returns the earliest non-cancelled appointment matching
	// q, or nil.
	FindOverlapping(ctx context.Context, q OverlapQuery) (*Appointment, error)
	// ListByDoctorBetween returns non-cancelled appointments of a doctor
	// intersecting [from, to).
	ListByDoctorBetween(ctx context.Context, doctorID string, from, to time.Time) ([]*Appointment, error)
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Appointment, int, error)
}

type PaymentRepository interface {
	Create(ctx context.Context, p *Payment) error
	GetByExternalReference(ctx context.Context, ref string) (*Payment, error)
	GetByAppointment(ctx context.Context, appointmentID string) (*Payment, error)
	RecordRefund(ctx context.Context, paymentID string, amount int64, refundID *string) error
}

// NotificationRepository is append-only from the engine's point of view.
type NotificationRepository interface {
	Insert(ctx context.Context, n *Notification) error
	ListByRecipient(ctx context.Context, role auth.Role, recipientID string, limit, offset int) ([]*Notification, int, error)
}

type DoctorRepository interface {
	GetByID(ctx context.Context, id string) (*Doctor, error)
}

type PatientRepository interface {
	GetByID(ctx context.Context, id string) (*Patient, error)
}

// Repositories is the set of aggregates the engine reads and writes.
type Repositories interface {
	Appointments() AppointmentRepository
	Payments() PaymentRepository
	Notifications() NotificationRepository
	Doctors() DoctorRepository
	Patients() PatientRepository
}

// Tx is a unit of work. Every write made through it lands or none do.
type Tx interface {
	Repositories
	// Lock serialises concurrent transactions on the given keys until this
	// one ends.
	Lock(ctx context.Context, keys ...string) error
}

// Store reads outside a transaction and opens units of work. fn's Tx must
// not be used after fn returns; a non-nil error from fn rolls back.
type Store interface {
	Repositories
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

func doctorLockKey(id string) string  { return "doctor:" + id }
func patientLockKey(id string) string { return "patient:" + id }
