package scheduling

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/medibook/medibook/internal/platform/auth"
	"github.com/medibook/medibook/internal/platform/notification"
	"github.com/medibook/medibook/internal/platform/payment"
	"github.com/medibook/medibook/pkg/timewindow"
)

const (
	// LockoutWindow is how close to the start an appointment stops accepting
	// cancellations and reschedules.
	LockoutWindow = 24 * time.Hour
	// MaxReschedules caps how often one appointment may be moved.
	MaxReschedules = 2
	// CheckoutMaxAge is the oldest paid checkout that can still confirm a booking.
	CheckoutMaxAge = 60 * time.Minute
)

// Service runs the booking, reschedule and cancellation workflows.
type Service struct {
	store     Store
	gateway   payment.Gateway
	templates *notification.TemplateEngine
	policy    Policy
	conflicts ConflictDetector
	currency  string
	logger    zerolog.Logger
	now       func() time.Time
}

type Option func(*Service)

func WithPolicy(p Policy) Option { return func(s *Service) { s.policy = p } }

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithCurrency(c string) Option { return func(s *Service) { s.currency = c } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithTemplates(t *notification.TemplateEngine) Option {
	return func(s *Service) { s.templates = t }
}

func NewService(store Store, gateway payment.Gateway, opts ...Option) *Service {
	s := &Service{
		store:     store,
		gateway:   gateway,
		templates: notification.NewTemplateEngine(),
		policy:    DefaultPolicy(),
		currency:  "usd",
		logger:    zerolog.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Policy() Policy { return s.policy }

func (s *Service) clock() time.Time { return s.now().UTC() }

// -- lookups --

func (s *Service) loadDoctor(ctx context.Context, r Repositories, id string) (*Doctor, error) {
	d, err := r.Doctors().GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, notFound(ReasonDoctorNotFound, "doctor")
	}
	if err != nil {
		return nil, storeFailure("load doctor", err)
	}
	return d, nil
}

func (s *Service) loadPatient(ctx context.Context, r Repositories, id string) (*Patient, error) {
	p, err := r.Patients().GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, notFound(ReasonPatientNotFound, "patient")
	}
	if err != nil {
		return nil, storeFailure("load patient", err)
	}
	return p, nil
}

func (s *Service) loadAppointment(ctx context.Context, r Repositories, id string) (*Appointment, error) {
	a, err := r.Appointments().GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, notFound(ReasonAppointmentNotFound, "appointment")
	}
	if err != nil {
		return nil, storeFailure("load appointment", err)
	}
	return a, nil
}

// -- reads --

// GetAppointment returns an appointment to its patient or doctor.
func (s *Service) GetAppointment(ctx context.Context, caller auth.Caller, id string) (*Appointment, error) {
	a, err := s.loadAppointment(ctx, s.store, id)
	if err != nil {
		return nil, err
	}
	if !a.OwnedBy(caller) {
		// Same answer as a missing row so ids cannot be probed.
		return nil, notFound(ReasonAppointmentNotFound, "appointment")
	}
	return a, nil
}

// ListAppointments returns the caller's own appointments, newest first.
func (s *Service) ListAppointments(ctx context.Context, caller auth.Caller, status Status, limit, offset int) ([]*Appointment, int, error) {
	items, total, err := s.store.Appointments().List(ctx, ListFilter{
		Party:   PartyOf(caller.Role),
		PartyID: caller.ID,
		Status:  status,
	}, limit, offset)
	if err != nil {
		return nil, 0, storeFailure("list appointments", err)
	}
	return items, total, nil
}

func (s *Service) ListNotifications(ctx context.Context, caller auth.Caller, limit, offset int) ([]*Notification, int, error) {
	items, total, err := s.store.Notifications().ListByRecipient(ctx, caller.Role, caller.ID, limit, offset)
	if err != nil {
		return nil, 0, storeFailure("list notifications", err)
	}
	return items, total, nil
}

// AvailableSlots lists the bookable windows of length d on a doctor's local
// calendar date (YYYY-MM-DD).
func (s *Service) AvailableSlots(ctx context.Context, doctorID, date string, d time.Duration) ([]timewindow.Window, error) {
	doc, err := s.loadDoctor(ctx, s.store, doctorID)
	if err != nil {
		return nil, err
	}
	hours, err := doc.WorkingHours()
	if err != nil {
		return nil, misconfigured(doc, err)
	}
	day, err := time.ParseInLocation("2006-01-02", date, hours.Location)
	if err != nil {
		return nil, invalid("date must be formatted as YYYY-MM-DD")
	}
	bounds := hours.On(day)

	booked, err := s.store.Appointments().ListByDoctorBetween(ctx, doctorID, bounds.Start, bounds.End)
	if err != nil {
		return nil, storeFailure("list booked appointments", err)
	}

	now := s.clock()
	step := s.policy.IntervalStep
	first := bounds.Start.Truncate(step)
	if first.Before(bounds.Start) {
		first = first.Add(step)
	}

	slots := []timewindow.Window{}
	for t := first; !t.Add(d).After(bounds.End); t = t.Add(step) {
		w := timewindow.FromDuration(t, d)
		if err := s.policy.Validate(doc, w, now); err != nil {
			var e *Error
			if errors.As(err, &e) && e.Reason == ReasonInvalidDuration {
				return nil, err
			}
			continue
		}
		if overlapsAny(w, booked) {
			continue
		}
		slots = append(slots, w)
	}
	return slots, nil
}

func overlapsAny(w timewindow.Window, appts []*Appointment) bool {
	for _, a := range appts {
		if a.Window().Overlaps(w) {
			return true
		}
	}
	return false
}

// -- notifications --

type message struct {
	role        auth.Role
	recipientID string
	zone        string
	template    string
	data        map[string]string
}

// writeNotifications renders each message in its recipient's timezone and
// appends it through the transaction.
func (s *Service) writeNotifications(ctx context.Context, tx Tx, a *Appointment, msgs ...message) error {
	for _, m := range msgs {
		loc, err := timewindow.LoadZone(m.zone)
		if err != nil {
			s.logger.Warn().Err(err).Str("recipient_id", m.recipientID).Msg("unknown timezone, using UTC")
			loc = time.UTC
		}
		data := notification.TimeData(a.Start, a.End, loc)
		for k, v := range m.data {
			data[k] = v
		}
		typ, body, err := s.templates.Render(m.template, data)
		if err != nil {
			return err
		}
		start, end, apptID := a.Start, a.End, a.ID
		n := &Notification{
			RecipientRole: m.role,
			RecipientID:   m.recipientID,
			Type:          string(typ),
			Message:       body,
			AppointmentID: &apptID,
			StartTime:     &start,
			EndTime:       &end,
		}
		if err := tx.Notifications().Insert(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

func names(doc *Doctor, pat *Patient) map[string]string {
	return map[string]string{"doctor_name": doc.Name, "patient_name": pat.Name}
}
