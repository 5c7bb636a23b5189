package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/medibook/medibook/internal/platform/auth"
	"github.com/medibook/medibook/internal/platform/notification"
	"github.com/medibook/medibook/internal/platform/payment"
	"github.com/medibook/medibook/pkg/timewindow"
)

// Checkout metadata keys echoed back by the gateway.
const (
	metaPatientID = "patientId"
	metaDoctorID  = "doctorId"
	metaStart     = "start"
	metaEnd       = "end"
	metaReason    = "reason"
)

type CheckoutRequest struct {
	DoctorID        string    `json:"doctor_id"`
	Start           time.Time `json:"start"`
	DurationMinutes int       `json:"duration_minutes"`
	Reason          string    `json:"reason,omitempty"`
}

type CheckoutResult struct {
	URL       string    `json:"checkout_url"`
	Reference string    `json:"reference"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
}

// Booking is a confirmed appointment with its payment. Replayed is set when
// the checkout had already been turned into this appointment.
type Booking struct {
	Appointment *Appointment `json:"appointment"`
	Payment     *Payment     `json:"payment,omitempty"`
	Replayed    bool         `json:"replayed"`
}

// StartCheckout validates a patient's requested slot and opens a payment
// checkout for it. Nothing is written to the store.
func (s *Service) StartCheckout(ctx context.Context, caller auth.Caller, req CheckoutRequest) (*CheckoutResult, error) {
	if !caller.IsPatient() {
		return nil, forbidden(ReasonWrongRole, "only patients can book appointments")
	}
	if req.DoctorID == "" {
		return nil, invalid("doctor_id is required")
	}
	if req.Start.IsZero() {
		return nil, invalid("start is required")
	}
	doc, err := s.loadDoctor(ctx, s.store, req.DoctorID)
	if err != nil {
		return nil, err
	}
	if _, err := s.loadPatient(ctx, s.store, caller.ID); err != nil {
		return nil, err
	}

	w := timewindow.FromDuration(req.Start, time.Duration(req.DurationMinutes)*time.Minute)
	if err := s.policy.Validate(doc, w, s.clock()); err != nil {
		return nil, err
	}
	if err := s.conflicts.Check(ctx, s.store.Appointments(), ConflictQuery{
		DoctorID:  doc.ID,
		PatientID: caller.ID,
		Window:    w,
	}); err != nil {
		return nil, err
	}

	amount := doc.PriceFor(w.Duration())
	if amount <= 0 {
		return nil, newError(KindPolicyViolation, ReasonInvalidAmount,
			fmt.Sprintf("doctor %s has no payable price for a %d minute consultation", doc.ID, int(w.Duration().Minutes())))
	}
	co, err := s.gateway.CreateCheckout(ctx, payment.CheckoutRequest{
		Amount:      amount,
		Currency:    s.currency,
		Description: fmt.Sprintf("Consultation with %s (%d min)", doc.Name, int(w.Duration().Minutes())),
		Metadata: map[string]string{
			metaPatientID: caller.ID,
			metaDoctorID:  doc.ID,
			metaStart:     w.Start.Format(time.RFC3339),
			metaEnd:       w.End.Format(time.RFC3339),
			metaReason:    req.Reason,
		},
		ClientReference: caller.ID,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("doctor_id", doc.ID).Str("patient_id", caller.ID).Msg("create checkout failed")
		return nil, gatewayFailure("opening the checkout", err)
	}

	s.logger.Info().
		Str("checkout", co.Reference).
		Str("doctor_id", doc.ID).
		Str("patient_id", caller.ID).
		Str("slot", w.String()).
		Msg("checkout opened")
	return &CheckoutResult{
		URL:       co.URL,
		Reference: co.Reference,
		Amount:    amount,
		Currency:  s.currency,
		Start:     w.Start,
		End:       w.End,
	}, nil
}

// ConfirmBooking turns a paid checkout into a confirmed appointment for the
// patient who opened it. Confirming the same checkout again returns the
// first result.
func (s *Service) ConfirmBooking(ctx context.Context, caller auth.Caller, reference string) (*Booking, error) {
	if !caller.IsPatient() {
		return nil, forbidden(ReasonWrongRole, "only patients can confirm bookings")
	}
	return s.confirm(ctx, reference, func(meta map[string]string) error {
		if meta[metaPatientID] != caller.ID {
			return forbidden(ReasonNotOwner, "this checkout belongs to another patient")
		}
		return nil
	})
}

// ConfirmFromGateway confirms a checkout reported complete by the payment
// provider's signed webhook. The patient is taken from the checkout.
func (s *Service) ConfirmFromGateway(ctx context.Context, reference string) (*Booking, error) {
	return s.confirm(ctx, reference, func(map[string]string) error { return nil })
}

type bookingSlot struct {
	patientID string
	doctorID  string
	window    timewindow.Window
	reason    string
}

func parseMetadata(meta map[string]string) (bookingSlot, error) {
	slot := bookingSlot{
		patientID: meta[metaPatientID],
		doctorID:  meta[metaDoctorID],
		reason:    meta[metaReason],
	}
	start, err1 := time.Parse(time.RFC3339, meta[metaStart])
	end, err2 := time.Parse(time.RFC3339, meta[metaEnd])
	if slot.patientID == "" || slot.doctorID == "" || err1 != nil || err2 != nil {
		return bookingSlot{}, invalid("checkout does not describe an appointment")
	}
	slot.window = timewindow.New(start, end)
	if !slot.window.Valid() {
		return bookingSlot{}, invalid("checkout describes an empty interval")
	}
	return slot, nil
}

func (s *Service) confirm(ctx context.Context, reference string, authorize func(map[string]string) error) (*Booking, error) {
	if reference == "" {
		return nil, invalid("session reference is required")
	}
	sess, err := s.gateway.RetrieveSession(ctx, reference)
	if errors.Is(err, payment.ErrSessionNotFound) {
		return nil, notFound(ReasonCheckoutNotFound, "checkout session")
	}
	if err != nil {
		return nil, gatewayFailure("retrieving the checkout", err)
	}
	if !sess.Paid {
		return nil, newError(KindPolicyViolation, ReasonPaymentNotCompleted, "the checkout has not been paid")
	}
	if s.clock().Sub(sess.CreatedAt) > CheckoutMaxAge {
		return nil, newError(KindPolicyViolation, ReasonCheckoutExpired, "the checkout session has expired, please book again")
	}
	if err := authorize(sess.Metadata); err != nil {
		return nil, err
	}

	externalRef := sess.PaymentReference
	if externalRef == "" {
		externalRef = sess.Reference
	}
	if b, err := s.replay(ctx, s.store, externalRef); b != nil || err != nil {
		return b, err
	}

	slot, err := parseMetadata(sess.Metadata)
	if err != nil {
		return nil, err
	}
	doc, err := s.loadDoctor(ctx, s.store, slot.doctorID)
	if err != nil {
		return nil, err
	}
	pat, err := s.loadPatient(ctx, s.store, slot.patientID)
	if err != nil {
		return nil, err
	}

	var result *Booking
	err = s.store.WithinTx(ctx, func(tx Tx) error {
		if err := tx.Lock(ctx, doctorLockKey(doc.ID), patientLockKey(pat.ID)); err != nil {
			return err
		}
		// A concurrent delivery of the same checkout may have committed
		// while we waited for the lock.
		if b, err := s.replay(ctx, tx, externalRef); b != nil || err != nil {
			result = b
			return err
		}
		if err := s.conflicts.Check(ctx, tx.Appointments(), ConflictQuery{
			DoctorID:  doc.ID,
			PatientID: pat.ID,
			Window:    slot.window,
		}); err != nil {
			return err
		}

		a := &Appointment{
			PatientID:   pat.ID,
			DoctorID:    doc.ID,
			Start:       slot.window.Start,
			End:         slot.window.End,
			Status:      StatusConfirmed,
			InitiatedBy: InitiatedByPatient,
			Reason:      strPtr(slot.reason),
		}
		if err := tx.Appointments().Create(ctx, a); err != nil {
			return err
		}
		p := &Payment{
			AppointmentID:     a.ID,
			Amount:            sess.AmountTotal,
			Currency:          sess.Currency,
			ExternalReference: externalRef,
			CheckoutReference: sess.Reference,
		}
		if err := tx.Payments().Create(ctx, p); err != nil {
			return err
		}
		n := names(doc, pat)
		if err := s.writeNotifications(ctx, tx, a,
			message{auth.RolePatient, pat.ID, pat.Timezone, notification.BookedPatient, n},
			message{auth.RoleDoctor, doc.ID, doc.Timezone, notification.BookedDoctor, n},
		); err != nil {
			return err
		}
		result = &Booking{Appointment: a, Payment: p}
		return nil
	})
	if err != nil {
		return s.confirmFailed(ctx, err, externalRef, slot)
	}

	log := s.logger.Info().
		Str("appointment_id", result.Appointment.ID).
		Str("doctor_id", doc.ID).
		Str("patient_id", pat.ID).
		Str("payment_ref", externalRef)
	if result.Replayed {
		log.Msg("booking confirmation replayed")
	} else {
		log.Str("slot", slot.window.String()).Msg("booking confirmed")
	}
	return result, nil
}

// replay returns the booking already created for a payment reference, or
// nil when there is none.
func (s *Service) replay(ctx context.Context, r Repositories, externalRef string) (*Booking, error) {
	p, err := r.Payments().GetByExternalReference(ctx, externalRef)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeFailure("look up payment", err)
	}
	a, err := s.loadAppointment(ctx, r, p.AppointmentID)
	if err != nil {
		return nil, err
	}
	return &Booking{Appointment: a, Payment: p, Replayed: true}, nil
}

// confirmFailed classifies a failed confirmation transaction. Losing a
// race to the same checkout is reported as a replay; losing it to another
// booking is a slot conflict.
func (s *Service) confirmFailed(ctx context.Context, err error, externalRef string, slot bookingSlot) (*Booking, error) {
	var e *Error
	conflict := errors.Is(err, ErrOverlap) || errors.Is(err, ErrDuplicatePayment) ||
		(errors.As(err, &e) && e.Kind == KindSlotConflict)
	if !conflict {
		if e != nil {
			return nil, e
		}
		s.logger.Error().Err(err).Str("payment_ref", externalRef).Msg("booking confirmation failed")
		return nil, storeFailure("saving the appointment", err)
	}

	if b, rerr := s.replay(ctx, s.store, externalRef); rerr == nil && b != nil {
		s.logger.Info().Str("appointment_id", b.Appointment.ID).Str("payment_ref", externalRef).Msg("booking confirmation replayed")
		return b, nil
	}
	s.logger.Warn().
		Str("doctor_id", slot.doctorID).
		Str("patient_id", slot.patientID).
		Str("slot", slot.window.String()).
		Str("payment_ref", externalRef).
		Msg("paid checkout lost its slot")
	if e != nil && e.Kind == KindSlotConflict {
		return nil, e
	}
	return nil, slotTaken()
}

type DoctorBookingRequest struct {
	PatientID       string    `json:"patient_id"`
	Start           time.Time `json:"start"`
	DurationMinutes int       `json:"duration_minutes"`
	Reason          string    `json:"reason,omitempty"`
	Notes           string    `json:"notes,omitempty"`
}

// BookAsDoctor creates a confirmed appointment on the calling doctor's
// calendar. There is no payment step.
func (s *Service) BookAsDoctor(ctx context.Context, caller auth.Caller, req DoctorBookingRequest) (*Appointment, error) {
	if !caller.IsDoctor() {
		return nil, forbidden(ReasonWrongRole, "only doctors can schedule appointments for patients")
	}
	if req.PatientID == "" {
		return nil, invalid("patient_id is required")
	}
	if req.Start.IsZero() {
		return nil, invalid("start is required")
	}
	doc, err := s.loadDoctor(ctx, s.store, caller.ID)
	if err != nil {
		return nil, err
	}
	pat, err := s.loadPatient(ctx, s.store, req.PatientID)
	if err != nil {
		return nil, err
	}

	w := timewindow.FromDuration(req.Start, time.Duration(req.DurationMinutes)*time.Minute)
	if err := s.policy.Validate(doc, w, s.clock()); err != nil {
		return nil, err
	}
	q := ConflictQuery{DoctorID: doc.ID, PatientID: pat.ID, Window: w}
	if err := s.conflicts.Check(ctx, s.store.Appointments(), q); err != nil {
		return nil, err
	}

	a := &Appointment{
		PatientID:   pat.ID,
		DoctorID:    doc.ID,
		Start:       w.Start,
		End:         w.End,
		Status:      StatusConfirmed,
		InitiatedBy: InitiatedByDoctor,
		Reason:      strPtr(req.Reason),
		Notes:       strPtr(req.Notes),
	}
	err = s.store.WithinTx(ctx, func(tx Tx) error {
		if err := tx.Lock(ctx, doctorLockKey(doc.ID), patientLockKey(pat.ID)); err != nil {
			return err
		}
		if err := s.conflicts.Check(ctx, tx.Appointments(), q); err != nil {
			return err
		}
		if err := tx.Appointments().Create(ctx, a); err != nil {
			return err
		}
		return s.writeNotifications(ctx, tx, a,
			message{auth.RolePatient, pat.ID, pat.Timezone, notification.CreatedByDoctor, names(doc, pat)})
	})
	if err != nil {
		return nil, s.writeFailed(err, "saving the appointment")
	}

	s.logger.Info().
		Str("appointment_id", a.ID).
		Str("doctor_id", doc.ID).
		Str("patient_id", pat.ID).
		Str("slot", w.String()).
		Msg("appointment booked by doctor")
	return a, nil
}

// writeFailed maps a failed write transaction onto the workflow taxonomy.
func (s *Service) writeFailed(err error, op string) error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, ErrOverlap) {
		return slotTaken()
	}
	if errors.Is(err, ErrNotFound) {
		return notFound(ReasonAppointmentNotFound, "appointment")
	}
	s.logger.Error().Err(err).Msg(op + " failed")
	return storeFailure(op, err)
}
