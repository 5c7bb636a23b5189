package scheduling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/medibook/medibook/internal/platform/auth"
	"github.com/medibook/medibook/internal/platform/notification"
	"github.com/medibook/medibook/internal/platform/payment"
)

func TestBooking_LegalSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	co, err := f.svc.StartCheckout(ctx, asPatient, CheckoutRequest{DoctorID: doctorID, Start: slotStart, DurationMinutes: 60})
	if err != nil {
		t.Fatalf("StartCheckout: %v", err)
	}
	if co.Amount != 10000 || co.Currency != "usd" {
		t.Errorf("expected 10000 usd, got %d %s", co.Amount, co.Currency)
	}
	if co.URL == "" || co.Reference == "" {
		t.Error("expected a checkout url and reference")
	}
	if f.appointmentCount() != 0 {
		t.Error("starting a checkout must not write an appointment")
	}

	if err := f.gw.Complete(co.Reference); err != nil {
		t.Fatal(err)
	}
	b, err := f.svc.ConfirmBooking(ctx, asPatient, co.Reference)
	if err != nil {
		t.Fatalf("ConfirmBooking: %v", err)
	}
	a := b.Appointment
	if a.Status != StatusConfirmed || a.InitiatedBy != InitiatedByPatient {
		t.Errorf("unexpected appointment state %s/%s", a.Status, a.InitiatedBy)
	}
	if !a.Start.Equal(slotStart) || !a.End.Equal(slotStart.Add(time.Hour)) {
		t.Errorf("unexpected window %s - %s", a.Start, a.End)
	}
	if b.Payment.Amount != 10000 || b.Payment.AppointmentID != a.ID || b.Payment.ExternalReference == "" {
		t.Errorf("unexpected payment %+v", b.Payment)
	}
	if b.Payment.CheckoutReference != co.Reference {
		t.Errorf("expected checkout reference %s, got %s", co.Reference, b.Payment.CheckoutReference)
	}
	if b.Replayed {
		t.Error("first confirmation must not be a replay")
	}

	pat := f.notificationsFor(auth.RolePatient, patientID)
	doc := f.notificationsFor(auth.RoleDoctor, doctorID)
	if len(pat) != 1 || len(doc) != 1 {
		t.Fatalf("expected one notification each, got %d/%d", len(pat), len(doc))
	}
	if pat[0].Type != string(notification.TypeAppointmentBooked) || *pat[0].AppointmentID != a.ID {
		t.Errorf("unexpected patient notification %+v", pat[0])
	}
}

func TestBooking_PriceScalesWithDuration(t *testing.T) {
	f := newFixture(t)
	co, err := f.svc.StartCheckout(context.Background(), asPatient, CheckoutRequest{DoctorID: doctorID, Start: slotStart, DurationMinutes: 90})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if co.Amount != 15000 {
		t.Errorf("expected 15000 for 90 minutes, got %d", co.Amount)
	}
}

func TestStartCheckout_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		caller auth.Caller
		req    CheckoutRequest
		kind   Kind
		reason Reason
	}{
		{"outside hours", asPatient, CheckoutRequest{DoctorID: doctorID, Start: time.Date(2025, 6, 10, 20, 0, 0, 0, time.UTC), DurationMinutes: 120}, KindValidation, ReasonOutsideWorkingHours},
		{"quarter past", asPatient, CheckoutRequest{DoctorID: doctorID, Start: slotStart.Add(15 * time.Minute), DurationMinutes: 60}, KindValidation, ReasonMisalignedStart},
		{"bad duration", asPatient, CheckoutRequest{DoctorID: doctorID, Start: slotStart, DurationMinutes: 20}, KindValidation, ReasonInvalidDuration},
		{"missing doctor id", asPatient, CheckoutRequest{Start: slotStart, DurationMinutes: 60}, KindValidation, ReasonInvalidRequest},
		{"missing start", asPatient, CheckoutRequest{DoctorID: doctorID, DurationMinutes: 60}, KindValidation, ReasonInvalidRequest},
		{"unknown doctor", asPatient, CheckoutRequest{DoctorID: "nobody", Start: slotStart, DurationMinutes: 60}, KindNotFound, ReasonDoctorNotFound},
		{"doctor caller", asDoctor, CheckoutRequest{DoctorID: doctorID, Start: slotStart, DurationMinutes: 60}, KindUnauthorized, ReasonWrongRole},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.StartCheckout(ctx, tt.caller, tt.req)
			assertReason(t, err, tt.kind, tt.reason)
		})
	}
}

func TestStartCheckout_SlotAlreadyTaken(t *testing.T) {
	f := newFixture(t)
	f.book(t, asPatient, slotStart, 60)

	_, err := f.svc.StartCheckout(context.Background(), asOtherPatient, CheckoutRequest{DoctorID: doctorID, Start: slotStart.Add(30 * time.Minute), DurationMinutes: 60})
	assertReason(t, err, KindSlotConflict, ReasonDoctorUnavailable)

	// The patient is busy even with another doctor.
	_, err = f.svc.StartCheckout(context.Background(), asPatient, CheckoutRequest{DoctorID: otherDoctorID, Start: slotStart, DurationMinutes: 30})
	assertReason(t, err, KindSlotConflict, ReasonPatientUnavailable)
}

func TestStartCheckout_GatewayFailure(t *testing.T) {
	f := newFixture(t)
	f.gw.FailCheckout = true
	_, err := f.svc.StartCheckout(context.Background(), asPatient, CheckoutRequest{DoctorID: doctorID, Start: slotStart, DurationMinutes: 60})
	assertReason(t, err, KindExternal, ReasonGatewayFailure)
}

func TestStartCheckout_UnpricedDoctor(t *testing.T) {
	f := newFixture(t)
	f.store.AddDoctor(Doctor{ID: "free-doc", Name: "Dr. Free", StartTime: "09:00", EndTime: "17:00", Timezone: "America/New_York"})
	// A gateway call would surface as GatewayFailure.
	f.gw.FailCheckout = true

	_, err := f.svc.StartCheckout(context.Background(), asPatient, CheckoutRequest{DoctorID: "free-doc", Start: slotStart, DurationMinutes: 60})
	assertReason(t, err, KindPolicyViolation, ReasonInvalidAmount)
	var e *Error
	if errors.As(err, &e) && e.Retryable() {
		t.Error("an unpriced consultation must not be reported as retryable")
	}
}

func TestGatewayFailure_InvalidRequestNotRetryable(t *testing.T) {
	rejected := gatewayFailure("opening the checkout", errors.Join(payment.ErrInvalidRequest, errors.New("amount must be positive")))
	if rejected.Kind != KindValidation || rejected.Retryable() {
		t.Errorf("expected non-retryable validation error, got %v (retryable=%v)", rejected.Kind, rejected.Retryable())
	}
	if !errors.Is(rejected, payment.ErrInvalidRequest) {
		t.Error("expected the gateway error to stay in the chain")
	}

	down := gatewayFailure("opening the checkout", payment.ErrGatewayUnavailable)
	if down.Reason != ReasonGatewayFailure || !down.Retryable() {
		t.Errorf("expected retryable gateway failure, got %v", down)
	}
}

func TestConfirmBooking_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.paidCheckout(t, asPatient, doctorID, slotStart, 60)

	first, err := f.svc.ConfirmBooking(ctx, asPatient, ref)
	if err != nil {
		t.Fatalf("first confirm: %v", err)
	}
	second, err := f.svc.ConfirmBooking(ctx, asPatient, ref)
	if err != nil {
		t.Fatalf("second confirm: %v", err)
	}
	if !second.Replayed || second.Appointment.ID != first.Appointment.ID || second.Payment.ID != first.Payment.ID {
		t.Errorf("expected replay of %s, got %+v", first.Appointment.ID, second)
	}
	if f.appointmentCount() != 1 || f.paymentCount() != 1 {
		t.Errorf("expected one appointment and one payment, got %d/%d", f.appointmentCount(), f.paymentCount())
	}
	if n := len(f.notificationsFor(auth.RolePatient, patientID)); n != 1 {
		t.Errorf("replay must not notify again, got %d notifications", n)
	}
}

func TestConfirmBooking_ReplayAfterCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.paidCheckout(t, asPatient, doctorID, slotStart, 60)
	first, err := f.svc.ConfirmBooking(ctx, asPatient, ref)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Cancel(ctx, asPatient, first.Appointment.ID); err != nil {
		t.Fatal(err)
	}

	// A replayed confirmation reports the current state and never rebooks.
	again, err := f.svc.ConfirmBooking(ctx, asPatient, ref)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !again.Replayed || again.Appointment.Status != StatusCancelled {
		t.Errorf("expected cancelled replay, got %+v", again.Appointment)
	}
	if f.appointmentCount() != 1 {
		t.Errorf("expected one appointment, got %d", f.appointmentCount())
	}
}

func TestConfirmBooking_ReplayAfterCheckoutExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.paidCheckout(t, asPatient, doctorID, slotStart, 60)
	first, err := f.svc.ConfirmBooking(ctx, asPatient, ref)
	if err != nil {
		t.Fatal(err)
	}

	// Resending the confirmation once the checkout is older than an hour is
	// rejected even though the booking exists.
	f.setNow(baseNow.Add(CheckoutMaxAge + time.Minute))
	_, err = f.svc.ConfirmBooking(ctx, asPatient, ref)
	assertReason(t, err, KindPolicyViolation, ReasonCheckoutExpired)

	got, err := f.svc.GetAppointment(ctx, asPatient, first.Appointment.ID)
	if err != nil || got.Status != StatusConfirmed {
		t.Errorf("expected the booking to stay confirmed, got %+v (%v)", got, err)
	}
	if f.appointmentCount() != 1 || f.paymentCount() != 1 {
		t.Errorf("expected one appointment and one payment, got %d/%d", f.appointmentCount(), f.paymentCount())
	}
}

func TestConfirmBooking_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("unpaid", func(t *testing.T) {
		f := newFixture(t)
		co, err := f.svc.StartCheckout(ctx, asPatient, CheckoutRequest{DoctorID: doctorID, Start: slotStart, DurationMinutes: 60})
		if err != nil {
			t.Fatal(err)
		}
		_, err = f.svc.ConfirmBooking(ctx, asPatient, co.Reference)
		assertReason(t, err, KindPolicyViolation, ReasonPaymentNotCompleted)
		if f.appointmentCount() != 0 {
			t.Error("unpaid checkout created an appointment")
		}
	})

	t.Run("expired", func(t *testing.T) {
		f := newFixture(t)
		ref := f.paidCheckout(t, asPatient, doctorID, slotStart, 60)
		f.gw.Backdate(ref, 61*time.Minute)
		_, err := f.svc.ConfirmBooking(ctx, asPatient, ref)
		assertReason(t, err, KindPolicyViolation, ReasonCheckoutExpired)
	})

	t.Run("exactly sixty minutes old", func(t *testing.T) {
		f := newFixture(t)
		ref := f.paidCheckout(t, asPatient, doctorID, slotStart, 60)
		f.gw.Backdate(ref, 60*time.Minute)
		if _, err := f.svc.ConfirmBooking(ctx, asPatient, ref); err != nil {
			t.Errorf("expected a 60 minute old checkout to confirm, got %v", err)
		}
	})

	t.Run("another patient's checkout", func(t *testing.T) {
		f := newFixture(t)
		ref := f.paidCheckout(t, asPatient, doctorID, slotStart, 60)
		_, err := f.svc.ConfirmBooking(ctx, asOtherPatient, ref)
		assertReason(t, err, KindUnauthorized, ReasonNotOwner)
	})

	t.Run("unknown reference", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.ConfirmBooking(ctx, asPatient, "cs_test_missing")
		assertReason(t, err, KindNotFound, ReasonCheckoutNotFound)
	})

	t.Run("empty reference", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.ConfirmBooking(ctx, asPatient, "")
		assertReason(t, err, KindValidation, ReasonInvalidRequest)
	})

	t.Run("doctor caller", func(t *testing.T) {
		f := newFixture(t)
		ref := f.paidCheckout(t, asPatient, doctorID, slotStart, 60)
		_, err := f.svc.ConfirmBooking(ctx, asDoctor, ref)
		assertReason(t, err, KindUnauthorized, ReasonWrongRole)
	})

	t.Run("gateway down", func(t *testing.T) {
		f := newFixture(t)
		ref := f.paidCheckout(t, asPatient, doctorID, slotStart, 60)
		f.gw.FailRetrieve = true
		_, err := f.svc.ConfirmBooking(ctx, asPatient, ref)
		assertReason(t, err, KindExternal, ReasonGatewayFailure)
	})
}

func TestConfirmBooking_ConcurrentDoubleBook(t *testing.T) {
	f := newFixture(t)
	refA := f.paidCheckout(t, asPatient, doctorID, slotStart, 60)
	refB := f.paidCheckout(t, asOtherPatient, doctorID, slotStart.Add(30*time.Minute), 60)

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i, c := range []struct {
		caller auth.Caller
		ref    string
	}{{asPatient, refA}, {asOtherPatient, refB}} {
		wg.Add(1)
		go func(i int, caller auth.Caller, ref string) {
			defer wg.Done()
			_, errs[i] = f.svc.ConfirmBooking(context.Background(), caller, ref)
		}(i, c.caller, c.ref)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case KindOf(err) == KindSlotConflict:
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != 1 {
		t.Errorf("expected one success and one conflict, got %d/%d", ok, conflicts)
	}
	if f.appointmentCount() != 1 || f.paymentCount() != 1 {
		t.Errorf("expected a single appointment row, got %d", f.appointmentCount())
	}
}

func TestConfirmBooking_ConcurrentSameCheckout(t *testing.T) {
	f := newFixture(t)
	ref := f.paidCheckout(t, asPatient, doctorID, slotStart, 60)

	const n = 8
	var wg sync.WaitGroup
	results := make([]*Booking, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.ConfirmBooking(context.Background(), asPatient, ref)
		}(i)
	}
	wg.Wait()

	var fresh int
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("confirm %d failed: %v", i, errs[i])
		}
		if results[i].Appointment.ID != results[0].Appointment.ID {
			t.Errorf("confirm %d returned a different appointment", i)
		}
		if !results[i].Replayed {
			fresh++
		}
	}
	if fresh != 1 {
		t.Errorf("expected exactly one non-replayed confirmation, got %d", fresh)
	}
	if f.appointmentCount() != 1 || f.paymentCount() != 1 {
		t.Errorf("expected one appointment and one payment, got %d/%d", f.appointmentCount(), f.paymentCount())
	}
}

func TestConfirmBooking_PaidCheckoutLosesSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.paidCheckout(t, asPatient, doctorID, slotStart, 60)

	// The doctor fills the hour while the patient is paying.
	if _, err := f.svc.BookAsDoctor(ctx, asDoctor, DoctorBookingRequest{PatientID: otherPatientID, Start: slotStart, DurationMinutes: 60}); err != nil {
		t.Fatalf("BookAsDoctor: %v", err)
	}
	_, err := f.svc.ConfirmBooking(ctx, asPatient, ref)
	assertReason(t, err, KindSlotConflict, ReasonDoctorUnavailable)
	if f.paymentCount() != 0 {
		t.Error("a lost slot must not record a payment")
	}
}

func TestConfirmFromGateway(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.paidCheckout(t, asPatient, doctorID, slotStart, 60)

	b, err := f.svc.ConfirmFromGateway(ctx, ref)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Appointment.PatientID != patientID {
		t.Errorf("expected patient from checkout metadata, got %s", b.Appointment.PatientID)
	}

	// The patient's own confirmation after the webhook is a replay.
	again, err := f.svc.ConfirmBooking(ctx, asPatient, ref)
	if err != nil || !again.Replayed {
		t.Errorf("expected replay, got %+v (%v)", again, err)
	}
}

func TestBookAsDoctor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.BookAsDoctor(ctx, asDoctor, DoctorBookingRequest{
		PatientID:       patientID,
		Start:           slotStart,
		DurationMinutes: 30,
		Reason:          "lab review",
		Notes:           "bring results",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.InitiatedBy != InitiatedByDoctor || a.Status != StatusConfirmed || a.DoctorID != doctorID {
		t.Errorf("unexpected appointment %+v", a)
	}
	if strVal(a.Notes) != "bring results" {
		t.Errorf("expected notes to be kept, got %q", strVal(a.Notes))
	}
	if f.paymentCount() != 0 {
		t.Error("doctor bookings have no payment")
	}

	pat := f.notificationsFor(auth.RolePatient, patientID)
	if len(pat) != 1 || pat[0].Type != string(notification.TypeAppointmentBooked) {
		t.Fatalf("expected one booked notification for the patient, got %+v", pat)
	}
	if len(f.notificationsFor(auth.RoleDoctor, doctorID)) != 0 {
		t.Error("the booking doctor is not notified")
	}
}

func TestBookAsDoctor_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.book(t, asPatient, slotStart, 60)

	// Patient busy with Dr. Grey; Dr. Shah cannot take the same hour.
	_, err := f.svc.BookAsDoctor(ctx, asOtherDoctor, DoctorBookingRequest{PatientID: patientID, Start: slotStart, DurationMinutes: 60})
	assertReason(t, err, KindSlotConflict, ReasonPatientUnavailable)

	_, err = f.svc.BookAsDoctor(ctx, asPatient, DoctorBookingRequest{PatientID: patientID, Start: slotStart, DurationMinutes: 60})
	assertReason(t, err, KindUnauthorized, ReasonWrongRole)

	_, err = f.svc.BookAsDoctor(ctx, asDoctor, DoctorBookingRequest{PatientID: "nobody", Start: slotStart.Add(2 * time.Hour), DurationMinutes: 60})
	assertReason(t, err, KindNotFound, ReasonPatientNotFound)

	_, err = f.svc.BookAsDoctor(ctx, asDoctor, DoctorBookingRequest{PatientID: otherPatientID, Start: slotStart.Add(-6 * time.Hour), DurationMinutes: 60})
	assertReason(t, err, KindValidation, ReasonOutsideWorkingHours)
}
