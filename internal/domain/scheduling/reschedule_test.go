package scheduling

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/medibook/medibook/internal/platform/auth"
	"github.com/medibook/medibook/internal/platform/notification"
)

func TestReschedule_MovesAppointment(t *testing.T) {
	f := newFixture(t)
	b := f.book(t, asPatient, slotStart, 60)

	a, err := f.svc.Reschedule(context.Background(), asPatient, b.Appointment.ID, RescheduleRequest{Start: slotStart.Add(2 * time.Hour), DurationMinutes: 30})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !a.Start.Equal(slotStart.Add(2*time.Hour)) || !a.End.Equal(slotStart.Add(150*time.Minute)) {
		t.Errorf("unexpected window %s - %s", a.Start, a.End)
	}
	if a.RescheduleCount != 1 || a.Status != StatusConfirmed {
		t.Errorf("unexpected state count=%d status=%s", a.RescheduleCount, a.Status)
	}

	stored, _ := f.store.Appointments().GetByID(context.Background(), a.ID)
	if !stored.Start.Equal(a.Start) || stored.RescheduleCount != 1 {
		t.Errorf("reschedule not persisted: %+v", stored)
	}
}

func TestReschedule_ZeroDurationKeepsLength(t *testing.T) {
	f := newFixture(t)
	b := f.book(t, asPatient, slotStart, 90)

	a, err := f.svc.Reschedule(context.Background(), asPatient, b.Appointment.ID, RescheduleRequest{Start: slotStart.Add(3 * time.Hour)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := a.End.Sub(a.Start); got != 90*time.Minute {
		t.Errorf("expected 90 minutes, got %s", got)
	}
}

func TestReschedule_Cap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.book(t, asPatient, slotStart, 60).Appointment.ID

	for i := 1; i <= MaxReschedules; i++ {
		if _, err := f.svc.Reschedule(ctx, asPatient, id, RescheduleRequest{Start: slotStart.Add(time.Duration(i) * time.Hour)}); err != nil {
			t.Fatalf("reschedule %d: %v", i, err)
		}
	}
	_, err := f.svc.Reschedule(ctx, asDoctor, id, RescheduleRequest{Start: slotStart.Add(5 * time.Hour)})
	assertReason(t, err, KindPolicyViolation, ReasonRescheduleLimitExceeded)

	a, _ := f.store.Appointments().GetByID(ctx, id)
	if a.RescheduleCount != MaxReschedules || !a.Start.Equal(slotStart.Add(MaxReschedules*time.Hour)) {
		t.Errorf("rejected reschedule changed the appointment: %+v", a)
	}
}

func TestReschedule_Lockout(t *testing.T) {
	tests := []struct {
		name    string
		before  time.Duration
		allowed bool
	}{
		{"20 hours before", 20 * time.Hour, false},
		{"exactly 24 hours before", 24 * time.Hour, false},
		{"24 hours and a minute before", 24*time.Hour + time.Minute, true},
		{"three days before", 72 * time.Hour, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			id := f.book(t, asPatient, slotStart, 60).Appointment.ID
			f.setNow(slotStart.Add(-tt.before))

			_, err := f.svc.Reschedule(context.Background(), asPatient, id, RescheduleRequest{Start: slotStart.Add(2 * time.Hour)})
			if tt.allowed {
				if err != nil {
					t.Fatalf("expected reschedule to be allowed, got %v", err)
				}
				return
			}
			assertReason(t, err, KindPolicyViolation, ReasonWithinLockoutWindow)
			if !strings.Contains(err.Error(), "rescheduled") {
				t.Errorf("expected message to mention rescheduling, got %q", err.Error())
			}
		})
	}
}

func TestReschedule_Preconditions(t *testing.T) {
	ctx := context.Background()

	t.Run("in the past", func(t *testing.T) {
		f := newFixture(t)
		id := f.book(t, asPatient, slotStart, 60).Appointment.ID
		f.setNow(slotStart.Add(time.Hour))
		_, err := f.svc.Reschedule(ctx, asPatient, id, RescheduleRequest{Start: slotStart.Add(48 * time.Hour)})
		assertReason(t, err, KindPolicyViolation, ReasonAppointmentInPast)
	})

	t.Run("already cancelled", func(t *testing.T) {
		f := newFixture(t)
		id := f.book(t, asPatient, slotStart, 60).Appointment.ID
		if _, err := f.svc.Cancel(ctx, asPatient, id); err != nil {
			t.Fatal(err)
		}
		_, err := f.svc.Reschedule(ctx, asPatient, id, RescheduleRequest{Start: slotStart.Add(2 * time.Hour)})
		assertReason(t, err, KindPolicyViolation, ReasonAlreadyCancelled)
	})

	t.Run("not a party", func(t *testing.T) {
		f := newFixture(t)
		id := f.book(t, asPatient, slotStart, 60).Appointment.ID
		for _, caller := range []auth.Caller{asOtherPatient, asOtherDoctor} {
			_, err := f.svc.Reschedule(ctx, caller, id, RescheduleRequest{Start: slotStart.Add(2 * time.Hour)})
			assertReason(t, err, KindUnauthorized, ReasonNotOwner)
		}
	})

	t.Run("unknown appointment", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Reschedule(ctx, asPatient, "missing", RescheduleRequest{Start: slotStart})
		assertReason(t, err, KindNotFound, ReasonAppointmentNotFound)
	})

	t.Run("missing start", func(t *testing.T) {
		f := newFixture(t)
		id := f.book(t, asPatient, slotStart, 60).Appointment.ID
		_, err := f.svc.Reschedule(ctx, asPatient, id, RescheduleRequest{})
		assertReason(t, err, KindValidation, ReasonInvalidRequest)
	})

	t.Run("outside working hours", func(t *testing.T) {
		f := newFixture(t)
		id := f.book(t, asPatient, slotStart, 60).Appointment.ID
		_, err := f.svc.Reschedule(ctx, asPatient, id, RescheduleRequest{Start: time.Date(2025, 6, 10, 22, 0, 0, 0, time.UTC)})
		assertReason(t, err, KindValidation, ReasonOutsideWorkingHours)
		a, _ := f.store.Appointments().GetByID(ctx, id)
		if a.RescheduleCount != 0 {
			t.Error("rejected reschedule must not count")
		}
	})
}

func TestReschedule_Conflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.book(t, asPatient, slotStart, 60).Appointment.ID
	f.book(t, asOtherPatient, slotStart.Add(2*time.Hour), 60)

	_, err := f.svc.Reschedule(ctx, asPatient, id, RescheduleRequest{Start: slotStart.Add(90 * time.Minute)})
	assertReason(t, err, KindSlotConflict, ReasonDoctorUnavailable)

	// Sliding over its own current slot is fine.
	a, err := f.svc.Reschedule(ctx, asPatient, id, RescheduleRequest{Start: slotStart.Add(30 * time.Minute)})
	if err != nil {
		t.Fatalf("expected overlap with itself to be allowed, got %v", err)
	}
	if !a.Start.Equal(slotStart.Add(30 * time.Minute)) {
		t.Errorf("unexpected start %s", a.Start)
	}
}

func TestReschedule_NotificationsByInitiator(t *testing.T) {
	ctx := context.Background()

	t.Run("patient", func(t *testing.T) {
		f := newFixture(t)
		id := f.book(t, asPatient, slotStart, 60).Appointment.ID
		if _, err := f.svc.Reschedule(ctx, asPatient, id, RescheduleRequest{Start: slotStart.Add(2 * time.Hour)}); err != nil {
			t.Fatal(err)
		}
		doc := f.notificationsFor(auth.RoleDoctor, doctorID)
		if len(doc) != 2 || doc[0].Type != string(notification.TypeAppointmentRescheduled) {
			t.Errorf("expected doctor to be told about the move, got %+v", doc)
		}
		if !strings.Contains(doc[0].Message, "11:00 to 12:00") {
			t.Errorf("expected new time in doctor's zone, got %q", doc[0].Message)
		}
		if n := len(f.notificationsFor(auth.RolePatient, patientID)); n != 1 {
			t.Errorf("patient moved it themselves, expected no new notification, got %d", n)
		}
	})

	t.Run("doctor", func(t *testing.T) {
		f := newFixture(t)
		id := f.book(t, asPatient, slotStart, 60).Appointment.ID
		if _, err := f.svc.Reschedule(ctx, asDoctor, id, RescheduleRequest{Start: slotStart.Add(2 * time.Hour)}); err != nil {
			t.Fatal(err)
		}
		pat := f.notificationsFor(auth.RolePatient, patientID)
		if len(pat) != 2 || pat[0].Type != string(notification.TypeAppointmentRescheduled) {
			t.Fatalf("expected patient to be told about the move, got %+v", pat)
		}
		if !strings.Contains(pat[0].Message, "Dr. Grey moved your appointment") {
			t.Errorf("unexpected patient message %q", pat[0].Message)
		}
	})
}
