package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/medibook/medibook/internal/platform/auth"
	"github.com/medibook/medibook/internal/platform/notification"
	"github.com/medibook/medibook/pkg/timewindow"
)

type RescheduleRequest struct {
	Start time.Time `json:"start"`
	// DurationMinutes of zero keeps the current length.
	DurationMinutes int `json:"duration_minutes,omitempty"`
}

// Reschedule moves a confirmed appointment to a new slot on behalf of its
// patient or doctor.
func (s *Service) Reschedule(ctx context.Context, caller auth.Caller, id string, req RescheduleRequest) (*Appointment, error) {
	if req.Start.IsZero() {
		return nil, invalid("start is required")
	}
	a, err := s.loadAppointment(ctx, s.store, id)
	if err != nil {
		return nil, err
	}
	if !a.OwnedBy(caller) {
		return nil, forbidden(ReasonNotOwner, "only the patient or doctor on this appointment can reschedule it")
	}

	now := s.clock()
	if err := checkReschedule(a, now); err != nil {
		return nil, err
	}

	d := a.Window().Duration()
	if req.DurationMinutes != 0 {
		d = time.Duration(req.DurationMinutes) * time.Minute
	}
	w := timewindow.FromDuration(req.Start, d)

	doc, err := s.loadDoctor(ctx, s.store, a.DoctorID)
	if err != nil {
		return nil, err
	}
	pat, err := s.loadPatient(ctx, s.store, a.PatientID)
	if err != nil {
		return nil, err
	}
	if err := s.policy.Validate(doc, w, now); err != nil {
		return nil, err
	}
	q := ConflictQuery{DoctorID: a.DoctorID, PatientID: a.PatientID, Window: w, ExcludeID: a.ID}
	if err := s.conflicts.Check(ctx, s.store.Appointments(), q); err != nil {
		return nil, err
	}

	var updated *Appointment
	err = s.store.WithinTx(ctx, func(tx Tx) error {
		if err := tx.Lock(ctx, doctorLockKey(a.DoctorID), patientLockKey(a.PatientID)); err != nil {
			return err
		}
		cur, err := s.loadAppointment(ctx, tx, id)
		if err != nil {
			return err
		}
		// Re-check against the locked row: a concurrent reschedule or
		// cancellation may have landed since the first read.
		if err := checkReschedule(cur, now); err != nil {
			return err
		}
		if err := s.conflicts.Check(ctx, tx.Appointments(), q); err != nil {
			return err
		}
		if err := cur.Transition(StatusConfirmed); err != nil {
			return err
		}
		cur.Start, cur.End = w.Start, w.End
		cur.RescheduleCount++
		if err := tx.Appointments().Update(ctx, cur); err != nil {
			return err
		}

		n := names(doc, pat)
		msgs := []message{{auth.RoleDoctor, doc.ID, doc.Timezone, notification.RescheduledDoctor, n}}
		if caller.Role != auth.RolePatient {
			msgs = append(msgs, message{auth.RolePatient, pat.ID, pat.Timezone, notification.RescheduledPatient, n})
		}
		if err := s.writeNotifications(ctx, tx, cur, msgs...); err != nil {
			return err
		}
		updated = cur
		return nil
	})
	if err != nil {
		return nil, s.writeFailed(err, "saving the reschedule")
	}

	s.logger.Info().
		Str("appointment_id", updated.ID).
		Str("by", string(caller.Role)).
		Int("reschedule_count", updated.RescheduleCount).
		Str("slot", w.String()).
		Msg("appointment rescheduled")
	return updated, nil
}

// checkReschedule applies the preconditions on the current appointment, in
// order: status, not started, outside the lockout window, under the cap.
func checkReschedule(a *Appointment, now time.Time) error {
	if err := CanReschedule(a); err != nil {
		return err
	}
	if !a.Start.After(now) {
		return newError(KindPolicyViolation, ReasonAppointmentInPast, "past appointments cannot be rescheduled")
	}
	if !outsideLockout(a, now) {
		return newError(KindPolicyViolation, ReasonWithinLockoutWindow,
			fmt.Sprintf("appointments cannot be rescheduled less than %d hours before they start", int(LockoutWindow.Hours())))
	}
	if a.RescheduleCount >= MaxReschedules {
		return newError(KindPolicyViolation, ReasonRescheduleLimitExceeded,
			fmt.Sprintf("an appointment can be rescheduled at most %d times", MaxReschedules))
	}
	return nil
}

// outsideLockout reports whether now is more than LockoutWindow before the
// appointment starts.
func outsideLockout(a *Appointment, now time.Time) bool {
	return now.Before(a.Start.Add(-LockoutWindow))
}
