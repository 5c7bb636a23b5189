package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/medibook/medibook/internal/platform/auth"
	"github.com/medibook/medibook/internal/platform/notification"
	"github.com/medibook/medibook/internal/platform/payment"
)

// RefundFor is the refund owed on cancellation: half the amount paid,
// rounded down.
func RefundFor(amount int64) int64 {
	if amount <= 0 {
		return 0
	}
	return amount / 2
}

type Cancellation struct {
	Appointment *Appointment `json:"appointment"`
	Payment     *Payment     `json:"payment"`
}

// Cancel cancels a patient's paid appointment and refunds half of the
// payment. The refund is issued before anything is written; if the gateway
// fails nothing changes and the call can be retried.
func (s *Service) Cancel(ctx context.Context, caller auth.Caller, id string) (*Cancellation, error) {
	a, err := s.loadAppointment(ctx, s.store, id)
	if err != nil {
		return nil, err
	}
	if !caller.IsPatient() || a.PatientID != caller.ID {
		return nil, forbidden(ReasonNotOwner, "only the patient who booked this appointment can cancel it")
	}
	now := s.clock()
	if err := checkCancel(a, now); err != nil {
		return nil, err
	}

	p, err := s.store.Payments().GetByAppointment(ctx, a.ID)
	if errors.Is(err, ErrNotFound) {
		return nil, newError(KindPolicyViolation, ReasonPaymentMissing, "this appointment has no payment to refund")
	}
	if err != nil {
		return nil, storeFailure("load payment", err)
	}
	doc, err := s.loadDoctor(ctx, s.store, a.DoctorID)
	if err != nil {
		return nil, err
	}
	pat, err := s.loadPatient(ctx, s.store, a.PatientID)
	if err != nil {
		return nil, err
	}

	amount := RefundFor(p.Amount)
	var refundID *string
	if amount > 0 {
		r, err := s.gateway.Refund(ctx, payment.RefundRequest{
			PaymentReference: p.ExternalReference,
			Amount:           amount,
			IdempotencyKey:   "refund-" + p.ID,
		})
		if err != nil {
			s.logger.Error().Err(err).
				Str("appointment_id", a.ID).
				Str("payment_id", p.ID).
				Int64("refund_amount", amount).
				Msg("refund failed, appointment left unchanged")
			return nil, gatewayFailure("issuing the refund", err)
		}
		refundID = &r.Reference
	}

	var out *Cancellation
	err = s.store.WithinTx(ctx, func(tx Tx) error {
		if err := tx.Lock(ctx, doctorLockKey(a.DoctorID), patientLockKey(a.PatientID)); err != nil {
			return err
		}
		cur, err := s.loadAppointment(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := cur.Transition(StatusCancelled); err != nil {
			return err
		}
		if err := tx.Appointments().Update(ctx, cur); err != nil {
			return err
		}
		if err := tx.Payments().RecordRefund(ctx, p.ID, amount, refundID); err != nil {
			return err
		}
		paid := *p
		paid.RefundAmount, paid.RefundID = &amount, refundID

		data := names(doc, pat)
		data["refund"] = notification.FormatAmount(amount, p.Currency)
		if err := s.writeNotifications(ctx, tx, cur,
			message{auth.RolePatient, pat.ID, pat.Timezone, notification.CancelledPatient, data},
			message{auth.RoleDoctor, doc.ID, doc.Timezone, notification.CancelledDoctor, data},
		); err != nil {
			return err
		}
		out = &Cancellation{Appointment: cur, Payment: &paid}
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).
			Str("appointment_id", a.ID).
			Str("payment_id", p.ID).
			Str("refund_id", strVal(refundID)).
			Msg("refund issued but cancellation not saved")
		return nil, s.writeFailed(err, "saving the cancellation")
	}

	s.logger.Info().
		Str("appointment_id", a.ID).
		Str("patient_id", a.PatientID).
		Int64("refund_amount", amount).
		Str("refund_id", strVal(refundID)).
		Msg("appointment cancelled")
	return out, nil
}

// checkCancel applies the status and lockout preconditions.
func checkCancel(a *Appointment, now time.Time) error {
	if err := CanCancel(a); err != nil {
		return err
	}
	if !outsideLockout(a, now) {
		return newError(KindPolicyViolation, ReasonWithinLockoutWindow,
			fmt.Sprintf("appointments cannot be cancelled less than %d hours before they start", int(LockoutWindow.Hours())))
	}
	return nil
}
