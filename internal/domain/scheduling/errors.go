package scheduling

import (
	"errors"
	"fmt"

	"github.com/medibook/medibook/internal/platform/payment"
)

// Kind groups workflow failures by how a caller should react to them.
type Kind uint8

const (
	KindValidation Kind = iota + 1
	KindPolicyViolation
	KindSlotConflict
	KindExternal
	KindNotFound
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPolicyViolation:
		return "policy_violation"
	case KindSlotConflict:
		return "slot_conflict"
	case KindExternal:
		return "external_dependency_failure"
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "unauthorized"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Reason names the rule that rejected a request.
type Reason string

const (
	ReasonInvalidRequest      Reason = "InvalidRequest"
	ReasonInvalidDuration     Reason = "InvalidDuration"
	ReasonMisalignedStart     Reason = "MisalignedStart"
	ReasonPastOrTooFarAhead   Reason = "PastOrTooFarAhead"
	ReasonOutsideWorkingHours Reason = "OutsideWorkingHours"

	ReasonRescheduleLimitExceeded Reason = "RescheduleLimitExceeded"
	ReasonWithinLockoutWindow     Reason = "WithinLockoutWindow"
	ReasonAlreadyCancelled        Reason = "AlreadyCancelled"
	ReasonInvalidTransition       Reason = "InvalidTransition"
	ReasonAppointmentInPast       Reason = "AppointmentInPast"
	ReasonPaymentNotCompleted     Reason = "PaymentNotCompleted"
	ReasonCheckoutExpired         Reason = "CheckoutExpired"
	ReasonPaymentMissing          Reason = "PaymentMissing"
	ReasonInvalidAmount           Reason = "InvalidAmount"
	ReasonDoctorMisconfigured     Reason = "DoctorMisconfigured"

	ReasonDoctorUnavailable  Reason = "DoctorUnavailable"
	ReasonPatientUnavailable Reason = "PatientUnavailable"

	ReasonGatewayFailure Reason = "GatewayFailure"
	ReasonStoreFailure   Reason = "StoreFailure"

	ReasonAppointmentNotFound Reason = "AppointmentNotFound"
	ReasonDoctorNotFound      Reason = "DoctorNotFound"
	ReasonPatientNotFound     Reason = "PatientNotFound"
	ReasonCheckoutNotFound    Reason = "CheckoutNotFound"

	ReasonNotOwner  Reason = "NotOwner"
	ReasonWrongRole Reason = "WrongRole"
)

// Error is the typed result of a rejected workflow step.
type Error struct {
	Kind    Kind
	Reason  Reason
	Message string
	Err     error
}

func newError(kind Kind, reason Reason, msg string) *Error {
	return &Error{Kind: kind, Reason: reason, Message: msg}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether repeating the request can succeed: slot conflicts
// with a different slot, dependency failures as-is.
func (e *Error) Retryable() bool {
	return e.Kind == KindSlotConflict || e.Kind == KindExternal
}

// KindOf returns the Kind of err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// ReasonOf returns the Reason of err, or "" when err is not an *Error.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

func invalid(msg string) *Error {
	return newError(KindValidation, ReasonInvalidRequest, msg)
}

// gatewayFailure classifies a gateway error. Requests the provider refuses
// as malformed fail the same way on every attempt and are not retryable.
func gatewayFailure(op string, err error) *Error {
	if errors.Is(err, payment.ErrInvalidRequest) {
		return &Error{Kind: KindValidation, Reason: ReasonInvalidRequest, Message: op + " was rejected by the payment provider", Err: err}
	}
	return &Error{Kind: KindExternal, Reason: ReasonGatewayFailure, Message: op + " failed, please retry", Err: err}
}

func storeFailure(op string, err error) *Error {
	return &Error{Kind: KindExternal, Reason: ReasonStoreFailure, Message: op + " failed, please retry", Err: err}
}

// misconfigured reports a doctor whose stored availability cannot be read.
// Retrying does not help until the record is corrected.
func misconfigured(doc *Doctor, err error) *Error {
	return &Error{
		Kind:    KindPolicyViolation,
		Reason:  ReasonDoctorMisconfigured,
		Message: "doctor " + doc.ID + " has no usable working hours",
		Err:     err,
	}
}

func notFound(reason Reason, what string) *Error {
	return newError(KindNotFound, reason, what+" not found")
}

func forbidden(reason Reason, msg string) *Error {
	return newError(KindUnauthorized, reason, msg)
}
