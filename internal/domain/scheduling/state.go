package scheduling

import "fmt"

// Status is the lifecycle state of an appointment. The zero value is not a
// valid status.
type Status uint8

const (
	StatusPending Status = iota + 1
	StatusConfirmed
	StatusCancelled
	StatusCompleted
	StatusNoShow
)

var statusNames = map[Status]string{
	StatusPending:   "pending",
	StatusConfirmed: "confirmed",
	StatusCancelled: "cancelled",
	StatusCompleted: "completed",
	StatusNoShow:    "no_show",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// Valid reports whether s is one of the declared statuses.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// ParseStatus accepts only the declared status names.
func ParseStatus(v string) (Status, error) {
	for s, n := range statusNames {
		if n == v {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown appointment status %q", v)
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("cannot marshal %s", s)
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// transitions lists the status changes the engine accepts. Completed and
// no_show are written by post-appointment processing; cancelled is terminal.
var transitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusConfirmed, StatusCancelled, StatusCompleted, StatusNoShow},
}

// CanTransition reports whether an appointment may move from one status to
// another. A reschedule is confirmed -> confirmed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves a to status to, or fails without touching a.
func (a *Appointment) Transition(to Status) error {
	if a.Status == StatusCancelled {
		return newError(KindPolicyViolation, ReasonAlreadyCancelled, "appointment is already cancelled")
	}
	if !CanTransition(a.Status, to) {
		return newError(KindPolicyViolation, ReasonInvalidTransition,
			fmt.Sprintf("appointment cannot move from %s to %s", a.Status, to))
	}
	a.Status = to
	return nil
}

// CanReschedule checks the status precondition of a reschedule.
func CanReschedule(a *Appointment) error {
	return checkTransition(a, StatusConfirmed, "rescheduled")
}

// CanCancel checks the status precondition of a cancellation.
func CanCancel(a *Appointment) error {
	return checkTransition(a, StatusCancelled, "cancelled")
}

func checkTransition(a *Appointment, to Status, verb string) error {
	if a.Status == StatusCancelled {
		return newError(KindPolicyViolation, ReasonAlreadyCancelled, "appointment is already cancelled")
	}
	if a.Status != StatusConfirmed || !CanTransition(a.Status, to) {
		return newError(KindPolicyViolation, ReasonInvalidTransition,
			fmt.Sprintf("a %s appointment cannot be %s", a.Status, verb))
	}
	return nil
}

// InitiatedBy records which party created an appointment.
type InitiatedBy uint8

const (
	InitiatedByPatient InitiatedBy = iota + 1
	InitiatedByDoctor
)

func (i InitiatedBy) String() string {
	switch i {
	case InitiatedByPatient:
		return "patient"
	case InitiatedByDoctor:
		return "doctor"
	}
	return fmt.Sprintf("InitiatedBy(%d)", uint8(i))
}

func ParseInitiatedBy(v string) (InitiatedBy, error) {
	switch v {
	case "patient":
		return InitiatedByPatient, nil
	case "doctor":
		return InitiatedByDoctor, nil
	}
	return 0, fmt.Errorf("unknown initiator %q", v)
}

func (i InitiatedBy) MarshalText() ([]byte, error) {
	if i != InitiatedByPatient && i != InitiatedByDoctor {
		return nil, fmt.Errorf("cannot marshal %s", i)
	}
	return []byte(i.String()), nil
}

func (i *InitiatedBy) UnmarshalText(b []byte) error {
	v, err := ParseInitiatedBy(string(b))
	if err != nil {
		return err
	}
	*i = v
	return nil
}
