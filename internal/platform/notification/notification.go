// Package notification renders the in-app messages written when an
// appointment is booked, rescheduled or cancelled.
package notification

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Type classifies a notification for display.
type Type string

const (
	TypeAppointmentBooked      Type = "appointment_booked"
	TypeAppointmentRescheduled Type = "appointment_rescheduled"
	TypeAppointmentCancelled   Type = "appointment_cancelled"
)

// Template ids.
const (
	BookedPatient      = "appointment-booked-patient"
	BookedDoctor       = "appointment-booked-doctor"
	CreatedByDoctor    = "appointment-created-by-doctor"
	RescheduledDoctor  = "appointment-rescheduled-doctor"
	RescheduledPatient = "appointment-rescheduled-patient"
	CancelledPatient   = "appointment-cancelled-patient"
	CancelledDoctor    = "appointment-cancelled-doctor"
)

// Template defines a reusable message.
type Template struct {
	ID   string `json:"id"`
	Type Type   `json:"type"`
	Body string `json:"body"`
}

// TemplateEngine manages templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:   BookedPatient,
			Type: TypeAppointmentBooked,
			Body: "Your appointment with {{doctor_name}} is confirmed for {{date}} from {{start}} to {{end}} ({{timezone}}).",
		},
		{
			ID:   BookedDoctor,
			Type: TypeAppointmentBooked,
			Body: "{{patient_name}} booked an appointment with you on {{date}} from {{start}} to {{end}} ({{timezone}}).",
		},
		{
			ID:   CreatedByDoctor,
			Type: TypeAppointmentBooked,
			Body: "{{doctor_name}} scheduled an appointment for you on {{date}} from {{start}} to {{end}} ({{timezone}}).",
		},
		{
			ID:   RescheduledDoctor,
			Type: TypeAppointmentRescheduled,
			Body: "Your appointment with {{patient_name}} has been moved to {{date}} from {{start}} to {{end}} ({{timezone}}).",
		},
		{
			ID:   RescheduledPatient,
			Type: TypeAppointmentRescheduled,
			Body: "{{doctor_name}} moved your appointment to {{date}} from {{start}} to {{end}} ({{timezone}}).",
		},
		{
			ID:   CancelledPatient,
			Type: TypeAppointmentCancelled,
			Body: "Your appointment with {{doctor_name}} on {{date}} at {{start}} ({{timezone}}) was cancelled. A refund of {{refund}} has been issued.",
		},
		{
			ID:   CancelledDoctor,
			Type: TypeAppointmentCancelled,
			Body: "{{patient_name}} cancelled the appointment on {{date}} at {{start}} ({{timezone}}).",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (Type, string, error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	body := t.Body
	for k, v := range data {
		body = strings.ReplaceAll(body, "{{"+k+"}}", v)
	}
	return t.Type, body, nil
}

// TimeData returns the date/start/end/timezone placeholders for an interval
// shown in loc.
func TimeData(start, end time.Time, loc *time.Location) map[string]string {
	if loc == nil {
		loc = time.UTC
	}
	ls, le := start.In(loc), end.In(loc)
	return map[string]string{
		"date":     ls.Format("Mon, Jan 2 2006"),
		"start":    ls.Format("15:04"),
		"end":      le.Format("15:04"),
		"timezone": loc.String(),
	}
}

// FormatAmount renders minor currency units as a decimal amount, e.g. 1050 usd -> "10.50 USD".
func FormatAmount(minor int64, currency string) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, minor/100, minor%100, strings.ToUpper(currency))
}
