package scheduling

import (
	"context"
	"testing"
	"time"

	"github.com/medibook/medibook/pkg/timewindow"
)

func TestConflictDetector(t *testing.T) {
	f := newFixture(t)
	existing := confirmedAt(slotStart, 60)
	f.seed(t, existing, nil)

	cancelled := confirmedAt(slotStart.Add(3*time.Hour), 60)
	f.seed(t, cancelled, nil)
	cancelled.Status = StatusCancelled
	if err := f.store.WithinTx(context.Background(), func(tx Tx) error {
		return tx.Appointments().Update(context.Background(), cancelled)
	}); err != nil {
		t.Fatalf("cancel seed: %v", err)
	}

	hour := func(start time.Time) timewindow.Window { return timewindow.FromDuration(start, time.Hour) }
	tests := []struct {
		name      string
		q         ConflictQuery
		wantParty Party
	}{
		{"touching before", ConflictQuery{DoctorID: doctorID, PatientID: otherPatientID, Window: hour(slotStart.Add(-time.Hour))}, 0},
		{"touching after", ConflictQuery{DoctorID: doctorID, PatientID: otherPatientID, Window: hour(slotStart.Add(time.Hour))}, 0},
		{"same doctor overlap", ConflictQuery{DoctorID: doctorID, PatientID: otherPatientID, Window: hour(slotStart.Add(30 * time.Minute))}, PartyDoctor},
		{"same patient other doctor", ConflictQuery{DoctorID: otherDoctorID, PatientID: patientID, Window: hour(slotStart)}, PartyPatient},
		{"both sides busy reports doctor", ConflictQuery{DoctorID: doctorID, PatientID: patientID, Window: hour(slotStart)}, PartyDoctor},
		{"contained window", ConflictQuery{DoctorID: doctorID, Window: timewindow.FromDuration(slotStart.Add(15*time.Minute), 15*time.Minute)}, PartyDoctor},
		{"cancelled slot is free", ConflictQuery{DoctorID: doctorID, PatientID: patientID, Window: hour(slotStart.Add(3 * time.Hour))}, 0},
		{"excluding itself", ConflictQuery{DoctorID: doctorID, PatientID: patientID, Window: hour(slotStart.Add(30 * time.Minute)), ExcludeID: existing.ID}, 0},
		{"unrelated parties", ConflictQuery{DoctorID: otherDoctorID, PatientID: otherPatientID, Window: hour(slotStart)}, 0},
	}

	var d ConflictDetector
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := d.Find(context.Background(), f.store.Appointments(), tt.q)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantParty == 0 {
				if c != nil {
					t.Fatalf("expected no conflict, got %s side %s", c.Party, c.Appointment.ID)
				}
				return
			}
			if c == nil || c.Party != tt.wantParty {
				t.Fatalf("expected %s conflict, got %+v", tt.wantParty, c)
			}
			if c.Appointment.ID != existing.ID {
				t.Errorf("expected conflicting appointment %s, got %s", existing.ID, c.Appointment.ID)
			}
		})
	}
}

func TestConflictDetector_CheckReasons(t *testing.T) {
	f := newFixture(t)
	f.seed(t, confirmedAt(slotStart, 60), nil)
	var d ConflictDetector
	ctx := context.Background()

	err := d.Check(ctx, f.store.Appointments(), ConflictQuery{DoctorID: doctorID, Window: timewindow.FromDuration(slotStart, time.Hour)})
	assertReason(t, err, KindSlotConflict, ReasonDoctorUnavailable)

	err = d.Check(ctx, f.store.Appointments(), ConflictQuery{DoctorID: otherDoctorID, PatientID: patientID, Window: timewindow.FromDuration(slotStart, time.Hour)})
	assertReason(t, err, KindSlotConflict, ReasonPatientUnavailable)
	if !err.(*Error).Retryable() {
		t.Error("slot conflicts are retryable with another slot")
	}
}
