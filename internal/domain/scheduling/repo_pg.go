package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medibook/medibook/internal/platform/auth"
	"github.com/medibook/medibook/internal/platform/db"
)

// PGStore is the Postgres Store. Overlap is rejected by the exclusion
// constraints on appointments; writers additionally serialise on advisory
// locks so the in-transaction conflict check sees committed rivals.
type PGStore struct {
	pool *pgxpool.Pool
	pgRepos
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool, pgRepos: pgRepos{q: pool}}
}

func (s *PGStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{pgRepos{q: tx}})
	})
}

type pgRepos struct{ q db.Queryable }

func (r pgRepos) Appointments() AppointmentRepository   { return &appointmentRepoPG{q: r.q} }
func (r pgRepos) Payments() PaymentRepository           { return &paymentRepoPG{q: r.q} }
func (r pgRepos) Notifications() NotificationRepository { return &notificationRepoPG{q: r.q} }
func (r pgRepos) Doctors() DoctorRepository             { return &doctorRepoPG{q: r.q} }
func (r pgRepos) Patients() PatientRepository           { return &patientRepoPG{q: r.q} }

type pgTx struct{ pgRepos }

func (t *pgTx) Lock(ctx context.Context, keys ...string) error {
	return db.AdvisoryLock(ctx, t.q, keys...)
}

// translate maps constraint violations onto the store sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if pgErr, ok := db.ConstraintViolation(err, db.CodeForeignKeyViolation); ok {
		return fmt.Errorf("%w (%s)", ErrNotFound, pgErr.ConstraintName)
	}
	if pgErr, ok := db.ConstraintViolation(err, db.CodeExclusionViolation); ok {
		return fmt.Errorf("%w (%s)", ErrOverlap, pgErr.ConstraintName)
	}
	if pgErr, ok := db.ConstraintViolation(err, db.CodeUniqueViolation); ok {
		switch pgErr.ConstraintName {
		case "payments_external_reference_key", "payments_appointment_id_key":
			return fmt.Errorf("%w (%s)", ErrDuplicatePayment, pgErr.ConstraintName)
		}
	}
	return err
}

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ q db.Queryable }

const apptCols = `id::text, patient_id::text, doctor_id::text, start_at, end_at, status,
	initiated_by, reschedule_count, reason, notes, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var status, initiatedBy string
	err := row.Scan(&a.ID, &a.PatientID, &a.DoctorID, &a.Start, &a.End, &status,
		&initiatedBy, &a.RescheduleCount, &a.Reason, &a.Notes, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, translate(err)
	}
	if a.Status, err = ParseStatus(status); err != nil {
		return nil, err
	}
	if a.InitiatedBy, err = ParseInitiatedBy(initiatedBy); err != nil {
		return nil, err
	}
	a.Start, a.End = a.Start.UTC(), a.End.UTC()
	return &a, nil
}

func collectAppointments(rows pgx.Rows) ([]*Appointment, error) {
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	err := r.q.QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, doctor_id, start_at, end_at, status,
			initiated_by, reschedule_count, reason, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at, updated_at`,
		a.ID, a.PatientID, a.DoctorID, a.Start, a.End, a.Status.String(),
		a.InitiatedBy.String(), a.RescheduleCount, a.Reason, a.Notes,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	return translate(err)
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id string) (*Appointment, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	return scanAppointment(r.q.QueryRow(ctx, `SELECT `+apptCols+` FROM appointments WHERE id = $1`, id))
}

func (r *appointmentRepoPG) Update(ctx context.Context, a *Appointment) error {
	err := r.q.QueryRow(ctx, `
		UPDATE appointments SET start_at=$2, end_at=$3, status=$4, reschedule_count=$5, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		a.ID, a.Start, a.End, a.Status.String(), a.RescheduleCount,
	).Scan(&a.UpdatedAt)
	return translate(err)
}

func partyColumn(p Party) string {
	if p == PartyDoctor {
		return "doctor_id"
	}
	return "patient_id"
}

func (r *appointmentRepoPG) FindOverlapping(ctx context.Context, q OverlapQuery) (*Appointment, error) {
	var exclude *string
	if q.ExcludeID != "" {
		exclude = &q.ExcludeID
	}
	a, err := scanAppointment(r.q.QueryRow(ctx, `SELECT `+apptCols+` FROM appointments
		WHERE `+partyColumn(q.Party)+` = $1
			AND status <> 'cancelled'
			AND start_at < $3 AND end_at > $2
			AND ($4::uuid IS NULL OR id <> $4::uuid)
		ORDER BY start_at
		LIMIT 1`,
		q.PartyID, q.Window.Start, q.Window.End, exclude))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return a, err
}

func (r *appointmentRepoPG) ListByDoctorBetween(ctx context.Context, doctorID string, from, to time.Time) ([]*Appointment, error) {
	rows, err := r.q.Query(ctx, `SELECT `+apptCols+` FROM appointments
		WHERE doctor_id = $1 AND status <> 'cancelled' AND start_at < $3 AND end_at > $2
		ORDER BY start_at`, doctorID, from, to)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *appointmentRepoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Appointment, int, error) {
	where := ` WHERE ` + partyColumn(f.Party) + ` = $1`
	args := []interface{}{f.PartyID}
	if f.Status != 0 {
		where += ` AND status = $2`
		args = append(args, f.Status.String())
	}

	var total int
	if err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM appointments`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := fmt.Sprintf(`SELECT %s FROM appointments%s ORDER BY start_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		apptCols, where, len(args)+1, len(args)+2)
	rows, err := r.q.Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectAppointments(rows)
	return items, total, err
}

// =========== Payment Repository ===========

type paymentRepoPG struct{ q db.Queryable }

const paymentCols = `id::text, appointment_id::text, amount, currency, external_reference,
	checkout_reference, refund_amount, refund_id, created_at, updated_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.AppointmentID, &p.Amount, &p.Currency, &p.ExternalReference,
		&p.CheckoutReference, &p.RefundAmount, &p.RefundID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (r *paymentRepoPG) Create(ctx context.Context, p *Payment) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	err := r.q.QueryRow(ctx, `
		INSERT INTO payments (id, appointment_id, amount, currency, external_reference, checkout_reference)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at, updated_at`,
		p.ID, p.AppointmentID, p.Amount, p.Currency, p.ExternalReference, p.CheckoutReference,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	return translate(err)
}

func (r *paymentRepoPG) GetByExternalReference(ctx context.Context, ref string) (*Payment, error) {
	return scanPayment(r.q.QueryRow(ctx, `SELECT `+paymentCols+` FROM payments WHERE external_reference = $1`, ref))
}

func (r *paymentRepoPG) GetByAppointment(ctx context.Context, appointmentID string) (*Payment, error) {
	return scanPayment(r.q.QueryRow(ctx, `SELECT `+paymentCols+` FROM payments WHERE appointment_id = $1`, appointmentID))
}

func (r *paymentRepoPG) RecordRefund(ctx context.Context, paymentID string, amount int64, refundID *string) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE payments SET refund_amount=$2, refund_id=$3, updated_at=NOW()
		WHERE id = $1`, paymentID, amount, refundID)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// =========== Notification Repository ===========

type notificationRepoPG struct{ q db.Queryable }

func (r *notificationRepoPG) Insert(ctx context.Context, n *Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	err := r.q.QueryRow(ctx, `
		INSERT INTO notifications (id, recipient_role, recipient_id, type, message, is_read,
			appointment_id, start_time, end_time)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at`,
		n.ID, string(n.RecipientRole), n.RecipientID, n.Type, n.Message, n.IsRead,
		n.AppointmentID, n.StartTime, n.EndTime,
	).Scan(&n.CreatedAt)
	return translate(err)
}

func (r *notificationRepoPG) ListByRecipient(ctx context.Context, role auth.Role, recipientID string, limit, offset int) ([]*Notification, int, error) {
	var total int
	if err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM notifications WHERE recipient_role = $1 AND recipient_id = $2`,
		string(role), recipientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.q.Query(ctx, `
		SELECT id::text, recipient_role, recipient_id::text, type, message, is_read,
			appointment_id::text, start_time, end_time, created_at
		FROM notifications
		WHERE recipient_role = $1 AND recipient_id = $2
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`, string(role), recipientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Notification
	for rows.Next() {
		var n Notification
		var recipientRole string
		if err := rows.Scan(&n.ID, &recipientRole, &n.RecipientID, &n.Type, &n.Message, &n.IsRead,
			&n.AppointmentID, &n.StartTime, &n.EndTime, &n.CreatedAt); err != nil {
			return nil, 0, err
		}
		n.RecipientRole = auth.Role(recipientRole)
		items = append(items, &n)
	}
	return items, total, rows.Err()
}

// =========== Doctor / Patient Repositories ===========

type doctorRepoPG struct{ q db.Queryable }

func (r *doctorRepoPG) GetByID(ctx context.Context, id string) (*Doctor, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	var d Doctor
	err := r.q.QueryRow(ctx, `SELECT id::text, name, start_time, end_time, timezone, price FROM doctors WHERE id = $1`, id).
		Scan(&d.ID, &d.Name, &d.StartTime, &d.EndTime, &d.Timezone, &d.Price)
	if err != nil {
		return nil, translate(err)
	}
	return &d, nil
}

type patientRepoPG struct{ q db.Queryable }

func (r *patientRepoPG) GetByID(ctx context.Context, id string) (*Patient, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	var p Patient
	err := r.q.QueryRow(ctx, `SELECT id::text, name, email, timezone FROM patients WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Email, &p.Timezone)
	if err != nil {
		return nil, translate(err)
	}
	return &p, nil
}
