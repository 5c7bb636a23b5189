package scheduling

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medibook/medibook/internal/platform/auth"
)

// MemoryStore is an in-process Store. Transactions are serialised and run
// against a copy that replaces the live data on commit. It enforces the same
// overlap and unique-reference rules as the Postgres schema.
type MemoryStore struct {
	mu   sync.Mutex
	data *memData
	now  func() time.Time
}

type memData struct {
	doctors       map[string]Doctor
	patients      map[string]Patient
	appointments  map[string]Appointment
	payments      map[string]Payment
	notifications []Notification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: &memData{
			doctors:      make(map[string]Doctor),
			patients:     make(map[string]Patient),
			appointments: make(map[string]Appointment),
			payments:     make(map[string]Payment),
		},
		now: time.Now,
	}
}

func (d *memData) clone() *memData {
	c := &memData{
		doctors:       make(map[string]Doctor, len(d.doctors)),
		patients:      make(map[string]Patient, len(d.patients)),
		appointments:  make(map[string]Appointment, len(d.appointments)),
		payments:      make(map[string]Payment, len(d.payments)),
		notifications: append([]Notification(nil), d.notifications...),
	}
	for k, v := range d.doctors {
		c.doctors[k] = v
	}
	for k, v := range d.patients {
		c.patients[k] = v
	}
	for k, v := range d.appointments {
		c.appointments[k] = v
	}
	for k, v := range d.payments {
		c.payments[k] = v
	}
	return c
}

// AddDoctor inserts or replaces a doctor record.
func (s *MemoryStore) AddDoctor(d Doctor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.doctors[d.ID] = d
}

// AddPatient inserts or replaces a patient record.
func (s *MemoryStore) AddPatient(p Patient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.patients[p.ID] = p
}

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.data.clone()
	if err := fn(&memTx{memRepos{store: s, tx: work}}); err != nil {
		return err
	}
	s.data = work
	return nil
}

func (s *MemoryStore) Appointments() AppointmentRepository   { return memRepos{store: s}.Appointments() }
func (s *MemoryStore) Payments() PaymentRepository           { return memRepos{store: s}.Payments() }
func (s *MemoryStore) Notifications() NotificationRepository { return memRepos{store: s}.Notifications() }
func (s *MemoryStore) Doctors() DoctorRepository             { return memRepos{store: s}.Doctors() }
func (s *MemoryStore) Patients() PatientRepository           { return memRepos{store: s}.Patients() }

// memRepos reads the transaction copy when tx is set, otherwise the live
// data under the store lock.
type memRepos struct {
	store *MemoryStore
	tx    *memData
}

func (r memRepos) view(fn func(d *memData) error) error {
	if r.tx != nil {
		return fn(r.tx)
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	return fn(r.store.data)
}

func (r memRepos) Appointments() AppointmentRepository   { return memAppointments{r} }
func (r memRepos) Payments() PaymentRepository           { return memPayments{r} }
func (r memRepos) Notifications() NotificationRepository { return memNotifications{r} }
func (r memRepos) Doctors() DoctorRepository             { return memDoctors{r} }
func (r memRepos) Patients() PatientRepository           { return memPatients{r} }

type memTx struct{ memRepos }

// Lock is a no-op: memory transactions already run one at a time.
func (memTx) Lock(context.Context, ...string) error { return nil }

// =========== Appointments ===========

type memAppointments struct{ memRepos }

func (r memAppointments) Create(_ context.Context, a *Appointment) error {
	return r.view(func(d *memData) error {
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		if d.overlaps(a) {
			return ErrOverlap
		}
		now := r.store.now().UTC()
		a.CreatedAt, a.UpdatedAt = now, now
		d.appointments[a.ID] = *a
		return nil
	})
}

func (r memAppointments) GetByID(_ context.Context, id string) (*Appointment, error) {
	var out *Appointment
	err := r.view(func(d *memData) error {
		a, ok := d.appointments[id]
		if !ok {
			return ErrNotFound
		}
		out = &a
		return nil
	})
	return out, err
}

func (r memAppointments) Update(_ context.Context, a *Appointment) error {
	return r.view(func(d *memData) error {
		cur, ok := d.appointments[a.ID]
		if !ok {
			return ErrNotFound
		}
		if d.overlaps(a) {
			return ErrOverlap
		}
		cur.Start, cur.End = a.Start, a.End
		cur.Status = a.Status
		cur.RescheduleCount = a.RescheduleCount
		cur.UpdatedAt = r.store.now().UTC()
		a.UpdatedAt = cur.UpdatedAt
		d.appointments[a.ID] = cur
		return nil
	})
}

func (r memAppointments) FindOverlapping(_ context.Context, q OverlapQuery) (*Appointment, error) {
	var out *Appointment
	err := r.view(func(d *memData) error {
		for _, a := range d.sortedAppointments() {
			if a.ID == q.ExcludeID || a.Status == StatusCancelled || partyID(&a, q.Party) != q.PartyID {
				continue
			}
			if a.Window().Overlaps(q.Window) {
				a := a
				out = &a
				return nil
			}
		}
		return nil
	})
	return out, err
}

func (r memAppointments) ListByDoctorBetween(_ context.Context, doctorID string, from, to time.Time) ([]*Appointment, error) {
	var out []*Appointment
	err := r.view(func(d *memData) error {
		for _, a := range d.sortedAppointments() {
			if a.DoctorID != doctorID || a.Status == StatusCancelled {
				continue
			}
			if a.Start.Before(to) && from.Before(a.End) {
				a := a
				out = append(out, &a)
			}
		}
		return nil
	})
	return out, err
}

func (r memAppointments) List(_ context.Context, f ListFilter, limit, offset int) ([]*Appointment, int, error) {
	var matched []*Appointment
	err := r.view(func(d *memData) error {
		// newest first, like the postgres listing
		sorted := d.sortedAppointments()
		for i := len(sorted) - 1; i >= 0; i-- {
			a := sorted[i]
			if partyID(&a, f.Party) != f.PartyID {
				continue
			}
			if f.Status != 0 && a.Status != f.Status {
				continue
			}
			matched = append(matched, &a)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return page(matched, limit, offset), len(matched), nil
}

func partyID(a *Appointment, p Party) string {
	if p == PartyDoctor {
		return a.DoctorID
	}
	return a.PatientID
}

// overlaps mirrors the exclusion constraints of the appointments table.
func (d *memData) overlaps(a *Appointment) bool {
	if a.Status == StatusCancelled {
		return false
	}
	w := a.Window()
	for _, other := range d.appointments {
		if other.ID == a.ID || other.Status == StatusCancelled {
			continue
		}
		if other.DoctorID != a.DoctorID && other.PatientID != a.PatientID {
			continue
		}
		if other.Window().Overlaps(w) {
			return true
		}
	}
	return false
}

func (d *memData) sortedAppointments() []Appointment {
	out := make([]Appointment, 0, len(d.appointments))
	for _, a := range d.appointments {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// =========== Payments ===========

type memPayments struct{ memRepos }

func (r memPayments) Create(_ context.Context, p *Payment) error {
	return r.view(func(d *memData) error {
		for _, existing := range d.payments {
			if existing.ExternalReference == p.ExternalReference || existing.AppointmentID == p.AppointmentID {
				return ErrDuplicatePayment
			}
		}
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		now := r.store.now().UTC()
		p.CreatedAt, p.UpdatedAt = now, now
		d.payments[p.ID] = *p
		return nil
	})
}

func (r memPayments) find(match func(p *Payment) bool) (*Payment, error) {
	var out *Payment
	err := r.view(func(d *memData) error {
		for _, p := range d.payments {
			if match(&p) {
				p := p
				out = &p
				return nil
			}
		}
		return ErrNotFound
	})
	return out, err
}

func (r memPayments) GetByExternalReference(_ context.Context, ref string) (*Payment, error) {
	return r.find(func(p *Payment) bool { return p.ExternalReference == ref })
}

func (r memPayments) GetByAppointment(_ context.Context, appointmentID string) (*Payment, error) {
	return r.find(func(p *Payment) bool { return p.AppointmentID == appointmentID })
}

func (r memPayments) RecordRefund(_ context.Context, paymentID string, amount int64, refundID *string) error {
	return r.view(func(d *memData) error {
		p, ok := d.payments[paymentID]
		if !ok {
			return ErrNotFound
		}
		p.RefundAmount = &amount
		p.RefundID = refundID
		p.UpdatedAt = r.store.now().UTC()
		d.payments[paymentID] = p
		return nil
	})
}

// =========== Notifications ===========

type memNotifications struct{ memRepos }

func (r memNotifications) Insert(_ context.Context, n *Notification) error {
	return r.view(func(d *memData) error {
		if n.ID == "" {
			n.ID = uuid.NewString()
		}
		n.CreatedAt = r.store.now().UTC()
		d.notifications = append(d.notifications, *n)
		return nil
	})
}

func (r memNotifications) ListByRecipient(_ context.Context, role auth.Role, recipientID string, limit, offset int) ([]*Notification, int, error) {
	var matched []*Notification
	err := r.view(func(d *memData) error {
		// newest first
		for i := len(d.notifications) - 1; i >= 0; i-- {
			n := d.notifications[i]
			if n.RecipientRole == role && n.RecipientID == recipientID {
				matched = append(matched, &n)
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return page(matched, limit, offset), len(matched), nil
}

// =========== Doctors / Patients ===========

type memDoctors struct{ memRepos }

func (r memDoctors) GetByID(_ context.Context, id string) (*Doctor, error) {
	var out *Doctor
	err := r.view(func(d *memData) error {
		doc, ok := d.doctors[id]
		if !ok {
			return ErrNotFound
		}
		out = &doc
		return nil
	})
	return out, err
}

type memPatients struct{ memRepos }

func (r memPatients) GetByID(_ context.Context, id string) (*Patient, error) {
	var out *Patient
	err := r.view(func(d *memData) error {
		p, ok := d.patients[id]
		if !ok {
			return ErrNotFound
		}
		out = &p
		return nil
	})
	return out, err
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
