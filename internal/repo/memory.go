package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tecmax-dev/sisvida-sub021/internal/boleto"
)

// Memory is an in-process store with the same semantics as the Postgres one: Within runs
// one turn at a time and discards its writes when fn fails. Used by tests and by
// boletoctl simulate --memory.
type Memory struct {
	mu   sync.Mutex
	data memData
}

type memData struct {
	sessions      map[string]boleto.Snapshot
	employers     []memEmployer
	types         []memType
	contributions []memContribution
	audit         []AuditEvent
}

type memEmployer struct {
	clinicID uuid.UUID
	boleto.Employer
}

type memType struct {
	clinicID uuid.UUID
	boleto.ContributionType
}

type memContribution struct {
	clinicID   uuid.UUID
	employerID uuid.UUID
	typeID     uuid.UUID
	origin     string
	boleto.Contribution
}

func NewMemory() *Memory {
	return &Memory{data: memData{sessions: map[string]boleto.Snapshot{}}}
}

func (d memData) clone() memData {
	out := memData{
		sessions:      make(map[string]boleto.Snapshot, len(d.sessions)),
		employers:     append([]memEmployer(nil), d.employers...),
		types:         append([]memType(nil), d.types...),
		contributions: append([]memContribution(nil), d.contributions...),
		audit:         append([]AuditEvent(nil), d.audit...),
	}
	for k, v := range d.sessions {
		out.sessions[k] = v
	}
	return out
}

func sessionKey(clinicID uuid.UUID, phone string) string {
	return clinicID.String() + "|" + phone
}

// AddEmployer registers an employer under clinicID.
func (m *Memory) AddEmployer(clinicID uuid.UUID, cnpj, name string) boleto.Employer {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := boleto.Employer{ID: uuid.New(), CNPJ: cnpj, Name: name}
	m.data.employers = append(m.data.employers, memEmployer{clinicID: clinicID, Employer: e})
	return e
}

// AddContributionType registers an active type with the given due day.
func (m *Memory) AddContributionType(clinicID uuid.UUID, name string, dueDay int) boleto.ContributionType {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := boleto.ContributionType{ID: uuid.New(), Name: name, DueDay: dueDay}
	m.data.types = append(m.data.types, memType{clinicID: clinicID, ContributionType: t})
	return t
}

// AddContribution stores an existing contribution (e.g. an overdue one).
func (m *Memory) AddContribution(clinicID, employerID uuid.UUID, typ boleto.ContributionType, comp boleto.Competence, cents int64, due time.Time, status string) boleto.Contribution {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := boleto.Contribution{
		ID: uuid.New(), TypeName: typ.Name, CompetenceMonth: comp.Month, CompetenceYear: comp.Year,
		ValueCents: cents, DueDate: due.Format("2006-01-02"), Status: status,
	}
	m.data.contributions = append(m.data.contributions, memContribution{clinicID: clinicID, employerID: employerID, typeID: typ.ID, origin: "manual", Contribution: c})
	return c
}

// Contributions returns the contributions of an employer in the clinic.
func (m *Memory) Contributions(clinicID, employerID uuid.UUID) []boleto.Contribution {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []boleto.Contribution
	for _, c := range m.data.contributions {
		if c.clinicID == clinicID && c.employerID == employerID {
			out = append(out, c.Contribution)
		}
	}
	return out
}

// Session returns the stored snapshot of (clinicID, phone).
func (m *Memory) Session(clinicID uuid.UUID, phone string) (boleto.Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.data.sessions[sessionKey(clinicID, phone)]
	return s, ok
}

// AuditEvents returns the audit rows written so far.
func (m *Memory) AuditEvents() []AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEvent(nil), m.data.audit...)
}

func (m *Memory) Within(ctx context.Context, fn func(ctx context.Context, tx boleto.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.data.clone()
	if err := fn(ctx, &memTx{data: &work}); err != nil {
		return err
	}
	m.data = work
	return nil
}

type memTx struct {
	data *memData
}

func (t *memTx) Sessions() boleto.SessionStore { return memSessions{t} }
func (t *memTx) Billing() boleto.Billing       { return memBilling{t} }

type memSessions struct{ t *memTx }

func (s memSessions) Load(_ context.Context, clinicID uuid.UUID, phone string) (*boleto.Session, error) {
	snap, ok := s.t.data.sessions[sessionKey(clinicID, phone)]
	if !ok {
		return nil, nil
	}
	return boleto.Restore(snap)
}

func (s memSessions) Save(_ context.Context, sess *boleto.Session) error {
	key := sessionKey(sess.ClinicID, sess.Phone)
	cur, ok := s.t.data.sessions[key]
	switch {
	case sess.Version == 0 && ok:
		return boleto.ErrStaleSession
	case sess.Version != 0 && (!ok || cur.Version != sess.Version):
		return boleto.ErrStaleSession
	}
	sess.Version++
	s.t.data.sessions[key] = sess.Snapshot()
	return nil
}

type memBilling struct{ t *memTx }

func (b memBilling) EmployerByCNPJ(_ context.Context, clinicID uuid.UUID, cnpj string) (*boleto.Employer, error) {
	for _, e := range b.t.data.employers {
		if e.clinicID == clinicID && e.CNPJ == cnpj {
			out := e.Employer
			return &out, nil
		}
	}
	return nil, boleto.ErrNotFound
}

func (b memBilling) ContributionTypes(_ context.Context, clinicID uuid.UUID) ([]boleto.ContributionType, error) {
	var out []boleto.ContributionType
	for _, t := range b.t.data.types {
		if t.clinicID == clinicID {
			out = append(out, t.ContributionType)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (b memBilling) ContributionForCompetence(_ context.Context, clinicID, employerID, typeID uuid.UUID, comp boleto.Competence) (*boleto.Contribution, error) {
	for _, c := range b.t.data.contributions {
		if c.clinicID == clinicID && c.employerID == employerID && c.typeID == typeID &&
			c.Competence() == comp && c.Status != StatusCancelled {
			out := c.Contribution
			return &out, nil
		}
	}
	return nil, nil
}

func (b memBilling) OverdueContributions(_ context.Context, clinicID, employerID uuid.UUID, today time.Time) ([]boleto.Contribution, error) {
	cutoff := today.Format("2006-01-02")
	var out []boleto.Contribution
	for _, c := range b.t.data.contributions {
		if c.clinicID != clinicID || c.employerID != employerID {
			continue
		}
		if (c.Status == StatusPending || c.Status == StatusOverdue) && c.DueDate < cutoff {
			out = append(out, c.Contribution)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DueDate < out[j].DueDate })
	if len(out) > maxOverdueListed {
		out = out[:maxOverdueListed]
	}
	return out, nil
}

func (b memBilling) CreateContribution(_ context.Context, in boleto.NewContribution) (*boleto.Contribution, error) {
	var typ *memType
	for i := range b.t.data.types {
		if b.t.data.types[i].clinicID == in.ClinicID && b.t.data.types[i].ID == in.ContributionTypeID {
			typ = &b.t.data.types[i]
		}
	}
	if typ == nil {
		return nil, boleto.ErrNotFound
	}
	for _, c := range b.t.data.contributions {
		if c.clinicID == in.ClinicID && c.employerID == in.EmployerID && c.typeID == in.ContributionTypeID &&
			c.Competence() == in.Competence && c.Status != StatusCancelled {
			return nil, fault("create contribution", ErrDuplicate)
		}
	}
	c := boleto.Contribution{
		ID:              uuid.New(),
		TypeName:        typ.Name,
		CompetenceMonth: in.Competence.Month,
		CompetenceYear:  in.Competence.Year,
		ValueCents:      in.ValueCents,
		DueDate:         in.Competence.DueDate(typ.DueDay).Format("2006-01-02"),
		Status:          StatusPending,
	}
	b.t.data.contributions = append(b.t.data.contributions, memContribution{
		clinicID: in.ClinicID, employerID: in.EmployerID, typeID: in.ContributionTypeID, origin: OriginWhatsApp, Contribution: c,
	})
	clinicID := in.ClinicID
	b.t.data.audit = append(b.t.data.audit, AuditEvent{Action: ActionBoletoIssued, ActorType: ActorWhatsApp, ClinicID: &clinicID, ResourceID: &c.ID})
	return &c, nil
}

func (b memBilling) RescheduleContribution(_ context.Context, clinicID, employerID, contributionID uuid.UUID, due time.Time) (*boleto.Contribution, error) {
	for i := range b.t.data.contributions {
		c := &b.t.data.contributions[i]
		if c.clinicID != clinicID || c.employerID != employerID || c.ID != contributionID {
			continue
		}
		if c.Status != StatusPending && c.Status != StatusOverdue {
			break
		}
		c.DueDate = due.Format("2006-01-02")
		c.Status = StatusPending
		cid, id := clinicID, c.ID
		b.t.data.audit = append(b.t.data.audit, AuditEvent{Action: ActionBoletoRenegotiated, ActorType: ActorWhatsApp, ClinicID: &cid, ResourceID: &id})
		out := c.Contribution
		return &out, nil
	}
	return nil, boleto.ErrNotFound
}
