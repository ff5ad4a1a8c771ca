package boleto

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrValidation marks user input that is malformed or out of range. Recovered in place.
	ErrValidation = errors.New("invalid input")
	// ErrNotFound marks a lookup (CNPJ, contribution) without a match in the tenant scope.
	ErrNotFound = errors.New("not found")
	// ErrRepository wraps database/network faults raised during a turn. Never retried by the engine.
	ErrRepository = errors.New("repository failure")
	// ErrConfiguration is returned when the tenant mapping or gateway credentials are missing.
	ErrConfiguration = errors.New("configuration error")
	// ErrStaleSession is returned by SessionStore.Save when another writer advanced the session first.
	ErrStaleSession = errors.New("stale session")
)

// Employer is a company (CNPJ) registered under a clinic/union.
type Employer struct {
	ID   uuid.UUID `json:"id"`
	CNPJ string    `json:"cnpj"`
	Name string    `json:"name"`
}

// ContributionType is a billing category configured by the tenant (e.g. mensalidade, assistencial).
// DueDay is the day of the month after the competence on which new boletos fall due.
type ContributionType struct {
	ID     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	DueDay int       `json:"due_day,omitempty"`
}

// Contribution is one billing record (boleto) of an employer.
type Contribution struct {
	ID              uuid.UUID `json:"id"`
	TypeName        string    `json:"type_name"`
	CompetenceMonth int       `json:"competence_month"`
	CompetenceYear  int       `json:"competence_year"`
	ValueCents      int64     `json:"value_cents"`
	DueDate         string    `json:"due_date"` // 2006-01-02
	Status          string    `json:"status"`
}

// Competence returns the billing period of the contribution.
func (c Contribution) Competence() Competence {
	return Competence{Month: c.CompetenceMonth, Year: c.CompetenceYear}
}

// Competence is the month/year a contribution is billed for.
type Competence struct {
	Month int
	Year  int
}

func (c Competence) String() string {
	return fmt.Sprintf("%02d/%04d", c.Month, c.Year)
}

// DefaultDueDay applies to contribution types without a configured due day.
const DefaultDueDay = 10

// DueDate returns day dueDay of the month following the competence, clamped to the month
// length, as midnight UTC.
func (c Competence) DueDate(dueDay int) time.Time {
	if dueDay < 1 {
		dueDay = DefaultDueDay
	}
	first := time.Date(c.Year, time.Month(c.Month)+1, 1, 0, 0, 0, 0, time.UTC)
	if last := first.AddDate(0, 1, -1).Day(); dueDay > last {
		dueDay = last
	}
	return time.Date(first.Year(), first.Month(), dueDay, 0, 0, 0, 0, time.UTC)
}

// NewContribution is the input for issuing a new (a vencer) boleto.
type NewContribution struct {
	ClinicID           uuid.UUID
	EmployerID         uuid.UUID
	ContributionTypeID uuid.UUID
	Competence         Competence
	ValueCents         int64
}

// Billing is the employer/contribution repository. Every call is scoped by clinicID.
type Billing interface {
	// EmployerByCNPJ returns ErrNotFound when the CNPJ is not registered for the clinic.
	EmployerByCNPJ(ctx context.Context, clinicID uuid.UUID, cnpj string) (*Employer, error)
	ContributionTypes(ctx context.Context, clinicID uuid.UUID) ([]ContributionType, error)
	// ContributionForCompetence returns nil, nil when the employer has no record for the period.
	ContributionForCompetence(ctx context.Context, clinicID, employerID, typeID uuid.UUID, c Competence) (*Contribution, error)
	OverdueContributions(ctx context.Context, clinicID, employerID uuid.UUID, today time.Time) ([]Contribution, error)
	CreateContribution(ctx context.Context, in NewContribution) (*Contribution, error)
	RescheduleContribution(ctx context.Context, clinicID, employerID, contributionID uuid.UUID, due time.Time) (*Contribution, error)
}

// SessionStore persists one session per (clinic, phone).
type SessionStore interface {
	// Load returns nil, nil when the phone has no session in the clinic.
	Load(ctx context.Context, clinicID uuid.UUID, phone string) (*Session, error)
	// Save writes s if the stored version still equals s.Version (0 = insert) and bumps s.Version.
	// A lost race returns ErrStaleSession.
	Save(ctx context.Context, s *Session) error
}

// Tx is the view of the stores inside one unit of work.
type Tx interface {
	Sessions() SessionStore
	Billing() Billing
}

// UnitOfWork runs fn atomically: if fn returns an error every write made through tx is discarded.
type UnitOfWork interface {
	Within(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
