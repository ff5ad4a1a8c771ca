package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/tecmax-dev/sisvida-sub021/internal/boleto"
	"gorm.io/gorm"
)

// UnitOfWork runs a conversation turn in one Postgres transaction.
type UnitOfWork struct {
	DB *gorm.DB
}

func NewUnitOfWork(db *gorm.DB) *UnitOfWork {
	return &UnitOfWork{DB: db}
}

func (u *UnitOfWork) Within(ctx context.Context, fn func(ctx context.Context, tx boleto.Tx) error) error {
	return u.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, &gormTx{db: tx})
	})
}

type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) Sessions() boleto.SessionStore { return sessionStore{db: t.db} }
func (t *gormTx) Billing() boleto.Billing       { return billing{db: t.db} }

type sessionStore struct {
	db *gorm.DB
}

func (s sessionStore) Load(ctx context.Context, clinicID uuid.UUID, phone string) (*boleto.Session, error) {
	return LoadSession(ctx, s.db, clinicID, phone, true)
}

func (s sessionStore) Save(ctx context.Context, sess *boleto.Session) error {
	return SaveSession(ctx, s.db, sess)
}

// billing runs every call in a savepoint: a failed statement is rolled back on its own and the
// turn can still persist the ERROR state in the outer transaction.
type billing struct {
	db *gorm.DB
}

func (b billing) savepoint(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return b.db.WithContext(ctx).Transaction(fn)
}

func (b billing) EmployerByCNPJ(ctx context.Context, clinicID uuid.UUID, cnpj string) (out *boleto.Employer, err error) {
	err = b.savepoint(ctx, func(tx *gorm.DB) error {
		out, err = EmployerByCNPJ(ctx, tx, clinicID, cnpj)
		return err
	})
	return out, err
}

func (b billing) ContributionTypes(ctx context.Context, clinicID uuid.UUID) (out []boleto.ContributionType, err error) {
	err = b.savepoint(ctx, func(tx *gorm.DB) error {
		out, err = ListContributionTypes(ctx, tx, clinicID)
		return err
	})
	return out, err
}

func (b billing) ContributionForCompetence(ctx context.Context, clinicID, employerID, typeID uuid.UUID, c boleto.Competence) (out *boleto.Contribution, err error) {
	err = b.savepoint(ctx, func(tx *gorm.DB) error {
		out, err = ContributionForCompetence(ctx, tx, clinicID, employerID, typeID, c)
		return err
	})
	return out, err
}

func (b billing) OverdueContributions(ctx context.Context, clinicID, employerID uuid.UUID, today time.Time) (out []boleto.Contribution, err error) {
	err = b.savepoint(ctx, func(tx *gorm.DB) error {
		out, err = OverdueContributions(ctx, tx, clinicID, employerID, today)
		return err
	})
	return out, err
}

func (b billing) CreateContribution(ctx context.Context, in boleto.NewContribution) (out *boleto.Contribution, err error) {
	err = b.savepoint(ctx, func(tx *gorm.DB) error {
		out, err = CreateContribution(ctx, tx, in)
		return err
	})
	return out, err
}

func (b billing) RescheduleContribution(ctx context.Context, clinicID, employerID, contributionID uuid.UUID, due time.Time) (out *boleto.Contribution, err error) {
	err = b.savepoint(ctx, func(tx *gorm.DB) error {
		out, err = RescheduleContribution(ctx, tx, clinicID, employerID, contributionID, due)
		return err
	})
	return out, err
}
