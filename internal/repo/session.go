package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/tecmax-dev/sisvida-sub021/internal/boleto"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BoletoSession is the boleto_sessions row: one conversation per (clinic, phone).
type BoletoSession struct {
	ID                     uuid.UUID `gorm:"primaryKey;type:uuid"`
	ClinicID               uuid.UUID `gorm:"type:uuid"`
	Phone                  string
	State                  string
	EmployerID             *uuid.UUID `gorm:"type:uuid"`
	EmployerCNPJ           *string    `gorm:"column:employer_cnpj"`
	EmployerName           *string
	ContributionID         *uuid.UUID `gorm:"type:uuid"`
	ContributionTypeID     *uuid.UUID `gorm:"type:uuid"`
	CompetenceMonth        *int
	CompetenceYear         *int
	ValueCents             *int64
	NewDueDate             *time.Time `gorm:"type:date"`
	BoletoType             *string
	AvailableContributions []byte `gorm:"type:jsonb"`
	AvailableTypes         []byte `gorm:"column:available_contribution_types;type:jsonb"`
	FlowContext            []byte `gorm:"type:jsonb"`
	ExpiresAt              time.Time
	Version                int64
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

func (BoletoSession) TableName() string { return "boleto_sessions" }

func (r *BoletoSession) toSnapshot() (boleto.Snapshot, error) {
	snap := boleto.Snapshot{
		ID:                 r.ID,
		ClinicID:           r.ClinicID,
		Phone:              r.Phone,
		State:              boleto.StateName(r.State),
		EmployerID:         r.EmployerID,
		EmployerCNPJ:       r.EmployerCNPJ,
		EmployerName:       r.EmployerName,
		ContributionID:     r.ContributionID,
		ContributionTypeID: r.ContributionTypeID,
		CompetenceMonth:    r.CompetenceMonth,
		CompetenceYear:     r.CompetenceYear,
		ValueCents:         r.ValueCents,
		ExpiresAt:          r.ExpiresAt,
		CreatedAt:          r.CreatedAt,
		Version:            r.Version,
	}
	if r.NewDueDate != nil {
		d := r.NewDueDate.Format("2006-01-02")
		snap.NewDueDate = &d
	}
	if r.BoletoType != nil {
		k := boleto.BoletoType(*r.BoletoType)
		snap.BoletoType = &k
	}
	if len(r.AvailableContributions) > 0 {
		if err := json.Unmarshal(r.AvailableContributions, &snap.AvailableContributions); err != nil {
			return snap, fmt.Errorf("available_contributions: %w", err)
		}
	}
	if len(r.AvailableTypes) > 0 {
		if err := json.Unmarshal(r.AvailableTypes, &snap.AvailableTypes); err != nil {
			return snap, fmt.Errorf("available_contribution_types: %w", err)
		}
	}
	if len(r.FlowContext) > 0 {
		if err := json.Unmarshal(r.FlowContext, &snap.FlowContext); err != nil {
			return snap, fmt.Errorf("flow_context: %w", err)
		}
	}
	return snap, nil
}

// sessionColumns maps a snapshot to the columns written on insert and update.
func sessionColumns(snap boleto.Snapshot) (map[string]interface{}, error) {
	flow, err := json.Marshal(snap.FlowContext)
	if err != nil {
		return nil, err
	}
	var available interface{}
	if len(snap.AvailableContributions) > 0 {
		b, err := json.Marshal(snap.AvailableContributions)
		if err != nil {
			return nil, err
		}
		available = string(b)
	}
	var types interface{}
	if len(snap.AvailableTypes) > 0 {
		b, err := json.Marshal(snap.AvailableTypes)
		if err != nil {
			return nil, err
		}
		types = string(b)
	}
	var boletoType interface{}
	if snap.BoletoType != nil {
		boletoType = string(*snap.BoletoType)
	}
	return map[string]interface{}{
		"id":                           snap.ID,
		"state":                        string(snap.State),
		"employer_id":                  snap.EmployerID,
		"employer_cnpj":                snap.EmployerCNPJ,
		"employer_name":                snap.EmployerName,
		"contribution_id":              snap.ContributionID,
		"contribution_type_id":         snap.ContributionTypeID,
		"competence_month":             snap.CompetenceMonth,
		"competence_year":              snap.CompetenceYear,
		"value_cents":                  snap.ValueCents,
		"new_due_date":                 snap.NewDueDate,
		"boleto_type":                  boletoType,
		"available_contributions":      available,
		"available_contribution_types": types,
		"flow_context":                 string(flow),
		"expires_at":                   snap.ExpiresAt,
		"created_at":                   snap.CreatedAt,
		"updated_at":                   time.Now(),
	}, nil
}

// LoadSession returns the session of phone in the clinic, or nil when there is none.
// With lock the row stays locked (FOR UPDATE) until the surrounding transaction ends.
func LoadSession(ctx context.Context, db *gorm.DB, clinicID uuid.UUID, phone string, lock bool) (*boleto.Session, error) {
	q := db.WithContext(ctx).Where("clinic_id = ? AND phone = ?", clinicID, phone)
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row BoletoSession
	err := q.First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fault("load session", err)
	}
	snap, err := row.toSnapshot()
	if err == nil {
		var s *boleto.Session
		if s, err = boleto.Restore(snap); err == nil {
			return s, nil
		}
	}
	// An unreadable row is handed back as a failed session so the next turn supersedes it
	// through the version CAS.
	log.Printf("[boleto] corrupt session clinic=%s phone=%s: %v", clinicID, phone, err)
	return &boleto.Session{
		ID:        row.ID,
		ClinicID:  row.ClinicID,
		Phone:     row.Phone,
		State:     boleto.Failed{Reason: boleto.ReasonCorruptSession},
		Version:   row.Version,
		CreatedAt: row.CreatedAt,
		ExpiresAt: row.ExpiresAt,
	}, nil
}

// SaveSession writes s with a compare-and-swap on version. Version 0 inserts.
// Another writer having advanced the row yields boleto.ErrStaleSession.
func SaveSession(ctx context.Context, db *gorm.DB, s *boleto.Session) error {
	cols, err := sessionColumns(s.Snapshot())
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if s.Version == 0 {
		cols["clinic_id"] = s.ClinicID
		cols["phone"] = s.Phone
		cols["version"] = int64(1)
		err := db.WithContext(ctx).Model(&BoletoSession{}).Create(cols).Error
		if isUniqueViolation(err) {
			return boleto.ErrStaleSession
		}
		if err != nil {
			return fault("insert session", err)
		}
		s.Version = 1
		return nil
	}
	cols["version"] = gorm.Expr("version + 1")
	res := db.WithContext(ctx).Model(&BoletoSession{}).
		Where("clinic_id = ? AND phone = ? AND version = ?", s.ClinicID, s.Phone, s.Version).
		Updates(cols)
	if res.Error != nil {
		return fault("update session", res.Error)
	}
	if res.RowsAffected == 0 {
		return boleto.ErrStaleSession
	}
	s.Version++
	return nil
}

// PurgeExpiredSessions deletes sessions that expired before cutoff and returns how many.
func PurgeExpiredSessions(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).Where("expires_at < ?", cutoff).Delete(&BoletoSession{})
	return res.RowsAffected, res.Error
}
