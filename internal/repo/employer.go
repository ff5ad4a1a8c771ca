package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/tecmax-dev/sisvida-sub021/internal/boleto"
	"gorm.io/gorm"
)

type Employer struct {
	ID        uuid.UUID `gorm:"primaryKey;type:uuid"`
	ClinicID  uuid.UUID `gorm:"type:uuid"`
	CNPJ      string    `gorm:"column:cnpj"`
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Employer) TableName() string { return "employers" }

// ContributionType is a billing category. DefaultDueDay is the day of the month after the
// competence on which new boletos fall due.
type ContributionType struct {
	ID            uuid.UUID `gorm:"primaryKey;type:uuid"`
	ClinicID      uuid.UUID `gorm:"type:uuid"`
	Name          string
	DefaultDueDay int  `gorm:"default:10"`
	IsActive      bool `gorm:"default:true"`
	CreatedAt     time.Time
}

func (ContributionType) TableName() string { return "contribution_types" }

// EmployerByCNPJ returns boleto.ErrNotFound when the CNPJ is not registered in the clinic.
func EmployerByCNPJ(ctx context.Context, db *gorm.DB, clinicID uuid.UUID, cnpj string) (*boleto.Employer, error) {
	var e Employer
	err := db.WithContext(ctx).Where("clinic_id = ? AND cnpj = ?", clinicID, cnpj).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, boleto.ErrNotFound
	}
	if err != nil {
		return nil, fault("employer by cnpj", err)
	}
	return &boleto.Employer{ID: e.ID, CNPJ: e.CNPJ, Name: e.Name}, nil
}

func CreateEmployer(ctx context.Context, db *gorm.DB, clinicID uuid.UUID, cnpj, name string) (uuid.UUID, error) {
	e := Employer{ID: uuid.New(), ClinicID: clinicID, CNPJ: cnpj, Name: name}
	if err := db.WithContext(ctx).Create(&e).Error; err != nil {
		if isUniqueViolation(err) {
			return uuid.Nil, ErrDuplicate
		}
		return uuid.Nil, err
	}
	return e.ID, nil
}

// ListContributionTypes returns the active types of the clinic ordered by name.
func ListContributionTypes(ctx context.Context, db *gorm.DB, clinicID uuid.UUID) ([]boleto.ContributionType, error) {
	var rows []ContributionType
	err := db.WithContext(ctx).
		Where("clinic_id = ? AND is_active", clinicID).
		Order("name, id").
		Find(&rows).Error
	if err != nil {
		return nil, fault("contribution types", err)
	}
	out := make([]boleto.ContributionType, 0, len(rows))
	for _, r := range rows {
		out = append(out, boleto.ContributionType{ID: r.ID, Name: r.Name, DueDay: r.DefaultDueDay})
	}
	return out, nil
}

func CreateContributionType(ctx context.Context, db *gorm.DB, clinicID uuid.UUID, name string, dueDay int) (uuid.UUID, error) {
	t := ContributionType{ID: uuid.New(), ClinicID: clinicID, Name: name, DefaultDueDay: dueDay, IsActive: true}
	if err := db.WithContext(ctx).Create(&t).Error; err != nil {
		return uuid.Nil, err
	}
	return t.ID, nil
}

func contributionTypeByID(ctx context.Context, db *gorm.DB, clinicID, typeID uuid.UUID) (*ContributionType, error) {
	var t ContributionType
	err := db.WithContext(ctx).Where("clinic_id = ? AND id = ?", clinicID, typeID).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, boleto.ErrNotFound
	}
	if err != nil {
		return nil, fault("contribution type", err)
	}
	return &t, nil
}
