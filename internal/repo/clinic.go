package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Clinic is the tenant: a clinic or union.
type Clinic struct {
	ID        uuid.UUID `gorm:"primaryKey;type:uuid"`
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Clinic) TableName() string { return "clinics" }

func CreateClinic(ctx context.Context, db *gorm.DB, name string) (uuid.UUID, error) {
	c := Clinic{ID: uuid.New(), Name: name}
	if err := db.WithContext(ctx).Create(&c).Error; err != nil {
		return uuid.Nil, err
	}
	return c.ID, nil
}
