package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EvolutionConfig holds the Evolution API credentials of a clinic. APIKeyEncrypted is
// sealed with crypto.Keyring.
type EvolutionConfig struct {
	ID              uuid.UUID `gorm:"primaryKey;type:uuid"`
	ClinicID        uuid.UUID `gorm:"type:uuid"`
	InstanceName    string
	APIURL          string `gorm:"column:api_url"`
	APIKeyEncrypted string
	IsActive        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (EvolutionConfig) TableName() string { return "evolution_configs" }

// GatewayConfig is the tenant mapping of a WhatsApp instance.
type GatewayConfig struct {
	ClinicID   uuid.UUID
	ClinicName string
	Instance   string
	APIURL     string
	APIKey     string
}

// EvolutionConfigByInstance returns the active config of instance with the clinic name and the
// still sealed API key. Returns nil, nil when the instance is unknown or disabled.
func EvolutionConfigByInstance(ctx context.Context, db *gorm.DB, instance string) (*GatewayConfig, error) {
	var row struct {
		ClinicID        uuid.UUID `gorm:"column:clinic_id"`
		ClinicName      string    `gorm:"column:clinic_name"`
		InstanceName    string    `gorm:"column:instance_name"`
		APIURL          string    `gorm:"column:api_url"`
		APIKeyEncrypted string    `gorm:"column:api_key_encrypted"`
	}
	err := db.WithContext(ctx).Table("evolution_configs e").
		Select("e.clinic_id, c.name AS clinic_name, e.instance_name, e.api_url, e.api_key_encrypted").
		Joins("JOIN clinics c ON c.id = e.clinic_id").
		Where("e.instance_name = ? AND e.is_active", instance).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &GatewayConfig{
		ClinicID:   row.ClinicID,
		ClinicName: row.ClinicName,
		Instance:   row.InstanceName,
		APIURL:     row.APIURL,
		APIKey:     row.APIKeyEncrypted,
	}, nil
}

// UpsertEvolutionConfig creates or replaces the clinic's config (one instance per clinic).
func UpsertEvolutionConfig(ctx context.Context, db *gorm.DB, c *EvolutionConfig) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return db.WithContext(ctx).
		Where("clinic_id = ?", c.ClinicID).
		Assign(map[string]interface{}{
			"instance_name":     c.InstanceName,
			"api_url":           c.APIURL,
			"api_key_encrypted": c.APIKeyEncrypted,
			"is_active":         c.IsActive,
		}).
		FirstOrCreate(c).Error
}
