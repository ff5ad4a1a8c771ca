package seed

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/tecmax-dev/sisvida-sub021/internal/crypto"
	"github.com/tecmax-dev/sisvida-sub021/internal/repo"
	"gorm.io/gorm"
)

// Options for the demo data. APIURL/APIKey are stored in each clinic's Evolution config.
type Options struct {
	APIURL string
	APIKey string
	Now    time.Time
}

type demoType struct {
	name   string
	dueDay int
}

type demoClinic struct {
	name      string
	instance  string
	employers [][2]string // cnpj, name
	types     []demoType
}

var demo = []demoClinic{
	{
		name:     "Sindicato dos Comerciários (demo A)",
		instance: "sindicato-a",
		employers: [][2]string{
			{"12345678000199", "Metalúrgica Alfa Ltda"},
			{"11222333000181", "Padaria São João ME"},
		},
		types: []demoType{{"Contribuição Assistencial", 10}, {"Mensalidade Sindical", 5}},
	},
	{
		name:     "Sindicato dos Metalúrgicos (demo B)",
		instance: "sindicato-b",
		employers: [][2]string{
			{"98765432000110", "Comércio Beta S.A."},
		},
		types: []demoType{{"Contribuição Negocial", 15}},
	},
}

// Run creates two demo clinics with employers, contribution types, one overdue contribution
// and an Evolution config each. Skips when clinics already exist.
func Run(ctx context.Context, db *gorm.DB, keys *crypto.Keyring, opts Options) error {
	var n int64
	if err := db.WithContext(ctx).Model(&repo.Clinic{}).Count(&n).Error; err != nil {
		return err
	}
	if n > 0 {
		log.Printf("seed: %d clínica(s) já existem, nada a fazer", n)
		return nil
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, c := range demo {
			if err := seedClinic(ctx, tx, keys, opts, c, i == 0); err != nil {
				return fmt.Errorf("seed %s: %w", c.instance, err)
			}
		}
		return nil
	})
}

func seedClinic(ctx context.Context, tx *gorm.DB, keys *crypto.Keyring, opts Options, c demoClinic, withOverdue bool) error {
	clinicID, err := repo.CreateClinic(ctx, tx, c.name)
	if err != nil {
		return err
	}
	var employerIDs []uuid.UUID
	for _, e := range c.employers {
		id, err := repo.CreateEmployer(ctx, tx, clinicID, e[0], e[1])
		if err != nil {
			return err
		}
		employerIDs = append(employerIDs, id)
	}
	var typeIDs []uuid.UUID
	for _, t := range c.types {
		id, err := repo.CreateContributionType(ctx, tx, clinicID, t.name, t.dueDay)
		if err != nil {
			return err
		}
		typeIDs = append(typeIDs, id)
	}
	if withOverdue {
		// Vencida há dois meses: aparece no fluxo "2 - Vencido".
		due := time.Date(opts.Now.Year(), opts.Now.Month(), 10, 0, 0, 0, 0, time.UTC).AddDate(0, -2, 0)
		comp := due.AddDate(0, -1, 0)
		if err := tx.WithContext(ctx).Create(&repo.EmployerContribution{
			ID:                 uuid.New(),
			ClinicID:           clinicID,
			EmployerID:         employerIDs[0],
			ContributionTypeID: typeIDs[0],
			CompetenceMonth:    int(comp.Month()),
			CompetenceYear:     comp.Year(),
			ValueCents:         35000,
			DueDate:            due,
			Status:             repo.StatusOverdue,
			Origin:             "seed",
		}).Error; err != nil {
			return err
		}
	}
	sealed, err := keys.Seal(opts.APIKey)
	if err != nil {
		return err
	}
	if err := repo.UpsertEvolutionConfig(ctx, tx, &repo.EvolutionConfig{
		ClinicID:        clinicID,
		InstanceName:    c.instance,
		APIURL:          opts.APIURL,
		APIKeyEncrypted: sealed,
		IsActive:        true,
	}); err != nil {
		return err
	}
	log.Printf("seed: clínica %q (%s) instância %s", c.name, clinicID, c.instance)
	return nil
}
