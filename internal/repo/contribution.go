package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/tecmax-dev/sisvida-sub021/internal/boleto"
	"gorm.io/gorm"
)

const (
	StatusPending   = "pending"
	StatusOverdue   = "overdue"
	StatusPaid      = "paid"
	StatusCancelled = "cancelled"

	OriginWhatsApp = "whatsapp"

	// maxOverdueListed bounds the numbered menu shown on the vencido path.
	maxOverdueListed = 10
)

// EmployerContribution is one boleto of an employer.
type EmployerContribution struct {
	ID                 uuid.UUID `gorm:"primaryKey;type:uuid"`
	ClinicID           uuid.UUID `gorm:"type:uuid"`
	EmployerID         uuid.UUID `gorm:"type:uuid"`
	ContributionTypeID uuid.UUID `gorm:"type:uuid"`
	CompetenceMonth    int
	CompetenceYear     int
	ValueCents         int64
	DueDate            time.Time `gorm:"type:date"`
	Status             string
	Origin             string
	RenegotiatedAt     *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (EmployerContribution) TableName() string { return "employer_contributions" }

// contributionRow is an employer_contributions row joined with its type name.
type contributionRow struct {
	ID              uuid.UUID `gorm:"column:id"`
	TypeName        string    `gorm:"column:type_name"`
	CompetenceMonth int       `gorm:"column:competence_month"`
	CompetenceYear  int       `gorm:"column:competence_year"`
	ValueCents      int64     `gorm:"column:value_cents"`
	DueDate         time.Time `gorm:"column:due_date"`
	Status          string    `gorm:"column:status"`
}

func (r contributionRow) toDomain() boleto.Contribution {
	return boleto.Contribution{
		ID:              r.ID,
		TypeName:        r.TypeName,
		CompetenceMonth: r.CompetenceMonth,
		CompetenceYear:  r.CompetenceYear,
		ValueCents:      r.ValueCents,
		DueDate:         r.DueDate.Format("2006-01-02"),
		Status:          r.Status,
	}
}

func contributionsQuery(ctx context.Context, db *gorm.DB, clinicID uuid.UUID) *gorm.DB {
	return db.WithContext(ctx).Table("employer_contributions c").
		Select("c.id, t.name AS type_name, c.competence_month, c.competence_year, c.value_cents, c.due_date, c.status").
		Joins("JOIN contribution_types t ON t.id = c.contribution_type_id AND t.clinic_id = c.clinic_id").
		Where("c.clinic_id = ?", clinicID)
}

// ContributionForCompetence returns the non-cancelled contribution of the employer for the
// type and period, or nil when there is none.
func ContributionForCompetence(ctx context.Context, db *gorm.DB, clinicID, employerID, typeID uuid.UUID, comp boleto.Competence) (*boleto.Contribution, error) {
	var rows []contributionRow
	err := contributionsQuery(ctx, db, clinicID).
		Where("c.employer_id = ? AND c.contribution_type_id = ?", employerID, typeID).
		Where("c.competence_month = ? AND c.competence_year = ?", comp.Month, comp.Year).
		Where("c.status <> ?", StatusCancelled).
		Limit(1).
		Scan(&rows).Error
	if err != nil {
		return nil, fault("contribution for competence", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	c := rows[0].toDomain()
	return &c, nil
}

// OverdueContributions lists unpaid contributions due before today, oldest first.
func OverdueContributions(ctx context.Context, db *gorm.DB, clinicID, employerID uuid.UUID, today time.Time) ([]boleto.Contribution, error) {
	var rows []contributionRow
	err := contributionsQuery(ctx, db, clinicID).
		Where("c.employer_id = ?", employerID).
		Where("c.status IN ?", []string{StatusPending, StatusOverdue}).
		Where("c.due_date < ?", today.Format("2006-01-02")).
		Order("c.due_date, c.competence_year, c.competence_month").
		Limit(maxOverdueListed).
		Scan(&rows).Error
	if err != nil {
		return nil, fault("overdue contributions", err)
	}
	out := make([]boleto.Contribution, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func contributionByID(ctx context.Context, db *gorm.DB, clinicID, id uuid.UUID) (*boleto.Contribution, error) {
	var rows []contributionRow
	if err := contributionsQuery(ctx, db, clinicID).Where("c.id = ?", id).Limit(1).Scan(&rows).Error; err != nil {
		return nil, fault("contribution by id", err)
	}
	if len(rows) == 0 {
		return nil, boleto.ErrNotFound
	}
	c := rows[0].toDomain()
	return &c, nil
}

// CreateContribution inserts a pending contribution originated from WhatsApp and audits it.
// A second contribution for the same employer, type and competence fails with ErrDuplicate.
func CreateContribution(ctx context.Context, db *gorm.DB, in boleto.NewContribution) (*boleto.Contribution, error) {
	typ, err := contributionTypeByID(ctx, db, in.ClinicID, in.ContributionTypeID)
	if err != nil {
		return nil, err
	}
	row := EmployerContribution{
		ID:                 uuid.New(),
		ClinicID:           in.ClinicID,
		EmployerID:         in.EmployerID,
		ContributionTypeID: in.ContributionTypeID,
		CompetenceMonth:    in.Competence.Month,
		CompetenceYear:     in.Competence.Year,
		ValueCents:         in.ValueCents,
		DueDate:            in.Competence.DueDate(typ.DefaultDueDay),
		Status:             StatusPending,
		Origin:             OriginWhatsApp,
	}
	if err := db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, fault("create contribution", ErrDuplicate)
		}
		return nil, fault("create contribution", err)
	}
	clinicID := in.ClinicID
	err = CreateAuditEvent(ctx, db, AuditEvent{
		Action:       ActionBoletoIssued,
		ActorType:    ActorWhatsApp,
		ClinicID:     &clinicID,
		ResourceType: strPtr("employer_contribution"),
		ResourceID:   &row.ID,
		Metadata: map[string]interface{}{
			"employer_id":      in.EmployerID,
			"competence_month": in.Competence.Month,
			"competence_year":  in.Competence.Year,
			"value_cents":      in.ValueCents,
		},
	})
	if err != nil {
		return nil, fault("audit issue", err)
	}
	return &boleto.Contribution{
		ID:              row.ID,
		TypeName:        typ.Name,
		CompetenceMonth: row.CompetenceMonth,
		CompetenceYear:  row.CompetenceYear,
		ValueCents:      row.ValueCents,
		DueDate:         row.DueDate.Format("2006-01-02"),
		Status:          row.Status,
	}, nil
}

// RescheduleContribution moves the due date of an unpaid contribution and marks it renegotiated.
// The contribution must belong to the employer inside the clinic; otherwise boleto.ErrNotFound.
func RescheduleContribution(ctx context.Context, db *gorm.DB, clinicID, employerID, contributionID uuid.UUID, due time.Time) (*boleto.Contribution, error) {
	before, err := contributionByID(ctx, db, clinicID, contributionID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	res := db.WithContext(ctx).Model(&EmployerContribution{}).
		Where("clinic_id = ? AND employer_id = ? AND id = ?", clinicID, employerID, contributionID).
		Where("status IN ?", []string{StatusPending, StatusOverdue}).
		Updates(map[string]interface{}{
			"due_date":        due.Format("2006-01-02"),
			"status":          StatusPending,
			"renegotiated_at": now,
			"updated_at":      now,
		})
	if res.Error != nil {
		return nil, fault("reschedule contribution", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, boleto.ErrNotFound
	}
	err = CreateAuditEvent(ctx, db, AuditEvent{
		Action:       ActionBoletoRenegotiated,
		ActorType:    ActorWhatsApp,
		ClinicID:     &clinicID,
		ResourceType: strPtr("employer_contribution"),
		ResourceID:   &contributionID,
		Metadata: map[string]interface{}{
			"employer_id":  employerID,
			"old_due_date": before.DueDate,
			"new_due_date": due.Format("2006-01-02"),
		},
	})
	if err != nil {
		return nil, fault("audit renegotiation", err)
	}
	return contributionByID(ctx, db, clinicID, contributionID)
}
