package repo

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	ActionBoletoIssued       = "BOLETO_ISSUED_WHATSAPP"
	ActionBoletoRenegotiated = "BOLETO_RENEGOTIATED_WHATSAPP"

	ActorWhatsApp = "WHATSAPP"
	ActorSystem   = "SYSTEM"
)

type AuditEvent struct {
	Action       string
	ActorType    string
	ActorRef     string // phone or operator name
	ClinicID     *uuid.UUID
	RequestID    string
	ResourceType *string
	ResourceID   *uuid.UUID
	Source       *string // USER|SYSTEM
	Severity     *string // INFO|WARN|ERROR
	Metadata     interface{}
}

func CreateAuditEvent(ctx context.Context, db *gorm.DB, ev AuditEvent) error {
	var meta []byte
	if ev.Metadata != nil {
		var marshalErr error
		meta, marshalErr = json.Marshal(ev.Metadata)
		if marshalErr != nil {
			return marshalErr
		}
	}
	if ev.RequestID == "" {
		ev.RequestID = RequestIDFromContext(ctx)
	}
	return db.WithContext(ctx).Exec(`
		INSERT INTO audit_events (
			action, actor_type, actor_ref, clinic_id, request_id,
			resource_type, resource_id, source, severity, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.Action, ev.ActorType, nullIfEmptyText(ev.ActorRef), ev.ClinicID, nullIfEmptyText(ev.RequestID),
		ev.ResourceType, ev.ResourceID, ev.Source, ev.Severity, jsonOrNil(meta),
	).Error
}

type auditKey struct{}

// WithRequestID carries the webhook request id down to audit and error rows.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, auditKey{}, id)
}

func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(auditKey{}).(string)
	return id
}

func nullIfEmptyText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func jsonOrNil(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func strPtr(s string) *string { return &s }
