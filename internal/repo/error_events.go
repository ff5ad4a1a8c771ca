package repo

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ErrorEvent struct {
	RequestID  *string
	Source     string
	Severity   string
	ClinicID   *uuid.UUID
	ActionName *string
	Kind       *string
	Message    *string
	PGCode     *string
	PGMessage  *string
	Metadata   interface{}
}

func CreateErrorEvent(ctx context.Context, db *gorm.DB, ev ErrorEvent) error {
	var meta []byte
	if ev.Metadata != nil {
		meta, _ = json.Marshal(ev.Metadata)
	}
	return db.WithContext(ctx).Exec(`
		INSERT INTO error_events (
			request_id, source, severity, clinic_id, action_name,
			kind, message, pg_code, pg_message, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.RequestID, ev.Source, ev.Severity, ev.ClinicID, ev.ActionName,
		ev.Kind, ev.Message, ev.PGCode, ev.PGMessage, jsonOrNil(meta)).Error
}

// NewErrorEvent fills kind, message and the Postgres fields from err.
func NewErrorEvent(ctx context.Context, source, action string, clinicID *uuid.UUID, err error) ErrorEvent {
	ev := ErrorEvent{
		Source:     source,
		Severity:   "ERROR",
		ClinicID:   clinicID,
		ActionName: strPtr(action),
		Kind:       strPtr("repository"),
		Message:    strPtr(err.Error()),
	}
	if id := RequestIDFromContext(ctx); id != "" {
		ev.RequestID = &id
	}
	if code, msg, ok := PGError(err); ok {
		ev.PGCode, ev.PGMessage = &code, &msg
	}
	return ev
}
