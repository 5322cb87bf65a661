package repository

import (
	"context"

	"payload-tracker/backend/internal/rawmsg/domain"
)

// Repository defines persistence for raw received envelopes.
type Repository interface {
	// Insert persists the raw message. PayloadID and TelemetryID may be empty
	// (parse failures are retained unlinked for audit).
	Insert(ctx context.Context, m *domain.RawMessage) error
	// LinkTelemetry sets the message's telemetry back-reference. It is set
	// exactly once per message, under the fusion bucket lock.
	LinkTelemetry(ctx context.Context, id, telemetryID string) error
	GetByID(ctx context.Context, id string) (*domain.RawMessage, error)
	ListByTelemetry(ctx context.Context, telemetryID string) ([]*domain.RawMessage, error)
}
