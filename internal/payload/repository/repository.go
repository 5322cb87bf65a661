package repository

import (
	"context"

	"payload-tracker/backend/internal/payload/domain"
)

// Repository defines persistence for payload identity records.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Payload, error)
	// GetOrCreateByIdentifier resolves the payload owning the identifier,
	// creating it (with the identifier as default display name) if none exists.
	// Creation and naming are atomic; there is never a visible unnamed payload.
	GetOrCreateByIdentifier(ctx context.Context, identifier string) (*domain.Payload, bool, error)
	Rename(ctx context.Context, id, name string) error
	// Merge atomically reassigns all raw messages, telemetry, and identifiers
	// from source to target and deletes source. A crash mid-operation never
	// leaves rows split between the two.
	Merge(ctx context.Context, targetID, sourceID string) error
}
