package repository

import (
	"context"
	"time"

	"payload-tracker/backend/internal/geo"
	"payload-tracker/backend/internal/telemetry/domain"
)

// Repository defines persistence for fused telemetry records.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Telemetry, error)
	// FindNearestInWindow returns the telemetry row for the payload whose event
	// time falls within window of effective and is closest to it (tie: lowest
	// id), or nil when no row qualifies. This is the fusion bucket lookup.
	FindNearestInWindow(ctx context.Context, payloadID string, effective time.Time, window time.Duration) (*domain.Telemetry, error)
	Create(ctx context.Context, t *domain.Telemetry) error
	Update(ctx context.Context, t *domain.Telemetry) error
	// LastConfirmedPoint returns the payload's most recent confirmed position,
	// excluding the given telemetry row, or nil when the payload has none.
	LastConfirmedPoint(ctx context.Context, payloadID, excludeID string) (*domain.Point, error)
	// GetByPayloadAndEventTime returns the row keyed by the live-protocol
	// reconciliation key, or nil if not found.
	GetByPayloadAndEventTime(ctx context.Context, payloadID string, eventTime time.Time) (*domain.Telemetry, error)
	// Range returns all points inside the box not older than since, ordered by
	// event time then payload id.
	Range(ctx context.Context, box geo.BoundingBox, since time.Time) ([]domain.Point, error)
}
