// Package catchup computes the historical delta a viewer needs after changing
// its viewport: the points inside the newly visible region within a bounded
// history horizon, fetched from the store as one batch separate from the live
// fan-out path.
package catchup

import (
	"context"
	"sort"
	"time"

	"payload-tracker/backend/internal/geo"
	"payload-tracker/backend/internal/telemetry/domain"
)

// TelemetryRepo is the minimal store access the engine needs.
type TelemetryRepo interface {
	Range(ctx context.Context, box geo.BoundingBox, since time.Time) ([]domain.Point, error)
}

// Engine answers viewport-change deltas from the store.
type Engine struct {
	store          TelemetryRepo
	defaultHorizon time.Duration
	maxHorizon     time.Duration
}

// NewEngine returns an engine with the given horizon bounds.
func NewEngine(store TelemetryRepo, defaultHorizon, maxHorizon time.Duration) *Engine {
	return &Engine{store: store, defaultHorizon: defaultHorizon, maxHorizon: maxHorizon}
}

// ClampHorizon applies the default for an unset horizon and the cap for an
// excessive one.
func (e *Engine) ClampHorizon(h time.Duration) time.Duration {
	if h <= 0 {
		return e.defaultHorizon
	}
	if h > e.maxHorizon {
		return e.maxHorizon
	}
	return h
}

// Delta returns the points in newBox but not oldBox (the region the viewer
// has not seen yet), no older than the horizon, ordered by event time. On
// initial connect oldBox is empty and the whole new box is fetched. The
// caller's ctx cancels in-flight store queries when the viewer disconnects;
// partial results are discarded.
func (e *Engine) Delta(ctx context.Context, oldBox, newBox geo.BoundingBox, horizon time.Duration) ([]domain.Point, error) {
	since := time.Now().UTC().Add(-e.ClampHorizon(horizon))

	var out []domain.Point
	for _, region := range newBox.Difference(oldBox) {
		points, err := e.store.Range(ctx, region, since)
		if err != nil {
			return nil, err
		}
		out = append(out, points...)
	}
	// Each region query is ordered, but regions interleave in time.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EventTime.Equal(out[j].EventTime) {
			return out[i].EventTime.Before(out[j].EventTime)
		}
		return out[i].PayloadID < out[j].PayloadID
	})
	return out, nil
}
