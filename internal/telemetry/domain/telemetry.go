// Package domain defines the fused telemetry record and its confidence states.
package domain

import "time"

// Confidence is the display confidence of a fused telemetry record.
type Confidence string

const (
	// ConfidenceConfirmed marks a record whose position passed the anomaly guard
	// or was corroborated by enough independent sources.
	ConfidenceConfirmed Confidence = "confirmed"
	// ConfidenceProvisional marks a record whose latest position implies
	// implausible motion and is awaiting corroboration. The data is stored
	// either way; viewers may suppress provisional points.
	ConfidenceProvisional Confidence = "provisional"
)

// SourceRef links a telemetry record to one contributing raw message.
// The slice on Telemetry is append-only and preserves arrival order. Each ref
// keeps the position the source reported, so the anomaly guard can count how
// many independent sources agree without consulting in-process state.
type SourceRef struct {
	RawMessageID string    `json:"rawMessageId"`
	Label        string    `json:"label"`
	Lat          float64   `json:"lat"`
	Lon          float64   `json:"lon"`
	EffectiveAt  time.Time `json:"effectiveAt"`
}

// Telemetry is the fused, deduplicated state of a payload at one logical instant.
//
// EventTime only ever moves earlier on update; LastMutated strictly advances on
// every mutating touch. Raw messages reference telemetry (and vice versa) by id
// only, resolved through the store, never as embedded pointers.
type Telemetry struct {
	ID          string    `json:"id"`
	PayloadID   string    `json:"payloadId"`
	EventTime   time.Time `json:"eventTime"`
	FirstSeen   time.Time `json:"firstSeen"`
	LastMutated time.Time `json:"lastMutated"`

	Lat      float64  `json:"lat"`
	Lon      float64  `json:"lon"`
	Accuracy *float64 `json:"accuracy,omitempty"`
	Altitude *float64 `json:"altitude,omitempty"`
	Speed    *float64 `json:"speed,omitempty"`
	Course   *float64 `json:"course,omitempty"`
	Battery  *float64 `json:"battery,omitempty"`

	// Extra carries unrecognized sensor fields as scalars, schema-free.
	Extra map[string]any `json:"extra,omitempty"`

	Sources    []SourceRef `json:"sources"`
	Confidence Confidence  `json:"confidence"`
}

// Point is the published snapshot of a telemetry position, the unit of fan-out
// and catch-up delivery. Viewers reconcile live and catch-up delivery by
// (PayloadID, EventTime), not arrival order.
type Point struct {
	PayloadID   string     `json:"payloadId"`
	TelemetryID string     `json:"telemetryId"`
	EventTime   time.Time  `json:"eventTime"`
	Lat         float64    `json:"lat"`
	Lon         float64    `json:"lon"`
	Altitude    *float64   `json:"altitude,omitempty"`
	Speed       *float64   `json:"speed,omitempty"`
	Course      *float64   `json:"course,omitempty"`
	Battery     *float64   `json:"battery,omitempty"`
	Confidence  Confidence `json:"confidence"`
}

// Snapshot returns the publishable point for the record's current state.
func (t *Telemetry) Snapshot() Point {
	return Point{
		PayloadID:   t.PayloadID,
		TelemetryID: t.ID,
		EventTime:   t.EventTime,
		Lat:         t.Lat,
		Lon:         t.Lon,
		Altitude:    t.Altitude,
		Speed:       t.Speed,
		Course:      t.Course,
		Battery:     t.Battery,
		Confidence:  t.Confidence,
	}
}
