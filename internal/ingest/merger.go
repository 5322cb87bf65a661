package ingest

import (
	"time"

	"github.com/google/uuid"

	teledomain "payload-tracker/backend/internal/telemetry/domain"
)

// authorityRank orders sources for the effective-time tie-break. Lower rank is
// higher authority; unlisted sources rank below all listed ones.
type authorityRank map[string]int

func newAuthorityRank(ordered []string) authorityRank {
	r := make(authorityRank, len(ordered))
	for i, s := range ordered {
		r[s] = i
	}
	return r
}

func (r authorityRank) rank(label string) int {
	if i, ok := r[label]; ok {
		return i
	}
	return len(r)
}

// newTelemetry builds a fresh row from the first candidate of a new fusion bucket.
func newTelemetry(payloadID string, c *Candidate, env Envelope, rawID string, now time.Time) *teledomain.Telemetry {
	effective := c.EffectiveTime(env.ReceivedAt)
	return &teledomain.Telemetry{
		ID:          uuid.NewString(),
		PayloadID:   payloadID,
		EventTime:   effective,
		FirstSeen:   env.ReceivedAt,
		LastMutated: now,
		Lat:         c.Lat,
		Lon:         c.Lon,
		Accuracy:    c.Accuracy,
		Altitude:    c.Altitude,
		Speed:       c.Speed,
		Course:      c.Course,
		Battery:     c.Battery,
		Extra:       cloneExtra(c.Extra),
		Sources: []teledomain.SourceRef{{
			RawMessageID: rawID,
			Label:        env.SourceLabel,
			Lat:          c.Lat,
			Lon:          c.Lon,
			EffectiveAt:  effective,
		}},
		Confidence: teledomain.ConfidenceConfirmed,
	}
}

// applyCandidate merges a candidate into an existing row, in place.
//
// Event time only moves earlier; first-seen only moves earlier; last-mutated
// strictly advances. Display fields are last-received-wins, except that when
// the candidate carries the same effective time as the previous contribution,
// the configured source-authority order decides which one's fields stand. The
// source list is append-only in arrival order.
func applyCandidate(t *teledomain.Telemetry, c *Candidate, env Envelope, rawID string, now time.Time, rank authorityRank) {
	effective := c.EffectiveTime(env.ReceivedAt)

	if effective.Before(t.EventTime) {
		t.EventTime = effective
	}
	if env.ReceivedAt.Before(t.FirstSeen) {
		t.FirstSeen = env.ReceivedAt
	}
	if !now.After(t.LastMutated) {
		now = t.LastMutated.Add(time.Nanosecond)
	}
	t.LastMutated = now

	wins := true
	if n := len(t.Sources); n > 0 {
		last := t.Sources[n-1]
		if effective.Equal(last.EffectiveAt) && rank.rank(env.SourceLabel) > rank.rank(last.Label) {
			wins = false
		}
	}
	if wins {
		t.Lat = c.Lat
		t.Lon = c.Lon
		if c.Accuracy != nil {
			t.Accuracy = c.Accuracy
		}
		if c.Altitude != nil {
			t.Altitude = c.Altitude
		}
		if c.Speed != nil {
			t.Speed = c.Speed
		}
		if c.Course != nil {
			t.Course = c.Course
		}
		if c.Battery != nil {
			t.Battery = c.Battery
		}
		for k, v := range c.Extra {
			if t.Extra == nil {
				t.Extra = make(map[string]any)
			}
			t.Extra[k] = v
		}
	}

	t.Sources = append(t.Sources, teledomain.SourceRef{
		RawMessageID: rawID,
		Label:        env.SourceLabel,
		Lat:          c.Lat,
		Lon:          c.Lon,
		EffectiveAt:  effective,
	})
}

func cloneExtra(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
