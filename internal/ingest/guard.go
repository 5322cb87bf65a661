package ingest

import (
	"time"

	"payload-tracker/backend/internal/geo"
	teledomain "payload-tracker/backend/internal/telemetry/domain"
)

// Guard screens merged positions for physically implausible motion. A flagged
// update is stored with provisional confidence instead of being rejected, so
// no information is lost and no bad fix silently poisons the visible track.
type Guard struct {
	// MaxSpeedKMH is the implied ground speed above which a fix is implausible.
	MaxSpeedKMH float64
	// Corroboration is how many independent sources must agree to confirm a
	// flagged position.
	Corroboration int
	// AgreeRadiusKM is the radius within which two sources count as agreeing.
	AgreeRadiusKM float64
}

// Assess returns the confidence for the row after the candidate was applied.
// prev is the payload's last confirmed position, excluding this row; nil when
// the payload has no confirmed history, in which case the fix is accepted.
func (g *Guard) Assess(t *teledomain.Telemetry, c *Candidate, effective time.Time, prev *teledomain.Point) teledomain.Confidence {
	if prev == nil {
		return teledomain.ConfidenceConfirmed
	}

	dist := geo.DistanceKM(prev.Lat, prev.Lon, c.Lat, c.Lon)
	elapsed := effective.Sub(prev.EventTime)
	if elapsed < 0 {
		elapsed = -elapsed
	}

	var implausible bool
	if elapsed == 0 {
		// Same instant, different place: implausible unless effectively the same fix.
		implausible = dist > g.AgreeRadiusKM
	} else {
		speedKMH := dist / elapsed.Hours()
		implausible = speedKMH > g.MaxSpeedKMH
	}
	if !implausible {
		return teledomain.ConfidenceConfirmed
	}

	if g.agreeingSources(t, c.Lat, c.Lon) >= g.Corroboration {
		return teledomain.ConfidenceConfirmed
	}
	return teledomain.ConfidenceProvisional
}

// agreeingSources counts distinct source labels on the row whose reported
// position lies within the agreement radius of (lat, lon).
func (g *Guard) agreeingSources(t *teledomain.Telemetry, lat, lon float64) int {
	agreed := make(map[string]struct{})
	for _, s := range t.Sources {
		if geo.DistanceKM(s.Lat, s.Lon, lat, lon) <= g.AgreeRadiusKM {
			agreed[s.Label] = struct{}{}
		}
	}
	return len(agreed)
}
