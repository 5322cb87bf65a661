// Package geo holds the small amount of spherical and rectangular geometry the
// tracker needs: great-circle distance for the anomaly guard and bounding-box
// algebra for viewports and catch-up queries.
package geo

import "math"

const earthRadiusKM = 6371.0

// DistanceKM returns the great-circle (haversine) distance between two points
// in kilometers.
func DistanceKM(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180
	lon1Rad := lon1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	lon2Rad := lon2 * math.Pi / 180

	dlat := lat2Rad - lat1Rad
	dlon := lon2Rad - lon1Rad

	a := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(dlon/2)*math.Sin(dlon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKM * c
}

// BoundingBox is a geographic rectangle in decimal degrees.
type BoundingBox struct {
	MinLon float64 `json:"minLon"`
	MinLat float64 `json:"minLat"`
	MaxLon float64 `json:"maxLon"`
	MaxLat float64 `json:"maxLat"`
}

// Valid reports whether the box has sane coordinates and positive extent.
func (b BoundingBox) Valid() bool {
	if b.MinLat < -90 || b.MaxLat > 90 || b.MinLon < -180 || b.MaxLon > 180 {
		return false
	}
	return b.MinLat < b.MaxLat && b.MinLon < b.MaxLon
}

// Empty reports whether the box covers no area. The zero value is empty.
func (b BoundingBox) Empty() bool {
	return b.MinLat >= b.MaxLat || b.MinLon >= b.MaxLon
}

// Contains reports whether the point lies within the box, borders included.
func (b BoundingBox) Contains(lat, lon float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lon >= b.MinLon && lon <= b.MaxLon
}

// Intersect returns the overlap of two boxes; the result is Empty when they are disjoint.
func (b BoundingBox) Intersect(o BoundingBox) BoundingBox {
	return BoundingBox{
		MinLon: math.Max(b.MinLon, o.MinLon),
		MinLat: math.Max(b.MinLat, o.MinLat),
		MaxLon: math.Min(b.MaxLon, o.MaxLon),
		MaxLat: math.Min(b.MaxLat, o.MaxLat),
	}
}

// Difference returns b with o removed, decomposed into at most four disjoint
// rectangles. It returns b whole when the two boxes do not overlap, and nothing
// when o covers b entirely. Used by catch-up to fetch only the newly visible
// region after a viewport change.
func (b BoundingBox) Difference(o BoundingBox) []BoundingBox {
	if b.Empty() {
		return nil
	}
	ov := b.Intersect(o)
	if ov.Empty() {
		return []BoundingBox{b}
	}

	var out []BoundingBox
	// Band below the overlap.
	if b.MinLat < ov.MinLat {
		out = append(out, BoundingBox{MinLon: b.MinLon, MinLat: b.MinLat, MaxLon: b.MaxLon, MaxLat: ov.MinLat})
	}
	// Band above the overlap.
	if ov.MaxLat < b.MaxLat {
		out = append(out, BoundingBox{MinLon: b.MinLon, MinLat: ov.MaxLat, MaxLon: b.MaxLon, MaxLat: b.MaxLat})
	}
	// Left and right strips beside the overlap, limited to the overlap's latitude band
	// so they do not double-count the bands above.
	if b.MinLon < ov.MinLon {
		out = append(out, BoundingBox{MinLon: b.MinLon, MinLat: ov.MinLat, MaxLon: ov.MinLon, MaxLat: ov.MaxLat})
	}
	if ov.MaxLon < b.MaxLon {
		out = append(out, BoundingBox{MinLon: ov.MaxLon, MinLat: ov.MinLat, MaxLon: b.MaxLon, MaxLat: ov.MaxLat})
	}
	return out
}
