package ingest

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Envelope is one raw transport submission, as handed over by a transport
// adapter (satellite poller, radio gateway, mesh station, direct API).
type Envelope struct {
	// Body is the raw content, verbatim. Retained for audit even when parsing fails.
	Body []byte
	// IngestMethod is how the envelope reached this process (e.g. "http", "mqtt").
	IngestMethod string
	// TransmitMethod is how the payload originally transmitted (e.g. "aprs", "iridium", "lora").
	TransmitMethod string
	// SourceLabel identifies the relaying station or gateway; the unit of
	// source independence for anomaly corroboration.
	SourceLabel string
	// ReceivedAt is the server receipt time.
	ReceivedAt time.Time
}

// Candidate is a parsed telemetry fact awaiting fusion.
type Candidate struct {
	Identifier string
	DeclaredAt *time.Time

	Lat float64
	Lon float64

	Accuracy *float64
	Altitude *float64
	Speed    *float64
	Course   *float64
	Battery  *float64

	// Extra carries unrecognized fields, bounded but otherwise schema-free.
	Extra map[string]any
}

// EffectiveTime is the candidate's declared time when present, else the server
// receipt time. It drives bucket selection and the event-time minimum.
func (c *Candidate) EffectiveTime(receivedAt time.Time) time.Time {
	if c.DeclaredAt != nil {
		return *c.DeclaredAt
	}
	return receivedAt
}

// Field-name aliases tolerated on input, mirroring what the various transport
// adapters actually send. Matching is case-insensitive.
var (
	identifierAliases = []string{"callsign", "call", "id", "serial", "imei"}
	latAliases        = []string{"latitude", "lat", "latitude_deg", "lat_deg", "lat_dd"}
	lonAliases        = []string{"longitude", "lon", "longitude_deg", "lon_deg", "lon_dd"}
	accuracyAliases   = []string{"accuracy", "acc", "hdop", "cep"}
	altitudeAliases   = []string{"altitude", "alt", "elevation", "elev", "height", "hgt"}
	speedAliases      = []string{"speed", "spd"}
	courseAliases     = []string{"heading", "hdg", "course", "cse", "direction", "dir"}
	batteryAliases    = []string{"battery_voltage", "voltage", "batt_v", "vbatt", "battery", "bat", "volt", "v"}
	timeAliases       = []string{"timestamp", "time", "datetime"}
	extraAliases      = []string{"extra", "telem", "telemetry"}
)

// Bounds on the open extra map, per record. Oversized input is truncated, not rejected.
const (
	maxExtraKeys     = 64
	maxExtraValueLen = 512
)

// Normalize parses an envelope body into a candidate, or returns a ParseError
// or IdentityError. It performs no deduplication; that is entirely the fusion
// path's concern.
func Normalize(env Envelope) (*Candidate, error) {
	var fields map[string]any
	if err := json.Unmarshal(env.Body, &fields); err != nil {
		return nil, &ParseError{Reason: "invalid JSON: " + err.Error()}
	}

	// Lower-case the key space once; aliases are matched case-insensitively.
	lower := make(map[string]any, len(fields))
	for k, v := range fields {
		lower[strings.ToLower(k)] = v
	}

	ident, ok := takeFirst(lower, identifierAliases)
	if !ok {
		return nil, &IdentityError{Reason: "no identifier field (callsign/call/id/serial/imei)"}
	}
	identifier, err := normalizeIdentifier(ident)
	if err != nil {
		return nil, &IdentityError{Identifier: fmt.Sprint(ident), Reason: err.Error()}
	}

	c := &Candidate{Identifier: identifier}

	latRaw, ok := takeFirst(lower, latAliases)
	if !ok {
		return nil, &ParseError{Reason: "missing latitude"}
	}
	lonRaw, ok := takeFirst(lower, lonAliases)
	if !ok {
		return nil, &ParseError{Reason: "missing longitude"}
	}
	if c.Lat, err = parseCoordinate(latRaw, 90); err != nil {
		return nil, &ParseError{Reason: "latitude: " + err.Error()}
	}
	if c.Lon, err = parseCoordinate(lonRaw, 180); err != nil {
		return nil, &ParseError{Reason: "longitude: " + err.Error()}
	}

	if v, ok := takeFirst(lower, accuracyAliases); ok {
		if c.Accuracy, err = optFloat(v); err != nil {
			return nil, &ParseError{Reason: "accuracy: " + err.Error()}
		}
	}
	if v, ok := takeFirst(lower, altitudeAliases); ok {
		if c.Altitude, err = optFloat(v); err != nil {
			return nil, &ParseError{Reason: "altitude: " + err.Error()}
		}
	}
	if v, ok := takeFirst(lower, speedAliases); ok {
		if c.Speed, err = optFloat(v); err != nil {
			return nil, &ParseError{Reason: "speed: " + err.Error()}
		}
	}
	if v, ok := takeFirst(lower, courseAliases); ok {
		course, err := optFloat(v)
		if err != nil {
			return nil, &ParseError{Reason: "course: " + err.Error()}
		}
		if course != nil && (*course < 0 || *course > 360) {
			return nil, &ParseError{Reason: fmt.Sprintf("course %v out of range 0..360", *course)}
		}
		c.Course = course
	}
	if v, ok := takeFirst(lower, batteryAliases); ok {
		if c.Battery, err = normalizeVoltage(v); err != nil {
			return nil, &ParseError{Reason: "battery: " + err.Error()}
		}
	}
	if v, ok := takeFirst(lower, timeAliases); ok {
		declared, err := parseDeclaredTime(v)
		if err != nil {
			return nil, &ParseError{Reason: "timestamp: " + err.Error()}
		}
		c.DeclaredAt = declared
	}

	c.Extra = collectExtras(lower)
	return c, nil
}

// collectExtras merges unrecognized top-level fields ("sibling extras") with
// the contents of an explicit extra map; explicit keys win on clash. Values
// are clamped to scalars within size bounds, with non-scalars re-encoded as
// JSON strings, to stay forward compatible with unknown sensor fields.
func collectExtras(lower map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range lower {
		if _, known := knownKeys[k]; known {
			continue
		}
		putExtra(out, k, v)
	}
	for _, alias := range extraAliases {
		if v, ok := lower[alias]; ok {
			if m, ok := v.(map[string]any); ok {
				for k, ev := range m {
					putExtra(out, strings.ToLower(k), ev)
				}
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func putExtra(out map[string]any, key string, v any) {
	if len(out) >= maxExtraKeys {
		return
	}
	switch v.(type) {
	case string, float64, bool, nil:
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return
		}
		v = string(raw)
	}
	if s, ok := v.(string); ok && len(s) > maxExtraValueLen {
		v = s[:maxExtraValueLen]
	}
	out[key] = v
}

// knownKeys is the set of recognized field names; anything else is an extra.
var knownKeys = func() map[string]struct{} {
	m := make(map[string]struct{})
	for _, group := range [][]string{
		identifierAliases, latAliases, lonAliases, accuracyAliases,
		altitudeAliases, speedAliases, courseAliases, batteryAliases,
		timeAliases, extraAliases,
	} {
		for _, k := range group {
			m[k] = struct{}{}
		}
	}
	return m
}()

// takeFirst returns the value of the first present alias. A second return of
// false means none of the aliases were present.
func takeFirst(lower map[string]any, aliases []string) (any, bool) {
	for _, a := range aliases {
		if v, ok := lower[a]; ok {
			return v, true
		}
	}
	return nil, false
}

var callsignRe = regexp.MustCompile(`^[A-Z][A-Z0-9]{2,8}(-[A-Z0-9]{1,2})?$`)

// normalizeIdentifier upper-cases and validates an identifier. Callsign-like
// identifiers follow amateur-radio conventions (base of 3+ alphanumerics
// starting with a letter, optional -SSID); anything with a namespace prefix
// (e.g. "imei:300234...") only needs a non-empty suffix.
func normalizeIdentifier(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("identifier must be a string, got %T", v)
	}
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return "", fmt.Errorf("identifier is empty")
	}
	if prefix, rest, found := strings.Cut(s, ":"); found {
		if prefix == "" || rest == "" {
			return "", fmt.Errorf("namespaced identifier %q has empty part", s)
		}
		return s, nil
	}
	if !callsignRe.MatchString(s) {
		return "", fmt.Errorf("identifier %q is not a valid callsign", s)
	}
	return s, nil
}

var dmsRe = regexp.MustCompile(`^\s*(\d{1,3})(?:[:° ]+(\d{1,2})(?:[:' ]+(\d{1,2}(?:\.\d+)?))?["' ]*)?\s*([NSEWnsew])?\s*$`)

// scaledCoordinateMin is the smallest whole number treated as an
// integer-encoded coordinate (degrees * 10000). Whole numbers between the
// coordinate range and this floor are rejected as out of bounds rather than
// rescaled, since they are far more likely bad degrees than sub-0.1° fixes.
const scaledCoordinateMin = 1000

// parseCoordinate accepts decimal degrees (number or numeric string), numbers
// scaled by 10000 (whole numbers of at least scaledCoordinateMin), and DMS
// strings with an optional hemisphere letter. maxAbs is 90 for latitude,
// 180 for longitude.
func parseCoordinate(v any, maxAbs float64) (float64, error) {
	var deg float64
	switch val := v.(type) {
	case float64:
		deg = val
		if deg == math.Trunc(deg) && math.Abs(deg) >= scaledCoordinateMin {
			deg = deg / 10000.0
		}
	case string:
		val = strings.TrimSpace(val)
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			deg = f
			break
		}
		m := dmsRe.FindStringSubmatch(val)
		if m == nil {
			return 0, fmt.Errorf("invalid coordinate %q", val)
		}
		d, _ := strconv.ParseFloat(m[1], 64)
		var minutes, seconds float64
		if m[2] != "" {
			minutes, _ = strconv.ParseFloat(m[2], 64)
		}
		if m[3] != "" {
			seconds, _ = strconv.ParseFloat(m[3], 64)
		}
		if minutes >= 60 || seconds >= 60 {
			return 0, fmt.Errorf("invalid DMS values in %q", val)
		}
		deg = d + minutes/60 + seconds/3600
		switch strings.ToUpper(m[4]) {
		case "S", "W":
			deg = -deg
		}
	default:
		return 0, fmt.Errorf("invalid type %T", v)
	}
	if deg < -maxAbs || deg > maxAbs {
		return 0, fmt.Errorf("coordinate %.6f out of bounds (±%.0f)", deg, maxAbs)
	}
	return deg, nil
}

// optFloat converts an optional numeric field to *float64. Numeric strings
// are tolerated; nil stays nil.
func optFloat(v any) (*float64, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case float64:
		return &val, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", val)
		}
		return &f, nil
	default:
		return nil, fmt.Errorf("expected a number, got %T", v)
	}
}

// normalizeVoltage converts the battery field to volts. Values above 1000 are
// millivolts; whole numbers between 20 and 60 are decivolts (common for
// 3.0-4.2V packs reported as 30-42); everything else is taken as volts.
func normalizeVoltage(v any) (*float64, error) {
	if v == nil {
		return nil, nil
	}
	f, ok := v.(float64)
	if !ok {
		return nil, fmt.Errorf("expected a number, got %T", v)
	}
	if f < 0 {
		return nil, fmt.Errorf("voltage cannot be negative")
	}
	switch {
	case f > 1000:
		f = f / 1000
	case f == math.Trunc(f) && f >= 20 && f <= 60:
		f = f / 10
	}
	return &f, nil
}

// parseDeclaredTime accepts unix seconds or milliseconds (numbers) and RFC3339
// strings. Returns nil for null.
func parseDeclaredTime(v any) (*time.Time, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case float64:
		if val <= 0 {
			return nil, fmt.Errorf("non-positive timestamp %v", val)
		}
		var t time.Time
		if val > 1e12 {
			t = time.UnixMilli(int64(val)).UTC()
		} else {
			t = time.Unix(int64(val), 0).UTC()
		}
		return &t, nil
	case string:
		t, err := time.Parse(time.RFC3339, val)
		if err != nil {
			return nil, err
		}
		t = t.UTC()
		return &t, nil
	default:
		return nil, fmt.Errorf("invalid type %T", v)
	}
}
