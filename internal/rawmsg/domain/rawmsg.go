package domain

import "time"

// RawMessage is the immutable record of one physically received envelope.
// PayloadID is empty when the envelope failed to parse (retained for audit);
// TelemetryID is set exactly once when the message is fused, and cleared only
// if that telemetry row is deleted.
type RawMessage struct {
	ID             string
	PayloadID      string
	TelemetryID    string
	ReceivedAt     time.Time
	DeclaredAt     *time.Time
	IngestMethod   string
	TransmitMethod string
	SourceLabel    string
	Raw            string
}
