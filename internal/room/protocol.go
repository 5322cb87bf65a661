package room

import (
	"time"

	"payload-tracker/backend/internal/geo"
	"payload-tracker/backend/internal/telemetry/domain"
)

// Client→server message types.
const (
	MsgSetViewport  = "setViewport"
	MsgGetTelemetry = "getTelemetry"
)

// Server→client message types.
const (
	MsgCatchUp   = "catchUp"
	MsgPoint     = "point"
	MsgTelemetry = "telemetry"
	MsgError     = "error"
)

// ClientMessage is one inbound viewer message.
type ClientMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Viewport  *ViewportChange `json:"viewport,omitempty"`
	Telemetry *TelemetryQuery `json:"telemetry,omitempty"`
}

// ViewportChange carries a setViewport request.
type ViewportChange struct {
	BBox geo.BoundingBox `json:"bbox"`
	// HistoryHorizon bounds catch-up history, e.g. "3h". Empty uses the server default.
	HistoryHorizon string `json:"historyHorizon,omitempty"`
}

// TelemetryQuery asks for the full fused record behind a displayed point,
// keyed the same way live/catch-up delivery is reconciled.
type TelemetryQuery struct {
	PayloadID string    `json:"payloadId"`
	EventTime time.Time `json:"eventTime"`
}

// ServerMessage is one outbound message to a viewer.
type ServerMessage struct {
	Type      string         `json:"type"`
	RequestID string         `json:"requestId,omitempty"`
	Point     *domain.Point  `json:"point,omitempty"`
	Points    []domain.Point `json:"points,omitempty"`
	Telemetry any            `json:"telemetry,omitempty"`
	Error     *ProtocolError `json:"error,omitempty"`
}

// ProtocolError reports a per-message failure on an otherwise healthy
// connection; the connection stays open.
type ProtocolError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Error kinds sent to viewers.
const (
	ErrKindBadMessage  = "badMessage"
	ErrKindBadViewport = "badViewport"
	ErrKindInternal    = "internal"
	ErrKindNotFound    = "notFound"
)
