package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"payload-tracker/backend/internal/ingest"
	"payload-tracker/backend/internal/payload/cache"
	payloadrepo "payload-tracker/backend/internal/payload/repository"
	rawdomain "payload-tracker/backend/internal/rawmsg/domain"
	teledomain "payload-tracker/backend/internal/telemetry/domain"
)

// maxEnvelopeBytes bounds a single ingest submission.
const maxEnvelopeBytes = 1 << 20

// Pinger reports store liveness for the health endpoint.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// RawMessageReader serves the raw-envelope audit endpoints.
type RawMessageReader interface {
	GetByID(ctx context.Context, id string) (*rawdomain.RawMessage, error)
	ListByTelemetry(ctx context.Context, telemetryID string) ([]*rawdomain.RawMessage, error)
}

// TelemetryReader serves the fused-record detail endpoint.
type TelemetryReader interface {
	GetByID(ctx context.Context, id string) (*teledomain.Telemetry, error)
}

// Handler holds the HTTP route handlers. Nil fields disable the routes that
// need them, so the broadcaster can reuse the router with only /healthz and
// the websocket endpoint mounted.
type Handler struct {
	svc       *ingest.Service
	payloads  payloadrepo.Repository
	idents    *cache.IdentifierCache
	raws      RawMessageReader
	telemetry TelemetryReader
	store     Pinger
}

// NewHandler creates a new Handler.
func NewHandler(svc *ingest.Service, payloads payloadrepo.Repository, idents *cache.IdentifierCache,
	raws RawMessageReader, telemetry TelemetryReader, store Pinger) *Handler {
	return &Handler{svc: svc, payloads: payloads, idents: idents, raws: raws, telemetry: telemetry, store: store}
}

// IngestResponse is the body returned for an accepted envelope.
type IngestResponse struct {
	PayloadID    string `json:"payloadId"`
	TelemetryID  string `json:"telemetryId"`
	RawMessageID string `json:"rawMessageId"`
	Created      bool   `json:"created"`
	Confidence   string `json:"confidence"`
}

// Ingest handles POST /api/v1/ingest. The request body is the raw packet,
// verbatim; transport metadata rides in headers so gateways can forward
// packets untouched.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEnvelopeBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody("body too large"))
		return
	}

	env := ingest.Envelope{
		Body:           body,
		IngestMethod:   headerOr(r, "X-Ingest-Method", "http"),
		TransmitMethod: r.Header.Get("X-Transmit-Method"),
		SourceLabel:    r.Header.Get("X-Source-Label"),
		ReceivedAt:     time.Now().UTC(),
	}

	res, err := h.svc.Ingest(r.Context(), env)
	if err != nil {
		var parseErr *ingest.ParseError
		var identErr *ingest.IdentityError
		switch {
		case errors.As(err, &parseErr), errors.As(err, &identErr):
			// Recorded unlinked for audit; nothing to fuse.
			writeJSON(w, http.StatusUnprocessableEntity, errorBody(err.Error()))
		case errors.Is(err, ingest.ErrStoreUnavailable):
			writeJSON(w, http.StatusServiceUnavailable, errorBody("store unavailable, retry"))
		default:
			log.Printf("server: ingest failed: %v", err)
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}

	writeJSON(w, http.StatusOK, IngestResponse{
		PayloadID:    res.Telemetry.PayloadID,
		TelemetryID:  res.Telemetry.ID,
		RawMessageID: res.RawMessageID,
		Created:      res.Created,
		Confidence:   string(res.Telemetry.Confidence),
	})
}

// PayloadResponse is the detail view of a tracked payload.
type PayloadResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Identifiers []string  `json:"identifiers"`
	CreatedAt   time.Time `json:"createdAt"`
}

// GetPayload handles GET /api/v1/payloads/{id}.
func (h *Handler) GetPayload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := h.payloads.GetByID(r.Context(), id)
	if err != nil {
		log.Printf("server: get payload %s failed: %v", id, err)
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	if p == nil {
		writeJSON(w, http.StatusNotFound, errorBody("payload not found"))
		return
	}
	ids := p.Identifiers
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, PayloadResponse{ID: p.ID, Name: p.Name, Identifiers: ids, CreatedAt: p.CreatedAt})
}

// GetTelemetry handles GET /api/v1/telemetry/{id}, returning the full fused
// record including extras and the contributing source list.
func (h *Handler) GetTelemetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := h.telemetry.GetByID(r.Context(), id)
	if err != nil {
		log.Printf("server: get telemetry %s failed: %v", id, err)
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	if t == nil {
		writeJSON(w, http.StatusNotFound, errorBody("telemetry not found"))
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// RenamePayload handles PATCH /api/v1/payloads/{id}.
func (h *Handler) RenamePayload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("name is required"))
		return
	}

	if err := h.payloads.Rename(r.Context(), id, req.Name); err != nil {
		if errors.Is(err, payloadrepo.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("payload not found"))
			return
		}
		log.Printf("server: rename payload %s failed: %v", id, err)
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MergePayloads handles POST /api/v1/payloads/{id}/merge. The payload in the
// path absorbs the one named in the body.
func (h *Handler) MergePayloads(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "id")

	var req struct {
		SourceID string `json:"sourceId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.SourceID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("sourceId is required"))
		return
	}
	if req.SourceID == targetID {
		writeJSON(w, http.StatusBadRequest, errorBody("cannot merge a payload into itself"))
		return
	}

	if err := h.payloads.Merge(r.Context(), targetID, req.SourceID); err != nil {
		if errors.Is(err, payloadrepo.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("payload not found"))
			return
		}
		log.Printf("server: merge payload %s into %s failed: %v", req.SourceID, targetID, err)
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}

	// Identifier routing for both sides is stale after a merge; new envelopes
	// must re-resolve against the store.
	if h.idents != nil {
		h.idents.InvalidatePayload(targetID)
		h.idents.InvalidatePayload(req.SourceID)
	}
	w.WriteHeader(http.StatusNoContent)
}

// RawMessageResponse is the audit view of one received envelope.
type RawMessageResponse struct {
	ID             string     `json:"id"`
	PayloadID      string     `json:"payloadId,omitempty"`
	TelemetryID    string     `json:"telemetryId,omitempty"`
	ReceivedAt     time.Time  `json:"receivedAt"`
	DeclaredAt     *time.Time `json:"declaredAt,omitempty"`
	IngestMethod   string     `json:"ingestMethod"`
	TransmitMethod string     `json:"transmitMethod,omitempty"`
	SourceLabel    string     `json:"sourceLabel,omitempty"`
	Raw            string     `json:"raw"`
}

func rawMessageResponse(m *rawdomain.RawMessage) RawMessageResponse {
	return RawMessageResponse{
		ID:             m.ID,
		PayloadID:      m.PayloadID,
		TelemetryID:    m.TelemetryID,
		ReceivedAt:     m.ReceivedAt,
		DeclaredAt:     m.DeclaredAt,
		IngestMethod:   m.IngestMethod,
		TransmitMethod: m.TransmitMethod,
		SourceLabel:    m.SourceLabel,
		Raw:            m.Raw,
	}
}

// GetRawMessage handles GET /api/v1/raw/{id}.
func (h *Handler) GetRawMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, err := h.raws.GetByID(r.Context(), id)
	if err != nil {
		log.Printf("server: get raw message %s failed: %v", id, err)
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	if m == nil {
		writeJSON(w, http.StatusNotFound, errorBody("raw message not found"))
		return
	}
	writeJSON(w, http.StatusOK, rawMessageResponse(m))
}

// ListRawMessages handles GET /api/v1/telemetry/{id}/raw, returning every
// envelope fused into the telemetry row in receipt order.
func (h *Handler) ListRawMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ms, err := h.raws.ListByTelemetry(r.Context(), id)
	if err != nil {
		log.Printf("server: list raw messages for telemetry %s failed: %v", id, err)
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	out := make([]RawMessageResponse, 0, len(ms))
	for _, m := range ms {
		out = append(out, rawMessageResponse(m))
	}
	writeJSON(w, http.StatusOK, out)
}

// Healthz handles GET /healthz. Reports the store unreachable as 503 so load
// balancers stop routing envelopes at a node that cannot commit them.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.store.PingContext(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func headerOr(r *http.Request, key, fallback string) string {
	if v := r.Header.Get(key); v != "" {
		return v
	}
	return fallback
}
