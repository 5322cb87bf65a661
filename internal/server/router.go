package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewRouter creates a chi router with all routes the handler can serve.
// Routes whose dependencies are nil are not mounted, so the ingestion node
// and the broadcaster share one router with different handler wiring.
// wsHandler, if non-nil, is mounted at GET /api/v1/ws.
func NewRouter(h *Handler, wsHandler http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Get("/healthz", h.Healthz)

	r.Route("/api/v1", func(r chi.Router) {
		if h.svc != nil {
			r.Post("/ingest", h.Ingest)
		}
		if h.payloads != nil {
			r.Get("/payloads/{id}", h.GetPayload)
			r.Patch("/payloads/{id}", h.RenamePayload)
			r.Post("/payloads/{id}/merge", h.MergePayloads)
		}
		if h.telemetry != nil {
			r.Get("/telemetry/{id}", h.GetTelemetry)
		}
		if h.raws != nil {
			r.Get("/raw/{id}", h.GetRawMessage)
			r.Get("/telemetry/{id}/raw", h.ListRawMessages)
		}
		if wsHandler != nil {
			r.Get("/ws", wsHandler.ServeHTTP)
		}
	})

	return r
}
