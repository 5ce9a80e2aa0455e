// Package ingress is the webhook front door: signature verification,
// delivery dedup, and event-to-job translation. Handlers do short,
// read-mostly work; everything slow happens in the worker.
package ingress

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/CosmoTheDev/sdlc-agent/internal/config"
	"github.com/CosmoTheDev/sdlc-agent/internal/store"
)

// Server serves POST /webhook, GET /health and GET /ui.
type Server struct {
	store          *store.Store
	translator     *Translator
	codeSecret     string
	reviewerSecret string
	ui             http.Handler
}

// NewServer wires the webhook endpoint. ui may be nil when the console is
// disabled.
func NewServer(cfg *config.Config, st *store.Store, ui http.Handler) *Server {
	return &Server{
		store:          st,
		translator:     NewTranslator(st, cfg.Agent.RetryLabels),
		codeSecret:     cfg.Code.WebhookSecret,
		reviewerSecret: cfg.Reviewer.WebhookSecret,
		ui:             ui,
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /webhook", s.handleWebhook)
	if s.ui != nil {
		mux.Handle("GET /ui", s.ui)
	}
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	event := r.Header.Get("X-GitHub-Event")
	deliveryID := r.Header.Get("X-GitHub-Delivery")
	signature := r.Header.Get("X-Hub-Signature-256")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "reading body"})
		return
	}
	if !verifyAny(body, signature, s.codeSecret, s.reviewerSecret) {
		slog.Warn("webhook: invalid signature", "event", event, "delivery", deliveryID)
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid signature"})
		return
	}

	seen, err := s.store.DeliverySeen(r.Context(), deliveryID)
	if err != nil {
		slog.Error("webhook: delivery lookup failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "storage"})
		return
	}
	if seen {
		writeJSON(w, http.StatusOK, map[string]any{"status": "skipped", "reason": "duplicate delivery"})
		return
	}

	// A body that is not a JSON object is just an event nothing matches.
	payload := map[string]any{}
	if err := json.Unmarshal(body, &payload); err != nil {
		slog.Warn("webhook: malformed event body", "event", event, "delivery", deliveryID)
	}

	jobID, err := s.translator.Translate(r.Context(), event, payload, deliveryID)
	if err != nil {
		slog.Error("webhook: translate failed", "event", event, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "storage"})
		return
	}
	if err := s.store.MarkDelivery(r.Context(), deliveryID); err != nil {
		slog.Error("webhook: marking delivery failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "storage"})
		return
	}

	if jobID != nil {
		slog.Info("webhook: job enqueued", "event", event, "delivery", deliveryID, "job_id", *jobID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "accepted", "job_id": jobID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("writing response failed", "error", err)
	}
}
