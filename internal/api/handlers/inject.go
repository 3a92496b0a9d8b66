package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/botfleet/botfleet/internal/api/middleware"
	"github.com/botfleet/botfleet/internal/harness"
)

// Inject resolves the effective pattern for the caller and executes it.
// This is the public execution entry point, so the caller's timeout is
// clamped harder than internal executions.
func (h *Handlers) Inject(w http.ResponseWriter, r *http.Request) {
	var req harness.InjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.AccountID == "" {
		req.AccountID = middleware.GetAccountID(r.Context())
	}
	if req.UserID == "" {
		req.UserID = middleware.GetUserID(r.Context())
	}

	maxMs := int(harness.MaxInjectDeadline / time.Millisecond)
	if req.TimeoutMs <= 0 || req.TimeoutMs > maxMs {
		req.TimeoutMs = maxMs
	}

	result, err := h.Harness.Inject(r.Context(), req)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	h.Audit.Record(r.Context(), middleware.GetActorID(r.Context()), req.AccountID,
		"harness.inject", "container:"+req.ContainerID, nil, map[string]interface{}{
			"pattern":    result.PatternID,
			"provenance": result.Provenance,
			"success":    result.Success,
			"attempts":   result.Attempts,
		})
	log.Info().Str("container", req.ContainerID).Str("pattern", result.PatternID).
		Str("provenance", result.Provenance).Bool("success", result.Success).
		Int64("duration_ms", result.DurationMs).Msg("Pattern injected")
	respondJSON(w, http.StatusOK, result)
}

// TestPattern executes a stored pattern with probe input, bypassing
// override resolution. Probe runs only move the execution counters.
func (h *Handlers) TestPattern(w http.ResponseWriter, r *http.Request) {
	patternID := chi.URLParam(r, "patternId")

	var req struct {
		Input     map[string]interface{} `json:"input,omitempty"`
		Context   map[string]interface{} `json:"context,omitempty"`
		TimeoutMs int                    `json:"timeout_ms,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	maxMs := int(harness.MaxInjectDeadline / time.Millisecond)
	if req.TimeoutMs <= 0 || req.TimeoutMs > maxMs {
		req.TimeoutMs = maxMs
	}

	result, err := h.Harness.TestPattern(r.Context(), patternID, req.Input, req.Context, req.TimeoutMs)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}
