// Package handlers implements the HTTP handlers for the BotFleet
// control plane. All handlers go through the Store interface and the
// domain services; none touch persistence directly beyond listings.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/botfleet/botfleet/internal/audit"
	"github.com/botfleet/botfleet/internal/harness"
	"github.com/botfleet/botfleet/internal/orchestrator"
	"github.com/botfleet/botfleet/internal/override"
	"github.com/botfleet/botfleet/internal/patterns"
	"github.com/botfleet/botfleet/internal/store"
	"github.com/botfleet/botfleet/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store        store.Store
	Patterns     *patterns.Service
	Overrides    *override.Resolver
	Harness      *harness.Engine
	Orchestrator *orchestrator.Orchestrator
	Audit        *audit.Recorder
}

// New creates a Handlers instance, wiring the pattern service, override
// resolver, and execution harness on top of the store. The orchestrator
// is passed in because the server configures its startup delay.
func New(s store.Store, orch *orchestrator.Orchestrator) *Handlers {
	ps := patterns.NewService(s)
	res := override.NewResolver(s, ps)
	return &Handlers{
		Store:        s,
		Patterns:     ps,
		Overrides:    res,
		Harness:      harness.NewEngine(ps, res),
		Orchestrator: orch,
		Audit:        audit.NewRecorder(s),
	}
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondDomainError maps domain errors onto HTTP status codes.
func respondDomainError(w http.ResponseWriter, err error) {
	switch err.(type) {
	case *models.ValidationError:
		respondError(w, http.StatusBadRequest, err.Error())
	case *store.ErrNotFound:
		respondError(w, http.StatusNotFound, err.Error())
	case *store.ErrConflict:
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// listResponse is the common envelope for paginated listings.
type listResponse struct {
	Items interface{} `json:"items"`
	Total int         `json:"total"`
}

func pageParams(r *http.Request) (limit, offset int) {
	limit = 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func boolParam(r *http.Request, name string) *bool {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil
	}
	return &b
}

// asMap flattens a record into the audit before/after shape.
func asMap(v interface{}) map[string]interface{} {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}
