package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/botfleet/botfleet/internal/api/middleware"
	"github.com/botfleet/botfleet/internal/store"
	"github.com/botfleet/botfleet/pkg/models"
)

// ── Container Handlers ───────────────────────────────────────

func (h *Handlers) ListContainers(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	filter := store.ContainerFilter{
		Category: models.ContainerCategory(r.URL.Query().Get("category")),
		Active:   boolParam(r, "active"),
		Limit:    limit,
		Offset:   offset,
	}
	items, total, err := h.Patterns.ListContainers(r.Context(), filter)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if items == nil {
		items = []models.Container{}
	}
	respondJSON(w, http.StatusOK, listResponse{Items: items, Total: total})
}

func (h *Handlers) CreateContainer(w http.ResponseWriter, r *http.Request) {
	var req models.Container
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.CreatedBy = middleware.GetActorID(r.Context())

	created, err := h.Patterns.CreateContainer(r.Context(), &req)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	h.Audit.Record(r.Context(), middleware.GetActorID(r.Context()), middleware.GetAccountID(r.Context()),
		"container.create", "container:"+created.ID, nil, asMap(created))
	log.Info().Str("container", created.Name).Str("id", created.ID).Msg("Container created")
	respondJSON(w, http.StatusCreated, created)
}

func (h *Handlers) GetContainer(w http.ResponseWriter, r *http.Request) {
	c, err := h.Patterns.GetContainer(r.Context(), chi.URLParam(r, "containerId"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (h *Handlers) UpdateContainer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "containerId")
	before, err := h.Patterns.GetContainer(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	var req models.Container
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.ID = id

	updated, err := h.Patterns.UpdateContainer(r.Context(), &req)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	h.Audit.Record(r.Context(), middleware.GetActorID(r.Context()), middleware.GetAccountID(r.Context()),
		"container.update", "container:"+id, asMap(before), asMap(updated))
	respondJSON(w, http.StatusOK, updated)
}

func (h *Handlers) DeleteContainer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "containerId")
	before, err := h.Patterns.GetContainer(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	if err := h.Patterns.DeleteContainer(r.Context(), id); err != nil {
		respondDomainError(w, err)
		return
	}

	h.Audit.Record(r.Context(), middleware.GetActorID(r.Context()), middleware.GetAccountID(r.Context()),
		"container.delete", "container:"+id, asMap(before), nil)
	log.Info().Str("container", before.Name).Str("id", id).Msg("Container deleted, patterns cascaded")
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ── Pattern Handlers ─────────────────────────────────────────

func (h *Handlers) ListPatterns(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	filter := store.PatternFilter{
		ContainerID: chi.URLParam(r, "containerId"),
		Active:      boolParam(r, "active"),
		Limit:       limit,
		Offset:      offset,
	}
	items, total, err := h.Patterns.ListPatterns(r.Context(), filter)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if items == nil {
		items = []models.Pattern{}
	}
	respondJSON(w, http.StatusOK, listResponse{Items: items, Total: total})
}

func (h *Handlers) CreatePattern(w http.ResponseWriter, r *http.Request) {
	var req models.Pattern
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.ContainerID = chi.URLParam(r, "containerId")
	req.CreatedBy = middleware.GetActorID(r.Context())

	created, err := h.Patterns.CreatePattern(r.Context(), &req)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	h.Audit.Record(r.Context(), middleware.GetActorID(r.Context()), middleware.GetAccountID(r.Context()),
		"pattern.create", "pattern:"+created.ID, nil, asMap(created))
	log.Info().Str("pattern", created.Name).Str("container", created.ContainerID).
		Str("code_type", string(created.CodeType)).Msg("Pattern created")
	respondJSON(w, http.StatusCreated, created)
}

func (h *Handlers) GetPattern(w http.ResponseWriter, r *http.Request) {
	p, err := h.Patterns.GetPattern(r.Context(), chi.URLParam(r, "patternId"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (h *Handlers) UpdatePattern(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "patternId")
	before, err := h.Patterns.GetPattern(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	var req models.Pattern
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.ID = id

	updated, err := h.Patterns.UpdatePattern(r.Context(), &req)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	h.Audit.Record(r.Context(), middleware.GetActorID(r.Context()), middleware.GetAccountID(r.Context()),
		"pattern.update", "pattern:"+id, asMap(before), asMap(updated))
	respondJSON(w, http.StatusOK, updated)
}

func (h *Handlers) DeletePattern(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "patternId")
	before, err := h.Patterns.GetPattern(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	if err := h.Patterns.DeletePattern(r.Context(), id); err != nil {
		respondDomainError(w, err)
		return
	}

	h.Audit.Record(r.Context(), middleware.GetActorID(r.Context()), middleware.GetAccountID(r.Context()),
		"pattern.delete", "pattern:"+id, asMap(before), nil)
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// SelectPattern runs one selection round against a container without
// executing anything. Useful for previewing what a strategy would pick.
func (h *Handlers) SelectPattern(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Strategy     models.SelectionStrategy `json:"strategy"`
		ForceDefault bool                     `json:"force_default"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Strategy == "" {
		req.Strategy = models.SelectPriority
	}

	p, err := h.Patterns.Select(r.Context(), chi.URLParam(r, "containerId"), req.Strategy, req.ForceDefault)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}
