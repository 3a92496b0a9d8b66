package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/botfleet/botfleet/internal/api/middleware"
	"github.com/botfleet/botfleet/internal/store"
	"github.com/botfleet/botfleet/pkg/models"
)

// ── Override Handlers ────────────────────────────────────────

func (h *Handlers) ListOverrides(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	filter := store.OverrideFilter{
		AccountID:   r.URL.Query().Get("account_id"),
		ContainerID: r.URL.Query().Get("container_id"),
		Limit:       limit,
		Offset:      offset,
	}
	items, total, err := h.Overrides.List(r.Context(), filter)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if items == nil {
		items = []models.PatternOverride{}
	}
	respondJSON(w, http.StatusOK, listResponse{Items: items, Total: total})
}

func (h *Handlers) CreateOverride(w http.ResponseWriter, r *http.Request) {
	var req models.PatternOverride
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.AccountID == "" {
		req.AccountID = middleware.GetAccountID(r.Context())
	}
	req.CreatedBy = middleware.GetActorID(r.Context())

	created, err := h.Overrides.Create(r.Context(), &req)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	h.Audit.Record(r.Context(), middleware.GetActorID(r.Context()), created.AccountID,
		"override.create", "override:"+created.ID, nil, asMap(created))
	log.Info().Str("override", created.ID).Str("account", created.AccountID).
		Str("pattern", created.PatternID).Msg("Override created")
	respondJSON(w, http.StatusCreated, created)
}

func (h *Handlers) GetOverride(w http.ResponseWriter, r *http.Request) {
	o, err := h.Overrides.Get(r.Context(), chi.URLParam(r, "overrideId"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, o)
}

func (h *Handlers) UpdateOverride(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "overrideId")
	before, err := h.Overrides.Get(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	var req models.PatternOverride
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.ID = id

	updated, err := h.Overrides.Update(r.Context(), &req)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	h.Audit.Record(r.Context(), middleware.GetActorID(r.Context()), updated.AccountID,
		"override.update", "override:"+id, asMap(before), asMap(updated))
	respondJSON(w, http.StatusOK, updated)
}

func (h *Handlers) DeleteOverride(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "overrideId")
	before, err := h.Overrides.Get(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	if err := h.Overrides.Delete(r.Context(), id); err != nil {
		respondDomainError(w, err)
		return
	}

	h.Audit.Record(r.Context(), middleware.GetActorID(r.Context()), before.AccountID,
		"override.delete", "override:"+id, asMap(before), nil)
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// EffectivePattern resolves which pattern an account/user pair would get
// for a container, with provenance saying whether an override decided it.
func (h *Handlers) EffectivePattern(w http.ResponseWriter, r *http.Request) {
	containerID := chi.URLParam(r, "containerId")
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		accountID = middleware.GetAccountID(r.Context())
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = middleware.GetUserID(r.Context())
	}
	strategy := models.SelectionStrategy(r.URL.Query().Get("strategy"))
	if strategy == "" {
		strategy = models.SelectPriority
	}

	res, err := h.Overrides.Effective(r.Context(), accountID, userID, containerID, strategy, false)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}
