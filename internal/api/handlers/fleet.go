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

// ── Blueprint Handlers ───────────────────────────────────────

func (h *Handlers) ListBlueprints(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	filter := store.BlueprintFilter{
		Active: boolParam(r, "active"),
		Tier:   models.ExecutionTier(r.URL.Query().Get("tier")),
		Venue:  models.RuntimeVenue(r.URL.Query().Get("venue")),
		Mode:   models.BehaviorMode(r.URL.Query().Get("mode")),
		Limit:  limit,
		Offset: offset,
	}
	items, total, err := h.Orchestrator.ListBlueprints(r.Context(), filter)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if items == nil {
		items = []models.Blueprint{}
	}
	respondJSON(w, http.StatusOK, listResponse{Items: items, Total: total})
}

func (h *Handlers) CreateBlueprint(w http.ResponseWriter, r *http.Request) {
	var req models.Blueprint
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.CreatedBy = middleware.GetActorID(r.Context())

	created, err := h.Orchestrator.CreateBlueprint(r.Context(), &req)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	h.Audit.Record(r.Context(), middleware.GetActorID(r.Context()), middleware.GetAccountID(r.Context()),
		"blueprint.create", "blueprint:"+created.ID, nil, asMap(created))
	log.Info().Str("blueprint", created.Name).Str("id", created.ID).
		Str("tier", string(created.Tier)).Str("venue", string(created.Venue)).
		Str("mode", string(created.Mode)).Msg("Blueprint created")
	respondJSON(w, http.StatusCreated, created)
}

func (h *Handlers) GetBlueprint(w http.ResponseWriter, r *http.Request) {
	b, err := h.Orchestrator.GetBlueprint(r.Context(), chi.URLParam(r, "blueprintId"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, b)
}

func (h *Handlers) UpdateBlueprint(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "blueprintId")
	before, err := h.Orchestrator.GetBlueprint(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	var req models.Blueprint
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.ID = id

	updated, err := h.Orchestrator.UpdateBlueprint(r.Context(), &req)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	h.Audit.Record(r.Context(), middleware.GetActorID(r.Context()), middleware.GetAccountID(r.Context()),
		"blueprint.update", "blueprint:"+id, asMap(before), asMap(updated))
	respondJSON(w, http.StatusOK, updated)
}

func (h *Handlers) DeleteBlueprint(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "blueprintId")
	before, err := h.Orchestrator.GetBlueprint(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	terminated, err := h.Orchestrator.DeleteBlueprint(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	h.Audit.Record(r.Context(), middleware.GetActorID(r.Context()), middleware.GetAccountID(r.Context()),
		"blueprint.delete", "blueprint:"+id, asMap(before), nil)
	log.Info().Str("blueprint", before.Name).Int("terminated", terminated).Msg("Blueprint deleted")
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "deleted",
		"terminated": terminated,
	})
}

func (h *Handlers) ActivateBlueprint(w http.ResponseWriter, r *http.Request) {
	h.setBlueprintActive(w, r, true)
}

func (h *Handlers) DeactivateBlueprint(w http.ResponseWriter, r *http.Request) {
	h.setBlueprintActive(w, r, false)
}

func (h *Handlers) setBlueprintActive(w http.ResponseWriter, r *http.Request, active bool) {
	id := chi.URLParam(r, "blueprintId")
	b, err := h.Orchestrator.SetActive(r.Context(), id, active)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	action := "blueprint.deactivate"
	if active {
		action = "blueprint.activate"
	}
	h.Audit.Record(r.Context(), middleware.GetActorID(r.Context()), middleware.GetAccountID(r.Context()),
		action, "blueprint:"+id, nil, asMap(b))
	respondJSON(w, http.StatusOK, b)
}

// SpawnInstances requests a batch of instances from a blueprint. The
// grant may be smaller than the request when capacity is tight; an empty
// batch is a valid response, not an error.
func (h *Handlers) SpawnInstances(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "blueprintId")

	var req struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Count <= 0 {
		req.Count = 1
	}

	spawned, err := h.Orchestrator.SpawnInstances(r.Context(), id, req.Count)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if spawned == nil {
		spawned = []models.Instance{}
	}

	h.Audit.Record(r.Context(), middleware.GetActorID(r.Context()), middleware.GetAccountID(r.Context()),
		"blueprint.spawn", "blueprint:"+id, nil,
		map[string]interface{}{"requested": req.Count, "granted": len(spawned)})
	respondJSON(w, http.StatusCreated, listResponse{Items: spawned, Total: len(spawned)})
}

// TerminateAllInstances tears down every live instance of a blueprint.
func (h *Handlers) TerminateAllInstances(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "blueprintId")
	n, err := h.Orchestrator.TerminateAll(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	h.Audit.Record(r.Context(), middleware.GetActorID(r.Context()), middleware.GetAccountID(r.Context()),
		"instance.terminate_all", "blueprint:"+id, nil,
		map[string]interface{}{"terminated": n})
	respondJSON(w, http.StatusOK, map[string]interface{}{"terminated": n})
}

// ── Instance Handlers ────────────────────────────────────────

func (h *Handlers) ListInstances(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	filter := store.InstanceFilter{
		BlueprintID: r.URL.Query().Get("blueprint_id"),
		Status:      models.InstanceStatus(r.URL.Query().Get("status")),
		Limit:       limit,
		Offset:      offset,
	}
	if v := boolParam(r, "live"); v != nil && *v {
		filter.NonTerminal = true
	}
	items, total, err := h.Orchestrator.ListInstances(r.Context(), filter)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if items == nil {
		items = []models.Instance{}
	}
	respondJSON(w, http.StatusOK, listResponse{Items: items, Total: total})
}

func (h *Handlers) GetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := h.Orchestrator.GetInstance(r.Context(), chi.URLParam(r, "instanceId"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, inst)
}

// TerminateInstance tears down one instance. The optional body carries
// the worker's final outcome counters. When the blueprint has
// auto-respawn on and is active, exactly one replacement is scheduled;
// only blueprint deletion and terminate-all suppress the respawn.
func (h *Handlers) TerminateInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instanceId")

	var outcome *models.InstanceOutcome
	var body models.InstanceOutcome
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
		outcome = &body
	} else if err != io.EOF {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.Orchestrator.Terminate(r.Context(), id, outcome, true); err != nil {
		respondDomainError(w, err)
		return
	}

	h.Audit.Record(r.Context(), middleware.GetActorID(r.Context()), middleware.GetAccountID(r.Context()),
		"instance.terminate", "instance:"+id, nil, asMap(outcome))
	respondJSON(w, http.StatusOK, map[string]string{"status": "terminated"})
}

// InstanceHeartbeat refreshes the instance's last-active timestamp.
func (h *Handlers) InstanceHeartbeat(w http.ResponseWriter, r *http.Request) {
	inst, err := h.Orchestrator.Heartbeat(r.Context(), chi.URLParam(r, "instanceId"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, inst)
}

// MarkInstanceError moves an instance to the error state. The blueprint
// respawns a replacement when auto-respawn is on.
func (h *Handlers) MarkInstanceError(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instanceId")

	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.Orchestrator.MarkError(r.Context(), id, req.Reason); err != nil {
		respondDomainError(w, err)
		return
	}

	h.Audit.Record(r.Context(), middleware.GetActorID(r.Context()), middleware.GetAccountID(r.Context()),
		"instance.error", "instance:"+id, nil,
		map[string]interface{}{"reason": req.Reason})
	respondJSON(w, http.StatusOK, map[string]string{"status": "error"})
}
