package handlers

import (
	"net/http"
	"time"

	"github.com/botfleet/botfleet/pkg/models"
)

// ListAuditEvents returns audit events newest-first.
func (h *Handlers) ListAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	filter := models.AuditFilter{
		AccountID: r.URL.Query().Get("account_id"),
		ActorID:   r.URL.Query().Get("actor_id"),
		Action:    r.URL.Query().Get("action"),
		Resource:  r.URL.Query().Get("resource"),
		Limit:     limit,
		Offset:    offset,
	}
	if v := r.URL.Query().Get("since"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			filter.Since = &ts
		}
	}
	if v := r.URL.Query().Get("until"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			filter.Until = &ts
		}
	}

	items, total, err := h.Audit.List(r.Context(), filter)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if items == nil {
		items = []models.AuditEvent{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"total": total,
	})
}
