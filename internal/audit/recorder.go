// Package audit records structured events for every mutating action on
// the control plane.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/botfleet/botfleet/internal/store"
	"github.com/botfleet/botfleet/pkg/models"
)

// Actions that carry elevated operational risk get tagged high so they
// stand out in review.
var highRiskActions = map[string]bool{
	"pattern.create":         true,
	"pattern.delete":         true,
	"container.delete":       true,
	"blueprint.delete":       true,
	"instance.terminate_all": true,
	"harness.inject":         true,
}

// Recorder persists audit events. Recording failures are logged, never
// propagated: audit must not break the action it observes.
type Recorder struct {
	store store.AuditStore
}

func NewRecorder(st store.AuditStore) *Recorder {
	return &Recorder{store: st}
}

// Record writes one audit event. Severity is derived from the action.
func (r *Recorder) Record(ctx context.Context, actorID, accountID, action, resource string, before, after map[string]interface{}) {
	severity := models.SeverityInfo
	if highRiskActions[action] {
		severity = models.SeverityHigh
	}
	event := &models.AuditEvent{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		AccountID: accountID,
		Action:    action,
		Resource:  resource,
		Severity:  severity,
		Before:    before,
		After:     after,
		Timestamp: time.Now().UTC(),
	}
	if err := r.store.CreateAuditEvent(ctx, event); err != nil {
		log.Error().Err(err).Str("action", action).Str("resource", resource).
			Msg("Failed to record audit event")
	}
}

// List returns events matching the filter, newest first.
func (r *Recorder) List(ctx context.Context, filter models.AuditFilter) ([]models.AuditEvent, int64, error) {
	return r.store.ListAuditEvents(ctx, filter)
}
