// Package override resolves forced pattern assignments layered over
// default container selection. Every resolution carries provenance so
// operators can tell why an instance got the pattern it got.
package override

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/botfleet/botfleet/internal/patterns"
	"github.com/botfleet/botfleet/internal/store"
	"github.com/botfleet/botfleet/pkg/models"
)

// SourceDefault marks a resolution that fell through to container
// strategy selection. Override resolutions use "override:<id>".
const SourceDefault = "default-selection"

// Resolution is the outcome of resolving a pattern for one
// (account, user, container) lookup.
type Resolution struct {
	Pattern *models.Pattern `json:"pattern"`
	Source  string          `json:"source"`
}

// Resolver layers override lookup over the pattern service.
type Resolver struct {
	store    store.Store
	patterns *patterns.Service
}

// NewResolver creates an override resolver.
func NewResolver(st store.Store, ps *patterns.Service) *Resolver {
	return &Resolver{store: st, patterns: ps}
}

func (r *Resolver) validate(ctx context.Context, o *models.PatternOverride) error {
	if o.AccountID == "" {
		return &models.ValidationError{Field: "account_id", Reason: "required"}
	}
	if o.ContainerID == "" {
		return &models.ValidationError{Field: "container_id", Reason: "required"}
	}
	if o.PatternID == "" {
		return &models.ValidationError{Field: "pattern_id", Reason: "required"}
	}
	if o.Priority < 0 || o.Priority > models.MaxPriority {
		return &models.ValidationError{Field: "priority", Reason: fmt.Sprintf("must be 0-%d", models.MaxPriority)}
	}
	if o.ExpiresAt != nil && o.ExpiresAt.Before(time.Now().UTC()) {
		return &models.ValidationError{Field: "expires_at", Reason: "must be in the future"}
	}
	p, err := r.store.GetPattern(ctx, o.PatternID)
	if err != nil {
		return err
	}
	if p.ContainerID != o.ContainerID {
		return &models.ValidationError{Field: "pattern_id", Reason: "pattern belongs to a different container"}
	}
	return nil
}

// Create registers a new override. The (account, user, container) tuple
// must be unique.
func (r *Resolver) Create(ctx context.Context, o *models.PatternOverride) (*models.PatternOverride, error) {
	if err := r.validate(ctx, o); err != nil {
		return nil, err
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	o.CreatedAt = time.Now().UTC()
	if err := r.store.CreateOverride(ctx, o); err != nil {
		return nil, err
	}
	log.Info().Str("override", o.ID).Str("account", o.AccountID).
		Str("container", o.ContainerID).Str("pattern", o.PatternID).
		Msg("Override created")
	return o, nil
}

// Update replaces the mutable fields of an override. Scope fields
// (account, user, container) are fixed at creation.
func (r *Resolver) Update(ctx context.Context, o *models.PatternOverride) (*models.PatternOverride, error) {
	existing, err := r.store.GetOverride(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	o.AccountID = existing.AccountID
	o.UserID = existing.UserID
	o.ContainerID = existing.ContainerID
	o.CreatedAt = existing.CreatedAt
	o.CreatedBy = existing.CreatedBy
	if err := r.validate(ctx, o); err != nil {
		return nil, err
	}
	if err := r.store.UpdateOverride(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *Resolver) Delete(ctx context.Context, id string) error {
	return r.store.DeleteOverride(ctx, id)
}

func (r *Resolver) Get(ctx context.Context, id string) (*models.PatternOverride, error) {
	return r.store.GetOverride(ctx, id)
}

func (r *Resolver) List(ctx context.Context, filter store.OverrideFilter) ([]models.PatternOverride, int, error) {
	return r.store.ListOverrides(ctx, filter)
}

// Effective resolves the pattern an account/user pair gets for a
// container. Active, unexpired overrides win over strategy selection;
// among competing overrides higher priority wins, a user-scoped
// override beats an account-wide one at equal priority, and the
// earliest-created wins remaining ties. An override pointing at a
// missing or inactive pattern is ignored. Without a winning override
// the container's default pattern is preferred over the strategy.
func (r *Resolver) Effective(ctx context.Context, accountID, userID, containerID string, strategy models.SelectionStrategy, forceDefault bool) (*Resolution, error) {
	overrides, _, err := r.store.ListOverrides(ctx, store.OverrideFilter{
		AccountID:   accountID,
		ContainerID: containerID,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var winner *models.PatternOverride
	for i := range overrides {
		o := &overrides[i]
		if !o.IsActive || o.Expired(now) {
			continue
		}
		// User-scoped overrides only apply to that user; account-wide
		// ones apply to everyone under the account.
		if o.UserID != "" && o.UserID != userID {
			continue
		}
		if winner == nil || overrideBeats(o, winner) {
			winner = o
		}
	}

	if winner != nil {
		p, err := r.store.GetPattern(ctx, winner.PatternID)
		if err == nil && p.IsActive {
			return &Resolution{Pattern: p, Source: "override:" + winner.ID}, nil
		}
		log.Warn().Str("override", winner.ID).Str("pattern", winner.PatternID).
			Msg("Override target missing or inactive, falling back to selection")
	}

	// No override decides: the container's default-marked pattern wins
	// before the strategy applies. forceDefault demands the default and
	// fails without one.
	var p *models.Pattern
	if forceDefault {
		p, err = r.patterns.Select(ctx, containerID, strategy, true)
	} else {
		p, err = r.patterns.SelectPreferDefault(ctx, containerID, strategy)
	}
	if err != nil {
		return nil, err
	}
	return &Resolution{Pattern: p, Source: SourceDefault}, nil
}

// overrideBeats reports whether a should replace the current best b.
func overrideBeats(a, b *models.PatternOverride) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	aScoped, bScoped := a.UserID != "", b.UserID != ""
	if aScoped != bScoped {
		return aScoped
	}
	return a.CreatedAt.Before(b.CreatedAt)
}
