// Package patterns manages pattern containers, versioned patterns and
// runtime pattern selection.
package patterns

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/botfleet/botfleet/internal/store"
	"github.com/botfleet/botfleet/pkg/models"
)

// Service owns container and pattern lifecycle plus selection.
type Service struct {
	store store.Store

	// Round-robin cursors, keyed by container id. Deliberately not
	// persisted: a restart resetting rotation is acceptable.
	rrMu      sync.Mutex
	rrCursors map[string]int
}

// NewService creates a pattern service on the given store.
func NewService(st store.Store) *Service {
	return &Service{
		store:     st,
		rrCursors: make(map[string]int),
	}
}

// ── Containers ──────────────────────────────────────────────

func validateContainer(c *models.Container) error {
	if c.Name == "" {
		return &models.ValidationError{Field: "name", Reason: "required"}
	}
	if !models.ValidCategory(c.Category) {
		return &models.ValidationError{Field: "category", Reason: fmt.Sprintf("unknown category %q", c.Category)}
	}
	if c.Priority < 0 || c.Priority > models.MaxPriority {
		return &models.ValidationError{Field: "priority", Reason: fmt.Sprintf("must be 0-%d", models.MaxPriority)}
	}
	return nil
}

func (s *Service) CreateContainer(ctx context.Context, c *models.Container) (*models.Container, error) {
	if err := validateContainer(c); err != nil {
		return nil, err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	if err := s.store.CreateContainer(ctx, c); err != nil {
		return nil, err
	}
	log.Info().Str("container", c.ID).Str("name", c.Name).Str("category", string(c.Category)).Msg("Container created")
	return c, nil
}

func (s *Service) UpdateContainer(ctx context.Context, c *models.Container) (*models.Container, error) {
	if err := validateContainer(c); err != nil {
		return nil, err
	}
	existing, err := s.store.GetContainer(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = existing.CreatedAt
	c.CreatedBy = existing.CreatedBy
	c.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateContainer(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) DeleteContainer(ctx context.Context, id string) error {
	if err := s.store.DeleteContainer(ctx, id); err != nil {
		return err
	}
	s.rrMu.Lock()
	delete(s.rrCursors, id)
	s.rrMu.Unlock()
	log.Info().Str("container", id).Msg("Container deleted (patterns cascaded)")
	return nil
}

func (s *Service) GetContainer(ctx context.Context, id string) (*models.Container, error) {
	return s.store.GetContainer(ctx, id)
}

func (s *Service) ListContainers(ctx context.Context, filter store.ContainerFilter) ([]models.Container, int, error) {
	return s.store.ListContainers(ctx, filter)
}

// ── Patterns ────────────────────────────────────────────────

func validatePattern(p *models.Pattern) error {
	if p.Name == "" {
		return &models.ValidationError{Field: "name", Reason: "required"}
	}
	if p.Code == "" {
		return &models.ValidationError{Field: "code", Reason: "required"}
	}
	if len(p.Code) > models.MaxPatternCode {
		return &models.ValidationError{Field: "code", Reason: fmt.Sprintf("exceeds %d bytes", models.MaxPatternCode)}
	}
	if !models.ValidCodeType(p.CodeType) {
		return &models.ValidationError{Field: "code_type", Reason: fmt.Sprintf("unknown code type %q", p.CodeType)}
	}
	if !models.ValidFailureAction(p.FailureAction) {
		return &models.ValidationError{Field: "failure_action", Reason: fmt.Sprintf("unknown failure action %q", p.FailureAction)}
	}
	if p.Priority < 0 || p.Priority > models.MaxPriority {
		return &models.ValidationError{Field: "priority", Reason: fmt.Sprintf("must be 0-%d", models.MaxPriority)}
	}
	if p.Weight < 0 || p.Weight > models.MaxWeight {
		return &models.ValidationError{Field: "weight", Reason: fmt.Sprintf("must be 0-%d", models.MaxWeight)}
	}
	if p.TimeoutMs < 1 || p.TimeoutMs > models.MaxTimeoutMs {
		return &models.ValidationError{Field: "timeout_ms", Reason: fmt.Sprintf("must be 1-%d", models.MaxTimeoutMs)}
	}
	if p.RetryCount < 0 {
		return &models.ValidationError{Field: "retry_count", Reason: "must be >= 0"}
	}
	return nil
}

func (s *Service) CreatePattern(ctx context.Context, p *models.Pattern) (*models.Pattern, error) {
	if p.FailureAction == "" {
		p.FailureAction = models.FailureSkip
	}
	if err := validatePattern(p); err != nil {
		return nil, err
	}
	if _, err := s.store.GetContainer(ctx, p.ContainerID); err != nil {
		return nil, err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.Version = 1
	p.Stats = models.PatternStats{}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	if err := s.store.CreatePattern(ctx, p); err != nil {
		return nil, err
	}
	log.Info().Str("pattern", p.ID).Str("container", p.ContainerID).
		Str("code_type", string(p.CodeType)).Msg("Pattern created")
	return p, nil
}

// UpdatePattern replaces a pattern's definition. The version increments
// on every update; stats carry over from the stored record.
func (s *Service) UpdatePattern(ctx context.Context, p *models.Pattern) (*models.Pattern, error) {
	if err := validatePattern(p); err != nil {
		return nil, err
	}
	existing, err := s.store.GetPattern(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	p.ContainerID = existing.ContainerID
	p.Version = existing.Version + 1
	p.Stats = existing.Stats
	p.CreatedAt = existing.CreatedAt
	p.CreatedBy = existing.CreatedBy
	p.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdatePattern(ctx, p); err != nil {
		return nil, err
	}
	log.Info().Str("pattern", p.ID).Int("version", p.Version).Msg("Pattern updated")
	return p, nil
}

func (s *Service) DeletePattern(ctx context.Context, id string) error {
	if err := s.store.DeletePattern(ctx, id); err != nil {
		return err
	}
	log.Info().Str("pattern", id).Msg("Pattern deleted, instance references cleared")
	return nil
}

func (s *Service) GetPattern(ctx context.Context, id string) (*models.Pattern, error) {
	return s.store.GetPattern(ctx, id)
}

func (s *Service) ListPatterns(ctx context.Context, filter store.PatternFilter) ([]models.Pattern, int, error) {
	return s.store.ListPatterns(ctx, filter)
}

// ── Selection ───────────────────────────────────────────────

// Select picks one active pattern from a container. forceDefault
// demands the pattern marked default; when none is marked the call
// fails rather than silently degrading to the strategy.
func (s *Service) Select(ctx context.Context, containerID string, strategy models.SelectionStrategy, forceDefault bool) (*models.Pattern, error) {
	if !models.ValidStrategy(strategy) {
		return nil, &models.ValidationError{Field: "strategy", Reason: fmt.Sprintf("unknown strategy %q", strategy)}
	}
	candidates, err := s.activePatterns(ctx, containerID)
	if err != nil {
		return nil, err
	}
	if forceDefault {
		if d := defaultOf(candidates); d != nil {
			return d, nil
		}
		return nil, &store.ErrNotFound{Entity: "default pattern", Key: containerID}
	}
	return s.applyStrategy(containerID, strategy, candidates), nil
}

// SelectPreferDefault picks the default-marked pattern when one exists
// and applies the strategy otherwise. This is the no-override
// resolution path: a container's default wins over a higher-priority
// sibling, but an unmarked container still selects normally.
func (s *Service) SelectPreferDefault(ctx context.Context, containerID string, strategy models.SelectionStrategy) (*models.Pattern, error) {
	if !models.ValidStrategy(strategy) {
		return nil, &models.ValidationError{Field: "strategy", Reason: fmt.Sprintf("unknown strategy %q", strategy)}
	}
	candidates, err := s.activePatterns(ctx, containerID)
	if err != nil {
		return nil, err
	}
	if d := defaultOf(candidates); d != nil {
		return d, nil
	}
	return s.applyStrategy(containerID, strategy, candidates), nil
}

func (s *Service) activePatterns(ctx context.Context, containerID string) ([]models.Pattern, error) {
	active := true
	candidates, _, err := s.store.ListPatterns(ctx, store.PatternFilter{ContainerID: containerID, Active: &active})
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, &store.ErrNotFound{Entity: "active pattern", Key: containerID}
	}
	return candidates, nil
}

func defaultOf(candidates []models.Pattern) *models.Pattern {
	for i := range candidates {
		if candidates[i].IsDefault {
			return &candidates[i]
		}
	}
	return nil
}

// applyStrategy assumes strategy has been validated and candidates is
// non-empty.
func (s *Service) applyStrategy(containerID string, strategy models.SelectionStrategy, candidates []models.Pattern) *models.Pattern {
	switch strategy {
	case models.SelectWeighted:
		return pickWeighted(candidates)

	case models.SelectRoundRobin:
		s.rrMu.Lock()
		cursor := s.rrCursors[containerID]
		s.rrCursors[containerID] = cursor + 1
		s.rrMu.Unlock()
		return &candidates[cursor%len(candidates)]

	case models.SelectRandom:
		return &candidates[rand.Intn(len(candidates))]
	}
	// Priority: listing is priority desc, created_at asc, so head wins.
	return &candidates[0]
}

// pickWeighted draws proportionally to Weight. Zero-weight patterns are
// excluded; if every weight is zero the draw degrades to uniform.
func pickWeighted(candidates []models.Pattern) *models.Pattern {
	total := 0
	for i := range candidates {
		total += candidates[i].Weight
	}
	if total == 0 {
		return &candidates[rand.Intn(len(candidates))]
	}
	roll := rand.Intn(total)
	for i := range candidates {
		roll -= candidates[i].Weight
		if roll < 0 {
			return &candidates[i]
		}
	}
	return &candidates[len(candidates)-1]
}

// RecordExecution folds one execution outcome into a pattern's stats.
func (s *Service) RecordExecution(ctx context.Context, patternID string, success bool, durationMs int64, testMode bool) error {
	return s.store.RecordPatternExecution(ctx, patternID, success, durationMs, testMode)
}
