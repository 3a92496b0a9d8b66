// Package store provides the storage interface and implementations for the
// BotFleet control plane. The in-memory store backs local dev and tests;
// PostgreSQL backs production deployments.
package store

import (
	"context"

	"github.com/botfleet/botfleet/pkg/models"
)

// Store is the full persistence surface. Implementations return copies;
// callers never share memory with stored records.
type Store interface {
	ContainerStore
	PatternStore
	OverrideStore
	BlueprintStore
	InstanceStore
	AuditStore

	Ping(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
}

// ContainerFilter narrows container listings.
type ContainerFilter struct {
	Category models.ContainerCategory
	Active   *bool
	Limit    int
	Offset   int
}

// ContainerStore manages pattern containers.
type ContainerStore interface {
	ListContainers(ctx context.Context, filter ContainerFilter) ([]models.Container, int, error)
	GetContainer(ctx context.Context, id string) (*models.Container, error)
	GetContainerByName(ctx context.Context, name string) (*models.Container, error)
	CreateContainer(ctx context.Context, c *models.Container) error
	UpdateContainer(ctx context.Context, c *models.Container) error
	// DeleteContainer removes the container and cascades to its patterns.
	DeleteContainer(ctx context.Context, id string) error
}

// PatternFilter narrows pattern listings.
type PatternFilter struct {
	ContainerID string
	Active      *bool
	Limit       int
	Offset      int
}

// PatternStore manages patterns. Listings are ordered by priority
// descending, CreatedAt ascending as tiebreak.
type PatternStore interface {
	ListPatterns(ctx context.Context, filter PatternFilter) ([]models.Pattern, int, error)
	GetPattern(ctx context.Context, id string) (*models.Pattern, error)
	CreatePattern(ctx context.Context, p *models.Pattern) error
	UpdatePattern(ctx context.Context, p *models.Pattern) error
	// DeletePattern removes the pattern and nulls the CurrentPattern
	// reference on any instance still pointing at it.
	DeletePattern(ctx context.Context, id string) error
	// RecordPatternExecution folds one execution into the pattern's stats.
	// In test mode only the three counters move; the cumulative mean and
	// LastExecutedAt are left untouched.
	RecordPatternExecution(ctx context.Context, id string, success bool, durationMs int64, testMode bool) error
}

// OverrideFilter narrows override listings.
type OverrideFilter struct {
	AccountID   string
	ContainerID string
	Limit       int
	Offset      int
}

// OverrideStore manages forced pattern assignments. CreateOverride
// returns ErrConflict when an override already exists for the same
// (account, user, container) tuple.
type OverrideStore interface {
	ListOverrides(ctx context.Context, filter OverrideFilter) ([]models.PatternOverride, int, error)
	GetOverride(ctx context.Context, id string) (*models.PatternOverride, error)
	CreateOverride(ctx context.Context, o *models.PatternOverride) error
	UpdateOverride(ctx context.Context, o *models.PatternOverride) error
	DeleteOverride(ctx context.Context, id string) error
}

// BlueprintFilter narrows blueprint listings.
type BlueprintFilter struct {
	Active *bool
	Tier   models.ExecutionTier
	Venue  models.RuntimeVenue
	Mode   models.BehaviorMode
	Limit  int
	Offset int
}

// BlueprintStore manages spawn blueprints.
type BlueprintStore interface {
	ListBlueprints(ctx context.Context, filter BlueprintFilter) ([]models.Blueprint, int, error)
	GetBlueprint(ctx context.Context, id string) (*models.Blueprint, error)
	CreateBlueprint(ctx context.Context, b *models.Blueprint) error
	UpdateBlueprint(ctx context.Context, b *models.Blueprint) error
	DeleteBlueprint(ctx context.Context, id string) error
}

// InstanceFilter narrows instance listings. NonTerminal selects only
// instances whose status is not absorbing.
type InstanceFilter struct {
	BlueprintID string
	Status      models.InstanceStatus
	NonTerminal bool
	Limit       int
	Offset      int
}

// InstanceStore manages spawned instances.
type InstanceStore interface {
	ListInstances(ctx context.Context, filter InstanceFilter) ([]models.Instance, int, error)
	GetInstance(ctx context.Context, id string) (*models.Instance, error)
	CreateInstance(ctx context.Context, inst *models.Instance) error
	UpdateInstance(ctx context.Context, inst *models.Instance) error
	// CountActiveInstances counts instances of the blueprint in a
	// non-terminal state. Used for capacity admission.
	CountActiveInstances(ctx context.Context, blueprintID string) (int, error)
}

// AuditStore persists audit events. Events are append-only.
type AuditStore interface {
	CreateAuditEvent(ctx context.Context, event *models.AuditEvent) error
	ListAuditEvents(ctx context.Context, filter models.AuditFilter) ([]models.AuditEvent, int64, error)
}

// ErrNotFound is returned when a record does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrConflict is returned when a uniqueness constraint would be violated.
type ErrConflict struct {
	Entity string
	Key    string
}

func (e *ErrConflict) Error() string {
	return e.Entity + " already exists: " + e.Key
}
