package models

import (
	"fmt"
	"time"
)

// ── Validation ───────────────────────────────────────────────

// ValidationError reports a field-level rejection. Nothing is persisted
// when one of these is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validation bounds. Out-of-range values are rejected, not clamped.
const (
	MinCreationRate  = 1
	MaxCreationRate  = 100
	MinMaxConcurrent = 1
	MaxMaxConcurrent = 1000
	MaxLifespanMin   = 10080 // one week
	MaxPriority      = 1000
	MaxWeight        = 100
	MaxPatternCode   = 256 * 1024 // bytes
	MaxTimeoutMs     = 300000
)

// ── Container ────────────────────────────────────────────────

// ContainerCategory groups containers by the automation surface their
// patterns drive.
type ContainerCategory string

const (
	CategoryListing    ContainerCategory = "listing"
	CategoryMessaging  ContainerCategory = "messaging"
	CategoryNavigation ContainerCategory = "navigation"
	CategorySession    ContainerCategory = "session"
	CategoryRecovery   ContainerCategory = "recovery"
)

// ValidCategory reports whether c is a known container category.
func ValidCategory(c ContainerCategory) bool {
	switch c {
	case CategoryListing, CategoryMessaging, CategoryNavigation, CategorySession, CategoryRecovery:
		return true
	}
	return false
}

// Container is a named, categorized group of patterns. Deleting a
// container cascades to its patterns.
type Container struct {
	ID        string                 `json:"id" db:"id"`
	Name      string                 `json:"name" db:"name"` // unique
	Category  ContainerCategory      `json:"category" db:"category"`
	IsActive  bool                   `json:"is_active" db:"is_active"`
	IsDefault bool                   `json:"is_default" db:"is_default"`
	Priority  int                    `json:"priority" db:"priority"`
	Config    map[string]interface{} `json:"config,omitempty"`
	CreatedAt time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt time.Time              `json:"updated_at" db:"updated_at"`
	CreatedBy string                 `json:"created_by,omitempty" db:"created_by"`
}

// ── Pattern ──────────────────────────────────────────────────

// PatternCodeType determines which code host executes a pattern.
type PatternCodeType string

const (
	// CodeScript is interpreted Go source run in the sandboxed script host.
	CodeScript PatternCodeType = "script"
	// CodeExpression is a single expr-lang expression over the input.
	CodeExpression PatternCodeType = "expression"
	// CodeJSON is a static JSON document, parsed and returned as-is.
	CodeJSON PatternCodeType = "json"
	// CodeWorkflow is a static workflow document, parsed and returned as-is.
	CodeWorkflow PatternCodeType = "workflow"
	// CodeSelector is an expr-lang expression that picks a value out of the input.
	CodeSelector PatternCodeType = "selector"
	// CodeTemplate substitutes {{variable}} placeholders from the input.
	CodeTemplate PatternCodeType = "template"
)

// ValidCodeType reports whether t is a known pattern code type.
func ValidCodeType(t PatternCodeType) bool {
	switch t {
	case CodeScript, CodeExpression, CodeJSON, CodeWorkflow, CodeSelector, CodeTemplate:
		return true
	}
	return false
}

// FailureAction tells the orchestrating caller what to do when a pattern
// execution fails. Only "retry" is acted on inside the harness.
type FailureAction string

const (
	FailureSkip     FailureAction = "skip"
	FailureRetry    FailureAction = "retry"
	FailureAbort    FailureAction = "abort"
	FailureFallback FailureAction = "fallback"
)

// ValidFailureAction reports whether a is a known failure action.
func ValidFailureAction(a FailureAction) bool {
	switch a {
	case FailureSkip, FailureRetry, FailureAbort, FailureFallback:
		return true
	}
	return false
}

// PatternStats are run statistics mutated only by the execution harness.
// Counters are monotonically non-decreasing. AvgExecutionMs is a true
// cumulative mean over TotalExecutions.
type PatternStats struct {
	TotalExecutions int64      `json:"total_executions" db:"total_executions"`
	SuccessCount    int64      `json:"success_count" db:"success_count"`
	FailureCount    int64      `json:"failure_count" db:"failure_count"`
	AvgExecutionMs  float64    `json:"avg_execution_ms" db:"avg_execution_ms"`
	LastExecutedAt  *time.Time `json:"last_executed_at,omitempty" db:"last_executed_at"`
}

// Pattern is a versioned, executable behavior unit. Priority governs
// deterministic selection; Weight governs probabilistic selection — the
// two axes are independent.
type Pattern struct {
	ID            string          `json:"id" db:"id"`
	ContainerID   string          `json:"container_id" db:"container_id"`
	Name          string          `json:"name" db:"name"` // unique within container
	Code          string          `json:"code" db:"code"`
	CodeType      PatternCodeType `json:"code_type" db:"code_type"`
	Version       int             `json:"version" db:"version"`
	IsActive      bool            `json:"is_active" db:"is_active"`
	IsDefault     bool            `json:"is_default" db:"is_default"`
	Priority      int             `json:"priority" db:"priority"`
	Weight        int             `json:"weight" db:"weight"` // 0–100; 0 excludes from weighted draw
	TimeoutMs     int             `json:"timeout_ms" db:"timeout_ms"`
	RetryCount    int             `json:"retry_count" db:"retry_count"`
	FailureAction FailureAction   `json:"failure_action" db:"failure_action"`
	Tags          []string        `json:"tags,omitempty"`
	Stats         PatternStats    `json:"stats"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
	CreatedBy     string          `json:"created_by,omitempty" db:"created_by"`
}

// SelectionStrategy picks a pattern from a container's active set.
type SelectionStrategy string

const (
	// SelectPriority returns the highest-priority active pattern,
	// earliest CreatedAt breaking ties.
	SelectPriority SelectionStrategy = "priority"
	// SelectWeighted draws randomly, proportional to Weight.
	SelectWeighted SelectionStrategy = "weighted"
	// SelectRoundRobin rotates through the active set; the cursor
	// survives across calls.
	SelectRoundRobin SelectionStrategy = "round-robin"
	// SelectRandom draws uniformly over the active set.
	SelectRandom SelectionStrategy = "random"
)

// ValidStrategy reports whether s is a known selection strategy.
func ValidStrategy(s SelectionStrategy) bool {
	switch s {
	case SelectPriority, SelectWeighted, SelectRoundRobin, SelectRandom:
		return true
	}
	return false
}

// ── Pattern Override ─────────────────────────────────────────

// PatternOverride forces a pattern assignment for an account (and
// optionally a single user) on one container. Uniqueness is per
// (account, user-or-empty, container) tuple.
type PatternOverride struct {
	ID          string     `json:"id" db:"id"`
	AccountID   string     `json:"account_id" db:"account_id"`
	UserID      string     `json:"user_id,omitempty" db:"user_id"` // empty = account-wide
	ContainerID string     `json:"container_id" db:"container_id"`
	PatternID   string     `json:"pattern_id" db:"pattern_id"`
	IsActive    bool       `json:"is_active" db:"is_active"`
	Priority    int        `json:"priority" db:"priority"`
	Reason      string     `json:"reason,omitempty" db:"reason"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	CreatedBy   string     `json:"created_by,omitempty" db:"created_by"`
}

// Expired reports whether the override has an ExpiresAt in the past.
func (o *PatternOverride) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && o.ExpiresAt.Before(now)
}

// ── Blueprint ────────────────────────────────────────────────

// ExecutionTier is the first classification axis: how urgently instances
// of this blueprint compete for runtime capacity.
type ExecutionTier string

const (
	TierStandard   ExecutionTier = "standard"
	TierPriority   ExecutionTier = "priority"
	TierBackground ExecutionTier = "background"
)

// RuntimeVenue is the second classification axis: which surface of the
// marketplace the instance drives.
type RuntimeVenue string

const (
	VenueDesktopWeb RuntimeVenue = "desktop-web"
	VenueMobileWeb  RuntimeVenue = "mobile-web"
	VenueAPI        RuntimeVenue = "api"
)

// BehaviorMode is the third classification axis: what the instance does.
type BehaviorMode string

const (
	ModePosting   BehaviorMode = "posting"
	ModeMessaging BehaviorMode = "messaging"
	ModeScouting  BehaviorMode = "scouting"
)

// ValidTier reports whether t is a known execution tier.
func ValidTier(t ExecutionTier) bool {
	switch t {
	case TierStandard, TierPriority, TierBackground:
		return true
	}
	return false
}

// ValidVenue reports whether v is a known runtime venue.
func ValidVenue(v RuntimeVenue) bool {
	switch v {
	case VenueDesktopWeb, VenueMobileWeb, VenueAPI:
		return true
	}
	return false
}

// ValidMode reports whether m is a known behavior mode.
func ValidMode(m BehaviorMode) bool {
	switch m {
	case ModePosting, ModeMessaging, ModeScouting:
		return true
	}
	return false
}

// BlueprintSchedule describes when the sweeper should trigger spawn
// batches for a blueprint. Cron is a standard five-field expression.
// StartAt/EndAt bound the active window; nil means unbounded.
type BlueprintSchedule struct {
	Enabled bool       `json:"enabled"`
	Cron    string     `json:"cron,omitempty"`
	StartAt *time.Time `json:"start_at,omitempty"`
	EndAt   *time.Time `json:"end_at,omitempty"`
}

// BlueprintTargeting holds the candidate account/user pools an instance
// is assigned from at spawn time (uniform random when multiple).
type BlueprintTargeting struct {
	AccountIDs []string `json:"account_ids,omitempty"`
	UserIDs    []string `json:"user_ids,omitempty"`
}

// BlueprintStats are aggregates recomputed by the orchestrator.
type BlueprintStats struct {
	TotalCreated  int64   `json:"total_created" db:"total_created"`
	ActiveCount   int     `json:"active_count" db:"active_count"`
	SuccessRate   float64 `json:"success_rate" db:"success_rate"`
	AvgLifespanMs float64 `json:"avg_lifespan_ms" db:"avg_lifespan_ms"`
}

// Blueprint is a spawn template for instances.
type Blueprint struct {
	ID             string                 `json:"id" db:"id"`
	Name           string                 `json:"name" db:"name"`
	Tier           ExecutionTier          `json:"tier" db:"tier"`
	Venue          RuntimeVenue           `json:"venue" db:"venue"`
	Mode           BehaviorMode           `json:"mode" db:"mode"`
	BaseConfig     map[string]interface{} `json:"base_config,omitempty"`
	ContainerIDs   []string               `json:"container_ids,omitempty"`
	PatternIDs     []string               `json:"pattern_ids,omitempty"`
	HotSwapEnabled bool                   `json:"hot_swap_enabled" db:"hot_swap_enabled"`
	HotSwapIDs     []string               `json:"hot_swap_ids,omitempty"`
	CreationRate   int                    `json:"creation_rate" db:"creation_rate"`   // instances per scheduled batch, 1–100
	MaxConcurrent  int                    `json:"max_concurrent" db:"max_concurrent"` // 1–1000
	LifespanMin    int                    `json:"lifespan_min" db:"lifespan_min"`     // minutes, 0 = unlimited
	AutoRespawn    bool                   `json:"auto_respawn" db:"auto_respawn"`
	Targeting      BlueprintTargeting     `json:"targeting"`
	Schedule       BlueprintSchedule      `json:"schedule"`
	IsActive       bool                   `json:"is_active" db:"is_active"`
	Priority       int                    `json:"priority" db:"priority"`
	Tags           []string               `json:"tags,omitempty"`
	Stats          BlueprintStats         `json:"stats"`
	CreatedAt      time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at" db:"updated_at"`
	CreatedBy      string                 `json:"created_by,omitempty" db:"created_by"`
}

// ── Instance ─────────────────────────────────────────────────

// InstanceStatus is the lifecycle state machine:
//
//	pending → spawning → active → terminating → {terminated | error}
//
// pending and spawning are transient startup states; terminated and
// error are absorbing.
type InstanceStatus string

const (
	InstancePending     InstanceStatus = "pending"
	InstanceSpawning    InstanceStatus = "spawning"
	InstanceActive      InstanceStatus = "active"
	InstanceTerminating InstanceStatus = "terminating"
	InstanceTerminated  InstanceStatus = "terminated"
	InstanceError       InstanceStatus = "error"
)

// Terminal reports whether s is an absorbing state.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceTerminated || s == InstanceError
}

// Instance is one ephemeral automation worker spawned from a blueprint.
// Config is the blueprint's base config snapshotted at spawn time —
// later blueprint edits never change a live instance.
type Instance struct {
	ID             string                 `json:"id" db:"id"`
	BlueprintID    string                 `json:"blueprint_id" db:"blueprint_id"`
	Status         InstanceStatus         `json:"status" db:"status"`
	CurrentPattern string                 `json:"current_pattern,omitempty" db:"current_pattern"` // weak ref, nulled when pattern deleted
	ContainerID    string                 `json:"container_id,omitempty" db:"container_id"`
	AccountID      string                 `json:"account_id,omitempty" db:"account_id"`
	UserID         string                 `json:"user_id,omitempty" db:"user_id"`
	SpawnedAt      time.Time              `json:"spawned_at" db:"spawned_at"`
	LastActiveAt   time.Time              `json:"last_active_at" db:"last_active_at"`
	ExpiresAt      *time.Time             `json:"expires_at,omitempty" db:"expires_at"` // nil = unlimited
	TerminatedAt   *time.Time             `json:"terminated_at,omitempty" db:"terminated_at"`
	ExecutionCount int64                  `json:"execution_count" db:"execution_count"`
	SuccessCount   int64                  `json:"success_count" db:"success_count"`
	ErrorCount     int64                  `json:"error_count" db:"error_count"`
	Config         map[string]interface{} `json:"config,omitempty"`
}

// InstanceOutcome is the optional result payload a worker reports when
// it terminates.
type InstanceOutcome struct {
	Executions int64 `json:"executions"`
	Successes  int64 `json:"successes"`
	Errors     int64 `json:"errors"`
}

// ── Audit ────────────────────────────────────────────────────

// AuditSeverity tags how risky an audited action is.
type AuditSeverity string

const (
	SeverityInfo AuditSeverity = "info"
	SeverityHigh AuditSeverity = "high"
)

// AuditEvent is the structured record emitted for every mutating action.
type AuditEvent struct {
	ID        string                 `json:"id" db:"id"`
	ActorID   string                 `json:"actor_id" db:"actor_id"`
	AccountID string                 `json:"account_id,omitempty" db:"account_id"`
	Action    string                 `json:"action" db:"action"` // e.g. "blueprint.create", "instance.terminate"
	Resource  string                 `json:"resource" db:"resource"`
	Severity  AuditSeverity          `json:"severity" db:"severity"`
	Before    map[string]interface{} `json:"before,omitempty"`
	After     map[string]interface{} `json:"after,omitempty"`
	Timestamp time.Time              `json:"timestamp" db:"timestamp"`
}

// AuditFilter narrows audit event listings.
type AuditFilter struct {
	AccountID string
	ActorID   string
	Action    string
	Resource  string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}
