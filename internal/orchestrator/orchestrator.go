// Package orchestrator manages blueprint lifecycle and capacity-bounded
// instance spawning.
//
// Instance state machine:
//
//	pending → spawning → active → terminating → {terminated | error}
//
// Spawn admission runs under a per-blueprint lock so concurrent spawn
// requests can never overshoot maxConcurrent.
package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/botfleet/botfleet/internal/store"
	"github.com/botfleet/botfleet/pkg/models"
)

// Orchestrator owns blueprints and the instances spawned from them.
type Orchestrator struct {
	store store.Store

	// startupDelay is the simulated pending→spawning→active ramp. Zero
	// advances synchronously (tests).
	startupDelay time.Duration

	admissionMu sync.Mutex
	admission   map[string]*sync.Mutex // per-blueprint spawn locks
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithStartupDelay sets how long a spawned instance stays in the
// spawning state before self-advancing to active.
func WithStartupDelay(d time.Duration) Option {
	return func(o *Orchestrator) { o.startupDelay = d }
}

// New creates an orchestrator on the given store.
func New(st store.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:        st,
		startupDelay: 2 * time.Second,
		admission:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) admissionLock(blueprintID string) *sync.Mutex {
	o.admissionMu.Lock()
	defer o.admissionMu.Unlock()
	mu, ok := o.admission[blueprintID]
	if !ok {
		mu = &sync.Mutex{}
		o.admission[blueprintID] = mu
	}
	return mu
}

// ── Blueprint CRUD ──────────────────────────────────────────

func validateBlueprint(b *models.Blueprint) error {
	if b.Name == "" {
		return &models.ValidationError{Field: "name", Reason: "required"}
	}
	if !models.ValidTier(b.Tier) {
		return &models.ValidationError{Field: "tier", Reason: fmt.Sprintf("unknown tier %q", b.Tier)}
	}
	if !models.ValidVenue(b.Venue) {
		return &models.ValidationError{Field: "venue", Reason: fmt.Sprintf("unknown venue %q", b.Venue)}
	}
	if !models.ValidMode(b.Mode) {
		return &models.ValidationError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", b.Mode)}
	}
	if b.CreationRate < models.MinCreationRate || b.CreationRate > models.MaxCreationRate {
		return &models.ValidationError{Field: "creation_rate",
			Reason: fmt.Sprintf("must be %d-%d", models.MinCreationRate, models.MaxCreationRate)}
	}
	if b.MaxConcurrent < models.MinMaxConcurrent || b.MaxConcurrent > models.MaxMaxConcurrent {
		return &models.ValidationError{Field: "max_concurrent",
			Reason: fmt.Sprintf("must be %d-%d", models.MinMaxConcurrent, models.MaxMaxConcurrent)}
	}
	if b.LifespanMin < 0 || b.LifespanMin > models.MaxLifespanMin {
		return &models.ValidationError{Field: "lifespan_min",
			Reason: fmt.Sprintf("must be 0-%d", models.MaxLifespanMin)}
	}
	if b.Priority < 0 || b.Priority > models.MaxPriority {
		return &models.ValidationError{Field: "priority",
			Reason: fmt.Sprintf("must be 0-%d", models.MaxPriority)}
	}
	if b.Schedule.Enabled {
		if b.Schedule.Cron == "" {
			return &models.ValidationError{Field: "schedule.cron", Reason: "required when schedule enabled"}
		}
		if _, err := cron.ParseStandard(b.Schedule.Cron); err != nil {
			return &models.ValidationError{Field: "schedule.cron", Reason: err.Error()}
		}
	}
	if b.Schedule.StartAt != nil && b.Schedule.EndAt != nil && !b.Schedule.StartAt.Before(*b.Schedule.EndAt) {
		return &models.ValidationError{Field: "schedule", Reason: "start_at must precede end_at"}
	}
	return nil
}

func (o *Orchestrator) CreateBlueprint(ctx context.Context, b *models.Blueprint) (*models.Blueprint, error) {
	if err := validateBlueprint(b); err != nil {
		return nil, err
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	b.Stats = models.BlueprintStats{}
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now
	if err := o.store.CreateBlueprint(ctx, b); err != nil {
		return nil, err
	}
	log.Info().Str("blueprint", b.ID).Str("name", b.Name).
		Str("tier", string(b.Tier)).Str("venue", string(b.Venue)).Str("mode", string(b.Mode)).
		Msg("Blueprint created")
	return b, nil
}

func (o *Orchestrator) UpdateBlueprint(ctx context.Context, b *models.Blueprint) (*models.Blueprint, error) {
	if err := validateBlueprint(b); err != nil {
		return nil, err
	}
	mu := o.admissionLock(b.ID)
	mu.Lock()
	defer mu.Unlock()

	existing, err := o.store.GetBlueprint(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	b.Stats = existing.Stats
	b.CreatedAt = existing.CreatedAt
	b.CreatedBy = existing.CreatedBy
	b.UpdatedAt = time.Now().UTC()
	if err := o.store.UpdateBlueprint(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (o *Orchestrator) GetBlueprint(ctx context.Context, id string) (*models.Blueprint, error) {
	return o.store.GetBlueprint(ctx, id)
}

func (o *Orchestrator) ListBlueprints(ctx context.Context, filter store.BlueprintFilter) ([]models.Blueprint, int, error) {
	return o.store.ListBlueprints(ctx, filter)
}

// SetActive flips activation. Deactivation never touches running
// instances; it only stops new spawns.
func (o *Orchestrator) SetActive(ctx context.Context, id string, active bool) (*models.Blueprint, error) {
	mu := o.admissionLock(id)
	mu.Lock()
	defer mu.Unlock()

	b, err := o.store.GetBlueprint(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.IsActive == active {
		return b, nil
	}
	b.IsActive = active
	b.UpdatedAt = time.Now().UTC()
	if err := o.store.UpdateBlueprint(ctx, b); err != nil {
		return nil, err
	}
	log.Info().Str("blueprint", id).Bool("active", active).Msg("Blueprint activation changed")
	return b, nil
}

// DeleteBlueprint terminates every live instance first, then removes
// the blueprint.
func (o *Orchestrator) DeleteBlueprint(ctx context.Context, id string) (int, error) {
	if _, err := o.store.GetBlueprint(ctx, id); err != nil {
		return 0, err
	}
	terminated, err := o.TerminateAll(ctx, id)
	if err != nil {
		return terminated, fmt.Errorf("terminate instances: %w", err)
	}
	if err := o.store.DeleteBlueprint(ctx, id); err != nil {
		return terminated, err
	}
	log.Info().Str("blueprint", id).Int("terminated", terminated).Msg("Blueprint deleted")
	return terminated, nil
}

// ── Spawning ────────────────────────────────────────────────

// SpawnInstances creates up to count instances for a blueprint. The
// grant is capped at maxConcurrent minus the current non-terminal
// population; running out of capacity is a reduced-count success, never
// an error. An inactive blueprint grants nothing.
func (o *Orchestrator) SpawnInstances(ctx context.Context, blueprintID string, count int) ([]models.Instance, error) {
	if count <= 0 {
		return nil, &models.ValidationError{Field: "count", Reason: "must be > 0"}
	}
	// The admission lock serializes every blueprint-aggregate mutation:
	// it closes the check-then-act window between the capacity count and
	// the inserts, and the blueprint is read inside it so the stats
	// write-back never persists a stale copy over a concurrent update.
	mu := o.admissionLock(blueprintID)
	mu.Lock()
	defer mu.Unlock()

	b, err := o.store.GetBlueprint(ctx, blueprintID)
	if err != nil {
		return nil, err
	}
	if !b.IsActive {
		log.Debug().Str("blueprint", blueprintID).Msg("Spawn skipped, blueprint inactive")
		return []models.Instance{}, nil
	}

	active, err := o.store.CountActiveInstances(ctx, blueprintID)
	if err != nil {
		return nil, err
	}
	grant := b.MaxConcurrent - active
	if grant > count {
		grant = count
	}
	if grant <= 0 {
		log.Debug().Str("blueprint", blueprintID).Int("active", active).
			Int("max", b.MaxConcurrent).Msg("Spawn skipped, at capacity")
		return []models.Instance{}, nil
	}

	now := time.Now().UTC()
	spawned := make([]models.Instance, 0, grant)
	for i := 0; i < grant; i++ {
		inst := o.buildInstance(b, now)
		if err := o.store.CreateInstance(ctx, inst); err != nil {
			return spawned, fmt.Errorf("create instance: %w", err)
		}
		inst.Status = models.InstanceSpawning
		if err := o.store.UpdateInstance(ctx, inst); err != nil {
			return spawned, fmt.Errorf("advance to spawning: %w", err)
		}
		o.scheduleActivation(inst.ID)
		spawned = append(spawned, *inst)
	}

	b.Stats.TotalCreated += int64(len(spawned))
	o.refreshBlueprintStats(ctx, b)

	log.Info().Str("blueprint", blueprintID).Int("requested", count).
		Int("granted", len(spawned)).Int("active_before", active).
		Msg("Instances spawned")
	return spawned, nil
}

// buildInstance assembles a pending instance from the blueprint,
// snapshotting config so later blueprint edits never touch live workers.
func (o *Orchestrator) buildInstance(b *models.Blueprint, now time.Time) *models.Instance {
	inst := &models.Instance{
		ID:           uuid.NewString(),
		BlueprintID:  b.ID,
		Status:       models.InstancePending,
		SpawnedAt:    now,
		LastActiveAt: now,
		Config:       copyConfig(b.BaseConfig),
	}
	if len(b.Targeting.AccountIDs) > 0 {
		inst.AccountID = b.Targeting.AccountIDs[rand.Intn(len(b.Targeting.AccountIDs))]
	}
	if len(b.Targeting.UserIDs) > 0 {
		inst.UserID = b.Targeting.UserIDs[rand.Intn(len(b.Targeting.UserIDs))]
	}
	if len(b.ContainerIDs) > 0 {
		inst.ContainerID = b.ContainerIDs[rand.Intn(len(b.ContainerIDs))]
	}
	// Hot-swap pool takes precedence over the static pattern list.
	if b.HotSwapEnabled && len(b.HotSwapIDs) > 0 {
		inst.CurrentPattern = b.HotSwapIDs[rand.Intn(len(b.HotSwapIDs))]
	} else if len(b.PatternIDs) > 0 {
		inst.CurrentPattern = b.PatternIDs[rand.Intn(len(b.PatternIDs))]
	}
	if b.LifespanMin > 0 {
		exp := now.Add(time.Duration(b.LifespanMin) * time.Minute)
		inst.ExpiresAt = &exp
	}
	return inst
}

func copyConfig(src map[string]interface{}) map[string]interface{} {
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// scheduleActivation advances spawning → active after the startup ramp.
// A zero delay advances inline.
func (o *Orchestrator) scheduleActivation(instanceID string) {
	if o.startupDelay == 0 {
		o.activate(instanceID)
		return
	}
	go func() {
		time.Sleep(o.startupDelay)
		o.activate(instanceID)
	}()
}

func (o *Orchestrator) activate(instanceID string) {
	ctx := context.Background()
	inst, err := o.store.GetInstance(ctx, instanceID)
	if err != nil {
		return
	}
	// Only a still-spawning instance advances; anything terminated in
	// the meantime stays put.
	if inst.Status != models.InstanceSpawning {
		return
	}
	inst.Status = models.InstanceActive
	inst.LastActiveAt = time.Now().UTC()
	if err := o.store.UpdateInstance(ctx, inst); err != nil {
		log.Warn().Err(err).Str("instance", instanceID).Msg("Failed to activate instance")
	}
}

// ── Termination ─────────────────────────────────────────────

// Terminate drives one instance through terminating → terminated,
// folding an optional outcome report into its counters. respawn spawns
// a single replacement when the blueprint has auto-respawn on.
func (o *Orchestrator) Terminate(ctx context.Context, instanceID string, outcome *models.InstanceOutcome, respawn bool) error {
	inst, err := o.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return &models.ValidationError{Field: "status",
			Reason: fmt.Sprintf("instance already %s", inst.Status)}
	}

	inst.Status = models.InstanceTerminating
	if err := o.store.UpdateInstance(ctx, inst); err != nil {
		return err
	}

	now := time.Now().UTC()
	inst.Status = models.InstanceTerminated
	inst.TerminatedAt = &now
	if outcome != nil {
		inst.ExecutionCount += outcome.Executions
		inst.SuccessCount += outcome.Successes
		inst.ErrorCount += outcome.Errors
	}
	if err := o.store.UpdateInstance(ctx, inst); err != nil {
		return err
	}
	log.Info().Str("instance", instanceID).Str("blueprint", inst.BlueprintID).
		Msg("Instance terminated")

	o.afterTermination(ctx, inst.BlueprintID, respawn)
	return nil
}

// MarkError moves an instance to the error state. Auto-respawn applies
// the same way it does for normal termination.
func (o *Orchestrator) MarkError(ctx context.Context, instanceID, reason string) error {
	inst, err := o.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return &models.ValidationError{Field: "status",
			Reason: fmt.Sprintf("instance already %s", inst.Status)}
	}
	now := time.Now().UTC()
	inst.Status = models.InstanceError
	inst.TerminatedAt = &now
	inst.ErrorCount++
	if err := o.store.UpdateInstance(ctx, inst); err != nil {
		return err
	}
	log.Warn().Str("instance", instanceID).Str("reason", reason).Msg("Instance errored")

	o.afterTermination(ctx, inst.BlueprintID, true)
	return nil
}

// afterTermination refreshes blueprint aggregates and, when asked,
// spawns a replacement. Respawn is decoupled: its failure never affects
// the termination that triggered it.
func (o *Orchestrator) afterTermination(ctx context.Context, blueprintID string, respawn bool) {
	mu := o.admissionLock(blueprintID)
	mu.Lock()
	b, err := o.store.GetBlueprint(ctx, blueprintID)
	if err != nil {
		// Blueprint already deleted; nothing to refresh.
		mu.Unlock()
		return
	}
	o.refreshBlueprintStats(ctx, b)
	// Released before the respawn: SpawnInstances takes the same lock.
	mu.Unlock()

	if respawn && b.AutoRespawn && b.IsActive {
		if _, err := o.SpawnInstances(ctx, blueprintID, 1); err != nil {
			log.Warn().Err(err).Str("blueprint", blueprintID).Msg("Auto-respawn failed")
		}
	}
}

// TerminateAll terminates every non-terminal instance of a blueprint in
// parallel. Returns how many were terminated.
func (o *Orchestrator) TerminateAll(ctx context.Context, blueprintID string) (int, error) {
	instances, _, err := o.store.ListInstances(ctx, store.InstanceFilter{
		BlueprintID: blueprintID,
		NonTerminal: true,
	})
	if err != nil {
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, inst := range instances {
		id := inst.ID
		g.Go(func() error {
			return o.Terminate(gctx, id, nil, false)
		})
	}
	if err := g.Wait(); err != nil {
		return len(instances), err
	}
	log.Info().Str("blueprint", blueprintID).Int("count", len(instances)).
		Msg("All instances terminated")
	return len(instances), nil
}

// ── Instance queries and reporting ──────────────────────────

func (o *Orchestrator) GetInstance(ctx context.Context, id string) (*models.Instance, error) {
	return o.store.GetInstance(ctx, id)
}

func (o *Orchestrator) ListInstances(ctx context.Context, filter store.InstanceFilter) ([]models.Instance, int, error) {
	return o.store.ListInstances(ctx, filter)
}

// Heartbeat touches lastActiveAt for a live instance.
func (o *Orchestrator) Heartbeat(ctx context.Context, instanceID string) (*models.Instance, error) {
	inst, err := o.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() {
		return nil, &models.ValidationError{Field: "status",
			Reason: fmt.Sprintf("instance already %s", inst.Status)}
	}
	inst.LastActiveAt = time.Now().UTC()
	if err := o.store.UpdateInstance(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// refreshBlueprintStats recomputes the live aggregates from the
// instance population and persists them on the blueprint. The caller
// must hold the blueprint's admission lock and have read b inside it.
func (o *Orchestrator) refreshBlueprintStats(ctx context.Context, b *models.Blueprint) {
	instances, _, err := o.store.ListInstances(ctx, store.InstanceFilter{BlueprintID: b.ID})
	if err != nil {
		log.Warn().Err(err).Str("blueprint", b.ID).Msg("Failed to list instances for stats")
		return
	}

	var active int
	var executions, successes int64
	var lifespanSum float64
	var lifespans int
	for i := range instances {
		inst := &instances[i]
		if !inst.Status.Terminal() {
			active++
		}
		executions += inst.ExecutionCount
		successes += inst.SuccessCount
		if inst.TerminatedAt != nil {
			lifespanSum += float64(inst.TerminatedAt.Sub(inst.SpawnedAt).Milliseconds())
			lifespans++
		}
	}

	b.Stats.ActiveCount = active
	if executions > 0 {
		b.Stats.SuccessRate = float64(successes) / float64(executions)
	}
	if lifespans > 0 {
		b.Stats.AvgLifespanMs = lifespanSum / float64(lifespans)
	}
	if err := o.store.UpdateBlueprint(ctx, b); err != nil {
		log.Warn().Err(err).Str("blueprint", b.ID).Msg("Failed to persist blueprint stats")
	}
}
