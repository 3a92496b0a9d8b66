// Package sweeper runs the two background lifecycle passes: expiring
// instances past their lifespan and firing scheduled spawn batches.
//
// Schedule evaluation is real cron: a blueprint fires when its cron
// expression has a due point between the last observed run and now,
// bounded by the optional start/end window. The sweeper never touches
// instances directly; all mutation goes through the orchestrator.
package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/botfleet/botfleet/internal/orchestrator"
	"github.com/botfleet/botfleet/internal/store"
)

// Default pass intervals.
const (
	DefaultExpiryInterval   = 30 * time.Second
	DefaultScheduleInterval = 60 * time.Second
)

// Sweeper drives expiry and schedule passes on their own tickers.
type Sweeper struct {
	store store.Store
	orch  *orchestrator.Orchestrator

	expiryInterval   time.Duration
	scheduleInterval time.Duration

	// lastRun tracks the last schedule evaluation point per blueprint.
	// In-memory on purpose: after a restart schedules resume from boot
	// time instead of replaying missed batches.
	lastMu  sync.Mutex
	lastRun map[string]time.Time
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithExpiryInterval overrides the expiry pass cadence.
func WithExpiryInterval(d time.Duration) Option {
	return func(s *Sweeper) { s.expiryInterval = d }
}

// WithScheduleInterval overrides the schedule pass cadence.
func WithScheduleInterval(d time.Duration) Option {
	return func(s *Sweeper) { s.scheduleInterval = d }
}

// New creates a sweeper over the given store and orchestrator.
func New(st store.Store, orch *orchestrator.Orchestrator, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:            st,
		orch:             orch,
		expiryInterval:   DefaultExpiryInterval,
		scheduleInterval: DefaultScheduleInterval,
		lastRun:          make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs both passes until ctx is canceled. It blocks; callers run
// it in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	log.Info().
		Dur("expiry_interval", s.expiryInterval).
		Dur("schedule_interval", s.scheduleInterval).
		Msg("Lifecycle sweeper started")

	expiry := time.NewTicker(s.expiryInterval)
	defer expiry.Stop()
	schedule := time.NewTicker(s.scheduleInterval)
	defer schedule.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Lifecycle sweeper stopped")
			return
		case <-expiry.C:
			if n, err := s.SweepExpired(ctx); err != nil {
				log.Warn().Err(err).Msg("Expiry pass failed")
			} else if n > 0 {
				log.Info().Int("expired", n).Msg("Expiry pass complete")
			}
		case <-schedule.C:
			if n, err := s.SweepSchedules(ctx); err != nil {
				log.Warn().Err(err).Msg("Schedule pass failed")
			} else if n > 0 {
				log.Info().Int("spawned", n).Msg("Schedule pass complete")
			}
		}
	}
}

// SweepExpired terminates every non-terminal instance whose expiry is
// in the past. Expired instances respawn when their blueprint has
// auto-respawn on.
func (s *Sweeper) SweepExpired(ctx context.Context) (int, error) {
	instances, _, err := s.store.ListInstances(ctx, store.InstanceFilter{NonTerminal: true})
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	expired := 0
	for i := range instances {
		inst := &instances[i]
		if inst.ExpiresAt == nil || inst.ExpiresAt.After(now) {
			continue
		}
		if err := s.orch.Terminate(ctx, inst.ID, nil, true); err != nil {
			log.Warn().Err(err).Str("instance", inst.ID).Msg("Failed to expire instance")
			continue
		}
		expired++
	}
	return expired, nil
}

// SweepSchedules fires one spawn batch of creationRate per blueprint
// whose cron schedule came due since the last pass.
func (s *Sweeper) SweepSchedules(ctx context.Context) (int, error) {
	active := true
	blueprints, _, err := s.store.ListBlueprints(ctx, store.BlueprintFilter{Active: &active})
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	spawned := 0
	for i := range blueprints {
		b := &blueprints[i]
		if !b.Schedule.Enabled || b.Schedule.Cron == "" {
			continue
		}
		if !inWindow(b.Schedule.StartAt, b.Schedule.EndAt, now) {
			continue
		}

		sched, err := cron.ParseStandard(b.Schedule.Cron)
		if err != nil {
			log.Warn().Err(err).Str("blueprint", b.ID).Str("cron", b.Schedule.Cron).
				Msg("Unparseable cron expression, skipping")
			continue
		}

		s.lastMu.Lock()
		last, seen := s.lastRun[b.ID]
		if !seen {
			// First observation anchors at now; the schedule fires at
			// its next due point, not retroactively at boot.
			s.lastRun[b.ID] = now
			s.lastMu.Unlock()
			continue
		}
		due := sched.Next(last)
		if due.After(now) {
			s.lastMu.Unlock()
			continue
		}
		s.lastRun[b.ID] = now
		s.lastMu.Unlock()

		batch, err := s.orch.SpawnInstances(ctx, b.ID, b.CreationRate)
		if err != nil {
			log.Warn().Err(err).Str("blueprint", b.ID).Msg("Scheduled spawn failed")
			continue
		}
		spawned += len(batch)
		log.Info().Str("blueprint", b.ID).Str("cron", b.Schedule.Cron).
			Int("batch", len(batch)).Msg("Scheduled batch spawned")
	}
	return spawned, nil
}

// inWindow reports whether now sits inside the optional schedule window.
func inWindow(start, end *time.Time, now time.Time) bool {
	if start != nil && now.Before(*start) {
		return false
	}
	if end != nil && now.After(*end) {
		return false
	}
	return true
}

// primeLastRun seeds the schedule anchor for a blueprint. Test hook.
func (s *Sweeper) primeLastRun(blueprintID string, at time.Time) {
	s.lastMu.Lock()
	s.lastRun[blueprintID] = at
	s.lastMu.Unlock()
}
