package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botfleet/botfleet/internal/store"
	"github.com/botfleet/botfleet/pkg/models"
)

func newTestOrchestrator() (*Orchestrator, *store.MemoryStore) {
	st := store.NewEphemeralStore()
	return New(st, WithStartupDelay(0)), st
}

func baseBlueprint() *models.Blueprint {
	return &models.Blueprint{
		Name:          "scout-fleet",
		Tier:          models.TierStandard,
		Venue:         models.VenueDesktopWeb,
		Mode:          models.ModeScouting,
		CreationRate:  5,
		MaxConcurrent: 10,
		LifespanMin:   0,
		IsActive:      true,
		BaseConfig:    map[string]interface{}{"region": "eu"},
		Targeting: models.BlueprintTargeting{
			AccountIDs: []string{"acct-1"},
			UserIDs:    []string{"user-1"},
		},
	}
}

func mustBlueprint(t *testing.T, o *Orchestrator, mutate func(*models.Blueprint)) *models.Blueprint {
	t.Helper()
	b := baseBlueprint()
	if mutate != nil {
		mutate(b)
	}
	created, err := o.CreateBlueprint(context.Background(), b)
	require.NoError(t, err)
	return created
}

func TestCreateBlueprintValidation(t *testing.T) {
	o, _ := newTestOrchestrator()
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*models.Blueprint)
	}{
		{"empty name", func(b *models.Blueprint) { b.Name = "" }},
		{"bad tier", func(b *models.Blueprint) { b.Tier = "turbo" }},
		{"bad venue", func(b *models.Blueprint) { b.Venue = "kiosk" }},
		{"bad mode", func(b *models.Blueprint) { b.Mode = "lurking" }},
		{"creation rate zero", func(b *models.Blueprint) { b.CreationRate = 0 }},
		{"creation rate too high", func(b *models.Blueprint) { b.CreationRate = 101 }},
		{"max concurrent zero", func(b *models.Blueprint) { b.MaxConcurrent = 0 }},
		{"max concurrent too high", func(b *models.Blueprint) { b.MaxConcurrent = 1001 }},
		{"lifespan too long", func(b *models.Blueprint) { b.LifespanMin = 20000 }},
		{"schedule without cron", func(b *models.Blueprint) { b.Schedule = models.BlueprintSchedule{Enabled: true} }},
		{"bad cron", func(b *models.Blueprint) {
			b.Schedule = models.BlueprintSchedule{Enabled: true, Cron: "not a cron"}
		}},
		{"inverted window", func(b *models.Blueprint) {
			start := time.Now().Add(time.Hour)
			end := time.Now()
			b.Schedule = models.BlueprintSchedule{Enabled: true, Cron: "* * * * *", StartAt: &start, EndAt: &end}
		}},
	}
	for _, tc := range cases {
		b := baseBlueprint()
		tc.mutate(b)
		_, err := o.CreateBlueprint(ctx, b)
		require.Error(t, err, tc.name)
		assert.IsType(t, &models.ValidationError{}, err, tc.name)
	}
}

func TestSpawnRespectsCapacity(t *testing.T) {
	o, _ := newTestOrchestrator()
	ctx := context.Background()
	b := mustBlueprint(t, o, func(b *models.Blueprint) { b.MaxConcurrent = 2 })

	first, err := o.SpawnInstances(ctx, b.ID, 5)
	require.NoError(t, err)
	assert.Len(t, first, 2, "grant = min(count, capacity)")

	// Capacity exhausted: reduced-count success, not an error.
	second, err := o.SpawnInstances(ctx, b.ID, 5)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestConcurrentSpawnsNeverOvershoot(t *testing.T) {
	o, st := newTestOrchestrator()
	ctx := context.Background()
	b := mustBlueprint(t, o, func(b *models.Blueprint) { b.MaxConcurrent = 7 })

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.SpawnInstances(ctx, b.ID, 3)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	count, err := st.CountActiveInstances(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, count, "population must never exceed maxConcurrent")

	got, err := o.GetBlueprint(ctx, b.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 7, got.Stats.TotalCreated, "no lost stat increments under concurrent spawns")
}

func TestSpawnInactiveBlueprint(t *testing.T) {
	o, _ := newTestOrchestrator()
	ctx := context.Background()
	b := mustBlueprint(t, o, func(b *models.Blueprint) { b.IsActive = false })

	spawned, err := o.SpawnInstances(ctx, b.ID, 3)
	require.NoError(t, err)
	assert.Empty(t, spawned)
}

func TestSpawnedInstanceShape(t *testing.T) {
	o, _ := newTestOrchestrator()
	ctx := context.Background()
	b := mustBlueprint(t, o, func(b *models.Blueprint) {
		b.LifespanMin = 30
		b.ContainerIDs = []string{"cont-1"}
		b.PatternIDs = []string{"pat-1"}
	})

	spawned, err := o.SpawnInstances(ctx, b.ID, 1)
	require.NoError(t, err)
	require.Len(t, spawned, 1)

	inst, err := o.GetInstance(ctx, spawned[0].ID)
	require.NoError(t, err)
	// Zero startup delay advances straight to active.
	assert.Equal(t, models.InstanceActive, inst.Status)
	assert.Equal(t, "acct-1", inst.AccountID)
	assert.Equal(t, "user-1", inst.UserID)
	assert.Equal(t, "cont-1", inst.ContainerID)
	assert.Equal(t, "pat-1", inst.CurrentPattern)
	require.NotNil(t, inst.ExpiresAt)
	assert.WithinDuration(t, inst.SpawnedAt.Add(30*time.Minute), *inst.ExpiresAt, time.Second)
}

func TestHotSwapPoolPreferred(t *testing.T) {
	o, _ := newTestOrchestrator()
	ctx := context.Background()
	b := mustBlueprint(t, o, func(b *models.Blueprint) {
		b.PatternIDs = []string{"static-pat"}
		b.HotSwapEnabled = true
		b.HotSwapIDs = []string{"swap-pat"}
	})

	spawned, err := o.SpawnInstances(ctx, b.ID, 1)
	require.NoError(t, err)
	require.Len(t, spawned, 1)
	assert.Equal(t, "swap-pat", spawned[0].CurrentPattern)
}

func TestConfigSnapshotIsolatedFromBlueprintEdits(t *testing.T) {
	o, _ := newTestOrchestrator()
	ctx := context.Background()
	b := mustBlueprint(t, o, nil)

	spawned, err := o.SpawnInstances(ctx, b.ID, 1)
	require.NoError(t, err)
	require.Len(t, spawned, 1)

	b.BaseConfig["region"] = "us"
	_, err = o.UpdateBlueprint(ctx, b)
	require.NoError(t, err)

	inst, err := o.GetInstance(ctx, spawned[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "eu", inst.Config["region"], "live instance keeps its spawn-time snapshot")
}

func TestTerminateFoldsOutcome(t *testing.T) {
	o, _ := newTestOrchestrator()
	ctx := context.Background()
	b := mustBlueprint(t, o, nil)

	spawned, err := o.SpawnInstances(ctx, b.ID, 1)
	require.NoError(t, err)
	id := spawned[0].ID

	err = o.Terminate(ctx, id, &models.InstanceOutcome{Executions: 10, Successes: 8, Errors: 2}, false)
	require.NoError(t, err)

	inst, err := o.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceTerminated, inst.Status)
	require.NotNil(t, inst.TerminatedAt)
	assert.EqualValues(t, 10, inst.ExecutionCount)
	assert.EqualValues(t, 8, inst.SuccessCount)

	got, err := o.GetBlueprint(ctx, b.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, got.Stats.SuccessRate, 0.001)
	assert.Equal(t, 0, got.Stats.ActiveCount)
	assert.GreaterOrEqual(t, got.Stats.AvgLifespanMs, 0.0)
}

func TestTerminateTerminalInstanceRejected(t *testing.T) {
	o, _ := newTestOrchestrator()
	ctx := context.Background()
	b := mustBlueprint(t, o, nil)

	spawned, err := o.SpawnInstances(ctx, b.ID, 1)
	require.NoError(t, err)
	id := spawned[0].ID

	require.NoError(t, o.Terminate(ctx, id, nil, false))
	err = o.Terminate(ctx, id, nil, false)
	assert.IsType(t, &models.ValidationError{}, err)
}

func TestAutoRespawnSpawnsExactlyOne(t *testing.T) {
	o, st := newTestOrchestrator()
	ctx := context.Background()
	b := mustBlueprint(t, o, func(b *models.Blueprint) {
		b.AutoRespawn = true
		b.MaxConcurrent = 3
	})

	spawned, err := o.SpawnInstances(ctx, b.ID, 3)
	require.NoError(t, err)
	require.Len(t, spawned, 3)

	require.NoError(t, o.Terminate(ctx, spawned[0].ID, nil, true))

	count, err := st.CountActiveInstances(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, count, "one replacement for one expiry")

	got, err := o.GetBlueprint(ctx, b.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 4, got.Stats.TotalCreated)
}

// Bulk paths (terminate-all, blueprint deletion) pass respawn=false so
// the population actually drains.
func TestTerminateWithoutRespawnFlag(t *testing.T) {
	o, st := newTestOrchestrator()
	ctx := context.Background()
	b := mustBlueprint(t, o, func(b *models.Blueprint) { b.AutoRespawn = true })

	spawned, err := o.SpawnInstances(ctx, b.ID, 2)
	require.NoError(t, err)

	require.NoError(t, o.Terminate(ctx, spawned[0].ID, nil, false))

	count, err := st.CountActiveInstances(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMarkErrorRespawns(t *testing.T) {
	o, st := newTestOrchestrator()
	ctx := context.Background()
	b := mustBlueprint(t, o, func(b *models.Blueprint) { b.AutoRespawn = true })

	spawned, err := o.SpawnInstances(ctx, b.ID, 1)
	require.NoError(t, err)

	require.NoError(t, o.MarkError(ctx, spawned[0].ID, "crashed"))

	inst, err := o.GetInstance(ctx, spawned[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceError, inst.Status)

	count, err := st.CountActiveInstances(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "errored instance replaced")
}

func TestDeleteBlueprintTerminatesAllFirst(t *testing.T) {
	o, st := newTestOrchestrator()
	ctx := context.Background()
	b := mustBlueprint(t, o, func(b *models.Blueprint) { b.AutoRespawn = true })

	_, err := o.SpawnInstances(ctx, b.ID, 4)
	require.NoError(t, err)

	terminated, err := o.DeleteBlueprint(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, terminated)

	_, err = o.GetBlueprint(ctx, b.ID)
	assert.IsType(t, &store.ErrNotFound{}, err)

	// Auto-respawn must not resurrect instances during deletion.
	count, err := st.CountActiveInstances(ctx, b.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestHeartbeat(t *testing.T) {
	o, _ := newTestOrchestrator()
	ctx := context.Background()
	b := mustBlueprint(t, o, nil)

	spawned, err := o.SpawnInstances(ctx, b.ID, 1)
	require.NoError(t, err)
	id := spawned[0].ID

	before, err := o.GetInstance(ctx, id)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	inst, err := o.Heartbeat(ctx, id)
	require.NoError(t, err)
	assert.True(t, inst.LastActiveAt.After(before.LastActiveAt))

	require.NoError(t, o.Terminate(ctx, id, nil, false))
	_, err = o.Heartbeat(ctx, id)
	assert.IsType(t, &models.ValidationError{}, err)
}

func TestDeactivationStopsSpawnsOnly(t *testing.T) {
	o, st := newTestOrchestrator()
	ctx := context.Background()
	b := mustBlueprint(t, o, nil)

	spawned, err := o.SpawnInstances(ctx, b.ID, 2)
	require.NoError(t, err)
	require.Len(t, spawned, 2)

	_, err = o.SetActive(ctx, b.ID, false)
	require.NoError(t, err)

	more, err := o.SpawnInstances(ctx, b.ID, 2)
	require.NoError(t, err)
	assert.Empty(t, more)

	count, err := st.CountActiveInstances(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count, "running instances keep running")
}
