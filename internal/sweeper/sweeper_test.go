package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botfleet/botfleet/internal/orchestrator"
	"github.com/botfleet/botfleet/internal/store"
	"github.com/botfleet/botfleet/pkg/models"
)

func newRig(t *testing.T) (*Sweeper, *orchestrator.Orchestrator, *store.MemoryStore) {
	t.Helper()
	st := store.NewEphemeralStore()
	orch := orchestrator.New(st, orchestrator.WithStartupDelay(0))
	sw := New(st, orch, WithExpiryInterval(10*time.Millisecond), WithScheduleInterval(10*time.Millisecond))
	return sw, orch, st
}

func mustBlueprint(t *testing.T, orch *orchestrator.Orchestrator, mutate func(*models.Blueprint)) *models.Blueprint {
	t.Helper()
	b := &models.Blueprint{
		Name:          "sweeper-target",
		Tier:          models.TierBackground,
		Venue:         models.VenueAPI,
		Mode:          models.ModePosting,
		CreationRate:  3,
		MaxConcurrent: 10,
		IsActive:      true,
	}
	if mutate != nil {
		mutate(b)
	}
	created, err := orch.CreateBlueprint(context.Background(), b)
	require.NoError(t, err)
	return created
}

func expireInstance(t *testing.T, st *store.MemoryStore, id string) {
	t.Helper()
	inst, err := st.GetInstance(context.Background(), id)
	require.NoError(t, err)
	past := time.Now().UTC().Add(-time.Minute)
	inst.ExpiresAt = &past
	require.NoError(t, st.UpdateInstance(context.Background(), inst))
}

func TestSweepExpiredTerminatesPastLifespan(t *testing.T) {
	sw, orch, st := newRig(t)
	ctx := context.Background()
	b := mustBlueprint(t, orch, nil)

	spawned, err := orch.SpawnInstances(ctx, b.ID, 2)
	require.NoError(t, err)
	require.Len(t, spawned, 2)

	expireInstance(t, st, spawned[0].ID)

	n, err := sw.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	dead, err := st.GetInstance(ctx, spawned[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceTerminated, dead.Status)

	alive, err := st.GetInstance(ctx, spawned[1].ID)
	require.NoError(t, err)
	assert.False(t, alive.Status.Terminal(), "unexpired instance untouched")
}

func TestSweepExpiredRespawnsWhenEnabled(t *testing.T) {
	sw, orch, st := newRig(t)
	ctx := context.Background()
	b := mustBlueprint(t, orch, func(b *models.Blueprint) { b.AutoRespawn = true })

	spawned, err := orch.SpawnInstances(ctx, b.ID, 1)
	require.NoError(t, err)
	expireInstance(t, st, spawned[0].ID)

	_, err = sw.SweepExpired(ctx)
	require.NoError(t, err)

	count, err := st.CountActiveInstances(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "expired instance replaced")
}

func TestSweepSchedulesSpawnsCreationRateBatch(t *testing.T) {
	sw, orch, st := newRig(t)
	ctx := context.Background()
	b := mustBlueprint(t, orch, func(b *models.Blueprint) {
		b.Schedule = models.BlueprintSchedule{Enabled: true, Cron: "* * * * *"}
	})

	// Anchor two minutes back so the every-minute schedule is due.
	sw.primeLastRun(b.ID, time.Now().UTC().Add(-2*time.Minute))

	n, err := sw.SweepSchedules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "batch size = creationRate")

	count, err := st.CountActiveInstances(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	// Immediately after, the schedule is no longer due.
	n2, err := sw.SweepSchedules(ctx)
	require.NoError(t, err)
	assert.Zero(t, n2)
}

func TestSweepSchedulesFirstObservationAnchorsOnly(t *testing.T) {
	sw, orch, st := newRig(t)
	ctx := context.Background()
	b := mustBlueprint(t, orch, func(b *models.Blueprint) {
		b.Schedule = models.BlueprintSchedule{Enabled: true, Cron: "* * * * *"}
	})

	n, err := sw.SweepSchedules(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "first pass anchors, never fires retroactively")

	count, err := st.CountActiveInstances(ctx, b.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSweepSchedulesHonorsWindow(t *testing.T) {
	sw, orch, st := newRig(t)
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	b := mustBlueprint(t, orch, func(b *models.Blueprint) {
		start := past.Add(-time.Hour)
		b.Schedule = models.BlueprintSchedule{
			Enabled: true,
			Cron:    "* * * * *",
			StartAt: &start,
			EndAt:   &past, // window closed an hour ago
		}
	})
	sw.primeLastRun(b.ID, past.Add(-2*time.Minute))

	n, err := sw.SweepSchedules(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "closed window suppresses the schedule")

	count, err := st.CountActiveInstances(ctx, b.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSweepSchedulesSkipsDisabledAndInactive(t *testing.T) {
	sw, orch, _ := newRig(t)
	ctx := context.Background()

	noSchedule := mustBlueprint(t, orch, func(b *models.Blueprint) {
		b.Name = "no-schedule"
	})
	inactive := mustBlueprint(t, orch, func(b *models.Blueprint) {
		b.Name = "inactive"
		b.IsActive = false
		b.Schedule = models.BlueprintSchedule{Enabled: true, Cron: "* * * * *"}
	})
	sw.primeLastRun(noSchedule.ID, time.Now().UTC().Add(-2*time.Minute))
	sw.primeLastRun(inactive.ID, time.Now().UTC().Add(-2*time.Minute))

	n, err := sw.SweepSchedules(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStartStopsOnContextCancel(t *testing.T) {
	sw, _, _ := newRig(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		sw.Start(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on context cancel")
	}
}
