package patterns

import (
	"context"
	"testing"
	"time"

	"github.com/botfleet/botfleet/internal/store"
	"github.com/botfleet/botfleet/pkg/models"
)

func newTestService(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	st := store.NewEphemeralStore()
	return NewService(st), st
}

func mustContainer(t *testing.T, s *Service, name string) *models.Container {
	t.Helper()
	c, err := s.CreateContainer(context.Background(), &models.Container{
		Name:     name,
		Category: models.CategoryListing,
		IsActive: true,
	})
	if err != nil {
		t.Fatalf("CreateContainer() error = %v", err)
	}
	return c
}

func mustPattern(t *testing.T, s *Service, containerID, name string, mutate func(*models.Pattern)) *models.Pattern {
	t.Helper()
	p := &models.Pattern{
		ContainerID:   containerID,
		Name:          name,
		Code:          `{"ok": true}`,
		CodeType:      models.CodeJSON,
		IsActive:      true,
		Priority:      10,
		Weight:        10,
		TimeoutMs:     5000,
		FailureAction: models.FailureSkip,
	}
	if mutate != nil {
		mutate(p)
	}
	created, err := s.CreatePattern(context.Background(), p)
	if err != nil {
		t.Fatalf("CreatePattern(%s) error = %v", name, err)
	}
	// Keep CreatedAt ordering deterministic for priority tiebreaks.
	time.Sleep(time.Millisecond)
	return created
}

func TestCreatePatternValidation(t *testing.T) {
	s, _ := newTestService(t)
	c := mustContainer(t, s, "validate")
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*models.Pattern)
	}{
		{"empty name", func(p *models.Pattern) { p.Name = "" }},
		{"empty code", func(p *models.Pattern) { p.Code = "" }},
		{"bad code type", func(p *models.Pattern) { p.CodeType = "lua" }},
		{"bad failure action", func(p *models.Pattern) { p.FailureAction = "explode" }},
		{"priority too high", func(p *models.Pattern) { p.Priority = 2000 }},
		{"negative weight", func(p *models.Pattern) { p.Weight = -1 }},
		{"weight too high", func(p *models.Pattern) { p.Weight = 101 }},
		{"zero timeout", func(p *models.Pattern) { p.TimeoutMs = 0 }},
		{"timeout too high", func(p *models.Pattern) { p.TimeoutMs = 400000 }},
		{"negative retries", func(p *models.Pattern) { p.RetryCount = -1 }},
	}
	for _, tc := range cases {
		p := &models.Pattern{
			ContainerID:   c.ID,
			Name:          "base",
			Code:          "{}",
			CodeType:      models.CodeJSON,
			Priority:      10,
			Weight:        10,
			TimeoutMs:     1000,
			FailureAction: models.FailureSkip,
		}
		tc.mutate(p)
		if _, err := s.CreatePattern(ctx, p); err == nil {
			t.Errorf("%s: CreatePattern() should fail", tc.name)
		} else if _, ok := err.(*models.ValidationError); !ok {
			t.Errorf("%s: error = %T, want *models.ValidationError", tc.name, err)
		}
	}
}

func TestUpdatePatternBumpsVersionKeepsStats(t *testing.T) {
	s, st := newTestService(t)
	c := mustContainer(t, s, "versions")
	p := mustPattern(t, s, c.ID, "v", nil)
	ctx := context.Background()

	if p.Version != 1 {
		t.Fatalf("initial version = %d, want 1", p.Version)
	}
	if err := st.RecordPatternExecution(ctx, p.ID, true, 50, false); err != nil {
		t.Fatalf("RecordPatternExecution() error = %v", err)
	}

	p.Code = `{"changed": true}`
	updated, err := s.UpdatePattern(ctx, p)
	if err != nil {
		t.Fatalf("UpdatePattern() error = %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("version = %d, want 2", updated.Version)
	}
	if updated.Stats.TotalExecutions != 1 {
		t.Errorf("stats lost across update: total = %d, want 1", updated.Stats.TotalExecutions)
	}
}

func TestSelectPriority(t *testing.T) {
	s, _ := newTestService(t)
	c := mustContainer(t, s, "prio")
	mustPattern(t, s, c.ID, "low", func(p *models.Pattern) { p.Priority = 1 })
	high := mustPattern(t, s, c.ID, "high", func(p *models.Pattern) { p.Priority = 500 })
	mustPattern(t, s, c.ID, "mid", func(p *models.Pattern) { p.Priority = 200 })
	// Inactive patterns never win, regardless of priority.
	mustPattern(t, s, c.ID, "inactive", func(p *models.Pattern) {
		p.Priority = 999
		p.IsActive = false
	})

	got, err := s.Select(context.Background(), c.ID, models.SelectPriority, false)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if got.ID != high.ID {
		t.Errorf("Select(priority) = %s, want %s", got.Name, high.Name)
	}
}

func TestSelectPriorityTiebreakOldestFirst(t *testing.T) {
	s, _ := newTestService(t)
	c := mustContainer(t, s, "tie")
	first := mustPattern(t, s, c.ID, "first", func(p *models.Pattern) { p.Priority = 100 })
	mustPattern(t, s, c.ID, "second", func(p *models.Pattern) { p.Priority = 100 })

	got, err := s.Select(context.Background(), c.ID, models.SelectPriority, false)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if got.ID != first.ID {
		t.Errorf("tiebreak = %s, want earliest-created %s", got.Name, first.Name)
	}
}

func TestSelectRoundRobinRotates(t *testing.T) {
	s, _ := newTestService(t)
	c := mustContainer(t, s, "rr")
	a := mustPattern(t, s, c.ID, "a", func(p *models.Pattern) { p.Priority = 30 })
	b := mustPattern(t, s, c.ID, "b", func(p *models.Pattern) { p.Priority = 20 })
	d := mustPattern(t, s, c.ID, "d", func(p *models.Pattern) { p.Priority = 10 })

	want := []string{a.ID, b.ID, d.ID, a.ID, b.ID, d.ID}
	for i, id := range want {
		got, err := s.Select(context.Background(), c.ID, models.SelectRoundRobin, false)
		if err != nil {
			t.Fatalf("Select() #%d error = %v", i, err)
		}
		if got.ID != id {
			t.Errorf("round-robin #%d = %s, want %s", i, got.ID, id)
		}
	}
}

func TestSelectWeightedExcludesZeroWeight(t *testing.T) {
	s, _ := newTestService(t)
	c := mustContainer(t, s, "weighted")
	winner := mustPattern(t, s, c.ID, "heavy", func(p *models.Pattern) { p.Weight = 100 })
	mustPattern(t, s, c.ID, "excluded", func(p *models.Pattern) { p.Weight = 0 })

	for i := 0; i < 50; i++ {
		got, err := s.Select(context.Background(), c.ID, models.SelectWeighted, false)
		if err != nil {
			t.Fatalf("Select() error = %v", err)
		}
		if got.ID != winner.ID {
			t.Fatalf("weighted draw picked zero-weight pattern %s", got.Name)
		}
	}
}

func TestSelectForceDefault(t *testing.T) {
	s, _ := newTestService(t)
	c := mustContainer(t, s, "default")
	mustPattern(t, s, c.ID, "loud", func(p *models.Pattern) { p.Priority = 900 })
	def := mustPattern(t, s, c.ID, "quiet-default", func(p *models.Pattern) {
		p.Priority = 1
		p.IsDefault = true
	})

	got, err := s.Select(context.Background(), c.ID, models.SelectPriority, true)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if got.ID != def.ID {
		t.Errorf("forceDefault = %s, want %s", got.Name, def.Name)
	}
}

func TestSelectForceDefaultMissingFails(t *testing.T) {
	s, _ := newTestService(t)
	c := mustContainer(t, s, "no-default")
	mustPattern(t, s, c.ID, "a", func(p *models.Pattern) { p.Priority = 10 })
	mustPattern(t, s, c.ID, "b", func(p *models.Pattern) { p.Priority = 5 })

	_, err := s.Select(context.Background(), c.ID, models.SelectPriority, true)
	if err == nil {
		t.Fatal("Select(forceDefault) without a marked default should fail")
	}
	if _, ok := err.(*store.ErrNotFound); !ok {
		t.Errorf("error = %T, want *store.ErrNotFound", err)
	}
}

func TestSelectPreferDefault(t *testing.T) {
	s, _ := newTestService(t)
	c := mustContainer(t, s, "prefer-default")
	mustPattern(t, s, c.ID, "loud", func(p *models.Pattern) { p.Priority = 900 })
	def := mustPattern(t, s, c.ID, "marked", func(p *models.Pattern) {
		p.Priority = 1
		p.IsDefault = true
	})

	got, err := s.SelectPreferDefault(context.Background(), c.ID, models.SelectPriority)
	if err != nil {
		t.Fatalf("SelectPreferDefault() error = %v", err)
	}
	if got.ID != def.ID {
		t.Errorf("SelectPreferDefault = %s, want default %s over higher priority", got.Name, def.Name)
	}
}

func TestSelectPreferDefaultFallsBackToStrategy(t *testing.T) {
	s, _ := newTestService(t)
	c := mustContainer(t, s, "unmarked")
	top := mustPattern(t, s, c.ID, "top", func(p *models.Pattern) { p.Priority = 500 })
	mustPattern(t, s, c.ID, "low", func(p *models.Pattern) { p.Priority = 1 })

	got, err := s.SelectPreferDefault(context.Background(), c.ID, models.SelectPriority)
	if err != nil {
		t.Fatalf("SelectPreferDefault() error = %v", err)
	}
	if got.ID != top.ID {
		t.Errorf("SelectPreferDefault = %s, want strategy pick %s", got.Name, top.Name)
	}
}

func TestSelectEmptyContainer(t *testing.T) {
	s, _ := newTestService(t)
	c := mustContainer(t, s, "empty")

	_, err := s.Select(context.Background(), c.ID, models.SelectRandom, false)
	if err == nil {
		t.Fatal("Select() on empty container should fail")
	}
	if _, ok := err.(*store.ErrNotFound); !ok {
		t.Errorf("error = %T, want *store.ErrNotFound", err)
	}
}

func TestSelectUnknownStrategy(t *testing.T) {
	s, _ := newTestService(t)
	c := mustContainer(t, s, "strategy")
	mustPattern(t, s, c.ID, "x", nil)

	_, err := s.Select(context.Background(), c.ID, "fanciest", false)
	if _, ok := err.(*models.ValidationError); !ok {
		t.Errorf("error = %v (%T), want *models.ValidationError", err, err)
	}
}
