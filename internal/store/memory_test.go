package store

import (
	"context"
	"testing"
	"time"

	"github.com/botfleet/botfleet/pkg/models"
)

func testContainer(id, name string) *models.Container {
	now := time.Now().UTC()
	return &models.Container{
		ID:        id,
		Name:      name,
		Category:  models.CategoryListing,
		IsActive:  true,
		Priority:  10,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func testPattern(id, containerID, name string) *models.Pattern {
	now := time.Now().UTC()
	return &models.Pattern{
		ID:            id,
		ContainerID:   containerID,
		Name:          name,
		Code:          `{"ok": true}`,
		CodeType:      models.CodeJSON,
		Version:       1,
		IsActive:      true,
		Priority:      50,
		Weight:        10,
		TimeoutMs:     5000,
		FailureAction: models.FailureSkip,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestContainerCRUD(t *testing.T) {
	s := NewEphemeralStore()
	ctx := context.Background()

	if err := s.CreateContainer(ctx, testContainer("c1", "listing-flow")); err != nil {
		t.Fatalf("CreateContainer() error = %v", err)
	}

	got, err := s.GetContainer(ctx, "c1")
	if err != nil {
		t.Fatalf("GetContainer() error = %v", err)
	}
	if got.Name != "listing-flow" {
		t.Errorf("GetContainer() name = %q, want %q", got.Name, "listing-flow")
	}

	byName, err := s.GetContainerByName(ctx, "listing-flow")
	if err != nil {
		t.Fatalf("GetContainerByName() error = %v", err)
	}
	if byName.ID != "c1" {
		t.Errorf("GetContainerByName() id = %q, want c1", byName.ID)
	}

	got.Priority = 99
	if err := s.UpdateContainer(ctx, got); err != nil {
		t.Fatalf("UpdateContainer() error = %v", err)
	}
	got2, _ := s.GetContainer(ctx, "c1")
	if got2.Priority != 99 {
		t.Errorf("priority after update = %d, want 99", got2.Priority)
	}

	if err := s.DeleteContainer(ctx, "c1"); err != nil {
		t.Fatalf("DeleteContainer() error = %v", err)
	}
	if _, err := s.GetContainer(ctx, "c1"); err == nil {
		t.Error("GetContainer() after delete should fail")
	}
}

func TestContainerNameConflict(t *testing.T) {
	s := NewEphemeralStore()
	ctx := context.Background()

	if err := s.CreateContainer(ctx, testContainer("c1", "dup")); err != nil {
		t.Fatalf("CreateContainer() error = %v", err)
	}
	err := s.CreateContainer(ctx, testContainer("c2", "dup"))
	if err == nil {
		t.Fatal("CreateContainer() with duplicate name should fail")
	}
	if _, ok := err.(*ErrConflict); !ok {
		t.Errorf("error = %T, want *ErrConflict", err)
	}
}

func TestDeleteContainerCascadesToPatterns(t *testing.T) {
	s := NewEphemeralStore()
	ctx := context.Background()

	if err := s.CreateContainer(ctx, testContainer("c1", "cascade")); err != nil {
		t.Fatalf("CreateContainer() error = %v", err)
	}
	if err := s.CreatePattern(ctx, testPattern("p1", "c1", "a")); err != nil {
		t.Fatalf("CreatePattern() error = %v", err)
	}
	if err := s.CreatePattern(ctx, testPattern("p2", "c1", "b")); err != nil {
		t.Fatalf("CreatePattern() error = %v", err)
	}

	if err := s.DeleteContainer(ctx, "c1"); err != nil {
		t.Fatalf("DeleteContainer() error = %v", err)
	}

	if _, err := s.GetPattern(ctx, "p1"); err == nil {
		t.Error("pattern p1 should be gone after container delete")
	}
	if _, err := s.GetPattern(ctx, "p2"); err == nil {
		t.Error("pattern p2 should be gone after container delete")
	}
}

func TestPatternNameUniquePerContainer(t *testing.T) {
	s := NewEphemeralStore()
	ctx := context.Background()

	s.CreateContainer(ctx, testContainer("c1", "one"))
	s.CreateContainer(ctx, testContainer("c2", "two"))

	if err := s.CreatePattern(ctx, testPattern("p1", "c1", "same")); err != nil {
		t.Fatalf("CreatePattern() error = %v", err)
	}
	// Same name in a different container is fine.
	if err := s.CreatePattern(ctx, testPattern("p2", "c2", "same")); err != nil {
		t.Fatalf("CreatePattern() in other container error = %v", err)
	}
	// Same name in the same container conflicts.
	err := s.CreatePattern(ctx, testPattern("p3", "c1", "same"))
	if _, ok := err.(*ErrConflict); !ok {
		t.Errorf("error = %v (%T), want *ErrConflict", err, err)
	}
}

func TestListPatternsOrderedByPriority(t *testing.T) {
	s := NewEphemeralStore()
	ctx := context.Background()

	s.CreateContainer(ctx, testContainer("c1", "ordered"))

	low := testPattern("p-low", "c1", "low")
	low.Priority = 1
	high := testPattern("p-high", "c1", "high")
	high.Priority = 100
	mid := testPattern("p-mid", "c1", "mid")
	mid.Priority = 50

	for _, p := range []*models.Pattern{low, high, mid} {
		if err := s.CreatePattern(ctx, p); err != nil {
			t.Fatalf("CreatePattern(%s) error = %v", p.ID, err)
		}
	}

	items, total, err := s.ListPatterns(ctx, PatternFilter{ContainerID: "c1"})
	if err != nil {
		t.Fatalf("ListPatterns() error = %v", err)
	}
	if total != 3 {
		t.Fatalf("total = %d, want 3", total)
	}
	wantOrder := []string{"p-high", "p-mid", "p-low"}
	for i, want := range wantOrder {
		if items[i].ID != want {
			t.Errorf("items[%d] = %s, want %s", i, items[i].ID, want)
		}
	}
}

func TestDeletePatternClearsInstanceRefs(t *testing.T) {
	s := NewEphemeralStore()
	ctx := context.Background()

	s.CreateContainer(ctx, testContainer("c1", "refs"))
	s.CreatePattern(ctx, testPattern("p1", "c1", "ref-target"))

	inst := &models.Instance{
		ID:             "i1",
		BlueprintID:    "b1",
		Status:         models.InstanceActive,
		CurrentPattern: "p1",
		SpawnedAt:      time.Now().UTC(),
		LastActiveAt:   time.Now().UTC(),
	}
	if err := s.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}

	if err := s.DeletePattern(ctx, "p1"); err != nil {
		t.Fatalf("DeletePattern() error = %v", err)
	}

	got, err := s.GetInstance(ctx, "i1")
	if err != nil {
		t.Fatalf("GetInstance() error = %v", err)
	}
	if got.CurrentPattern != "" {
		t.Errorf("CurrentPattern = %q, want empty after pattern delete", got.CurrentPattern)
	}
	if got.Status != models.InstanceActive {
		t.Errorf("Status = %s, instance must survive pattern delete", got.Status)
	}
}

func TestRecordPatternExecutionStats(t *testing.T) {
	s := NewEphemeralStore()
	ctx := context.Background()

	s.CreateContainer(ctx, testContainer("c1", "stats"))
	s.CreatePattern(ctx, testPattern("p1", "c1", "tracked"))

	if err := s.RecordPatternExecution(ctx, "p1", true, 100, false); err != nil {
		t.Fatalf("RecordPatternExecution() error = %v", err)
	}
	if err := s.RecordPatternExecution(ctx, "p1", false, 300, false); err != nil {
		t.Fatalf("RecordPatternExecution() error = %v", err)
	}

	p, _ := s.GetPattern(ctx, "p1")
	if p.Stats.TotalExecutions != 2 {
		t.Errorf("TotalExecutions = %d, want 2", p.Stats.TotalExecutions)
	}
	if p.Stats.SuccessCount != 1 || p.Stats.FailureCount != 1 {
		t.Errorf("counts = %d/%d, want 1/1", p.Stats.SuccessCount, p.Stats.FailureCount)
	}
	if p.Stats.AvgExecutionMs != 200 {
		t.Errorf("AvgExecutionMs = %f, want 200 (cumulative mean)", p.Stats.AvgExecutionMs)
	}
	if p.Stats.LastExecutedAt == nil {
		t.Error("LastExecutedAt should be set")
	}
}

func TestRecordPatternExecutionTestMode(t *testing.T) {
	s := NewEphemeralStore()
	ctx := context.Background()

	s.CreateContainer(ctx, testContainer("c1", "testmode"))
	s.CreatePattern(ctx, testPattern("p1", "c1", "probe"))

	if err := s.RecordPatternExecution(ctx, "p1", true, 5000, true); err != nil {
		t.Fatalf("RecordPatternExecution() error = %v", err)
	}

	p, _ := s.GetPattern(ctx, "p1")
	if p.Stats.TotalExecutions != 1 || p.Stats.SuccessCount != 1 {
		t.Errorf("counters = %d/%d, want 1/1", p.Stats.TotalExecutions, p.Stats.SuccessCount)
	}
	// Test mode must not move the latency aggregate or the timestamp.
	if p.Stats.AvgExecutionMs != 0 {
		t.Errorf("AvgExecutionMs = %f, want 0 in test mode", p.Stats.AvgExecutionMs)
	}
	if p.Stats.LastExecutedAt != nil {
		t.Error("LastExecutedAt must stay nil in test mode")
	}
}

func TestOverrideTupleConflict(t *testing.T) {
	s := NewEphemeralStore()
	ctx := context.Background()

	base := &models.PatternOverride{
		ID:          "o1",
		AccountID:   "acct-1",
		UserID:      "user-1",
		ContainerID: "c1",
		PatternID:   "p1",
		IsActive:    true,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.CreateOverride(ctx, base); err != nil {
		t.Fatalf("CreateOverride() error = %v", err)
	}

	dup := *base
	dup.ID = "o2"
	err := s.CreateOverride(ctx, &dup)
	if _, ok := err.(*ErrConflict); !ok {
		t.Errorf("duplicate tuple error = %v (%T), want *ErrConflict", err, err)
	}

	// Account-wide (empty user) is a distinct tuple.
	wide := *base
	wide.ID = "o3"
	wide.UserID = ""
	if err := s.CreateOverride(ctx, &wide); err != nil {
		t.Errorf("account-wide override should not conflict, got %v", err)
	}
}

func TestCountActiveInstances(t *testing.T) {
	s := NewEphemeralStore()
	ctx := context.Background()

	now := time.Now().UTC()
	statuses := []models.InstanceStatus{
		models.InstancePending,
		models.InstanceSpawning,
		models.InstanceActive,
		models.InstanceTerminating,
		models.InstanceTerminated,
		models.InstanceError,
	}
	for i, st := range statuses {
		s.CreateInstance(ctx, &models.Instance{
			ID:           string(rune('a' + i)),
			BlueprintID:  "b1",
			Status:       st,
			SpawnedAt:    now,
			LastActiveAt: now,
		})
	}

	count, err := s.CountActiveInstances(ctx, "b1")
	if err != nil {
		t.Fatalf("CountActiveInstances() error = %v", err)
	}
	// terminated and error are absorbing; the other four count.
	if count != 4 {
		t.Errorf("count = %d, want 4", count)
	}

	items, _, err := s.ListInstances(ctx, InstanceFilter{BlueprintID: "b1", NonTerminal: true})
	if err != nil {
		t.Fatalf("ListInstances() error = %v", err)
	}
	if len(items) != 4 {
		t.Errorf("NonTerminal listing = %d items, want 4", len(items))
	}
}

func TestAuditEventsNewestFirst(t *testing.T) {
	s := NewEphemeralStore()
	ctx := context.Background()

	for i, action := range []string{"pattern.create", "pattern.delete", "instance.terminate"} {
		s.CreateAuditEvent(ctx, &models.AuditEvent{
			ID:        string(rune('x' + i)),
			ActorID:   "ops",
			Action:    action,
			Severity:  models.SeverityHigh,
			Timestamp: time.Now().UTC().Add(time.Duration(i) * time.Second),
		})
	}

	events, total, err := s.ListAuditEvents(ctx, models.AuditFilter{})
	if err != nil {
		t.Fatalf("ListAuditEvents() error = %v", err)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}
	if events[0].Action != "instance.terminate" {
		t.Errorf("events[0] = %s, want newest first", events[0].Action)
	}

	filtered, _, err := s.ListAuditEvents(ctx, models.AuditFilter{Action: "pattern.create"})
	if err != nil {
		t.Fatalf("ListAuditEvents(filtered) error = %v", err)
	}
	if len(filtered) != 1 || filtered[0].Action != "pattern.create" {
		t.Errorf("filtered = %v, want single pattern.create", filtered)
	}
}

func TestListPagination(t *testing.T) {
	s := NewEphemeralStore()
	ctx := context.Background()

	s.CreateContainer(ctx, testContainer("c1", "page"))
	for i := 0; i < 5; i++ {
		p := testPattern(string(rune('a'+i)), "c1", string(rune('a'+i)))
		p.Priority = 100 - i
		if err := s.CreatePattern(ctx, p); err != nil {
			t.Fatalf("CreatePattern() error = %v", err)
		}
	}

	items, total, err := s.ListPatterns(ctx, PatternFilter{ContainerID: "c1", Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("ListPatterns() error = %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5 (pre-pagination)", total)
	}
	if len(items) != 2 {
		t.Fatalf("page size = %d, want 2", len(items))
	}
	if items[0].ID != "c" {
		t.Errorf("page start = %s, want c", items[0].ID)
	}
}

func TestUpdateMissingReturnsNotFound(t *testing.T) {
	s := NewEphemeralStore()
	ctx := context.Background()

	if err := s.UpdateContainer(ctx, testContainer("ghost", "ghost")); err == nil {
		t.Error("UpdateContainer() on missing id should fail")
	}
	if err := s.UpdatePattern(ctx, testPattern("ghost", "c", "ghost")); err == nil {
		t.Error("UpdatePattern() on missing id should fail")
	}
	err := s.UpdateInstance(ctx, &models.Instance{ID: "ghost"})
	if _, ok := err.(*ErrNotFound); !ok {
		t.Errorf("UpdateInstance() error = %T, want *ErrNotFound", err)
	}
}
