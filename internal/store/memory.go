// Package store — in-memory Store implementation.
// Used as a fallback when PostgreSQL is not available (local dev, tests).
// Supports file-based snapshot persistence so data survives restarts.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/botfleet/botfleet/pkg/models"
	"github.com/rs/zerolog/log"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Containers  map[string]*models.Container       `json:"containers"`
	Patterns    map[string]*models.Pattern         `json:"patterns"`
	Overrides   map[string]*models.PatternOverride `json:"overrides"`
	Blueprints  map[string]*models.Blueprint       `json:"blueprints"`
	Instances   map[string]*models.Instance        `json:"instances"`
	AuditEvents []*models.AuditEvent               `json:"audit_events"`
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu         sync.RWMutex
	containers map[string]*models.Container       // key: id
	patterns   map[string]*models.Pattern         // key: id
	overrides  map[string]*models.PatternOverride // key: id
	blueprints map[string]*models.Blueprint       // key: id
	instances  map[string]*models.Instance        // key: id
	auditEvents []*models.AuditEvent              // append-only log

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
}

// NewMemoryStore creates a new in-memory store.
// If BOTFLEET_DATA_DIR is set, data is persisted to a JSON file in that
// directory. Otherwise defaults to ~/.botfleet/data.json.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		containers:  make(map[string]*models.Container),
		patterns:    make(map[string]*models.Pattern),
		overrides:   make(map[string]*models.PatternOverride),
		blueprints:  make(map[string]*models.Blueprint),
		instances:   make(map[string]*models.Instance),
		auditEvents: make([]*models.AuditEvent, 0),
		saveCh:      make(chan struct{}, 1),
		doneCh:      make(chan struct{}),
	}

	// Determine snapshot path
	dataDir := os.Getenv("BOTFLEET_DATA_DIR")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			dataDir = filepath.Join(home, ".botfleet")
		}
	}
	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "data.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().
		Str("snapshot", m.snapshotPath).
		Msg("Memory store configured")

	return m
}

// NewEphemeralStore creates an in-memory store without snapshot
// persistence. Used in tests.
func NewEphemeralStore() *MemoryStore {
	return &MemoryStore{
		containers:  make(map[string]*models.Container),
		patterns:    make(map[string]*models.Pattern),
		overrides:   make(map[string]*models.PatternOverride),
		blueprints:  make(map[string]*models.Blueprint),
		instances:   make(map[string]*models.Instance),
		auditEvents: make([]*models.AuditEvent, 0),
		saveCh:      make(chan struct{}, 1),
		doneCh:      make(chan struct{}),
	}
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop runs in a goroutine, debouncing save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond) // debounce
			m.saveSnapshot()
		}
	}
}

// saveSnapshot persists all data to disk as JSON.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Containers:  m.containers,
		Patterns:    m.patterns,
		Overrides:   m.overrides,
		Blueprints:  m.blueprints,
		Instances:   m.instances,
		AuditEvents: m.auditEvents,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}

	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

// loadSnapshot reads data from disk on startup.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Containers != nil {
		m.containers = snap.Containers
	}
	if snap.Patterns != nil {
		m.patterns = snap.Patterns
	}
	if snap.Overrides != nil {
		m.overrides = snap.Overrides
	}
	if snap.Blueprints != nil {
		m.blueprints = snap.Blueprints
	}
	if snap.Instances != nil {
		m.instances = snap.Instances
	}
	if snap.AuditEvents != nil {
		m.auditEvents = snap.AuditEvents
	}

	log.Info().
		Int("containers", len(m.containers)).
		Int("patterns", len(m.patterns)).
		Int("blueprints", len(m.blueprints)).
		Int("instances", len(m.instances)).
		Str("path", m.snapshotPath).
		Msg("Snapshot loaded")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops background goroutines and forces a final snapshot write.
// Safe to call multiple times (second call is a no-op).
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		// Already closed
		return nil
	default:
		close(m.doneCh)
	}

	// Force a final snapshot write so no in-flight data is lost
	if m.snapshotPath != "" {
		log.Info().Msg("Flushing final snapshot before shutdown...")
		m.saveSnapshot()
	}

	log.Info().Msg("Memory store closed")
	return nil
}

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

// paginate applies offset/limit to an already-filtered slice.
func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

// overrideKey identifies the (account, user, container) uniqueness tuple.
func overrideKey(accountID, userID, containerID string) string {
	return accountID + ":" + userID + ":" + containerID
}

// ── Container Store ─────────────────────────────────────────

func (m *MemoryStore) ListContainers(_ context.Context, filter ContainerFilter) ([]models.Container, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]models.Container, 0, len(m.containers))
	for _, c := range m.containers {
		if filter.Category != "" && c.Category != filter.Category {
			continue
		}
		if filter.Active != nil && c.IsActive != *filter.Active {
			continue
		}
		result = append(result, *c)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Priority != result[j].Priority {
			return result[i].Priority > result[j].Priority
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	total := len(result)
	return paginate(result, filter.Limit, filter.Offset), total, nil
}

func (m *MemoryStore) GetContainer(_ context.Context, id string) (*models.Container, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.containers[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "container", Key: id}
	}
	copy := *c
	return &copy, nil
}

func (m *MemoryStore) GetContainerByName(_ context.Context, name string) (*models.Container, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.containers {
		if c.Name == name {
			copy := *c
			return &copy, nil
		}
	}
	return nil, &ErrNotFound{Entity: "container", Key: name}
}

func (m *MemoryStore) CreateContainer(_ context.Context, container *models.Container) error {
	m.mu.Lock()
	for _, c := range m.containers {
		if c.Name == container.Name {
			m.mu.Unlock()
			return &ErrConflict{Entity: "container", Key: container.Name}
		}
	}
	copy := *container
	m.containers[container.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateContainer(_ context.Context, container *models.Container) error {
	m.mu.Lock()
	if _, ok := m.containers[container.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "container", Key: container.ID}
	}
	for id, c := range m.containers {
		if id != container.ID && c.Name == container.Name {
			m.mu.Unlock()
			return &ErrConflict{Entity: "container", Key: container.Name}
		}
	}
	copy := *container
	m.containers[container.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteContainer(_ context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.containers[id]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "container", Key: id}
	}
	delete(m.containers, id)
	// Cascade: patterns belong to exactly one container.
	for pid, p := range m.patterns {
		if p.ContainerID == id {
			delete(m.patterns, pid)
			m.clearPatternRefsLocked(pid)
		}
	}
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Pattern Store ───────────────────────────────────────────

func (m *MemoryStore) ListPatterns(_ context.Context, filter PatternFilter) ([]models.Pattern, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]models.Pattern, 0, len(m.patterns))
	for _, p := range m.patterns {
		if filter.ContainerID != "" && p.ContainerID != filter.ContainerID {
			continue
		}
		if filter.Active != nil && p.IsActive != *filter.Active {
			continue
		}
		result = append(result, *p)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Priority != result[j].Priority {
			return result[i].Priority > result[j].Priority
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	total := len(result)
	return paginate(result, filter.Limit, filter.Offset), total, nil
}

func (m *MemoryStore) GetPattern(_ context.Context, id string) (*models.Pattern, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.patterns[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "pattern", Key: id}
	}
	copy := *p
	return &copy, nil
}

func (m *MemoryStore) CreatePattern(_ context.Context, pattern *models.Pattern) error {
	m.mu.Lock()
	if _, ok := m.containers[pattern.ContainerID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "container", Key: pattern.ContainerID}
	}
	for _, p := range m.patterns {
		if p.ContainerID == pattern.ContainerID && p.Name == pattern.Name {
			m.mu.Unlock()
			return &ErrConflict{Entity: "pattern", Key: pattern.Name}
		}
	}
	copy := *pattern
	m.patterns[pattern.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdatePattern(_ context.Context, pattern *models.Pattern) error {
	m.mu.Lock()
	if _, ok := m.patterns[pattern.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "pattern", Key: pattern.ID}
	}
	for id, p := range m.patterns {
		if id != pattern.ID && p.ContainerID == pattern.ContainerID && p.Name == pattern.Name {
			m.mu.Unlock()
			return &ErrConflict{Entity: "pattern", Key: pattern.Name}
		}
	}
	copy := *pattern
	m.patterns[pattern.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeletePattern(_ context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.patterns[id]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "pattern", Key: id}
	}
	delete(m.patterns, id)
	m.clearPatternRefsLocked(id)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// clearPatternRefsLocked nulls the weak CurrentPattern reference on
// instances still pointing at a deleted pattern. Caller holds mu.
func (m *MemoryStore) clearPatternRefsLocked(patternID string) {
	for _, inst := range m.instances {
		if inst.CurrentPattern == patternID {
			inst.CurrentPattern = ""
		}
	}
}

func (m *MemoryStore) RecordPatternExecution(_ context.Context, id string, success bool, durationMs int64, testMode bool) error {
	m.mu.Lock()
	p, ok := m.patterns[id]
	if !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "pattern", Key: id}
	}
	p.Stats.TotalExecutions++
	if success {
		p.Stats.SuccessCount++
	} else {
		p.Stats.FailureCount++
	}
	if !testMode {
		// Incremental cumulative mean over all recorded executions.
		p.Stats.AvgExecutionMs += (float64(durationMs) - p.Stats.AvgExecutionMs) / float64(p.Stats.TotalExecutions)
		now := time.Now().UTC()
		p.Stats.LastExecutedAt = &now
	}
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Override Store ──────────────────────────────────────────

func (m *MemoryStore) ListOverrides(_ context.Context, filter OverrideFilter) ([]models.PatternOverride, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]models.PatternOverride, 0, len(m.overrides))
	for _, o := range m.overrides {
		if filter.AccountID != "" && o.AccountID != filter.AccountID {
			continue
		}
		if filter.ContainerID != "" && o.ContainerID != filter.ContainerID {
			continue
		}
		result = append(result, *o)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Priority != result[j].Priority {
			return result[i].Priority > result[j].Priority
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	total := len(result)
	return paginate(result, filter.Limit, filter.Offset), total, nil
}

func (m *MemoryStore) GetOverride(_ context.Context, id string) (*models.PatternOverride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.overrides[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "override", Key: id}
	}
	copy := *o
	return &copy, nil
}

func (m *MemoryStore) CreateOverride(_ context.Context, override *models.PatternOverride) error {
	m.mu.Lock()
	k := overrideKey(override.AccountID, override.UserID, override.ContainerID)
	for _, o := range m.overrides {
		if overrideKey(o.AccountID, o.UserID, o.ContainerID) == k {
			m.mu.Unlock()
			return &ErrConflict{Entity: "override", Key: k}
		}
	}
	copy := *override
	m.overrides[override.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateOverride(_ context.Context, override *models.PatternOverride) error {
	m.mu.Lock()
	if _, ok := m.overrides[override.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "override", Key: override.ID}
	}
	copy := *override
	m.overrides[override.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteOverride(_ context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.overrides[id]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "override", Key: id}
	}
	delete(m.overrides, id)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Blueprint Store ─────────────────────────────────────────

func (m *MemoryStore) ListBlueprints(_ context.Context, filter BlueprintFilter) ([]models.Blueprint, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]models.Blueprint, 0, len(m.blueprints))
	for _, b := range m.blueprints {
		if filter.Active != nil && b.IsActive != *filter.Active {
			continue
		}
		if filter.Tier != "" && b.Tier != filter.Tier {
			continue
		}
		if filter.Venue != "" && b.Venue != filter.Venue {
			continue
		}
		if filter.Mode != "" && b.Mode != filter.Mode {
			continue
		}
		result = append(result, *b)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Priority != result[j].Priority {
			return result[i].Priority > result[j].Priority
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	total := len(result)
	return paginate(result, filter.Limit, filter.Offset), total, nil
}

func (m *MemoryStore) GetBlueprint(_ context.Context, id string) (*models.Blueprint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blueprints[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "blueprint", Key: id}
	}
	copy := *b
	return &copy, nil
}

func (m *MemoryStore) CreateBlueprint(_ context.Context, blueprint *models.Blueprint) error {
	m.mu.Lock()
	for _, b := range m.blueprints {
		if b.Name == blueprint.Name {
			m.mu.Unlock()
			return &ErrConflict{Entity: "blueprint", Key: blueprint.Name}
		}
	}
	copy := *blueprint
	m.blueprints[blueprint.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateBlueprint(_ context.Context, blueprint *models.Blueprint) error {
	m.mu.Lock()
	if _, ok := m.blueprints[blueprint.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "blueprint", Key: blueprint.ID}
	}
	copy := *blueprint
	m.blueprints[blueprint.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteBlueprint(_ context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.blueprints[id]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "blueprint", Key: id}
	}
	delete(m.blueprints, id)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Instance Store ──────────────────────────────────────────

func (m *MemoryStore) ListInstances(_ context.Context, filter InstanceFilter) ([]models.Instance, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]models.Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		if filter.BlueprintID != "" && inst.BlueprintID != filter.BlueprintID {
			continue
		}
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		if filter.NonTerminal && inst.Status.Terminal() {
			continue
		}
		result = append(result, *inst)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].SpawnedAt.After(result[j].SpawnedAt)
	})
	total := len(result)
	return paginate(result, filter.Limit, filter.Offset), total, nil
}

func (m *MemoryStore) GetInstance(_ context.Context, id string) (*models.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "instance", Key: id}
	}
	copy := *inst
	return &copy, nil
}

func (m *MemoryStore) CreateInstance(_ context.Context, instance *models.Instance) error {
	m.mu.Lock()
	copy := *instance
	m.instances[instance.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateInstance(_ context.Context, instance *models.Instance) error {
	m.mu.Lock()
	if _, ok := m.instances[instance.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "instance", Key: instance.ID}
	}
	copy := *instance
	m.instances[instance.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) CountActiveInstances(_ context.Context, blueprintID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, inst := range m.instances {
		if inst.BlueprintID == blueprintID && !inst.Status.Terminal() {
			count++
		}
	}
	return count, nil
}

// ── Audit Store ─────────────────────────────────────────────

func (m *MemoryStore) CreateAuditEvent(_ context.Context, event *models.AuditEvent) error {
	m.mu.Lock()
	copy := *event
	m.auditEvents = append(m.auditEvents, &copy)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListAuditEvents(_ context.Context, filter models.AuditFilter) ([]models.AuditEvent, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	var result []models.AuditEvent
	offset := filter.Offset
	for i := len(m.auditEvents) - 1; i >= 0; i-- { // newest first
		e := m.auditEvents[i]
		if filter.AccountID != "" && e.AccountID != filter.AccountID {
			continue
		}
		if filter.ActorID != "" && e.ActorID != filter.ActorID {
			continue
		}
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if filter.Resource != "" && e.Resource != filter.Resource {
			continue
		}
		if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && e.Timestamp.After(*filter.Until) {
			continue
		}
		total++
		if offset > 0 {
			offset--
			continue
		}
		if filter.Limit > 0 && len(result) >= filter.Limit {
			continue
		}
		result = append(result, *e)
	}
	return result, total, nil
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
