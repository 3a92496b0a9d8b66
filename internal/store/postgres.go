// Package store — PostgreSQL Store implementation on pgxpool.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/botfleet/botfleet/pkg/models"
)

// PostgresStore implements Store backed by PostgreSQL.
// Connection URL is read from BOTFLEET_DATABASE_URL by the config layer.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings and migrates the schema. maxConns
// caps the pool size; zero keeps the pgxpool default.
func NewPostgresStore(ctx context.Context, connURL string, maxConns int) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres config: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	log.Info().Msg("Postgres store initialized")
	return s, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS bf_containers (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL UNIQUE,
		category   TEXT NOT NULL,
		is_active  BOOLEAN NOT NULL DEFAULT TRUE,
		is_default BOOLEAN NOT NULL DEFAULT FALSE,
		priority   INT NOT NULL DEFAULT 0,
		config     JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		created_by TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS bf_patterns (
		id               TEXT PRIMARY KEY,
		container_id     TEXT NOT NULL REFERENCES bf_containers(id) ON DELETE CASCADE,
		name             TEXT NOT NULL,
		code             TEXT NOT NULL,
		code_type        TEXT NOT NULL,
		version          INT NOT NULL DEFAULT 1,
		is_active        BOOLEAN NOT NULL DEFAULT TRUE,
		is_default       BOOLEAN NOT NULL DEFAULT FALSE,
		priority         INT NOT NULL DEFAULT 0,
		weight           INT NOT NULL DEFAULT 0,
		timeout_ms       INT NOT NULL DEFAULT 30000,
		retry_count      INT NOT NULL DEFAULT 0,
		failure_action   TEXT NOT NULL DEFAULT 'skip',
		tags             JSONB NOT NULL DEFAULT '[]',
		total_executions BIGINT NOT NULL DEFAULT 0,
		success_count    BIGINT NOT NULL DEFAULT 0,
		failure_count    BIGINT NOT NULL DEFAULT 0,
		avg_execution_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
		last_executed_at TIMESTAMPTZ,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		created_by       TEXT NOT NULL DEFAULT '',
		UNIQUE (container_id, name)
	);
	CREATE INDEX IF NOT EXISTS idx_bf_patterns_container ON bf_patterns (container_id);

	CREATE TABLE IF NOT EXISTS bf_overrides (
		id           TEXT PRIMARY KEY,
		account_id   TEXT NOT NULL,
		user_id      TEXT NOT NULL DEFAULT '',
		container_id TEXT NOT NULL,
		pattern_id   TEXT NOT NULL,
		is_active    BOOLEAN NOT NULL DEFAULT TRUE,
		priority     INT NOT NULL DEFAULT 0,
		reason       TEXT NOT NULL DEFAULT '',
		expires_at   TIMESTAMPTZ,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		created_by   TEXT NOT NULL DEFAULT '',
		UNIQUE (account_id, user_id, container_id)
	);
	CREATE INDEX IF NOT EXISTS idx_bf_overrides_account ON bf_overrides (account_id);

	CREATE TABLE IF NOT EXISTS bf_blueprints (
		id               TEXT PRIMARY KEY,
		name             TEXT NOT NULL UNIQUE,
		tier             TEXT NOT NULL,
		venue            TEXT NOT NULL,
		mode             TEXT NOT NULL,
		base_config      JSONB NOT NULL DEFAULT '{}',
		container_ids    JSONB NOT NULL DEFAULT '[]',
		pattern_ids      JSONB NOT NULL DEFAULT '[]',
		hot_swap_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		hot_swap_ids     JSONB NOT NULL DEFAULT '[]',
		creation_rate    INT NOT NULL DEFAULT 1,
		max_concurrent   INT NOT NULL DEFAULT 1,
		lifespan_min     INT NOT NULL DEFAULT 0,
		auto_respawn     BOOLEAN NOT NULL DEFAULT FALSE,
		targeting        JSONB NOT NULL DEFAULT '{}',
		schedule         JSONB NOT NULL DEFAULT '{}',
		is_active        BOOLEAN NOT NULL DEFAULT FALSE,
		priority         INT NOT NULL DEFAULT 0,
		tags             JSONB NOT NULL DEFAULT '[]',
		stats            JSONB NOT NULL DEFAULT '{}',
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		created_by       TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS bf_instances (
		id              TEXT PRIMARY KEY,
		blueprint_id    TEXT NOT NULL,
		status          TEXT NOT NULL,
		current_pattern TEXT NOT NULL DEFAULT '',
		container_id    TEXT NOT NULL DEFAULT '',
		account_id      TEXT NOT NULL DEFAULT '',
		user_id         TEXT NOT NULL DEFAULT '',
		spawned_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_active_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		expires_at      TIMESTAMPTZ,
		terminated_at   TIMESTAMPTZ,
		execution_count BIGINT NOT NULL DEFAULT 0,
		success_count   BIGINT NOT NULL DEFAULT 0,
		error_count     BIGINT NOT NULL DEFAULT 0,
		config          JSONB NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_bf_instances_blueprint ON bf_instances (blueprint_id);
	CREATE INDEX IF NOT EXISTS idx_bf_instances_status ON bf_instances (status);

	CREATE TABLE IF NOT EXISTS bf_audit_events (
		id         TEXT PRIMARY KEY,
		actor_id   TEXT NOT NULL,
		account_id TEXT NOT NULL DEFAULT '',
		action     TEXT NOT NULL,
		resource   TEXT NOT NULL DEFAULT '',
		severity   TEXT NOT NULL DEFAULT 'info',
		before     JSONB,
		after      JSONB,
		ts         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_bf_audit_ts ON bf_audit_events (ts DESC);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

// mapPgErr converts pgx errors to the store's typed errors.
func mapPgErr(err error, entity, key string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return &ErrNotFound{Entity: entity, Key: key}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return &ErrConflict{Entity: entity, Key: key}
	}
	return err
}

// ── Container Store ─────────────────────────────────────────

const containerCols = `id, name, category, is_active, is_default, priority, config, created_at, updated_at, created_by`

func scanContainer(row pgx.Row) (*models.Container, error) {
	var c models.Container
	err := row.Scan(&c.ID, &c.Name, &c.Category, &c.IsActive, &c.IsDefault, &c.Priority,
		&c.Config, &c.CreatedAt, &c.UpdatedAt, &c.CreatedBy)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) ListContainers(ctx context.Context, filter ContainerFilter) ([]models.Container, int, error) {
	where := []string{"TRUE"}
	args := []interface{}{}
	if filter.Category != "" {
		args = append(args, filter.Category)
		where = append(where, fmt.Sprintf("category = $%d", len(args)))
	}
	if filter.Active != nil {
		args = append(args, *filter.Active)
		where = append(where, fmt.Sprintf("is_active = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM bf_containers WHERE "+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count containers: %w", err)
	}

	query := fmt.Sprintf("SELECT %s FROM bf_containers WHERE %s ORDER BY priority DESC, created_at ASC", containerCols, cond)
	query, args = addPagination(query, args, filter.Limit, filter.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list containers: %w", err)
	}
	defer rows.Close()

	var result []models.Container
	for rows.Next() {
		c, err := scanContainer(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan container: %w", err)
		}
		result = append(result, *c)
	}
	return result, total, rows.Err()
}

func (s *PostgresStore) GetContainer(ctx context.Context, id string) (*models.Container, error) {
	c, err := scanContainer(s.pool.QueryRow(ctx,
		"SELECT "+containerCols+" FROM bf_containers WHERE id = $1", id))
	return c, mapPgErr(err, "container", id)
}

func (s *PostgresStore) GetContainerByName(ctx context.Context, name string) (*models.Container, error) {
	c, err := scanContainer(s.pool.QueryRow(ctx,
		"SELECT "+containerCols+" FROM bf_containers WHERE name = $1", name))
	return c, mapPgErr(err, "container", name)
}

func (s *PostgresStore) CreateContainer(ctx context.Context, c *models.Container) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO bf_containers (`+containerCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		c.ID, c.Name, c.Category, c.IsActive, c.IsDefault, c.Priority,
		jsonbMap(c.Config), c.CreatedAt, c.UpdatedAt, c.CreatedBy)
	return mapPgErr(err, "container", c.Name)
}

func (s *PostgresStore) UpdateContainer(ctx context.Context, c *models.Container) error {
	tag, err := s.pool.Exec(ctx, `UPDATE bf_containers SET
		name=$2, category=$3, is_active=$4, is_default=$5, priority=$6,
		config=$7, updated_at=$8 WHERE id=$1`,
		c.ID, c.Name, c.Category, c.IsActive, c.IsDefault, c.Priority,
		jsonbMap(c.Config), c.UpdatedAt)
	if err != nil {
		return mapPgErr(err, "container", c.Name)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "container", Key: c.ID}
	}
	return nil
}

func (s *PostgresStore) DeleteContainer(ctx context.Context, id string) error {
	// Patterns cascade via FK; weak instance refs are cleared first.
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `UPDATE bf_instances SET current_pattern = ''
		WHERE current_pattern IN (SELECT id FROM bf_patterns WHERE container_id = $1)`, id)
	if err != nil {
		return fmt.Errorf("clear pattern refs: %w", err)
	}
	tag, err := tx.Exec(ctx, "DELETE FROM bf_containers WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "container", Key: id}
	}
	return tx.Commit(ctx)
}

// ── Pattern Store ───────────────────────────────────────────

const patternCols = `id, container_id, name, code, code_type, version, is_active, is_default,
	priority, weight, timeout_ms, retry_count, failure_action, tags,
	total_executions, success_count, failure_count, avg_execution_ms, last_executed_at,
	created_at, updated_at, created_by`

func scanPattern(row pgx.Row) (*models.Pattern, error) {
	var p models.Pattern
	err := row.Scan(&p.ID, &p.ContainerID, &p.Name, &p.Code, &p.CodeType, &p.Version,
		&p.IsActive, &p.IsDefault, &p.Priority, &p.Weight, &p.TimeoutMs, &p.RetryCount,
		&p.FailureAction, &p.Tags,
		&p.Stats.TotalExecutions, &p.Stats.SuccessCount, &p.Stats.FailureCount,
		&p.Stats.AvgExecutionMs, &p.Stats.LastExecutedAt,
		&p.CreatedAt, &p.UpdatedAt, &p.CreatedBy)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) ListPatterns(ctx context.Context, filter PatternFilter) ([]models.Pattern, int, error) {
	where := []string{"TRUE"}
	args := []interface{}{}
	if filter.ContainerID != "" {
		args = append(args, filter.ContainerID)
		where = append(where, fmt.Sprintf("container_id = $%d", len(args)))
	}
	if filter.Active != nil {
		args = append(args, *filter.Active)
		where = append(where, fmt.Sprintf("is_active = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM bf_patterns WHERE "+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count patterns: %w", err)
	}

	query := fmt.Sprintf("SELECT %s FROM bf_patterns WHERE %s ORDER BY priority DESC, created_at ASC", patternCols, cond)
	query, args = addPagination(query, args, filter.Limit, filter.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list patterns: %w", err)
	}
	defer rows.Close()

	var result []models.Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan pattern: %w", err)
		}
		result = append(result, *p)
	}
	return result, total, rows.Err()
}

func (s *PostgresStore) GetPattern(ctx context.Context, id string) (*models.Pattern, error) {
	p, err := scanPattern(s.pool.QueryRow(ctx,
		"SELECT "+patternCols+" FROM bf_patterns WHERE id = $1", id))
	return p, mapPgErr(err, "pattern", id)
}

func (s *PostgresStore) CreatePattern(ctx context.Context, p *models.Pattern) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO bf_patterns (`+patternCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		p.ID, p.ContainerID, p.Name, p.Code, p.CodeType, p.Version, p.IsActive, p.IsDefault,
		p.Priority, p.Weight, p.TimeoutMs, p.RetryCount, p.FailureAction, jsonbSlice(p.Tags),
		p.Stats.TotalExecutions, p.Stats.SuccessCount, p.Stats.FailureCount,
		p.Stats.AvgExecutionMs, p.Stats.LastExecutedAt,
		p.CreatedAt, p.UpdatedAt, p.CreatedBy)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return &ErrNotFound{Entity: "container", Key: p.ContainerID}
		}
	}
	return mapPgErr(err, "pattern", p.Name)
}

func (s *PostgresStore) UpdatePattern(ctx context.Context, p *models.Pattern) error {
	tag, err := s.pool.Exec(ctx, `UPDATE bf_patterns SET
		name=$2, code=$3, code_type=$4, version=$5, is_active=$6, is_default=$7,
		priority=$8, weight=$9, timeout_ms=$10, retry_count=$11, failure_action=$12,
		tags=$13, updated_at=$14 WHERE id=$1`,
		p.ID, p.Name, p.Code, p.CodeType, p.Version, p.IsActive, p.IsDefault,
		p.Priority, p.Weight, p.TimeoutMs, p.RetryCount, p.FailureAction,
		jsonbSlice(p.Tags), p.UpdatedAt)
	if err != nil {
		return mapPgErr(err, "pattern", p.Name)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "pattern", Key: p.ID}
	}
	return nil
}

func (s *PostgresStore) DeletePattern(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "UPDATE bf_instances SET current_pattern = '' WHERE current_pattern = $1", id); err != nil {
		return fmt.Errorf("clear pattern refs: %w", err)
	}
	tag, err := tx.Exec(ctx, "DELETE FROM bf_patterns WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "pattern", Key: id}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) RecordPatternExecution(ctx context.Context, id string, success bool, durationMs int64, testMode bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE bf_patterns SET
		total_executions = total_executions + 1,
		success_count = success_count + CASE WHEN $2 THEN 1 ELSE 0 END,
		failure_count = failure_count + CASE WHEN $2 THEN 0 ELSE 1 END,
		avg_execution_ms = CASE WHEN $4 THEN avg_execution_ms
			ELSE avg_execution_ms + (($3 - avg_execution_ms) / (total_executions + 1)) END,
		last_executed_at = CASE WHEN $4 THEN last_executed_at ELSE NOW() END
		WHERE id = $1`,
		id, success, float64(durationMs), testMode)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "pattern", Key: id}
	}
	return nil
}

// ── Override Store ──────────────────────────────────────────

const overrideCols = `id, account_id, user_id, container_id, pattern_id, is_active, priority,
	reason, expires_at, created_at, created_by`

func scanOverride(row pgx.Row) (*models.PatternOverride, error) {
	var o models.PatternOverride
	err := row.Scan(&o.ID, &o.AccountID, &o.UserID, &o.ContainerID, &o.PatternID,
		&o.IsActive, &o.Priority, &o.Reason, &o.ExpiresAt, &o.CreatedAt, &o.CreatedBy)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *PostgresStore) ListOverrides(ctx context.Context, filter OverrideFilter) ([]models.PatternOverride, int, error) {
	where := []string{"TRUE"}
	args := []interface{}{}
	if filter.AccountID != "" {
		args = append(args, filter.AccountID)
		where = append(where, fmt.Sprintf("account_id = $%d", len(args)))
	}
	if filter.ContainerID != "" {
		args = append(args, filter.ContainerID)
		where = append(where, fmt.Sprintf("container_id = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM bf_overrides WHERE "+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count overrides: %w", err)
	}

	query := fmt.Sprintf("SELECT %s FROM bf_overrides WHERE %s ORDER BY priority DESC, created_at ASC", overrideCols, cond)
	query, args = addPagination(query, args, filter.Limit, filter.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list overrides: %w", err)
	}
	defer rows.Close()

	var result []models.PatternOverride
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan override: %w", err)
		}
		result = append(result, *o)
	}
	return result, total, rows.Err()
}

func (s *PostgresStore) GetOverride(ctx context.Context, id string) (*models.PatternOverride, error) {
	o, err := scanOverride(s.pool.QueryRow(ctx,
		"SELECT "+overrideCols+" FROM bf_overrides WHERE id = $1", id))
	return o, mapPgErr(err, "override", id)
}

func (s *PostgresStore) CreateOverride(ctx context.Context, o *models.PatternOverride) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO bf_overrides (`+overrideCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		o.ID, o.AccountID, o.UserID, o.ContainerID, o.PatternID, o.IsActive, o.Priority,
		o.Reason, o.ExpiresAt, o.CreatedAt, o.CreatedBy)
	return mapPgErr(err, "override", o.AccountID+":"+o.UserID+":"+o.ContainerID)
}

func (s *PostgresStore) UpdateOverride(ctx context.Context, o *models.PatternOverride) error {
	tag, err := s.pool.Exec(ctx, `UPDATE bf_overrides SET
		pattern_id=$2, is_active=$3, priority=$4, reason=$5, expires_at=$6 WHERE id=$1`,
		o.ID, o.PatternID, o.IsActive, o.Priority, o.Reason, o.ExpiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "override", Key: o.ID}
	}
	return nil
}

func (s *PostgresStore) DeleteOverride(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM bf_overrides WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "override", Key: id}
	}
	return nil
}

// ── Blueprint Store ─────────────────────────────────────────

const blueprintCols = `id, name, tier, venue, mode, base_config, container_ids, pattern_ids,
	hot_swap_enabled, hot_swap_ids, creation_rate, max_concurrent, lifespan_min, auto_respawn,
	targeting, schedule, is_active, priority, tags, stats, created_at, updated_at, created_by`

func scanBlueprint(row pgx.Row) (*models.Blueprint, error) {
	var b models.Blueprint
	err := row.Scan(&b.ID, &b.Name, &b.Tier, &b.Venue, &b.Mode, &b.BaseConfig,
		&b.ContainerIDs, &b.PatternIDs, &b.HotSwapEnabled, &b.HotSwapIDs,
		&b.CreationRate, &b.MaxConcurrent, &b.LifespanMin, &b.AutoRespawn,
		&b.Targeting, &b.Schedule, &b.IsActive, &b.Priority, &b.Tags, &b.Stats,
		&b.CreatedAt, &b.UpdatedAt, &b.CreatedBy)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *PostgresStore) ListBlueprints(ctx context.Context, filter BlueprintFilter) ([]models.Blueprint, int, error) {
	where := []string{"TRUE"}
	args := []interface{}{}
	if filter.Active != nil {
		args = append(args, *filter.Active)
		where = append(where, fmt.Sprintf("is_active = $%d", len(args)))
	}
	if filter.Tier != "" {
		args = append(args, filter.Tier)
		where = append(where, fmt.Sprintf("tier = $%d", len(args)))
	}
	if filter.Venue != "" {
		args = append(args, filter.Venue)
		where = append(where, fmt.Sprintf("venue = $%d", len(args)))
	}
	if filter.Mode != "" {
		args = append(args, filter.Mode)
		where = append(where, fmt.Sprintf("mode = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM bf_blueprints WHERE "+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count blueprints: %w", err)
	}

	query := fmt.Sprintf("SELECT %s FROM bf_blueprints WHERE %s ORDER BY priority DESC, created_at ASC", blueprintCols, cond)
	query, args = addPagination(query, args, filter.Limit, filter.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list blueprints: %w", err)
	}
	defer rows.Close()

	var result []models.Blueprint
	for rows.Next() {
		b, err := scanBlueprint(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan blueprint: %w", err)
		}
		result = append(result, *b)
	}
	return result, total, rows.Err()
}

func (s *PostgresStore) GetBlueprint(ctx context.Context, id string) (*models.Blueprint, error) {
	b, err := scanBlueprint(s.pool.QueryRow(ctx,
		"SELECT "+blueprintCols+" FROM bf_blueprints WHERE id = $1", id))
	return b, mapPgErr(err, "blueprint", id)
}

func (s *PostgresStore) CreateBlueprint(ctx context.Context, b *models.Blueprint) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO bf_blueprints (`+blueprintCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`,
		b.ID, b.Name, b.Tier, b.Venue, b.Mode, jsonbMap(b.BaseConfig),
		jsonbSlice(b.ContainerIDs), jsonbSlice(b.PatternIDs), b.HotSwapEnabled, jsonbSlice(b.HotSwapIDs),
		b.CreationRate, b.MaxConcurrent, b.LifespanMin, b.AutoRespawn,
		b.Targeting, b.Schedule, b.IsActive, b.Priority, jsonbSlice(b.Tags), b.Stats,
		b.CreatedAt, b.UpdatedAt, b.CreatedBy)
	return mapPgErr(err, "blueprint", b.Name)
}

func (s *PostgresStore) UpdateBlueprint(ctx context.Context, b *models.Blueprint) error {
	tag, err := s.pool.Exec(ctx, `UPDATE bf_blueprints SET
		name=$2, tier=$3, venue=$4, mode=$5, base_config=$6, container_ids=$7, pattern_ids=$8,
		hot_swap_enabled=$9, hot_swap_ids=$10, creation_rate=$11, max_concurrent=$12,
		lifespan_min=$13, auto_respawn=$14, targeting=$15, schedule=$16, is_active=$17,
		priority=$18, tags=$19, stats=$20, updated_at=$21 WHERE id=$1`,
		b.ID, b.Name, b.Tier, b.Venue, b.Mode, jsonbMap(b.BaseConfig),
		jsonbSlice(b.ContainerIDs), jsonbSlice(b.PatternIDs), b.HotSwapEnabled, jsonbSlice(b.HotSwapIDs),
		b.CreationRate, b.MaxConcurrent, b.LifespanMin, b.AutoRespawn,
		b.Targeting, b.Schedule, b.IsActive, b.Priority, jsonbSlice(b.Tags), b.Stats, b.UpdatedAt)
	if err != nil {
		return mapPgErr(err, "blueprint", b.Name)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "blueprint", Key: b.ID}
	}
	return nil
}

func (s *PostgresStore) DeleteBlueprint(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM bf_blueprints WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "blueprint", Key: id}
	}
	return nil
}

// ── Instance Store ──────────────────────────────────────────

const instanceCols = `id, blueprint_id, status, current_pattern, container_id, account_id, user_id,
	spawned_at, last_active_at, expires_at, terminated_at,
	execution_count, success_count, error_count, config`

func scanInstance(row pgx.Row) (*models.Instance, error) {
	var i models.Instance
	err := row.Scan(&i.ID, &i.BlueprintID, &i.Status, &i.CurrentPattern, &i.ContainerID,
		&i.AccountID, &i.UserID, &i.SpawnedAt, &i.LastActiveAt, &i.ExpiresAt, &i.TerminatedAt,
		&i.ExecutionCount, &i.SuccessCount, &i.ErrorCount, &i.Config)
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func (s *PostgresStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]models.Instance, int, error) {
	where := []string{"TRUE"}
	args := []interface{}{}
	if filter.BlueprintID != "" {
		args = append(args, filter.BlueprintID)
		where = append(where, fmt.Sprintf("blueprint_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.NonTerminal {
		where = append(where, "status NOT IN ('terminated', 'error')")
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM bf_instances WHERE "+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count instances: %w", err)
	}

	query := fmt.Sprintf("SELECT %s FROM bf_instances WHERE %s ORDER BY spawned_at DESC", instanceCols, cond)
	query, args = addPagination(query, args, filter.Limit, filter.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var result []models.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan instance: %w", err)
		}
		result = append(result, *inst)
	}
	return result, total, rows.Err()
}

func (s *PostgresStore) GetInstance(ctx context.Context, id string) (*models.Instance, error) {
	i, err := scanInstance(s.pool.QueryRow(ctx,
		"SELECT "+instanceCols+" FROM bf_instances WHERE id = $1", id))
	return i, mapPgErr(err, "instance", id)
}

func (s *PostgresStore) CreateInstance(ctx context.Context, i *models.Instance) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO bf_instances (`+instanceCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		i.ID, i.BlueprintID, i.Status, i.CurrentPattern, i.ContainerID, i.AccountID, i.UserID,
		i.SpawnedAt, i.LastActiveAt, i.ExpiresAt, i.TerminatedAt,
		i.ExecutionCount, i.SuccessCount, i.ErrorCount, jsonbMap(i.Config))
	return mapPgErr(err, "instance", i.ID)
}

func (s *PostgresStore) UpdateInstance(ctx context.Context, i *models.Instance) error {
	tag, err := s.pool.Exec(ctx, `UPDATE bf_instances SET
		status=$2, current_pattern=$3, last_active_at=$4, expires_at=$5, terminated_at=$6,
		execution_count=$7, success_count=$8, error_count=$9, config=$10 WHERE id=$1`,
		i.ID, i.Status, i.CurrentPattern, i.LastActiveAt, i.ExpiresAt, i.TerminatedAt,
		i.ExecutionCount, i.SuccessCount, i.ErrorCount, jsonbMap(i.Config))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "instance", Key: i.ID}
	}
	return nil
}

func (s *PostgresStore) CountActiveInstances(ctx context.Context, blueprintID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM bf_instances WHERE blueprint_id = $1 AND status NOT IN ('terminated', 'error')",
		blueprintID).Scan(&count)
	return count, err
}

// ── Audit Store ─────────────────────────────────────────────

func (s *PostgresStore) CreateAuditEvent(ctx context.Context, e *models.AuditEvent) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO bf_audit_events
		(id, actor_id, account_id, action, resource, severity, before, after, ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.ID, e.ActorID, e.AccountID, e.Action, e.Resource, e.Severity,
		jsonbMap(e.Before), jsonbMap(e.After), e.Timestamp)
	return err
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, filter models.AuditFilter) ([]models.AuditEvent, int64, error) {
	where := []string{"TRUE"}
	args := []interface{}{}
	if filter.AccountID != "" {
		args = append(args, filter.AccountID)
		where = append(where, fmt.Sprintf("account_id = $%d", len(args)))
	}
	if filter.ActorID != "" {
		args = append(args, filter.ActorID)
		where = append(where, fmt.Sprintf("actor_id = $%d", len(args)))
	}
	if filter.Action != "" {
		args = append(args, filter.Action)
		where = append(where, fmt.Sprintf("action = $%d", len(args)))
	}
	if filter.Resource != "" {
		args = append(args, filter.Resource)
		where = append(where, fmt.Sprintf("resource = $%d", len(args)))
	}
	if filter.Since != nil {
		args = append(args, *filter.Since)
		where = append(where, fmt.Sprintf("ts >= $%d", len(args)))
	}
	if filter.Until != nil {
		args = append(args, *filter.Until)
		where = append(where, fmt.Sprintf("ts <= $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM bf_audit_events WHERE "+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit events: %w", err)
	}

	query := "SELECT id, actor_id, account_id, action, resource, severity, before, after, ts FROM bf_audit_events WHERE " + cond + " ORDER BY ts DESC"
	query, args = addPagination(query, args, filter.Limit, filter.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var result []models.AuditEvent
	for rows.Next() {
		var e models.AuditEvent
		if err := rows.Scan(&e.ID, &e.ActorID, &e.AccountID, &e.Action, &e.Resource,
			&e.Severity, &e.Before, &e.After, &e.Timestamp); err != nil {
			return nil, 0, fmt.Errorf("scan audit event: %w", err)
		}
		result = append(result, e)
	}
	return result, total, rows.Err()
}

// addPagination appends LIMIT/OFFSET clauses with positional args.
func addPagination(query string, args []interface{}, limit, offset int) (string, []interface{}) {
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}

// jsonbMap normalizes nil maps so JSONB columns never receive SQL NULL.
func jsonbMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

// jsonbSlice normalizes nil slices the same way.
func jsonbSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
