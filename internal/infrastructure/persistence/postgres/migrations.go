package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATOR
// ══════════════════════════════════════════════════════════════════════════════

// Migration represents a database migration.
type Migration struct {
	Version   int
	Name      string
	UpSQL     string
	DownSQL   string
	AppliedAt time.Time
	IsApplied bool
}

// Migrator applies the embedded schema.
type Migrator struct {
	conn       *Connection
	migrations []Migration
	tableName  string
}

// NewMigrator creates a migrator with the embedded migrations.
func NewMigrator(conn *Connection) *Migrator {
	return &Migrator{conn: conn, migrations: GetMigrations(), tableName: "schema_migrations"}
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.conn.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)`, m.tableName))
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

func (m *Migrator) applied(ctx context.Context) (map[int]time.Time, error) {
	rows, err := m.conn.Query(ctx, fmt.Sprintf("SELECT version, applied_at FROM %s ORDER BY version", m.tableName))
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	out := make(map[int]time.Time)
	for rows.Next() {
		var version int
		var at time.Time
		if err := rows.Scan(&version, &at); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		out[version] = at
	}
	return out, rows.Err()
}

// Migrate applies all pending migrations, each in its own transaction, and
// returns the versions applied.
func (m *Migrator) Migrate(ctx context.Context) ([]int, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}

	var done []int
	for _, mig := range m.migrations {
		if _, ok := applied[mig.Version]; ok {
			continue
		}
		err := m.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, mig.UpSQL); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, fmt.Sprintf("INSERT INTO %s (version, name) VALUES ($1, $2)", m.tableName),
				mig.Version, mig.Name)
			return err
		})
		if err != nil {
			return done, fmt.Errorf("%w: version %d: %v", ErrMigrationFailed, mig.Version, err)
		}
		done = append(done, mig.Version)
	}
	return done, nil
}

// Rollback reverts the last applied migration. It returns 0 when nothing was
// applied.
func (m *Migrator) Rollback(ctx context.Context) (int, error) {
	if err := m.ensureTable(ctx); err != nil {
		return 0, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return 0, err
	}
	last := 0
	for v := range applied {
		if v > last {
			last = v
		}
	}
	if last == 0 {
		return 0, nil
	}

	var mig *Migration
	for i := range m.migrations {
		if m.migrations[i].Version == last {
			mig = &m.migrations[i]
		}
	}
	if mig == nil || mig.DownSQL == "" {
		return 0, fmt.Errorf("%w: missing down SQL for migration %d", ErrMigrationFailed, last)
	}

	err = m.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, mig.DownSQL); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE version = $1", m.tableName), last)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%w: rollback %d: %v", ErrMigrationFailed, last, err)
	}
	return last, nil
}

// Status returns every known migration with its applied state.
func (m *Migrator) Status(ctx context.Context) ([]Migration, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Migration, len(m.migrations))
	copy(out, m.migrations)
	for i := range out {
		if at, ok := applied[out[i].Version]; ok {
			out[i].IsApplied = true
			out[i].AppliedAt = at
		}
	}
	return out, nil
}

// GetMigrations returns all embedded migrations in order.
func GetMigrations() []Migration {
	return []Migration{
		{Version: 1, Name: "create_activity_events", UpSQL: migration001Up, DownSQL: migration001Down},
		{Version: 2, Name: "create_enrollments_milestones", UpSQL: migration002Up, DownSQL: migration002Down},
		{Version: 3, Name: "create_workflows_versions", UpSQL: migration003Up, DownSQL: migration003Down},
		{Version: 4, Name: "create_outbox", UpSQL: migration004Up, DownSQL: migration004Down},
		{Version: 5, Name: "add_portfolio_owner", UpSQL: migration005Up, DownSQL: migration005Down},
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: ACTIVITY LEDGER
// ══════════════════════════════════════════════════════════════════════════════

const migration001Up = `
-- Append-only. seq is the acceptance order; the idempotency key is unique so
-- a resubmission collapses onto the stored row.
CREATE TABLE IF NOT EXISTS activity_events (
    seq BIGSERIAL PRIMARY KEY,
    idempotency_key TEXT NOT NULL,
    student_id TEXT NOT NULL,
    activity_type VARCHAR(40) NOT NULL,
    resource_id TEXT NOT NULL,
    learning_path_id TEXT NOT NULL DEFAULT '',
    occurred_at TIMESTAMP WITH TIME ZONE NOT NULL,
    duration_ns BIGINT,
    score DOUBLE PRECISION,
    metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
    accepted_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT activity_events_key_unique UNIQUE (idempotency_key),
    CONSTRAINT valid_activity_type CHECK (activity_type IN (
        'lesson_complete', 'assessment_submit', 'content_create',
        'peer_review', 'workflow_step_complete', 'content_publish')),
    CONSTRAINT valid_score CHECK (score IS NULL OR (score >= 0 AND score <= 100))
);

CREATE INDEX IF NOT EXISTS idx_activity_events_student_seq ON activity_events(student_id, seq);
CREATE INDEX IF NOT EXISTS idx_activity_events_student_time ON activity_events(student_id, occurred_at);
`

const migration001Down = `
DROP TABLE IF EXISTS activity_events;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 002: ENROLLMENTS AND MILESTONES
// ══════════════════════════════════════════════════════════════════════════════

const migration002Up = `
-- Derived from the ledger; rebuildable by replay. revision guards saves.
CREATE TABLE IF NOT EXISTS enrollments (
    student_id TEXT NOT NULL,
    learning_path_id TEXT NOT NULL,
    class_id TEXT NOT NULL DEFAULT '',
    status VARCHAR(20) NOT NULL,
    enrolled_at TIMESTAMP WITH TIME ZONE NOT NULL,
    total_lessons INTEGER NOT NULL,
    lessons_completed INTEGER NOT NULL DEFAULT 0,
    behind_schedule BOOLEAN NOT NULL DEFAULT FALSE,
    completed_at TIMESTAMP WITH TIME ZONE,
    last_applied_seq BIGINT NOT NULL DEFAULT 0,
    state JSONB NOT NULL,
    revision BIGINT NOT NULL DEFAULT 1,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    PRIMARY KEY (student_id, learning_path_id),
    CONSTRAINT valid_lessons CHECK (lessons_completed >= 0 AND lessons_completed <= total_lessons)
);

CREATE INDEX IF NOT EXISTS idx_enrollments_class ON enrollments(class_id) WHERE class_id != '';
CREATE INDEX IF NOT EXISTS idx_enrollments_active_path ON enrollments(learning_path_id) WHERE status = 'active';

-- One row per crossing; the unique key makes creation idempotent.
CREATE TABLE IF NOT EXISTS milestones (
    id TEXT PRIMARY KEY,
    student_id TEXT NOT NULL,
    learning_path_id TEXT NOT NULL,
    kind VARCHAR(40) NOT NULL,
    crossing INTEGER NOT NULL DEFAULT 0,
    triggered_at TIMESTAMP WITH TIME ZONE NOT NULL,
    acknowledged BOOLEAN NOT NULL DEFAULT FALSE,
    acknowledged_at TIMESTAMP WITH TIME ZONE,
    resolved_at TIMESTAMP WITH TIME ZONE,

    CONSTRAINT milestones_crossing_unique UNIQUE (student_id, learning_path_id, kind, crossing)
);

CREATE INDEX IF NOT EXISTS idx_milestones_student ON milestones(student_id, triggered_at);
`

const migration002Down = `
DROP TABLE IF EXISTS milestones;
DROP TABLE IF EXISTS enrollments;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 003: WORKFLOWS AND VERSION CHAINS
// ══════════════════════════════════════════════════════════════════════════════

const migration003Up = `
CREATE TABLE IF NOT EXISTS content_workflows (
    id TEXT PRIMARY KEY,
    student_id TEXT NOT NULL,
    title TEXT NOT NULL,
    steps JSONB NOT NULL,
    current_step_index INTEGER NOT NULL DEFAULT 0,
    status VARCHAR(20) NOT NULL,
    published_url TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP WITH TIME ZONE NOT NULL,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL,

    CONSTRAINT valid_workflow_status CHECK (status IN ('in_progress', 'completed', 'abandoned'))
);

CREATE INDEX IF NOT EXISTS idx_workflows_student ON content_workflows(student_id, created_at);
CREATE INDEX IF NOT EXISTS idx_workflows_unpublished ON content_workflows(updated_at)
    WHERE status = 'completed' AND published_url = '';

-- Version chains are append-only; the primary key rejects a second writer
-- of the same number.
CREATE TABLE IF NOT EXISTS curriculum_versions (
    learning_path_id TEXT NOT NULL,
    version_number INTEGER NOT NULL,
    content JSONB NOT NULL,
    resync BOOLEAN NOT NULL DEFAULT FALSE,
    published_at TIMESTAMP WITH TIME ZONE NOT NULL,
    PRIMARY KEY (learning_path_id, version_number),
    CONSTRAINT valid_curriculum_number CHECK (version_number >= 1)
);

-- Snapshots are stored byte for byte so digests stay reproducible.
CREATE TABLE IF NOT EXISTS portfolio_versions (
    portfolio_id TEXT NOT NULL,
    version_number INTEGER NOT NULL,
    snapshot BYTEA NOT NULL,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL,
    rolled_back_from INTEGER,
    digest TEXT NOT NULL,
    PRIMARY KEY (portfolio_id, version_number),
    CONSTRAINT valid_portfolio_number CHECK (version_number >= 1)
);
`

const migration003Down = `
DROP TABLE IF EXISTS portfolio_versions;
DROP TABLE IF EXISTS curriculum_versions;
DROP TABLE IF EXISTS content_workflows;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 004: OUTBOX
// ══════════════════════════════════════════════════════════════════════════════

const migration004Up = `
CREATE TABLE IF NOT EXISTS outbox_entries (
    id TEXT PRIMARY KEY,
    kind VARCHAR(40) NOT NULL,
    dedup_key TEXT NOT NULL,
    recipient_id TEXT NOT NULL DEFAULT '',
    payload JSONB NOT NULL,
    status VARCHAR(20) NOT NULL DEFAULT 'pending',
    attempts INTEGER NOT NULL DEFAULT 0,
    next_attempt_at TIMESTAMP WITH TIME ZONE NOT NULL,
    lease_until TIMESTAMP WITH TIME ZONE,
    last_error TEXT NOT NULL DEFAULT '',
    result TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP WITH TIME ZONE NOT NULL,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
    delivered_at TIMESTAMP WITH TIME ZONE,

    CONSTRAINT outbox_dedup_unique UNIQUE (dedup_key),
    CONSTRAINT valid_outbox_status CHECK (status IN ('pending', 'in_flight', 'delivered', 'dead'))
);

CREATE INDEX IF NOT EXISTS idx_outbox_due ON outbox_entries(next_attempt_at) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_outbox_leased ON outbox_entries(lease_until) WHERE status = 'in_flight';
`

const migration004Down = `
DROP TABLE IF EXISTS outbox_entries;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 005: PORTFOLIO OWNER
// ══════════════════════════════════════════════════════════════════════════════

const migration005Up = `
ALTER TABLE portfolio_versions ADD COLUMN IF NOT EXISTS owner_id TEXT NOT NULL DEFAULT '';

CREATE INDEX IF NOT EXISTS idx_portfolio_versions_owner ON portfolio_versions(owner_id);
`

const migration005Down = `
DROP INDEX IF EXISTS idx_portfolio_versions_owner;
ALTER TABLE portfolio_versions DROP COLUMN IF EXISTS owner_id;
`
