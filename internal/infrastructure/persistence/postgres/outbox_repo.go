package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/progress-engine/internal/domain/outbox"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// OutboxRepository implements outbox.Repository. Claims use SKIP LOCKED so
// several dispatchers can poll the same table without handing one entry to
// two of them.
type OutboxRepository struct {
	conn *Connection
}

// NewOutboxRepository creates a new OutboxRepository.
func NewOutboxRepository(conn *Connection) *OutboxRepository {
	return &OutboxRepository{conn: conn}
}

const outboxColumns = `id, kind, dedup_key, recipient_id, payload, status, attempts, next_attempt_at,
	lease_until, last_error, result, created_at, updated_at, delivered_at`

// Enqueue implements outbox.Repository.
func (r *OutboxRepository) Enqueue(ctx context.Context, e *outbox.Entry) (*outbox.Entry, bool, error) {
	stored, err := scanEntry(r.conn.QueryRow(ctx, `
		INSERT INTO outbox_entries (`+outboxColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (dedup_key) DO NOTHING
		RETURNING `+outboxColumns,
		e.ID, string(e.Kind), e.DedupKey, e.RecipientID, []byte(e.Payload), string(e.Status), e.Attempts,
		e.NextAttemptAt.UTC(), e.LeaseUntil, e.LastError, e.Result, e.CreatedAt.UTC(), e.UpdatedAt.UTC(), e.DeliveredAt,
	))
	if err == nil {
		return stored, true, nil
	}
	if !IsNoRows(err) {
		return nil, false, fmt.Errorf("failed to enqueue %s: %w", e.DedupKey, err)
	}
	existing, err := r.GetByDedupKey(ctx, e.DedupKey)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// Claim implements outbox.Repository.
func (r *OutboxRepository) Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*outbox.Entry, error) {
	now = now.UTC()
	rows, err := r.conn.Query(ctx, `
		UPDATE outbox_entries SET
			status = 'in_flight',
			lease_until = $2,
			attempts = attempts + 1,
			updated_at = $1
		WHERE id IN (
			SELECT id FROM outbox_entries
			WHERE (status = 'pending' AND next_attempt_at <= $1)
			   OR (status = 'in_flight' AND lease_until < $1)
			ORDER BY next_attempt_at, created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+outboxColumns,
		now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox entries: %w", err)
	}
	return collect(rows, scanEntry)
}

// MarkDelivered implements outbox.Repository.
func (r *OutboxRepository) MarkDelivered(ctx context.Context, id, result string, at time.Time) error {
	return r.update(ctx, `
		UPDATE outbox_entries SET
			status = 'delivered', result = $2, last_error = '',
			lease_until = NULL, delivered_at = $3, updated_at = $3
		WHERE id = $1
	`, id, result, at.UTC())
}

// MarkFailed implements outbox.Repository.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id, lastError string, nextAttemptAt time.Time, dead bool) error {
	status := outbox.StatusPending
	if dead {
		status = outbox.StatusDead
	}
	return r.update(ctx, `
		UPDATE outbox_entries SET
			status = $2, last_error = $3, next_attempt_at = $4,
			lease_until = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, string(status), lastError, nextAttemptAt.UTC())
}

// Release implements outbox.Repository.
func (r *OutboxRepository) Release(ctx context.Context, id, lastError string, nextAttemptAt time.Time) error {
	return r.update(ctx, `
		UPDATE outbox_entries SET
			status = 'pending', attempts = GREATEST(attempts - 1, 0),
			last_error = $2, next_attempt_at = $3,
			lease_until = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, lastError, nextAttemptAt.UTC())
}

func (r *OutboxRepository) update(ctx context.Context, sql string, args ...any) error {
	tag, err := r.conn.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to update outbox entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrOutboxNotFound
	}
	return nil
}

// Get implements outbox.Repository.
func (r *OutboxRepository) Get(ctx context.Context, id string) (*outbox.Entry, error) {
	return r.one(ctx, `WHERE id = $1`, id)
}

// GetByDedupKey implements outbox.Repository.
func (r *OutboxRepository) GetByDedupKey(ctx context.Context, key string) (*outbox.Entry, error) {
	return r.one(ctx, `WHERE dedup_key = $1`, key)
}

// ListByStatus implements outbox.Repository. An empty status lists everything.
func (r *OutboxRepository) ListByStatus(ctx context.Context, status outbox.Status, limit int) ([]*outbox.Entry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.conn.Query(ctx, `
		SELECT `+outboxColumns+` FROM outbox_entries
		WHERE $1::text = '' OR status = $1
		ORDER BY created_at
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox entries: %w", err)
	}
	return collect(rows, scanEntry)
}

func (r *OutboxRepository) one(ctx context.Context, where string, args ...any) (*outbox.Entry, error) {
	e, err := scanEntry(r.conn.QueryRow(ctx, `SELECT `+outboxColumns+` FROM outbox_entries `+where, args...))
	if IsNoRows(err) {
		return nil, shared.ErrOutboxNotFound
	}
	return e, err
}

func scanEntry(row pgx.Row) (*outbox.Entry, error) {
	var (
		e            outbox.Entry
		kind, status string
		payload      []byte
	)
	err := row.Scan(&e.ID, &kind, &e.DedupKey, &e.RecipientID, &payload, &status, &e.Attempts,
		&e.NextAttemptAt, &e.LeaseUntil, &e.LastError, &e.Result, &e.CreatedAt, &e.UpdatedAt, &e.DeliveredAt)
	if err != nil {
		return nil, err
	}
	e.Kind = outbox.Kind(kind)
	e.Status = outbox.Status(status)
	e.Payload = payload
	e.NextAttemptAt = e.NextAttemptAt.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return &e, nil
}
