package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/progress-engine/internal/domain/ledger"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEDGER REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// LedgerRepository implements ledger.Repository.
type LedgerRepository struct {
	conn *Connection
}

// NewLedgerRepository creates a new LedgerRepository.
func NewLedgerRepository(conn *Connection) *LedgerRepository {
	return &LedgerRepository{conn: conn}
}

const eventColumns = `seq, idempotency_key, student_id, activity_type, resource_id, learning_path_id,
	occurred_at, duration_ns, score, metadata, accepted_at`

// Append implements ledger.Repository. The unique key turns a concurrent
// duplicate into a no-op insert, after which the stored row is returned.
func (r *LedgerRepository) Append(ctx context.Context, ev *ledger.Event) (*ledger.Event, bool, error) {
	meta, err := json.Marshal(ev.Metadata)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	var durationNS *int64
	if ev.Duration != nil {
		ns := int64(*ev.Duration)
		durationNS = &ns
	}

	stored := *ev
	err = r.conn.QueryRow(ctx, `
		INSERT INTO activity_events (
			idempotency_key, student_id, activity_type, resource_id, learning_path_id,
			occurred_at, duration_ns, score, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING seq, accepted_at
	`,
		ev.IdempotencyKey, ev.StudentID, string(ev.Type), ev.ResourceID, ev.LearningPathID,
		ev.OccurredAt.UTC(), durationNS, ev.Score, meta,
	).Scan(&stored.Seq, &stored.AcceptedAt)

	if IsNoRows(err) {
		existing, err := r.FindByKey(ctx, ev.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to append event: %w", err)
	}
	stored.AcceptedAt = stored.AcceptedAt.UTC()
	return &stored, true, nil
}

// FindByKey implements ledger.Repository.
func (r *LedgerRepository) FindByKey(ctx context.Context, key string) (*ledger.Event, error) {
	row := r.conn.QueryRow(ctx, `SELECT `+eventColumns+` FROM activity_events WHERE idempotency_key = $1`, key)
	ev, err := scanEvent(row)
	if IsNoRows(err) {
		return nil, shared.ErrEventNotFound
	}
	return ev, err
}

// ListByStudent implements ledger.Repository.
func (r *LedgerRepository) ListByStudent(ctx context.Context, studentID string, from, to time.Time) ([]*ledger.Event, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT `+eventColumns+` FROM activity_events
		WHERE student_id = $1 AND occurred_at >= $2 AND occurred_at < $3
		ORDER BY seq
	`, studentID, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return collect(rows, scanEvent)
}

// ListByStudentAfter implements ledger.Repository.
func (r *LedgerRepository) ListByStudentAfter(ctx context.Context, studentID string, afterSeq int64) ([]*ledger.Event, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT `+eventColumns+` FROM activity_events
		WHERE student_id = $1 AND seq > $2
		ORDER BY seq
	`, studentID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return collect(rows, scanEvent)
}

// ListAfter implements ledger.Repository.
func (r *LedgerRepository) ListAfter(ctx context.Context, afterSeq int64, limit int) ([]*ledger.Event, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT `+eventColumns+` FROM activity_events
		WHERE seq > $1
		ORDER BY seq
		LIMIT $2
	`, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to page ledger: %w", err)
	}
	return collect(rows, scanEvent)
}

// Head implements ledger.Repository.
func (r *LedgerRepository) Head(ctx context.Context) (int64, error) {
	var head int64
	if err := r.conn.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM activity_events`).Scan(&head); err != nil {
		return 0, fmt.Errorf("failed to read ledger head: %w", err)
	}
	return head, nil
}

func scanEvent(row pgx.Row) (*ledger.Event, error) {
	var (
		ev         ledger.Event
		typ        string
		durationNS *int64
		meta       []byte
	)
	err := row.Scan(
		&ev.Seq, &ev.IdempotencyKey, &ev.StudentID, &typ, &ev.ResourceID, &ev.LearningPathID,
		&ev.OccurredAt, &durationNS, &ev.Score, &meta, &ev.AcceptedAt,
	)
	if err != nil {
		return nil, err
	}
	ev.Type = ledger.ActivityType(typ)
	ev.OccurredAt = ev.OccurredAt.UTC()
	ev.AcceptedAt = ev.AcceptedAt.UTC()
	if durationNS != nil {
		d := time.Duration(*durationNS)
		ev.Duration = &d
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &ev.Metadata); err != nil {
			return nil, fmt.Errorf("event %d: malformed metadata: %w", ev.Seq, err)
		}
	}
	return &ev, nil
}
