package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/progress-engine/internal/domain/curriculum"
	"github.com/alem-hub/progress-engine/internal/domain/portfolio"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// CURRICULUM VERSIONS
// ══════════════════════════════════════════════════════════════════════════════

// CurriculumRepository implements curriculum.Repository.
type CurriculumRepository struct {
	conn *Connection
}

// NewCurriculumRepository creates a new CurriculumRepository.
func NewCurriculumRepository(conn *Connection) *CurriculumRepository {
	return &CurriculumRepository{conn: conn}
}

const curriculumColumns = `learning_path_id, version_number, content, resync, published_at`

// Append implements curriculum.Repository.
func (r *CurriculumRepository) Append(ctx context.Context, v *curriculum.Version) error {
	content, err := json.Marshal(v.Content)
	if err != nil {
		return fmt.Errorf("failed to marshal curriculum: %w", err)
	}
	_, err = r.conn.Exec(ctx, `
		INSERT INTO curriculum_versions (`+curriculumColumns+`)
		VALUES ($1, $2, $3, $4, $5)
	`, v.LearningPathID, v.Number, content, v.Resync, v.PublishedAt.UTC())
	if err != nil {
		if IsUniqueViolation(err) {
			return shared.ErrVersionTaken
		}
		return fmt.Errorf("failed to append curriculum version: %w", err)
	}
	return nil
}

// Latest implements curriculum.Repository.
func (r *CurriculumRepository) Latest(ctx context.Context, pathID string) (*curriculum.Version, error) {
	return r.one(ctx, `WHERE learning_path_id = $1 ORDER BY version_number DESC LIMIT 1`, pathID)
}

// Get implements curriculum.Repository.
func (r *CurriculumRepository) Get(ctx context.Context, pathID string, number int) (*curriculum.Version, error) {
	return r.one(ctx, `WHERE learning_path_id = $1 AND version_number = $2`, pathID, number)
}

// List implements curriculum.Repository.
func (r *CurriculumRepository) List(ctx context.Context, pathID string) ([]*curriculum.Version, error) {
	rows, err := r.conn.Query(ctx, `SELECT `+curriculumColumns+` FROM curriculum_versions
		WHERE learning_path_id = $1 ORDER BY version_number`, pathID)
	if err != nil {
		return nil, fmt.Errorf("failed to list curriculum versions: %w", err)
	}
	return collect(rows, scanCurriculum)
}

// ListPaths implements curriculum.Repository.
func (r *CurriculumRepository) ListPaths(ctx context.Context) ([]string, error) {
	return listIDs(ctx, r.conn, `SELECT DISTINCT learning_path_id FROM curriculum_versions ORDER BY learning_path_id`)
}

func (r *CurriculumRepository) one(ctx context.Context, where string, args ...any) (*curriculum.Version, error) {
	v, err := scanCurriculum(r.conn.QueryRow(ctx, `SELECT `+curriculumColumns+` FROM curriculum_versions `+where, args...))
	if IsNoRows(err) {
		return nil, shared.ErrCurriculumNotFound
	}
	return v, err
}

func scanCurriculum(row pgx.Row) (*curriculum.Version, error) {
	var (
		v   curriculum.Version
		raw []byte
	)
	if err := row.Scan(&v.LearningPathID, &v.Number, &raw, &v.Resync, &v.PublishedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &v.Content); err != nil {
		return nil, fmt.Errorf("curriculum %s v%d: malformed content: %w", v.LearningPathID, v.Number, err)
	}
	v.PublishedAt = v.PublishedAt.UTC()
	return &v, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// PORTFOLIO VERSIONS
// ══════════════════════════════════════════════════════════════════════════════

// PortfolioRepository implements portfolio.Repository.
type PortfolioRepository struct {
	conn *Connection
}

// NewPortfolioRepository creates a new PortfolioRepository.
func NewPortfolioRepository(conn *Connection) *PortfolioRepository {
	return &PortfolioRepository{conn: conn}
}

const portfolioColumns = `portfolio_id, owner_id, version_number, snapshot, created_at, rolled_back_from, digest`

// Append implements portfolio.Repository.
func (r *PortfolioRepository) Append(ctx context.Context, v *portfolio.Version) error {
	_, err := r.conn.Exec(ctx, `
		INSERT INTO portfolio_versions (`+portfolioColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, v.PortfolioID, v.OwnerID, v.Number, []byte(v.Snapshot), v.CreatedAt.UTC(), v.RolledBackFrom, v.Digest)
	if err != nil {
		if IsUniqueViolation(err) {
			return shared.ErrVersionTaken
		}
		return fmt.Errorf("failed to append portfolio version: %w", err)
	}
	return nil
}

// Latest implements portfolio.Repository.
func (r *PortfolioRepository) Latest(ctx context.Context, portfolioID string) (*portfolio.Version, error) {
	return r.one(ctx, `WHERE portfolio_id = $1 ORDER BY version_number DESC LIMIT 1`, portfolioID)
}

// Get implements portfolio.Repository.
func (r *PortfolioRepository) Get(ctx context.Context, portfolioID string, number int) (*portfolio.Version, error) {
	return r.one(ctx, `WHERE portfolio_id = $1 AND version_number = $2`, portfolioID, number)
}

// List implements portfolio.Repository.
func (r *PortfolioRepository) List(ctx context.Context, portfolioID string) ([]*portfolio.Version, error) {
	rows, err := r.conn.Query(ctx, `SELECT `+portfolioColumns+` FROM portfolio_versions
		WHERE portfolio_id = $1 ORDER BY version_number`, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to list portfolio versions: %w", err)
	}
	return collect(rows, scanPortfolio)
}

// ListPortfolios implements portfolio.Repository.
func (r *PortfolioRepository) ListPortfolios(ctx context.Context) ([]string, error) {
	return listIDs(ctx, r.conn, `SELECT DISTINCT portfolio_id FROM portfolio_versions ORDER BY portfolio_id`)
}

func (r *PortfolioRepository) one(ctx context.Context, where string, args ...any) (*portfolio.Version, error) {
	v, err := scanPortfolio(r.conn.QueryRow(ctx, `SELECT `+portfolioColumns+` FROM portfolio_versions `+where, args...))
	if IsNoRows(err) {
		return nil, shared.ErrPortfolioNotFound
	}
	return v, err
}

func scanPortfolio(row pgx.Row) (*portfolio.Version, error) {
	var (
		v        portfolio.Version
		snapshot []byte
	)
	if err := row.Scan(&v.PortfolioID, &v.OwnerID, &v.Number, &snapshot, &v.CreatedAt, &v.RolledBackFrom, &v.Digest); err != nil {
		return nil, err
	}
	v.Snapshot = json.RawMessage(snapshot)
	v.CreatedAt = v.CreatedAt.UTC()
	return &v, nil
}

func listIDs(ctx context.Context, q Querier, sql string) ([]string, error) {
	rows, err := q.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("failed to list ids: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
