package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/alem-hub/progress-engine/internal/domain/curriculum"
	"github.com/alem-hub/progress-engine/internal/domain/portfolio"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// CURRICULUM VERSIONS
// ══════════════════════════════════════════════════════════════════════════════

// CurriculumRepository implements curriculum.Repository. Chains are stored
// keyed by number so a corrupted chain can be simulated in tests.
type CurriculumRepository struct {
	mu     sync.RWMutex
	chains map[string]map[int]*curriculum.Version
}

// NewCurriculumRepository creates an empty repository.
func NewCurriculumRepository() *CurriculumRepository {
	return &CurriculumRepository{chains: make(map[string]map[int]*curriculum.Version)}
}

// Append implements curriculum.Repository.
func (r *CurriculumRepository) Append(_ context.Context, v *curriculum.Version) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	chain, ok := r.chains[v.LearningPathID]
	if !ok {
		chain = make(map[int]*curriculum.Version)
		r.chains[v.LearningPathID] = chain
	}
	if _, taken := chain[v.Number]; taken {
		return shared.ErrVersionTaken
	}
	chain[v.Number] = cloneCurriculum(v)
	return nil
}

// Latest implements curriculum.Repository.
func (r *CurriculumRepository) Latest(_ context.Context, pathID string) (*curriculum.Version, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var latest *curriculum.Version
	for _, v := range r.chains[pathID] {
		if latest == nil || v.Number > latest.Number {
			latest = v
		}
	}
	if latest == nil {
		return nil, shared.ErrCurriculumNotFound
	}
	return cloneCurriculum(latest), nil
}

// Get implements curriculum.Repository.
func (r *CurriculumRepository) Get(_ context.Context, pathID string, number int) (*curriculum.Version, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.chains[pathID][number]
	if !ok {
		return nil, shared.ErrCurriculumNotFound
	}
	return cloneCurriculum(v), nil
}

// List implements curriculum.Repository.
func (r *CurriculumRepository) List(_ context.Context, pathID string) ([]*curriculum.Version, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*curriculum.Version, 0, len(r.chains[pathID]))
	for _, v := range r.chains[pathID] {
		out = append(out, cloneCurriculum(v))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// ListPaths implements curriculum.Repository.
func (r *CurriculumRepository) ListPaths(_ context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.chains))
	for id := range r.chains {
		out = append(out, id)
	}
	return sortStrings(out), nil
}

// Delete removes one version. It exists to simulate storage corruption in tests.
func (r *CurriculumRepository) Delete(pathID string, number int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.chains[pathID], number)
}

func cloneCurriculum(v *curriculum.Version) *curriculum.Version {
	c := *v
	c.Content.Lessons = append([]curriculum.Lesson(nil), v.Content.Lessons...)
	c.Content.Prerequisites = append([]string(nil), v.Content.Prerequisites...)
	c.Content.Body = append([]byte(nil), v.Content.Body...)
	return &c
}

// ══════════════════════════════════════════════════════════════════════════════
// PORTFOLIO VERSIONS
// ══════════════════════════════════════════════════════════════════════════════

// PortfolioRepository implements portfolio.Repository.
type PortfolioRepository struct {
	mu     sync.RWMutex
	chains map[string]map[int]*portfolio.Version
}

// NewPortfolioRepository creates an empty repository.
func NewPortfolioRepository() *PortfolioRepository {
	return &PortfolioRepository{chains: make(map[string]map[int]*portfolio.Version)}
}

// Append implements portfolio.Repository.
func (r *PortfolioRepository) Append(_ context.Context, v *portfolio.Version) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	chain, ok := r.chains[v.PortfolioID]
	if !ok {
		chain = make(map[int]*portfolio.Version)
		r.chains[v.PortfolioID] = chain
	}
	if _, taken := chain[v.Number]; taken {
		return shared.ErrVersionTaken
	}
	chain[v.Number] = clonePortfolio(v)
	return nil
}

// Latest implements portfolio.Repository.
func (r *PortfolioRepository) Latest(_ context.Context, portfolioID string) (*portfolio.Version, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var latest *portfolio.Version
	for _, v := range r.chains[portfolioID] {
		if latest == nil || v.Number > latest.Number {
			latest = v
		}
	}
	if latest == nil {
		return nil, shared.ErrPortfolioNotFound
	}
	return clonePortfolio(latest), nil
}

// Get implements portfolio.Repository.
func (r *PortfolioRepository) Get(_ context.Context, portfolioID string, number int) (*portfolio.Version, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.chains[portfolioID][number]
	if !ok {
		return nil, shared.ErrPortfolioNotFound
	}
	return clonePortfolio(v), nil
}

// List implements portfolio.Repository.
func (r *PortfolioRepository) List(_ context.Context, portfolioID string) ([]*portfolio.Version, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*portfolio.Version, 0, len(r.chains[portfolioID]))
	for _, v := range r.chains[portfolioID] {
		out = append(out, clonePortfolio(v))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// ListPortfolios implements portfolio.Repository.
func (r *PortfolioRepository) ListPortfolios(_ context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.chains))
	for id := range r.chains {
		out = append(out, id)
	}
	return sortStrings(out), nil
}

// Tamper overwrites a stored snapshot in place. Used by tests only.
func (r *PortfolioRepository) Tamper(portfolioID string, number int, snapshot json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.chains[portfolioID][number]; ok {
		v.Snapshot = append(json.RawMessage(nil), snapshot...)
	}
}

func clonePortfolio(v *portfolio.Version) *portfolio.Version {
	c := *v
	c.Snapshot = append(json.RawMessage(nil), v.Snapshot...)
	if v.RolledBackFrom != nil {
		n := *v.RolledBackFrom
		c.RolledBackFrom = &n
	}
	return &c
}
