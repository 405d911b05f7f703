package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/milestone"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// MilestoneRepository implements milestone.Repository.
type MilestoneRepository struct {
	mu      sync.RWMutex
	byID    map[string]*milestone.Milestone
	byDedup map[string]*milestone.Milestone
}

// NewMilestoneRepository creates an empty repository.
func NewMilestoneRepository() *MilestoneRepository {
	return &MilestoneRepository{
		byID:    make(map[string]*milestone.Milestone),
		byDedup: make(map[string]*milestone.Milestone),
	}
}

// Create implements milestone.Repository.
func (r *MilestoneRepository) Create(_ context.Context, m *milestone.Milestone) (*milestone.Milestone, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byDedup[m.DedupKey()]; ok {
		return cloneMilestone(existing), false, nil
	}
	stored := cloneMilestone(m)
	r.byID[stored.ID] = stored
	r.byDedup[stored.DedupKey()] = stored
	return cloneMilestone(stored), true, nil
}

// Get implements milestone.Repository.
func (r *MilestoneRepository) Get(_ context.Context, id string) (*milestone.Milestone, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byID[id]
	if !ok {
		return nil, shared.ErrMilestoneNotFound
	}
	return cloneMilestone(m), nil
}

// ListByEnrollment implements milestone.Repository.
func (r *MilestoneRepository) ListByEnrollment(_ context.Context, studentID, pathID string) ([]*milestone.Milestone, error) {
	return r.filter(func(m *milestone.Milestone) bool {
		return m.StudentID == studentID && m.LearningPathID == pathID
	}), nil
}

// ListByStudent implements milestone.Repository.
func (r *MilestoneRepository) ListByStudent(_ context.Context, studentID string) ([]*milestone.Milestone, error) {
	return r.filter(func(m *milestone.Milestone) bool { return m.StudentID == studentID }), nil
}

// Acknowledge implements milestone.Repository.
func (r *MilestoneRepository) Acknowledge(_ context.Context, id string, at time.Time) (*milestone.Milestone, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byID[id]
	if !ok {
		return nil, shared.ErrMilestoneNotFound
	}
	if err := m.Acknowledge(at); err != nil {
		return nil, err
	}
	return cloneMilestone(m), nil
}

// Resolve implements milestone.Repository. Resolving twice keeps the first time.
func (r *MilestoneRepository) Resolve(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byID[id]
	if !ok {
		return shared.ErrMilestoneNotFound
	}
	if m.ResolvedAt == nil {
		at = at.UTC()
		m.ResolvedAt = &at
	}
	return nil
}

// Len returns the number of stored milestones.
func (r *MilestoneRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func (r *MilestoneRepository) filter(keep func(*milestone.Milestone) bool) []*milestone.Milestone {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*milestone.Milestone
	for _, m := range r.byID {
		if keep(m) {
			out = append(out, cloneMilestone(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TriggeredAt.Equal(out[j].TriggeredAt) {
			return out[i].TriggeredAt.Before(out[j].TriggeredAt)
		}
		return out[i].DedupKey() < out[j].DedupKey()
	})
	return out
}

func cloneMilestone(m *milestone.Milestone) *milestone.Milestone {
	c := *m
	if m.AcknowledgedAt != nil {
		t := *m.AcknowledgedAt
		c.AcknowledgedAt = &t
	}
	if m.ResolvedAt != nil {
		t := *m.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}
