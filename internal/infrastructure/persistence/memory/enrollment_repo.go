package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// EnrollmentRepository implements progress.Repository.
type EnrollmentRepository struct {
	mu   sync.RWMutex
	rows map[progress.Key]*progress.Enrollment
}

// NewEnrollmentRepository creates an empty repository.
func NewEnrollmentRepository() *EnrollmentRepository {
	return &EnrollmentRepository{rows: make(map[progress.Key]*progress.Enrollment)}
}

// Create implements progress.Repository.
func (r *EnrollmentRepository) Create(_ context.Context, e *progress.Enrollment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[e.Key()]; ok {
		return shared.ErrEnrollmentExists
	}
	stored := e.Clone()
	stored.Revision = 1
	e.Revision = 1
	r.rows[e.Key()] = stored
	return nil
}

// Get implements progress.Repository.
func (r *EnrollmentRepository) Get(_ context.Context, key progress.Key) (*progress.Enrollment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.rows[key]
	if !ok {
		return nil, shared.ErrEnrollmentNotFound
	}
	return e.Clone(), nil
}

// Save implements progress.Repository.
func (r *EnrollmentRepository) Save(_ context.Context, e *progress.Enrollment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.rows[e.Key()]
	if !ok {
		return shared.ErrEnrollmentNotFound
	}
	if cur.Revision != e.Revision {
		return shared.ErrStaleWrite
	}
	e.Revision++
	r.rows[e.Key()] = e.Clone()
	return nil
}

// ListByStudent implements progress.Repository.
func (r *EnrollmentRepository) ListByStudent(_ context.Context, studentID string) ([]*progress.Enrollment, error) {
	return r.filter(func(e *progress.Enrollment) bool { return e.StudentID == studentID }), nil
}

// ListByClass implements progress.Repository.
func (r *EnrollmentRepository) ListByClass(_ context.Context, classID string) ([]*progress.Enrollment, error) {
	return r.filter(func(e *progress.Enrollment) bool { return e.ClassID == classID }), nil
}

// ListActiveByPath implements progress.Repository.
func (r *EnrollmentRepository) ListActiveByPath(_ context.Context, pathID string) ([]*progress.Enrollment, error) {
	return r.filter(func(e *progress.Enrollment) bool { return e.LearningPathID == pathID && e.IsActive() }), nil
}

// ListActive implements progress.Repository.
func (r *EnrollmentRepository) ListActive(_ context.Context) ([]*progress.Enrollment, error) {
	return r.filter(func(e *progress.Enrollment) bool { return e.IsActive() }), nil
}

// ListAll implements progress.Repository.
func (r *EnrollmentRepository) ListAll(_ context.Context) ([]*progress.Enrollment, error) {
	return r.filter(func(*progress.Enrollment) bool { return true }), nil
}

// filter returns matches ordered by student then path.
func (r *EnrollmentRepository) filter(keep func(*progress.Enrollment) bool) []*progress.Enrollment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*progress.Enrollment
	for _, e := range r.rows {
		if keep(e) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StudentID != out[j].StudentID {
			return out[i].StudentID < out[j].StudentID
		}
		return out[i].LearningPathID < out[j].LearningPathID
	})
	return out
}
