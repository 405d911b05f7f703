package progress

import "context"

// Repository persists enrollments. Save is a compare-and-set on Revision:
// it fails with shared.ErrStaleWrite when the stored revision differs, and on
// success increments the caller's Revision.
type Repository interface {
	Create(ctx context.Context, e *Enrollment) error
	Get(ctx context.Context, key Key) (*Enrollment, error)
	Save(ctx context.Context, e *Enrollment) error

	ListByStudent(ctx context.Context, studentID string) ([]*Enrollment, error)
	ListByClass(ctx context.Context, classID string) ([]*Enrollment, error)
	ListActiveByPath(ctx context.Context, pathID string) ([]*Enrollment, error)
	ListActive(ctx context.Context) ([]*Enrollment, error)
	ListAll(ctx context.Context) ([]*Enrollment, error)
}
