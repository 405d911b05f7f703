package catalog

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/alem-hub/progress-engine/internal/domain/curriculum"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// Curriculum serves the latest published curriculum version of a path and
// falls back to the base catalog for paths that were never published.
type Curriculum struct {
	versions curriculum.Repository
	base     progress.PathCatalog
	flight   singleflight.Group
}

// NewCurriculum layers versions over base. base may be nil.
func NewCurriculum(versions curriculum.Repository, base progress.PathCatalog) *Curriculum {
	return &Curriculum{versions: versions, base: base}
}

// GetPath implements progress.PathCatalog.
func (c *Curriculum) GetPath(ctx context.Context, pathID string) (progress.Path, error) {
	v, err, _ := c.flight.Do(pathID, func() (any, error) {
		latest, err := c.versions.Latest(ctx, pathID)
		if err == nil {
			return latest.Content.Path(pathID, latest.Number), nil
		}
		if !shared.IsNotFound(err) {
			return nil, err
		}
		if c.base == nil {
			return nil, shared.ErrPathNotFound
		}
		return c.base.GetPath(ctx, pathID)
	})
	if err != nil {
		return progress.Path{}, err
	}
	return v.(progress.Path), nil
}
