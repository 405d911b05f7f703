package query

import (
	"context"

	"github.com/alem-hub/progress-engine/internal/domain/curriculum"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// GetCurriculumHandler reads curriculum version chains. Reads check the chain
// for gaps; a gap is logged and returned as a consistency violation.
type GetCurriculumHandler struct {
	versions curriculum.Repository
	log      *logger.Logger
}

// NewGetCurriculumHandler creates a new GetCurriculumHandler.
func NewGetCurriculumHandler(versions curriculum.Repository, log *logger.Logger) *GetCurriculumHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &GetCurriculumHandler{versions: versions, log: log.Named("curriculum_query")}
}

// History returns every version of a path in order.
func (h *GetCurriculumHandler) History(ctx context.Context, pathID string) ([]*curriculum.Version, error) {
	if pathID == "" {
		return nil, shared.Validation("curriculum", "History", "learning path id is required")
	}
	chain, err := h.versions.List(ctx, pathID)
	if err != nil {
		return nil, err
	}
	if err := curriculum.CheckChain(pathID, chain); err != nil {
		h.log.Error("curriculum chain broken", logger.PathID(pathID), logger.Err(err))
		return nil, err
	}
	if len(chain) == 0 {
		return nil, shared.ErrCurriculumNotFound
	}
	return chain, nil
}

// Version returns one version; number 0 selects the latest.
func (h *GetCurriculumHandler) Version(ctx context.Context, pathID string, number int) (*curriculum.Version, error) {
	chain, err := h.History(ctx, pathID)
	if err != nil {
		return nil, err
	}
	if number == 0 {
		return chain[len(chain)-1], nil
	}
	if number < 0 || number > len(chain) {
		return nil, shared.ErrCurriculumNotFound
	}
	return chain[number-1], nil
}
