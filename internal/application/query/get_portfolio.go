package query

import (
	"context"

	"github.com/alem-hub/progress-engine/internal/domain/portfolio"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// PORTFOLIO QUERIES
// Every read verifies the chain it returns. A gap or a broken digest is a
// consistency violation: it is logged and surfaced, never repaired here.
// ══════════════════════════════════════════════════════════════════════════════

// GetPortfolioVersionQuery selects one version. Number 0 selects the head.
type GetPortfolioVersionQuery struct {
	PortfolioID string
	OwnerID     string
	Number      int
}

// PortfolioHistoryDTO is the full chain of a portfolio.
type PortfolioHistoryDTO struct {
	PortfolioID string               `json:"portfolio_id"`
	Head        int                  `json:"head"`
	Versions    []*portfolio.Version `json:"versions"`
}

// GetPortfolioHandler reads portfolio chains.
type GetPortfolioHandler struct {
	versions portfolio.Repository
	identity shared.IdentityProvider
	log      *logger.Logger
}

// NewGetPortfolioHandler creates a new GetPortfolioHandler.
func NewGetPortfolioHandler(versions portfolio.Repository, identity shared.IdentityProvider, log *logger.Logger) *GetPortfolioHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &GetPortfolioHandler{versions: versions, identity: orDefault(identity), log: log.Named("portfolio_query")}
}

// Version returns one verified version.
func (h *GetPortfolioHandler) Version(ctx context.Context, q GetPortfolioVersionQuery) (*portfolio.Version, error) {
	chain, err := h.verified(ctx, q.PortfolioID, q.OwnerID, "GetVersion")
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, shared.ErrPortfolioNotFound
	}
	if q.Number == 0 {
		return chain[len(chain)-1], nil
	}
	if q.Number < 0 || q.Number > len(chain) {
		return nil, shared.ErrPortfolioNotFound
	}
	return chain[q.Number-1], nil
}

// History returns the verified chain.
func (h *GetPortfolioHandler) History(ctx context.Context, portfolioID, ownerID string) (*PortfolioHistoryDTO, error) {
	chain, err := h.verified(ctx, portfolioID, ownerID, "GetHistory")
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, shared.ErrPortfolioNotFound
	}
	return &PortfolioHistoryDTO{PortfolioID: portfolioID, Head: len(chain), Versions: chain}, nil
}

func (h *GetPortfolioHandler) verified(ctx context.Context, portfolioID, ownerID, op string) ([]*portfolio.Version, error) {
	if portfolioID == "" || ownerID == "" {
		return nil, shared.Validation("portfolio", op, "portfolio id and owner id are required")
	}
	if err := authorizeFor(ctx, h.identity, "portfolio", op, ownerID); err != nil {
		return nil, err
	}
	chain, err := h.versions.List(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	if len(chain) > 0 {
		if err := portfolio.CheckOwner(chain[0], ownerID, op); err != nil {
			return nil, err
		}
	}
	if err := portfolio.VerifyChain(portfolioID, chain); err != nil {
		h.log.Error("portfolio chain broken", logger.PortfolioID(portfolioID), logger.Err(err))
		return nil, err
	}
	return chain, nil
}
