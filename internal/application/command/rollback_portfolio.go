package command

import (
	"context"
	"encoding/json"

	"github.com/alem-hub/progress-engine/internal/domain/portfolio"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// RollbackPortfolioCommand appends a copy of an earlier version as the new head.
type RollbackPortfolioCommand struct {
	PortfolioID   string `json:"portfolio_id" validate:"required"`
	OwnerID       string `json:"owner_id" validate:"required"`
	TargetVersion int    `json:"target_version" validate:"required,min=1"`
}

// Rollback executes the rollback command. History is never truncated: with
// versions 1..5, rolling back to 3 produces version 6 carrying 3's snapshot.
func (h *PortfolioHandler) Rollback(ctx context.Context, cmd RollbackPortfolioCommand) (*portfolio.Version, error) {
	const op = "Rollback"

	if err := validateCommand("portfolio", op, cmd); err != nil {
		return nil, err
	}
	if err := authorizeFor(ctx, h.deps.Identity, "portfolio", op, cmd.OwnerID); err != nil {
		return nil, err
	}
	return h.append(ctx, cmd.PortfolioID, cmd.OwnerID, op, func(head *portfolio.Version) (json.RawMessage, *int, error) {
		if head == nil || cmd.TargetVersion > head.Number {
			return nil, nil, shared.NewDomainError("portfolio", op, shared.ErrNotFound, "target version does not exist")
		}
		target, err := h.deps.Versions.Get(ctx, cmd.PortfolioID, cmd.TargetVersion)
		if err != nil {
			if shared.IsNotFound(err) {
				// Numbers at or below the head must exist.
				return nil, nil, shared.ConsistencyViolation("portfolio", op,
					"portfolio %s: version %d missing below head %d", cmd.PortfolioID, cmd.TargetVersion, head.Number)
			}
			return nil, nil, err
		}
		n := target.Number
		return target.Snapshot, &n, nil
	})
}
