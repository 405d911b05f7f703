package command

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alem-hub/progress-engine/internal/domain/portfolio"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/keylock"
	"github.com/alem-hub/progress-engine/pkg/logger"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// PORTFOLIO COMMANDS
// A portfolio is an append-only chain of snapshots. Commit appends a new
// snapshot; rollback appends a copy of an older one. Nothing is ever rewritten.
// ══════════════════════════════════════════════════════════════════════════════

// CommitPortfolioCommand appends a snapshot to a portfolio.
type CommitPortfolioCommand struct {
	PortfolioID string          `json:"portfolio_id" validate:"required"`
	OwnerID     string          `json:"owner_id" validate:"required"`
	Snapshot    json.RawMessage `json:"snapshot" validate:"required,jsondoc"`
}

// PortfolioDeps wires the portfolio command handlers.
type PortfolioDeps struct {
	Versions  portfolio.Repository
	Locker    keylock.Locker
	Identity  shared.IdentityProvider
	Publisher shared.EventPublisher
	Clock     timeutil.Clock
	Logger    *logger.Logger
}

// PortfolioHandler appends to portfolio chains under a per-portfolio lock.
type PortfolioHandler struct {
	deps PortfolioDeps
	log  *logger.Logger
}

// NewPortfolioHandler creates a new PortfolioHandler.
func NewPortfolioHandler(deps PortfolioDeps) *PortfolioHandler {
	if deps.Locker == nil {
		deps.Locker = keylock.NewLocal()
	}
	if deps.Identity == nil {
		deps.Identity = shared.ContextIdentityProvider{}
	}
	if deps.Clock == nil {
		deps.Clock = timeutil.SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	return &PortfolioHandler{deps: deps, log: deps.Logger.Named("portfolio")}
}

// PortfolioLockKey is the lock guarding appends to one portfolio.
func PortfolioLockKey(portfolioID string) string {
	return "portfolio:" + portfolioID
}

// Commit executes the commit command.
func (h *PortfolioHandler) Commit(ctx context.Context, cmd CommitPortfolioCommand) (*portfolio.Version, error) {
	const op = "Commit"

	if err := validateCommand("portfolio", op, cmd); err != nil {
		return nil, err
	}
	if err := authorizeFor(ctx, h.deps.Identity, "portfolio", op, cmd.OwnerID); err != nil {
		return nil, err
	}
	if err := portfolio.ValidateSnapshot(cmd.Snapshot); err != nil {
		return nil, err
	}
	return h.append(ctx, cmd.PortfolioID, cmd.OwnerID, op, func(*portfolio.Version) (json.RawMessage, *int, error) {
		return cmd.Snapshot, nil, nil
	})
}

// append allocates the next number under the portfolio lock. The head's owner
// must be ownerID. pick returns the snapshot to store given the current head.
func (h *PortfolioHandler) append(
	ctx context.Context,
	portfolioID, ownerID, op string,
	pick func(head *portfolio.Version) (json.RawMessage, *int, error),
) (*portfolio.Version, error) {
	unlock, err := h.deps.Locker.Lock(ctx, PortfolioLockKey(portfolioID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	head, err := h.deps.Versions.Latest(ctx, portfolioID)
	if err != nil {
		if !shared.IsNotFound(err) {
			return nil, fmt.Errorf("portfolio: latest: %w", err)
		}
		head = nil
	}
	if err := portfolio.CheckOwner(head, ownerID, op); err != nil {
		return nil, err
	}
	snapshot, rolledBackFrom, err := pick(head)
	if err != nil {
		return nil, err
	}

	v := portfolio.Next(portfolioID, ownerID, head, snapshot, rolledBackFrom, h.deps.Clock.Now())
	if err := h.deps.Versions.Append(ctx, v); err != nil {
		return nil, err
	}

	from := 0
	if rolledBackFrom != nil {
		from = *rolledBackFrom
	}
	h.log.Info("portfolio version committed",
		logger.PortfolioID(portfolioID), logger.Version(v.Number), logger.Int("rolled_back_from", from))
	publishAll(h.deps.Publisher, h.log, shared.NewPortfolioCommittedEvent(portfolioID, v.Number, from))
	return v, nil
}
