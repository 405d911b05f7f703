package command

import (
	"context"

	"github.com/alem-hub/progress-engine/internal/domain/milestone"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/logger"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// AcknowledgeMilestoneCommand marks a milestone as seen by its student.
type AcknowledgeMilestoneCommand struct {
	MilestoneID string `json:"milestone_id" validate:"required"`
}

// AcknowledgeMilestoneHandler handles the AcknowledgeMilestoneCommand.
type AcknowledgeMilestoneHandler struct {
	milestones milestone.Repository
	identity   shared.IdentityProvider
	clock      timeutil.Clock
	log        *logger.Logger
}

// NewAcknowledgeMilestoneHandler creates a new AcknowledgeMilestoneHandler.
func NewAcknowledgeMilestoneHandler(
	milestones milestone.Repository,
	identity shared.IdentityProvider,
	clock timeutil.Clock,
	log *logger.Logger,
) *AcknowledgeMilestoneHandler {
	if identity == nil {
		identity = shared.ContextIdentityProvider{}
	}
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &AcknowledgeMilestoneHandler{milestones: milestones, identity: identity, clock: clock, log: log.Named("acknowledge_milestone")}
}

// Handle executes the acknowledge command. Acknowledging twice is an invalid
// transition.
func (h *AcknowledgeMilestoneHandler) Handle(ctx context.Context, cmd AcknowledgeMilestoneCommand) (*milestone.Milestone, error) {
	const op = "Acknowledge"

	if err := validateCommand("milestone", op, cmd); err != nil {
		return nil, err
	}
	m, err := h.milestones.Get(ctx, cmd.MilestoneID)
	if err != nil {
		return nil, err
	}
	if err := authorizeFor(ctx, h.identity, "milestone", op, m.StudentID); err != nil {
		return nil, err
	}
	m, err = h.milestones.Acknowledge(ctx, m.ID, h.clock.Now())
	if err != nil {
		return nil, err
	}
	h.log.Debug("milestone acknowledged", logger.String("milestone_id", m.ID), logger.StudentID(m.StudentID))
	return m, nil
}
