package command

import (
	"context"

	"github.com/alem-hub/progress-engine/internal/application/eventhandler"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/logger"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// WithdrawStudentCommand stops an enrollment from absorbing further events.
// Its counters and milestones are kept.
type WithdrawStudentCommand struct {
	StudentID      string `json:"student_id" validate:"required"`
	LearningPathID string `json:"learning_path_id" validate:"required"`
}

// WithdrawStudentHandler handles the WithdrawStudentCommand.
type WithdrawStudentHandler struct {
	enrollments progress.Repository
	aggregator  *eventhandler.ProgressAggregator
	identity    shared.IdentityProvider
	clock       timeutil.Clock
	log         *logger.Logger
}

// NewWithdrawStudentHandler creates a new WithdrawStudentHandler.
func NewWithdrawStudentHandler(
	enrollments progress.Repository,
	aggregator *eventhandler.ProgressAggregator,
	identity shared.IdentityProvider,
	clock timeutil.Clock,
	log *logger.Logger,
) *WithdrawStudentHandler {
	if identity == nil {
		identity = shared.ContextIdentityProvider{}
	}
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &WithdrawStudentHandler{
		enrollments: enrollments,
		aggregator:  aggregator,
		identity:    identity,
		clock:       clock,
		log:         log.Named("withdraw_student"),
	}
}

// Handle executes the withdraw command.
func (h *WithdrawStudentHandler) Handle(ctx context.Context, cmd WithdrawStudentCommand) (*progress.Enrollment, error) {
	const op = "Withdraw"

	if err := validateCommand("progress", op, cmd); err != nil {
		return nil, err
	}
	if err := authorizePrivileged(ctx, h.identity, "progress", op); err != nil {
		return nil, err
	}

	key := progress.Key{StudentID: cmd.StudentID, LearningPathID: cmd.LearningPathID}
	unlock, err := h.aggregator.Lock(ctx, []progress.Key{key})
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := h.enrollments.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := e.Withdraw(); err != nil {
		return nil, err
	}
	e.UpdatedAt = h.clock.Now()
	if err := h.enrollments.Save(ctx, e); err != nil {
		return nil, err
	}
	h.log.Info("enrollment withdrawn", logger.StudentID(e.StudentID), logger.PathID(e.LearningPathID))
	return e, nil
}
