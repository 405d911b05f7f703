package command

import (
	"context"
	"fmt"

	"github.com/alem-hub/progress-engine/internal/application/eventhandler"
	"github.com/alem-hub/progress-engine/internal/domain/ledger"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/logger"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// ENROLL STUDENT COMMAND
// Creates an enrollment with a snapshot of the path's current syllabus.
// Prerequisite paths must already be completed.
// ══════════════════════════════════════════════════════════════════════════════

// EnrollStudentCommand contains the data to enroll a student in a path.
type EnrollStudentCommand struct {
	StudentID      string `json:"student_id" validate:"required"`
	LearningPathID string `json:"learning_path_id" validate:"required"`
	ClassID        string `json:"class_id"`
}

// EnrollStudentHandler handles the EnrollStudentCommand.
type EnrollStudentHandler struct {
	enrollments progress.Repository
	ledger      ledger.Repository
	catalog     progress.PathCatalog
	aggregator  *eventhandler.ProgressAggregator
	identity    shared.IdentityProvider
	clock       timeutil.Clock
	log         *logger.Logger
}

// NewEnrollStudentHandler creates a new EnrollStudentHandler.
func NewEnrollStudentHandler(
	enrollments progress.Repository,
	ledgerRepo ledger.Repository,
	catalog progress.PathCatalog,
	aggregator *eventhandler.ProgressAggregator,
	identity shared.IdentityProvider,
	clock timeutil.Clock,
	log *logger.Logger,
) *EnrollStudentHandler {
	if identity == nil {
		identity = shared.ContextIdentityProvider{}
	}
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &EnrollStudentHandler{
		enrollments: enrollments,
		ledger:      ledgerRepo,
		catalog:     catalog,
		aggregator:  aggregator,
		identity:    identity,
		clock:       clock,
		log:         log.Named("enroll_student"),
	}
}

// Handle executes the enroll command.
func (h *EnrollStudentHandler) Handle(ctx context.Context, cmd EnrollStudentCommand) (*progress.Enrollment, error) {
	const op = "Enroll"

	if err := validateCommand("progress", op, cmd); err != nil {
		return nil, err
	}
	if err := authorizeFor(ctx, h.identity, "progress", op, cmd.StudentID); err != nil {
		return nil, err
	}

	path, err := h.catalog.GetPath(ctx, cmd.LearningPathID)
	if err != nil {
		return nil, err
	}
	if err := h.checkPrerequisites(ctx, cmd.StudentID, path); err != nil {
		return nil, err
	}

	key := progress.Key{StudentID: cmd.StudentID, LearningPathID: path.ID}
	unlock, err := h.aggregator.Lock(ctx, []progress.Key{key})
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Events already in the ledger predate the enrollment and never count.
	head, err := h.ledger.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("enroll_student: ledger head: %w", err)
	}
	e, err := progress.NewEnrollmentAt(cmd.StudentID, cmd.ClassID, path, h.clock.Now(), head)
	if err != nil {
		return nil, err
	}
	if err := h.enrollments.Create(ctx, e); err != nil {
		return nil, err
	}

	h.log.Info("student enrolled",
		logger.StudentID(e.StudentID),
		logger.PathID(e.LearningPathID),
		logger.Int("total_lessons", e.TotalLessons),
		logger.Version(e.Syllabus.Version),
	)
	h.aggregator.Publish([]shared.Event{shared.NewStudentEnrolledEvent(e.StudentID, e.LearningPathID, e.ClassID)})
	return e, nil
}

func (h *EnrollStudentHandler) checkPrerequisites(ctx context.Context, studentID string, path progress.Path) error {
	for _, pre := range path.Prerequisites {
		e, err := h.enrollments.Get(ctx, progress.Key{StudentID: studentID, LearningPathID: pre})
		if err != nil && !shared.IsNotFound(err) {
			return fmt.Errorf("enroll_student: prerequisite %s: %w", pre, err)
		}
		if err != nil || (e.CompletedAt == nil && !e.IsComplete()) {
			return shared.InvalidTransition("progress", "Enroll",
				"path %s requires completing %s first", path.ID, pre)
		}
	}
	return nil
}
