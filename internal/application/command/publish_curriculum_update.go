package command

import (
	"context"
	"fmt"

	"github.com/alem-hub/progress-engine/internal/application/effects"
	"github.com/alem-hub/progress-engine/internal/domain/curriculum"
	"github.com/alem-hub/progress-engine/internal/domain/outbox"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/keylock"
	"github.com/alem-hub/progress-engine/pkg/logger"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// PUBLISH CURRICULUM UPDATE COMMAND
// Appends the next version of a path's content. Numbers are allocated under a
// per-path lock, so concurrent publishers always receive distinct, gapless
// numbers. Enrollee notification runs later from the outbox.
// ══════════════════════════════════════════════════════════════════════════════

// PublishCurriculumUpdateCommand contains a new content snapshot.
type PublishCurriculumUpdateCommand struct {
	LearningPathID string             `json:"learning_path_id" validate:"required"`
	Content        curriculum.Content `json:"content"`
	// Resync asks active enrollments to adopt the new syllabus. Without it they
	// keep the snapshot taken at enrollment and are only notified.
	Resync bool `json:"resync"`
}

// PublishCurriculumUpdateHandler handles the PublishCurriculumUpdateCommand.
type PublishCurriculumUpdateHandler struct {
	versions  curriculum.Repository
	locker    keylock.Locker
	effects   *effects.Queue
	identity  shared.IdentityProvider
	publisher shared.EventPublisher
	clock     timeutil.Clock
	log       *logger.Logger
}

// NewPublishCurriculumUpdateHandler creates a new PublishCurriculumUpdateHandler.
func NewPublishCurriculumUpdateHandler(
	versions curriculum.Repository,
	locker keylock.Locker,
	queue *effects.Queue,
	identity shared.IdentityProvider,
	publisher shared.EventPublisher,
	clock timeutil.Clock,
	log *logger.Logger,
) *PublishCurriculumUpdateHandler {
	if locker == nil {
		locker = keylock.NewLocal()
	}
	if identity == nil {
		identity = shared.ContextIdentityProvider{}
	}
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &PublishCurriculumUpdateHandler{
		versions:  versions,
		locker:    locker,
		effects:   queue,
		identity:  identity,
		publisher: publisher,
		clock:     clock,
		log:       log.Named("publish_curriculum"),
	}
}

// CurriculumLockKey is the lock guarding version allocation for a path.
func CurriculumLockKey(pathID string) string {
	return "curriculum:" + pathID
}

// Handle executes the publish command.
func (h *PublishCurriculumUpdateHandler) Handle(ctx context.Context, cmd PublishCurriculumUpdateCommand) (*curriculum.Version, error) {
	const op = "PublishUpdate"

	if err := validateCommand("curriculum", op, cmd); err != nil {
		return nil, err
	}
	if err := authorizePrivileged(ctx, h.identity, "curriculum", op); err != nil {
		return nil, err
	}
	if err := cmd.Content.Validate(); err != nil {
		return nil, err
	}

	v, err := h.allocate(ctx, cmd)
	if err != nil {
		return nil, err
	}
	log := h.log.With(logger.PathID(v.LearningPathID), logger.Version(v.Number))
	log.Info("curriculum version published", logger.Bool("resync", v.Resync), logger.Int("lessons", len(v.Content.Lessons)))

	events := []shared.Event{shared.NewCurriculumPublishedEvent(v.LearningPathID, v.Number, v.Resync)}
	if h.effects != nil {
		q, err := h.effects.Enqueue(ctx, outbox.KindCurriculumFanout, v.FanoutKey(), "",
			outbox.FanoutPayload{LearningPathID: v.LearningPathID, VersionNumber: v.Number, Resync: v.Resync})
		if err != nil {
			// The reconciler re-queues fan-out for the latest version of every path.
			log.Error("queue fan-out failed", logger.Err(err))
		} else {
			events = append(events, q.Event())
		}
	}
	publishAll(h.publisher, h.log, events...)
	return v, nil
}

func (h *PublishCurriculumUpdateHandler) allocate(ctx context.Context, cmd PublishCurriculumUpdateCommand) (*curriculum.Version, error) {
	unlock, err := h.locker.Lock(ctx, CurriculumLockKey(cmd.LearningPathID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	next := 1
	latest, err := h.versions.Latest(ctx, cmd.LearningPathID)
	switch {
	case err == nil:
		next = latest.Number + 1
	case !shared.IsNotFound(err):
		return nil, fmt.Errorf("publish_curriculum: latest: %w", err)
	}

	v := &curriculum.Version{
		LearningPathID: cmd.LearningPathID,
		Number:         next,
		Content:        cmd.Content,
		Resync:         cmd.Resync,
		PublishedAt:    h.clock.Now(),
	}
	if err := h.versions.Append(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}
