package saga

import (
	"context"
	"fmt"

	"github.com/alem-hub/progress-engine/internal/application/command"
	"github.com/alem-hub/progress-engine/internal/application/effects"
	"github.com/alem-hub/progress-engine/internal/domain/ledger"
	"github.com/alem-hub/progress-engine/internal/domain/outbox"
	"github.com/alem-hub/progress-engine/internal/domain/workflow"
	"github.com/alem-hub/progress-engine/pkg/logger"
	"github.com/alem-hub/progress-engine/pkg/retry"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONTENT PUBLICATION SAGA
// Flow: load workflow → ensure final step is in the ledger → publish →
// store URL → record content_publish in the ledger.
// Every stage is idempotent, so a retried entry resumes where it failed.
// ══════════════════════════════════════════════════════════════════════════════

const (
	StepLoadWorkflow   Step = "load_workflow"
	StepRecordStep     Step = "record_final_step"
	StepPublish        Step = "publish"
	StepStoreURL       Step = "store_url"
	StepRecordPublish  Step = "record_publish"
	reconcileBatchSize      = 100
)

// ContentPublication publishes completed workflows.
type ContentPublication struct {
	workflows workflow.Repository
	publisher workflow.ContentPublisher
	recorder  command.SystemRecorder
	queue     *effects.Queue
	clock     timeutil.Clock
	log       *logger.Logger
}

// NewContentPublication creates a ContentPublication.
func NewContentPublication(
	workflows workflow.Repository,
	publisher workflow.ContentPublisher,
	recorder command.SystemRecorder,
	queue *effects.Queue,
	clock timeutil.Clock,
	log *logger.Logger,
) *ContentPublication {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &ContentPublication{
		workflows: workflows,
		publisher: publisher,
		recorder:  recorder,
		queue:     queue,
		clock:     clock,
		log:       log.Named("content_publication"),
	}
}

// Kind implements the dispatcher handler contract.
func (s *ContentPublication) Kind() outbox.Kind { return outbox.KindContentPublish }

// Handle runs the publication for one workflow and returns the published URL.
func (s *ContentPublication) Handle(ctx context.Context, entry *outbox.Entry) (string, error) {
	const name = "content_publication"

	var p outbox.PublishPayload
	if err := decode(name, entry, &p); err != nil {
		return "", err
	}
	w, err := s.workflows.Get(ctx, p.WorkflowID)
	if err != nil {
		return "", stepError(name, StepLoadWorkflow, entry, err)
	}
	if w.Status != workflow.StatusCompleted {
		return "", retry.Permanent(stepError(name, StepLoadWorkflow, entry,
			fmt.Errorf("workflow %s is %s", w.ID, w.Status)))
	}
	log := s.log.With(logger.WorkflowID(w.ID), logger.StudentID(w.StudentID))

	if s.recorder != nil {
		final := workflow.Transition{StepID: w.Steps[len(w.Steps)-1].ID, StepIndex: len(w.Steps) - 1, Final: true}
		if _, err := s.recorder.RecordSystem(ctx, command.StepEvent(w, final)); err != nil {
			return "", stepError(name, StepRecordStep, entry, err)
		}
	}

	url := w.PublishedURL
	if url == "" {
		url, err = s.publisher.Publish(ctx, w.ID, w.FinalStepData())
		if err != nil {
			return "", stepError(name, StepPublish, entry, unavailable("content_publisher", err))
		}
		if err := s.workflows.SetPublishedURL(ctx, w.ID, url); err != nil {
			return "", stepError(name, StepStoreURL, entry, err)
		}
		log.Info("workflow published", logger.String("published_url", url))
	}

	if s.recorder != nil {
		if _, err := s.recorder.RecordSystem(ctx, s.publishEvent(w, url)); err != nil {
			return "", stepError(name, StepRecordPublish, entry, err)
		}
	}
	return url, nil
}

func (s *ContentPublication) publishEvent(w *workflow.Workflow, url string) *ledger.Event {
	return &ledger.Event{
		IdempotencyKey: ledger.SystemKey(ledger.ContentPublish, w.ID),
		StudentID:      w.StudentID,
		Type:           ledger.ContentPublish,
		ResourceID:     w.ID,
		OccurredAt:     s.clock.Now(),
		Metadata:       ledger.PublishMeta(ledger.PublishMetadata{WorkflowID: w.ID, PublishedURL: url}),
	}
}

// Reconcile queues a publication for every completed workflow that has none
// yet. Enqueue is deduplicated, so workflows already queued are untouched.
func (s *ContentPublication) Reconcile(ctx context.Context) (int, error) {
	if s.queue == nil {
		return 0, nil
	}
	pending, err := s.workflows.ListUnpublished(ctx, reconcileBatchSize)
	if err != nil {
		return 0, fmt.Errorf("content_publication: list unpublished: %w", err)
	}
	queued := 0
	for _, w := range pending {
		q, err := s.queue.Enqueue(ctx, outbox.KindContentPublish, outbox.PublishKey(w.ID), w.StudentID,
			outbox.PublishPayload{WorkflowID: w.ID, StudentID: w.StudentID})
		if err != nil {
			return queued, err
		}
		if q.Inserted {
			queued++
			s.log.Warn("publication re-queued", logger.WorkflowID(w.ID))
		}
	}
	return queued, nil
}
