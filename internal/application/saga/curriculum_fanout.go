package saga

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/alem-hub/progress-engine/internal/application/effects"
	"github.com/alem-hub/progress-engine/internal/application/eventhandler"
	"github.com/alem-hub/progress-engine/internal/domain/curriculum"
	"github.com/alem-hub/progress-engine/internal/domain/outbox"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/logger"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// CURRICULUM FAN-OUT SAGA
// Flow: load version → list active enrollees → per enrollee: queue one
// notification, and re-sync the syllabus when the version asks for it.
// Notification keys carry (path, version, student), so a retried fan-out
// never notifies anyone twice.
// ══════════════════════════════════════════════════════════════════════════════

const (
	StepLoadVersion    Step = "load_version"
	StepListEnrollees  Step = "list_enrollees"
	StepNotifyEnrollee Step = "notify_enrollee"
	StepResyncEnrollee Step = "resync_enrollee"

	defaultFanoutConcurrency = 8
)

// CurriculumFanout announces a new curriculum version to every enrollee.
type CurriculumFanout struct {
	versions    curriculum.Repository
	enrollments progress.Repository
	aggregator  *eventhandler.ProgressAggregator
	queue       *effects.Queue
	clock       timeutil.Clock
	log         *logger.Logger
	concurrency int
}

// NewCurriculumFanout creates a CurriculumFanout. concurrency bounds the
// enrollees handled at once; zero means a default.
func NewCurriculumFanout(
	versions curriculum.Repository,
	enrollments progress.Repository,
	aggregator *eventhandler.ProgressAggregator,
	queue *effects.Queue,
	clock timeutil.Clock,
	log *logger.Logger,
	concurrency int,
) *CurriculumFanout {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	if log == nil {
		log = logger.Nop()
	}
	if concurrency <= 0 {
		concurrency = defaultFanoutConcurrency
	}
	return &CurriculumFanout{
		versions:    versions,
		enrollments: enrollments,
		aggregator:  aggregator,
		queue:       queue,
		clock:       clock,
		log:         log.Named("curriculum_fanout"),
		concurrency: concurrency,
	}
}

// Kind implements the dispatcher handler contract.
func (s *CurriculumFanout) Kind() outbox.Kind { return outbox.KindCurriculumFanout }

// Handle fans one version out. The result is the number of notifications
// newly queued by this attempt.
func (s *CurriculumFanout) Handle(ctx context.Context, entry *outbox.Entry) (string, error) {
	const name = "curriculum_fanout"

	var p outbox.FanoutPayload
	if err := decode(name, entry, &p); err != nil {
		return "", err
	}
	v, err := s.versions.Get(ctx, p.LearningPathID, p.VersionNumber)
	if err != nil {
		return "", stepError(name, StepLoadVersion, entry, err)
	}
	enrollees, err := s.enrollments.ListActiveByPath(ctx, v.LearningPathID)
	if err != nil {
		return "", stepError(name, StepListEnrollees, entry, err)
	}

	log := s.log.With(logger.PathID(v.LearningPathID), logger.Version(v.Number))
	path := v.Content.Path(v.LearningPathID, v.Number)
	now := s.clock.Now()

	var queued atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, e := range enrollees {
		g.Go(func() error {
			q, err := s.queue.Enqueue(gctx, outbox.KindNotification, v.NotificationKey(e.StudentID), e.StudentID,
				outbox.NotificationPayload{
					Topic:          outbox.TopicCurriculumUpdated,
					StudentID:      e.StudentID,
					LearningPathID: v.LearningPathID,
					VersionNumber:  v.Number,
					OccurredAt:     now,
				})
			if err != nil {
				return stepError(name, StepNotifyEnrollee, entry, err)
			}
			if q.Inserted {
				queued.Add(1)
			}
			if !v.Resync || s.aggregator == nil {
				return nil
			}
			res, err := s.aggregator.Resync(gctx, e.Key(), path)
			if err != nil {
				if shared.IsNotFound(err) {
					return nil
				}
				return stepError(name, StepResyncEnrollee, entry, err)
			}
			if res != nil {
				s.aggregator.Publish(res.Events)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	log.Info("curriculum fan-out done",
		logger.Int("enrollees", len(enrollees)),
		logger.Int64("notifications_queued", queued.Load()),
		logger.Bool("resync", v.Resync),
	)
	return strconv.FormatInt(queued.Load(), 10), nil
}

// Reconcile queues a fan-out for the latest version of every path. Versions
// whose fan-out was already queued are skipped by the dedup key.
func (s *CurriculumFanout) Reconcile(ctx context.Context) (int, error) {
	paths, err := s.versions.ListPaths(ctx)
	if err != nil {
		return 0, fmt.Errorf("curriculum_fanout: list paths: %w", err)
	}
	queued := 0
	for _, id := range paths {
		v, err := s.versions.Latest(ctx, id)
		if err != nil {
			if shared.IsNotFound(err) {
				continue
			}
			return queued, fmt.Errorf("curriculum_fanout: latest %s: %w", id, err)
		}
		q, err := s.queue.Enqueue(ctx, outbox.KindCurriculumFanout, v.FanoutKey(), "",
			outbox.FanoutPayload{LearningPathID: v.LearningPathID, VersionNumber: v.Number, Resync: v.Resync})
		if err != nil {
			return queued, err
		}
		if q.Inserted {
			queued++
			s.log.Warn("fan-out re-queued", logger.PathID(v.LearningPathID), logger.Version(v.Number))
		}
	}
	return queued, nil
}
