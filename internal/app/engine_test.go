package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/config"
	"github.com/alem-hub/progress-engine/internal/application/command"
	"github.com/alem-hub/progress-engine/internal/application/query"
	"github.com/alem-hub/progress-engine/internal/domain/curriculum"
	"github.com/alem-hub/progress-engine/internal/domain/ledger"
	"github.com/alem-hub/progress-engine/internal/domain/milestone"
	"github.com/alem-hub/progress-engine/internal/domain/outbox"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// FAKE COLLABORATORS
// ══════════════════════════════════════════════════════════════════════════════

type sentNotification struct {
	topic, recipient string
}

type fakeSink struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (s *fakeSink) Send(_ context.Context, topic, recipientID string, _ json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentNotification{topic, recipientID})
	return nil
}

func (s *fakeSink) count(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, x := range s.sent {
		if x.topic == topic {
			n++
		}
	}
	return n
}

type fakeIssuer struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeIssuer) Issue(_ context.Context, studentID, pathID string, _ time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, studentID+"/"+pathID)
	return fmt.Sprintf("cert-%d", len(f.calls)), nil
}

func (f *fakeIssuer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakePublisher struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakePublisher) Publish(_ context.Context, workflowID string, _ json.RawMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, workflowID)
	return "https://portfolio.test/" + workflowID, nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// ══════════════════════════════════════════════════════════════════════════════
// HARNESS
// ══════════════════════════════════════════════════════════════════════════════

type engine struct {
	*Container
	sink      *fakeSink
	issuer    *fakeIssuer
	publisher *fakePublisher
}

func testConfig() *config.Config {
	return &config.Config{
		App:      config.AppConfig{Name: "progress-engine", Environment: config.EnvDevelopment},
		Database: config.DatabaseConfig{Driver: config.StorageMemory},
		Engine: config.EngineConfig{
			PaceGrace:         48 * time.Hour,
			KeyBucket:         time.Second,
			FanoutConcurrency: 4,
		},
	}
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	e := &engine{sink: &fakeSink{}, issuer: &fakeIssuer{}, publisher: &fakePublisher{}}
	c, err := Build(context.Background(), testConfig(), logger.Nop(),
		WithCollaborators(e.sink, e.issuer, e.publisher))
	require.NoError(t, err)
	t.Cleanup(c.Close)
	e.Container = c
	return e
}

func as(id string, role shared.Role) context.Context {
	return shared.ContextWithIdentity(context.Background(), shared.Identity{ID: id, Role: role})
}

// drain dispatches until the outbox has nothing due.
func (e *engine) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 20; i++ {
		rep, err := e.Dispatcher.DispatchOnce(context.Background())
		require.NoError(t, err)
		if rep.Claimed == 0 {
			return
		}
	}
	t.Fatal("outbox did not drain")
}

func (e *engine) enroll(t *testing.T, studentID, pathID string) {
	t.Helper()
	_, err := e.Commands.Enroll.Handle(as(studentID, shared.RoleStudent), command.EnrollStudentCommand{
		StudentID:      studentID,
		LearningPathID: pathID,
	})
	require.NoError(t, err)
}

func lesson(studentID, key, resource string, at time.Time) command.RecordActivityCommand {
	return command.RecordActivityCommand{
		IdempotencyKey: key,
		StudentID:      studentID,
		ActivityType:   string(ledger.LessonComplete),
		ResourceID:     resource,
		Timestamp:      at,
	}
}

// completeFoundations records every lesson of go-foundations and passes its
// assessment. It returns every milestone the submissions triggered.
func (e *engine) completeFoundations(t *testing.T, studentID string) []*milestone.Milestone {
	t.Helper()
	ctx := as(studentID, shared.RoleStudent)
	start := time.Now().UTC().Add(-time.Hour)

	var triggered []*milestone.Milestone
	for i, id := range []string{"go-basics-01", "go-basics-02", "go-basics-03", "go-basics-04"} {
		res, err := e.Commands.RecordActivity.Handle(ctx,
			lesson(studentID, fmt.Sprintf("%s-l%d", studentID, i), id, start.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
		require.True(t, res.Accepted)
		triggered = append(triggered, res.Milestones...)
	}

	score := 85.0
	res, err := e.Commands.RecordActivity.Handle(ctx, command.RecordActivityCommand{
		IdempotencyKey: studentID + "-quiz",
		StudentID:      studentID,
		ActivityType:   string(ledger.AssessmentSubmit),
		ResourceID:     "go-basics-quiz",
		Timestamp:      start.Add(10 * time.Minute),
		Score:          &score,
		Metadata:       ledger.AssessmentMeta(ledger.AssessmentMetadata{Attempt: 1}),
	})
	require.NoError(t, err)
	require.True(t, res.Accepted)
	return append(triggered, res.Milestones...)
}

func kinds(ms []*milestone.Milestone) map[milestone.Kind]int {
	out := make(map[milestone.Kind]int)
	for _, m := range ms {
		out[m.Kind]++
	}
	return out
}

// ══════════════════════════════════════════════════════════════════════════════
// ACTIVITY LEDGER AND PROGRESS
// ══════════════════════════════════════════════════════════════════════════════

func TestRecordActivity_ResubmissionIsNoOp(t *testing.T) {
	e := newEngine(t)
	e.enroll(t, "s1", "go-foundations")
	ctx := as("s1", shared.RoleStudent)
	cmd := lesson("s1", "evt-1", "go-basics-01", time.Now().UTC())

	first, err := e.Commands.RecordActivity.Handle(ctx, cmd)
	require.NoError(t, err)
	require.True(t, first.Accepted)
	require.Len(t, first.Progress, 1)
	assert.Equal(t, 1, first.Progress[0].LessonsCompleted)

	second, err := e.Commands.RecordActivity.Handle(ctx, cmd)
	require.NoError(t, err)
	assert.False(t, second.Accepted)
	assert.Equal(t, first.Event.Seq, second.Event.Seq)
	assert.Empty(t, second.Progress)

	dto, err := e.Queries.StudentProgress.Handle(ctx, query.GetStudentProgressQuery{StudentID: "s1"})
	require.NoError(t, err)
	require.Len(t, dto.Enrollments, 1)
	assert.Equal(t, 1, dto.Enrollments[0].LessonsCompleted)
}

func TestRecordActivity_RepeatedLessonCountsOnce(t *testing.T) {
	e := newEngine(t)
	e.enroll(t, "s1", "go-foundations")
	ctx := as("s1", shared.RoleStudent)
	now := time.Now().UTC()

	_, err := e.Commands.RecordActivity.Handle(ctx, lesson("s1", "a", "go-basics-01", now))
	require.NoError(t, err)
	res, err := e.Commands.RecordActivity.Handle(ctx, lesson("s1", "b", "go-basics-01", now.Add(time.Minute)))
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.Len(t, res.Progress, 1)
	assert.Equal(t, 1, res.Progress[0].LessonsCompleted)
}

func TestRecordActivity_Authorization(t *testing.T) {
	e := newEngine(t)
	cmd := lesson("s1", "evt-1", "go-basics-01", time.Now().UTC())

	_, err := e.Commands.RecordActivity.Handle(context.Background(), cmd)
	assert.True(t, errors.Is(err, shared.ErrUnauthorized), "got %v", err)

	_, err = e.Commands.RecordActivity.Handle(as("s2", shared.RoleStudent), cmd)
	assert.True(t, errors.Is(err, shared.ErrForbidden), "got %v", err)

	publish := command.RecordActivityCommand{
		IdempotencyKey: "forged",
		StudentID:      "s1",
		ActivityType:   string(ledger.ContentPublish),
		ResourceID:     "wf-1",
		Timestamp:      time.Now().UTC(),
	}
	_, err = e.Commands.RecordActivity.Handle(as("s1", shared.RoleStudent), publish)
	assert.Error(t, err)
}

func TestRecordActivity_Validation(t *testing.T) {
	e := newEngine(t)
	ctx := as("s1", shared.RoleStudent)

	_, err := e.Commands.RecordActivity.Handle(ctx, command.RecordActivityCommand{StudentID: "s1"})
	require.Error(t, err)
	assert.True(t, shared.IsValidation(err))

	bad := 140.0
	cmd := lesson("s1", "k", "go-basics-01", time.Now().UTC())
	cmd.Score = &bad
	_, err = e.Commands.RecordActivity.Handle(ctx, cmd)
	assert.True(t, shared.IsValidation(err), "got %v", err)
}

func TestCompletingPath_TriggersOnceAndIssuesOneCertificate(t *testing.T) {
	e := newEngine(t)
	e.enroll(t, "s1", "go-foundations")

	triggered := e.completeFoundations(t, "s1")
	got := kinds(triggered)
	assert.Equal(t, 1, got[milestone.PathCompleted])
	assert.Equal(t, 1, got[milestone.CertificateEligible])

	e.drain(t)
	assert.Equal(t, 1, e.issuer.count())
	assert.Equal(t, 1, e.sink.count(string(milestone.PathCompleted)))
	assert.Equal(t, 1, e.sink.count(outbox.TopicCertificateIssued))

	// Replaying a submission and draining again changes nothing.
	res, err := e.Commands.RecordActivity.Handle(as("s1", shared.RoleStudent),
		lesson("s1", "s1-l0", "go-basics-01", time.Now().UTC()))
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	e.drain(t)
	assert.Equal(t, 1, e.issuer.count())

	dto, err := e.Queries.StudentProgress.Handle(as("s1", shared.RoleStudent), query.GetStudentProgressQuery{StudentID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, 1, dto.PathsCompleted)
	assert.Equal(t, 5, dto.LessonsCompleted)
}

func TestRebuild_ReproducesProjectionWithoutNewMilestones(t *testing.T) {
	e := newEngine(t)
	e.enroll(t, "s1", "go-foundations")
	e.completeFoundations(t, "s1")
	e.drain(t)

	rep, err := e.Aggregator.Rebuild(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Enrollments)
	assert.Equal(t, 5, rep.Events)
	assert.Zero(t, rep.Milestones)

	e.drain(t)
	assert.Equal(t, 1, e.issuer.count())

	dto, err := e.Queries.StudentProgress.Handle(as("s1", shared.RoleStudent), query.GetStudentProgressQuery{StudentID: "s1"})
	require.NoError(t, err)
	require.Len(t, dto.Enrollments, 1)
	assert.Equal(t, 5, dto.Enrollments[0].LessonsCompleted)
	assert.Equal(t, 1, dto.PathsCompleted)
}

func TestRebuild_KeepsWithdrawnProgress(t *testing.T) {
	e := newEngine(t)
	e.enroll(t, "s1", "go-foundations")
	e.completeFoundations(t, "s1")
	e.drain(t)

	_, err := e.Commands.Withdraw.Handle(as("t1", shared.RoleInstructor), command.WithdrawStudentCommand{
		StudentID: "s1", LearningPathID: "go-foundations",
	})
	require.NoError(t, err)

	rep, err := e.Aggregator.Rebuild(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Enrollments)
	assert.Zero(t, rep.Milestones)

	dto, err := e.Queries.StudentProgress.Handle(as("s1", shared.RoleStudent), query.GetStudentProgressQuery{
		StudentID:        "s1",
		IncludeWithdrawn: true,
	})
	require.NoError(t, err)
	require.Len(t, dto.Enrollments, 1)
	assert.Equal(t, 5, dto.Enrollments[0].LessonsCompleted)
	assert.NotNil(t, dto.Enrollments[0].CompletedAt)
}

func TestWithdraw_RequiresPrivilegedCaller(t *testing.T) {
	e := newEngine(t)
	e.enroll(t, "s1", "go-foundations")
	cmd := command.WithdrawStudentCommand{StudentID: "s1", LearningPathID: "go-foundations"}

	_, err := e.Commands.Withdraw.Handle(as("s1", shared.RoleStudent), cmd)
	assert.True(t, errors.Is(err, shared.ErrForbidden), "got %v", err)

	got, err := e.Commands.Withdraw.Handle(as("t1", shared.RoleInstructor), cmd)
	require.NoError(t, err)
	assert.False(t, got.IsActive())
}

// ══════════════════════════════════════════════════════════════════════════════
// WORKFLOWS
// ══════════════════════════════════════════════════════════════════════════════

func (e *engine) startWorkflow(t *testing.T, studentID string, steps ...string) string {
	t.Helper()
	w, err := e.Commands.StartWorkflow.Handle(as(studentID, shared.RoleStudent), command.StartWorkflowCommand{
		StudentID: studentID,
		Title:     "Capstone",
		StepIDs:   steps,
	})
	require.NoError(t, err)
	return w.ID
}

func TestWorkflow_OutOfOrderStepIsRejected(t *testing.T) {
	e := newEngine(t)
	id := e.startWorkflow(t, "s1", "draft", "review", "publish")

	_, err := e.Commands.CompleteStep.Handle(as("s1", shared.RoleStudent), command.CompleteWorkflowStepCommand{
		WorkflowID: id,
		StepID:     "review",
	})
	assert.True(t, errors.Is(err, shared.ErrInvalidTransition), "got %v", err)

	w, err := e.Queries.Workflow.Get(as("s1", shared.RoleStudent), id)
	require.NoError(t, err)
	assert.Equal(t, 0, w.CurrentStepIndex)
}

func TestWorkflow_ConcurrentFinalStepPublishesOnce(t *testing.T) {
	e := newEngine(t)
	ctx := as("s1", shared.RoleStudent)
	id := e.startWorkflow(t, "s1", "draft", "publish")

	_, err := e.Commands.CompleteStep.Handle(ctx, command.CompleteWorkflowStepCommand{WorkflowID: id, StepID: "draft"})
	require.NoError(t, err)

	const racers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		rejected int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.Commands.CompleteStep.Handle(ctx, command.CompleteWorkflowStepCommand{
				WorkflowID: id,
				StepID:     "publish",
				Data:       json.RawMessage(`{"title":"final"}`),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
				assert.True(t, res.PublishQueued)
			case errors.Is(err, shared.ErrInvalidTransition):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, racers-1, rejected)

	e.drain(t)
	assert.Equal(t, 1, e.publisher.count())

	w, err := e.Queries.Workflow.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "https://portfolio.test/"+id, w.PublishedURL)

	events, err := e.Repos.Ledger.ListByStudentAfter(context.Background(), "s1", 0)
	require.NoError(t, err)
	byType := make(map[ledger.ActivityType]int)
	for _, ev := range events {
		byType[ev.Type]++
	}
	assert.Equal(t, 1, byType[ledger.ContentPublish])
	assert.Equal(t, 2, byType[ledger.WorkflowStepComplete])

	// Reconciliation finds nothing left to publish.
	n, err := e.Sagas.Publication.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	e.drain(t)
	assert.Equal(t, 1, e.publisher.count())
}

func TestWorkflow_AbandonedCannotAdvance(t *testing.T) {
	e := newEngine(t)
	ctx := as("s1", shared.RoleStudent)
	id := e.startWorkflow(t, "s1", "draft", "publish")

	_, err := e.Commands.AbandonWorkflow.Handle(ctx, command.AbandonWorkflowCommand{WorkflowID: id})
	require.NoError(t, err)

	_, err = e.Commands.CompleteStep.Handle(ctx, command.CompleteWorkflowStepCommand{WorkflowID: id, StepID: "draft"})
	assert.True(t, errors.Is(err, shared.ErrInvalidTransition), "got %v", err)
}

// ══════════════════════════════════════════════════════════════════════════════
// VERSION CHAINS
// ══════════════════════════════════════════════════════════════════════════════

func TestCurriculum_ConcurrentPublishAllocatesGaplessVersions(t *testing.T) {
	e := newEngine(t)
	e.enroll(t, "s1", "go-foundations")
	ctx := as("t1", shared.RoleInstructor)

	content := curriculum.Content{
		Title:        "Go Foundations",
		PassingScore: 70,
		Lessons:      []curriculum.Lesson{{ID: "go-basics-01"}, {ID: "go-basics-02"}},
	}

	const publishers = 10
	numbers := make(chan int, publishers)
	var wg sync.WaitGroup
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := e.Commands.PublishCurriculum.Handle(ctx, command.PublishCurriculumUpdateCommand{
				LearningPathID: "go-foundations",
				Content:        content,
			})
			if assert.NoError(t, err) {
				numbers <- v.Number
			}
		}()
	}
	wg.Wait()
	close(numbers)

	var got []int
	for n := range numbers {
		got = append(got, n)
	}
	sort.Ints(got)
	want := make([]int, publishers)
	for i := range want {
		want[i] = i + 1
	}
	assert.Equal(t, want, got)

	rep, err := e.VerifyChains(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Paths)
	assert.NoError(t, rep.Err())

	e.drain(t)
	assert.Equal(t, publishers, e.sink.count(outbox.TopicCurriculumUpdated))
}

func TestCurriculum_PublishRequiresPrivilegedCaller(t *testing.T) {
	e := newEngine(t)
	_, err := e.Commands.PublishCurriculum.Handle(as("s1", shared.RoleStudent), command.PublishCurriculumUpdateCommand{
		LearningPathID: "go-foundations",
		Content:        curriculum.Content{Lessons: []curriculum.Lesson{{ID: "l1"}}},
	})
	assert.True(t, errors.Is(err, shared.ErrForbidden), "got %v", err)
}

func TestPortfolio_RollbackAppendsOlderSnapshot(t *testing.T) {
	e := newEngine(t)
	ctx := as("s1", shared.RoleStudent)

	for i := 1; i <= 3; i++ {
		v, err := e.Commands.Portfolio.Commit(ctx, command.CommitPortfolioCommand{
			PortfolioID: "pf-1",
			OwnerID:     "s1",
			Snapshot:    json.RawMessage(fmt.Sprintf(`{"rev":%d}`, i)),
		})
		require.NoError(t, err)
		assert.Equal(t, i, v.Number)
	}

	v, err := e.Commands.Portfolio.Rollback(ctx, command.RollbackPortfolioCommand{
		PortfolioID:   "pf-1",
		OwnerID:       "s1",
		TargetVersion: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, v.Number)
	require.NotNil(t, v.RolledBackFrom)
	assert.Equal(t, 1, *v.RolledBackFrom)
	assert.JSONEq(t, `{"rev":1}`, string(v.Snapshot))

	latest, err := e.Queries.Portfolio.Version(ctx, query.GetPortfolioVersionQuery{PortfolioID: "pf-1", OwnerID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, 4, latest.Number)
	assert.JSONEq(t, `{"rev":1}`, string(latest.Snapshot))

	original, err := e.Queries.Portfolio.Version(ctx, query.GetPortfolioVersionQuery{PortfolioID: "pf-1", OwnerID: "s1", Number: 3})
	require.NoError(t, err)
	assert.JSONEq(t, `{"rev":3}`, string(original.Snapshot))
	assert.Nil(t, original.RolledBackFrom)

	_, err = e.Commands.Portfolio.Rollback(ctx, command.RollbackPortfolioCommand{
		PortfolioID:   "pf-1",
		OwnerID:       "s1",
		TargetVersion: 9,
	})
	assert.True(t, shared.IsNotFound(err), "got %v", err)

	rep, err := e.VerifyChains(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Portfolios)
	assert.NoError(t, rep.Err())
}

func TestPortfolio_OtherStudentIsForbidden(t *testing.T) {
	e := newEngine(t)
	_, err := e.Commands.Portfolio.Commit(as("s2", shared.RoleStudent), command.CommitPortfolioCommand{
		PortfolioID: "pf-1",
		OwnerID:     "s1",
		Snapshot:    json.RawMessage(`{}`),
	})
	assert.True(t, errors.Is(err, shared.ErrForbidden), "got %v", err)
}

func TestPortfolio_OwnerCannotBeClaimedByAnotherStudent(t *testing.T) {
	e := newEngine(t)
	_, err := e.Commands.Portfolio.Commit(as("s1", shared.RoleStudent), command.CommitPortfolioCommand{
		PortfolioID: "pf-1",
		OwnerID:     "s1",
		Snapshot:    json.RawMessage(`{"rev":1}`),
	})
	require.NoError(t, err)

	s2 := as("s2", shared.RoleStudent)
	_, err = e.Commands.Portfolio.Commit(s2, command.CommitPortfolioCommand{
		PortfolioID: "pf-1",
		OwnerID:     "s2",
		Snapshot:    json.RawMessage(`{"rev":2}`),
	})
	assert.True(t, errors.Is(err, shared.ErrForbidden), "commit: got %v", err)

	_, err = e.Commands.Portfolio.Rollback(s2, command.RollbackPortfolioCommand{
		PortfolioID:   "pf-1",
		OwnerID:       "s2",
		TargetVersion: 1,
	})
	assert.True(t, errors.Is(err, shared.ErrForbidden), "rollback: got %v", err)

	_, err = e.Queries.Portfolio.History(s2, "pf-1", "s2")
	assert.True(t, errors.Is(err, shared.ErrForbidden), "history: got %v", err)

	_, err = e.Queries.Portfolio.Version(s2, query.GetPortfolioVersionQuery{PortfolioID: "pf-1", OwnerID: "s2"})
	assert.True(t, errors.Is(err, shared.ErrForbidden), "version: got %v", err)

	h, err := e.Queries.Portfolio.History(as("s1", shared.RoleStudent), "pf-1", "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, h.Head)
	assert.Equal(t, "s1", h.Versions[0].OwnerID)
}

func TestVerifyChains_ReportsGaps(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	for _, n := range []int{1, 3} {
		require.NoError(t, e.Repos.Curricula.Append(ctx, &curriculum.Version{
			LearningPathID: "broken-path",
			Number:         n,
			Content:        curriculum.Content{Lessons: []curriculum.Lesson{{ID: "l1"}}},
			PublishedAt:    time.Now().UTC(),
		}))
	}

	rep, err := e.VerifyChains(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Paths)
	require.Len(t, rep.Broken, 1)
	assert.True(t, errors.Is(rep.Err(), shared.ErrConsistencyViolation))
}

// ══════════════════════════════════════════════════════════════════════════════
// WIRING
// ══════════════════════════════════════════════════════════════════════════════

func TestNewScheduler_RegistersConfiguredJobs(t *testing.T) {
	e := newEngine(t)
	e.Config.Scheduler = config.SchedulerConfig{
		Enabled:   true,
		Dispatch:  "@every 5s",
		PaceSweep: "*/15 * * * *",
		CatchUp:   "@every 5m",
		Reconcile: "off",
	}

	s, err := e.NewScheduler()
	require.NoError(t, err)
	assert.Len(t, s.ListJobs(), 3)

	e.Config.Scheduler.Dispatch = "whenever"
	_, err = e.NewScheduler()
	assert.Error(t, err)
}

func TestPing_MemoryStorageHasNothingToCheck(t *testing.T) {
	e := newEngine(t)
	assert.Nil(t, e.DB)
	assert.Nil(t, e.Redis)
	assert.NoError(t, e.Ping(context.Background()))
}
