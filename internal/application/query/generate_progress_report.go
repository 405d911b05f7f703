package query

import (
	"context"
	"sort"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/ledger"
	"github.com/alem-hub/progress-engine/internal/domain/milestone"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// GENERATE PROGRESS REPORT QUERY
// Summarizes a student's activity inside a date range. Activity totals come
// from the ledger; the enrollment section is the current derived state.
// ══════════════════════════════════════════════════════════════════════════════

// MaxReportDays bounds the span of one report.
const MaxReportDays = 366

// GenerateProgressReportQuery contains the parameters of the report.
type GenerateProgressReportQuery struct {
	StudentID string
	Range     timeutil.DateRange
}

// Validate checks the query.
func (q GenerateProgressReportQuery) Validate() error {
	const op = "GenerateProgressReport"
	if q.StudentID == "" {
		return shared.Validation("progress", op, "student id is required")
	}
	if q.Range.From.IsZero() || q.Range.To.IsZero() || !q.Range.From.Before(q.Range.To) {
		return shared.Validation("progress", op, "date range must be non-empty")
	}
	if q.Range.Days() > MaxReportDays {
		return shared.Validation("progress", op, "date range exceeds %d days", MaxReportDays)
	}
	return nil
}

// DailyActivityDTO aggregates one UTC day.
type DailyActivityDTO struct {
	Date             string         `json:"date"`
	Events           int            `json:"events"`
	ByType           map[string]int `json:"by_type"`
	TimeSpentSeconds int64          `json:"time_spent_seconds"`
}

// ProgressReportDTO is the Report read model.
type ProgressReportDTO struct {
	StudentID   string             `json:"student_id"`
	Range       timeutil.DateRange `json:"range"`
	GeneratedAt time.Time          `json:"generated_at"`

	// ─────────────────────────────────────────────────────────────────────────
	// Activity inside the range
	// ─────────────────────────────────────────────────────────────────────────

	TotalEvents      int                `json:"total_events"`
	ByType           map[string]int     `json:"by_type"`
	ResourcesTouched int                `json:"resources_touched"`
	TimeSpentSeconds int64              `json:"time_spent_seconds"`
	ScoredEvents     int                `json:"scored_events"`
	AverageScore     float64            `json:"average_score"`
	ActiveDays       int                `json:"active_days"`
	Daily            []DailyActivityDTO `json:"daily"`

	// ─────────────────────────────────────────────────────────────────────────
	// Current state
	// ─────────────────────────────────────────────────────────────────────────

	Enrollments []EnrollmentProgressDTO `json:"enrollments"`
	// Milestones triggered inside the range.
	Milestones []MilestoneDTO `json:"milestones"`
}

// GenerateProgressReportHandler handles the query.
type GenerateProgressReportHandler struct {
	ledger      ledger.Repository
	enrollments progress.Repository
	milestones  milestone.Repository
	identity    shared.IdentityProvider
	clock       timeutil.Clock
}

// NewGenerateProgressReportHandler creates a new GenerateProgressReportHandler.
func NewGenerateProgressReportHandler(
	ledgerRepo ledger.Repository,
	enrollments progress.Repository,
	milestones milestone.Repository,
	identity shared.IdentityProvider,
	clock timeutil.Clock,
) *GenerateProgressReportHandler {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	return &GenerateProgressReportHandler{
		ledger:      ledgerRepo,
		enrollments: enrollments,
		milestones:  milestones,
		identity:    orDefault(identity),
		clock:       clock,
	}
}

// Handle executes the query.
func (h *GenerateProgressReportHandler) Handle(ctx context.Context, q GenerateProgressReportQuery) (*ProgressReportDTO, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if err := authorizeFor(ctx, h.identity, "progress", "GenerateProgressReport", q.StudentID); err != nil {
		return nil, err
	}

	events, err := h.ledger.ListByStudent(ctx, q.StudentID, q.Range.From, q.Range.To)
	if err != nil {
		return nil, err
	}
	enrollments, err := h.enrollments.ListByStudent(ctx, q.StudentID)
	if err != nil {
		return nil, err
	}
	ms, err := h.milestones.ListByStudent(ctx, q.StudentID)
	if err != nil {
		return nil, err
	}

	r := &ProgressReportDTO{
		StudentID:   q.StudentID,
		Range:       q.Range,
		GeneratedAt: h.clock.Now(),
		ByType:      make(map[string]int),
		Daily:       []DailyActivityDTO{},
		Enrollments: make([]EnrollmentProgressDTO, 0, len(enrollments)),
		Milestones:  []MilestoneDTO{},
	}
	summarizeEvents(r, events)

	for _, e := range enrollments {
		r.Enrollments = append(r.Enrollments, EnrollmentView(e))
	}
	for _, m := range ms {
		if q.Range.Contains(m.TriggeredAt) {
			r.Milestones = append(r.Milestones, MilestoneView(m))
		}
	}
	sort.SliceStable(r.Milestones, func(i, j int) bool { return r.Milestones[i].TriggeredAt.Before(r.Milestones[j].TriggeredAt) })
	return r, nil
}

func summarizeEvents(r *ProgressReportDTO, events []*ledger.Event) {
	days := make(map[string]*DailyActivityDTO)
	resources := make(map[string]struct{})
	var scoreSum float64

	for _, ev := range events {
		r.TotalEvents++
		r.ByType[string(ev.Type)]++
		resources[ev.ResourceID] = struct{}{}
		secs := int64(ev.DurationOrZero() / time.Second)
		r.TimeSpentSeconds += secs
		if ev.Score != nil {
			r.ScoredEvents++
			scoreSum += *ev.Score
		}

		key := timeutil.StartOfDay(ev.OccurredAt).Format(timeutil.FormatDate)
		d, ok := days[key]
		if !ok {
			d = &DailyActivityDTO{Date: key, ByType: make(map[string]int)}
			days[key] = d
		}
		d.Events++
		d.ByType[string(ev.Type)]++
		d.TimeSpentSeconds += secs
	}

	r.ResourcesTouched = len(resources)
	r.ActiveDays = len(days)
	if r.ScoredEvents > 0 {
		r.AverageScore = scoreSum / float64(r.ScoredEvents)
	}
	for _, d := range days {
		r.Daily = append(r.Daily, *d)
	}
	sort.Slice(r.Daily, func(i, j int) bool { return r.Daily[i].Date < r.Daily[j].Date })
}
