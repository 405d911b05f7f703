package query

import (
	"context"
	"sort"

	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET CLASS ANALYTICS QUERY
// Aggregates the enrollments of a class. It reads only the derived enrollment
// rows, never raw ledger events, so its cost grows with enrollments.
// ══════════════════════════════════════════════════════════════════════════════

// GetClassAnalyticsQuery contains the parameters of the query.
type GetClassAnalyticsQuery struct {
	ClassID string
	// LearningPathID optionally restricts the analytics to one path.
	LearningPathID string
}

// Validate checks the query.
func (q GetClassAnalyticsQuery) Validate() error {
	if q.ClassID == "" {
		return shared.Validation("progress", "GetClassAnalytics", "class id is required")
	}
	return nil
}

// PathAnalyticsDTO aggregates one path within a class.
type PathAnalyticsDTO struct {
	LearningPathID        string  `json:"learning_path_id"`
	Enrollments           int     `json:"enrollments"`
	Completed             int     `json:"completed"`
	BehindSchedule        int     `json:"behind_schedule"`
	AverageCompletionRate float64 `json:"average_completion_rate"`
	AverageScore          float64 `json:"average_score"`
}

// ClassAnalyticsDTO is the ClassAnalytics read model.
type ClassAnalyticsDTO struct {
	ClassID               string             `json:"class_id"`
	Students              int                `json:"students"`
	Enrollments           int                `json:"enrollments"`
	ActiveEnrollments     int                `json:"active_enrollments"`
	Completed             int                `json:"completed"`
	BehindSchedule        int                `json:"behind_schedule"`
	LessonsCompleted      int                `json:"lessons_completed"`
	AverageCompletionRate float64            `json:"average_completion_rate"`
	AverageScore          float64            `json:"average_score"`
	TimeSpentSeconds      int64              `json:"time_spent_seconds"`
	Paths                 []PathAnalyticsDTO `json:"paths"`
	// AtRisk lists students with at least one enrollment behind schedule.
	AtRisk []string `json:"at_risk"`
}

// GetClassAnalyticsHandler handles the query.
type GetClassAnalyticsHandler struct {
	enrollments progress.Repository
	identity    shared.IdentityProvider
}

// NewGetClassAnalyticsHandler creates a new GetClassAnalyticsHandler.
func NewGetClassAnalyticsHandler(enrollments progress.Repository, identity shared.IdentityProvider) *GetClassAnalyticsHandler {
	return &GetClassAnalyticsHandler{enrollments: enrollments, identity: orDefault(identity)}
}

// accumulator sums one group of enrollments.
type accumulator struct {
	n, completed, behind int
	rateSum, scoreSum    float64
	scored               int
}

func (a *accumulator) add(e *progress.Enrollment) {
	a.n++
	a.rateSum += e.CompletionRate()
	if e.CompletedAt != nil {
		a.completed++
	}
	if e.BehindSchedule {
		a.behind++
	}
	if e.ScoredCount > 0 {
		a.scoreSum += e.PerformanceScore
		a.scored++
	}
}

func (a *accumulator) averages() (rate, score float64) {
	if a.n > 0 {
		rate = a.rateSum / float64(a.n)
	}
	if a.scored > 0 {
		score = a.scoreSum / float64(a.scored)
	}
	return rate, score
}

// Handle executes the query.
func (h *GetClassAnalyticsHandler) Handle(ctx context.Context, q GetClassAnalyticsQuery) (*ClassAnalyticsDTO, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if err := authorizePrivileged(ctx, h.identity, "progress", "GetClassAnalytics"); err != nil {
		return nil, err
	}

	enrollments, err := h.enrollments.ListByClass(ctx, q.ClassID)
	if err != nil {
		return nil, err
	}

	dto := &ClassAnalyticsDTO{ClassID: q.ClassID, Paths: []PathAnalyticsDTO{}, AtRisk: []string{}}
	var total accumulator
	perPath := make(map[string]*accumulator)
	students := make(map[string]struct{})
	atRisk := make(map[string]struct{})

	for _, e := range enrollments {
		if q.LearningPathID != "" && e.LearningPathID != q.LearningPathID {
			continue
		}
		total.add(e)
		acc, ok := perPath[e.LearningPathID]
		if !ok {
			acc = &accumulator{}
			perPath[e.LearningPathID] = acc
		}
		acc.add(e)

		students[e.StudentID] = struct{}{}
		if e.IsActive() {
			dto.ActiveEnrollments++
		}
		if e.BehindSchedule {
			atRisk[e.StudentID] = struct{}{}
		}
		dto.LessonsCompleted += e.LessonsCompleted
		dto.TimeSpentSeconds += int64(e.TimeSpent.Seconds())
	}

	dto.Students = len(students)
	dto.Enrollments = total.n
	dto.Completed = total.completed
	dto.BehindSchedule = total.behind
	dto.AverageCompletionRate, dto.AverageScore = total.averages()

	for pathID, acc := range perPath {
		rate, score := acc.averages()
		dto.Paths = append(dto.Paths, PathAnalyticsDTO{
			LearningPathID:        pathID,
			Enrollments:           acc.n,
			Completed:             acc.completed,
			BehindSchedule:        acc.behind,
			AverageCompletionRate: rate,
			AverageScore:          score,
		})
	}
	sort.Slice(dto.Paths, func(i, j int) bool { return dto.Paths[i].LearningPathID < dto.Paths[j].LearningPathID })
	for s := range atRisk {
		dto.AtRisk = append(dto.AtRisk, s)
	}
	sort.Strings(dto.AtRisk)
	return dto, nil
}
