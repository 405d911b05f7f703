package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/alem-hub/progress-engine/internal/application/command"
	"github.com/alem-hub/progress-engine/internal/application/query"
	"github.com/alem-hub/progress-engine/internal/domain/curriculum"
	"github.com/alem-hub/progress-engine/internal/domain/ledger"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// defaultReportDays is the report span when no range is given.
const defaultReportDays = 30

// bind decodes the JSON body. An empty body is accepted when optional is set.
func (s *Server) bind(c *gin.Context, v any, optional bool) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		writeError(c, http.StatusBadRequest, "invalid_body", err.Error())
		return false
	}
	return true
}

// versionParam parses a version number; "latest" selects 0.
func versionParam(c *gin.Context) (int, bool) {
	raw := c.Param("number")
	if raw == "latest" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		writeError(c, http.StatusBadRequest, "validation_error", "version must be a positive integer or latest")
		return 0, false
	}
	return n, true
}

// ══════════════════════════════════════════════════════════════════════════════
// ACTIVITY LEDGER
// ══════════════════════════════════════════════════════════════════════════════

type recordActivityResponse struct {
	Accepted   bool                          `json:"accepted"`
	Event      *ledger.Event                 `json:"event"`
	Progress   []query.EnrollmentProgressDTO `json:"progress,omitempty"`
	Milestones []query.MilestoneDTO          `json:"milestones,omitempty"`
}

// handleRecordActivity answers 201 for a new event and 200 for a resubmission.
func (s *Server) handleRecordActivity(c *gin.Context) {
	var cmd command.RecordActivityCommand
	if !s.bind(c, &cmd, false) {
		return
	}
	if cmd.CorrelationID == "" {
		cmd.CorrelationID = c.GetString(requestIDKey)
	}
	res, err := s.deps.Commands.RecordActivity.Handle(c.Request.Context(), cmd)
	if err != nil {
		s.fail(c, err)
		return
	}

	out := recordActivityResponse{Accepted: res.Accepted, Event: res.Event}
	for _, e := range res.Progress {
		out.Progress = append(out.Progress, query.EnrollmentView(e))
	}
	for _, m := range res.Milestones {
		out.Milestones = append(out.Milestones, query.MilestoneView(m))
	}
	status := http.StatusOK
	if res.Accepted {
		status = http.StatusCreated
	}
	writeData(c, status, out)
}

// ══════════════════════════════════════════════════════════════════════════════
// ENROLLMENTS AND PROGRESS
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleEnroll(c *gin.Context) {
	var cmd command.EnrollStudentCommand
	if !s.bind(c, &cmd, false) {
		return
	}
	e, err := s.deps.Commands.Enroll.Handle(c.Request.Context(), cmd)
	if err != nil {
		s.fail(c, err)
		return
	}
	writeData(c, http.StatusCreated, query.EnrollmentView(e))
}

func (s *Server) handleWithdraw(c *gin.Context) {
	e, err := s.deps.Commands.Withdraw.Handle(c.Request.Context(), command.WithdrawStudentCommand{
		StudentID:      c.Param("studentID"),
		LearningPathID: c.Param("pathID"),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	writeData(c, http.StatusOK, query.EnrollmentView(e))
}

func (s *Server) handleStudentProgress(c *gin.Context) {
	includeWithdrawn, _ := strconv.ParseBool(c.Query("include_withdrawn"))
	dto, err := s.deps.Queries.StudentProgress.Handle(c.Request.Context(), query.GetStudentProgressQuery{
		StudentID:        c.Param("studentID"),
		IncludeWithdrawn: includeWithdrawn,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	writeData(c, http.StatusOK, dto)
}

func (s *Server) handleProgressReport(c *gin.Context) {
	from, to := c.Query("from"), c.Query("to")
	var rng timeutil.DateRange
	if from == "" && to == "" {
		rng = timeutil.LastDays(time.Now(), defaultReportDays)
	} else {
		var err error
		if rng, err = timeutil.ParseDateRange(from, to); err != nil {
			writeError(c, http.StatusBadRequest, "validation_error", err.Error())
			return
		}
	}
	dto, err := s.deps.Queries.Report.Handle(c.Request.Context(), query.GenerateProgressReportQuery{
		StudentID: c.Param("studentID"),
		Range:     rng,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	writeData(c, http.StatusOK, dto)
}

func (s *Server) handleClassAnalytics(c *gin.Context) {
	dto, err := s.deps.Queries.ClassAnalytics.Handle(c.Request.Context(), query.GetClassAnalyticsQuery{
		ClassID:        c.Param("classID"),
		LearningPathID: c.Query("learning_path_id"),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	writeData(c, http.StatusOK, dto)
}

func (s *Server) handleAcknowledgeMilestone(c *gin.Context) {
	m, err := s.deps.Commands.AcknowledgeMilestone.Handle(c.Request.Context(), command.AcknowledgeMilestoneCommand{
		MilestoneID: c.Param("milestoneID"),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	writeData(c, http.StatusOK, query.MilestoneView(m))
}

// ══════════════════════════════════════════════════════════════════════════════
// WORKFLOWS
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleStartWorkflow(c *gin.Context) {
	var cmd command.StartWorkflowCommand
	if !s.bind(c, &cmd, false) {
		return
	}
	w, err := s.deps.Commands.StartWorkflow.Handle(c.Request.Context(), cmd)
	if err != nil {
		s.fail(c, err)
		return
	}
	writeData(c, http.StatusCreated, w)
}

func (s *Server) handleGetWorkflow(c *gin.Context) {
	w, err := s.deps.Queries.Workflow.Get(c.Request.Context(), c.Param("workflowID"))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeData(c, http.StatusOK, w)
}

func (s *Server) handleListWorkflows(c *gin.Context) {
	ws, err := s.deps.Queries.Workflow.ListByStudent(c.Request.Context(), c.Param("studentID"))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeData(c, http.StatusOK, ws)
}

func (s *Server) handleCompleteStep(c *gin.Context) {
	var body struct {
		Data json.RawMessage `json:"data"`
	}
	if !s.bind(c, &body, true) {
		return
	}
	res, err := s.deps.Commands.CompleteStep.Handle(c.Request.Context(), command.CompleteWorkflowStepCommand{
		WorkflowID: c.Param("workflowID"),
		StepID:     c.Param("stepID"),
		Data:       body.Data,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	writeData(c, http.StatusOK, res)
}

func (s *Server) handleAbandonWorkflow(c *gin.Context) {
	w, err := s.deps.Commands.AbandonWorkflow.Handle(c.Request.Context(), command.AbandonWorkflowCommand{
		WorkflowID: c.Param("workflowID"),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	writeData(c, http.StatusOK, w)
}

// ══════════════════════════════════════════════════════════════════════════════
// CURRICULUM VERSIONS
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handlePublishCurriculum(c *gin.Context) {
	var body struct {
		Content curriculum.Content `json:"content"`
		Resync  bool               `json:"resync"`
	}
	if !s.bind(c, &body, false) {
		return
	}
	v, err := s.deps.Commands.PublishCurriculum.Handle(c.Request.Context(), command.PublishCurriculumUpdateCommand{
		LearningPathID: c.Param("pathID"),
		Content:        body.Content,
		Resync:         body.Resync,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	writeData(c, http.StatusCreated, v)
}

func (s *Server) handleCurriculumHistory(c *gin.Context) {
	chain, err := s.deps.Queries.Curriculum.History(c.Request.Context(), c.Param("pathID"))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeData(c, http.StatusOK, chain)
}

func (s *Server) handleCurriculumVersion(c *gin.Context) {
	n, ok := versionParam(c)
	if !ok {
		return
	}
	v, err := s.deps.Queries.Curriculum.Version(c.Request.Context(), c.Param("pathID"), n)
	if err != nil {
		s.fail(c, err)
		return
	}
	writeData(c, http.StatusOK, v)
}

// ══════════════════════════════════════════════════════════════════════════════
// PORTFOLIOS
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleCommitPortfolio(c *gin.Context) {
	var body struct {
		OwnerID  string          `json:"owner_id"`
		Snapshot json.RawMessage `json:"snapshot"`
	}
	if !s.bind(c, &body, false) {
		return
	}
	v, err := s.deps.Commands.Portfolio.Commit(c.Request.Context(), command.CommitPortfolioCommand{
		PortfolioID: c.Param("portfolioID"),
		OwnerID:     body.OwnerID,
		Snapshot:    body.Snapshot,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	writeData(c, http.StatusCreated, v)
}

func (s *Server) handleRollbackPortfolio(c *gin.Context) {
	var body struct {
		OwnerID       string `json:"owner_id"`
		TargetVersion int    `json:"target_version"`
	}
	if !s.bind(c, &body, false) {
		return
	}
	v, err := s.deps.Commands.Portfolio.Rollback(c.Request.Context(), command.RollbackPortfolioCommand{
		PortfolioID:   c.Param("portfolioID"),
		OwnerID:       body.OwnerID,
		TargetVersion: body.TargetVersion,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	writeData(c, http.StatusCreated, v)
}

func (s *Server) handlePortfolioHistory(c *gin.Context) {
	h, err := s.deps.Queries.Portfolio.History(c.Request.Context(), c.Param("portfolioID"), c.Query("owner_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeData(c, http.StatusOK, h)
}

func (s *Server) handlePortfolioVersion(c *gin.Context) {
	n, ok := versionParam(c)
	if !ok {
		return
	}
	v, err := s.deps.Queries.Portfolio.Version(c.Request.Context(), query.GetPortfolioVersionQuery{
		PortfolioID: c.Param("portfolioID"),
		OwnerID:     c.Query("owner_id"),
		Number:      n,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	writeData(c, http.StatusOK, v)
}
