package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/config"
	"github.com/alem-hub/progress-engine/internal/app"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type recordedRequest struct {
	method, route string
	status        int
}

type fakeObserver struct {
	mu   sync.Mutex
	seen []recordedRequest
}

func (o *fakeObserver) ObserveHTTP(method, route string, status int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = append(o.seen, recordedRequest{method, route, status})
}

type testServer struct {
	t        *testing.T
	server   *Server
	observer *fakeObserver
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := &config.Config{
		App:      config.AppConfig{Name: "progress-engine", Environment: config.EnvDevelopment},
		Database: config.DatabaseConfig{Driver: config.StorageMemory},
		Engine:   config.EngineConfig{PaceGrace: 48 * time.Hour, KeyBucket: time.Second},
	}
	c, err := app.Build(context.Background(), cfg, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(c.Close)

	obs := &fakeObserver{}
	srv := NewServer(Config{EnableMetrics: true, Debug: true}, Dependencies{
		Commands:       c.Commands,
		Queries:        c.Queries,
		Observer:       obs,
		MetricsHandler: c.Metrics.Handler(),
		Version:        "test",
		Logger:         logger.Nop(),
	})
	return &testServer{t: t, server: srv, observer: obs}
}

func (ts *testServer) do(method, path string, body any, user string, role shared.Role) (*httptest.ResponseRecorder, map[string]any) {
	ts.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(ts.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(HeaderUserID, user)
		req.Header.Set(HeaderUserRole, string(role))
	}
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") != "" {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w, out
}

func data(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	d, ok := body["data"].(map[string]any)
	require.True(t, ok, "response has no data object: %v", body)
	return d
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH AND ROUTING
// ══════════════════════════════════════════════════════════════════════════════

func TestHealth_NoChecksIsHealthy(t *testing.T) {
	ts := newTestServer(t)

	w, body := ts.do(http.MethodGet, "/health", nil, "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["healthy"])
	assert.Equal(t, "test", body["version"])
}

func TestHealth_FailingCheckIs503(t *testing.T) {
	hc := NewCompositeHealthChecker("v1")
	hc.AddCheck("database", func(context.Context) error { return errors.New("down") })
	hc.AddCheck("redis", func(context.Context) error { return nil })
	srv := NewServer(Config{}, Dependencies{Health: hc})

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var status HealthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.False(t, status.Healthy)
	assert.Equal(t, "failing: database", status.Message)
	assert.True(t, status.Checks["redis"].Healthy)
}

func TestUnknownRouteIs404(t *testing.T) {
	ts := newTestServer(t)
	w, body := ts.do(http.MethodGet, "/api/v1/nope", nil, "s1", shared.RoleStudent)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", errorCode(body))
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	w, _ := ts.do(http.MethodGet, "/metrics", nil, "", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestIDIsEchoed(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set(HeaderRequestID, "req-42")
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, "req-42", w.Header().Get(HeaderRequestID))
}

func TestObserverUsesRouteTemplate(t *testing.T) {
	ts := newTestServer(t)
	ts.do(http.MethodGet, "/api/v1/students/s1/progress", nil, "s1", shared.RoleStudent)

	ts.observer.mu.Lock()
	defer ts.observer.mu.Unlock()
	require.NotEmpty(t, ts.observer.seen)
	last := ts.observer.seen[len(ts.observer.seen)-1]
	assert.Equal(t, "/api/v1/students/:studentID/progress", last.route)
	assert.Equal(t, http.MethodGet, last.method)
}

// ══════════════════════════════════════════════════════════════════════════════
// IDENTITY AND ERRORS
// ══════════════════════════════════════════════════════════════════════════════

func TestMissingIdentityIs401(t *testing.T) {
	ts := newTestServer(t)
	w, body := ts.do(http.MethodGet, "/api/v1/students/s1/progress", nil, "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", errorCode(body))
}

func TestStudentCannotActForAnother(t *testing.T) {
	ts := newTestServer(t)
	w, body := ts.do(http.MethodGet, "/api/v1/students/s2/progress", nil, "s1", shared.RoleStudent)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", errorCode(body))
}

func TestMalformedBodyIs400(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/activities", bytes.NewBufferString("{not json"))
	req.Header.Set(HeaderUserID, "s1")
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestErrorStatus(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{shared.Validation("x", "op", "bad"), http.StatusBadRequest, "validation_error"},
		{shared.ErrEnrollmentNotFound, http.StatusNotFound, "not_found"},
		{shared.ErrEnrollmentExists, http.StatusConflict, "already_exists"},
		{shared.InvalidTransition("x", "op", "late"), http.StatusConflict, "invalid_transition"},
		{shared.ErrStaleWrite, http.StatusConflict, "invalid_transition"},
		{shared.NewDomainError("x", "op", shared.ErrForbidden, "no"), http.StatusForbidden, "forbidden"},
		{shared.WrapError("c", "Call", shared.ErrCollaboratorUnavailable, "down", errors.New("eof")), http.StatusServiceUnavailable, "unavailable"},
		{shared.ConsistencyViolation("x", "op", "gap"), http.StatusInternalServerError, "consistency_violation"},
		{fmt.Errorf("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		status, code := errorStatus(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
		assert.Equal(t, tc.code, code, tc.err.Error())
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS FLOW
// ══════════════════════════════════════════════════════════════════════════════

func TestEnrollRecordAndReadProgress(t *testing.T) {
	ts := newTestServer(t)

	w, body := ts.do(http.MethodPost, "/api/v1/enrollments", map[string]any{
		"student_id":       "s1",
		"learning_path_id": "go-foundations",
		"class_id":         "c1",
	}, "s1", shared.RoleStudent)
	require.Equal(t, http.StatusCreated, w.Code, body)
	assert.Equal(t, float64(5), data(t, body)["total_lessons"])

	activity := map[string]any{
		"idempotency_key": "evt-1",
		"student_id":      "s1",
		"activity_type":   "lesson_complete",
		"resource_id":     "go-basics-01",
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	}
	w, body = ts.do(http.MethodPost, "/api/v1/activities", activity, "s1", shared.RoleStudent)
	require.Equal(t, http.StatusCreated, w.Code, body)
	assert.Equal(t, true, data(t, body)["accepted"])

	// Same key again: success, nothing new.
	w, body = ts.do(http.MethodPost, "/api/v1/activities", activity, "s1", shared.RoleStudent)
	require.Equal(t, http.StatusOK, w.Code, body)
	assert.Equal(t, false, data(t, body)["accepted"])

	w, body = ts.do(http.MethodGet, "/api/v1/students/s1/progress", nil, "s1", shared.RoleStudent)
	require.Equal(t, http.StatusOK, w.Code, body)
	enrollments := data(t, body)["enrollments"].([]any)
	require.Len(t, enrollments, 1)
	assert.Equal(t, float64(1), enrollments[0].(map[string]any)["lessons_completed"])

	w, body = ts.do(http.MethodGet, "/api/v1/classes/c1/analytics", nil, "t1", shared.RoleInstructor)
	assert.Equal(t, http.StatusOK, w.Code, body)

	w, body = ts.do(http.MethodGet, "/api/v1/students/s1/report", nil, "s1", shared.RoleStudent)
	assert.Equal(t, http.StatusOK, w.Code, body)
}

func TestClassAnalyticsAndReport(t *testing.T) {
	ts := newTestServer(t)
	w, _ := ts.do(http.MethodPost, "/api/v1/enrollments", map[string]any{
		"student_id": "s1", "learning_path_id": "go-foundations", "class_id": "c1",
	}, "s1", shared.RoleStudent)
	require.Equal(t, http.StatusCreated, w.Code)
	w, _ = ts.do(http.MethodPost, "/api/v1/activities", map[string]any{
		"idempotency_key": "evt-1",
		"student_id":      "s1",
		"activity_type":   "lesson_complete",
		"resource_id":     "go-basics-01",
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	}, "s1", shared.RoleStudent)
	require.Equal(t, http.StatusCreated, w.Code)

	w, _ = ts.do(http.MethodGet, "/api/v1/classes/c1/analytics", nil, "s1", shared.RoleStudent)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, body := ts.do(http.MethodGet, "/api/v1/classes/c1/analytics", nil, "t1", shared.RoleInstructor)
	require.Equal(t, http.StatusOK, w.Code, body)
	analytics := data(t, body)
	assert.Equal(t, float64(1), analytics["students"])
	assert.Equal(t, float64(1), analytics["lessons_completed"])

	w, body = ts.do(http.MethodGet, "/api/v1/students/s1/report", nil, "s1", shared.RoleStudent)
	require.Equal(t, http.StatusOK, w.Code, body)
	report := data(t, body)
	assert.GreaterOrEqual(t, report["total_events"], float64(1))
	assert.Len(t, report["enrollments"], 1)

	w, body = ts.do(http.MethodGet, "/api/v1/students/s1/report?from=yesterday&to=today", nil, "s1", shared.RoleStudent)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", errorCode(body))

	w, _ = ts.do(http.MethodGet, "/api/v1/students/s1/report?from=2026-02-01&to=2026-01-01", nil, "s1", shared.RoleStudent)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRecordActivity_UnknownTypeIs400(t *testing.T) {
	ts := newTestServer(t)
	w, body := ts.do(http.MethodPost, "/api/v1/activities", map[string]any{
		"student_id":    "s1",
		"activity_type": "teleport",
		"resource_id":   "r1",
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	}, "s1", shared.RoleStudent)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", errorCode(body))
}

func TestEnrollUnknownPathIs404(t *testing.T) {
	ts := newTestServer(t)
	w, _ := ts.do(http.MethodPost, "/api/v1/enrollments", map[string]any{
		"student_id":       "s1",
		"learning_path_id": "cobol-101",
	}, "s1", shared.RoleStudent)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWithdrawRequiresInstructor(t *testing.T) {
	ts := newTestServer(t)
	w, _ := ts.do(http.MethodPost, "/api/v1/enrollments", map[string]any{
		"student_id": "s1", "learning_path_id": "go-foundations",
	}, "s1", shared.RoleStudent)
	require.Equal(t, http.StatusCreated, w.Code)

	w, _ = ts.do(http.MethodDelete, "/api/v1/enrollments/s1/go-foundations", nil, "s1", shared.RoleStudent)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, body := ts.do(http.MethodDelete, "/api/v1/enrollments/s1/go-foundations", nil, "t1", shared.RoleInstructor)
	require.Equal(t, http.StatusOK, w.Code, body)
	assert.Equal(t, "withdrawn", data(t, body)["status"])
}

// ══════════════════════════════════════════════════════════════════════════════
// WORKFLOWS
// ══════════════════════════════════════════════════════════════════════════════

func TestWorkflowLifecycle(t *testing.T) {
	ts := newTestServer(t)

	w, body := ts.do(http.MethodPost, "/api/v1/workflows", map[string]any{
		"student_id": "s1",
		"title":      "Essay",
		"step_ids":   []string{"outline", "draft"},
	}, "s1", shared.RoleStudent)
	require.Equal(t, http.StatusCreated, w.Code, body)
	id := data(t, body)["id"].(string)

	w, body = ts.do(http.MethodPost, "/api/v1/workflows/"+id+"/steps/draft/complete", nil, "s1", shared.RoleStudent)
	assert.Equal(t, http.StatusConflict, w.Code, body)
	assert.Equal(t, "invalid_transition", errorCode(body))

	w, body = ts.do(http.MethodPost, "/api/v1/workflows/"+id+"/steps/outline/complete",
		map[string]any{"data": map[string]any{"words": 120}}, "s1", shared.RoleStudent)
	require.Equal(t, http.StatusOK, w.Code, body)
	assert.Equal(t, false, data(t, body)["publish_queued"])

	w, body = ts.do(http.MethodPost, "/api/v1/workflows/"+id+"/steps/draft/complete", nil, "s1", shared.RoleStudent)
	require.Equal(t, http.StatusOK, w.Code, body)
	assert.Equal(t, true, data(t, body)["publish_queued"])

	w, body = ts.do(http.MethodGet, "/api/v1/workflows/"+id, nil, "s1", shared.RoleStudent)
	require.Equal(t, http.StatusOK, w.Code, body)
	assert.Equal(t, "completed", data(t, body)["status"])

	w, _ = ts.do(http.MethodPost, "/api/v1/workflows/"+id+"/abandon", nil, "s1", shared.RoleStudent)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, body = ts.do(http.MethodGet, "/api/v1/students/s1/workflows", nil, "s1", shared.RoleStudent)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["data"].([]any), 1)
}

func TestGetWorkflowNotFound(t *testing.T) {
	ts := newTestServer(t)
	w, _ := ts.do(http.MethodGet, "/api/v1/workflows/missing", nil, "s1", shared.RoleStudent)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// ══════════════════════════════════════════════════════════════════════════════
// VERSION CHAINS
// ══════════════════════════════════════════════════════════════════════════════

func TestCurriculumPublishAndRead(t *testing.T) {
	ts := newTestServer(t)
	content := map[string]any{
		"title": "Go Foundations",
		"lessons": []map[string]any{
			{"id": "l1", "title": "One"},
			{"id": "l2", "title": "Two"},
		},
		"passing_score": 70,
	}

	w, body := ts.do(http.MethodPost, "/api/v1/curricula/go-foundations/versions",
		map[string]any{"content": content}, "s1", shared.RoleStudent)
	assert.Equal(t, http.StatusForbidden, w.Code, body)

	for i := 1; i <= 2; i++ {
		w, body = ts.do(http.MethodPost, "/api/v1/curricula/go-foundations/versions",
			map[string]any{"content": content}, "t1", shared.RoleInstructor)
		require.Equal(t, http.StatusCreated, w.Code, body)
		assert.Equal(t, float64(i), data(t, body)["version_number"])
	}

	w, body = ts.do(http.MethodGet, "/api/v1/curricula/go-foundations/versions/latest", nil, "s1", shared.RoleStudent)
	require.Equal(t, http.StatusOK, w.Code, body)
	assert.Equal(t, float64(2), data(t, body)["version_number"])

	w, body = ts.do(http.MethodGet, "/api/v1/curricula/go-foundations/versions", nil, "s1", shared.RoleStudent)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["data"].([]any), 2)

	w, _ = ts.do(http.MethodGet, "/api/v1/curricula/go-foundations/versions/zero", nil, "s1", shared.RoleStudent)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPortfolioCommitRollbackHistory(t *testing.T) {
	ts := newTestServer(t)
	commit := func(n int) {
		w, body := ts.do(http.MethodPost, "/api/v1/portfolios/p1/versions", map[string]any{
			"owner_id": "s1",
			"snapshot": map[string]any{"rev": n},
		}, "s1", shared.RoleStudent)
		require.Equal(t, http.StatusCreated, w.Code, body)
		assert.Equal(t, float64(n), data(t, body)["version_number"])
	}
	commit(1)
	commit(2)

	w, body := ts.do(http.MethodPost, "/api/v1/portfolios/p1/rollback", map[string]any{
		"owner_id": "s1", "target_version": 1,
	}, "s1", shared.RoleStudent)
	require.Equal(t, http.StatusCreated, w.Code, body)
	head := data(t, body)
	assert.Equal(t, float64(3), head["version_number"])
	assert.Equal(t, float64(1), head["rolled_back_from"])
	assert.Equal(t, map[string]any{"rev": float64(1)}, head["snapshot"])

	w, body = ts.do(http.MethodGet, "/api/v1/portfolios/p1/versions?owner_id=s1", nil, "s1", shared.RoleStudent)
	require.Equal(t, http.StatusOK, w.Code, body)
	hist := data(t, body)
	assert.Equal(t, float64(3), hist["head"])
	assert.Len(t, hist["versions"].([]any), 3)

	w, _ = ts.do(http.MethodPost, "/api/v1/portfolios/p1/rollback", map[string]any{
		"owner_id": "s1", "target_version": 9,
	}, "s1", shared.RoleStudent)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, body = ts.do(http.MethodGet, "/api/v1/portfolios/p1/versions/2?owner_id=s1", nil, "s1", shared.RoleStudent)
	require.Equal(t, http.StatusOK, w.Code, body)
	assert.Equal(t, map[string]any{"rev": float64(2)}, data(t, body)["snapshot"])
}
