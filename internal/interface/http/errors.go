package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// RESPONSE HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// APIError is the body of every failed response.
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

type errorResponse struct {
	Error APIError `json:"error"`
}

type dataResponse struct {
	Data any `json:"data"`
}

func writeData(c *gin.Context, status int, data any) {
	c.JSON(status, dataResponse{Data: data})
}

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorResponse{Error: APIError{
		Code:      code,
		Message:   message,
		RequestID: c.GetString(requestIDKey),
	}})
}

// errorStatus maps an error kind to a status and a stable code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, shared.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, shared.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, shared.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, shared.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, shared.ErrAlreadyExists):
		return http.StatusConflict, "already_exists"
	case errors.Is(err, shared.ErrInvalidTransition), errors.Is(err, shared.ErrConcurrentModification):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, shared.ErrCollaboratorUnavailable), errors.Is(err, shared.ErrTimeout):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, shared.ErrConsistencyViolation):
		return http.StatusInternalServerError, "consistency_violation"
	}
	return http.StatusInternalServerError, "internal_error"
}

// fail writes err as a response. Messages of internal errors are not exposed.
func (s *Server) fail(c *gin.Context, err error) {
	status, code := errorStatus(err)
	msg := err.Error()
	if status >= 500 {
		s.log.Error("operation failed",
			logger.String("path", c.FullPath()),
			logger.String(logger.RequestIDKey, c.GetString(requestIDKey)),
			logger.Err(err),
		)
		if code == "internal_error" {
			msg = "internal server error"
		}
	}
	writeError(c, status, code, msg)
}
