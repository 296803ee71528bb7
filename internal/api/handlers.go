package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/trace"

	"cs-workflows/backend/internal/compiler"
	"cs-workflows/backend/internal/hydrate"
	"cs-workflows/backend/internal/lifecycle"
	"cs-workflows/backend/internal/logging"
	"cs-workflows/backend/internal/repository"
	"cs-workflows/backend/internal/thresholds"
	"cs-workflows/backend/pkg/models"
)

const (
	serviceName    = "cs-workflows"
	serviceVersion = "1.0.0"
)

// HandleHealth reports whether the service can reach its store. It is
// served without authentication.
func (s *Server) HandleHealth(c echo.Context) error {
	status := models.HealthStatus{
		Status:    "ok",
		Service:   serviceName,
		Version:   serviceVersion,
		Timestamp: time.Now().UTC(),
		Checks:    map[string]string{"store": "ok"},
	}
	code := http.StatusOK
	if err := s.store.Ping(c.Request().Context()); err != nil {
		status.Status = "degraded"
		status.Checks["store"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// problemFor maps an error to its HTTP status. Retryable problems tell the
// client that reloading and repeating the request may succeed.
func problemFor(err error) (status int, title string, retryable bool) {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he.Code, http.StatusText(he.Code), false
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, compiler.ErrTemplateNotFound):
		return http.StatusNotFound, "Not Found", false
	case errors.Is(err, lifecycle.ErrStateConflict), errors.Is(err, repository.ErrPreconditionFailed):
		return http.StatusConflict, "State Conflict", true
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return http.StatusConflict, "Invalid Transition", false
	case errors.Is(err, repository.ErrAlreadyExists):
		return http.StatusConflict, "Already Exists", false
	case errors.Is(err, lifecycle.ErrInvalidPayload),
		errors.Is(err, models.ErrInvalidModification),
		errors.Is(err, hydrate.ErrTemplateSyntax),
		errors.Is(err, hydrate.ErrTemplateDepthExceeded):
		return http.StatusUnprocessableEntity, "Unprocessable Entity", false
	case errors.Is(err, thresholds.ErrConfigUnavailable):
		return http.StatusServiceUnavailable, "Threshold Configuration Unavailable", true
	default:
		return http.StatusInternalServerError, "Internal Server Error", false
	}
}

// ErrorHandler renders every handler error as an RFC 7807 Problem Details
// response.
func ErrorHandler(logger *logging.Logger) echo.HTTPErrorHandler {
	logger = logger.Component("api")
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status, title, retryable := problemFor(err)

		detail := err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			if msg, ok := he.Message.(string); ok {
				detail = msg
			}
		}
		if status == http.StatusInternalServerError {
			logger.Error("request failed",
				"method", c.Request().Method,
				"path", c.Path(),
				"error", err,
			)
			detail = "internal error"
		}

		problem := models.ProblemDetails{
			Type:      "about:blank",
			Title:     title,
			Status:    status,
			Detail:    detail,
			Instance:  c.Request().URL.Path,
			Retryable: retryable,
		}
		if sc := trace.SpanContextFromContext(c.Request().Context()); sc.HasTraceID() {
			problem.TraceID = sc.TraceID().String()
		}
		writeProblem(c, problem)
	}
}

func writeProblem(c echo.Context, problem models.ProblemDetails) {
	body, err := json.Marshal(problem)
	if err != nil {
		_ = c.NoContent(http.StatusInternalServerError)
		return
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(problem.Status)
		return
	}
	_ = c.Blob(problem.Status, "application/problem+json", body)
}
