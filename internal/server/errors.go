package server

import (
	"errors"
	"net/http"
	"strings"

	grantdomain "github.com/smallbiznis/questforge/internal/grant/domain"
	"github.com/smallbiznis/questforge/internal/leveling"
	missiondomain "github.com/smallbiznis/questforge/internal/mission/domain"
	"github.com/smallbiznis/questforge/internal/progression"
	userdomain "github.com/smallbiznis/questforge/internal/user/domain"
	xpdomain "github.com/smallbiznis/questforge/internal/xp/domain"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	var levelErr leveling.ErrInvalidLevel
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, xpdomain.ErrInvalidUser),
		errors.Is(err, xpdomain.ErrInvalidAmount),
		errors.Is(err, xpdomain.ErrInvalidSourceType),
		errors.Is(err, xpdomain.ErrInvalidLevel),
		errors.Is(err, grantdomain.ErrInvalidUser),
		errors.Is(err, grantdomain.ErrInvalidAmount),
		errors.Is(err, grantdomain.ErrInvalidSourceType),
		errors.Is(err, progression.ErrInvalidGain),
		errors.Is(err, progression.ErrNoPendingLevelUp),
		errors.Is(err, progression.ErrNoActiveProgression):
		return true
	case errors.As(err, &levelErr):
		return true
	default:
		return false
	}
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, ErrConflict),
		errors.Is(err, xpdomain.ErrDuplicateSource),
		errors.Is(err, xpdomain.ErrConcurrentUpdate),
		errors.Is(err, progression.ErrAlreadyRunning):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, xpdomain.ErrAggregateNotFound),
		errors.Is(err, xpdomain.ErrTransactionMissing),
		errors.Is(err, grantdomain.ErrUserNotFound),
		errors.Is(err, grantdomain.ErrMissionNotFound),
		errors.Is(err, grantdomain.ErrGrantNotFound),
		errors.Is(err, userdomain.ErrNotFound),
		errors.Is(err, missiondomain.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	if errors.Is(err, ErrInvalidRequest) {
		return "invalid_request"
	}
	var levelErr leveling.ErrInvalidLevel
	if errors.As(err, &levelErr) {
		return "invalid_level"
	}
	return err.Error()
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	default:
		return "invalid value"
	}
}

// classifyErrorForLog tags request-log entries so expected domain
// failures are distinguishable from server faults.
func classifyErrorForLog(err error) (string, string) {
	switch {
	case err == nil:
		return "", ""
	case isValidationError(err):
		return "client", "validation_error"
	case isNotFoundError(err):
		return "client", "not_found"
	case isConflictError(err):
		return "client", "conflict"
	default:
		return "server", "internal_error"
	}
}
