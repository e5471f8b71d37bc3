package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/promptarena/arena/pkg/services"
)

// ErrorResponse is the uniform error body of every non-2xx response.
type ErrorResponse struct {
	ErrorType    string         `json:"error_type"`
	ErrorMessage string         `json:"error_message"`
	Details      map[string]any `json:"details,omitempty"`
}

// writeError aborts the request with the uniform error body.
func writeError(c *gin.Context, status int, errorType, message string) {
	c.AbortWithStatusJSON(status, &ErrorResponse{
		ErrorType:    errorType,
		ErrorMessage: message,
	})
}

// badRequest aborts with a 400 validation error.
func badRequest(c *gin.Context, message string) {
	writeError(c, http.StatusBadRequest, services.CodeValidation, message)
}

// statusFor maps a service error code to an HTTP status.
//
// Conflicts with the run's current state are 409; attaching documents to a
// run that already left pending is a domain rule, surfaced as 422.
func statusFor(code string) int {
	switch code {
	case services.CodeValidation:
		return http.StatusBadRequest
	case services.CodeAuth:
		return http.StatusUnauthorized
	case services.CodeRunNotFound, services.CodeDocumentNotFound,
		services.CodeDocumentNotAttached, services.CodeKeyNotFound:
		return http.StatusNotFound
	case services.CodeInvalidStatusTransition, services.CodeRunAlreadyTerminal,
		services.CodeDocumentAlreadyAttached:
		return http.StatusConflict
	case services.CodeRunNotPending:
		return http.StatusUnprocessableEntity
	case services.CodeRateLimited:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// mapServiceError translates a service-layer error into the uniform error
// body. Internal errors are logged and masked.
func mapServiceError(c *gin.Context, err error) {
	code := services.ErrorCode(err)
	status := statusFor(code)

	resp := &ErrorResponse{
		ErrorType:    code,
		ErrorMessage: err.Error(),
	}

	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		resp.Details = map[string]any{"field": validErr.Field}
	}
	var transErr *services.TransitionError
	if errors.As(err, &transErr) {
		resp.Details = map[string]any{
			"from": string(transErr.From),
			"to":   string(transErr.To),
		}
	}

	if status >= http.StatusInternalServerError {
		slog.Error("Unexpected service error",
			"error", err, "request_id", c.GetString(ctxRequestID))
		resp.ErrorMessage = "internal server error"
	}

	c.AbortWithStatusJSON(status, resp)
}
