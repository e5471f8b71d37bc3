package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptarena/arena/pkg/models"
	"github.com/promptarena/arena/pkg/services"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{services.CodeValidation, http.StatusBadRequest},
		{services.CodeAuth, http.StatusUnauthorized},
		{services.CodeRunNotFound, http.StatusNotFound},
		{services.CodeDocumentNotFound, http.StatusNotFound},
		{services.CodeDocumentNotAttached, http.StatusNotFound},
		{services.CodeKeyNotFound, http.StatusNotFound},
		{services.CodeInvalidStatusTransition, http.StatusConflict},
		{services.CodeRunAlreadyTerminal, http.StatusConflict},
		{services.CodeDocumentAlreadyAttached, http.StatusConflict},
		{services.CodeRunNotPending, http.StatusUnprocessableEntity},
		{services.CodeRateLimited, http.StatusTooManyRequests},
		{services.CodeInternal, http.StatusInternalServerError},
		{"SOMETHING_ELSE", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.code))
		})
	}
}

func newErrorContext(t *testing.T) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest("GET", "/", nil)
	return c, rec
}

func TestMapServiceErrorValidation(t *testing.T) {
	c, rec := newErrorContext(t)

	mapServiceError(c, services.NewValidationError("priority", "must be between 1 and 9"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp ErrorResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, services.CodeValidation, resp.ErrorType)
	assert.Contains(t, resp.ErrorMessage, "must be between 1 and 9")
	require.NotNil(t, resp.Details)
	assert.Equal(t, "priority", resp.Details["field"])
}

func TestMapServiceErrorTransition(t *testing.T) {
	c, rec := newErrorContext(t)

	mapServiceError(c, &services.TransitionError{
		RunID: "r1",
		From:  models.RunStatusQueued,
		To:    models.RunStatusQueued,
	})

	assert.Equal(t, http.StatusConflict, rec.Code)
	var resp ErrorResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, services.CodeInvalidStatusTransition, resp.ErrorType)
	require.NotNil(t, resp.Details)
	assert.Equal(t, "queued", resp.Details["from"])
	assert.Equal(t, "queued", resp.Details["to"])
}

func TestMapServiceErrorNotFound(t *testing.T) {
	c, rec := newErrorContext(t)

	mapServiceError(c, services.ErrRunNotFound)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var resp ErrorResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, services.CodeRunNotFound, resp.ErrorType)
	assert.Equal(t, "run not found", resp.ErrorMessage)
}

func TestMapServiceErrorMasksInternal(t *testing.T) {
	c, rec := newErrorContext(t)

	mapServiceError(c, errors.New("pq: connection refused on 10.0.0.3"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var resp ErrorResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, services.CodeInternal, resp.ErrorType)
	assert.Equal(t, "internal server error", resp.ErrorMessage, "internal detail must not leak")
}

func TestMapServiceErrorWrappedStillMatches(t *testing.T) {
	c, rec := newErrorContext(t)

	// Services wrap sentinel errors with call-site context.
	mapServiceError(c, errors.Join(errors.New("detach document d1"), services.ErrNotAttached))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, services.CodeDocumentNotAttached, errorType(t, rec))
}
