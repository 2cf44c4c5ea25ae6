package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"approval-engine/internal/repository"
	"approval-engine/internal/services"
)

// statusFor maps the service error taxonomy to an HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrRequestNotFound),
		errors.Is(err, services.ErrFlowNotFound),
		errors.Is(err, services.ErrStepNotFound),
		errors.Is(err, services.ErrDelegationNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, services.ErrAlreadyPending),
		errors.Is(err, services.ErrAlreadyDecided),
		errors.Is(err, services.ErrInvalidState),
		errors.Is(err, services.ErrDuplicateSlug),
		errors.Is(err, services.ErrDuplicateStepOrder),
		errors.Is(err, services.ErrDelegationOverlap),
		errors.Is(err, services.ErrStepInUse),
		errors.Is(err, repository.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, services.ErrNoMatchingFlow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, services.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err with its mapped status. Internal errors are not echoed.
func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		c.JSON(status, gin.H{"error": "An internal error occurred"})
		return
	}

	body := gin.H{"error": err.Error()}
	var pending *services.AlreadyPendingError
	if errors.As(err, &pending) && pending.RequestID != uuid.Nil {
		body["requestId"] = pending.RequestID.String()
	}
	c.JSON(status, body)
}

// parseID reads a uuid path parameter, writing a 400 when it is malformed
func parseID(c *gin.Context, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + param})
		return uuid.Nil, false
	}
	return id, true
}
