package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"approval-engine/internal/middleware"
	"approval-engine/internal/models"
	"approval-engine/internal/services"
)

// Delegations is the delegation surface used by DelegationHandler
type Delegations interface {
	CreateDelegation(ctx context.Context, input services.CreateDelegationInput) (*models.ApprovalDelegation, error)
	GetDelegation(ctx context.Context, id uuid.UUID, userID string, isAdmin bool) (*models.ApprovalDelegation, error)
	RevokeDelegation(ctx context.Context, id uuid.UUID, revokedBy, reason string, isAdmin bool) (*models.ApprovalDelegation, error)
	ListOutgoing(ctx context.Context, userID string, includeExpired bool) ([]models.ApprovalDelegation, error)
	ListIncoming(ctx context.Context, userID string, includeExpired bool) ([]models.ApprovalDelegation, error)
	Now() time.Time
}

// DelegationHandler handles delegation-related HTTP requests
type DelegationHandler struct {
	delegations Delegations
}

// NewDelegationHandler creates a new DelegationHandler
func NewDelegationHandler(delegations Delegations) *DelegationHandler {
	return &DelegationHandler{delegations: delegations}
}

// CreateDelegationRequest represents a request to create a delegation
type CreateDelegationRequest struct {
	DelegateID string     `json:"delegateId" binding:"required"`
	EntityType *string    `json:"entityType,omitempty"`
	FlowID     *uuid.UUID `json:"flowId,omitempty"`
	Reason     string     `json:"reason"`
	StartsAt   time.Time  `json:"startsAt" binding:"required"`
	EndsAt     time.Time  `json:"endsAt" binding:"required"`
}

// DelegationResponse represents a delegation in API responses
type DelegationResponse struct {
	*models.ApprovalDelegation
	Status string `json:"status"`
}

// RevokeDelegationRequest represents a request to revoke a delegation
type RevokeDelegationRequest struct {
	Reason string `json:"reason"`
}

// CreateDelegation creates a new delegation
// @Summary Create a new delegation
// @Description Create a delegation to allow another user to approve on your behalf
// @Tags Delegations
// @Accept json
// @Produce json
// @Param request body CreateDelegationRequest true "Delegation details"
// @Success 201 {object} DelegationResponse
// @Failure 400 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Router /api/v1/delegations [post]
func (h *DelegationHandler) CreateDelegation(c *gin.Context) {
	var req CreateDelegationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}

	delegation, err := h.delegations.CreateDelegation(c.Request.Context(), services.CreateDelegationInput{
		DelegatorID: middleware.UserID(c),
		DelegateID:  req.DelegateID,
		EntityType:  req.EntityType,
		FlowID:      req.FlowID,
		Reason:      req.Reason,
		StartsAt:    req.StartsAt,
		EndsAt:      req.EndsAt,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, h.toResponse(delegation))
}

// GetDelegation retrieves a delegation by ID
// @Summary Get a delegation
// @Description Only the delegator, the delegate or an admin may view a delegation
// @Tags Delegations
// @Produce json
// @Param id path string true "Delegation ID"
// @Success 200 {object} DelegationResponse
// @Failure 404 {object} map[string]string
// @Router /api/v1/delegations/{id} [get]
func (h *DelegationHandler) GetDelegation(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	delegation, err := h.delegations.GetDelegation(c.Request.Context(), id, middleware.UserID(c), middleware.IsAdmin(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, h.toResponse(delegation))
}

// ListOutgoing lists delegations created by the current user
// @Summary List my delegations
// @Description List all delegations where you are the delegator
// @Tags Delegations
// @Produce json
// @Param include_expired query bool false "Include expired delegations"
// @Success 200 {array} DelegationResponse
// @Router /api/v1/delegations/outgoing [get]
func (h *DelegationHandler) ListOutgoing(c *gin.Context) {
	includeExpired := c.Query("include_expired") == "true"

	delegations, err := h.delegations.ListOutgoing(c.Request.Context(), middleware.UserID(c), includeExpired)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, h.toResponses(delegations))
}

// ListIncoming lists delegations granted to the current user
// @Summary List delegations to me
// @Description List all delegations where you are the delegate
// @Tags Delegations
// @Produce json
// @Param include_expired query bool false "Include expired delegations"
// @Success 200 {array} DelegationResponse
// @Router /api/v1/delegations/incoming [get]
func (h *DelegationHandler) ListIncoming(c *gin.Context) {
	includeExpired := c.Query("include_expired") == "true"

	delegations, err := h.delegations.ListIncoming(c.Request.Context(), middleware.UserID(c), includeExpired)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, h.toResponses(delegations))
}

// RevokeDelegation revokes a delegation
// @Summary Revoke a delegation
// @Description Only the delegator or an admin may revoke a delegation
// @Tags Delegations
// @Accept json
// @Produce json
// @Param id path string true "Delegation ID"
// @Param request body RevokeDelegationRequest false "Revocation reason"
// @Success 200 {object} DelegationResponse
// @Failure 404 {object} map[string]string
// @Router /api/v1/delegations/{id}/revoke [post]
func (h *DelegationHandler) RevokeDelegation(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req RevokeDelegationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		// Reason is optional
		req.Reason = ""
	}

	delegation, err := h.delegations.RevokeDelegation(c.Request.Context(), id, middleware.UserID(c), req.Reason, middleware.IsAdmin(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, h.toResponse(delegation))
}

// RegisterRoutes mounts the delegation routes on group
func (h *DelegationHandler) RegisterRoutes(group *gin.RouterGroup) {
	delegations := group.Group("/delegations")
	{
		delegations.POST("", h.CreateDelegation)
		delegations.GET("/outgoing", h.ListOutgoing)
		delegations.GET("/incoming", h.ListIncoming)
		delegations.GET("/:id", h.GetDelegation)
		delegations.POST("/:id/revoke", h.RevokeDelegation)
	}
}

func (h *DelegationHandler) toResponse(d *models.ApprovalDelegation) DelegationResponse {
	return DelegationResponse{ApprovalDelegation: d, Status: d.StatusAt(h.delegations.Now())}
}

func (h *DelegationHandler) toResponses(delegations []models.ApprovalDelegation) []DelegationResponse {
	responses := make([]DelegationResponse, len(delegations))
	for i := range delegations {
		responses[i] = h.toResponse(&delegations[i])
	}
	return responses
}
