package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"approval-engine/internal/middleware"
	"approval-engine/internal/models"
	"approval-engine/internal/services"
)

// Engine is the approval engine surface used by ApprovalHandler
type Engine interface {
	SelectFlow(ctx context.Context, entityType string, submission map[string]interface{}) (*services.FlowSelection, error)
	Submit(ctx context.Context, input services.SubmitInput) (*models.ApprovalRequest, error)
	Decide(ctx context.Context, input services.DecideInput) (*models.ApprovalRequest, error)
	Cancel(ctx context.Context, requestID uuid.UUID, cancelledBy, reason string) (*models.ApprovalRequest, error)
	Resubmit(ctx context.Context, input services.ResubmitInput) (*models.ApprovalRequest, error)
	Escalate(ctx context.Context, input services.EscalateInput) (*models.ApprovalRequest, error)
	GetRequest(ctx context.Context, requestID uuid.UUID) (*models.ApprovalRequest, error)
	GetAuditTrail(ctx context.Context, requestID uuid.UUID) ([]models.ApprovalAuditLog, error)
	ListDecisions(ctx context.Context, requestID uuid.UUID) ([]models.ApprovalDecision, error)
	GetHistoryForEntity(ctx context.Context, entityType, entityID string) ([]models.ApprovalRequest, error)
	GetPendingForUser(ctx context.Context, userID string) ([]services.PendingApproval, error)
	GetQueueCount(ctx context.Context, userID string) (int, error)
}

// ApprovalHandler handles HTTP requests for approvals
type ApprovalHandler struct {
	engine Engine
}

// NewApprovalHandler creates a new ApprovalHandler
func NewApprovalHandler(engine Engine) *ApprovalHandler {
	return &ApprovalHandler{engine: engine}
}

// CheckRequest asks whether an entity would need approval
type CheckRequest struct {
	EntityType string                 `json:"entityType" binding:"required"`
	Context    map[string]interface{} `json:"context"`
}

// CheckResponse is the dry-run result of flow selection
type CheckResponse struct {
	RequiresApproval bool                    `json:"requiresApproval"`
	Selection        *services.FlowSelection `json:"selection,omitempty"`
}

// SubmitRequest represents a submission for approval
type SubmitRequest struct {
	EntityType string                 `json:"entityType" binding:"required"`
	EntityID   string                 `json:"entityId" binding:"required"`
	Context    map[string]interface{} `json:"context"`
	Priority   string                 `json:"priority,omitempty"`
	DueBy      *time.Time             `json:"dueBy,omitempty"`
}

// DecideRequest records a verdict on the current step
type DecideRequest struct {
	Decision         string                 `json:"decision" binding:"required"`
	Comment          string                 `json:"comment,omitempty"`
	Conditions       map[string]interface{} `json:"conditions,omitempty"`
	DelegatedTo      string                 `json:"delegatedTo,omitempty"`
	DelegationReason string                 `json:"delegationReason,omitempty"`
}

// ReasonRequest carries an optional free-text reason
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// ResubmitRequest carries the replacement context
type ResubmitRequest struct {
	Context map[string]interface{} `json:"context"`
}

// CheckApproval reports whether an entity would need approval, without creating a request
// @Summary Check if an entity requires approval
// @Tags Approvals
// @Accept json
// @Produce json
// @Param request body CheckRequest true "Check Request"
// @Success 200 {object} CheckResponse
// @Router /api/v1/approvals/check [post]
func (h *ApprovalHandler) CheckApproval(c *gin.Context) {
	var req CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	selection, err := h.engine.SelectFlow(c.Request.Context(), req.EntityType, req.Context)
	if err != nil {
		if errors.Is(err, services.ErrNoMatchingFlow) {
			c.JSON(http.StatusOK, CheckResponse{RequiresApproval: false})
			return
		}
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, CheckResponse{
		RequiresApproval: !selection.AutoApproved,
		Selection:        selection,
	})
}

// SubmitRequest submits an entity for approval
// @Summary Submit an entity for approval
// @Tags Approvals
// @Accept json
// @Produce json
// @Param request body SubmitRequest true "Submission"
// @Success 201 {object} models.ApprovalRequest
// @Failure 409 {object} map[string]string
// @Failure 422 {object} map[string]string
// @Router /api/v1/approvals [post]
func (h *ApprovalHandler) SubmitRequest(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	request, err := h.engine.Submit(c.Request.Context(), services.SubmitInput{
		EntityType:  req.EntityType,
		EntityID:    req.EntityID,
		Context:     req.Context,
		RequestedBy: middleware.UserID(c),
		Priority:    req.Priority,
		DueBy:       req.DueBy,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, request)
}

// ListPending lists requests awaiting the caller's decision
// @Summary List my pending approvals
// @Tags Approvals
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /api/v1/approvals/pending [get]
func (h *ApprovalHandler) ListPending(c *gin.Context) {
	pending, err := h.engine.GetPendingForUser(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	if pending == nil {
		pending = []services.PendingApproval{}
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  pending,
		"total": len(pending),
	})
}

// QueueCount returns the number of requests awaiting the caller
// @Summary Count my pending approvals
// @Tags Approvals
// @Produce json
// @Success 200 {object} map[string]int
// @Router /api/v1/approvals/queue-count [get]
func (h *ApprovalHandler) QueueCount(c *gin.Context) {
	count, err := h.engine.GetQueueCount(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"count": count})
}

// GetRequest retrieves an approval request by ID
// @Summary Get approval request
// @Tags Approvals
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} models.ApprovalRequest
// @Router /api/v1/approvals/{id} [get]
func (h *ApprovalHandler) GetRequest(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	request, err := h.engine.GetRequest(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, request)
}

// GetHistory returns the audit trail of a request
// @Summary Get request audit trail
// @Tags Approvals
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {array} models.ApprovalAuditLog
// @Router /api/v1/approvals/{id}/history [get]
func (h *ApprovalHandler) GetHistory(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	logs, err := h.engine.GetAuditTrail(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if logs == nil {
		logs = []models.ApprovalAuditLog{}
	}

	c.JSON(http.StatusOK, logs)
}

// GetDecisions lists every decision recorded on a request
// @Summary List request decisions
// @Tags Approvals
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {array} models.ApprovalDecision
// @Router /api/v1/approvals/{id}/decisions [get]
func (h *ApprovalHandler) GetDecisions(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	decisions, err := h.engine.ListDecisions(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if decisions == nil {
		decisions = []models.ApprovalDecision{}
	}

	c.JSON(http.StatusOK, decisions)
}

// Decide records the caller's verdict on the current step
// @Summary Decide on a request
// @Tags Approvals
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param request body DecideRequest true "Decision"
// @Success 200 {object} models.ApprovalRequest
// @Failure 403 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Router /api/v1/approvals/{id}/decide [post]
func (h *ApprovalHandler) Decide(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req DecideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	request, err := h.engine.Decide(c.Request.Context(), services.DecideInput{
		RequestID:        id,
		Decision:         req.Decision,
		DecidedBy:        middleware.UserID(c),
		Comment:          req.Comment,
		Conditions:       req.Conditions,
		DelegatedTo:      req.DelegatedTo,
		DelegationReason: req.DelegationReason,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, request)
}

// Cancel withdraws a request. Only the requester or an admin may cancel.
// @Summary Cancel a request
// @Tags Approvals
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param request body ReasonRequest false "Reason"
// @Success 200 {object} models.ApprovalRequest
// @Router /api/v1/approvals/{id}/cancel [post]
func (h *ApprovalHandler) Cancel(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req ReasonRequest
	// Body is optional
	_ = c.ShouldBindJSON(&req)

	userID := middleware.UserID(c)
	existing, err := h.engine.GetRequest(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if existing.RequestedBy != userID && !middleware.IsAdmin(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "only the requester can cancel this request"})
		return
	}

	request, err := h.engine.Cancel(c.Request.Context(), id, userID, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, request)
}

// Resubmit opens a new request for the same entity
// @Summary Resubmit a request
// @Tags Approvals
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param request body ResubmitRequest false "New context"
// @Success 201 {object} models.ApprovalRequest
// @Router /api/v1/approvals/{id}/resubmit [post]
func (h *ApprovalHandler) Resubmit(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req ResubmitRequest
	_ = c.ShouldBindJSON(&req)

	request, err := h.engine.Resubmit(c.Request.Context(), services.ResubmitInput{
		RequestID:     id,
		Context:       req.Context,
		ResubmittedBy: middleware.UserID(c),
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, request)
}

// Escalate moves a request to its current step's escalation target
// @Summary Escalate a request
// @Tags Approvals
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param request body ReasonRequest false "Reason"
// @Success 200 {object} models.ApprovalRequest
// @Router /api/v1/approvals/{id}/escalate [post]
func (h *ApprovalHandler) Escalate(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req ReasonRequest
	_ = c.ShouldBindJSON(&req)

	request, err := h.engine.Escalate(c.Request.Context(), services.EscalateInput{
		RequestID: id,
		Reason:    req.Reason,
		ActorID:   middleware.UserID(c),
		ActorType: models.ActorUser,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, request)
}

// EntityHistory lists every request ever made for an entity, newest first
// @Summary Approval history of an entity
// @Tags Approvals
// @Produce json
// @Param type path string true "Entity type"
// @Param id path string true "Entity ID"
// @Success 200 {array} models.ApprovalRequest
// @Router /api/v1/entities/{type}/{id}/approvals [get]
func (h *ApprovalHandler) EntityHistory(c *gin.Context) {
	requests, err := h.engine.GetHistoryForEntity(c.Request.Context(), c.Param("type"), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if requests == nil {
		requests = []models.ApprovalRequest{}
	}

	c.JSON(http.StatusOK, requests)
}

// RegisterRoutes mounts the approval routes on group
func (h *ApprovalHandler) RegisterRoutes(group *gin.RouterGroup) {
	approvals := group.Group("/approvals")
	{
		approvals.POST("/check", h.CheckApproval)
		approvals.POST("", h.SubmitRequest)
		approvals.GET("/pending", h.ListPending)
		approvals.GET("/queue-count", h.QueueCount)
		approvals.GET("/:id", h.GetRequest)
		approvals.GET("/:id/history", h.GetHistory)
		approvals.GET("/:id/decisions", h.GetDecisions)
		approvals.POST("/:id/decide", h.Decide)
		approvals.POST("/:id/cancel", h.Cancel)
		approvals.POST("/:id/resubmit", h.Resubmit)
		approvals.POST("/:id/escalate", h.Escalate)
	}
	group.GET("/entities/:type/:id/approvals", h.EntityHistory)
}
