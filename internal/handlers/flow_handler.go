package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"approval-engine/internal/middleware"
	"approval-engine/internal/models"
	"approval-engine/internal/services"
)

// FlowAdmin is the flow administration surface used by FlowHandler
type FlowAdmin interface {
	CreateFlow(ctx context.Context, input services.CreateFlowInput) (*models.ApprovalFlow, error)
	UpdateFlow(ctx context.Context, flowID uuid.UUID, input services.UpdateFlowInput) (*models.ApprovalFlow, error)
	DeactivateFlow(ctx context.Context, flowID uuid.UUID) (*models.ApprovalFlow, error)
	GetFlow(ctx context.Context, flowID uuid.UUID) (*models.ApprovalFlow, error)
	ListFlows(ctx context.Context, entityType string, activeOnly bool) ([]models.ApprovalFlow, error)
	AddStep(ctx context.Context, flowID uuid.UUID, input services.StepInput) (*models.ApprovalStep, error)
	UpdateStep(ctx context.Context, stepID uuid.UUID, input services.UpdateStepInput) (*models.ApprovalStep, error)
	RemoveStep(ctx context.Context, stepID uuid.UUID) error
	ReorderSteps(ctx context.Context, flowID uuid.UUID, stepIDs []uuid.UUID) (*models.ApprovalFlow, error)
}

// FlowHandler handles flow and step administration
type FlowHandler struct {
	flows FlowAdmin
}

// NewFlowHandler creates a new FlowHandler
func NewFlowHandler(flows FlowAdmin) *FlowHandler {
	return &FlowHandler{flows: flows}
}

// ReorderStepsRequest lists every step of a flow in its new order
type ReorderStepsRequest struct {
	StepIDs []uuid.UUID `json:"stepIds" binding:"required"`
}

// ListFlows lists flows
// @Summary List approval flows
// @Tags Flows
// @Produce json
// @Param entityType query string false "Entity type filter"
// @Param activeOnly query bool false "Only active flows" default(false)
// @Success 200 {object} map[string]interface{}
// @Router /api/v1/admin/flows [get]
func (h *FlowHandler) ListFlows(c *gin.Context) {
	activeOnly, _ := strconv.ParseBool(c.DefaultQuery("activeOnly", "false"))

	flows, err := h.flows.ListFlows(c.Request.Context(), c.Query("entityType"), activeOnly)
	if err != nil {
		respondError(c, err)
		return
	}
	if flows == nil {
		flows = []models.ApprovalFlow{}
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  flows,
		"total": len(flows),
	})
}

// CreateFlow creates a flow with optional steps
// @Summary Create approval flow
// @Tags Flows
// @Accept json
// @Produce json
// @Param request body services.CreateFlowInput true "Flow"
// @Success 201 {object} models.ApprovalFlow
// @Failure 409 {object} map[string]string
// @Router /api/v1/admin/flows [post]
func (h *FlowHandler) CreateFlow(c *gin.Context) {
	var input services.CreateFlowInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	input.CreatedBy = middleware.UserID(c)

	flow, err := h.flows.CreateFlow(c.Request.Context(), input)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, flow)
}

// GetFlow returns a flow with its steps
// @Summary Get approval flow
// @Tags Flows
// @Produce json
// @Param id path string true "Flow ID"
// @Success 200 {object} models.ApprovalFlow
// @Router /api/v1/admin/flows/{id} [get]
func (h *FlowHandler) GetFlow(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	flow, err := h.flows.GetFlow(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, flow)
}

// UpdateFlow updates a flow's settings
// @Summary Update approval flow
// @Tags Flows
// @Accept json
// @Produce json
// @Param id path string true "Flow ID"
// @Param request body services.UpdateFlowInput true "Changes"
// @Success 200 {object} models.ApprovalFlow
// @Router /api/v1/admin/flows/{id} [put]
func (h *FlowHandler) UpdateFlow(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var input services.UpdateFlowInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	flow, err := h.flows.UpdateFlow(c.Request.Context(), id, input)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, flow)
}

// DeactivateFlow stops a flow from matching new submissions
// @Summary Deactivate approval flow
// @Tags Flows
// @Produce json
// @Param id path string true "Flow ID"
// @Success 200 {object} models.ApprovalFlow
// @Router /api/v1/admin/flows/{id} [delete]
func (h *FlowHandler) DeactivateFlow(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	flow, err := h.flows.DeactivateFlow(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, flow)
}

// AddStep appends a step to a flow
// @Summary Add step
// @Tags Flows
// @Accept json
// @Produce json
// @Param id path string true "Flow ID"
// @Param request body services.StepInput true "Step"
// @Success 201 {object} models.ApprovalStep
// @Router /api/v1/admin/flows/{id}/steps [post]
func (h *FlowHandler) AddStep(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var input services.StepInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	step, err := h.flows.AddStep(c.Request.Context(), id, input)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, step)
}

// ReorderSteps renumbers a flow's steps in the given order
// @Summary Reorder steps
// @Tags Flows
// @Accept json
// @Produce json
// @Param id path string true "Flow ID"
// @Param request body ReorderStepsRequest true "Step order"
// @Success 200 {object} models.ApprovalFlow
// @Router /api/v1/admin/flows/{id}/steps/reorder [put]
func (h *FlowHandler) ReorderSteps(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req ReorderStepsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	flow, err := h.flows.ReorderSteps(c.Request.Context(), id, req.StepIDs)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, flow)
}

// UpdateStep updates a step
// @Summary Update step
// @Tags Flows
// @Accept json
// @Produce json
// @Param stepId path string true "Step ID"
// @Param request body services.UpdateStepInput true "Changes"
// @Success 200 {object} models.ApprovalStep
// @Router /api/v1/admin/steps/{stepId} [put]
func (h *FlowHandler) UpdateStep(c *gin.Context) {
	id, ok := parseID(c, "stepId")
	if !ok {
		return
	}

	var input services.UpdateStepInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	step, err := h.flows.UpdateStep(c.Request.Context(), id, input)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, step)
}

// RemoveStep deletes a step
// @Summary Remove step
// @Tags Flows
// @Param stepId path string true "Step ID"
// @Success 204
// @Router /api/v1/admin/steps/{stepId} [delete]
func (h *FlowHandler) RemoveStep(c *gin.Context) {
	id, ok := parseID(c, "stepId")
	if !ok {
		return
	}

	if err := h.flows.RemoveStep(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// RegisterRoutes mounts the admin routes on group. The caller guards group with RequireAdmin.
func (h *FlowHandler) RegisterRoutes(group *gin.RouterGroup) {
	flows := group.Group("/flows")
	{
		flows.GET("", h.ListFlows)
		flows.POST("", h.CreateFlow)
		flows.GET("/:id", h.GetFlow)
		flows.PUT("/:id", h.UpdateFlow)
		flows.DELETE("/:id", h.DeactivateFlow)
		flows.POST("/:id/steps", h.AddStep)
		flows.PUT("/:id/steps/reorder", h.ReorderSteps)
	}

	steps := group.Group("/steps")
	{
		steps.PUT("/:stepId", h.UpdateStep)
		steps.DELETE("/:stepId", h.RemoveStep)
	}
}
