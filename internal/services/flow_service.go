package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"approval-engine/internal/models"
	"approval-engine/internal/repository"
)

var slugCleaner = regexp.MustCompile(`[^a-z0-9]+`)

// FlowService manages approval flows and their steps
type FlowService struct {
	repo   repository.Store
	logger *logrus.Entry
	now    func() time.Time
}

// NewFlowService creates a new FlowService
func NewFlowService(repo repository.Store, logger *logrus.Logger) *FlowService {
	if logger == nil {
		logger = logrus.New()
	}
	return &FlowService{
		repo:   repo,
		logger: logger.WithField("component", "flow-service"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// StepInput describes a step. EscalationStepOrder links to another step of the
// same flow when the flow is created in one call.
type StepInput struct {
	Name                string                 `json:"name"`
	StepOrder           int                    `json:"stepOrder"`
	ApproverType        string                 `json:"approverType"`
	ApproverUserID      *string                `json:"approverUserId,omitempty"`
	ApproverRoleName    *string                `json:"approverRoleName,omitempty"`
	RequiresAll         bool                   `json:"requiresAll"`
	MinApprovals        int                    `json:"minApprovals"`
	SkipConditions      map[string]interface{} `json:"skipConditions,omitempty"`
	TimeoutHours        *int                   `json:"timeoutHours,omitempty"`
	EscalationStepID    *uuid.UUID             `json:"escalationStepId,omitempty"`
	EscalationStepOrder *int                   `json:"escalationStepOrder,omitempty"`
	ReminderAfterHours  *int                   `json:"reminderAfterHours,omitempty"`
}

// CreateFlowInput represents input for creating a flow
type CreateFlowInput struct {
	Name                 string                 `json:"name"`
	Slug                 string                 `json:"slug,omitempty"`
	Description          string                 `json:"description,omitempty"`
	EntityType           string                 `json:"entityType"`
	TriggerConditions    map[string]interface{} `json:"triggerConditions,omitempty"`
	Priority             int                    `json:"priority"`
	AllowParallelSteps   bool                   `json:"allowParallelSteps"`
	AutoApproveBelow     *float64               `json:"autoApproveBelow,omitempty"`
	AutoRejectAfterHours *int                   `json:"autoRejectAfterHours,omitempty"`
	IsActive             *bool                  `json:"isActive,omitempty"`
	CreatedBy            string                 `json:"-"`
	Steps                []StepInput            `json:"steps,omitempty"`
}

// UpdateFlowInput represents input for updating a flow. Nil fields are left unchanged.
type UpdateFlowInput struct {
	Name                 *string                 `json:"name,omitempty"`
	Description          *string                 `json:"description,omitempty"`
	TriggerConditions    *map[string]interface{} `json:"triggerConditions,omitempty"`
	Priority             *int                    `json:"priority,omitempty"`
	AllowParallelSteps   *bool                   `json:"allowParallelSteps,omitempty"`
	AutoApproveBelow     *float64                `json:"autoApproveBelow,omitempty"`
	AutoRejectAfterHours *int                    `json:"autoRejectAfterHours,omitempty"`
	IsActive             *bool                   `json:"isActive,omitempty"`
}

// UpdateStepInput represents input for updating a step. Nil fields are left unchanged.
type UpdateStepInput struct {
	Name               *string                 `json:"name,omitempty"`
	StepOrder          *int                    `json:"stepOrder,omitempty"`
	ApproverType       *string                 `json:"approverType,omitempty"`
	ApproverUserID     *string                 `json:"approverUserId,omitempty"`
	ApproverRoleName   *string                 `json:"approverRoleName,omitempty"`
	RequiresAll        *bool                   `json:"requiresAll,omitempty"`
	MinApprovals       *int                    `json:"minApprovals,omitempty"`
	SkipConditions     *map[string]interface{} `json:"skipConditions,omitempty"`
	TimeoutHours       *int                    `json:"timeoutHours,omitempty"`
	EscalationStepID   *uuid.UUID              `json:"escalationStepId,omitempty"`
	ReminderAfterHours *int                    `json:"reminderAfterHours,omitempty"`
}

// CreateFlow creates a flow together with any steps given
func (s *FlowService) CreateFlow(ctx context.Context, input CreateFlowInput) (*models.ApprovalFlow, error) {
	if strings.TrimSpace(input.Name) == "" {
		return nil, invalidInput("name is required")
	}
	if strings.TrimSpace(input.EntityType) == "" {
		return nil, invalidInput("entityType is required")
	}
	if input.Slug == "" {
		input.Slug = Slugify(input.Name)
	}
	if input.Slug == "" {
		return nil, invalidInput("slug could not be derived from name")
	}
	if err := validateFlowLimits(input.AutoApproveBelow, input.AutoRejectAfterHours); err != nil {
		return nil, err
	}

	now := s.now()
	isActive := true
	if input.IsActive != nil {
		isActive = *input.IsActive
	}

	flow := &models.ApprovalFlow{
		ID:                   uuid.New(),
		Name:                 input.Name,
		Slug:                 input.Slug,
		Description:          input.Description,
		EntityType:           input.EntityType,
		TriggerConditions:    toJSONMap(input.TriggerConditions),
		Priority:             input.Priority,
		AllowParallelSteps:   input.AllowParallelSteps,
		AutoApproveBelow:     input.AutoApproveBelow,
		AutoRejectAfterHours: input.AutoRejectAfterHours,
		IsActive:             isActive,
		CreatedBy:            input.CreatedBy,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	steps, err := s.buildSteps(flow.ID, input.Steps, now)
	if err != nil {
		return nil, err
	}
	flow.Steps = steps

	if err := s.repo.CreateFlow(ctx, flow); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrDuplicateSlug
		}
		return nil, fmt.Errorf("failed to create flow: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"flow_id":     flow.ID,
		"slug":        flow.Slug,
		"entity_type": flow.EntityType,
		"steps":       len(flow.Steps),
	}).Info("Approval flow created")

	return flow, nil
}

// buildSteps validates nested step input and resolves escalation links by order
func (s *FlowService) buildSteps(flowID uuid.UUID, inputs []StepInput, now time.Time) ([]models.ApprovalStep, error) {
	steps := make([]models.ApprovalStep, 0, len(inputs))
	byOrder := make(map[int]uuid.UUID, len(inputs))

	for _, in := range inputs {
		if _, dup := byOrder[in.StepOrder]; dup {
			return nil, ErrDuplicateStepOrder
		}
		step := newStep(flowID, in, now)
		if err := validateStep(step); err != nil {
			return nil, err
		}
		byOrder[step.StepOrder] = step.ID
		steps = append(steps, *step)
	}

	for i, in := range inputs {
		if in.EscalationStepOrder == nil {
			continue
		}
		target, ok := byOrder[*in.EscalationStepOrder]
		if !ok || target == steps[i].ID {
			return nil, invalidInput("step %q escalates to unknown step order %d", in.Name, *in.EscalationStepOrder)
		}
		steps[i].EscalationStepID = &target
	}
	for i := range steps {
		if steps[i].EscalationStepID == nil {
			continue
		}
		if !containsStep(steps, *steps[i].EscalationStepID) {
			return nil, invalidInput("step %q escalates to a step outside this flow", steps[i].Name)
		}
	}
	return steps, nil
}

// UpdateFlow applies a partial update to a flow
func (s *FlowService) UpdateFlow(ctx context.Context, flowID uuid.UUID, input UpdateFlowInput) (*models.ApprovalFlow, error) {
	flow, err := s.GetFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}

	if input.Name != nil {
		if strings.TrimSpace(*input.Name) == "" {
			return nil, invalidInput("name cannot be empty")
		}
		flow.Name = *input.Name
	}
	if input.Description != nil {
		flow.Description = *input.Description
	}
	if input.TriggerConditions != nil {
		flow.TriggerConditions = toJSONMap(*input.TriggerConditions)
	}
	if input.Priority != nil {
		flow.Priority = *input.Priority
	}
	if input.AllowParallelSteps != nil {
		flow.AllowParallelSteps = *input.AllowParallelSteps
	}
	if input.AutoApproveBelow != nil {
		flow.AutoApproveBelow = input.AutoApproveBelow
	}
	if input.AutoRejectAfterHours != nil {
		flow.AutoRejectAfterHours = input.AutoRejectAfterHours
	}
	if input.IsActive != nil {
		flow.IsActive = *input.IsActive
	}
	if err := validateFlowLimits(flow.AutoApproveBelow, flow.AutoRejectAfterHours); err != nil {
		return nil, err
	}

	flow.UpdatedAt = s.now()
	if err := s.repo.UpdateFlow(ctx, flow); err != nil {
		return nil, mapNotFound(err, ErrFlowNotFound)
	}

	s.logger.WithField("flow_id", flow.ID).Info("Approval flow updated")
	return flow, nil
}

// DeactivateFlow stops a flow from matching new submissions. Open requests keep using it.
func (s *FlowService) DeactivateFlow(ctx context.Context, flowID uuid.UUID) (*models.ApprovalFlow, error) {
	inactive := false
	return s.UpdateFlow(ctx, flowID, UpdateFlowInput{IsActive: &inactive})
}

// GetFlow retrieves a flow with its steps
func (s *FlowService) GetFlow(ctx context.Context, flowID uuid.UUID) (*models.ApprovalFlow, error) {
	flow, err := s.repo.GetFlowByID(ctx, flowID)
	if err != nil {
		return nil, mapNotFound(err, ErrFlowNotFound)
	}
	return flow, nil
}

// GetFlowBySlug retrieves a flow by its slug
func (s *FlowService) GetFlowBySlug(ctx context.Context, slug string) (*models.ApprovalFlow, error) {
	flow, err := s.repo.GetFlowBySlug(ctx, slug)
	if err != nil {
		return nil, mapNotFound(err, ErrFlowNotFound)
	}
	return flow, nil
}

// ListFlows lists flows, optionally filtered by entity type
func (s *FlowService) ListFlows(ctx context.Context, entityType string, activeOnly bool) ([]models.ApprovalFlow, error) {
	return s.repo.ListFlows(ctx, entityType, activeOnly)
}

// AddStep appends a step to an existing flow
func (s *FlowService) AddStep(ctx context.Context, flowID uuid.UUID, input StepInput) (*models.ApprovalStep, error) {
	flow, err := s.GetFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}

	if input.StepOrder == 0 {
		input.StepOrder = nextStepOrder(flow.Steps)
	}
	step := newStep(flowID, input, s.now())
	if err := validateStep(step); err != nil {
		return nil, err
	}
	if step.EscalationStepID != nil && !containsStep(flow.Steps, *step.EscalationStepID) {
		return nil, invalidInput("escalation step must belong to the same flow")
	}

	if err := s.repo.CreateStep(ctx, step); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrDuplicateStepOrder
		}
		return nil, fmt.Errorf("failed to create step: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"flow_id":    flowID,
		"step_id":    step.ID,
		"step_order": step.StepOrder,
	}).Info("Approval step added")

	return step, nil
}

// UpdateStep applies a partial update to a step
func (s *FlowService) UpdateStep(ctx context.Context, stepID uuid.UUID, input UpdateStepInput) (*models.ApprovalStep, error) {
	step, err := s.repo.GetStepByID(ctx, stepID)
	if err != nil {
		return nil, mapNotFound(err, ErrStepNotFound)
	}

	if input.Name != nil {
		step.Name = *input.Name
	}
	if input.StepOrder != nil {
		step.StepOrder = *input.StepOrder
	}
	if input.ApproverType != nil {
		step.ApproverType = *input.ApproverType
	}
	if input.ApproverUserID != nil {
		step.ApproverUserID = emptyToNil(input.ApproverUserID)
	}
	if input.ApproverRoleName != nil {
		step.ApproverRoleName = emptyToNil(input.ApproverRoleName)
	}
	if input.RequiresAll != nil {
		step.RequiresAll = *input.RequiresAll
	}
	if input.MinApprovals != nil {
		step.MinApprovals = *input.MinApprovals
	}
	if input.SkipConditions != nil {
		step.SkipConditions = toJSONMap(*input.SkipConditions)
	}
	if input.TimeoutHours != nil {
		step.TimeoutHours = input.TimeoutHours
	}
	if input.ReminderAfterHours != nil {
		step.ReminderAfterHours = input.ReminderAfterHours
	}
	if input.EscalationStepID != nil {
		if *input.EscalationStepID == uuid.Nil {
			step.EscalationStepID = nil
		} else {
			target, err := s.repo.GetStepByID(ctx, *input.EscalationStepID)
			if err != nil || target.FlowID != step.FlowID || target.ID == step.ID {
				return nil, invalidInput("escalation step must be another step of the same flow")
			}
			step.EscalationStepID = input.EscalationStepID
		}
	}

	if err := validateStep(step); err != nil {
		return nil, err
	}

	step.UpdatedAt = s.now()
	if err := s.repo.UpdateStep(ctx, step); err != nil {
		switch {
		case errors.Is(err, repository.ErrDuplicate):
			return nil, ErrDuplicateStepOrder
		case errors.Is(err, repository.ErrNotFound):
			return nil, ErrStepNotFound
		}
		return nil, fmt.Errorf("failed to update step: %w", err)
	}

	return step, nil
}

// RemoveStep deletes a step that no other step escalates to and no open
// request is waiting on
func (s *FlowService) RemoveStep(ctx context.Context, stepID uuid.UUID) error {
	step, err := s.repo.GetStepByID(ctx, stepID)
	if err != nil {
		return mapNotFound(err, ErrStepNotFound)
	}

	siblings, err := s.repo.ListSteps(ctx, step.FlowID)
	if err != nil {
		return err
	}
	for _, other := range siblings {
		if other.EscalationStepID != nil && *other.EscalationStepID == stepID {
			return invalidInput("step %q is the escalation target of step %q", step.Name, other.Name)
		}
	}

	open, err := s.repo.CountOpenRequestsOnStep(ctx, stepID)
	if err != nil {
		return fmt.Errorf("failed to count requests on step: %w", err)
	}
	if open > 0 {
		return fmt.Errorf("%w: %d request(s) are waiting on step %q", ErrStepInUse, open, step.Name)
	}

	if err := s.repo.DeleteStep(ctx, stepID); err != nil {
		return mapNotFound(err, ErrStepNotFound)
	}

	s.logger.WithFields(logrus.Fields{
		"flow_id": step.FlowID,
		"step_id": stepID,
	}).Info("Approval step removed")
	return nil
}

// ReorderSteps renumbers a flow's steps 1..n in the given order
func (s *FlowService) ReorderSteps(ctx context.Context, flowID uuid.UUID, stepIDs []uuid.UUID) (*models.ApprovalFlow, error) {
	if _, err := s.GetFlow(ctx, flowID); err != nil {
		return nil, err
	}
	if err := s.repo.ReorderSteps(ctx, flowID, stepIDs); err != nil {
		if errors.Is(err, repository.ErrInvalidReorder) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return nil, err
	}
	return s.GetFlow(ctx, flowID)
}

// Slugify derives a URL-safe slug from a flow name
func Slugify(name string) string {
	return strings.Trim(slugCleaner.ReplaceAllString(strings.ToLower(name), "-"), "-")
}

func newStep(flowID uuid.UUID, in StepInput, now time.Time) *models.ApprovalStep {
	minApprovals := in.MinApprovals
	if minApprovals == 0 {
		minApprovals = 1
	}
	return &models.ApprovalStep{
		ID:                 uuid.New(),
		FlowID:             flowID,
		Name:               in.Name,
		StepOrder:          in.StepOrder,
		ApproverType:       in.ApproverType,
		ApproverUserID:     emptyToNil(in.ApproverUserID),
		ApproverRoleName:   emptyToNil(in.ApproverRoleName),
		RequiresAll:        in.RequiresAll,
		MinApprovals:       minApprovals,
		SkipConditions:     toJSONMap(in.SkipConditions),
		TimeoutHours:       in.TimeoutHours,
		EscalationStepID:   in.EscalationStepID,
		ReminderAfterHours: in.ReminderAfterHours,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func validateStep(step *models.ApprovalStep) error {
	if strings.TrimSpace(step.Name) == "" {
		return invalidInput("step name is required")
	}
	if step.StepOrder < 1 {
		return invalidInput("step %q: stepOrder must be at least 1", step.Name)
	}
	if step.MinApprovals < 1 {
		return invalidInput("step %q: minApprovals must be at least 1", step.Name)
	}

	switch step.ApproverType {
	case models.ApproverTypeUser:
		if step.ApproverUserID == nil {
			return invalidInput("step %q: approverUserId is required for user steps", step.Name)
		}
	case models.ApproverTypeRole:
		if step.ApproverRoleName == nil {
			return invalidInput("step %q: approverRoleName is required for role steps", step.Name)
		}
	case models.ApproverTypeEscalation:
		if step.ApproverUserID == nil && step.ApproverRoleName == nil {
			return invalidInput("step %q: escalation steps need an approver user or role", step.Name)
		}
	default:
		return invalidInput("step %q: unknown approverType %q", step.Name, step.ApproverType)
	}

	for name, h := range map[string]*int{"timeoutHours": step.TimeoutHours, "reminderAfterHours": step.ReminderAfterHours} {
		if h != nil && *h < 1 {
			return invalidInput("step %q: %s must be positive", step.Name, name)
		}
	}
	return nil
}

func validateFlowLimits(autoApproveBelow *float64, autoRejectAfterHours *int) error {
	if autoApproveBelow != nil && *autoApproveBelow < 0 {
		return invalidInput("autoApproveBelow cannot be negative")
	}
	if autoRejectAfterHours != nil && *autoRejectAfterHours < 1 {
		return invalidInput("autoRejectAfterHours must be positive")
	}
	return nil
}

func nextStepOrder(steps []models.ApprovalStep) int {
	max := 0
	for _, s := range steps {
		if s.StepOrder > max {
			max = s.StepOrder
		}
	}
	return max + 1
}

func containsStep(steps []models.ApprovalStep, id uuid.UUID) bool {
	for _, s := range steps {
		if s.ID == id {
			return true
		}
	}
	return false
}

func toJSONMap(m map[string]interface{}) datatypes.JSONMap {
	if len(m) == 0 {
		return nil
	}
	return datatypes.JSONMap(m)
}

func emptyToNil(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	v := *s
	return &v
}
