package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"approval-engine/internal/conditions"
	"approval-engine/internal/events"
	"approval-engine/internal/identity"
	"approval-engine/internal/models"
	"approval-engine/internal/repository"
)

const (
	noteAllStepsSkipped = "All steps skipped by conditions"
	noteAutoApproved    = "Auto-approved: amount below flow threshold"
	noteSuperseded      = "Superseded by resubmission"
)

// ApprovalEngine routes requests through their flow's steps
type ApprovalEngine struct {
	repo   repository.Store
	bus    events.Publisher
	roles  identity.RoleResolver
	logger *logrus.Entry
	now    func() time.Time
}

// EngineOption configures an ApprovalEngine
type EngineOption func(*ApprovalEngine)

// WithClock overrides the engine's time source
func WithClock(now func() time.Time) EngineOption {
	return func(e *ApprovalEngine) {
		e.now = now
	}
}

// NewApprovalEngine creates a new ApprovalEngine. bus and roles may be nil.
func NewApprovalEngine(repo repository.Store, bus events.Publisher, roles identity.RoleResolver, logger *logrus.Logger, opts ...EngineOption) *ApprovalEngine {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.InfoLevel)
	}

	e := &ApprovalEngine{
		repo:   repo,
		bus:    bus,
		roles:  roles,
		logger: logger.WithField("component", "approval-engine"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SubmitInput represents input for submitting an entity for approval
type SubmitInput struct {
	EntityType  string                 `json:"entityType"`
	EntityID    string                 `json:"entityId"`
	Context     map[string]interface{} `json:"context"`
	RequestedBy string                 `json:"requestedBy"`
	Priority    string                 `json:"priority,omitempty"`
	DueBy       *time.Time             `json:"dueBy,omitempty"`
}

// DecideInput represents an approver's verdict on the current step
type DecideInput struct {
	RequestID        uuid.UUID              `json:"requestId"`
	Decision         string                 `json:"decision"`
	DecidedBy        string                 `json:"decidedBy"`
	Comment          string                 `json:"comment,omitempty"`
	Conditions       map[string]interface{} `json:"conditions,omitempty"`
	DelegatedTo      string                 `json:"delegatedTo,omitempty"`
	DelegationReason string                 `json:"delegationReason,omitempty"`
}

// ResubmitInput represents a resubmission of a closed or returned request.
// A nil Context reuses the previous snapshot.
type ResubmitInput struct {
	RequestID     uuid.UUID              `json:"requestId"`
	Context       map[string]interface{} `json:"context,omitempty"`
	ResubmittedBy string                 `json:"resubmittedBy"`
}

// EscalateInput represents a request to move a request to its escalation step
type EscalateInput struct {
	RequestID uuid.UUID `json:"requestId"`
	Reason    string    `json:"reason"`
	ActorID   string    `json:"actorId"`
	ActorType string    `json:"-"`
	At        time.Time `json:"-"`
}

// FlowSelection is the outcome of a dry-run flow match
type FlowSelection struct {
	Flow           *models.ApprovalFlow `json:"flow"`
	AutoApproved   bool                 `json:"autoApproved"`
	FirstStep      *models.ApprovalStep `json:"firstStep,omitempty"`
	SkippedStepIDs []string             `json:"skippedStepIds,omitempty"`
}

// PendingApproval is a request waiting on a specific user
type PendingApproval struct {
	Request    models.ApprovalRequest `json:"request"`
	Step       models.ApprovalStep    `json:"step"`
	OnBehalfOf *string                `json:"onBehalfOf,omitempty"`
}

// --- Submission ---

// Submit routes an entity into the highest-priority matching flow
func (e *ApprovalEngine) Submit(ctx context.Context, input SubmitInput) (*models.ApprovalRequest, error) {
	if input.EntityType == "" || input.EntityID == "" {
		return nil, invalidInput("entityType and entityId are required")
	}
	if input.RequestedBy == "" {
		return nil, invalidInput("requestedBy is required")
	}
	if input.Priority == "" {
		input.Priority = models.PriorityNormal
	}
	if !isValidPriority(input.Priority) {
		return nil, invalidInput("unknown priority %q", input.Priority)
	}

	var request *models.ApprovalRequest
	var out []events.Event

	err := e.repo.WithTransaction(ctx, func(tx repository.Store) error {
		req, evts, err := e.submitTx(ctx, tx, input, e.now())
		if err != nil {
			return err
		}
		request, out = req, evts
		return nil
	})
	if err != nil {
		return nil, e.identifyPending(ctx, err, input.EntityType, input.EntityID)
	}

	e.publish(ctx, out)
	return request, nil
}

func (e *ApprovalEngine) submitTx(ctx context.Context, tx repository.Store, input SubmitInput, now time.Time) (*models.ApprovalRequest, []events.Event, error) {
	existing, err := tx.FindActiveRequest(ctx, input.EntityType, input.EntityID)
	if err == nil {
		return nil, nil, &AlreadyPendingError{RequestID: existing.ID}
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, nil, err
	}

	snapshot, err := freezeContext(input.Context)
	if err != nil {
		return nil, nil, err
	}

	flow, err := e.matchFlow(ctx, tx, input.EntityType, snapshot)
	if err != nil {
		return nil, nil, err
	}

	request := &models.ApprovalRequest{
		FlowID:          flow.ID,
		EntityType:      input.EntityType,
		EntityID:        input.EntityID,
		RequestedBy:     input.RequestedBy,
		ContextSnapshot: snapshot,
		Priority:        input.Priority,
		DueBy:           input.DueBy,
		RequestedAt:     now,
		CreatedAt:       now,
		UpdatedAt:       now,
		Version:         1,
	}

	if amount, threshold, ok := autoApproves(flow, snapshot); ok {
		request.Status = models.StatusApproved
		request.ResolvedAt = &now
		request.ResolutionNote = noteAutoApproved
		if err := e.createRequest(ctx, tx, request); err != nil {
			return nil, nil, err
		}
		if err := e.writeCreatedAudit(ctx, tx, request, flow, now); err != nil {
			return nil, nil, err
		}
		if err := e.audit(ctx, tx, request, models.AuditAutoApproved, "", models.ActorSystem, now, map[string]interface{}{
			"reason":    noteAutoApproved,
			"amount":    amount,
			"threshold": threshold,
		}); err != nil {
			return nil, nil, err
		}

		e.logger.WithFields(logrus.Fields{
			"request_id": request.ID,
			"flow":       flow.Slug,
			"amount":     amount,
		}).Info("Approval request auto-approved below threshold")

		approved := e.newEvent(events.TopicApproved, request, now)
		approved.Data["auto_approved"] = true
		approved.Data["flow_id"] = flow.ID.String()
		return request, []events.Event{approved}, nil
	}

	step, skipped := e.nextEligibleStep(flow.Steps, 0, snapshot)
	request.SkippedStepIDs = skipped

	if step == nil {
		request.Status = models.StatusApproved
		request.ResolvedAt = &now
		request.ResolutionNote = noteAllStepsSkipped
		if err := e.createRequest(ctx, tx, request); err != nil {
			return nil, nil, err
		}
		if err := e.writeCreatedAudit(ctx, tx, request, flow, now); err != nil {
			return nil, nil, err
		}
		if err := e.audit(ctx, tx, request, models.AuditAutoApproved, "", models.ActorSystem, now, map[string]interface{}{
			"reason":           noteAllStepsSkipped,
			"skipped_step_ids": []string(skipped),
		}); err != nil {
			return nil, nil, err
		}

		approved := e.newEvent(events.TopicApproved, request, now)
		approved.Data["auto_approved"] = true
		approved.Data["flow_id"] = flow.ID.String()
		return request, []events.Event{approved}, nil
	}

	request.Status = models.StatusPending
	request.CurrentStepID = &step.ID
	if err := e.createRequest(ctx, tx, request); err != nil {
		return nil, nil, err
	}
	if err := e.writeCreatedAudit(ctx, tx, request, flow, now); err != nil {
		return nil, nil, err
	}
	if err := e.audit(ctx, tx, request, models.AuditStepAdvanced, "", models.ActorSystem, now, map[string]interface{}{
		"to_step_id":       step.ID.String(),
		"step_name":        step.Name,
		"step_order":       step.StepOrder,
		"skipped_step_ids": []string(skipped),
	}); err != nil {
		return nil, nil, err
	}

	e.logger.WithFields(logrus.Fields{
		"request_id":  request.ID,
		"entity_type": request.EntityType,
		"entity_id":   request.EntityID,
		"flow":        flow.Slug,
		"step":        step.Name,
	}).Info("Approval request submitted")

	submitted := e.newEvent(events.TopicSubmitted, request, now)
	submitted.ActorID = request.RequestedBy
	submitted.Data["flow_id"] = flow.ID.String()
	submitted.Data["step_id"] = step.ID.String()
	submitted.Data["step_name"] = step.Name
	return request, []events.Event{submitted}, nil
}

func (e *ApprovalEngine) createRequest(ctx context.Context, tx repository.Store, request *models.ApprovalRequest) error {
	if err := tx.CreateRequest(ctx, request); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return &AlreadyPendingError{}
		}
		return fmt.Errorf("failed to create request: %w", err)
	}
	return nil
}

func (e *ApprovalEngine) writeCreatedAudit(ctx context.Context, tx repository.Store, request *models.ApprovalRequest, flow *models.ApprovalFlow, now time.Time) error {
	return e.audit(ctx, tx, request, models.AuditRequestCreated, request.RequestedBy, models.ActorUser, now, map[string]interface{}{
		"flow_id":   flow.ID.String(),
		"flow_slug": flow.Slug,
		"priority":  request.Priority,
	})
}

// SelectFlow reports which flow a submission would use without creating anything
func (e *ApprovalEngine) SelectFlow(ctx context.Context, entityType string, submission map[string]interface{}) (*FlowSelection, error) {
	if entityType == "" {
		return nil, invalidInput("entityType is required")
	}
	snapshot, err := freezeContext(submission)
	if err != nil {
		return nil, err
	}

	flow, err := e.matchFlow(ctx, e.repo, entityType, snapshot)
	if err != nil {
		return nil, err
	}

	selection := &FlowSelection{Flow: flow}
	if _, _, ok := autoApproves(flow, snapshot); ok {
		selection.AutoApproved = true
		return selection, nil
	}

	step, skipped := e.nextEligibleStep(flow.Steps, 0, snapshot)
	selection.FirstStep = step
	selection.SkippedStepIDs = skipped
	selection.AutoApproved = step == nil
	return selection, nil
}

// matchFlow returns the highest-priority active flow whose trigger conditions match
func (e *ApprovalEngine) matchFlow(ctx context.Context, store repository.Store, entityType string, snapshot map[string]interface{}) (*models.ApprovalFlow, error) {
	flows, err := store.ListFlows(ctx, entityType, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}

	for i := range flows {
		if conditions.Evaluate(flows[i].TriggerConditions, snapshot) {
			return &flows[i], nil
		}
	}
	return nil, fmt.Errorf("%w for entity type %q", ErrNoMatchingFlow, entityType)
}

// autoApproves checks the flow's amount threshold. The comparison is strict and
// only JSON numbers qualify; numeric strings do not.
func autoApproves(flow *models.ApprovalFlow, snapshot map[string]interface{}) (float64, float64, bool) {
	if flow.AutoApproveBelow == nil {
		return 0, 0, false
	}
	amount, ok := snapshot["amount"].(float64)
	if !ok {
		return 0, 0, false
	}
	return amount, *flow.AutoApproveBelow, amount < *flow.AutoApproveBelow
}

// nextEligibleStep returns the first step after afterOrder whose skip conditions
// do not match, along with the IDs of the steps it passed over. Escalation
// targets are only entered through an escalation path.
func (e *ApprovalEngine) nextEligibleStep(steps []models.ApprovalStep, afterOrder int, snapshot map[string]interface{}) (*models.ApprovalStep, models.StringList) {
	ordered := make([]models.ApprovalStep, len(steps))
	copy(ordered, steps)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].StepOrder < ordered[j].StepOrder })

	var skipped models.StringList
	for i := range ordered {
		step := ordered[i]
		if step.StepOrder <= afterOrder || step.ApproverType == models.ApproverTypeEscalation {
			continue
		}
		if len(step.SkipConditions) > 0 && conditions.Evaluate(step.SkipConditions, snapshot) {
			e.logger.WithFields(logrus.Fields{
				"step_id":   step.ID,
				"step_name": step.Name,
			}).Debug("Skipping step, skip conditions matched")
			skipped = append(skipped, step.ID.String())
			continue
		}
		return &step, skipped
	}
	return nil, skipped
}

// --- Decisions ---

// Decide records a verdict on the request's current step and advances the request
func (e *ApprovalEngine) Decide(ctx context.Context, input DecideInput) (*models.ApprovalRequest, error) {
	if input.DecidedBy == "" {
		return nil, invalidInput("decidedBy is required")
	}
	if !models.IsValidDecision(input.Decision) {
		return nil, invalidInput("unknown decision %q", input.Decision)
	}
	if input.Decision == models.DecisionDelegated {
		if input.DelegatedTo == "" {
			return nil, invalidInput("delegatedTo is required when delegating")
		}
		if input.DelegatedTo == input.DecidedBy {
			return nil, invalidInput("cannot delegate to yourself")
		}
	}

	var decisionConditions datatypes.JSON
	if len(input.Conditions) > 0 {
		raw, err := json.Marshal(input.Conditions)
		if err != nil {
			return nil, invalidInput("conditions must be JSON-serializable")
		}
		decisionConditions = datatypes.JSON(raw)
	}

	// Pre-transaction validation; the identity lookup stays outside the transaction
	request, err := e.GetRequest(ctx, input.RequestID)
	if err != nil {
		return nil, err
	}
	if !request.IsAwaitingDecision() {
		return nil, invalidState("decide on", request.Status)
	}
	step, err := e.currentStep(ctx, e.repo, request)
	if err != nil {
		return nil, err
	}
	onBehalfOf, err := e.authorize(ctx, request, step, input.DecidedBy)
	if err != nil {
		return nil, err
	}

	var out []events.Event
	err = e.repo.WithTransaction(ctx, func(tx repository.Store) error {
		now := e.now()

		// Re-fetch request within transaction to ensure consistency
		txRequest, err := tx.GetRequestByID(ctx, input.RequestID)
		if err != nil {
			return mapNotFound(err, ErrRequestNotFound)
		}
		if !txRequest.IsAwaitingDecision() {
			return invalidState("decide on", txRequest.Status)
		}
		if txRequest.CurrentStepID == nil || *txRequest.CurrentStepID != step.ID {
			return fmt.Errorf("%w: the request has moved past this step", ErrInvalidState)
		}

		prior, err := tx.ListDecisions(ctx, txRequest.ID, step.ID)
		if err != nil {
			return err
		}
		for _, d := range prior {
			if d.DecidedBy == input.DecidedBy {
				return ErrAlreadyDecided
			}
		}

		decision := &models.ApprovalDecision{
			RequestID:        txRequest.ID,
			StepID:           step.ID,
			DecidedBy:        input.DecidedBy,
			OnBehalfOf:       onBehalfOf,
			Decision:         input.Decision,
			Comment:          input.Comment,
			Conditions:       decisionConditions,
			DelegationReason: input.DelegationReason,
			DecidedAt:        now,
		}
		if input.DelegatedTo != "" {
			delegatedTo := input.DelegatedTo
			decision.DelegatedTo = &delegatedTo
		}
		if err := tx.CreateDecision(ctx, decision); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return ErrAlreadyDecided
			}
			return fmt.Errorf("failed to create decision: %w", err)
		}

		details := map[string]interface{}{
			"decision":  input.Decision,
			"step_id":   step.ID.String(),
			"step_name": step.Name,
		}
		if input.Comment != "" {
			details["comment"] = input.Comment
		}
		if onBehalfOf != nil {
			details["on_behalf_of"] = *onBehalfOf
			details["via_delegation"] = true
		}
		if err := e.audit(ctx, tx, txRequest, models.AuditDecisionMade, input.DecidedBy, models.ActorUser, now, details); err != nil {
			return err
		}

		decided := e.newEvent(events.TopicDecided, txRequest, now)
		decided.ActorID = input.DecidedBy
		decided.Data["decision"] = input.Decision
		decided.Data["step_id"] = step.ID.String()
		decided.Data["decision_id"] = decision.ID.String()
		out = append(out, decided)

		changed := false
		if txRequest.Status == models.StatusPending || txRequest.Status == models.StatusEscalated {
			txRequest.Status = models.StatusInProgress
			changed = true
		}

		switch input.Decision {
		case models.DecisionRejected:
			txRequest.Status = models.StatusRejected
			txRequest.ResolvedAt = &now
			txRequest.ResolutionNote = input.Comment
			changed = true
			if err := e.audit(ctx, tx, txRequest, models.AuditRequestRejected, input.DecidedBy, models.ActorUser, now, map[string]interface{}{
				"step_id": step.ID.String(),
				"comment": input.Comment,
			}); err != nil {
				return err
			}
			out = append(out, e.newEvent(events.TopicRejected, txRequest, now))

		case models.DecisionReturned:
			txRequest.Status = models.StatusOnHold
			txRequest.ResolutionNote = input.Comment
			changed = true
			if err := e.audit(ctx, tx, txRequest, models.AuditRequestReturned, input.DecidedBy, models.ActorUser, now, map[string]interface{}{
				"step_id": step.ID.String(),
				"comment": input.Comment,
			}); err != nil {
				return err
			}
			out = append(out, e.newEvent(events.TopicReturned, txRequest, now))

		case models.DecisionDelegated:
			if err := e.audit(ctx, tx, txRequest, models.AuditDelegated, input.DecidedBy, models.ActorUser, now, map[string]interface{}{
				"step_id":      step.ID.String(),
				"delegated_to": input.DelegatedTo,
				"reason":       input.DelegationReason,
			}); err != nil {
				return err
			}

		case models.DecisionApproved:
			advanced, evt, err := e.completeStepIfSatisfied(ctx, tx, txRequest, step, input.DecidedBy, now)
			if err != nil {
				return err
			}
			if advanced {
				changed = true
				out = append(out, evt)
			}
		}

		if changed {
			txRequest.UpdatedAt = now
		}
		if err := e.saveRequest(ctx, tx, txRequest); err != nil {
			return err
		}
		request = txRequest
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.WithFields(logrus.Fields{
		"request_id": request.ID,
		"decision":   input.Decision,
		"decided_by": input.DecidedBy,
		"status":     request.Status,
	}).Info("Decision recorded")

	e.publish(ctx, out)
	return request, nil
}

// completeStepIfSatisfied advances or resolves the request once the step's quorum is met.
// requires_all uses min_approvals as the quorum, the same as any-one mode.
func (e *ApprovalEngine) completeStepIfSatisfied(ctx context.Context, tx repository.Store, request *models.ApprovalRequest, step *models.ApprovalStep, actorID string, now time.Time) (bool, events.Event, error) {
	decisions, err := tx.ListDecisions(ctx, request.ID, step.ID)
	if err != nil {
		return false, events.Event{}, err
	}
	approvals := 0
	for _, d := range decisions {
		if d.Decision == models.DecisionApproved {
			approvals++
		}
	}
	if approvals < step.RequiredApprovals() {
		return false, events.Event{}, nil
	}

	steps, err := tx.ListSteps(ctx, request.FlowID)
	if err != nil {
		return false, events.Event{}, err
	}
	next, skipped := e.nextEligibleStep(steps, step.StepOrder, request.Context())

	for _, id := range skipped {
		if !request.SkippedStepIDs.Contains(id) {
			request.SkippedStepIDs = append(request.SkippedStepIDs, id)
		}
	}

	if next == nil {
		request.Status = models.StatusApproved
		request.ResolvedAt = &now
		request.CurrentStepID = nil
		if err := e.audit(ctx, tx, request, models.AuditRequestApproved, actorID, models.ActorUser, now, map[string]interface{}{
			"final_step_id": step.ID.String(),
			"approvals":     approvals,
		}); err != nil {
			return false, events.Event{}, err
		}
		return true, e.newEvent(events.TopicApproved, request, now), nil
	}

	request.Status = models.StatusPending
	request.CurrentStepID = &next.ID
	if err := e.audit(ctx, tx, request, models.AuditStepAdvanced, actorID, models.ActorUser, now, map[string]interface{}{
		"from_step_id":     step.ID.String(),
		"to_step_id":       next.ID.String(),
		"step_name":        next.Name,
		"step_order":       next.StepOrder,
		"skipped_step_ids": []string(skipped),
	}); err != nil {
		return false, events.Event{}, err
	}

	advanced := e.newEvent(events.TopicStepAdvanced, request, now)
	advanced.Data["from_step_id"] = step.ID.String()
	advanced.Data["to_step_id"] = next.ID.String()
	advanced.Data["step_name"] = next.Name
	return true, advanced, nil
}

// authorize resolves whether userID may decide on step. Delegation only covers
// steps with a directly named approver; role steps cannot be delegated.
func (e *ApprovalEngine) authorize(ctx context.Context, request *models.ApprovalRequest, step *models.ApprovalStep, userID string) (*string, error) {
	if step.ApproverUserID != nil && *step.ApproverUserID == userID {
		return nil, nil
	}

	if step.ApproverRoleName != nil && e.roles != nil {
		roles, err := e.roles.GetUserRoles(ctx, userID)
		if err != nil {
			e.logger.WithError(err).WithField("user_id", userID).Warn("Role lookup failed, treating user as holding no roles")
		} else if identity.HasRole(roles, *step.ApproverRoleName) {
			return nil, nil
		}
	}

	if step.ApproverUserID != nil {
		delegation, err := e.repo.IsDelegateFor(ctx, *step.ApproverUserID, userID, request.EntityType, request.FlowID, e.now())
		if err == nil {
			delegator := delegation.DelegatorID
			return &delegator, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
	}

	return nil, ErrNotAuthorized
}

// --- Cancellation and resubmission ---

// Cancel withdraws an open request
func (e *ApprovalEngine) Cancel(ctx context.Context, requestID uuid.UUID, cancelledBy, reason string) (*models.ApprovalRequest, error) {
	var request *models.ApprovalRequest
	var out []events.Event

	err := e.repo.WithTransaction(ctx, func(tx repository.Store) error {
		now := e.now()
		txRequest, err := tx.GetRequestByID(ctx, requestID)
		if err != nil {
			return mapNotFound(err, ErrRequestNotFound)
		}
		if txRequest.IsTerminal() {
			return invalidState("cancel", txRequest.Status)
		}

		txRequest.Status = models.StatusCancelled
		txRequest.ResolvedAt = &now
		txRequest.ResolutionNote = reason
		txRequest.UpdatedAt = now
		if err := e.saveRequest(ctx, tx, txRequest); err != nil {
			return err
		}
		if err := e.audit(ctx, tx, txRequest, models.AuditCancelled, cancelledBy, models.ActorUser, now, map[string]interface{}{
			"reason": reason,
		}); err != nil {
			return err
		}

		cancelled := e.newEvent(events.TopicCancelled, txRequest, now)
		cancelled.ActorID = cancelledBy
		cancelled.Data["reason"] = reason
		out = append(out, cancelled)
		request = txRequest
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.WithFields(logrus.Fields{
		"request_id":   request.ID,
		"cancelled_by": cancelledBy,
	}).Info("Approval request cancelled")

	e.publish(ctx, out)
	return request, nil
}

// Resubmit starts a new request for the same entity. The previous request is
// never reopened; a returned (on_hold) request is closed as superseded.
func (e *ApprovalEngine) Resubmit(ctx context.Context, input ResubmitInput) (*models.ApprovalRequest, error) {
	if input.ResubmittedBy == "" {
		return nil, invalidInput("resubmittedBy is required")
	}

	var request *models.ApprovalRequest
	var out []events.Event
	var entityType, entityID string

	err := e.repo.WithTransaction(ctx, func(tx repository.Store) error {
		now := e.now()
		previous, err := tx.GetRequestByID(ctx, input.RequestID)
		if err != nil {
			return mapNotFound(err, ErrRequestNotFound)
		}
		entityType, entityID = previous.EntityType, previous.EntityID

		previousStatus := previous.Status
		switch previousStatus {
		case models.StatusRejected, models.StatusCancelled:
		case models.StatusOnHold:
			previous.Status = models.StatusCancelled
			previous.ResolvedAt = &now
			previous.ResolutionNote = noteSuperseded
			previous.UpdatedAt = now
			if err := e.saveRequest(ctx, tx, previous); err != nil {
				return err
			}
			superseded := e.newEvent(events.TopicCancelled, previous, now)
			superseded.ActorID = input.ResubmittedBy
			superseded.Data["reason"] = noteSuperseded
			out = append(out, superseded)
		default:
			return invalidState("resubmit", previousStatus)
		}

		submission := input.Context
		if submission == nil {
			submission = previous.Context()
		}

		next, evts, err := e.submitTx(ctx, tx, SubmitInput{
			EntityType:  previous.EntityType,
			EntityID:    previous.EntityID,
			Context:     submission,
			RequestedBy: input.ResubmittedBy,
			Priority:    previous.Priority,
			DueBy:       previous.DueBy,
		}, now)
		if err != nil {
			return err
		}

		if err := e.audit(ctx, tx, previous, models.AuditResubmitted, input.ResubmittedBy, models.ActorUser, now, map[string]interface{}{
			"new_request_id":  next.ID.String(),
			"previous_status": previousStatus,
		}); err != nil {
			return err
		}

		out = append(out, evts...)
		request = next
		return nil
	})
	if err != nil {
		return nil, e.identifyPending(ctx, err, entityType, entityID)
	}

	e.logger.WithFields(logrus.Fields{
		"previous_request_id": input.RequestID,
		"request_id":          request.ID,
	}).Info("Approval request resubmitted")

	e.publish(ctx, out)
	return request, nil
}

// --- Time-driven transitions ---

// Escalate moves the request to its current step's escalation step. Without an
// escalation path it records an escalation_attempted entry and changes nothing.
// Scheduler escalations are a no-op unless the current step has timed out.
func (e *ApprovalEngine) Escalate(ctx context.Context, input EscalateInput) (*models.ApprovalRequest, error) {
	if input.ActorType == "" {
		input.ActorType = models.ActorUser
	}

	var request *models.ApprovalRequest
	var out []events.Event

	err := e.repo.WithTransaction(ctx, func(tx repository.Store) error {
		now := input.At
		if now.IsZero() {
			now = e.now()
		}

		txRequest, err := tx.GetRequestByID(ctx, input.RequestID)
		if err != nil {
			return mapNotFound(err, ErrRequestNotFound)
		}
		if !txRequest.IsAwaitingDecision() {
			return invalidState("escalate", txRequest.Status)
		}
		step, err := e.currentStep(ctx, tx, txRequest)
		if err != nil {
			return err
		}
		// A timeout escalation is void once the request has moved on or been touched
		if input.ActorType == models.ActorScheduler && !stepTimedOut(txRequest, step, now) {
			request = txRequest
			return nil
		}

		var target *models.ApprovalStep
		if step.EscalationStepID != nil {
			target, err = tx.GetStepByID(ctx, *step.EscalationStepID)
			if err != nil && !errors.Is(err, repository.ErrNotFound) {
				return err
			}
			if target != nil && target.FlowID != txRequest.FlowID {
				target = nil
			}
		}

		if target == nil {
			request = txRequest
			return e.audit(ctx, tx, txRequest, models.AuditEscalationAttempted, input.ActorID, input.ActorType, now, map[string]interface{}{
				"reason":  input.Reason,
				"step_id": step.ID.String(),
				"result":  "no escalation path configured",
			})
		}

		txRequest.Status = models.StatusEscalated
		txRequest.CurrentStepID = &target.ID
		txRequest.UpdatedAt = now
		if err := e.saveRequest(ctx, tx, txRequest); err != nil {
			return err
		}
		if err := e.audit(ctx, tx, txRequest, models.AuditEscalated, input.ActorID, input.ActorType, now, map[string]interface{}{
			"reason":       input.Reason,
			"from_step_id": step.ID.String(),
			"to_step_id":   target.ID.String(),
		}); err != nil {
			return err
		}

		escalated := e.newEvent(events.TopicEscalated, txRequest, now)
		escalated.ActorID = input.ActorID
		escalated.Data["reason"] = input.Reason
		escalated.Data["from_step_id"] = step.ID.String()
		escalated.Data["to_step_id"] = target.ID.String()
		out = append(out, escalated)
		request = txRequest
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.publish(ctx, out)
	return request, nil
}

// SendReminder records a reminder for the current step's approver and emits
// approval.reminder. It returns false when the reminder is no longer due.
func (e *ApprovalEngine) SendReminder(ctx context.Context, requestID uuid.UUID, at time.Time) (bool, error) {
	var out []events.Event

	err := e.repo.WithTransaction(ctx, func(tx repository.Store) error {
		request, err := tx.GetRequestByID(ctx, requestID)
		if err != nil {
			return mapNotFound(err, ErrRequestNotFound)
		}
		if !request.IsAwaitingDecision() {
			return nil
		}
		step, err := e.currentStep(ctx, tx, request)
		if err != nil {
			return err
		}
		if step.ReminderAfterHours == nil || at.Before(request.UpdatedAt.Add(hours(*step.ReminderAfterHours))) {
			return nil
		}

		last, err := tx.LatestAuditLog(ctx, request.ID, models.AuditReminderSent)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		if last != nil && at.Before(last.CreatedAt.Add(hours(*step.ReminderAfterHours))) {
			return nil
		}

		details := map[string]interface{}{
			"step_id":   step.ID.String(),
			"step_name": step.Name,
		}
		reminder := e.newEvent(events.TopicReminder, request, at)
		reminder.Data["step_id"] = step.ID.String()
		reminder.Data["step_name"] = step.Name
		if step.ApproverUserID != nil {
			details["approver_user_id"] = *step.ApproverUserID
			reminder.Data["approver_user_id"] = *step.ApproverUserID
		}
		if step.ApproverRoleName != nil {
			details["approver_role_name"] = *step.ApproverRoleName
			reminder.Data["approver_role_name"] = *step.ApproverRoleName
		}
		if err := e.audit(ctx, tx, request, models.AuditReminderSent, "", models.ActorScheduler, at, details); err != nil {
			return err
		}
		out = append(out, reminder)
		return nil
	})
	if err != nil {
		return false, err
	}

	e.publish(ctx, out)
	return len(out) > 0, nil
}

// Expire closes a request that has outlived its flow's auto_reject_after_hours.
// It returns false when the request is no longer eligible.
func (e *ApprovalEngine) Expire(ctx context.Context, requestID uuid.UUID, at time.Time) (bool, error) {
	var out []events.Event

	err := e.repo.WithTransaction(ctx, func(tx repository.Store) error {
		request, err := tx.GetRequestByID(ctx, requestID)
		if err != nil {
			return mapNotFound(err, ErrRequestNotFound)
		}
		if !request.IsAwaitingDecision() {
			return nil
		}
		flow, err := tx.GetFlowByID(ctx, request.FlowID)
		if err != nil {
			return mapNotFound(err, ErrFlowNotFound)
		}
		if flow.AutoRejectAfterHours == nil || at.Before(request.RequestedAt.Add(hours(*flow.AutoRejectAfterHours))) {
			return nil
		}

		note := fmt.Sprintf("Automatically expired after %d hours without resolution", *flow.AutoRejectAfterHours)
		request.Status = models.StatusExpired
		request.ResolvedAt = &at
		request.ResolutionNote = note
		request.UpdatedAt = at
		if err := e.saveRequest(ctx, tx, request); err != nil {
			return err
		}
		if err := e.audit(ctx, tx, request, models.AuditExpired, "", models.ActorScheduler, at, map[string]interface{}{
			"reason":                  note,
			"auto_reject_after_hours": *flow.AutoRejectAfterHours,
		}); err != nil {
			return err
		}
		out = append(out, e.newEvent(events.TopicExpired, request, at))
		return nil
	})
	if err != nil {
		return false, err
	}

	e.publish(ctx, out)
	return len(out) > 0, nil
}

// --- Queries ---

// GetRequest retrieves a request by ID
func (e *ApprovalEngine) GetRequest(ctx context.Context, requestID uuid.UUID) (*models.ApprovalRequest, error) {
	request, err := e.repo.GetRequestByID(ctx, requestID)
	if err != nil {
		return nil, mapNotFound(err, ErrRequestNotFound)
	}
	return request, nil
}

// GetAuditTrail returns a request's audit entries, oldest first
func (e *ApprovalEngine) GetAuditTrail(ctx context.Context, requestID uuid.UUID) ([]models.ApprovalAuditLog, error) {
	if _, err := e.GetRequest(ctx, requestID); err != nil {
		return nil, err
	}
	return e.repo.ListAuditLogs(ctx, requestID)
}

// ListDecisions returns every decision recorded on a request
func (e *ApprovalEngine) ListDecisions(ctx context.Context, requestID uuid.UUID) ([]models.ApprovalDecision, error) {
	if _, err := e.GetRequest(ctx, requestID); err != nil {
		return nil, err
	}
	return e.repo.ListDecisionsForRequest(ctx, requestID)
}

// GetHistoryForEntity returns every request made for an entity, newest first
func (e *ApprovalEngine) GetHistoryForEntity(ctx context.Context, entityType, entityID string) ([]models.ApprovalRequest, error) {
	return e.repo.ListRequestsForEntity(ctx, entityType, entityID)
}

// GetPendingForUser lists requests whose current step the user may decide on
// and has not yet decided on, most urgent first
func (e *ApprovalEngine) GetPendingForUser(ctx context.Context, userID string) ([]PendingApproval, error) {
	now := e.now()

	var roles []string
	if e.roles != nil {
		var err error
		roles, err = e.roles.GetUserRoles(ctx, userID)
		if err != nil {
			e.logger.WithError(err).WithField("user_id", userID).Warn("Role lookup failed, listing direct assignments only")
			roles = nil
		}
	}

	delegations, err := e.repo.FindActiveDelegations(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	byDelegator := make(map[string][]models.ApprovalDelegation)
	userIDs := []string{userID}
	for _, d := range delegations {
		if _, seen := byDelegator[d.DelegatorID]; !seen {
			userIDs = append(userIDs, d.DelegatorID)
		}
		byDelegator[d.DelegatorID] = append(byDelegator[d.DelegatorID], d)
	}

	requests, err := e.repo.ListRequestsAwaiting(ctx, userIDs, roles)
	if err != nil {
		return nil, err
	}

	steps := make(map[uuid.UUID]*models.ApprovalStep)
	var pending []PendingApproval
	for _, request := range requests {
		stepID := *request.CurrentStepID
		step, ok := steps[stepID]
		if !ok {
			step, err = e.repo.GetStepByID(ctx, stepID)
			if err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					continue
				}
				return nil, err
			}
			steps[stepID] = step
		}

		var onBehalfOf *string
		switch {
		case step.ApproverUserID != nil && *step.ApproverUserID == userID:
		case step.ApproverRoleName != nil && identity.HasRole(roles, *step.ApproverRoleName):
		case step.ApproverUserID != nil && coversRequest(byDelegator[*step.ApproverUserID], &request):
			delegator := *step.ApproverUserID
			onBehalfOf = &delegator
		default:
			continue
		}

		decisions, err := e.repo.ListDecisions(ctx, request.ID, stepID)
		if err != nil {
			return nil, err
		}
		if decidedBy(decisions, userID) {
			continue
		}

		pending = append(pending, PendingApproval{Request: request, Step: *step, OnBehalfOf: onBehalfOf})
	}

	sort.SliceStable(pending, func(i, j int) bool {
		return priorityRank(pending[i].Request.Priority) > priorityRank(pending[j].Request.Priority)
	})
	return pending, nil
}

// GetQueueCount returns how many requests are waiting on the user
func (e *ApprovalEngine) GetQueueCount(ctx context.Context, userID string) (int, error) {
	pending, err := e.GetPendingForUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}

// --- Helpers ---

func (e *ApprovalEngine) currentStep(ctx context.Context, store repository.Store, request *models.ApprovalRequest) (*models.ApprovalStep, error) {
	if request.CurrentStepID == nil {
		return nil, fmt.Errorf("%w: request has no current step", ErrInvalidState)
	}
	step, err := store.GetStepByID(ctx, *request.CurrentStepID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: current step no longer exists", ErrInvalidState)
		}
		return nil, err
	}
	return step, nil
}

// identifyPending fills in the blocking request's ID when the one-open-request
// index rejected a write. The lookup runs after the failed transaction.
func (e *ApprovalEngine) identifyPending(ctx context.Context, err error, entityType, entityID string) error {
	var pending *AlreadyPendingError
	if !errors.As(err, &pending) || pending.RequestID != uuid.Nil || entityType == "" {
		return err
	}
	existing, findErr := e.repo.FindActiveRequest(ctx, entityType, entityID)
	if findErr != nil {
		e.logger.WithError(findErr).WithFields(logrus.Fields{
			"entity_type": entityType,
			"entity_id":   entityID,
		}).Warn("Failed to look up the open request blocking a submission")
		return err
	}
	return &AlreadyPendingError{RequestID: existing.ID}
}

func (e *ApprovalEngine) saveRequest(ctx context.Context, tx repository.Store, request *models.ApprovalRequest) error {
	if err := tx.UpdateRequest(ctx, request); err != nil {
		switch {
		case errors.Is(err, repository.ErrConflict):
			return fmt.Errorf("%w: request was modified concurrently", ErrInvalidState)
		case errors.Is(err, repository.ErrDuplicate):
			return &AlreadyPendingError{}
		}
		return fmt.Errorf("failed to update request: %w", err)
	}
	return nil
}

// audit writes an audit entry inside the caller's transaction
func (e *ApprovalEngine) audit(ctx context.Context, tx repository.Store, request *models.ApprovalRequest, action, actorID, actorType string, at time.Time, details map[string]interface{}) error {
	entry := &models.ApprovalAuditLog{
		RequestID: request.ID,
		Action:    action,
		ActorID:   actorID,
		ActorType: actorType,
		Details:   datatypes.JSONMap(details),
		CreatedAt: at,
	}
	if err := tx.CreateAuditLog(ctx, entry); err != nil {
		return fmt.Errorf("failed to write %s audit entry: %w", action, err)
	}
	return nil
}

func (e *ApprovalEngine) newEvent(topic string, request *models.ApprovalRequest, at time.Time) events.Event {
	event := events.NewEvent(topic, at)
	event.RequestID = request.ID.String()
	event.EntityType = request.EntityType
	event.EntityID = request.EntityID
	event.Status = request.Status
	return event
}

// publish emits committed events; it never fails the operation
func (e *ApprovalEngine) publish(ctx context.Context, out []events.Event) {
	if e.bus == nil {
		return
	}
	for _, event := range out {
		e.bus.Publish(ctx, event)
	}
}

// freezeContext takes a deep, JSON-normalized copy of the submission context
func freezeContext(submission map[string]interface{}) (datatypes.JSONMap, error) {
	snapshot := datatypes.JSONMap{}
	if len(submission) == 0 {
		return snapshot, nil
	}
	raw, err := json.Marshal(submission)
	if err != nil {
		return nil, invalidInput("context must be JSON-serializable: %v", err)
	}
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, invalidInput("context must be a JSON object: %v", err)
	}
	return snapshot, nil
}

func coversRequest(delegations []models.ApprovalDelegation, request *models.ApprovalRequest) bool {
	for i := range delegations {
		if delegations[i].Covers(request.EntityType, request.FlowID) {
			return true
		}
	}
	return false
}

func decidedBy(decisions []models.ApprovalDecision, userID string) bool {
	for _, d := range decisions {
		if d.DecidedBy == userID {
			return true
		}
	}
	return false
}

func mapNotFound(err error, target error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return target
	}
	return err
}

func hours(h int) time.Duration {
	return time.Duration(h) * time.Hour
}

func stepTimedOut(request *models.ApprovalRequest, step *models.ApprovalStep, at time.Time) bool {
	return step.TimeoutHours != nil && !at.Before(request.UpdatedAt.Add(hours(*step.TimeoutHours)))
}

func isValidPriority(p string) bool {
	return priorityRank(p) > 0
}

func priorityRank(p string) int {
	switch p {
	case models.PriorityLow:
		return 1
	case models.PriorityNormal:
		return 2
	case models.PriorityHigh:
		return 3
	case models.PriorityUrgent:
		return 4
	}
	return 0
}
