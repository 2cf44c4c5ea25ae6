package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"approval-engine/internal/models"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate record")
	ErrConflict  = errors.New("version conflict - record was modified by another request")

	// ErrInvalidReorder is returned when a reorder list is not a permutation of the flow's steps
	ErrInvalidReorder = errors.New("step order must list every step of the flow exactly once")
)

// Store is the persistence port used by the engine. Implementations must make
// every call made through the Store handed to WithTransaction's callback
// atomic with the other calls in that callback.
type Store interface {
	// Flows
	CreateFlow(ctx context.Context, flow *models.ApprovalFlow) error
	UpdateFlow(ctx context.Context, flow *models.ApprovalFlow) error
	GetFlowByID(ctx context.Context, id uuid.UUID) (*models.ApprovalFlow, error)
	GetFlowBySlug(ctx context.Context, slug string) (*models.ApprovalFlow, error)
	ListFlows(ctx context.Context, entityType string, activeOnly bool) ([]models.ApprovalFlow, error)

	// Steps
	CreateStep(ctx context.Context, step *models.ApprovalStep) error
	UpdateStep(ctx context.Context, step *models.ApprovalStep) error
	DeleteStep(ctx context.Context, id uuid.UUID) error
	GetStepByID(ctx context.Context, id uuid.UUID) (*models.ApprovalStep, error)
	ListSteps(ctx context.Context, flowID uuid.UUID) ([]models.ApprovalStep, error)
	ReorderSteps(ctx context.Context, flowID uuid.UUID, stepIDs []uuid.UUID) error

	// Requests
	CreateRequest(ctx context.Context, request *models.ApprovalRequest) error
	GetRequestByID(ctx context.Context, id uuid.UUID) (*models.ApprovalRequest, error)
	FindActiveRequest(ctx context.Context, entityType, entityID string) (*models.ApprovalRequest, error)
	CountOpenRequestsOnStep(ctx context.Context, stepID uuid.UUID) (int64, error)
	UpdateRequest(ctx context.Context, request *models.ApprovalRequest) error
	ListRequestsForEntity(ctx context.Context, entityType, entityID string) ([]models.ApprovalRequest, error)
	ListRequestsAwaiting(ctx context.Context, userIDs []string, roles []string) ([]models.ApprovalRequest, error)

	// Decisions
	CreateDecision(ctx context.Context, decision *models.ApprovalDecision) error
	ListDecisions(ctx context.Context, requestID, stepID uuid.UUID) ([]models.ApprovalDecision, error)
	ListDecisionsForRequest(ctx context.Context, requestID uuid.UUID) ([]models.ApprovalDecision, error)

	// Audit
	CreateAuditLog(ctx context.Context, log *models.ApprovalAuditLog) error
	ListAuditLogs(ctx context.Context, requestID uuid.UUID) ([]models.ApprovalAuditLog, error)
	LatestAuditLog(ctx context.Context, requestID uuid.UUID, action string) (*models.ApprovalAuditLog, error)

	// Delegations
	CreateDelegation(ctx context.Context, delegation *models.ApprovalDelegation) error
	GetDelegationByID(ctx context.Context, id uuid.UUID) (*models.ApprovalDelegation, error)
	ListDelegationsByDelegator(ctx context.Context, delegatorID string, includeExpired bool, at time.Time) ([]models.ApprovalDelegation, error)
	ListDelegationsByDelegate(ctx context.Context, delegateID string, includeExpired bool, at time.Time) ([]models.ApprovalDelegation, error)
	FindActiveDelegations(ctx context.Context, delegateID string, at time.Time) ([]models.ApprovalDelegation, error)
	IsDelegateFor(ctx context.Context, delegatorID, delegateID, entityType string, flowID uuid.UUID, at time.Time) (*models.ApprovalDelegation, error)
	HasOverlappingDelegation(ctx context.Context, delegation *models.ApprovalDelegation) (bool, error)
	RevokeDelegation(ctx context.Context, id uuid.UUID, revokedBy, reason string, at time.Time) error
	DeactivateExpiredDelegations(ctx context.Context, at time.Time) (int64, error)

	// Sweep finders
	FindTimedOutRequests(ctx context.Context, at time.Time) ([]models.ApprovalRequest, error)
	FindRequestsNeedingReminder(ctx context.Context, at time.Time) ([]models.ApprovalRequest, error)
	FindExpiredRequests(ctx context.Context, at time.Time) ([]models.ApprovalRequest, error)

	WithTransaction(ctx context.Context, fn func(tx Store) error) error
}

// hoursElapsed reports whether at least hours have passed between since and at.
func hoursElapsed(since, at time.Time, hours int) bool {
	return !at.Before(since.Add(time.Duration(hours) * time.Hour))
}

// timedOut reports whether the request has sat on a step with a timeout for too long.
func timedOut(req *models.ApprovalRequest, step *models.ApprovalStep, at time.Time) bool {
	return step != nil && step.TimeoutHours != nil && hoursElapsed(req.UpdatedAt, at, *step.TimeoutHours)
}

// reminderDue checks the reminder window; the audit de-duplication happens in
// the caller because it needs the latest reminder entry.
func reminderDue(req *models.ApprovalRequest, step *models.ApprovalStep, at time.Time) bool {
	return step != nil && step.ReminderAfterHours != nil && hoursElapsed(req.UpdatedAt, at, *step.ReminderAfterHours)
}

func expired(req *models.ApprovalRequest, flow *models.ApprovalFlow, at time.Time) bool {
	return flow != nil && flow.AutoRejectAfterHours != nil && hoursElapsed(req.RequestedAt, at, *flow.AutoRejectAfterHours)
}

// reminderWindowOpen is true when no reminder was sent within the step's reminder window.
func reminderWindowOpen(last *models.ApprovalAuditLog, step *models.ApprovalStep, at time.Time) bool {
	if last == nil {
		return true
	}
	return hoursElapsed(last.CreatedAt, at, *step.ReminderAfterHours)
}

func validateReorder(steps []models.ApprovalStep, stepIDs []uuid.UUID) error {
	if len(steps) != len(stepIDs) {
		return ErrInvalidReorder
	}
	known := make(map[uuid.UUID]bool, len(steps))
	for _, s := range steps {
		known[s.ID] = true
	}
	for _, id := range stepIDs {
		if !known[id] {
			return ErrInvalidReorder
		}
		delete(known, id)
	}
	return nil
}
