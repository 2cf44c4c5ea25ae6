package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"approval-engine/internal/models"
)

// ApprovalRepository is the gorm-backed Store
type ApprovalRepository struct {
	db   *gorm.DB
	inTx bool
}

var _ Store = (*ApprovalRepository)(nil)

// NewApprovalRepository creates a new ApprovalRepository
func NewApprovalRepository(db *gorm.DB) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

// AutoMigrate creates or updates the approval tables
func (r *ApprovalRepository) AutoMigrate() error {
	return r.db.AutoMigrate(
		&models.ApprovalFlow{},
		&models.ApprovalStep{},
		&models.ApprovalRequest{},
		&models.ApprovalDecision{},
		&models.ApprovalAuditLog{},
		&models.ApprovalDelegation{},
	)
}

// WithTransaction runs fn inside a database transaction. Calls made on an
// already-transactional repository join the outer transaction.
func (r *ApprovalRepository) WithTransaction(ctx context.Context, fn func(tx Store) error) error {
	if r.inTx {
		return fn(r)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&ApprovalRepository{db: tx, inTx: true})
	})
}

// translateError maps driver errors onto the repository's sentinel errors
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	msg := err.Error()
	if strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint failed") {
		return ErrDuplicate
	}
	return err
}

// --- Flow Methods ---

// CreateFlow creates a flow together with any steps attached to it
func (r *ApprovalRepository) CreateFlow(ctx context.Context, flow *models.ApprovalFlow) error {
	return translateError(r.db.WithContext(ctx).Create(flow).Error)
}

// UpdateFlow updates a flow's configuration. Steps are managed separately.
func (r *ApprovalRepository) UpdateFlow(ctx context.Context, flow *models.ApprovalFlow) error {
	result := r.db.WithContext(ctx).
		Model(flow).
		Select("name", "description", "entity_type", "trigger_conditions", "priority",
			"allow_parallel_steps", "auto_approve_below", "auto_reject_after_hours", "is_active", "updated_at").
		Updates(flow)
	if result.Error != nil {
		return translateError(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func orderedSteps(db *gorm.DB) *gorm.DB {
	return db.Order("step_order ASC")
}

// GetFlowByID retrieves a flow and its ordered steps
func (r *ApprovalRepository) GetFlowByID(ctx context.Context, id uuid.UUID) (*models.ApprovalFlow, error) {
	var flow models.ApprovalFlow
	err := r.db.WithContext(ctx).
		Preload("Steps", orderedSteps).
		Where("id = ?", id).
		First(&flow).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &flow, nil
}

// GetFlowBySlug retrieves a flow by its unique slug
func (r *ApprovalRepository) GetFlowBySlug(ctx context.Context, slug string) (*models.ApprovalFlow, error) {
	var flow models.ApprovalFlow
	err := r.db.WithContext(ctx).
		Preload("Steps", orderedSteps).
		Where("slug = ?", slug).
		First(&flow).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &flow, nil
}

// ListFlows lists flows ordered by priority, highest first. An empty entityType lists all.
func (r *ApprovalRepository) ListFlows(ctx context.Context, entityType string, activeOnly bool) ([]models.ApprovalFlow, error) {
	var flows []models.ApprovalFlow
	query := r.db.WithContext(ctx).Preload("Steps", orderedSteps)
	if entityType != "" {
		query = query.Where("entity_type = ?", entityType)
	}
	if activeOnly {
		query = query.Where("is_active = ?", true)
	}
	err := query.Order("priority DESC, created_at ASC").Find(&flows).Error
	return flows, translateError(err)
}

// --- Step Methods ---

// CreateStep adds a step to a flow
func (r *ApprovalRepository) CreateStep(ctx context.Context, step *models.ApprovalStep) error {
	return translateError(r.db.WithContext(ctx).Create(step).Error)
}

// UpdateStep updates a step's configuration
func (r *ApprovalRepository) UpdateStep(ctx context.Context, step *models.ApprovalStep) error {
	result := r.db.WithContext(ctx).
		Model(step).
		Select("name", "step_order", "approver_type", "approver_user_id", "approver_role_name",
			"requires_all", "min_approvals", "skip_conditions", "timeout_hours",
			"escalation_step_id", "reminder_after_hours", "updated_at").
		Updates(step)
	if result.Error != nil {
		return translateError(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteStep removes a step
func (r *ApprovalRepository) DeleteStep(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.ApprovalStep{})
	if result.Error != nil {
		return translateError(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetStepByID retrieves a step by ID
func (r *ApprovalRepository) GetStepByID(ctx context.Context, id uuid.UUID) (*models.ApprovalStep, error) {
	var step models.ApprovalStep
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&step).Error; err != nil {
		return nil, translateError(err)
	}
	return &step, nil
}

// ListSteps lists a flow's steps in ascending step_order
func (r *ApprovalRepository) ListSteps(ctx context.Context, flowID uuid.UUID) ([]models.ApprovalStep, error) {
	var steps []models.ApprovalStep
	err := r.db.WithContext(ctx).
		Where("flow_id = ?", flowID).
		Order("step_order ASC").
		Find(&steps).Error
	return steps, translateError(err)
}

// ReorderSteps assigns step_order 1..n following stepIDs. stepIDs must name
// every step of the flow exactly once.
func (r *ApprovalRepository) ReorderSteps(ctx context.Context, flowID uuid.UUID, stepIDs []uuid.UUID) error {
	return r.WithTransaction(ctx, func(tx Store) error {
		txRepo := tx.(*ApprovalRepository)
		steps, err := txRepo.ListSteps(ctx, flowID)
		if err != nil {
			return err
		}
		if err := validateReorder(steps, stepIDs); err != nil {
			return err
		}

		// Move everything out of the way first so the (flow_id, step_order)
		// unique index never sees two rows with the same order.
		for i, id := range stepIDs {
			if err := txRepo.setStepOrder(ctx, id, -(i + 1)); err != nil {
				return err
			}
		}
		for i, id := range stepIDs {
			if err := txRepo.setStepOrder(ctx, id, i+1); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *ApprovalRepository) setStepOrder(ctx context.Context, id uuid.UUID, order int) error {
	return translateError(r.db.WithContext(ctx).
		Model(&models.ApprovalStep{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"step_order": order, "updated_at": time.Now().UTC()}).Error)
}

// --- Request Methods ---

// CreateRequest creates a new approval request. A second open request for the
// same entity fails with ErrDuplicate.
func (r *ApprovalRepository) CreateRequest(ctx context.Context, request *models.ApprovalRequest) error {
	request.SyncActiveKey()
	if request.Version == 0 {
		request.Version = 1
	}
	return translateError(r.db.WithContext(ctx).Omit("Flow").Create(request).Error)
}

// GetRequestByID retrieves a request by ID
func (r *ApprovalRepository) GetRequestByID(ctx context.Context, id uuid.UUID) (*models.ApprovalRequest, error) {
	var request models.ApprovalRequest
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&request).Error; err != nil {
		return nil, translateError(err)
	}
	return &request, nil
}

// FindActiveRequest returns the entity's non-terminal request, if any
func (r *ApprovalRepository) FindActiveRequest(ctx context.Context, entityType, entityID string) (*models.ApprovalRequest, error) {
	var request models.ApprovalRequest
	err := r.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ? AND status IN ?", entityType, entityID, models.NonTerminalStatuses).
		Order("requested_at DESC").
		First(&request).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &request, nil
}

// CountOpenRequestsOnStep counts non-terminal requests whose current step is stepID
func (r *ApprovalRepository) CountOpenRequestsOnStep(ctx context.Context, stepID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.ApprovalRequest{}).
		Where("current_step_id = ? AND status IN ?", stepID, models.NonTerminalStatuses).
		Count(&count).Error
	if err != nil {
		return 0, translateError(err)
	}
	return count, nil
}

// UpdateRequest writes the request's mutable fields with optimistic locking
func (r *ApprovalRepository) UpdateRequest(ctx context.Context, request *models.ApprovalRequest) error {
	oldVersion := request.Version
	request.SyncActiveKey()

	result := r.db.WithContext(ctx).Model(&models.ApprovalRequest{}).
		Where("id = ? AND version = ?", request.ID, oldVersion).
		Updates(map[string]interface{}{
			"status":           request.Status,
			"current_step_id":  request.CurrentStepID,
			"resolved_at":      request.ResolvedAt,
			"resolution_note":  request.ResolutionNote,
			"skipped_step_ids": request.SkippedStepIDs,
			"active_key":       request.ActiveKey,
			"version":          oldVersion + 1,
			"updated_at":       request.UpdatedAt,
		})

	if result.Error != nil {
		return translateError(result.Error)
	}

	if result.RowsAffected == 0 {
		return ErrConflict
	}

	request.Version = oldVersion + 1
	return nil
}

// ListRequestsForEntity lists every request ever made for an entity, newest first
func (r *ApprovalRepository) ListRequestsForEntity(ctx context.Context, entityType, entityID string) ([]models.ApprovalRequest, error) {
	var requests []models.ApprovalRequest
	err := r.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Order("requested_at DESC").
		Find(&requests).Error
	return requests, translateError(err)
}

// ListRequestsAwaiting lists open requests whose current step names one of
// userIDs as direct approver or one of roles as approver role
func (r *ApprovalRepository) ListRequestsAwaiting(ctx context.Context, userIDs []string, roles []string) ([]models.ApprovalRequest, error) {
	var requests []models.ApprovalRequest
	if len(userIDs) == 0 && len(roles) == 0 {
		return requests, nil
	}

	query := r.db.WithContext(ctx).
		Select("approval_requests.*").
		Joins("JOIN approval_steps ON approval_steps.id = approval_requests.current_step_id").
		Where("approval_requests.status IN ?", models.AwaitingDecisionStatuses)

	switch {
	case len(userIDs) > 0 && len(roles) > 0:
		query = query.Where("approval_steps.approver_user_id IN ? OR approval_steps.approver_role_name IN ?", userIDs, roles)
	case len(userIDs) > 0:
		query = query.Where("approval_steps.approver_user_id IN ?", userIDs)
	default:
		query = query.Where("approval_steps.approver_role_name IN ?", roles)
	}

	err := query.Order("approval_requests.requested_at ASC").Find(&requests).Error
	return requests, translateError(err)
}

// --- Decision Methods ---

// CreateDecision records a decision. A second decision by the same user on
// the same step fails with ErrDuplicate.
func (r *ApprovalRepository) CreateDecision(ctx context.Context, decision *models.ApprovalDecision) error {
	return translateError(r.db.WithContext(ctx).Create(decision).Error)
}

// ListDecisions lists decisions recorded on one step of a request
func (r *ApprovalRepository) ListDecisions(ctx context.Context, requestID, stepID uuid.UUID) ([]models.ApprovalDecision, error) {
	var decisions []models.ApprovalDecision
	err := r.db.WithContext(ctx).
		Where("request_id = ? AND step_id = ?", requestID, stepID).
		Order("decided_at ASC").
		Find(&decisions).Error
	return decisions, translateError(err)
}

// ListDecisionsForRequest lists all decisions on a request
func (r *ApprovalRepository) ListDecisionsForRequest(ctx context.Context, requestID uuid.UUID) ([]models.ApprovalDecision, error) {
	var decisions []models.ApprovalDecision
	err := r.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("decided_at ASC").
		Find(&decisions).Error
	return decisions, translateError(err)
}

// --- Audit Methods ---

// CreateAuditLog creates an audit log entry
func (r *ApprovalRepository) CreateAuditLog(ctx context.Context, log *models.ApprovalAuditLog) error {
	return translateError(r.db.WithContext(ctx).Create(log).Error)
}

// ListAuditLogs retrieves the audit trail for a request
func (r *ApprovalRepository) ListAuditLogs(ctx context.Context, requestID uuid.UUID) ([]models.ApprovalAuditLog, error) {
	var logs []models.ApprovalAuditLog
	err := r.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("created_at ASC").
		Find(&logs).Error
	return logs, translateError(err)
}

// LatestAuditLog returns the newest entry with the given action
func (r *ApprovalRepository) LatestAuditLog(ctx context.Context, requestID uuid.UUID, action string) (*models.ApprovalAuditLog, error) {
	var log models.ApprovalAuditLog
	err := r.db.WithContext(ctx).
		Where("request_id = ? AND action = ?", requestID, action).
		Order("created_at DESC").
		First(&log).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &log, nil
}

// --- Delegation Methods ---

// CreateDelegation creates a new delegation record
func (r *ApprovalRepository) CreateDelegation(ctx context.Context, delegation *models.ApprovalDelegation) error {
	return translateError(r.db.WithContext(ctx).Create(delegation).Error)
}

// GetDelegationByID retrieves a delegation by ID
func (r *ApprovalRepository) GetDelegationByID(ctx context.Context, id uuid.UUID) (*models.ApprovalDelegation, error) {
	var delegation models.ApprovalDelegation
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&delegation).Error; err != nil {
		return nil, translateError(err)
	}
	return &delegation, nil
}

// ListDelegationsByDelegator retrieves delegations created by a user
func (r *ApprovalRepository) ListDelegationsByDelegator(ctx context.Context, delegatorID string, includeExpired bool, at time.Time) ([]models.ApprovalDelegation, error) {
	return r.listDelegations(ctx, "delegator_id = ?", delegatorID, includeExpired, at)
}

// ListDelegationsByDelegate retrieves delegations granted to a user
func (r *ApprovalRepository) ListDelegationsByDelegate(ctx context.Context, delegateID string, includeExpired bool, at time.Time) ([]models.ApprovalDelegation, error) {
	return r.listDelegations(ctx, "delegate_id = ?", delegateID, includeExpired, at)
}

func (r *ApprovalRepository) listDelegations(ctx context.Context, cond string, userID string, includeExpired bool, at time.Time) ([]models.ApprovalDelegation, error) {
	var delegations []models.ApprovalDelegation
	query := r.db.WithContext(ctx).Where(cond, userID)
	if !includeExpired {
		query = query.Where("is_active = ?", true)
	}
	if err := query.Order("created_at DESC").Find(&delegations).Error; err != nil {
		return nil, translateError(err)
	}
	if includeExpired {
		return delegations, nil
	}

	current := delegations[:0]
	for _, d := range delegations {
		if !at.After(d.EndsAt) {
			current = append(current, d)
		}
	}
	return current, nil
}

// FindActiveDelegations finds delegations granted to delegateID that are active at `at`.
// The time window is checked in Go so the check holds even before the expiry
// sweep has deactivated stale rows.
func (r *ApprovalRepository) FindActiveDelegations(ctx context.Context, delegateID string, at time.Time) ([]models.ApprovalDelegation, error) {
	var delegations []models.ApprovalDelegation
	err := r.db.WithContext(ctx).
		Where("delegate_id = ? AND is_active = ? AND revoked_at IS NULL", delegateID, true).
		Find(&delegations).Error
	if err != nil {
		return nil, translateError(err)
	}

	active := delegations[:0]
	for _, d := range delegations {
		if d.IsActiveAt(at) {
			active = append(active, d)
		}
	}
	return active, nil
}

// IsDelegateFor returns an active delegation from delegatorID to delegateID
// covering the entity type and flow, or ErrNotFound
func (r *ApprovalRepository) IsDelegateFor(ctx context.Context, delegatorID, delegateID, entityType string, flowID uuid.UUID, at time.Time) (*models.ApprovalDelegation, error) {
	var delegations []models.ApprovalDelegation
	err := r.db.WithContext(ctx).
		Where("delegator_id = ? AND delegate_id = ? AND is_active = ? AND revoked_at IS NULL", delegatorID, delegateID, true).
		Where("entity_type IS NULL OR entity_type = ?", entityType).
		Where("flow_id IS NULL OR flow_id = ?", flowID).
		Find(&delegations).Error
	if err != nil {
		return nil, translateError(err)
	}

	for i := range delegations {
		if delegations[i].IsActiveAt(at) && delegations[i].Covers(entityType, flowID) {
			return &delegations[i], nil
		}
	}
	return nil, ErrNotFound
}

// HasOverlappingDelegation checks for an active delegation with the same
// delegator, delegate and scope whose window overlaps the given one
func (r *ApprovalRepository) HasOverlappingDelegation(ctx context.Context, d *models.ApprovalDelegation) (bool, error) {
	var existing []models.ApprovalDelegation

	query := r.db.WithContext(ctx).
		Where("delegator_id = ? AND delegate_id = ? AND is_active = ?", d.DelegatorID, d.DelegateID, true).
		Where("revoked_at IS NULL")

	if d.FlowID != nil {
		query = query.Where("flow_id = ?", *d.FlowID)
	} else {
		query = query.Where("flow_id IS NULL")
	}
	if d.EntityType != nil {
		query = query.Where("entity_type = ?", *d.EntityType)
	} else {
		query = query.Where("entity_type IS NULL")
	}

	if err := query.Find(&existing).Error; err != nil {
		return false, translateError(err)
	}
	for _, e := range existing {
		if overlaps(&e, d) {
			return true, nil
		}
	}
	return false, nil
}

func overlaps(a, b *models.ApprovalDelegation) bool {
	return a.StartsAt.Before(b.EndsAt) && a.EndsAt.After(b.StartsAt)
}

// RevokeDelegation revokes an existing delegation
func (r *ApprovalRepository) RevokeDelegation(ctx context.Context, id uuid.UUID, revokedBy, reason string, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.ApprovalDelegation{}).
		Where("id = ? AND is_active = ?", id, true).
		Updates(map[string]interface{}{
			"is_active":     false,
			"revoked_at":    at,
			"revoked_by":    revokedBy,
			"revoke_reason": reason,
			"updated_at":    at,
		})

	if result.Error != nil {
		return translateError(result.Error)
	}

	if result.RowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// DeactivateExpiredDelegations clears is_active on delegations whose window has ended
func (r *ApprovalRepository) DeactivateExpiredDelegations(ctx context.Context, at time.Time) (int64, error) {
	var ids []uuid.UUID
	var delegations []models.ApprovalDelegation
	if err := r.db.WithContext(ctx).Where("is_active = ?", true).Find(&delegations).Error; err != nil {
		return 0, translateError(err)
	}
	for _, d := range delegations {
		if at.After(d.EndsAt) {
			ids = append(ids, d.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	result := r.db.WithContext(ctx).Model(&models.ApprovalDelegation{}).
		Where("id IN ? AND is_active = ?", ids, true).
		Updates(map[string]interface{}{
			"is_active":  false,
			"updated_at": at,
		})
	return result.RowsAffected, translateError(result.Error)
}

// --- Sweep Methods ---

// openRequestsWithSteps loads every request awaiting a decision together with its current step
func (r *ApprovalRepository) openRequestsWithSteps(ctx context.Context) ([]models.ApprovalRequest, map[uuid.UUID]*models.ApprovalStep, error) {
	var requests []models.ApprovalRequest
	err := r.db.WithContext(ctx).
		Where("status IN ? AND current_step_id IS NOT NULL", models.AwaitingDecisionStatuses).
		Order("requested_at ASC").
		Find(&requests).Error
	if err != nil {
		return nil, nil, translateError(err)
	}

	stepIDs := make([]uuid.UUID, 0, len(requests))
	for _, req := range requests {
		stepIDs = append(stepIDs, *req.CurrentStepID)
	}
	steps := make(map[uuid.UUID]*models.ApprovalStep, len(stepIDs))
	if len(stepIDs) == 0 {
		return requests, steps, nil
	}

	var loaded []models.ApprovalStep
	if err := r.db.WithContext(ctx).Where("id IN ?", stepIDs).Find(&loaded).Error; err != nil {
		return nil, nil, translateError(err)
	}
	for i := range loaded {
		steps[loaded[i].ID] = &loaded[i]
	}
	return requests, steps, nil
}

// FindTimedOutRequests finds open requests that have sat on a step longer than its timeout
func (r *ApprovalRepository) FindTimedOutRequests(ctx context.Context, at time.Time) ([]models.ApprovalRequest, error) {
	requests, steps, err := r.openRequestsWithSteps(ctx)
	if err != nil {
		return nil, err
	}

	var result []models.ApprovalRequest
	for i := range requests {
		if timedOut(&requests[i], steps[*requests[i].CurrentStepID], at) {
			result = append(result, requests[i])
		}
	}
	return result, nil
}

// FindRequestsNeedingReminder finds open requests whose step reminder is due
// and that have not had a reminder within the current window
func (r *ApprovalRepository) FindRequestsNeedingReminder(ctx context.Context, at time.Time) ([]models.ApprovalRequest, error) {
	requests, steps, err := r.openRequestsWithSteps(ctx)
	if err != nil {
		return nil, err
	}

	var result []models.ApprovalRequest
	for i := range requests {
		step := steps[*requests[i].CurrentStepID]
		if !reminderDue(&requests[i], step, at) {
			continue
		}
		last, err := r.LatestAuditLog(ctx, requests[i].ID, models.AuditReminderSent)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if reminderWindowOpen(last, step, at) {
			result = append(result, requests[i])
		}
	}
	return result, nil
}

// FindExpiredRequests finds open requests older than their flow's auto_reject_after_hours
func (r *ApprovalRepository) FindExpiredRequests(ctx context.Context, at time.Time) ([]models.ApprovalRequest, error) {
	var requests []models.ApprovalRequest
	err := r.db.WithContext(ctx).
		Preload("Flow").
		Where("status IN ?", models.AwaitingDecisionStatuses).
		Order("requested_at ASC").
		Find(&requests).Error
	if err != nil {
		return nil, translateError(err)
	}

	var result []models.ApprovalRequest
	for i := range requests {
		if expired(&requests[i], requests[i].Flow, at) {
			result = append(result, requests[i])
		}
	}
	return result, nil
}
