package repository

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"approval-engine/internal/models"
)

// MemoryRepository is an in-process Store. Transactions and writes made
// outside them are serialized; a failed transaction restores a snapshot of
// the whole state.
type MemoryRepository struct {
	mu    *sync.Mutex
	txMu  *sync.Mutex
	state *memoryState
	inTx  bool
}

type memoryState struct {
	flows       map[uuid.UUID]models.ApprovalFlow
	flowOrder   []uuid.UUID
	steps       map[uuid.UUID]models.ApprovalStep
	requests    map[uuid.UUID]models.ApprovalRequest
	reqOrder    []uuid.UUID
	decisions   []models.ApprovalDecision
	auditLogs   []models.ApprovalAuditLog
	delegations map[uuid.UUID]models.ApprovalDelegation
	delOrder    []uuid.UUID
}

var _ Store = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty MemoryRepository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		mu:   &sync.Mutex{},
		txMu: &sync.Mutex{},
		state: &memoryState{
			flows:       make(map[uuid.UUID]models.ApprovalFlow),
			steps:       make(map[uuid.UUID]models.ApprovalStep),
			requests:    make(map[uuid.UUID]models.ApprovalRequest),
			delegations: make(map[uuid.UUID]models.ApprovalDelegation),
		},
	}
}

func (s *memoryState) clone() *memoryState {
	c := &memoryState{
		flows:       make(map[uuid.UUID]models.ApprovalFlow, len(s.flows)),
		flowOrder:   append([]uuid.UUID(nil), s.flowOrder...),
		steps:       make(map[uuid.UUID]models.ApprovalStep, len(s.steps)),
		requests:    make(map[uuid.UUID]models.ApprovalRequest, len(s.requests)),
		reqOrder:    append([]uuid.UUID(nil), s.reqOrder...),
		decisions:   append([]models.ApprovalDecision(nil), s.decisions...),
		auditLogs:   append([]models.ApprovalAuditLog(nil), s.auditLogs...),
		delegations: make(map[uuid.UUID]models.ApprovalDelegation, len(s.delegations)),
		delOrder:    append([]uuid.UUID(nil), s.delOrder...),
	}
	for k, v := range s.flows {
		c.flows[k] = v
	}
	for k, v := range s.steps {
		c.steps[k] = v
	}
	for k, v := range s.requests {
		c.requests[k] = v
	}
	for k, v := range s.delegations {
		c.delegations[k] = v
	}
	return c
}

// lockForWrite takes the state lock for a write. Outside a transaction it also
// waits for any open transaction, so a rollback never discards the write.
func (r *MemoryRepository) lockForWrite() func() {
	if !r.inTx {
		r.txMu.Lock()
	}
	r.mu.Lock()
	return func() {
		r.mu.Unlock()
		if !r.inTx {
			r.txMu.Unlock()
		}
	}
}

// WithTransaction runs fn with exclusive access; any error restores the prior state
func (r *MemoryRepository) WithTransaction(ctx context.Context, fn func(tx Store) error) error {
	if r.inTx {
		return fn(r)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.txMu.Lock()
	defer r.txMu.Unlock()

	r.mu.Lock()
	snapshot := r.state.clone()
	r.mu.Unlock()

	tx := &MemoryRepository{mu: r.mu, txMu: r.txMu, state: r.state, inTx: true}
	if err := fn(tx); err != nil {
		r.mu.Lock()
		*r.state = *snapshot
		r.mu.Unlock()
		return err
	}
	return nil
}

func cloneMap(m datatypes.JSONMap) datatypes.JSONMap {
	if m == nil {
		return nil
	}
	c := make(datatypes.JSONMap, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func stamp(created, updated *time.Time) {
	now := time.Now().UTC()
	if created.IsZero() {
		*created = now
	}
	if updated != nil && updated.IsZero() {
		*updated = *created
	}
}

// --- Flows ---

// CreateFlow creates a flow and its steps
func (r *MemoryRepository) CreateFlow(ctx context.Context, flow *models.ApprovalFlow) error {
	defer r.lockForWrite()()

	for _, f := range r.state.flows {
		if f.Slug == flow.Slug {
			return ErrDuplicate
		}
	}
	if flow.ID == uuid.Nil {
		flow.ID = uuid.New()
	}
	stamp(&flow.CreatedAt, &flow.UpdatedAt)

	seen := make(map[int]bool, len(flow.Steps))
	for i := range flow.Steps {
		if seen[flow.Steps[i].StepOrder] {
			return ErrDuplicate
		}
		seen[flow.Steps[i].StepOrder] = true
	}
	for i := range flow.Steps {
		step := &flow.Steps[i]
		step.FlowID = flow.ID
		r.prepareStep(step)
		r.state.steps[step.ID] = copyStep(*step)
	}

	stored := *flow
	stored.Steps = nil
	stored.TriggerConditions = cloneMap(flow.TriggerConditions)
	r.state.flows[flow.ID] = stored
	r.state.flowOrder = append(r.state.flowOrder, flow.ID)
	return nil
}

// UpdateFlow updates a flow's own fields; steps are managed separately
func (r *MemoryRepository) UpdateFlow(ctx context.Context, flow *models.ApprovalFlow) error {
	defer r.lockForWrite()()

	existing, ok := r.state.flows[flow.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Name = flow.Name
	existing.Description = flow.Description
	existing.EntityType = flow.EntityType
	existing.TriggerConditions = cloneMap(flow.TriggerConditions)
	existing.Priority = flow.Priority
	existing.AllowParallelSteps = flow.AllowParallelSteps
	existing.AutoApproveBelow = flow.AutoApproveBelow
	existing.AutoRejectAfterHours = flow.AutoRejectAfterHours
	existing.IsActive = flow.IsActive
	existing.UpdatedAt = flow.UpdatedAt
	if existing.UpdatedAt.IsZero() {
		existing.UpdatedAt = time.Now().UTC()
	}
	r.state.flows[flow.ID] = existing
	return nil
}

func (r *MemoryRepository) flowWithSteps(f models.ApprovalFlow) *models.ApprovalFlow {
	f.TriggerConditions = cloneMap(f.TriggerConditions)
	f.Steps = r.stepsOf(f.ID)
	return &f
}

// GetFlowByID retrieves a flow with its steps by ID
func (r *MemoryRepository) GetFlowByID(ctx context.Context, id uuid.UUID) (*models.ApprovalFlow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.state.flows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.flowWithSteps(f), nil
}

// GetFlowBySlug retrieves a flow with its steps by slug
func (r *MemoryRepository) GetFlowBySlug(ctx context.Context, slug string) (*models.ApprovalFlow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, f := range r.state.flows {
		if f.Slug == slug {
			return r.flowWithSteps(f), nil
		}
	}
	return nil, ErrNotFound
}

// ListFlows lists flows by descending priority, optionally filtered
func (r *MemoryRepository) ListFlows(ctx context.Context, entityType string, activeOnly bool) ([]models.ApprovalFlow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var flows []models.ApprovalFlow
	for _, id := range r.state.flowOrder {
		f := r.state.flows[id]
		if entityType != "" && f.EntityType != entityType {
			continue
		}
		if activeOnly && !f.IsActive {
			continue
		}
		flows = append(flows, *r.flowWithSteps(f))
	}
	sort.SliceStable(flows, func(i, j int) bool {
		if flows[i].Priority != flows[j].Priority {
			return flows[i].Priority > flows[j].Priority
		}
		return flows[i].CreatedAt.Before(flows[j].CreatedAt)
	})
	return flows, nil
}

// --- Steps ---

func copyStep(s models.ApprovalStep) models.ApprovalStep {
	s.SkipConditions = cloneMap(s.SkipConditions)
	return s
}

func (r *MemoryRepository) prepareStep(step *models.ApprovalStep) {
	if step.ID == uuid.Nil {
		step.ID = uuid.New()
	}
	if step.MinApprovals == 0 {
		step.MinApprovals = 1
	}
	stamp(&step.CreatedAt, &step.UpdatedAt)
}

func (r *MemoryRepository) stepsOf(flowID uuid.UUID) []models.ApprovalStep {
	var steps []models.ApprovalStep
	for _, s := range r.state.steps {
		if s.FlowID == flowID {
			steps = append(steps, copyStep(s))
		}
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepOrder < steps[j].StepOrder })
	return steps
}

func (r *MemoryRepository) orderTaken(flowID uuid.UUID, order int, except uuid.UUID) bool {
	for _, s := range r.state.steps {
		if s.FlowID == flowID && s.StepOrder == order && s.ID != except {
			return true
		}
	}
	return false
}

// CreateStep adds a step to a flow
func (r *MemoryRepository) CreateStep(ctx context.Context, step *models.ApprovalStep) error {
	defer r.lockForWrite()()

	if _, ok := r.state.flows[step.FlowID]; !ok {
		return ErrNotFound
	}
	if r.orderTaken(step.FlowID, step.StepOrder, uuid.Nil) {
		return ErrDuplicate
	}
	r.prepareStep(step)
	r.state.steps[step.ID] = copyStep(*step)
	return nil
}

// UpdateStep updates a step
func (r *MemoryRepository) UpdateStep(ctx context.Context, step *models.ApprovalStep) error {
	defer r.lockForWrite()()

	existing, ok := r.state.steps[step.ID]
	if !ok {
		return ErrNotFound
	}
	if r.orderTaken(existing.FlowID, step.StepOrder, step.ID) {
		return ErrDuplicate
	}
	updated := copyStep(*step)
	updated.FlowID = existing.FlowID
	updated.CreatedAt = existing.CreatedAt
	if updated.UpdatedAt.IsZero() {
		updated.UpdatedAt = time.Now().UTC()
	}
	r.state.steps[step.ID] = updated
	return nil
}

// DeleteStep removes a step
func (r *MemoryRepository) DeleteStep(ctx context.Context, id uuid.UUID) error {
	defer r.lockForWrite()()

	if _, ok := r.state.steps[id]; !ok {
		return ErrNotFound
	}
	delete(r.state.steps, id)
	return nil
}

// GetStepByID retrieves a step by ID
func (r *MemoryRepository) GetStepByID(ctx context.Context, id uuid.UUID) (*models.ApprovalStep, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.state.steps[id]
	if !ok {
		return nil, ErrNotFound
	}
	s = copyStep(s)
	return &s, nil
}

// ListSteps lists a flow's steps in step order
func (r *MemoryRepository) ListSteps(ctx context.Context, flowID uuid.UUID) ([]models.ApprovalStep, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stepsOf(flowID), nil
}

// ReorderSteps renumbers steps 1..n in the given order
func (r *MemoryRepository) ReorderSteps(ctx context.Context, flowID uuid.UUID, stepIDs []uuid.UUID) error {
	defer r.lockForWrite()()

	if err := validateReorder(r.stepsOf(flowID), stepIDs); err != nil {
		return err
	}
	now := time.Now().UTC()
	for i, id := range stepIDs {
		s := r.state.steps[id]
		s.StepOrder = i + 1
		s.UpdatedAt = now
		r.state.steps[id] = s
	}
	return nil
}

// --- Requests ---

func copyRequest(req models.ApprovalRequest) models.ApprovalRequest {
	req.ContextSnapshot = cloneMap(req.ContextSnapshot)
	req.SkippedStepIDs = append([]string(nil), req.SkippedStepIDs...)
	req.Flow = nil
	return req
}

func (r *MemoryRepository) activeKeyTaken(key *string, except uuid.UUID) bool {
	if key == nil {
		return false
	}
	for id, req := range r.state.requests {
		if id != except && req.ActiveKey != nil && *req.ActiveKey == *key {
			return true
		}
	}
	return false
}

// CreateRequest creates a new approval request
func (r *MemoryRepository) CreateRequest(ctx context.Context, request *models.ApprovalRequest) error {
	defer r.lockForWrite()()

	request.SyncActiveKey()
	if r.activeKeyTaken(request.ActiveKey, uuid.Nil) {
		return ErrDuplicate
	}
	if request.ID == uuid.Nil {
		request.ID = uuid.New()
	}
	if request.Version == 0 {
		request.Version = 1
	}
	stamp(&request.CreatedAt, &request.UpdatedAt)
	if request.RequestedAt.IsZero() {
		request.RequestedAt = request.CreatedAt
	}
	r.state.requests[request.ID] = copyRequest(*request)
	r.state.reqOrder = append(r.state.reqOrder, request.ID)
	return nil
}

// GetRequestByID retrieves a request by ID
func (r *MemoryRepository) GetRequestByID(ctx context.Context, id uuid.UUID) (*models.ApprovalRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.state.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	req = copyRequest(req)
	return &req, nil
}

// FindActiveRequest returns the entity's non-terminal request, if any
func (r *MemoryRepository) FindActiveRequest(ctx context.Context, entityType, entityID string) (*models.ApprovalRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.state.reqOrder {
		req := r.state.requests[id]
		if req.EntityType == entityType && req.EntityID == entityID && !req.IsTerminal() {
			req = copyRequest(req)
			return &req, nil
		}
	}
	return nil, ErrNotFound
}

// CountOpenRequestsOnStep counts non-terminal requests whose current step is stepID
func (r *MemoryRepository) CountOpenRequestsOnStep(ctx context.Context, stepID uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var count int64
	for _, req := range r.state.requests {
		if !req.IsTerminal() && req.CurrentStepID != nil && *req.CurrentStepID == stepID {
			count++
		}
	}
	return count, nil
}

// UpdateRequest writes the request's mutable fields with optimistic locking
func (r *MemoryRepository) UpdateRequest(ctx context.Context, request *models.ApprovalRequest) error {
	defer r.lockForWrite()()

	existing, ok := r.state.requests[request.ID]
	if !ok || existing.Version != request.Version {
		return ErrConflict
	}
	request.SyncActiveKey()
	if r.activeKeyTaken(request.ActiveKey, request.ID) {
		return ErrDuplicate
	}

	existing.Status = request.Status
	existing.CurrentStepID = request.CurrentStepID
	existing.ResolvedAt = request.ResolvedAt
	existing.ResolutionNote = request.ResolutionNote
	existing.SkippedStepIDs = append([]string(nil), request.SkippedStepIDs...)
	existing.ActiveKey = request.ActiveKey
	existing.UpdatedAt = request.UpdatedAt
	existing.Version = request.Version + 1
	r.state.requests[request.ID] = existing

	request.Version = existing.Version
	return nil
}

// ListRequestsForEntity lists an entity's requests, newest first
func (r *MemoryRepository) ListRequestsForEntity(ctx context.Context, entityType, entityID string) ([]models.ApprovalRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var requests []models.ApprovalRequest
	for i := len(r.state.reqOrder) - 1; i >= 0; i-- {
		req := r.state.requests[r.state.reqOrder[i]]
		if req.EntityType == entityType && req.EntityID == entityID {
			requests = append(requests, copyRequest(req))
		}
	}
	sort.SliceStable(requests, func(i, j int) bool {
		return requests[i].RequestedAt.After(requests[j].RequestedAt)
	})
	return requests, nil
}

// ListRequestsAwaiting lists open requests whose current step names one of the users or roles
func (r *MemoryRepository) ListRequestsAwaiting(ctx context.Context, userIDs []string, roles []string) ([]models.ApprovalRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := toSet(userIDs)
	roleSet := toSet(roles)

	var requests []models.ApprovalRequest
	for _, id := range r.state.reqOrder {
		req := r.state.requests[id]
		if !req.IsAwaitingDecision() || req.CurrentStepID == nil {
			continue
		}
		step, ok := r.state.steps[*req.CurrentStepID]
		if !ok {
			continue
		}
		if (step.ApproverUserID != nil && users[*step.ApproverUserID]) ||
			(step.ApproverRoleName != nil && roleSet[*step.ApproverRoleName]) {
			requests = append(requests, copyRequest(req))
		}
	}
	sort.SliceStable(requests, func(i, j int) bool {
		return requests[i].RequestedAt.Before(requests[j].RequestedAt)
	})
	return requests, nil
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

// --- Decisions ---

// CreateDecision records a decision
func (r *MemoryRepository) CreateDecision(ctx context.Context, decision *models.ApprovalDecision) error {
	defer r.lockForWrite()()

	for _, d := range r.state.decisions {
		if d.RequestID == decision.RequestID && d.StepID == decision.StepID && d.DecidedBy == decision.DecidedBy {
			return ErrDuplicate
		}
	}
	if decision.ID == uuid.Nil {
		decision.ID = uuid.New()
	}
	stamp(&decision.DecidedAt, nil)
	stored := *decision
	stored.Conditions = append([]byte(nil), decision.Conditions...)
	r.state.decisions = append(r.state.decisions, stored)
	return nil
}

// ListDecisions lists the decisions made on one step of a request
func (r *MemoryRepository) ListDecisions(ctx context.Context, requestID, stepID uuid.UUID) ([]models.ApprovalDecision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var decisions []models.ApprovalDecision
	for _, d := range r.state.decisions {
		if d.RequestID == requestID && d.StepID == stepID {
			decisions = append(decisions, d)
		}
	}
	return decisions, nil
}

// ListDecisionsForRequest lists every decision on a request, oldest first
func (r *MemoryRepository) ListDecisionsForRequest(ctx context.Context, requestID uuid.UUID) ([]models.ApprovalDecision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var decisions []models.ApprovalDecision
	for _, d := range r.state.decisions {
		if d.RequestID == requestID {
			decisions = append(decisions, d)
		}
	}
	return decisions, nil
}

// --- Audit ---

// CreateAuditLog appends an audit entry
func (r *MemoryRepository) CreateAuditLog(ctx context.Context, log *models.ApprovalAuditLog) error {
	defer r.lockForWrite()()

	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	stamp(&log.CreatedAt, nil)
	stored := *log
	stored.Details = cloneMap(log.Details)
	r.state.auditLogs = append(r.state.auditLogs, stored)
	return nil
}

// ListAuditLogs lists a request's audit entries, oldest first
func (r *MemoryRepository) ListAuditLogs(ctx context.Context, requestID uuid.UUID) ([]models.ApprovalAuditLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var logs []models.ApprovalAuditLog
	for _, l := range r.state.auditLogs {
		if l.RequestID == requestID {
			l.Details = cloneMap(l.Details)
			logs = append(logs, l)
		}
	}
	sort.SliceStable(logs, func(i, j int) bool { return logs[i].CreatedAt.Before(logs[j].CreatedAt) })
	return logs, nil
}

// LatestAuditLog returns the most recent audit entry with the given action
func (r *MemoryRepository) LatestAuditLog(ctx context.Context, requestID uuid.UUID, action string) (*models.ApprovalAuditLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latestAuditLog(requestID, action)
}

func (r *MemoryRepository) latestAuditLog(requestID uuid.UUID, action string) (*models.ApprovalAuditLog, error) {
	var latest *models.ApprovalAuditLog
	for i := range r.state.auditLogs {
		l := r.state.auditLogs[i]
		if l.RequestID != requestID || l.Action != action {
			continue
		}
		if latest == nil || !l.CreatedAt.Before(latest.CreatedAt) {
			l.Details = cloneMap(l.Details)
			latest = &l
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

// --- Delegations ---

// CreateDelegation creates a delegation
func (r *MemoryRepository) CreateDelegation(ctx context.Context, delegation *models.ApprovalDelegation) error {
	defer r.lockForWrite()()

	if delegation.ID == uuid.Nil {
		delegation.ID = uuid.New()
	}
	stamp(&delegation.CreatedAt, &delegation.UpdatedAt)
	r.state.delegations[delegation.ID] = *delegation
	r.state.delOrder = append(r.state.delOrder, delegation.ID)
	return nil
}

// GetDelegationByID retrieves a delegation by ID
func (r *MemoryRepository) GetDelegationByID(ctx context.Context, id uuid.UUID) (*models.ApprovalDelegation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.state.delegations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

// delegationsWhere returns matching delegations newest first
func (r *MemoryRepository) delegationsWhere(match func(d models.ApprovalDelegation) bool) []models.ApprovalDelegation {
	var result []models.ApprovalDelegation
	for i := len(r.state.delOrder) - 1; i >= 0; i-- {
		d := r.state.delegations[r.state.delOrder[i]]
		if match(d) {
			result = append(result, d)
		}
	}
	return result
}

// ListDelegationsByDelegator lists delegations granted by a user
func (r *MemoryRepository) ListDelegationsByDelegator(ctx context.Context, delegatorID string, includeExpired bool, at time.Time) ([]models.ApprovalDelegation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.delegationsWhere(func(d models.ApprovalDelegation) bool {
		return d.DelegatorID == delegatorID && (includeExpired || (d.IsActive && !at.After(d.EndsAt)))
	}), nil
}

// ListDelegationsByDelegate lists delegations received by a user
func (r *MemoryRepository) ListDelegationsByDelegate(ctx context.Context, delegateID string, includeExpired bool, at time.Time) ([]models.ApprovalDelegation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.delegationsWhere(func(d models.ApprovalDelegation) bool {
		return d.DelegateID == delegateID && (includeExpired || (d.IsActive && !at.After(d.EndsAt)))
	}), nil
}

// FindActiveDelegations returns the delegate's delegations active at the given time
func (r *MemoryRepository) FindActiveDelegations(ctx context.Context, delegateID string, at time.Time) ([]models.ApprovalDelegation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.delegationsWhere(func(d models.ApprovalDelegation) bool {
		return d.DelegateID == delegateID && d.IsActiveAt(at)
	}), nil
}

// IsDelegateFor returns the active delegation letting delegateID act for delegatorID, if any
func (r *MemoryRepository) IsDelegateFor(ctx context.Context, delegatorID, delegateID, entityType string, flowID uuid.UUID, at time.Time) (*models.ApprovalDelegation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	found := r.delegationsWhere(func(d models.ApprovalDelegation) bool {
		return d.DelegatorID == delegatorID && d.DelegateID == delegateID &&
			d.IsActiveAt(at) && d.Covers(entityType, flowID)
	})
	if len(found) == 0 {
		return nil, ErrNotFound
	}
	return &found[0], nil
}

func sameScope(a, b *models.ApprovalDelegation) bool {
	if (a.EntityType == nil) != (b.EntityType == nil) || (a.FlowID == nil) != (b.FlowID == nil) {
		return false
	}
	if a.EntityType != nil && *a.EntityType != *b.EntityType {
		return false
	}
	return a.FlowID == nil || *a.FlowID == *b.FlowID
}

// HasOverlappingDelegation checks for an active delegation with the same parties, scope and an overlapping window
func (r *MemoryRepository) HasOverlappingDelegation(ctx context.Context, delegation *models.ApprovalDelegation) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	found := r.delegationsWhere(func(d models.ApprovalDelegation) bool {
		return d.DelegatorID == delegation.DelegatorID && d.DelegateID == delegation.DelegateID &&
			d.IsActive && d.RevokedAt == nil && sameScope(&d, delegation) && overlaps(&d, delegation)
	})
	return len(found) > 0, nil
}

// RevokeDelegation deactivates a delegation and records who revoked it
func (r *MemoryRepository) RevokeDelegation(ctx context.Context, id uuid.UUID, revokedBy, reason string, at time.Time) error {
	defer r.lockForWrite()()

	d, ok := r.state.delegations[id]
	if !ok || !d.IsActive {
		return ErrNotFound
	}
	d.IsActive = false
	d.RevokedAt = &at
	d.RevokedBy = &revokedBy
	d.RevokeReason = reason
	d.UpdatedAt = at
	r.state.delegations[id] = d
	return nil
}

// DeactivateExpiredDelegations deactivates delegations whose window has ended
func (r *MemoryRepository) DeactivateExpiredDelegations(ctx context.Context, at time.Time) (int64, error) {
	defer r.lockForWrite()()

	var count int64
	for id, d := range r.state.delegations {
		if d.IsActive && at.After(d.EndsAt) {
			d.IsActive = false
			d.UpdatedAt = at
			r.state.delegations[id] = d
			count++
		}
	}
	return count, nil
}

// --- Sweep finders ---

func (r *MemoryRepository) openRequests(match func(req *models.ApprovalRequest, step *models.ApprovalStep) bool) []models.ApprovalRequest {
	var result []models.ApprovalRequest
	for _, id := range r.state.reqOrder {
		req := r.state.requests[id]
		if !req.IsAwaitingDecision() {
			continue
		}
		var step *models.ApprovalStep
		if req.CurrentStepID != nil {
			if s, ok := r.state.steps[*req.CurrentStepID]; ok {
				step = &s
			}
		}
		if match(&req, step) {
			result = append(result, copyRequest(req))
		}
	}
	return result
}

// FindTimedOutRequests finds open requests that have sat on a step longer than its timeout
func (r *MemoryRepository) FindTimedOutRequests(ctx context.Context, at time.Time) ([]models.ApprovalRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.openRequests(func(req *models.ApprovalRequest, step *models.ApprovalStep) bool {
		return timedOut(req, step, at)
	}), nil
}

// FindRequestsNeedingReminder finds open requests whose reminder window has elapsed
func (r *MemoryRepository) FindRequestsNeedingReminder(ctx context.Context, at time.Time) ([]models.ApprovalRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.openRequests(func(req *models.ApprovalRequest, step *models.ApprovalStep) bool {
		if !reminderDue(req, step, at) {
			return false
		}
		last, err := r.latestAuditLog(req.ID, models.AuditReminderSent)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return false
		}
		return reminderWindowOpen(last, step, at)
	}), nil
}

// FindExpiredRequests finds open requests past their flow's auto_reject_after_hours
func (r *MemoryRepository) FindExpiredRequests(ctx context.Context, at time.Time) ([]models.ApprovalRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.openRequests(func(req *models.ApprovalRequest, _ *models.ApprovalStep) bool {
		flow, ok := r.state.flows[req.FlowID]
		return ok && expired(req, &flow, at)
	}), nil
}
