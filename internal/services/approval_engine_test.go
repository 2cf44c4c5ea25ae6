package services

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"approval-engine/internal/events"
	"approval-engine/internal/identity"
	"approval-engine/internal/models"
	"approval-engine/internal/repository"
)

var testStart = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, event events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) Topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	topics := make([]string, 0, len(p.events))
	for _, e := range p.events {
		topics = append(topics, e.Topic)
	}
	return topics
}

func (p *recordingPublisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}

// MockRoleResolver is a mock implementation of identity.RoleResolver
type MockRoleResolver struct {
	mock.Mock
}

func (m *MockRoleResolver) GetUserRoles(ctx context.Context, userID string) ([]string, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

type engineFixture struct {
	repo      *repository.MemoryRepository
	engine    *ApprovalEngine
	publisher *recordingPublisher
	roles     *identity.StaticRoleResolver
	clock     *testClock
	logger    *logrus.Logger
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	clock := &testClock{t: testStart}
	repo := repository.NewMemoryRepository()
	publisher := &recordingPublisher{}
	roles := identity.NewStaticRoleResolver(map[string][]string{
		"finance-1": {"finance"},
		"finance-2": {"finance"},
	})
	logger := quietLogger()

	return &engineFixture{
		repo:      repo,
		engine:    NewApprovalEngine(repo, publisher, roles, logger, WithClock(clock.Now)),
		publisher: publisher,
		roles:     roles,
		clock:     clock,
		logger:    logger,
	}
}

func strPtr(s string) *string { return &s }

func intPtr(i int) *int { return &i }

func floatPtr(f float64) *float64 { return &f }

func uuidPtr(id uuid.UUID) *uuid.UUID { return &id }

func (f *engineFixture) createFlow(t *testing.T, flow *models.ApprovalFlow) *models.ApprovalFlow {
	t.Helper()
	if flow.ID == uuid.Nil {
		flow.ID = uuid.New()
	}
	for i := range flow.Steps {
		if flow.Steps[i].ID == uuid.Nil {
			flow.Steps[i].ID = uuid.New()
		}
		flow.Steps[i].FlowID = flow.ID
		if flow.Steps[i].MinApprovals == 0 {
			flow.Steps[i].MinApprovals = 1
		}
	}
	require.NoError(t, f.repo.CreateFlow(context.Background(), flow))
	return flow
}

// invoiceFlow is Manager (direct user) then Finance (role)
func invoiceFlow() *models.ApprovalFlow {
	return &models.ApprovalFlow{
		Name:       "Invoice approval",
		Slug:       "invoice-approval",
		EntityType: "invoice",
		IsActive:   true,
		Steps: []models.ApprovalStep{
			{Name: "Manager", StepOrder: 1, ApproverType: models.ApproverTypeUser, ApproverUserID: strPtr("manager-1")},
			{Name: "Finance", StepOrder: 2, ApproverType: models.ApproverTypeRole, ApproverRoleName: strPtr("finance")},
		},
	}
}

func (f *engineFixture) submit(t *testing.T, entityID string, ctx map[string]interface{}) *models.ApprovalRequest {
	t.Helper()
	request, err := f.engine.Submit(context.Background(), SubmitInput{
		EntityType:  "invoice",
		EntityID:    entityID,
		Context:     ctx,
		RequestedBy: "clerk-1",
	})
	require.NoError(t, err)
	return request
}

func (f *engineFixture) decide(requestID uuid.UUID, decision, user string) (*models.ApprovalRequest, error) {
	return f.engine.Decide(context.Background(), DecideInput{
		RequestID: requestID,
		Decision:  decision,
		DecidedBy: user,
	})
}

func (f *engineFixture) auditActions(t *testing.T, requestID uuid.UUID) []string {
	t.Helper()
	logs, err := f.repo.ListAuditLogs(context.Background(), requestID)
	require.NoError(t, err)
	actions := make([]string, 0, len(logs))
	for _, l := range logs {
		assert.Equal(t, requestID, l.RequestID)
		actions = append(actions, l.Action)
	}
	return actions
}

// ===========================================
// Submit Tests
// ===========================================

func TestInvoiceApprovalScenario(t *testing.T) {
	f := newEngineFixture(t)
	flow := f.createFlow(t, invoiceFlow())
	manager, finance := flow.Steps[0], flow.Steps[1]

	request := f.submit(t, "42", map[string]interface{}{"amount": 50000})
	assert.Equal(t, models.StatusPending, request.Status)
	require.NotNil(t, request.CurrentStepID)
	assert.Equal(t, manager.ID, *request.CurrentStepID)
	assert.Equal(t, []string{models.AuditRequestCreated, models.AuditStepAdvanced}, f.auditActions(t, request.ID))

	request, err := f.decide(request.ID, models.DecisionApproved, "manager-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, request.Status)
	require.NotNil(t, request.CurrentStepID)
	assert.Equal(t, finance.ID, *request.CurrentStepID)
	assert.Equal(t, []string{
		models.AuditRequestCreated,
		models.AuditStepAdvanced,
		models.AuditDecisionMade,
		models.AuditStepAdvanced,
	}, f.auditActions(t, request.ID))

	request, err = f.decide(request.ID, models.DecisionApproved, "finance-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, request.Status)
	assert.Nil(t, request.CurrentStepID)
	assert.NotNil(t, request.ResolvedAt)

	actions := f.auditActions(t, request.ID)
	assert.Equal(t, models.AuditRequestApproved, actions[len(actions)-1])

	assert.Equal(t, []string{
		events.TopicSubmitted,
		events.TopicDecided,
		events.TopicStepAdvanced,
		events.TopicDecided,
		events.TopicApproved,
	}, f.publisher.Topics())
}

func TestSubmit_SinglePendingPerEntity(t *testing.T) {
	f := newEngineFixture(t)
	f.createFlow(t, invoiceFlow())

	first := f.submit(t, "42", map[string]interface{}{"amount": 50000})

	_, err := f.engine.Submit(context.Background(), SubmitInput{
		EntityType:  "invoice",
		EntityID:    "42",
		Context:     map[string]interface{}{"amount": 10},
		RequestedBy: "clerk-2",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyPending))

	var pending *AlreadyPendingError
	require.True(t, errors.As(err, &pending))
	assert.Equal(t, first.ID, pending.RequestID)

	// A different entity is unaffected
	other := f.submit(t, "43", map[string]interface{}{"amount": 50000})
	assert.NotEqual(t, first.ID, other.ID)
}

// staleReadStore misses open requests for a number of reads, as a concurrent
// submission that has not committed yet would
type staleReadStore struct {
	repository.Store
	misses *int
}

func (s *staleReadStore) FindActiveRequest(ctx context.Context, entityType, entityID string) (*models.ApprovalRequest, error) {
	if *s.misses > 0 {
		*s.misses--
		return nil, repository.ErrNotFound
	}
	return s.Store.FindActiveRequest(ctx, entityType, entityID)
}

func (s *staleReadStore) WithTransaction(ctx context.Context, fn func(tx repository.Store) error) error {
	return s.Store.WithTransaction(ctx, func(tx repository.Store) error {
		return fn(&staleReadStore{Store: tx, misses: s.misses})
	})
}

func TestSubmit_UniqueIndexRaceReportsOpenRequest(t *testing.T) {
	f := newEngineFixture(t)
	f.createFlow(t, invoiceFlow())
	first := f.submit(t, "42", map[string]interface{}{"amount": 50000})

	misses := 1
	engine := NewApprovalEngine(&staleReadStore{Store: f.repo, misses: &misses}, f.publisher, f.roles, f.logger, WithClock(f.clock.Now))
	f.publisher.Reset()

	_, err := engine.Submit(context.Background(), SubmitInput{
		EntityType:  "invoice",
		EntityID:    "42",
		Context:     map[string]interface{}{"amount": 50000},
		RequestedBy: "clerk-2",
	})
	var pending *AlreadyPendingError
	require.True(t, errors.As(err, &pending))
	assert.Equal(t, first.ID, pending.RequestID)
	assert.Zero(t, misses)
	assert.Empty(t, f.publisher.Topics())

	history, err := f.repo.ListRequestsForEntity(context.Background(), "invoice", "42")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestSubmit_NoMatchingFlow(t *testing.T) {
	f := newEngineFixture(t)
	f.createFlow(t, invoiceFlow())

	_, err := f.engine.Submit(context.Background(), SubmitInput{
		EntityType:  "purchase_order",
		EntityID:    "po-1",
		RequestedBy: "clerk-1",
	})
	assert.True(t, errors.Is(err, ErrNoMatchingFlow))

	inactive := invoiceFlow()
	inactive.Slug = "contracts"
	inactive.EntityType = "contract"
	inactive.IsActive = false
	f.createFlow(t, inactive)

	_, err = f.engine.Submit(context.Background(), SubmitInput{
		EntityType:  "contract",
		EntityID:    "c-1",
		RequestedBy: "clerk-1",
	})
	assert.True(t, errors.Is(err, ErrNoMatchingFlow))
}

func TestSubmit_InvalidInput(t *testing.T) {
	f := newEngineFixture(t)

	tests := []struct {
		name  string
		input SubmitInput
	}{
		{"missing entity", SubmitInput{EntityType: "invoice", RequestedBy: "clerk-1"}},
		{"missing requester", SubmitInput{EntityType: "invoice", EntityID: "1"}},
		{"unknown priority", SubmitInput{EntityType: "invoice", EntityID: "1", RequestedBy: "clerk-1", Priority: "asap"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Submit(context.Background(), tt.input)
			assert.True(t, errors.Is(err, ErrInvalidInput))
		})
	}
}

func TestSubmit_HighestPriorityMatchingFlowWins(t *testing.T) {
	f := newEngineFixture(t)

	fallback := invoiceFlow()
	fallback.Slug = "invoice-default"
	fallback.Priority = 0
	f.createFlow(t, fallback)

	large := invoiceFlow()
	large.Slug = "invoice-large"
	large.Priority = 10
	large.TriggerConditions = map[string]interface{}{"amount_gte": 10000}
	large.Steps[0].ApproverUserID = strPtr("cfo-1")
	f.createFlow(t, large)

	big := f.submit(t, "1", map[string]interface{}{"amount": 50000})
	assert.Equal(t, large.ID, big.FlowID)

	small := f.submit(t, "2", map[string]interface{}{"amount": 500})
	assert.Equal(t, fallback.ID, small.FlowID)
}

func TestSubmit_AutoApproveBoundary(t *testing.T) {
	f := newEngineFixture(t)
	flow := invoiceFlow()
	flow.AutoApproveBelow = floatPtr(1000)
	f.createFlow(t, flow)

	below := f.submit(t, "1", map[string]interface{}{"amount": 999.99})
	assert.Equal(t, models.StatusApproved, below.Status)
	assert.NotNil(t, below.ResolvedAt)
	assert.Nil(t, below.CurrentStepID)
	assert.Equal(t, []string{models.AuditRequestCreated, models.AuditAutoApproved}, f.auditActions(t, below.ID))
	assert.Equal(t, []string{events.TopicApproved}, f.publisher.Topics())

	at := f.submit(t, "2", map[string]interface{}{"amount": 1000})
	assert.Equal(t, models.StatusPending, at.Status)
	assert.NotNil(t, at.CurrentStepID)

	// Non-numeric amounts never auto-approve
	text := f.submit(t, "3", map[string]interface{}{"amount": "cheap"})
	assert.Equal(t, models.StatusPending, text.Status)

	numericText := f.submit(t, "4", map[string]interface{}{"amount": "999"})
	assert.Equal(t, models.StatusPending, numericText.Status)
}

func TestSubmit_AllStepsSkipped(t *testing.T) {
	f := newEngineFixture(t)
	flow := invoiceFlow()
	for i := range flow.Steps {
		flow.Steps[i].SkipConditions = map[string]interface{}{"amount_lt": 100}
	}
	f.createFlow(t, flow)

	request := f.submit(t, "1", map[string]interface{}{"amount": 50})
	assert.Equal(t, models.StatusApproved, request.Status)
	assert.Equal(t, "All steps skipped by conditions", request.ResolutionNote)
	assert.ElementsMatch(t, []string{flow.Steps[0].ID.String(), flow.Steps[1].ID.String()}, []string(request.SkippedStepIDs))
	assert.Equal(t, []string{models.AuditRequestCreated, models.AuditAutoApproved}, f.auditActions(t, request.ID))
}

func TestSkippedStepIsNeverCurrent(t *testing.T) {
	f := newEngineFixture(t)
	flow := &models.ApprovalFlow{
		Name:       "Regional invoices",
		Slug:       "regional-invoices",
		EntityType: "invoice",
		IsActive:   true,
		Steps: []models.ApprovalStep{
			{Name: "Manager", StepOrder: 1, ApproverType: models.ApproverTypeUser, ApproverUserID: strPtr("manager-1")},
			{Name: "Regional review", StepOrder: 5, ApproverType: models.ApproverTypeRole, ApproverRoleName: strPtr("regional"),
				SkipConditions: map[string]interface{}{"region": "eu"}},
			{Name: "Finance", StepOrder: 10, ApproverType: models.ApproverTypeRole, ApproverRoleName: strPtr("finance")},
		},
	}
	f.createFlow(t, flow)
	regional, finance := flow.Steps[1], flow.Steps[2]
	submission := map[string]interface{}{"amount": 5000, "region": "eu"}

	for i := 0; i < 3; i++ {
		selection, err := f.engine.SelectFlow(context.Background(), "invoice", submission)
		require.NoError(t, err)
		assert.Equal(t, flow.Steps[0].ID, selection.FirstStep.ID)
	}

	request := f.submit(t, "1", submission)
	request, err := f.decide(request.ID, models.DecisionApproved, "manager-1")
	require.NoError(t, err)
	require.NotNil(t, request.CurrentStepID)
	assert.Equal(t, finance.ID, *request.CurrentStepID)
	assert.True(t, request.SkippedStepIDs.Contains(regional.ID.String()))

	us := f.submit(t, "2", map[string]interface{}{"amount": 5000, "region": "us"})
	us, err = f.decide(us.ID, models.DecisionApproved, "manager-1")
	require.NoError(t, err)
	assert.Equal(t, regional.ID, *us.CurrentStepID)
}

func TestSubmit_ContextIsFrozen(t *testing.T) {
	f := newEngineFixture(t)
	flow := invoiceFlow()
	flow.Steps[1].SkipConditions = map[string]interface{}{"amount_lt": 10000}
	f.createFlow(t, flow)

	submission := map[string]interface{}{"amount": 5000}
	request := f.submit(t, "1", submission)
	submission["amount"] = 50000

	request, err := f.decide(request.ID, models.DecisionApproved, "manager-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, request.Status)
}

// ===========================================
// Decide Tests
// ===========================================

func TestDecide_Quorum(t *testing.T) {
	f := newEngineFixture(t)
	f.roles.SetRoles("reviewer-1", "reviewers")
	f.roles.SetRoles("reviewer-2", "reviewers")
	flow := f.createFlow(t, &models.ApprovalFlow{
		Name:       "Two reviewers",
		Slug:       "two-reviewers",
		EntityType: "invoice",
		IsActive:   true,
		Steps: []models.ApprovalStep{
			{Name: "Review", StepOrder: 1, ApproverType: models.ApproverTypeRole, ApproverRoleName: strPtr("reviewers"), MinApprovals: 2},
		},
	})
	step := flow.Steps[0]

	request := f.submit(t, "1", nil)

	request, err := f.decide(request.ID, models.DecisionApproved, "reviewer-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, request.Status)
	assert.Equal(t, step.ID, *request.CurrentStepID)

	request, err = f.decide(request.ID, models.DecisionApproved, "reviewer-2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, request.Status)
	assert.Nil(t, request.CurrentStepID)
}

// requires_all counts toward min_approvals only. It does not wait for every
// holder of the role; enumerating the approver set is an open question.
func TestDecide_RequiresAllUsesMinApprovals(t *testing.T) {
	f := newEngineFixture(t)
	for _, u := range []string{"board-1", "board-2", "board-3"} {
		f.roles.SetRoles(u, "board")
	}
	f.createFlow(t, &models.ApprovalFlow{
		Name:       "Board",
		Slug:       "board",
		EntityType: "invoice",
		IsActive:   true,
		Steps: []models.ApprovalStep{
			{Name: "Board", StepOrder: 1, ApproverType: models.ApproverTypeRole, ApproverRoleName: strPtr("board"),
				RequiresAll: true, MinApprovals: 1},
		},
	})

	request := f.submit(t, "1", nil)
	request, err := f.decide(request.ID, models.DecisionApproved, "board-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, request.Status)
}

func TestDecide_NoDoubleDecisionAfterAbstain(t *testing.T) {
	f := newEngineFixture(t)
	f.createFlow(t, invoiceFlow())
	request := f.submit(t, "1", map[string]interface{}{"amount": 50000})

	request, err := f.decide(request.ID, models.DecisionAbstained, "manager-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, request.Status)

	_, err = f.decide(request.ID, models.DecisionApproved, "manager-1")
	assert.True(t, errors.Is(err, ErrAlreadyDecided))

	decisions, err := f.engine.ListDecisions(context.Background(), request.ID)
	require.NoError(t, err)
	assert.Len(t, decisions, 1)
}

func TestDecide_NotAuthorized(t *testing.T) {
	f := newEngineFixture(t)
	f.createFlow(t, invoiceFlow())
	request := f.submit(t, "1", map[string]interface{}{"amount": 50000})

	_, err := f.decide(request.ID, models.DecisionApproved, "finance-1")
	assert.True(t, errors.Is(err, ErrNotAuthorized))

	_, err = f.decide(request.ID, models.DecisionApproved, "stranger")
	assert.True(t, errors.Is(err, ErrNotAuthorized))
	assert.Equal(t, []string{models.AuditRequestCreated, models.AuditStepAdvanced}, f.auditActions(t, request.ID))
}

func TestDecide_InvalidInput(t *testing.T) {
	f := newEngineFixture(t)
	f.createFlow(t, invoiceFlow())
	request := f.submit(t, "1", map[string]interface{}{"amount": 50000})

	_, err := f.decide(request.ID, "maybe", "manager-1")
	assert.True(t, errors.Is(err, ErrInvalidInput))

	_, err = f.engine.Decide(context.Background(), DecideInput{
		RequestID: request.ID,
		Decision:  models.DecisionDelegated,
		DecidedBy: "manager-1",
	})
	assert.True(t, errors.Is(err, ErrInvalidInput))

	_, err = f.decide(uuid.New(), models.DecisionApproved, "manager-1")
	assert.True(t, errors.Is(err, ErrRequestNotFound))
}

func TestDecide_Reject(t *testing.T) {
	f := newEngineFixture(t)
	f.createFlow(t, invoiceFlow())
	request := f.submit(t, "1", map[string]interface{}{"amount": 50000})

	request, err := f.engine.Decide(context.Background(), DecideInput{
		RequestID: request.ID,
		Decision:  models.DecisionRejected,
		DecidedBy: "manager-1",
		Comment:   "Wrong cost center",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, request.Status)
	assert.Equal(t, "Wrong cost center", request.ResolutionNote)
	assert.NotNil(t, request.ResolvedAt)

	actions := f.auditActions(t, request.ID)
	assert.Equal(t, models.AuditRequestRejected, actions[len(actions)-1])
	assert.Contains(t, f.publisher.Topics(), events.TopicRejected)

	_, err = f.decide(request.ID, models.DecisionApproved, "manager-1")
	assert.True(t, errors.Is(err, ErrInvalidState))
}

func TestDecide_DelegatedVerdictChangesNothing(t *testing.T) {
	f := newEngineFixture(t)
	flow := f.createFlow(t, invoiceFlow())
	request := f.submit(t, "1", map[string]interface{}{"amount": 50000})

	request, err := f.engine.Decide(context.Background(), DecideInput{
		RequestID:        request.ID,
		Decision:         models.DecisionDelegated,
		DecidedBy:        "manager-1",
		DelegatedTo:      "deputy-1",
		DelegationReason: "On leave",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, request.Status)
	assert.Equal(t, flow.Steps[0].ID, *request.CurrentStepID)

	actions := f.auditActions(t, request.ID)
	assert.Equal(t, models.AuditDelegated, actions[len(actions)-1])

	// The verdict alone grants no authority
	_, err = f.decide(request.ID, models.DecisionApproved, "deputy-1")
	assert.True(t, errors.Is(err, ErrNotAuthorized))
}

func TestDecide_ViaDelegation(t *testing.T) {
	f := newEngineFixture(t)
	flow := f.createFlow(t, invoiceFlow())
	ctx := context.Background()

	require.NoError(t, f.repo.CreateDelegation(ctx, &models.ApprovalDelegation{
		DelegatorID: "manager-1",
		DelegateID:  "deputy-1",
		EntityType:  strPtr("invoice"),
		StartsAt:    testStart.Add(-time.Hour),
		EndsAt:      testStart.Add(24 * time.Hour),
		IsActive:    true,
	}))

	request := f.submit(t, "1", map[string]interface{}{"amount": 50000})
	request, err := f.decide(request.ID, models.DecisionApproved, "deputy-1")
	require.NoError(t, err)
	assert.Equal(t, flow.Steps[1].ID, *request.CurrentStepID)

	decisions, err := f.engine.ListDecisions(ctx, request.ID)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	require.NotNil(t, decisions[0].OnBehalfOf)
	assert.Equal(t, "manager-1", *decisions[0].OnBehalfOf)

	logs, err := f.engine.GetAuditTrail(ctx, request.ID)
	require.NoError(t, err)
	assert.Equal(t, true, logs[2].Details["via_delegation"])
}

func TestDecide_DelegationOutsideWindowOrScope(t *testing.T) {
	f := newEngineFixture(t)
	f.createFlow(t, invoiceFlow())
	ctx := context.Background()

	require.NoError(t, f.repo.CreateDelegation(ctx, &models.ApprovalDelegation{
		DelegatorID: "manager-1",
		DelegateID:  "deputy-1",
		StartsAt:    testStart.Add(-48 * time.Hour),
		EndsAt:      testStart.Add(-24 * time.Hour),
		IsActive:    true,
	}))
	require.NoError(t, f.repo.CreateDelegation(ctx, &models.ApprovalDelegation{
		DelegatorID: "manager-1",
		DelegateID:  "deputy-2",
		EntityType:  strPtr("contract"),
		StartsAt:    testStart.Add(-time.Hour),
		EndsAt:      testStart.Add(24 * time.Hour),
		IsActive:    true,
	}))

	request := f.submit(t, "1", map[string]interface{}{"amount": 50000})

	_, err := f.decide(request.ID, models.DecisionApproved, "deputy-1")
	assert.True(t, errors.Is(err, ErrNotAuthorized), "expired delegation")

	_, err = f.decide(request.ID, models.DecisionApproved, "deputy-2")
	assert.True(t, errors.Is(err, ErrNotAuthorized), "delegation scoped to another entity type")
}

func TestDecide_RoleStepsCannotBeDelegated(t *testing.T) {
	f := newEngineFixture(t)
	f.createFlow(t, invoiceFlow())
	ctx := context.Background()

	require.NoError(t, f.repo.CreateDelegation(ctx, &models.ApprovalDelegation{
		DelegatorID: "finance-1",
		DelegateID:  "deputy-1",
		StartsAt:    testStart.Add(-time.Hour),
		EndsAt:      testStart.Add(24 * time.Hour),
		IsActive:    true,
	}))

	request := f.submit(t, "1", map[string]interface{}{"amount": 50000})
	_, err := f.decide(request.ID, models.DecisionApproved, "manager-1")
	require.NoError(t, err)

	_, err = f.decide(request.ID, models.DecisionApproved, "deputy-1")
	assert.True(t, errors.Is(err, ErrNotAuthorized))
}

func TestDecide_RoleLookupFailureDenies(t *testing.T) {
	f := newEngineFixture(t)
	f.createFlow(t, invoiceFlow())

	roles := new(MockRoleResolver)
	roles.On("GetUserRoles", mock.Anything, "finance-1").Return(nil, errors.New("staff service unavailable"))
	engine := NewApprovalEngine(f.repo, f.publisher, roles, f.logger, WithClock(f.clock.Now))

	request := f.submit(t, "1", map[string]interface{}{"amount": 50000})
	_, err := engine.Decide(context.Background(), DecideInput{RequestID: request.ID, Decision: models.DecisionApproved, DecidedBy: "manager-1"})
	require.NoError(t, err)

	_, err = engine.Decide(context.Background(), DecideInput{RequestID: request.ID, Decision: models.DecisionApproved, DecidedBy: "finance-1"})
	assert.True(t, errors.Is(err, ErrNotAuthorized))
	roles.AssertExpectations(t)
}

// ===========================================
// Cancel / Resubmit Tests
// ===========================================

func TestCancel(t *testing.T) {
	f := newEngineFixture(t)
	f.createFlow(t, invoiceFlow())
	request := f.submit(t, "1", map[string]interface{}{"amount": 50000})

	request, err := f.engine.Cancel(context.Background(), request.ID, "clerk-1", "Duplicate invoice")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, request.Status)
	assert.Equal(t, "Duplicate invoice", request.ResolutionNote)
	assert.NotNil(t, request.ResolvedAt)

	actions := f.auditActions(t, request.ID)
	assert.Equal(t, models.AuditCancelled, actions[len(actions)-1])
	assert.Contains(t, f.publisher.Topics(), events.TopicCancelled)

	_, err = f.engine.Cancel(context.Background(), request.ID, "clerk-1", "again")
	assert.True(t, errors.Is(err, ErrInvalidState))

	_, err = f.decide(request.ID, models.DecisionApproved, "manager-1")
	assert.True(t, errors.Is(err, ErrInvalidState))

	// The entity is free for a new submission
	f.submit(t, "1", map[string]interface{}{"amount": 50000})
}

func TestResubmit_RejectedCreatesNewRequest(t *testing.T) {
	f := newEngineFixture(t)
	f.createFlow(t, invoiceFlow())
	ctx := context.Background()

	original := f.submit(t, "1", map[string]interface{}{"amount": 50000})
	_, err := f.decide(original.ID, models.DecisionRejected, "manager-1")
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	resubmitted, err := f.engine.Resubmit(ctx, ResubmitInput{
		RequestID:     original.ID,
		Context:       map[string]interface{}{"amount": 40000},
		ResubmittedBy: "clerk-1",
	})
	require.NoError(t, err)
	assert.NotEqual(t, original.ID, resubmitted.ID)
	assert.Equal(t, models.StatusPending, resubmitted.Status)
	assert.Equal(t, float64(40000), resubmitted.ContextSnapshot["amount"])

	previous, err := f.engine.GetRequest(ctx, original.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, previous.Status)

	logs, err := f.engine.GetAuditTrail(ctx, original.ID)
	require.NoError(t, err)
	last := logs[len(logs)-1]
	assert.Equal(t, models.AuditResubmitted, last.Action)
	assert.Equal(t, resubmitted.ID.String(), last.Details["new_request_id"])

	history, err := f.engine.GetHistoryForEntity(ctx, "invoice", "1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, resubmitted.ID, history[0].ID)
	assert.Equal(t, original.ID, history[1].ID)
}

func TestResubmit_ReturnedRequestIsSuperseded(t *testing.T) {
	f := newEngineFixture(t)
	f.createFlow(t, invoiceFlow())
	ctx := context.Background()

	original := f.submit(t, "1", map[string]interface{}{"amount": 50000})
	returned, err := f.engine.Decide(ctx, DecideInput{
		RequestID: original.ID,
		Decision:  models.DecisionReturned,
		DecidedBy: "manager-1",
		Comment:   "Attach the PO",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnHold, returned.Status)
	assert.Contains(t, f.publisher.Topics(), events.TopicReturned)

	_, err = f.engine.Submit(ctx, SubmitInput{EntityType: "invoice", EntityID: "1", RequestedBy: "clerk-1"})
	assert.True(t, errors.Is(err, ErrAlreadyPending))

	resubmitted, err := f.engine.Resubmit(ctx, ResubmitInput{RequestID: original.ID, ResubmittedBy: "clerk-1"})
	require.NoError(t, err)
	assert.NotEqual(t, original.ID, resubmitted.ID)
	assert.Equal(t, float64(50000), resubmitted.ContextSnapshot["amount"])

	previous, err := f.engine.GetRequest(ctx, original.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, previous.Status)
	assert.Equal(t, "Superseded by resubmission", previous.ResolutionNote)
}

func TestResubmit_OpenRequestIsInvalid(t *testing.T) {
	f := newEngineFixture(t)
	f.createFlow(t, invoiceFlow())
	request := f.submit(t, "1", map[string]interface{}{"amount": 50000})

	_, err := f.engine.Resubmit(context.Background(), ResubmitInput{RequestID: request.ID, ResubmittedBy: "clerk-1"})
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.Equal(t, []string{models.AuditRequestCreated, models.AuditStepAdvanced}, f.auditActions(t, request.ID))
}

// ===========================================
// Escalation Tests
// ===========================================

func escalatingFlow() *models.ApprovalFlow {
	directorID := uuid.New()
	return &models.ApprovalFlow{
		Name:       "Escalating invoices",
		Slug:       "escalating-invoices",
		EntityType: "invoice",
		IsActive:   true,
		Steps: []models.ApprovalStep{
			{Name: "Manager", StepOrder: 1, ApproverType: models.ApproverTypeUser, ApproverUserID: strPtr("manager-1"),
				TimeoutHours: intPtr(48), EscalationStepID: uuidPtr(directorID)},
			{ID: directorID, Name: "Director", StepOrder: 99, ApproverType: models.ApproverTypeEscalation, ApproverUserID: strPtr("director-1")},
		},
	}
}

func TestEscalate_MovesToEscalationStep(t *testing.T) {
	f := newEngineFixture(t)
	flow := f.createFlow(t, escalatingFlow())
	director := flow.Steps[1]
	ctx := context.Background()

	request := f.submit(t, "1", map[string]interface{}{"amount": 50000})
	request, err := f.engine.Escalate(ctx, EscalateInput{RequestID: request.ID, Reason: "Urgent payment", ActorID: "ops-1"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusEscalated, request.Status)
	assert.Equal(t, director.ID, *request.CurrentStepID)

	actions := f.auditActions(t, request.ID)
	assert.Equal(t, models.AuditEscalated, actions[len(actions)-1])
	assert.Contains(t, f.publisher.Topics(), events.TopicEscalated)

	_, err = f.decide(request.ID, models.DecisionApproved, "manager-1")
	assert.True(t, errors.Is(err, ErrNotAuthorized))

	request, err = f.decide(request.ID, models.DecisionApproved, "director-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, request.Status)
}

func TestEscalate_WithoutPathIsAuditedNoOp(t *testing.T) {
	f := newEngineFixture(t)
	flow := f.createFlow(t, invoiceFlow())
	request := f.submit(t, "1", map[string]interface{}{"amount": 50000})
	f.publisher.Reset()

	escalated, err := f.engine.Escalate(context.Background(), EscalateInput{RequestID: request.ID, Reason: "timeout"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, escalated.Status)
	assert.Equal(t, flow.Steps[0].ID, *escalated.CurrentStepID)
	assert.Equal(t, request.Version, escalated.Version)

	actions := f.auditActions(t, request.ID)
	assert.Equal(t, models.AuditEscalationAttempted, actions[len(actions)-1])
	assert.Empty(t, f.publisher.Topics())
}

func TestEscalate_TerminalRequestIsInvalid(t *testing.T) {
	f := newEngineFixture(t)
	f.createFlow(t, escalatingFlow())
	request := f.submit(t, "1", map[string]interface{}{"amount": 50000})
	_, err := f.engine.Cancel(context.Background(), request.ID, "clerk-1", "")
	require.NoError(t, err)

	_, err = f.engine.Escalate(context.Background(), EscalateInput{RequestID: request.ID, Reason: "timeout"})
	assert.True(t, errors.Is(err, ErrInvalidState))
}

func TestEscalate_SchedulerRechecksTimeout(t *testing.T) {
	f := newEngineFixture(t)
	flow := f.createFlow(t, escalatingFlow())
	ctx := context.Background()
	request := f.submit(t, "1", map[string]interface{}{"amount": 50000})
	before := f.auditActions(t, request.ID)
	f.publisher.Reset()

	unchanged, err := f.engine.Escalate(ctx, EscalateInput{
		RequestID: request.ID,
		Reason:    "timeout",
		ActorType: models.ActorScheduler,
		At:        testStart.Add(47 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, unchanged.Status)
	assert.Equal(t, flow.Steps[0].ID, *unchanged.CurrentStepID)
	assert.Equal(t, before, f.auditActions(t, request.ID))
	assert.Empty(t, f.publisher.Topics())

	escalated, err := f.engine.Escalate(ctx, EscalateInput{
		RequestID: request.ID,
		Reason:    "timeout",
		ActorType: models.ActorScheduler,
		At:        testStart.Add(48 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusEscalated, escalated.Status)
	assert.Equal(t, flow.Steps[1].ID, *escalated.CurrentStepID)
}

// ===========================================
// Reminder / Expiry Tests
// ===========================================

func TestSendReminder_OncePerWindow(t *testing.T) {
	f := newEngineFixture(t)
	flow := invoiceFlow()
	flow.Steps[0].ReminderAfterHours = intPtr(24)
	f.createFlow(t, flow)
	ctx := context.Background()

	request := f.submit(t, "1", map[string]interface{}{"amount": 50000})

	sent, err := f.engine.SendReminder(ctx, request.ID, testStart.Add(23*time.Hour))
	require.NoError(t, err)
	assert.False(t, sent)

	sent, err = f.engine.SendReminder(ctx, request.ID, testStart.Add(25*time.Hour))
	require.NoError(t, err)
	assert.True(t, sent)

	sent, err = f.engine.SendReminder(ctx, request.ID, testStart.Add(30*time.Hour))
	require.NoError(t, err)
	assert.False(t, sent)

	sent, err = f.engine.SendReminder(ctx, request.ID, testStart.Add(49*time.Hour))
	require.NoError(t, err)
	assert.True(t, sent)

	reminders := 0
	for _, action := range f.auditActions(t, request.ID) {
		if action == models.AuditReminderSent {
			reminders++
		}
	}
	assert.Equal(t, 2, reminders)
}

func TestExpire(t *testing.T) {
	f := newEngineFixture(t)
	flow := invoiceFlow()
	flow.AutoRejectAfterHours = intPtr(72)
	f.createFlow(t, flow)
	ctx := context.Background()

	request := f.submit(t, "1", map[string]interface{}{"amount": 50000})

	expired, err := f.engine.Expire(ctx, request.ID, testStart.Add(71*time.Hour))
	require.NoError(t, err)
	assert.False(t, expired)

	expired, err = f.engine.Expire(ctx, request.ID, testStart.Add(72*time.Hour))
	require.NoError(t, err)
	assert.True(t, expired)

	request, err = f.engine.GetRequest(ctx, request.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, request.Status)
	assert.Equal(t, "Automatically expired after 72 hours without resolution", request.ResolutionNote)
	assert.Contains(t, f.publisher.Topics(), events.TopicExpired)

	expired, err = f.engine.Expire(ctx, request.ID, testStart.Add(100*time.Hour))
	require.NoError(t, err)
	assert.False(t, expired)
}

// ===========================================
// Query Tests
// ===========================================

func TestGetPendingForUser(t *testing.T) {
	f := newEngineFixture(t)
	f.createFlow(t, invoiceFlow())
	ctx := context.Background()

	normal := f.submit(t, "1", map[string]interface{}{"amount": 50000})
	urgent, err := f.engine.Submit(ctx, SubmitInput{
		EntityType:  "invoice",
		EntityID:    "2",
		Context:     map[string]interface{}{"amount": 70000},
		RequestedBy: "clerk-1",
		Priority:    models.PriorityUrgent,
	})
	require.NoError(t, err)

	pending, err := f.engine.GetPendingForUser(ctx, "manager-1")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, urgent.ID, pending[0].Request.ID)
	assert.Equal(t, normal.ID, pending[1].Request.ID)
	assert.Nil(t, pending[0].OnBehalfOf)

	require.NoError(t, f.repo.CreateDelegation(ctx, &models.ApprovalDelegation{
		DelegatorID: "manager-1",
		DelegateID:  "deputy-1",
		StartsAt:    testStart.Add(-time.Hour),
		EndsAt:      testStart.Add(time.Hour),
		IsActive:    true,
	}))
	delegated, err := f.engine.GetPendingForUser(ctx, "deputy-1")
	require.NoError(t, err)
	require.Len(t, delegated, 2)
	require.NotNil(t, delegated[0].OnBehalfOf)
	assert.Equal(t, "manager-1", *delegated[0].OnBehalfOf)

	count, err := f.engine.GetQueueCount(ctx, "finance-1")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	_, err = f.decide(normal.ID, models.DecisionApproved, "manager-1")
	require.NoError(t, err)
	_, err = f.decide(urgent.ID, models.DecisionAbstained, "manager-1")
	require.NoError(t, err)

	count, err = f.engine.GetQueueCount(ctx, "manager-1")
	require.NoError(t, err)
	assert.Equal(t, 0, count, "decided requests leave the queue")

	finance, err := f.engine.GetPendingForUser(ctx, "finance-2")
	require.NoError(t, err)
	require.Len(t, finance, 1)
	assert.Equal(t, normal.ID, finance[0].Request.ID)
	assert.Equal(t, "Finance", finance[0].Step.Name)
}

func TestGetAuditTrail_UnknownRequest(t *testing.T) {
	f := newEngineFixture(t)
	_, err := f.engine.GetAuditTrail(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, ErrRequestNotFound))
}

func TestSelectFlow(t *testing.T) {
	f := newEngineFixture(t)
	flow := invoiceFlow()
	flow.AutoApproveBelow = floatPtr(1000)
	f.createFlow(t, flow)

	selection, err := f.engine.SelectFlow(context.Background(), "invoice", map[string]interface{}{"amount": 10})
	require.NoError(t, err)
	assert.True(t, selection.AutoApproved)
	assert.Nil(t, selection.FirstStep)

	selection, err = f.engine.SelectFlow(context.Background(), "invoice", map[string]interface{}{"amount": 5000})
	require.NoError(t, err)
	assert.False(t, selection.AutoApproved)
	assert.Equal(t, "Manager", selection.FirstStep.Name)

	history, err := f.engine.GetHistoryForEntity(context.Background(), "invoice", "1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

// ===========================================
// Audit / Event Delivery Tests
// ===========================================

func TestEveryStateChangeIsAudited(t *testing.T) {
	f := newEngineFixture(t)
	f.createFlow(t, escalatingFlow())
	ctx := context.Background()

	request := f.submit(t, "1", map[string]interface{}{"amount": 50000})

	steps := []struct {
		action string
		run    func() error
	}{
		{models.AuditDecisionMade, func() error {
			_, err := f.decide(request.ID, models.DecisionAbstained, "manager-1")
			return err
		}},
		{models.AuditEscalated, func() error {
			_, err := f.engine.Escalate(ctx, EscalateInput{RequestID: request.ID, Reason: "timeout"})
			return err
		}},
		{models.AuditCancelled, func() error {
			_, err := f.engine.Cancel(ctx, request.ID, "clerk-1", "no longer needed")
			return err
		}},
		{models.AuditResubmitted, func() error {
			_, err := f.engine.Resubmit(ctx, ResubmitInput{RequestID: request.ID, ResubmittedBy: "clerk-1"})
			return err
		}},
	}

	for _, step := range steps {
		before := len(f.auditActions(t, request.ID))
		require.NoError(t, step.run(), step.action)
		after := f.auditActions(t, request.ID)
		assert.Greater(t, len(after), before, step.action)
		assert.Contains(t, after[before:], step.action)
	}
}

func TestEventHandlerFailureDoesNotFailOperation(t *testing.T) {
	f := newEngineFixture(t)
	f.createFlow(t, invoiceFlow())

	bus := events.NewBus(f.logger)
	var mu sync.Mutex
	var seen []string
	bus.Subscribe(events.TopicAll, func(ctx context.Context, event events.Event) {
		panic("subscriber bug")
	})
	bus.Subscribe(events.TopicSubmitted, func(ctx context.Context, event events.Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, event.RequestID)
	})

	engine := NewApprovalEngine(f.repo, bus, f.roles, f.logger, WithClock(f.clock.Now))
	request, err := engine.Submit(context.Background(), SubmitInput{
		EntityType:  "invoice",
		EntityID:    "1",
		Context:     map[string]interface{}{"amount": 50000},
		RequestedBy: "clerk-1",
	})
	require.NoError(t, err)
	bus.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{request.ID.String()}, seen)
}

func TestNilPublisherAndResolver(t *testing.T) {
	repo := repository.NewMemoryRepository()
	engine := NewApprovalEngine(repo, nil, nil, nil)
	f := &engineFixture{repo: repo}
	f.createFlow(t, invoiceFlow())

	request, err := engine.Submit(context.Background(), SubmitInput{
		EntityType:  "invoice",
		EntityID:    "1",
		RequestedBy: "clerk-1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, request.Status)
	assert.Equal(t, models.PriorityNormal, request.Priority)
}
