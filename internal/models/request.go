package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ApprovalRequest is one approval instance for one entity
type ApprovalRequest struct {
	ID              uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	FlowID          uuid.UUID         `gorm:"type:uuid;not null;index" json:"flowId"`
	EntityType      string            `gorm:"type:varchar(100);not null;index:idx_request_entity" json:"entityType"`
	EntityID        string            `gorm:"type:varchar(255);not null;index:idx_request_entity" json:"entityId"`
	RequestedBy     string            `gorm:"type:varchar(255);not null;index" json:"requestedBy"`
	ContextSnapshot datatypes.JSONMap `json:"contextSnapshot"`
	CurrentStepID   *uuid.UUID        `gorm:"type:uuid;index" json:"currentStepId,omitempty"`
	Status          string            `gorm:"type:varchar(30);not null;index" json:"status"`
	Priority        string            `gorm:"type:varchar(20);not null" json:"priority"`
	DueBy           *time.Time        `json:"dueBy,omitempty"`
	RequestedAt     time.Time         `gorm:"not null" json:"requestedAt"`
	ResolvedAt      *time.Time        `json:"resolvedAt,omitempty"`
	ResolutionNote  string            `gorm:"type:text" json:"resolutionNote,omitempty"`
	SkippedStepIDs  StringList        `json:"skippedStepIds,omitempty"`
	Version         int               `gorm:"not null;default:1" json:"version"` // Optimistic locking

	// ActiveKey is set while the request is non-terminal; its unique index
	// enforces at most one open request per entity.
	ActiveKey *string `gorm:"type:varchar(400);uniqueIndex" json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Flow *ApprovalFlow `gorm:"foreignKey:FlowID" json:"flow,omitempty"`
}

// TableName returns the table name for ApprovalRequest
func (ApprovalRequest) TableName() string {
	return "approval_requests"
}

// BeforeCreate assigns an ID when the caller did not
func (r *ApprovalRequest) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// ApprovalStatus constants
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusApproved   = "approved"
	StatusRejected   = "rejected"
	StatusOnHold     = "on_hold"
	StatusCancelled  = "cancelled"
	StatusEscalated  = "escalated"
	StatusExpired    = "expired"
)

// Priority constants
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// NonTerminalStatuses are the statuses that still block a new submission
var NonTerminalStatuses = []string{StatusPending, StatusInProgress, StatusOnHold, StatusEscalated}

// AwaitingDecisionStatuses are the statuses in which the current step accepts decisions
var AwaitingDecisionStatuses = []string{StatusPending, StatusInProgress, StatusEscalated}

// IsTerminal returns true if the status is a terminal state
func IsTerminal(status string) bool {
	return status == StatusApproved ||
		status == StatusRejected ||
		status == StatusCancelled ||
		status == StatusExpired
}

// IsTerminal returns true if the request is in a terminal state
func (r *ApprovalRequest) IsTerminal() bool {
	return IsTerminal(r.Status)
}

// IsAwaitingDecision reports whether approvers may act on the request
func (r *ApprovalRequest) IsAwaitingDecision() bool {
	for _, s := range AwaitingDecisionStatuses {
		if r.Status == s {
			return true
		}
	}
	return false
}

// EntityKey identifies the entity a request belongs to
func EntityKey(entityType, entityID string) string {
	return entityType + "/" + entityID
}

// SyncActiveKey sets or clears ActiveKey to match the current status
func (r *ApprovalRequest) SyncActiveKey() {
	if r.IsTerminal() {
		r.ActiveKey = nil
		return
	}
	key := EntityKey(r.EntityType, r.EntityID)
	r.ActiveKey = &key
}

// Context returns the frozen context snapshot as a plain map
func (r *ApprovalRequest) Context() map[string]interface{} {
	if r.ContextSnapshot == nil {
		return map[string]interface{}{}
	}
	return map[string]interface{}(r.ContextSnapshot)
}
