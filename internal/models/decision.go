package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ApprovalDecision represents an approver's verdict on one step of a request
type ApprovalDecision struct {
	ID               uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	RequestID        uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:idx_decision_unique" json:"requestId"`
	StepID           uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:idx_decision_unique" json:"stepId"`
	DecidedBy        string         `gorm:"type:varchar(255);not null;uniqueIndex:idx_decision_unique" json:"decidedBy"`
	OnBehalfOf       *string        `gorm:"type:varchar(255)" json:"onBehalfOf,omitempty"`
	Decision         string         `gorm:"type:varchar(20);not null" json:"decision"`
	Comment          string         `gorm:"type:text" json:"comment,omitempty"`
	Conditions       datatypes.JSON `json:"conditions,omitempty"`
	DelegatedTo      *string        `gorm:"type:varchar(255)" json:"delegatedTo,omitempty"`
	DelegationReason string         `gorm:"type:text" json:"delegationReason,omitempty"`
	DecidedAt        time.Time      `gorm:"not null" json:"decidedAt"`
}

// TableName returns the table name for ApprovalDecision
func (ApprovalDecision) TableName() string {
	return "approval_decisions"
}

// BeforeCreate assigns an ID when the caller did not
func (d *ApprovalDecision) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}

// Decision constants
const (
	DecisionApproved  = "approved"
	DecisionRejected  = "rejected"
	DecisionReturned  = "returned"
	DecisionDelegated = "delegated"
	DecisionAbstained = "abstained"
)

// IsValidDecision reports whether d is a known verdict
func IsValidDecision(d string) bool {
	switch d {
	case DecisionApproved, DecisionRejected, DecisionReturned, DecisionDelegated, DecisionAbstained:
		return true
	}
	return false
}

// ApprovalAuditLog is an append-only audit trail entry
type ApprovalAuditLog struct {
	ID        uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	RequestID uuid.UUID         `gorm:"type:uuid;not null;index" json:"requestId"`
	Action    string            `gorm:"type:varchar(50);not null;index" json:"action"`
	ActorID   string            `gorm:"type:varchar(255)" json:"actorId,omitempty"`
	ActorType string            `gorm:"type:varchar(20);not null" json:"actorType"`
	Details   datatypes.JSONMap `json:"details,omitempty"`
	CreatedAt time.Time         `gorm:"not null;index" json:"createdAt"`
}

// TableName returns the table name for ApprovalAuditLog
func (ApprovalAuditLog) TableName() string {
	return "approval_audit_log"
}

// BeforeCreate assigns an ID when the caller did not
func (l *ApprovalAuditLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}

// Actor types
const (
	ActorUser      = "user"
	ActorSystem    = "system"
	ActorScheduler = "scheduler"
)

// Audit action constants
const (
	AuditRequestCreated      = "request_created"
	AuditAutoApproved        = "auto_approved"
	AuditStepAdvanced        = "step_advanced"
	AuditDecisionMade        = "decision_made"
	AuditRequestApproved     = "request_approved"
	AuditRequestRejected     = "request_rejected"
	AuditRequestReturned     = "request_returned"
	AuditDelegated           = "delegated"
	AuditCancelled           = "cancelled"
	AuditResubmitted         = "resubmitted"
	AuditEscalated           = "escalated"
	AuditEscalationAttempted = "escalation_attempted"
	AuditReminderSent        = "reminder_sent"
	AuditExpired             = "expired"
)
