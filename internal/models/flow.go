package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ApprovalFlow is the approval policy for one entity type
type ApprovalFlow struct {
	ID                   uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	Name                 string            `gorm:"type:varchar(255);not null" json:"name"`
	Slug                 string            `gorm:"type:varchar(100);not null;uniqueIndex" json:"slug"`
	Description          string            `gorm:"type:text" json:"description,omitempty"`
	EntityType           string            `gorm:"type:varchar(100);not null;index" json:"entityType"`
	TriggerConditions    datatypes.JSONMap `json:"triggerConditions,omitempty"`
	Priority             int               `gorm:"not null;default:0;index" json:"priority"`
	AllowParallelSteps   bool              `gorm:"not null" json:"allowParallelSteps"`
	AutoApproveBelow     *float64          `json:"autoApproveBelow,omitempty"`
	AutoRejectAfterHours *int              `json:"autoRejectAfterHours,omitempty"`
	IsActive             bool              `gorm:"not null;index" json:"isActive"`
	CreatedBy            string            `gorm:"type:varchar(255)" json:"createdBy,omitempty"`
	CreatedAt            time.Time         `json:"createdAt"`
	UpdatedAt            time.Time         `json:"updatedAt"`

	Steps []ApprovalStep `gorm:"foreignKey:FlowID" json:"steps,omitempty"`
}

// TableName returns the table name for ApprovalFlow
func (ApprovalFlow) TableName() string {
	return "approval_flows"
}

// BeforeCreate assigns an ID when the caller did not
func (f *ApprovalFlow) BeforeCreate(tx *gorm.DB) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	return nil
}

// Approver types
const (
	ApproverTypeUser       = "user"
	ApproverTypeRole       = "role"
	ApproverTypeEscalation = "escalation"
)

// ApprovalStep is one stage of a flow
type ApprovalStep struct {
	ID                 uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	FlowID             uuid.UUID         `gorm:"type:uuid;not null;uniqueIndex:idx_step_flow_order" json:"flowId"`
	Name               string            `gorm:"type:varchar(255);not null" json:"name"`
	StepOrder          int               `gorm:"not null;uniqueIndex:idx_step_flow_order" json:"stepOrder"`
	ApproverType       string            `gorm:"type:varchar(20);not null" json:"approverType"`
	ApproverUserID     *string           `gorm:"type:varchar(255);index" json:"approverUserId,omitempty"`
	ApproverRoleName   *string           `gorm:"type:varchar(100);index" json:"approverRoleName,omitempty"`
	RequiresAll        bool              `gorm:"not null" json:"requiresAll"`
	MinApprovals       int               `gorm:"not null;default:1" json:"minApprovals"`
	SkipConditions     datatypes.JSONMap `json:"skipConditions,omitempty"`
	TimeoutHours       *int              `json:"timeoutHours,omitempty"`
	EscalationStepID   *uuid.UUID        `gorm:"type:uuid" json:"escalationStepId,omitempty"`
	ReminderAfterHours *int              `json:"reminderAfterHours,omitempty"`
	CreatedAt          time.Time         `json:"createdAt"`
	UpdatedAt          time.Time         `json:"updatedAt"`
}

// TableName returns the table name for ApprovalStep
func (ApprovalStep) TableName() string {
	return "approval_steps"
}

// BeforeCreate assigns an ID when the caller did not
func (s *ApprovalStep) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// RequiredApprovals is the approval count that completes the step
func (s *ApprovalStep) RequiredApprovals() int {
	if s.MinApprovals < 1 {
		return 1
	}
	return s.MinApprovals
}
