package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ApprovalDelegation lets DelegateID act for DelegatorID within a time window
type ApprovalDelegation struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	DelegatorID  string     `gorm:"type:varchar(255);not null;index" json:"delegatorId"` // User delegating authority
	DelegateID   string     `gorm:"type:varchar(255);not null;index" json:"delegateId"`  // User receiving authority
	EntityType   *string    `gorm:"type:varchar(100)" json:"entityType,omitempty"`       // null = all entity types
	FlowID       *uuid.UUID `gorm:"type:uuid;index" json:"flowId,omitempty"`             // null = all flows
	Reason       string     `gorm:"type:text" json:"reason,omitempty"`
	StartsAt     time.Time  `gorm:"not null" json:"startsAt"`
	EndsAt       time.Time  `gorm:"not null" json:"endsAt"`
	IsActive     bool       `gorm:"not null;index" json:"isActive"`
	RevokedAt    *time.Time `json:"revokedAt,omitempty"`
	RevokedBy    *string    `gorm:"type:varchar(255)" json:"revokedBy,omitempty"`
	RevokeReason string     `gorm:"type:text" json:"revokeReason,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// TableName returns the table name for ApprovalDelegation
func (ApprovalDelegation) TableName() string {
	return "approval_delegations"
}

// BeforeCreate assigns an ID when the caller did not
func (d *ApprovalDelegation) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}

// IsActiveAt checks the flag and the time window at t, inclusive on both ends
func (d *ApprovalDelegation) IsActiveAt(t time.Time) bool {
	return d.IsActive &&
		d.RevokedAt == nil &&
		!t.Before(d.StartsAt) &&
		!t.After(d.EndsAt)
}

// Covers reports whether the delegation's scope includes the entity type and flow.
func (d *ApprovalDelegation) Covers(entityType string, flowID uuid.UUID) bool {
	if d.EntityType != nil && *d.EntityType != entityType {
		return false
	}
	if d.FlowID != nil && *d.FlowID != flowID {
		return false
	}
	return true
}

// DelegationStatus constants
const (
	DelegationStatusActive    = "active"
	DelegationStatusExpired   = "expired"
	DelegationStatusRevoked   = "revoked"
	DelegationStatusScheduled = "scheduled"
)

// StatusAt returns the delegation's status at t
func (d *ApprovalDelegation) StatusAt(t time.Time) string {
	if d.RevokedAt != nil {
		return DelegationStatusRevoked
	}

	if t.Before(d.StartsAt) {
		return DelegationStatusScheduled
	}

	if t.After(d.EndsAt) {
		return DelegationStatusExpired
	}

	if !d.IsActive {
		return DelegationStatusRevoked
	}

	return DelegationStatusActive
}
