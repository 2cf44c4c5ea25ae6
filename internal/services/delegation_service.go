package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"approval-engine/internal/models"
	"approval-engine/internal/repository"
)

// DelegationService manages approval delegations
type DelegationService struct {
	repo   repository.Store
	logger *logrus.Entry
	now    func() time.Time
}

// DelegationOption configures a DelegationService
type DelegationOption func(*DelegationService)

// WithDelegationClock overrides the service's time source
func WithDelegationClock(now func() time.Time) DelegationOption {
	return func(s *DelegationService) {
		s.now = now
	}
}

// NewDelegationService creates a new DelegationService
func NewDelegationService(repo repository.Store, logger *logrus.Logger, opts ...DelegationOption) *DelegationService {
	if logger == nil {
		logger = logrus.New()
	}

	s := &DelegationService{
		repo:   repo,
		logger: logger.WithField("component", "delegation-service"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateDelegationInput represents a request to create a delegation
type CreateDelegationInput struct {
	DelegatorID string     `json:"-"`
	DelegateID  string     `json:"delegateId"`
	EntityType  *string    `json:"entityType,omitempty"`
	FlowID      *uuid.UUID `json:"flowId,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	StartsAt    time.Time  `json:"startsAt"`
	EndsAt      time.Time  `json:"endsAt"`
}

// CreateDelegation grants DelegateID authority to act for DelegatorID
func (s *DelegationService) CreateDelegation(ctx context.Context, input CreateDelegationInput) (*models.ApprovalDelegation, error) {
	if input.DelegatorID == "" || input.DelegateID == "" {
		return nil, invalidInput("delegator and delegate are required")
	}
	if input.DelegateID == input.DelegatorID {
		return nil, invalidInput("cannot delegate to yourself")
	}
	if input.StartsAt.IsZero() || input.EndsAt.IsZero() {
		return nil, invalidInput("startsAt and endsAt are required")
	}
	if !input.EndsAt.After(input.StartsAt) {
		return nil, invalidInput("end date must be after start date")
	}
	now := s.now()
	if !input.EndsAt.After(now) {
		return nil, invalidInput("end date must be in the future")
	}

	if input.FlowID != nil {
		if _, err := s.repo.GetFlowByID(ctx, *input.FlowID); err != nil {
			return nil, mapNotFound(err, ErrFlowNotFound)
		}
	}

	delegation := &models.ApprovalDelegation{
		DelegatorID: input.DelegatorID,
		DelegateID:  input.DelegateID,
		EntityType:  emptyToNil(input.EntityType),
		FlowID:      input.FlowID,
		Reason:      input.Reason,
		StartsAt:    input.StartsAt,
		EndsAt:      input.EndsAt,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.repo.WithTransaction(ctx, func(tx repository.Store) error {
		overlap, err := tx.HasOverlappingDelegation(ctx, delegation)
		if err != nil {
			return fmt.Errorf("failed to check for overlapping delegations: %w", err)
		}
		if overlap {
			return ErrDelegationOverlap
		}
		return tx.CreateDelegation(ctx, delegation)
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"delegation_id": delegation.ID,
		"delegator_id":  delegation.DelegatorID,
		"delegate_id":   delegation.DelegateID,
		"ends_at":       delegation.EndsAt,
	}).Info("Delegation created")

	return delegation, nil
}

// GetDelegation retrieves a delegation visible to userID
func (s *DelegationService) GetDelegation(ctx context.Context, id uuid.UUID, userID string, isAdmin bool) (*models.ApprovalDelegation, error) {
	delegation, err := s.repo.GetDelegationByID(ctx, id)
	if err != nil {
		return nil, mapNotFound(err, ErrDelegationNotFound)
	}
	if !isAdmin && delegation.DelegatorID != userID && delegation.DelegateID != userID {
		return nil, ErrNotAuthorized
	}
	return delegation, nil
}

// RevokeDelegation ends a delegation early. Only the delegator or an admin may revoke.
func (s *DelegationService) RevokeDelegation(ctx context.Context, id uuid.UUID, revokedBy, reason string, isAdmin bool) (*models.ApprovalDelegation, error) {
	delegation, err := s.repo.GetDelegationByID(ctx, id)
	if err != nil {
		return nil, mapNotFound(err, ErrDelegationNotFound)
	}
	if !isAdmin && delegation.DelegatorID != revokedBy {
		return nil, ErrNotAuthorized
	}
	if delegation.RevokedAt != nil || !delegation.IsActive {
		return nil, fmt.Errorf("%w: delegation is already inactive", ErrInvalidState)
	}

	now := s.now()
	if err := s.repo.RevokeDelegation(ctx, id, revokedBy, reason, now); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: delegation is already inactive", ErrInvalidState)
		}
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"delegation_id": id,
		"revoked_by":    revokedBy,
	}).Info("Delegation revoked")

	return s.repo.GetDelegationByID(ctx, id)
}

// ListOutgoing lists delegations the user has granted
func (s *DelegationService) ListOutgoing(ctx context.Context, userID string, includeExpired bool) ([]models.ApprovalDelegation, error) {
	return s.repo.ListDelegationsByDelegator(ctx, userID, includeExpired, s.now())
}

// ListIncoming lists delegations granted to the user
func (s *DelegationService) ListIncoming(ctx context.Context, userID string, includeExpired bool) ([]models.ApprovalDelegation, error) {
	return s.repo.ListDelegationsByDelegate(ctx, userID, includeExpired, s.now())
}

// Now returns the service's current time
func (s *DelegationService) Now() time.Time {
	return s.now()
}
