package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"approval-engine/internal/models"
	"approval-engine/internal/repository"
	"approval-engine/internal/services"
)

// Sweep names, used in logs and metrics
const (
	SweepTimeouts    = "timeouts"
	SweepReminders   = "reminders"
	SweepExpirations = "expirations"
	SweepDelegations = "delegations"
)

// TimeoutReason is recorded on escalations triggered by a step timeout
const TimeoutReason = "timeout"

// Engine is the subset of the approval engine the sweep drives
type Engine interface {
	Escalate(ctx context.Context, input services.EscalateInput) (*models.ApprovalRequest, error)
	SendReminder(ctx context.Context, requestID uuid.UUID, at time.Time) (bool, error)
	Expire(ctx context.Context, requestID uuid.UUID, at time.Time) (bool, error)
}

// Observer receives the outcome of each sweep run
type Observer interface {
	ObserveSweep(sweep string, processed, failed int, took time.Duration)
}

// SweepResult counts the items a sweep acted on and the items that failed
type SweepResult struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// RunResult is the outcome of RunOnce
type RunResult struct {
	Timeouts    SweepResult `json:"timeouts"`
	Reminders   SweepResult `json:"reminders"`
	Expirations SweepResult `json:"expirations"`
	Delegations SweepResult `json:"delegations"`
}

// Sweep runs the time-driven transitions. It owns no clock; callers pass now.
type Sweep struct {
	repo     repository.Store
	engine   Engine
	observer Observer
	logger   *logrus.Entry
}

// NewSweep creates a new Sweep. observer may be nil.
func NewSweep(repo repository.Store, engine Engine, observer Observer, logger *logrus.Logger) *Sweep {
	if logger == nil {
		logger = logrus.New()
	}
	return &Sweep{
		repo:     repo,
		engine:   engine,
		observer: observer,
		logger:   logger.WithField("component", "approval-sweep"),
	}
}

// ProcessTimeouts escalates requests that sat on a step past its timeout_hours.
// Requests whose last escalation attempt found no path are skipped until they change.
func (s *Sweep) ProcessTimeouts(ctx context.Context, now time.Time) (SweepResult, error) {
	started := time.Now()
	var result SweepResult

	requests, err := s.repo.FindTimedOutRequests(ctx, now)
	if err != nil {
		s.logger.WithError(err).Error("Failed to find timed out requests")
		return result, err
	}

	for _, request := range requests {
		if ctx.Err() != nil {
			break
		}

		attempted, err := s.repo.LatestAuditLog(ctx, request.ID, models.AuditEscalationAttempted)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			s.fail(&result, request.ID, SweepTimeouts, err)
			continue
		}
		if attempted != nil && !attempted.CreatedAt.Before(request.UpdatedAt) {
			continue
		}

		_, err = s.engine.Escalate(ctx, services.EscalateInput{
			RequestID: request.ID,
			Reason:    TimeoutReason,
			ActorType: models.ActorScheduler,
			At:        now,
		})
		if err != nil {
			s.fail(&result, request.ID, SweepTimeouts, err)
			continue
		}
		result.Processed++
	}

	s.finish(SweepTimeouts, result, started)
	return result, nil
}

// ProcessReminders sends at most one reminder per window for each due request
func (s *Sweep) ProcessReminders(ctx context.Context, now time.Time) (SweepResult, error) {
	started := time.Now()
	var result SweepResult

	requests, err := s.repo.FindRequestsNeedingReminder(ctx, now)
	if err != nil {
		s.logger.WithError(err).Error("Failed to find requests needing reminders")
		return result, err
	}

	for _, request := range requests {
		if ctx.Err() != nil {
			break
		}
		sent, err := s.engine.SendReminder(ctx, request.ID, now)
		if err != nil {
			s.fail(&result, request.ID, SweepReminders, err)
			continue
		}
		if sent {
			result.Processed++
		}
	}

	s.finish(SweepReminders, result, started)
	return result, nil
}

// ProcessExpirations expires requests older than their flow's auto_reject_after_hours
func (s *Sweep) ProcessExpirations(ctx context.Context, now time.Time) (SweepResult, error) {
	started := time.Now()
	var result SweepResult

	requests, err := s.repo.FindExpiredRequests(ctx, now)
	if err != nil {
		s.logger.WithError(err).Error("Failed to find expired requests")
		return result, err
	}

	for _, request := range requests {
		if ctx.Err() != nil {
			break
		}
		expired, err := s.engine.Expire(ctx, request.ID, now)
		if err != nil {
			s.fail(&result, request.ID, SweepExpirations, err)
			continue
		}
		if expired {
			result.Processed++
		}
	}

	s.finish(SweepExpirations, result, started)
	return result, nil
}

// DeactivateExpiredDelegations clears is_active on delegations past their end
func (s *Sweep) DeactivateExpiredDelegations(ctx context.Context, now time.Time) (SweepResult, error) {
	started := time.Now()
	var result SweepResult

	count, err := s.repo.DeactivateExpiredDelegations(ctx, now)
	if err != nil {
		s.logger.WithError(err).Error("Failed to deactivate expired delegations")
		result.Failed = 1
		s.finish(SweepDelegations, result, started)
		return result, err
	}
	result.Processed = int(count)

	s.finish(SweepDelegations, result, started)
	return result, nil
}

// RunOnce runs every sweep in turn. A failing sweep does not stop the others;
// the first error is returned.
func (s *Sweep) RunOnce(ctx context.Context, now time.Time) (RunResult, error) {
	var run RunResult
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	var err error
	run.Expirations, err = s.ProcessExpirations(ctx, now)
	keep(err)
	run.Timeouts, err = s.ProcessTimeouts(ctx, now)
	keep(err)
	run.Reminders, err = s.ProcessReminders(ctx, now)
	keep(err)
	run.Delegations, err = s.DeactivateExpiredDelegations(ctx, now)
	keep(err)

	return run, firstErr
}

func (s *Sweep) fail(result *SweepResult, requestID uuid.UUID, sweep string, err error) {
	result.Failed++
	s.logger.WithError(err).WithFields(logrus.Fields{
		"sweep":      sweep,
		"request_id": requestID,
	}).Error("Sweep item failed")
}

func (s *Sweep) finish(sweep string, result SweepResult, started time.Time) {
	if s.observer != nil {
		s.observer.ObserveSweep(sweep, result.Processed, result.Failed, time.Since(started))
	}
	if result.Processed > 0 || result.Failed > 0 {
		s.logger.WithFields(logrus.Fields{
			"sweep":     sweep,
			"processed": result.Processed,
			"failed":    result.Failed,
		}).Info("Sweep completed")
	}
}
