package seeders

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"approval-engine/internal/models"
	"approval-engine/internal/repository"
	"approval-engine/internal/services"
)

// Slugs of the default flows
const (
	InvoiceFlowSlug  = "invoice-approval"
	CampaignFlowSlug = "marketing-campaign-approval"
)

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }
func floatPtr(f float64) *float64 {
	return &f
}

// DefaultFlows returns the flows installed on a fresh database
func DefaultFlows() []services.CreateFlowInput {
	return []services.CreateFlowInput{
		{
			Name:                 "Invoice Approval",
			Slug:                 InvoiceFlowSlug,
			Description:          "Manager then finance sign-off for supplier invoices",
			EntityType:           "invoice",
			AutoApproveBelow:     floatPtr(1000),
			AutoRejectAfterHours: intPtr(168),
			CreatedBy:            "system",
			Steps: []services.StepInput{
				{
					Name:                "Manager approval",
					StepOrder:           1,
					ApproverType:        models.ApproverTypeRole,
					ApproverRoleName:    strPtr("manager"),
					TimeoutHours:        intPtr(48),
					EscalationStepOrder: intPtr(99),
					ReminderAfterHours:  intPtr(24),
				},
				{
					Name:               "Finance approval",
					StepOrder:          2,
					ApproverType:       models.ApproverTypeRole,
					ApproverRoleName:   strPtr("finance"),
					ReminderAfterHours: intPtr(24),
				},
				{
					Name:             "Director escalation",
					StepOrder:        99,
					ApproverType:     models.ApproverTypeEscalation,
					ApproverRoleName: strPtr("director"),
				},
			},
		},
		{
			Name:              "Marketing Campaign Approval",
			Slug:              CampaignFlowSlug,
			Description:       "Sign-off for campaign budgets of 5000 and above",
			EntityType:        "marketing_project",
			TriggerConditions: map[string]interface{}{"budget_gte": 5000, "project_type": "campaign"},
			Priority:          10,
			CreatedBy:         "system",
			Steps: []services.StepInput{
				{
					Name:                "Marketing lead",
					StepOrder:           1,
					ApproverType:        models.ApproverTypeRole,
					ApproverRoleName:    strPtr("marketing_lead"),
					TimeoutHours:        intPtr(72),
					EscalationStepOrder: intPtr(3),
				},
				{
					Name:             "Finance review",
					StepOrder:        2,
					ApproverType:     models.ApproverTypeRole,
					ApproverRoleName: strPtr("finance"),
					SkipConditions:   map[string]interface{}{"budget_lt": 20000},
				},
				{
					Name:             "CMO escalation",
					StepOrder:        3,
					ApproverType:     models.ApproverTypeEscalation,
					ApproverRoleName: strPtr("cmo"),
				},
			},
		},
	}
}

// SeedDefaultFlows creates any default flow whose slug is not yet taken and
// returns how many were created. Existing flows are left untouched.
func SeedDefaultFlows(ctx context.Context, store repository.Store, logger *logrus.Logger) (int, error) {
	if logger == nil {
		logger = logrus.New()
	}
	log := logger.WithField("component", "seeder")
	flows := services.NewFlowService(store, logger)

	created := 0
	for _, input := range DefaultFlows() {
		if _, err := flows.GetFlowBySlug(ctx, input.Slug); err == nil {
			log.WithField("slug", input.Slug).Debug("Flow already present, skipping")
			continue
		} else if !errors.Is(err, services.ErrFlowNotFound) {
			return created, fmt.Errorf("failed to look up flow %s: %w", input.Slug, err)
		}

		flow, err := flows.CreateFlow(ctx, input)
		if errors.Is(err, services.ErrDuplicateSlug) {
			// Seeded concurrently by another replica
			continue
		}
		if err != nil {
			return created, fmt.Errorf("failed to seed flow %s: %w", input.Slug, err)
		}

		created++
		log.WithFields(logrus.Fields{
			"slug":    flow.Slug,
			"flow_id": flow.ID,
		}).Info("Seeded approval flow")
	}

	return created, nil
}
