package orchestrator

import (
	"fmt"
	"time"

	"opsline/internal/domain"
)

// Target systems actions run against. The executor resolves each one to a
// registered adapter.
const (
	SystemScheduling = "scheduling"
	SystemTransport  = "transport"
	SystemProvider   = "provider_portal"
	SystemCaseStore  = "case_store"
	SystemMessaging  = "messaging"
	SystemAuditLog   = "audit_log"
)

// avgAppointmentCost is the flat per-slot cost used for the advisory impact
// estimate.
const avgAppointmentCost = 120.0

var actionDurations = map[string]time.Duration{
	SystemScheduling: 2 * time.Second,
	SystemTransport:  3 * time.Second,
	SystemProvider:   2 * time.Second,
	SystemCaseStore:  time.Second,
	SystemMessaging:  time.Second,
	SystemAuditLog:   time.Second,
}

// coordinate renders the plan template for a decision and estimates its
// impact. Template errors surface as PlanError and block the Recommendation.
func (o *Orchestrator) coordinate(d domain.Decision, dc domain.Context) (domain.ActionPlan, domain.Impact, error) {
	var actions []domain.Action
	switch d.Type {
	case domain.DecisionReassignSlot, domain.DecisionAssignResource:
		actions = reassignTemplate(d)
	case domain.DecisionFastTrack:
		actions = fastTrackTemplate(d)
	case domain.DecisionScheduleReminder:
		actions = reminderTemplate(d)
	default:
		return domain.ActionPlan{}, domain.Impact{}, &domain.PlanError{Reason: fmt.Sprintf("no template for decision type %s", d.Type)}
	}
	var estimated time.Duration
	for _, a := range actions {
		estimated += actionDurations[a.TargetSystem]
	}
	plan, err := domain.NewPlan(o.newID(), actions, estimated)
	if err != nil {
		return domain.ActionPlan{}, domain.Impact{}, err
	}
	return plan, estimateImpact(d, dc, plan), nil
}

// reassignTemplate books the freed slot for the chosen subject, arranges the
// surrounding coordination, and confirms by message last. The confirmation
// cannot be unsent, so nothing may depend on it.
func reassignTemplate(d domain.Decision) []domain.Action {
	params := d.Params
	return []domain.Action{
		{
			ID:           "book-slot",
			TargetSystem: SystemScheduling,
			Operation:    "book_slot",
			Parameters:   params,
			Reversible:   true,
			Compensating: &domain.Compensation{Operation: "cancel_booking", Parameters: params},
		},
		{
			ID:           "arrange-transport",
			TargetSystem: SystemTransport,
			Operation:    "arrange_pickup",
			Parameters:   params,
			DependsOn:    []string{"book-slot"},
			Reversible:   true,
			Compensating: &domain.Compensation{Operation: "cancel_pickup", Parameters: params},
		},
		{
			ID:           "notify-provider",
			TargetSystem: SystemProvider,
			Operation:    "notify_provider",
			Parameters:   params,
			DependsOn:    []string{"book-slot"},
			Reversible:   true,
			Compensating: &domain.Compensation{Operation: "retract_notice", Parameters: params},
		},
		{
			ID:           "update-case",
			TargetSystem: SystemCaseStore,
			Operation:    "update_case",
			Parameters:   params,
			DependsOn:    []string{"book-slot"},
			Reversible:   true,
			Compensating: &domain.Compensation{Operation: "revert_case", Parameters: params},
		},
		{
			ID:           "send-confirmation",
			TargetSystem: SystemMessaging,
			Operation:    "send_confirmation",
			Parameters:   params,
			DependsOn:    []string{"arrange-transport", "notify-provider", "update-case"},
			Reversible:   false,
		},
	}
}

func fastTrackTemplate(d domain.Decision) []domain.Action {
	params := d.Params
	return []domain.Action{
		{
			ID:           "advance-step",
			TargetSystem: SystemCaseStore,
			Operation:    "advance_step",
			Parameters:   params,
			Reversible:   true,
			Compensating: &domain.Compensation{Operation: "revert_step", Parameters: params},
		},
		{
			ID:           "record-audit",
			TargetSystem: SystemAuditLog,
			Operation:    "record_fast_track",
			Parameters:   params,
			DependsOn:    []string{"advance-step"},
			Reversible:   true,
			Compensating: &domain.Compensation{Operation: "record_reversal", Parameters: params},
		},
		{
			ID:           "notify-caseworker",
			TargetSystem: SystemMessaging,
			Operation:    "notify_caseworker",
			Parameters:   params,
			DependsOn:    []string{"advance-step"},
			Reversible:   false,
		},
	}
}

func reminderTemplate(d domain.Decision) []domain.Action {
	params := d.Params
	return []domain.Action{
		{
			ID:           "record-audit",
			TargetSystem: SystemAuditLog,
			Operation:    "record_reminder",
			Parameters:   params,
			Reversible:   true,
			Compensating: &domain.Compensation{Operation: "record_reversal", Parameters: params},
		},
		{
			ID:           "send-reminder",
			TargetSystem: SystemMessaging,
			Operation:    "send_reminder",
			Parameters:   params,
			DependsOn:    []string{"record-audit"},
			Reversible:   false,
		},
	}
}

// estimateImpact is advisory only; approval always goes through a human.
func estimateImpact(d domain.Decision, dc domain.Context, plan domain.ActionPlan) domain.Impact {
	impact := domain.Impact{AffectedSystems: len(plan.AffectedSystems)}
	switch d.Type {
	case domain.DecisionReassignSlot, domain.DecisionAssignResource:
		// Filling a freed slot recovers its flat cost.
		impact.CostDelta = -avgAppointmentCost
		if subjectID, _ := d.Params["subject_id"].(string); subjectID != "" {
			for _, c := range dc.Candidates {
				if c.ID == subjectID {
					impact.UrgencyDelta = -c.Urgency
					break
				}
			}
		}
	case domain.DecisionFastTrack:
		if len(dc.Subjects) > 0 {
			impact.UrgencyDelta = -dc.Subjects[0].Urgency / 2
		}
	}
	return impact
}
