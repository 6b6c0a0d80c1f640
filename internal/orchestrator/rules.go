package orchestrator

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"opsline/internal/domain"
)

func newUUID() string { return uuid.NewString() }

// applyRules runs the deterministic rule table. ErrNoApplicableRule hands
// the event to the escalation path; a nil decision with nil error drops it.
func (o *Orchestrator) applyRules(dc domain.Context) (*domain.Decision, error) {
	switch dc.Event.Type {
	case domain.EventSlotCancelled:
		return o.pickReplacement(dc, "slot-reassign", domain.DecisionReassignSlot)
	case domain.EventResourceAvailable:
		return o.pickReplacement(dc, "resource-assign", domain.DecisionAssignResource)
	case domain.EventReadinessChanged:
		return o.readinessRule(dc)
	case domain.EventDeadlineApproaching:
		return o.deadlineRule(dc)
	}
	return nil, domain.ErrNoApplicableRule
}

// pickReplacement scores the candidate pool against the freed slot. The best
// candidate wins only when it clears the acceptance threshold and is not in
// a near tie with the runner-up; both failures escalate.
func (o *Orchestrator) pickReplacement(dc domain.Context, ruleID string, dt domain.DecisionType) (*domain.Decision, error) {
	if len(dc.Candidates) == 0 {
		return nil, domain.ErrNoApplicableRule
	}
	scored := o.scoreCandidates(dc.Candidates, dc.Slot)
	best := scored[0]
	if best.score < o.AcceptanceThreshold {
		return nil, domain.ErrNoApplicableRule
	}
	if len(scored) > 1 {
		gap := best.score - scored[1].score
		// An exact tie falls to the deterministic tie-break; a near tie
		// deserves human-grade judgment.
		if gap > 0 && gap < o.NearTieMargin {
			return nil, domain.ErrNoApplicableRule
		}
	}
	rationale := []string{
		fmt.Sprintf("candidate %s scored %.2f against %d others", best.subject.ID, best.score, len(scored)-1),
	}
	for _, part := range best.parts {
		rationale = append(rationale, part)
	}
	params := map[string]any{"subject_id": best.subject.ID}
	resourceKey := ""
	if dc.Slot != nil {
		params["slot_id"] = dc.Slot.ID
		resourceKey = "slot:" + dc.Slot.ID
	}
	return &domain.Decision{
		Type:        dt,
		Source:      domain.DecisionByRule,
		RuleID:      ruleID,
		Confidence:  best.score,
		Rationale:   rationale,
		ResourceKey: resourceKey,
		Params:      params,
	}, nil
}

type scoredCandidate struct {
	subject domain.Subject
	score   float64
	parts   []string
}

// scoreCandidates ranks by weighted score; exact ties go to the earliest
// original scheduled time, then the longest wait.
func (o *Orchestrator) scoreCandidates(candidates []domain.Subject, slot *domain.Slot) []scoredCandidate {
	w := o.Scoring
	scored := make([]scoredCandidate, 0, len(candidates))
	for _, c := range candidates {
		readiness := 0.0
		if c.Ready {
			readiness = 1.0
		}
		compat := 0.5
		if slot == nil || slot.Zone == "" || c.Zone == slot.Zone {
			compat = 1.0
		}
		avail := 1.0
		if c.ScheduledAt != "" && slot != nil && slot.StartAt != "" && c.ScheduledAt <= slot.StartAt {
			// Already booked sooner than the freed slot starts.
			avail = 0.5
		}
		score := w.Urgency*c.Urgency + w.Readiness*readiness + w.Compatibility*compat + w.Availability*avail
		scored = append(scored, scoredCandidate{
			subject: c,
			score:   score,
			parts: []string{
				fmt.Sprintf("urgency %.2f, ready %v, zone match %v", c.Urgency, c.Ready, compat == 1.0),
			},
		})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.subject.ScheduledAt != b.subject.ScheduledAt {
			if a.subject.ScheduledAt == "" {
				return false
			}
			if b.subject.ScheduledAt == "" {
				return true
			}
			return a.subject.ScheduledAt < b.subject.ScheduledAt
		}
		if a.subject.WaitlistedAt != b.subject.WaitlistedAt {
			return a.subject.WaitlistedAt < b.subject.WaitlistedAt
		}
		return a.subject.ID < b.subject.ID
	})
	return scored
}

// readinessRule is a deterministic next-step lookup. A subject that is not
// ready produces no decision.
func (o *Orchestrator) readinessRule(dc domain.Context) (*domain.Decision, error) {
	if len(dc.Subjects) == 0 {
		return nil, domain.ErrNoApplicableRule
	}
	subject := dc.Subjects[0]
	if !subject.Ready {
		return nil, nil
	}
	nextStep := subject.NextStep
	if nextStep == "" {
		nextStep = "intake_review"
	}
	return &domain.Decision{
		Type:       domain.DecisionFastTrack,
		Source:     domain.DecisionByRule,
		RuleID:     "readiness-next-step",
		Confidence: 0.9,
		Rationale:  []string{fmt.Sprintf("subject %s became ready; next step is %s", subject.ID, nextStep)},
		Params:     map[string]any{"subject_id": subject.ID, "next_step": nextStep},
	}, nil
}

func (o *Orchestrator) deadlineRule(dc domain.Context) (*domain.Decision, error) {
	if len(dc.Subjects) == 0 {
		return nil, domain.ErrNoApplicableRule
	}
	subject := dc.Subjects[0]
	deadline, _ := dc.Event.Payload["deadline"].(string)
	return &domain.Decision{
		Type:       domain.DecisionScheduleReminder,
		Source:     domain.DecisionByRule,
		RuleID:     "deadline-reminder",
		Confidence: 0.95,
		Rationale:  []string{fmt.Sprintf("deadline approaching for subject %s", subject.ID)},
		Params:     map[string]any{"subject_id": subject.ID, "deadline": deadline},
	}, nil
}

func summarize(d domain.Decision, dc domain.Context) string {
	subject, _ := d.Params["subject_id"].(string)
	switch d.Type {
	case domain.DecisionReassignSlot:
		slotID, _ := d.Params["slot_id"].(string)
		return fmt.Sprintf("Reassign freed slot %s to %s", slotID, subject)
	case domain.DecisionAssignResource:
		slotID, _ := d.Params["slot_id"].(string)
		return fmt.Sprintf("Assign available resource %s to %s", slotID, subject)
	case domain.DecisionFastTrack:
		nextStep, _ := d.Params["next_step"].(string)
		return fmt.Sprintf("Fast-track %s to %s", subject, nextStep)
	case domain.DecisionScheduleReminder:
		return fmt.Sprintf("Send deadline reminder to %s", subject)
	}
	return fmt.Sprintf("%s for event %s", d.Type, dc.Event.ID)
}
