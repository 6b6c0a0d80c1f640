package domain

import "time"

// EventType is the closed set of triggers the orchestrator knows how to handle.
type EventType string

const (
	EventSlotCancelled       EventType = "slot_cancelled"
	EventResourceAvailable   EventType = "resource_available"
	EventReadinessChanged    EventType = "readiness_changed"
	EventDeadlineApproaching EventType = "deadline_approaching"
)

// KnownEventTypes lists every type the pipeline accepts; anything else is
// logged and dropped without a Decision.
var KnownEventTypes = []EventType{
	EventSlotCancelled,
	EventResourceAvailable,
	EventReadinessChanged,
	EventDeadlineApproaching,
}

func KnownEventType(t EventType) bool {
	for _, k := range KnownEventTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Event is the canonical trigger handed to the orchestrator exactly once.
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Source     string         `json:"source"`
	SubjectIDs []string       `json:"subject_ids,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	ReceivedAt string         `json:"received_at" format:"date-time"`
}

// Subject is the decision-time view of a client: urgency, readiness and
// compatibility attributes, plus scheduling state.
type Subject struct {
	ID           string  `json:"id"`
	Name         string  `json:"name,omitempty"`
	Urgency      float64 `json:"urgency"`
	Ready        bool    `json:"ready"`
	Zone         string  `json:"zone,omitempty"`
	NextStep     string  `json:"next_step,omitempty"`
	Eligible     bool    `json:"eligible"`
	ScheduledAt  string  `json:"scheduled_at,omitempty" format:"date-time"`
	WaitlistedAt string  `json:"waitlisted_at,omitempty" format:"date-time"`
}

// Slot is a bookable resource (appointment slot, housing unit, program seat).
type Slot struct {
	ID         string `json:"id"`
	ProviderID string `json:"provider_id"`
	Kind       string `json:"kind"`
	Zone       string `json:"zone,omitempty"`
	StartAt    string `json:"start_at,omitempty" format:"date-time"`
	SubjectID  string `json:"subject_id,omitempty"`
}

// Context is the ephemeral aggregate the orchestrator decides over.
// Rebuilt per decision, never persisted.
type Context struct {
	Event      Event     `json:"event"`
	Subjects   []Subject `json:"subjects,omitempty"`
	Candidates []Subject `json:"candidates,omitempty"`
	Slot       *Slot     `json:"slot,omitempty"`
}

// DecisionSource records whether a rule or the reasoning service produced
// the decision.
type DecisionSource string

const (
	DecisionByRule       DecisionSource = "rule"
	DecisionByEscalation DecisionSource = "escalation"
)

type DecisionType string

const (
	DecisionReassignSlot     DecisionType = "reassign_slot"
	DecisionAssignResource   DecisionType = "assign_resource"
	DecisionFastTrack        DecisionType = "fast_track"
	DecisionScheduleReminder DecisionType = "schedule_reminder"
)

// Decision is the chosen response to an Event. Immutable once produced.
type Decision struct {
	EventID     string         `json:"event_id"`
	Type        DecisionType   `json:"type"`
	Source      DecisionSource `json:"source"`
	RuleID      string         `json:"rule_id,omitempty"`
	Confidence  float64        `json:"confidence"`
	Rationale   []string       `json:"rationale"`
	ResourceKey string         `json:"resource_key,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
}

// Action is one external-system operation inside a plan.
type Action struct {
	ID           string         `json:"id"`
	TargetSystem string         `json:"target_system"`
	Operation    string         `json:"operation"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	DependsOn    []string       `json:"depends_on,omitempty"`
	Reversible   bool           `json:"reversible"`
	Compensating *Compensation  `json:"compensating,omitempty"`
}

// Compensation is the reverse operation applied during rollback.
type Compensation struct {
	Operation  string         `json:"operation"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ActionPlan is a frozen, dependency-ordered set of actions. The stored
// order is a valid topological sort of the dependency graph.
type ActionPlan struct {
	ID                string        `json:"id"`
	Actions           []Action      `json:"actions"`
	AffectedSystems   []string      `json:"affected_systems"`
	EstimatedDuration time.Duration `json:"estimated_duration_ns"`
}

// Impact is advisory only; it never bypasses the approval gate.
type Impact struct {
	CostDelta       float64 `json:"cost_delta"`
	UrgencyDelta    float64 `json:"urgency_delta"`
	AffectedSystems int     `json:"affected_systems"`
}

// Recommendation statuses. Transitions are validated by
// EnsureRecommendationTransition; everything else is rejected.
const (
	StatusPendingApproval = "pending_approval"
	StatusApproved        = "approved"
	StatusRejected        = "rejected"
	StatusExpired         = "expired"
	StatusExecuting       = "executing"
	StatusCompleted       = "completed"
	StatusFailed          = "failed"
)

// Recommendation packages a Decision and its plan for human approval.
type Recommendation struct {
	ID          string     `json:"id"`
	EventID     string     `json:"event_id"`
	Summary     string     `json:"summary"`
	Decision    Decision   `json:"decision"`
	Plan        ActionPlan `json:"plan"`
	Impact      Impact     `json:"impact"`
	Confidence  float64    `json:"confidence"`
	Status      string     `json:"status" enum:"pending_approval,approved,rejected,expired,executing,completed,failed"`
	ResourceKey string     `json:"resource_key,omitempty"`
	CreatedAt   string     `json:"created_at" format:"date-time"`
	ApprovedBy  *string    `json:"approved_by,omitempty"`
	ApprovedAt  *string    `json:"approved_at,omitempty" format:"date-time"`
	Error       *string    `json:"error,omitempty"`
}

// EnsureRecommendationTransition validates the recommendation state machine:
// pending_approval -> {approved, rejected, expired}, approved -> executing,
// executing -> {completed, failed}.
func EnsureRecommendationTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case StatusPendingApproval:
		if newStatus == StatusApproved || newStatus == StatusRejected || newStatus == StatusExpired {
			return nil
		}
	case StatusApproved:
		if newStatus == StatusExecuting {
			return nil
		}
	case StatusExecuting:
		if newStatus == StatusCompleted || newStatus == StatusFailed {
			return nil
		}
	}
	return &InvalidStateError{From: oldStatus, To: newStatus}
}

// Action execution statuses.
const (
	ActionSuccess    = "success"
	ActionFailed     = "failed"
	ActionRolledBack = "rolled_back"
	ActionSkipped    = "skipped"
)

// ActionResult records one action's outcome, including rollback state and
// whether a completed irreversible action needs caseworker follow-up.
type ActionResult struct {
	ActionID         string        `json:"action_id"`
	Attempts         int           `json:"attempts"`
	Status           string        `json:"status" enum:"success,failed,rolled_back,skipped"`
	Error            string        `json:"error,omitempty"`
	Duration         time.Duration `json:"duration_ns"`
	RequiresFollowUp bool          `json:"requires_follow_up,omitempty"`
}

// ExecutionResult is the per-recommendation record the executor appends to.
type ExecutionResult struct {
	RecommendationID string         `json:"recommendation_id"`
	Status           string         `json:"status" enum:"completed,failed"`
	Actions          []ActionResult `json:"actions"`
	RolledBack       []string       `json:"rolled_back,omitempty"`
	FollowUps        []string       `json:"follow_ups,omitempty"`
	StartedAt        string         `json:"started_at" format:"date-time"`
	Duration         time.Duration  `json:"duration_ns"`
}
