package domain

import (
	"errors"
	"fmt"
)

// ErrDuplicateEvent marks re-delivery of an already-seen external event id.
// Ingestion treats it as a silent no-op; it is counted, never surfaced.
var ErrDuplicateEvent = errors.New("duplicate event")

// ErrNoApplicableRule signals that no deterministic rule matched. It triggers
// escalation and is not itself a failure.
var ErrNoApplicableRule = errors.New("no applicable rule")

// ParseError wraps a malformed raw payload. The listener logs it and keeps
// accepting events.
type ParseError struct {
	Source string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse payload from %s: %v", e.Source, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// EscalationError covers reasoning-service timeouts and unparseable
// proposals. The pipeline falls back to "no Decision".
type EscalationError struct {
	EventID string
	Err     error
}

func (e *EscalationError) Error() string {
	return fmt.Sprintf("escalation for event %s: %v", e.EventID, e.Err)
}

func (e *EscalationError) Unwrap() error { return e.Err }

// PlanError marks an invalid action plan: a dependency cycle, a reference to
// a missing action, or an irreversible action with dependents. No
// Recommendation is produced from an invalid plan.
type PlanError struct {
	Reason string
}

func (e *PlanError) Error() string { return "invalid plan: " + e.Reason }

// InvalidStateError is returned when a status transition outside the
// recommendation state machine is attempted. The API maps it to 409.
type InvalidStateError struct {
	From string
	To   string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

// ResourceConflictError rejects approving a recommendation while another one
// for the same resource key is approved or executing.
type ResourceConflictError struct {
	ResourceKey string
	BlockedBy   string
}

func (e *ResourceConflictError) Error() string {
	return fmt.Sprintf("resource %s already claimed by recommendation %s", e.ResourceKey, e.BlockedBy)
}
