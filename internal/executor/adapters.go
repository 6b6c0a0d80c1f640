package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"opsline/internal/oplog"
	"opsline/internal/repo"
)

// The built-in adapters run the demo caseload end to end against the local
// store. Real deployments replace them per target system.

// SchedulingAdapter books and releases slots on the local caseload tables.
type SchedulingAdapter struct {
	Repo repo.Repo
}

func (a SchedulingAdapter) Execute(ctx context.Context, op string, params map[string]any, correlationKey string) error {
	slotID, _ := params["slot_id"].(string)
	subjectID, _ := params["subject_id"].(string)
	switch op {
	case "book_slot":
		if slotID == "" || subjectID == "" {
			return fmt.Errorf("book_slot: missing slot_id or subject_id")
		}
		slot, err := a.Repo.GetSlot(ctx, slotID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("book_slot: slot %s not found", slotID)
			}
			return Retryable(err)
		}
		if slot.SubjectID != "" && slot.SubjectID != subjectID {
			return fmt.Errorf("book_slot: slot %s already taken by %s", slotID, slot.SubjectID)
		}
		if err := a.Repo.AssignSlot(ctx, slotID, subjectID); err != nil {
			return Retryable(err)
		}
		if err := a.Repo.SetSubjectScheduled(ctx, subjectID, slot.StartAt); err != nil {
			return Retryable(err)
		}
		return nil
	case "cancel_booking":
		if err := a.Repo.AssignSlot(ctx, slotID, ""); err != nil {
			return Retryable(err)
		}
		return a.Repo.SetSubjectScheduled(ctx, subjectID, "")
	}
	return fmt.Errorf("scheduling: unknown operation %s", op)
}

// CaseStoreAdapter advances and reverts case steps.
type CaseStoreAdapter struct {
	Repo repo.Repo
}

func (a CaseStoreAdapter) Execute(ctx context.Context, op string, params map[string]any, correlationKey string) error {
	subjectID, _ := params["subject_id"].(string)
	if subjectID == "" {
		return fmt.Errorf("case_store: missing subject_id")
	}
	switch op {
	case "update_case":
		return a.Repo.SetSubjectNextStep(ctx, subjectID, "confirm_attendance")
	case "revert_case":
		return a.Repo.SetSubjectNextStep(ctx, subjectID, "")
	case "advance_step":
		nextStep, _ := params["next_step"].(string)
		if nextStep == "" {
			return fmt.Errorf("advance_step: missing next_step")
		}
		return a.Repo.SetSubjectNextStep(ctx, subjectID, nextStep)
	case "revert_step":
		return a.Repo.SetSubjectNextStep(ctx, subjectID, "")
	}
	return fmt.Errorf("case_store: unknown operation %s", op)
}

// AuditAdapter records audit actions in the operational log.
type AuditAdapter struct {
	Oplog oplog.Writer
}

func (a AuditAdapter) Execute(ctx context.Context, op string, params map[string]any, correlationKey string) error {
	payload := oplog.Payload{"correlation_key": correlationKey}
	for k, v := range params {
		payload[k] = v
	}
	return a.Oplog.AppendDB(ctx, "audit."+op, "execution", correlationKey, payload)
}

// OutboxAdapter writes messaging, transport and provider operations to the
// notifications outbox. Idempotent per correlation key.
type OutboxAdapter struct {
	Repo   repo.Repo
	System string
	Now    func() time.Time
}

func (a OutboxAdapter) Execute(ctx context.Context, op string, params map[string]any, correlationKey string) error {
	n, err := a.Repo.CountNotifications(ctx, correlationKey)
	if err != nil {
		return Retryable(err)
	}
	if n > 0 {
		return nil
	}
	now := a.Now
	if now == nil {
		now = time.Now
	}
	if err := a.Repo.RecordNotification(ctx, a.System, op, params, correlationKey, now()); err != nil {
		return Retryable(err)
	}
	return nil
}

// DefaultAdapters wires the demo adapter set for every target system the
// plan templates use.
func DefaultAdapters(r repo.Repo, ol oplog.Writer) map[string]Adapter {
	return map[string]Adapter{
		"scheduling":      SchedulingAdapter{Repo: r},
		"case_store":      CaseStoreAdapter{Repo: r},
		"audit_log":       AuditAdapter{Oplog: ol},
		"messaging":       OutboxAdapter{Repo: r, System: "messaging"},
		"transport":       OutboxAdapter{Repo: r, System: "transport"},
		"provider_portal": OutboxAdapter{Repo: r, System: "provider_portal"},
	}
}
