package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"opsline/internal/domain"
	"opsline/internal/metrics"
	"opsline/internal/oplog"
)

// Adapter executes operations against one target system. Implementations
// must be idempotent per correlation key: the same key may be retried.
type Adapter interface {
	Execute(ctx context.Context, op string, params map[string]any, correlationKey string) error
}

// RetryableError marks a transient failure worth retrying with backoff.
// Anything else is terminal on first occurrence.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

func isRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// Executor runs approved plans in dependency order, independent actions
// concurrently. A terminal failure halts unstarted work and rolls back
// completed reversible actions in reverse completion order.
type Executor struct {
	Adapters map[string]Adapter
	Oplog    oplog.Writer
	Metrics  *metrics.Pipeline
	Now      func() time.Time

	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	ActionTimeout time.Duration

	// Sleep is swapped out by tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

func New(adapters map[string]Adapter, ol oplog.Writer, m *metrics.Pipeline) *Executor {
	return &Executor{
		Adapters:      adapters,
		Oplog:         ol,
		Metrics:       m,
		Now:           time.Now,
		MaxAttempts:   3,
		BackoffBase:   200 * time.Millisecond,
		BackoffMax:    5 * time.Second,
		ActionTimeout: 30 * time.Second,
		Sleep:         sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type outcome struct {
	actionID string
	result   domain.ActionResult
}

// Execute runs the plan of one recommendation and returns the execution
// record. The returned error covers executor plumbing only; action failures
// are reported through the record's status.
func (e *Executor) Execute(ctx context.Context, rec domain.Recommendation) domain.ExecutionResult {
	started := e.Now()
	res := domain.ExecutionResult{
		RecommendationID: rec.ID,
		StartedAt:        started.UTC().Format(time.RFC3339),
	}

	actions := rec.Plan.Actions
	byID := make(map[string]domain.Action, len(actions))
	for _, a := range actions {
		byID[a.ID] = a
	}
	succeeded := map[string]bool{}
	settled := map[string]bool{}
	running := map[string]bool{}
	results := map[string]domain.ActionResult{}
	var completionOrder []string

	outcomes := make(chan outcome)
	halted := false

	startReady := func() int {
		startedNow := 0
		for _, a := range actions {
			if settled[a.ID] || running[a.ID] || halted {
				continue
			}
			ready := true
			for _, dep := range a.DependsOn {
				if !succeeded[dep] {
					ready = false
					break
				}
			}
			if !ready {
				continue
			}
			running[a.ID] = true
			startedNow++
			go func(a domain.Action) {
				outcomes <- outcome{actionID: a.ID, result: e.runAction(ctx, rec.ID, a)}
			}(a)
		}
		return startedNow
	}

	inFlight := startReady()
	for inFlight > 0 {
		oc := <-outcomes
		inFlight--
		running[oc.actionID] = false
		settled[oc.actionID] = true
		results[oc.actionID] = oc.result
		if oc.result.Status == domain.ActionSuccess {
			succeeded[oc.actionID] = true
			completionOrder = append(completionOrder, oc.actionID)
		} else {
			halted = true
		}
		inFlight += startReady()
	}

	for _, a := range actions {
		if !settled[a.ID] {
			results[a.ID] = domain.ActionResult{ActionID: a.ID, Status: domain.ActionSkipped}
		}
	}

	if halted {
		e.rollback(ctx, rec, byID, completionOrder, results, &res)
		res.Status = domain.StatusFailed
	} else {
		res.Status = domain.StatusCompleted
	}

	for _, a := range actions {
		res.Actions = append(res.Actions, results[a.ID])
	}
	res.Duration = e.Now().Sub(started)
	e.Metrics.ExecutionFinished(ctx, res.Status == domain.StatusCompleted, res.Duration)
	return res
}

// runAction retries transient failures with bounded exponential backoff. The
// correlation key stays stable across attempts so downstream systems can
// deduplicate.
func (e *Executor) runAction(ctx context.Context, recID string, a domain.Action) domain.ActionResult {
	adapter, ok := e.Adapters[a.TargetSystem]
	if !ok {
		return domain.ActionResult{
			ActionID: a.ID,
			Status:   domain.ActionFailed,
			Error:    fmt.Sprintf("no adapter for target system %s", a.TargetSystem),
		}
	}
	correlationKey := recID + ":" + a.ID
	started := e.Now()
	var lastErr error
	attempts := 0
	for attempts < e.MaxAttempts {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, e.ActionTimeout)
		err := adapter.Execute(attemptCtx, a.Operation, a.Parameters, correlationKey)
		cancel()
		if err == nil {
			return domain.ActionResult{
				ActionID: a.ID,
				Attempts: attempts,
				Status:   domain.ActionSuccess,
				Duration: e.Now().Sub(started),
			}
		}
		lastErr = err
		if !isRetryable(err) || ctx.Err() != nil {
			break
		}
		if attempts < e.MaxAttempts {
			if serr := e.Sleep(ctx, e.backoff(attempts)); serr != nil {
				lastErr = serr
				break
			}
		}
	}
	return domain.ActionResult{
		ActionID: a.ID,
		Attempts: attempts,
		Status:   domain.ActionFailed,
		Error:    lastErr.Error(),
		Duration: e.Now().Sub(started),
	}
}

func (e *Executor) backoff(attempt int) time.Duration {
	d := e.BackoffBase << (attempt - 1)
	if d > e.BackoffMax || d <= 0 {
		d = e.BackoffMax
	}
	return d
}

// rollback compensates completed reversible actions in reverse completion
// order. Completed irreversible actions cannot be undone; they are flagged
// for caseworker follow-up instead.
func (e *Executor) rollback(ctx context.Context, rec domain.Recommendation, byID map[string]domain.Action, completionOrder []string, results map[string]domain.ActionResult, res *domain.ExecutionResult) {
	// Rollback must run even when the surrounding context was cancelled.
	rbCtx := context.WithoutCancel(ctx)
	for i := len(completionOrder) - 1; i >= 0; i-- {
		id := completionOrder[i]
		a := byID[id]
		r := results[id]
		if !a.Reversible {
			r.RequiresFollowUp = true
			results[id] = r
			res.FollowUps = append(res.FollowUps, id)
			continue
		}
		if a.Compensating == nil {
			continue
		}
		adapter, ok := e.Adapters[a.TargetSystem]
		if !ok {
			continue
		}
		correlationKey := rec.ID + ":" + a.ID + ":rollback"
		cctx, cancel := context.WithTimeout(rbCtx, e.ActionTimeout)
		err := adapter.Execute(cctx, a.Compensating.Operation, a.Compensating.Parameters, correlationKey)
		cancel()
		if err != nil {
			log.Printf("executor: compensate action %s of %s: %v", id, rec.ID, err)
			r.RequiresFollowUp = true
			results[id] = r
			res.FollowUps = append(res.FollowUps, id)
			continue
		}
		r.Status = domain.ActionRolledBack
		results[id] = r
		res.RolledBack = append(res.RolledBack, id)
		if err := e.Oplog.AppendDB(rbCtx, oplog.ActionRolledBack, "recommendation", rec.ID, oplog.Payload{
			"action_id": id,
		}); err != nil {
			log.Printf("executor: oplog append: %v", err)
		}
	}
}
