package executor_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"opsline/internal/db"
	"opsline/internal/domain"
	"opsline/internal/executor"
	"opsline/internal/metrics"
	"opsline/internal/migrate"
	"opsline/internal/oplog"
)

type call struct {
	Op             string
	CorrelationKey string
}

type fakeAdapter struct {
	mu        sync.Mutex
	calls     []call
	terminal  map[string]error
	retryable map[string]int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{terminal: map[string]error{}, retryable: map[string]int{}}
}

func (f *fakeAdapter) Execute(ctx context.Context, op string, params map[string]any, correlationKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{Op: op, CorrelationKey: correlationKey})
	if err, ok := f.terminal[op]; ok {
		return err
	}
	if n := f.retryable[op]; n > 0 {
		f.retryable[op] = n - 1
		return executor.Retryable(fmt.Errorf("transient failure of %s", op))
	}
	return nil
}

func (f *fakeAdapter) callsFor(op string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func newTestExecutor(t *testing.T, adapter executor.Adapter) *executor.Executor {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	m, err := metrics.NewPipeline()
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	exec := executor.New(map[string]executor.Adapter{"sys": adapter}, oplog.Writer{DB: conn}, m)
	exec.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return exec
}

func action(id, op string, deps []string, reversible bool) domain.Action {
	a := domain.Action{
		ID:           id,
		TargetSystem: "sys",
		Operation:    op,
		DependsOn:    deps,
		Reversible:   reversible,
	}
	if reversible {
		a.Compensating = &domain.Compensation{Operation: "undo-" + op}
	}
	return a
}

func mustPlan(t *testing.T, actions ...domain.Action) domain.ActionPlan {
	t.Helper()
	plan, err := domain.NewPlan("plan-1", actions, time.Minute)
	if err != nil {
		t.Fatalf("new plan: %v", err)
	}
	return plan
}

func rec(plan domain.ActionPlan) domain.Recommendation {
	return domain.Recommendation{ID: "rec-1", Status: domain.StatusExecuting, Plan: plan}
}

func TestExecuteHappyPath(t *testing.T) {
	adapter := newFakeAdapter()
	exec := newTestExecutor(t, adapter)
	plan := mustPlan(t,
		action("a", "op-a", nil, true),
		action("b", "op-b", []string{"a"}, true),
		action("c", "op-c", []string{"a"}, true),
	)
	res := exec.Execute(context.Background(), rec(plan))
	if res.Status != domain.StatusCompleted {
		t.Fatalf("status: %s", res.Status)
	}
	for _, ar := range res.Actions {
		if ar.Status != domain.ActionSuccess || ar.Attempts != 1 {
			t.Fatalf("action %s: %+v", ar.ActionID, ar)
		}
	}
	if len(adapter.callsFor("op-a")) != 1 {
		t.Fatalf("op-a calls: %v", adapter.calls)
	}
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.retryable["op-a"] = 2
	exec := newTestExecutor(t, adapter)
	plan := mustPlan(t, action("a", "op-a", nil, true))
	res := exec.Execute(context.Background(), rec(plan))
	if res.Status != domain.StatusCompleted {
		t.Fatalf("status: %s", res.Status)
	}
	if res.Actions[0].Attempts != 3 {
		t.Fatalf("attempts: %d", res.Actions[0].Attempts)
	}
	calls := adapter.callsFor("op-a")
	if len(calls) != 3 {
		t.Fatalf("calls: %d", len(calls))
	}
	for _, c := range calls {
		if c.CorrelationKey != calls[0].CorrelationKey {
			t.Fatalf("correlation key changed across retries: %v", calls)
		}
	}
}

func TestExecuteStopsRetryingAtMaxAttempts(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.retryable["op-a"] = 10
	exec := newTestExecutor(t, adapter)
	plan := mustPlan(t, action("a", "op-a", nil, true))
	res := exec.Execute(context.Background(), rec(plan))
	if res.Status != domain.StatusFailed {
		t.Fatalf("status: %s", res.Status)
	}
	if res.Actions[0].Attempts != exec.MaxAttempts {
		t.Fatalf("attempts: %d", res.Actions[0].Attempts)
	}
}

func TestExecuteTerminalFailureDoesNotRetry(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.terminal["op-a"] = errors.New("boom")
	exec := newTestExecutor(t, adapter)
	plan := mustPlan(t, action("a", "op-a", nil, true))
	res := exec.Execute(context.Background(), rec(plan))
	if res.Status != domain.StatusFailed {
		t.Fatalf("status: %s", res.Status)
	}
	if res.Actions[0].Attempts != 1 {
		t.Fatalf("attempts: %d", res.Actions[0].Attempts)
	}
}

func TestExecuteRollsBackInReverseCompletionOrder(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.terminal["op-c"] = errors.New("downstream rejected request")
	exec := newTestExecutor(t, adapter)
	plan := mustPlan(t,
		action("a", "op-a", nil, true),
		action("b", "op-b", []string{"a"}, true),
		action("c", "op-c", []string{"b"}, true),
	)
	res := exec.Execute(context.Background(), rec(plan))
	if res.Status != domain.StatusFailed {
		t.Fatalf("status: %s", res.Status)
	}
	want := []string{"b", "a"}
	if len(res.RolledBack) != len(want) {
		t.Fatalf("rolled back: %v", res.RolledBack)
	}
	for i, id := range want {
		if res.RolledBack[i] != id {
			t.Fatalf("rollback order: got %v want %v", res.RolledBack, want)
		}
	}
	byID := map[string]domain.ActionResult{}
	for _, ar := range res.Actions {
		byID[ar.ActionID] = ar
	}
	if byID["a"].Status != domain.ActionRolledBack || byID["b"].Status != domain.ActionRolledBack {
		t.Fatalf("rollback statuses: %+v", byID)
	}
	if byID["c"].Status != domain.ActionFailed {
		t.Fatalf("failed action status: %+v", byID["c"])
	}
	if len(adapter.callsFor("undo-op-b")) != 1 || len(adapter.callsFor("undo-op-a")) != 1 {
		t.Fatalf("compensation calls: %v", adapter.calls)
	}
}

func TestExecuteFlagsIrreversibleForFollowUp(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.terminal["op-c"] = errors.New("boom")
	exec := newTestExecutor(t, adapter)
	plan := mustPlan(t,
		action("a", "op-a", nil, true),
		action("b", "op-b", []string{"a"}, false),
		action("c", "op-c", []string{"a"}, true),
	)
	res := exec.Execute(context.Background(), rec(plan))
	if res.Status != domain.StatusFailed {
		t.Fatalf("status: %s", res.Status)
	}
	byID := map[string]domain.ActionResult{}
	for _, ar := range res.Actions {
		byID[ar.ActionID] = ar
	}
	if !byID["b"].RequiresFollowUp {
		t.Fatalf("irreversible action not flagged: %+v", byID["b"])
	}
	if byID["b"].Status != domain.ActionSuccess {
		t.Fatalf("irreversible action must stay success: %+v", byID["b"])
	}
	found := false
	for _, id := range res.FollowUps {
		if id == "b" {
			found = true
		}
	}
	if !found {
		t.Fatalf("follow ups: %v", res.FollowUps)
	}
	if len(adapter.callsFor("undo-op-b")) != 0 {
		t.Fatal("irreversible action must not be compensated")
	}
}

func TestExecuteSkipsDependentsOfFailedAction(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.terminal["op-a"] = errors.New("boom")
	exec := newTestExecutor(t, adapter)
	plan := mustPlan(t,
		action("a", "op-a", nil, true),
		action("b", "op-b", []string{"a"}, true),
	)
	res := exec.Execute(context.Background(), rec(plan))
	byID := map[string]domain.ActionResult{}
	for _, ar := range res.Actions {
		byID[ar.ActionID] = ar
	}
	if byID["b"].Status != domain.ActionSkipped {
		t.Fatalf("dependent not skipped: %+v", byID["b"])
	}
	if len(adapter.callsFor("op-b")) != 0 {
		t.Fatal("skipped action was executed")
	}
}
