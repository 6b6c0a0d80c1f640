package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"opsline/internal/config"
	"opsline/internal/db"
	"opsline/internal/domain"
	"opsline/internal/engine"
	"opsline/internal/executor"
	"opsline/internal/metrics"
	"opsline/internal/migrate"
	"opsline/internal/oplog"
	"opsline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("opsline")
	m, err := metrics.NewPipeline()
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	ol := oplog.Writer{DB: conn}
	env := &testEnv{Ctx: context.Background(), Now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	exec := executor.New(executor.DefaultAdapters(repo.Repo{DB: conn}, ol), ol, m)
	eng := engine.New(conn, cfg, m, exec)
	eng.Now = func() time.Time { return env.Now }
	env.Engine = eng
	return env
}

func (env *testEnv) newRecommendation(t *testing.T, id, resourceKey string) domain.Recommendation {
	t.Helper()
	plan, err := domain.NewPlan("plan-"+id, []domain.Action{
		{
			ID:           "record-audit",
			TargetSystem: "audit_log",
			Operation:    "record_reminder",
			Parameters:   map[string]any{"subject_id": "sub-1"},
			Reversible:   true,
			Compensating: &domain.Compensation{Operation: "record_reversal"},
		},
	}, time.Second)
	if err != nil {
		t.Fatalf("new plan: %v", err)
	}
	rec := domain.Recommendation{
		ID:          id,
		EventID:     "evt-" + id,
		Summary:     "Send deadline reminder to sub-1",
		Decision:    domain.Decision{EventID: "evt-" + id, Type: domain.DecisionScheduleReminder, Source: domain.DecisionByRule, Confidence: 0.95},
		Plan:        plan,
		Confidence:  0.95,
		Status:      domain.StatusPendingApproval,
		ResourceKey: resourceKey,
		CreatedAt:   env.Now.UTC().Format(time.RFC3339),
	}
	if err := env.Engine.SaveRecommendation(env.Ctx, rec); err != nil {
		t.Fatalf("save recommendation: %v", err)
	}
	return rec
}

func TestApproveRejectTransitions(t *testing.T) {
	env := newTestEnv(t)
	rec := env.newRecommendation(t, "rec-1", "")

	approved, err := env.Engine.Approve(env.Ctx, rec.ID, "caseworker-7")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != domain.StatusApproved || approved.ApprovedBy == nil || *approved.ApprovedBy != "caseworker-7" {
		t.Fatalf("approved: %+v", approved)
	}

	// approved -> rejected is outside the state machine
	_, err = env.Engine.Reject(env.Ctx, rec.ID, "caseworker-7")
	var ise *domain.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}

	other := env.newRecommendation(t, "rec-2", "")
	rejected, err := env.Engine.Reject(env.Ctx, other.ID, "caseworker-7")
	if err != nil || rejected.Status != domain.StatusRejected {
		t.Fatalf("reject: %v %+v", err, rejected)
	}
	_, err = env.Engine.Approve(env.Ctx, other.ID, "caseworker-7")
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStateError after reject, got %v", err)
	}
}

func TestApproveResourceConflict(t *testing.T) {
	env := newTestEnv(t)
	first := env.newRecommendation(t, "rec-1", "slot:slot-9")
	second := env.newRecommendation(t, "rec-2", "slot:slot-9")

	if _, err := env.Engine.Approve(env.Ctx, first.ID, "a"); err != nil {
		t.Fatalf("approve first: %v", err)
	}
	_, err := env.Engine.Approve(env.Ctx, second.ID, "a")
	var rce *domain.ResourceConflictError
	if !errors.As(err, &rce) {
		t.Fatalf("expected ResourceConflictError, got %v", err)
	}
	if rce.BlockedBy != first.ID {
		t.Fatalf("blocked by: %s", rce.BlockedBy)
	}

	// once the first completes, the second becomes approvable
	if _, err := env.Engine.Execute(env.Ctx, first.ID); err != nil {
		t.Fatalf("execute first: %v", err)
	}
	if _, err := env.Engine.Approve(env.Ctx, second.ID, "a"); err != nil {
		t.Fatalf("approve second after completion: %v", err)
	}
}

func TestLazyExpiryOnApprove(t *testing.T) {
	env := newTestEnv(t)
	rec := env.newRecommendation(t, "rec-1", "")

	env.Now = env.Now.Add(25 * time.Hour)
	_, err := env.Engine.Approve(env.Ctx, rec.ID, "a")
	var ise *domain.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
	stored, err := env.Engine.GetRecommendation(env.Ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != domain.StatusExpired {
		t.Fatalf("status: %s", stored.Status)
	}
}

func TestExpireStaleSweep(t *testing.T) {
	env := newTestEnv(t)
	old := env.newRecommendation(t, "rec-old", "")
	env.Now = env.Now.Add(25 * time.Hour)
	fresh := env.newRecommendation(t, "rec-fresh", "")

	ids, err := env.Engine.ExpireStale(env.Ctx)
	if err != nil {
		t.Fatalf("expire stale: %v", err)
	}
	if len(ids) != 1 || ids[0] != old.ID {
		t.Fatalf("expired ids: %v", ids)
	}
	stored, _ := env.Engine.GetRecommendation(env.Ctx, fresh.ID)
	if stored.Status != domain.StatusPendingApproval {
		t.Fatalf("fresh status: %s", stored.Status)
	}
}

func TestExecuteLifecycle(t *testing.T) {
	env := newTestEnv(t)
	rec := env.newRecommendation(t, "rec-1", "")

	// pending -> executing is not allowed
	_, err := env.Engine.Execute(env.Ctx, rec.ID)
	var ise *domain.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}

	if _, err := env.Engine.Approve(env.Ctx, rec.ID, "a"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	res, err := env.Engine.Execute(env.Ctx, rec.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != domain.StatusCompleted {
		t.Fatalf("execution status: %s", res.Status)
	}
	stored, err := env.Engine.GetRecommendation(env.Ctx, rec.ID)
	if err != nil || stored.Status != domain.StatusCompleted {
		t.Fatalf("stored: %v %+v", err, stored)
	}
	saved, err := env.Engine.GetExecutionResult(env.Ctx, rec.ID)
	if err != nil {
		t.Fatalf("get execution result: %v", err)
	}
	if len(saved.Actions) != 1 || saved.Actions[0].Status != domain.ActionSuccess {
		t.Fatalf("saved result: %+v", saved)
	}

	// a completed recommendation cannot run again
	if _, err := env.Engine.Execute(env.Ctx, rec.ID); !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStateError on re-execute, got %v", err)
	}
}
