package repo_test

import (
	"context"
	"testing"
	"time"

	"opsline/internal/db"
	"opsline/internal/domain"
	"opsline/internal/migrate"
	"opsline/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func TestMarkEventSeenRetentionWindow(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	retention := 24 * time.Hour

	fresh, err := r.MarkEventSeen(ctx, "scheduling", "ext-1", now, retention)
	if err != nil || !fresh {
		t.Fatalf("first mark: %v fresh=%v", err, fresh)
	}
	fresh, err = r.MarkEventSeen(ctx, "scheduling", "ext-1", now.Add(time.Hour), retention)
	if err != nil || fresh {
		t.Fatalf("inside window must be duplicate: %v fresh=%v", err, fresh)
	}
	// same external id from a different source is distinct
	fresh, err = r.MarkEventSeen(ctx, "housing", "ext-1", now, retention)
	if err != nil || !fresh {
		t.Fatalf("different source: %v fresh=%v", err, fresh)
	}
	// beyond the window the ledger forgets
	fresh, err = r.MarkEventSeen(ctx, "scheduling", "ext-1", now.Add(25*time.Hour), retention)
	if err != nil || !fresh {
		t.Fatalf("outside window must be fresh again: %v fresh=%v", err, fresh)
	}
}

func TestRecommendationRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	plan, err := domain.NewPlan("plan-1", []domain.Action{
		{
			ID: "a", TargetSystem: "scheduling", Operation: "book_slot",
			Parameters: map[string]any{"slot_id": "slot-1"},
			Reversible: true,
			Compensating: &domain.Compensation{Operation: "cancel_booking"},
		},
	}, 2*time.Second)
	if err != nil {
		t.Fatalf("new plan: %v", err)
	}
	rec := domain.Recommendation{
		ID:      "rec-1",
		EventID: "evt-1",
		Summary: "Reassign freed slot slot-1 to sub-1",
		Decision: domain.Decision{
			EventID: "evt-1", Type: domain.DecisionReassignSlot, Source: domain.DecisionByRule,
			RuleID: "slot-reassign", Confidence: 0.92,
			Rationale: []string{"candidate sub-1 scored 0.92 against 1 others"},
			Params:    map[string]any{"subject_id": "sub-1", "slot_id": "slot-1"},
		},
		Plan:        plan,
		Impact:      domain.Impact{CostDelta: -120, AffectedSystems: 1},
		Confidence:  0.92,
		Status:      domain.StatusPendingApproval,
		ResourceKey: "slot:slot-1",
		CreatedAt:   "2026-03-01T12:00:00Z",
	}
	tx, err := r.DB.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := r.InsertRecommendation(ctx, tx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := r.GetRecommendation(ctx, "rec-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Summary != rec.Summary || got.Status != rec.Status || got.ResourceKey != rec.ResourceKey {
		t.Fatalf("round trip: %+v", got)
	}
	if got.Decision.Type != domain.DecisionReassignSlot || got.Decision.Confidence != 0.92 {
		t.Fatalf("decision round trip: %+v", got.Decision)
	}
	if len(got.Plan.Actions) != 1 || got.Plan.Actions[0].Compensating == nil {
		t.Fatalf("plan round trip: %+v", got.Plan)
	}

	if _, err := r.GetRecommendation(ctx, "ghost"); err != repo.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWaitlistOrdering(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	subjects := []domain.Subject{
		{ID: "s-new", Eligible: true, WaitlistedAt: "2026-02-20T00:00:00Z"},
		{ID: "s-old", Eligible: true, WaitlistedAt: "2026-01-05T00:00:00Z"},
		{ID: "s-ineligible", Eligible: false, WaitlistedAt: "2026-01-01T00:00:00Z"},
		{ID: "s-scheduled", Eligible: true, ScheduledAt: "2026-03-10T00:00:00Z"},
	}
	for _, s := range subjects {
		if err := r.UpsertSubject(ctx, s); err != nil {
			t.Fatalf("upsert %s: %v", s.ID, err)
		}
	}
	waitlisted, err := r.ListWaitlisted(ctx)
	if err != nil {
		t.Fatalf("list waitlisted: %v", err)
	}
	if len(waitlisted) != 2 {
		t.Fatalf("waitlisted count: %d", len(waitlisted))
	}
	if waitlisted[0].ID != "s-old" || waitlisted[1].ID != "s-new" {
		t.Fatalf("ordering: %s, %s", waitlisted[0].ID, waitlisted[1].ID)
	}
}
