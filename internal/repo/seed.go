package repo

import (
	"context"
	"time"

	"opsline/internal/domain"
)

// SeedDemo loads a small caseload so the pipeline can be exercised end to
// end: three scheduled subjects, two waitlisted ones, and two open slots.
func (r Repo) SeedDemo(ctx context.Context, now time.Time) error {
	day := 24 * time.Hour
	ts := func(d time.Duration) string { return now.Add(d).UTC().Format(time.RFC3339) }
	subjects := []domain.Subject{
		{ID: "sub-ana", Name: "Ana Ruiz", Urgency: 0.9, Ready: true, Zone: "north", NextStep: "intake_review", Eligible: true, ScheduledAt: ts(21 * day)},
		{ID: "sub-ben", Name: "Ben Okafor", Urgency: 0.6, Ready: true, Zone: "north", NextStep: "document_check", Eligible: true, ScheduledAt: ts(14 * day)},
		{ID: "sub-cho", Name: "Cho Martin", Urgency: 0.4, Ready: false, Zone: "south", NextStep: "orientation", Eligible: true, ScheduledAt: ts(30 * day)},
		{ID: "sub-dia", Name: "Dia Keller", Urgency: 0.8, Ready: true, Zone: "north", Eligible: true, WaitlistedAt: ts(-40 * day)},
		{ID: "sub-eli", Name: "Eli Navarro", Urgency: 0.5, Ready: true, Zone: "south", Eligible: true, WaitlistedAt: ts(-10 * day)},
	}
	for _, s := range subjects {
		if err := r.UpsertSubject(ctx, s); err != nil {
			return err
		}
	}
	slots := []domain.Slot{
		{ID: "slot-100", ProviderID: "clinic-a", Kind: "appointment", Zone: "north", StartAt: ts(2 * day)},
		{ID: "slot-200", ProviderID: "housing-b", Kind: "unit", Zone: "south", StartAt: ts(5 * day)},
	}
	for _, s := range slots {
		if err := r.UpsertSlot(ctx, s); err != nil {
			return err
		}
	}
	return nil
}
