package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"opsline/internal/domain"
	"opsline/internal/repo"
)

// RepoProvider builds decision contexts from the local caseload tables.
type RepoProvider struct {
	Repo repo.Repo
}

func (p RepoProvider) BuildContext(ctx context.Context, evt domain.Event) (domain.Context, error) {
	dc := domain.Context{Event: evt}
	for _, id := range evt.SubjectIDs {
		s, err := p.Repo.GetSubject(ctx, id)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return dc, fmt.Errorf("load subject %s: %w", id, err)
		}
		dc.Subjects = append(dc.Subjects, s)
	}
	switch evt.Type {
	case domain.EventSlotCancelled, domain.EventResourceAvailable:
		slotID, _ := evt.Payload["slot_id"].(string)
		if slotID == "" {
			slotID, _ = evt.Payload["resource_id"].(string)
		}
		if slotID != "" {
			slot, err := p.Repo.GetSlot(ctx, slotID)
			if err == nil {
				dc.Slot = &slot
			} else if !errors.Is(err, repo.ErrNotFound) {
				return dc, fmt.Errorf("load slot %s: %w", slotID, err)
			}
		}
		candidates, err := p.Repo.ListWaitlisted(ctx)
		if err != nil {
			return dc, fmt.Errorf("load waitlist: %w", err)
		}
		dc.Candidates = candidates
	}
	return dc, nil
}
