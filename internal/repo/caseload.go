package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"opsline/internal/domain"
)

func scanSubject(scan func(dest ...any) error) (domain.Subject, error) {
	var s domain.Subject
	var ready, eligible int
	var scheduledAt, waitlistedAt sql.NullString
	err := scan(&s.ID, &s.Name, &s.Urgency, &ready, &s.Zone, &s.NextStep, &eligible, &scheduledAt, &waitlistedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Ready = ready != 0
	s.Eligible = eligible != 0
	if scheduledAt.Valid {
		s.ScheduledAt = scheduledAt.String
	}
	if waitlistedAt.Valid {
		s.WaitlistedAt = waitlistedAt.String
	}
	return s, nil
}

const subjectCols = `id,name,urgency,ready,zone,next_step,eligible,scheduled_at,waitlisted_at`

func (r Repo) UpsertSubject(ctx context.Context, s domain.Subject) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT OR REPLACE INTO subjects(`+subjectCols+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		s.ID, s.Name, s.Urgency, boolInt(s.Ready), s.Zone, s.NextStep, boolInt(s.Eligible),
		nullable(s.ScheduledAt), nullable(s.WaitlistedAt))
	return err
}

func (r Repo) GetSubject(ctx context.Context, id string) (domain.Subject, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+subjectCols+` FROM subjects WHERE id=?`, id)
	return scanSubject(row.Scan)
}

// ListWaitlisted returns eligible waitlisted subjects, longest waiting first.
func (r Repo) ListWaitlisted(ctx context.Context) ([]domain.Subject, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+subjectCols+` FROM subjects WHERE eligible=1 AND waitlisted_at IS NOT NULL ORDER BY waitlisted_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSubjects(rows)
}

// ListScheduled returns subjects with a booked appointment, soonest first.
func (r Repo) ListScheduled(ctx context.Context) ([]domain.Subject, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+subjectCols+` FROM subjects WHERE scheduled_at IS NOT NULL ORDER BY scheduled_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSubjects(rows)
}

func collectSubjects(rows *sql.Rows) ([]domain.Subject, error) {
	var res []domain.Subject
	for rows.Next() {
		s, err := scanSubject(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) UpsertSlot(ctx context.Context, s domain.Slot) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT OR REPLACE INTO slots(id,provider_id,kind,zone,start_at,subject_id) VALUES (?,?,?,?,?,?)`,
		s.ID, s.ProviderID, s.Kind, s.Zone, nullable(s.StartAt), nullable(s.SubjectID))
	return err
}

func (r Repo) GetSlot(ctx context.Context, id string) (domain.Slot, error) {
	var s domain.Slot
	var zone, startAt, subjectID sql.NullString
	err := r.DB.QueryRowContext(ctx,
		`SELECT id,provider_id,kind,zone,start_at,subject_id FROM slots WHERE id=?`, id).
		Scan(&s.ID, &s.ProviderID, &s.Kind, &zone, &startAt, &subjectID)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if zone.Valid {
		s.Zone = zone.String
	}
	if startAt.Valid {
		s.StartAt = startAt.String
	}
	if subjectID.Valid {
		s.SubjectID = subjectID.String
	}
	return s, nil
}

func (r Repo) AssignSlot(ctx context.Context, slotID, subjectID string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE slots SET subject_id=? WHERE id=?`, nullable(subjectID), slotID)
	return err
}

func (r Repo) SetSubjectScheduled(ctx context.Context, subjectID, scheduledAt string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE subjects SET scheduled_at=? WHERE id=?`, nullable(scheduledAt), subjectID)
	return err
}

func (r Repo) SetSubjectNextStep(ctx context.Context, subjectID, nextStep string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE subjects SET next_step=? WHERE id=?`, nextStep, subjectID)
	return err
}

// RecordNotification appends to the outbox the demo transport adapters write.
func (r Repo) RecordNotification(ctx context.Context, targetSystem, operation string, params map[string]any, correlationKey string, ts time.Time) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal notification params: %w", err)
	}
	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO notifications(ts,target_system,operation,params_json,correlation_key) VALUES (?,?,?,?,?)`,
		ts.UTC().Format(time.RFC3339), targetSystem, operation, string(data), correlationKey)
	return err
}

func (r Repo) CountNotifications(ctx context.Context, correlationKey string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE correlation_key=?`, correlationKey).Scan(&n)
	return n, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
