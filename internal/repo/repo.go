package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"opsline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// MarkEventSeen records an external event id in the dedup ledger. It returns
// false when the id was already recorded inside the retention window.
func (r Repo) MarkEventSeen(ctx context.Context, source, externalID string, seenAt time.Time, retention time.Duration) (bool, error) {
	cutoff := seenAt.Add(-retention).UTC().Format(time.RFC3339)
	if _, err := r.DB.ExecContext(ctx, `DELETE FROM seen_events WHERE seen_at < ?`, cutoff); err != nil {
		return false, fmt.Errorf("prune seen events: %w", err)
	}
	res, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO seen_events(source,external_id,seen_at) VALUES (?,?,?)`,
		source, externalID, seenAt.UTC().Format(time.RFC3339))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) InsertRecommendation(ctx context.Context, tx *sql.Tx, rec domain.Recommendation) error {
	decision, err := json.Marshal(rec.Decision)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}
	plan, err := json.Marshal(rec.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	impact, err := json.Marshal(rec.Impact)
	if err != nil {
		return fmt.Errorf("marshal impact: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO recommendations(id,event_id,summary,decision_json,plan_json,impact_json,confidence,status,resource_key,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.EventID, rec.Summary, string(decision), string(plan), string(impact),
		rec.Confidence, rec.Status, nullable(rec.ResourceKey), rec.CreatedAt)
	return err
}

func scanRecommendation(scan func(dest ...any) error) (domain.Recommendation, error) {
	var rec domain.Recommendation
	var decision, plan, impact string
	var resourceKey, approvedBy, approvedAt, execErr sql.NullString
	err := scan(&rec.ID, &rec.EventID, &rec.Summary, &decision, &plan, &impact,
		&rec.Confidence, &rec.Status, &resourceKey, &rec.CreatedAt, &approvedBy, &approvedAt, &execErr)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal([]byte(decision), &rec.Decision); err != nil {
		return rec, fmt.Errorf("unmarshal decision: %w", err)
	}
	if err := json.Unmarshal([]byte(plan), &rec.Plan); err != nil {
		return rec, fmt.Errorf("unmarshal plan: %w", err)
	}
	if err := json.Unmarshal([]byte(impact), &rec.Impact); err != nil {
		return rec, fmt.Errorf("unmarshal impact: %w", err)
	}
	if resourceKey.Valid {
		rec.ResourceKey = resourceKey.String
	}
	if approvedBy.Valid {
		rec.ApprovedBy = &approvedBy.String
	}
	if approvedAt.Valid {
		rec.ApprovedAt = &approvedAt.String
	}
	if execErr.Valid {
		rec.Error = &execErr.String
	}
	return rec, nil
}

const recommendationCols = `id,event_id,summary,decision_json,plan_json,impact_json,confidence,status,resource_key,created_at,approved_by,approved_at,error`

func (r Repo) GetRecommendation(ctx context.Context, id string) (domain.Recommendation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+recommendationCols+` FROM recommendations WHERE id=?`, id)
	return scanRecommendation(row.Scan)
}

// GetRecommendationTx reads inside a transaction so status checks and updates
// see the same row version.
func (r Repo) GetRecommendationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Recommendation, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+recommendationCols+` FROM recommendations WHERE id=?`, id)
	return scanRecommendation(row.Scan)
}

func (r Repo) ListRecommendations(ctx context.Context, status string) ([]domain.Recommendation, error) {
	query := `SELECT ` + recommendationCols + ` FROM recommendations`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Recommendation
	for rows.Next() {
		rec, err := scanRecommendation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func (r Repo) UpdateRecommendationStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	_, err := tx.ExecContext(ctx, `UPDATE recommendations SET status=? WHERE id=?`, status, id)
	return err
}

func (r Repo) SetRecommendationApproval(ctx context.Context, tx *sql.Tx, id, status, approvedBy, approvedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE recommendations SET status=?, approved_by=?, approved_at=? WHERE id=?`,
		status, approvedBy, approvedAt, id)
	return err
}

func (r Repo) SetRecommendationError(ctx context.Context, tx *sql.Tx, id, status, execErr string) error {
	_, err := tx.ExecContext(ctx, `UPDATE recommendations SET status=?, error=? WHERE id=?`, status, nullable(execErr), id)
	return err
}

// ActiveResourceClaim returns the id of a recommendation holding the resource
// key in approved or executing state, or "" if none does.
func (r Repo) ActiveResourceClaim(ctx context.Context, tx *sql.Tx, resourceKey, excludeID string) (string, error) {
	if resourceKey == "" {
		return "", nil
	}
	var id string
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM recommendations WHERE resource_key=? AND id<>? AND status IN ('approved','executing') LIMIT 1`,
		resourceKey, excludeID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}

// ListStaleRecommendationIDs returns pending recommendations created before
// the cutoff.
func (r Repo) ListStaleRecommendationIDs(ctx context.Context, cutoff string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id FROM recommendations WHERE status='pending_approval' AND created_at < ?`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) InsertExecutionResult(ctx context.Context, tx *sql.Tx, res domain.ExecutionResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal execution result: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO execution_results(recommendation_id,status,started_at,duration_ns,result_json) VALUES (?,?,?,?,?)`,
		res.RecommendationID, res.Status, res.StartedAt, int64(res.Duration), string(data))
	return err
}

func (r Repo) GetExecutionResult(ctx context.Context, recommendationID string) (domain.ExecutionResult, error) {
	var data string
	err := r.DB.QueryRowContext(ctx,
		`SELECT result_json FROM execution_results WHERE recommendation_id=?`, recommendationID).Scan(&data)
	if err == sql.ErrNoRows {
		return domain.ExecutionResult{}, ErrNotFound
	}
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	var res domain.ExecutionResult
	if err := json.Unmarshal([]byte(data), &res); err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("unmarshal execution result: %w", err)
	}
	return res, nil
}

// CountRecommendationStatuses groups stored recommendations by status.
func (r Repo) CountRecommendationStatuses(ctx context.Context) (map[string]int64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM recommendations GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// CountOplogTypes groups operational log entries by type.
func (r Repo) CountOplogTypes(ctx context.Context) (map[string]int64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT type, COUNT(*) FROM oplog GROUP BY type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int64{}
	for rows.Next() {
		var t string
		var n int64
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		counts[t] = n
	}
	return counts, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
