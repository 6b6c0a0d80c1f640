package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"opsline/internal/config"
	"opsline/internal/domain"
	"opsline/internal/executor"
	"opsline/internal/metrics"
	"opsline/internal/oplog"
	"opsline/internal/repo"
)

// Engine owns the recommendation lifecycle: the approval gate, expiry, and
// the handoff to the executor. Status transitions and the operational log
// commit in the same transaction.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Oplog    oplog.Writer
	Config   *config.Config
	Metrics  *metrics.Pipeline
	Executor *executor.Executor
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config, m *metrics.Pipeline, exec *executor.Executor) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Oplog:    oplog.Writer{DB: db},
		Config:   cfg,
		Metrics:  m,
		Executor: exec,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// SaveRecommendation persists a freshly minted recommendation behind the
// approval gate.
func (e Engine) SaveRecommendation(ctx context.Context, rec domain.Recommendation) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertRecommendation(ctx, tx, rec); err != nil {
		return fmt.Errorf("insert recommendation: %w", err)
	}
	if err := e.Oplog.Append(ctx, tx, oplog.RecommendationCreated, "recommendation", rec.ID, oplog.Payload{
		"event_id": rec.EventID, "summary": rec.Summary, "confidence": rec.Confidence,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Metrics.RecommendationCreated(ctx)
	return nil
}

func (e Engine) GetRecommendation(ctx context.Context, id string) (domain.Recommendation, error) {
	return e.Repo.GetRecommendation(ctx, id)
}

func (e Engine) ListRecommendations(ctx context.Context, status string) ([]domain.Recommendation, error) {
	return e.Repo.ListRecommendations(ctx, status)
}

// Approve moves a pending recommendation to approved. It refuses when
// another recommendation holds the same resource key in approved or
// executing state.
func (e Engine) Approve(ctx context.Context, id, approvedBy string) (domain.Recommendation, error) {
	return e.resolve(ctx, id, approvedBy, domain.StatusApproved)
}

// Reject moves a pending recommendation to rejected.
func (e Engine) Reject(ctx context.Context, id, rejectedBy string) (domain.Recommendation, error) {
	return e.resolve(ctx, id, rejectedBy, domain.StatusRejected)
}

func (e Engine) resolve(ctx context.Context, id, actor, newStatus string) (domain.Recommendation, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Recommendation{}, err
	}
	defer tx.Rollback()

	rec, err := e.Repo.GetRecommendationTx(ctx, tx, id)
	if err != nil {
		return domain.Recommendation{}, err
	}
	if rec.Status == domain.StatusPendingApproval && e.isStale(rec) {
		// Lazy expiry: a stale recommendation expires on touch.
		if expired, err := e.expireTx(ctx, tx, rec); err == nil {
			if cerr := tx.Commit(); cerr != nil {
				return domain.Recommendation{}, cerr
			}
			e.Metrics.RecommendationResolved(ctx, domain.StatusExpired)
			return expired, &domain.InvalidStateError{From: domain.StatusExpired, To: newStatus}
		} else {
			return domain.Recommendation{}, err
		}
	}
	if err := domain.EnsureRecommendationTransition(rec.Status, newStatus); err != nil {
		return domain.Recommendation{}, err
	}
	if newStatus == domain.StatusApproved {
		blocker, err := e.Repo.ActiveResourceClaim(ctx, tx, rec.ResourceKey, rec.ID)
		if err != nil {
			return domain.Recommendation{}, err
		}
		if blocker != "" {
			return domain.Recommendation{}, &domain.ResourceConflictError{ResourceKey: rec.ResourceKey, BlockedBy: blocker}
		}
	}
	ts := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.SetRecommendationApproval(ctx, tx, id, newStatus, actor, ts); err != nil {
		return domain.Recommendation{}, err
	}
	if err := e.Oplog.Append(ctx, tx, oplog.RecommendationChanged, "recommendation", id, oplog.Payload{
		"from": rec.Status, "to": newStatus, "actor": actor,
	}); err != nil {
		return domain.Recommendation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Recommendation{}, err
	}
	e.Metrics.RecommendationResolved(ctx, newStatus)
	rec.Status = newStatus
	rec.ApprovedBy = &actor
	rec.ApprovedAt = &ts
	return rec, nil
}

func (e Engine) isStale(rec domain.Recommendation) bool {
	created, err := time.Parse(time.RFC3339, rec.CreatedAt)
	if err != nil {
		return false
	}
	return e.now().Sub(created) > e.Config.Approval.StalenessWindow.Std()
}

func (e Engine) expireTx(ctx context.Context, tx *sql.Tx, rec domain.Recommendation) (domain.Recommendation, error) {
	if err := e.Repo.UpdateRecommendationStatus(ctx, tx, rec.ID, domain.StatusExpired); err != nil {
		return domain.Recommendation{}, err
	}
	if err := e.Oplog.Append(ctx, tx, oplog.RecommendationChanged, "recommendation", rec.ID, oplog.Payload{
		"from": rec.Status, "to": domain.StatusExpired,
	}); err != nil {
		return domain.Recommendation{}, err
	}
	rec.Status = domain.StatusExpired
	return rec, nil
}

// ExpireStale sweeps pending recommendations older than the staleness
// window. Returns the ids it expired.
func (e Engine) ExpireStale(ctx context.Context) ([]string, error) {
	cutoff := e.now().Add(-e.Config.Approval.StalenessWindow.Std()).UTC().Format(time.RFC3339)
	ids, err := e.Repo.ListStaleRecommendationIDs(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	var expired []string
	for _, id := range ids {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return expired, err
		}
		rec, err := e.Repo.GetRecommendationTx(ctx, tx, id)
		if err != nil {
			tx.Rollback()
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			return expired, err
		}
		if rec.Status != domain.StatusPendingApproval {
			tx.Rollback()
			continue
		}
		if _, err := e.expireTx(ctx, tx, rec); err != nil {
			tx.Rollback()
			return expired, err
		}
		if err := tx.Commit(); err != nil {
			return expired, err
		}
		e.Metrics.RecommendationResolved(ctx, domain.StatusExpired)
		expired = append(expired, id)
	}
	return expired, nil
}

// Execute runs an approved recommendation's plan and records the outcome.
func (e Engine) Execute(ctx context.Context, id string) (domain.ExecutionResult, error) {
	if err := e.beginExecution(ctx, id); err != nil {
		return domain.ExecutionResult{}, err
	}
	rec, err := e.Repo.GetRecommendation(ctx, id)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	res := e.Executor.Execute(ctx, rec)
	if err := e.finishExecution(ctx, id, res); err != nil {
		return res, err
	}
	return res, nil
}

func (e Engine) beginExecution(ctx context.Context, id string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rec, err := e.Repo.GetRecommendationTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := domain.EnsureRecommendationTransition(rec.Status, domain.StatusExecuting); err != nil {
		return err
	}
	if err := e.Repo.UpdateRecommendationStatus(ctx, tx, id, domain.StatusExecuting); err != nil {
		return err
	}
	if err := e.Oplog.Append(ctx, tx, oplog.ExecutionStarted, "recommendation", id, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) finishExecution(ctx context.Context, id string, res domain.ExecutionResult) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rec, err := e.Repo.GetRecommendationTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := domain.EnsureRecommendationTransition(rec.Status, res.Status); err != nil {
		return err
	}
	execErr := ""
	if res.Status == domain.StatusFailed {
		for _, a := range res.Actions {
			if a.Status == domain.ActionFailed && a.Error != "" {
				execErr = fmt.Sprintf("action %s: %s", a.ActionID, a.Error)
				break
			}
		}
	}
	if err := e.Repo.SetRecommendationError(ctx, tx, id, res.Status, execErr); err != nil {
		return err
	}
	if err := e.Repo.InsertExecutionResult(ctx, tx, res); err != nil {
		return err
	}
	if err := e.Oplog.Append(ctx, tx, oplog.ExecutionFinished, "recommendation", id, oplog.Payload{
		"status": res.Status, "rolled_back": res.RolledBack, "follow_ups": res.FollowUps,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if res.Status == domain.StatusFailed {
		log.Printf("engine: execution of %s failed: %s", id, execErr)
	}
	return nil
}

// GetExecutionResult returns the stored execution record.
func (e Engine) GetExecutionResult(ctx context.Context, id string) (domain.ExecutionResult, error) {
	return e.Repo.GetExecutionResult(ctx, id)
}
