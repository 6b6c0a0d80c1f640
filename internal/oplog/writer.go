package oplog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Entry types written by the pipeline.
const (
	EventIngested         = "event.ingested"
	EventDuplicate        = "event.duplicate"
	EventUnparseable      = "event.unparseable"
	EventUnknownType      = "event.unknown_type"
	SourceNoisy           = "source.noisy"
	DecisionMade          = "decision.made"
	DecisionDiscarded     = "decision.discarded"
	DecisionEscalated     = "decision.escalated"
	EscalationFailed      = "escalation.failed"
	RecommendationCreated = "recommendation.created"
	RecommendationChanged = "recommendation.status_changed"
	ExecutionStarted      = "execution.started"
	ExecutionFinished     = "execution.finished"
	ActionRolledBack      = "action.rolled_back"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Payload map[string]any

// Append writes an entry inside the caller's transaction so log and state
// commit together.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, entryType, entityKind, entityID string, payload Payload) error {
	ts, data, err := w.encode(payload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO oplog(ts,type,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, entryType, entityKind, nullable(entityID), data)
	return err
}

// AppendDB writes an entry outside any transaction, for pipeline stages that
// do not touch other tables.
func (w Writer) AppendDB(ctx context.Context, entryType, entityKind, entityID string, payload Payload) error {
	ts, data, err := w.encode(payload)
	if err != nil {
		return err
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO oplog(ts,type,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, entryType, entityKind, nullable(entityID), data)
	return err
}

func (w Writer) encode(payload Payload) (string, string, error) {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", "", fmt.Errorf("marshal oplog payload: %w", err)
	}
	return now().UTC().Format(time.RFC3339), string(data), nil
}

// Entry is one operational log line.
type Entry struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload"`
}

// Tail returns the most recent entries, newest first.
func (w Writer) Tail(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := w.DB.QueryContext(ctx,
		`SELECT id, ts, type, entity_kind, COALESCE(entity_id,''), payload_json FROM oplog ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.Payload); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
