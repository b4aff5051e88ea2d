package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kehai/internal/model"
)

// Retry policy for the execution transaction.
const (
	executionMaxRetries = 3
	executionRetryDelay = 10 * time.Millisecond
)

// CooldownRemaining returns, for every action the actor has a cooldown row
// for, how many turns remain before it can be used at turn. Actions that are
// ready are omitted.
func (db *DB) CooldownRemaining(ctx context.Context, sessionID, actorID uuid.UUID, turn int) (map[string]int, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT action_id, ready_turn - $3 FROM action_cooldowns
		 WHERE session_id = $1 AND actor_id = $2 AND ready_turn > $3`,
		sessionID, actorID, turn)
	if err != nil {
		return nil, fmt.Errorf("storage: cooldown remaining: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			actionID  string
			remaining int
		)
		if err := rows.Scan(&actionID, &remaining); err != nil {
			return nil, fmt.Errorf("storage: scan cooldown: %w", err)
		}
		out[actionID] = remaining
	}
	return out, rows.Err()
}

// RecordExecution writes one execution atomically: the cooldown claim, the
// prepared-action consumption, the action log entry and every perception
// event. Serialization failures and deadlocks are retried. On any other
// error nothing is written.
//
// Returns model.ErrCooldownActive if another execution already claimed the
// cooldown, and model.ErrPreparedActionUsed if the prepared action was
// consumed, belongs to another actor, or readied a different action.
func (db *DB) RecordExecution(ctx context.Context, rec model.ExecutionRecord) error {
	statCheck, err := json.Marshal(rec.Log.StatCheck)
	if err != nil {
		return fmt.Errorf("storage: marshal stat check: %w", err)
	}
	outcome, err := json.Marshal(rec.Log.Outcome)
	if err != nil {
		return fmt.Errorf("storage: marshal outcome: %w", err)
	}
	if rec.Log.Outcome == nil {
		outcome = []byte("{}")
	}

	return WithRetry(ctx, executionMaxRetries, executionRetryDelay, func() error {
		return db.recordExecutionTx(ctx, rec, statCheck, outcome)
	})
}

func (db *DB) recordExecutionTx(ctx context.Context, rec model.ExecutionRecord, statCheck, outcome []byte) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin execution tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	log := rec.Log
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}

	if rec.CooldownTurns > 0 {
		tag, err := tx.Exec(ctx,
			`INSERT INTO action_cooldowns (session_id, actor_id, action_id, ready_turn)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (session_id, actor_id, action_id)
			 DO UPDATE SET ready_turn = EXCLUDED.ready_turn, updated_at = now()
			 WHERE action_cooldowns.ready_turn <= $5`,
			log.SessionID, log.ActorID, log.ActionID, log.Turn+rec.CooldownTurns+1, log.Turn)
		if err != nil {
			return fmt.Errorf("storage: claim cooldown: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("storage: claim cooldown %s: %w", log.ActionID, model.ErrCooldownActive)
		}
	}

	if rec.PreparedActionID != nil {
		tag, err := tx.Exec(ctx,
			`UPDATE prepared_actions SET is_used = true, is_revealed = true, used_at = now()
			 WHERE id = $1 AND session_id = $2 AND character_id = $3 AND action_id = $4 AND NOT is_used`,
			*rec.PreparedActionID, log.SessionID, log.ActorID, log.ActionID)
		if err != nil {
			return fmt.Errorf("storage: consume prepared action: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("storage: prepared action %s: %w", *rec.PreparedActionID, model.ErrPreparedActionUsed)
		}
	}

	witnesses := log.WitnessIDs
	if witnesses == nil {
		witnesses = []uuid.UUID{}
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO action_logs (id, session_id, actor_id, target_id, action_id, action_category,
		                          stat_check, was_detected, outcome, witness_ids, turn, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		log.ID, log.SessionID, log.ActorID, log.TargetID, log.ActionID, string(log.ActionCategory),
		statCheck, log.WasDetected, outcome, witnesses, log.Turn, log.CreatedAt,
	); err != nil {
		return fmt.Errorf("storage: insert action log: %w", err)
	}

	if err := insertPerceptionEvents(ctx, tx, log.ID, rec.Events); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit execution: %w", err)
	}
	return nil
}

// insertPerceptionEvents uses COPY for batches. COPY fires the notify
// trigger per row like INSERT does.
func insertPerceptionEvents(ctx context.Context, tx pgx.Tx, logID uuid.UUID, events []model.PerceptionEvent) error {
	if len(events) == 0 {
		return nil
	}
	columns := []string{"id", "session_id", "observer_id", "target_id", "action_log_id",
		"perception_roll", "detection_level", "message", "is_read", "created_at"}

	rows := make([][]any, len(events))
	for i, e := range events {
		rows[i] = []any{
			e.ID, e.SessionID, e.ObserverID, e.TargetID, logID,
			e.PerceptionRoll, string(e.DetectionLevel), e.Message, e.IsRead, e.CreatedAt,
		}
	}

	n, err := tx.CopyFrom(ctx, pgx.Identifier{"perception_events"}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("storage: copy perception events: %w", err)
	}
	if int(n) != len(events) {
		return fmt.Errorf("storage: copy perception events: wrote %d of %d", n, len(events))
	}
	return nil
}

// ActionLogsForSession returns the most recent action log entries in a
// session, newest first.
func (db *DB) ActionLogsForSession(ctx context.Context, sessionID uuid.UUID, limit int) ([]model.ActionLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, session_id, actor_id, target_id, action_id, action_category,
		        stat_check, was_detected, outcome, witness_ids, turn, created_at
		 FROM action_logs WHERE session_id = $1
		 ORDER BY created_at DESC, id LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list action logs: %w", err)
	}
	defer rows.Close()

	var out []model.ActionLogEntry
	for rows.Next() {
		var (
			e                  model.ActionLogEntry
			category           string
			statCheck, outcome []byte
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.ActorID, &e.TargetID, &e.ActionID, &category,
			&statCheck, &e.WasDetected, &outcome, &e.WitnessIDs, &e.Turn, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan action log: %w", err)
		}
		e.ActionCategory = model.ActionCategory(category)
		if err := json.Unmarshal(statCheck, &e.StatCheck); err != nil {
			return nil, fmt.Errorf("storage: decode stat check: %w", err)
		}
		if err := json.Unmarshal(outcome, &e.Outcome); err != nil {
			return nil, fmt.Errorf("storage: decode outcome: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
