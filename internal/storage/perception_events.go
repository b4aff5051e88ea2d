package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kehai/internal/model"
)

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ListRecentPerceptionEvents returns an observer's most recent events in a
// session, newest first. limit <= 0 uses model.RecentPerceptionLimit.
func (db *DB) ListRecentPerceptionEvents(ctx context.Context, sessionID, observerID uuid.UUID, limit int) ([]model.PerceptionEvent, error) {
	return listRecentPerceptionEvents(ctx, db.pool, sessionID, observerID, limit)
}

// PerceptionFeed returns the observer's recent events, newest first, and
// their unread count read from one snapshot. An event committed between the
// two reads is either in both or in neither.
func (db *DB) PerceptionFeed(ctx context.Context, sessionID, observerID uuid.UUID, limit int) ([]model.PerceptionEvent, int, error) {
	var (
		events []model.PerceptionEvent
		unread int
	)
	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
	err := pgx.BeginTxFunc(ctx, db.pool, opts, func(tx pgx.Tx) error {
		var err error
		if events, err = listRecentPerceptionEvents(ctx, tx, sessionID, observerID, limit); err != nil {
			return err
		}
		unread, err = countUnreadPerceptionEvents(ctx, tx, sessionID, observerID)
		return err
	})
	if err != nil {
		return nil, 0, fmt.Errorf("storage: perception feed: %w", err)
	}
	return events, unread, nil
}

// MarkAllPerceptionEventsRead flips every unread event for the observer in
// the session. Returns the number of rows changed.
func (db *DB) MarkAllPerceptionEventsRead(ctx context.Context, sessionID, observerID uuid.UUID) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE perception_events SET is_read = true
		 WHERE session_id = $1 AND observer_id = $2 AND NOT is_read`,
		sessionID, observerID)
	if err != nil {
		return 0, fmt.Errorf("storage: mark perception events read: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountUnreadPerceptionEvents counts an observer's unread events.
func (db *DB) CountUnreadPerceptionEvents(ctx context.Context, sessionID, observerID uuid.UUID) (int, error) {
	return countUnreadPerceptionEvents(ctx, db.pool, sessionID, observerID)
}

func listRecentPerceptionEvents(ctx context.Context, q querier, sessionID, observerID uuid.UUID, limit int) ([]model.PerceptionEvent, error) {
	if limit <= 0 {
		limit = model.RecentPerceptionLimit
	}
	rows, err := q.Query(ctx,
		`SELECT id, session_id, observer_id, target_id, perception_roll, detection_level,
		        message, is_read, created_at
		 FROM perception_events
		 WHERE session_id = $1 AND observer_id = $2
		 ORDER BY created_at DESC, id DESC
		 LIMIT $3`, sessionID, observerID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list perception events: %w", err)
	}
	defer rows.Close()

	var out []model.PerceptionEvent
	for rows.Next() {
		var (
			e     model.PerceptionEvent
			level string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.ObserverID, &e.TargetID, &e.PerceptionRoll,
			&level, &e.Message, &e.IsRead, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan perception event: %w", err)
		}
		e.DetectionLevel = model.AwarenessLevel(level)
		out = append(out, e)
	}
	return out, rows.Err()
}

func countUnreadPerceptionEvents(ctx context.Context, q querier, sessionID, observerID uuid.UUID) (int, error) {
	var n int
	err := q.QueryRow(ctx,
		`SELECT count(*) FROM perception_events
		 WHERE session_id = $1 AND observer_id = $2 AND NOT is_read`,
		sessionID, observerID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count unread perception events: %w", err)
	}
	return n, nil
}
