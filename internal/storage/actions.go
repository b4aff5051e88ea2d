package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kehai/internal/model"
)

// UpsertCustomAction stores a campaign-scoped action definition. The
// definition is stored as given; validation happens when the catalog loads it.
func (db *DB) UpsertCustomAction(ctx context.Context, campaignID uuid.UUID, actionID string, definition json.RawMessage, enabled bool) (model.CustomActionRecord, error) {
	var rec model.CustomActionRecord
	err := db.pool.QueryRow(ctx,
		`INSERT INTO custom_actions (campaign_id, action_id, definition, is_enabled)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (campaign_id, action_id)
		 DO UPDATE SET definition = EXCLUDED.definition, is_enabled = EXCLUDED.is_enabled
		 RETURNING id, campaign_id, action_id, definition, is_enabled, created_at`,
		campaignID, actionID, []byte(definition), enabled,
	).Scan(&rec.ID, &rec.CampaignID, &rec.ActionID, &rec.Definition, &rec.IsEnabled, &rec.CreatedAt)
	if err != nil {
		return model.CustomActionRecord{}, fmt.Errorf("storage: upsert custom action: %w", err)
	}
	return rec, nil
}

// SetCustomActionEnabled toggles a custom action.
// Returns ErrNotFound if the campaign has no such action.
func (db *DB) SetCustomActionEnabled(ctx context.Context, campaignID uuid.UUID, actionID string, enabled bool) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE custom_actions SET is_enabled = $3 WHERE campaign_id = $1 AND action_id = $2`,
		campaignID, actionID, enabled)
	if err != nil {
		return fmt.Errorf("storage: set custom action enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: custom action %s: %w", actionID, ErrNotFound)
	}
	return nil
}

// ListEnabledCustomActions returns a campaign's enabled definitions in
// creation order.
func (db *DB) ListEnabledCustomActions(ctx context.Context, campaignID uuid.UUID) ([]model.CustomActionRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, campaign_id, action_id, definition, is_enabled, created_at
		 FROM custom_actions WHERE campaign_id = $1 AND is_enabled
		 ORDER BY created_at, action_id`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("storage: list custom actions: %w", err)
	}
	defer rows.Close()

	var out []model.CustomActionRecord
	for rows.Next() {
		var rec model.CustomActionRecord
		if err := rows.Scan(&rec.ID, &rec.CampaignID, &rec.ActionID, &rec.Definition, &rec.IsEnabled, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan custom action: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CreatePreparedAction readies an action for a character. targetID may be nil.
func (db *DB) CreatePreparedAction(ctx context.Context, sessionID, characterID uuid.UUID, actionID string, targetID *uuid.UUID) (model.PreparedAction, error) {
	pa := model.PreparedAction{
		SessionID:   sessionID,
		CharacterID: characterID,
		ActionID:    actionID,
		TargetID:    targetID,
	}
	err := db.pool.QueryRow(ctx,
		`INSERT INTO prepared_actions (session_id, character_id, action_id, target_id)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		sessionID, characterID, actionID, targetID,
	).Scan(&pa.ID)
	if err != nil {
		return model.PreparedAction{}, fmt.Errorf("storage: create prepared action: %w", err)
	}
	return pa, nil
}

// GetPreparedAction returns a prepared action by id.
func (db *DB) GetPreparedAction(ctx context.Context, id uuid.UUID) (model.PreparedAction, error) {
	var pa model.PreparedAction
	err := db.pool.QueryRow(ctx,
		`SELECT id, session_id, character_id, action_id, target_id, is_used, is_revealed
		 FROM prepared_actions WHERE id = $1`, id,
	).Scan(&pa.ID, &pa.SessionID, &pa.CharacterID, &pa.ActionID, &pa.TargetID, &pa.IsUsed, &pa.IsRevealed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PreparedAction{}, fmt.Errorf("storage: prepared action %s: %w", id, ErrNotFound)
		}
		return model.PreparedAction{}, fmt.Errorf("storage: get prepared action: %w", err)
	}
	return pa, nil
}
