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

// CreateSession inserts a session row. Sessions are owned elsewhere; this
// exists for seeding and tests.
func (db *DB) CreateSession(ctx context.Context, id, campaignID uuid.UUID, name string) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO sessions (id, campaign_id, name) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET campaign_id = EXCLUDED.campaign_id, name = EXCLUDED.name`,
		id, nullUUID(campaignID), name)
	if err != nil {
		return fmt.Errorf("storage: create session: %w", err)
	}
	return nil
}

// UpsertCharacter writes a character profile.
func (db *DB) UpsertCharacter(ctx context.Context, c model.CharacterProfile) error {
	stats, err := json.Marshal(c.Stats)
	if err != nil {
		return fmt.Errorf("storage: marshal stats: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO characters (id, name, stats, level) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, stats = EXCLUDED.stats, level = EXCLUDED.level`,
		c.ID, c.Name, stats, c.Level)
	if err != nil {
		return fmt.Errorf("storage: upsert character: %w", err)
	}
	return nil
}

// GetCharacterProfile returns a character's stats and level.
// Returns ErrNotFound, also matching model.ErrCharacterNotFound, if the
// character does not exist.
func (db *DB) GetCharacterProfile(ctx context.Context, id uuid.UUID) (model.CharacterProfile, error) {
	var (
		p     model.CharacterProfile
		stats []byte
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, stats, level FROM characters WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &stats, &p.Level)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.CharacterProfile{}, fmt.Errorf("storage: character %s: %w: %w", id, ErrNotFound, model.ErrCharacterNotFound)
		}
		return model.CharacterProfile{}, fmt.Errorf("storage: get character: %w", err)
	}
	if len(stats) > 0 {
		if err := json.Unmarshal(stats, &p.Stats); err != nil {
			return model.CharacterProfile{}, fmt.Errorf("storage: decode stats for %s: %w", id, err)
		}
	}
	if p.Stats == nil {
		p.Stats = model.Stats{}
	}
	return p, nil
}

// AddInventoryItem appends an item stack to a character's inventory.
func (db *DB) AddInventoryItem(ctx context.Context, characterID uuid.UUID, item model.InventoryItem) error {
	tags := item.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO inventory_items (character_id, item_type, name, quantity, tags) VALUES ($1, $2, $3, $4, $5)`,
		characterID, item.ItemType, item.Name, item.Quantity, tags)
	if err != nil {
		return fmt.Errorf("storage: add inventory item: %w", err)
	}
	return nil
}

// ItemsOf returns a character's inventory, including empty stacks.
func (db *DB) ItemsOf(ctx context.Context, characterID uuid.UUID) ([]model.InventoryItem, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT item_type, name, quantity, tags FROM inventory_items
		 WHERE character_id = $1 ORDER BY item_type, name`, characterID)
	if err != nil {
		return nil, fmt.Errorf("storage: list inventory: %w", err)
	}
	defer rows.Close()

	var items []model.InventoryItem
	for rows.Next() {
		var it model.InventoryItem
		if err := rows.Scan(&it.ItemType, &it.Name, &it.Quantity, &it.Tags); err != nil {
			return nil, fmt.Errorf("storage: scan inventory item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// SetZone records that other is in zone z relative to character. Zones are
// stored in both directions.
func (db *DB) SetZone(ctx context.Context, sessionID, character, other uuid.UUID, z model.Zone) error {
	if z.Index() < 0 {
		return fmt.Errorf("storage: set zone: invalid zone %q", z)
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO scene_positions (session_id, character_id, other_character_id, zone)
		 VALUES ($1, $2, $3, $4), ($1, $3, $2, $4)
		 ON CONFLICT (session_id, character_id, other_character_id)
		 DO UPDATE SET zone = EXCLUDED.zone, updated_at = now()`,
		sessionID, character, other, string(z))
	if err != nil {
		return fmt.Errorf("storage: set zone: %w", err)
	}
	return nil
}

// ZoneBetween returns other's zone relative to character. Characters with no
// recorded position relative to each other are far apart.
func (db *DB) ZoneBetween(ctx context.Context, sessionID, character, other uuid.UUID) (model.Zone, error) {
	if character == other {
		return model.ZoneAdjacent, nil
	}
	var z string
	err := db.pool.QueryRow(ctx,
		`SELECT zone FROM scene_positions
		 WHERE session_id = $1 AND character_id = $2 AND other_character_id = $3`,
		sessionID, character, other,
	).Scan(&z)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ZoneFar, nil
		}
		return "", fmt.Errorf("storage: zone between: %w", err)
	}
	return model.Zone(z), nil
}

// Nearby lists every character with a recorded zone relative to character,
// closest first.
func (db *DB) Nearby(ctx context.Context, sessionID, character uuid.UUID) ([]model.Position, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT other_character_id, zone FROM scene_positions
		 WHERE session_id = $1 AND character_id = $2
		 ORDER BY array_position(ARRAY['adjacent','close','mid','far'], zone), other_character_id`,
		sessionID, character)
	if err != nil {
		return nil, fmt.Errorf("storage: nearby: %w", err)
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		var (
			p model.Position
			z string
		)
		if err := rows.Scan(&p.CharacterID, &z); err != nil {
			return nil, fmt.Errorf("storage: scan position: %w", err)
		}
		p.Zone = model.Zone(z)
		out = append(out, p)
	}
	return out, rows.Err()
}

func nullUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}
