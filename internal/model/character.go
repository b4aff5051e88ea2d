package model

import (
	"slices"

	"github.com/google/uuid"
)

// Stat bounds used by every system that reads character stats.
const (
	MinStat = 1
	MaxStat = 10
)

// Well-known stat names.
const (
	StatStrength = "strength"
	StatAgility  = "agility"
	StatWisdom   = "wisdom"
	StatCharisma = "charisma"
)

// Stats maps stat names to raw values.
type Stats map[string]int

// ClampStat limits v to [MinStat, MaxStat].
func ClampStat(v int) int {
	return min(max(v, MinStat), MaxStat)
}

// Get returns the clamped value of name, or fallback when the stat is absent.
// The fallback is returned as given.
func (s Stats) Get(name string, fallback int) int {
	v, ok := s[name]
	if !ok {
		return fallback
	}
	return ClampStat(v)
}

// Has reports whether the stat is present.
func (s Stats) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// CharacterProfile is the read-only view of a character owned by the
// character service.
type CharacterProfile struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name,omitempty"`
	Stats Stats     `json:"stats"`
	Level int       `json:"level"`
}

// InventoryItem is one stack in a character's inventory.
type InventoryItem struct {
	ItemType string   `json:"item_type"`
	Name     string   `json:"name"`
	Quantity int      `json:"quantity"`
	Tags     []string `json:"tags,omitempty"`
}

// Matches reports whether the item satisfies an explicit item requirement:
// its type equals the requirement or it carries the requirement as a tag.
func (i InventoryItem) Matches(requirement string) bool {
	if i.Quantity <= 0 {
		return false
	}
	return i.ItemType == requirement || slices.Contains(i.Tags, requirement)
}

// Position is another character's zone relative to a reference character.
type Position struct {
	CharacterID uuid.UUID `json:"character_id"`
	Zone        Zone      `json:"zone"`
}
