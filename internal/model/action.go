package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ActionCategory groups physical actions by how they are performed.
type ActionCategory string

const (
	CategoryMelee    ActionCategory = "melee"
	CategoryStealth  ActionCategory = "stealth"
	CategorySocial   ActionCategory = "social"
	CategoryRanged   ActionCategory = "ranged"
	CategoryMovement ActionCategory = "movement"
)

// Valid reports whether c is a known category.
func (c ActionCategory) Valid() bool {
	switch c {
	case CategoryMelee, CategoryStealth, CategorySocial, CategoryRanged, CategoryMovement:
		return true
	}
	return false
}

// AnyItem is the RequiredItem value satisfied by any non-empty inventory.
const AnyItem = "any"

// Effect is an opaque effect payload applied by whoever consumes the outcome.
type Effect map[string]any

// PhysicalAction is an action definition. Built-ins are process-wide
// constants; custom definitions are campaign-scoped. Immutable once loaded.
type PhysicalAction struct {
	ID                  string         `json:"id" yaml:"id"`
	Name                string         `json:"name" yaml:"name"`
	Category            ActionCategory `json:"category" yaml:"category"`
	Description         string         `json:"description" yaml:"description"`
	RequiredRange       Zone           `json:"required_range" yaml:"required_range"`
	RequiredItem        string         `json:"required_item,omitempty" yaml:"required_item,omitempty"`
	RequiredStat        string         `json:"required_stat,omitempty" yaml:"required_stat,omitempty"`
	RequiredStatValue   int            `json:"required_stat_value" yaml:"required_stat_value"`
	IsDetectable        bool           `json:"is_detectable" yaml:"is_detectable"`
	DetectionDifficulty int            `json:"detection_difficulty" yaml:"detection_difficulty"`
	SuccessEffect       Effect         `json:"success_effect,omitempty" yaml:"success_effect,omitempty"`
	FailureEffect       Effect         `json:"failure_effect,omitempty" yaml:"failure_effect,omitempty"`
	CooldownTurns       int            `json:"cooldown_turns" yaml:"cooldown_turns"`

	// Set for campaign-scoped definitions only.
	Custom     bool       `json:"custom" yaml:"-"`
	CampaignID *uuid.UUID `json:"campaign_id,omitempty" yaml:"-"`
}

// Validate checks the invariants every definition must satisfy, built-in or custom.
func (a PhysicalAction) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("action id is required")
	}
	if a.Name == "" {
		return fmt.Errorf("action %s: name is required", a.ID)
	}
	if !a.Category.Valid() {
		return fmt.Errorf("action %s: invalid category %q", a.ID, a.Category)
	}
	if _, err := ParseZone(string(a.RequiredRange)); err != nil {
		return fmt.Errorf("action %s: %w", a.ID, err)
	}
	if a.RequiredStatValue < 0 {
		return fmt.Errorf("action %s: required_stat_value must be >= 0", a.ID)
	}
	if a.CooldownTurns < 0 {
		return fmt.Errorf("action %s: cooldown_turns must be >= 0", a.ID)
	}
	return nil
}

// ActionAvailability is the derived eligibility of one action for one actor
// against one target. Never stored.
type ActionAvailability struct {
	Available   bool   `json:"available"`
	Reason      string `json:"reason,omitempty"`
	StatMet     bool   `json:"stat_met"`
	RangeMet    bool   `json:"range_met"`
	ItemMet     bool   `json:"item_met"`
	CooldownMet bool   `json:"cooldown_met"`
}

// ActionOption pairs an action with its availability for a given target.
type ActionOption struct {
	Action       PhysicalAction     `json:"action"`
	Availability ActionAvailability `json:"availability"`
}

// PreparedAction is a readied action that grants surprise when executed.
// It is consumed (used and revealed) exactly once.
type PreparedAction struct {
	ID          uuid.UUID  `json:"id"`
	SessionID   uuid.UUID  `json:"session_id"`
	CharacterID uuid.UUID  `json:"character_id"`
	ActionID    string     `json:"action_id"`
	TargetID    *uuid.UUID `json:"target_id,omitempty"`
	IsUsed      bool       `json:"is_used"`
	IsRevealed  bool       `json:"is_revealed"`
}

// CustomActionRecord is a stored campaign-scoped action definition. The
// definition document is validated when the catalog loads it, not on write.
type CustomActionRecord struct {
	ID         uuid.UUID       `json:"id"`
	CampaignID uuid.UUID       `json:"campaign_id"`
	ActionID   string          `json:"action_id"`
	Definition json.RawMessage `json:"definition"`
	IsEnabled  bool            `json:"is_enabled"`
	CreatedAt  time.Time       `json:"created_at"`
}
