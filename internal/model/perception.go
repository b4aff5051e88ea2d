package model

import (
	"time"

	"github.com/google/uuid"
)

// RecentPerceptionLimit bounds how many events are retrieved per observer.
const RecentPerceptionLimit = 30

// PerceptionEvent records one observer detecting one act. Owned by the
// session; only IsRead ever changes.
type PerceptionEvent struct {
	ID             uuid.UUID      `json:"id"`
	SessionID      uuid.UUID      `json:"session_id"`
	ObserverID     uuid.UUID      `json:"observer_id"`
	TargetID       uuid.UUID      `json:"target_id"`
	PerceptionRoll int            `json:"perception_roll"`
	DetectionLevel AwarenessLevel `json:"detection_level"`
	Message        string         `json:"message"`
	IsRead         bool           `json:"is_read"`
	CreatedAt      time.Time      `json:"created_at"`
}

// DetectionEvent is one observer who detected an act during an execution.
type DetectionEvent struct {
	ObserverID uuid.UUID        `json:"observer_id"`
	IsTarget   bool             `json:"is_target"`
	Perception PerceptionResult `json:"perception"`
	EventID    uuid.UUID        `json:"event_id"`
}

// ActionLogEntry is the append-only record of one executed action.
type ActionLogEntry struct {
	ID             uuid.UUID       `json:"id"`
	SessionID      uuid.UUID       `json:"session_id"`
	ActorID        uuid.UUID       `json:"actor_id"`
	TargetID       uuid.UUID       `json:"target_id"`
	ActionID       string          `json:"action_id"`
	ActionCategory ActionCategory  `json:"action_category"`
	StatCheck      StatCheckResult `json:"stat_check"`
	WasDetected    bool            `json:"was_detected"`
	Outcome        Effect          `json:"outcome"`
	WitnessIDs     []uuid.UUID     `json:"witness_ids"`
	Turn           int             `json:"turn"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ExecutionRecord is everything one execution writes. It is persisted in a
// single transaction: all of it or none of it.
type ExecutionRecord struct {
	Log    ActionLogEntry
	Events []PerceptionEvent
	// PreparedActionID, when set, is consumed by the same transaction.
	PreparedActionID *uuid.UUID
	// CooldownTurns > 0 claims the action's cooldown for the actor.
	CooldownTurns int
}
