package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Request limits. Turn numbers and environment modifiers come straight from
// clients, so they are bounded before they reach the dice.
const (
	MaxActionIDLen   = 100
	MaxTurn          = 1_000_000
	MaxEnvModifier   = 10
	MaxRollStatValue = 100
	MaxRollLevel     = 100
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput          = "INVALID_INPUT"
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeConflict              = "CONFLICT"
	ErrCodeInternalError         = "INTERNAL_ERROR"
	ErrCodeRateLimited           = "RATE_LIMITED"
	ErrCodePreconditionFailed    = "PRECONDITION_FAILED"
	ErrCodeActionUnavailable     = "ACTION_UNAVAILABLE"
	ErrCodeDependencyUnavailable = "DEPENDENCY_UNAVAILABLE"
)

// ActorRequest identifies who is acting and where. Shared by the check and
// execute endpoints; the session comes from the URL path.
type ActorRequest struct {
	CampaignID  uuid.UUID `json:"campaign_id"`
	ActorID     uuid.UUID `json:"actor_id"`
	TargetID    uuid.UUID `json:"target_id"`
	Turn        int       `json:"turn"`
	EnvModifier int       `json:"env_modifier,omitempty"`
}

// CheckActionRequest is the request body for POST /v1/sessions/{session_id}/actions/check.
type CheckActionRequest struct {
	ActorRequest
	ActionID string `json:"action_id"`
}

// ExecuteActionRequest is the request body for POST /v1/sessions/{session_id}/actions/execute.
type ExecuteActionRequest struct {
	ActorRequest
	ActionID         string     `json:"action_id"`
	IsPrepared       bool       `json:"is_prepared"`
	PreparedActionID *uuid.UUID `json:"prepared_action_id,omitempty"`
}

// Validate checks field presence and bounds.
func (r ActorRequest) Validate() error {
	if r.ActorID == uuid.Nil {
		return fmt.Errorf("actor_id is required")
	}
	if r.TargetID == uuid.Nil {
		return fmt.Errorf("target_id is required")
	}
	if r.Turn < 0 || r.Turn > MaxTurn {
		return fmt.Errorf("turn must be between 0 and %d", MaxTurn)
	}
	if r.EnvModifier < -MaxEnvModifier || r.EnvModifier > MaxEnvModifier {
		return fmt.Errorf("env_modifier must be between %d and %d", -MaxEnvModifier, MaxEnvModifier)
	}
	return nil
}

// ValidateActionID checks an action id taken from a request.
func ValidateActionID(id string) error {
	if id == "" {
		return fmt.Errorf("action_id is required")
	}
	if len(id) > MaxActionIDLen {
		return fmt.Errorf("action_id exceeds maximum length of %d characters", MaxActionIDLen)
	}
	return nil
}

// StatCheckRequest is the request body for POST /v1/rolls/stat-check.
type StatCheckRequest struct {
	AttackerStat int  `json:"attacker_stat"`
	DefenderStat int  `json:"defender_stat"`
	IsSurprise   bool `json:"is_surprise"`
}

// PassivePerceptionRequest is the request body for POST /v1/rolls/passive-perception.
type PassivePerceptionRequest struct {
	Stats Stats `json:"stats"`
	Level int   `json:"level"`
}

// PassivePerceptionResponse is the response for POST /v1/rolls/passive-perception.
type PassivePerceptionResponse struct {
	PassivePerception int `json:"passive_perception"`
}

// PerceptionRollRequest is the request body for POST /v1/rolls/perception.
type PerceptionRollRequest struct {
	Stats       Stats `json:"stats"`
	Level       int   `json:"level"`
	Difficulty  int   `json:"difficulty"`
	EnvModifier int   `json:"env_modifier,omitempty"`
}

// Validate bounds the numeric inputs of a perception roll.
func (r PerceptionRollRequest) Validate() error {
	if r.Level < 0 || r.Level > MaxRollLevel {
		return fmt.Errorf("level must be between 0 and %d", MaxRollLevel)
	}
	if r.Difficulty < 0 || r.Difficulty > MaxRollStatValue {
		return fmt.Errorf("difficulty must be between 0 and %d", MaxRollStatValue)
	}
	if r.EnvModifier < -MaxEnvModifier || r.EnvModifier > MaxEnvModifier {
		return fmt.Errorf("env_modifier must be between %d and %d", -MaxEnvModifier, MaxEnvModifier)
	}
	return nil
}

// PerceptionFeedResponse is the response for the perception event listing.
type PerceptionFeedResponse struct {
	Events      []PerceptionEvent `json:"events"`
	UnreadCount int               `json:"unread_count"`
}

// MarkReadResponse is the response for POST .../perception/read.
type MarkReadResponse struct {
	Marked      int64 `json:"marked"`
	UnreadCount int   `json:"unread_count"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Postgres      string `json:"postgres"`
	Broker        string `json:"broker,omitempty"`
	Subscriptions int    `json:"subscriptions"`
	Uptime        int64  `json:"uptime_seconds"`
}
