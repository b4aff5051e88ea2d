package model

import "errors"

var (
	// ErrPreconditionFailed means the execution context is incomplete
	// (missing session, actor, or target). Nothing was read or written.
	ErrPreconditionFailed = errors.New("execution precondition not met")

	// ErrActionUnavailable means the actor is not eligible for the action.
	// Returned wrapped in *UnavailableError.
	ErrActionUnavailable = errors.New("action unavailable")

	// ErrDependencyUnavailable means a collaborator read failed before any write.
	ErrDependencyUnavailable = errors.New("dependency unavailable")

	// ErrUnknownAction means no built-in or enabled custom action has the id.
	ErrUnknownAction = errors.New("unknown action")

	// ErrCharacterNotFound means the actor, target or a witness has no
	// character record.
	ErrCharacterNotFound = errors.New("character not found")

	// ErrPreparedActionUsed means the prepared action was already consumed
	// or does not belong to the actor.
	ErrPreparedActionUsed = errors.New("prepared action already used")

	// ErrCooldownActive means a concurrent execution claimed the action's cooldown.
	ErrCooldownActive = errors.New("action on cooldown")

	// ErrPersistence means the execution transaction failed; nothing was recorded.
	ErrPersistence = errors.New("execution not recorded")
)

// UnavailableError carries the availability that failed validation.
type UnavailableError struct {
	ActionID     string
	Availability ActionAvailability
}

func (e *UnavailableError) Error() string {
	return "action " + e.ActionID + " unavailable: " + e.Availability.Reason
}

// Unwrap lets errors.Is match ErrActionUnavailable.
func (e *UnavailableError) Unwrap() error {
	return ErrActionUnavailable
}
