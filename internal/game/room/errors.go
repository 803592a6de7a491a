package room

import "errors"

// Errors returned by room operations. Their text is shown to players, so
// callers may render err.Error() directly.
var (
	// ErrForbidden is returned when a non-owner attempts an owner-only operation.
	ErrForbidden = errors.New("only the room owner can do that")
	// ErrInvalidState is returned when the game or turn state does not permit the operation.
	ErrInvalidState = errors.New("that is not possible right now")
	// ErrNoActions is returned when a turn is resolved with nothing submitted.
	ErrNoActions = errors.New("no actions have been submitted this turn")
	// ErrTurnClosed is returned when an action is submitted outside an open turn.
	ErrTurnClosed = errors.New("the turn is not accepting actions")
	// ErrGeneratorFailure is reported when the narrator fails to complete a response.
	ErrGeneratorFailure = errors.New("the narrator failed to respond")
	// ErrGeneratorTimeout is reported when the narrator does not finish in time.
	ErrGeneratorTimeout = errors.New("the narrator took too long to respond")
	// ErrClosed is returned for operations that would start work after Close.
	ErrClosed = errors.New("the room is shutting down")
	// ErrUnknownPlayer is returned for operations by a player not on the roster.
	ErrUnknownPlayer = errors.New("unknown player")
)
