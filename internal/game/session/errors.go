package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotSeated is returned when the caller lacks the membership or seat
	// the operation requires.
	ErrNotSeated = errors.New("not in game")
	// ErrAlreadySeated is returned by Join for an existing member.
	ErrAlreadySeated = errors.New("already in game")
	// ErrInvalidState is returned when the operation is not valid for the
	// current game status.
	ErrInvalidState = errors.New("invalid game state")
	// ErrCapacityExceeded is returned by Join when the game is full.
	ErrCapacityExceeded = errors.New("game is full")
	// ErrPreviouslyKicked is returned by Join for a player the owner kicked.
	ErrPreviouslyKicked = errors.New("previously kicked from game")
	// ErrPolicyViolation is returned when an operation breaks a game rule.
	ErrPolicyViolation = errors.New("not permitted")
	// ErrPlayerTimeout matches *PlayerTimeoutError.
	ErrPlayerTimeout = errors.New("player timed out")
	// ErrDesynchronized is returned by Submit once the barrier is abandoned.
	ErrDesynchronized = errors.New("game desynchronized")
	// ErrInvariant marks a seat index or bookkeeping failure. It is always a
	// bug and is logged at error level.
	ErrInvariant = errors.New("internal invariant violation")
	// ErrInvalidBatch is returned by Submit for a batch that does not divide
	// into framesPerBatch equal frames.
	ErrInvalidBatch = errors.New("invalid action batch")
)

// PlayerTimeoutError reports that Seat missed a frame deadline during a merge.
type PlayerTimeoutError struct {
	Seat     Seat
	Sequence int
}

func (e *PlayerTimeoutError) Error() string {
	return fmt.Sprintf("seat %d timed out (sequence %d)", e.Seat, e.Sequence)
}

// Is makes errors.Is(err, ErrPlayerTimeout) hold.
func (e *PlayerTimeoutError) Is(target error) bool {
	return target == ErrPlayerTimeout
}
