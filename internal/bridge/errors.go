package bridge

import "errors"

// Domain errors for the bridge package.
var (
	// ErrBoardUnavailable is returned while the board is disconnected and
	// the bridge is waiting to reconnect.
	ErrBoardUnavailable = errors.New("bridge: board unavailable")

	// ErrInvalidCommand is returned for commands that fail validation.
	ErrInvalidCommand = errors.New("bridge: invalid command")

	// ErrStopped is returned for operations after Stop.
	ErrStopped = errors.New("bridge: stopped")
)
