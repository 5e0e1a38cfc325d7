package acqboard

import (
	"errors"
	"fmt"
)

// Domain errors for the acquisition board engine.
var (
	// ErrNotConnected is returned when the listener is no longer running,
	// either because Close was called or the transport failed.
	ErrNotConnected = errors.New("acqboard: not connected")

	// ErrConnectionFailed is returned when dialling or the board type probe fails.
	ErrConnectionFailed = errors.New("acqboard: connection failed")

	// ErrTransport is returned when a socket read or write fails.
	ErrTransport = errors.New("acqboard: transport failure")

	// ErrProtocol marks a malformed '@' or '#' frame body.
	ErrProtocol = errors.New("acqboard: malformed frame")

	// ErrUnknownParameter is returned for names missing from the registry.
	ErrUnknownParameter = errors.New("acqboard: unknown parameter")

	// ErrTimeout is returned when a request exceeds its deadline.
	ErrTimeout = errors.New("acqboard: operation timed out")

	// ErrNotSupported is returned when a parameter lacks the wire command
	// needed for the operation, or the operating mode has no bulk query.
	ErrNotSupported = errors.New("acqboard: operation not supported")

	// ErrInvalidValue is returned when a value fails validation or conversion.
	ErrInvalidValue = errors.New("acqboard: invalid value")
)

// maxFrameInError caps how much of an offending frame is kept in errors and logs.
const maxFrameInError = 80

// FrameError describes a frame the listener could not route.
// It wraps ErrProtocol or ErrUnknownParameter.
type FrameError struct {
	Frame  string
	Reason string
	Err    error
}

func newFrameError(err error, frame, reason string) *FrameError {
	if len(frame) > maxFrameInError {
		frame = frame[:maxFrameInError] + "..."
	}
	return &FrameError{Frame: frame, Reason: reason, Err: err}
}

// Error implements the error interface.
func (e *FrameError) Error() string {
	return fmt.Sprintf("%v: %s (frame %q)", e.Err, e.Reason, e.Frame)
}

// Unwrap returns the underlying sentinel error.
func (e *FrameError) Unwrap() error {
	return e.Err
}
