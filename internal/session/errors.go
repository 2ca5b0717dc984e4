package session

import (
	"errors"
	"fmt"
)

var (
	// ErrMediaAcquisitionFailed is fatal to Join and never retried.
	ErrMediaAcquisitionFailed = errors.New("media acquisition failed")
	ErrTransportFailed        = errors.New("signaling transport failed")
	ErrJoinRejected           = errors.New("join rejected by relay")
	ErrJoinTimeout            = errors.New("timed out waiting for room snapshot")
	ErrNotJoined              = errors.New("not in a room")
	ErrAlreadyJoined          = errors.New("already joined")
	// ErrReplaced ends a session whose participant id joined again elsewhere.
	ErrReplaced               = errors.New("session replaced by another join")
)

// Error is a failed session operation.
type Error struct {
	Op      string
	Err     error
	Details string
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

func wrapError(op string, err error, details string) *Error {
	return &Error{Op: op, Err: err, Details: details}
}
