package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrRequestNotFound is returned by Cancel for unknown or finished requests.
	ErrRequestNotFound = errors.New("request not found")
	// ErrClosed is returned by Submit after Close, and is the cancellation
	// cause of requests still running when the queue closes.
	ErrClosed = errors.New("request queue closed")
)

// SessionBusyError rejects a submit for a session that already has a request
// in flight. The caller retries later or cancels the active request first.
type SessionBusyError struct {
	SessionID string
	// ActiveRequestID is the request holding the session.
	ActiveRequestID string
}

func (e *SessionBusyError) Error() string {
	return fmt.Sprintf("session %s is busy with request %s", e.SessionID, e.ActiveRequestID)
}

func IsSessionBusy(err error) bool {
	var e *SessionBusyError
	return errors.As(err, &e)
}

type tooBusyError struct{ max int }

func (e tooBusyError) Error() string {
	return fmt.Sprintf("too busy: %d requests already active", e.max)
}

// IsTooBusy reports whether err is the global admission limit rejection.
func IsTooBusy(err error) bool {
	var e tooBusyError
	return errors.As(err, &e)
}
