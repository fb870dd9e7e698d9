package collab

import (
	"errors"
	"fmt"
)

// ErrLockConflict reports that another participant holds the annotation's
// lock. Recoverable: the user can wait or pick a different object.
var ErrLockConflict = errors.New("another participant holds the lock on this annotation")

// PersistenceError wraps a save/load failure from the persistence
// collaborator. Always surfaced with a retry affordance, never silently
// dropped.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Severity classifies a user-facing notification
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Notification is a dismissible, user-visible report of a recoverable
// failure. Retryable tells the UI to offer a retry action.
type Notification struct {
	Severity  Severity
	Message   string
	Err       error
	Retryable bool
}

// Notifier receives user-facing notifications from the facade. Network- and
// lock-layer errors are caught here and never thrown into the rendering
// loop.
type Notifier func(Notification)
