package presence

import (
	"errors"
	"fmt"
)

// Presence domain errors
var (
	// Request classification
	ErrTransient = errors.New("transient request failure")
	ErrTerminal  = errors.New("terminal request failure")

	// Facade errors
	ErrUnknownEmployee = errors.New("employee is not known on this device")
	ErrInvalidKind     = errors.New("unknown presence action kind")

	// Queue errors
	ErrActionNotFound = errors.New("action not found in queue")
	ErrQueueExhausted = errors.New("action dropped after reaching the retry ceiling")
	ErrRejected       = errors.New("action rejected by server")
	ErrStoreNotFound  = errors.New("queue store entry not found")

	// Channel errors
	ErrChannelClosed = errors.New("realtime channel closed")
)

// ActionError is the typed error the facade surfaces for a failed action.
type ActionError struct {
	Op       string
	ActionID string
	Employee string
	Err      error
}

func (e *ActionError) Error() string {
	if e.ActionID == "" {
		return fmt.Sprintf("%s for %s: %v", e.Op, e.Employee, e.Err)
	}
	return fmt.Sprintf("%s %s for %s: %v", e.Op, e.ActionID, e.Employee, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }
