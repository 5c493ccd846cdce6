package presence

import (
	"context"
)

// Service is the presence state facade consumed by UI code.
type Service interface {
	// ClockIn records a clock-in, applies it optimistically and queues it for delivery
	ClockIn(ctx context.Context, employeeID string, loc *Location) (Action, error)

	// ClockOut records a clock-out
	ClockOut(ctx context.Context, employeeID string, loc *Location) (Action, error)

	// StartBreak records the start of a break
	StartBreak(ctx context.Context, employeeID string, loc *Location) (Action, error)

	// EndBreak records the end of the active break
	EndBreak(ctx context.Context, employeeID string, loc *Location) (Action, error)

	// CurrentStatus returns the cached view, optimistic or authoritative
	CurrentStatus(employeeID string) (View, error)

	// TodayEntries returns the server snapshots recorded today
	TodayEntries(employeeID string) ([]Snapshot, error)

	// Refresh fetches current state and today's history from the server
	Refresh(ctx context.Context, employeeID string) (View, error)

	// ManualSync drains the queue now and reports dropped actions
	ManualSync(ctx context.Context) (SyncReport, error)

	// Diagnostics returns queue and channel state for observability surfaces
	Diagnostics() Diagnostics

	// LastError returns the most recent failure surfaced for the employee, or nil
	LastError(employeeID string) error

	// SetVisible forwards application visibility changes
	SetVisible(visible bool)

	Close()
}
