package presence

import (
	"time"
)

// ActionKind identifies which presence transition an Action requests.
type ActionKind string

const (
	KindClockIn    ActionKind = "clock_in"
	KindClockOut   ActionKind = "clock_out"
	KindStartBreak ActionKind = "start_break"
	KindEndBreak   ActionKind = "end_break"
)

// Valid reports whether k is one of the four known kinds.
func (k ActionKind) Valid() bool {
	switch k {
	case KindClockIn, KindClockOut, KindStartBreak, KindEndBreak:
		return true
	}
	return false
}

// Status is the derived presence status of an employee.
type Status string

const (
	StatusAbsent     Status = "absent"
	StatusPresent    Status = "present"
	StatusOnBreak    Status = "on_break"
	StatusClockedOut Status = "clocked_out"
)

type Location struct {
	Lat      float64  `json:"lat"`
	Lon      float64  `json:"lon"`
	Accuracy *float64 `json:"accuracy,omitempty"`
}

// Action is one queued presence event. ID is generated once on the device and
// reused on every submission so the server can deduplicate retries.
type Action struct {
	ID            string     `json:"id"`
	Kind          ActionKind `json:"kind"`
	EmployeeID    string     `json:"employeeId"`
	OccurredAt    time.Time  `json:"occurredAt"`
	Location      *Location  `json:"location,omitempty"`
	Synced        bool       `json:"synced"`
	RetryCount    int        `json:"retryCount"`
	SyncedAt      *time.Time `json:"syncedAt,omitempty"`
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
}

// ReadyAt reports whether the action may be submitted at now.
func (a Action) ReadyAt(now time.Time) bool {
	return a.NextAttemptAt == nil || !now.Before(*a.NextAttemptAt)
}

type Break struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"startedAt"`
}

// Snapshot is the server-owned presence state of one employee. Sequence is
// assigned by the server and increases with every change; UpdatedAt is the
// server timestamp of that change.
type Snapshot struct {
	EmployeeID   string     `json:"employeeId"`
	ClockInTime  *time.Time `json:"clockInTime,omitempty"`
	ClockOutTime *time.Time `json:"clockOutTime,omitempty"`
	OnBreak      bool       `json:"onBreak"`
	ActiveBreak  *Break     `json:"activeBreak,omitempty"`
	Status       Status     `json:"status,omitempty"`
	Sequence     int64      `json:"sequence,omitempty"`
	UpdatedAt    time.Time  `json:"updatedAt,omitempty"`
}

// DeriveStatus computes the status from the snapshot fields.
func (s Snapshot) DeriveStatus() Status {
	switch {
	case s.ClockOutTime != nil:
		return StatusClockedOut
	case s.OnBreak:
		return StatusOnBreak
	case s.ClockInTime != nil:
		return StatusPresent
	default:
		return StatusAbsent
	}
}

// Normalize fills Status when the server left it out.
func (s Snapshot) Normalize() Snapshot {
	if s.Status == "" {
		s.Status = s.DeriveStatus()
	}
	return s
}

// NewerThan reports whether s supersedes other. Sequence numbers win when both
// sides carry one; otherwise the server timestamps are compared.
func (s Snapshot) NewerThan(other Snapshot) bool {
	if s.Sequence > 0 && other.Sequence > 0 {
		return s.Sequence > other.Sequence
	}
	return s.UpdatedAt.After(other.UpdatedAt)
}

type ConnectionStatus string

const (
	ConnDisconnected ConnectionStatus = "disconnected"
	ConnConnecting   ConnectionStatus = "connecting"
	ConnConnected    ConnectionStatus = "connected"
	ConnError        ConnectionStatus = "error"
)

type ConnectionState struct {
	Status            ConnectionStatus `json:"status"`
	LastConnectedAt   *time.Time       `json:"lastConnectedAt,omitempty"`
	ReconnectAttempts int              `json:"reconnectAttempts"`
	LastError         string           `json:"lastError,omitempty"`
}

// SyncStats is always derived from the queue contents, never stored.
type SyncStats struct {
	Total   int `json:"total"`
	Synced  int `json:"synced"`
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
}

// SyncReport is the outcome of one sync cycle.
type SyncReport struct {
	Attempted int      `json:"attempted"`
	Synced    []string `json:"synced"`
	Retrying  []string `json:"retrying"`
	Dropped   []Action `json:"dropped"`
	Rejected  []Action `json:"rejected"`
}

// Merge appends the results of a later cycle.
func (r *SyncReport) Merge(other SyncReport) {
	r.Attempted += other.Attempted
	r.Synced = append(r.Synced, other.Synced...)
	r.Retrying = append(r.Retrying, other.Retrying...)
	r.Dropped = append(r.Dropped, other.Dropped...)
	r.Rejected = append(r.Rejected, other.Rejected...)
}

// View is what the UI renders for one employee.
type View struct {
	EmployeeID string    `json:"employeeId"`
	Snapshot   Snapshot  `json:"snapshot"`
	Optimistic bool      `json:"optimistic"`
	Unsynced   bool      `json:"unsynced"`
	Pending    int       `json:"pending"`
	LastError  string    `json:"lastError,omitempty"`
	ObservedAt time.Time `json:"observedAt"`
}

// Diagnostics is the observability snapshot of the whole device.
type Diagnostics struct {
	Sync                SyncStats                  `json:"sync"`
	Connections         map[string]ConnectionState `json:"connections"`
	Online              bool                       `json:"online"`
	ConsecutiveFailures int64                      `json:"consecutiveFailures"`
	LastSyncAt          *time.Time                 `json:"lastSyncAt,omitempty"`
}
