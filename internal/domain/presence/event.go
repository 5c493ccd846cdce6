package presence

import "time"

// Event is the closed set of notifications flowing through the subscription
// registry. Consumers type-switch over the concrete variants below.
type Event interface {
	// Kind is the stable event name used in logs and the SSE stream.
	Kind() string
	// Employee is the employee the event concerns, or "" for device-wide events.
	Employee() string

	sealed()
}

// SnapshotPushed carries an authoritative snapshot received on the realtime channel.
type SnapshotPushed struct {
	EmployeeID string    `json:"employeeId"`
	Type       string    `json:"type"`
	Snapshot   Snapshot  `json:"snapshot"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// SnapshotFetched carries the result of an explicit refresh.
type SnapshotFetched struct {
	EmployeeID string     `json:"employeeId"`
	Snapshot   *Snapshot  `json:"snapshot,omitempty"`
	Today      []Snapshot `json:"today"`
}

// ActionAcked reports a queued action accepted by the server.
type ActionAcked struct {
	Action   Action    `json:"action"`
	Snapshot *Snapshot `json:"snapshot,omitempty"`
}

// ActionDropped reports an action removed after reaching the retry ceiling.
type ActionDropped struct {
	Action Action `json:"action"`
	Reason string `json:"reason"`
}

// ActionRejected reports an action the server refused with a terminal error.
type ActionRejected struct {
	Action Action `json:"action"`
	Reason string `json:"reason"`
}

// SyncCompleted is published after every sync cycle.
type SyncCompleted struct {
	Report SyncReport `json:"report"`
	Stats  SyncStats  `json:"stats"`
}

// ConnectionChanged is published on every realtime channel state transition.
type ConnectionChanged struct {
	EmployeeID string          `json:"employeeId"`
	State      ConnectionState `json:"state"`
}

// RequestFailed is the process-wide notice of an unrecoverable request failure.
type RequestFailed struct {
	Endpoint string `json:"endpoint"`
	Reason   string `json:"reason"`
	Terminal bool   `json:"terminal"`
}

func (SnapshotPushed) Kind() string    { return "snapshot_pushed" }
func (SnapshotFetched) Kind() string   { return "snapshot_fetched" }
func (ActionAcked) Kind() string       { return "action_acked" }
func (ActionDropped) Kind() string     { return "action_dropped" }
func (ActionRejected) Kind() string    { return "action_rejected" }
func (SyncCompleted) Kind() string     { return "sync_completed" }
func (ConnectionChanged) Kind() string { return "connection_changed" }
func (RequestFailed) Kind() string     { return "request_failed" }

func (e SnapshotPushed) Employee() string    { return e.EmployeeID }
func (e SnapshotFetched) Employee() string   { return e.EmployeeID }
func (e ActionAcked) Employee() string       { return e.Action.EmployeeID }
func (e ActionDropped) Employee() string     { return e.Action.EmployeeID }
func (e ActionRejected) Employee() string    { return e.Action.EmployeeID }
func (SyncCompleted) Employee() string       { return "" }
func (e ConnectionChanged) Employee() string { return e.EmployeeID }
func (RequestFailed) Employee() string       { return "" }

func (SnapshotPushed) sealed()    {}
func (SnapshotFetched) sealed()   {}
func (ActionAcked) sealed()       {}
func (ActionDropped) sealed()     {}
func (ActionRejected) sealed()    {}
func (SyncCompleted) sealed()     {}
func (ConnectionChanged) sealed() {}
func (RequestFailed) sealed()     {}

// Publisher accepts events for fan-out.
type Publisher interface {
	Publish(event Event)
}
