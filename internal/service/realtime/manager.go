package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cmlabs-hris/presence-sync/internal/domain/presence"
	"github.com/cmlabs-hris/presence-sync/internal/pkg/backoff"
	"github.com/cmlabs-hris/presence-sync/internal/pkg/clock"
)

// Prober is the lightweight liveness check used as heartbeat.
type Prober interface {
	HealthCheck(ctx context.Context) error
}

type Config struct {
	HeartbeatInterval    time.Duration  // default: 30 seconds
	ReconnectMaxAttempts int            // default: 5
	ReconnectBackoff     backoff.Policy // default: 1s doubling, capped at 30s
}

// Manager keeps the push channel of one employee open.
//
// States move Disconnected -> Connecting -> Connected, and on a channel or
// heartbeat failure to Error, from where a reconnect is scheduled with
// exponential backoff. After ReconnectMaxAttempts failed reconnects the
// manager stays in Error until Connect is called again.
//
// Every open attempt bumps a generation counter. Timers and read loops carry
// the generation they were started for and do nothing once it is stale.
type Manager struct {
	dialer    Dialer
	prober    Prober
	clock     clock.Clock
	publisher presence.Publisher
	cfg       Config

	mu         sync.Mutex
	employeeID string
	state      presence.ConnectionState
	stream     Stream
	gen        uint64
	online     bool
	visible    bool
	heartbeat  clock.Timer
	reconnect  clock.Timer
	bg         context.Context
	cancel     context.CancelFunc

	wg sync.WaitGroup
}

func NewManager(employeeID string, dialer Dialer, prober Prober, clk clock.Clock, publisher presence.Publisher, cfg Config) *Manager {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ReconnectMaxAttempts <= 0 {
		cfg.ReconnectMaxAttempts = 5
	}
	if cfg.ReconnectBackoff.Base <= 0 {
		cfg.ReconnectBackoff = backoff.Policy{Base: time.Second, Max: 30 * time.Second}
	}
	if clk == nil {
		clk = clock.Real()
	}
	bg, cancel := context.WithCancel(context.Background())
	return &Manager{
		dialer:     dialer,
		prober:     prober,
		clock:      clk,
		publisher:  publisher,
		cfg:        cfg,
		employeeID: employeeID,
		state:      presence.ConnectionState{Status: presence.ConnDisconnected},
		online:     true,
		visible:    true,
		bg:         bg,
		cancel:     cancel,
	}
}

func (m *Manager) EmployeeID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.employeeID
}

func (m *Manager) State() presence.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect opens the channel and resets the reconnect counter. While offline
// it only records the employee; the channel opens when the network returns.
func (m *Manager) Connect(employeeID string) error {
	m.mu.Lock()
	same := employeeID == "" || employeeID == m.employeeID
	if employeeID != "" {
		m.employeeID = employeeID
	}
	if m.employeeID == "" {
		m.mu.Unlock()
		return presence.ErrUnknownEmployee
	}
	if same && m.state.Status == presence.ConnConnected && m.stream != nil {
		m.mu.Unlock()
		return nil
	}

	m.teardownLocked()
	m.state.ReconnectAttempts = 0
	if !m.online {
		m.mu.Unlock()
		slog.Info("Offline, channel will open when the network returns", "employee_id", m.employeeID)
		return nil
	}
	gen, ev := m.beginLocked()
	m.mu.Unlock()

	m.publish(ev)
	return m.open(gen)
}

// Disconnect closes the channel and cancels every pending timer.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.teardownLocked()
	m.state.ReconnectAttempts = 0
	ev, changed := m.transitionLocked(presence.ConnDisconnected, "")
	m.mu.Unlock()

	if changed {
		m.publish(ev)
	}
}

// Stop disconnects and waits for the read loop to exit.
func (m *Manager) Stop() {
	m.Disconnect()
	m.cancel()
	m.wg.Wait()
}

// SetOnline pauses or resumes the manager. Offline suspends the heartbeat and
// any scheduled reconnect. Online reconnects unless the channel is up.
func (m *Manager) SetOnline(online bool) {
	m.mu.Lock()
	was := m.online
	m.online = online
	if !online {
		m.stopTimersLocked()
		m.mu.Unlock()
		if was {
			slog.Info("Network offline, realtime timers suspended", "employee_id", m.EmployeeID())
		}
		return
	}

	connected := m.state.Status == presence.ConnConnected && m.stream != nil
	hasEmployee := m.employeeID != ""
	if connected {
		m.scheduleHeartbeatLocked()
	}
	m.mu.Unlock()

	if !was && !connected && hasEmployee {
		if err := m.Connect(""); err != nil {
			slog.Warn("Reconnect after network recovery failed", "employee_id", m.EmployeeID(), "error", err)
		}
	}
}

// SetVisible pauses the heartbeat while the application is in the
// background. The channel stays open.
func (m *Manager) SetVisible(visible bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.visible = visible
	if !visible {
		if m.heartbeat != nil {
			m.heartbeat.Stop()
			m.heartbeat = nil
		}
		return
	}
	if m.state.Status == presence.ConnConnected && m.stream != nil {
		m.scheduleHeartbeatLocked()
	}
}

func (m *Manager) beginLocked() (uint64, presence.ConnectionChanged) {
	m.gen++
	ev, _ := m.transitionLocked(presence.ConnConnecting, "")
	return m.gen, ev
}

func (m *Manager) open(gen uint64) error {
	m.mu.Lock()
	employeeID := m.employeeID
	m.mu.Unlock()

	stream, err := m.dialer.Dial(m.bg, employeeID)

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if stream != nil {
			stream.Close()
		}
		return nil
	}
	if err != nil {
		ev := m.failLocked(err)
		m.mu.Unlock()
		m.publish(ev)
		return err
	}

	now := m.clock.Now()
	m.stream = stream
	m.state.LastConnectedAt = &now
	m.state.ReconnectAttempts = 0
	ev, _ := m.transitionLocked(presence.ConnConnected, "")
	m.scheduleHeartbeatLocked()
	m.wg.Add(1)
	m.mu.Unlock()

	slog.Info("Realtime channel connected", "employee_id", employeeID)
	m.publish(ev)

	go m.readLoop(gen, stream)
	return nil
}

func (m *Manager) readLoop(gen uint64, stream Stream) {
	defer m.wg.Done()
	for {
		line, err := stream.Next()
		if err != nil {
			m.channelFailed(gen, err)
			return
		}
		m.handleLine(line)
	}
}

func (m *Manager) handleLine(line []byte) {
	var msg presence.StreamMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		slog.Warn("Ignoring malformed stream message", "error", err)
		return
	}

	switch msg.Type {
	case "ping", "heartbeat", "connected":
		return
	}
	if len(msg.Data) == 0 || string(msg.Data) == "null" {
		return
	}

	var snap presence.Snapshot
	if err := json.Unmarshal(msg.Data, &snap); err != nil {
		slog.Warn("Ignoring stream message with malformed snapshot", "type", msg.Type, "error", err)
		return
	}

	employeeID := snap.EmployeeID
	if employeeID == "" {
		employeeID = msg.EmployeeID
	}
	if employeeID == "" {
		employeeID = m.EmployeeID()
	}
	snap.EmployeeID = employeeID
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = msg.Timestamp
	}

	m.publish(presence.SnapshotPushed{
		EmployeeID: employeeID,
		Type:       msg.Type,
		Snapshot:   snap.Normalize(),
		ReceivedAt: m.clock.Now(),
	})
}

func (m *Manager) channelFailed(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	ev := m.failLocked(err)
	m.mu.Unlock()

	slog.Warn("Realtime channel lost", "employee_id", m.EmployeeID(), "error", err)
	m.publish(ev)
}

func (m *Manager) beat(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state.Status != presence.ConnConnected {
		m.mu.Unlock()
		return
	}
	m.heartbeat = nil
	m.mu.Unlock()

	err := m.prober.HealthCheck(m.bg)

	m.mu.Lock()
	if gen != m.gen || m.state.Status != presence.ConnConnected {
		m.mu.Unlock()
		return
	}
	if err == nil {
		m.scheduleHeartbeatLocked()
		m.mu.Unlock()
		return
	}
	ev := m.failLocked(err)
	m.mu.Unlock()

	slog.Warn("Heartbeat failed", "employee_id", m.EmployeeID(), "error", err)
	m.publish(ev)
}

func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || !m.online {
		m.mu.Unlock()
		return
	}
	m.reconnect = nil
	next, ev := m.beginLocked()
	m.mu.Unlock()

	m.publish(ev)
	_ = m.open(next)
}

// failLocked moves to Error and schedules the next reconnect if the budget
// and the network allow it.
func (m *Manager) failLocked(cause error) presence.ConnectionChanged {
	m.closeStreamLocked()
	m.stopTimersLocked()
	m.gen++

	ev, _ := m.transitionLocked(presence.ConnError, cause.Error())
	if !m.online {
		return ev
	}
	if m.state.ReconnectAttempts >= m.cfg.ReconnectMaxAttempts {
		slog.Error("Reconnect attempts exhausted",
			"employee_id", m.employeeID,
			"attempts", m.state.ReconnectAttempts)
		return ev
	}

	m.state.ReconnectAttempts++
	ev.State = m.state
	delay := m.cfg.ReconnectBackoff.Delay(m.state.ReconnectAttempts - 1)
	gen := m.gen
	m.reconnect = m.clock.AfterFunc(delay, func() { m.retry(gen) })
	return ev
}

func (m *Manager) scheduleHeartbeatLocked() {
	if m.heartbeat != nil || !m.online || !m.visible {
		return
	}
	gen := m.gen
	m.heartbeat = m.clock.AfterFunc(m.cfg.HeartbeatInterval, func() { m.beat(gen) })
}

func (m *Manager) stopTimersLocked() {
	if m.heartbeat != nil {
		m.heartbeat.Stop()
		m.heartbeat = nil
	}
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
}

func (m *Manager) closeStreamLocked() {
	if m.stream != nil {
		m.stream.Close()
		m.stream = nil
	}
}

func (m *Manager) teardownLocked() {
	m.gen++
	m.closeStreamLocked()
	m.stopTimersLocked()
}

func (m *Manager) transitionLocked(status presence.ConnectionStatus, lastError string) (presence.ConnectionChanged, bool) {
	changed := m.state.Status != status || m.state.LastError != lastError
	m.state.Status = status
	if status == presence.ConnError {
		m.state.LastError = lastError
	} else if status == presence.ConnConnected {
		m.state.LastError = ""
	}
	return presence.ConnectionChanged{EmployeeID: m.employeeID, State: m.state}, changed
}

func (m *Manager) publish(ev presence.Event) {
	if m.publisher != nil {
		m.publisher.Publish(ev)
	}
}
