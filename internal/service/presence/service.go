package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cmlabs-hris/presence-sync/internal/domain/presence"
	"github.com/cmlabs-hris/presence-sync/internal/pkg/clock"
	"github.com/cmlabs-hris/presence-sync/internal/pkg/pubsub"
)

// Engine is the part of the sync engine the facade drives.
type Engine interface {
	Enqueue(ctx context.Context, action presence.Action) (string, error)
	ManualSync(ctx context.Context) (presence.SyncReport, error)
	Stats() presence.SyncStats
	Online() bool
	LastRun() (presence.SyncReport, time.Time)
}

// Backlog reads the offline queue of one employee.
type Backlog interface {
	PendingFor(employeeID string) []presence.Action
}

// Fetcher reads authoritative state from the backend.
type Fetcher interface {
	FetchCurrent(ctx context.Context, employeeID string) (*presence.Snapshot, error)
	FetchHistory(ctx context.Context, employeeID string, filter presence.HistoryFilter) ([]presence.Snapshot, error)
	ConsecutiveFailures() int64
}

// Channels is the set of realtime channels on the device.
type Channels interface {
	States() map[string]presence.ConnectionState
	SetVisible(visible bool)
}

// Registry is the event bus the facade listens on and publishes refreshes to.
type Registry interface {
	presence.Publisher
	Subscribe(handler pubsub.Handler, predicate pubsub.Predicate) string
	Unsubscribe(id string) bool
}

type Config struct {
	Employees []string
	Location  *time.Location // calendar used for "today", default: UTC
}

type Deps struct {
	Engine   Engine
	Backlog  Backlog
	Client   Fetcher
	Channels Channels
	Registry Registry
	Clock    clock.Clock
}

type employeeState struct {
	server     *presence.Snapshot
	view       presence.Snapshot
	optimistic bool
	rev        uint64
	today      []presence.Snapshot
	lastErr    *presence.ActionError
	observedAt time.Time
}

type PresenceServiceImpl struct {
	Deps
	loc   *time.Location
	subID string

	mu        sync.Mutex
	employees map[string]*employeeState
	closed    bool

	bg     context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPresenceService builds the facade and subscribes it to authoritative
// updates for the configured employees.
func NewPresenceService(deps Deps, cfg Config) *PresenceServiceImpl {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	bg, cancel := context.WithCancel(context.Background())
	s := &PresenceServiceImpl{
		Deps:      deps,
		loc:       cfg.Location,
		employees: make(map[string]*employeeState, len(cfg.Employees)),
		bg:        bg,
		cancel:    cancel,
	}
	now := deps.Clock.Now()
	for _, id := range cfg.Employees {
		s.employees[id] = &employeeState{
			view:       presence.Snapshot{EmployeeID: id, Status: presence.StatusAbsent},
			observedAt: now,
		}
	}

	s.subID = deps.Registry.Subscribe(s.handle, pubsub.ForEmployees(cfg.Employees...))
	return s
}

// ClockIn implements presence.Service.
func (s *PresenceServiceImpl) ClockIn(ctx context.Context, employeeID string, loc *presence.Location) (presence.Action, error) {
	return s.record(ctx, presence.KindClockIn, employeeID, loc)
}

// ClockOut implements presence.Service.
func (s *PresenceServiceImpl) ClockOut(ctx context.Context, employeeID string, loc *presence.Location) (presence.Action, error) {
	return s.record(ctx, presence.KindClockOut, employeeID, loc)
}

// StartBreak implements presence.Service.
func (s *PresenceServiceImpl) StartBreak(ctx context.Context, employeeID string, loc *presence.Location) (presence.Action, error) {
	return s.record(ctx, presence.KindStartBreak, employeeID, loc)
}

// EndBreak implements presence.Service.
func (s *PresenceServiceImpl) EndBreak(ctx context.Context, employeeID string, loc *presence.Location) (presence.Action, error) {
	return s.record(ctx, presence.KindEndBreak, employeeID, loc)
}

// record applies the optimistic transition and queues the action. A failed
// enqueue rolls the transition back unless something newer replaced it.
func (s *PresenceServiceImpl) record(ctx context.Context, kind presence.ActionKind, employeeID string, loc *presence.Location) (presence.Action, error) {
	op := string(kind)
	if !s.known(employeeID) {
		return presence.Action{}, &presence.ActionError{Op: op, Employee: employeeID, Err: presence.ErrUnknownEmployee}
	}
	if errs := presence.ValidateLocation(loc); len(errs) > 0 {
		return presence.Action{}, &presence.ActionError{Op: op, Employee: employeeID, Err: errs}
	}

	action, err := presence.NewAction(kind, employeeID, s.Clock.Now(), loc)
	if err != nil {
		return presence.Action{}, &presence.ActionError{Op: op, Employee: employeeID, Err: err}
	}

	s.mu.Lock()
	st := s.employees[employeeID]
	prevView, prevOptimistic := st.view, st.optimistic
	st.view = applyOptimistic(st.view, action)
	st.optimistic = true
	st.rev++
	rev := st.rev
	st.observedAt = s.Clock.Now()
	s.mu.Unlock()

	if _, err := s.Engine.Enqueue(ctx, action); err != nil {
		actionErr := &presence.ActionError{Op: op, ActionID: action.ID, Employee: employeeID, Err: err}
		s.mu.Lock()
		if st.rev == rev {
			st.view, st.optimistic = prevView, prevOptimistic
		}
		st.lastErr = actionErr
		s.mu.Unlock()

		slog.Error("Failed to queue presence action", "action_id", action.ID, "employee_id", employeeID, "kind", kind, "error", err)
		return presence.Action{}, actionErr
	}

	slog.Info("Presence action queued", "action_id", action.ID, "employee_id", employeeID, "kind", kind)
	return action, nil
}

// applyOptimistic derives the status the server is expected to report once it
// has accepted action.
func applyOptimistic(snap presence.Snapshot, action presence.Action) presence.Snapshot {
	at := action.OccurredAt
	switch action.Kind {
	case presence.KindClockIn:
		snap.ClockInTime = &at
		snap.ClockOutTime = nil
		snap.OnBreak = false
		snap.ActiveBreak = nil
		snap.Status = presence.StatusPresent
	case presence.KindStartBreak:
		snap.OnBreak = true
		snap.ActiveBreak = &presence.Break{ID: action.ID, StartedAt: at}
		snap.Status = presence.StatusOnBreak
	case presence.KindEndBreak:
		snap.OnBreak = false
		snap.ActiveBreak = nil
		snap.Status = presence.StatusPresent
	case presence.KindClockOut:
		snap.ClockOutTime = &at
		snap.OnBreak = false
		snap.ActiveBreak = nil
		snap.Status = presence.StatusClockedOut
	}
	snap.EmployeeID = action.EmployeeID
	return snap
}

// CurrentStatus implements presence.Service.
func (s *PresenceServiceImpl) CurrentStatus(employeeID string) (presence.View, error) {
	if !s.known(employeeID) {
		return presence.View{}, presence.ErrUnknownEmployee
	}
	pending := len(s.Backlog.PendingFor(employeeID))

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.employees[employeeID]
	view := presence.View{
		EmployeeID: employeeID,
		Snapshot:   st.view,
		Optimistic: st.optimistic,
		Unsynced:   pending > 0,
		Pending:    pending,
		ObservedAt: st.observedAt,
	}
	if st.lastErr != nil {
		view.LastError = st.lastErr.Error()
	}
	return view, nil
}

// TodayEntries implements presence.Service.
func (s *PresenceServiceImpl) TodayEntries(employeeID string) ([]presence.Snapshot, error) {
	if !s.known(employeeID) {
		return nil, presence.ErrUnknownEmployee
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	today := s.Clock.Now().In(s.loc).Format("2006-01-02")
	entries := make([]presence.Snapshot, 0, len(s.employees[employeeID].today))
	for _, snap := range s.employees[employeeID].today {
		if s.day(snap) == today {
			entries = append(entries, snap)
		}
	}
	return entries, nil
}

// Refresh implements presence.Service.
func (s *PresenceServiceImpl) Refresh(ctx context.Context, employeeID string) (presence.View, error) {
	if !s.known(employeeID) {
		return presence.View{}, presence.ErrUnknownEmployee
	}

	current, err := s.Client.FetchCurrent(ctx, employeeID)
	if err != nil {
		return presence.View{}, s.surface("refresh", employeeID, err)
	}
	today, err := s.Client.FetchHistory(ctx, employeeID, presence.DayFilter(s.Clock.Now().In(s.loc)))
	if err != nil {
		return presence.View{}, s.surface("refresh", employeeID, err)
	}

	fetched := presence.SnapshotFetched{EmployeeID: employeeID, Snapshot: current, Today: today}
	s.applyFetched(fetched)
	s.Registry.Publish(fetched)

	return s.CurrentStatus(employeeID)
}

// ManualSync implements presence.Service.
func (s *PresenceServiceImpl) ManualSync(ctx context.Context) (presence.SyncReport, error) {
	report, err := s.Engine.ManualSync(ctx)
	for _, a := range report.Dropped {
		s.actionFailed(a, "sync", presence.ErrQueueExhausted)
	}
	for _, a := range report.Rejected {
		s.actionFailed(a, "sync", fmt.Errorf("%w: %s", presence.ErrRejected, a.LastError))
	}
	if err != nil {
		return report, fmt.Errorf("manual sync: %w", err)
	}
	return report, nil
}

// Diagnostics implements presence.Service.
func (s *PresenceServiceImpl) Diagnostics() presence.Diagnostics {
	d := presence.Diagnostics{
		Sync:                s.Engine.Stats(),
		Connections:         s.Channels.States(),
		Online:              s.Engine.Online(),
		ConsecutiveFailures: s.Client.ConsecutiveFailures(),
	}
	if _, at := s.Engine.LastRun(); !at.IsZero() {
		d.LastSyncAt = &at
	}
	return d
}

// LastError implements presence.Service.
func (s *PresenceServiceImpl) LastError(employeeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.employees[employeeID]
	if !ok {
		return presence.ErrUnknownEmployee
	}
	if st.lastErr == nil {
		return nil
	}
	return st.lastErr
}

// SetVisible implements presence.Service.
func (s *PresenceServiceImpl) SetVisible(visible bool) {
	s.Channels.SetVisible(visible)
}

// Close unsubscribes from the registry and waits for background refreshes.
func (s *PresenceServiceImpl) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.Registry.Unsubscribe(s.subID)
	s.cancel()
	s.wg.Wait()
}

func (s *PresenceServiceImpl) handle(event presence.Event) {
	switch e := event.(type) {
	case presence.SnapshotPushed:
		s.accept(e.Snapshot)
	case presence.ActionAcked:
		s.acked(e)
	case presence.ActionDropped:
		s.actionFailed(e.Action, "sync", fmt.Errorf("%w: %s", presence.ErrQueueExhausted, e.Reason))
	case presence.ActionRejected:
		s.actionFailed(e.Action, "sync", fmt.Errorf("%w: %s", presence.ErrRejected, e.Reason))
	case presence.SnapshotFetched:
		// Published by Refresh, which has already applied it.
	case presence.SyncCompleted, presence.ConnectionChanged, presence.RequestFailed:
		// Read on demand through Diagnostics and LastError.
	default:
		slog.Warn("Unhandled presence event", "kind", event.Kind())
	}
}

func (s *PresenceServiceImpl) acked(e presence.ActionAcked) {
	employeeID := e.Action.EmployeeID

	s.mu.Lock()
	st, ok := s.employees[employeeID]
	if ok && st.lastErr != nil && st.lastErr.ActionID == e.Action.ID {
		st.lastErr = nil
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	if e.Snapshot != nil {
		s.accept(*e.Snapshot)
		return
	}
	// Batch acknowledgments carry no snapshot.
	s.refreshAsync(employeeID)
}

// accept replaces the cached snapshot when snap is newer than the last
// authoritative one. Snapshots without sequence or timestamp are taken in
// arrival order.
func (s *PresenceServiceImpl) accept(snap presence.Snapshot) {
	snap = snap.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.employees[snap.EmployeeID]
	if !ok {
		return
	}
	s.acceptLocked(st, snap)
}

func (s *PresenceServiceImpl) acceptLocked(st *employeeState, snap presence.Snapshot) {
	unordered := snap.Sequence == 0 && snap.UpdatedAt.IsZero()
	if st.server != nil && !unordered && !snap.NewerThan(*st.server) {
		return
	}

	st.server = &snap
	st.view = snap
	st.optimistic = false
	st.rev++
	st.observedAt = s.Clock.Now()

	seen := slices.ContainsFunc(st.today, func(t presence.Snapshot) bool {
		return t.Sequence == snap.Sequence && t.UpdatedAt.Equal(snap.UpdatedAt)
	})
	if !seen && s.day(snap) == s.Clock.Now().In(s.loc).Format("2006-01-02") {
		st.today = append(st.today, snap)
		slices.SortStableFunc(st.today, func(a, b presence.Snapshot) int {
			switch {
			case b.NewerThan(a):
				return -1
			case a.NewerThan(b):
				return 1
			}
			return 0
		})
	}
}

func (s *PresenceServiceImpl) applyFetched(e presence.SnapshotFetched) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.employees[e.EmployeeID]
	if !ok {
		return
	}
	if e.Today != nil {
		st.today = slices.Clone(e.Today)
	}
	if e.Snapshot != nil {
		snap := e.Snapshot.Normalize()
		snap.EmployeeID = e.EmployeeID
		s.acceptLocked(st, snap)
	}
}

// actionFailed records the failure and drops the optimistic guess in favor of
// the last server state.
func (s *PresenceServiceImpl) actionFailed(a presence.Action, op string, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.employees[a.EmployeeID]
	if !ok {
		return
	}
	if st.lastErr != nil && st.lastErr.ActionID == a.ID {
		return
	}
	st.lastErr = &presence.ActionError{Op: op, ActionID: a.ID, Employee: a.EmployeeID, Err: cause}
	if st.optimistic {
		if st.server != nil {
			st.view = *st.server
		} else {
			st.view = presence.Snapshot{EmployeeID: a.EmployeeID, Status: presence.StatusAbsent}
		}
		st.optimistic = false
		st.rev++
		st.observedAt = s.Clock.Now()
	}

	slog.Warn("Presence action failed", "action_id", a.ID, "employee_id", a.EmployeeID, "kind", a.Kind, "error", cause)
}

func (s *PresenceServiceImpl) refreshAsync(employeeID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if _, err := s.Refresh(s.bg, employeeID); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("Refresh after acknowledgment failed", "employee_id", employeeID, "error", err)
		}
	}()
}

// surface keeps a request failure as the employee's last error.
func (s *PresenceServiceImpl) surface(op, employeeID string, err error) error {
	actionErr := &presence.ActionError{Op: op, Employee: employeeID, Err: err}
	s.mu.Lock()
	if st, ok := s.employees[employeeID]; ok {
		st.lastErr = actionErr
	}
	s.mu.Unlock()
	return actionErr
}

func (s *PresenceServiceImpl) known(employeeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.employees[employeeID]
	return ok
}

func (s *PresenceServiceImpl) day(snap presence.Snapshot) string {
	ts := snap.UpdatedAt
	if ts.IsZero() {
		ts = s.Clock.Now()
	}
	return ts.In(s.loc).Format("2006-01-02")
}

var _ presence.Service = (*PresenceServiceImpl)(nil)
