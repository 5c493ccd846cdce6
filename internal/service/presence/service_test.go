package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cmlabs-hris/presence-sync/internal/domain/presence"
	"github.com/cmlabs-hris/presence-sync/internal/pkg/clock"
	"github.com/cmlabs-hris/presence-sync/internal/pkg/pubsub"
	"github.com/cmlabs-hris/presence-sync/internal/pkg/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type fakeEngine struct {
	mu      sync.Mutex
	actions []presence.Action
	err     error
	report  presence.SyncReport
	online  bool
	lastRun time.Time
}

func (f *fakeEngine) Enqueue(_ context.Context, a presence.Action) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.actions = append(f.actions, a)
	return a.ID, nil
}

func (f *fakeEngine) ManualSync(context.Context) (presence.SyncReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = nil
	return f.report, nil
}

func (f *fakeEngine) Stats() presence.SyncStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return presence.SyncStats{Total: len(f.actions), Pending: len(f.actions)}
}

func (f *fakeEngine) Online() bool { return f.online }

func (f *fakeEngine) LastRun() (presence.SyncReport, time.Time) { return f.report, f.lastRun }

func (f *fakeEngine) PendingFor(employeeID string) []presence.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []presence.Action
	for _, a := range f.actions {
		if a.EmployeeID == employeeID {
			out = append(out, a)
		}
	}
	return out
}

func (f *fakeEngine) clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = nil
}

type fakeFetcher struct {
	mu       sync.Mutex
	current  *presence.Snapshot
	history  []presence.Snapshot
	err      error
	fetches  int
	filter   presence.HistoryFilter
	failures int64
}

func (f *fakeFetcher) FetchCurrent(context.Context, string) (*presence.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.err != nil {
		return nil, f.err
	}
	return f.current, nil
}

func (f *fakeFetcher) FetchHistory(_ context.Context, _ string, filter presence.HistoryFilter) ([]presence.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter = filter
	return f.history, nil
}

func (f *fakeFetcher) ConsecutiveFailures() int64 { return f.failures }

func (f *fakeFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

type fakeChannels struct {
	visible []bool
}

func (f *fakeChannels) States() map[string]presence.ConnectionState {
	return map[string]presence.ConnectionState{"emp-1": {Status: presence.ConnConnected}}
}

func (f *fakeChannels) SetVisible(v bool) { f.visible = append(f.visible, v) }

type fixture struct {
	svc      *PresenceServiceImpl
	engine   *fakeEngine
	fetcher  *fakeFetcher
	channels *fakeChannels
	registry *pubsub.Registry
	clock    *clock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		engine:   &fakeEngine{},
		fetcher:  &fakeFetcher{},
		channels: &fakeChannels{},
		registry: pubsub.NewRegistry(),
		clock:    clock.Fake(t0),
	}
	f.svc = NewPresenceService(Deps{
		Engine:   f.engine,
		Backlog:  f.engine,
		Client:   f.fetcher,
		Channels: f.channels,
		Registry: f.registry,
		Clock:    f.clock,
	}, Config{Employees: []string{"emp-1", "emp-2"}})
	t.Cleanup(f.svc.Close)
	return f
}

func serverSnap(employeeID string, seq int64, status presence.Status) presence.Snapshot {
	return presence.Snapshot{
		EmployeeID: employeeID,
		Status:     status,
		Sequence:   seq,
		UpdatedAt:  t0.Add(time.Duration(seq) * time.Minute),
	}
}

func TestRecord_UnknownEmployee(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.ClockIn(context.Background(), "emp-9", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, presence.ErrUnknownEmployee)

	var actionErr *presence.ActionError
	require.True(t, errors.As(err, &actionErr))
	assert.Equal(t, "clock_in", actionErr.Op)
	assert.Equal(t, "emp-9", actionErr.Employee)

	_, err = f.svc.CurrentStatus("emp-9")
	assert.ErrorIs(t, err, presence.ErrUnknownEmployee)
}

func TestRecord_InvalidLocation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.StartBreak(context.Background(), "emp-1", &presence.Location{Lat: 120, Lon: 0})
	var verrs validator.ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.Equal(t, "location.lat", verrs[0].Field)
	assert.Empty(t, f.engine.PendingFor("emp-1"))
}

func TestOptimisticTransitions(t *testing.T) {
	tests := []struct {
		name   string
		steps  []presence.ActionKind
		status presence.Status
	}{
		{"clock in", []presence.ActionKind{presence.KindClockIn}, presence.StatusPresent},
		{"start break", []presence.ActionKind{presence.KindClockIn, presence.KindStartBreak}, presence.StatusOnBreak},
		{"end break", []presence.ActionKind{presence.KindClockIn, presence.KindStartBreak, presence.KindEndBreak}, presence.StatusPresent},
		{"clock out", []presence.ActionKind{presence.KindClockIn, presence.KindClockOut}, presence.StatusClockedOut},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			ops := map[presence.ActionKind]func(context.Context, string, *presence.Location) (presence.Action, error){
				presence.KindClockIn:    f.svc.ClockIn,
				presence.KindClockOut:   f.svc.ClockOut,
				presence.KindStartBreak: f.svc.StartBreak,
				presence.KindEndBreak:   f.svc.EndBreak,
			}
			for _, kind := range tt.steps {
				a, err := ops[kind](ctx, "emp-1", nil)
				require.NoError(t, err)
				assert.Equal(t, kind, a.Kind)
			}

			view, err := f.svc.CurrentStatus("emp-1")
			require.NoError(t, err)
			assert.Equal(t, tt.status, view.Snapshot.Status)
			assert.True(t, view.Optimistic)
			assert.True(t, view.Unsynced)
			assert.Equal(t, len(tt.steps), view.Pending)
		})
	}
}

func TestClockInOfflineThenAcknowledged(t *testing.T) {
	f := newFixture(t)

	action, err := f.svc.ClockIn(context.Background(), "emp-1", nil)
	require.NoError(t, err)

	view, _ := f.svc.CurrentStatus("emp-1")
	assert.Equal(t, presence.StatusPresent, view.Snapshot.Status)
	assert.Equal(t, 1, view.Pending)

	ack := serverSnap("emp-1", 1, presence.StatusPresent)
	f.engine.clear()
	f.registry.Publish(presence.ActionAcked{Action: action, Snapshot: &ack})

	view, _ = f.svc.CurrentStatus("emp-1")
	assert.Equal(t, ack, view.Snapshot)
	assert.False(t, view.Optimistic)
	assert.False(t, view.Unsynced)
	assert.Equal(t, 0, view.Pending)
}

func TestServerSnapshotWinsOverOptimisticGuess(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.ClockIn(context.Background(), "emp-1", nil)
	require.NoError(t, err)

	pushed := serverSnap("emp-1", 2, presence.StatusAbsent)
	f.registry.Publish(presence.SnapshotPushed{EmployeeID: "emp-1", Snapshot: pushed, ReceivedAt: t0})

	view, _ := f.svc.CurrentStatus("emp-1")
	assert.Equal(t, presence.StatusAbsent, view.Snapshot.Status)
	assert.False(t, view.Optimistic)
}

func TestStaleSnapshotIgnored(t *testing.T) {
	f := newFixture(t)

	newer := serverSnap("emp-1", 5, presence.StatusOnBreak)
	older := serverSnap("emp-1", 3, presence.StatusPresent)

	f.registry.Publish(presence.SnapshotPushed{EmployeeID: "emp-1", Snapshot: newer})
	f.registry.Publish(presence.ActionAcked{Action: presence.Action{ID: "a", EmployeeID: "emp-1"}, Snapshot: &older})

	view, _ := f.svc.CurrentStatus("emp-1")
	assert.Equal(t, int64(5), view.Snapshot.Sequence)
	assert.Equal(t, presence.StatusOnBreak, view.Snapshot.Status)

	other, _ := f.svc.CurrentStatus("emp-2")
	assert.Equal(t, presence.StatusAbsent, other.Snapshot.Status)
}

func TestUnorderedSnapshotTakenInArrivalOrder(t *testing.T) {
	f := newFixture(t)

	pushed := presence.Snapshot{EmployeeID: "emp-1", Status: presence.StatusOnBreak, UpdatedAt: t0.Add(time.Hour)}
	f.registry.Publish(presence.SnapshotPushed{EmployeeID: "emp-1", Snapshot: pushed})

	// No sequence and no timestamp: nothing to order by, so the later arrival wins.
	late := presence.Snapshot{EmployeeID: "emp-1", Status: presence.StatusPresent}
	f.registry.Publish(presence.ActionAcked{Action: presence.Action{ID: "a", EmployeeID: "emp-1"}, Snapshot: &late})

	view, _ := f.svc.CurrentStatus("emp-1")
	assert.Equal(t, presence.StatusPresent, view.Snapshot.Status)
	assert.True(t, view.Snapshot.UpdatedAt.IsZero())

	// An ordered snapshot is still compared against the unordered one by timestamp.
	f.registry.Publish(presence.SnapshotPushed{EmployeeID: "emp-1", Snapshot: pushed})
	view, _ = f.svc.CurrentStatus("emp-1")
	assert.Equal(t, presence.StatusOnBreak, view.Snapshot.Status)
}

func TestInformationalEventsLeaveViewAlone(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.ClockIn(context.Background(), "emp-1", nil)
	require.NoError(t, err)

	fetched := serverSnap("emp-1", 9, presence.StatusClockedOut)
	f.registry.Publish(presence.SnapshotFetched{EmployeeID: "emp-1", Snapshot: &fetched})
	f.registry.Publish(presence.ConnectionChanged{EmployeeID: "emp-1", State: presence.ConnectionState{Status: presence.ConnError}})
	f.registry.Publish(presence.SyncCompleted{})
	f.registry.Publish(presence.RequestFailed{Endpoint: "POST /presence/clock-in", Reason: "503"})

	view, _ := f.svc.CurrentStatus("emp-1")
	assert.Equal(t, presence.StatusPresent, view.Snapshot.Status)
	assert.True(t, view.Optimistic)
	assert.NoError(t, f.svc.LastError("emp-1"))
}

func TestDroppedActionRevertsAndSurfaces(t *testing.T) {
	f := newFixture(t)

	base := serverSnap("emp-1", 1, presence.StatusPresent)
	f.registry.Publish(presence.SnapshotPushed{EmployeeID: "emp-1", Snapshot: base})

	action, err := f.svc.StartBreak(context.Background(), "emp-1", nil)
	require.NoError(t, err)

	f.engine.clear()
	f.registry.Publish(presence.ActionDropped{Action: action, Reason: "timeout"})

	err = f.svc.LastError("emp-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, presence.ErrQueueExhausted)

	view, _ := f.svc.CurrentStatus("emp-1")
	assert.Equal(t, base, view.Snapshot)
	assert.False(t, view.Optimistic)
	assert.Contains(t, view.LastError, action.ID)
}

func TestRejectedActionSurfaces(t *testing.T) {
	f := newFixture(t)

	action, err := f.svc.ClockOut(context.Background(), "emp-1", nil)
	require.NoError(t, err)
	f.engine.clear()
	f.registry.Publish(presence.ActionRejected{Action: action, Reason: "not clocked in"})

	assert.ErrorIs(t, f.svc.LastError("emp-1"), presence.ErrRejected)
	view, _ := f.svc.CurrentStatus("emp-1")
	assert.Equal(t, presence.StatusAbsent, view.Snapshot.Status)
}

func TestEnqueueFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.engine.err = errors.New("disk full")

	_, err := f.svc.ClockIn(context.Background(), "emp-1", nil)
	require.Error(t, err)

	var actionErr *presence.ActionError
	require.True(t, errors.As(err, &actionErr))
	assert.NotEmpty(t, actionErr.ActionID)

	view, _ := f.svc.CurrentStatus("emp-1")
	assert.Equal(t, presence.StatusAbsent, view.Snapshot.Status)
	assert.False(t, view.Optimistic)
	assert.Equal(t, err, f.svc.LastError("emp-1"))
}

func TestRefresh(t *testing.T) {
	f := newFixture(t)

	current := serverSnap("emp-1", 4, presence.StatusPresent)
	f.fetcher.current = &current
	f.fetcher.history = []presence.Snapshot{serverSnap("emp-1", 3, presence.StatusPresent), current}

	var fetched []presence.SnapshotFetched
	f.registry.Subscribe(func(e presence.Event) {
		fetched = append(fetched, e.(presence.SnapshotFetched))
	}, pubsub.OfKind("snapshot_fetched"))

	view, err := f.svc.Refresh(context.Background(), "emp-1")
	require.NoError(t, err)
	assert.Equal(t, current, view.Snapshot)
	assert.Equal(t, presence.HistoryFilter{StartDate: "2026-03-02", EndDate: "2026-03-02"}, f.fetcher.filter)

	entries, err := f.svc.TodayEntries("emp-1")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	require.Len(t, fetched, 1)
	assert.Equal(t, "emp-1", fetched[0].EmployeeID)

	f.clock.Advance(24 * time.Hour)
	entries, _ = f.svc.TodayEntries("emp-1")
	assert.Empty(t, entries)
}

func TestRefreshFailureSurfaces(t *testing.T) {
	f := newFixture(t)
	f.fetcher.err = presence.ErrTransient

	_, err := f.svc.Refresh(context.Background(), "emp-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, presence.ErrTransient)
	assert.ErrorIs(t, f.svc.LastError("emp-1"), presence.ErrTransient)
}

func TestBatchAcknowledgmentRefreshes(t *testing.T) {
	f := newFixture(t)

	current := serverSnap("emp-1", 7, presence.StatusPresent)
	f.fetcher.current = &current

	action, err := f.svc.ClockIn(context.Background(), "emp-1", nil)
	require.NoError(t, err)
	f.engine.clear()
	f.registry.Publish(presence.ActionAcked{Action: action})

	require.Eventually(t, func() bool {
		view, _ := f.svc.CurrentStatus("emp-1")
		return view.Snapshot.Sequence == 7 && !view.Optimistic
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.fetcher.calls())
}

func TestManualSyncSurfacesDropped(t *testing.T) {
	f := newFixture(t)

	action, err := f.svc.ClockIn(context.Background(), "emp-2", nil)
	require.NoError(t, err)
	action.RetryCount = 5
	f.engine.report = presence.SyncReport{Attempted: 1, Dropped: []presence.Action{action}}

	report, err := f.svc.ManualSync(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Dropped, 1)
	assert.ErrorIs(t, f.svc.LastError("emp-2"), presence.ErrQueueExhausted)
	assert.NoError(t, f.svc.LastError("emp-1"))
}

func TestDiagnosticsAndVisibility(t *testing.T) {
	f := newFixture(t)
	f.engine.online = true
	f.engine.lastRun = t0
	f.fetcher.failures = 2

	_, err := f.svc.ClockIn(context.Background(), "emp-1", nil)
	require.NoError(t, err)

	d := f.svc.Diagnostics()
	assert.Equal(t, 1, d.Sync.Pending)
	assert.True(t, d.Online)
	assert.Equal(t, int64(2), d.ConsecutiveFailures)
	assert.Equal(t, presence.ConnConnected, d.Connections["emp-1"].Status)
	require.NotNil(t, d.LastSyncAt)
	assert.Equal(t, t0, *d.LastSyncAt)

	f.svc.SetVisible(false)
	assert.Equal(t, []bool{false}, f.channels.visible)
}

func TestCloseUnsubscribes(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, 1, f.registry.Len())

	f.svc.Close()
	f.svc.Close()
	assert.Equal(t, 0, f.registry.Len())
}
