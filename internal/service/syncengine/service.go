package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cmlabs-hris/presence-sync/internal/domain/presence"
	"github.com/cmlabs-hris/presence-sync/internal/pkg/backoff"
	"github.com/cmlabs-hris/presence-sync/internal/pkg/clock"
	"golang.org/x/sync/singleflight"
)

type Mode string

const (
	// ModeIndividual posts each action to its own endpoint.
	ModeIndividual Mode = "individual"
	// ModeBatch posts every ready action in one bulk request.
	ModeBatch Mode = "batch"
)

const cycleKey = "cycle"

// Queue is the part of the offline queue the engine drives.
type Queue interface {
	Enqueue(ctx context.Context, action presence.Action) (string, error)
	PendingActions() []presence.Action
	MarkSynced(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, cause error) (presence.Action, bool, error)
	Defer(ctx context.Context, id string, until time.Time) error
	Remove(ctx context.Context, id string) (presence.Action, error)
	Get(id string) (presence.Action, bool)
	Stats() presence.SyncStats
	MaxRetries() int
}

// Submitter delivers actions to the backend.
type Submitter interface {
	Submit(ctx context.Context, action presence.Action, attempts int) (*presence.Snapshot, error)
	BulkSync(ctx context.Context, actions []presence.Action, attempts int) (presence.BulkSyncResult, error)
}

type Config struct {
	Interval time.Duration  // default: 30 seconds
	Mode     Mode           // default: individual
	Backoff  backoff.Policy // delay before an action is retried
}

// Engine drains the offline queue through the request client. Cycles never
// overlap: concurrent callers share the in-flight result, and a trigger that
// arrives mid-cycle makes the cycle drain once more before it returns.
type Engine struct {
	queue     Queue
	client    Submitter
	clock     clock.Clock
	publisher presence.Publisher
	cfg       Config

	group singleflight.Group
	wg    sync.WaitGroup

	mu         sync.Mutex
	online     bool
	started    bool
	active     int // callers executing a cycle, counted until their group.Do returns
	rerun      bool
	ticker     clock.Timer
	bg         context.Context
	lastReport presence.SyncReport
	lastRunAt  time.Time
}

func NewEngine(queue Queue, client Submitter, clk clock.Clock, publisher presence.Publisher, cfg Config) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeIndividual
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = backoff.Policy{Base: time.Second, Max: 5 * time.Minute}
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Engine{
		queue:     queue,
		client:    client,
		clock:     clk,
		publisher: publisher,
		cfg:       cfg,
		bg:        context.Background(),
	}
}

// Start arms the interval timer and syncs right away when online.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.bg = context.WithoutCancel(ctx)
	e.scheduleLocked()
	online := e.online
	e.mu.Unlock()

	slog.Info("Sync engine started", "interval", e.cfg.Interval, "mode", e.cfg.Mode)
	if online {
		e.Trigger()
	}
}

// Stop disarms the timer and waits for triggered cycles to finish. A running
// cycle is not cancelled.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.started = false
	if e.ticker != nil {
		e.ticker.Stop()
		e.ticker = nil
	}
	e.mu.Unlock()

	e.wg.Wait()
	slog.Info("Sync engine stopped")
}

func (e *Engine) scheduleLocked() {
	e.ticker = e.clock.AfterFunc(e.cfg.Interval, e.tick)
}

func (e *Engine) tick() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	online := e.online
	ctx := e.bg
	e.mu.Unlock()

	if online {
		if _, err := e.RunCycle(ctx); err != nil {
			slog.Error("Scheduled sync failed", "error", err)
		}
	}

	e.mu.Lock()
	if e.started {
		e.scheduleLocked()
	}
	e.mu.Unlock()
}

// Enqueue stores the action and, when online, starts a cycle without waiting for it.
func (e *Engine) Enqueue(ctx context.Context, action presence.Action) (string, error) {
	id, err := e.queue.Enqueue(ctx, action)
	if err != nil {
		return "", err
	}
	e.Trigger()
	return id, nil
}

// SetOnline records the network state. Going online starts a cycle.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	was := e.online
	e.online = online
	e.mu.Unlock()

	if online && !was {
		slog.Info("Network online, syncing queued actions")
		e.Trigger()
	}
}

func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// Trigger requests a cycle in the background. It is a no-op while offline or
// stopped. During a running cycle it schedules one more drain instead.
func (e *Engine) Trigger() {
	e.mu.Lock()
	if !e.online || !e.started {
		e.mu.Unlock()
		return
	}
	if e.active > 0 {
		e.rerun = true
		e.mu.Unlock()
		return
	}
	ctx := e.bg
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		if _, err := e.RunCycle(ctx); err != nil {
			slog.Error("Triggered sync failed", "error", err)
		}
	}()
}

// RunCycle drains the queue once, honoring per-action backoff. While offline
// it returns an empty report.
func (e *Engine) RunCycle(ctx context.Context) (presence.SyncReport, error) {
	if !e.Online() {
		return presence.SyncReport{}, nil
	}
	return e.cycle(ctx, false)
}

// ManualSync drains the queue now, ignoring backoff deferrals and the online
// flag. A call made during a running cycle returns that cycle's result.
func (e *Engine) ManualSync(ctx context.Context) (presence.SyncReport, error) {
	return e.cycle(ctx, true)
}

func (e *Engine) Stats() presence.SyncStats {
	return e.queue.Stats()
}

// LastRun returns the report of the most recent cycle and when it finished.
func (e *Engine) LastRun() (presence.SyncReport, time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastReport, e.lastRunAt
}

// cycle runs passes until no trigger is left. The caller stays counted in
// active until its group.Do has returned, so a trigger arriving while the
// report is being published becomes a rerun instead of joining a finished call.
func (e *Engine) cycle(ctx context.Context, force bool) (presence.SyncReport, error) {
	var total presence.SyncReport
	var errs []error
	for pass := 0; ; pass++ {
		executed := false
		v, err, _ := e.group.Do(cycleKey, func() (any, error) {
			executed = true
			if pass == 0 {
				e.mu.Lock()
				e.active++
				e.mu.Unlock()
			}
			return e.run(ctx, force)
		})
		report, _ := v.(presence.SyncReport)
		if !executed {
			if pass == 0 {
				slog.Debug("Joined in-flight sync cycle")
				return report, err
			}
			// Another caller's pass ran the rerun.
			e.mu.Lock()
			e.active--
			e.mu.Unlock()
			total.Merge(report)
			return total, errors.Join(append(errs, err)...)
		}

		if pass == 0 {
			total = report
		} else {
			total.Merge(report)
		}
		errs = append(errs, err)

		e.mu.Lock()
		again := e.rerun && e.online && ctx.Err() == nil
		e.rerun = false
		if !again {
			e.active--
		}
		e.mu.Unlock()

		if !again {
			return total, errors.Join(errs...)
		}
		force = false
	}
}

// run is one singleflight pass: drain while triggers keep arriving, then
// record and publish the report.
func (e *Engine) run(ctx context.Context, force bool) (presence.SyncReport, error) {
	e.mu.Lock()
	e.rerun = false
	e.mu.Unlock()

	var report presence.SyncReport
	var errs []error
	for {
		r, err := e.drain(ctx, force)
		report.Merge(r)
		if err != nil {
			errs = append(errs, err)
		}

		e.mu.Lock()
		if !e.rerun || !e.online || ctx.Err() != nil {
			e.mu.Unlock()
			break
		}
		e.rerun = false
		e.mu.Unlock()
		force = false
	}

	stats := e.queue.Stats()
	e.mu.Lock()
	e.lastReport = report
	e.lastRunAt = e.clock.Now()
	e.mu.Unlock()

	if report.Attempted > 0 || len(report.Dropped) > 0 {
		slog.Info("Sync cycle completed",
			"attempted", report.Attempted,
			"synced", len(report.Synced),
			"retrying", len(report.Retrying),
			"dropped", len(report.Dropped),
			"rejected", len(report.Rejected),
			"pending", stats.Pending)
	}
	e.publish(presence.SyncCompleted{Report: report, Stats: stats})

	return report, errors.Join(errs...)
}

// ready picks the actions to submit this pass. Per employee, actions go in
// insertion order and stop at the first one still backing off.
func (e *Engine) ready(ctx context.Context, force bool, report *presence.SyncReport) ([]presence.Action, error) {
	now := e.clock.Now()
	blocked := make(map[string]bool)
	ceiling := e.queue.MaxRetries()

	var out []presence.Action
	var errs []error
	for _, a := range e.queue.PendingActions() {
		if blocked[a.EmployeeID] {
			continue
		}
		if a.RetryCount >= ceiling {
			if _, err := e.queue.Remove(ctx, a.ID); err != nil {
				errs = append(errs, err)
				continue
			}
			e.dropped(a, "retry ceiling reached", report)
			continue
		}
		if !force && !a.ReadyAt(now) {
			blocked[a.EmployeeID] = true
			continue
		}
		out = append(out, a)
	}
	return out, errors.Join(errs...)
}

func (e *Engine) drain(ctx context.Context, force bool) (presence.SyncReport, error) {
	var report presence.SyncReport
	ready, err := e.ready(ctx, force, &report)
	if len(ready) == 0 {
		return report, err
	}
	errs := []error{err}

	if e.cfg.Mode == ModeBatch {
		errs = append(errs, e.drainBatch(ctx, ready, &report))
		return report, errors.Join(errs...)
	}

	blocked := make(map[string]bool)
	for _, a := range ready {
		if blocked[a.EmployeeID] {
			continue
		}
		if ctx.Err() != nil {
			break
		}

		report.Attempted++
		snap, err := e.client.Submit(ctx, a, 1)
		switch {
		case err == nil:
			errs = append(errs, e.acked(ctx, a, snap, &report))
		case ctx.Err() != nil:
			// Interrupted by the caller; the attempt does not count.
		case errors.Is(err, presence.ErrTerminal):
			errs = append(errs, e.rejected(ctx, a, err, &report))
		default:
			blocked[a.EmployeeID] = true
			errs = append(errs, e.failed(ctx, a, err, &report))
		}
	}
	return report, errors.Join(errs...)
}

func (e *Engine) drainBatch(ctx context.Context, ready []presence.Action, report *presence.SyncReport) error {
	report.Attempted += len(ready)

	result, err := e.client.BulkSync(ctx, ready, 1)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		var errs []error
		for _, a := range ready {
			errs = append(errs, e.failed(ctx, a, err, report))
		}
		return errors.Join(errs...)
	}

	synced := make(map[string]bool, len(result.Synced))
	for _, id := range result.Synced {
		synced[id] = true
	}

	// Once an employee's action fails, the later ones stay pending untouched so
	// they are resent behind it. The server deduplicates them by action id.
	held := make(map[string]bool)
	var errs []error
	for _, a := range ready {
		if held[a.EmployeeID] {
			report.Retrying = append(report.Retrying, a.ID)
			continue
		}
		if synced[a.ID] {
			errs = append(errs, e.acked(ctx, a, nil, report))
			continue
		}
		held[a.EmployeeID] = true
		errs = append(errs, e.failed(ctx, a, errors.New("not accepted by bulk sync"), report))
	}
	return errors.Join(errs...)
}

func (e *Engine) acked(ctx context.Context, a presence.Action, snap *presence.Snapshot, report *presence.SyncReport) error {
	if err := e.queue.MarkSynced(ctx, a.ID); err != nil {
		return fmt.Errorf("mark %s synced: %w", a.ID, err)
	}
	if updated, ok := e.queue.Get(a.ID); ok {
		a = updated
	}
	report.Synced = append(report.Synced, a.ID)
	e.publish(presence.ActionAcked{Action: a, Snapshot: snap})
	return nil
}

func (e *Engine) rejected(ctx context.Context, a presence.Action, cause error, report *presence.SyncReport) error {
	// Removed rather than left in place: a kept rejection would block the employee's queue forever.
	if _, err := e.queue.Remove(ctx, a.ID); err != nil {
		return fmt.Errorf("remove rejected %s: %w", a.ID, err)
	}
	a.LastError = cause.Error()
	report.Rejected = append(report.Rejected, a)

	slog.Warn("Action rejected by server", "action_id", a.ID, "employee_id", a.EmployeeID, "kind", a.Kind, "error", cause)
	e.publish(presence.ActionRejected{Action: a, Reason: cause.Error()})
	return nil
}

func (e *Engine) failed(ctx context.Context, a presence.Action, cause error, report *presence.SyncReport) error {
	updated, dropped, err := e.queue.MarkFailed(ctx, a.ID, cause)
	if err != nil {
		return fmt.Errorf("mark %s failed: %w", a.ID, err)
	}
	if dropped {
		e.dropped(updated, cause.Error(), report)
		return nil
	}

	delay := e.cfg.Backoff.Delay(updated.RetryCount - 1)
	if err := e.queue.Defer(ctx, a.ID, e.clock.Now().Add(delay)); err != nil {
		return fmt.Errorf("defer %s: %w", a.ID, err)
	}
	report.Retrying = append(report.Retrying, a.ID)

	slog.Debug("Action will be retried", "action_id", a.ID, "retry_count", updated.RetryCount, "delay", delay)
	return nil
}

func (e *Engine) dropped(a presence.Action, reason string, report *presence.SyncReport) {
	report.Dropped = append(report.Dropped, a)
	e.publish(presence.ActionDropped{Action: a, Reason: reason})
}

func (e *Engine) publish(event presence.Event) {
	if e.publisher != nil {
		e.publisher.Publish(event)
	}
}
