package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cmlabs-hris/presence-sync/internal/domain/presence"
	"github.com/cmlabs-hris/presence-sync/internal/pkg/clock"
)

const (
	DefaultMaxRetries = 5
	DefaultRetention  = 7 * 24 * time.Hour
)

type Config struct {
	DeviceID   string
	MaxRetries int           // default: 5
	Retention  time.Duration // default: 7 days
}

// Key is the store key holding the queue of one device.
func Key(deviceID string) string {
	return "presence:queue:" + deviceID
}

// Queue is the durable FIFO of presence actions waiting for delivery. Every
// mutation writes the whole queue to the store before it becomes visible, so
// a failed write leaves the in-memory queue unchanged.
type Queue struct {
	mu         sync.Mutex
	store      presence.QueueStore
	clock      clock.Clock
	key        string
	maxRetries int
	retention  time.Duration
	actions    []presence.Action
}

func New(store presence.QueueStore, clk clock.Clock, cfg Config) *Queue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Queue{
		store:      store,
		clock:      clk,
		key:        Key(cfg.DeviceID),
		maxRetries: cfg.MaxRetries,
		retention:  cfg.Retention,
	}
}

// MaxRetries is the retry ceiling after which an action is dropped.
func (q *Queue) MaxRetries() int { return q.maxRetries }

// Load replaces the in-memory queue with the persisted one. A missing entry
// is an empty queue.
func (q *Queue) Load(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	raw, err := q.store.Load(ctx, q.key)
	if err != nil {
		if errors.Is(err, presence.ErrStoreNotFound) {
			q.actions = nil
			return nil
		}
		return fmt.Errorf("load queue: %w", err)
	}

	var actions []presence.Action
	if err := json.Unmarshal(raw, &actions); err != nil {
		return fmt.Errorf("decode queue: %w", err)
	}
	q.actions = actions

	slog.Info("Offline queue loaded", "key", q.key, "entries", len(actions))
	return nil
}

// Enqueue appends action and returns its id. An id already in the queue is
// not appended again.
func (q *Queue) Enqueue(ctx context.Context, action presence.Action) (string, error) {
	if !action.Kind.Valid() {
		return "", presence.ErrInvalidKind
	}
	if action.ID == "" {
		return "", errors.New("action id is required")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.indexLocked(action.ID) >= 0 {
		return action.ID, nil
	}

	action.Synced = false
	action.SyncedAt = nil
	err := q.mutateLocked(ctx, func(actions []presence.Action) []presence.Action {
		return append(actions, action)
	})
	if err != nil {
		return "", err
	}
	return action.ID, nil
}

// PendingActions returns the unsynced actions in insertion order.
func (q *Queue) PendingActions() []presence.Action {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := make([]presence.Action, 0, len(q.actions))
	for _, a := range q.actions {
		if !a.Synced {
			pending = append(pending, a)
		}
	}
	return pending
}

// PendingFor returns the unsynced actions of one employee in insertion order.
func (q *Queue) PendingFor(employeeID string) []presence.Action {
	var out []presence.Action
	for _, a := range q.PendingActions() {
		if a.EmployeeID == employeeID {
			out = append(out, a)
		}
	}
	return out
}

func (q *Queue) Get(id string) (presence.Action, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexLocked(id)
	if i < 0 {
		return presence.Action{}, false
	}
	return q.actions[i], true
}

// MarkSynced flags the action as delivered. It leaves the pending view
// immediately and is purged once the retention window passes.
func (q *Queue) MarkSynced(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexLocked(id)
	if i < 0 {
		return presence.ErrActionNotFound
	}

	now := q.clock.Now().UTC()
	return q.mutateLocked(ctx, func(actions []presence.Action) []presence.Action {
		actions[i].Synced = true
		actions[i].SyncedAt = &now
		actions[i].NextAttemptAt = nil
		actions[i].LastError = ""
		return actions
	})
}

// MarkFailed counts a failed delivery attempt. When the count reaches the
// retry ceiling the action is removed and dropped is true. The returned
// action reflects the incremented count.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error) (presence.Action, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexLocked(id)
	if i < 0 {
		return presence.Action{}, false, presence.ErrActionNotFound
	}

	updated := q.actions[i]
	updated.RetryCount++
	if cause != nil {
		updated.LastError = cause.Error()
	}
	dropped := updated.RetryCount >= q.maxRetries

	err := q.mutateLocked(ctx, func(actions []presence.Action) []presence.Action {
		if dropped {
			return slices.Delete(actions, i, i+1)
		}
		actions[i] = updated
		return actions
	})
	if err != nil {
		return presence.Action{}, false, err
	}

	if dropped {
		slog.Warn("Action dropped after reaching retry ceiling",
			"action_id", id,
			"employee_id", updated.EmployeeID,
			"kind", updated.Kind,
			"retry_count", updated.RetryCount)
	}
	return updated, dropped, nil
}

// Defer holds the action back until the given time.
func (q *Queue) Defer(ctx context.Context, id string, until time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexLocked(id)
	if i < 0 {
		return presence.ErrActionNotFound
	}

	until = until.UTC()
	return q.mutateLocked(ctx, func(actions []presence.Action) []presence.Action {
		actions[i].NextAttemptAt = &until
		return actions
	})
}

// Remove deletes the action regardless of its state and returns it.
func (q *Queue) Remove(ctx context.Context, id string) (presence.Action, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexLocked(id)
	if i < 0 {
		return presence.Action{}, presence.ErrActionNotFound
	}

	removed := q.actions[i]
	err := q.mutateLocked(ctx, func(actions []presence.Action) []presence.Action {
		return slices.Delete(actions, i, i+1)
	})
	if err != nil {
		return presence.Action{}, err
	}
	return removed, nil
}

// Purge removes entries older than olderThan. With onlySynced it keeps every
// unsynced action regardless of age. Synced entries age from SyncedAt.
func (q *Queue) Purge(ctx context.Context, olderThan time.Duration, onlySynced bool) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.clock.Now().Add(-olderThan)
	expired := func(a presence.Action) bool {
		if onlySynced && !a.Synced {
			return false
		}
		ts := a.OccurredAt
		if a.SyncedAt != nil {
			ts = *a.SyncedAt
		}
		return ts.Before(cutoff)
	}

	if !slices.ContainsFunc(q.actions, expired) {
		return 0, nil
	}

	before := len(q.actions)
	var after int
	err := q.mutateLocked(ctx, func(actions []presence.Action) []presence.Action {
		actions = slices.DeleteFunc(actions, expired)
		after = len(actions)
		return actions
	})
	if err != nil {
		return 0, err
	}
	return before - after, nil
}

// Cleanup purges synced entries past the retention window.
func (q *Queue) Cleanup(ctx context.Context) (int, error) {
	n, err := q.Purge(ctx, q.retention, true)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("Purged synced actions", "count", n, "retention", q.retention)
	}
	return n, nil
}

// Stats derives the counters from the queue contents.
func (q *Queue) Stats() presence.SyncStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := presence.SyncStats{Total: len(q.actions)}
	for _, a := range q.actions {
		switch {
		case a.Synced:
			stats.Synced++
		case a.RetryCount > 0:
			stats.Pending++
			stats.Failed++
		default:
			stats.Pending++
		}
	}
	return stats
}

func (q *Queue) indexLocked(id string) int {
	return slices.IndexFunc(q.actions, func(a presence.Action) bool { return a.ID == id })
}

func (q *Queue) mutateLocked(ctx context.Context, fn func([]presence.Action) []presence.Action) error {
	next := fn(slices.Clone(q.actions))
	if len(next) == 0 {
		// An empty queue is stored as an absent key, which Load reads back as empty.
		if err := q.store.Delete(ctx, q.key); err != nil {
			return fmt.Errorf("persist queue: %w", err)
		}
		q.actions = nil
		return nil
	}

	raw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}
	if err := q.store.Save(ctx, q.key, raw); err != nil {
		return fmt.Errorf("persist queue: %w", err)
	}
	q.actions = next
	return nil
}
