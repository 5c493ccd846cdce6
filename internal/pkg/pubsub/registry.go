package pubsub

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cmlabs-hris/presence-sync/internal/domain/presence"
	"github.com/google/uuid"
)

// Handler receives published events.
type Handler func(event presence.Event)

// Predicate filters the events a subscriber receives. A nil predicate accepts all.
type Predicate func(event presence.Event) bool

type subscription struct {
	id        string
	seq       uint64
	handler   Handler
	predicate Predicate
	active    atomic.Bool
}

// Registry is the in-process pub/sub that fans out realtime, sync and
// connection events. Events are delivered through a single dispatch queue, so
// every subscriber observes them in publish order, and a handler that
// publishes does not recurse: its event is queued behind the current one.
type Registry struct {
	mu          sync.Mutex
	subs        map[string]*subscription
	seq         uint64
	queue       []presence.Event
	dispatching bool
}

// NewRegistry creates an empty Registry
func NewRegistry() *Registry {
	return &Registry{
		subs: make(map[string]*subscription),
	}
}

// Subscribe registers handler and returns the subscription id
func (r *Registry) Subscribe(handler Handler, predicate Predicate) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	sub := &subscription{
		id:        uuid.NewString(),
		seq:       r.seq,
		handler:   handler,
		predicate: predicate,
	}
	sub.active.Store(true)
	r.subs[sub.id] = sub
	return sub.id
}

// Unsubscribe removes a subscription. It reports whether the id was registered.
func (r *Registry) Unsubscribe(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return false
	}
	sub.active.Store(false)
	delete(r.subs, id)
	return true
}

// Len returns the number of active subscriptions
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Publish delivers event to every subscriber whose predicate accepts it. If
// another Publish is already dispatching, the event is queued and delivered
// by that call in order.
func (r *Registry) Publish(event presence.Event) {
	if event == nil {
		return
	}

	r.mu.Lock()
	r.queue = append(r.queue, event)
	if r.dispatching {
		r.mu.Unlock()
		return
	}
	r.dispatching = true

	for len(r.queue) > 0 {
		next := r.queue[0]
		r.queue[0] = nil
		r.queue = r.queue[1:]
		subs := r.snapshotLocked()
		r.mu.Unlock()

		for _, sub := range subs {
			r.deliver(sub, next)
		}

		r.mu.Lock()
	}

	r.queue = nil
	r.dispatching = false
	r.mu.Unlock()
}

func (r *Registry) snapshotLocked() []*subscription {
	subs := make([]*subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].seq < subs[j].seq })
	return subs
}

func (r *Registry) deliver(sub *subscription, event presence.Event) {
	if !sub.active.Load() {
		return
	}

	defer func() {
		if p := recover(); p != nil {
			slog.Error("Subscriber handler panicked",
				"subscription_id", sub.id,
				"event", event.Kind(),
				"panic", p)
		}
	}()

	if sub.predicate != nil && !sub.predicate(event) {
		return
	}
	sub.handler(event)
}

// ForEmployees accepts events about any of the given employees and device-wide events.
func ForEmployees(employeeIDs ...string) Predicate {
	set := make(map[string]struct{}, len(employeeIDs))
	for _, id := range employeeIDs {
		set[id] = struct{}{}
	}
	return func(event presence.Event) bool {
		employee := event.Employee()
		if employee == "" {
			return true
		}
		_, ok := set[employee]
		return ok
	}
}

// OfKind accepts events whose Kind is one of kinds.
func OfKind(kinds ...string) Predicate {
	return func(event presence.Event) bool {
		for _, k := range kinds {
			if event.Kind() == k {
				return true
			}
		}
		return false
	}
}
