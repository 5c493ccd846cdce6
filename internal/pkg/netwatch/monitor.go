// Package netwatch derives the device's online state from backend liveness
// probes and tells interested components when it changes.
package netwatch

import (
	"context"
	"log/slog"
	"sync"
)

// Prober checks whether the backend is reachable.
type Prober interface {
	HealthCheck(ctx context.Context) error
}

// Listener is called on every online/offline transition.
type Listener func(online bool)

// Monitor flips to offline after Threshold consecutive failed probes and back
// to online after the first successful one.
type Monitor struct {
	prober    Prober
	threshold int

	mu        sync.Mutex
	online    bool
	failures  int
	listeners []Listener
}

// New creates a monitor that starts in the given state. threshold <= 0 means 2.
func New(prober Prober, threshold int, initiallyOnline bool) *Monitor {
	if threshold <= 0 {
		threshold = 2
	}
	return &Monitor{prober: prober, threshold: threshold, online: initiallyOnline}
}

// OnChange registers l. Listeners run in registration order outside the lock.
func (m *Monitor) OnChange(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Check runs one probe and returns its error.
func (m *Monitor) Check(ctx context.Context) error {
	err := m.prober.HealthCheck(ctx)
	if ctx.Err() != nil {
		return err
	}

	m.mu.Lock()
	if err == nil {
		m.failures = 0
	} else {
		m.failures++
	}
	next := m.online
	switch {
	case err == nil:
		next = true
	case m.failures >= m.threshold:
		next = false
	}
	m.mu.Unlock()

	m.Set(next)
	return err
}

// Set forces the state, for example from a platform connectivity callback.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	if online {
		m.failures = 0
	}
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	slog.Info("Network state changed", "online", online)
	for _, l := range listeners {
		l(online)
	}
}
