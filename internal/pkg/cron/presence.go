package cron

import (
	"context"
	"log/slog"
	"time"
)

// Cleaner purges delivered actions past their retention window.
type Cleaner interface {
	Cleanup(ctx context.Context) (int, error)
}

// NetworkChecker probes the backend and updates the online state.
type NetworkChecker interface {
	Check(ctx context.Context) error
}

type PresenceJobs struct {
	queue   Cleaner
	network NetworkChecker
}

func NewPresenceJobs(queue Cleaner, network NetworkChecker) *PresenceJobs {
	return &PresenceJobs{queue: queue, network: network}
}

func (j *PresenceJobs) RegisterJobs(scheduler *Scheduler, cleanupInterval, probeInterval time.Duration) {
	scheduler.AddJob("purge_synced_actions", cleanupInterval, j.PurgeSyncedActions)
	if j.network != nil {
		scheduler.AddJob("probe_network", probeInterval, j.ProbeNetwork)
	}
}

func (j *PresenceJobs) PurgeSyncedActions(ctx context.Context) error {
	n, err := j.queue.Cleanup(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("Cron: purged synced actions", "count", n)
	}
	return nil
}

// ProbeNetwork never fails the job; an unreachable backend is a state, not an error.
func (j *PresenceJobs) ProbeNetwork(ctx context.Context) error {
	if err := j.network.Check(ctx); err != nil {
		slog.Debug("Cron: network probe failed", "error", err)
	}
	return nil
}
