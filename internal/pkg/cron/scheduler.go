package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cmlabs-hris/presence-sync/internal/pkg/clock"
)

// Job represents a scheduled job
type Job struct {
	Name     string
	Interval time.Duration
	Fn       func(ctx context.Context) error
}

// Scheduler runs jobs on fixed intervals measured on the injected clock.
// Each job runs once at Start and then every Interval after its previous
// run finished, so a slow job never overlaps itself.
type Scheduler struct {
	clock   clock.Clock
	jobs    []Job
	timers  map[string]clock.Timer
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
}

// NewScheduler creates a new cron scheduler
func NewScheduler(clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		clock:  clk,
		jobs:   make([]Job, 0),
		timers: make(map[string]clock.Timer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// AddJob adds a job to the scheduler
func (s *Scheduler) AddJob(name string, interval time.Duration, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs = append(s.jobs, Job{
		Name:     name,
		Interval: interval,
		Fn:       fn,
	})
	slog.Info("Cron job registered", "name", name, "interval", interval)
}

// Start begins running all scheduled jobs
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	for _, job := range s.jobs {
		s.wg.Add(1)
		go func(job Job) {
			defer s.wg.Done()
			s.runJob(job)
		}(job)
	}

	slog.Info("Cron scheduler started", "job_count", len(s.jobs))
}

// Stop cancels pending runs and waits for running ones to return
func (s *Scheduler) Stop() {
	slog.Info("Stopping cron scheduler...")
	s.mu.Lock()
	s.running = false
	for name, t := range s.timers {
		if t.Stop() {
			s.wg.Done()
		}
		delete(s.timers, name)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	slog.Info("Cron scheduler stopped")
}

// runJob executes the job and arms its next run
func (s *Scheduler) runJob(job Job) {
	s.executeJob(job)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		slog.Info("Cron job stopping", "name", job.Name)
		return
	}
	if job.Interval <= 0 {
		return
	}
	s.wg.Add(1)
	s.timers[job.Name] = s.clock.AfterFunc(job.Interval, func() {
		defer s.wg.Done()
		s.runJob(job)
	})
}

// executeJob executes a job and logs results
func (s *Scheduler) executeJob(job Job) {
	start := s.clock.Now()
	slog.Debug("Cron job starting", "name", job.Name)

	if err := job.Fn(s.ctx); err != nil {
		slog.Error("Cron job failed", "name", job.Name, "error", err, "duration", s.clock.Now().Sub(start))
	} else {
		slog.Debug("Cron job completed", "name", job.Name, "duration", s.clock.Now().Sub(start))
	}
}

// RunOnce runs all jobs once (useful for testing)
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.mu.Lock()
	jobs := append([]Job(nil), s.jobs...)
	s.mu.Unlock()

	for _, job := range jobs {
		if err := job.Fn(ctx); err != nil {
			slog.Error("Cron job failed", "name", job.Name, "error", err)
		}
	}
}
