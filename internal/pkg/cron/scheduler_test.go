package cron

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cmlabs-hris/presence-sync/internal/pkg/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_RunsOnStartAndEveryInterval(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))
	s := NewScheduler(clk)

	var runs atomic.Int32
	s.AddJob("count", time.Hour, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})

	s.Start()
	require.Eventually(t, func() bool { return clk.Pending() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())

	clk.Advance(time.Hour)
	clk.Advance(time.Hour)
	assert.Equal(t, int32(3), runs.Load())

	s.Stop()
	assert.Equal(t, 0, clk.Pending())
	clk.Advance(time.Hour)
	assert.Equal(t, int32(3), runs.Load())
}

func TestScheduler_FailingJobKeepsSchedule(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))
	s := NewScheduler(clk)

	var runs atomic.Int32
	s.AddJob("flaky", time.Minute, func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("boom")
	})

	s.Start()
	defer s.Stop()
	require.Eventually(t, func() bool { return clk.Pending() == 1 }, time.Second, time.Millisecond)

	clk.Advance(time.Minute)
	assert.Equal(t, int32(2), runs.Load())
}

type fakeCleaner struct{ calls int }

func (c *fakeCleaner) Cleanup(ctx context.Context) (int, error) {
	c.calls++
	return 2, nil
}

type fakeChecker struct{ calls int }

func (c *fakeChecker) Check(ctx context.Context) error {
	c.calls++
	return errors.New("unreachable")
}

func TestPresenceJobs(t *testing.T) {
	cleaner := &fakeCleaner{}
	checker := &fakeChecker{}
	s := NewScheduler(clock.Fake(time.Now()))

	NewPresenceJobs(cleaner, checker).RegisterJobs(s, time.Hour, 15*time.Second)
	s.RunOnce(context.Background())

	assert.Equal(t, 1, cleaner.calls)
	assert.Equal(t, 1, checker.calls)
}
