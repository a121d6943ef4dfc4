package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KilimcininKorOglu/dirmgr/internal/errs"
)

func startScheduler(t *testing.T, opts Options) *Scheduler {
	t.Helper()
	s := New(opts)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Shutdown() })
	return s
}

func waitRun(t *testing.T, ch <-chan *Run) *Run {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a task run")
		return nil
	}
}

// TestDemandDoesNotMovePeriodicRun tests that demanding a periodic task
// with forcebuild runs it at once and leaves its next run time alone.
func TestDemandDoesNotMovePeriodicRun(t *testing.T) {
	s := startScheduler(t, Options{})
	runs := make(chan *Run, 4)
	first := time.Now().Add(40 * time.Second)

	require.NoError(t, s.RegisterPeriodic("hosts", func(ctx context.Context, r *Run) error {
		runs <- r
		return nil
	}, first, time.Hour, "write hosts file"))

	require.NoError(t, s.Demand("hosts", OptionForceBuild))
	r := waitRun(t, runs)
	assert.True(t, r.Demanded)
	assert.True(t, r.Has(OptionForceBuild))
	assert.NotEmpty(t, r.ID)

	require.Eventually(t, func() bool {
		st, err := s.TaskStatus("hosts")
		return err == nil && st.Runs == 1 && !st.Running
	}, 5*time.Second, 5*time.Millisecond)

	st, err := s.TaskStatus("hosts")
	require.NoError(t, err)
	assert.True(t, st.NextRun.Equal(first), "next run moved from %v to %v", first, st.NextRun)
	assert.Equal(t, r.ID, st.LastRunID)
	assert.Equal(t, Periodic, st.Policy)
}

// TestPeriodicTask tests repeated timer runs.
func TestPeriodicTask(t *testing.T) {
	s := startScheduler(t, Options{})
	var count atomic.Int32

	require.NoError(t, s.RegisterPeriodic("tick", func(ctx context.Context, r *Run) error {
		count.Add(1)
		return nil
	}, time.Now(), 20*time.Millisecond, "tick"))

	assert.Eventually(t, func() bool { return count.Load() >= 3 }, 5*time.Second, 5*time.Millisecond)
}

// TestOneShotTask tests a task that fires exactly once.
func TestOneShotTask(t *testing.T) {
	s := startScheduler(t, Options{})
	var count atomic.Int32

	require.NoError(t, s.RegisterOneShot("once", func(ctx context.Context, r *Run) error {
		count.Add(1)
		return nil
	}, time.Now().Add(10*time.Millisecond), "once"))

	require.Eventually(t, func() bool {
		st, _ := s.TaskStatus("once")
		return st.Runs == 1
	}, 5*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), count.Load())
	st, err := s.TaskStatus("once")
	require.NoError(t, err)
	assert.True(t, st.NextRun.IsZero())
}

// TestDemandsCoalesce tests that demands made while a task runs collapse
// into one rerun carrying all their options.
func TestDemandsCoalesce(t *testing.T) {
	s := startScheduler(t, Options{})
	runs := make(chan *Run, 8)
	release := make(chan struct{})
	var calls atomic.Int32

	require.NoError(t, s.RegisterOnDemand("build", func(ctx context.Context, r *Run) error {
		if calls.Add(1) == 1 {
			<-release
		}
		runs <- r
		return nil
	}, "builder"))

	require.NoError(t, s.Demand("build"))
	require.Eventually(t, func() bool {
		st, _ := s.TaskStatus("build")
		return st.Running
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, s.Demand("build", "a"))
	require.NoError(t, s.Demand("build", "b"))
	require.NoError(t, s.Demand("build", "a"))
	require.Eventually(t, func() bool {
		st, _ := s.TaskStatus("build")
		return st.RerunPending
	}, 5*time.Second, time.Millisecond)
	close(release)

	first := waitRun(t, runs)
	assert.Empty(t, first.Options)
	second := waitRun(t, runs)
	assert.Equal(t, []string{"a", "b"}, second.Options)
	assert.NotEqual(t, first.ID, second.ID)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

// TestTaskFailures tests that errors and panics are caught per task.
func TestTaskFailures(t *testing.T) {
	s := startScheduler(t, Options{})
	done := make(chan *Run, 1)

	require.NoError(t, s.RegisterOnDemand("panics", func(ctx context.Context, r *Run) error {
		panic("boom")
	}, ""))
	require.NoError(t, s.RegisterOnDemand("fails", func(ctx context.Context, r *Run) error {
		return errors.New("disk full")
	}, ""))
	require.NoError(t, s.RegisterOnDemand("works", func(ctx context.Context, r *Run) error {
		done <- r
		return nil
	}, ""))

	require.NoError(t, s.Demand("panics"))
	require.NoError(t, s.Demand("fails"))
	require.Eventually(t, func() bool {
		a, _ := s.TaskStatus("panics")
		b, _ := s.TaskStatus("fails")
		return a.Failures == 1 && b.Failures == 1
	}, 5*time.Second, 5*time.Millisecond)

	st, err := s.TaskStatus("panics")
	require.NoError(t, err)
	assert.Contains(t, st.LastError, "panicked")
	assert.Contains(t, st.LastError, string(errs.TaskFailure))

	st, err = s.TaskStatus("fails")
	require.NoError(t, err)
	assert.Contains(t, st.LastError, "disk full")

	require.NoError(t, s.Demand("works"))
	waitRun(t, done)
}

// TestRegistration tests registration errors and unregistering.
func TestRegistration(t *testing.T) {
	s := New(Options{})
	noop := func(ctx context.Context, r *Run) error { return nil }

	require.NoError(t, s.RegisterOnDemand("a", noop, "first"))
	assert.ErrorIs(t, s.RegisterOnDemand("a", noop, "again"), ErrTaskExists)
	assert.ErrorIs(t, s.Register(Task{Name: "b"}), ErrInvalidTask)
	assert.ErrorIs(t, s.RegisterPeriodic("c", noop, time.Now(), 0, ""), ErrInvalidTask)
	assert.ErrorIs(t, s.Demand("missing"), ErrTaskNotFound)

	require.NoError(t, s.RegisterPeriodic("p", noop, time.Now().Add(time.Hour), time.Hour, "periodic"))
	status := s.Status()
	require.Len(t, status, 2)
	assert.Equal(t, "a", status[0].Name)
	assert.Equal(t, "p", status[1].Name)

	require.NoError(t, s.Unregister("p"))
	assert.ErrorIs(t, s.Unregister("p"), ErrTaskNotFound)
	assert.Len(t, s.Status(), 1)
	assert.Empty(t, s.queue)

	require.NoError(t, s.Start())
	assert.ErrorIs(t, s.Start(), ErrAlreadyStarted)
	assert.Empty(t, s.Shutdown())
	assert.ErrorIs(t, s.Demand("a"), ErrShutdown)
	assert.ErrorIs(t, s.RegisterOnDemand("d", noop, ""), ErrShutdown)
}

// TestShutdownAbandonsStragglers tests the bounded wait at shutdown.
func TestShutdownAbandonsStragglers(t *testing.T) {
	s := New(Options{ShutdownGrace: 50 * time.Millisecond})
	require.NoError(t, s.Start())

	stuck := make(chan struct{})
	defer close(stuck)
	var wg sync.WaitGroup
	wg.Add(2)

	require.NoError(t, s.RegisterOnDemand("stuck", func(ctx context.Context, r *Run) error {
		wg.Done()
		<-stuck
		return nil
	}, ""))
	require.NoError(t, s.RegisterOnDemand("polite", func(ctx context.Context, r *Run) error {
		wg.Done()
		<-ctx.Done()
		return ctx.Err()
	}, ""))

	require.NoError(t, s.Demand("stuck"))
	require.NoError(t, s.Demand("polite"))
	wg.Wait()

	abandoned := s.Shutdown()
	assert.Equal(t, []string{"stuck"}, abandoned)

	st, err := s.TaskStatus("stuck")
	require.NoError(t, err)
	assert.True(t, st.Abandoned)
	st, err = s.TaskStatus("polite")
	require.NoError(t, err)
	assert.False(t, st.Abandoned)
	assert.Equal(t, uint64(1), st.Runs)

	assert.Nil(t, s.Shutdown())
}
