package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/KilimcininKorOglu/dirmgr/internal/errs"
	"github.com/KilimcininKorOglu/dirmgr/internal/logging"
	"github.com/KilimcininKorOglu/dirmgr/internal/metrics"
)

// Scheduler errors.
var (
	ErrTaskExists     = errors.New("scheduler: task already registered")
	ErrTaskNotFound   = errors.New("scheduler: task not found")
	ErrInvalidTask    = errors.New("scheduler: invalid task")
	ErrAlreadyStarted = errors.New("scheduler: already started")
	ErrShutdown       = errors.New("scheduler: shut down")
)

// DefaultShutdownGrace is how long Shutdown waits for running tasks.
const DefaultShutdownGrace = 10 * time.Second

// Options configures a Scheduler.
type Options struct {
	Logger logging.Logger

	// ShutdownGrace defaults to DefaultShutdownGrace.
	ShutdownGrace time.Duration
}

// Scheduler dispatches tasks. It is safe for concurrent use.
type Scheduler struct {
	logger logging.Logger
	grace  time.Duration

	mu      sync.Mutex
	tasks   map[string]*entry
	queue   taskQueue
	demands []demand
	started bool
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
	wg     sync.WaitGroup
}

type demand struct {
	name string
	opts []string
}

// New creates a stopped scheduler.
func New(opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = DefaultShutdownGrace
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger: opts.Logger.WithSource("scheduler"),
		grace:  opts.ShutdownGrace,
		tasks:  make(map[string]*entry),
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Register adds a task.
func (s *Scheduler) Register(t Task) error {
	if t.Name == "" || t.Func == nil {
		return ErrInvalidTask
	}
	if t.Policy == Periodic && t.Interval <= 0 {
		return fmt.Errorf("%w: periodic task %s needs a positive interval", ErrInvalidTask, t.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrShutdown
	}
	if _, ok := s.tasks[t.Name]; ok {
		return fmt.Errorf("%w: %s", ErrTaskExists, t.Name)
	}

	e := &entry{task: t, index: -1}
	if t.Policy != OnDemand {
		e.nextRun = t.FirstRun
		if e.nextRun.IsZero() {
			e.nextRun = time.Now()
		}
		s.queue.push(e)
	}
	s.tasks[t.Name] = e
	s.signal()
	return nil
}

// RegisterPeriodic adds a task that first fires at firstRun and then
// every interval.
func (s *Scheduler) RegisterPeriodic(name string, fn Func, firstRun time.Time, interval time.Duration, description string) error {
	return s.Register(Task{Name: name, Func: fn, Policy: Periodic, FirstRun: firstRun, Interval: interval, Description: description})
}

// RegisterOneShot adds a task that fires once at at.
func (s *Scheduler) RegisterOneShot(name string, fn Func, at time.Time, description string) error {
	return s.Register(Task{Name: name, Func: fn, Policy: OneShot, FirstRun: at, Description: description})
}

// RegisterOnDemand adds a task that only runs when demanded.
func (s *Scheduler) RegisterOnDemand(name string, fn Func, description string) error {
	return s.Register(Task{Name: name, Func: fn, Policy: OnDemand, Description: description})
}

// Unregister removes a task. A running instance finishes normally but is
// not rerun.
func (s *Scheduler) Unregister(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tasks[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	s.queue.remove(e)
	e.rerun = false
	delete(s.tasks, name)
	return nil
}

// Demand runs a task as soon as possible with the given options. The
// next periodic run time of the task does not move. Demands that arrive
// while the task runs are coalesced into one rerun.
func (s *Scheduler) Demand(name string, opts ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrShutdown
	}
	if _, ok := s.tasks[name]; !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	s.demands = append(s.demands, demand{name: name, opts: opts})
	s.signal()
	return nil
}

// signal wakes the dispatch loop. Callers hold s.mu.
func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start launches the dispatch loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrShutdown
	}
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true
	go s.loop()
	s.logger.Info("scheduler started", "tasks", len(s.tasks))
	return nil
}

func (s *Scheduler) loop() {
	defer close(s.doneCh)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		wait := s.dispatch(time.Now())

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		var fire <-chan time.Time
		if wait >= 0 {
			timer.Reset(wait)
			fire = timer.C
		}

		select {
		case <-s.stopCh:
			return
		case <-s.wake:
		case <-fire:
		}
	}
}

// dispatch launches pending demands and due tasks and returns the time
// until the next deadline (-1 if none).
func (s *Scheduler) dispatch(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return -1
	}

	demands := s.demands
	s.demands = nil
	for _, d := range demands {
		if e, ok := s.tasks[d.name]; ok {
			s.launch(e, d.opts, true)
		}
	}

	for {
		e := s.queue.peek()
		if e == nil || e.nextRun.After(now) {
			break
		}
		s.queue.pop()
		if e.task.Policy == Periodic {
			next := e.nextRun.Add(e.task.Interval)
			for !next.After(now) {
				next = next.Add(e.task.Interval)
			}
			e.nextRun = next
			s.queue.push(e)
		} else {
			e.nextRun = time.Time{}
		}
		s.launch(e, nil, false)
	}

	if e := s.queue.peek(); e != nil {
		return e.nextRun.Sub(now)
	}
	return -1
}

// launch starts e on its own goroutine, or marks a rerun if it is already
// running. Callers hold s.mu.
func (s *Scheduler) launch(e *entry, opts []string, demanded bool) {
	if e.running {
		e.rerun = true
		e.rerunOpts = mergeOptions(e.rerunOpts, opts)
		return
	}

	run := &Run{
		ID:       ulid.Make().String(),
		Task:     e.task.Name,
		Demanded: demanded,
		Options:  append([]string(nil), opts...),
		Started:  time.Now(),
	}
	ctx, cancel := context.WithCancel(s.ctx)
	e.running = true
	e.cancel = cancel
	e.lastRunID = run.ID
	e.lastRun = run.Started

	s.wg.Add(1)
	go s.run(ctx, e, run)
}

func (s *Scheduler) run(ctx context.Context, e *entry, run *Run) {
	defer s.wg.Done()

	logger := s.logger.WithFields("task", run.Task, "run", run.ID)
	if !e.task.Silent {
		logger.Info("task started", "demanded", run.Demanded, "options", run.Options)
	}

	err := invoke(ctx, e.task.Func, run)
	elapsed := time.Since(run.Started)

	metrics.CounterTaskRuns.WithLabelValues(run.Task).Inc()
	if err != nil {
		metrics.CounterTaskFailures.WithLabelValues(run.Task).Inc()
		logger.Error("task failed", "duration", elapsed, "error", err)
	} else if !e.task.Silent {
		logger.Info("task finished", "duration", elapsed)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e.cancel()
	e.running = false
	e.runs++
	e.lastDuration = elapsed
	e.lastErr = err
	if err != nil {
		e.failures++
	}

	if e.rerun && !s.stopped && s.tasks[e.task.Name] == e {
		opts := e.rerunOpts
		e.rerun = false
		e.rerunOpts = nil
		s.demands = append(s.demands, demand{name: e.task.Name, opts: opts})
		s.signal()
	}
}

// invoke calls fn and turns a panic into a TaskFailure error.
func invoke(ctx context.Context, fn Func, run *Run) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.Newf(errs.TaskFailure, "task %s panicked: %v\n%s", run.Task, r, debug.Stack())
		}
	}()
	if err := fn(ctx, run); err != nil {
		if errs.CodeOf(err) == "" {
			return errs.Newf(errs.TaskFailure, "task %s: %v", run.Task, err)
		}
		return err
	}
	return nil
}

// Shutdown stops dispatching, cancels running tasks and waits up to the
// grace period for them. Tasks still running afterwards are abandoned,
// flagged in their status and returned by name.
func (s *Scheduler) Shutdown() []string {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	started := s.started
	s.demands = nil
	s.mu.Unlock()

	close(s.stopCh)
	if started {
		<-s.doneCh
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-time.After(s.grace):
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var abandoned []string
	for name, e := range s.tasks {
		if e.running {
			e.abandoned = true
			abandoned = append(abandoned, name)
		}
	}
	sort.Strings(abandoned)
	s.logger.Warn("scheduler stopped with tasks still running", "abandoned", abandoned)
	return abandoned
}

// Status returns the state of every task ordered by name.
func (s *Scheduler) Status() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Status, 0, len(s.tasks))
	for _, e := range s.tasks {
		out = append(out, e.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// TaskStatus returns the state of one task.
func (s *Scheduler) TaskStatus(name string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tasks[name]
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	return e.status(), nil
}

func (e *entry) status() Status {
	st := Status{
		Name:         e.task.Name,
		Description:  e.task.Description,
		Policy:       e.task.Policy,
		Silent:       e.task.Silent,
		NextRun:      e.nextRun,
		Running:      e.running,
		RerunPending: e.rerun,
		Abandoned:    e.abandoned,
		Runs:         e.runs,
		Failures:     e.failures,
		LastRunID:    e.lastRunID,
		LastRun:      e.lastRun,
		LastDuration: e.lastDuration,
	}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	return st
}
