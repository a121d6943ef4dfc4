// Package scheduler runs periodic maintenance and on-demand export tasks.
//
// A single dispatch loop keeps scheduled tasks in a priority queue ordered
// by next fire time and sleeps until the nearest deadline or a new demand.
// Every due task runs on its own goroutine, so a slow task never delays
// another. A task is never run twice concurrently: a demand or a timer
// firing while the task runs is coalesced into one rerun after it
// finishes.
//
//	s := scheduler.New(scheduler.Options{Logger: logger})
//	s.RegisterPeriodic("dump", dumpTask, time.Now().Add(time.Minute), 10*time.Minute, "dump if dirty")
//	s.RegisterOnDemand("hosts", buildHosts, "write /etc/hosts")
//	s.Start()
//	defer s.Shutdown()
//
//	s.Demand("hosts", scheduler.OptionForceBuild)
package scheduler

import (
	"context"
	"time"
)

// Policy is the run policy of a task.
type Policy int

const (
	// Periodic tasks fire at a first run time and then every interval.
	Periodic Policy = iota
	// OneShot tasks fire once at their run time.
	OneShot
	// OnDemand tasks only run when demanded.
	OnDemand
)

// String returns the string representation of the policy.
func (p Policy) String() string {
	switch p {
	case Periodic:
		return "periodic"
	case OneShot:
		return "one-shot"
	case OnDemand:
		return "on-demand"
	default:
		return "unknown"
	}
}

// OptionForceBuild asks a builder task to rebuild even if nothing it
// watches changed.
const OptionForceBuild = "forcebuild"

// Run describes one execution of a task.
type Run struct {
	// ID is a ULID unique to this run.
	ID   string
	Task string

	// Demanded is set when the run was started by Demand rather than by
	// the timer.
	Demanded bool
	Options  []string
	Started  time.Time
}

// Has reports whether the run was demanded with option opt.
func (r *Run) Has(opt string) bool {
	for _, o := range r.Options {
		if o == opt {
			return true
		}
	}
	return false
}

// Func is the unit of work of a task. ctx is cancelled at shutdown.
type Func func(ctx context.Context, run *Run) error

// Task is a registered unit of work.
type Task struct {
	Name        string
	Description string
	Policy      Policy
	Func        Func

	// FirstRun is the first fire time of periodic and one-shot tasks.
	FirstRun time.Time

	// Interval separates the runs of a periodic task.
	Interval time.Duration

	// Silent tasks log only failures.
	Silent bool
}

// Status is a snapshot of the state of a task.
type Status struct {
	Name        string
	Description string
	Policy      Policy
	Silent      bool

	// NextRun is zero for on-demand and finished one-shot tasks.
	NextRun time.Time

	Running      bool
	RerunPending bool
	Abandoned    bool

	Runs         uint64
	Failures     uint64
	LastRunID    string
	LastRun      time.Time
	LastDuration time.Duration
	LastError    string
}
