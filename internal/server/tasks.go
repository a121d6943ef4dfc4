package server

import (
	"context"
	"runtime"
	"runtime/debug"

	"github.com/KilimcininKorOglu/dirmgr/internal/object"
	"github.com/KilimcininKorOglu/dirmgr/internal/scheduler"
)

// Maintenance task names.
const (
	TaskDump    = "dump"
	TaskRebuild = "rebuild"
	TaskSweep   = "session-sweep"
	TaskGC      = "gc"
)

// Options understood by the dump task.
const (
	// OptionForce dumps even when nothing changed since the last dump.
	OptionForce = "force"
	// OptionArchive also writes a compressed copy to the archive directory.
	OptionArchive = "archive"
)

func (s *Server) registerTasks() error {
	cfg := s.cfg
	first := s.now()

	dump := scheduler.Task{
		Name:        TaskDump,
		Description: "sync the journal and dump the store if it changed",
		Func:        s.dumpTask,
		Silent:      true,
	}
	if cfg.Storage.DumpInterval > 0 {
		dump.Policy = scheduler.Periodic
		dump.FirstRun = first.Add(cfg.Storage.DumpInterval)
		dump.Interval = cfg.Storage.DumpInterval
	} else {
		dump.Policy = scheduler.OnDemand
	}

	rebuild := scheduler.Task{
		Name:        TaskRebuild,
		Description: "force a rebuild of every builder",
		Func:        s.rebuildTask,
	}
	if cfg.Scheduler.RebuildInterval > 0 {
		rebuild.Policy = scheduler.Periodic
		rebuild.FirstRun = first
		rebuild.Interval = cfg.Scheduler.RebuildInterval
	} else {
		rebuild.Policy = scheduler.OnDemand
	}

	tasks := []scheduler.Task{dump, rebuild}
	if cfg.Sessions.SweepInterval > 0 {
		tasks = append(tasks, scheduler.Task{
			Name:        TaskSweep,
			Description: "end idle sessions",
			Policy:      scheduler.Periodic,
			Func:        s.sessions.SweepTask,
			FirstRun:    first.Add(cfg.Sessions.SweepInterval),
			Interval:    cfg.Sessions.SweepInterval,
			Silent:      true,
		})
	}
	tasks = append(tasks, scheduler.Task{
		Name:        TaskGC,
		Description: "run a garbage collection",
		Policy:      scheduler.OnDemand,
		Func:        s.gcTask,
	})

	for _, t := range tasks {
		if err := s.scheduler.Register(t); err != nil {
			return err
		}
	}
	return s.builders.Register(s.scheduler)
}

// dumpTask syncs the journal and writes a dump when the store is dirty.
func (s *Server) dumpTask(ctx context.Context, run *scheduler.Run) error {
	if err := s.storage.Sync(); err != nil {
		return err
	}
	if s.storage.IsClean() && !run.Has(OptionForce) {
		return nil
	}
	_, err := s.Dump(run.Has(OptionArchive))
	return err
}

// rebuildTask demands every builder with the forcebuild option. Each
// builder then runs on its own worker.
func (s *Server) rebuildTask(ctx context.Context, run *scheduler.Run) error {
	for _, name := range s.builders.Names() {
		if err := s.scheduler.Demand(name, scheduler.OptionForceBuild); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) gcTask(ctx context.Context, run *scheduler.Run) error {
	runtime.GC()
	debug.FreeOSMemory()
	return nil
}

// committed demands the builders watching any type d touched.
func (s *Server) committed(d *object.Delta) {
	for _, name := range s.builders.Affected(d) {
		if err := s.scheduler.Demand(name); err != nil {
			s.logger.WithSource("system").Warn("builder demand failed", "builder", name, "error", err)
		}
	}
}
