// Package server assembles the directory manager: schema, object store,
// namespace manager, durability layer, transaction manager, scheduler,
// query engine, export builders and sessions.
//
// New builds every component from a config.Config and loads the committed
// state from the last dump and the journal. Start launches the scheduler
// with the maintenance tasks; Stop shuts it down, writes a final dump if
// anything changed and closes the journal. A Server that is never started
// serves the offline commands (dump, verify, query).
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KilimcininKorOglu/dirmgr/internal/acl"
	"github.com/KilimcininKorOglu/dirmgr/internal/builder"
	"github.com/KilimcininKorOglu/dirmgr/internal/config"
	"github.com/KilimcininKorOglu/dirmgr/internal/crypto"
	"github.com/KilimcininKorOglu/dirmgr/internal/logging"
	"github.com/KilimcininKorOglu/dirmgr/internal/namespace"
	"github.com/KilimcininKorOglu/dirmgr/internal/object"
	"github.com/KilimcininKorOglu/dirmgr/internal/password"
	"github.com/KilimcininKorOglu/dirmgr/internal/query"
	"github.com/KilimcininKorOglu/dirmgr/internal/scheduler"
	"github.com/KilimcininKorOglu/dirmgr/internal/schema"
	"github.com/KilimcininKorOglu/dirmgr/internal/session"
	"github.com/KilimcininKorOglu/dirmgr/internal/storage"
	"github.com/KilimcininKorOglu/dirmgr/internal/store"
	"github.com/KilimcininKorOglu/dirmgr/internal/tx"
	"github.com/KilimcininKorOglu/dirmgr/internal/wizard"
)

// Server errors.
var (
	ErrServerAlreadyRunning = errors.New("server is already running")
	ErrServerNotRunning     = errors.New("server is not running")
	ErrNilConfig            = errors.New("server: config is nil")
)

// Options configures a Server.
type Options struct {
	Logger logging.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// Server owns every subsystem of one directory.
type Server struct {
	logger logging.Logger
	now    func() time.Time

	mu      sync.RWMutex
	cfg     *config.Config
	running bool
	started time.Time

	schema     *schema.Schema
	store      *store.Store
	namespaces *namespace.Manager
	storage    *storage.Layer
	acl        *acl.Manager
	lockout    *password.Lockout
	tx         *tx.Manager
	scheduler  *scheduler.Scheduler
	query      *query.Engine
	builders   *builder.Set
	sessions   *session.Registry
	wizards    *wizard.Registry

	loadInfo storage.LoadInfo
}

// New builds a server from cfg and loads the committed state.
func New(cfg *config.Config, opts Options) (*Server, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Server{
		logger: opts.Logger,
		now:    opts.Now,
		cfg:    cfg,
	}
	sysLogger := s.logger.WithSource("system")

	sch, err := loadSchema(cfg.Schema)
	if err != nil {
		return nil, err
	}
	s.schema = sch
	s.store = store.New(sch)
	s.namespaces = namespace.New(sch)

	var key *crypto.Key
	if cfg.Storage.KeyFile != "" {
		key, err = crypto.LoadKey(cfg.Storage.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load storage key: %w", err)
		}
	}

	s.storage, err = storage.Open(s.store, storage.Options{
		DataDir:           cfg.Storage.DataDir,
		DumpFile:          cfg.Storage.DumpFile,
		JournalFile:       cfg.Storage.JournalFile,
		ArchiveDir:        cfg.Storage.ArchiveDir,
		SyncOnAppend:      cfg.Storage.SyncOnCommit,
		CompressThreshold: cfg.Storage.CompressThreshold,
		CompressDump:      cfg.Storage.CompressDump,
		Key:               key,
		Logger:            s.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	if err := s.load(); err != nil {
		s.storage.Close()
		return nil, err
	}

	aclConfig, err := convertACLConfig(&cfg.ACL)
	if err != nil {
		s.storage.Close()
		return nil, err
	}
	s.acl, err = acl.NewManager(&acl.ManagerConfig{
		FilePath:       cfg.ACL.File,
		EmbeddedConfig: aclConfig,
		Schema:         sch,
		Logger:         s.logger,
	})
	if err != nil {
		s.storage.Close()
		return nil, err
	}

	policy := convertPasswordPolicy(&cfg.Password)
	s.lockout = password.NewLockout(policy)

	s.scheduler = scheduler.New(scheduler.Options{
		Logger:        s.logger,
		ShutdownGrace: cfg.Scheduler.ShutdownGrace,
	})

	s.tx, err = tx.NewManager(tx.Options{
		Store:      s.store,
		Namespaces: s.namespaces,
		Durability: s.storage,
		Notifier:   tx.NotifierFunc(s.committed),
		Access:     s.acl,
		Passwords:  password.NewHasher(policy),
		Logger:     s.logger,
		Now:        s.now,
	})
	if err != nil {
		s.storage.Close()
		return nil, err
	}

	s.query = query.NewEngine(s.store, query.Options{Logger: s.logger})

	s.builders = builder.NewSet()
	for _, bc := range cfg.Builders {
		spec, err := builderSpec(bc)
		if err != nil {
			s.storage.Close()
			return nil, err
		}
		b, err := builder.New(s.store, spec, builder.Options{Logger: s.logger, Now: s.now})
		if err != nil {
			s.storage.Close()
			return nil, fmt.Errorf("builder %s: %w", bc.Name, err)
		}
		if err := s.builders.Add(b); err != nil {
			s.storage.Close()
			return nil, err
		}
	}

	s.sessions = session.New(session.Options{
		Manager:     s.tx,
		Lockout:     s.lockout,
		IdleTimeout: cfg.Sessions.IdleTimeout,
		AdminGroup:  cfg.Sessions.AdminGroup,
		Logger:      s.logger,
		Now:         s.now,
	})
	s.wizards = wizard.NewRegistry(wizard.DeleteConfirm)

	if err := s.registerTasks(); err != nil {
		s.storage.Close()
		return nil, err
	}

	sysLogger.Info("server initialized",
		"types", len(sch.Types()),
		"builders", len(s.builders.Names()),
		"seq", s.store.Seq(),
	)
	return s, nil
}

func loadSchema(cfg config.SchemaConfig) (*schema.Schema, error) {
	if cfg.File == "" {
		return schema.Default(), nil
	}
	sch, err := schema.Load(cfg.File)
	if err != nil {
		return nil, fmt.Errorf("failed to load schema: %w", err)
	}
	return sch, nil
}

// load restores the store from the dump and journal and rebuilds the
// namespace tables from the result.
func (s *Server) load() error {
	info, err := s.storage.Load("")
	if err != nil {
		return fmt.Errorf("failed to load store: %w", err)
	}
	s.loadInfo = info

	dups := s.namespaces.Rebuild(s.store.Objects())
	for _, d := range dups {
		s.logger.WithSource("system").Warn("namespace value bound more than once",
			"namespace", d.Namespace,
			"value", d.Value,
			"holders", len(d.Holders),
		)
	}
	return nil
}

// Start starts the scheduler.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrServerAlreadyRunning
	}
	if err := s.scheduler.Start(); err != nil {
		return err
	}
	s.running = true
	s.started = s.now()
	s.logger.WithSource("system").Info("server started", "tasks", len(s.scheduler.Status()))
	return nil
}

// Stop shuts the scheduler down, ends every session, writes a final dump
// if the store changed since the last one and closes the journal. Tasks
// still running when ctx or the shutdown grace expires are abandoned.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrServerNotRunning
	}
	s.running = false
	s.mu.Unlock()

	sysLogger := s.logger.WithSource("system")

	done := make(chan []string, 1)
	go func() { done <- s.scheduler.Shutdown() }()
	select {
	case abandoned := <-done:
		if len(abandoned) > 0 {
			sysLogger.Warn("tasks abandoned at shutdown", "tasks", abandoned)
		}
	case <-ctx.Done():
		sysLogger.Warn("scheduler shutdown timed out")
	}

	for _, info := range s.sessions.List() {
		s.sessions.Logout(info.ID)
	}

	return s.Close()
}

// Close writes a final dump if the store is dirty and closes the journal.
// Offline users call it instead of Stop.
func (s *Server) Close() error {
	var errs []error
	if !s.storage.IsClean() {
		if _, err := s.Dump(false); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.storage.Close(); err != nil {
		errs = append(errs, err)
	}
	s.logger.WithSource("system").Info("server stopped")
	return errors.Join(errs...)
}

// Dump writes the primary dump now, keeping a backup of the previous one
// when configured.
func (s *Server) Dump(archive bool) (storage.DumpInfo, error) {
	cfg := s.Config()
	return s.storage.Dump("", archive || cfg.Storage.Archive, cfg.Storage.Backup)
}

// Running reports whether Start has been called.
func (s *Server) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Uptime returns the time since Start, or 0.
func (s *Server) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return 0
	}
	return s.now().Sub(s.started)
}

// Config returns the active configuration.
func (s *Server) Config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Accessors for the subsystems.

func (s *Server) Logger() logging.Logger { return s.logger }
func (s *Server) Schema() *schema.Schema { return s.schema }
func (s *Server) Store() *store.Store { return s.store }
func (s *Server) Namespaces() *namespace.Manager { return s.namespaces }
func (s *Server) Storage() *storage.Layer { return s.storage }
func (s *Server) ACL() *acl.Manager { return s.acl }
func (s *Server) Transactions() *tx.Manager { return s.tx }
func (s *Server) Scheduler() *scheduler.Scheduler { return s.scheduler }
func (s *Server) Query() *query.Engine { return s.query }
func (s *Server) Builders() *builder.Set { return s.builders }
func (s *Server) Sessions() *session.Registry { return s.sessions }
func (s *Server) Wizards() *wizard.Registry { return s.wizards }
func (s *Server) LoadInfo() storage.LoadInfo { return s.loadInfo }
func (s *Server) Lockout() *password.Lockout { return s.lockout }
func (s *Server) Get(h object.Handle) (*object.Object, error) { return s.store.Get(h) }
