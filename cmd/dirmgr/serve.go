package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/KilimcininKorOglu/dirmgr/internal/acl"
	"github.com/KilimcininKorOglu/dirmgr/internal/config"
	"github.com/KilimcininKorOglu/dirmgr/internal/logging"
	"github.com/KilimcininKorOglu/dirmgr/internal/rest"
	"github.com/KilimcininKorOglu/dirmgr/internal/server"
)

const shutdownTimeout = 30 * time.Second

type serveFlags struct {
	adminAddress string
	pidFile      string
}

func newServeCommand(g *globalFlags) *cobra.Command {
	sf := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the directory manager server",
		Long: `
Loads the store from the data directory, starts the task scheduler and,
when an admin address is configured, the admin HTTP API. SIGHUP reloads
the ACL file; SIGINT and SIGTERM shut down after a final dump.
`,
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			sf.apply(cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			d, err := newDaemon(cfg, g.configFile, sf.pidFile, newLogger(cfg, false), func(c *config.Config) {
				g.applyOverrides(c)
				sf.apply(c)
			})
			if err != nil {
				return err
			}
			return d.run()
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&sf.adminAddress, "admin-address", "", "Admin API listen address (overrides config)")
	flags.StringVar(&sf.pidFile, "pid-file", "", "Write the process id to this file")
	return cmd
}

func (sf *serveFlags) apply(cfg *config.Config) {
	if sf.adminAddress != "" {
		cfg.Server.AdminAddress = sf.adminAddress
	}
}

// daemon is a running server together with its admin API, config watcher
// and PID file.
type daemon struct {
	cfg        *config.Config
	configFile string
	pidFile    string
	logger     logging.Logger
	sysLogger  logging.Logger

	srv           *server.Server
	restServer    *rest.Server
	configManager *config.ConfigManager
	configWatcher *config.ConfigWatcher
	aclWatcher    *acl.FileWatcher

	// overrides re-applies flags and environment to a reloaded config.
	overrides func(*config.Config)
}

func newDaemon(cfg *config.Config, configFile, pidFile string, logger logging.Logger, overrides func(*config.Config)) (*daemon, error) {
	srv, err := server.New(cfg, server.Options{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	d := &daemon{
		cfg:        cfg,
		configFile: configFile,
		pidFile:    pidFile,
		logger:     logger,
		sysLogger:  logger.WithSource("system"),
		srv:        srv,
		overrides:  overrides,
	}

	d.configManager = config.NewConfigManager(cfg, configFile)
	d.configManager.SetOnUpdate(srv.ApplyConfig)

	if cfg.Server.AdminAddress != "" {
		rest.Version = version
		d.restServer = rest.NewServer(rest.ConfigFrom(cfg.Server), srv, d.configManager, logger)
	}
	return d, nil
}

// start brings the server up. On failure everything already started is
// stopped again.
func (d *daemon) start() error {
	if err := d.srv.Start(); err != nil {
		d.srv.Close()
		return err
	}

	if d.restServer != nil {
		if err := d.restServer.Start(); err != nil {
			d.srv.Stop(context.Background())
			return fmt.Errorf("failed to start admin API: %w", err)
		}
	}

	if d.pidFile != "" {
		if err := d.writePIDFile(); err != nil {
			d.stop(context.Background())
			return err
		}
	}

	if d.configFile != "" {
		w, err := config.NewConfigWatcher(&config.WatcherConfig{
			FilePath: d.configFile,
			OnChange: d.handleConfigChange,
			Logger:   d.logger,
		})
		if err != nil {
			d.sysLogger.Warn("failed to create config watcher", "error", err)
		} else {
			d.configWatcher = w
			w.Start()
			d.sysLogger.Info("config file watcher started", "file", d.configFile)
		}
	}

	if d.srv.ACL().FilePath() != "" {
		w, err := acl.NewFileWatcher(&acl.WatcherConfig{
			Manager: d.srv.ACL(),
			Logger:  d.sysLogger,
		})
		if err != nil {
			d.sysLogger.Warn("failed to create ACL watcher", "error", err)
		} else {
			d.aclWatcher = w
			w.Start()
		}
	}
	return nil
}

// stop shuts everything down in reverse order of start.
func (d *daemon) stop(ctx context.Context) error {
	if d.aclWatcher != nil {
		d.aclWatcher.Stop()
	}
	if d.configWatcher != nil {
		d.configWatcher.Stop()
	}
	if d.restServer != nil {
		if err := d.restServer.Stop(ctx); err != nil {
			d.sysLogger.Warn("admin API shutdown failed", "error", err)
		}
	}
	err := d.srv.Stop(ctx)
	d.removePIDFile()
	return err
}

// run starts the daemon and blocks until SIGINT or SIGTERM.
func (d *daemon) run() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	if err := d.start(); err != nil {
		return err
	}

	for sig := range sigCh {
		switch sig {
		case syscall.SIGHUP:
			d.handleSIGHUP()
		case syscall.SIGINT, syscall.SIGTERM:
			d.sysLogger.Info("received signal, shutting down", "signal", sig.String())
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := d.stop(ctx); err != nil {
				return fmt.Errorf("shutdown error: %w", err)
			}
			return nil
		}
	}
	return nil
}

// handleConfigChange is the config watcher callback. It restores the
// command-line and environment overrides before handing the new config
// to the config manager.
func (d *daemon) handleConfigChange(_, newCfg *config.Config) {
	if d.overrides != nil {
		d.overrides(newCfg)
	}
	if err := d.configManager.Update(newCfg); err != nil {
		d.sysLogger.Error("config change rejected", "error", err)
	}
}

func (d *daemon) handleSIGHUP() {
	d.sysLogger.Info("received SIGHUP, reloading ACL configuration")

	m := d.srv.ACL()
	if m.FilePath() == "" {
		d.sysLogger.Warn("ACL loaded from embedded config, hot reload not supported")
		return
	}
	if err := m.Reload(); err != nil {
		d.sysLogger.Error("ACL reload failed", "error", err)
		return
	}

	stats := m.Stats()
	d.sysLogger.Info("ACL configuration reloaded successfully",
		"rules", stats.RuleCount,
		"defaultPolicy", stats.DefaultPolicy,
		"reloadCount", stats.ReloadCount,
	)
}

func (d *daemon) writePIDFile() error {
	pid := os.Getpid()
	if err := os.WriteFile(d.pidFile, []byte(strconv.Itoa(pid)), 0644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	d.sysLogger.Info("PID file written", "file", d.pidFile, "pid", pid)
	return nil
}

func (d *daemon) removePIDFile() {
	if d.pidFile == "" {
		return
	}
	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		d.sysLogger.Warn("failed to remove PID file", "error", err)
	}
}
