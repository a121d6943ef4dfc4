package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/KilimcininKorOglu/dirmgr/internal/config"
	"github.com/KilimcininKorOglu/dirmgr/internal/logging"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configFile string
	dataDir    string
	logLevel   string
}

// NewRootCommand builds the dirmgr command tree.
func NewRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	g := &globalFlags{}
	rc := &cobra.Command{
		Use:   "dirmgr",
		Short: "Directory manager for users, groups, systems and automount maps.",
		Long: `dirmgr keeps a typed directory of users, groups, systems and automount
entries in memory, journals every commit, and rebuilds export files such
as passwd, group and hosts whenever the data they depend on changes.

The serve command runs the server with its scheduler and admin HTTP API.
The dump, verify and query commands work offline against a data directory.
`,
		SilenceUsage: true,
	}
	setGlobalFlags(rc.PersistentFlags(), g)

	rc.AddCommand(newServeCommand(g))
	rc.AddCommand(newDumpCommand(g, stdout))
	rc.AddCommand(newVerifyCommand(g, stdout))
	rc.AddCommand(newQueryCommand(g, stdin, stdout))
	rc.AddCommand(newReloadCommand(stdout))
	rc.AddCommand(newKeygenCommand(stdout))
	rc.AddCommand(newVersionCommand(stdout))

	rc.SetIn(stdin)
	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}

func setGlobalFlags(flags *pflag.FlagSet, g *globalFlags) {
	flags.StringVarP(&g.configFile, "config", "c", "", "Configuration file to read from.")
	flags.StringVar(&g.dataDir, "data-dir", "", "Data directory (overrides config)")
	flags.StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
}

// loadConfig reads the configuration file, if any, and applies the
// command-line and environment overrides in that order of priority.
func (g *globalFlags) loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if g.configFile != "" {
		var err error
		cfg, err = config.LoadConfig(g.configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	g.applyOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyOverrides applies the command-line flags and then the environment.
func (g *globalFlags) applyOverrides(cfg *config.Config) {
	if g.dataDir != "" {
		cfg.Storage.DataDir = g.dataDir
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	applyEnvOverrides(cfg)
}

// newLogger creates the logger described by cfg. Offline commands pass
// toStderr so that stdout carries only their results.
func newLogger(cfg *config.Config, toStderr bool) logging.Logger {
	lc := logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	}
	if toStderr {
		lc.Output = "stderr"
		lc.Format = "text"
		if lc.Level == "info" || lc.Level == "debug" {
			lc.Level = "warn"
		}
	}
	return logging.New(lc)
}

// applyEnvOverrides applies DIRMGR_* environment variables, which take
// precedence over both the file and the flags.
func applyEnvOverrides(cfg *config.Config) {
	if v := os.Getenv("DIRMGR_ADMIN_ADDRESS"); v != "" {
		cfg.Server.AdminAddress = v
	}
	if v := os.Getenv("DIRMGR_JWT_SECRET"); v != "" {
		cfg.Server.JWTSecret = v
	}

	if v := os.Getenv("DIRMGR_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("DIRMGR_KEY_FILE"); v != "" {
		cfg.Storage.KeyFile = v
	}
	if v := os.Getenv("DIRMGR_SCHEMA_FILE"); v != "" {
		cfg.Schema.File = v
	}
	if v := os.Getenv("DIRMGR_ACL_FILE"); v != "" {
		cfg.ACL.File = v
	}

	if v := os.Getenv("DIRMGR_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("DIRMGR_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("DIRMGR_LOG_OUTPUT"); v != "" {
		cfg.Logging.Output = v
	}
}
