package config

import "time"

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			AdminAddress: "127.0.0.1:8089",
			TokenTTL:     12 * time.Hour,
			Metrics:      true,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			RateLimit:    100,
		},
		Storage: StorageConfig{
			DataDir:           "/var/lib/dirmgr",
			DumpFile:          "dirmgr.dump",
			JournalFile:       "dirmgr.journal",
			ArchiveDir:        "",
			SyncOnCommit:      true,
			CompressThreshold: 4096,
			CompressDump:      true,
			DumpInterval:      10 * time.Minute,
			Backup:            true,
		},
		Scheduler: SchedulerConfig{
			ShutdownGrace:   10 * time.Second,
			RebuildInterval: time.Hour,
		},
		Sessions: SessionConfig{
			IdleTimeout:   30 * time.Minute,
			SweepInterval: time.Minute,
			AdminGroup:    "wheel",
		},
		Logging: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		ACL: ACLConfig{
			DefaultPolicy: "deny",
		},
		Password: PasswordConfig{
			Enabled:          true,
			MinLength:        8,
			RequireUppercase: true,
			RequireLowercase: true,
			RequireDigit:     true,
			MaxFailures:      5,
			LockoutDuration:  15 * time.Minute,
		},
	}
}
