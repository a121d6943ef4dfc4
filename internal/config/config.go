// Package config provides configuration parsing and management for the
// directory manager server.
package config

import "time"

// Config holds the complete server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Schema    SchemaConfig    `yaml:"schema"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Sessions  SessionConfig   `yaml:"sessions"`
	Logging   LogConfig       `yaml:"logging"`
	ACL       ACLConfig       `yaml:"acl"`
	Password  PasswordConfig  `yaml:"password"`
	Builders  []BuilderConfig `yaml:"builders,omitempty"`
}

// ServerConfig holds the admin API settings.
type ServerConfig struct {
	// AdminAddress is the listen address of the admin HTTP API. Empty
	// disables the API.
	AdminAddress string        `yaml:"adminAddress"`
	JWTSecret    string        `yaml:"jwtSecret"`
	TokenTTL     time.Duration `yaml:"tokenTTL"`
	Metrics      bool          `yaml:"metrics"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`

	// RateLimit is the per-client request rate of the admin API
	// (0 = unlimited).
	RateLimit int `yaml:"rateLimit"`
}

// StorageConfig holds the durability layer settings.
type StorageConfig struct {
	DataDir     string `yaml:"dataDir"`
	DumpFile    string `yaml:"dumpFile"`
	JournalFile string `yaml:"journalFile"`
	ArchiveDir  string `yaml:"archiveDir"`

	SyncOnCommit bool `yaml:"syncOnCommit"`

	// CompressThreshold is the journal payload size in bytes above which
	// payloads are lz4 compressed. 0 disables compression.
	CompressThreshold int  `yaml:"compressThreshold"`
	CompressDump      bool `yaml:"compressDump"`

	DumpInterval time.Duration `yaml:"dumpInterval"`
	Backup       bool          `yaml:"backup"`
	Archive      bool          `yaml:"archive"`

	// KeyFile names an AES-256 key that encrypts the journal and dumps.
	// Empty stores them in the clear.
	KeyFile string `yaml:"keyFile"`
}

// SchemaConfig names the schema file. Empty selects the built-in schema.
type SchemaConfig struct {
	File string `yaml:"file"`
}

// SchedulerConfig holds task scheduler settings.
type SchedulerConfig struct {
	ShutdownGrace time.Duration `yaml:"shutdownGrace"`
	// RebuildInterval is the period of the forced rebuild of all builders.
	// 0 disables it.
	RebuildInterval time.Duration `yaml:"rebuildInterval"`
}

// SessionConfig holds session registry settings.
type SessionConfig struct {
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
	AdminGroup    string        `yaml:"adminGroup"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`

	MaxSizeMB  int  `yaml:"maxSizeMB"`
	MaxBackups int  `yaml:"maxBackups"`
	MaxAgeDays int  `yaml:"maxAgeDays"`
	Compress   bool `yaml:"compress"`
}

// ACLConfig holds access control configuration. File, when set, takes
// precedence over the inline rules.
type ACLConfig struct {
	File          string          `yaml:"file"`
	DefaultPolicy string          `yaml:"defaultPolicy"`
	Rules         []ACLRuleConfig `yaml:"rules,omitempty"`
}

// ACLRuleConfig holds a single ACL rule.
type ACLRuleConfig struct {
	Subject string   `yaml:"subject"`
	Types   []string `yaml:"types,omitempty"`
	Fields  []string `yaml:"fields,omitempty"`
	Rights  []string `yaml:"rights"`
	Deny    bool     `yaml:"deny"`
}

// PasswordConfig holds the password policy.
type PasswordConfig struct {
	Enabled          bool `yaml:"enabled"`
	MinLength        int  `yaml:"minLength"`
	MaxLength        int  `yaml:"maxLength"`
	RequireUppercase bool `yaml:"requireUppercase"`
	RequireLowercase bool `yaml:"requireLowercase"`
	RequireDigit     bool `yaml:"requireDigit"`
	RequireSpecial   bool `yaml:"requireSpecial"`
	BcryptCost       int  `yaml:"bcryptCost"`

	MaxFailures     int           `yaml:"maxFailures"`
	LockoutDuration time.Duration `yaml:"lockoutDuration"`
}

// BuilderConfig describes one export task.
type BuilderConfig struct {
	Name         string   `yaml:"name"`
	Template     string   `yaml:"template"`
	TemplateFile string   `yaml:"templateFile"`
	Types        []string `yaml:"types,omitempty"`
	Output       string   `yaml:"output"`
	// Mode is an octal file mode such as "0644".
	Mode        string        `yaml:"mode"`
	Filter      string        `yaml:"filter"`
	MinInterval time.Duration `yaml:"minInterval"`
}
