package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate returns the validation errors of c joined into one error, or
// nil when c is valid.
func (c *Config) Validate() error {
	return errors.Join(ValidateConfig(c)...)
}

// ValidateConfig validates the configuration and returns a list of validation errors.
// An empty slice indicates the configuration is valid.
func ValidateConfig(config *Config) []error {
	var errs []error

	errs = append(errs, validateServerConfig(&config.Server)...)
	errs = append(errs, validateStorageConfig(&config.Storage)...)
	errs = append(errs, validateSchedulerConfig(&config.Scheduler)...)
	errs = append(errs, validateSessionConfig(&config.Sessions)...)
	errs = append(errs, validateLogConfig(&config.Logging)...)
	errs = append(errs, validateACLConfig(&config.ACL)...)
	errs = append(errs, validatePasswordConfig(&config.Password)...)
	errs = append(errs, validateBuilders(config.Builders)...)

	return errs
}

func nonNegative(field string, d time.Duration) []error {
	if d < 0 {
		return []error{ValidationError{Field: field, Message: "must be non-negative"}}
	}
	return nil
}

// validateServerConfig validates the admin API configuration.
func validateServerConfig(config *ServerConfig) []error {
	var errs []error

	if config.AdminAddress != "" {
		if err := validateAddress(config.AdminAddress); err != nil {
			errs = append(errs, ValidationError{
				Field:   "server.adminAddress",
				Message: err.Error(),
			})
		}
		if config.JWTSecret != "" && len(config.JWTSecret) < 16 {
			errs = append(errs, ValidationError{
				Field:   "server.jwtSecret",
				Message: "must be at least 16 bytes",
			})
		}
	}

	errs = append(errs, nonNegative("server.tokenTTL", config.TokenTTL)...)
	errs = append(errs, nonNegative("server.readTimeout", config.ReadTimeout)...)
	errs = append(errs, nonNegative("server.writeTimeout", config.WriteTimeout)...)
	if config.RateLimit < 0 {
		errs = append(errs, ValidationError{
			Field:   "server.rateLimit",
			Message: "must not be negative",
		})
	}

	return errs
}

// validateStorageConfig validates storage configuration.
func validateStorageConfig(config *StorageConfig) []error {
	var errs []error

	if config.DataDir == "" {
		errs = append(errs, ValidationError{
			Field:   "storage.dataDir",
			Message: "data directory is required",
		})
	} else if !filepath.IsAbs(config.DataDir) {
		errs = append(errs, ValidationError{
			Field:   "storage.dataDir",
			Message: "must be an absolute path",
		})
	}

	for field, name := range map[string]string{
		"storage.dumpFile":    config.DumpFile,
		"storage.journalFile": config.JournalFile,
	} {
		if name == "" {
			errs = append(errs, ValidationError{Field: field, Message: "file name is required"})
		} else if filepath.Base(name) != name {
			errs = append(errs, ValidationError{Field: field, Message: "must be a plain file name"})
		}
	}
	if config.DumpFile != "" && config.DumpFile == config.JournalFile {
		errs = append(errs, ValidationError{
			Field:   "storage.journalFile",
			Message: "must differ from the dump file",
		})
	}

	if config.Archive && config.ArchiveDir == "" {
		errs = append(errs, ValidationError{
			Field:   "storage.archiveDir",
			Message: "archive directory is required when archiving is enabled",
		})
	}
	if config.ArchiveDir != "" && !filepath.IsAbs(config.ArchiveDir) {
		errs = append(errs, ValidationError{
			Field:   "storage.archiveDir",
			Message: "must be an absolute path",
		})
	}

	if config.KeyFile != "" && !filepath.IsAbs(config.KeyFile) {
		errs = append(errs, ValidationError{
			Field:   "storage.keyFile",
			Message: "must be an absolute path",
		})
	}

	if config.CompressThreshold < 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.compressThreshold",
			Message: "must be non-negative",
		})
	}
	errs = append(errs, nonNegative("storage.dumpInterval", config.DumpInterval)...)

	return errs
}

func validateSchedulerConfig(config *SchedulerConfig) []error {
	var errs []error
	errs = append(errs, nonNegative("scheduler.shutdownGrace", config.ShutdownGrace)...)
	errs = append(errs, nonNegative("scheduler.rebuildInterval", config.RebuildInterval)...)
	return errs
}

func validateSessionConfig(config *SessionConfig) []error {
	var errs []error
	errs = append(errs, nonNegative("sessions.idleTimeout", config.IdleTimeout)...)
	errs = append(errs, nonNegative("sessions.sweepInterval", config.SweepInterval)...)
	return errs
}

// validateLogConfig validates logging configuration.
func validateLogConfig(config *LogConfig) []error {
	var errs []error

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if config.Level != "" && !validLevels[strings.ToLower(config.Level)] {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: "must be debug, info, warn, or error",
		})
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if config.Format != "" && !validFormats[strings.ToLower(config.Format)] {
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: "must be text or json",
		})
	}

	if config.Output != "" && config.Output != "stdout" && config.Output != "stderr" {
		dir := filepath.Dir(config.Output)
		if !filepath.IsAbs(config.Output) {
			errs = append(errs, ValidationError{
				Field:   "logging.output",
				Message: "must be stdout, stderr, or an absolute file path",
			})
		} else if _, err := os.Stat(dir); os.IsNotExist(err) {
			errs = append(errs, ValidationError{
				Field:   "logging.output",
				Message: fmt.Sprintf("directory %s does not exist", dir),
			})
		}
	}

	if config.MaxSizeMB < 0 || config.MaxBackups < 0 || config.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging",
			Message: "rotation limits must be non-negative",
		})
	}

	return errs
}

var validRights = map[string]bool{
	"view": true, "read": true, "edit": true, "write": true,
	"create": true, "delete": true, "all": true,
}

// validateACLConfig validates ACL configuration.
func validateACLConfig(config *ACLConfig) []error {
	var errs []error

	validPolicies := map[string]bool{"allow": true, "deny": true}
	if config.DefaultPolicy != "" && !validPolicies[strings.ToLower(config.DefaultPolicy)] {
		errs = append(errs, ValidationError{
			Field:   "acl.defaultPolicy",
			Message: "must be allow or deny",
		})
	}

	for i, rule := range config.Rules {
		if rule.Subject == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("acl.rules[%d].subject", i),
				Message: "subject is required",
			})
		}

		if len(rule.Rights) == 0 {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("acl.rules[%d].rights", i),
				Message: "at least one right is required",
			})
		}

		for _, right := range rule.Rights {
			if !validRights[strings.ToLower(strings.TrimSpace(right))] {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("acl.rules[%d].rights", i),
					Message: fmt.Sprintf("invalid right: %s", right),
				})
			}
		}
	}

	return errs
}

// validatePasswordConfig validates the password policy.
func validatePasswordConfig(config *PasswordConfig) []error {
	var errs []error

	if config.Enabled && config.MinLength < 1 {
		errs = append(errs, ValidationError{
			Field:   "password.minLength",
			Message: "must be at least 1 when the password policy is enabled",
		})
	}
	if config.MaxLength != 0 && config.MaxLength < config.MinLength {
		errs = append(errs, ValidationError{
			Field:   "password.maxLength",
			Message: "must not be below minLength",
		})
	}
	// bcrypt accepts costs from 4 to 31; 0 selects the default.
	if config.BcryptCost != 0 && (config.BcryptCost < 4 || config.BcryptCost > 31) {
		errs = append(errs, ValidationError{
			Field:   "password.bcryptCost",
			Message: "must be between 4 and 31",
		})
	}
	if config.MaxFailures < 0 {
		errs = append(errs, ValidationError{
			Field:   "password.maxFailures",
			Message: "must be non-negative",
		})
	}
	errs = append(errs, nonNegative("password.lockoutDuration", config.LockoutDuration)...)

	return errs
}

// validateBuilders validates the export task list.
func validateBuilders(builders []BuilderConfig) []error {
	var errs []error
	seen := make(map[string]bool)

	for i, b := range builders {
		field := func(name string) string { return fmt.Sprintf("builders[%d].%s", i, name) }

		switch {
		case b.Name == "":
			errs = append(errs, ValidationError{Field: field("name"), Message: "name is required"})
		case seen[b.Name]:
			errs = append(errs, ValidationError{Field: field("name"), Message: fmt.Sprintf("duplicate builder %q", b.Name)})
		}
		seen[b.Name] = true

		if b.Template == "" && b.TemplateFile == "" {
			errs = append(errs, ValidationError{Field: field("template"), Message: "template or templateFile is required"})
		}
		if b.Output == "" {
			errs = append(errs, ValidationError{Field: field("output"), Message: "output is required"})
		} else if !filepath.IsAbs(b.Output) {
			errs = append(errs, ValidationError{Field: field("output"), Message: "must be an absolute path"})
		}
		if _, err := b.FileMode(); err != nil {
			errs = append(errs, ValidationError{Field: field("mode"), Message: err.Error()})
		}
		errs = append(errs, nonNegative(field("minInterval"), b.MinInterval)...)
	}

	return errs
}

// FileMode parses Mode. An empty mode returns 0, leaving the choice to
// the builder.
func (b BuilderConfig) FileMode() (os.FileMode, error) {
	if b.Mode == "" {
		return 0, nil
	}
	m, err := strconv.ParseUint(b.Mode, 8, 32)
	if err != nil || m > 0o777 {
		return 0, fmt.Errorf("invalid file mode %q", b.Mode)
	}
	return os.FileMode(m), nil
}

// validateAddress validates a network address in host:port format.
func validateAddress(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address format: %v", err)
	}
	if port == "" {
		return fmt.Errorf("port is required")
	}
	return nil
}
