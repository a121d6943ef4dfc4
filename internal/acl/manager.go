package acl

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KilimcininKorOglu/dirmgr/internal/logging"
	"github.com/KilimcininKorOglu/dirmgr/internal/object"
	"github.com/KilimcininKorOglu/dirmgr/internal/schema"
)

// Manager holds the active evaluator and supports reloading the rules
// from a file. It implements Checker.
type Manager struct {
	mu        sync.RWMutex
	evaluator *Evaluator
	schema    *schema.Schema
	filePath  string
	logger    logging.Logger

	reloadCount   atomic.Uint64
	lastReload    time.Time
	lastError     error
	lastErrorTime time.Time
}

// ManagerConfig holds configuration for a Manager.
type ManagerConfig struct {
	// FilePath is the path to an ACL YAML file. If empty, EmbeddedConfig
	// is used.
	FilePath string

	// EmbeddedConfig comes from the main configuration file.
	EmbeddedConfig *Config

	Schema *schema.Schema
	Logger logging.Logger
}

// NewManager creates a new ACL manager.
func NewManager(cfg *ManagerConfig) (*Manager, error) {
	if cfg == nil {
		cfg = &ManagerConfig{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	m := &Manager{
		schema:     cfg.Schema,
		logger:     logger.WithSource("acl"),
		lastReload: time.Now(),
	}

	var config *Config
	switch {
	case cfg.FilePath != "":
		m.filePath = cfg.FilePath
		c, err := LoadFromFile(cfg.FilePath)
		if err != nil {
			return nil, fmt.Errorf("failed to load ACL file: %w", err)
		}
		config = c
		m.logger.Info("ACL loaded from file",
			"file", cfg.FilePath,
			"rules", len(config.Rules),
			"default_policy", config.DefaultPolicy,
		)
	case cfg.EmbeddedConfig != nil:
		config = cfg.EmbeddedConfig
		m.logger.Info("ACL loaded from embedded config",
			"rules", len(config.Rules),
			"default_policy", config.DefaultPolicy,
		)
	default:
		config = NewConfig()
		m.logger.Info("ACL using default config", "default_policy", config.DefaultPolicy)
	}

	if errs := ValidateConfig(config, cfg.Schema); len(errs) > 0 {
		return nil, fmt.Errorf("ACL validation failed: %w", errs[0])
	}
	m.evaluator = NewEvaluator(config, cfg.Schema)
	return m, nil
}

// Reload reloads the rules from file. On failure the old rules stay in
// effect.
func (m *Manager) Reload() error {
	if m.filePath == "" {
		return fmt.Errorf("no ACL file configured; reload not supported")
	}

	m.logger.Info("reloading ACL configuration", "file", m.filePath)

	newConfig, err := LoadFromFile(m.filePath)
	if err == nil {
		if errs := ValidateConfig(newConfig, m.schema); len(errs) > 0 {
			err = fmt.Errorf("ACL validation failed: %w", errs[0])
		}
	}
	if err != nil {
		m.mu.Lock()
		m.lastError = err
		m.lastErrorTime = time.Now()
		m.mu.Unlock()
		m.logger.Error("ACL reload failed", "error", err)
		return err
	}

	m.install(newConfig)
	return nil
}

// Replace validates cfg and makes it the active rule set. It serves
// embedded configurations, which have no file to reload from.
func (m *Manager) Replace(cfg *Config) error {
	if errs := ValidateConfig(cfg, m.schema); len(errs) > 0 {
		err := fmt.Errorf("ACL validation failed: %w", errs[0])
		m.mu.Lock()
		m.lastError = err
		m.lastErrorTime = time.Now()
		m.mu.Unlock()
		return err
	}
	m.install(cfg)
	return nil
}

func (m *Manager) install(cfg *Config) {
	m.mu.Lock()
	oldRuleCount := len(m.evaluator.Config().Rules)
	m.evaluator = NewEvaluator(cfg, m.schema)
	m.lastReload = time.Now()
	m.lastError = nil
	m.mu.Unlock()

	m.reloadCount.Add(1)
	m.logger.Info("ACL configuration reloaded",
		"old_rules", oldRuleCount,
		"new_rules", len(cfg.Rules),
		"default_policy", cfg.DefaultPolicy,
	)
}

// Evaluator returns the current evaluator.
func (m *Manager) Evaluator() *Evaluator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.evaluator
}

// CheckAccess checks access with the current rules.
func (m *Manager) CheckAccess(p *Principal, h object.Handle, f object.FieldID, op Right) bool {
	return m.Evaluator().CheckAccess(p, h, f, op)
}

// ManagerStats holds ACL manager statistics.
type ManagerStats struct {
	FilePath      string
	RuleCount     int
	DefaultPolicy string
	ReloadCount   uint64
	LastReload    time.Time
	LastError     error
	LastErrorTime time.Time
}

// Stats returns reload statistics.
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	config := m.evaluator.Config()
	return ManagerStats{
		FilePath:      m.filePath,
		RuleCount:     len(config.Rules),
		DefaultPolicy: config.DefaultPolicy,
		ReloadCount:   m.reloadCount.Load(),
		LastReload:    m.lastReload,
		LastError:     m.lastError,
		LastErrorTime: m.lastErrorTime,
	}
}

// FilePath returns the ACL file path (empty if using embedded config).
func (m *Manager) FilePath() string {
	return m.filePath
}
