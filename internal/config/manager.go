package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const redacted = "********"

// ConfigManager manages runtime configuration with hot reload support.
type ConfigManager struct {
	config     *Config
	configFile string
	mu         sync.RWMutex
	onUpdate   func(old, new *Config)
}

// NewConfigManager creates a new config manager.
func NewConfigManager(cfg *Config, configFile string) *ConfigManager {
	return &ConfigManager{
		config:     cfg,
		configFile: configFile,
	}
}

// SetOnUpdate sets the callback for config updates.
func (m *ConfigManager) SetOnUpdate(fn func(old, new *Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUpdate = fn
}

// GetConfig returns the current config.
func (m *ConfigManager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetConfigFile returns the config file path.
func (m *ConfigManager) GetConfigFile() string {
	return m.configFile
}

// Redacted returns a copy of the current config with secrets masked.
func (m *ConfigManager) Redacted() *Config {
	m.mu.RLock()
	c := copyConfig(m.config)
	m.mu.RUnlock()
	if c.Server.JWTSecret != "" {
		c.Server.JWTSecret = redacted
	}
	return c
}

// GetSection returns one top-level section of the redacted config.
func (m *ConfigManager) GetSection(section string) (interface{}, error) {
	c := m.Redacted()
	switch section {
	case "server":
		return c.Server, nil
	case "storage":
		return c.Storage, nil
	case "schema":
		return c.Schema, nil
	case "scheduler":
		return c.Scheduler, nil
	case "sessions":
		return c.Sessions, nil
	case "logging":
		return c.Logging, nil
	case "acl":
		return c.ACL, nil
	case "password":
		return c.Password, nil
	case "builders":
		return c.Builders, nil
	default:
		return nil, fmt.Errorf("unknown section: %s", section)
	}
}

// Update replaces the config after validating it and calls the update
// callback.
func (m *ConfigManager) Update(newConfig *Config) error {
	if err := newConfig.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	m.mu.Lock()
	oldConfig := m.config
	m.config = newConfig
	onUpdate := m.onUpdate
	m.mu.Unlock()

	if onUpdate != nil {
		onUpdate(oldConfig, newConfig)
	}
	return nil
}

// Reload reloads config from file.
func (m *ConfigManager) Reload() error {
	if m.configFile == "" {
		return fmt.Errorf("no config file configured")
	}

	newConfig, err := LoadConfig(m.configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	return m.Update(newConfig)
}

// SaveToFile writes the current config to the config file, replacing it
// atomically.
func (m *ConfigManager) SaveToFile() error {
	if m.configFile == "" {
		return fmt.Errorf("no config file configured")
	}

	m.mu.RLock()
	data, err := Marshal(m.config)
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(m.configFile), ".config-*")
	if err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// copyConfig creates a deep copy of config.
func copyConfig(c *Config) *Config {
	n := *c
	n.ACL.Rules = make([]ACLRuleConfig, len(c.ACL.Rules))
	for i, r := range c.ACL.Rules {
		r.Types = append([]string(nil), r.Types...)
		r.Fields = append([]string(nil), r.Fields...)
		r.Rights = append([]string(nil), r.Rights...)
		n.ACL.Rules[i] = r
	}
	n.Builders = make([]BuilderConfig, len(c.Builders))
	for i, b := range c.Builders {
		b.Types = append([]string(nil), b.Types...)
		n.Builders[i] = b
	}
	return &n
}
