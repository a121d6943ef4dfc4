package acl

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Loader errors.
var (
	ErrFileNotFound   = errors.New("acl: file not found")
	ErrInvalidYAML    = errors.New("acl: invalid YAML format")
	ErrInvalidVersion = errors.New("acl: invalid version")
	ErrInvalidPolicy  = errors.New("acl: invalid default policy")
	ErrInvalidRight   = errors.New("acl: invalid right")
	ErrMissingSubject = errors.New("acl: missing subject")
	ErrMissingRights  = errors.New("acl: missing rights")
)

// FileConfig represents the ACL file structure.
type FileConfig struct {
	Version       int              `yaml:"version"`
	DefaultPolicy string           `yaml:"default_policy"`
	Rules         []FileRuleConfig `yaml:"rules"`
}

// FileRuleConfig represents a single rule in the ACL file.
type FileRuleConfig struct {
	Types   []string `yaml:"types"`
	Subject string   `yaml:"subject"`
	Rights  []string `yaml:"rights"`
	Fields  []string `yaml:"fields"`
	Deny    bool     `yaml:"deny"`
}

// LoadFromFile loads ACL configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("acl: failed to read file: %w", err)
	}

	return Parse(data)
}

// Parse parses ACL configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	var fc FileConfig
	if err := yaml.Unmarshal(substituteEnvVars(data), &fc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return ConvertFileConfig(&fc)
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR} and ${VAR:-default} patterns.
func substituteEnvVars(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(m []byte) []byte {
		expr := string(m[2 : len(m)-1])
		name, def, hasDef := strings.Cut(expr, ":-")
		if v, ok := os.LookupEnv(name); ok && (v != "" || !hasDef) {
			return []byte(v)
		}
		return []byte(def)
	})
}

// ConvertFileConfig converts the file layout to a Config.
func ConvertFileConfig(fc *FileConfig) (*Config, error) {
	if fc.Version < 1 {
		return nil, fmt.Errorf("%w: must be >= 1", ErrInvalidVersion)
	}

	policy := strings.ToLower(fc.DefaultPolicy)
	if policy != "allow" && policy != "deny" && policy != "" {
		return nil, fmt.Errorf("%w: %s (must be allow or deny)", ErrInvalidPolicy, fc.DefaultPolicy)
	}

	config := NewConfig()
	if policy != "" {
		config.SetDefaultPolicy(policy)
	}

	for i := range fc.Rules {
		rule, err := ConvertRule(&fc.Rules[i], i)
		if err != nil {
			return nil, err
		}
		config.AddRule(rule)
	}

	return config, nil
}

// ConvertRule converts one file rule.
func ConvertRule(r *FileRuleConfig, index int) (*Rule, error) {
	if r.Subject == "" {
		return nil, fmt.Errorf("rule %d: %w", index, ErrMissingSubject)
	}
	if len(r.Rights) == 0 {
		return nil, fmt.Errorf("rule %d: %w", index, ErrMissingRights)
	}

	rights, err := ParseRights(r.Rights)
	if err != nil {
		return nil, fmt.Errorf("rule %d: %w", index, err)
	}

	return NewRule(r.Subject, rights, r.Types...).
		WithFields(r.Fields...).
		WithDeny(r.Deny), nil
}

// ParseRights converts string rights to Right flags.
func ParseRights(rights []string) (Right, error) {
	var result Right

	for _, r := range rights {
		switch strings.ToLower(strings.TrimSpace(r)) {
		case "view", "read":
			result |= View
		case "edit", "write":
			result |= Edit
		case "create":
			result |= Create
		case "delete":
			result |= Delete
		case "all":
			result |= All
		default:
			return 0, fmt.Errorf("%w: %s", ErrInvalidRight, r)
		}
	}

	return result, nil
}
