package acl

import (
	"errors"
	"fmt"
	"strings"

	"github.com/KilimcininKorOglu/dirmgr/internal/schema"
)

// Validation errors.
var (
	ErrNoFilePath    = errors.New("file path is required")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ValidateConfig checks config against schema s. Every type and field a
// rule names must exist. It returns all problems found.
func ValidateConfig(config *Config, s *schema.Schema) []error {
	var errs []error

	if config == nil {
		return []error{fmt.Errorf("config is nil")}
	}

	policy := config.DefaultPolicy
	if policy != "" && policy != "allow" && policy != "deny" {
		errs = append(errs, fmt.Errorf("invalid default_policy: %s (must be allow or deny)", policy))
	}

	for i, rule := range config.Rules {
		if rule == nil {
			errs = append(errs, fmt.Errorf("rule %d: is nil", i))
			continue
		}

		if strings.TrimSpace(rule.Subject) == "" {
			errs = append(errs, fmt.Errorf("rule %d: subject is required", i))
		}

		if rule.Rights == 0 {
			errs = append(errs, fmt.Errorf("rule %d: at least one right is required", i))
		}

		if s == nil {
			continue
		}
		var types []*schema.ObjectType
		for _, name := range rule.Types {
			if name == "*" {
				types = s.Types()
				continue
			}
			t, err := s.TypeByName(name)
			if err != nil {
				errs = append(errs, fmt.Errorf("rule %d: unknown type %q", i, name))
				continue
			}
			types = append(types, t)
		}
		if len(rule.Types) == 0 {
			types = s.Types()
		}
		for _, f := range rule.Fields {
			if f == "*" || fieldInAny(types, f) {
				continue
			}
			errs = append(errs, fmt.Errorf("rule %d: no covered type has field %q", i, f))
		}
	}

	return errs
}

func fieldInAny(types []*schema.ObjectType, name string) bool {
	for _, t := range types {
		if _, err := t.FieldByName(name); err == nil {
			return true
		}
	}
	return false
}
