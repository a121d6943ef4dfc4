package server

import (
	"fmt"

	"github.com/KilimcininKorOglu/dirmgr/internal/acl"
	"github.com/KilimcininKorOglu/dirmgr/internal/builder"
	"github.com/KilimcininKorOglu/dirmgr/internal/config"
	"github.com/KilimcininKorOglu/dirmgr/internal/password"
)

// convertACLConfig converts config.ACLConfig to acl.Config.
func convertACLConfig(cfg *config.ACLConfig) (*acl.Config, error) {
	fc := &acl.FileConfig{Version: 1, DefaultPolicy: cfg.DefaultPolicy}
	for _, r := range cfg.Rules {
		fc.Rules = append(fc.Rules, acl.FileRuleConfig{
			Types:   r.Types,
			Subject: r.Subject,
			Rights:  r.Rights,
			Fields:  r.Fields,
			Deny:    r.Deny,
		})
	}
	c, err := acl.ConvertFileConfig(fc)
	if err != nil {
		return nil, fmt.Errorf("acl: %w", err)
	}
	return c, nil
}

// convertPasswordPolicy converts config password policy to password.Policy.
func convertPasswordPolicy(cfg *config.PasswordConfig) *password.Policy {
	return &password.Policy{
		Enabled:          cfg.Enabled,
		MinLength:        cfg.MinLength,
		MaxLength:        cfg.MaxLength,
		RequireUppercase: cfg.RequireUppercase,
		RequireLowercase: cfg.RequireLowercase,
		RequireDigit:     cfg.RequireDigit,
		RequireSpecial:   cfg.RequireSpecial,
		BcryptCost:       cfg.BcryptCost,
		MaxFailures:      cfg.MaxFailures,
		LockoutDuration:  cfg.LockoutDuration,
	}
}

// builderSpec converts one configured export task.
func builderSpec(cfg config.BuilderConfig) (builder.Spec, error) {
	mode, err := cfg.FileMode()
	if err != nil {
		return builder.Spec{}, fmt.Errorf("builder %s: %w", cfg.Name, err)
	}
	return builder.Spec{
		Name:         cfg.Name,
		Template:     cfg.Template,
		TemplateFile: cfg.TemplateFile,
		Types:        cfg.Types,
		Output:       cfg.Output,
		Mode:         mode,
		Filter:       cfg.Filter,
		MinInterval:  cfg.MinInterval,
	}, nil
}
