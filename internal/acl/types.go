package acl

import (
	"strings"

	"github.com/KilimcininKorOglu/dirmgr/internal/object"
)

// Right represents an access right. Rights are bit flags that can be
// combined using bitwise OR.
type Right int

const (
	// View allows reading field values
	View Right = 1 << iota

	// Edit allows changing field values
	Edit

	// Create allows creating new objects
	Create

	// Delete allows removing objects
	Delete

	// All combines all rights
	All = View | Edit | Create | Delete
)

// String returns a human-readable representation of the right.
func (r Right) String() string {
	switch r {
	case View:
		return "view"
	case Edit:
		return "edit"
	case Create:
		return "create"
	case Delete:
		return "delete"
	case All:
		return "all"
	default:
		return "unknown"
	}
}

// Has checks if the right includes the specified right.
func (r Right) Has(other Right) bool {
	return r&other != 0
}

// permBits maps a right onto the permission matrix bits of a user object.
func (r Right) permBits() object.PermBits {
	var b object.PermBits
	if r.Has(View) {
		b |= object.PermView
	}
	if r.Has(Edit) {
		b |= object.PermEdit
	}
	if r.Has(Create) {
		b |= object.PermCreate
	}
	if r.Has(Delete) {
		b |= object.PermDelete
	}
	return b
}

// Principal is an authenticated caller.
type Principal struct {
	// Name is the login name; empty for anonymous callers.
	Name string

	// Handle is the directory object the principal logs in as, if any.
	Handle object.Handle

	Groups []string
	Admin  bool

	// Perms is the permission matrix attached to the principal's user
	// object.
	Perms []object.PermEntry
}

// IsAnonymous returns true for a nil or unnamed principal.
func (p *Principal) IsAnonymous() bool {
	return p == nil || p.Name == ""
}

// InGroup reports whether p is a member of group.
func (p *Principal) InGroup(group string) bool {
	if p == nil {
		return false
	}
	for _, g := range p.Groups {
		if strings.EqualFold(g, group) {
			return true
		}
	}
	return false
}

// Rule is a single access control rule.
type Rule struct {
	// Types lists the type names the rule covers. Empty or "*" covers all.
	Types []string

	// Subject defines who this rule applies to.
	Subject string

	// Rights defines what operations are allowed or denied.
	Rights Right

	// Fields restricts the rule to the named fields. Empty means the
	// whole object and every field.
	Fields []string

	// Deny marks a deny rule.
	Deny bool
}

// NewRule creates an allow rule for subject over the given types.
func NewRule(subject string, rights Right, types ...string) *Rule {
	return &Rule{
		Types:   types,
		Subject: subject,
		Rights:  rights,
	}
}

// WithFields sets the fields and returns the rule for chaining.
func (r *Rule) WithFields(fields ...string) *Rule {
	r.Fields = fields
	return r
}

// WithDeny sets the deny flag and returns the rule for chaining.
func (r *Rule) WithDeny(deny bool) *Rule {
	r.Deny = deny
	return r
}

// AppliesToType checks if the rule covers the named type.
func (r *Rule) AppliesToType(name string) bool {
	if len(r.Types) == 0 {
		return true
	}
	for _, t := range r.Types {
		if t == "*" || strings.EqualFold(t, name) {
			return true
		}
	}
	return false
}

// AppliesToField checks if the rule covers the named field. An empty name
// stands for the object as a whole, which field-restricted rules do not
// cover.
func (r *Rule) AppliesToField(name string) bool {
	if len(r.Fields) == 0 {
		return true
	}
	if name == "" {
		return false
	}
	for _, f := range r.Fields {
		if f == "*" || strings.EqualFold(f, name) {
			return true
		}
	}
	return false
}

// Config holds the default policy and the ordered rules.
type Config struct {
	// DefaultPolicy is applied when no rule matches: "allow" or "deny".
	DefaultPolicy string

	Rules []*Rule
}

// NewConfig creates a new configuration with default deny policy.
func NewConfig() *Config {
	return &Config{
		DefaultPolicy: "deny",
		Rules:         make([]*Rule, 0),
	}
}

// AddRule appends a rule to the configuration.
func (c *Config) AddRule(rule *Rule) {
	c.Rules = append(c.Rules, rule)
}

// SetDefaultPolicy sets the default policy.
func (c *Config) SetDefaultPolicy(policy string) {
	c.DefaultPolicy = policy
}

// IsDefaultAllow returns true if the default policy is "allow".
func (c *Config) IsDefaultAllow() bool {
	return c.DefaultPolicy == "allow"
}

// Checker is consulted before every mutation. f is zero for operations on
// the object as a whole.
type Checker interface {
	CheckAccess(p *Principal, h object.Handle, f object.FieldID, op Right) bool
}

type allowAll struct{}

func (allowAll) CheckAccess(*Principal, object.Handle, object.FieldID, Right) bool { return true }

// AllowAll permits everything. It is meant for tests, offline tools and
// embedded use without sessions.
var AllowAll Checker = allowAll{}
