package acl

import (
	"github.com/KilimcininKorOglu/dirmgr/internal/object"
	"github.com/KilimcininKorOglu/dirmgr/internal/schema"
)

// Evaluator evaluates rules against a schema to determine access.
type Evaluator struct {
	config *Config
	schema *schema.Schema
}

// NewEvaluator creates a new evaluator with the given configuration.
func NewEvaluator(config *Config, s *schema.Schema) *Evaluator {
	if config == nil {
		config = NewConfig()
	}

	return &Evaluator{
		config: config,
		schema: s,
	}
}

// names resolves the type and field names of a request. Unknown ids
// resolve to empty names, which only wildcard rules match.
func (e *Evaluator) names(h object.Handle, f object.FieldID) (typeName, fieldName string) {
	if e.schema == nil {
		return "", ""
	}
	t, err := e.schema.Type(h.Type)
	if err != nil {
		return "", ""
	}
	if f == 0 {
		return t.Name, ""
	}
	if fd, err := t.Field(f); err == nil {
		fieldName = fd.Name
	}
	return t.Name, fieldName
}

// CheckAccess determines if p may perform op on h (or on its field f
// when f is non-zero). First matching rule wins; then the principal's
// permission matrix; then the default policy.
func (e *Evaluator) CheckAccess(p *Principal, h object.Handle, f object.FieldID, op Right) bool {
	typeName, fieldName := e.names(h, f)

	for _, rule := range e.config.Rules {
		if !rule.AppliesToType(typeName) {
			continue
		}

		if !rule.AppliesToField(fieldName) {
			continue
		}

		if !MatchesSubject(rule, p, h) {
			continue
		}

		if !rule.Rights.Has(op) {
			continue
		}

		return !rule.Deny
	}

	if p != nil && len(p.Perms) > 0 {
		if allowed, found := matchPerms(p.Perms, h, f, op); found {
			return allowed
		}
	}

	return e.config.IsDefaultAllow()
}

// VisibleFields returns the fields of obj that p may view.
func (e *Evaluator) VisibleFields(p *Principal, obj *object.Object) []object.FieldID {
	ids := obj.FieldIDs()
	out := make([]object.FieldID, 0, len(ids))
	for _, f := range ids {
		if e.CheckAccess(p, obj.Handle, f, View) {
			out = append(out, f)
		}
	}
	return out
}

// Config returns the evaluator's configuration.
func (e *Evaluator) Config() *Config {
	return e.config
}
