package schema

import (
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/KilimcininKorOglu/dirmgr/internal/errs"
	"github.com/KilimcininKorOglu/dirmgr/internal/object"
)

// dateLayouts are accepted by ParseValue for date fields.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Check validates vals against the field's kind, cardinality and length
// bounds. An empty list is always acceptable here; requiredness is checked
// at commit.
func (f *FieldDef) Check(vals []object.Value) error {
	if !f.Vector && len(vals) > 1 {
		return errs.Field(errs.ValidationFailure, f.Name, "scalar field takes one value, got %d", len(vals))
	}
	for i, v := range vals {
		if v.Kind != f.Kind {
			return errs.Field(errs.ValidationFailure, f.Name, "value %d is %s, want %s", i, v.Kind, f.Kind)
		}
		switch v.Kind {
		case object.KindString:
			if f.MaxLength > 0 && len(v.Str) > f.MaxLength {
				return errs.Field(errs.ValidationFailure, f.Name, "value exceeds %d characters", f.MaxLength)
			}
			if f.Namespace != "" && v.Str == "" {
				return errs.Field(errs.ValidationFailure, f.Name, "empty value in namespace %s", f.Namespace)
			}
		case object.KindPassword:
			if v.Str == "" {
				return errs.Field(errs.ValidationFailure, f.Name, "empty password hash")
			}
		case object.KindRef:
			if v.Ref.IsZero() {
				return errs.Field(errs.ValidationFailure, f.Name, "null reference")
			}
			if f.TargetType != 0 && v.Ref.Type != f.TargetType {
				return errs.Field(errs.ValidationFailure, f.Name, "reference to type %d, want %d", v.Ref.Type, f.TargetType)
			}
		case object.KindIP:
			if !v.IP.IsValid() {
				return errs.Field(errs.ValidationFailure, f.Name, "invalid IP address")
			}
		case object.KindDate:
			if v.Time.IsZero() {
				return errs.Field(errs.ValidationFailure, f.Name, "zero date")
			}
		}
		if f.Vector {
			for _, prev := range vals[:i] {
				if prev.Equal(v) {
					return errs.Field(errs.ValidationFailure, f.Name, "duplicate value %s", v)
				}
			}
		}
	}
	return nil
}

// ParseValue parses the text form of a value of the field's kind.
// Permission matrices have no text form.
func (f *FieldDef) ParseValue(s string) (object.Value, error) {
	switch f.Kind {
	case object.KindString:
		return object.String(s), nil
	case object.KindInt:
		i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return object.Value{}, errs.Field(errs.ValidationFailure, f.Name, "invalid integer %q", s)
		}
		return object.Int(i), nil
	case object.KindBool:
		b, err := strconv.ParseBool(strings.TrimSpace(s))
		if err != nil {
			return object.Value{}, errs.Field(errs.ValidationFailure, f.Name, "invalid boolean %q", s)
		}
		return object.Bool(b), nil
	case object.KindDate:
		if t, ok := ParseDate(s); ok {
			return object.Date(t), nil
		}
		return object.Value{}, errs.Field(errs.ValidationFailure, f.Name, "invalid date %q", s)
	case object.KindPassword:
		return object.PasswordHash(s), nil
	case object.KindRef:
		h, err := object.ParseHandle(strings.TrimSpace(s))
		if err != nil {
			return object.Value{}, errs.Field(errs.ValidationFailure, f.Name, "invalid reference %q", s)
		}
		return object.Ref(h), nil
	case object.KindIP:
		a, err := netip.ParseAddr(strings.TrimSpace(s))
		if err != nil {
			return object.Value{}, errs.Field(errs.ValidationFailure, f.Name, "invalid IP address %q", s)
		}
		return object.IP(a), nil
	}
	return object.Value{}, errs.Field(errs.ValidationFailure, f.Name, "%s values cannot be parsed from text", f.Kind)
}

// ParseDate parses s in one of the accepted date layouts.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
