// Package object defines the value model shared by the store, the journal
// and the transaction engine: object handles, typed field values, committed
// objects and the field-level deltas that commits produce.
package object

import (
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Kind is the value kind of a field.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindString
	KindInt
	KindBool
	KindDate
	KindPassword
	KindRef
	KindPerm
	KindIP
)

var kindNames = map[Kind]string{
	KindString:   "string",
	KindInt:      "int",
	KindBool:     "bool",
	KindDate:     "date",
	KindPassword: "password",
	KindRef:      "ref",
	KindPerm:     "perm",
	KindIP:       "ip",
}

// String returns the string representation of the kind.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "invalid"
}

// ParseKind parses a kind name as used in schema files.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == strings.ToLower(s) {
			return k, nil
		}
	}
	switch strings.ToLower(s) {
	case "integer":
		return KindInt, nil
	case "boolean":
		return KindBool, nil
	case "reference":
		return KindRef, nil
	case "ipaddr", "address":
		return KindIP, nil
	}
	return KindInvalid, fmt.Errorf("unknown value kind %q", s)
}

// PermBits is a set of rights in a permission matrix row.
type PermBits uint8

const (
	PermView PermBits = 1 << iota
	PermEdit
	PermCreate
	PermDelete
)

// String renders bits as e.g. "vecd" with '-' for missing rights.
func (b PermBits) String() string {
	var sb strings.Builder
	for i, c := range "vecd" {
		if b&(1<<uint(i)) != 0 {
			sb.WriteRune(c)
		} else {
			sb.WriteByte('-')
		}
	}
	return sb.String()
}

// PermEntry is one row of a permission matrix: rights over a type, or over a
// single field of that type when Field is non-zero.
type PermEntry struct {
	Type  TypeID
	Field FieldID
	Bits  PermBits
}

// Value is a single typed field value. Only the member matching Kind is
// meaningful.
type Value struct {
	Kind Kind
	Str  string
	Int  int64
	Bool bool
	Time time.Time
	Ref  Handle
	IP   netip.Addr
	Perm []PermEntry
}

// String returns a string value.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// Int returns an integer value.
func Int(i int64) Value { return Value{Kind: KindInt, Int: i} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// Date returns a date value truncated to UTC seconds.
func Date(t time.Time) Value { return Value{Kind: KindDate, Time: t.UTC().Truncate(time.Second)} }

// PasswordHash returns a password value holding an already hashed secret.
func PasswordHash(hash string) Value { return Value{Kind: KindPassword, Str: hash} }

// Ref returns a reference value.
func Ref(h Handle) Value { return Value{Kind: KindRef, Ref: h} }

// IP returns an IP address value.
func IP(a netip.Addr) Value { return Value{Kind: KindIP, IP: a} }

// Perm returns a permission matrix value with rows sorted by (type, field).
func Perm(entries ...PermEntry) Value {
	rows := make([]PermEntry, len(entries))
	copy(rows, entries)
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Type != rows[j].Type {
			return rows[i].Type < rows[j].Type
		}
		return rows[i].Field < rows[j].Field
	})
	return Value{Kind: KindPerm, Perm: rows}
}

// Canonical returns v rebuilt through its kind's constructor: dates in UTC
// at whole seconds, permission rows sorted, and only the member matching
// Kind set. This is the form the journal codec reproduces.
func Canonical(v Value) Value {
	switch v.Kind {
	case KindString:
		return String(v.Str)
	case KindInt:
		return Int(v.Int)
	case KindBool:
		return Bool(v.Bool)
	case KindDate:
		return Date(v.Time)
	case KindPassword:
		return PasswordHash(v.Str)
	case KindRef:
		return Ref(v.Ref)
	case KindIP:
		return IP(v.IP)
	case KindPerm:
		return Perm(v.Perm...)
	}
	return v
}

// Equal reports whether v and o are the same value.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindString, KindPassword:
		return v.Str == o.Str
	case KindInt:
		return v.Int == o.Int
	case KindBool:
		return v.Bool == o.Bool
	case KindDate:
		return v.Time.Equal(o.Time)
	case KindRef:
		return v.Ref == o.Ref
	case KindIP:
		return v.IP == o.IP
	case KindPerm:
		if len(v.Perm) != len(o.Perm) {
			return false
		}
		for i := range v.Perm {
			if v.Perm[i] != o.Perm[i] {
				return false
			}
		}
		return true
	}
	return true
}

// Key returns a canonical string for v, used by namespace tables.
func (v Value) Key() string {
	switch v.Kind {
	case KindString, KindPassword:
		return v.Str
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindDate:
		return strconv.FormatInt(v.Time.Unix(), 10)
	case KindRef:
		return v.Ref.String()
	case KindIP:
		return v.IP.String()
	}
	return v.String()
}

// String returns a human-readable rendering of v.
func (v Value) String() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindPassword:
		return "********"
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindDate:
		return v.Time.Format(time.RFC3339)
	case KindRef:
		return v.Ref.String()
	case KindIP:
		return v.IP.String()
	case KindPerm:
		parts := make([]string, len(v.Perm))
		for i, p := range v.Perm {
			parts[i] = fmt.Sprintf("%d.%d=%s", p.Type, p.Field, p.Bits)
		}
		return strings.Join(parts, ",")
	}
	return "<invalid>"
}

// EqualValues reports whether two value lists hold the same values in the
// same order.
func EqualValues(a, b []Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// CloneValues returns a copy of vals that shares no slices with it.
func CloneValues(vals []Value) []Value {
	if vals == nil {
		return nil
	}
	out := make([]Value, len(vals))
	for i, v := range vals {
		if v.Perm != nil {
			v.Perm = append([]PermEntry(nil), v.Perm...)
		}
		out[i] = v
	}
	return out
}

// ContainsValue reports whether vals holds v.
func ContainsValue(vals []Value, v Value) bool {
	for _, x := range vals {
		if x.Equal(v) {
			return true
		}
	}
	return false
}
