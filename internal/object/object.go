package object

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// TypeID identifies an object type.
type TypeID uint16

// FieldID identifies a field within an object type.
type FieldID uint16

// Handle is the stable (type, local id) identity of an object.
type Handle struct {
	Type TypeID
	ID   uint32
}

// IsZero reports whether h is the zero handle.
func (h Handle) IsZero() bool {
	return h.Type == 0 && h.ID == 0
}

// String renders h as "type:id".
func (h Handle) String() string {
	return strconv.Itoa(int(h.Type)) + ":" + strconv.FormatUint(uint64(h.ID), 10)
}

// Less orders handles by type, then id.
func (h Handle) Less(o Handle) bool {
	if h.Type != o.Type {
		return h.Type < o.Type
	}
	return h.ID < o.ID
}

// ParseHandle parses the "type:id" form produced by Handle.String.
func ParseHandle(s string) (Handle, error) {
	i := strings.IndexByte(s, ':')
	if i <= 0 {
		return Handle{}, fmt.Errorf("invalid handle %q", s)
	}
	t, err := strconv.ParseUint(s[:i], 10, 16)
	if err != nil {
		return Handle{}, fmt.Errorf("invalid handle type %q", s)
	}
	id, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil {
		return Handle{}, fmt.Errorf("invalid handle id %q", s)
	}
	return Handle{Type: TypeID(t), ID: uint32(id)}, nil
}

// Object is an immutable committed object. A commit never mutates an Object;
// it installs a new one under the same handle.
type Object struct {
	Handle   Handle
	Fields   map[FieldID][]Value
	Modified time.Time
	// Seq is the journal sequence number of the commit that produced this
	// version.
	Seq uint64
}

// Get returns the values of field f (nil if undefined).
func (o *Object) Get(f FieldID) []Value {
	return o.Fields[f]
}

// First returns the first value of field f.
func (o *Object) First(f FieldID) (Value, bool) {
	vals := o.Fields[f]
	if len(vals) == 0 {
		return Value{}, false
	}
	return vals[0], true
}

// FieldIDs returns the ids of all defined fields in ascending order.
func (o *Object) FieldIDs() []FieldID {
	ids := make([]FieldID, 0, len(o.Fields))
	for id := range o.Fields {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Clone returns a deep copy of o.
func (o *Object) Clone() *Object {
	c := &Object{
		Handle:   o.Handle,
		Fields:   make(map[FieldID][]Value, len(o.Fields)),
		Modified: o.Modified,
		Seq:      o.Seq,
	}
	for id, vals := range o.Fields {
		c.Fields[id] = CloneValues(vals)
	}
	return c
}

// Equal reports whether o and p hold the same handle and field values.
func (o *Object) Equal(p *Object) bool {
	if o.Handle != p.Handle || len(o.Fields) != len(p.Fields) {
		return false
	}
	for id, vals := range o.Fields {
		if !EqualValues(vals, p.Fields[id]) {
			return false
		}
	}
	return true
}
