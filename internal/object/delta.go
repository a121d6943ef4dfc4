package object

import (
	"time"
)

// Op is the kind of change applied to one object.
type Op uint8

const (
	OpCreate Op = iota + 1
	OpUpdate
	OpDelete
)

// String returns the string representation of the op.
func (op Op) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Change is the field-level delta for one object. For OpCreate Fields holds
// every defined field; for OpUpdate only the changed fields, where an empty
// value list clears the field. OpDelete carries no fields.
type Change struct {
	Op     Op
	Handle Handle
	Fields map[FieldID][]Value
}

// Delta is everything one committed transaction changed.
type Delta struct {
	// Seq is assigned by the journal when the delta is appended.
	Seq     uint64
	TxID    uint64
	Owner   string
	Label   string
	Time    time.Time
	Changes []Change
}

// Empty reports whether the delta changes nothing.
func (d *Delta) Empty() bool {
	return len(d.Changes) == 0
}

// Types returns the distinct types touched by the delta.
func (d *Delta) Types() []TypeID {
	seen := make(map[TypeID]bool)
	var out []TypeID
	for _, c := range d.Changes {
		if !seen[c.Handle.Type] {
			seen[c.Handle.Type] = true
			out = append(out, c.Handle.Type)
		}
	}
	return out
}

// Apply returns the object that results from applying c to base at the
// given sequence number and time. base is nil for OpCreate; the result is
// nil for OpDelete.
func (c *Change) Apply(base *Object, seq uint64, at time.Time) *Object {
	switch c.Op {
	case OpCreate:
		obj := &Object{Handle: c.Handle, Fields: make(map[FieldID][]Value, len(c.Fields)), Modified: at, Seq: seq}
		for id, vals := range c.Fields {
			if len(vals) > 0 {
				obj.Fields[id] = CloneValues(vals)
			}
		}
		return obj
	case OpUpdate:
		obj := &Object{Handle: base.Handle, Fields: make(map[FieldID][]Value, len(base.Fields)), Modified: at, Seq: seq}
		for id, vals := range base.Fields {
			obj.Fields[id] = vals
		}
		for id, vals := range c.Fields {
			if len(vals) == 0 {
				delete(obj.Fields, id)
			} else {
				obj.Fields[id] = CloneValues(vals)
			}
		}
		return obj
	default:
		return nil
	}
}
