package query

import (
	"cmp"
	"strings"
	"unicode/utf8"

	"github.com/KilimcininKorOglu/dirmgr/internal/object"
	"github.com/KilimcininKorOglu/dirmgr/internal/store"
)

// Match reports whether obj satisfies the plan's predicate. References
// are resolved in snap. A plan without a predicate matches everything.
func (p *Plan) Match(snap *store.Snapshot, obj *object.Object) bool {
	if p.Where == nil {
		return true
	}
	return p.evaluate(snap, p.Where, obj)
}

func (p *Plan) evaluate(snap *store.Snapshot, n *Node, obj *object.Object) bool {
	switch n.Type {
	case NodeAnd:
		return p.evaluate(snap, n.Left, obj) && p.evaluate(snap, n.Right, obj)
	case NodeOr:
		return p.evaluate(snap, n.Left, obj) || p.evaluate(snap, n.Right, obj)
	case NodeNot:
		return !p.evaluate(snap, n.Child, obj)
	case NodeTerm:
		ct := p.terms[n.Term]
		if ct == nil {
			return false
		}
		vals := p.resolve(snap, ct.path, obj)
		if ct.op == OpDefined {
			return len(vals) > 0
		}
		for _, v := range vals {
			if ct.matchValue(v) {
				return true
			}
		}
	}
	return false
}

// resolve follows path from obj and returns the values at its end.
// Unresolvable references contribute nothing.
func (p *Plan) resolve(snap *store.Snapshot, path []step, obj *object.Object) []object.Value {
	objs := []*object.Object{obj}
	for i, st := range path {
		var vals []object.Value
		for _, o := range objs {
			f := st.def
			if f == nil {
				t, err := p.schema.Type(o.Handle.Type)
				if err != nil {
					continue
				}
				if f, err = t.FieldByName(st.name); err != nil {
					continue
				}
			}
			vals = append(vals, o.Get(f.ID)...)
		}
		if i == len(path)-1 {
			return vals
		}

		objs = objs[:0:0]
		for _, v := range vals {
			if v.Kind != object.KindRef {
				continue
			}
			if target, ok := snap.Get(v.Ref); ok {
				objs = append(objs, target)
			}
		}
		if len(objs) == 0 {
			return nil
		}
	}
	return nil
}

func (ct *compiledTerm) matchValue(v object.Value) bool {
	switch ct.op {
	case OpMatch, OpMatchCI:
		s, ok := textOf(v)
		return ok && ct.re.MatchString(s)
	case OpStarts:
		s, ok := textOf(v)
		return ok && strings.HasPrefix(s, ct.str)
	case OpEnds:
		s, ok := textOf(v)
		return ok && strings.HasSuffix(s, ct.str)
	case OpLenLess, OpLenLessEq, OpLenGreater, OpLenGreaterEq, OpLenEq:
		s, ok := textOf(v)
		if !ok {
			return false
		}
		return ct.lengthHolds(utf8.RuneCountInString(s))
	}

	c, ok := ct.compare(v)
	if !ok {
		return false
	}
	switch ct.op {
	case OpEq, OpEqCI:
		return c == 0
	case OpLess:
		return c < 0
	case OpLessEq:
		return c <= 0
	case OpGreater:
		return c > 0
	case OpGreaterEq:
		return c >= 0
	}
	return false
}

func (ct *compiledTerm) lengthHolds(n int) bool {
	switch ct.op {
	case OpLenLess:
		return n < ct.length
	case OpLenLessEq:
		return n <= ct.length
	case OpLenGreater:
		return n > ct.length
	case OpLenGreaterEq:
		return n >= ct.length
	default:
		return n == ct.length
	}
}

// textOf returns the text that string operators see for v. Password
// hashes and permission matrices have none.
func textOf(v object.Value) (string, bool) {
	switch v.Kind {
	case object.KindPassword, object.KindPerm, object.KindInvalid:
		return "", false
	}
	return v.String(), true
}

// compare orders v against the literal. ok is false when the literal has
// no reading of v's kind or the kind is not ordered by the operator.
func (ct *compiledTerm) compare(v object.Value) (int, bool) {
	ordered := ct.op != OpEq && ct.op != OpEqCI
	switch v.Kind {
	case object.KindString:
		if !ct.hasStr {
			return 0, false
		}
		if ct.op == OpEqCI {
			if strings.EqualFold(v.Str, ct.str) {
				return 0, true
			}
			return 1, true
		}
		return strings.Compare(v.Str, ct.str), true
	case object.KindInt:
		if !ct.hasNum {
			return 0, false
		}
		if ct.isInt {
			return cmp.Compare(v.Int, ct.ival), true
		}
		return cmp.Compare(float64(v.Int), ct.num), true
	case object.KindBool:
		if !ct.hasBool || ordered {
			return 0, false
		}
		if v.Bool == ct.boolean {
			return 0, true
		}
		return 1, true
	case object.KindDate:
		if !ct.hasDate {
			return 0, false
		}
		return v.Time.Compare(ct.date), true
	case object.KindIP:
		if !ct.hasIP {
			return 0, false
		}
		return v.IP.Compare(ct.ip), true
	case object.KindRef:
		if !ct.hasHandle || ordered {
			return 0, false
		}
		if v.Ref == ct.handle {
			return 0, true
		}
		return 1, true
	}
	return 0, false
}
