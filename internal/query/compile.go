package query

import (
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/KilimcininKorOglu/dirmgr/internal/errs"
	"github.com/KilimcininKorOglu/dirmgr/internal/object"
	"github.com/KilimcininKorOglu/dirmgr/internal/schema"
)

// ObjectTypeName is the from-clause name that stands for the type the
// query is evaluated against.
const ObjectTypeName = "object"

// Plan is a query compiled against one object type.
type Plan struct {
	Type   *schema.ObjectType
	Fields []*schema.FieldDef
	Where  *Node

	schema *schema.Schema
	terms  map[*Term]*compiledTerm
}

// step is one hop of a field path. def is nil when the hop follows an
// untyped reference and must be resolved by name on the target's type.
type step struct {
	name string
	def  *schema.FieldDef
}

type compiledTerm struct {
	path []step
	op   Op

	str    string
	hasStr bool

	num    float64
	isInt  bool
	ival   int64
	hasNum bool

	boolean bool
	hasBool bool

	date    time.Time
	hasDate bool

	ip    netip.Addr
	hasIP bool

	handle    object.Handle
	hasHandle bool

	re     *regexp.Regexp
	length int
}

// Compile parses src and binds it to type t of s. A from clause of
// "object" binds to t; a type name must name t.
func Compile(s *schema.Schema, t *schema.ObjectType, src string) (*Plan, error) {
	q, err := Parse(src)
	if err != nil {
		return nil, err
	}
	return CompileQuery(s, t, q)
}

// CompileQuery binds a parsed query to type t of s. A nil t takes the
// type from the from clause.
func CompileQuery(s *schema.Schema, t *schema.ObjectType, q *Query) (*Plan, error) {
	if !strings.EqualFold(q.From, ObjectTypeName) {
		named, err := s.TypeByName(q.From)
		if err != nil {
			return nil, errs.At(errs.QuerySyntaxError, q.FromPos, "unknown type %q", q.From)
		}
		if t != nil && named.ID != t.ID {
			return nil, errs.At(errs.QuerySyntaxError, q.FromPos, "query selects %s, not %s", named.Name, t.Name)
		}
		t = named
	}
	if t == nil {
		return nil, errs.At(errs.QuerySyntaxError, q.FromPos, "no type to select from")
	}

	p := &Plan{Type: t, Where: q.Where, schema: s, terms: make(map[*Term]*compiledTerm)}
	if q.Fields == nil {
		p.Fields = append(p.Fields, t.Fields...)
	}
	for i, name := range q.Fields {
		f, err := t.FieldByName(name)
		if err != nil {
			return nil, errs.At(errs.QuerySyntaxError, q.FieldsPos[i], "type %s has no field %q", t.Name, name)
		}
		p.Fields = append(p.Fields, f)
	}

	if q.Where != nil {
		if err := p.compileNode(q.Where); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// CompilePredicate binds a bare predicate to type t.
func CompilePredicate(s *schema.Schema, t *schema.ObjectType, src string) (*Plan, error) {
	n, err := ParsePredicate(src)
	if err != nil {
		return nil, err
	}
	return CompileQuery(s, t, &Query{From: ObjectTypeName, Fields: []string{}, Where: n})
}

func (p *Plan) compileNode(n *Node) error {
	switch n.Type {
	case NodeAnd, NodeOr:
		if err := p.compileNode(n.Left); err != nil {
			return err
		}
		return p.compileNode(n.Right)
	case NodeNot:
		return p.compileNode(n.Child)
	}
	ct, err := p.compileTerm(n.Term)
	if err != nil {
		return err
	}
	p.terms[n.Term] = ct
	return nil
}

func (p *Plan) compileTerm(t *Term) (*compiledTerm, error) {
	ct := &compiledTerm{op: t.Op}

	cur := p.Type
	for i, name := range t.Path {
		if cur == nil {
			ct.path = append(ct.path, step{name: name})
			continue
		}
		f, err := cur.FieldByName(name)
		if err != nil {
			return nil, errs.At(errs.QuerySyntaxError, t.PathPos[i], "type %s has no field %q", cur.Name, name)
		}
		ct.path = append(ct.path, step{name: name, def: f})
		if i == len(t.Path)-1 {
			break
		}
		if f.Kind != object.KindRef {
			return nil, errs.At(errs.QuerySyntaxError, t.PathPos[i], "field %s is not a reference", name)
		}
		cur = nil
		if f.TargetType != 0 {
			if cur, err = p.schema.Type(f.TargetType); err != nil {
				return nil, errs.At(errs.QuerySyntaxError, t.PathPos[i], "field %s references an unknown type", name)
			}
		}
	}

	if t.Op == OpDefined {
		return ct, nil
	}

	lit := t.Literal
	switch {
	case t.Op.isLength():
		if lit.Kind != LitInt {
			return nil, errs.At(errs.QuerySyntaxError, lit.Pos, "%s needs an integer", t.Op)
		}
		ct.length = int(lit.Int)
		return ct, nil
	case t.Op == OpMatch || t.Op == OpMatchCI:
		if lit.Kind != LitString {
			return nil, errs.At(errs.QuerySyntaxError, lit.Pos, "%s needs a string pattern", t.Op)
		}
		expr := lit.Str
		if t.Op == OpMatchCI {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, errs.At(errs.QuerySyntaxError, lit.Pos, "invalid pattern: %v", err)
		}
		ct.re = re
		return ct, nil
	case t.Op == OpStarts || t.Op == OpEnds:
		if lit.Kind != LitString {
			return nil, errs.At(errs.QuerySyntaxError, lit.Pos, "%s needs a string", t.Op)
		}
	}

	ct.bindLiteral(lit)
	return ct, nil
}

// bindLiteral pre-parses lit into every value kind it can stand for so
// that matching never parses. Only a quoted literal compares against a
// string field.
func (ct *compiledTerm) bindLiteral(lit Literal) {
	switch lit.Kind {
	case LitInt:
		ct.ival, ct.isInt, ct.num, ct.hasNum = lit.Int, true, float64(lit.Int), true
		ct.str = strconv.FormatInt(lit.Int, 10)
	case LitDecimal:
		ct.num, ct.hasNum = lit.Float, true
		ct.str = strconv.FormatFloat(lit.Float, 'f', -1, 64)
	case LitBool:
		ct.boolean, ct.hasBool = lit.Bool, true
		ct.str = strconv.FormatBool(lit.Bool)
	case LitString:
		ct.str, ct.hasStr = lit.Str, true
		s := strings.TrimSpace(lit.Str)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			ct.ival, ct.isInt, ct.num, ct.hasNum = i, true, float64(i), true
		} else if f, err := strconv.ParseFloat(s, 64); err == nil {
			ct.num, ct.hasNum = f, true
		}
		if b, err := strconv.ParseBool(s); err == nil {
			ct.boolean, ct.hasBool = b, true
		}
		if d, ok := schema.ParseDate(s); ok {
			ct.date, ct.hasDate = d.UTC().Truncate(time.Second), true
		}
		if a, err := netip.ParseAddr(s); err == nil {
			ct.ip, ct.hasIP = a, true
		}
		if h, err := object.ParseHandle(s); err == nil {
			ct.handle, ct.hasHandle = h, true
		}
	}
}
