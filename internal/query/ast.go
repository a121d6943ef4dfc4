// Package query implements the object search language.
//
// A query selects objects of one type by a boolean predicate over their
// fields:
//
//	select username, uid from object where uid > 1000 and shell == "/bin/bash"
//
// Predicates combine terms with and, or, not and parentheses. A term
// compares a field, or a reference path such as owner->username, against
// a literal:
//
//	==  ==_ci      equality, optionally case-insensitive
//	=~  =~_ci      regular expression match
//	<  <=  >  >=   ordering of numbers, strings, dates and addresses
//	starts ends    string prefix and suffix
//	len< len<= len> len>= len==   string length
//	defined        the path resolves to at least one value
//
// A term over a vector field holds when any value satisfies it. A path
// through a missing or unresolved reference yields no values, so the term
// is false. Comparisons between mismatched kinds are false rather than
// errors. Results are object handles in store iteration order.
package query

import (
	"fmt"
	"strings"
)

// NodeType represents the type of a predicate node.
type NodeType int

const (
	// NodeAnd holds when both children hold.
	NodeAnd NodeType = iota
	// NodeOr holds when either child holds.
	NodeOr
	// NodeNot negates its child.
	NodeNot
	// NodeTerm is a single comparison.
	NodeTerm
)

// String returns the string representation of the node type.
func (t NodeType) String() string {
	switch t {
	case NodeAnd:
		return "AND"
	case NodeOr:
		return "OR"
	case NodeNot:
		return "NOT"
	case NodeTerm:
		return "TERM"
	default:
		return "UNKNOWN"
	}
}

// Op is a comparison operator.
type Op int

const (
	OpEq Op = iota
	OpEqCI
	OpMatch
	OpMatchCI
	OpLess
	OpLessEq
	OpGreater
	OpGreaterEq
	OpStarts
	OpEnds
	OpLenLess
	OpLenLessEq
	OpLenGreater
	OpLenGreaterEq
	OpLenEq
	OpDefined
)

var opNames = map[Op]string{
	OpEq:           "==",
	OpEqCI:         "==_ci",
	OpMatch:        "=~",
	OpMatchCI:      "=~_ci",
	OpLess:         "<",
	OpLessEq:       "<=",
	OpGreater:      ">",
	OpGreaterEq:    ">=",
	OpStarts:       "starts",
	OpEnds:         "ends",
	OpLenLess:      "len<",
	OpLenLessEq:    "len<=",
	OpLenGreater:   "len>",
	OpLenGreaterEq: "len>=",
	OpLenEq:        "len==",
	OpDefined:      "defined",
}

// String returns the operator as written in queries.
func (op Op) String() string {
	if s, ok := opNames[op]; ok {
		return s
	}
	return "?"
}

// isLength reports whether op compares string lengths.
func (op Op) isLength() bool {
	return op >= OpLenLess && op <= OpLenEq
}

// LiteralKind is the kind of a literal.
type LiteralKind int

const (
	LitString LiteralKind = iota
	LitInt
	LitDecimal
	LitBool
)

// Literal is a constant operand.
type Literal struct {
	Kind  LiteralKind
	Str   string
	Int   int64
	Float float64
	Bool  bool
	Pos   int
}

// String renders the literal in query syntax.
func (l Literal) String() string {
	switch l.Kind {
	case LitString:
		return fmt.Sprintf("%q", l.Str)
	case LitInt:
		return fmt.Sprintf("%d", l.Int)
	case LitDecimal:
		return fmt.Sprintf("%g", l.Float)
	default:
		return fmt.Sprintf("%t", l.Bool)
	}
}

// Term compares a field path against a literal.
type Term struct {
	// Path is the chain of field names; every name but the last must be
	// a reference field.
	Path    []string
	PathPos []int
	Op      Op
	Literal Literal
}

// Node is a predicate tree node.
type Node struct {
	Type  NodeType
	Left  *Node
	Right *Node
	Child *Node
	Term  *Term
	Pos   int
}

// String renders the node in query syntax with explicit parentheses.
func (n *Node) String() string {
	switch n.Type {
	case NodeAnd:
		return "(" + n.Left.String() + " and " + n.Right.String() + ")"
	case NodeOr:
		return "(" + n.Left.String() + " or " + n.Right.String() + ")"
	case NodeNot:
		return "not " + n.Child.String()
	default:
		path := strings.Join(n.Term.Path, "->")
		if n.Term.Op == OpDefined {
			return path + " defined"
		}
		return path + " " + n.Term.Op.String() + " " + n.Term.Literal.String()
	}
}

// Query is a parsed query.
type Query struct {
	// Fields is nil for "select *".
	Fields    []string
	FieldsPos []int

	// From names the type, or is "object" for the type given at
	// evaluation.
	From    string
	FromPos int

	// Where is nil when the query has no where clause.
	Where *Node
}
