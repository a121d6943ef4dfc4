package query

import (
	"strings"

	"github.com/KilimcininKorOglu/dirmgr/internal/errs"
)

// Parser is a recursive-descent parser for queries.
//
// Grammar:
//
//	query     = "select" fields "from" ident [ "where" expr ] .
//	fields    = "*" | ident { "," ident } .
//	expr      = and { "or" and } .
//	and       = unary { "and" unary } .
//	unary     = "not" unary | "(" expr ")" | term .
//	term      = path ( op literal | "starts" literal | "ends" literal | "defined" ) .
//	path      = ident { "->" ident } .
//	literal   = string | number | "true" | "false" .
type Parser struct {
	lex lexer
	tok token
}

// Parse parses a complete query.
func Parse(src string) (*Query, error) {
	p := &Parser{lex: lexer{src: src}}
	if err := p.advance(); err != nil {
		return nil, err
	}
	return p.parseQuery()
}

// ParsePredicate parses a bare where-clause expression.
func ParsePredicate(src string) (*Node, error) {
	p := &Parser{lex: lexer{src: src}}
	if err := p.advance(); err != nil {
		return nil, err
	}
	n, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, p.unexpected("end of predicate")
	}
	return n, nil
}

func (p *Parser) advance() error {
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = t
	return nil
}

func (p *Parser) keyword(word string) bool {
	return p.tok.kind == tokIdent && strings.EqualFold(p.tok.text, word)
}

func (p *Parser) unexpected(want string) error {
	if p.tok.kind == tokEOF {
		return errs.At(errs.QuerySyntaxError, p.tok.pos, "expected %s, found end of query", want)
	}
	return errs.At(errs.QuerySyntaxError, p.tok.pos, "expected %s, found %q", want, p.tok.text)
}

func (p *Parser) expectKeyword(word string) error {
	if !p.keyword(word) {
		return p.unexpected(word)
	}
	return p.advance()
}

func (p *Parser) parseQuery() (*Query, error) {
	if err := p.expectKeyword("select"); err != nil {
		return nil, err
	}

	q := &Query{}
	if p.tok.kind == tokStar {
		if err := p.advance(); err != nil {
			return nil, err
		}
	} else {
		for {
			if p.tok.kind != tokIdent || p.keyword("from") {
				return nil, p.unexpected("field name")
			}
			q.Fields = append(q.Fields, p.tok.text)
			q.FieldsPos = append(q.FieldsPos, p.tok.pos)
			if err := p.advance(); err != nil {
				return nil, err
			}
			if p.tok.kind != tokComma {
				break
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
	}

	if err := p.expectKeyword("from"); err != nil {
		return nil, err
	}
	if p.tok.kind != tokIdent {
		return nil, p.unexpected("type name")
	}
	q.From = p.tok.text
	q.FromPos = p.tok.pos
	if err := p.advance(); err != nil {
		return nil, err
	}

	if p.keyword("where") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		n, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		q.Where = n
	}

	if p.tok.kind != tokEOF {
		return nil, p.unexpected("end of query")
	}
	return q, nil
}

func (p *Parser) parseExpr() (*Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.keyword("or") {
		pos := p.tok.pos
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &Node{Type: NodeOr, Left: left, Right: right, Pos: pos}
	}
	return left, nil
}

func (p *Parser) parseAnd() (*Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.keyword("and") {
		pos := p.tok.pos
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &Node{Type: NodeAnd, Left: left, Right: right, Pos: pos}
	}
	return left, nil
}

func (p *Parser) parseUnary() (*Node, error) {
	switch {
	case p.keyword("not"):
		pos := p.tok.pos
		if err := p.advance(); err != nil {
			return nil, err
		}
		child, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Node{Type: NodeNot, Child: child, Pos: pos}, nil

	case p.tok.kind == tokLParen:
		open := p.tok.pos
		if err := p.advance(); err != nil {
			return nil, err
		}
		n, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			if p.tok.kind == tokEOF {
				return nil, errs.At(errs.QuerySyntaxError, open, "unbalanced parenthesis")
			}
			return nil, p.unexpected(")")
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return n, nil
	}
	return p.parseTerm()
}

func (p *Parser) parseTerm() (*Node, error) {
	if p.tok.kind != tokIdent || p.keyword("and") || p.keyword("or") {
		return nil, p.unexpected("field name")
	}
	pos := p.tok.pos
	term := &Term{}
	for {
		term.Path = append(term.Path, p.tok.text)
		term.PathPos = append(term.PathPos, p.tok.pos)
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.tok.kind != tokArrow {
			break
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.tok.kind != tokIdent {
			return nil, p.unexpected("field name after ->")
		}
	}

	switch {
	case p.keyword("defined"):
		term.Op = OpDefined
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &Node{Type: NodeTerm, Term: term, Pos: pos}, nil
	case p.keyword("starts"):
		term.Op = OpStarts
	case p.keyword("ends"):
		term.Op = OpEnds
	case p.tok.kind == tokOp:
		op, ok := parseOp(p.tok.text)
		if !ok {
			return nil, errs.At(errs.QuerySyntaxError, p.tok.pos, "unknown operator %s", p.tok.text)
		}
		term.Op = op
	default:
		return nil, p.unexpected("operator")
	}
	if err := p.advance(); err != nil {
		return nil, err
	}

	lit, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}
	term.Literal = lit
	return &Node{Type: NodeTerm, Term: term, Pos: pos}, nil
}

func parseOp(s string) (Op, bool) {
	for op, name := range opNames {
		if name == s {
			return op, true
		}
	}
	return 0, false
}

func (p *Parser) parseLiteral() (Literal, error) {
	var lit Literal
	switch {
	case p.tok.kind == tokString:
		lit = Literal{Kind: LitString, Str: p.tok.text, Pos: p.tok.pos}
	case p.tok.kind == tokNumber:
		l, err := numberLiteral(p.tok)
		if err != nil {
			return Literal{}, err
		}
		lit = l
	case p.keyword("true"):
		lit = Literal{Kind: LitBool, Bool: true, Pos: p.tok.pos}
	case p.keyword("false"):
		lit = Literal{Kind: LitBool, Bool: false, Pos: p.tok.pos}
	default:
		return Literal{}, p.unexpected("literal")
	}
	if err := p.advance(); err != nil {
		return Literal{}, err
	}
	return lit, nil
}
