package query

import (
	"strconv"
	"strings"

	"github.com/KilimcininKorOglu/dirmgr/internal/errs"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokOp
	tokArrow
	tokComma
	tokStar
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// lexer splits a query into tokens. Keywords are identifiers; the parser
// recognizes them case-insensitively.
type lexer struct {
	src string
	pos int
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func (l *lexer) peekByte(off int) byte {
	if l.pos+off < len(l.src) {
		return l.src[l.pos+off]
	}
	return 0
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.src) && strings.IndexByte(" \t\r\n", l.src[l.pos]) >= 0 {
		l.pos++
	}
	start := l.pos
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, pos: start}, nil
	}

	c := l.src[l.pos]
	switch {
	case c == '(':
		l.pos++
		return token{kind: tokLParen, text: "(", pos: start}, nil
	case c == ')':
		l.pos++
		return token{kind: tokRParen, text: ")", pos: start}, nil
	case c == ',':
		l.pos++
		return token{kind: tokComma, text: ",", pos: start}, nil
	case c == '*':
		l.pos++
		return token{kind: tokStar, text: "*", pos: start}, nil
	case c == '"' || c == '\'':
		return l.lexString(c)
	case c == '-' && l.peekByte(1) == '>':
		l.pos += 2
		return token{kind: tokArrow, text: "->", pos: start}, nil
	case isDigit(c) || ((c == '-' || c == '+') && isDigit(l.peekByte(1))):
		return l.lexNumber()
	case c == '=' || c == '<' || c == '>':
		return l.lexOperator(start, "")
	case isIdentStart(c):
		for l.pos < len(l.src) && isIdentChar(l.src[l.pos]) {
			l.pos++
		}
		word := l.src[start:l.pos]
		if strings.EqualFold(word, "len") {
			if n := l.peekByte(0); n == '<' || n == '>' || n == '=' {
				return l.lexOperator(start, "len")
			}
		}
		return token{kind: tokIdent, text: word, pos: start}, nil
	}
	return token{}, errs.At(errs.QuerySyntaxError, start, "unexpected character %q", c)
}

// lexOperator reads a comparison operator at l.pos; prefix is "len" for
// the length operators.
func (l *lexer) lexOperator(start int, prefix string) (token, error) {
	rest := l.src[l.pos:]
	var op string
	for _, cand := range []string{"==_ci", "=~_ci", "==", "=~", "<=", ">=", "<", ">"} {
		if strings.HasPrefix(rest, cand) {
			op = cand
			break
		}
	}
	if op == "" {
		return token{}, errs.At(errs.QuerySyntaxError, l.pos, "invalid operator")
	}
	if strings.HasSuffix(op, "_ci") && l.pos+len(op) < len(l.src) && isIdentChar(l.src[l.pos+len(op)]) {
		return token{}, errs.At(errs.QuerySyntaxError, l.pos, "invalid operator")
	}
	if prefix != "" && (op == "=~" || op == "=~_ci" || op == "==_ci") {
		return token{}, errs.At(errs.QuerySyntaxError, start, "invalid length operator %s%s", prefix, op)
	}
	l.pos += len(op)
	return token{kind: tokOp, text: strings.ToLower(prefix) + op, pos: start}, nil
}

func (l *lexer) lexString(quote byte) (token, error) {
	start := l.pos
	l.pos++
	var b strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch c {
		case quote:
			l.pos++
			return token{kind: tokString, text: b.String(), pos: start}, nil
		case '\\':
			if l.pos+1 >= len(l.src) {
				return token{}, errs.At(errs.QuerySyntaxError, start, "unterminated string")
			}
			l.pos++
			switch e := l.src[l.pos]; e {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(e)
			}
		default:
			b.WriteByte(c)
		}
		l.pos++
	}
	return token{}, errs.At(errs.QuerySyntaxError, start, "unterminated string")
}

func (l *lexer) lexNumber() (token, error) {
	start := l.pos
	if c := l.src[l.pos]; c == '-' || c == '+' {
		l.pos++
	}
	for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
		l.pos++
	}
	if l.pos < len(l.src) && l.src[l.pos] == '.' && isDigit(l.peekByte(1)) {
		l.pos++
		for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
			l.pos++
		}
	}
	if l.pos < len(l.src) && isIdentChar(l.src[l.pos]) {
		return token{}, errs.At(errs.QuerySyntaxError, start, "malformed number")
	}
	return token{kind: tokNumber, text: l.src[start:l.pos], pos: start}, nil
}

// numberLiteral converts a number token to a literal.
func numberLiteral(t token) (Literal, error) {
	if strings.Contains(t.text, ".") {
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return Literal{}, errs.At(errs.QuerySyntaxError, t.pos, "invalid decimal %s", t.text)
		}
		return Literal{Kind: LitDecimal, Float: f, Pos: t.pos}, nil
	}
	i, err := strconv.ParseInt(t.text, 10, 64)
	if err != nil {
		return Literal{}, errs.At(errs.QuerySyntaxError, t.pos, "integer %s out of range", t.text)
	}
	return Literal{Kind: LitInt, Int: i, Pos: t.pos}, nil
}
