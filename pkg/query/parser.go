// ABOUTME: Textual query syntax for expressions
// ABOUTME: Grammar: or := and (OR and)*, and := unary (AND unary)*, unary := NOT unary | primary

package query

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/nainya/catalogfed/pkg/term"
)

type tokenType int

const (
	tokEOF tokenType = iota
	tokIdent
	tokString
	tokOp
	tokAnd
	tokOr
	tokNot
	tokLParen
	tokRParen
	tokLBrace
	tokRBrace
	tokComma
	tokStar
)

type token struct {
	typ tokenType
	val string
	pos int
}

type lexer struct {
	input string
	pos   int
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.input) && unicode.IsSpace(rune(l.input[l.pos])) {
		l.pos++
	}
	if l.pos >= len(l.input) {
		return token{typ: tokEOF, pos: l.pos}, nil
	}

	start := l.pos
	c := l.input[l.pos]
	switch c {
	case '(':
		l.pos++
		return token{typ: tokLParen, val: "(", pos: start}, nil
	case ')':
		l.pos++
		return token{typ: tokRParen, val: ")", pos: start}, nil
	case '{':
		l.pos++
		return token{typ: tokLBrace, val: "{", pos: start}, nil
	case '}':
		l.pos++
		return token{typ: tokRBrace, val: "}", pos: start}, nil
	case ',':
		l.pos++
		return token{typ: tokComma, val: ",", pos: start}, nil
	case '*':
		l.pos++
		return token{typ: tokStar, val: "*", pos: start}, nil
	case '\'', '"':
		return l.readString(c)
	case '=':
		if strings.HasPrefix(l.input[l.pos:], "==") {
			l.pos += 2
			return token{typ: tokOp, val: "==", pos: start}, nil
		}
		return token{}, fmt.Errorf("%w: expected '==' at %d", ErrInvalidExpression, start)
	case '>', '<':
		l.pos++
		if l.pos < len(l.input) && l.input[l.pos] == '=' {
			l.pos++
		}
		return token{typ: tokOp, val: l.input[start:l.pos], pos: start}, nil
	}

	if isIdentRune(rune(c)) {
		for l.pos < len(l.input) && isIdentRune(rune(l.input[l.pos])) {
			l.pos++
		}
		word := l.input[start:l.pos]
		switch strings.ToUpper(word) {
		case "AND":
			return token{typ: tokAnd, val: word, pos: start}, nil
		case "OR":
			return token{typ: tokOr, val: word, pos: start}, nil
		case "NOT":
			return token{typ: tokNot, val: word, pos: start}, nil
		}
		return token{typ: tokIdent, val: word, pos: start}, nil
	}
	return token{}, fmt.Errorf("%w: unexpected character %q at %d", ErrInvalidExpression, c, start)
}

// readString reads a quoted literal; a doubled quote escapes itself
func (l *lexer) readString(quote byte) (token, error) {
	start := l.pos
	l.pos++
	var sb strings.Builder
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		if c == quote {
			if l.pos+1 < len(l.input) && l.input[l.pos+1] == quote {
				sb.WriteByte(quote)
				l.pos += 2
				continue
			}
			l.pos++
			return token{typ: tokString, val: sb.String(), pos: start}, nil
		}
		sb.WriteByte(c)
		l.pos++
	}
	return token{}, fmt.Errorf("%w: unterminated string at %d", ErrInvalidExpression, start)
}

func isIdentRune(r rune) bool {
	return r == '_' || r == '.' || r == '-' || r == ':' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

type parser struct {
	lex *lexer
	cur token
}

// Parse turns a textual query into an expression, e.g.
//
//	DataVersion == '4.0' AND NOT {archive}(Filename == 'x.dat' OR Filename == 'y.dat')
func Parse(input string) (Expression, error) {
	p := &parser{lex: &lexer{input: input}}
	if err := p.advance(); err != nil {
		return Expression{}, err
	}
	expr, err := p.parseOr()
	if err != nil {
		return Expression{}, err
	}
	if p.cur.typ != tokEOF {
		return Expression{}, fmt.Errorf("%w: unexpected %q at %d", ErrInvalidExpression, p.cur.val, p.cur.pos)
	}
	return expr, expr.Validate()
}

// MustParse is Parse that panics on error, for fixed queries in code and tests
func MustParse(input string) Expression {
	e, err := Parse(input)
	if err != nil {
		panic(err)
	}
	return e
}

func (p *parser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.cur = tok
	return nil
}

func (p *parser) expect(typ tokenType, what string) error {
	if p.cur.typ != typ {
		return fmt.Errorf("%w: expected %s at %d, got %q", ErrInvalidExpression, what, p.cur.pos, p.cur.val)
	}
	return p.advance()
}

func (p *parser) parseOr() (Expression, error) {
	left, err := p.parseAnd()
	if err != nil {
		return Expression{}, err
	}
	children := []Expression{left}
	for p.cur.typ == tokOr {
		if err := p.advance(); err != nil {
			return Expression{}, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return Expression{}, err
		}
		children = append(children, right)
	}
	if len(children) == 1 {
		return left, nil
	}
	return Or(children...), nil
}

func (p *parser) parseAnd() (Expression, error) {
	left, err := p.parseUnary()
	if err != nil {
		return Expression{}, err
	}
	children := []Expression{left}
	for p.cur.typ == tokAnd {
		if err := p.advance(); err != nil {
			return Expression{}, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return Expression{}, err
		}
		children = append(children, right)
	}
	if len(children) == 1 {
		return left, nil
	}
	return And(children...), nil
}

func (p *parser) parseUnary() (Expression, error) {
	if p.cur.typ == tokNot {
		if err := p.advance(); err != nil {
			return Expression{}, err
		}
		inner, err := p.parseUnary()
		if err != nil {
			return Expression{}, err
		}
		return Not(inner), nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expression, error) {
	var buckets []string
	if p.cur.typ == tokLBrace {
		var err error
		if buckets, err = p.parseBuckets(); err != nil {
			return Expression{}, err
		}
	}

	var expr Expression
	switch p.cur.typ {
	case tokLParen:
		if err := p.advance(); err != nil {
			return Expression{}, err
		}
		inner, err := p.parseOr()
		if err != nil {
			return Expression{}, err
		}
		if err := p.expect(tokRParen, "')'"); err != nil {
			return Expression{}, err
		}
		expr = inner
	case tokStar:
		if err := p.advance(); err != nil {
			return Expression{}, err
		}
		expr = All()
	case tokNot:
		inner, err := p.parseUnary()
		if err != nil {
			return Expression{}, err
		}
		expr = inner
	case tokIdent:
		cmp, err := p.parseComparison()
		if err != nil {
			return Expression{}, err
		}
		expr = cmp
	default:
		return Expression{}, fmt.Errorf("%w: unexpected %q at %d", ErrInvalidExpression, p.cur.val, p.cur.pos)
	}

	if len(buckets) > 0 {
		expr = expr.WithBuckets(buckets...)
	}
	return expr, nil
}

func (p *parser) parseBuckets() ([]string, error) {
	if err := p.advance(); err != nil {
		return nil, err
	}
	var buckets []string
	for {
		if p.cur.typ != tokIdent && p.cur.typ != tokString {
			return nil, fmt.Errorf("%w: expected bucket name at %d", ErrInvalidExpression, p.cur.pos)
		}
		buckets = append(buckets, p.cur.val)
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.cur.typ == tokComma {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		return buckets, p.expect(tokRBrace, "'}'")
	}
}

func (p *parser) parseComparison() (Expression, error) {
	name := p.cur.val
	if err := p.advance(); err != nil {
		return Expression{}, err
	}
	if p.cur.typ != tokOp {
		return Expression{}, fmt.Errorf("%w: expected operator after %q at %d", ErrInvalidExpression, name, p.cur.pos)
	}
	op := parseOperator(p.cur.val)
	if err := p.advance(); err != nil {
		return Expression{}, err
	}

	var values []string
	switch p.cur.typ {
	case tokString, tokIdent:
		values = append(values, p.cur.val)
		if err := p.advance(); err != nil {
			return Expression{}, err
		}
	case tokLParen:
		if err := p.advance(); err != nil {
			return Expression{}, err
		}
		for {
			if p.cur.typ != tokString && p.cur.typ != tokIdent {
				return Expression{}, fmt.Errorf("%w: expected value at %d", ErrInvalidExpression, p.cur.pos)
			}
			values = append(values, p.cur.val)
			if err := p.advance(); err != nil {
				return Expression{}, err
			}
			if p.cur.typ == tokComma {
				if err := p.advance(); err != nil {
					return Expression{}, err
				}
				continue
			}
			if err := p.expect(tokRParen, "')'"); err != nil {
				return Expression{}, err
			}
			break
		}
	default:
		return Expression{}, fmt.Errorf("%w: expected value for %q at %d", ErrInvalidExpression, name, p.cur.pos)
	}
	return Compare(term.New(name, values...), op), nil
}

func parseOperator(s string) Operator {
	switch s {
	case "==":
		return EQ
	case ">":
		return GT
	case ">=":
		return GTE
	case "<":
		return LT
	case "<=":
		return LTE
	}
	return 0
}
