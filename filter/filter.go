// Package filter parses and evaluates scalar predicate expressions.
//
// The expression language is a small SQL-style subset used by delete
// predicates and search filters:
//
//	item = 'fizz'
//	n >= 3 AND n < 100
//	item IN ('fizz', 'buzz') OR NOT active = true
//
// Supported operators: =, !=, <, <=, >, >=, IN, AND, OR, NOT, parentheses.
// Comparing a field the row does not carry evaluates to false.
package filter

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/quiverdb/quiver/schema"
)

// ErrSyntax is the sentinel wrapped by all parse failures.
var ErrSyntax = errors.New("invalid filter expression")

// Expr is a parsed predicate.
type Expr interface {
	// Matches evaluates the predicate against one row.
	Matches(row schema.Row) bool
	// String renders a normalized form of the expression.
	String() string
}

// Parse compiles an expression string. An empty input is rejected; callers
// that want "match everything" simply pass no filter.
func Parse(input string) (Expr, error) {
	p := &parser{lex: newLexer(input)}
	p.advance()
	if p.cur.typ == tokenEOF {
		return nil, fmt.Errorf("%w: empty expression", ErrSyntax)
	}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.cur.typ != tokenEOF {
		return nil, fmt.Errorf("%w: unexpected %q at offset %d", ErrSyntax, p.cur.literal, p.cur.pos)
	}
	return expr, nil
}

type parser struct {
	lex *lexer
	cur token
}

func (p *parser) advance() { p.cur = p.lex.nextToken() }

// parseOr handles OR, the lowest-precedence operator.
func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("OR") {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &orExpr{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("AND") {
		p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &andExpr{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Expr, error) {
	if p.isKeyword("NOT") {
		p.advance()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notExpr{inner: inner}, nil
	}
	if p.cur.typ == tokenLParen {
		p.advance()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.cur.typ != tokenRParen {
			return nil, fmt.Errorf("%w: missing closing parenthesis", ErrSyntax)
		}
		p.advance()
		return inner, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (Expr, error) {
	if p.cur.typ != tokenIdent {
		return nil, fmt.Errorf("%w: expected field name, got %q", ErrSyntax, p.cur.literal)
	}
	field := p.cur.literal
	p.advance()

	if p.isKeyword("IN") {
		p.advance()
		values, err := p.parseValueList()
		if err != nil {
			return nil, err
		}
		return &inExpr{field: field, values: values}, nil
	}

	if p.cur.typ != tokenOperator {
		return nil, fmt.Errorf("%w: expected operator after %q, got %q", ErrSyntax, field, p.cur.literal)
	}
	op := p.cur.literal
	p.advance()

	value, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	return &cmpExpr{field: field, op: op, value: value}, nil
}

func (p *parser) parseValueList() ([]any, error) {
	if p.cur.typ != tokenLParen {
		return nil, fmt.Errorf("%w: IN requires a parenthesized list", ErrSyntax)
	}
	p.advance()

	var values []any
	for {
		v, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		values = append(values, v)

		if p.cur.typ == tokenComma {
			p.advance()
			continue
		}
		break
	}
	if p.cur.typ != tokenRParen {
		return nil, fmt.Errorf("%w: missing closing parenthesis in IN list", ErrSyntax)
	}
	p.advance()
	return values, nil
}

func (p *parser) parseValue() (any, error) {
	switch p.cur.typ {
	case tokenString:
		v := p.cur.literal
		p.advance()
		return v, nil
	case tokenNumber:
		lit := p.cur.literal
		p.advance()
		if strings.Contains(lit, ".") {
			f, err := strconv.ParseFloat(lit, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: bad number %q", ErrSyntax, lit)
			}
			return f, nil
		}
		i, err := strconv.ParseInt(lit, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad number %q", ErrSyntax, lit)
		}
		return i, nil
	case tokenIdent:
		switch strings.ToLower(p.cur.literal) {
		case "true":
			p.advance()
			return true, nil
		case "false":
			p.advance()
			return false, nil
		}
	}
	return nil, fmt.Errorf("%w: expected value, got %q", ErrSyntax, p.cur.literal)
}

func (p *parser) isKeyword(kw string) bool {
	return p.cur.typ == tokenIdent && strings.EqualFold(p.cur.literal, kw)
}
