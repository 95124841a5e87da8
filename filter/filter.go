// Package filter parses and evaluates recipient filter expressions.
// The grammar is fixed by the service: conditions over AgentInfo metadata
// keys with = / == / !=, combined with &&, || and !, parenthesization, and
// trailing-* wildcards on values. Evaluation here is a local convenience;
// the string sent on the wire is always the caller's original.
package filter

import (
	"fmt"
	"strings"
)

// Expression is a parsed filter, evaluable against agent metadata.
type Expression interface {
	Matches(metadata map[string]string) bool
	String() string
}

// Parse builds an Expression from a filter string. Empty input is an error;
// an empty filter means "no filter" and should not reach the parser.
func Parse(input string) (Expression, error) {
	p := &parser{src: input}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos < len(p.src) {
		return nil, fmt.Errorf("filter: unexpected %q at %d", p.src[p.pos:], p.pos)
	}
	return expr, nil
}

// ParseEventTypes splits the comma-list shorthand used for customEventType
// ("a,b,c"). Entries are trimmed; empty entries are dropped.
func ParseEventTypes(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// MatchValue applies the wildcard rule: a pattern ending in '*' is a prefix
// match, anything else is exact.
func MatchValue(pattern, value string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(value, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == value
}

type orExpr struct{ terms []Expression }

func (e *orExpr) Matches(md map[string]string) bool {
	for _, t := range e.terms {
		if t.Matches(md) {
			return true
		}
	}
	return false
}

func (e *orExpr) String() string { return joinTerms(e.terms, " || ") }

type andExpr struct{ terms []Expression }

func (e *andExpr) Matches(md map[string]string) bool {
	for _, t := range e.terms {
		if !t.Matches(md) {
			return false
		}
	}
	return true
}

func (e *andExpr) String() string { return joinTerms(e.terms, " && ") }

type notExpr struct{ term Expression }

func (e *notExpr) Matches(md map[string]string) bool { return !e.term.Matches(md) }
func (e *notExpr) String() string                    { return "!(" + e.term.String() + ")" }

type condition struct {
	key    string
	negate bool
	value  string
}

func (c *condition) Matches(md map[string]string) bool {
	got, ok := md[c.key]
	var match bool
	if ok {
		// comma lists are the any-of shorthand ("a,b,c")
		for _, pat := range ParseEventTypes(c.value) {
			if MatchValue(pat, got) {
				match = true
				break
			}
		}
	}
	if c.negate {
		return !match
	}
	return match
}

func (c *condition) String() string {
	op := "=="
	if c.negate {
		op = "!="
	}
	return c.key + op + c.value
}

func joinTerms(terms []Expression, sep string) string {
	parts := make([]string, len(terms))
	for i, t := range terms {
		parts[i] = t.String()
	}
	return "(" + strings.Join(parts, sep) + ")"
}

type parser struct {
	src string
	pos int
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
}

func (p *parser) peek(s string) bool {
	p.skipSpace()
	return strings.HasPrefix(p.src[p.pos:], s)
}

func (p *parser) accept(s string) bool {
	if p.peek(s) {
		p.pos += len(s)
		return true
	}
	return false
}

func (p *parser) parseOr() (Expression, error) {
	first, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	terms := []Expression{first}
	for p.accept("||") {
		next, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		terms = append(terms, next)
	}
	if len(terms) == 1 {
		return first, nil
	}
	return &orExpr{terms: terms}, nil
}

func (p *parser) parseAnd() (Expression, error) {
	first, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	terms := []Expression{first}
	for p.accept("&&") {
		next, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		terms = append(terms, next)
	}
	if len(terms) == 1 {
		return first, nil
	}
	return &andExpr{terms: terms}, nil
}

func (p *parser) parseNot() (Expression, error) {
	if p.accept("!") {
		// allow "!=" to be caught as a malformed condition, not a negation
		if p.pos < len(p.src) && p.src[p.pos] == '=' {
			return nil, fmt.Errorf("filter: unexpected != at %d", p.pos-1)
		}
		term, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &notExpr{term: term}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expression, error) {
	if p.accept("(") {
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if !p.accept(")") {
			return nil, fmt.Errorf("filter: missing ) at %d", p.pos)
		}
		return expr, nil
	}
	return p.parseCondition()
}

func (p *parser) parseCondition() (Expression, error) {
	key, err := p.parseToken("key")
	if err != nil {
		return nil, err
	}
	var negate bool
	switch {
	case p.accept("!="):
		negate = true
	case p.accept("=="):
	case p.accept("="):
	default:
		return nil, fmt.Errorf("filter: expected operator at %d", p.pos)
	}
	value, err := p.parseToken("value")
	if err != nil {
		return nil, err
	}
	return &condition{key: key, negate: negate, value: value}, nil
}

// parseToken reads a bare identifier or value: letters, digits and a small
// set of punctuation the service allows in metadata values.
func (p *parser) parseToken(what string) (string, error) {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.src) && isTokenChar(p.src[p.pos]) {
		p.pos++
	}
	if p.pos == start {
		return "", fmt.Errorf("filter: expected %s at %d", what, start)
	}
	return p.src[start:p.pos], nil
}

func isTokenChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '_', c == '-', c == '.', c == '*', c == ',', c == ':':
		return true
	}
	return false
}
