package chain

import (
	"fmt"
	"strings"

	"github.com/talgya/ecosim/internal/expression"
	"github.com/talgya/ecosim/internal/simerr"
)

// ParseError reports malformed chain text. Pos is a byte offset into the
// input.
type ParseError struct {
	Pos int
	Msg string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("chain: parse error at offset %d: %s", e.Pos, e.Msg)
}

// Unwrap lets callers match with errors.Is(err, simerr.ErrParse).
func (e *ParseError) Unwrap() error {
	return simerr.ErrParse
}

// Parse reads rules of the form
//
//	Source -> Target : WeightExpression ; ...
//
// States are identifiers. Weight expressions run to the next top-level
// ';' and are compiled with ev. A trailing ';' is permitted.
func Parse(text string, ev expression.Evaluator) (*Chain, error) {
	if ev == nil {
		return nil, fmt.Errorf("chain: nil evaluator: %w", simerr.ErrInvalidArgument)
	}
	p := &parser{src: text, ev: ev}
	rules, err := p.parse()
	if err != nil {
		return nil, err
	}
	return newChain(text, rules), nil
}

type parser struct {
	src string
	pos int
	ev  expression.Evaluator
}

func (p *parser) parse() ([]Rule, error) {
	var rules []Rule

	p.skipSpace()
	if p.eof() {
		return nil, p.errorf(p.pos, "expected a rule, found end of input")
	}

	for {
		r, err := p.rule()
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)

		p.skipSpace()
		if p.eof() {
			return rules, nil
		}
		if p.src[p.pos] != ';' {
			return nil, p.errorf(p.pos, "expected ';' between rules, found %q", p.src[p.pos])
		}
		p.pos++
		p.skipSpace()
		if p.eof() {
			return rules, nil
		}
	}
}

func (p *parser) rule() (Rule, error) {
	from, err := p.ident("source state")
	if err != nil {
		return Rule{}, err
	}

	p.skipSpace()
	if !strings.HasPrefix(p.src[p.pos:], "->") {
		return Rule{}, p.errorf(p.pos, "expected '->' after %q", from)
	}
	p.pos += 2

	to, err := p.ident("target state")
	if err != nil {
		return Rule{}, err
	}

	p.skipSpace()
	if p.eof() || p.src[p.pos] != ':' {
		return Rule{}, p.errorf(p.pos, "expected ':' after %q", to)
	}
	p.pos++

	start, src, err := p.expression()
	if err != nil {
		return Rule{}, err
	}
	weight, err := p.ev.Compile(src)
	if err != nil {
		return Rule{}, p.errorf(start, "weight %q: %v", src, err)
	}
	return Rule{From: from, To: to, Weight: weight}, nil
}

func (p *parser) ident(what string) (string, error) {
	p.skipSpace()
	start := p.pos
	for !p.eof() && isIdentByte(p.src[p.pos], p.pos == start) {
		p.pos++
	}
	if p.pos == start {
		if p.eof() {
			return "", p.errorf(start, "expected %s, found end of input", what)
		}
		return "", p.errorf(start, "expected %s, found %q", what, p.src[start])
	}
	return p.src[start:p.pos], nil
}

// expression consumes up to the next ';' that is outside quotes and
// brackets and returns the trimmed text with its starting offset.
func (p *parser) expression() (int, string, error) {
	p.skipSpace()
	start := p.pos
	depth := 0
	var quote byte

	for !p.eof() {
		c := p.src[p.pos]
		switch {
		case quote != 0:
			if c == '\\' {
				p.pos++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'' || c == '`':
			quote = c
		case c == '(' || c == '[' || c == '{':
			depth++
		case c == ')' || c == ']' || c == '}':
			depth--
			if depth < 0 {
				return 0, "", p.errorf(p.pos, "unbalanced %q", c)
			}
		case c == ';' && depth == 0:
			return p.finishExpr(start)
		}
		p.pos++
	}
	if quote != 0 {
		return 0, "", p.errorf(start, "unterminated string in weight")
	}
	if depth != 0 {
		return 0, "", p.errorf(start, "unbalanced brackets in weight")
	}
	return p.finishExpr(start)
}

func (p *parser) finishExpr(start int) (int, string, error) {
	src := strings.TrimSpace(p.src[start:p.pos])
	if src == "" {
		return 0, "", p.errorf(start, "expected a weight expression")
	}
	return start, src, nil
}

func (p *parser) skipSpace() {
	for !p.eof() {
		switch p.src[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

func (p *parser) eof() bool {
	return p.pos >= len(p.src)
}

func (p *parser) errorf(pos int, format string, args ...any) error {
	return &ParseError{Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

func isIdentByte(c byte, first bool) bool {
	switch {
	case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return !first
	}
	return false
}
