package config

import (
	"fmt"
	"strconv"
	"strings"
)

// parseTopologyLiteral parses a Python-eval-compatible list-of-tuples
// literal, e.g.:
//
//	[("agent/A", "10.0.0.2", 4, 8.0, 100.0), ("agent/B", "10.0.0.3", 2, 4.0, 50.0)]
//
// This is a small hand-rolled tokenizer, not a general expression
// evaluator: it accepts exactly the shape the original implementation wrote
// (a top-level list of 5-tuples of string,string,int,float,float) and
// rejects anything else.
func parseTopologyLiteral(s string) ([]TopologyLiteralEntry, error) {
	toks, err := tokenizeLiteral(s)
	if err != nil {
		return nil, err
	}
	p := &literalParser{toks: toks}
	entries, err := p.parseList()
	if err != nil {
		return nil, err
	}
	if !p.atEnd() {
		return nil, fmt.Errorf("unexpected trailing input at token %q", p.peek())
	}
	return entries, nil
}

type tokKind int

const (
	tokLBracket tokKind = iota
	tokRBracket
	tokLParen
	tokRParen
	tokComma
	tokString
	tokNumber
)

type token struct {
	kind tokKind
	text string
}

func tokenizeLiteral(s string) ([]token, error) {
	var toks []token
	i := 0
	n := len(s)
	for i < n {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '[':
			toks = append(toks, token{tokLBracket, "["})
			i++
		case c == ']':
			toks = append(toks, token{tokRBracket, "]"})
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ","})
			i++
		case c == '\'' || c == '"':
			quote := c
			j := i + 1
			var sb strings.Builder
			for j < n && s[j] != quote {
				sb.WriteByte(s[j])
				j++
			}
			if j >= n {
				return nil, fmt.Errorf("unterminated string literal starting at %d", i)
			}
			toks = append(toks, token{tokString, sb.String()})
			i = j + 1
		case c == '-' || c == '+' || (c >= '0' && c <= '9'):
			j := i + 1
			for j < n && (s[j] == '.' || (s[j] >= '0' && s[j] <= '9')) {
				j++
			}
			toks = append(toks, token{tokNumber, s[i:j]})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at %d", c, i)
		}
	}
	return toks, nil
}

type literalParser struct {
	toks []token
	pos  int
}

func (p *literalParser) atEnd() bool { return p.pos >= len(p.toks) }

func (p *literalParser) peek() token {
	if p.atEnd() {
		return token{}
	}
	return p.toks[p.pos]
}

func (p *literalParser) next() (token, error) {
	if p.atEnd() {
		return token{}, fmt.Errorf("unexpected end of input")
	}
	t := p.toks[p.pos]
	p.pos++
	return t, nil
}

func (p *literalParser) expect(kind tokKind) (token, error) {
	t, err := p.next()
	if err != nil {
		return t, err
	}
	if t.kind != kind {
		return t, fmt.Errorf("unexpected token %q", t.text)
	}
	return t, nil
}

func (p *literalParser) parseList() ([]TopologyLiteralEntry, error) {
	if _, err := p.expect(tokLBracket); err != nil {
		return nil, err
	}
	var entries []TopologyLiteralEntry
	if p.peek().kind == tokRBracket {
		p.pos++
		return entries, nil
	}
	for {
		e, err := p.parseTuple()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
		t, err := p.next()
		if err != nil {
			return nil, err
		}
		if t.kind == tokRBracket {
			break
		}
		if t.kind != tokComma {
			return nil, fmt.Errorf("expected ',' or ']', got %q", t.text)
		}
		if p.peek().kind == tokRBracket {
			p.pos++
			break
		}
	}
	return entries, nil
}

func (p *literalParser) parseTuple() (TopologyLiteralEntry, error) {
	var e TopologyLiteralEntry
	if _, err := p.expect(tokLParen); err != nil {
		return e, err
	}
	fields := make([]token, 0, 5)
	for {
		t, err := p.next()
		if err != nil {
			return e, err
		}
		if t.kind == tokRParen {
			break
		}
		if t.kind == tokComma {
			continue
		}
		fields = append(fields, t)
	}
	if len(fields) != 5 {
		return e, fmt.Errorf("expected 5-tuple, got %d fields", len(fields))
	}
	if fields[0].kind != tokString || fields[1].kind != tokString {
		return e, fmt.Errorf("expected deviceID and deviceIP as strings")
	}
	e.DeviceID = fields[0].text
	e.DeviceIP = fields[1].text
	cores, err := strconv.Atoi(fields[2].text)
	if err != nil {
		return e, fmt.Errorf("cpuCores: %w", err)
	}
	e.CPUCores = cores
	mem, err := strconv.ParseFloat(fields[3].text, 64)
	if err != nil {
		return e, fmt.Errorf("memAvailGiB: %w", err)
	}
	e.MemAvailGiB = mem
	stg, err := strconv.ParseFloat(fields[4].text, 64)
	if err != nil {
		return e, fmt.Errorf("stgAvailGiB: %w", err)
	}
	e.StgAvailGiB = stg
	return e, nil
}
