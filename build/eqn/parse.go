// Copyright 2025 The ratesim Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package eqn

import (
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/pkg/errors"
)

// ErrUnparseableResidue signals that part of an expression could not
// be consumed by the grammar.
var ErrUnparseableResidue = errors.New("unparseable residue")

type tokenKind int

const (
	tokNum tokenKind = iota
	tokIdent
	tokOp
	tokPunct
	tokEOF
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type scanner struct {
	src  string
	pos  int
	toks []token
}

func isIdentStart(r byte) bool {
	return r == '_' || unicode.IsLetter(rune(r))
}

func isIdentPart(r byte) bool {
	return r == '_' || unicode.IsLetter(rune(r)) || unicode.IsDigit(rune(r))
}

func isDigit(r byte) bool { return r >= '0' && r <= '9' }

// scan tokenizes src. Every byte of src must belong to a token or be
// whitespace, otherwise the residue error points at the first
// offending byte.
func scan(src string) ([]token, error) {
	s := &scanner{src: src}
	for s.pos < len(src) {
		c := src[s.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			s.pos++
		case isDigit(c) || (c == '.' && s.pos+1 < len(src) && isDigit(src[s.pos+1])):
			s.number()
		case c == '.' && s.pos+1 < len(src) && (src[s.pos+1] == 'T' || src[s.pos+1] == 'I'):
			s.emit(tokOp, src[s.pos:s.pos+2])
		case isIdentStart(c):
			s.ident()
		case strings.ContainsRune("()[],:", rune(c)):
			s.emit(tokPunct, string(c))
		case strings.ContainsRune("+-*/@%^", rune(c)):
			if c == '*' && s.pos+1 < len(src) && src[s.pos+1] == '*' {
				s.emit(tokOp, src[s.pos:s.pos+2])
			} else {
				s.emit(tokOp, string(c))
			}
		case strings.ContainsRune("<>=!", rune(c)):
			if s.pos+1 < len(src) && src[s.pos+1] == '=' {
				s.emit(tokOp, src[s.pos:s.pos+2])
			} else if c == '<' || c == '>' {
				s.emit(tokOp, string(c))
			} else {
				return nil, errors.Wrapf(ErrUnparseableResidue, "%q at position %d in %q", string(c), s.pos, src)
			}
		default:
			return nil, errors.Wrapf(ErrUnparseableResidue, "%q at position %d in %q", string(c), s.pos, src)
		}
	}
	s.toks = append(s.toks, token{kind: tokEOF, pos: len(src)})
	return s.toks, nil
}

func (s *scanner) emit(kind tokenKind, text string) {
	s.toks = append(s.toks, token{kind: kind, text: text, pos: s.pos})
	s.pos += len(text)
}

func (s *scanner) number() {
	start := s.pos
	for s.pos < len(s.src) && isDigit(s.src[s.pos]) {
		s.pos++
	}
	if s.pos < len(s.src) && s.src[s.pos] == '.' {
		// A trailing ".T" or ".I" belongs to the next token.
		if !(s.pos+1 < len(s.src) && (s.src[s.pos+1] == 'T' || s.src[s.pos+1] == 'I')) {
			s.pos++
			for s.pos < len(s.src) && isDigit(s.src[s.pos]) {
				s.pos++
			}
		}
	}
	if s.pos < len(s.src) && (s.src[s.pos] == 'e' || s.src[s.pos] == 'E') {
		mark := s.pos
		s.pos++
		if s.pos < len(s.src) && (s.src[s.pos] == '+' || s.src[s.pos] == '-') {
			s.pos++
		}
		if s.pos < len(s.src) && isDigit(s.src[s.pos]) {
			for s.pos < len(s.src) && isDigit(s.src[s.pos]) {
				s.pos++
			}
		} else {
			s.pos = mark
		}
	}
	s.toks = append(s.toks, token{kind: tokNum, text: s.src[start:s.pos], pos: start})
}

func (s *scanner) ident() {
	start := s.pos
	for s.pos < len(s.src) && isIdentPart(s.src[s.pos]) {
		s.pos++
	}
	s.toks = append(s.toks, token{kind: tokIdent, text: s.src[start:s.pos], pos: start})
}

type parser struct {
	src  string
	toks []token
	i    int
}

// Parse parses an expression.
func Parse(src string) (Expr, error) {
	toks, err := scan(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	e, err := p.parseAdd()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, errors.Wrapf(ErrUnparseableResidue, "%q at position %d in %q", tok.text, tok.pos, src)
	}
	return e, nil
}

func (p *parser) peek() token { return p.toks[p.i] }

func (p *parser) next() token {
	tok := p.toks[p.i]
	if tok.kind != tokEOF {
		p.i++
	}
	return tok
}

func (p *parser) acceptOp(ops ...string) (string, bool) {
	tok := p.peek()
	if tok.kind != tokOp {
		return "", false
	}
	for _, op := range ops {
		if tok.text == op {
			p.next()
			return op, true
		}
	}
	return "", false
}

func (p *parser) acceptPunct(text string) bool {
	tok := p.peek()
	if tok.kind == tokPunct && tok.text == text {
		p.next()
		return true
	}
	return false
}

func (p *parser) expectPunct(text string) error {
	if !p.acceptPunct(text) {
		tok := p.peek()
		return errors.Wrapf(ErrUnparseableResidue, "expected %q at position %d in %q", text, tok.pos, p.src)
	}
	return nil
}

func (p *parser) parseAdd() (Expr, error) {
	x, err := p.parseMul()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("+", "-")
		if !ok {
			return x, nil
		}
		y, err := p.parseMul()
		if err != nil {
			return nil, err
		}
		x = &Binary{Op: op, X: x, Y: y}
	}
}

func (p *parser) parseMul() (Expr, error) {
	x, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("*", "/", "@", "%")
		if !ok {
			return x, nil
		}
		y, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		x = &Binary{Op: op, X: x, Y: y}
	}
}

// parseUnary lowers a leading minus to a multiplication by -1.
func (p *parser) parseUnary() (Expr, error) {
	if _, ok := p.acceptOp("-"); ok {
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Binary{Op: "*", X: &Num{Value: -1, IsInt: true}, Y: x}, nil
	}
	if _, ok := p.acceptOp("+"); ok {
		return p.parseUnary()
	}
	return p.parsePow()
}

func (p *parser) parsePow() (Expr, error) {
	x, err := p.parseCmp()
	if err != nil {
		return nil, err
	}
	for {
		if op, ok := p.acceptOp(".T", ".I"); ok {
			x = &Unary{Op: strings.TrimPrefix(op, "."), X: x}
			continue
		}
		if op, ok := p.acceptOp("^", "**"); ok {
			// Exponentiation is right associative.
			y, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			x = &Binary{Op: op, X: x, Y: y}
			continue
		}
		return x, nil
	}
}

// parseCmp accepts at most one comparison. Comparisons do not chain.
func (p *parser) parseCmp() (Expr, error) {
	x, err := p.parseIndexed()
	if err != nil {
		return nil, err
	}
	op, ok := p.acceptOp("<", ">", "<=", ">=", "==", "!=")
	if !ok {
		return x, nil
	}
	y, err := p.parseIndexed()
	if err != nil {
		return nil, err
	}
	return &Binary{Op: op, X: x, Y: y}, nil
}

func (p *parser) parseIndexed() (Expr, error) {
	x, err := p.parseAtom()
	if err != nil {
		return nil, err
	}
	for p.acceptPunct("[") {
		var dims []Dim
		for {
			d, err := p.parseDim()
			if err != nil {
				return nil, err
			}
			dims = append(dims, d)
			if !p.acceptPunct(",") {
				break
			}
		}
		if err := p.expectPunct("]"); err != nil {
			return nil, err
		}
		x = &Index{X: x, Dims: dims}
	}
	return x, nil
}

func (p *parser) parseDim() (Dim, error) {
	if p.acceptPunct(":") {
		if p.dimEnds() {
			return Dim{IsRange: true}, nil
		}
		stop, err := p.parseAdd()
		if err != nil {
			return Dim{}, err
		}
		return Dim{IsRange: true, Stop: stop}, nil
	}
	start, err := p.parseAdd()
	if err != nil {
		return Dim{}, err
	}
	if !p.acceptPunct(":") {
		return Dim{Start: start}, nil
	}
	if p.dimEnds() {
		return Dim{IsRange: true, Start: start}, nil
	}
	stop, err := p.parseAdd()
	if err != nil {
		return Dim{}, err
	}
	return Dim{IsRange: true, Start: start, Stop: stop}, nil
}

// dimEnds reports whether the current token closes an index dimension.
func (p *parser) dimEnds() bool {
	tok := p.peek()
	return tok.kind == tokPunct && (tok.text == "," || tok.text == "]")
}

func (p *parser) parseAtom() (Expr, error) {
	tok := p.peek()
	switch tok.kind {
	case tokNum:
		p.next()
		v, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, errors.Wrapf(ErrUnparseableResidue, "%q at position %d in %q", tok.text, tok.pos, p.src)
		}
		isInt := !strings.ContainsAny(tok.text, ".eE")
		return &Num{Value: v, IsInt: isInt}, nil
	case tokIdent:
		p.next()
		switch tok.text {
		case "true", "True":
			return &BoolLit{Value: true}, nil
		case "false", "False":
			return &BoolLit{Value: false}, nil
		case "PI":
			return &Num{Value: math.Pi}, nil
		case "E":
			return &Num{Value: math.E}, nil
		}
		if !p.acceptPunct("(") {
			return &Ident{Name: tok.text}, nil
		}
		call := &Call{Name: tok.text}
		if p.acceptPunct(")") {
			return call, nil
		}
		for {
			arg, err := p.parseTuple()
			if err != nil {
				return nil, err
			}
			call.Args = append(call.Args, arg)
			if !p.acceptPunct(",") {
				break
			}
		}
		if err := p.expectPunct(")"); err != nil {
			return nil, err
		}
		return call, nil
	case tokPunct:
		if tok.text == "(" {
			p.next()
			e, err := p.parseAdd()
			if err != nil {
				return nil, err
			}
			if err := p.expectPunct(")"); err != nil {
				return nil, err
			}
			return e, nil
		}
	}
	return nil, errors.Wrapf(ErrUnparseableResidue, "%q at position %d in %q", tok.text, tok.pos, p.src)
}

// parseTuple parses one call argument. A parenthesized comma list
// becomes the variadic argument pack of reductions like
// "sum((a, b), 0)".
func (p *parser) parseTuple() (Expr, error) {
	tok := p.peek()
	if tok.kind == tokPunct && tok.text == "(" {
		mark := p.i
		p.next()
		first, err := p.parseAdd()
		if err == nil && p.acceptPunct(",") {
			pack := &Call{Name: "tuple", Args: []Expr{first}}
			for {
				e, err := p.parseAdd()
				if err != nil {
					return nil, err
				}
				pack.Args = append(pack.Args, e)
				if !p.acceptPunct(",") {
					break
				}
			}
			if err := p.expectPunct(")"); err != nil {
				return nil, err
			}
			return pack, nil
		}
		p.i = mark
	}
	return p.parseAdd()
}
