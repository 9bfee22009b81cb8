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

// Package eqn parses the textual equations attached to model operators
// into expression trees.
//
// An equation is either an update of a variable ("v = m * 2.") or an
// ordinary differential equation ("d/dt * v = -v / tau"). The right
// hand side grammar supports arithmetic, comparisons, function calls
// and multi-dimensional indexing.
package eqn

import (
	"fmt"
	"strconv"
	"strings"
)

type (
	// Expr is an expression tree node. The set of implementations is
	// closed.
	Expr interface {
		fmt.Stringer
		isExpr()
	}

	// Num is a numeric literal.
	Num struct {
		Value float64
		// IsInt records whether the literal was written without a
		// decimal point or exponent.
		IsInt bool
	}

	// BoolLit is a boolean literal.
	BoolLit struct {
		Value bool
	}

	// Ident references a variable by name.
	Ident struct {
		Name string
	}

	// Binary applies an infix operator to two operands.
	Binary struct {
		Op   string
		X, Y Expr
	}

	// Unary applies a postfix matrix operator, transposition ".T" or
	// inversion ".I", to its operand.
	Unary struct {
		Op string
		X  Expr
	}

	// Call invokes a named function on positional arguments.
	Call struct {
		Name string
		Args []Expr
	}

	// Index selects elements of an expression, one Dim per axis.
	Index struct {
		X    Expr
		Dims []Dim
	}
)

// Dim is one axis of an index expression. A non-range Dim selects a
// single coordinate given by Start. A range Dim selects [Start, Stop)
// where a nil bound leaves that side open.
type Dim struct {
	IsRange     bool
	Start, Stop Expr
}

func (*Num) isExpr()     {}
func (*BoolLit) isExpr() {}
func (*Ident) isExpr()   {}
func (*Binary) isExpr()  {}
func (*Unary) isExpr()   {}
func (*Call) isExpr()    {}
func (*Index) isExpr()   {}

func (n *Num) String() string {
	if n.IsInt {
		return strconv.FormatInt(int64(n.Value), 10)
	}
	return strconv.FormatFloat(n.Value, 'g', -1, 64)
}

func (b *BoolLit) String() string {
	return strconv.FormatBool(b.Value)
}

func (id *Ident) String() string { return id.Name }

func (b *Binary) String() string {
	return fmt.Sprintf("(%s %s %s)", b.X, b.Op, b.Y)
}

func (u *Unary) String() string {
	return fmt.Sprintf("%s.%s", u.X, u.Op)
}

func (c *Call) String() string {
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		args[i] = a.String()
	}
	return fmt.Sprintf("%s(%s)", c.Name, strings.Join(args, ", "))
}

func (ix *Index) String() string {
	dims := make([]string, len(ix.Dims))
	for i, d := range ix.Dims {
		dims[i] = d.String()
	}
	return fmt.Sprintf("%s[%s]", ix.X, strings.Join(dims, ", "))
}

func (d Dim) String() string {
	if !d.IsRange {
		return d.Start.String()
	}
	var s, e string
	if d.Start != nil {
		s = d.Start.String()
	}
	if d.Stop != nil {
		e = d.Stop.String()
	}
	return s + ":" + e
}

// Walk visits every node of the tree in depth-first order. It stops
// early when f returns false.
func Walk(e Expr, f func(Expr) bool) bool {
	if e == nil {
		return true
	}
	if !f(e) {
		return false
	}
	switch n := e.(type) {
	case *Binary:
		return Walk(n.X, f) && Walk(n.Y, f)
	case *Unary:
		return Walk(n.X, f)
	case *Call:
		for _, a := range n.Args {
			if !Walk(a, f) {
				return false
			}
		}
	case *Index:
		if !Walk(n.X, f) {
			return false
		}
		for _, d := range n.Dims {
			if !Walk(d.Start, f) || !Walk(d.Stop, f) {
				return false
			}
		}
	}
	return true
}

// Vars returns the names of all variables referenced by the tree, in
// first-appearance order. The type name argument of cast is not a
// variable reference and is skipped.
func Vars(e Expr) []string {
	typeNames := map[Expr]bool{}
	Walk(e, func(n Expr) bool {
		if c, ok := n.(*Call); ok && c.Name == "cast" && len(c.Args) == 2 {
			typeNames[c.Args[1]] = true
		}
		return true
	})
	var names []string
	seen := map[string]bool{}
	Walk(e, func(n Expr) bool {
		if id, ok := n.(*Ident); ok && !typeNames[id] && !seen[id.Name] {
			seen[id.Name] = true
			names = append(names, id.Name)
		}
		return true
	})
	return names
}

// Calls returns the names of all functions invoked by the tree, in
// first-appearance order.
func Calls(e Expr) []string {
	var names []string
	seen := map[string]bool{}
	Walk(e, func(n Expr) bool {
		if c, ok := n.(*Call); ok && !seen[c.Name] {
			seen[c.Name] = true
			names = append(names, c.Name)
		}
		return true
	})
	return names
}
