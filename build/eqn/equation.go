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
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// Equation is a parsed assignment or differential equation.
type Equation struct {
	// Raw is the equation text the equation was parsed from.
	Raw string
	// Target is the assigned expression, an *Ident or an *Ident
	// wrapped in an *Index.
	Target Expr
	// TargetVar is the name of the assigned variable.
	TargetVar string
	// Op is the assignment operator: "=", "+=", "-=", "*=" or "/=".
	Op string
	// RHS is the right hand side expression.
	RHS Expr
	// IsODE reports whether the equation defines the time derivative
	// of TargetVar rather than its value.
	IsODE bool
}

var assignOps = []string{"+=", "-=", "*=", "/="}

// Split separates an equation into its left hand side, assignment
// operator and right hand side. Comparison operators on the right
// hand side do not split.
func Split(eq string) (lhs, op, rhs string, err error) {
	for i := 0; i < len(eq); i++ {
		if i+1 < len(eq) && eq[i+1] == '=' {
			two := eq[i : i+2]
			switch two {
			case "<=", ">=", "==", "!=":
				i++
				continue
			}
			for _, a := range assignOps {
				if two == a {
					return strings.TrimSpace(eq[:i]), a, strings.TrimSpace(eq[i+2:]), nil
				}
			}
		}
		if eq[i] == '=' {
			return strings.TrimSpace(eq[:i]), "=", strings.TrimSpace(eq[i+1:]), nil
		}
	}
	return "", "", "", errors.Errorf("not an equation: %q", eq)
}

var diffQuotient = regexp.MustCompile(`^d([A-Za-z_][A-Za-z0-9_]*)\s*/\s*dt$`)

// splitODE detects the differential forms of a left hand side:
// "d/dt * v", "dv/dt" and "v'". It returns the remaining target text
// and whether the equation is an ODE.
func splitODE(lhs string) (string, bool) {
	s := strings.TrimSpace(lhs)
	if rest, ok := strings.CutPrefix(s, "d/dt"); ok {
		rest = strings.TrimSpace(rest)
		rest = strings.TrimPrefix(rest, "*")
		return strings.TrimSpace(rest), true
	}
	if m := diffQuotient.FindStringSubmatch(s); m != nil {
		return m[1], true
	}
	if rest, ok := strings.CutSuffix(s, "'"); ok {
		return strings.TrimSpace(rest), true
	}
	return s, false
}

// ParseEquation parses a full equation string.
func ParseEquation(eq string) (*Equation, error) {
	lhs, op, rhs, err := Split(eq)
	if err != nil {
		return nil, err
	}
	target, isODE := splitODE(lhs)
	if isODE && op != "=" {
		return nil, errors.Errorf("differential equation %q cannot use operator %q", eq, op)
	}
	te, err := Parse(target)
	if err != nil {
		return nil, errors.Wrapf(err, "left hand side of %q", eq)
	}
	name, err := targetName(te)
	if err != nil {
		return nil, errors.Wrapf(err, "left hand side of %q", eq)
	}
	re, err := Parse(rhs)
	if err != nil {
		return nil, errors.Wrapf(err, "right hand side of %q", eq)
	}
	return &Equation{
		Raw:       eq,
		Target:    te,
		TargetVar: name,
		Op:        op,
		RHS:       re,
		IsODE:     isODE,
	}, nil
}

// targetName returns the variable assigned by a target expression.
func targetName(e Expr) (string, error) {
	switch t := e.(type) {
	case *Ident:
		return t.Name, nil
	case *Index:
		if id, ok := t.X.(*Ident); ok {
			return id.Name, nil
		}
	}
	return "", errors.Errorf("%s is not an assignable target", e)
}
