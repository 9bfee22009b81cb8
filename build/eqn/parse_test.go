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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

func TestParseString(t *testing.T) {
	tests := []struct {
		src  string
		want string
	}{
		{"a + b * c", "(a + (b * c))"},
		{"(a + b) * c", "((a + b) * c)"},
		{"-v / tau", "((-1 * v) / tau)"},
		{"a ^ b ^ c", "(a ^ (b ^ c))"},
		{"a ** 2", "(a ** 2)"},
		{"x ** 2 + y ** 2", "((x ** 2) + (y ** 2))"},
		{"2. * tanh(x)", "(2 * tanh(x))"},
		{"W @ r", "(W @ r)"},
		{"m.T", "m.T"},
		{"v > v_th", "(v > v_th)"},
		{"a[2]", "a[2]"},
		{"a[1:3, :]", "a[1:3, :]"},
		{"a[:, idx]", "a[:, idx]"},
		{"sum((a, b), 0)", "sum(tuple(a, b), 0)"},
		{"1e-3 + x", "(0.001 + x)"},
		{"max(a, 0.)", "max(a, 0)"},
		{"a % 2", "(a % 2)"},
		{"2^-1", "(2 ^ (-1 * 1))"},
	}
	for _, test := range tests {
		e, err := Parse(test.src)
		if err != nil {
			t.Errorf("Parse(%q): %v", test.src, err)
			continue
		}
		if got := e.String(); got != test.want {
			t.Errorf("Parse(%q)=%s, want %s", test.src, got, test.want)
		}
	}
}

func TestParseResidue(t *testing.T) {
	for _, src := range []string{"a $ b", "a +", "(a + b", "a[1", "f(a,", "a b", "!x"} {
		_, err := Parse(src)
		if err == nil {
			t.Errorf("Parse(%q): expected an error", src)
			continue
		}
		if !errors.Is(err, ErrUnparseableResidue) {
			t.Errorf("Parse(%q): error %v does not wrap ErrUnparseableResidue", src, err)
		}
	}
}

func TestSplit(t *testing.T) {
	tests := []struct {
		eq           string
		lhs, op, rhs string
	}{
		{"v = m * 2.", "v", "=", "m * 2."},
		{"v += inp", "v", "+=", "inp"},
		{"v *= 0.5", "v", "*=", "0.5"},
		{"m = v > v_th", "m", "=", "v > v_th"},
		{"gate = x >= 0.5", "gate", "=", "x >= 0.5"},
		{"flag = a != b", "flag", "=", "a != b"},
	}
	for _, test := range tests {
		lhs, op, rhs, err := Split(test.eq)
		if err != nil {
			t.Errorf("Split(%q): %v", test.eq, err)
			continue
		}
		if lhs != test.lhs || op != test.op || rhs != test.rhs {
			t.Errorf("Split(%q)=(%q, %q, %q), want (%q, %q, %q)",
				test.eq, lhs, op, rhs, test.lhs, test.op, test.rhs)
		}
	}
	if _, _, _, err := Split("a + b"); err == nil {
		t.Errorf("Split(a + b): expected an error")
	}
}

func TestParseEquationODE(t *testing.T) {
	tests := []struct {
		eq     string
		target string
		isODE  bool
	}{
		{"d/dt * v = -v / tau", "v", true},
		{"dv/dt = -v / tau", "v", true},
		{"v' = -v / tau", "v", true},
		{"v = m * 2.", "v", false},
		{"d/dt * v[0:2] = inp", "v", true},
	}
	for _, test := range tests {
		e, err := ParseEquation(test.eq)
		if err != nil {
			t.Errorf("ParseEquation(%q): %v", test.eq, err)
			continue
		}
		if e.TargetVar != test.target || e.IsODE != test.isODE {
			t.Errorf("ParseEquation(%q): target=%q ode=%t, want %q %t",
				test.eq, e.TargetVar, e.IsODE, test.target, test.isODE)
		}
	}
	if _, err := ParseEquation("d/dt * v += inp"); err == nil {
		t.Errorf("ParseEquation(d/dt * v += inp): expected an error")
	}
}

func TestVarsCalls(t *testing.T) {
	e, err := Parse("tanh(r_e + c * r_p) - r_e / tau + interp(t, tvec, inp)")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	wantVars := []string{"r_e", "c", "r_p", "tau", "t", "tvec", "inp"}
	if diff := cmp.Diff(wantVars, Vars(e)); diff != "" {
		t.Errorf("Vars mismatch (-want +got):\n%s", diff)
	}
	wantCalls := []string{"tanh", "interp"}
	if diff := cmp.Diff(wantCalls, Calls(e)); diff != "" {
		t.Errorf("Calls mismatch (-want +got):\n%s", diff)
	}
}

func TestVarsCastTypeName(t *testing.T) {
	e, err := Parse("cast(x, float32) + y")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := []string{"x", "y"}
	if diff := cmp.Diff(want, Vars(e)); diff != "" {
		t.Errorf("Vars mismatch (-want +got):\n%s", diff)
	}
}
