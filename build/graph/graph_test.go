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

package graph

import (
	"testing"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/ratesim-org/ratesim/num/dtype"
	"github.com/ratesim-org/ratesim/num/tensor"
)

func rateOp(t *testing.T, name string) *Operator {
	t.Helper()
	op := NewOperator(name)
	op.Declare(&VarDecl{Name: "r", Kind: KindOutput, DType: dtype.Float64})
	op.Declare(&VarDecl{Name: "v", Kind: KindState, DType: dtype.Float64})
	op.Declare(&VarDecl{Name: "tau", Kind: KindConstant, DType: dtype.Float64, Init: tensor.Scalar(dtype.Float64, 10)})
	op.Declare(&VarDecl{Name: "inp", Kind: KindInput, DType: dtype.Float64})
	if err := op.AddEquation("d/dt * v = -v / tau + inp", "r = tanh(v)"); err != nil {
		t.Fatalf("AddEquation: %v", err)
	}
	return op
}

func TestOpLayers(t *testing.T) {
	n := NewNode("pop")
	a := rateOp(t, "rate")
	b := NewOperator("readout")
	b.Declare(&VarDecl{Name: "m", Kind: KindOutput, DType: dtype.Float64})
	b.Declare(&VarDecl{Name: "r_in", Kind: KindInput, DType: dtype.Float64})
	if err := b.AddEquation("m = r_in * 2."); err != nil {
		t.Fatalf("AddEquation: %v", err)
	}
	b.Feed("r_in", true, "rate")
	n.Add(a).Add(b)

	layers, err := n.OpLayers()
	if err != nil {
		t.Fatalf("OpLayers: %v", err)
	}
	if len(layers) != 2 {
		t.Fatalf("OpLayers: %d layers, want 2", len(layers))
	}
	if layers[0][0].Name != "rate" || layers[1][0].Name != "readout" {
		t.Errorf("OpLayers order: %s then %s", layers[0][0].Name, layers[1][0].Name)
	}
}

func TestOpLayersCycle(t *testing.T) {
	n := NewNode("pop")
	a := NewOperator("a")
	a.Declare(&VarDecl{Name: "x", Kind: KindOutput, DType: dtype.Float64})
	a.Declare(&VarDecl{Name: "y_in", Kind: KindInput, DType: dtype.Float64})
	a.Feed("y_in", true, "b")
	b := NewOperator("b")
	b.Declare(&VarDecl{Name: "y", Kind: KindOutput, DType: dtype.Float64})
	b.Declare(&VarDecl{Name: "x_in", Kind: KindInput, DType: dtype.Float64})
	b.Feed("x_in", true, "a")
	n.Add(a).Add(b)

	_, err := n.OpLayers()
	if err == nil {
		t.Fatalf("OpLayers: expected an error")
	}
	if !errors.Is(err, ErrCyclicOperators) {
		t.Errorf("OpLayers: error %v does not wrap ErrCyclicOperators", err)
	}
}

func TestOpLayersDangling(t *testing.T) {
	n := NewNode("pop")
	a := NewOperator("a")
	a.Declare(&VarDecl{Name: "x", Kind: KindOutput, DType: dtype.Float64})
	a.Declare(&VarDecl{Name: "y_in", Kind: KindInput, DType: dtype.Float64})
	a.Feed("y_in", true, "missing")
	n.Add(a)

	_, err := n.OpLayers()
	if !errors.Is(err, ErrDanglingInput) {
		t.Errorf("OpLayers: error %v does not wrap ErrDanglingInput", err)
	}
}

func TestSignature(t *testing.T) {
	n1 := NewNode("pop0").Add(rateOp(t, "rate"))
	n2 := NewNode("pop1").Add(rateOp(t, "rate"))
	if n1.Signature() != n2.Signature() {
		t.Errorf("structurally identical nodes disagree on signature")
	}
	// A different constant value keeps the signature.
	n3 := NewNode("pop2")
	op := rateOp(t, "rate")
	op.Variables.Store("tau", &VarDecl{Name: "tau", Kind: KindConstant, DType: dtype.Float64, Init: tensor.Scalar(dtype.Float64, 20)})
	n3.Add(op)
	if n1.Signature() != n3.Signature() {
		t.Errorf("constant value changed the signature")
	}
	// A different equation changes it.
	n4 := NewNode("pop3")
	op4 := NewOperator("rate")
	op4.Declare(&VarDecl{Name: "r", Kind: KindOutput, DType: dtype.Float64})
	op4.Declare(&VarDecl{Name: "v", Kind: KindState, DType: dtype.Float64})
	if err := op4.AddEquation("r = v * 2."); err != nil {
		t.Fatalf("AddEquation: %v", err)
	}
	n4.Add(op4)
	if n1.Signature() == n4.Signature() {
		t.Errorf("different equations share a signature")
	}
}

func multiInputNode(t *testing.T, reduce bool) *Node {
	t.Helper()
	n := NewNode("pop")
	for _, name := range []string{"exc", "inh"} {
		src := NewOperator(name)
		src.Declare(&VarDecl{Name: "r", Kind: KindOutput, DType: dtype.Float64})
		src.Declare(&VarDecl{Name: "v", Kind: KindState, DType: dtype.Float64})
		if err := src.AddEquation("r = tanh(v)"); err != nil {
			t.Fatalf("AddEquation: %v", err)
		}
		n.Add(src)
	}
	sink := NewOperator("sink")
	sink.Declare(&VarDecl{Name: "m", Kind: KindOutput, DType: dtype.Float64})
	sink.Declare(&VarDecl{Name: "r_in", Kind: KindInput, DType: dtype.Float64})
	sink.Declare(&VarDecl{Name: "s_in", Kind: KindInput, DType: dtype.Float64})
	if err := sink.AddEquation("m = r_in + s_in"); err != nil {
		t.Fatalf("AddEquation: %v", err)
	}
	sink.Feed("r_in", reduce, "exc", "inh")
	sink.Feed("s_in", reduce, "inh", "exc")
	n.Add(sink)
	return n
}

func TestSignatureDeterminism(t *testing.T) {
	// Operators with several map-keyed inputs must hash the same on
	// every construction.
	want := multiInputNode(t, true).Signature()
	for i := 0; i < 8; i++ {
		if got := multiInputNode(t, true).Signature(); got != want {
			t.Fatalf("construction %d: signature %s, want %s", i, got, want)
		}
	}
}

func TestSignatureReduceFlag(t *testing.T) {
	if multiInputNode(t, true).Signature() == multiInputNode(t, false).Signature() {
		t.Errorf("summed and stacked inputs share a signature")
	}
}

func TestValidate(t *testing.T) {
	c := NewCircuit("net")
	c.AddNode(NewNode("pop0").Add(rateOp(t, "rate")))
	c.AddNode(NewNode("pop1").Add(rateOp(t, "rate")))
	c.Connect(&Edge{Source: "pop0/rate/r", Target: "pop1/rate/inp"})
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	c.Connect(&Edge{Source: "pop0/rate/r", Target: "pop9/rate/inp"})
	c.Connect(&Edge{Source: "nonsense", Target: "pop1/rate/inp"})
	err := c.Validate()
	if err == nil {
		t.Fatalf("Validate: expected errors")
	}
	if n := len(multierr.Errors(err)); n != 2 {
		t.Errorf("Validate: %d errors, want 2: %v", n, err)
	}
}

func TestUndeclaredEquationVar(t *testing.T) {
	n := NewNode("pop")
	op := NewOperator("bad")
	op.Declare(&VarDecl{Name: "x", Kind: KindOutput, DType: dtype.Float64})
	if err := op.AddEquation("x = y * 2."); err != nil {
		t.Fatalf("AddEquation: %v", err)
	}
	n.Add(op)
	c := NewCircuit("net").AddNode(n)
	if err := c.Validate(); err == nil {
		t.Errorf("Validate: expected an undeclared variable error")
	}
}

func TestCastTypeNameValidates(t *testing.T) {
	n := NewNode("pop")
	op := NewOperator("conv")
	op.Declare(&VarDecl{Name: "y", Kind: KindOutput, DType: dtype.Float64})
	op.Declare(&VarDecl{Name: "x", Kind: KindState, DType: dtype.Float64})
	if err := op.AddEquation("y = cast(x, float32)"); err != nil {
		t.Fatalf("AddEquation: %v", err)
	}
	n.Add(op)
	c := NewCircuit("net").AddNode(n)
	// The type name argument of cast is not a variable reference.
	if err := c.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}
