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

package backend

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/ratesim-org/ratesim/num/dtype"
	"github.com/ratesim-org/ratesim/num/tensor"
)

func scalar(v float64) *tensor.Tensor {
	return tensor.Scalar(dtype.Float64, v)
}

func vec(t *testing.T, vals ...float64) *tensor.Tensor {
	t.Helper()
	ten, err := tensor.FromFloats(dtype.Float64, []int{len(vals)}, vals)
	if err != nil {
		t.Fatalf("FromFloats: %v", err)
	}
	return ten
}

func TestAddVarSuffixing(t *testing.T) {
	b := New()
	v1 := b.AddVar(Constant, "pop/op/v", scalar(1))
	v2 := b.AddVar(Constant, "pop/op/v", scalar(2))
	if v1.Name() != "pop/op/v" || v2.Name() != "pop/op/v_1" {
		t.Errorf("names %q, %q; want pop/op/v, pop/op/v_1", v1.Name(), v2.Name())
	}
	got, err := b.Var("pop/op/v_1")
	if err != nil {
		t.Fatalf("Var: %v", err)
	}
	if v, _ := got.Value().Item(); v != 2 {
		t.Errorf("suffixed variable holds %v, want 2", v)
	}
	if _, err := b.Var("pop/op/w"); !errors.Is(err, ErrUndefinedVariable) {
		t.Errorf("Var(missing): error %v does not wrap ErrUndefinedVariable", err)
	}
}

func TestConstantFolding(t *testing.T) {
	b := New()
	c1 := b.AddVar(Constant, "a", scalar(3))
	c2 := b.AddVar(Constant, "b", scalar(4))
	op, err := b.AddOp("+", "add", c1, c2)
	if err != nil {
		t.Fatalf("AddOp: %v", err)
	}
	if !op.Folded() {
		t.Fatalf("operation over constants did not fold")
	}
	if v, _ := op.Result().Value().Item(); v != 7 {
		t.Errorf("folded value %v, want 7", v)
	}
	p, err := b.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if p.NumLayers() != 0 {
		t.Errorf("folded operation left %d layers", p.NumLayers())
	}
}

func TestUndefinedFunction(t *testing.T) {
	b := New()
	v := b.AddVar(State, "x", scalar(1))
	if _, err := b.AddOp("frobnicate", "op", v); !errors.Is(err, ErrUndefinedFunction) {
		t.Errorf("AddOp: error %v does not wrap ErrUndefinedFunction", err)
	}
}

func TestInliningNullsSlot(t *testing.T) {
	b := New()
	x := b.AddVar(State, "x", scalar(2))
	inner, err := b.AddOp("*", "double", x, scalar(2))
	if err != nil {
		t.Fatalf("AddOp(double): %v", err)
	}
	outer, err := b.AddOp("+", "shift", inner, scalar(1))
	if err != nil {
		t.Fatalf("AddOp(shift): %v", err)
	}
	p, err := b.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	// The consumed operation's slot is nulled, so one layer with one
	// operation remains.
	if p.NumLayers() != 1 || len(p.layers[0]) != 1 {
		t.Fatalf("program has %d layers, first with %d ops; want 1/1", p.NumLayers(), len(p.layers[0]))
	}
	if p.layers[0][0] != outer {
		t.Errorf("surviving operation is %s, want %s", p.layers[0][0].Name(), outer.Name())
	}
	if err := p.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if v, _ := outer.Result().Value().Item(); v != 5 {
		t.Errorf("spliced evaluation gave %v, want 5", v)
	}
}

func TestLayerCursor(t *testing.T) {
	b := New()
	x := b.AddVar(State, "x", scalar(0))
	if _, err := b.AddAssign("first", x, "+=", nil, scalar(1)); err != nil {
		t.Fatalf("AddAssign: %v", err)
	}
	b.AddLayer()
	y := b.AddVar(State, "y", scalar(0))
	if _, err := b.AddAssign("second", y, "+=", nil, scalar(1)); err != nil {
		t.Fatalf("AddAssign: %v", err)
	}
	b.PreviousLayer()
	b.PreviousLayer() // cursor at 0, so this opens a layer at the front
	z := b.AddVar(State, "z", scalar(0))
	if _, err := b.AddAssign("zeroth", z, "+=", nil, scalar(1)); err != nil {
		t.Fatalf("AddAssign: %v", err)
	}
	p, err := b.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if p.NumLayers() != 3 {
		t.Fatalf("program has %d layers, want 3", p.NumLayers())
	}
	order := []string{p.layers[0][0].Name(), p.layers[1][0].Name(), p.layers[2][0].Name()}
	want := []string{"zeroth", "first", "second"}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Errorf("layer order mismatch (-want +got):\n%s", diff)
	}
}

func TestLayerMapping(t *testing.T) {
	b := New()
	x := b.AddVar(State, "x", scalar(0))
	if _, err := b.AddAssign("upd", x, "+=", nil, scalar(1)); err != nil {
		t.Fatalf("AddAssign: %v", err)
	}
	b.AddLayer() // stays empty
	b.AddLayer()
	if _, err := b.AddAssign("upd2", x, "+=", nil, scalar(1)); err != nil {
		t.Fatalf("AddAssign: %v", err)
	}
	p, err := b.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if diff := cmp.Diff([]int{0, -1, 1}, p.LayerMapping()); diff != "" {
		t.Errorf("layer mapping mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteConflict(t *testing.T) {
	b := New()
	x := b.AddVar(State, "x", scalar(0))
	if _, err := b.AddAssign("w1", x, "+=", nil, scalar(1)); err != nil {
		t.Fatalf("AddAssign: %v", err)
	}
	if _, err := b.AddAssign("w2", x, "+=", nil, scalar(2)); err != nil {
		t.Fatalf("AddAssign: %v", err)
	}
	if _, err := b.Compile(); !errors.Is(err, ErrWriteConflict) {
		t.Errorf("Compile: error %v does not wrap ErrWriteConflict", err)
	}
}

func TestReconcile(t *testing.T) {
	// Equal element count adopts the higher-rank shape.
	a := vec(t, 1, 2, 3, 4)
	m, err := tensor.FromFloats(dtype.Float64, []int{2, 2}, []float64{1, 1, 1, 1})
	if err != nil {
		t.Fatalf("FromFloats: %v", err)
	}
	ra, rb, err := Reconcile(a, m)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !tensor.SameShape(ra.Shape(), rb.Shape()) {
		t.Errorf("Reconcile shapes %v, %v", ra.Shape(), rb.Shape())
	}
	// Rank-1 against a matrix with a matching leading dimension gets a
	// trailing unit dimension.
	col := vec(t, 1, 2)
	wide, err := tensor.FromFloats(dtype.Float64, []int{2, 3}, []float64{1, 1, 1, 1, 1, 1})
	if err != nil {
		t.Fatalf("FromFloats: %v", err)
	}
	rc, _, err := Reconcile(col, wide)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !tensor.SameShape(rc.Shape(), []int{2, 1}) {
		t.Errorf("Reconcile rank-1 repair shape %v, want [2 1]", rc.Shape())
	}
	// Hopeless mismatch.
	if _, _, err := Reconcile(vec(t, 1, 2, 3), vec(t, 1, 2)); !errors.Is(err, ErrIncompatibleShapes) {
		t.Errorf("Reconcile: error %v does not wrap ErrIncompatibleShapes", err)
	}
}

func TestIndexedAssign(t *testing.T) {
	b := New()
	x := b.AddVar(State, "x", vec(t, 0, 0, 0, 0))
	axes := []AxisFn{FixedAxis(tensor.Range(1, 3))}
	if _, err := b.AddAssign("upd", x, "=", axes, vec(t, 5, 6)); err != nil {
		t.Fatalf("AddAssign: %v", err)
	}
	p, err := b.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if err := p.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if diff := cmp.Diff([]float64{0, 5, 6, 0}, x.Value().Floats()); diff != "" {
		t.Errorf("indexed assign mismatch (-want +got):\n%s", diff)
	}
}

func TestRunSampling(t *testing.T) {
	b := New()
	x := b.AddVar(State, "x", scalar(0))
	if _, err := b.AddAssign("upd", x, "+=", nil, scalar(1)); err != nil {
		t.Fatalf("AddAssign: %v", err)
	}
	p, err := b.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	rec, err := p.Run(context.Background(), 10, 2, nil, []*Variable{x})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]int{0, 2, 4, 6, 8, 10}, rec.Steps); diff != "" {
		t.Errorf("sampled steps mismatch (-want +got):\n%s", diff)
	}
	series := rec.Series[x.Name()]
	var got []float64
	for _, s := range series {
		v, _ := s.Item()
		got = append(got, v)
	}
	if diff := cmp.Diff([]float64{0, 2, 4, 6, 8, 10}, got); diff != "" {
		t.Errorf("sampled values mismatch (-want +got):\n%s", diff)
	}
}

func TestRunPlaceholderFeed(t *testing.T) {
	b := New()
	inp := b.AddVar(Placeholder, "inp", scalar(0))
	x := b.AddVar(State, "x", scalar(0))
	if _, err := b.AddAssign("upd", x, "+=", nil, inp); err != nil {
		t.Fatalf("AddAssign: %v", err)
	}
	p, err := b.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	feed := func(step int) error {
		return inp.Set(scalar(float64(step)))
	}
	rec, err := p.Run(context.Background(), 4, 1, feed, []*Variable{x})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	last := rec.Series[x.Name()][len(rec.Series[x.Name()])-1]
	if v, _ := last.Item(); v != 6 { // 0+1+2+3
		t.Errorf("fed accumulation gave %v, want 6", v)
	}
}
