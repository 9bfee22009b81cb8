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

package vectorize

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/ratesim-org/ratesim/build/graph"
	"github.com/ratesim-org/ratesim/num/dtype"
	"github.com/ratesim-org/ratesim/num/tensor"
)

func rateOp(t *testing.T, tau float64) *graph.Operator {
	t.Helper()
	op := graph.NewOperator("rate")
	op.Declare(&graph.VarDecl{Name: "r", Kind: graph.KindOutput, DType: dtype.Float64})
	op.Declare(&graph.VarDecl{Name: "v", Kind: graph.KindState, DType: dtype.Float64})
	op.Declare(&graph.VarDecl{Name: "tau", Kind: graph.KindConstant, DType: dtype.Float64,
		Init: tensor.Scalar(dtype.Float64, tau)})
	op.Declare(&graph.VarDecl{Name: "inp", Kind: graph.KindInput, DType: dtype.Float64})
	if err := op.AddEquation("d/dt * v = -v / tau + inp", "r = v * 2."); err != nil {
		t.Fatalf("AddEquation: %v", err)
	}
	return op
}

func twoNodeCircuit(t *testing.T) *graph.Circuit {
	t.Helper()
	c := graph.NewCircuit("net")
	c.AddNode(graph.NewNode("pop0").Add(rateOp(t, 10)))
	c.AddNode(graph.NewNode("pop1").Add(rateOp(t, 20)))
	return c
}

func TestGrouping(t *testing.T) {
	c := twoNodeCircuit(t)
	res, err := Vectorize(c)
	if err != nil {
		t.Fatalf("Vectorize: %v", err)
	}
	if res.Circuit.Nodes.Size() != 1 {
		t.Fatalf("batched circuit has %d nodes, want 1", res.Circuit.Nodes.Size())
	}
	_, _, tau, err := res.Circuit.Resolve("vector_node_0/rate/tau")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if diff := cmp.Diff([]float64{10, 20}, tau.Init.Floats()); diff != "" {
		t.Errorf("batched constant mismatch (-want +got):\n%s", diff)
	}
}

func TestIndexMapRoundTrip(t *testing.T) {
	c := twoNodeCircuit(t)
	res, err := Vectorize(c)
	if err != nil {
		t.Fatalf("Vectorize: %v", err)
	}
	loc0, ok := res.Map.Lookup("pop0/rate/v")
	if !ok {
		t.Fatalf("no location for pop0/rate/v")
	}
	if !loc0.Scalar || loc0.Start != 0 || loc0.End != 1 {
		t.Errorf("pop0 location %+v", loc0)
	}
	batched, err := tensor.FromFloats(dtype.Float64, []int{2}, []float64{-1.5, 2.5})
	if err != nil {
		t.Fatalf("FromFloats: %v", err)
	}
	split, err := res.Map.Devectorize("vector_node_0/rate/v", batched)
	if err != nil {
		t.Fatalf("Devectorize: %v", err)
	}
	v0, _ := split["pop0/rate/v"].Item()
	v1, _ := split["pop1/rate/v"].Item()
	if v0 != -1.5 || v1 != 2.5 {
		t.Errorf("Devectorize gave %v, %v; want -1.5, 2.5", v0, v1)
	}
}

func TestRankGuard(t *testing.T) {
	c := graph.NewCircuit("net")
	op := graph.NewOperator("mat")
	op.Declare(&graph.VarDecl{Name: "W", Kind: graph.KindConstant, DType: dtype.Float64,
		Shape: []int{2, 2}})
	op.Declare(&graph.VarDecl{Name: "y", Kind: graph.KindOutput, DType: dtype.Float64, Shape: []int{2}})
	if err := op.AddEquation("y = W @ y"); err != nil {
		t.Fatalf("AddEquation: %v", err)
	}
	c.AddNode(graph.NewNode("pop").Add(op))
	if _, err := Vectorize(c); !errors.Is(err, ErrUnsupportedRank) {
		t.Errorf("Vectorize: error %v does not wrap ErrUnsupportedRank", err)
	}
}

func TestEdgeBatching(t *testing.T) {
	c := twoNodeCircuit(t)
	c.Connect(&graph.Edge{Source: "pop0/rate/r", Target: "pop1/rate/inp",
		Weight: tensor.Scalar(dtype.Float64, 2)})
	c.Connect(&graph.Edge{Source: "pop1/rate/r", Target: "pop0/rate/inp",
		Weight: tensor.Scalar(dtype.Float64, 0.5)})
	res, err := Vectorize(c)
	if err != nil {
		t.Fatalf("Vectorize: %v", err)
	}
	// Both edges run between the same batched variable pair, so they
	// merge into one batched edge.
	if len(res.Edges) != 1 {
		t.Fatalf("%d batched edges, want 1", len(res.Edges))
	}
	e := res.Edges[0]
	if diff := cmp.Diff([]int{0, 1}, e.SrcIdx); diff != "" {
		t.Errorf("SrcIdx mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1, 0}, e.TgtIdx); diff != "" {
		t.Errorf("TgtIdx mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{2, 0.5}, e.Weights); diff != "" {
		t.Errorf("Weights mismatch (-want +got):\n%s", diff)
	}
	if e.Delays != nil {
		t.Errorf("Delays = %v, want nil", e.Delays)
	}
}

func TestWeightSpread(t *testing.T) {
	// A rank-1 source fans out to a rank-1 target pairwise; a single
	// weight broadcasts across connections.
	c := graph.NewCircuit("net")
	mk := func(name string) *graph.Node {
		op := graph.NewOperator("pool")
		op.Declare(&graph.VarDecl{Name: "r", Kind: graph.KindOutput, DType: dtype.Float64, Shape: []int{3}})
		op.Declare(&graph.VarDecl{Name: "inp", Kind: graph.KindInput, DType: dtype.Float64, Shape: []int{3}})
		if err := op.AddEquation("r = inp * 1."); err != nil {
			t.Fatalf("AddEquation: %v", err)
		}
		return graph.NewNode(name).Add(op)
	}
	c.AddNode(mk("a")).AddNode(mk("b"))
	c.Connect(&graph.Edge{Source: "a/pool/r", Target: "b/pool/inp",
		Weight: tensor.Scalar(dtype.Float64, 3)})
	res, err := Vectorize(c)
	if err != nil {
		t.Fatalf("Vectorize: %v", err)
	}
	if len(res.Edges) != 1 {
		t.Fatalf("%d batched edges, want 1", len(res.Edges))
	}
	if diff := cmp.Diff([]float64{3, 3, 3}, res.Edges[0].Weights); diff != "" {
		t.Errorf("broadcast weights mismatch (-want +got):\n%s", diff)
	}

	// A weight list whose length matches neither 1 nor the connection
	// count is rejected.
	bad, err := tensor.FromFloats(dtype.Float64, []int{2}, []float64{1, 2})
	if err != nil {
		t.Fatalf("FromFloats: %v", err)
	}
	c2 := graph.NewCircuit("net2")
	c2.AddNode(mk("a")).AddNode(mk("b"))
	c2.Connect(&graph.Edge{Source: "a/pool/r", Target: "b/pool/inp", Weight: bad})
	if _, err := Vectorize(c2); err == nil {
		t.Errorf("Vectorize: expected a weight length error")
	}
}

func TestFanInDuplicateTargets(t *testing.T) {
	// Three source units into one target unit: the batched edge keeps
	// one connection per unit, all aimed at the same target index.
	c := graph.NewCircuit("net")
	src := graph.NewOperator("pool")
	src.Declare(&graph.VarDecl{Name: "r", Kind: graph.KindOutput, DType: dtype.Float64, Shape: []int{3}})
	if err := src.AddEquation("r = r * 1."); err != nil {
		t.Fatalf("AddEquation: %v", err)
	}
	tgt := graph.NewOperator("unit")
	tgt.Declare(&graph.VarDecl{Name: "inp", Kind: graph.KindInput, DType: dtype.Float64})
	tgt.Declare(&graph.VarDecl{Name: "x", Kind: graph.KindOutput, DType: dtype.Float64})
	if err := tgt.AddEquation("x = inp * 1."); err != nil {
		t.Fatalf("AddEquation: %v", err)
	}
	c.AddNode(graph.NewNode("many").Add(src))
	c.AddNode(graph.NewNode("one").Add(tgt))
	c.Connect(&graph.Edge{Source: "many/pool/r", Target: "one/unit/inp"})
	res, err := Vectorize(c)
	if err != nil {
		t.Fatalf("Vectorize: %v", err)
	}
	if len(res.Edges) != 1 {
		t.Fatalf("%d batched edges, want 1", len(res.Edges))
	}
	e := res.Edges[0]
	if diff := cmp.Diff([]int{0, 1, 2}, e.SrcIdx); diff != "" {
		t.Errorf("SrcIdx mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{0, 0, 0}, e.TgtIdx); diff != "" {
		t.Errorf("TgtIdx mismatch (-want +got):\n%s", diff)
	}
}

func TestCouplingNode(t *testing.T) {
	c := twoNodeCircuit(t)
	via := graph.NewOperator("gain")
	via.Declare(&graph.VarDecl{Name: "r_in", Kind: graph.KindInput, DType: dtype.Float64})
	via.Declare(&graph.VarDecl{Name: "out", Kind: graph.KindOutput, DType: dtype.Float64})
	via.Declare(&graph.VarDecl{Name: "g", Kind: graph.KindConstant, DType: dtype.Float64,
		Init: tensor.Scalar(dtype.Float64, 4)})
	if err := via.AddEquation("out = tanh(r_in) * g"); err != nil {
		t.Fatalf("AddEquation: %v", err)
	}
	c.Connect(&graph.Edge{Source: "pop0/rate/r", Target: "pop1/rate/inp",
		Via: []*graph.Operator{via}})
	res, err := Vectorize(c)
	if err != nil {
		t.Fatalf("Vectorize: %v", err)
	}
	if res.Circuit.Nodes.Size() != 2 {
		t.Fatalf("batched circuit has %d nodes, want rate batch + coupling", res.Circuit.Nodes.Size())
	}
	if len(res.Edges) != 2 {
		t.Fatalf("%d batched edges, want entry and exit", len(res.Edges))
	}
	_, _, g, err := res.Circuit.Resolve("vector_coupling_0/gain/g")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if diff := cmp.Diff([]float64{4}, g.Init.Floats()); diff != "" {
		t.Errorf("coupling constant mismatch (-want +got):\n%s", diff)
	}
	entry, exit := res.Edges[0], res.Edges[1]
	if entry.Target != "vector_coupling_0/gain/r_in" {
		t.Errorf("entry edge target %q", entry.Target)
	}
	if exit.Source != "vector_coupling_0/gain/out" {
		t.Errorf("exit edge source %q", exit.Source)
	}
}
