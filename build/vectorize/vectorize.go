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

// Package vectorize folds structurally identical nodes of a circuit
// into batched nodes, one unit per original node, and rewrites the
// edges into index lists over the batched variables. The index map it
// returns makes the transformation reversible.
package vectorize

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/ratesim-org/ratesim/base/ordered"
	"github.com/ratesim-org/ratesim/build/graph"
	"github.com/ratesim-org/ratesim/num/dtype"
	"github.com/ratesim-org/ratesim/num/tensor"
)

// ErrUnsupportedRank signals a variable of rank 2 or higher, which the
// batching scheme cannot place along a single batch dimension.
var ErrUnsupportedRank = errors.New("unsupported variable rank")

// Edge is a batched connection list between two batched variables.
// Connection i reads coordinate SrcIdx[i] of the source variable and
// feeds coordinate TgtIdx[i] of the target variable.
type Edge struct {
	Source, Target string
	SrcIdx, TgtIdx []int
	// Weights holds one factor per connection; nil means all 1.
	Weights []float64
	// Delays holds one transmission delay per connection in time
	// units; nil means instantaneous.
	Delays []float64
}

// Connections returns the number of connections the edge batches.
func (e *Edge) Connections() int { return len(e.SrcIdx) }

// Result is a vectorized circuit: batched nodes, the index map back to
// the original variables, and the lowered edge lists.
type Result struct {
	Circuit *graph.Circuit
	Map     *IndexMap
	Edges   []*Edge
}

// Vectorize validates and batches a circuit.
func Vectorize(c *graph.Circuit) (*Result, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	res := &Result{
		Circuit: graph.NewCircuit(c.Name),
		Map:     newIndexMap(),
	}
	if err := res.batchNodes(c); err != nil {
		return nil, err
	}
	if err := res.lowerEdges(c); err != nil {
		return nil, err
	}
	return res, nil
}

// batchNodes groups nodes by structural signature and emits one
// batched node per group.
func (res *Result) batchNodes(c *graph.Circuit) error {
	groups := ordered.NewMap[string, []*graph.Node]()
	for _, n := range c.Nodes.Iter() {
		sig := n.Signature()
		members, _ := groups.Load(sig)
		groups.Store(sig, append(members, n))
	}
	gi := 0
	for _, members := range groups.Iter() {
		name := fmt.Sprintf("vector_node_%d", gi)
		gi++
		vnode, err := res.batchGroup(name, members)
		if err != nil {
			return err
		}
		res.Circuit.AddNode(vnode)
		for _, m := range members {
			res.Map.putNode(m.Name, name)
		}
	}
	return nil
}

// batchGroup builds the batched node for one signature group. The
// first member serves as the template; signatures guarantee all
// members agree on structure.
func (res *Result) batchGroup(name string, members []*graph.Node) (*graph.Node, error) {
	tmpl := members[0]
	vnode := graph.NewNode(name)
	for opName, op := range tmpl.Ops.Iter() {
		vop := graph.NewOperator(opName)
		vop.Equations = op.Equations
		vop.Output = op.Output
		for in, spec := range op.Inputs {
			vop.Feed(in, spec.Reduce, spec.Sources...)
		}
		for varName, decl := range op.Variables.Iter() {
			batched, locs, err := batchVariable(members, opName, varName, stackWidth(op, varName))
			if err != nil {
				return nil, err
			}
			vop.Variables.Store(varName, &graph.VarDecl{
				Name:  varName,
				Kind:  decl.Kind,
				DType: decl.DType,
				Shape: batched.Shape(),
				Init:  batched,
			})
			addr := name + "/" + opName + "/" + varName
			for i, m := range members {
				loc := locs[i]
				loc.Var = addr
				res.Map.put(m.Name+"/"+opName+"/"+varName, loc)
			}
		}
		vnode.Add(vop)
	}
	return vnode, nil
}

// stackWidth returns the number of stacked source blocks an input
// variable widens to, or 1 for reduced and externally fed inputs.
func stackWidth(op *graph.Operator, varName string) int {
	spec := op.Inputs[varName]
	if spec == nil || spec.Reduce || len(spec.Sources) < 2 {
		return 1
	}
	return len(spec.Sources)
}

// batchVariable concatenates one variable across the group members
// along the batch dimension and returns the per-member locations. A
// stack factor above 1 widens every member's slot to hold one block
// per stacked source.
func batchVariable(members []*graph.Node, opName, varName string, stack int) (*tensor.Tensor, []Loc, error) {
	var parts []*tensor.Tensor
	var locs []Loc
	start := 0
	for _, m := range members {
		op, _ := m.Ops.Load(opName)
		decl, _ := op.Variables.Load(varName)
		rank := len(decl.Shape)
		if rank >= 2 {
			return nil, nil, errors.Wrapf(ErrUnsupportedRank,
				"%s/%s/%s has rank %d", m.Name, opName, varName, rank)
		}
		n := 1
		if rank == 1 {
			n = decl.Shape[0]
		}
		dt := decl.DType
		if dt == dtype.Invalid {
			dt = dtype.Float64
		}
		var flat *tensor.Tensor
		if stack > 1 {
			// Stacked inputs are recomputed every step from their
			// sources, so the declared initial value does not apply.
			n *= stack
			flat = tensor.Zeros(dt, []int{n})
		} else {
			init := decl.Init
			if init == nil {
				init = tensor.Zeros(dt, decl.Shape)
			}
			var err error
			flat, err = init.Reshape([]int{n})
			if err != nil {
				return nil, nil, errors.Wrapf(err, "%s/%s/%s", m.Name, opName, varName)
			}
		}
		parts = append(parts, flat)
		locs = append(locs, Loc{Start: start, End: start + n, Scalar: rank == 0 && stack == 1})
		start += n
	}
	batched, err := tensor.Concat(0, parts...)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "batching %s/%s", opName, varName)
	}
	return batched, locs, nil
}

// connections expands one original edge into per-connection source and
// target coordinates plus weight and delay lists.
func (res *Result) connections(i int, e *graph.Edge) (src, tgt []int, w, d []float64, err error) {
	sLoc, ok := res.Map.Lookup(e.Source)
	if !ok {
		return nil, nil, nil, nil, errors.Errorf("edge %d: source %q not batched", i, e.Source)
	}
	tLoc, ok := res.Map.Lookup(e.Target)
	if !ok {
		return nil, nil, nil, nil, errors.Errorf("edge %d: target %q not batched", i, e.Target)
	}
	nS := sLoc.End - sLoc.Start
	nT := tLoc.End - tLoc.Start
	var n int
	switch {
	case nS == nT:
		n = nS
	case nS == 1:
		n = nT
	case nT == 1:
		n = nS
	default:
		return nil, nil, nil, nil, errors.Errorf(
			"edge %d: cannot connect %d source units to %d target units", i, nS, nT)
	}
	for k := 0; k < n; k++ {
		si, ti := sLoc.Start, tLoc.Start
		if nS > 1 {
			si += k
		}
		if nT > 1 {
			ti += k
		}
		src = append(src, si)
		tgt = append(tgt, ti)
	}
	if w, err = spread(e.Weight, n); err != nil {
		return nil, nil, nil, nil, errors.Wrapf(err, "edge %d: weight", i)
	}
	if d, err = spread(e.Delay, n); err != nil {
		return nil, nil, nil, nil, errors.Wrapf(err, "edge %d: delay", i)
	}
	return src, tgt, w, d, nil
}

// spread expands an edge attribute to one value per connection. A
// single value broadcasts; otherwise the length must match exactly.
func spread(t *tensor.Tensor, n int) ([]float64, error) {
	if t == nil {
		return nil, nil
	}
	switch t.Len() {
	case 1:
		out := make([]float64, n)
		for i := range out {
			out[i] = t.At(0)
		}
		return out, nil
	case n:
		out := make([]float64, n)
		for i := range out {
			out[i] = t.At(i)
		}
		return out, nil
	}
	return nil, errors.Errorf("%d values for %d connections", t.Len(), n)
}
