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
	"fmt"

	"github.com/pkg/errors"

	"github.com/ratesim-org/ratesim/base/ordered"
	"github.com/ratesim-org/ratesim/build/graph"
	"github.com/ratesim-org/ratesim/num/dtype"
	"github.com/ratesim-org/ratesim/num/tensor"
)

// lowerEdges rewrites the original edges into batched index lists.
// Plain edges between the same batched variable pair merge into one
// batched edge. Edges carrying operators route through a batched
// coupling node, one unit per connection, entered and left by two
// plain edges.
func (res *Result) lowerEdges(c *graph.Circuit) error {
	trivial := ordered.NewMap[string, *Edge]()
	couplings := ordered.NewMap[string, *coupling]()
	for i, e := range c.Edges {
		src, tgt, w, d, err := res.connections(i, e)
		if err != nil {
			return err
		}
		sAddr := res.mustLoc(e.Source).Var
		tAddr := res.mustLoc(e.Target).Var
		if len(e.Via) == 0 {
			key := sAddr + "->" + tAddr
			batch, ok := trivial.Load(key)
			if !ok {
				batch = &Edge{Source: sAddr, Target: tAddr}
				trivial.Store(key, batch)
			}
			batch.merge(src, tgt, w, d)
			continue
		}
		key := sAddr + "->" + tAddr + "#" + viaSignature(e.Via)
		cp, ok := couplings.Load(key)
		if !ok {
			cp = &coupling{
				name:    fmt.Sprintf("vector_coupling_%d", couplings.Size()),
				via:     e.Via,
				srcAddr: sAddr,
				tgtAddr: tAddr,
				inits:   map[string][]*tensor.Tensor{},
			}
			couplings.Store(key, cp)
		}
		if err := cp.add(e, src, tgt, w, d); err != nil {
			return errors.Wrapf(err, "edge %d", i)
		}
	}
	for _, batch := range trivial.Iter() {
		res.Edges = append(res.Edges, batch)
	}
	for _, cp := range couplings.Iter() {
		if err := cp.emit(res); err != nil {
			return err
		}
	}
	return nil
}

func (res *Result) mustLoc(addr string) Loc {
	loc, _ := res.Map.Lookup(addr)
	return loc
}

// merge appends connections to a batched edge, materializing uniform
// weight and delay lists once any contribution carries them.
func (e *Edge) merge(src, tgt []int, w, d []float64) {
	have := len(e.SrcIdx)
	e.SrcIdx = append(e.SrcIdx, src...)
	e.TgtIdx = append(e.TgtIdx, tgt...)
	e.Weights = mergeAttr(e.Weights, have, w, len(src), 1)
	e.Delays = mergeAttr(e.Delays, have, d, len(src), 0)
}

func mergeAttr(cur []float64, have int, add []float64, n int, def float64) []float64 {
	if cur == nil && add == nil {
		return nil
	}
	if cur == nil {
		cur = make([]float64, have)
		for i := range cur {
			cur[i] = def
		}
	}
	if add == nil {
		add = make([]float64, n)
		for i := range add {
			add[i] = def
		}
	}
	return append(cur, add...)
}

// coupling accumulates the connections routed through one batch of
// identical edge operator chains.
type coupling struct {
	name             string
	via              []*graph.Operator
	srcAddr, tgtAddr string
	srcIdx, tgtIdx   []int
	weights, delays  []float64
	// inits collects per-connection initial values, keyed
	// "operator/variable".
	inits map[string][]*tensor.Tensor
	n     int
}

// add registers the connections of one original edge with the
// coupling, tiling the edge's operator parameters per connection.
func (cp *coupling) add(e *graph.Edge, src, tgt []int, w, d []float64) error {
	k := len(src)
	have := cp.n
	cp.srcIdx = append(cp.srcIdx, src...)
	cp.tgtIdx = append(cp.tgtIdx, tgt...)
	cp.weights = mergeAttr(cp.weights, have, w, k, 1)
	cp.delays = mergeAttr(cp.delays, have, d, k, 0)
	cp.n += k
	for _, op := range e.Via {
		for varName, decl := range op.Variables.Iter() {
			part, err := tileDecl(decl, k)
			if err != nil {
				return errors.Wrapf(err, "coupling operator %s", op.Name)
			}
			key := op.Name + "/" + varName
			cp.inits[key] = append(cp.inits[key], part)
		}
	}
	return nil
}

// tileDecl expands one declaration to k connection units.
func tileDecl(decl *graph.VarDecl, k int) (*tensor.Tensor, error) {
	init := decl.Init
	if init == nil {
		dt := decl.DType
		if dt == dtype.Invalid {
			dt = dtype.Float64
		}
		init = tensor.Zeros(dt, decl.Shape)
	}
	switch len(decl.Shape) {
	case 0:
		parts := make([]*tensor.Tensor, k)
		flat, err := init.Reshape([]int{1})
		if err != nil {
			return nil, err
		}
		for i := range parts {
			parts[i] = flat
		}
		return tensor.Concat(0, parts...)
	case 1:
		if decl.Shape[0] != k {
			return nil, errors.Errorf("variable %s has %d values for %d connections",
				decl.Name, decl.Shape[0], k)
		}
		return init.Clone(), nil
	}
	return nil, errors.Wrapf(ErrUnsupportedRank, "variable %s has rank %d", decl.Name, len(decl.Shape))
}

// emit builds the batched coupling node and its two plain edges.
func (cp *coupling) emit(res *Result) error {
	node := graph.NewNode(cp.name)
	for _, op := range cp.via {
		vop := graph.NewOperator(op.Name)
		vop.Equations = op.Equations
		vop.Output = op.Output
		for in, spec := range op.Inputs {
			vop.Feed(in, spec.Reduce, spec.Sources...)
		}
		for varName, decl := range op.Variables.Iter() {
			var batched *tensor.Tensor
			if stack := stackWidth(op, varName); stack > 1 {
				dt := decl.DType
				if dt == dtype.Invalid {
					dt = dtype.Float64
				}
				batched = tensor.Zeros(dt, []int{cp.n * stack})
			} else {
				parts := cp.inits[op.Name+"/"+varName]
				joined, err := tensor.Concat(0, parts...)
				if err != nil {
					return errors.Wrapf(err, "coupling %s: variable %s", cp.name, varName)
				}
				batched = joined
			}
			vop.Variables.Store(varName, &graph.VarDecl{
				Name:  varName,
				Kind:  decl.Kind,
				DType: decl.DType,
				Shape: batched.Shape(),
				Init:  batched,
			})
		}
		node.Add(vop)
	}
	inAddr, outAddr, err := couplingPorts(node, cp.via)
	if err != nil {
		return errors.Wrapf(err, "coupling %s", cp.name)
	}
	res.Circuit.AddNode(node)
	units := make([]int, cp.n)
	for i := range units {
		units[i] = i
	}
	res.Edges = append(res.Edges,
		&Edge{Source: cp.srcAddr, Target: inAddr, SrcIdx: cp.srcIdx, TgtIdx: units},
		&Edge{Source: outAddr, Target: cp.tgtAddr, SrcIdx: units, TgtIdx: cp.tgtIdx,
			Weights: cp.weights, Delays: cp.delays})
	return nil
}

// couplingPorts locates the entry input variable of the first operator
// and the output variable of the last one.
func couplingPorts(node *graph.Node, via []*graph.Operator) (in, out string, err error) {
	first, last := via[0], via[len(via)-1]
	for varName, decl := range first.Variables.Iter() {
		if decl.Kind != graph.KindInput {
			continue
		}
		if len(first.Sources(varName)) > 0 {
			continue // fed by another coupling operator
		}
		if in != "" {
			return "", "", errors.Errorf("operator %s has several open inputs", first.Name)
		}
		in = node.Name + "/" + first.Name + "/" + varName
	}
	if in == "" {
		return "", "", errors.Errorf("operator %s has no open input", first.Name)
	}
	if last.Output == "" {
		return "", "", errors.Errorf("operator %s has no output", last.Name)
	}
	return in, node.Name + "/" + last.Name + "/" + last.Output, nil
}

// viaSignature fingerprints an edge operator chain so identical chains
// batch together.
func viaSignature(via []*graph.Operator) string {
	n := graph.NewNode("via")
	for _, op := range via {
		n.Add(op)
	}
	return n.Signature()
}
