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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/ratesim-org/ratesim/build/eqn"
)

// ErrCyclicOperators signals a dependency cycle between the operators
// of a node.
var ErrCyclicOperators = errors.New("cyclic operator dependencies")

// ErrDanglingInput signals an operator input that references a source
// operator the node does not contain.
var ErrDanglingInput = errors.New("dangling operator input")

// OpLayers orders the operators of a node into evaluation layers.
// Operators in a layer depend only on outputs of earlier layers.
// Operators with no resolved inputs form layer zero.
func (n *Node) OpLayers() ([][]*Operator, error) {
	// in-degree per operator and reverse adjacency.
	deg := map[string]int{}
	feeds := map[string][]string{}
	for name := range n.Ops.Keys() {
		deg[name] = 0
	}
	var errs error
	for name, op := range n.Ops.Iter() {
		for in, spec := range op.Inputs {
			for _, src := range spec.Sources {
				if !n.Ops.Has(src) {
					errs = multierr.Append(errs, errors.Wrapf(ErrDanglingInput,
						"node %s: input %s/%s references operator %q", n.Name, name, in, src))
					continue
				}
				deg[name]++
				feeds[src] = append(feeds[src], name)
			}
		}
	}
	if errs != nil {
		return nil, errs
	}
	var layers [][]*Operator
	done := 0
	for done < n.Ops.Size() {
		var layer []*Operator
		for name, op := range n.Ops.Iter() {
			if deg[name] == 0 {
				layer = append(layer, op)
				deg[name] = -1
			}
		}
		if len(layer) == 0 {
			var stuck []string
			for name := range n.Ops.Keys() {
				if deg[name] > 0 {
					stuck = append(stuck, name)
				}
			}
			return nil, errors.Wrapf(ErrCyclicOperators, "node %s: %s", n.Name, strings.Join(stuck, ", "))
		}
		for _, op := range layer {
			for _, next := range feeds[op.Name] {
				deg[next]--
			}
		}
		layers = append(layers, layer)
		done += len(layer)
	}
	return layers, nil
}

// Signature returns a structural fingerprint of the node. Two nodes
// share a signature when they carry the same operators with the same
// equations and variable declarations up to values and dimension
// lengths. Such nodes can share one vectorized instance.
func (n *Node) Signature() string {
	h := sha256.New()
	for name, op := range n.Ops.Iter() {
		fmt.Fprintf(h, "op %s\n", name)
		for _, e := range op.Equations {
			fmt.Fprintf(h, "eq %s\n", e.Raw)
		}
		for vname, v := range op.Variables.Iter() {
			fmt.Fprintf(h, "var %s %s %s rank=%d\n", vname, v.Kind, v.DType, len(v.Shape))
		}
		// Input names are sorted so the fingerprint does not depend on
		// map iteration order.
		ins := make([]string, 0, len(op.Inputs))
		for in := range op.Inputs {
			ins = append(ins, in)
		}
		sort.Strings(ins)
		for _, in := range ins {
			spec := op.Inputs[in]
			fmt.Fprintf(h, "in %s <- %s reduce=%t\n", in, strings.Join(spec.Sources, ","), spec.Reduce)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Validate checks the structural integrity of the circuit: operator
// layering of every node, edge endpoint resolution, and agreement of
// edge weight and delay lengths. All problems are reported at once.
func (c *Circuit) Validate() error {
	var errs error
	for _, n := range c.Nodes.Iter() {
		if _, err := n.OpLayers(); err != nil {
			errs = multierr.Append(errs, err)
		}
		for _, op := range n.Ops.Iter() {
			errs = multierr.Append(errs, n.checkEquationVars(op))
		}
	}
	for i, e := range c.Edges {
		if _, _, _, err := c.Resolve(e.Source); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "edge %d source", i))
		}
		if _, _, _, err := c.Resolve(e.Target); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "edge %d target", i))
		}
		if e.Weight != nil && e.Weight.Rank() > 1 {
			errs = multierr.Append(errs, errors.Errorf("edge %d: weight of rank %d", i, e.Weight.Rank()))
		}
		if e.Delay != nil && e.Delay.Rank() > 1 {
			errs = multierr.Append(errs, errors.Errorf("edge %d: delay of rank %d", i, e.Delay.Rank()))
		}
	}
	return errs
}

// checkEquationVars verifies that every variable an equation reads or
// writes is declared on its operator.
func (n *Node) checkEquationVars(op *Operator) error {
	var errs error
	for _, e := range op.Equations {
		names := append([]string{e.TargetVar}, eqn.Vars(e.RHS)...)
		names = append(names, eqn.Vars(e.Target)...)
		for _, name := range names {
			if name == "t" || name == "dt" {
				// Simulation time and step size are provided by the
				// execution engine.
				continue
			}
			if !op.Variables.Has(name) {
				errs = multierr.Append(errs, errors.Errorf(
					"node %s: operator %s: equation %q uses undeclared variable %q",
					n.Name, op.Name, e.Raw, name))
			}
		}
	}
	return errs
}
