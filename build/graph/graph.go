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

// Package graph defines the intermediate representation of a model: a
// circuit of nodes, each holding operators with equations and typed
// variables, connected by weighted and optionally delayed edges.
package graph

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/ratesim-org/ratesim/base/ordered"
	"github.com/ratesim-org/ratesim/build/eqn"
	"github.com/ratesim-org/ratesim/num/dtype"
	"github.com/ratesim-org/ratesim/num/tensor"
)

// VarKind classifies a variable declared on an operator.
type VarKind int

const (
	// KindState marks a variable integrated or updated over time.
	KindState VarKind = iota
	// KindConstant marks a fixed parameter.
	KindConstant
	// KindInput marks a variable fed by other operators or by edges.
	KindInput
	// KindOutput marks the variable an operator exposes to others.
	KindOutput
)

func (k VarKind) String() string {
	switch k {
	case KindState:
		return "state"
	case KindConstant:
		return "constant"
	case KindInput:
		return "input"
	case KindOutput:
		return "output"
	}
	return "unknown"
}

// VarDecl declares a variable on an operator.
type VarDecl struct {
	Name  string
	Kind  VarKind
	DType dtype.DataType
	Shape []int
	// Init holds the initial value. A nil Init means zeros.
	Init *tensor.Tensor
}

// InputSpec wires an input variable to the outputs of other operators
// on the same node. Multiple sources are summed element-wise when
// Reduce is set; otherwise they stack into a wider vector, one block
// per source in declaration order.
type InputSpec struct {
	Sources []string
	Reduce  bool
}

// Operator holds a set of equations over declared variables.
type Operator struct {
	Name      string
	Equations []*eqn.Equation
	Variables *ordered.Map[string, *VarDecl]
	// Inputs maps an input variable to its node-internal sources. An
	// input without an entry is fed from outside the node.
	Inputs map[string]*InputSpec
	// Output names the variable other operators and edges read.
	Output string
}

// NewOperator returns an empty operator.
func NewOperator(name string) *Operator {
	return &Operator{
		Name:      name,
		Variables: ordered.NewMap[string, *VarDecl](),
		Inputs:    map[string]*InputSpec{},
	}
}

// Feed declares the node-internal source operators of an input
// variable.
func (op *Operator) Feed(in string, reduce bool, sources ...string) *Operator {
	op.Inputs[in] = &InputSpec{Sources: sources, Reduce: reduce}
	return op
}

// Sources returns the node-internal source operators feeding an input
// variable.
func (op *Operator) Sources(in string) []string {
	spec := op.Inputs[in]
	if spec == nil {
		return nil
	}
	return spec.Sources
}

// Declare adds a variable declaration to the operator.
func (op *Operator) Declare(v *VarDecl) *Operator {
	op.Variables.Store(v.Name, v)
	if v.Kind == KindOutput {
		op.Output = v.Name
	}
	return op
}

// AddEquation parses and appends an equation.
func (op *Operator) AddEquation(eqs ...string) error {
	for _, s := range eqs {
		e, err := eqn.ParseEquation(s)
		if err != nil {
			return errors.Wrapf(err, "operator %s", op.Name)
		}
		op.Equations = append(op.Equations, e)
	}
	return nil
}

// Node is a network unit holding operators.
type Node struct {
	Name string
	Ops  *ordered.Map[string, *Operator]
}

// NewNode returns an empty node.
func NewNode(name string) *Node {
	return &Node{Name: name, Ops: ordered.NewMap[string, *Operator]()}
}

// Add appends an operator to the node.
func (n *Node) Add(op *Operator) *Node {
	n.Ops.Store(op.Name, op)
	return n
}

// Edge connects the output variable of a source operator to an input
// variable of a target operator.
type Edge struct {
	// Source and Target are variable addresses "node/operator/variable".
	Source, Target string
	// Weight scales the transmitted value. A nil weight means 1.
	Weight *tensor.Tensor
	// Delay postpones arrival by a time span per connection. A nil
	// delay means instantaneous coupling.
	Delay *tensor.Tensor
	// Via holds operators applied to the transmitted value, in order.
	// The first operator's input variable receives the source value
	// and the last operator's output feeds the target.
	Via []*Operator
}

// Circuit is a network of nodes and edges.
type Circuit struct {
	Name  string
	Nodes *ordered.Map[string, *Node]
	Edges []*Edge
}

// NewCircuit returns an empty circuit.
func NewCircuit(name string) *Circuit {
	return &Circuit{Name: name, Nodes: ordered.NewMap[string, *Node]()}
}

// AddNode appends a node to the circuit.
func (c *Circuit) AddNode(n *Node) *Circuit {
	c.Nodes.Store(n.Name, n)
	return c
}

// Connect appends an edge.
func (c *Circuit) Connect(e *Edge) *Circuit {
	c.Edges = append(c.Edges, e)
	return c
}

// Addr is a parsed variable address.
type Addr struct {
	Node, Op, Var string
}

func (a Addr) String() string {
	return a.Node + "/" + a.Op + "/" + a.Var
}

// ParseAddr splits a "node/operator/variable" address.
func ParseAddr(s string) (Addr, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return Addr{}, errors.Errorf("invalid variable address %q, want node/operator/variable", s)
	}
	for _, p := range parts {
		if p == "" {
			return Addr{}, errors.Errorf("invalid variable address %q, want node/operator/variable", s)
		}
	}
	return Addr{Node: parts[0], Op: parts[1], Var: parts[2]}, nil
}

// Resolve returns the node, operator and variable declaration an
// address points at.
func (c *Circuit) Resolve(addr string) (*Node, *Operator, *VarDecl, error) {
	a, err := ParseAddr(addr)
	if err != nil {
		return nil, nil, nil, err
	}
	n, ok := c.Nodes.Load(a.Node)
	if !ok {
		return nil, nil, nil, errors.Errorf("address %q: unknown node %q", addr, a.Node)
	}
	op, ok := n.Ops.Load(a.Op)
	if !ok {
		return nil, nil, nil, errors.Errorf("address %q: unknown operator %q on node %q", addr, a.Op, a.Node)
	}
	v, ok := op.Variables.Load(a.Var)
	if !ok {
		return nil, nil, nil, errors.Errorf("address %q: unknown variable %q on operator %q", addr, a.Var, a.Op)
	}
	return n, op, v, nil
}
