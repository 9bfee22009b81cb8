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

// Package template loads persisted circuit descriptions. A description
// is a JSON object whose "class" key names the constructed kind;
// nested objects describe nodes, operators and edges.
package template

import (
	"encoding/json"
	"os"
	"regexp"
	"sort"

	"github.com/pkg/errors"

	"github.com/ratesim-org/ratesim/build/graph"
	"github.com/ratesim-org/ratesim/num/dtype"
	"github.com/ratesim-org/ratesim/num/tensor"
)

// Circuit is a persisted circuit description.
type Circuit struct {
	Class string           `json:"class"`
	Name  string           `json:"name"`
	Nodes map[string]*Node `json:"nodes"`
	Edges []*Edge          `json:"edges"`
}

// Node is a persisted node description.
type Node struct {
	Class     string               `json:"class"`
	Operators map[string]*Operator `json:"operators"`
}

// Operator is a persisted operator description. Variables map names to
// specs: a number or numeric array declares a constant with that
// value, a string "kind" or "kind(value)" declares the given kind,
// with kind one of "variable", "output", "input" and "constant".
type Operator struct {
	Class     string                     `json:"class"`
	Equations []string                   `json:"equations"`
	Variables map[string]json.RawMessage `json:"variables"`
	Inputs    map[string]*Input          `json:"inputs"`
}

// Input wires an operator input to node-internal sources. The short
// form is a plain array of source names; the object form adds
// reduce_dim, which defaults to true.
type Input struct {
	Sources   []string `json:"sources"`
	ReduceDim *bool    `json:"reduce_dim"`
}

func (in *Input) UnmarshalJSON(data []byte) error {
	var sources []string
	if err := json.Unmarshal(data, &sources); err == nil {
		in.Sources = sources
		in.ReduceDim = nil
		return nil
	}
	type plain Input
	return json.Unmarshal(data, (*plain)(in))
}

// Edge is a persisted edge description. Weight and Delay hold a number
// or a numeric array with one value per connection.
type Edge struct {
	Source string          `json:"source"`
	Target string          `json:"target"`
	Weight json.RawMessage `json:"weight"`
	Delay  json.RawMessage `json:"delay"`
}

// Load reads and decodes a circuit description file.
func Load(path string) (*Circuit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading circuit template")
	}
	return Decode(data)
}

// Decode decodes a circuit description.
func Decode(data []byte) (*Circuit, error) {
	c := &Circuit{}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, errors.Wrap(err, "decoding circuit template")
	}
	if err := requireClass(c.Class, "CircuitTemplate"); err != nil {
		return nil, err
	}
	for name, n := range c.Nodes {
		if err := requireClass(n.Class, "NodeTemplate"); err != nil {
			return nil, errors.Wrapf(err, "node %s", name)
		}
		for opName, op := range n.Operators {
			if err := requireClass(op.Class, "OperatorTemplate"); err != nil {
				return nil, errors.Wrapf(err, "operator %s/%s", name, opName)
			}
		}
	}
	return c, nil
}

func requireClass(got, want string) error {
	if got != want {
		return errors.Errorf("class %q, want %q", got, want)
	}
	return nil
}

// Build constructs the circuit the description persists. Nodes and
// operators are added in name order, so repeated builds produce the
// same batching.
func (c *Circuit) Build() (*graph.Circuit, error) {
	circuit := graph.NewCircuit(c.Name)
	for _, nodeName := range sortedNames(c.Nodes) {
		node := graph.NewNode(nodeName)
		src := c.Nodes[nodeName]
		ops := make([]string, 0, len(src.Operators))
		for opName := range src.Operators {
			ops = append(ops, opName)
		}
		sort.Strings(ops)
		for _, opName := range ops {
			op, err := src.Operators[opName].build(opName)
			if err != nil {
				return nil, errors.Wrapf(err, "node %s", nodeName)
			}
			node.Add(op)
		}
		circuit.AddNode(node)
	}
	for i, e := range c.Edges {
		edge, err := e.build()
		if err != nil {
			return nil, errors.Wrapf(err, "edge %d", i)
		}
		circuit.Connect(edge)
	}
	return circuit, nil
}

func sortedNames(nodes map[string]*Node) []string {
	names := make([]string, 0, len(nodes))
	for name := range nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *Operator) build(name string) (*graph.Operator, error) {
	op := graph.NewOperator(name)
	vars := make([]string, 0, len(t.Variables))
	for varName := range t.Variables {
		vars = append(vars, varName)
	}
	sort.Strings(vars)
	for _, varName := range vars {
		decl, err := parseVarSpec(varName, t.Variables[varName])
		if err != nil {
			return nil, errors.Wrapf(err, "operator %s", name)
		}
		op.Declare(decl)
	}
	for in, src := range t.Inputs {
		op.Inputs[in] = &graph.InputSpec{
			Sources: append([]string(nil), src.Sources...),
			Reduce:  src.ReduceDim == nil || *src.ReduceDim,
		}
	}
	if err := op.AddEquation(t.Equations...); err != nil {
		return nil, err
	}
	return op, nil
}

var specRe = regexp.MustCompile(`^(variable|output|input|constant)(?:\(([^)]*)\))?$`)

var specKinds = map[string]graph.VarKind{
	"variable": graph.KindState,
	"output":   graph.KindOutput,
	"input":    graph.KindInput,
	"constant": graph.KindConstant,
}

// parseVarSpec decodes one variable spec. Bare values declare
// constants.
func parseVarSpec(name string, raw json.RawMessage) (*graph.VarDecl, error) {
	if init, err := parseValue(raw); err == nil {
		return &graph.VarDecl{
			Name:  name,
			Kind:  graph.KindConstant,
			DType: dtype.Float64,
			Shape: init.Shape(),
			Init:  init,
		}, nil
	}
	var spec string
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, errors.Errorf("variable %s: spec %s is neither a value nor a kind", name, raw)
	}
	m := specRe.FindStringSubmatch(spec)
	if m == nil {
		return nil, errors.Errorf("variable %s: invalid spec %q", name, spec)
	}
	decl := &graph.VarDecl{Name: name, Kind: specKinds[m[1]], DType: dtype.Float64}
	if m[2] != "" {
		init, err := parseValue(json.RawMessage(m[2]))
		if err != nil {
			return nil, errors.Wrapf(err, "variable %s", name)
		}
		decl.Shape = init.Shape()
		decl.Init = init
	}
	return decl, nil
}

// parseValue decodes a number or numeric array into a tensor.
func parseValue(raw json.RawMessage) (*tensor.Tensor, error) {
	var scalar float64
	if err := json.Unmarshal(raw, &scalar); err == nil {
		return tensor.Scalar(dtype.Float64, scalar), nil
	}
	var list []float64
	if err := json.Unmarshal(raw, &list); err == nil {
		return tensor.FromFloats(dtype.Float64, []int{len(list)}, list)
	}
	return nil, errors.Errorf("value %s is not numeric", raw)
}

func (t *Edge) build() (*graph.Edge, error) {
	if t.Source == "" || t.Target == "" {
		return nil, errors.New("edge needs source and target")
	}
	edge := &graph.Edge{Source: t.Source, Target: t.Target}
	if t.Weight != nil {
		w, err := parseValue(t.Weight)
		if err != nil {
			return nil, errors.Wrap(err, "weight")
		}
		edge.Weight = w
	}
	if t.Delay != nil {
		d, err := parseValue(t.Delay)
		if err != nil {
			return nil, errors.Wrap(err, "delay")
		}
		edge.Delay = d
	}
	return edge, nil
}
