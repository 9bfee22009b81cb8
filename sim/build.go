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

package sim

import (
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"

	"github.com/ratesim-org/ratesim/backend"
	"github.com/ratesim-org/ratesim/build/graph"
	"github.com/ratesim-org/ratesim/build/vectorize"
	"github.com/ratesim-org/ratesim/num/dtype"
	"github.com/ratesim-org/ratesim/num/tensor"
)

// builder assembles the stepping program of one run. The per-step
// layer order is: delay buffer writes, edge input handling, external
// inputs, node equations, buffer rotation and time advance.
type builder struct {
	net *Network
	b   *backend.Backend

	tVar, dtVar, halfVar *backend.Variable

	// vars maps batched variable addresses to registry variables.
	// Operator inputs with a single internal source alias the source
	// operator's output.
	vars map[string]*backend.Variable
	// sums maps operator inputs to the output addresses of multiple
	// internal sources combined by summation.
	sums map[string][]string
	// stacks maps operator inputs to the output addresses of multiple
	// internal sources combined by stacking, one block per source.
	stacks map[string][]string
	// edgeTargets marks addresses written by the input handling layer.
	edgeTargets map[string]bool
	// buffers holds delay buffers to rotate after every step.
	buffers []*backend.Variable
	feeds   []*feedSlot
}

func newBuilder(n *Network, inputs map[string]*tensor.Tensor) (*builder, error) {
	bld := &builder{
		net:         n,
		b:           backend.New(),
		vars:        map[string]*backend.Variable{},
		sums:        map[string][]string{},
		stacks:      map[string][]string{},
		edgeTargets: map[string]bool{},
	}
	bld.b.SetSeed(n.seed)
	for _, e := range n.vec.Edges {
		bld.edgeTargets[e.Target] = true
	}
	if err := bld.registerVars(); err != nil {
		return nil, err
	}
	bld.dtVar = bld.b.AddVar(backend.Constant, "dt", tensor.Scalar(dtype.Float64, n.dt))
	bld.halfVar = bld.b.AddVar(backend.Constant, "dt_half", tensor.Scalar(dtype.Float64, n.dt/2))
	bld.tVar = bld.b.AddVar(backend.State, "t", tensor.Scalar(dtype.Float64, 0))
	if err := bld.emit(inputs); err != nil {
		return nil, err
	}
	return bld, nil
}

// registerVars creates a registry variable per batched declaration.
// Constants fold, everything else steps as state.
func (bld *builder) registerVars() error {
	for _, node := range bld.net.vec.Circuit.Nodes.Iter() {
		for _, op := range node.Ops.Iter() {
			for varName, decl := range op.Variables.Iter() {
				addr := graph.Addr{Node: node.Name, Op: op.Name, Var: varName}.String()
				srcs := op.Sources(varName)
				if len(srcs) > 0 && bld.edgeTargets[addr] {
					return errors.Errorf("variable %s is fed both by operators and by edges", addr)
				}
				if len(srcs) == 1 {
					continue
				}
				bld.vars[addr] = bld.b.AddVar(declKind(decl), addr, declValue(decl))
				if len(srcs) > 1 {
					var srcAddrs []string
					for _, src := range srcs {
						srcOp, ok := node.Ops.Load(src)
						if !ok {
							return errors.Errorf("variable %s reads missing operator %s", addr, src)
						}
						srcAddrs = append(srcAddrs, graph.Addr{Node: node.Name, Op: src, Var: srcOp.Output}.String())
					}
					if op.Inputs[varName].Reduce {
						bld.sums[addr] = srcAddrs
					} else {
						bld.stacks[addr] = srcAddrs
					}
				}
			}
		}
	}
	// Single-source inputs alias the source output.
	for _, node := range bld.net.vec.Circuit.Nodes.Iter() {
		for _, op := range node.Ops.Iter() {
			for varName := range op.Variables.Keys() {
				srcs := op.Sources(varName)
				if len(srcs) != 1 {
					continue
				}
				srcOp, ok := node.Ops.Load(srcs[0])
				if !ok {
					return errors.Errorf("operator %s/%s reads missing operator %s", node.Name, op.Name, srcs[0])
				}
				addr := graph.Addr{Node: node.Name, Op: op.Name, Var: varName}.String()
				srcAddr := graph.Addr{Node: node.Name, Op: srcs[0], Var: srcOp.Output}.String()
				src, ok := bld.vars[srcAddr]
				if !ok {
					return errors.Errorf("variable %s aliases missing %s", addr, srcAddr)
				}
				bld.vars[addr] = src
			}
		}
	}
	return nil
}

func declKind(d *graph.VarDecl) backend.Kind {
	if d.Kind == graph.KindConstant {
		return backend.Constant
	}
	return backend.State
}

func declValue(d *graph.VarDecl) *tensor.Tensor {
	if d.Init != nil {
		return d.Init.Clone()
	}
	dt := d.DType
	if dt == dtype.Invalid {
		dt = dtype.Float64
	}
	return tensor.Zeros(dt, d.Shape)
}

// emit lays out the per-step operation layers.
func (bld *builder) emit(inputs map[string]*tensor.Tensor) error {
	plan, err := bld.planEdges()
	if err != nil {
		return err
	}
	// The opening layer holds the delay buffer writes, so zero-delay
	// arrivals are visible to the handling layer of the same step.
	if err := plan.emitWrites(bld); err != nil {
		return err
	}
	bld.b.AddLayer()
	if err := plan.emitHandling(bld); err != nil {
		return err
	}
	bld.b.AddLayer()
	if err := bld.emitInputs(inputs); err != nil {
		return err
	}
	for _, node := range bld.net.vec.Circuit.Nodes.Iter() {
		if err := bld.emitNode(node); err != nil {
			return errors.Wrapf(err, "node %s", node.Name)
		}
	}
	return bld.emitEpilogue()
}

// emitEpilogue rotates delay buffers and advances time.
func (bld *builder) emitEpilogue() error {
	bld.b.AddLayer()
	for _, buf := range bld.buffers {
		buf := buf
		if _, err := bld.b.AddCustomOp(buf.Name()+"/rotate", buf, []*backend.Variable{buf},
			func() (*tensor.Tensor, error) {
				rolled, err := tensor.Roll(buf.Value(), -1, 0)
				if err != nil {
					return nil, err
				}
				rows := rolled.Shape()[0]
				cols := rolled.Len() / rows
				for i := (rows - 1) * cols; i < rolled.Len(); i++ {
					rolled.SetAt(i, 0)
				}
				return rolled, nil
			}); err != nil {
			return err
		}
	}
	_, err := bld.b.AddAssign("t/advance", bld.tVar, "+=", nil, bld.dtVar)
	return err
}

// finish compiles the emitted layers into a runnable program.
func (bld *builder) finish() (*backend.Program, error) {
	return bld.b.Compile()
}

// feedSlot streams one external input into a segment of a batched
// variable before every step.
type feedSlot struct {
	dest   *tensor.Tensor
	start  int
	length int
	series *tensor.Tensor
	// rows is the number of time rows; zero applies the value
	// unchanged every step.
	rows int
}

// emitInputs wires external inputs. Inputs into edge-fed variables add
// on top of the handled edge value through a placeholder; all other
// inputs overwrite their segment directly.
func (bld *builder) emitInputs(inputs map[string]*tensor.Tensor) error {
	placeholders := map[string]*backend.Variable{}
	for _, addr := range sortedKeys(inputs) {
		series := inputs[addr]
		loc, ok := bld.net.vec.Map.Lookup(addr)
		if !ok {
			return errors.Errorf("unknown input variable %q", addr)
		}
		target, ok := bld.vars[loc.Var]
		if !ok {
			return errors.Errorf("input %q resolves to missing variable %s", addr, loc.Var)
		}
		dest := target.Value()
		if bld.edgeTargets[loc.Var] {
			ph, ok := placeholders[loc.Var]
			if !ok {
				ph = bld.b.AddVar(backend.Placeholder, loc.Var+"_in",
					tensor.Zeros(dtype.Float64, target.Shape()))
				placeholders[loc.Var] = ph
				if _, err := bld.b.AddAssign(loc.Var+"/feed", target, "+=", nil, ph); err != nil {
					return err
				}
			}
			dest = ph.Value()
		}
		slot, err := newFeedSlot(addr, dest, loc, series)
		if err != nil {
			return err
		}
		bld.feeds = append(bld.feeds, slot)
	}
	return nil
}

func newFeedSlot(addr string, dest *tensor.Tensor, loc vectorize.Loc, series *tensor.Tensor) (*feedSlot, error) {
	segment := loc.End - loc.Start
	slot := &feedSlot{dest: dest, start: loc.Start, length: segment, series: series}
	switch {
	case series.Len() == segment || series.Rank() == 0:
		// Constant value, broadcast over the segment.
	case series.Rank() >= 1:
		rows := series.Shape()[0]
		per := series.Len() / rows
		if per != segment && per != 1 {
			return nil, errors.Errorf("input %q rows have %d values, variable holds %d", addr, per, segment)
		}
		slot.rows = rows
	default:
		return nil, errors.Errorf("input %q shape %v does not fit variable segment of %d", addr, series.Shape(), segment)
	}
	return slot, nil
}

// feed loads all external inputs for one step.
func (bld *builder) feed(step int) error {
	for _, s := range bld.feeds {
		if s.rows == 0 {
			for i := 0; i < s.length; i++ {
				s.dest.SetAt(s.start+i, s.series.At(i%s.series.Len()))
			}
			continue
		}
		row := step
		if row >= s.rows {
			row = s.rows - 1
		}
		per := s.series.Len() / s.rows
		for i := 0; i < s.length; i++ {
			s.dest.SetAt(s.start+i, s.series.At(row*per+i%per))
		}
	}
	return nil
}

func sortedKeys(m map[string]*tensor.Tensor) []string {
	keys := maps.Keys(m)
	sort.Strings(keys)
	return keys
}

// outputVars resolves the requested original addresses to the batched
// variables the program records.
func (bld *builder) outputVars(outputs []string) ([]*backend.Variable, error) {
	seen := map[string]bool{}
	var vars []*backend.Variable
	for _, addr := range outputs {
		loc, ok := bld.net.vec.Map.Lookup(addr)
		if !ok {
			return nil, errors.Errorf("unknown output variable %q", addr)
		}
		if seen[loc.Var] {
			continue
		}
		seen[loc.Var] = true
		v, ok := bld.vars[loc.Var]
		if !ok {
			return nil, errors.Errorf("output %q resolves to missing variable %s", addr, loc.Var)
		}
		vars = append(vars, v)
	}
	return vars, nil
}
