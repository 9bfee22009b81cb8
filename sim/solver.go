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
	"github.com/pkg/errors"

	"github.com/ratesim-org/ratesim/backend"
	"github.com/ratesim-org/ratesim/build/eqn"
	"github.com/ratesim-org/ratesim/build/graph"
	"github.com/ratesim-org/ratesim/num/tensor"
)

// Solver selects the integration scheme for differential equations.
type Solver string

// Supported solvers.
const (
	// Euler advances y += dt * f(y).
	Euler Solver = "euler"
	// Midpoint evaluates f at y + dt/2 * f(y) and advances with that
	// slope.
	Midpoint Solver = "midpoint"
)

// odeJob defers a differential equation to the shared slope and update
// layers of its node, so every slope reads pre-update state.
type odeJob struct {
	scope string
	addr  string
	rhs   *backend.Variable
}

// emitNode lowers the equations of one batched node. Algebraic
// equations run operator layer by operator layer; all differential
// updates of the node apply together afterwards.
func (bld *builder) emitNode(node *graph.Node) error {
	layers, err := node.OpLayers()
	if err != nil {
		return err
	}
	switch bld.net.solver {
	case Euler:
		return bld.emitPass(node, layers, nil, bld.eulerUpdate)
	case Midpoint:
		stage := map[string]*backend.Variable{}
		subst := map[*backend.Variable]*backend.Variable{}
		for _, layer := range layers {
			for _, op := range layer {
				for _, eq := range op.Equations {
					if !eq.IsODE {
						continue
					}
					addr := graph.Addr{Node: node.Name, Op: op.Name, Var: eq.TargetVar}.String()
					state, ok := bld.vars[addr]
					if !ok {
						return errors.Errorf("missing state variable %s", addr)
					}
					mid := bld.b.AddVar(backend.State, addr+"_mid", state.Value().Clone())
					stage[addr] = mid
					subst[state] = mid
				}
			}
		}
		if err := bld.emitPass(node, layers, nil, bld.midpointStage(stage)); err != nil {
			return err
		}
		return bld.emitPass(node, layers, subst, bld.eulerUpdate)
	}
	return errors.Errorf("unknown solver %q", bld.net.solver)
}

// emitPass walks the operator layers once, emitting algebraic
// equations in order and collecting differential equations for the
// closing slope and update layers. subst redirects state reads, used
// to evaluate slopes at the midpoint stage.
func (bld *builder) emitPass(node *graph.Node, layers [][]*graph.Operator, subst map[*backend.Variable]*backend.Variable, update func(*odeJob) error) error {
	var odes []*odeJob
	type deferred struct {
		scope string
		addr  string
		bnd   *binder
		rhs   eqn.Expr
	}
	var pending []deferred
	for _, layer := range layers {
		for _, op := range layer {
			scope := node.Name + "/" + op.Name
			bnd, err := bld.binderFor(node, op, subst)
			if err != nil {
				return err
			}
			if err := bld.emitInputCombiners(node, op); err != nil {
				return err
			}
			for _, eq := range op.Equations {
				if eq.IsODE {
					addr := graph.Addr{Node: node.Name, Op: op.Name, Var: eq.TargetVar}.String()
					pending = append(pending, deferred{scope: scope, addr: addr, bnd: bnd, rhs: eq.RHS})
					continue
				}
				if err := bld.emitAlgebraic(scope, bnd, eq); err != nil {
					return errors.Wrapf(err, "equation %q", eq.Raw)
				}
			}
		}
	}
	if len(pending) == 0 {
		return nil
	}
	// Slope layer: every right hand side is pinned to a variable, so
	// the updates in the next layer all read state from before this
	// step.
	bld.b.AddLayer()
	for _, d := range pending {
		arg, err := d.bnd.expr(d.rhs)
		if err != nil {
			return errors.Wrapf(err, "slope of %s", d.addr)
		}
		rhs, err := d.bnd.materialize(arg)
		if err != nil {
			return err
		}
		odes = append(odes, &odeJob{scope: d.scope, addr: d.addr, rhs: rhs})
	}
	bld.b.AddLayer()
	for _, job := range odes {
		if err := update(job); err != nil {
			return errors.Wrapf(err, "update of %s", job.addr)
		}
	}
	return nil
}

// emitAlgebraic lowers one non-differential equation into its own
// layer, preserving in-operator ordering.
func (bld *builder) emitAlgebraic(scope string, bnd *binder, eq *eqn.Equation) error {
	bld.b.AddLayer()
	arg, err := bnd.expr(eq.RHS)
	if err != nil {
		return err
	}
	target, ok := bnd.vars[eq.TargetVar]
	if !ok {
		return errors.Wrapf(backend.ErrUndefinedVariable, "%q in %s", eq.TargetVar, scope)
	}
	var axes []backend.AxisFn
	if idx, ok := eq.Target.(*eqn.Index); ok {
		axes, err = bnd.axes(idx.Dims)
		if err != nil {
			return err
		}
	}
	_, err = bld.b.AddAssign(scope+"/"+eq.TargetVar, target, eq.Op, axes, arg)
	return err
}

// emitInputCombiners collects operator inputs fed by several source
// operators: summed inputs fold into one value, stacked inputs fill a
// wider vector with one block of source values per unit.
func (bld *builder) emitInputCombiners(node *graph.Node, op *graph.Operator) error {
	for varName := range op.Variables.Keys() {
		addr := graph.Addr{Node: node.Name, Op: op.Name, Var: varName}.String()
		if srcs := bld.sums[addr]; len(srcs) > 0 {
			if err := bld.emitInputSum(addr, srcs); err != nil {
				return err
			}
		}
		if srcs := bld.stacks[addr]; len(srcs) > 0 {
			if err := bld.emitInputStack(node, addr, srcs); err != nil {
				return err
			}
		}
	}
	return nil
}

func (bld *builder) emitInputSum(addr string, srcs []string) error {
	bld.b.AddLayer()
	var sum any = bld.vars[srcs[0]]
	for _, src := range srcs[1:] {
		next, err := bld.b.AddOp("+", addr+"/sum", sum, bld.vars[src])
		if err != nil {
			return err
		}
		sum = next
	}
	_, err := bld.b.AddAssign(addr+"/collect", bld.vars[addr], "=", nil, sum)
	return err
}

// emitInputStack concatenates the source outputs into the widened
// input variable, one block per source within every batched unit, so
// each unit sees its own sources as one contiguous vector.
func (bld *builder) emitInputStack(node *graph.Node, addr string, srcs []string) error {
	bld.b.AddLayer()
	target := bld.vars[addr]
	sources := make([]*backend.Variable, len(srcs))
	for i, src := range srcs {
		sources[i] = bld.vars[src]
	}
	n := len(sources)
	units := len(bld.net.vec.Map.Originals(node.Name))
	if units == 0 {
		units = 1
	}
	_, err := bld.b.AddCustomOp(addr+"/stack", target, sources,
		func() (*tensor.Tensor, error) {
			out := target.Value().Clone()
			width := out.Len() / (units * n)
			for j, src := range sources {
				in := src.Value()
				if in.Len() != units*width {
					return nil, errors.Errorf(
						"stacked input %s: source %s holds %d values, want %d",
						addr, src.Name(), in.Len(), units*width)
				}
				for m := 0; m < units; m++ {
					for i := 0; i < width; i++ {
						out.SetAt(m*n*width+j*width+i, in.At(m*width+i))
					}
				}
			}
			return out, nil
		})
	return err
}

// binderFor builds the name resolution of one operator scope. Inputs
// with a single source already alias the source output; subst swaps
// state variables for their midpoint stand-ins.
func (bld *builder) binderFor(node *graph.Node, op *graph.Operator, subst map[*backend.Variable]*backend.Variable) (*binder, error) {
	scope := node.Name + "/" + op.Name
	vars := map[string]*backend.Variable{
		"t":  bld.tVar,
		"dt": bld.dtVar,
	}
	for varName := range op.Variables.Keys() {
		addr := graph.Addr{Node: node.Name, Op: op.Name, Var: varName}.String()
		v, ok := bld.vars[addr]
		if !ok {
			return nil, errors.Errorf("missing variable %s", addr)
		}
		if repl, ok := subst[v]; ok {
			v = repl
		}
		vars[varName] = v
	}
	return &binder{b: bld.b, scope: scope, vars: vars}, nil
}

// eulerUpdate advances the state by dt times the slope.
func (bld *builder) eulerUpdate(job *odeJob) error {
	state, ok := bld.vars[job.addr]
	if !ok {
		return errors.Errorf("missing state variable %s", job.addr)
	}
	mul, err := bld.b.AddOp("*", job.scope+"/dstep", bld.dtVar, job.rhs)
	if err != nil {
		return err
	}
	_, err = bld.b.AddAssign(job.scope+"/update", state, "+=", nil, mul)
	return err
}

// midpointStage writes state + dt/2 * slope into the stage variables
// the second pass evaluates slopes on.
func (bld *builder) midpointStage(stage map[string]*backend.Variable) func(*odeJob) error {
	return func(job *odeJob) error {
		state, ok := bld.vars[job.addr]
		if !ok {
			return errors.Errorf("missing state variable %s", job.addr)
		}
		mid, ok := stage[job.addr]
		if !ok {
			return errors.Errorf("missing stage variable for %s", job.addr)
		}
		half, err := bld.b.AddOp("*", job.scope+"/half_step", bld.halfVar, job.rhs)
		if err != nil {
			return err
		}
		sum, err := bld.b.AddOp("+", job.scope+"/stage", state, half)
		if err != nil {
			return err
		}
		_, err = bld.b.AddAssign(job.scope+"/stage_set", mid, "=", nil, sum)
		return err
	}
}
