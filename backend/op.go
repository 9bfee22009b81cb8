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
	"github.com/pkg/errors"

	"github.com/ratesim-org/ratesim/num/tensor"
)

// Operation computes one value per step. A pure operation writes a
// result variable; an assign operation updates its target.
type Operation struct {
	name string
	key  string

	eval     func() (*tensor.Tensor, error)
	reads    []*Variable
	inputOps []*Operation

	result *Variable // output slot of a pure operation
	target *Variable // assign target, nil for pure operations
	folded *Variable // set when the operation folded to a constant

	home *layer
	slot int
}

// Name returns the registry-unique operation name.
func (op *Operation) Name() string { return op.name }

// Key returns the operation key the operation was built from.
func (op *Operation) Key() string { return op.key }

// Result returns the variable holding the operation output: the folded
// constant, the assign target, or the result slot.
func (op *Operation) Result() *Variable {
	switch {
	case op.folded != nil:
		return op.folded
	case op.target != nil:
		return op.target
	default:
		return op.result
	}
}

// Folded reports whether the operation was folded to a constant at
// build time.
func (op *Operation) Folded() bool { return op.folded != nil }

// argument evaluation built from the supported argument kinds.
type argFn func() (*tensor.Tensor, error)

// bindArgs turns arguments into getters and collects the variables and
// operations the new operation consumes. Accepted argument kinds are
// *Variable, *Operation and *tensor.Tensor.
func (b *Backend) bindArgs(args []any) ([]argFn, []*Variable, []*Operation, error) {
	var getters []argFn
	var reads []*Variable
	var inputs []*Operation
	seen := map[string]bool{}
	addRead := func(v *Variable) {
		if !seen[v.name] {
			seen[v.name] = true
			reads = append(reads, v)
		}
	}
	for i, arg := range args {
		switch a := arg.(type) {
		case *Variable:
			v := a
			addRead(v)
			getters = append(getters, func() (*tensor.Tensor, error) { return v.value, nil })
		case *Operation:
			if a.folded != nil {
				v := a.folded
				addRead(v)
				getters = append(getters, func() (*tensor.Tensor, error) { return v.value, nil })
				continue
			}
			// Splice: the consumed operation evaluates inline and its
			// own reads and inputs merge into the consumer.
			inputs = append(inputs, a)
			for _, v := range a.reads {
				addRead(v)
			}
			inputs = append(inputs, a.inputOps...)
			getters = append(getters, a.eval)
		case *tensor.Tensor:
			t := a
			getters = append(getters, func() (*tensor.Tensor, error) { return t, nil })
		default:
			return nil, nil, nil, errors.Errorf("argument %d: unsupported kind %T", i, arg)
		}
	}
	return getters, reads, inputs, nil
}

// constOnly reports whether every read is a constant.
func constOnly(reads []*Variable) bool {
	for _, v := range reads {
		if v.kind != Constant {
			return false
		}
	}
	return true
}

// AddOp builds an operation from an operation key and arguments. The
// operation is dry-evaluated once to fix its result shape and data
// type. When every consumed variable is a constant the operation folds
// to a constant variable and never enters a layer. Otherwise consumed
// input operations are removed from their layers and the new operation
// joins the cursor layer.
func (b *Backend) AddOp(key, name string, args ...any) (*Operation, error) {
	fn, ok := Funcs[key]
	if !ok {
		return nil, errors.Wrapf(ErrUndefinedFunction, "%q", key)
	}
	getters, reads, inputs, err := b.bindArgs(args)
	if err != nil {
		return nil, errors.Wrapf(err, "operation %s", name)
	}
	op := &Operation{
		name:     b.names.Name(name),
		key:      key,
		reads:    reads,
		inputOps: inputs,
	}
	op.eval = func() (*tensor.Tensor, error) {
		vals := make([]*tensor.Tensor, len(getters))
		for i, g := range getters {
			v, err := g()
			if err != nil {
				return nil, err
			}
			vals[i] = v
		}
		out, err := fn(vals)
		if err != nil {
			return nil, errors.Wrapf(err, "operation %s (%s)", op.name, key)
		}
		return out, nil
	}
	out, err := op.eval()
	if err != nil {
		return nil, err
	}
	if constOnly(reads) {
		op.folded = b.AddVar(Constant, op.name, out)
		return op, nil
	}
	op.result = b.AddVar(State, op.name, out.Clone())
	b.append(op)
	for _, in := range inputs {
		in.invalidate()
	}
	return op, nil
}

// invalidate nulls the layer slot of a consumed operation.
func (op *Operation) invalidate() {
	if op.home != nil && op.home.ops[op.slot] == op {
		op.home.ops[op.slot] = nil
		op.home = nil
	}
}

// AxisFn produces one axis of an index at evaluation time, so index
// bounds can depend on variables.
type AxisFn func() (tensor.Axis, error)

// AddAssign builds an operation updating target with the value of the
// single argument. op is one of "=", "+=", "-=", "*=", "/=". A non-nil
// axes list restricts the update to the selected elements.
func (b *Backend) AddAssign(name string, target *Variable, assign string, axes []AxisFn, arg any) (*Operation, error) {
	getters, reads, inputs, err := b.bindArgs([]any{arg})
	if err != nil {
		return nil, errors.Wrapf(err, "operation %s", name)
	}
	op := &Operation{
		name:     b.names.Name(name),
		key:      assign,
		reads:    reads,
		inputOps: inputs,
		target:   target,
	}
	op.eval = func() (*tensor.Tensor, error) {
		val, err := getters[0]()
		if err != nil {
			return nil, err
		}
		if axes == nil {
			return assignFull(target.value, assign, val)
		}
		resolved := make([]tensor.Axis, len(axes))
		for i, fn := range axes {
			ax, err := fn()
			if err != nil {
				return nil, errors.Wrapf(err, "operation %s: index axis %d", op.name, i)
			}
			resolved[i] = ax
		}
		if err := assignIndexed(target.value, assign, resolved, val); err != nil {
			return nil, errors.Wrapf(err, "operation %s", op.name)
		}
		return target.value, nil
	}
	// Dry evaluation mutates the target; run against a scratch copy.
	snapshot := target.value
	target.value = snapshot.Clone()
	out, err := op.eval()
	target.value = snapshot
	if err != nil {
		return nil, err
	}
	if !tensor.SameShape(out.Shape(), target.value.Shape()) {
		return nil, errors.Wrapf(ErrIncompatibleShapes,
			"operation %s: assignment of shape %v to variable %s of shape %v",
			op.name, out.Shape(), target.name, target.value.Shape())
	}
	b.append(op)
	for _, in := range inputs {
		in.invalidate()
	}
	return op, nil
}

// assignFull applies a whole-variable assignment and returns the new
// value of the target.
func assignFull(cur *tensor.Tensor, assign string, val *tensor.Tensor) (*tensor.Tensor, error) {
	switch assign {
	case "=":
		// Broadcast the value against the current shape so a scalar
		// right hand side fills the variable.
		return tensor.Apply2(cur, val,
			func(_, y float64) float64 { return y },
			func(_, y complex128) complex128 { return y })
	case "+=":
		return tensor.Add(cur, val)
	case "-=":
		return tensor.Sub(cur, val)
	case "*=":
		return tensor.Mul(cur, val)
	case "/=":
		return tensor.Div(cur, val)
	}
	return nil, errors.Errorf("unknown assignment operator %q", assign)
}

// assignIndexed applies an assignment to the selected elements of the
// target in place.
func assignIndexed(cur *tensor.Tensor, assign string, axes []tensor.Axis, val *tensor.Tensor) error {
	switch assign {
	case "=":
		return tensor.ScatterAssign(cur, axes, val)
	case "+=":
		return tensor.ScatterAdd(cur, axes, val)
	case "-=":
		neg, err := tensor.Neg(val)
		if err != nil {
			return err
		}
		return tensor.ScatterAdd(cur, axes, neg)
	case "*=", "/=":
		sel, err := tensor.Gather(cur, axes)
		if err != nil {
			return err
		}
		var upd *tensor.Tensor
		if assign == "*=" {
			upd, err = tensor.Mul(sel, val)
		} else {
			upd, err = tensor.Div(sel, val)
		}
		if err != nil {
			return err
		}
		return tensor.ScatterAssign(cur, axes, upd)
	}
	return errors.Errorf("unknown assignment operator %q", assign)
}

// AddCustomOp registers an operation with an explicit evaluation
// function, for computations the operation table cannot express, such
// as coordinate-paired buffer writes. reads lists the variables the
// function consumes. A non-nil target gives the operation assign
// semantics: the returned tensor becomes the target's new value.
func (b *Backend) AddCustomOp(name string, target *Variable, reads []*Variable, eval func() (*tensor.Tensor, error)) (*Operation, error) {
	op := &Operation{
		name:   b.names.Name(name),
		key:    "custom",
		eval:   eval,
		reads:  reads,
		target: target,
	}
	if target == nil {
		out, err := op.eval()
		if err != nil {
			return nil, errors.Wrapf(err, "operation %s", op.name)
		}
		op.result = b.AddVar(State, op.name, out.Clone())
		b.append(op)
		return op, nil
	}
	snapshot := target.value
	target.value = snapshot.Clone()
	out, err := op.eval()
	target.value = snapshot
	if err != nil {
		return nil, errors.Wrapf(err, "operation %s", op.name)
	}
	if !tensor.SameShape(out.Shape(), target.value.Shape()) {
		return nil, errors.Wrapf(ErrIncompatibleShapes,
			"operation %s: assignment of shape %v to variable %s of shape %v",
			op.name, out.Shape(), target.name, target.value.Shape())
	}
	b.append(op)
	return op, nil
}

// FixedAxis wraps a static axis spec into an AxisFn.
func FixedAxis(ax tensor.Axis) AxisFn {
	return func() (tensor.Axis, error) { return ax, nil }
}

// VarAxis builds an AxisFn selecting the coordinates held by an
// integer variable, so gather targets can change between steps. A
// scalar selects a single point, a vector a coordinate list.
func VarAxis(v *Variable) AxisFn {
	return func() (tensor.Axis, error) {
		t := v.Value()
		if t.Rank() == 0 {
			return tensor.Point(int(t.At(0))), nil
		}
		idx := make([]int, t.Len())
		for i := range idx {
			idx[i] = int(t.At(i))
		}
		return tensor.List(idx), nil
	}
}
