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

// Package backend registers the variables and operations a compiled
// model consists of and executes them layer by layer.
//
// Operations live in ordered layers. Within a layer no execution order
// is promised, so at most one operation per layer may write a given
// variable. A cursor selects the layer new operations append to, which
// lets the equation compiler interleave batches of equations.
package backend

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/ratesim-org/ratesim/base/ordered"
	"github.com/ratesim-org/ratesim/base/uname"
	"github.com/ratesim-org/ratesim/num/dtype"
	"github.com/ratesim-org/ratesim/num/tensor"
)

// Registry failure sentinels, matched with errors.Is.
var (
	// ErrUndefinedVariable signals a reference to a variable the
	// registry does not hold.
	ErrUndefinedVariable = errors.New("undefined variable")
	// ErrUndefinedFunction signals a call to a function the operation
	// table does not hold.
	ErrUndefinedFunction = errors.New("undefined function")
	// ErrWriteConflict signals two operations in one layer writing the
	// same variable.
	ErrWriteConflict = errors.New("conflicting writes within a layer")
	// ErrIncompatibleShapes signals operand shapes that cannot be
	// reconciled by broadcasting.
	ErrIncompatibleShapes = errors.New("incompatible shapes")
	// ErrIncompatibleDtypes signals operand data types that cannot be
	// unified.
	ErrIncompatibleDtypes = errors.New("incompatible data types")
)

// Kind classifies a registered variable.
type Kind int

const (
	// State variables evolve over the simulation.
	State Kind = iota
	// Constant variables keep their creation value.
	Constant
	// Placeholder variables are fed from outside before each step.
	Placeholder
)

func (k Kind) String() string {
	switch k {
	case State:
		return "state"
	case Constant:
		return "constant"
	case Placeholder:
		return "placeholder"
	}
	return "unknown"
}

// Variable is a named tensor slot. Shape and data type are fixed at
// creation.
type Variable struct {
	name  string
	kind  Kind
	value *tensor.Tensor
}

// Name returns the registry-unique name of the variable.
func (v *Variable) Name() string { return v.name }

// Kind returns the variable kind.
func (v *Variable) Kind() Kind { return v.kind }

// Value returns the current tensor held by the variable.
func (v *Variable) Value() *tensor.Tensor { return v.value }

// Shape returns the fixed shape of the variable.
func (v *Variable) Shape() []int { return v.value.Shape() }

// DType returns the fixed data type of the variable.
func (v *Variable) DType() dtype.DataType { return v.value.DType() }

// Set replaces the value of the variable. The new tensor must match
// the declared shape and data type.
func (v *Variable) Set(t *tensor.Tensor) error {
	if !tensor.SameShape(v.value.Shape(), t.Shape()) {
		return errors.Wrapf(ErrIncompatibleShapes,
			"variable %s has shape %v, cannot hold %v", v.name, v.value.Shape(), t.Shape())
	}
	if t.DType() != v.value.DType() {
		cast, err := t.Cast(v.value.DType())
		if err != nil {
			return errors.Wrapf(ErrIncompatibleDtypes,
				"variable %s has data type %s, cannot hold %s", v.name, v.value.DType(), t.DType())
		}
		t = cast
	}
	v.value = t
	return nil
}

// Backend is the variable and operation registry.
type Backend struct {
	vars   *ordered.Map[string, *Variable]
	names  *uname.Unique
	layers []*layer
	cursor int
	seed   uint64
	norm   *distuv.Normal
}

type layer struct {
	// ops may contain nil slots where an operation was inlined into a
	// consumer. Compile drops them.
	ops []*Operation
}

// New returns an empty registry with one open layer.
func New() *Backend {
	return &Backend{
		vars:   ordered.NewMap[string, *Variable](),
		names:  uname.New(),
		layers: []*layer{{}},
		seed:   1,
	}
}

// SetSeed fixes the seed of the random draw stream.
func (b *Backend) SetSeed(seed uint64) {
	b.seed = seed
	b.norm = nil
}

// AddVar registers a variable. A taken name gets a numeric suffix; the
// returned variable carries the final name.
func (b *Backend) AddVar(kind Kind, name string, value *tensor.Tensor) *Variable {
	v := &Variable{name: b.names.Name(name), kind: kind, value: value}
	b.vars.Store(v.name, v)
	return v
}

// Var returns a registered variable by name.
func (b *Backend) Var(name string) (*Variable, error) {
	v, ok := b.vars.Load(name)
	if !ok {
		return nil, errors.Wrapf(ErrUndefinedVariable, "%q", name)
	}
	return v, nil
}

// HasVar reports whether a name is registered.
func (b *Backend) HasVar(name string) bool { return b.vars.Has(name) }

// Vars iterates over all variables in registration order.
func (b *Backend) Vars() func(func(string, *Variable) bool) {
	return b.vars.Iter()
}

// Layer returns the cursor position.
func (b *Backend) Layer() int { return b.cursor }

// NumLayers returns the number of layers, including empty ones.
func (b *Backend) NumLayers() int { return len(b.layers) }

// AddLayer opens a new layer after the last one and moves the cursor
// there.
func (b *Backend) AddLayer() {
	b.layers = append(b.layers, &layer{})
	b.cursor = len(b.layers) - 1
}

// AddLayerToFront opens a new layer before the first one and moves the
// cursor there.
func (b *Backend) AddLayerToFront() {
	b.layers = append([]*layer{{}}, b.layers...)
	b.cursor = 0
}

// NextLayer moves the cursor one layer down, opening one at the end if
// needed.
func (b *Backend) NextLayer() {
	if b.cursor == len(b.layers)-1 {
		b.AddLayer()
		return
	}
	b.cursor++
}

// PreviousLayer moves the cursor one layer up, opening one at the
// front if needed.
func (b *Backend) PreviousLayer() {
	if b.cursor == 0 {
		b.AddLayerToFront()
		return
	}
	b.cursor--
}

// TopLayer moves the cursor to the last layer.
func (b *Backend) TopLayer() { b.cursor = len(b.layers) - 1 }

// BottomLayer moves the cursor to the first layer.
func (b *Backend) BottomLayer() { b.cursor = 0 }

// append places an operation in the cursor layer and records its slot
// so a consumer can null it out when inlining. The layer is tracked by
// pointer since front insertions renumber layers.
func (b *Backend) append(op *Operation) {
	l := b.layers[b.cursor]
	op.home = l
	op.slot = len(l.ops)
	l.ops = append(l.ops, op)
}
