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

// Package tensor implements dense n-dimensional arrays with
// broadcasting element-wise operations, reductions and linear algebra.
//
// A tensor owns one of three storage classes depending on its data
// type: real storage backs floats and integers, complex storage backs
// complex types, and boolean storage backs bool. Integer tensors keep
// their values in real storage and truncate on write.
package tensor

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/ratesim-org/ratesim/num/dtype"
)

// Tensor is a dense n-dimensional array.
type Tensor struct {
	dt    dtype.DataType
	shape []int

	// Exactly one of the following backs the tensor.
	re []float64
	cx []complex128
	bl []bool
}

// Size returns the number of elements a shape spans.
func Size(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Strides returns the row-major strides of a shape.
func Strides(shape []int) []int {
	st := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		st[i] = acc
		acc *= shape[i]
	}
	return st
}

// New returns a zero-valued tensor of the given data type and shape.
func New(dt dtype.DataType, shape []int) *Tensor {
	t := &Tensor{dt: dt, shape: append([]int{}, shape...)}
	n := Size(shape)
	switch {
	case dt.IsComplex():
		t.cx = make([]complex128, n)
	case dt == dtype.Bool:
		t.bl = make([]bool, n)
	default:
		t.re = make([]float64, n)
	}
	return t
}

// FromFloats returns a tensor backed by the given values. The slice is
// copied. The number of values must match the shape.
func FromFloats(dt dtype.DataType, shape []int, vals []float64) (*Tensor, error) {
	if dt.IsComplex() || dt == dtype.Bool {
		return nil, errors.Errorf("cannot build a %s tensor from float values", dt)
	}
	if len(vals) != Size(shape) {
		return nil, errors.Errorf("shape %v requires %d values, got %d", shape, Size(shape), len(vals))
	}
	t := New(dt, shape)
	copy(t.re, vals)
	if dt.IsInteger() {
		t.truncate()
	}
	return t, nil
}

// FromBools returns a boolean tensor backed by the given values.
func FromBools(shape []int, vals []bool) (*Tensor, error) {
	if len(vals) != Size(shape) {
		return nil, errors.Errorf("shape %v requires %d values, got %d", shape, Size(shape), len(vals))
	}
	t := New(dtype.Bool, shape)
	copy(t.bl, vals)
	return t, nil
}

// FromComplex returns a complex tensor backed by the given values.
func FromComplex(dt dtype.DataType, shape []int, vals []complex128) (*Tensor, error) {
	if !dt.IsComplex() {
		return nil, errors.Errorf("cannot build a %s tensor from complex values", dt)
	}
	if len(vals) != Size(shape) {
		return nil, errors.Errorf("shape %v requires %d values, got %d", shape, Size(shape), len(vals))
	}
	t := New(dt, shape)
	copy(t.cx, vals)
	return t, nil
}

// Scalar returns a rank-0 tensor holding a single value.
func Scalar(dt dtype.DataType, v float64) *Tensor {
	t := New(dt, nil)
	t.re[0] = v
	if dt.IsInteger() {
		t.truncate()
	}
	return t
}

// ScalarBool returns a rank-0 boolean tensor.
func ScalarBool(v bool) *Tensor {
	t := New(dtype.Bool, nil)
	t.bl[0] = v
	return t
}

// Zeros returns a tensor filled with zeros.
func Zeros(dt dtype.DataType, shape []int) *Tensor {
	return New(dt, shape)
}

// Ones returns a tensor filled with ones.
func Ones(dt dtype.DataType, shape []int) *Tensor {
	t := New(dt, shape)
	switch {
	case t.cx != nil:
		for i := range t.cx {
			t.cx[i] = 1
		}
	case t.bl != nil:
		for i := range t.bl {
			t.bl[i] = true
		}
	default:
		for i := range t.re {
			t.re[i] = 1
		}
	}
	return t
}

// Full returns a tensor with every element set to v.
func Full(dt dtype.DataType, shape []int, v float64) *Tensor {
	t := New(dt, shape)
	for i := range t.re {
		t.re[i] = v
	}
	if dt.IsInteger() {
		t.truncate()
	}
	return t
}

// Arange returns a rank-1 tensor holding start, start+step, ... below stop.
func Arange(dt dtype.DataType, start, stop, step float64) (*Tensor, error) {
	if step == 0 {
		return nil, errors.Errorf("arange: step cannot be zero")
	}
	var vals []float64
	if step > 0 {
		for v := start; v < stop; v += step {
			vals = append(vals, v)
		}
	} else {
		for v := start; v > stop; v += step {
			vals = append(vals, v)
		}
	}
	return FromFloats(dt, []int{len(vals)}, vals)
}

// Randn returns a tensor of standard normal draws. The same seed
// always produces the same tensor.
func Randn(dt dtype.DataType, shape []int, seed uint64) (*Tensor, error) {
	if !dt.IsFloat() {
		return nil, errors.Errorf("randn: data type %s is not a float type", dt)
	}
	norm := distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewSource(seed)}
	t := New(dt, shape)
	for i := range t.re {
		t.re[i] = norm.Rand()
	}
	return t, nil
}

// DType returns the data type of the tensor elements.
func (t *Tensor) DType() dtype.DataType { return t.dt }

// Shape returns the shape of the tensor. The caller must not mutate it.
func (t *Tensor) Shape() []int { return t.shape }

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.shape) }

// Len returns the number of elements.
func (t *Tensor) Len() int { return Size(t.shape) }

// Floats returns the real storage of the tensor, or nil for complex
// and boolean tensors. The slice aliases the tensor.
func (t *Tensor) Floats() []float64 { return t.re }

// Bools returns the boolean storage, or nil for numeric tensors.
func (t *Tensor) Bools() []bool { return t.bl }

// Complexes returns the complex storage, or nil for real tensors.
func (t *Tensor) Complexes() []complex128 { return t.cx }

// At returns the element at a flat offset as a float64.
func (t *Tensor) At(i int) float64 {
	switch {
	case t.re != nil:
		return t.re[i]
	case t.bl != nil:
		if t.bl[i] {
			return 1
		}
		return 0
	default:
		return real(t.cx[i])
	}
}

// SetAt writes the element at a flat offset.
func (t *Tensor) SetAt(i int, v float64) {
	switch {
	case t.re != nil:
		t.re[i] = v
		if t.dt.IsInteger() {
			t.re[i] = float64(int64(t.re[i]))
		}
	case t.bl != nil:
		t.bl[i] = v != 0
	default:
		t.cx[i] = complex(v, 0)
	}
}

// Item returns the single element of a one-element tensor.
func (t *Tensor) Item() (float64, error) {
	if t.Len() != 1 {
		return 0, errors.Errorf("tensor of shape %v has no single item", t.shape)
	}
	return t.At(0), nil
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	c := &Tensor{dt: t.dt, shape: append([]int{}, t.shape...)}
	if t.re != nil {
		c.re = append([]float64{}, t.re...)
	}
	if t.cx != nil {
		c.cx = append([]complex128{}, t.cx...)
	}
	if t.bl != nil {
		c.bl = append([]bool{}, t.bl...)
	}
	return c
}

// CopyFrom overwrites the elements of t with the elements of src.
// Both tensors must have the same length and storage class.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if t.Len() != src.Len() {
		return errors.Errorf("cannot copy %v elements into %v", src.shape, t.shape)
	}
	switch {
	case t.re != nil && src.re != nil:
		copy(t.re, src.re)
	case t.cx != nil && src.cx != nil:
		copy(t.cx, src.cx)
	case t.bl != nil && src.bl != nil:
		copy(t.bl, src.bl)
	default:
		return errors.Errorf("cannot copy %s storage into %s storage", src.dt, t.dt)
	}
	return nil
}

// Reshape returns a view-copy of the tensor with a new shape spanning
// the same number of elements. A single -1 entry is inferred.
func (t *Tensor) Reshape(shape []int) (*Tensor, error) {
	out := append([]int{}, shape...)
	infer := -1
	known := 1
	for i, d := range out {
		if d == -1 {
			if infer >= 0 {
				return nil, errors.Errorf("reshape: more than one inferred dimension in %v", shape)
			}
			infer = i
			continue
		}
		known *= d
	}
	if infer >= 0 {
		if known == 0 || t.Len()%known != 0 {
			return nil, errors.Errorf("reshape: cannot infer dimension for %v from %v", shape, t.shape)
		}
		out[infer] = t.Len() / known
	} else if known != t.Len() {
		return nil, errors.Errorf("reshape: %v has %d elements, shape %v spans %d", t.shape, t.Len(), shape, known)
	}
	c := t.Clone()
	c.shape = out
	return c, nil
}

// Squeeze returns a copy with all length-1 dimensions removed.
func (t *Tensor) Squeeze() *Tensor {
	var shape []int
	for _, d := range t.shape {
		if d != 1 {
			shape = append(shape, d)
		}
	}
	c := t.Clone()
	c.shape = shape
	return c
}

// Cast returns a copy of the tensor with a new data type.
func (t *Tensor) Cast(dt dtype.DataType) (*Tensor, error) {
	if dt == t.dt {
		return t.Clone(), nil
	}
	out := New(dt, t.shape)
	switch {
	case out.cx != nil:
		for i := 0; i < t.Len(); i++ {
			if t.cx != nil {
				out.cx[i] = t.cx[i]
			} else {
				out.cx[i] = complex(t.At(i), 0)
			}
		}
	case out.bl != nil:
		for i := 0; i < t.Len(); i++ {
			out.bl[i] = t.At(i) != 0
		}
	default:
		if t.cx != nil {
			return nil, errors.Errorf("cannot cast %s to %s", t.dt, dt)
		}
		for i := 0; i < t.Len(); i++ {
			out.re[i] = t.At(i)
		}
		if dt.IsInteger() {
			out.truncate()
		}
	}
	return out, nil
}

func (t *Tensor) truncate() {
	for i, v := range t.re {
		t.re[i] = float64(int64(v))
	}
}

// String formats the tensor for diagnostics.
func (t *Tensor) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s%v", t.dt, t.shape)
	n := t.Len()
	if n > 8 {
		n = 8
	}
	b.WriteString("[")
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(" ")
		}
		switch {
		case t.bl != nil:
			fmt.Fprintf(&b, "%t", t.bl[i])
		case t.cx != nil:
			fmt.Fprintf(&b, "%v", t.cx[i])
		default:
			fmt.Fprintf(&b, "%g", t.re[i])
		}
	}
	if t.Len() > n {
		b.WriteString(" ...")
	}
	b.WriteString("]")
	return b.String()
}

// SameShape reports whether two shapes are identical.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
