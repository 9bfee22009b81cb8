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

package tensor

import (
	"github.com/pkg/errors"

	"github.com/ratesim-org/ratesim/num/dtype"
)

type axisKind int

const (
	axisAll axisKind = iota
	axisPoint
	axisRange
	axisList
)

// Axis selects elements along one dimension of a tensor.
type Axis struct {
	kind        axisKind
	point       int
	start, stop int
	open        bool // range without an upper bound
	list        []int
}

// All selects every element of a dimension.
func All() Axis { return Axis{kind: axisAll} }

// Point selects a single element and drops the dimension.
func Point(i int) Axis { return Axis{kind: axisPoint, point: i} }

// Range selects the half-open interval [start, stop).
func Range(start, stop int) Axis { return Axis{kind: axisRange, start: start, stop: stop} }

// RangeFrom selects [start, end of dimension).
func RangeFrom(start int) Axis { return Axis{kind: axisRange, start: start, open: true} }

// List selects the given elements in order. Repetitions are allowed.
func List(idx []int) Axis { return Axis{kind: axisList, list: idx} }

// Mask selects the elements of a dimension flagged true in a rank-1
// boolean tensor.
func Mask(m *Tensor) (Axis, error) {
	if m.DType() != dtype.Bool || m.Rank() != 1 {
		return Axis{}, errors.Errorf("mask must be a rank-1 bool tensor, got %s%v", m.DType(), m.Shape())
	}
	var idx []int
	for i, v := range m.bl {
		if v {
			idx = append(idx, i)
		}
	}
	return List(idx), nil
}

func wrap(i, n int) (int, error) {
	if i < 0 {
		i += n
	}
	if i < 0 || i >= n {
		return 0, errors.Errorf("index %d out of range for dimension of length %d", i, n)
	}
	return i, nil
}

// resolve expands an axis spec into the selected indices and reports
// whether the dimension survives in the output shape.
func (ax Axis) resolve(n int) ([]int, bool, error) {
	switch ax.kind {
	case axisAll:
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		return idx, true, nil
	case axisPoint:
		i, err := wrap(ax.point, n)
		if err != nil {
			return nil, false, err
		}
		return []int{i}, false, nil
	case axisRange:
		start, stop := ax.start, ax.stop
		if ax.open {
			stop = n
		}
		if start < 0 {
			start += n
		}
		if stop < 0 {
			stop += n
		}
		if start < 0 || stop > n || start > stop {
			return nil, false, errors.Errorf("range %d:%d out of bounds for dimension of length %d", ax.start, ax.stop, n)
		}
		idx := make([]int, stop-start)
		for i := range idx {
			idx[i] = start + i
		}
		return idx, true, nil
	case axisList:
		idx := make([]int, len(ax.list))
		for i, v := range ax.list {
			w, err := wrap(v, n)
			if err != nil {
				return nil, false, err
			}
			idx[i] = w
		}
		return idx, true, nil
	}
	return nil, false, errors.Errorf("invalid axis spec")
}

// selection holds resolved per-dimension indices into a tensor.
type selection struct {
	dims  [][]int
	keep  []bool
	shape []int // source shape
}

func resolveAxes(shape []int, axes []Axis) (*selection, error) {
	if len(axes) > len(shape) {
		return nil, errors.Errorf("%d axis specs for shape %v", len(axes), shape)
	}
	sel := &selection{shape: shape}
	for d, n := range shape {
		ax := All()
		if d < len(axes) {
			ax = axes[d]
		}
		idx, keep, err := ax.resolve(n)
		if err != nil {
			return nil, errors.Wrapf(err, "axis %d", d)
		}
		sel.dims = append(sel.dims, idx)
		sel.keep = append(sel.keep, keep)
	}
	return sel, nil
}

// outShape returns the shape of the gathered result.
func (sel *selection) outShape() []int {
	var shape []int
	for d, idx := range sel.dims {
		if sel.keep[d] {
			shape = append(shape, len(idx))
		}
	}
	return shape
}

// eachFlat feeds every selected flat source offset to f, in row-major
// order of the selection.
func (sel *selection) eachFlat(f func(src int)) {
	st := Strides(sel.shape)
	var walk func(d, off int)
	walk = func(d, off int) {
		if d == len(sel.dims) {
			f(off)
			return
		}
		for _, i := range sel.dims[d] {
			walk(d+1, off+i*st[d])
		}
	}
	walk(0, 0)
}

// Gather returns the elements of t selected by the axis specs.
// Trailing dimensions without a spec are taken whole.
func Gather(t *Tensor, axes []Axis) (*Tensor, error) {
	sel, err := resolveAxes(t.shape, axes)
	if err != nil {
		return nil, err
	}
	out := New(t.dt, sel.outShape())
	pos := 0
	sel.eachFlat(func(src int) {
		switch {
		case t.cx != nil:
			out.cx[pos] = t.cx[src]
		case t.bl != nil:
			out.bl[pos] = t.bl[src]
		default:
			out.re[pos] = t.re[src]
		}
		pos++
	})
	return out, nil
}

// scatter writes val into the selected elements of t. val must hold
// either a single element or exactly one element per selected slot.
func scatter(t *Tensor, axes []Axis, val *Tensor, add bool) error {
	sel, err := resolveAxes(t.shape, axes)
	if err != nil {
		return err
	}
	n := Size(sel.outShape())
	if val.Len() != n && val.Len() != 1 {
		return errors.Errorf("cannot scatter %d values into %d selected elements", val.Len(), n)
	}
	pos := 0
	sel.eachFlat(func(dst int) {
		i := pos
		if val.Len() == 1 {
			i = 0
		}
		switch {
		case t.cx != nil && val.cx != nil:
			if add {
				t.cx[dst] += val.cx[i]
			} else {
				t.cx[dst] = val.cx[i]
			}
		case t.bl != nil:
			t.bl[dst] = val.At(i) != 0
		default:
			if add {
				t.SetAt(dst, t.At(dst)+val.At(i))
			} else {
				t.SetAt(dst, val.At(i))
			}
		}
		pos++
	})
	return nil
}

// ScatterAssign overwrites the selected elements of t with val.
func ScatterAssign(t *Tensor, axes []Axis, val *Tensor) error {
	return scatter(t, axes, val, false)
}

// ScatterAdd accumulates val into the selected elements of t.
// Repeated indices accumulate once per repetition.
func ScatterAdd(t *Tensor, axes []Axis, val *Tensor) error {
	return scatter(t, axes, val, true)
}
