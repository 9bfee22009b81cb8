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
	"math"
	"math/cmplx"

	"github.com/pkg/errors"

	"github.com/ratesim-org/ratesim/num/dtype"
)

// BroadcastShapes returns the shape produced by broadcasting two
// shapes against each other. Dimensions align from the right and a
// length-1 dimension stretches to match its counterpart.
func BroadcastShapes(a, b []int) ([]int, error) {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	out := make([]int, n)
	for i := 1; i <= n; i++ {
		da, db := 1, 1
		if i <= len(a) {
			da = a[len(a)-i]
		}
		if i <= len(b) {
			db = b[len(b)-i]
		}
		switch {
		case da == db:
			out[n-i] = da
		case da == 1:
			out[n-i] = db
		case db == 1:
			out[n-i] = da
		default:
			return nil, errors.Errorf("shapes %v and %v cannot broadcast", a, b)
		}
	}
	return out, nil
}

// broadcastStrides returns the strides of shape when stretched to out.
// Stretched dimensions get a zero stride.
func broadcastStrides(shape, out []int) []int {
	st := Strides(shape)
	bs := make([]int, len(out))
	off := len(out) - len(shape)
	for i := range out {
		if i < off {
			continue
		}
		if shape[i-off] == 1 && out[i] != 1 {
			continue
		}
		bs[i] = st[i-off]
	}
	return bs
}

// each walks every coordinate of shape, feeding the flat offsets of
// the two broadcast operands and the output to f.
func each(shape []int, sa, sb []int, f func(out, ia, ib int)) {
	n := Size(shape)
	if n == 0 {
		return
	}
	idx := make([]int, len(shape))
	ia, ib := 0, 0
	for out := 0; out < n; out++ {
		f(out, ia, ib)
		for d := len(shape) - 1; d >= 0; d-- {
			idx[d]++
			ia += sa[d]
			ib += sb[d]
			if idx[d] < shape[d] {
				break
			}
			idx[d] = 0
			ia -= shape[d] * sa[d]
			ib -= shape[d] * sb[d]
		}
	}
}

// Apply2 applies a binary function element-wise with broadcasting.
// Operands are unified to a common data type first.
func Apply2(a, b *Tensor, fr func(x, y float64) float64, fc func(x, y complex128) complex128) (*Tensor, error) {
	dt, err := dtype.Unify(a.dt, b.dt)
	if err != nil {
		return nil, err
	}
	shape, err := BroadcastShapes(a.shape, b.shape)
	if err != nil {
		return nil, err
	}
	out := New(dt, shape)
	sa := broadcastStrides(a.shape, shape)
	sb := broadcastStrides(b.shape, shape)
	if dt.IsComplex() {
		if fc == nil {
			return nil, errors.Errorf("operation does not support complex operands")
		}
		av, err := a.Cast(dt)
		if err != nil {
			return nil, err
		}
		bv, err := b.Cast(dt)
		if err != nil {
			return nil, err
		}
		each(shape, sa, sb, func(o, ia, ib int) {
			out.cx[o] = fc(av.cx[ia], bv.cx[ib])
		})
		return out, nil
	}
	each(shape, sa, sb, func(o, ia, ib int) {
		out.SetAt(o, fr(a.At(ia), b.At(ib)))
	})
	return out, nil
}

// Compare applies a binary predicate element-wise with broadcasting
// and returns a boolean tensor.
func Compare(a, b *Tensor, f func(x, y float64) bool) (*Tensor, error) {
	if a.dt.IsComplex() || b.dt.IsComplex() {
		return nil, errors.Errorf("cannot order complex operands")
	}
	shape, err := BroadcastShapes(a.shape, b.shape)
	if err != nil {
		return nil, err
	}
	out := New(dtype.Bool, shape)
	sa := broadcastStrides(a.shape, shape)
	sb := broadcastStrides(b.shape, shape)
	each(shape, sa, sb, func(o, ia, ib int) {
		out.bl[o] = f(a.At(ia), b.At(ib))
	})
	return out, nil
}

// Logical applies a binary boolean function element-wise. Numeric
// operands are interpreted as nonzero-is-true.
func Logical(a, b *Tensor, f func(x, y bool) bool) (*Tensor, error) {
	shape, err := BroadcastShapes(a.shape, b.shape)
	if err != nil {
		return nil, err
	}
	out := New(dtype.Bool, shape)
	sa := broadcastStrides(a.shape, shape)
	sb := broadcastStrides(b.shape, shape)
	each(shape, sa, sb, func(o, ia, ib int) {
		out.bl[o] = f(a.At(ia) != 0, b.At(ib) != 0)
	})
	return out, nil
}

// Apply1 applies a unary function element-wise.
func Apply1(a *Tensor, fr func(x float64) float64, fc func(x complex128) complex128) (*Tensor, error) {
	out := New(a.dt, a.shape)
	if a.cx != nil {
		if fc == nil {
			return nil, errors.Errorf("operation does not support complex operands")
		}
		for i, v := range a.cx {
			out.cx[i] = fc(v)
		}
		return out, nil
	}
	for i := 0; i < a.Len(); i++ {
		out.re[i] = fr(a.At(i))
	}
	if out.dt.IsInteger() {
		out.truncate()
	}
	return out, nil
}

// Add returns a + b element-wise.
func Add(a, b *Tensor) (*Tensor, error) {
	return Apply2(a, b,
		func(x, y float64) float64 { return x + y },
		func(x, y complex128) complex128 { return x + y })
}

// Sub returns a - b element-wise.
func Sub(a, b *Tensor) (*Tensor, error) {
	return Apply2(a, b,
		func(x, y float64) float64 { return x - y },
		func(x, y complex128) complex128 { return x - y })
}

// Mul returns a * b element-wise.
func Mul(a, b *Tensor) (*Tensor, error) {
	return Apply2(a, b,
		func(x, y float64) float64 { return x * y },
		func(x, y complex128) complex128 { return x * y })
}

// Div returns a / b element-wise.
func Div(a, b *Tensor) (*Tensor, error) {
	return Apply2(a, b,
		func(x, y float64) float64 { return x / y },
		func(x, y complex128) complex128 { return x / y })
}

// Mod returns the element-wise floating point remainder of a / b.
func Mod(a, b *Tensor) (*Tensor, error) {
	return Apply2(a, b, math.Mod, nil)
}

// Pow returns a raised to b element-wise.
func Pow(a, b *Tensor) (*Tensor, error) {
	return Apply2(a, b, math.Pow, cmplx.Pow)
}

// Neg returns the element-wise negation.
func Neg(a *Tensor) (*Tensor, error) {
	return Apply1(a,
		func(x float64) float64 { return -x },
		func(x complex128) complex128 { return -x })
}

// Sum reduces the tensor along an axis, or across all elements when
// axis is negative.
func Sum(a *Tensor, axis int) (*Tensor, error) {
	return reduce(a, axis, 0, func(acc, v float64) float64 { return acc + v })
}

// Mean returns the arithmetic mean along an axis, or across all
// elements when axis is negative.
func Mean(a *Tensor, axis int) (*Tensor, error) {
	s, err := Sum(a, axis)
	if err != nil {
		return nil, err
	}
	n := a.Len()
	if axis >= 0 {
		n = a.shape[axis]
	}
	if n == 0 {
		return nil, errors.Errorf("mean of an empty axis")
	}
	return Apply2(s, Scalar(dtype.Float64, float64(n)),
		func(x, y float64) float64 { return x / y }, nil)
}

// Max reduces to the largest element along an axis, or across all
// elements when axis is negative.
func Max(a *Tensor, axis int) (*Tensor, error) {
	return reduce(a, axis, math.Inf(-1), math.Max)
}

// Min reduces to the smallest element along an axis, or across all
// elements when axis is negative.
func Min(a *Tensor, axis int) (*Tensor, error) {
	return reduce(a, axis, math.Inf(1), math.Min)
}

func reduce(a *Tensor, axis int, init float64, f func(acc, v float64) float64) (*Tensor, error) {
	if a.cx != nil {
		return nil, errors.Errorf("cannot reduce a complex tensor")
	}
	dt := a.dt
	if dt == dtype.Bool {
		dt = dtype.Int64
	}
	if axis < 0 {
		acc := init
		for i := 0; i < a.Len(); i++ {
			acc = f(acc, a.At(i))
		}
		return Scalar(dt, acc), nil
	}
	if axis >= a.Rank() {
		return nil, errors.Errorf("axis %d out of range for shape %v", axis, a.shape)
	}
	shape := append([]int{}, a.shape[:axis]...)
	shape = append(shape, a.shape[axis+1:]...)
	out := Full(dt, shape, init)
	st := Strides(a.shape)
	outer := Size(a.shape[:axis])
	inner := Size(a.shape[axis+1:])
	for o := 0; o < outer; o++ {
		for k := 0; k < a.shape[axis]; k++ {
			base := o*st[axis]*a.shape[axis] + k*st[axis]
			for i := 0; i < inner; i++ {
				out.re[o*inner+i] = f(out.re[o*inner+i], a.At(base+i))
			}
		}
	}
	if dt.IsInteger() {
		out.truncate()
	}
	return out, nil
}

// ArgMax returns the flat index of the largest element.
func ArgMax(a *Tensor) (*Tensor, error) {
	return argreduce(a, func(best, v float64) bool { return v > best })
}

// ArgMin returns the flat index of the smallest element.
func ArgMin(a *Tensor) (*Tensor, error) {
	return argreduce(a, func(best, v float64) bool { return v < best })
}

func argreduce(a *Tensor, better func(best, v float64) bool) (*Tensor, error) {
	if a.Len() == 0 {
		return nil, errors.Errorf("arg reduction over an empty tensor")
	}
	if a.cx != nil {
		return nil, errors.Errorf("cannot order complex operands")
	}
	best, arg := a.At(0), 0
	for i := 1; i < a.Len(); i++ {
		if better(best, a.At(i)) {
			best, arg = a.At(i), i
		}
	}
	return Scalar(dtype.Int64, float64(arg)), nil
}

// Concat joins tensors along an existing axis.
func Concat(axis int, ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, errors.Errorf("concat of no tensors")
	}
	first := ts[0]
	if axis < 0 || axis >= first.Rank() {
		return nil, errors.Errorf("concat axis %d out of range for shape %v", axis, first.shape)
	}
	shape := append([]int{}, first.shape...)
	for _, t := range ts[1:] {
		if t.Rank() != first.Rank() {
			return nil, errors.Errorf("concat rank mismatch: %v vs %v", first.shape, t.shape)
		}
		for d := range t.shape {
			if d == axis {
				continue
			}
			if t.shape[d] != first.shape[d] {
				return nil, errors.Errorf("concat shape mismatch on axis %d: %v vs %v", d, first.shape, t.shape)
			}
		}
		shape[axis] += t.shape[axis]
	}
	dt := first.dt
	for _, t := range ts[1:] {
		var err error
		if dt, err = dtype.Unify(dt, t.dt); err != nil {
			return nil, err
		}
	}
	out := New(dt, shape)
	outer := Size(shape[:axis])
	inner := Size(shape[axis+1:])
	pos := 0
	for o := 0; o < outer; o++ {
		for _, t := range ts {
			span := t.shape[axis] * inner
			base := o * span
			for i := 0; i < span; i++ {
				switch {
				case out.cx != nil && t.cx != nil:
					out.cx[pos] = t.cx[base+i]
				case out.bl != nil && t.bl != nil:
					out.bl[pos] = t.bl[base+i]
				default:
					out.SetAt(pos, t.At(base+i))
				}
				pos++
			}
		}
	}
	return out, nil
}

// Stack joins tensors of identical shape along a new leading axis.
func Stack(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, errors.Errorf("stack of no tensors")
	}
	first := ts[0]
	for _, t := range ts[1:] {
		if !SameShape(first.shape, t.shape) {
			return nil, errors.Errorf("stack shape mismatch: %v vs %v", first.shape, t.shape)
		}
	}
	reshaped := make([]*Tensor, len(ts))
	for i, t := range ts {
		r, err := t.Reshape(append([]int{1}, t.shape...))
		if err != nil {
			return nil, err
		}
		reshaped[i] = r
	}
	return Concat(0, reshaped...)
}

// Roll rotates the tensor by shift positions along an axis. Elements
// shifted past the end reenter at the beginning.
func Roll(a *Tensor, shift, axis int) (*Tensor, error) {
	if axis < 0 || axis >= a.Rank() {
		return nil, errors.Errorf("roll axis %d out of range for shape %v", axis, a.shape)
	}
	n := a.shape[axis]
	if n == 0 {
		return a.Clone(), nil
	}
	shift = ((shift % n) + n) % n
	out := New(a.dt, a.shape)
	st := Strides(a.shape)
	outer := Size(a.shape[:axis])
	inner := Size(a.shape[axis+1:])
	for o := 0; o < outer; o++ {
		for k := 0; k < n; k++ {
			src := o*st[axis]*n + k*st[axis]
			dst := o*st[axis]*n + ((k+shift)%n)*st[axis]
			for i := 0; i < inner; i++ {
				switch {
				case a.bl != nil:
					out.bl[dst+i] = a.bl[src+i]
				case a.cx != nil:
					out.cx[dst+i] = a.cx[src+i]
				default:
					out.re[dst+i] = a.re[src+i]
				}
			}
		}
	}
	return out, nil
}

// Interp linearly interpolates sampled values at the query points.
// Sample points xp must be increasing.
func Interp(x, xp, fp *Tensor) (*Tensor, error) {
	if xp.Rank() != 1 || fp.Rank() != 1 || xp.Len() != fp.Len() || xp.Len() == 0 {
		return nil, errors.Errorf("interp requires matching rank-1 sample tensors")
	}
	out := New(dtype.Float64, x.shape)
	n := xp.Len()
	for i := 0; i < x.Len(); i++ {
		q := x.At(i)
		switch {
		case q <= xp.At(0):
			out.re[i] = fp.At(0)
		case q >= xp.At(n-1):
			out.re[i] = fp.At(n - 1)
		default:
			hi := 1
			for xp.At(hi) < q {
				hi++
			}
			lo := hi - 1
			w := (q - xp.At(lo)) / (xp.At(hi) - xp.At(lo))
			out.re[i] = fp.At(lo) + w*(fp.At(hi)-fp.At(lo))
		}
	}
	return out, nil
}
