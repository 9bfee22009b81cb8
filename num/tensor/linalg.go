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
	"gonum.org/v1/gonum/mat"

	"github.com/ratesim-org/ratesim/num/dtype"
)

// asDense views a rank-2 real tensor as a gonum matrix without copying.
func asDense(t *Tensor) (*mat.Dense, error) {
	if t.re == nil {
		return nil, errors.Errorf("matrix operations require real storage, got %s", t.dt)
	}
	if t.Rank() != 2 {
		return nil, errors.Errorf("matrix operations require rank 2, got shape %v", t.shape)
	}
	return mat.NewDense(t.shape[0], t.shape[1], t.re), nil
}

// MatMul returns the matrix product of a and b. Rank-1 operands are
// promoted to a row or column vector and the result squeezed back.
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a.cx != nil || b.cx != nil {
		return nil, errors.Errorf("matrix product does not support complex operands")
	}
	av, squeezeRow := a, false
	bv, squeezeCol := b, false
	var err error
	if a.Rank() == 1 {
		if av, err = a.Reshape([]int{1, a.Len()}); err != nil {
			return nil, err
		}
		squeezeRow = true
	}
	if b.Rank() == 1 {
		if bv, err = b.Reshape([]int{b.Len(), 1}); err != nil {
			return nil, err
		}
		squeezeCol = true
	}
	am, err := asDense(av)
	if err != nil {
		return nil, err
	}
	bm, err := asDense(bv)
	if err != nil {
		return nil, err
	}
	if av.shape[1] != bv.shape[0] {
		return nil, errors.Errorf("matrix product shape mismatch: %v @ %v", a.shape, b.shape)
	}
	dt, err := dtype.Unify(a.dt, b.dt)
	if err != nil {
		return nil, err
	}
	out := New(dt, []int{av.shape[0], bv.shape[1]})
	om := mat.NewDense(av.shape[0], bv.shape[1], out.re)
	om.Mul(am, bm)
	shape := append([]int{}, out.shape...)
	if squeezeCol {
		shape = shape[:len(shape)-1]
	}
	if squeezeRow {
		shape = shape[1:]
	}
	out.shape = shape
	if dt.IsInteger() {
		out.truncate()
	}
	return out, nil
}

// Transpose returns the tensor with its last two dimensions swapped.
// Rank-0 and rank-1 tensors transpose to themselves.
func Transpose(a *Tensor) (*Tensor, error) {
	if a.Rank() < 2 {
		return a.Clone(), nil
	}
	if a.Rank() > 2 {
		return nil, errors.Errorf("transpose supports at most rank 2, got shape %v", a.shape)
	}
	r, c := a.shape[0], a.shape[1]
	out := New(a.dt, []int{c, r})
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			switch {
			case a.cx != nil:
				out.cx[j*r+i] = a.cx[i*c+j]
			case a.bl != nil:
				out.bl[j*r+i] = a.bl[i*c+j]
			default:
				out.re[j*r+i] = a.re[i*c+j]
			}
		}
	}
	return out, nil
}

// Inverse returns the matrix inverse of a square rank-2 tensor.
func Inverse(a *Tensor) (*Tensor, error) {
	am, err := asDense(a)
	if err != nil {
		return nil, err
	}
	if a.shape[0] != a.shape[1] {
		return nil, errors.Errorf("inverse requires a square matrix, got shape %v", a.shape)
	}
	out := New(dtype.Float64, a.shape)
	om := mat.NewDense(a.shape[0], a.shape[1], out.re)
	if err := om.Inverse(am); err != nil {
		return nil, errors.Wrapf(err, "inverse of shape %v", a.shape)
	}
	return out, nil
}
