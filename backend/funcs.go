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
	"math"
	"math/cmplx"

	"github.com/pkg/errors"

	"github.com/ratesim-org/ratesim/num/dtype"
	"github.com/ratesim-org/ratesim/num/tensor"
)

// Func computes one operation over tensor arguments.
type Func func(args []*tensor.Tensor) (*tensor.Tensor, error)

// Funcs is the operation table. Keys are the operator spellings and
// function names usable in equations.
var Funcs map[string]Func

func init() {
	Funcs = map[string]Func{
		"+": binary(tensor.Add),
		"-": binary(tensor.Sub),
		"*": binary(tensor.Mul),
		"/": binary(tensor.Div),
		"%": binary(tensor.Mod),
		"^": binary(tensor.Pow),
		"@": func(args []*tensor.Tensor) (*tensor.Tensor, error) {
			if err := arity(args, 2); err != nil {
				return nil, err
			}
			return tensor.MatMul(args[0], args[1])
		},

		"<":  compare(func(x, y float64) bool { return x < y }),
		">":  compare(func(x, y float64) bool { return x > y }),
		"<=": compare(func(x, y float64) bool { return x <= y }),
		">=": compare(func(x, y float64) bool { return x >= y }),
		"==": compare(func(x, y float64) bool { return x == y }),
		"!=": compare(func(x, y float64) bool { return x != y }),

		".T": unaryT(tensor.Transpose),
		".I": unaryT(tensor.Inverse),

		"sin":  unary(math.Sin, cmplx.Sin),
		"cos":  unary(math.Cos, cmplx.Cos),
		"tan":  unary(math.Tan, cmplx.Tan),
		"atan": unary(math.Atan, nil),
		"tanh": unary(math.Tanh, cmplx.Tanh),
		"exp":  unary(math.Exp, cmplx.Exp),
		"sqrt": unary(math.Sqrt, cmplx.Sqrt),
		"abs":  unary(math.Abs, func(x complex128) complex128 { return complex(cmplx.Abs(x), 0) }),
		"sq":   unary(func(x float64) float64 { return x * x }, func(x complex128) complex128 { return x * x }),
		"round": unary(math.Round, nil),
		"sigmoid": unary(func(x float64) float64 { return 1 / (1 + math.Exp(-x)) }, nil),

		"max":    extremum(math.Max, tensor.Max),
		"min":    extremum(math.Min, tensor.Min),
		"argmax": unaryT(tensor.ArgMax),
		"argmin": unaryT(tensor.ArgMin),

		"sum":  reduction(tensor.Sum),
		"mean": reduction(tensor.Mean),

		"softmax": func(args []*tensor.Tensor) (*tensor.Tensor, error) {
			if err := arity(args, 1); err != nil {
				return nil, err
			}
			e, err := tensor.Apply1(args[0], math.Exp, nil)
			if err != nil {
				return nil, err
			}
			tot, err := tensor.Sum(e, -1)
			if err != nil {
				return nil, err
			}
			return tensor.Div(e, tot)
		},

		"concat":  concatFn,
		"stack":   stackFn,
		"reshape": reshapeFn,
		"shape":   shapeFn,
		"squeeze": func(args []*tensor.Tensor) (*tensor.Tensor, error) {
			if err := arity(args, 1); err != nil {
				return nil, err
			}
			return args[0].Squeeze(), nil
		},
		"roll": rollFn,
		"interp": func(args []*tensor.Tensor) (*tensor.Tensor, error) {
			if err := arity(args, 3); err != nil {
				return nil, err
			}
			return tensor.Interp(args[0], args[1], args[2])
		},

		"ones":  fillFn(tensor.Ones),
		"zeros": fillFn(tensor.Zeros),
		"range": rangeFn,

		"index": indexFn,
		"mask":  maskFn,
		"group": groupFn,
		"no_op": func(args []*tensor.Tensor) (*tensor.Tensor, error) {
			if err := arity(args, 1); err != nil {
				return nil, err
			}
			return args[0], nil
		},
	}
	// Alternate power spelling.
	Funcs["**"] = Funcs["^"]
}

func arity(args []*tensor.Tensor, n int) error {
	if len(args) != n {
		return errors.Errorf("expected %d arguments, got %d", n, len(args))
	}
	return nil
}

func binary(f func(a, b *tensor.Tensor) (*tensor.Tensor, error)) Func {
	return func(args []*tensor.Tensor) (*tensor.Tensor, error) {
		if err := arity(args, 2); err != nil {
			return nil, err
		}
		a, b, err := Reconcile(args[0], args[1])
		if err != nil {
			return nil, err
		}
		return f(a, b)
	}
}

func compare(f func(x, y float64) bool) Func {
	return func(args []*tensor.Tensor) (*tensor.Tensor, error) {
		if err := arity(args, 2); err != nil {
			return nil, err
		}
		a, b, err := Reconcile(args[0], args[1])
		if err != nil {
			return nil, err
		}
		return tensor.Compare(a, b, f)
	}
}

func unary(fr func(float64) float64, fc func(complex128) complex128) Func {
	return func(args []*tensor.Tensor) (*tensor.Tensor, error) {
		if err := arity(args, 1); err != nil {
			return nil, err
		}
		return tensor.Apply1(args[0], fr, fc)
	}
}

func unaryT(f func(*tensor.Tensor) (*tensor.Tensor, error)) Func {
	return func(args []*tensor.Tensor) (*tensor.Tensor, error) {
		if err := arity(args, 1); err != nil {
			return nil, err
		}
		return f(args[0])
	}
}

// extremum is element-wise with two arguments and a reduction with one.
func extremum(elem func(x, y float64) float64, red func(*tensor.Tensor, int) (*tensor.Tensor, error)) Func {
	return func(args []*tensor.Tensor) (*tensor.Tensor, error) {
		switch len(args) {
		case 1:
			return red(args[0], -1)
		case 2:
			a, b, err := Reconcile(args[0], args[1])
			if err != nil {
				return nil, err
			}
			return tensor.Apply2(a, b, elem, nil)
		}
		return nil, errors.Errorf("expected 1 or 2 arguments, got %d", len(args))
	}
}

// reduction reduces over all elements, or along the axis given by a
// scalar second argument.
func reduction(f func(*tensor.Tensor, int) (*tensor.Tensor, error)) Func {
	return func(args []*tensor.Tensor) (*tensor.Tensor, error) {
		switch len(args) {
		case 1:
			return f(args[0], -1)
		case 2:
			axis, err := scalarInt(args[1])
			if err != nil {
				return nil, err
			}
			return f(args[0], axis)
		}
		return nil, errors.Errorf("expected 1 or 2 arguments, got %d", len(args))
	}
}

func scalarInt(t *tensor.Tensor) (int, error) {
	v, err := t.Item()
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

// concatFn joins its leading arguments along the axis given by the
// final scalar argument, or along axis 0 without one. Scalars are
// promoted to length-1 vectors.
func concatFn(args []*tensor.Tensor) (*tensor.Tensor, error) {
	if len(args) < 2 {
		return nil, errors.Errorf("concat needs at least two arguments")
	}
	parts := args
	axis := 0
	if last := args[len(args)-1]; last.Rank() == 0 && len(args) > 2 {
		v, err := scalarInt(last)
		if err != nil {
			return nil, err
		}
		axis = v
		parts = args[:len(args)-1]
	}
	prepared := make([]*tensor.Tensor, len(parts))
	for i, p := range parts {
		if p.Rank() == 0 {
			r, err := p.Reshape([]int{1})
			if err != nil {
				return nil, err
			}
			p = r
		}
		prepared[i] = p
	}
	return tensor.Concat(axis, prepared...)
}

func stackFn(args []*tensor.Tensor) (*tensor.Tensor, error) {
	if len(args) == 0 {
		return nil, errors.Errorf("stack needs at least one argument")
	}
	return tensor.Stack(args...)
}

// reshapeFn reshapes its first argument to the dimensions given either
// by scalar trailing arguments or by one rank-1 tensor.
func reshapeFn(args []*tensor.Tensor) (*tensor.Tensor, error) {
	if len(args) < 2 {
		return nil, errors.Errorf("reshape needs target dimensions")
	}
	var dims []int
	if len(args) == 2 && args[1].Rank() == 1 {
		for i := 0; i < args[1].Len(); i++ {
			dims = append(dims, int(args[1].At(i)))
		}
	} else {
		for _, a := range args[1:] {
			d, err := scalarInt(a)
			if err != nil {
				return nil, err
			}
			dims = append(dims, d)
		}
	}
	return args[0].Reshape(dims)
}

func shapeFn(args []*tensor.Tensor) (*tensor.Tensor, error) {
	if err := arity(args, 1); err != nil {
		return nil, err
	}
	shape := args[0].Shape()
	vals := make([]float64, len(shape))
	for i, d := range shape {
		vals[i] = float64(d)
	}
	return tensor.FromFloats(dtype.Int64, []int{len(shape)}, vals)
}

func rollFn(args []*tensor.Tensor) (*tensor.Tensor, error) {
	if len(args) != 2 && len(args) != 3 {
		return nil, errors.Errorf("roll expects (x, shift) or (x, shift, axis)")
	}
	shift, err := scalarInt(args[1])
	if err != nil {
		return nil, err
	}
	axis := 0
	if len(args) == 3 {
		if axis, err = scalarInt(args[2]); err != nil {
			return nil, err
		}
	}
	return tensor.Roll(args[0], shift, axis)
}

func fillFn(f func(dtype.DataType, []int) *tensor.Tensor) Func {
	return func(args []*tensor.Tensor) (*tensor.Tensor, error) {
		var shape []int
		for _, a := range args {
			d, err := scalarInt(a)
			if err != nil {
				return nil, err
			}
			shape = append(shape, d)
		}
		return f(dtype.Float64, shape), nil
	}
}

func rangeFn(args []*tensor.Tensor) (*tensor.Tensor, error) {
	start, stop, step := 0.0, 0.0, 1.0
	var err error
	switch len(args) {
	case 1:
		if stop, err = args[0].Item(); err != nil {
			return nil, err
		}
	case 2, 3:
		if start, err = args[0].Item(); err != nil {
			return nil, err
		}
		if stop, err = args[1].Item(); err != nil {
			return nil, err
		}
		if len(args) == 3 {
			if step, err = args[2].Item(); err != nil {
				return nil, err
			}
		}
	default:
		return nil, errors.Errorf("range expects 1 to 3 arguments")
	}
	dt := dtype.Float64
	if args[0].DType().IsInteger() {
		dt = dtype.Int64
	}
	return tensor.Arange(dt, start, stop, step)
}

// indexFn gathers along axis 0 at the coordinates of the second
// argument: a scalar drops the axis, a rank-1 integer tensor keeps it.
func indexFn(args []*tensor.Tensor) (*tensor.Tensor, error) {
	if err := arity(args, 2); err != nil {
		return nil, err
	}
	idx := args[1]
	if idx.Rank() == 0 {
		i, err := scalarInt(idx)
		if err != nil {
			return nil, err
		}
		return tensor.Gather(args[0], []tensor.Axis{tensor.Point(i)})
	}
	coords := make([]int, idx.Len())
	for i := range coords {
		coords[i] = int(idx.At(i))
	}
	return tensor.Gather(args[0], []tensor.Axis{tensor.List(coords)})
}

// maskFn keeps the elements of x flagged true in a boolean tensor of
// the same length, flattening the result.
func maskFn(args []*tensor.Tensor) (*tensor.Tensor, error) {
	if err := arity(args, 2); err != nil {
		return nil, err
	}
	flat, err := args[0].Reshape([]int{args[0].Len()})
	if err != nil {
		return nil, err
	}
	m, err := args[1].Reshape([]int{args[1].Len()})
	if err != nil {
		return nil, err
	}
	ax, err := tensor.Mask(m)
	if err != nil {
		return nil, err
	}
	return tensor.Gather(flat, []tensor.Axis{ax})
}

// groupFn gathers rows of x by an integer index tensor.
func groupFn(args []*tensor.Tensor) (*tensor.Tensor, error) {
	return indexFn(args)
}
