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
	"fmt"

	"github.com/pkg/errors"

	"github.com/ratesim-org/ratesim/backend"
	"github.com/ratesim-org/ratesim/build/eqn"
	"github.com/ratesim-org/ratesim/num/dtype"
	"github.com/ratesim-org/ratesim/num/tensor"
)

// binder lowers expression trees of one operator scope into backend
// operations. Identifiers resolve through the scope's variable table.
type binder struct {
	b     *backend.Backend
	scope string
	vars  map[string]*backend.Variable
}

// opWords maps operator spellings to readable operation names.
var opWords = map[string]string{
	"+": "add", "-": "sub", "*": "mul", "/": "div", "%": "mod",
	"^": "pow", "**": "pow", "@": "matmul",
	"<": "lt", ">": "gt", "<=": "le", ">=": "ge", "==": "eq", "!=": "ne",
	".T": "transpose", ".I": "invert",
}

func (bd *binder) opName(key string) string {
	word, ok := opWords[key]
	if !ok {
		word = key
	}
	return fmt.Sprintf("%s/%s", bd.scope, word)
}

// expr lowers an expression. The result is a *backend.Variable, a
// *backend.Operation, or a constant *tensor.Tensor.
func (bd *binder) expr(e eqn.Expr) (any, error) {
	switch n := e.(type) {
	case *eqn.Num:
		if n.IsInt {
			return tensor.Scalar(dtype.Int64, n.Value), nil
		}
		return tensor.Scalar(dtype.Float64, n.Value), nil
	case *eqn.BoolLit:
		return tensor.ScalarBool(n.Value), nil
	case *eqn.Ident:
		v, ok := bd.vars[n.Name]
		if !ok {
			return nil, errors.Wrapf(backend.ErrUndefinedVariable, "%q in %s", n.Name, bd.scope)
		}
		return v, nil
	case *eqn.Binary:
		x, err := bd.expr(n.X)
		if err != nil {
			return nil, err
		}
		y, err := bd.expr(n.Y)
		if err != nil {
			return nil, err
		}
		return bd.b.AddOp(n.Op, bd.opName(n.Op), x, y)
	case *eqn.Unary:
		x, err := bd.expr(n.X)
		if err != nil {
			return nil, err
		}
		return bd.b.AddOp("."+n.Op, bd.opName("."+n.Op), x)
	case *eqn.Call:
		return bd.call(n)
	case *eqn.Index:
		return bd.gather(n)
	}
	return nil, errors.Errorf("cannot lower expression %s", e)
}

// call lowers a function call. Tuple packs feeding a reduction stack
// into a new leading axis first; elsewhere their elements splice into
// the argument list.
func (bd *binder) call(c *eqn.Call) (any, error) {
	switch c.Name {
	case "cast":
		return bd.cast(c)
	case "randn":
		return bd.randn(c)
	}
	var args []any
	for i, a := range c.Args {
		if pack, ok := a.(*eqn.Call); ok && pack.Name == "tuple" {
			if i == 0 && (c.Name == "sum" || c.Name == "mean") {
				stacked, err := bd.stackPack(pack)
				if err != nil {
					return nil, err
				}
				args = append(args, stacked)
				continue
			}
			for _, el := range pack.Args {
				v, err := bd.expr(el)
				if err != nil {
					return nil, err
				}
				args = append(args, v)
			}
			continue
		}
		v, err := bd.expr(a)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	return bd.b.AddOp(c.Name, bd.opName(c.Name), args...)
}

func (bd *binder) stackPack(pack *eqn.Call) (any, error) {
	var args []any
	for _, el := range pack.Args {
		v, err := bd.expr(el)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	return bd.b.AddOp("stack", bd.opName("stack"), args...)
}

// cast lowers cast(x, dtypename).
func (bd *binder) cast(c *eqn.Call) (any, error) {
	if len(c.Args) != 2 {
		return nil, errors.Errorf("%s: cast expects (value, type)", bd.scope)
	}
	id, ok := c.Args[1].(*eqn.Ident)
	if !ok {
		return nil, errors.Errorf("%s: cast type must be a name", bd.scope)
	}
	dt, err := dtype.Parse(id.Name)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: cast", bd.scope)
	}
	arg, err := bd.expr(c.Args[0])
	if err != nil {
		return nil, err
	}
	src, err := bd.materialize(arg)
	if err != nil {
		return nil, err
	}
	return bd.b.AddCustomOp(bd.opName("cast"), nil, []*backend.Variable{src},
		func() (*tensor.Tensor, error) { return src.Value().Cast(dt) })
}

// randn lowers randn(dims...) drawing from the registry's seeded
// stream, one draw per step.
func (bd *binder) randn(c *eqn.Call) (any, error) {
	var shape []int
	for _, a := range c.Args {
		num, ok := a.(*eqn.Num)
		if !ok {
			return nil, errors.Errorf("%s: randn dimensions must be literals", bd.scope)
		}
		shape = append(shape, int(num.Value))
	}
	b := bd.b
	return b.AddCustomOp(bd.opName("randn"), nil, nil,
		func() (*tensor.Tensor, error) { return b.Normal(shape), nil })
}

// materialize turns a lowered argument into a variable, pinning an
// operation in its layer instead of inlining it.
func (bd *binder) materialize(arg any) (*backend.Variable, error) {
	switch a := arg.(type) {
	case *backend.Variable:
		return a, nil
	case *backend.Operation:
		return a.Result(), nil
	case *tensor.Tensor:
		return bd.b.AddVar(backend.Constant, bd.scope+"/lit", a), nil
	}
	return nil, errors.Errorf("cannot materialize %T", arg)
}

// gather lowers a read-side index expression.
func (bd *binder) gather(ix *eqn.Index) (any, error) {
	x, err := bd.expr(ix.X)
	if err != nil {
		return nil, err
	}
	src, err := bd.materialize(x)
	if err != nil {
		return nil, err
	}
	axes, err := bd.axes(ix.Dims)
	if err != nil {
		return nil, err
	}
	return bd.b.AddCustomOp(bd.opName("index"), nil, []*backend.Variable{src},
		func() (*tensor.Tensor, error) {
			resolved := make([]tensor.Axis, len(axes))
			for i, fn := range axes {
				ax, err := fn()
				if err != nil {
					return nil, err
				}
				resolved[i] = ax
			}
			return tensor.Gather(src.Value(), resolved)
		})
}

// axes lowers index dimensions. Literal bounds become fixed axes;
// variable bounds and coordinate lists resolve at evaluation time.
func (bd *binder) axes(dims []eqn.Dim) ([]backend.AxisFn, error) {
	var out []backend.AxisFn
	for _, d := range dims {
		fn, err := bd.axis(d)
		if err != nil {
			return nil, err
		}
		out = append(out, fn)
	}
	return out, nil
}

func (bd *binder) axis(d eqn.Dim) (backend.AxisFn, error) {
	if !d.IsRange {
		if num, ok := d.Start.(*eqn.Num); ok {
			return backend.FixedAxis(tensor.Point(int(num.Value))), nil
		}
		arg, err := bd.expr(d.Start)
		if err != nil {
			return nil, err
		}
		v, err := bd.materialize(arg)
		if err != nil {
			return nil, err
		}
		return backend.VarAxis(v), nil
	}
	switch {
	case d.Start == nil && d.Stop == nil:
		return backend.FixedAxis(tensor.All()), nil
	case d.Stop == nil:
		start, err := literalInt(d.Start)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: open range start", bd.scope)
		}
		return backend.FixedAxis(tensor.RangeFrom(start)), nil
	case d.Start == nil:
		stop, err := literalInt(d.Stop)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: range bound", bd.scope)
		}
		return backend.FixedAxis(tensor.Range(0, stop)), nil
	default:
		start, err := literalInt(d.Start)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: range bound", bd.scope)
		}
		stop, err := literalInt(d.Stop)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: range bound", bd.scope)
		}
		return backend.FixedAxis(tensor.Range(start, stop)), nil
	}
}

func literalInt(e eqn.Expr) (int, error) {
	num, ok := e.(*eqn.Num)
	if !ok {
		return 0, errors.Errorf("bound %s is not a literal", e)
	}
	return int(num.Value), nil
}
