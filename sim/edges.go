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
	"math"

	"github.com/pkg/errors"

	"github.com/ratesim-org/ratesim/backend"
	"github.com/ratesim-org/ratesim/base/ordered"
	"github.com/ratesim-org/ratesim/build/vectorize"
	"github.com/ratesim-org/ratesim/num/dtype"
	"github.com/ratesim-org/ratesim/num/tensor"
)

// edgePlan lowers batched edges into operations. Instantaneous edges
// gather the source, scale by weight and collect into target order
// through a scatter matrix. Delayed edges write weighted arrivals into
// a ring buffer whose first row is the current step.
type edgePlan struct {
	writes []func(bld *builder) error
	groups *ordered.Map[string, *targetGroup]
}

type targetGroup struct {
	target *backend.Variable
	pieces []func(bld *builder) (any, error)
}

func (bld *builder) planEdges() (*edgePlan, error) {
	plan := &edgePlan{groups: ordered.NewMap[string, *targetGroup]()}
	for _, e := range bld.net.vec.Edges {
		if err := plan.add(bld, e); err != nil {
			return nil, errors.Wrapf(err, "edge %s -> %s", e.Source, e.Target)
		}
	}
	return plan, nil
}

func (p *edgePlan) add(bld *builder, e *vectorize.Edge) error {
	src, ok := bld.vars[e.Source]
	if !ok {
		return errors.Errorf("missing source variable %s", e.Source)
	}
	tgt, ok := bld.vars[e.Target]
	if !ok {
		return errors.Errorf("missing target variable %s", e.Target)
	}
	group, ok := p.groups.Load(e.Target)
	if !ok {
		group = &targetGroup{target: tgt}
		p.groups.Store(e.Target, group)
	}
	steps, maxDelay := delaySteps(e.Delays, bld.net.dt)
	if maxDelay == 0 {
		group.pieces = append(group.pieces, instantPiece(src, tgt, e))
		return nil
	}
	m := tgt.Value().Len()
	buf := bld.b.AddVar(backend.State, e.Target+"_buf",
		tensor.Zeros(dtype.Float64, []int{maxDelay + 1, m}))
	bld.buffers = append(bld.buffers, buf)
	p.writes = append(p.writes, bufferWrite(buf, src, e, steps, m))
	group.pieces = append(group.pieces, func(bld *builder) (any, error) {
		return bld.b.AddOp("index", e.Target+"/arrived", buf, tensor.Scalar(dtype.Int64, 0))
	})
	return nil
}

// delaySteps converts per-connection delays to whole steps.
func delaySteps(delays []float64, dt float64) ([]int, int) {
	if delays == nil {
		return nil, 0
	}
	steps := make([]int, len(delays))
	max := 0
	for i, d := range delays {
		steps[i] = int(math.Round(d / dt))
		if steps[i] > max {
			max = steps[i]
		}
	}
	return steps, max
}

// instantPiece contributes gather(source)[i] * weight[i] summed per
// target coordinate. The scatter matrix accumulates connections that
// share a target coordinate.
func instantPiece(src, tgt *backend.Variable, e *vectorize.Edge) func(bld *builder) (any, error) {
	return func(bld *builder) (any, error) {
		var arg any
		gathered, err := bld.b.AddOp("index", e.Target+"/gather", src, indexTensor(e.SrcIdx))
		if err != nil {
			return nil, err
		}
		arg = gathered
		if e.Weights != nil {
			w, err := tensor.FromFloats(dtype.Float64, []int{len(e.Weights)}, e.Weights)
			if err != nil {
				return nil, err
			}
			weighted, err := bld.b.AddOp("*", e.Target+"/weight", arg, w)
			if err != nil {
				return nil, err
			}
			arg = weighted
		}
		tm, err := scatterMatrix(tgt.Value().Len(), e.TgtIdx)
		if err != nil {
			return nil, err
		}
		return bld.b.AddOp("@", e.Target+"/collect", tm, arg)
	}
}

// bufferWrite accumulates weighted arrivals at buffer row delay and
// column target for every connection.
func bufferWrite(buf, src *backend.Variable, e *vectorize.Edge, steps []int, m int) func(bld *builder) error {
	srcIdx := append([]int(nil), e.SrcIdx...)
	tgtIdx := append([]int(nil), e.TgtIdx...)
	weights := append([]float64(nil), e.Weights...)
	return func(bld *builder) error {
		_, err := bld.b.AddCustomOp(e.Target+"/transmit", buf, []*backend.Variable{src, buf},
			func() (*tensor.Tensor, error) {
				out := buf.Value().Clone()
				in := src.Value()
				for c := range srcIdx {
					w := 1.0
					if weights != nil {
						w = weights[c]
					}
					at := steps[c]*m + tgtIdx[c]
					out.SetAt(at, out.At(at)+w*in.At(srcIdx[c]))
				}
				return out, nil
			})
		return err
	}
}

func (p *edgePlan) emitWrites(bld *builder) error {
	for _, w := range p.writes {
		if err := w(bld); err != nil {
			return err
		}
	}
	return nil
}

// emitHandling sums the contributions of every edge targeting a
// variable and overwrites the variable with the sum.
func (p *edgePlan) emitHandling(bld *builder) error {
	for addr, group := range p.groups.Iter() {
		var sum any
		for _, piece := range group.pieces {
			arg, err := piece(bld)
			if err != nil {
				return errors.Wrapf(err, "handling %s", addr)
			}
			if sum == nil {
				sum = arg
				continue
			}
			sum, err = bld.b.AddOp("+", addr+"/in_sum", sum, arg)
			if err != nil {
				return errors.Wrapf(err, "handling %s", addr)
			}
		}
		if _, err := bld.b.AddAssign(addr+"/in", group.target, "=", nil, sum); err != nil {
			return errors.Wrapf(err, "handling %s", addr)
		}
	}
	return nil
}

func indexTensor(idx []int) *tensor.Tensor {
	vals := make([]float64, len(idx))
	for i, v := range idx {
		vals[i] = float64(v)
	}
	t, _ := tensor.FromFloats(dtype.Int64, []int{len(idx)}, vals)
	return t
}

// scatterMatrix maps a connection-ordered vector to target order,
// adding connections that hit the same coordinate.
func scatterMatrix(m int, tgtIdx []int) (*tensor.Tensor, error) {
	vals := make([]float64, m*len(tgtIdx))
	for c, t := range tgtIdx {
		if t < 0 || t >= m {
			return nil, errors.Errorf("target coordinate %d outside variable of length %d", t, m)
		}
		vals[t*len(tgtIdx)+c] = 1
	}
	return tensor.FromFloats(dtype.Float64, []int{m, len(tgtIdx)}, vals)
}
