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
	"context"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/ratesim-org/ratesim/num/tensor"
)

// Program is a compiled operation sequence ready to execute.
type Program struct {
	layers [][]*Operation
	// mapping translates pre-compilation layer indices to program
	// layer indices; dropped layers map to -1.
	mapping []int
}

// Compile freezes the registered operations into a program: nulled
// slots and empty layers are dropped while layer order is kept, and
// the single-writer invariant is checked per remaining layer.
func (b *Backend) Compile() (*Program, error) {
	p := &Program{mapping: make([]int, len(b.layers))}
	var errs error
	for i, l := range b.layers {
		var ops []*Operation
		for _, op := range l.ops {
			if op != nil {
				ops = append(ops, op)
			}
		}
		if len(ops) == 0 {
			p.mapping[i] = -1
			continue
		}
		p.mapping[i] = len(p.layers)
		p.layers = append(p.layers, ops)

		writers := map[string]string{}
		for _, op := range ops {
			w := op.target
			if w == nil {
				w = op.result
			}
			if prev, ok := writers[w.name]; ok {
				errs = multierr.Append(errs, errors.Wrapf(ErrWriteConflict,
					"layer %d: operations %s and %s both write %s", i, prev, op.name, w.name))
				continue
			}
			writers[w.name] = op.name
		}
	}
	if errs != nil {
		return nil, errs
	}
	return p, nil
}

// LayerMapping returns the pre-compilation to program layer index
// translation. Dropped layers map to -1.
func (p *Program) LayerMapping() []int { return p.mapping }

// NumLayers returns the number of program layers.
func (p *Program) NumLayers() int { return len(p.layers) }

// Step evaluates every layer in order once.
func (p *Program) Step() error {
	for _, ops := range p.layers {
		for _, op := range ops {
			out, err := op.eval()
			if err != nil {
				return err
			}
			if op.target != nil {
				if err := op.target.Set(out); err != nil {
					return errors.Wrapf(err, "operation %s", op.name)
				}
				continue
			}
			if err := op.result.Set(out); err != nil {
				return errors.Wrapf(err, "operation %s", op.name)
			}
		}
	}
	return nil
}

// Recording holds sampled variable values over a run. Samples are
// indexed by step number, with step 0 the state before the first step.
type Recording struct {
	Steps  []int
	Series map[string][]*tensor.Tensor
}

// Run executes the program for the given number of steps. feed, when
// non-nil, runs before each step to load placeholder values. The
// listed output variables are sampled before the first step and after
// every sampleEvery-th step.
func (p *Program) Run(ctx context.Context, steps, sampleEvery int, feed func(step int) error, outputs []*Variable) (*Recording, error) {
	if sampleEvery <= 0 {
		sampleEvery = 1
	}
	rec := &Recording{Series: map[string][]*tensor.Tensor{}}
	sample := func(step int) {
		rec.Steps = append(rec.Steps, step)
		for _, v := range outputs {
			rec.Series[v.name] = append(rec.Series[v.name], v.value.Clone())
		}
	}
	sample(0)
	for s := 0; s < steps; s++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrapf(err, "run stopped at step %d", s)
		}
		if feed != nil {
			if err := feed(s); err != nil {
				return nil, errors.Wrapf(err, "feeding step %d", s)
			}
		}
		if err := p.Step(); err != nil {
			return nil, errors.Wrapf(err, "step %d", s)
		}
		if (s+1)%sampleEvery == 0 {
			sample(s + 1)
		}
	}
	return rec, nil
}
