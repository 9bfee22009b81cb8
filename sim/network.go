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

// Package sim turns a vectorized circuit into an executable stepping
// program and runs it over simulated time.
package sim

import (
	"context"
	"math"

	"github.com/pkg/errors"

	"github.com/ratesim-org/ratesim/backend"
	"github.com/ratesim-org/ratesim/base/ctxlog"
	"github.com/ratesim-org/ratesim/build/graph"
	"github.com/ratesim-org/ratesim/build/vectorize"
	"github.com/ratesim-org/ratesim/num/tensor"
)

// Network is a compiled circuit ready to simulate. A network can run
// any number of times; every run starts from the declared initial
// values.
type Network struct {
	vec    *vectorize.Result
	dt     float64
	solver Solver
	seed   uint64
}

// Option configures a network at compile time.
type Option func(*Network)

// WithDt sets the integration step size in time units.
func WithDt(dt float64) Option { return func(n *Network) { n.dt = dt } }

// WithSolver selects the integration scheme.
func WithSolver(s Solver) Option { return func(n *Network) { n.solver = s } }

// WithSeed seeds the noise stream.
func WithSeed(seed uint64) Option { return func(n *Network) { n.seed = seed } }

// Compile validates and vectorizes a circuit.
func Compile(ctx context.Context, c *graph.Circuit, opts ...Option) (*Network, error) {
	n := &Network{dt: 1e-3, solver: Euler, seed: 1}
	for _, opt := range opts {
		opt(n)
	}
	if n.dt <= 0 {
		return nil, errors.Errorf("step size %g must be positive", n.dt)
	}
	vec, err := vectorize.Vectorize(c)
	if err != nil {
		return nil, errors.Wrapf(err, "circuit %s", c.Name)
	}
	n.vec = vec
	ctxlog.From(ctx).Debug("circuit compiled",
		"circuit", c.Name,
		"nodes", c.Nodes.Size(),
		"batched", vec.Circuit.Nodes.Size(),
		"edges", len(vec.Edges))
	return n, nil
}

// Dt returns the integration step size.
func (n *Network) Dt() float64 { return n.dt }

// Map exposes the translation between original and batched variables.
func (n *Network) Map() *vectorize.IndexMap { return n.vec.Map }

// Run simulates the network for simTime time units. inputs maps
// original variable addresses to values fed every step: a tensor whose
// leading axis is time, one row per step, or a tensor of the
// variable's own shape applied unchanged. outputs lists the original
// variable addresses to record. sampleStep is the recording interval
// in time units; zero records every step. The state before the first
// step is always recorded.
func (n *Network) Run(ctx context.Context, simTime float64, inputs map[string]*tensor.Tensor, outputs []string, sampleStep float64) (*Results, error) {
	steps := int(math.Round(simTime / n.dt))
	if steps <= 0 {
		return nil, errors.Errorf("simulation time %g shorter than one step", simTime)
	}
	sampleEvery := 1
	if sampleStep > 0 {
		// Fractional multiples of dt truncate. The epsilon absorbs
		// float division noise on exact multiples.
		sampleEvery = int(sampleStep/n.dt + 1e-9)
		if sampleEvery < 1 {
			sampleEvery = 1
		}
	}
	bld, err := newBuilder(n, inputs)
	if err != nil {
		return nil, err
	}
	prog, err := bld.finish()
	if err != nil {
		return nil, err
	}
	recorded, err := bld.outputVars(outputs)
	if err != nil {
		return nil, err
	}
	log := ctxlog.From(ctx)
	log.Debug("run started", "steps", steps, "sample_every", sampleEvery, "layers", prog.NumLayers())
	rec, err := prog.Run(ctx, steps, sampleEvery, bld.feed, recorded)
	if err != nil {
		return nil, err
	}
	log.Debug("run finished", "samples", len(rec.Steps))
	return n.results(rec, outputs)
}

// Results holds recorded time series keyed by original variable
// address.
type Results struct {
	// Times holds the simulated time of each sample.
	Times  []float64
	series map[string][]*tensor.Tensor
}

// results translates a batched recording back to the requested
// original addresses.
func (n *Network) results(rec *backend.Recording, outputs []string) (*Results, error) {
	res := &Results{series: map[string][]*tensor.Tensor{}}
	for _, s := range rec.Steps {
		res.Times = append(res.Times, float64(s)*n.dt)
	}
	for _, addr := range outputs {
		loc, ok := n.vec.Map.Lookup(addr)
		if !ok {
			return nil, errors.Errorf("unknown output variable %q", addr)
		}
		samples := rec.Series[loc.Var]
		series := make([]*tensor.Tensor, len(samples))
		for i, t := range samples {
			sliced, err := n.vec.Map.Slice(addr, t)
			if err != nil {
				return nil, errors.Wrapf(err, "output %q", addr)
			}
			series[i] = sliced
		}
		res.series[addr] = series
	}
	return res, nil
}

// Series returns the recorded samples of an output variable.
func (r *Results) Series(addr string) ([]*tensor.Tensor, error) {
	s, ok := r.series[addr]
	if !ok {
		return nil, errors.Errorf("variable %q was not recorded", addr)
	}
	return s, nil
}

// Values returns the samples of a scalar output as floats.
func (r *Results) Values(addr string) ([]float64, error) {
	s, err := r.Series(addr)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(s))
	for i, t := range s {
		v, err := t.Item()
		if err != nil {
			return nil, errors.Wrapf(err, "variable %q sample %d", addr, i)
		}
		out[i] = v
	}
	return out, nil
}
