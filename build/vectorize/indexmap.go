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

package vectorize

import (
	"github.com/pkg/errors"

	"github.com/ratesim-org/ratesim/num/tensor"
)

// Loc places an original variable inside its batched counterpart: the
// half-open range [Start, End) along the batch dimension. Scalar
// records that the original variable had rank 0, so reads drop the
// dimension.
type Loc struct {
	// Var is the batched variable address "node/operator/variable".
	Var    string
	Start  int
	End    int
	Scalar bool
}

// IndexMap translates original variable addresses to locations in the
// batched circuit and back.
type IndexMap struct {
	locs  map[string]Loc
	nodes map[string]string   // original node -> batched node
	back  map[string][]string // batched node -> original nodes, batch order
}

func newIndexMap() *IndexMap {
	return &IndexMap{
		locs:  map[string]Loc{},
		nodes: map[string]string{},
		back:  map[string][]string{},
	}
}

func (m *IndexMap) put(orig string, loc Loc) {
	m.locs[orig] = loc
}

func (m *IndexMap) putNode(orig, batched string) {
	m.nodes[orig] = batched
	m.back[batched] = append(m.back[batched], orig)
}

// Lookup returns the location of an original variable address.
func (m *IndexMap) Lookup(orig string) (Loc, bool) {
	loc, ok := m.locs[orig]
	return loc, ok
}

// Node returns the batched node an original node became part of.
func (m *IndexMap) Node(orig string) (string, bool) {
	n, ok := m.nodes[orig]
	return n, ok
}

// Originals returns the original nodes folded into a batched node, in
// batch order.
func (m *IndexMap) Originals(batched string) []string {
	return m.back[batched]
}

// Slice extracts the value of one original variable from the value of
// its batched counterpart.
func (m *IndexMap) Slice(orig string, batched *tensor.Tensor) (*tensor.Tensor, error) {
	loc, ok := m.Lookup(orig)
	if !ok {
		return nil, errors.Errorf("no batch location for %q", orig)
	}
	if loc.Scalar {
		return tensor.Gather(batched, []tensor.Axis{tensor.Point(loc.Start)})
	}
	return tensor.Gather(batched, []tensor.Axis{tensor.Range(loc.Start, loc.End)})
}

// Devectorize splits a batched value into per-original values for
// every original variable mapped into the given batched variable
// address. The round trip through the batch is exact.
func (m *IndexMap) Devectorize(batchedAddr string, value *tensor.Tensor) (map[string]*tensor.Tensor, error) {
	out := map[string]*tensor.Tensor{}
	for orig, loc := range m.locs {
		if loc.Var != batchedAddr {
			continue
		}
		v, err := m.Slice(orig, value)
		if err != nil {
			return nil, err
		}
		out[orig] = v
	}
	return out, nil
}
