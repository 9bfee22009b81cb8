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
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/ratesim-org/ratesim/num/dtype"
	"github.com/ratesim-org/ratesim/num/tensor"
)

// Normal draws a tensor of standard normal values from the registry's
// seeded source. Draws consume the stream, so identical run setups
// replay identical draws.
func (b *Backend) Normal(shape []int) *tensor.Tensor {
	if b.norm == nil {
		b.norm = &distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewSource(b.seed)}
	}
	t := tensor.New(dtype.Float64, shape)
	vals := t.Floats()
	for i := range vals {
		vals[i] = b.norm.Rand()
	}
	return t
}
