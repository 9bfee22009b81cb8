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
	"github.com/pkg/errors"

	"github.com/ratesim-org/ratesim/num/tensor"
)

// Reconcile prepares two operands for an element-wise operation. When
// plain broadcasting fails it makes two repair attempts: reshaping the
// operand of equal length to the other's shape, then appending a
// trailing unit dimension to a rank-1 operand whose length matches the
// other's leading dimension.
func Reconcile(a, b *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if _, err := tensor.BroadcastShapes(a.Shape(), b.Shape()); err == nil {
		return a, b, nil
	}
	// First attempt: same element count, adopt the other shape.
	if a.Len() == b.Len() {
		if a.Rank() < b.Rank() {
			r, err := a.Reshape(b.Shape())
			if err == nil {
				return r, b, nil
			}
		} else {
			r, err := b.Reshape(a.Shape())
			if err == nil {
				return a, r, nil
			}
		}
	}
	// Second attempt: column-expand the rank-1 operand.
	if a.Rank() == 1 && b.Rank() > 1 && a.Len() == b.Shape()[0] {
		r, err := a.Reshape([]int{a.Len(), 1})
		if err == nil {
			if _, berr := tensor.BroadcastShapes(r.Shape(), b.Shape()); berr == nil {
				return r, b, nil
			}
		}
	}
	if b.Rank() == 1 && a.Rank() > 1 && b.Len() == a.Shape()[0] {
		r, err := b.Reshape([]int{b.Len(), 1})
		if err == nil {
			if _, aerr := tensor.BroadcastShapes(a.Shape(), r.Shape()); aerr == nil {
				return a, r, nil
			}
		}
	}
	return nil, nil, errors.Wrapf(ErrIncompatibleShapes, "%v and %v", a.Shape(), b.Shape())
}
