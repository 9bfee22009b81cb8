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

// Package uname provides unique names.
//
// Variables in a compiled graph are addressed by slash-separated paths
// of the form node/operator/name. Within one compilation session the
// same base name may be requested many times; collisions are resolved
// by appending a numeric suffix.
package uname

import "fmt"

// Unique generates unique names. The zero value is not usable; call New.
// State is per compilation session: a fresh generator starts every new
// graph build.
type Unique struct {
	names map[string]int
}

// New name generator.
func New() *Unique {
	return &Unique{names: make(map[string]int)}
}

// Name returns a unique name given a desired base name.
// The first request for a base name returns it unchanged; later
// requests return base_1, base_2, and so on.
func (n *Unique) Name(root string) string {
	next, ok := n.names[root]
	if !ok {
		n.names[root] = 1
		return root
	}
	name := fmt.Sprintf("%s_%d", root, next)
	n.names[root] = next + 1
	return name
}
