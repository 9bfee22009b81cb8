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

package ordered_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/ratesim-org/ratesim/base/ordered"
)

func TestMapOrder(t *testing.T) {
	m := ordered.NewMap[string, int]()
	m.Store("c", 3)
	m.Store("a", 1)
	m.Store("b", 2)
	m.Store("a", 10)

	var keys []string
	var vals []int
	for k, v := range m.Iter() {
		keys = append(keys, k)
		vals = append(vals, v)
	}
	if diff := cmp.Diff([]string{"c", "a", "b"}, keys); diff != "" {
		t.Errorf("unexpected key order (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{3, 10, 2}, vals); diff != "" {
		t.Errorf("unexpected values (-want +got):\n%s", diff)
	}
	if got := m.Size(); got != 3 {
		t.Errorf("got size %d but want 3", got)
	}
}

func TestMapDelete(t *testing.T) {
	m := ordered.NewMap[string, int]()
	m.Store("a", 1)
	m.Store("b", 2)
	m.Store("c", 3)
	m.Delete("b")

	var keys []string
	for k := range m.Keys() {
		keys = append(keys, k)
	}
	if diff := cmp.Diff([]string{"a", "c"}, keys); diff != "" {
		t.Errorf("unexpected key order after delete (-want +got):\n%s", diff)
	}
	if m.Has("b") {
		t.Errorf("key b still present after delete")
	}
}
