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

package template

import (
	"context"
	"math"
	"testing"

	"github.com/ratesim-org/ratesim/build/graph"
	"github.com/ratesim-org/ratesim/sim"
)

const pairTemplate = `{
	"class": "CircuitTemplate",
	"name": "pair",
	"nodes": {
		"a": {
			"class": "NodeTemplate",
			"operators": {
				"drive": {
					"class": "OperatorTemplate",
					"equations": ["d/dt * x = inp"],
					"variables": {"x": "variable", "inp": "input"}
				}
			}
		},
		"b": {
			"class": "NodeTemplate",
			"operators": {
				"rate": {
					"class": "OperatorTemplate",
					"equations": ["r = 1."],
					"variables": {"r": "output(1.0)"}
				}
			}
		}
	},
	"edges": [
		{"source": "b/rate/r", "target": "a/drive/inp", "weight": 2.0}
	]
}`

func TestDecodeAndBuild(t *testing.T) {
	tpl, err := Decode([]byte(pairTemplate))
	if err != nil {
		t.Fatal(err)
	}
	c, err := tpl.Build()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := c.Name, "pair"; got != want {
		t.Errorf("circuit name: got %q, want %q", got, want)
	}
	if got, want := c.Nodes.Size(), 2; got != want {
		t.Fatalf("node count: got %d, want %d", got, want)
	}
	_, _, decl, err := c.Resolve("b/rate/r")
	if err != nil {
		t.Fatal(err)
	}
	if decl.Kind != graph.KindOutput {
		t.Errorf("r kind: got %v, want %v", decl.Kind, graph.KindOutput)
	}
	if got, want := decl.Init.At(0), 1.0; got != want {
		t.Errorf("r init: got %v, want %v", got, want)
	}
	if got, want := len(c.Edges), 1; got != want {
		t.Fatalf("edge count: got %d, want %d", got, want)
	}
	if got, want := c.Edges[0].Weight.At(0), 2.0; got != want {
		t.Errorf("edge weight: got %v, want %v", got, want)
	}
}

// TestBuiltCircuitRuns feeds the decoded circuit through compilation
// and a short run.
func TestBuiltCircuitRuns(t *testing.T) {
	tpl, err := Decode([]byte(pairTemplate))
	if err != nil {
		t.Fatal(err)
	}
	c, err := tpl.Build()
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	net, err := sim.Compile(ctx, c, sim.WithDt(0.1))
	if err != nil {
		t.Fatal(err)
	}
	res, err := net.Run(ctx, 1, nil, []string{"a/drive/x"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	vals, err := res.Values("a/drive/x")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := vals[len(vals)-1], 2.0; math.Abs(got-want) > 1e-12 {
		t.Errorf("x after 10 steps: got %v, want %v", got, want)
	}
}

func TestDecodeInputs(t *testing.T) {
	src := `{
		"class": "CircuitTemplate",
		"name": "fanin",
		"nodes": {
			"n": {
				"class": "NodeTemplate",
				"operators": {
					"drive": {
						"class": "OperatorTemplate",
						"equations": ["d/dt * x = inp", "d/dt * y = sum(raw)"],
						"variables": {"x": "variable", "y": "variable", "inp": "input", "raw": "input"},
						"inputs": {
							"inp": ["s1", "s2"],
							"raw": {"sources": ["s1", "s2"], "reduce_dim": false}
						}
					},
					"s1": {
						"class": "OperatorTemplate",
						"equations": ["r = 1."],
						"variables": {"r": "output(1.0)"}
					},
					"s2": {
						"class": "OperatorTemplate",
						"equations": ["r = 2."],
						"variables": {"r": "output(2.0)"}
					}
				}
			}
		}
	}`
	tpl, err := Decode([]byte(src))
	if err != nil {
		t.Fatal(err)
	}
	c, err := tpl.Build()
	if err != nil {
		t.Fatal(err)
	}
	node, ok := c.Nodes.Load("n")
	if !ok {
		t.Fatal("node n missing")
	}
	drive, ok := node.Ops.Load("drive")
	if !ok {
		t.Fatal("operator drive missing")
	}
	// The array form sums, the object form carries the reduce flag.
	if spec := drive.Inputs["inp"]; spec == nil || !spec.Reduce || len(spec.Sources) != 2 {
		t.Errorf("inp spec: got %+v, want two summed sources", spec)
	}
	if spec := drive.Inputs["raw"]; spec == nil || spec.Reduce || len(spec.Sources) != 2 {
		t.Errorf("raw spec: got %+v, want two stacked sources", spec)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"wrong circuit class", `{"class": "Nope"}`},
		{"wrong node class", `{"class": "CircuitTemplate", "nodes": {"a": {"class": "Nope"}}}`},
		{
			"wrong operator class",
			`{"class": "CircuitTemplate", "nodes": {"a": {"class": "NodeTemplate",
			  "operators": {"o": {"class": "Nope"}}}}}`,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := Decode([]byte(test.src)); err == nil {
				t.Error("decode accepted invalid template")
			}
		})
	}
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{
			"invalid variable spec",
			`{"class": "CircuitTemplate", "nodes": {"a": {"class": "NodeTemplate",
			  "operators": {"o": {"class": "OperatorTemplate", "variables": {"v": "wobble"}}}}}}`,
		},
		{
			"invalid equation",
			`{"class": "CircuitTemplate", "nodes": {"a": {"class": "NodeTemplate",
			  "operators": {"o": {"class": "OperatorTemplate",
			  "equations": ["v = $"], "variables": {"v": "variable"}}}}}}`,
		},
		{
			"edge without target",
			`{"class": "CircuitTemplate", "edges": [{"source": "a/o/v"}]}`,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			tpl, err := Decode([]byte(test.src))
			if err != nil {
				t.Fatal(err)
			}
			if _, err := tpl.Build(); err == nil {
				t.Error("build accepted invalid template")
			}
		})
	}
}
