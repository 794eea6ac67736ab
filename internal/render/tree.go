// Copyright 2024 btrfsdiff Authors
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

package render

import (
	"strings"

	"btrfsdiff/internal/codec"
)

// Node is one rendered line and the lines nested under it.
type Node struct {
	Line     string  `cbor:"1,keyasint"`
	Children []*Node `cbor:"2,keyasint,omitempty"`
}

// Tree is a rendering: one root per subvolume.
type Tree struct {
	Roots []*Node
}

// Text returns the canonical text form, two spaces of indent per level and
// a newline after every line.
func (t *Tree) Text() string {
	var b strings.Builder
	var write func(n *Node, depth int)
	write = func(n *Node, depth int) {
		b.WriteString(strings.Repeat("  ", depth))
		b.WriteString(n.Line)
		b.WriteByte('\n')
		for _, c := range n.Children {
			write(c, depth+1)
		}
	}
	for _, r := range t.Roots {
		write(r, 0)
	}
	return b.String()
}

// CBOR returns the deterministic CBOR encoding of the roots.
func (t *Tree) CBOR() ([]byte, error) {
	return codec.Marshal(t.Roots)
}

// ParseText is the inverse of Text.
func ParseText(s string) *Tree {
	t := &Tree{}
	var stack []*Node
	for _, line := range strings.Split(strings.TrimSuffix(s, "\n"), "\n") {
		if line == "" {
			continue
		}
		trimmed := strings.TrimLeft(line, " ")
		depth := (len(line) - len(trimmed)) / 2
		n := &Node{Line: trimmed}
		if depth > len(stack) {
			depth = len(stack)
		}
		stack = stack[:depth]
		if depth == 0 {
			t.Roots = append(t.Roots, n)
		} else {
			parent := stack[depth-1]
			parent.Children = append(parent.Children, n)
		}
		stack = append(stack, n)
	}
	return t
}
