// Package layout reconstructs the DOM node tree described by discover and
// mutation events.
package layout

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/goccy/go-json"
	"github.com/gowebpki/jcs"

	"github.com/vincentbai/clarity-agent/internal/codec"
)

// Tree is a flat id -> node index of the reconstructed document.
type Tree struct {
	nodes map[int]codec.Node
}

func NewTree() *Tree {
	return &Tree{nodes: make(map[int]codec.Node)}
}

// Reset drops every node.
func (t *Tree) Reset() {
	t.nodes = make(map[int]codec.Node)
}

// Apply inserts, replaces or removes the nodes of a layout event. A removed
// node takes its descendants with it.
func (t *Tree) Apply(l codec.Layout) {
	for _, n := range l.Nodes {
		if n.Removed() {
			t.remove(n.ID)
			continue
		}
		t.nodes[n.ID] = n
	}
}

func (t *Tree) remove(id int) {
	if _, ok := t.nodes[id]; !ok {
		return
	}
	delete(t.nodes, id)
	for childID, child := range t.nodes {
		if child.Parent == id {
			t.remove(childID)
		}
	}
}

func (t *Tree) Len() int {
	return len(t.nodes)
}

func (t *Tree) Node(id int) (codec.Node, bool) {
	n, ok := t.nodes[id]
	return n, ok
}

// Nodes returns the nodes ordered by id.
func (t *Tree) Nodes() []codec.Node {
	out := make([]codec.Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Digest is the sha256 of the RFC 8785 canonical JSON of the ordered nodes.
// Two trees holding the same nodes always produce the same digest.
func (t *Tree) Digest() (string, error) {
	raw, err := json.Marshal(t.Nodes())
	if err != nil {
		return "", fmt.Errorf("marshal layout: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize layout: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
