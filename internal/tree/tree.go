// Package tree builds the folder forest shown next to the test list.
package tree

import (
	"strings"

	"github.com/hochfrequenz/testrun-launcher/internal/domain"
)

// Node is a folder with its pruned subfolders and direct tests
type Node struct {
	Folder   domain.Folder
	Children []*Node
	Tests    []domain.Test
}

// AllTests returns the direct and inherited tests of the node, depth-first
func (n *Node) AllTests() []domain.Test {
	var out []domain.Test
	n.walk(func(node *Node) {
		out = append(out, node.Tests...)
	})
	return out
}

// AutomatableIDs returns the ids of every automatable test in the subtree
func (n *Node) AutomatableIDs() []domain.TestID {
	var ids []domain.TestID
	for _, t := range n.AllTests() {
		if t.Automatable() {
			ids = append(ids, t.ID)
		}
	}
	return ids
}

func (n *Node) walk(fn func(*Node)) {
	fn(n)
	for _, c := range n.Children {
		c.walk(fn)
	}
}

// Forest is the pruned folder forest plus the tests without a folder
type Forest struct {
	Roots   []*Node
	Unfiled []domain.Test

	index map[domain.FolderID]*Node
}

// Find returns the node for a folder that survived pruning
func (f *Forest) Find(id domain.FolderID) (*Node, bool) {
	n, ok := f.index[id]
	return n, ok
}

// Walk visits every node depth-first in display order
func (f *Forest) Walk(fn func(depth int, n *Node)) {
	var visit func(depth int, n *Node)
	visit = func(depth int, n *Node) {
		fn(depth, n)
		for _, c := range n.Children {
			visit(depth+1, c)
		}
	}
	for _, r := range f.Roots {
		visit(0, r)
	}
}

// Tests returns every test in the forest followed by the unfiled tests
func (f *Forest) Tests() []domain.Test {
	var out []domain.Test
	for _, r := range f.Roots {
		out = append(out, r.AllTests()...)
	}
	return append(out, f.Unfiled...)
}

// Build turns flat tests, folders and memberships into a pruned forest.
// It is pure: call it again on every reload or filter change instead of
// patching an earlier result. Input order is preserved everywhere.
func Build(tests []domain.Test, folders []domain.Folder, memberships []domain.FolderMembership) *Forest {
	nodes := make(map[domain.FolderID]*Node, len(folders))
	order := make([]domain.FolderID, 0, len(folders))
	for _, f := range folders {
		if f.ID == "" {
			continue
		}
		if existing, ok := nodes[f.ID]; ok {
			existing.Folder = f
			continue
		}
		nodes[f.ID] = &Node{Folder: f}
		order = append(order, f.ID)
	}

	placement := make(map[domain.TestID]domain.FolderID, len(memberships))
	for _, m := range memberships {
		placement[m.TestID] = m.FolderID
	}

	forest := &Forest{index: make(map[domain.FolderID]*Node)}
	for _, t := range tests {
		if fid, ok := placement[t.ID]; ok {
			if n, ok := nodes[fid]; ok {
				n.Tests = append(n.Tests, t)
				continue
			}
		}
		forest.Unfiled = append(forest.Unfiled, t)
	}

	children := make(map[domain.FolderID][]domain.FolderID)
	var roots []domain.FolderID
	for _, id := range order {
		parent := nodes[id].Folder.ParentID
		if _, ok := nodes[parent]; !ok || parent == id {
			roots = append(roots, id)
			continue
		}
		children[parent] = append(children[parent], id)
	}

	attached := make(map[domain.FolderID]bool, len(order))
	var attach func(id domain.FolderID) *Node
	attach = func(id domain.FolderID) *Node {
		attached[id] = true
		n := nodes[id]
		for _, cid := range children[id] {
			if attached[cid] {
				continue
			}
			n.Children = append(n.Children, attach(cid))
		}
		return n
	}

	var top []*Node
	for _, id := range roots {
		top = append(top, attach(id))
	}
	// Folders on a parent cycle are unreachable from any root; the first
	// one in input order is promoted so its tests are not lost.
	for _, id := range order {
		if !attached[id] {
			top = append(top, attach(id))
		}
	}

	for _, n := range top {
		if prune(n) {
			forest.Roots = append(forest.Roots, n)
		}
	}
	forest.Walk(func(_ int, n *Node) {
		forest.index[n.Folder.ID] = n
	})
	return forest
}

// prune drops empty subfolders bottom-up and reports whether n keeps any test
func prune(n *Node) bool {
	kept := n.Children[:0]
	for _, c := range n.Children {
		if prune(c) {
			kept = append(kept, c)
		}
	}
	n.Children = kept
	return len(n.Tests) > 0 || len(n.Children) > 0
}

// Filter keeps the tests whose title contains query, case-insensitively.
// An empty query returns the input unchanged.
func Filter(tests []domain.Test, query string) []domain.Test {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return tests
	}
	var out []domain.Test
	for _, t := range tests {
		if strings.Contains(strings.ToLower(t.Title), q) {
			out = append(out, t)
		}
	}
	return out
}
