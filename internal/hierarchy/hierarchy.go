package hierarchy

import (
	"fmt"
	"sort"
)

// Hierarchy is the forest produced by the pipeline: exactly one Idea root
// plus a parent-to-children index. It is built append-only within a stage;
// each parent's expansion owns its child slice, so no concurrent mutation
// of the same slice occurs.
type Hierarchy struct {
	nodes    map[string]*Node
	children map[string][]string // parent id -> child ids, insertion order
	rootID   string
	edges    []DependencyEdge
}

// New creates a hierarchy rooted at the given Idea node. The root must be
// at LevelIdea with no parent.
func New(root Node) (*Hierarchy, error) {
	if root.Level != LevelIdea {
		return nil, fmt.Errorf("root must be at %s, got %s", LevelIdea, root.Level)
	}
	if root.ParentID != "" {
		return nil, fmt.Errorf("root node %s must not have a parent", root.ID)
	}
	if root.ID == "" {
		return nil, fmt.Errorf("root node requires an id")
	}
	h := &Hierarchy{
		nodes:    map[string]*Node{},
		children: map[string][]string{},
		rootID:   root.ID,
	}
	r := root.Clone()
	h.nodes[root.ID] = &r
	return h, nil
}

// Add inserts a node, enforcing unique ids, parent existence and level
// monotonicity (child exactly one level below its parent).
func (h *Hierarchy) Add(n Node) error {
	if n.ID == "" {
		return fmt.Errorf("node requires an id")
	}
	if _, exists := h.nodes[n.ID]; exists {
		return fmt.Errorf("duplicate node id %s", n.ID)
	}
	parent, ok := h.nodes[n.ParentID]
	if !ok {
		return fmt.Errorf("node %s: parent %s does not exist", n.ID, n.ParentID)
	}
	if !n.Level.IsChildOf(parent.Level) {
		return fmt.Errorf("node %s: level %s is not a child level of parent %s (%s)",
			n.ID, n.Level, parent.ID, parent.Level)
	}
	c := n.Clone()
	h.nodes[n.ID] = &c
	h.children[n.ParentID] = append(h.children[n.ParentID], n.ID)
	return nil
}

// Node returns the node with the given id.
func (h *Hierarchy) Node(id string) (Node, bool) {
	n, ok := h.nodes[id]
	if !ok {
		return Node{}, false
	}
	return n.Clone(), true
}

// Root returns the Idea root node.
func (h *Hierarchy) Root() Node { return h.nodes[h.rootID].Clone() }

// RootID returns the Idea root's local id.
func (h *Hierarchy) RootID() string { return h.rootID }

// Len returns the number of nodes including the root.
func (h *Hierarchy) Len() int { return len(h.nodes) }

// Children returns the child nodes of a parent in insertion order.
func (h *Hierarchy) Children(parentID string) []Node {
	ids := h.children[parentID]
	out := make([]Node, 0, len(ids))
	for _, id := range ids {
		out = append(out, h.nodes[id].Clone())
	}
	return out
}

// NodesAtLevel returns all nodes at a level in deterministic pre-order.
func (h *Hierarchy) NodesAtLevel(l Level) []Node {
	var out []Node
	h.Walk(func(n Node) {
		if n.Level == l {
			out = append(out, n)
		}
	})
	return out
}

// Walk visits every node in deterministic pre-order (parents before
// children, siblings in insertion order).
func (h *Hierarchy) Walk(visit func(Node)) {
	var rec func(id string)
	rec = func(id string) {
		visit(h.nodes[id].Clone())
		for _, cid := range h.children[id] {
			rec(cid)
		}
	}
	rec(h.rootID)
}

// SetChildOrder replaces the child ordering of a parent. Every id must
// already be a child of that parent; the pipeline uses this to apply its
// priority-then-insertion ordering before commit.
func (h *Hierarchy) SetChildOrder(parentID string, ids []string) error {
	current := h.children[parentID]
	if len(ids) != len(current) {
		return fmt.Errorf("reorder of %s: got %d ids, have %d children", parentID, len(ids), len(current))
	}
	have := make(map[string]struct{}, len(current))
	for _, id := range current {
		have[id] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := have[id]; !ok {
			return fmt.Errorf("reorder of %s: %s is not a child", parentID, id)
		}
	}
	h.children[parentID] = append([]string(nil), ids...)
	return nil
}

// Prune removes the subtree rooted at id (the node and all descendants)
// and returns the removed ids in pre-order. Pruning the root is refused.
func (h *Hierarchy) Prune(id string) ([]string, error) {
	if id == h.rootID {
		return nil, fmt.Errorf("cannot prune the root")
	}
	n, ok := h.nodes[id]
	if !ok {
		return nil, fmt.Errorf("unknown node %s", id)
	}

	var removed []string
	var rec func(id string)
	rec = func(id string) {
		removed = append(removed, id)
		for _, cid := range h.children[id] {
			rec(cid)
		}
		delete(h.children, id)
		delete(h.nodes, id)
	}
	rec(id)

	// Detach from parent's child list.
	siblings := h.children[n.ParentID]
	for i, cid := range siblings {
		if cid == id {
			h.children[n.ParentID] = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}

	// Drop edges touching removed nodes.
	gone := make(map[string]struct{}, len(removed))
	for _, rid := range removed {
		gone[rid] = struct{}{}
	}
	kept := h.edges[:0]
	for _, e := range h.edges {
		if _, a := gone[e.FromID]; a {
			continue
		}
		if _, b := gone[e.ToID]; b {
			continue
		}
		kept = append(kept, e)
	}
	h.edges = kept

	return removed, nil
}

// MarkUnexpanded flags a committed node whose expansion failed entirely.
// This is a status flag, not a structural mutation, so it is permitted on
// committed nodes.
func (h *Hierarchy) MarkUnexpanded(id string) error {
	n, ok := h.nodes[id]
	if !ok {
		return fmt.Errorf("unknown node %s", id)
	}
	n.Unexpanded = true
	return nil
}

// AddEdge records a cross-sibling dependency edge (finalize stage).
func (h *Hierarchy) AddEdge(e DependencyEdge) error {
	if _, ok := h.nodes[e.FromID]; !ok {
		return fmt.Errorf("edge from unknown node %s", e.FromID)
	}
	if _, ok := h.nodes[e.ToID]; !ok {
		return fmt.Errorf("edge to unknown node %s", e.ToID)
	}
	h.edges = append(h.edges, e)
	return nil
}

// Edges returns the recorded dependency edges in insertion order.
func (h *Hierarchy) Edges() []DependencyEdge {
	return append([]DependencyEdge(nil), h.edges...)
}

// Validate re-checks the structural invariants: a single Idea root, every
// non-root node's parent exists one level up, ids unique (by construction),
// confidences within [0,1].
func (h *Hierarchy) Validate() error {
	roots := 0
	for id, n := range h.nodes {
		if n.Level == LevelIdea {
			roots++
			if n.ParentID != "" {
				return fmt.Errorf("idea node %s has a parent", id)
			}
			continue
		}
		parent, ok := h.nodes[n.ParentID]
		if !ok {
			return fmt.Errorf("node %s: orphan (parent %s missing)", id, n.ParentID)
		}
		if !n.Level.IsChildOf(parent.Level) {
			return fmt.Errorf("node %s: level %s under parent level %s", id, n.Level, parent.Level)
		}
		if n.Confidence < 0 || n.Confidence > 1 {
			return fmt.Errorf("node %s: confidence %.3f out of range", id, n.Confidence)
		}
	}
	if roots != 1 {
		return fmt.Errorf("expected exactly one idea root, found %d", roots)
	}
	return nil
}

// SortedIDs returns all node ids sorted lexically. Used by tests and the
// run report for stable output.
func (h *Hierarchy) SortedIDs() []string {
	ids := make([]string, 0, len(h.nodes))
	for id := range h.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
