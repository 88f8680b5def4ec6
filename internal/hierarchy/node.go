package hierarchy

import "sort"

// Idea is the immutable free-form input that starts a run.
type Idea struct {
	Description  string            `json:"description"`
	Context      map[string]string `json:"context,omitempty"`
	Team         *TeamProfile      `json:"team,omitempty"`
	BudgetHint   string            `json:"budget_hint,omitempty"`
	TimelineHint string            `json:"timeline_hint,omitempty"`
}

// TeamProfile carries optional team shape hints for analyzers.
type TeamProfile struct {
	Size      int      `json:"size,omitempty"`
	Seniority string   `json:"seniority,omitempty"` // junior, mixed, senior
	Tech      []string `json:"tech,omitempty"`
}

// Contribution records which analyzer contributed to a node and with what
// per-field weight, for provenance.
type Contribution struct {
	Analyzer string             `json:"analyzer"`
	Weights  map[string]float64 `json:"weights,omitempty"`
}

// Node is the uniform element of the hierarchy. Once its stage passes the
// quality gate the node is committed and must not be mutated; the pipeline
// enforces this by handing out copies.
type Node struct {
	ID                 string            `json:"id"`
	Level              Level             `json:"level"`
	ParentID           string            `json:"parent_id,omitempty"` // empty only for the Idea root
	Title              string            `json:"title"`
	Description        string            `json:"description,omitempty"`
	AcceptanceCriteria []string          `json:"acceptance_criteria,omitempty"`
	Estimate           float64           `json:"estimate,omitempty"` // 0 means no estimate
	Priority           Priority          `json:"priority,omitempty"`
	Labels             []string          `json:"labels,omitempty"` // sorted, unique
	Ext                map[string]string `json:"ext,omitempty"`    // level-specific fields
	Confidence         float64           `json:"confidence"`       // aggregate, [0,1]
	Provenance         []Contribution    `json:"provenance,omitempty"`
	Unexpanded         bool              `json:"unexpanded,omitempty"` // all analyzers failed for this parent
}

// Clone returns a deep copy of the node.
func (n Node) Clone() Node {
	out := n
	out.AcceptanceCriteria = append([]string(nil), n.AcceptanceCriteria...)
	out.Labels = append([]string(nil), n.Labels...)
	if n.Ext != nil {
		out.Ext = make(map[string]string, len(n.Ext))
		for k, v := range n.Ext {
			out.Ext[k] = v
		}
	}
	out.Provenance = append([]Contribution(nil), n.Provenance...)
	return out
}

// NormalizeLabels sorts and deduplicates the label set in place.
func (n *Node) NormalizeLabels() {
	if len(n.Labels) == 0 {
		return
	}
	seen := make(map[string]struct{}, len(n.Labels))
	out := n.Labels[:0]
	for _, l := range n.Labels {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	sort.Strings(out)
	n.Labels = out
}

// DependencyEdge is a cross-sibling dependency derived during finalize
// (for example "task A blocks task B"). Written to the tracker best-effort.
type DependencyEdge struct {
	FromID string `json:"from_id"`
	ToID   string `json:"to_id"`
	Kind   string `json:"kind"` // /blocks, /relates
}

const (
	EdgeBlocks  = "/blocks"
	EdgeRelates = "/relates"
)
