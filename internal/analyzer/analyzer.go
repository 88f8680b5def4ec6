// Package analyzer defines the pluggable analyzer contract, the per-level
// registry that dispatches to analyzers, and the deterministic merge that
// reconciles competing proposals into a single child set per parent.
package analyzer

import (
	"context"

	"ideaforge/internal/hierarchy"
)

// Field names a mergeable node field. Per-field confidences and the
// aggregate weight map are keyed by these.
type Field string

const (
	FieldTitle       Field = "title"
	FieldDescription Field = "description"
	FieldAcceptance  Field = "acceptance"
	FieldEstimate    Field = "estimate"
	FieldPriority    Field = "priority"
	FieldLabels      Field = "labels"
)

// MergeFields lists all mergeable fields in canonical order.
var MergeFields = []Field{
	FieldTitle, FieldDescription, FieldAcceptance,
	FieldEstimate, FieldPriority, FieldLabels,
}

// DefaultFieldWeights returns the default per-field aggregate weights.
func DefaultFieldWeights() map[Field]float64 {
	return map[Field]float64{
		FieldTitle:       0.15,
		FieldDescription: 0.20,
		FieldAcceptance:  0.25,
		FieldEstimate:    0.20,
		FieldPriority:    0.10,
		FieldLabels:      0.10,
	}
}

// Descriptor advertises an analyzer's capability set: the levels it can
// expand, the fields it produces, and its configured tiebreak priority
// (lower wins ties).
type Descriptor struct {
	Name     string
	Provider string // caller the registry routes this analyzer through
	Levels   []hierarchy.Level
	Fields   []Field
	Priority int
}

// Request is the input to one analyzer invocation: a parent to expand
// into children one level down.
type Request struct {
	Level      hierarchy.Level // level of the children to produce
	Parent     hierarchy.Node
	Ancestors  []hierarchy.Node // nearest first, truncated to 3 by the pipeline
	Idea       hierarchy.Idea
	RunContext map[string]string
	Unit       hierarchy.EstimateUnit
	// Feedback carries the gate's report on a rework cycle so the
	// analyzer can see what to fix. Nil on the first attempt.
	Feedback *hierarchy.QualityReport
}

// Candidate is one proposed child node with per-field confidences.
type Candidate struct {
	Title              string
	Description        string
	AcceptanceCriteria []string
	Estimate           float64
	Priority           hierarchy.Priority
	Labels             []string
	Ext                map[string]string
	FieldConfidence    map[Field]float64
}

// Result is an analyzer's full proposal for one parent.
type Result struct {
	Provider   string
	Candidates []Candidate
}

// Analyzer is any component that can expand one parent into proposed
// children at one level.
type Analyzer interface {
	Describe() Descriptor
	Analyze(ctx context.Context, req Request) (Result, error)
}

// confidence returns a candidate's confidence for one field, defaulting
// to zero when the analyzer did not score it.
func (c Candidate) confidence(f Field) float64 {
	return c.FieldConfidence[f]
}
