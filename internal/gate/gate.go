// Package gate implements the quality gate: a pure decision procedure
// that admits, reworks or abandons the child set a stage produced. Given
// identical inputs and config the gate always returns the same report;
// tests rely on that.
package gate

import (
	"fmt"
	"sort"
	"time"

	"ideaforge/internal/analyzer"
	"ideaforge/internal/hierarchy"
)

// Config holds the gate's tunables for one level.
type Config struct {
	Threshold       float64 // τ, aggregate confidence required to pass
	MaxRework       int     // rework cycles before the soft-accept rule applies
	SoftAcceptRatio float64 // fraction of τ under which Abandon replaces Pass
	Unit            hierarchy.EstimateUnit
	// GlobalTitleLevels marks levels whose titles must be unique across
	// the whole run, not just within a parent.
	GlobalTitleLevels map[hierarchy.Level]bool
}

// DefaultConfig returns the default gate configuration.
func DefaultConfig() Config {
	return Config{
		Threshold:       0.85,
		MaxRework:       2,
		SoftAcceptRatio: 0.85,
		Unit:            hierarchy.UnitStoryPoints,
		GlobalTitleLevels: map[hierarchy.Level]bool{
			hierarchy.LevelEpic: true,
		},
	}
}

// ChildSet is one parent's produced children, as handed over by the
// pipeline after merge.
type ChildSet struct {
	Parent     hierarchy.Node
	Children   []hierarchy.Node
	Unexpanded bool // every analyzer failed for this parent
}

// Gate scores a produced level against the configured criteria.
type Gate struct {
	cfg   Config
	clock func() time.Time
}

// New creates a gate. The clock only stamps report metadata; pass a fixed
// clock in tests for byte-identical reports.
func New(cfg Config) *Gate {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultConfig().Threshold
	}
	if cfg.SoftAcceptRatio <= 0 {
		cfg.SoftAcceptRatio = DefaultConfig().SoftAcceptRatio
	}
	if cfg.MaxRework < 0 {
		cfg.MaxRework = 0
	}
	if !cfg.Unit.Valid() {
		cfg.Unit = hierarchy.UnitStoryPoints
	}
	return &Gate{cfg: cfg, clock: time.Now}
}

// SetClock overrides the report timestamp source.
func (g *Gate) SetClock(clock func() time.Time) { g.clock = clock }

// Evaluate scores the children produced for one level. attempt counts the
// rework cycles already spent on this stage (0 on first evaluation).
func (g *Gate) Evaluate(level hierarchy.Level, attempt int, sets []ChildSet) hierarchy.QualityReport {
	report := hierarchy.QualityReport{
		Level:       level,
		Attempt:     attempt,
		Threshold:   g.cfg.Threshold,
		NodeFlags:   map[string][]hierarchy.ViolationKind{},
		EvaluatedAt: g.clock(),
	}

	// Aggregate confidence: simple mean over every produced child. A level
	// that produced nothing where expansion was expected scores zero;
	// leaves (Subtask) may legitimately stay unexpanded.
	total := 0
	var confSum float64
	for _, s := range sets {
		total += len(s.Children)
		for _, c := range s.Children {
			confSum += c.Confidence
		}
	}
	switch {
	case total > 0:
		report.Aggregate = confSum / float64(total)
	case level == hierarchy.LevelSubtask:
		report.Aggregate = 1
	default:
		report.Aggregate = 0
	}

	reworkSet := map[string]bool{}
	flag := func(nodeID string, parentID string, kind hierarchy.ViolationKind, msg string) {
		report.Violations = append(report.Violations, hierarchy.Violation{
			Kind: kind, NodeID: nodeID, Message: msg,
		})
		if nodeID != "" {
			report.NodeFlags[nodeID] = append(report.NodeFlags[nodeID], kind)
		}
		reworkSet[parentID] = true
	}

	globalTitles := map[string]string{} // normalized title -> first node id
	for _, s := range sets {
		if (s.Unexpanded || len(s.Children) == 0) && level != hierarchy.LevelSubtask {
			flag("", s.Parent.ID, hierarchy.ViolationNoChildren,
				fmt.Sprintf("parent %s (%s) produced no children", s.Parent.ID, s.Parent.Title))
			continue
		}

		seen := map[string]string{} // normalized title -> node id, within this parent
		for _, c := range s.Children {
			norm := analyzer.NormalizeTitle(c.Title)
			if prev, dup := seen[norm]; dup {
				flag(c.ID, s.Parent.ID, hierarchy.ViolationDuplicateTitle,
					fmt.Sprintf("title %q duplicates sibling %s", c.Title, prev))
			} else {
				seen[norm] = c.ID
			}
			if g.cfg.GlobalTitleLevels[level] {
				if prev, dup := globalTitles[norm]; dup {
					flag(c.ID, s.Parent.ID, hierarchy.ViolationDuplicateTitle,
						fmt.Sprintf("title %q duplicates node %s elsewhere in the run", c.Title, prev))
				} else {
					globalTitles[norm] = c.ID
				}
			}

			g.checkNode(level, s.Parent.ID, c, flag)
		}

		if mean := meanConfidence(s.Children); mean < g.cfg.Threshold {
			reworkSet[s.Parent.ID] = true
		}
	}

	for id := range reworkSet {
		report.ReworkParents = append(report.ReworkParents, id)
	}
	sort.Strings(report.ReworkParents)

	report.Decision = g.decide(&report, attempt)
	return report
}

// checkNode applies the per-node required-field criteria.
func (g *Gate) checkNode(level hierarchy.Level, parentID string, c hierarchy.Node,
	flag func(nodeID, parentID string, kind hierarchy.ViolationKind, msg string)) {

	needsCriteria := level == hierarchy.LevelStory || level == hierarchy.LevelTask
	needsEstimate := level == hierarchy.LevelTask || level == hierarchy.LevelSubtask
	needsLabels := level.Depth() >= hierarchy.LevelEpic.Depth()

	if needsCriteria && len(c.AcceptanceCriteria) == 0 {
		flag(c.ID, parentID, hierarchy.ViolationMissingCriteria,
			fmt.Sprintf("%s %q has no acceptance criteria", level, c.Title))
	}
	if needsEstimate && c.Estimate == 0 {
		flag(c.ID, parentID, hierarchy.ViolationMissingEstimate,
			fmt.Sprintf("%s %q has no estimate", level, c.Title))
	}
	if c.Estimate != 0 && !hierarchy.ValidEstimate(c.Estimate, g.cfg.Unit) {
		flag(c.ID, parentID, hierarchy.ViolationInvalidEstimate,
			fmt.Sprintf("%s %q estimate %.2f is not on the %s scale", level, c.Title, c.Estimate, g.cfg.Unit))
	}
	if needsLabels && len(c.Labels) == 0 {
		flag(c.ID, parentID, hierarchy.ViolationMissingLabels,
			fmt.Sprintf("%s %q has no labels", level, c.Title))
	}
	if !c.Priority.Valid() {
		flag(c.ID, parentID, hierarchy.ViolationMissingPriority,
			fmt.Sprintf("%s %q has no priority", level, c.Title))
	}
}

// decide applies the decision rule.
func (g *Gate) decide(report *hierarchy.QualityReport, attempt int) hierarchy.Decision {
	clean := len(report.Violations) == 0
	if report.Aggregate >= g.cfg.Threshold && clean {
		return hierarchy.DecisionPass
	}
	if attempt < g.cfg.MaxRework {
		return hierarchy.DecisionRework
	}
	if report.Aggregate >= g.cfg.Threshold*g.cfg.SoftAcceptRatio {
		report.SoftAccepted = true
		return hierarchy.DecisionPass
	}
	return hierarchy.DecisionAbandon
}

func meanConfidence(nodes []hierarchy.Node) float64 {
	if len(nodes) == 0 {
		return 0
	}
	var sum float64
	for _, n := range nodes {
		sum += n.Confidence
	}
	return sum / float64(len(nodes))
}
