// Package pipeline implements the seven-stage decomposition executor. A
// stage fans out one parent-expansion task per committed parent, merges
// analyzer proposals, runs the quality gate, and only then lets the next
// stage begin. Rework cycles stay inside a stage; the barrier between
// stages keeps parent ids stable before children fan out.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ideaforge/internal/analyzer"
	"ideaforge/internal/events"
	"ideaforge/internal/gate"
	"ideaforge/internal/hierarchy"
	"ideaforge/internal/logging"
)

// FinalizeStage is the event stage number of the finalize pass (S7).
const FinalizeStage = 7

// extSequence is the extension key analyzers use to mark ordered sibling
// work; finalize chains such siblings with /blocks edges.
const extSequence = "sequence"

// Config holds the pipeline's tunables.
type Config struct {
	AncestorDepth int // ancestor chain length in analyzer input, default 3
	Unit          hierarchy.EstimateUnit
	RunContext    map[string]string
}

// ParentState tracks one parent through a stage.
type ParentState string

const (
	ParentPending     ParentState = "/pending"
	ParentExpanding   ParentState = "/expanding"
	ParentMerged      ParentState = "/merged"
	ParentGatedRework ParentState = "/gated_rework"
	ParentCommitted   ParentState = "/committed"
	ParentPruned      ParentState = "/pruned"
)

// Result is the pipeline's output for one run.
type Result struct {
	Hierarchy *hierarchy.Hierarchy
	Reports   map[hierarchy.Level][]hierarchy.QualityReport
	// Pruned lists the node ids of each subtree removed after an Abandon
	// decision, one slice per pruned subtree.
	Pruned   [][]string
	Warnings []string
}

// AbandonError reports a stage whose gate abandoned at a level where the
// run cannot continue (Initiative or Feature).
type AbandonError struct {
	Level  hierarchy.Level
	Report hierarchy.QualityReport
}

func (e *AbandonError) Error() string {
	return fmt.Sprintf("stage %s abandoned: aggregate %.2f below threshold %.2f",
		e.Level, e.Report.Aggregate, e.Report.Threshold)
}

// Event payloads.
type StagePayload struct {
	Stage int    `json:"stage"`
	Level string `json:"level"`
}

type ParentExpandedPayload struct {
	Stage      int     `json:"stage"`
	ParentID   string  `json:"parent_id"`
	ChildCount int     `json:"child_count"`
	Confidence float64 `json:"confidence"`
}

type StageReworkPayload struct {
	Stage   int      `json:"stage"`
	Parents []string `json:"parents"`
	Attempt int      `json:"attempt"`
}

type StageCompletePayload struct {
	Stage  int                     `json:"stage"`
	Report hierarchy.QualityReport `json:"report"`
}

// Pipeline drives the decomposition.
type Pipeline struct {
	registry *analyzer.Registry
	gates    map[hierarchy.Level]*gate.Gate
	sink     events.Sink
	ids      *IDGenerator
	cfg      Config

	mu     sync.Mutex
	states map[string]ParentState
}

// New creates a pipeline. gates must hold one gate per expandable level.
func New(registry *analyzer.Registry, gates map[hierarchy.Level]*gate.Gate, sink events.Sink, cfg Config) *Pipeline {
	if cfg.AncestorDepth <= 0 {
		cfg.AncestorDepth = 3
	}
	if !cfg.Unit.Valid() {
		cfg.Unit = hierarchy.UnitStoryPoints
	}
	if sink == nil {
		sink = events.Nop{}
	}
	return &Pipeline{
		registry: registry,
		gates:    gates,
		sink:     sink,
		ids:      NewIDGenerator(),
		cfg:      cfg,
		states:   map[string]ParentState{},
	}
}

// States returns a snapshot of the per-parent state machine.
func (p *Pipeline) States() map[string]ParentState {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]ParentState, len(p.states))
	for k, v := range p.states {
		out[k] = v
	}
	return out
}

func (p *Pipeline) setState(id string, s ParentState) {
	p.mu.Lock()
	p.states[id] = s
	p.mu.Unlock()
}

// Execute produces the hierarchy for an idea. The returned error is nil
// even for partial hierarchies (pruned subtrees are in the Result);
// it is non-nil for abandons at Initiative/Feature, auth failures and
// cancellation. On those errors the Result still carries whatever levels
// committed before the stop.
func (p *Pipeline) Execute(ctx context.Context, idea hierarchy.Idea) (*Result, error) {
	root := hierarchy.Node{
		ID:          p.ids.Next(hierarchy.LevelIdea),
		Level:       hierarchy.LevelIdea,
		Title:       rootTitle(idea.Description),
		Description: idea.Description,
		Confidence:  1,
	}
	h, err := hierarchy.New(root)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Hierarchy: h,
		Reports:   map[hierarchy.Level][]hierarchy.QualityReport{},
	}

	parents := []hierarchy.Node{root}
	for _, level := range hierarchy.ExpandableLevels() {
		if len(parents) == 0 {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("no parents left to expand at %s", level))
			break
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		stage := level.Depth()
		p.sink.Emit(events.KindStageStarted, StagePayload{Stage: stage, Level: level.String()})
		p.logger().Info("stage started",
			zap.Int("stage", stage),
			zap.String("level", level.String()),
			zap.Int("parents", len(parents)))

		next, err := p.runStage(ctx, level, parents, h, idea, result)
		if err != nil {
			return result, err
		}
		parents = next
	}

	// S7: no expansion, derives cross-sibling dependency edges.
	p.sink.Emit(events.KindStageStarted, StagePayload{Stage: FinalizeStage, Level: "/finalize"})
	p.finalize(h)
	finalReport := hierarchy.QualityReport{
		Level:     hierarchy.LevelSubtask,
		Aggregate: 1,
		Decision:  hierarchy.DecisionPass,
	}
	p.sink.Emit(events.KindStageComplete, StageCompletePayload{Stage: FinalizeStage, Report: finalReport})

	if err := h.Validate(); err != nil {
		return result, fmt.Errorf("hierarchy invariant violated: %w", err)
	}
	return result, nil
}

// runStage expands all parents at one level, loops through gate-driven
// rework, and commits or prunes. It returns the committed children that
// become the next stage's parents.
func (p *Pipeline) runStage(ctx context.Context, level hierarchy.Level, parents []hierarchy.Node,
	h *hierarchy.Hierarchy, idea hierarchy.Idea, result *Result) ([]hierarchy.Node, error) {

	g := p.gates[level]
	if g == nil {
		return nil, fmt.Errorf("no gate configured for level %s", level)
	}
	stage := level.Depth()

	for _, parent := range parents {
		p.setState(parent.ID, ParentPending)
	}

	staged := map[string][]hierarchy.Node{} // parent id -> stamped children
	unexpanded := map[string]bool{}         // parent id -> all analyzers failed
	toExpand := parents
	var feedback *hierarchy.QualityReport
	attempt := 0

	for {
		if err := p.expandRound(ctx, level, toExpand, h, idea, feedback, stage, staged, unexpanded); err != nil {
			return nil, err
		}

		sets := make([]gate.ChildSet, 0, len(parents))
		for _, parent := range parents {
			sets = append(sets, gate.ChildSet{
				Parent:     parent,
				Children:   staged[parent.ID],
				Unexpanded: unexpanded[parent.ID],
			})
		}

		report := g.Evaluate(level, attempt, sets)
		result.Reports[level] = append(result.Reports[level], report)

		switch report.Decision {
		case hierarchy.DecisionPass:
			if report.SoftAccepted {
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("stage %s soft-accepted at confidence %.2f (threshold %.2f)",
						level, report.Aggregate, report.Threshold))
			}
			next := p.commit(level, parents, staged, unexpanded, h)
			p.sink.Emit(events.KindStageComplete, StageCompletePayload{Stage: stage, Report: report})
			p.logger().Info("stage complete",
				zap.Int("stage", stage),
				zap.Float64("aggregate", report.Aggregate),
				zap.Bool("soft", report.SoftAccepted),
				zap.Int("children", len(next)))
			return next, nil

		case hierarchy.DecisionRework:
			attempt++
			toExpand = selectParents(parents, report.ReworkParents)
			if len(toExpand) == 0 {
				toExpand = parents
			}
			for _, parent := range toExpand {
				p.setState(parent.ID, ParentGatedRework)
			}
			feedback = &report
			p.sink.Emit(events.KindStageRework, StageReworkPayload{
				Stage:   stage,
				Parents: report.ReworkParents,
				Attempt: attempt,
			})
			p.logger().Warn("stage rework",
				zap.Int("stage", stage),
				zap.Int("attempt", attempt),
				zap.Strings("parents", report.ReworkParents),
				zap.Float64("aggregate", report.Aggregate))

		case hierarchy.DecisionAbandon:
			if stage <= hierarchy.LevelFeature.Depth() {
				return nil, &AbandonError{Level: level, Report: report}
			}
			// Deep stages: prune the failing subtrees, continue with the rest.
			failing := map[string]bool{}
			for _, id := range report.ReworkParents {
				failing[id] = true
			}
			var survivors []hierarchy.Node
			for _, parent := range parents {
				if !failing[parent.ID] {
					survivors = append(survivors, parent)
					continue
				}
				removed, err := h.Prune(parent.ID)
				if err != nil {
					return nil, fmt.Errorf("pruning %s: %w", parent.ID, err)
				}
				result.Pruned = append(result.Pruned, removed)
				p.setState(parent.ID, ParentPruned)
			}
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("stage %s abandoned for %d parents; subtrees pruned", level, len(failing)))
			next := p.commit(level, survivors, staged, unexpanded, h)
			p.sink.Emit(events.KindStageComplete, StageCompletePayload{Stage: stage, Report: report})
			return next, nil
		}
	}
}

// expandRound fans out one expansion per parent, bounded by the callers'
// back-pressure watermarks, and stamps the merged children.
func (p *Pipeline) expandRound(ctx context.Context, level hierarchy.Level, toExpand []hierarchy.Node,
	h *hierarchy.Hierarchy, idea hierarchy.Idea, feedback *hierarchy.QualityReport, stage int,
	staged map[string][]hierarchy.Node, unexpanded map[string]bool) error {

	expansions := make(map[string]analyzer.Expansion, len(toExpand))
	var mu sync.Mutex

	eg, egCtx := errgroup.WithContext(ctx)
	for _, parent := range toExpand {
		parent := parent
		if err := p.registry.WaitForCapacity(ctx, level); err != nil {
			return err
		}
		p.setState(parent.ID, ParentExpanding)
		eg.Go(func() error {
			req := analyzer.Request{
				Level:      level,
				Parent:     parent,
				Ancestors:  p.ancestors(h, parent),
				Idea:       idea,
				RunContext: p.cfg.RunContext,
				Unit:       p.cfg.Unit,
				Feedback:   feedback,
			}
			exp, err := p.registry.ExpandParent(egCtx, req)
			if err != nil {
				return err
			}
			mu.Lock()
			expansions[parent.ID] = exp
			mu.Unlock()
			p.setState(parent.ID, ParentMerged)
			p.sink.Emit(events.KindParentExpanded, ParentExpandedPayload{
				Stage:      stage,
				ParentID:   parent.ID,
				ChildCount: len(exp.Children),
				Confidence: meanMergedConfidence(exp.Children),
			})
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	// Stamp in parent order so id assignment is deterministic.
	for _, parent := range toExpand {
		exp := expansions[parent.ID]
		staged[parent.ID] = p.stampChildren(level, parent, exp.Children)
		unexpanded[parent.ID] = exp.Unexpanded
	}
	return nil
}

// stampChildren orders a parent's merged children (priority desc, then
// insertion order from the winning analyzer, then title) and assigns
// fresh local ids.
func (p *Pipeline) stampChildren(level hierarchy.Level, parent hierarchy.Node, merged []analyzer.Merged) []hierarchy.Node {
	ordered := append([]analyzer.Merged(nil), merged...)
	sort.SliceStable(ordered, func(i, j int) bool {
		pi, pj := ordered[i].Node.Priority.Rank(), ordered[j].Node.Priority.Rank()
		if pi != pj {
			return pi < pj
		}
		if ordered[i].OrderKey != ordered[j].OrderKey {
			return ordered[i].OrderKey < ordered[j].OrderKey
		}
		return ordered[i].Node.Title < ordered[j].Node.Title
	})

	out := make([]hierarchy.Node, 0, len(ordered))
	for _, m := range ordered {
		n := m.Node
		n.ID = p.ids.Next(level)
		n.Level = level
		n.ParentID = parent.ID
		n.NormalizeLabels()
		out = append(out, n)
	}
	return out
}

// commit writes each surviving parent's children into the hierarchy as
// immutable nodes and returns them in deterministic order.
func (p *Pipeline) commit(level hierarchy.Level, parents []hierarchy.Node,
	staged map[string][]hierarchy.Node, unexpanded map[string]bool, h *hierarchy.Hierarchy) []hierarchy.Node {

	var next []hierarchy.Node
	for _, parent := range parents {
		for _, child := range staged[parent.ID] {
			if err := h.Add(child); err != nil {
				// Add can only fail on invariant violations, which Execute
				// turns into an Internal error via Validate; log and skip.
				p.logger().Error("commit rejected", zap.String("node", child.ID), zap.Error(err))
				continue
			}
			next = append(next, child)
		}
		if unexpanded[parent.ID] {
			_ = h.MarkUnexpanded(parent.ID)
		}
		p.setState(parent.ID, ParentCommitted)
	}
	return next
}

// ancestors returns the chain above a parent, nearest first, truncated to
// the configured depth to bound analyzer prompt size.
func (p *Pipeline) ancestors(h *hierarchy.Hierarchy, parent hierarchy.Node) []hierarchy.Node {
	var out []hierarchy.Node
	id := parent.ParentID
	for id != "" && len(out) < p.cfg.AncestorDepth {
		n, ok := h.Node(id)
		if !ok {
			break
		}
		out = append(out, n)
		id = n.ParentID
	}
	return out
}

// finalize derives cross-sibling dependency edges: sibling tasks that
// carry a sequence marker are chained in marker order with /blocks edges.
func (p *Pipeline) finalize(h *hierarchy.Hierarchy) {
	for _, story := range h.NodesAtLevel(hierarchy.LevelStory) {
		var seq []hierarchy.Node
		for _, task := range h.Children(story.ID) {
			if task.Ext[extSequence] != "" {
				seq = append(seq, task)
			}
		}
		if len(seq) < 2 {
			continue
		}
		sort.SliceStable(seq, func(i, j int) bool {
			return sequenceRank(seq[i].Ext[extSequence]) < sequenceRank(seq[j].Ext[extSequence])
		})
		for i := 0; i < len(seq)-1; i++ {
			_ = h.AddEdge(hierarchy.DependencyEdge{
				FromID: seq[i].ID,
				ToID:   seq[i+1].ID,
				Kind:   hierarchy.EdgeBlocks,
			})
		}
	}
}

func (p *Pipeline) logger() *zap.Logger {
	return logging.Get(logging.CategoryPipeline)
}

func sequenceRank(s string) float64 {
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v
	}
	// Non-numeric markers sort after numeric ones, by first byte.
	if s == "" {
		return 1 << 20
	}
	return float64(1<<20) + float64(s[0])
}

func selectParents(parents []hierarchy.Node, ids []string) []hierarchy.Node {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []hierarchy.Node
	for _, parent := range parents {
		if want[parent.ID] {
			out = append(out, parent)
		}
	}
	return out
}

func meanMergedConfidence(children []analyzer.Merged) float64 {
	if len(children) == 0 {
		return 0
	}
	var sum float64
	for _, c := range children {
		sum += c.Node.Confidence
	}
	return sum / float64(len(children))
}

// rootTitle derives a short title from the idea's description.
func rootTitle(desc string) string {
	const max = 80
	runes := []rune(desc)
	if len(runes) <= max {
		return desc
	}
	return string(runes[:max])
}
