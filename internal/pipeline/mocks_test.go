package pipeline

import (
	"context"
	"fmt"
	"sync"

	"ideaforge/internal/analyzer"
	"ideaforge/internal/events"
	"ideaforge/internal/gate"
	"ideaforge/internal/hierarchy"
	"ideaforge/internal/provider"
)

// scriptedAnalyzer produces a fixed number of well-formed children per
// level, with a confidence schedule keyed by (level, parent, attempt).
type scriptedAnalyzer struct {
	name     string
	priority int
	counts   map[hierarchy.Level]int
	// confidence decides the per-field confidence for one expansion.
	// attempt counts prior calls for the same level+parent.
	confidence func(level hierarchy.Level, parentID string, attempt int) float64
	// fail, when set, returns an error for matching levels instead of
	// children.
	fail map[hierarchy.Level]error
	// onAnalyze observes every request (optional).
	onAnalyze func(req analyzer.Request)

	mu    sync.Mutex
	calls map[string]int
}

func newScriptedAnalyzer(counts map[hierarchy.Level]int, confidence func(hierarchy.Level, string, int) float64) *scriptedAnalyzer {
	if confidence == nil {
		confidence = func(hierarchy.Level, string, int) float64 { return 0.95 }
	}
	return &scriptedAnalyzer{
		name:       "scripted",
		priority:   1,
		counts:     counts,
		confidence: confidence,
		calls:      map[string]int{},
	}
}

func (s *scriptedAnalyzer) Describe() analyzer.Descriptor {
	return analyzer.Descriptor{
		Name:     s.name,
		Provider: "test",
		Levels:   hierarchy.ExpandableLevels(),
		Fields:   analyzer.MergeFields,
		Priority: s.priority,
	}
}

func (s *scriptedAnalyzer) Analyze(_ context.Context, req analyzer.Request) (analyzer.Result, error) {
	s.mu.Lock()
	key := string(req.Level) + "|" + req.Parent.ID
	attempt := s.calls[key]
	s.calls[key]++
	s.mu.Unlock()

	if s.onAnalyze != nil {
		s.onAnalyze(req)
	}
	if err := s.fail[req.Level]; err != nil {
		return analyzer.Result{}, err
	}

	conf := s.confidence(req.Level, req.Parent.ID, attempt)
	fields := map[analyzer.Field]float64{}
	for _, f := range analyzer.MergeFields {
		fields[f] = conf
	}

	n := s.counts[req.Level]
	cands := make([]analyzer.Candidate, 0, n)
	for i := 0; i < n; i++ {
		cands = append(cands, analyzer.Candidate{
			Title:              fmt.Sprintf("%s of %s number %d", req.Level, req.Parent.ID, i),
			Description:        "scripted child",
			AcceptanceCriteria: []string{"does the thing", "is verified"},
			Estimate:           3,
			Priority:           hierarchy.PriorityMedium,
			Labels:             []string{"scripted"},
			FieldConfidence:    fields,
		})
	}
	return analyzer.Result{Provider: s.name, Candidates: cands}, nil
}

// callsFor returns how many times a level+parent was expanded.
func (s *scriptedAnalyzer) callsFor(level hierarchy.Level, parentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[string(level)+"|"+parentID]
}

// testPipeline wires a pipeline around one analyzer with default gates.
func testPipeline(a analyzer.Analyzer, sink events.Sink) *Pipeline {
	caller := provider.NewCaller(provider.Config{
		Name:        "test",
		Concurrency: 4,
		Retry:       provider.RetryConfig{MaxAttempts: 1, BaseDelay: 1, MaxDelay: 1},
	}, provider.NopMetrics())

	registry := analyzer.NewRegistry(hierarchy.UnitStoryPoints, nil)
	if err := registry.Register(a, caller); err != nil {
		panic(err)
	}

	gates := map[hierarchy.Level]*gate.Gate{}
	for _, level := range hierarchy.ExpandableLevels() {
		gates[level] = gate.New(gate.DefaultConfig())
	}
	return New(registry, gates, sink, Config{Unit: hierarchy.UnitStoryPoints})
}

// sevenByScenario is the canonical fan-out: one initiative, then doubling
// and tripling down to subtasks (91 produced nodes).
func sevenByScenario() map[hierarchy.Level]int {
	return map[hierarchy.Level]int{
		hierarchy.LevelInitiative: 1,
		hierarchy.LevelFeature:    2,
		hierarchy.LevelEpic:       2,
		hierarchy.LevelStory:      3,
		hierarchy.LevelTask:       2,
		hierarchy.LevelSubtask:    2,
	}
}
