package run

import (
	"context"
	"fmt"
	"sync"

	"ideaforge/internal/analyzer"
	"ideaforge/internal/hierarchy"
	"ideaforge/internal/provider"
	"ideaforge/internal/tracker"
)

// stubAnalyzer expands every parent into a fixed number of well-formed
// children, with an optional confidence schedule and scripted failures.
type stubAnalyzer struct {
	counts map[hierarchy.Level]int
	// confidence decides the per-field confidence by level and attempt;
	// nil means 0.95 everywhere.
	confidence func(level hierarchy.Level, attempt int) float64
	fail       map[hierarchy.Level]error
	onAnalyze  func(req analyzer.Request)

	mu    sync.Mutex
	calls map[string]int
}

func newStubAnalyzer(confidence func(hierarchy.Level, int) float64) *stubAnalyzer {
	if confidence == nil {
		confidence = func(hierarchy.Level, int) float64 { return 0.95 }
	}
	return &stubAnalyzer{
		counts: map[hierarchy.Level]int{
			hierarchy.LevelInitiative: 1,
			hierarchy.LevelFeature:    1,
			hierarchy.LevelEpic:       2,
			hierarchy.LevelStory:      2,
			hierarchy.LevelTask:       1,
			hierarchy.LevelSubtask:    1,
		},
		confidence: confidence,
		calls:      map[string]int{},
	}
}

func (s *stubAnalyzer) Describe() analyzer.Descriptor {
	return analyzer.Descriptor{
		Name:     "stub",
		Provider: "test",
		Levels:   hierarchy.ExpandableLevels(),
		Fields:   analyzer.MergeFields,
		Priority: 1,
	}
}

func (s *stubAnalyzer) Analyze(_ context.Context, req analyzer.Request) (analyzer.Result, error) {
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

	conf := s.confidence(req.Level, attempt)
	fields := map[analyzer.Field]float64{}
	for _, f := range analyzer.MergeFields {
		fields[f] = conf
	}

	n := s.counts[req.Level]
	cands := make([]analyzer.Candidate, 0, n)
	for i := 0; i < n; i++ {
		cands = append(cands, analyzer.Candidate{
			Title:              fmt.Sprintf("%s of %s number %d", req.Level, req.Parent.ID, i),
			Description:        "stub child",
			AcceptanceCriteria: []string{"does the thing", "is verified"},
			Estimate:           3,
			Priority:           hierarchy.PriorityMedium,
			Labels:             []string{"stub"},
			FieldConfidence:    fields,
		})
	}
	return analyzer.Result{Provider: "stub", Candidates: cands}, nil
}

// memTracker is an in-memory tracker with scripted per-key failures.
type memTracker struct {
	mu        sync.Mutex
	nextID    int
	byKey     map[string]string
	links     int
	failByKey map[string]error
	// onCreate observes every create attempt before it runs (optional).
	onCreate func(key string)
}

func newMemTracker() *memTracker {
	return &memTracker{byKey: map[string]string{}, failByKey: map[string]error{}}
}

func (m *memTracker) SupportsBulk() bool { return false }

func (m *memTracker) CreateIssue(_ context.Context, req tracker.IssueRequest) (string, error) {
	if m.onCreate != nil {
		m.onCreate(req.ExternalKey)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failByKey[req.ExternalKey]; ok {
		return "", err
	}
	if _, exists := m.byKey[req.ExternalKey]; exists {
		return "", provider.FatalClient("tracker", fmt.Errorf("%w: %s", tracker.ErrAlreadyExists, req.ExternalKey))
	}
	m.nextID++
	remote := fmt.Sprintf("TRK-%d", m.nextID)
	m.byKey[req.ExternalKey] = remote
	return remote, nil
}

func (m *memTracker) BulkCreate(ctx context.Context, reqs []tracker.IssueRequest) ([]tracker.IssueResult, error) {
	results := make([]tracker.IssueResult, len(reqs))
	for i, req := range reqs {
		remote, err := m.CreateIssue(ctx, req)
		results[i] = tracker.IssueResult{RemoteID: remote, Err: err}
	}
	return results, nil
}

func (m *memTracker) LinkIssues(context.Context, string, string, string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links++
	return nil
}

func (m *memTracker) LookupByExternalKey(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if remote, ok := m.byKey[key]; ok {
		return remote, nil
	}
	return "", provider.FatalClient("tracker", tracker.ErrNotFound)
}

// testConfig keeps retries and backoff out of the way of test time.
func testConfig() Config {
	cfg := DefaultConfig()
	fast := ProviderConfig{
		Concurrency: 4,
		Retry:       RetryConfig{MaxAttempts: 1, BaseMS: 1, MaxMS: 1},
	}
	cfg.Providers = map[string]ProviderConfig{"test": fast, "tracker": fast}
	cfg.GraceMSOnCancel = 2_000
	return cfg
}
