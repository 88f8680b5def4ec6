package analyzer

import (
	"context"

	"ideaforge/internal/hierarchy"
	"ideaforge/internal/provider"
)

// fakeAnalyzer scripts one analyzer's behavior for registry tests.
type fakeAnalyzer struct {
	desc  Descriptor
	fn    func(ctx context.Context, req Request) (Result, error)
	calls int
}

func (f *fakeAnalyzer) Describe() Descriptor { return f.desc }

func (f *fakeAnalyzer) Analyze(ctx context.Context, req Request) (Result, error) {
	f.calls++
	return f.fn(ctx, req)
}

func newFakeAnalyzer(name string, priority int, fn func(ctx context.Context, req Request) (Result, error)) *fakeAnalyzer {
	return &fakeAnalyzer{
		desc: Descriptor{
			Name:     name,
			Provider: "test",
			Levels:   hierarchy.ExpandableLevels(),
			Fields:   MergeFields,
			Priority: priority,
		},
		fn: fn,
	}
}

// gatedAnalyzer blocks every call until it receives from release, so
// tests can pin calls in flight and control queue depth.
type gatedAnalyzer struct {
	release chan struct{}
}

func (g *gatedAnalyzer) Describe() Descriptor {
	return Descriptor{
		Name:     "gated",
		Provider: "slow",
		Levels:   hierarchy.ExpandableLevels(),
		Fields:   MergeFields,
		Priority: 1,
	}
}

func (g *gatedAnalyzer) Analyze(ctx context.Context, _ Request) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-g.release:
	}
	return Result{Provider: "gated", Candidates: candidates("gated child")}, nil
}

// testCaller builds a caller with a minimal retry budget so failure paths
// stay fast.
func testCaller(name string) *provider.Caller {
	return provider.NewCaller(provider.Config{
		Name:        name,
		Concurrency: 4,
		Retry:       provider.RetryConfig{MaxAttempts: 1, BaseDelay: 1, MaxDelay: 1},
	}, provider.NopMetrics())
}

func candidates(titles ...string) []Candidate {
	out := make([]Candidate, 0, len(titles))
	for _, title := range titles {
		out = append(out, Candidate{
			Title:           title,
			FieldConfidence: map[Field]float64{FieldTitle: 0.9},
		})
	}
	return out
}
