package tracker

import (
	"context"
	"fmt"
	"sync"

	"ideaforge/internal/hierarchy"
	"ideaforge/internal/provider"
)

type linkRecord struct {
	Source, Target, Type string
}

// fakeTracker is an in-memory Tracker that records creation order and
// supports scripted per-key failures.
type fakeTracker struct {
	mu      sync.Mutex
	bulk    bool
	nextID  int
	created []IssueRequest
	byKey   map[string]string
	links   []linkRecord
	// failByKey scripts an error for creates carrying the external key.
	failByKey map[string]error
	linkErr   error
}

func newFakeTracker(bulk bool) *fakeTracker {
	return &fakeTracker{
		bulk:      bulk,
		byKey:     map[string]string{},
		failByKey: map[string]error{},
	}
}

func (f *fakeTracker) SupportsBulk() bool { return f.bulk }

func (f *fakeTracker) CreateIssue(_ context.Context, req IssueRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createLocked(req)
}

func (f *fakeTracker) createLocked(req IssueRequest) (string, error) {
	if err, ok := f.failByKey[req.ExternalKey]; ok {
		return "", err
	}
	if _, exists := f.byKey[req.ExternalKey]; exists {
		return "", provider.FatalClient("tracker", fmt.Errorf("%w: key %s", ErrAlreadyExists, req.ExternalKey))
	}
	f.nextID++
	remote := fmt.Sprintf("TRK-%d", f.nextID)
	f.byKey[req.ExternalKey] = remote
	f.created = append(f.created, req)
	return remote, nil
}

func (f *fakeTracker) BulkCreate(_ context.Context, reqs []IssueRequest) ([]IssueResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	results := make([]IssueResult, len(reqs))
	for i, req := range reqs {
		remote, err := f.createLocked(req)
		results[i] = IssueResult{RemoteID: remote, Err: err}
	}
	return results, nil
}

func (f *fakeTracker) LinkIssues(_ context.Context, source, target, linkType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.linkErr != nil {
		return f.linkErr
	}
	f.links = append(f.links, linkRecord{Source: source, Target: target, Type: linkType})
	return nil
}

func (f *fakeTracker) LookupByExternalKey(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if remote, ok := f.byKey[key]; ok {
		return remote, nil
	}
	return "", provider.FatalClient("tracker", ErrNotFound)
}

func (f *fakeTracker) createdKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.created))
	for i, req := range f.created {
		out[i] = req.ExternalKey
	}
	return out
}

func testWriterCaller() *provider.Caller {
	return provider.NewCaller(provider.Config{
		Name:        "tracker",
		Concurrency: 4,
		Retry:       provider.RetryConfig{MaxAttempts: 1, BaseDelay: 1, MaxDelay: 1},
	}, provider.NopMetrics())
}

// smallHierarchy builds a 1-1-2-2-1-1 tree: 1 initiative, 1 feature,
// 2 epics, 2 stories per epic, 1 task per story, 1 subtask per task.
func smallHierarchy() *hierarchy.Hierarchy {
	h, err := hierarchy.New(hierarchy.Node{
		ID: "idea-0001", Level: hierarchy.LevelIdea, Title: "root", Confidence: 1,
	})
	if err != nil {
		panic(err)
	}
	add := func(id string, level hierarchy.Level, parent string) {
		if err := h.Add(hierarchy.Node{
			ID: id, Level: level, ParentID: parent, Title: "node " + id,
			Priority: hierarchy.PriorityMedium, Estimate: 3, Labels: []string{"t"},
			Confidence: 0.9,
		}); err != nil {
			panic(err)
		}
	}
	add("ini-0001", hierarchy.LevelInitiative, "idea-0001")
	add("fea-0001", hierarchy.LevelFeature, "ini-0001")
	add("epi-0001", hierarchy.LevelEpic, "fea-0001")
	add("epi-0002", hierarchy.LevelEpic, "fea-0001")
	add("sto-0001", hierarchy.LevelStory, "epi-0001")
	add("sto-0002", hierarchy.LevelStory, "epi-0001")
	add("sto-0003", hierarchy.LevelStory, "epi-0002")
	add("sto-0004", hierarchy.LevelStory, "epi-0002")
	add("tas-0001", hierarchy.LevelTask, "sto-0001")
	add("tas-0002", hierarchy.LevelTask, "sto-0002")
	add("tas-0003", hierarchy.LevelTask, "sto-0003")
	add("tas-0004", hierarchy.LevelTask, "sto-0004")
	add("sub-0001", hierarchy.LevelSubtask, "tas-0001")
	add("sub-0002", hierarchy.LevelSubtask, "tas-0002")
	add("sub-0003", hierarchy.LevelSubtask, "tas-0003")
	add("sub-0004", hierarchy.LevelSubtask, "tas-0004")
	return h
}
