package run

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"ideaforge/internal/analyzer"
	"ideaforge/internal/events"
	"ideaforge/internal/hierarchy"
	"ideaforge/internal/provider"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestCoordinator(a analyzer.Analyzer) *Coordinator {
	c := NewCoordinator(testConfig())
	c.RegisterAnalyzer(a, "test")
	c.SetRunIDSource(func() string { return "fixed" })
	return c
}

func testIdea() hierarchy.Idea {
	return hierarchy.Idea{Description: "Build a recipe sharing app"}
}

func TestRunHappyPath(t *testing.T) {
	c := newTestCoordinator(newStubAnalyzer(nil))
	c.SetTracker(newMemTracker())

	report, err := c.Run(context.Background(), testIdea())
	require.NoError(t, err)

	assert.Equal(t, "fixed", report.RunID)
	assert.Equal(t, hierarchy.StatusCompleted, report.Status)
	assert.Equal(t, 16, report.NodeCount, "1 initiative, 1 feature, 2 epics, 4 stories, 4 tasks, 4 subtasks")
	assert.Equal(t, 16, report.IDMap.Len())
	assert.Empty(t, report.Failures)
	assert.Empty(t, report.Warnings)
	assert.False(t, report.Timings.FinishedAt.Before(report.Timings.StartedAt))
	for _, level := range hierarchy.ExpandableLevels() {
		assert.NotEmpty(t, report.QualityReports[level], "level %s", level)
	}
}

func TestRunWithoutTrackerIsDryRun(t *testing.T) {
	c := newTestCoordinator(newStubAnalyzer(nil))

	report, err := c.Run(context.Background(), testIdea())
	require.NoError(t, err)
	assert.Equal(t, hierarchy.StatusCompleted, report.Status)
	assert.Equal(t, 16, report.NodeCount)
	assert.Zero(t, report.IDMap.Len(), "nothing is written without a tracker")
}

func TestRunEventStream(t *testing.T) {
	rec := events.NewRecorder()
	c := newTestCoordinator(newStubAnalyzer(nil))
	c.SetTracker(newMemTracker())
	c.AddSink(rec)

	_, err := c.Run(context.Background(), testIdea())
	require.NoError(t, err)

	kinds := rec.Kinds()
	require.NotEmpty(t, kinds)
	assert.Equal(t, events.KindRunStarted, kinds[0])
	assert.Equal(t, events.KindRunComplete, kinds[len(kinds)-1])
	assert.Contains(t, kinds, events.KindStageStarted)
	assert.Contains(t, kinds, events.KindWriteBatchComplete)

	last := rec.Events()[len(kinds)-1]
	payload := last.Payload.(RunCompletePayload)
	assert.Equal(t, "fixed", payload.RunID)
	assert.Equal(t, 16, payload.Mapped)
}

func TestRunStreamsNDJSON(t *testing.T) {
	var buf bytes.Buffer
	c := newTestCoordinator(newStubAnalyzer(nil))
	c.SetEventWriter(&buf)

	_, err := c.Run(context.Background(), testIdea())
	require.NoError(t, err)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Greater(t, len(lines), 2)

	var first, last struct {
		T    time.Time `json:"t"`
		Kind string    `json:"kind"`
	}
	require.NoError(t, json.Unmarshal(lines[0], &first))
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &last))
	assert.Equal(t, events.KindRunStarted, first.Kind)
	assert.Equal(t, events.KindRunComplete, last.Kind)
	assert.False(t, first.T.IsZero())
}

func TestRunNoAnalyzersFailsConfig(t *testing.T) {
	c := NewCoordinator(testConfig())

	report, err := c.Run(context.Background(), testIdea())
	require.Error(t, err)
	var runErr *Error
	require.True(t, errors.As(err, &runErr))
	assert.Equal(t, FailConfigInvalid, runErr.Kind)
	assert.Equal(t, hierarchy.StatusFailed, report.Status)
	assert.Equal(t, string(FailConfigInvalid), report.Cause)
}

func TestRunInvalidConfigFails(t *testing.T) {
	cfg := testConfig()
	cfg.ConfidenceThreshold = 1.5
	c := NewCoordinator(cfg)
	c.RegisterAnalyzer(newStubAnalyzer(nil), "test")

	_, err := c.Run(context.Background(), testIdea())
	var runErr *Error
	require.True(t, errors.As(err, &runErr))
	assert.Equal(t, FailConfigInvalid, runErr.Kind)
}

func TestRunAuthFailure(t *testing.T) {
	rec := events.NewRecorder()
	a := newStubAnalyzer(nil)
	a.fail = map[hierarchy.Level]error{
		hierarchy.LevelEpic: provider.FatalAuth("test", errors.New("credentials rejected")),
	}
	c := newTestCoordinator(a)
	c.AddSink(rec)

	report, err := c.Run(context.Background(), testIdea())
	var runErr *Error
	require.True(t, errors.As(err, &runErr))
	assert.Equal(t, FailProviderAuth, runErr.Kind)
	assert.Equal(t, hierarchy.StatusFailed, report.Status)

	kinds := rec.Kinds()
	assert.Equal(t, events.KindRunFailed, kinds[len(kinds)-1])
	payload := rec.Events()[len(kinds)-1].Payload.(RunFailedPayload)
	assert.Equal(t, FailProviderAuth, payload.Cause)
}

func TestRunQualityAbandon(t *testing.T) {
	a := newStubAnalyzer(func(level hierarchy.Level, _ int) float64 {
		if level == hierarchy.LevelFeature {
			return 0.20
		}
		return 0.95
	})
	c := newTestCoordinator(a)

	report, err := c.Run(context.Background(), testIdea())
	var runErr *Error
	require.True(t, errors.As(err, &runErr))
	assert.Equal(t, FailQualityAbandon, runErr.Kind)
	assert.Equal(t, string(FailQualityAbandon), report.Cause)
}

func TestRunSoftAcceptDegradesToWarnings(t *testing.T) {
	a := newStubAnalyzer(func(level hierarchy.Level, _ int) float64 {
		if level == hierarchy.LevelTask {
			return 0.80 // above the soft floor, below the threshold
		}
		return 0.95
	})
	c := newTestCoordinator(a)
	c.SetTracker(newMemTracker())

	report, err := c.Run(context.Background(), testIdea())
	require.NoError(t, err)
	assert.Equal(t, hierarchy.StatusCompletedWithWarnings, report.Status)
	assert.NotEmpty(t, report.Warnings)
}

func TestRunPartialWriteFailure(t *testing.T) {
	mt := newMemTracker()
	mt.failByKey["fixed-epi-0002"] = provider.FatalClient("tracker", errors.New("validation rejected"))
	c := newTestCoordinator(newStubAnalyzer(nil))
	c.SetTracker(mt)

	report, err := c.Run(context.Background(), testIdea())
	require.NoError(t, err, "write failures degrade the status, not the run")
	assert.Equal(t, hierarchy.StatusPartiallyCompleted, report.Status)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "epi-0002", report.Failures[0].NodeID)
	assert.NotEmpty(t, report.PrunedSubtrees)
	assert.Equal(t, 16, report.NodeCount, "the hierarchy itself is intact")
	assert.Less(t, report.IDMap.Len(), 16)
}

func TestRunExternalCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := newStubAnalyzer(nil)
	a.onAnalyze = func(req analyzer.Request) {
		if req.Level == hierarchy.LevelStory {
			cancel()
			// Hold the stage long enough for the coordinator to observe the
			// cancellation and cut the worker context.
			time.Sleep(50 * time.Millisecond)
		}
	}
	c := newTestCoordinator(a)

	report, err := c.Run(ctx, testIdea())
	var runErr *Error
	require.True(t, errors.As(err, &runErr))
	assert.Equal(t, FailCancelled, runErr.Kind)
	assert.Equal(t, string(FailCancelled), report.Cause)

	// The partial hierarchy built before the cancel stays in the report.
	require.NotNil(t, report.Hierarchy)
	assert.Greater(t, report.NodeCount, 0)
	assert.NotEmpty(t, report.Hierarchy.NodesAtLevel(hierarchy.LevelEpic))
}

func TestRunCancelKeepsPartialWriteResults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	mt := newMemTracker()
	var creates atomic.Int32
	mt.onCreate = func(string) {
		if creates.Add(1) == 3 {
			cancel()
			// Hold the write long enough for the coordinator to cut the
			// worker context.
			time.Sleep(50 * time.Millisecond)
		}
	}
	c := newTestCoordinator(newStubAnalyzer(nil))
	c.SetTracker(mt)

	report, err := c.Run(ctx, testIdea())
	var runErr *Error
	require.True(t, errors.As(err, &runErr))
	assert.Equal(t, FailCancelled, runErr.Kind)

	// Issues created before the cancel are reported, not lost.
	require.NotNil(t, report.IDMap)
	assert.GreaterOrEqual(t, report.IDMap.Len(), 2)
	assert.Less(t, report.IDMap.Len(), 16)
	require.NotNil(t, report.Hierarchy)
	assert.Equal(t, 16, report.NodeCount)
}

func TestRunReuseAcrossRuns(t *testing.T) {
	// One coordinator, two runs: metrics registration and event plumbing
	// must survive reuse.
	c := newTestCoordinator(newStubAnalyzer(nil))
	c.SetTracker(newMemTracker())

	first, err := c.Run(context.Background(), testIdea())
	require.NoError(t, err)
	second, err := c.Run(context.Background(), testIdea())
	require.NoError(t, err)
	assert.Equal(t, first.NodeCount, second.NodeCount)
}
