// Package run wires a whole decomposition run together: config, callers,
// analyzer registry, gates, pipeline and tracker writer, plus the ordered
// event stream a consumer observes while the run progresses.
package run

import (
	"context"
	"fmt"
	"io"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"ideaforge/internal/analyzer"
	"ideaforge/internal/events"
	"ideaforge/internal/gate"
	"ideaforge/internal/hierarchy"
	"ideaforge/internal/logging"
	"ideaforge/internal/pipeline"
	"ideaforge/internal/provider"
	"ideaforge/internal/tracker"
)

// Event payloads for the run lifecycle.
type RunStartedPayload struct {
	RunID string `json:"run_id"`
}

type RunCompletePayload struct {
	RunID     string              `json:"run_id"`
	Status    hierarchy.RunStatus `json:"status"`
	NodeCount int                 `json:"node_count"`
	Mapped    int                 `json:"mapped"`
}

type RunFailedPayload struct {
	RunID string      `json:"run_id"`
	Cause FailureKind `json:"cause"`
	Error string      `json:"error"`
}

// analyzerBinding pairs an analyzer with the provider whose Caller its
// traffic goes through.
type analyzerBinding struct {
	analyzer analyzer.Analyzer
	provider string
}

// Coordinator owns one run configuration and its collaborators. Build it
// once, register analyzers and a tracker, then call Run per idea.
type Coordinator struct {
	cfg         Config
	bindings    []analyzerBinding
	tracker     tracker.Tracker
	eventWriter io.Writer
	extraSinks  []events.Sink

	registry *prometheus.Registry
	metrics  *provider.Metrics

	newRunID func() string
	clock    func() time.Time
}

// NewCoordinator creates a coordinator. The config is validated on Run,
// not here, so callers can build incrementally.
func NewCoordinator(cfg Config) *Coordinator {
	registry := prometheus.NewRegistry()
	return &Coordinator{
		cfg:      cfg,
		registry: registry,
		metrics:  provider.NewMetrics(registry),
		newRunID: func() string { return uuid.New().String()[:8] },
		clock:    time.Now,
	}
}

// RegisterAnalyzer binds an analyzer to a named provider. The provider
// name selects the Caller (and its rate limits) the analyzer runs through.
func (c *Coordinator) RegisterAnalyzer(a analyzer.Analyzer, providerName string) {
	c.bindings = append(c.bindings, analyzerBinding{analyzer: a, provider: providerName})
}

// SetTracker installs the tracker the writer persists into. Without one
// the run stops after the pipeline (dry run).
func (c *Coordinator) SetTracker(t tracker.Tracker) { c.tracker = t }

// SetEventWriter streams the run's events to w as NDJSON, one
// {t, kind, payload} object per line.
func (c *Coordinator) SetEventWriter(w io.Writer) { c.eventWriter = w }

// AddSink registers an additional in-process event consumer.
func (c *Coordinator) AddSink(s events.Sink) { c.extraSinks = append(c.extraSinks, s) }

// MetricsRegistry exposes the prometheus registry the callers report into.
func (c *Coordinator) MetricsRegistry() *prometheus.Registry { return c.registry }

// SetRunIDSource overrides run id generation. Tests use fixed ids for
// byte-identical reruns.
func (c *Coordinator) SetRunIDSource(fn func() string) { c.newRunID = fn }

// SetClock overrides the timestamp source for report timings.
func (c *Coordinator) SetClock(clock func() time.Time) { c.clock = clock }

// outcome carries the worker goroutine's results across the grace select.
type outcome struct {
	pipeRes  *pipeline.Result
	writeRes *tracker.WriteResult
	pipeDur  time.Duration
	writeDur time.Duration
	stack    string
	err      error
}

// Run executes one full decomposition for an idea. The returned report is
// never nil; on failure it carries the cause and the error is classified.
func (c *Coordinator) Run(ctx context.Context, idea hierarchy.Idea) (*hierarchy.RunReport, error) {
	logger := logging.Get(logging.CategoryRun)
	report := &hierarchy.RunReport{
		RunID:          c.newRunID(),
		Status:         hierarchy.StatusFailed,
		QualityReports: map[hierarchy.Level][]hierarchy.QualityReport{},
		Timings:        hierarchy.Timings{StartedAt: c.clock()},
	}

	fail := func(err *Error) (*hierarchy.RunReport, error) {
		report.Cause = string(err.Kind)
		report.Errors = append(report.Errors, err.Err.Error())
		report.Timings.FinishedAt = c.clock()
		logger.Error("run failed",
			zap.String("run_id", report.RunID),
			zap.String("cause", report.Cause),
			zap.Error(err.Err))
		return report, err
	}

	cfg := c.cfg.normalized()
	if err := cfg.Validate(); err != nil {
		return fail(&Error{Kind: FailConfigInvalid, Err: err})
	}
	if len(c.bindings) == 0 {
		return fail(&Error{Kind: FailConfigInvalid, Err: fmt.Errorf("no analyzers registered")})
	}

	bus := events.NewBus(cfg.EventBuffer)
	var sink events.Sink = bus
	if len(c.extraSinks) > 0 {
		sink = append(events.Tee{bus}, c.extraSinks...)
	}
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		if c.eventWriter != nil {
			_ = events.EncodeNDJSON(context.Background(), bus.Events(), c.eventWriter)
		}
		// Keep draining after an encoder error or when no writer is set so
		// emitters never block on a full buffer.
		for range bus.Events() {
		}
	}()
	defer func() {
		bus.Close()
		<-drained
	}()

	logger.Info("run started", zap.String("run_id", report.RunID))
	sink.Emit(events.KindRunStarted, RunStartedPayload{RunID: report.RunID})

	// The worker runs under its own context so the coordinator controls the
	// wall-clock timeout and the unwind grace after an external cancel.
	workCtx, cancelWork := context.WithTimeout(context.Background(), cfg.runTimeout())
	defer cancelWork()

	done := make(chan outcome, 1)
	go func() {
		var out outcome
		defer func() {
			if r := recover(); r != nil {
				out = outcome{
					err:   &Error{Kind: FailInternal, Err: fmt.Errorf("panic: %v", r)},
					stack: string(debug.Stack()),
				}
			}
			done <- out
		}()
		out = c.execute(workCtx, cfg, sink, report.RunID, idea)
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		cancelWork()
		grace := time.NewTimer(cfg.cancelGrace())
		defer grace.Stop()
		select {
		case out = <-done:
			// In-flight work unwound within the grace window; whatever error
			// it surfaced is a cancellation at run level.
			if out.err == nil {
				out.err = &Error{Kind: FailCancelled, Err: ctx.Err()}
			}
		case <-grace.C:
			out = outcome{err: &Error{Kind: FailCancelled,
				Err: fmt.Errorf("cancelled; unwind exceeded %s grace: %w", cfg.cancelGrace(), ctx.Err())}}
		}
	}

	report.Timings.Pipeline = out.pipeDur
	report.Timings.Write = out.writeDur
	report.Stack = out.stack

	if out.err != nil {
		runErr := asRunError(out.err)
		// Cancelled and timed-out runs still report what landed: the partial
		// hierarchy, the id map of issues already created, and any failures.
		c.fold(report, out)
		sink.Emit(events.KindRunFailed, RunFailedPayload{
			RunID: report.RunID,
			Cause: runErr.Kind,
			Error: runErr.Err.Error(),
		})
		return fail(runErr)
	}

	c.assemble(report, out)
	report.Timings.FinishedAt = c.clock()
	sink.Emit(events.KindRunComplete, RunCompletePayload{
		RunID:     report.RunID,
		Status:    report.Status,
		NodeCount: report.NodeCount,
		Mapped:    report.IDMap.Len(),
	})
	logger.Info("run complete",
		zap.String("run_id", report.RunID),
		zap.String("status", string(report.Status)),
		zap.Int("nodes", report.NodeCount),
		zap.Int("mapped", report.IDMap.Len()))
	return report, nil
}

// execute builds the per-run collaborators and drives pipeline then writer.
func (c *Coordinator) execute(ctx context.Context, cfg Config, sink events.Sink, runID string, idea hierarchy.Idea) outcome {
	callers := map[string]*provider.Caller{}
	callerFor := func(name string) *provider.Caller {
		if caller, ok := callers[name]; ok {
			return caller
		}
		caller := provider.NewCaller(cfg.callerConfig(name), c.metrics)
		callers[name] = caller
		return caller
	}

	registry := analyzer.NewRegistry(cfg.EstimateUnit, cfg.FieldWeights)
	for _, b := range c.bindings {
		if err := registry.Register(b.analyzer, callerFor(b.provider)); err != nil {
			return outcome{err: &Error{Kind: FailConfigInvalid, Err: err}}
		}
	}

	gates := map[hierarchy.Level]*gate.Gate{}
	for _, level := range hierarchy.ExpandableLevels() {
		gates[level] = gate.New(gate.Config{
			Threshold:         cfg.thresholdFor(level),
			MaxRework:         cfg.MaxReworkPerStage,
			SoftAcceptRatio:   cfg.SoftAcceptRatio,
			Unit:              cfg.EstimateUnit,
			GlobalTitleLevels: cfg.globalTitleSet(),
		})
	}

	pipe := pipeline.New(registry, gates, sink, pipeline.Config{
		AncestorDepth: cfg.AncestorDepth,
		Unit:          cfg.EstimateUnit,
		RunContext:    idea.Context,
	})

	var out outcome
	pipeStart := c.clock()
	pipeRes, err := pipe.Execute(ctx, idea)
	out.pipeDur = c.clock().Sub(pipeStart)
	out.pipeRes = pipeRes // partial on cancellation, kept for the report
	if err != nil {
		out.err = err
		return out
	}

	if c.tracker == nil {
		return out
	}

	writer := tracker.NewWriter(c.tracker, callerFor(cfg.TrackerProvider), sink, tracker.WriterConfig{
		RunID:     runID,
		BatchSize: cfg.BatchSize,
		LinkTypes: cfg.LinkTypeMap,
	})
	writeStart := c.clock()
	writeRes, err := writer.Write(ctx, pipeRes.Hierarchy)
	out.writeDur = c.clock().Sub(writeStart)
	out.writeRes = writeRes
	if err != nil {
		out.err = err
		return out
	}
	return out
}

// fold copies whatever results the worker produced into the report. It
// tolerates partial outcomes so failed runs keep their hierarchy and the
// id map of issues already created.
func (c *Coordinator) fold(report *hierarchy.RunReport, out outcome) {
	report.IDMap = hierarchy.NewIDMap()

	if out.pipeRes != nil {
		report.Hierarchy = out.pipeRes.Hierarchy
		// Count excludes the Idea root: only produced nodes are reported.
		report.NodeCount = out.pipeRes.Hierarchy.Len() - 1
		report.QualityReports = out.pipeRes.Reports
		report.PrunedSubtrees = append(report.PrunedSubtrees, out.pipeRes.Pruned...)
		report.Warnings = append(report.Warnings, out.pipeRes.Warnings...)
	}
	if out.writeRes != nil {
		report.IDMap = out.writeRes.IDMap
		report.Failures = out.writeRes.Failures
		report.PrunedSubtrees = append(report.PrunedSubtrees, out.writeRes.Pruned...)
		report.Warnings = append(report.Warnings, out.writeRes.Warnings...)
	}
}

// assemble folds the worker results into the report and derives the final
// status: failures or pruned subtrees degrade to partial, soft accepts and
// other warnings degrade to warnings.
func (c *Coordinator) assemble(report *hierarchy.RunReport, out outcome) {
	c.fold(report, out)

	switch {
	case len(report.Failures) > 0 || len(report.PrunedSubtrees) > 0:
		report.Status = hierarchy.StatusPartiallyCompleted
	case len(report.Warnings) > 0:
		report.Status = hierarchy.StatusCompletedWithWarnings
	default:
		report.Status = hierarchy.StatusCompleted
	}
}
