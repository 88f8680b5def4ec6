package analyzer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"ideaforge/internal/hierarchy"
	"ideaforge/internal/logging"
	"ideaforge/internal/provider"
)

// registration pairs an analyzer with the caller its external traffic is
// routed through.
type registration struct {
	analyzer Analyzer
	caller   *provider.Caller
}

// Registry holds the analyzers for a run, indexed by the levels they can
// expand. Registries are per-run instances built by the coordinator; there
// is no global registry.
type Registry struct {
	byLevel map[hierarchy.Level][]registration
	weights map[hierarchy.Level]map[Field]float64
	unit    hierarchy.EstimateUnit
	logger  *zap.Logger
}

// NewRegistry creates an empty registry for a run. weights may be nil to
// use the default field weight map everywhere.
func NewRegistry(unit hierarchy.EstimateUnit, weights map[hierarchy.Level]map[Field]float64) *Registry {
	return &Registry{
		byLevel: map[hierarchy.Level][]registration{},
		weights: weights,
		unit:    unit,
		logger:  logging.Get(logging.CategoryRegistry),
	}
}

// Register adds an analyzer under every level its descriptor advertises.
// Analyzer lists stay sorted by (priority, name) so dispatch and merge
// order are stable.
func (r *Registry) Register(a Analyzer, caller *provider.Caller) error {
	desc := a.Describe()
	if desc.Name == "" {
		return fmt.Errorf("analyzer descriptor requires a name")
	}
	if len(desc.Levels) == 0 {
		return fmt.Errorf("analyzer %s advertises no levels", desc.Name)
	}
	for _, l := range desc.Levels {
		if !l.Valid() || l == hierarchy.LevelIdea {
			return fmt.Errorf("analyzer %s: cannot analyze level %s", desc.Name, l)
		}
	}
	for _, l := range desc.Levels {
		regs := append(r.byLevel[l], registration{analyzer: a, caller: caller})
		sort.SliceStable(regs, func(i, j int) bool {
			di, dj := regs[i].analyzer.Describe(), regs[j].analyzer.Describe()
			if di.Priority != dj.Priority {
				return di.Priority < dj.Priority
			}
			return di.Name < dj.Name
		})
		r.byLevel[l] = regs
	}
	r.logger.Debug("analyzer registered",
		zap.String("analyzer", desc.Name),
		zap.Int("levels", len(desc.Levels)),
		zap.Int("priority", desc.Priority))
	return nil
}

// Count returns the number of analyzers registered for a level.
func (r *Registry) Count(l hierarchy.Level) int { return len(r.byLevel[l]) }

// WaitForCapacity blocks while any caller serving the level sits above
// its high-water queue depth, and once tripped does not release until the
// queue drains to the low-water mark. The pipeline calls this before each
// dispatch so very wide hierarchies cannot grow the queue without bound.
func (r *Registry) WaitForCapacity(ctx context.Context, l hierarchy.Level) error {
	tripped := false
	for {
		over := false
		draining := false
		for _, reg := range r.byLevel[l] {
			depth := reg.caller.QueueDepth()
			if depth >= reg.caller.HighWater() {
				over = true
			}
			if depth > reg.caller.LowWater() {
				draining = true
			}
		}
		if !tripped && !over {
			return nil
		}
		if over {
			tripped = true
		}
		if tripped && !draining {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Expansion is the registry's merged output for one parent.
type Expansion struct {
	Children []Merged
	// Unexpanded is set when every analyzer for the level failed; the
	// gate decides what that means for the stage.
	Unexpanded bool
	// Dropped lists analyzers whose contribution was lost to errors.
	Dropped []string
}

// ExpandParent invokes every analyzer registered for req.Level through its
// caller and merges the surviving proposals. Analyzer failures drop that
// analyzer's contribution; authentication failures and cancellation
// propagate and abort the run.
func (r *Registry) ExpandParent(ctx context.Context, req Request) (Expansion, error) {
	regs := r.byLevel[req.Level]
	if len(regs) == 0 {
		return Expansion{}, fmt.Errorf("no analyzers registered for level %s", req.Level)
	}

	var sources []Sourced
	var dropped []string
	for _, reg := range regs {
		desc := reg.analyzer.Describe()
		var result Result
		err := reg.caller.Do(ctx, func(callCtx context.Context) error {
			var analyzeErr error
			result, analyzeErr = reg.analyzer.Analyze(callCtx, req)
			return analyzeErr
		})
		if err != nil {
			if provider.IsAuth(err) || provider.IsCancelled(err) {
				return Expansion{}, err
			}
			r.logger.Warn("analyzer contribution dropped",
				zap.String("analyzer", desc.Name),
				zap.String("parent", req.Parent.ID),
				zap.Error(err))
			dropped = append(dropped, desc.Name)
			continue
		}
		sources = append(sources, Sourced{Desc: desc, Result: result})
	}

	if len(sources) == 0 {
		r.logger.Warn("all analyzers failed for parent",
			zap.String("parent", req.Parent.ID),
			zap.String("level", req.Level.String()))
		return Expansion{Unexpanded: true, Dropped: dropped}, nil
	}

	weights := r.weights[req.Level]
	children := Merge(sources, r.unit, weights)
	r.logger.Debug("parent expanded",
		zap.String("parent", req.Parent.ID),
		zap.String("level", req.Level.String()),
		zap.Int("analyzers", len(sources)),
		zap.Int("children", len(children)))
	return Expansion{Children: children, Dropped: dropped}, nil
}
