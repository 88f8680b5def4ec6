// Package logging provides categorized structured logging for ideaforge.
// Each subsystem gets a named child logger so log output can be filtered
// per component (pipeline, registry, gate, provider, writer, run).
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names a subsystem for log filtering.
type Category string

const (
	CategoryRun      Category = "run"      // Coordinator lifecycle
	CategoryPipeline Category = "pipeline" // Stage execution, rework loops
	CategoryRegistry Category = "registry" // Analyzer dispatch and merge
	CategoryGate     Category = "gate"     // Quality gate decisions
	CategoryProvider Category = "provider" // Rate-limited external calls
	CategoryWriter   Category = "writer"   // Tracker writes and linking
)

var (
	mu       sync.RWMutex
	base     = zap.NewNop()
	children = map[Category]*zap.Logger{}
)

// Initialize installs the process-wide base logger. debug enables
// development encoding and debug-level output.
func Initialize(debug bool) error {
	config := zap.NewProductionConfig()
	if debug {
		config = zap.NewDevelopmentConfig()
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := config.Build()
	if err != nil {
		return err
	}
	SetBase(logger)
	return nil
}

// SetBase replaces the base logger. Tests pass zap.NewNop() or zaptest loggers.
func SetBase(logger *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	base = logger
	children = map[Category]*zap.Logger{}
}

// Get returns the named logger for a category.
func Get(cat Category) *zap.Logger {
	mu.RLock()
	if l, ok := children[cat]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := children[cat]; ok {
		return l
	}
	l := base.Named(string(cat))
	children[cat] = l
	return l
}

// Sync flushes buffered log entries. Safe to call at shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = base.Sync()
}
