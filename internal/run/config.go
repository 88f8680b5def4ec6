package run

import (
	"fmt"
	"time"

	"ideaforge/internal/analyzer"
	"ideaforge/internal/hierarchy"
	"ideaforge/internal/provider"
	"ideaforge/internal/tracker"
)

// DefaultTrackerProvider is the provider name whose Caller carries tracker
// writes when the config does not name one.
const DefaultTrackerProvider = "tracker"

// RetryConfig is the per-provider retry policy, in milliseconds for JSON
// friendliness.
type RetryConfig struct {
	MaxAttempts int `json:"max_attempts"` // including the initial attempt
	BaseMS      int `json:"base_ms"`
	MaxMS       int `json:"max_ms"`
}

// ProviderConfig configures one provider's Caller.
type ProviderConfig struct {
	Concurrency int64       `json:"concurrency"` // default 8
	RPS         float64     `json:"rps"`         // 0 means unlimited
	Burst       int         `json:"burst"`
	TimeoutMS   int         `json:"timeout_ms"` // per-call, default 60000
	Retry       RetryConfig `json:"retry"`
	// BreakerThreshold enables a circuit breaker after this many
	// consecutive failures; 0 disables it.
	BreakerThreshold uint32 `json:"breaker_threshold,omitempty"`
}

// Config holds every tunable of a run.
type Config struct {
	// Quality gate.
	MaxReworkPerStage   int                         `json:"max_rework_per_stage"`
	ConfidenceThreshold float64                     `json:"confidence_threshold"`
	PerLevelThresholds  map[hierarchy.Level]float64 `json:"per_level_thresholds,omitempty"`
	SoftAcceptRatio     float64                     `json:"soft_accept_ratio"`
	// GlobalTitleLevels lists levels whose titles must be unique across
	// the whole run rather than within one parent.
	GlobalTitleLevels []hierarchy.Level `json:"global_title_levels,omitempty"`

	// Merge.
	EstimateUnit hierarchy.EstimateUnit                         `json:"estimate_unit"`
	FieldWeights map[hierarchy.Level]map[analyzer.Field]float64 `json:"field_weights,omitempty"`

	// Providers, keyed by the name analyzers and the tracker bind to.
	Providers       map[string]ProviderConfig `json:"providers,omitempty"`
	TrackerProvider string                    `json:"tracker_provider,omitempty"`

	// Writer.
	BatchSize   int               `json:"batch_size"`
	LinkTypeMap tracker.LinkTypes `json:"link_type_map,omitempty"`

	// Pipeline.
	AncestorDepth int `json:"ancestor_depth"`

	// Run lifecycle.
	RunTimeoutMS    int `json:"run_timeout_ms"`
	GraceMSOnCancel int `json:"grace_ms_on_cancel"`
	EventBuffer     int `json:"event_buffer"`

	Debug bool `json:"debug,omitempty"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxReworkPerStage:   2,
		ConfidenceThreshold: 0.85,
		SoftAcceptRatio:     0.85,
		GlobalTitleLevels:   []hierarchy.Level{hierarchy.LevelEpic},
		EstimateUnit:        hierarchy.UnitStoryPoints,
		TrackerProvider:     DefaultTrackerProvider,
		BatchSize:           25,
		AncestorDepth:       3,
		RunTimeoutMS:        1_800_000, // 30 min
		GraceMSOnCancel:     10_000,
		EventBuffer:         256,
	}
}

// Validate rejects configurations a run cannot honor.
func (c Config) Validate() error {
	if c.ConfidenceThreshold <= 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold %.3f not in (0, 1]", c.ConfidenceThreshold)
	}
	for level, t := range c.PerLevelThresholds {
		if !level.Valid() || level == hierarchy.LevelIdea {
			return fmt.Errorf("per_level_thresholds: %s is not an expandable level", level)
		}
		if t <= 0 || t > 1 {
			return fmt.Errorf("per_level_thresholds[%s] %.3f not in (0, 1]", level, t)
		}
	}
	if c.SoftAcceptRatio <= 0 || c.SoftAcceptRatio > 1 {
		return fmt.Errorf("soft_accept_ratio %.3f not in (0, 1]", c.SoftAcceptRatio)
	}
	if c.MaxReworkPerStage < 0 {
		return fmt.Errorf("max_rework_per_stage must not be negative")
	}
	for _, level := range c.GlobalTitleLevels {
		if !level.Valid() || level == hierarchy.LevelIdea {
			return fmt.Errorf("global_title_levels: %s is not an expandable level", level)
		}
	}
	if c.EstimateUnit != "" && !c.EstimateUnit.Valid() {
		return fmt.Errorf("estimate_unit %q unknown", c.EstimateUnit)
	}
	for level, weights := range c.FieldWeights {
		if !level.Valid() || level == hierarchy.LevelIdea {
			return fmt.Errorf("field_weights: %s is not an expandable level", level)
		}
		for field, w := range weights {
			if w < 0 {
				return fmt.Errorf("field_weights[%s][%s] must not be negative", level, field)
			}
		}
	}
	for name, p := range c.Providers {
		if name == "" {
			return fmt.Errorf("providers: empty provider name")
		}
		if p.Concurrency < 0 {
			return fmt.Errorf("providers[%s]: concurrency must not be negative", name)
		}
		if p.RPS < 0 {
			return fmt.Errorf("providers[%s]: rps must not be negative", name)
		}
		if p.TimeoutMS < 0 {
			return fmt.Errorf("providers[%s]: timeout_ms must not be negative", name)
		}
		if p.Retry.MaxAttempts < 0 {
			return fmt.Errorf("providers[%s]: retry.max_attempts must not be negative", name)
		}
		if p.Retry.MaxMS > 0 && p.Retry.BaseMS > p.Retry.MaxMS {
			return fmt.Errorf("providers[%s]: retry.base_ms exceeds retry.max_ms", name)
		}
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("batch_size must not be negative")
	}
	if c.AncestorDepth < 0 {
		return fmt.Errorf("ancestor_depth must not be negative")
	}
	if c.RunTimeoutMS < 0 || c.GraceMSOnCancel < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

// normalized fills zero-valued fields with defaults. The run validates
// the normalized form, so a zero Config means "all defaults".
func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.MaxReworkPerStage == 0 {
		c.MaxReworkPerStage = def.MaxReworkPerStage
	}
	if c.ConfidenceThreshold == 0 {
		c.ConfidenceThreshold = def.ConfidenceThreshold
	}
	if c.SoftAcceptRatio == 0 {
		c.SoftAcceptRatio = def.SoftAcceptRatio
	}
	if c.GlobalTitleLevels == nil {
		c.GlobalTitleLevels = def.GlobalTitleLevels
	}
	if c.EstimateUnit == "" {
		c.EstimateUnit = def.EstimateUnit
	}
	if c.TrackerProvider == "" {
		c.TrackerProvider = def.TrackerProvider
	}
	if c.BatchSize == 0 {
		c.BatchSize = def.BatchSize
	}
	if c.AncestorDepth == 0 {
		c.AncestorDepth = def.AncestorDepth
	}
	if c.RunTimeoutMS == 0 {
		c.RunTimeoutMS = def.RunTimeoutMS
	}
	if c.GraceMSOnCancel == 0 {
		c.GraceMSOnCancel = def.GraceMSOnCancel
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = def.EventBuffer
	}
	return c
}

// thresholdFor resolves the gate threshold for a level.
func (c Config) thresholdFor(level hierarchy.Level) float64 {
	if t, ok := c.PerLevelThresholds[level]; ok {
		return t
	}
	return c.ConfidenceThreshold
}

// globalTitleSet converts the configured level list into the gate's set form.
func (c Config) globalTitleSet() map[hierarchy.Level]bool {
	out := make(map[hierarchy.Level]bool, len(c.GlobalTitleLevels))
	for _, level := range c.GlobalTitleLevels {
		out[level] = true
	}
	return out
}

func (c Config) runTimeout() time.Duration {
	return time.Duration(c.RunTimeoutMS) * time.Millisecond
}

func (c Config) cancelGrace() time.Duration {
	return time.Duration(c.GraceMSOnCancel) * time.Millisecond
}

// callerConfig converts a provider entry into the Caller's config form.
// Unknown provider names get pure defaults.
func (c Config) callerConfig(name string) provider.Config {
	p := c.Providers[name]
	return provider.Config{
		Name:        name,
		Concurrency: p.Concurrency,
		RPS:         p.RPS,
		Burst:       p.Burst,
		Timeout:     time.Duration(p.TimeoutMS) * time.Millisecond,
		Retry: provider.RetryConfig{
			MaxAttempts: p.Retry.MaxAttempts,
			BaseDelay:   time.Duration(p.Retry.BaseMS) * time.Millisecond,
			MaxDelay:    time.Duration(p.Retry.MaxMS) * time.Millisecond,
		},
		BreakerThreshold: p.BreakerThreshold,
	}
}
