package pipeline

import (
	"fmt"
	"sync"

	"ideaforge/internal/hierarchy"
)

// idPrefixes gives each level a short id prefix.
var idPrefixes = map[hierarchy.Level]string{
	hierarchy.LevelIdea:       "idea",
	hierarchy.LevelInitiative: "ini",
	hierarchy.LevelFeature:    "fea",
	hierarchy.LevelEpic:       "epi",
	hierarchy.LevelStory:      "sto",
	hierarchy.LevelTask:       "tas",
	hierarchy.LevelSubtask:    "sub",
}

// IDGenerator hands out local node ids. Ids are per-level counters rather
// than random so that fixed analyzer outputs reproduce the exact same
// hierarchy across runs.
type IDGenerator struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewIDGenerator creates a generator starting at 1 for every level.
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{counts: map[string]int{}}
}

// Next returns the next id for a level, e.g. "sto-0007".
func (g *IDGenerator) Next(level hierarchy.Level) string {
	prefix, ok := idPrefixes[level]
	if !ok {
		prefix = "node"
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counts[prefix]++
	return fmt.Sprintf("%s-%04d", prefix, g.counts[prefix])
}
