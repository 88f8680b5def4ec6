// Package hierarchy defines the data model for a decomposition run: the
// seven-level tree of Nodes produced by the pipeline, the quality and run
// reports attached to it, and the local-to-remote id map maintained by the
// tracker writer.
package hierarchy

import (
	"fmt"
	"math"
	"strings"
)

// Level identifies a tier of the decomposition tree.
type Level string

const (
	LevelIdea       Level = "/idea"
	LevelInitiative Level = "/initiative"
	LevelFeature    Level = "/feature"
	LevelEpic       Level = "/epic"
	LevelStory      Level = "/story"
	LevelTask       Level = "/task"
	LevelSubtask    Level = "/subtask"
)

// levelOrder is the canonical top-down ordering.
var levelOrder = []Level{
	LevelIdea,
	LevelInitiative,
	LevelFeature,
	LevelEpic,
	LevelStory,
	LevelTask,
	LevelSubtask,
}

// Levels returns the canonical top-down level ordering.
func Levels() []Level {
	out := make([]Level, len(levelOrder))
	copy(out, levelOrder)
	return out
}

// ExpandableLevels returns the levels produced by analyzers (everything
// below the Idea root).
func ExpandableLevels() []Level {
	return Levels()[1:]
}

// Depth returns the 0-based depth of the level (Idea=0, Subtask=6), or -1
// for an unknown level.
func (l Level) Depth() int {
	for i, lv := range levelOrder {
		if lv == l {
			return i
		}
	}
	return -1
}

// Valid reports whether the level is one of the seven known tiers.
func (l Level) Valid() bool { return l.Depth() >= 0 }

// Next returns the level one step below, or false at Subtask.
func (l Level) Next() (Level, bool) {
	d := l.Depth()
	if d < 0 || d == len(levelOrder)-1 {
		return "", false
	}
	return levelOrder[d+1], true
}

// IsChildOf reports whether l is exactly one step below parent.
func (l Level) IsChildOf(parent Level) bool {
	return parent.Depth() >= 0 && l.Depth() == parent.Depth()+1
}

func (l Level) String() string { return string(l) }

// ParseLevel accepts both atom form ("/story") and bare names ("Story").
func ParseLevel(s string) (Level, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	if !strings.HasPrefix(norm, "/") {
		norm = "/" + norm
	}
	l := Level(norm)
	if !l.Valid() {
		return "", fmt.Errorf("unknown level %q", s)
	}
	return l, nil
}

// Priority represents node priority.
type Priority string

const (
	PriorityHigh   Priority = "/high"
	PriorityMedium Priority = "/medium"
	PriorityLow    Priority = "/low"
)

// Rank orders priorities for sorting: High=0, Medium=1, Low=2. Unknown
// priorities sort last.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	default:
		return 3
	}
}

// Valid reports whether the priority is a known value.
func (p Priority) Valid() bool { return p.Rank() < 3 }

// EstimateUnit selects how estimates are expressed for a run. Values match
// the configuration surface, so they are bare strings rather than atoms.
type EstimateUnit string

const (
	UnitStoryPoints EstimateUnit = "story_points"
	UnitHours       EstimateUnit = "hours"
)

// Valid reports whether the unit is recognized.
func (u EstimateUnit) Valid() bool {
	return u == UnitStoryPoints || u == UnitHours
}

// fibonacciPoints is the valid story-point scale.
var fibonacciPoints = []float64{1, 2, 3, 5, 8, 13, 21}

// RoundEstimate snaps a raw estimate onto the unit's valid scale: the
// nearest Fibonacci point for story points (ties resolve downward), one
// decimal place for hours. Non-positive estimates round to zero, meaning
// "no estimate".
func RoundEstimate(v float64, unit EstimateUnit) float64 {
	if v <= 0 {
		return 0
	}
	if unit == UnitHours {
		return math.Round(v*10) / 10
	}
	best := fibonacciPoints[0]
	bestDist := math.Abs(v - best)
	for _, p := range fibonacciPoints[1:] {
		d := math.Abs(v - p)
		if d < bestDist {
			best, bestDist = p, d
		}
	}
	return best
}

// ValidEstimate reports whether v is on the unit's scale. Zero is treated
// as "missing" and is not valid.
func ValidEstimate(v float64, unit EstimateUnit) bool {
	if v <= 0 {
		return false
	}
	if unit == UnitHours {
		return v == math.Round(v*10)/10
	}
	for _, p := range fibonacciPoints {
		if v == p {
			return true
		}
	}
	return false
}
