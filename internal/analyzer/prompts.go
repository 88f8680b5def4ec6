package analyzer

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"ideaforge/internal/hierarchy"
)

// systemPrompt is the shared system message for the LLM analyzer. The
// per-level guidance below is appended to it.
const systemPrompt = `You are a senior delivery planner. You break product work into
the next level of a seven-tier hierarchy: Idea > Initiative > Feature > Epic > Story > Task > Subtask.

Rules:
- Produce children ONLY at the requested level, each a direct child of the given parent.
- Titles must be short, unique and action-oriented. No numbering prefixes.
- Every child needs a description explaining scope and intent.
- Score your own confidence per field between 0.0 and 1.0; be honest, not flattering.
- Output strictly the JSON object described. No prose, no markdown fences.`

// levelGuidance holds the per-level planning instructions.
var levelGuidance = map[hierarchy.Level]string{
	hierarchy.LevelInitiative: `Produce 1-3 INITIATIVES: strategic workstreams that together deliver the idea.
Each initiative should name its business value in ext.business_value.`,
	hierarchy.LevelFeature: `Produce 2-5 FEATURES under this initiative: user-visible capabilities.
Record the user journey step each feature serves in ext.user_journey_step.`,
	hierarchy.LevelEpic: `Produce 2-4 EPICS under this feature: shippable slices of the feature.
Epics need labels (team, component or discipline tags).`,
	hierarchy.LevelStory: `Produce 2-6 STORIES under this epic, written from the user's perspective.
Every story needs acceptance criteria (2-5 testable statements).`,
	hierarchy.LevelTask: `Produce 1-4 TASKS per story: concrete engineering work items.
Every task needs acceptance criteria and an estimate.`,
	hierarchy.LevelSubtask: `Produce 1-3 SUBTASKS per task: atomic steps one person finishes in a sitting.
Every subtask needs an estimate. Record the definition of done in ext.definition_of_done.`,
}

// responseSchema documents the JSON the analyzer expects back.
const responseSchema = `{
  "children": [
    {
      "title": "...",
      "description": "...",
      "acceptance_criteria": ["..."],
      "estimate": 3,
      "priority": "high|medium|low",
      "labels": ["..."],
      "ext": {"key": "value"},
      "confidence": {"title": 0.9, "description": 0.9, "acceptance": 0.8, "estimate": 0.7, "priority": 0.8, "labels": 0.8}
    }
  ]
}`

// BuildPrompt assembles the user prompt for one expansion request.
func BuildPrompt(req Request) string {
	var b strings.Builder

	fmt.Fprintf(&b, "IDEA: %s\n", req.Idea.Description)
	if req.Idea.Team != nil {
		fmt.Fprintf(&b, "TEAM: size=%d seniority=%s tech=%s\n",
			req.Idea.Team.Size, req.Idea.Team.Seniority, strings.Join(req.Idea.Team.Tech, ","))
	}
	if req.Idea.BudgetHint != "" {
		fmt.Fprintf(&b, "BUDGET: %s\n", req.Idea.BudgetHint)
	}
	if req.Idea.TimelineHint != "" {
		fmt.Fprintf(&b, "TIMELINE: %s\n", req.Idea.TimelineHint)
	}
	for _, k := range sortedKeys(req.RunContext) {
		fmt.Fprintf(&b, "CONTEXT %s: %s\n", k, req.RunContext[k])
	}

	if len(req.Ancestors) > 0 {
		b.WriteString("\nANCESTOR CHAIN (nearest first):\n")
		for _, a := range req.Ancestors {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", a.Level, a.Title, limitString(a.Description, 300))
		}
	}

	fmt.Fprintf(&b, "\nPARENT [%s] %s\n%s\n", req.Parent.Level, req.Parent.Title,
		limitString(req.Parent.Description, 600))

	fmt.Fprintf(&b, "\nTARGET LEVEL: %s\n", req.Level)
	if g, ok := levelGuidance[req.Level]; ok {
		b.WriteString(g)
		b.WriteString("\n")
	}
	if req.Unit == hierarchy.UnitStoryPoints {
		b.WriteString("Estimates are story points on the scale 1,2,3,5,8,13,21.\n")
	} else {
		b.WriteString("Estimates are hours, one decimal place.\n")
	}

	if req.Feedback != nil {
		b.WriteString("\nPREVIOUS ATTEMPT WAS REJECTED BY THE QUALITY GATE. Fix these problems:\n")
		fmt.Fprintf(&b, "- aggregate confidence %.2f was below threshold %.2f\n",
			req.Feedback.Aggregate, req.Feedback.Threshold)
		for _, v := range req.Feedback.Violations {
			fmt.Fprintf(&b, "- %s: %s\n", v.Kind, v.Message)
		}
	}

	b.WriteString("\nRespond with exactly this JSON shape:\n")
	b.WriteString(responseSchema)
	return b.String()
}

// llmChild is the wire shape of one child in the LLM response.
type llmChild struct {
	Title              string             `json:"title"`
	Description        string             `json:"description"`
	AcceptanceCriteria []string           `json:"acceptance_criteria"`
	Estimate           float64            `json:"estimate"`
	Priority           string             `json:"priority"`
	Labels             []string           `json:"labels"`
	Ext                map[string]string  `json:"ext"`
	Confidence         map[string]float64 `json:"confidence"`
}

// ParseResponse decodes the LLM's JSON into candidates.
func ParseResponse(raw string) ([]Candidate, error) {
	cleaned := cleanJSONResponse(raw)
	var payload struct {
		Children []llmChild `json:"children"`
	}
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return nil, fmt.Errorf("failed to parse analyzer response: %w", err)
	}

	out := make([]Candidate, 0, len(payload.Children))
	for _, c := range payload.Children {
		if strings.TrimSpace(c.Title) == "" {
			continue
		}
		cand := Candidate{
			Title:              strings.TrimSpace(c.Title),
			Description:        strings.TrimSpace(c.Description),
			AcceptanceCriteria: c.AcceptanceCriteria,
			Estimate:           c.Estimate,
			Labels:             c.Labels,
			Ext:                c.Ext,
			FieldConfidence:    map[Field]float64{},
		}
		switch strings.ToLower(strings.TrimSpace(c.Priority)) {
		case "high":
			cand.Priority = hierarchy.PriorityHigh
		case "medium":
			cand.Priority = hierarchy.PriorityMedium
		case "low":
			cand.Priority = hierarchy.PriorityLow
		}
		for name, v := range c.Confidence {
			cand.FieldConfidence[Field(name)] = clamp01(v)
		}
		out = append(out, cand)
	}
	return out, nil
}

// cleanJSONResponse removes markdown code fences from a JSON response.
func cleanJSONResponse(resp string) string {
	resp = strings.TrimSpace(resp)
	resp = strings.TrimPrefix(resp, "```json")
	resp = strings.TrimPrefix(resp, "```")
	resp = strings.TrimSuffix(resp, "```")
	return strings.TrimSpace(resp)
}

func limitString(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Stable prompt assembly keeps analyzer inputs deterministic.
	sort.Strings(keys)
	return keys
}
