package analyzer

import (
	"sort"

	"ideaforge/internal/hierarchy"
)

// Sourced pairs an analyzer's descriptor with its proposal, so the merge
// can apply priority tiebreaks and record provenance.
type Sourced struct {
	Desc   Descriptor
	Result Result
}

// Merged is one deduplicated child produced by the merge. OrderKey is the
// candidate's insertion index at the analyzer that won the title field;
// the pipeline orders siblings by (priority desc, OrderKey).
type Merged struct {
	Node     hierarchy.Node
	OrderKey int
}

// entry is a single candidate tagged with its source for tiebreaking.
type entry struct {
	cand      Candidate
	analyzer  string
	priority  int // analyzer tiebreak priority, lower wins
	candIndex int // insertion index within the analyzer's result
}

// Merge reconciles the proposals of several analyzers for one parent into
// a single child set. The algorithm is total and deterministic: sources
// are ordered by (analyzer priority, name), candidates keep their
// insertion order, and every tiebreak is explicit.
func Merge(sources []Sourced, unit hierarchy.EstimateUnit, weights map[Field]float64) []Merged {
	if len(weights) == 0 {
		weights = DefaultFieldWeights()
	}

	ordered := append([]Sourced(nil), sources...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Desc.Priority != ordered[j].Desc.Priority {
			return ordered[i].Desc.Priority < ordered[j].Desc.Priority
		}
		return ordered[i].Desc.Name < ordered[j].Desc.Name
	})

	var entries []entry
	for _, s := range ordered {
		for i, c := range s.Result.Candidates {
			entries = append(entries, entry{
				cand:      c,
				analyzer:  s.Desc.Name,
				priority:  s.Desc.Priority,
				candIndex: i,
			})
		}
	}

	// Group by normalized-title similarity. The first member of a group is
	// its representative; later candidates join the first group whose
	// representative clears the Jaccard threshold.
	var groups [][]entry
	for _, e := range entries {
		tokens := titleTokens(e.cand.Title)
		joined := false
		for gi := range groups {
			rep := titleTokens(groups[gi][0].cand.Title)
			if jaccard(tokens, rep) >= jaccardThreshold {
				groups[gi] = append(groups[gi], e)
				joined = true
				break
			}
		}
		if !joined {
			groups = append(groups, []entry{e})
		}
	}

	out := make([]Merged, 0, len(groups))
	for _, g := range groups {
		out = append(out, mergeGroup(g, unit, weights))
	}
	return out
}

// mergeGroup collapses one similarity group field by field.
func mergeGroup(g []entry, unit hierarchy.EstimateUnit, weights map[Field]float64) Merged {
	titleWinner := pickBest(g, FieldTitle)
	descWinner := pickBest(g, FieldDescription)

	node := hierarchy.Node{
		Title:       titleWinner.cand.Title,
		Description: descWinner.cand.Description,
		Estimate:    mergeEstimate(g, unit),
		Priority:    mergePriority(g),
	}

	// Acceptance criteria and labels: set union, stable sort.
	node.AcceptanceCriteria = unionSorted(g, func(c Candidate) []string { return c.AcceptanceCriteria })
	node.Labels = unionSorted(g, func(c Candidate) []string { return c.Labels })

	// Extension map: title winner first, then fill from the rest in order.
	node.Ext = map[string]string{}
	for k, v := range titleWinner.cand.Ext {
		node.Ext[k] = v
	}
	for _, e := range g {
		for k, v := range e.cand.Ext {
			if _, ok := node.Ext[k]; !ok {
				node.Ext[k] = v
			}
		}
	}
	if len(node.Ext) == 0 {
		node.Ext = nil
	}

	// Merged field confidence = max of contributors; node aggregate =
	// weighted mean over the field weight map.
	merged := map[Field]float64{}
	for _, f := range MergeFields {
		for _, e := range g {
			if c := e.cand.confidence(f); c > merged[f] {
				merged[f] = c
			}
		}
	}
	var weightSum, confSum float64
	for _, f := range MergeFields {
		w := weights[f]
		weightSum += w
		confSum += w * merged[f]
	}
	if weightSum > 0 {
		node.Confidence = confSum / weightSum
	}
	node.Confidence = clamp01(node.Confidence)

	// Provenance: one contribution per analyzer, in group order.
	seen := map[string]bool{}
	for _, e := range g {
		if seen[e.analyzer] {
			continue
		}
		seen[e.analyzer] = true
		w := make(map[string]float64, len(e.cand.FieldConfidence))
		for f, c := range e.cand.FieldConfidence {
			w[string(f)] = c
		}
		node.Provenance = append(node.Provenance, hierarchy.Contribution{
			Analyzer: e.analyzer,
			Weights:  w,
		})
	}

	return Merged{Node: node, OrderKey: titleWinner.candIndex}
}

// pickBest returns the entry with the highest confidence for a field,
// ties broken by analyzer priority, then insertion order.
func pickBest(g []entry, f Field) entry {
	best := g[0]
	for _, e := range g[1:] {
		bc, ec := best.cand.confidence(f), e.cand.confidence(f)
		switch {
		case ec > bc:
			best = e
		case ec == bc && e.priority < best.priority:
			best = e
		}
	}
	return best
}

// mergeEstimate computes the confidence-weighted mean estimate and rounds
// it onto the unit's scale. Contributors without an estimate are skipped;
// contributors with zero estimate confidence weigh equally at 1.
func mergeEstimate(g []entry, unit hierarchy.EstimateUnit) float64 {
	var sum, weight float64
	for _, e := range g {
		if e.cand.Estimate <= 0 {
			continue
		}
		w := e.cand.confidence(FieldEstimate)
		if w <= 0 {
			w = 1
		}
		sum += e.cand.Estimate * w
		weight += w
	}
	if weight == 0 {
		return 0
	}
	return hierarchy.RoundEstimate(sum/weight, unit)
}

// mergePriority runs a confidence-weighted ballot. Ties fall to the lower
// (more conservative) priority.
func mergePriority(g []entry) hierarchy.Priority {
	votes := map[hierarchy.Priority]float64{}
	for _, e := range g {
		if !e.cand.Priority.Valid() {
			continue
		}
		w := e.cand.confidence(FieldPriority)
		if w <= 0 {
			w = 1
		}
		votes[e.cand.Priority] += w
	}
	if len(votes) == 0 {
		return ""
	}
	var winner hierarchy.Priority
	var best float64
	// Iterate Low -> High so an equal-weight tie keeps the lower priority.
	for _, p := range []hierarchy.Priority{hierarchy.PriorityLow, hierarchy.PriorityMedium, hierarchy.PriorityHigh} {
		if w, ok := votes[p]; ok && w > best {
			winner, best = p, w
		}
	}
	return winner
}

func unionSorted(g []entry, get func(Candidate) []string) []string {
	set := map[string]struct{}{}
	for _, e := range g {
		for _, s := range get(e.cand) {
			if s != "" {
				set[s] = struct{}{}
			}
		}
	}
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
