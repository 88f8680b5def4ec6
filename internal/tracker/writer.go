package tracker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ideaforge/internal/events"
	"ideaforge/internal/hierarchy"
	"ideaforge/internal/logging"
	"ideaforge/internal/provider"
)

// LinkTypes maps parent level to child level to the tracker link type used
// for that parent relation. Missing entries fall back to "parent".
type LinkTypes map[hierarchy.Level]map[hierarchy.Level]string

// WriterConfig configures a Writer for one run.
type WriterConfig struct {
	// RunID prefixes every external key, making retried creates idempotent
	// within the run and reruns distinguishable.
	RunID string
	// BatchSize is the number of issues submitted per tracker call when the
	// tracker supports bulk creation. Default 25.
	BatchSize int
	LinkTypes LinkTypes
}

// WriteBatchPayload is emitted after every batch lands.
type WriteBatchPayload struct {
	Level     hierarchy.Level `json:"level"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
}

// WriteResult is everything the coordinator needs from the write phase.
type WriteResult struct {
	IDMap    *hierarchy.IDMap
	Failures []hierarchy.CreationFailure
	// Pruned lists, per non-retryable failure, the descendant ids that were
	// skipped because their ancestor has no remote issue.
	Pruned   [][]string
	Warnings []string
}

// Writer persists a hierarchy into a tracker level by level: all issues of
// one level land before any of the next, so every child create can carry
// its parent's remote id. Within a level, batches run concurrently through
// the tracker's caller.
type Writer struct {
	tracker Tracker
	caller  *provider.Caller
	sink    events.Sink
	cfg     WriterConfig
	logger  *zap.Logger
}

// NewWriter builds a writer. sink may not be nil; use events.Nop.
func NewWriter(t Tracker, caller *provider.Caller, sink events.Sink, cfg WriterConfig) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	return &Writer{
		tracker: t,
		caller:  caller,
		sink:    sink,
		cfg:     cfg,
		logger:  logging.Get(logging.CategoryWriter),
	}
}

// Write creates every node below the Idea root, top level first. The Idea
// itself is not written. Authentication failures and cancellation abort
// with the partial result; other failures are recorded per node, with the
// failed node's descendants pruned from the write set.
func (w *Writer) Write(ctx context.Context, h *hierarchy.Hierarchy) (*WriteResult, error) {
	result := &WriteResult{IDMap: hierarchy.NewIDMap()}
	skip := map[string]struct{}{}

	for _, level := range hierarchy.ExpandableLevels() {
		if err := ctx.Err(); err != nil {
			return result, provider.Cancelled(w.caller.Name(), err)
		}
		nodes := w.writable(h, level, result.IDMap, skip)
		if len(nodes) == 0 {
			continue
		}
		if err := w.writeLevel(ctx, h, level, nodes, result); err != nil {
			return result, err
		}
		for _, f := range result.Failures {
			if f.Level != level {
				continue
			}
			if _, done := skip[f.NodeID]; done {
				continue
			}
			skip[f.NodeID] = struct{}{}
			pruned := descendantIDs(h, f.NodeID)
			for _, id := range pruned {
				skip[id] = struct{}{}
			}
			if len(pruned) > 0 {
				result.Pruned = append(result.Pruned, pruned)
			}
		}
	}

	w.linkEdges(ctx, h, result)
	return result, nil
}

// writable returns the level's nodes whose parent landed, in the
// hierarchy's deterministic order.
func (w *Writer) writable(h *hierarchy.Hierarchy, level hierarchy.Level, ids *hierarchy.IDMap, skip map[string]struct{}) []hierarchy.Node {
	var out []hierarchy.Node
	for _, n := range h.NodesAtLevel(level) {
		if _, skipped := skip[n.ID]; skipped {
			continue
		}
		if level != hierarchy.LevelInitiative {
			if _, ok := ids.Get(n.ParentID); !ok {
				continue
			}
		}
		out = append(out, n)
	}
	return out
}

func (w *Writer) writeLevel(ctx context.Context, h *hierarchy.Hierarchy, level hierarchy.Level, nodes []hierarchy.Node, result *WriteResult) error {
	var mu sync.Mutex
	eg, egCtx := errgroup.WithContext(ctx)

	for start := 0; start < len(nodes); start += w.cfg.BatchSize {
		end := start + w.cfg.BatchSize
		if end > len(nodes) {
			end = len(nodes)
		}
		batch := nodes[start:end]
		eg.Go(func() error {
			succeeded, failures, err := w.writeBatch(egCtx, h, batch, result.IDMap)
			mu.Lock()
			result.Failures = append(result.Failures, failures...)
			mu.Unlock()
			w.sink.Emit(events.KindWriteBatchComplete, WriteBatchPayload{
				Level:     level,
				Succeeded: succeeded,
				Failed:    len(failures),
			})
			return err
		})
	}

	if err := eg.Wait(); err != nil {
		return err
	}
	w.logger.Info("level written",
		zap.String("level", level.String()),
		zap.Int("nodes", len(nodes)),
		zap.Int("mapped", result.IDMap.Len()))
	return nil
}

// writeBatch creates one batch. Returns an error only for conditions that
// abort the whole write (auth, cancellation); everything else becomes a
// per-node failure record.
func (w *Writer) writeBatch(ctx context.Context, h *hierarchy.Hierarchy, batch []hierarchy.Node, ids *hierarchy.IDMap) (int, []hierarchy.CreationFailure, error) {
	reqs := make([]IssueRequest, len(batch))
	for i, n := range batch {
		reqs[i] = w.request(h, n, ids)
	}

	var (
		succeeded int
		failures  []hierarchy.CreationFailure
	)
	record := func(n hierarchy.Node, err error) {
		failures = append(failures, hierarchy.CreationFailure{
			NodeID:    n.ID,
			Level:     n.Level,
			Reason:    err.Error(),
			Retryable: provider.KindOf(err) == provider.KindRetryable,
		})
	}

	if w.tracker.SupportsBulk() && len(batch) > 1 {
		var results []IssueResult
		err := w.caller.Do(ctx, func(callCtx context.Context) error {
			var bulkErr error
			results, bulkErr = w.tracker.BulkCreate(callCtx, reqs)
			return bulkErr
		})
		if err != nil {
			if provider.IsAuth(err) || provider.IsCancelled(err) {
				return 0, nil, err
			}
			for _, n := range batch {
				record(n, err)
			}
			return 0, failures, nil
		}
		if len(results) != len(batch) {
			return 0, nil, fmt.Errorf("bulk create returned %d results for %d requests", len(results), len(batch))
		}
		for i, res := range results {
			out, err := res.RemoteID, res.Err
			if err != nil && !errors.Is(err, ErrAlreadyExists) && provider.KindOf(err) == provider.KindRetryable {
				// Per-item retryable failures inside an otherwise accepted
				// bulk response get one individual retry pass.
				out, err = w.createOne(ctx, reqs[i])
			}
			if err != nil && errors.Is(err, ErrAlreadyExists) {
				out, err = w.recoverExisting(ctx, reqs[i].ExternalKey, batch[i])
			}
			if err != nil {
				if provider.IsAuth(err) || provider.IsCancelled(err) {
					return succeeded, failures, err
				}
				record(batch[i], err)
				continue
			}
			if err := ids.Put(batch[i].ID, out); err != nil {
				record(batch[i], err)
				continue
			}
			succeeded++
		}
		return succeeded, failures, nil
	}

	for i, n := range batch {
		remote, err := w.createOne(ctx, reqs[i])
		if err != nil && errors.Is(err, ErrAlreadyExists) {
			remote, err = w.recoverExisting(ctx, reqs[i].ExternalKey, n)
		}
		if err != nil {
			if provider.IsAuth(err) || provider.IsCancelled(err) {
				return succeeded, failures, err
			}
			record(n, err)
			continue
		}
		if err := ids.Put(n.ID, remote); err != nil {
			record(n, err)
			continue
		}
		succeeded++
	}
	return succeeded, failures, nil
}

func (w *Writer) createOne(ctx context.Context, req IssueRequest) (string, error) {
	var remote string
	err := w.caller.Do(ctx, func(callCtx context.Context) error {
		id, createErr := w.tracker.CreateIssue(callCtx, req)
		if createErr != nil {
			return createErr
		}
		remote = id
		return nil
	})
	return remote, err
}

// recoverExisting resolves the remote id of an issue whose create was
// rejected as a duplicate of a previous attempt.
func (w *Writer) recoverExisting(ctx context.Context, key string, n hierarchy.Node) (string, error) {
	var remote string
	err := w.caller.Do(ctx, func(callCtx context.Context) error {
		id, lookupErr := w.tracker.LookupByExternalKey(callCtx, key)
		if lookupErr != nil {
			return lookupErr
		}
		remote = id
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to recover existing issue for %s: %w", n.ID, err)
	}
	w.logger.Debug("recovered existing issue",
		zap.String("node", n.ID),
		zap.String("remote", remote))
	return remote, nil
}

// linkEdges writes the finalize-stage dependency edges. Link failures are
// warnings, never run failures.
func (w *Writer) linkEdges(ctx context.Context, h *hierarchy.Hierarchy, result *WriteResult) {
	for _, e := range h.Edges() {
		from, okFrom := result.IDMap.Get(e.FromID)
		to, okTo := result.IDMap.Get(e.ToID)
		if !okFrom || !okTo {
			continue
		}
		linkType := strings.TrimPrefix(e.Kind, "/")
		err := w.caller.Do(ctx, func(callCtx context.Context) error {
			return w.tracker.LinkIssues(callCtx, from, to, linkType)
		})
		if err != nil {
			if provider.IsCancelled(err) {
				return
			}
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("link %s -> %s (%s) failed: %v", e.FromID, e.ToID, linkType, err))
		}
	}
}

// request builds the tracker request for a node. The parent's remote id is
// always resolvable here: the previous level finished before this one
// started and writable filtered out orphans.
func (w *Writer) request(h *hierarchy.Hierarchy, n hierarchy.Node, ids *hierarchy.IDMap) IssueRequest {
	req := IssueRequest{
		Type:        strings.TrimPrefix(n.Level.String(), "/"),
		Title:       n.Title,
		Description: n.Description,
		ExternalKey: w.cfg.RunID + "-" + n.ID,
		Labels:      append([]string(nil), n.Labels...),
		Fields:      map[string]string{},
	}
	if n.Level != hierarchy.LevelInitiative {
		req.ParentRemoteID, _ = ids.Get(n.ParentID)
		if parent, ok := h.Node(n.ParentID); ok {
			req.ParentLinkType = w.linkType(parent.Level, n.Level)
		}
	}
	if n.Estimate > 0 {
		req.Fields["estimate"] = strconv.FormatFloat(n.Estimate, 'f', -1, 64)
	}
	if n.Priority != "" {
		req.Fields["priority"] = strings.TrimPrefix(string(n.Priority), "/")
	}
	req.Fields["confidence"] = strconv.FormatFloat(n.Confidence, 'f', 2, 64)
	if len(n.AcceptanceCriteria) > 0 {
		req.Fields["acceptance_criteria"] = strings.Join(n.AcceptanceCriteria, "\n")
	}
	for k, v := range n.Ext {
		req.Fields["ext."+k] = v
	}
	return req
}

func (w *Writer) linkType(parent, child hierarchy.Level) string {
	if byChild, ok := w.cfg.LinkTypes[parent]; ok {
		if t, ok := byChild[child]; ok {
			return t
		}
	}
	return "parent"
}

func descendantIDs(h *hierarchy.Hierarchy, id string) []string {
	var out []string
	var rec func(string)
	rec = func(cur string) {
		for _, c := range h.Children(cur) {
			out = append(out, c.ID)
			rec(c.ID)
		}
	}
	rec(id)
	return out
}
