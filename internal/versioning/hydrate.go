package versioning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"botforge/api/internal/metrics"
	"botforge/api/internal/patch"
	"botforge/api/internal/store"
)

// Hydrate reconstructs the full model state at commitID.
func (e *Engine) Hydrate(ctx context.Context, commitID string) (json.RawMessage, error) {
	return e.hydrate(ctx, e.store, commitID)
}

// hydrate walks parent pointers until it reaches a snapshot or a cached
// ancestor, then folds the pending diffs forward. The walk is iterative, so
// chain length is bounded only by maxChainDepth.
func (e *Engine) hydrate(ctx context.Context, s store.Store, commitID string) (json.RawMessage, error) {
	// The record is loaded even on a cache hit so that a collected commit
	// reads as missing.
	target, err := s.GetCommit(ctx, commitID)
	if err != nil {
		return nil, notFound("commit", commitID, err)
	}
	if state, ok := e.cacheGet(ctx, commitID); ok {
		return state, nil
	}

	pending := make([]store.Commit, 0, 8)
	visited := map[string]struct{}{target.ID: {}}
	current := target
	var base json.RawMessage
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if current.IsInitialCommit {
			base = current.ModelState
			break
		}
		pending = append(pending, current)
		if len(pending) > e.maxChainDepth {
			return nil, e.invariant("hydrate", "chain exceeds maximum depth", nil, map[string]any{
				"commit_id": commitID,
				"depth":     len(pending),
			})
		}
		if current.ParentCommitID == nil {
			return nil, e.invariant("hydrate", "diff commit has no parent", nil, map[string]any{
				"commit_id": commitID,
				"orphan_id": current.ID,
			})
		}
		parentID := *current.ParentCommitID
		if _, seen := visited[parentID]; seen {
			return nil, e.invariant("hydrate", "parent chain contains a cycle", nil, map[string]any{
				"commit_id": commitID,
				"repeat_id": parentID,
			})
		}
		visited[parentID] = struct{}{}

		if state, ok := e.cacheGet(ctx, parentID); ok {
			base = state
			break
		}
		parent, err := s.GetCommit(ctx, parentID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, e.invariant("hydrate", "ancestor commit missing", &CommitNotFoundError{CommitID: parentID}, map[string]any{
				"commit_id":  commitID,
				"missing_id": parentID,
				"depth":      len(pending),
			})
		}
		if err != nil {
			return nil, fmt.Errorf("load ancestor %s: %w", parentID, err)
		}
		current = parent
	}

	state, err := patch.Normalize(base)
	if err != nil {
		return nil, e.invariant("hydrate", "stored snapshot is not valid JSON", err, map[string]any{"commit_id": current.ID})
	}
	for i := len(pending) - 1; i >= 0; i-- {
		step := pending[i]
		next, err := patch.Apply(state, step.ModelDiff)
		if err != nil {
			return nil, e.invariant("hydrate", "stored diff does not apply to its parent", err, map[string]any{
				"commit_id": commitID,
				"failed_id": step.ID,
			})
		}
		state = next
		applied := len(pending) - i
		if e.checkpointEvery > 0 && i > 0 && applied%e.checkpointEvery == 0 {
			e.cachePut(ctx, step.ID, state)
		}
	}
	metrics.HydrationDepth.Observe(float64(len(pending)))
	e.cachePut(ctx, target.ID, state)
	return state, nil
}

// HistoryEntry is one commit of a branch lineage with its full state.
type HistoryEntry struct {
	Commit store.Commit
	State  json.RawMessage
}

// GetBranchHistory returns the parent-chain lineage of the branch tip,
// root first, each entry hydrated by a single forward fold.
func (e *Engine) GetBranchHistory(ctx context.Context, botID, branchID string) ([]HistoryEntry, error) {
	branch, err := e.loadBranch(ctx, e.store, botID, branchID)
	if err != nil {
		return nil, err
	}
	if branch.LatestCommitID == nil {
		return []HistoryEntry{}, nil
	}

	lineage := make([]store.Commit, 0, 16)
	visited := map[string]struct{}{}
	nextID := *branch.LatestCommitID
	for {
		if _, seen := visited[nextID]; seen {
			return nil, e.invariant("history", "parent chain contains a cycle", nil, map[string]any{"branch_id": branchID, "repeat_id": nextID})
		}
		visited[nextID] = struct{}{}
		if len(lineage) > e.maxChainDepth {
			return nil, e.invariant("history", "chain exceeds maximum depth", nil, map[string]any{"branch_id": branchID})
		}
		commit, err := e.store.GetCommit(ctx, nextID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, e.invariant("history", "ancestor commit missing", &CommitNotFoundError{CommitID: nextID}, map[string]any{
				"branch_id":  branchID,
				"missing_id": nextID,
			})
		}
		if err != nil {
			return nil, fmt.Errorf("load commit %s: %w", nextID, err)
		}
		lineage = append(lineage, commit)
		if commit.IsInitialCommit {
			break
		}
		if commit.ParentCommitID == nil {
			return nil, e.invariant("history", "diff commit has no parent", nil, map[string]any{"orphan_id": commit.ID})
		}
		nextID = *commit.ParentCommitID
	}

	entries := make([]HistoryEntry, 0, len(lineage))
	var state json.RawMessage
	for i := len(lineage) - 1; i >= 0; i-- {
		commit := lineage[i]
		if commit.IsInitialCommit {
			state, err = patch.Normalize(commit.ModelState)
		} else {
			state, err = patch.Apply(state, commit.ModelDiff)
		}
		if err != nil {
			return nil, e.invariant("history", "stored diff does not apply to its parent", err, map[string]any{"failed_id": commit.ID})
		}
		entries = append(entries, HistoryEntry{Commit: commit, State: state})
	}
	return entries, nil
}
