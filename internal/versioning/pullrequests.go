package versioning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"botforge/api/internal/metrics"
	"botforge/api/internal/patch"
	"botforge/api/internal/rbac"
	"botforge/api/internal/store"
)

type CreatePullRequestInput struct {
	BotID          string `json:"botId" validate:"required"`
	SourceBranchID string `json:"sourceBranchId" validate:"required"`
	TargetBranchID string `json:"targetBranchId" validate:"required"`
	Title          string `json:"title" validate:"required,max=200"`
	Description    string `json:"description" validate:"max=20000"`
	CreatorID      string `json:"creatorId" validate:"required"`
}

func (e *Engine) CreatePullRequest(ctx context.Context, in CreatePullRequestInput) (store.PullRequest, error) {
	in.Title = strings.TrimSpace(in.Title)
	if err := validateInput(in); err != nil {
		return store.PullRequest{}, err
	}
	if in.SourceBranchID == in.TargetBranchID {
		return store.PullRequest{}, &ValidationError{Field: "targetBranchId", Message: "must differ from the source branch"}
	}
	bot, err := e.loadBot(ctx, in.BotID)
	if err != nil {
		return store.PullRequest{}, err
	}
	if _, err := e.authorize(ctx, bot, in.CreatorID, rbac.ActionOpenPR); err != nil {
		return store.PullRequest{}, err
	}
	source, err := e.loadBranch(ctx, e.store, bot.ID, in.SourceBranchID)
	if err != nil {
		return store.PullRequest{}, err
	}
	target, err := e.loadBranch(ctx, e.store, bot.ID, in.TargetBranchID)
	if err != nil {
		return store.PullRequest{}, err
	}
	if err := checkStale(source, target); err != nil {
		return store.PullRequest{}, err
	}
	if existing, err := e.store.FindOpenPullRequest(ctx, source.ID, target.ID); err == nil {
		return store.PullRequest{}, &DuplicatePullRequestError{ExistingID: existing.ID}
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.PullRequest{}, err
	}

	pr := store.PullRequest{
		ID:               e.newID("pr"),
		BotID:            bot.ID,
		Title:            in.Title,
		Description:      in.Description,
		SourceBranchID:   source.ID,
		TargetBranchID:   target.ID,
		CreatorID:        in.CreatorID,
		Status:           store.PRStatusOpen,
		CreatedAt:        e.timestamp(),
		SourceBranchName: source.Name,
		TargetBranchName: target.Name,
	}
	if err := e.store.InsertPullRequest(ctx, pr); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			existing, findErr := e.store.FindOpenPullRequest(ctx, source.ID, target.ID)
			if findErr == nil {
				return store.PullRequest{}, &DuplicatePullRequestError{ExistingID: existing.ID}
			}
		}
		return store.PullRequest{}, err
	}
	metrics.PullRequestTransitions.WithLabelValues(store.PRStatusOpen).Inc()
	log.Info().Str("bot_id", bot.ID).Str("pr_id", pr.ID).Str("source", source.Name).Str("target", target.Name).Msg("pull request opened")
	return pr, nil
}

// checkStale rejects a source branch that is behind the target: its
// ancestry already contains the target tip and it has no commits of its own
// past that point, or both branches share one tip.
func checkStale(source, target store.Branch) error {
	if target.LatestCommitID == nil {
		return nil
	}
	targetTip := *target.LatestCommitID
	stale := &StaleSourceBranchError{SourceBranchID: source.ID, TargetCommitID: targetTip}
	if source.LatestCommitID == nil || *source.LatestCommitID == targetTip {
		return stale
	}
	if contains(source.BaseCommitIDs, targetTip) && contains(source.BaseCommitIDs, *source.LatestCommitID) {
		return stale
	}
	return nil
}

func (e *Engine) GetPullRequest(ctx context.Context, botID, prID string) (store.PullRequest, error) {
	return e.loadPullRequest(ctx, e.store, botID, prID)
}

func (e *Engine) ListPullRequests(ctx context.Context, botID, status string) ([]store.PullRequest, error) {
	switch status {
	case "", store.PRStatusOpen, store.PRStatusCompleted, store.PRStatusClosed:
	default:
		return nil, &ValidationError{Field: "status", Message: "must be one of open completed closed"}
	}
	if _, err := e.loadBot(ctx, botID); err != nil {
		return nil, err
	}
	return e.store.ListPullRequests(ctx, botID, status)
}

type MergeResult struct {
	PullRequest         store.PullRequest
	MergeCommit         store.Commit
	SourceBranchDeleted bool
}

// CompletePullRequest merges the source tip into the target branch. The
// merge commit stores the diff from the target tip to the source tip, or a
// snapshot when the target has no commits yet.
func (e *Engine) CompletePullRequest(ctx context.Context, botID, prID, actorID string) (MergeResult, error) {
	bot, err := e.loadBot(ctx, botID)
	if err != nil {
		return MergeResult{}, err
	}
	pr, err := e.loadPullRequest(ctx, e.store, botID, prID)
	if err != nil {
		return MergeResult{}, err
	}
	if _, err := e.authorize(ctx, bot, actorID, rbac.ActionMerge); err != nil {
		return MergeResult{}, err
	}
	if pr.Status != store.PRStatusOpen {
		return MergeResult{}, &PullRequestNotOpenError{ID: pr.ID, Status: pr.Status}
	}
	unresolved, err := e.store.CountUnresolvedComments(ctx, pr.ID)
	if err != nil {
		return MergeResult{}, err
	}
	if unresolved > 0 {
		return MergeResult{}, &UnresolvedCommentsError{Count: unresolved}
	}

	source, err := e.loadBranch(ctx, e.store, botID, pr.SourceBranchID)
	if err != nil {
		return MergeResult{}, err
	}
	target, err := e.loadBranch(ctx, e.store, botID, pr.TargetBranchID)
	if err != nil {
		return MergeResult{}, err
	}
	if source.LatestCommitID == nil {
		return MergeResult{}, &ValidationError{Field: "sourceBranchId", Message: "source branch has no commits to merge"}
	}

	var sourceState, targetState json.RawMessage
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		state, err := e.hydrate(gctx, e.store, *source.LatestCommitID)
		sourceState = state
		return err
	})
	if target.LatestCommitID != nil {
		g.Go(func() error {
			state, err := e.hydrate(gctx, e.store, *target.LatestCommitID)
			targetState = state
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return MergeResult{}, err
	}

	now := e.timestamp()
	prRef := pr.ID
	merge := store.Commit{
		ID:        e.newID("cmt"),
		BotID:     bot.ID,
		BranchID:  target.ID,
		Message:   fmt.Sprintf("Merge pull request %q from %s into %s", pr.Title, source.Name, target.Name),
		Author:    actorID,
		CreatedAt: now,
		PRID:      &prRef,
	}
	if target.LatestCommitID == nil {
		merge.IsInitialCommit = true
		merge.ModelState = sourceState
	} else {
		diff, err := patch.Diff(targetState, sourceState)
		if err != nil {
			return MergeResult{}, err
		}
		merge.ParentCommitID = copyID(target.LatestCommitID)
		merge.ModelDiff = diff
	}

	err = e.store.WithTx(ctx, func(tx store.Store) error {
		// Holding the PR row makes a concurrent comment wait, so the count
		// below is the final word for this merge.
		current, err := e.lockPullRequest(ctx, tx, botID, pr.ID)
		if err != nil {
			return err
		}
		if current.Status != store.PRStatusOpen {
			return &PullRequestNotOpenError{ID: current.ID, Status: current.Status}
		}
		count, err := tx.CountUnresolvedComments(ctx, pr.ID)
		if err != nil {
			return err
		}
		if count > 0 {
			return &UnresolvedCommentsError{Count: count}
		}
		currentSource, err := e.loadBranch(ctx, tx, botID, source.ID)
		if err != nil {
			return err
		}
		if !sameID(currentSource.LatestCommitID, source.LatestCommitID) {
			metrics.BranchHeadConflicts.Inc()
			return &ConcurrencyConflictError{
				BranchID: source.ID,
				Expected: deref(source.LatestCommitID),
				Actual:   deref(currentSource.LatestCommitID),
			}
		}
		if err := tx.InsertCommit(ctx, merge); err != nil {
			return err
		}
		if err := tx.CompareAndSetBranchHead(ctx, target.ID, target.LatestCommitID, merge.ID, now); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return e.headConflict(ctx, tx, target.ID, target.LatestCommitID)
			}
			return err
		}
		if err := tx.CompletePullRequest(ctx, pr.ID, merge.ID, source.Name, target.Name, now); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return &PullRequestNotOpenError{ID: pr.ID, Status: "no longer open"}
			}
			return err
		}
		return nil
	})
	if err != nil {
		return MergeResult{}, err
	}

	e.cachePut(ctx, merge.ID, sourceState)
	metrics.PullRequestTransitions.WithLabelValues(store.PRStatusCompleted).Inc()
	if target.IsDefault {
		e.refreshSummary(ctx, bot, sourceState)
	}

	result := MergeResult{MergeCommit: merge}
	if source.IsDefault {
		log.Info().Str("pr_id", pr.ID).Str("branch_id", source.ID).Msg("merged from the default branch; source kept")
	} else if _, err := e.deleteBranch(ctx, botID, source.ID, "merge"); err != nil {
		// The merge stands. Reconcile removes the leftover branch later.
		log.Error().Err(err).Str("pr_id", pr.ID).Str("branch_id", source.ID).Msg("delete merged source branch failed")
	} else {
		result.SourceBranchDeleted = true
	}

	completed, err := e.loadPullRequest(ctx, e.store, botID, pr.ID)
	if err != nil {
		return MergeResult{}, err
	}
	result.PullRequest = completed
	log.Info().Str("bot_id", botID).Str("pr_id", pr.ID).Str("merge_commit_id", merge.ID).Msg("pull request completed")
	return result, nil
}

// ClosePullRequest abandons an open pull request. The owner and the author
// of the pull request may close it.
func (e *Engine) ClosePullRequest(ctx context.Context, botID, prID, actorID string) (store.PullRequest, error) {
	bot, err := e.loadBot(ctx, botID)
	if err != nil {
		return store.PullRequest{}, err
	}
	pr, err := e.loadPullRequest(ctx, e.store, botID, prID)
	if err != nil {
		return store.PullRequest{}, err
	}
	if actorID == "" || (actorID != bot.OwnerID && actorID != pr.CreatorID) {
		return store.PullRequest{}, &AuthorizationError{UserID: actorID, Action: "close_pull_request"}
	}
	if pr.Status != store.PRStatusOpen {
		return store.PullRequest{}, &PullRequestNotOpenError{ID: pr.ID, Status: pr.Status}
	}

	sourceName := e.branchNameOr(ctx, pr.SourceBranchID, pr.SourceBranchName)
	targetName := e.branchNameOr(ctx, pr.TargetBranchID, pr.TargetBranchName)
	if err := e.store.ClosePullRequest(ctx, pr.ID, sourceName, targetName, e.timestamp()); err != nil {
		if errors.Is(err, store.ErrConflict) {
			current, getErr := e.store.GetPullRequest(ctx, pr.ID)
			if getErr == nil {
				return store.PullRequest{}, &PullRequestNotOpenError{ID: pr.ID, Status: current.Status}
			}
		}
		return store.PullRequest{}, err
	}
	metrics.PullRequestTransitions.WithLabelValues(store.PRStatusClosed).Inc()
	return e.loadPullRequest(ctx, e.store, botID, pr.ID)
}

func (e *Engine) branchNameOr(ctx context.Context, branchID, fallback string) string {
	branch, err := e.store.GetBranch(ctx, branchID)
	if err != nil {
		return fallback
	}
	return branch.Name
}

type PullRequestDiff struct {
	OldState json.RawMessage
	NewState json.RawMessage
	Lines    []DiffLine
}

// GetPullRequestDiff presents the review diff. An open pull request
// compares the target tip to the source tip. A completed one compares the
// pre-merge target state to the merge commit. A closed one has no diff:
// its branches may have moved on or been deleted since it was abandoned.
func (e *Engine) GetPullRequestDiff(ctx context.Context, botID, prID string) (PullRequestDiff, error) {
	pr, err := e.loadPullRequest(ctx, e.store, botID, prID)
	if err != nil {
		return PullRequestDiff{}, err
	}

	var oldID, newID *string
	switch pr.Status {
	case store.PRStatusCompleted:
		if pr.MergeCommitID == nil {
			return PullRequestDiff{}, e.invariant("pull_request_diff", "completed pull request has no merge commit", nil, map[string]any{"pr_id": pr.ID})
		}
		merge, err := e.store.GetCommit(ctx, *pr.MergeCommitID)
		if err != nil {
			return PullRequestDiff{}, notFound("commit", *pr.MergeCommitID, err)
		}
		oldID, newID = copyID(merge.ParentCommitID), copyID(pr.MergeCommitID)
	case store.PRStatusClosed:
		return PullRequestDiff{}, &PullRequestNotOpenError{ID: pr.ID, Status: pr.Status}
	default:
		source, err := e.loadBranch(ctx, e.store, botID, pr.SourceBranchID)
		if err != nil {
			return PullRequestDiff{}, err
		}
		target, err := e.loadBranch(ctx, e.store, botID, pr.TargetBranchID)
		if err != nil {
			return PullRequestDiff{}, err
		}
		oldID, newID = copyID(target.LatestCommitID), copyID(source.LatestCommitID)
	}

	states := [2]json.RawMessage{json.RawMessage(`{}`), json.RawMessage(`{}`)}
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range []*string{oldID, newID} {
		if id == nil {
			continue
		}
		g.Go(func() error {
			state, err := e.hydrate(gctx, e.store, *id)
			states[i] = state
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return PullRequestDiff{}, err
	}

	lines, err := LineDiff(states[0], states[1])
	if err != nil {
		return PullRequestDiff{}, err
	}
	return PullRequestDiff{OldState: states[0], NewState: states[1], Lines: lines}, nil
}
