package versioning

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"

	"botforge/api/internal/metrics"
	"botforge/api/internal/rbac"
	"botforge/api/internal/store"
)

type CreateBranchInput struct {
	BotID string `json:"botId" validate:"required"`
	Name  string `json:"name" validate:"required,max=100,branchname"`
	// SourceBranchID defaults to the bot's default branch.
	SourceBranchID string `json:"sourceBranchId"`
	ActorID        string `json:"actorId" validate:"required"`
}

// CreateBranch forks a branch from the source's current tip and captures
// the source's full ancestry by value.
func (e *Engine) CreateBranch(ctx context.Context, in CreateBranchInput) (store.Branch, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := validateInput(in); err != nil {
		return store.Branch{}, err
	}
	bot, err := e.loadBot(ctx, in.BotID)
	if err != nil {
		return store.Branch{}, err
	}
	if _, err := e.authorize(ctx, bot, in.ActorID, rbac.ActionEdit); err != nil {
		return store.Branch{}, err
	}

	var branch, source store.Branch
	err = e.store.WithTx(ctx, func(tx store.Store) error {
		sourceID := in.SourceBranchID
		if sourceID == "" {
			trunk, err := tx.GetDefaultBranch(ctx, bot.ID)
			if err != nil {
				return notFound("default branch", bot.ID, err)
			}
			sourceID = trunk.ID
		}
		// Re-read under lock: the tip and ancestry copied below must still
		// exist when the new branch row lands.
		locked, err := e.lockBranch(ctx, tx, bot.ID, sourceID)
		if err != nil {
			return err
		}
		source = locked

		if _, err := tx.GetBranchByName(ctx, bot.ID, in.Name); err == nil {
			return &DuplicateBranchNameError{Name: in.Name}
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		if source.IsDefault {
			// The trunk only seeds the first feature branch. Later forks come
			// from feature branches.
			branches, err := tx.ListBranches(ctx, bot.ID)
			if err != nil {
				return err
			}
			for _, existing := range branches {
				if !existing.IsDefault {
					return &InvalidSourceBranchError{
						BranchID: source.ID,
						Reason:   "the default branch can only seed the first feature branch; fork from " + existing.Name + " instead",
					}
				}
			}
		}

		base := make([]string, 0, len(source.BaseCommitIDs)+1)
		base = append(base, source.BaseCommitIDs...)
		if source.LatestCommitID != nil {
			base = append(base, *source.LatestCommitID)
		}
		now := e.timestamp()
		parentID := source.ID
		branch = store.Branch{
			ID:             e.newID("br"),
			BotID:          bot.ID,
			Name:           in.Name,
			SourceBranchID: &parentID,
			SourceCommitID: copyID(source.LatestCommitID),
			BaseCommitIDs:  base,
			LatestCommitID: copyID(source.LatestCommitID),
			CreatedBy:      in.ActorID,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.InsertBranch(ctx, branch); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return &DuplicateBranchNameError{Name: in.Name}
			}
			return err
		}
		return nil
	})
	if err != nil {
		return store.Branch{}, err
	}
	log.Info().Str("bot_id", bot.ID).Str("branch_id", branch.ID).Str("source_branch_id", source.ID).Msg("branch created")
	return branch, nil
}

func (e *Engine) GetBranch(ctx context.Context, botID, branchID string) (store.Branch, error) {
	return e.loadBranch(ctx, e.store, botID, branchID)
}

func (e *Engine) ListBranches(ctx context.Context, botID string) ([]store.Branch, error) {
	if _, err := e.loadBot(ctx, botID); err != nil {
		return nil, err
	}
	return e.store.ListBranches(ctx, botID)
}

type DeleteBranchResult struct {
	BranchID           string
	RepointedBranches  int
	ClosedPullRequests []string
	DeletedCommitIDs   []string
}

func (e *Engine) DeleteBranch(ctx context.Context, botID, branchID, actorID string) (DeleteBranchResult, error) {
	bot, err := e.loadBot(ctx, botID)
	if err != nil {
		return DeleteBranchResult{}, err
	}
	if _, err := e.authorize(ctx, bot, actorID, rbac.ActionEdit); err != nil {
		return DeleteBranchResult{}, err
	}
	return e.deleteBranch(ctx, botID, branchID, "delete")
}

// deleteBranch re-links children to the grandparent, closes open pull
// requests that reference the branch, removes the commits only this branch
// can reach and finally the branch itself, all in one transaction.
func (e *Engine) deleteBranch(ctx context.Context, botID, branchID, trigger string) (DeleteBranchResult, error) {
	result := DeleteBranchResult{BranchID: branchID}
	err := e.store.WithTx(ctx, func(tx store.Store) error {
		branch, err := e.lockBranch(ctx, tx, botID, branchID)
		if err != nil {
			return err
		}
		if branch.IsDefault {
			return &CannotDeleteDefaultBranchError{BranchID: branch.ID}
		}
		now := e.timestamp()

		branches, err := tx.ListBranches(ctx, botID)
		if err != nil {
			return err
		}
		names := make(map[string]string, len(branches))
		var defaultID *string
		for _, candidate := range branches {
			names[candidate.ID] = candidate.Name
			if candidate.IsDefault {
				id := candidate.ID
				defaultID = &id
			}
		}

		grandparent := branch.SourceBranchID
		if grandparent == nil || names[*grandparent] == "" {
			grandparent = defaultID
		}
		result.RepointedBranches, err = tx.RepointChildBranches(ctx, branch.ID, grandparent, now)
		if err != nil {
			return err
		}

		open, err := tx.ListOpenPullRequestsForBranch(ctx, branch.ID)
		if err != nil {
			return err
		}
		for _, pr := range open {
			sourceName := nameOr(names, pr.SourceBranchID, pr.SourceBranchName)
			targetName := nameOr(names, pr.TargetBranchID, pr.TargetBranchName)
			if err := tx.ClosePullRequest(ctx, pr.ID, sourceName, targetName, now); err != nil {
				return err
			}
			result.ClosedPullRequests = append(result.ClosedPullRequests, pr.ID)
		}

		exclusive, err := exclusiveCommits(ctx, tx, branch)
		if err != nil {
			return err
		}
		if _, err := tx.DeleteCommits(ctx, exclusive); err != nil {
			return err
		}
		result.DeletedCommitIDs = exclusive
		return tx.DeleteBranch(ctx, branch.ID)
	})
	if err != nil {
		return DeleteBranchResult{}, err
	}

	e.cacheEvict(ctx, result.DeletedCommitIDs)
	metrics.CollectedCommits.WithLabelValues(trigger).Add(float64(len(result.DeletedCommitIDs)))
	if len(result.ClosedPullRequests) > 0 {
		metrics.PullRequestTransitions.WithLabelValues(store.PRStatusClosed).Add(float64(len(result.ClosedPullRequests)))
	}
	log.Info().
		Str("bot_id", botID).
		Str("branch_id", branchID).
		Str("trigger", trigger).
		Int("repointed", result.RepointedBranches).
		Int("closed_pull_requests", len(result.ClosedPullRequests)).
		Int("collected_commits", len(result.DeletedCommitIDs)).
		Msg("branch deleted")
	return result, nil
}

// exclusiveCommits returns the commits authored on branch that no other
// branch can reach through its ancestry or tip.
func exclusiveCommits(ctx context.Context, s store.Store, branch store.Branch) ([]string, error) {
	refs, err := s.ListCommitRefs(ctx, branch.BotID)
	if err != nil {
		return nil, err
	}
	branches, err := s.ListBranches(ctx, branch.BotID)
	if err != nil {
		return nil, err
	}
	survivors := make([]store.Branch, 0, len(branches))
	for _, other := range branches {
		if other.ID != branch.ID {
			survivors = append(survivors, other)
		}
	}
	reachable := reachableCommits(refs, survivors)

	exclusive := make([]string, 0)
	for _, ref := range refs {
		if ref.BranchID != branch.ID {
			continue
		}
		if _, kept := reachable[ref.ID]; !kept {
			exclusive = append(exclusive, ref.ID)
		}
	}
	return exclusive, nil
}

// reachableCommits is the parent closure of every branch's ancestry and
// tip, plus any extra roots.
func reachableCommits(refs []store.CommitRef, branches []store.Branch, extra ...string) map[string]struct{} {
	parents := make(map[string]*string, len(refs))
	for _, ref := range refs {
		parents[ref.ID] = ref.ParentCommitID
	}
	reachable := make(map[string]struct{}, len(refs))
	stack := make([]string, 0, len(branches)*2+len(extra))
	stack = append(stack, extra...)
	for _, branch := range branches {
		stack = append(stack, branch.BaseCommitIDs...)
		if branch.LatestCommitID != nil {
			stack = append(stack, *branch.LatestCommitID)
		}
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := reachable[id]; seen {
			continue
		}
		parent, exists := parents[id]
		if !exists {
			continue
		}
		reachable[id] = struct{}{}
		if parent != nil {
			stack = append(stack, *parent)
		}
	}
	return reachable
}

func nameOr(names map[string]string, id, fallback string) string {
	if name, ok := names[id]; ok && name != "" {
		return name
	}
	return fallback
}
