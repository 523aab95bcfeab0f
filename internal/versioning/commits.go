package versioning

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"botforge/api/internal/patch"
	"botforge/api/internal/rbac"
	"botforge/api/internal/store"
)

type CreateCommitInput struct {
	BotID    string          `json:"botId" validate:"required"`
	BranchID string          `json:"branchId" validate:"required"`
	Message  string          `json:"message" validate:"max=2000"`
	State    json.RawMessage `json:"state" validate:"required"`
	AuthorID string          `json:"authorId" validate:"required"`
	// ExpectedLatestCommitID is the head the caller last observed. An empty
	// branch is observed as nil or "". When nil the head read at the start
	// of the call is used.
	ExpectedLatestCommitID *string `json:"expectedLatestCommitId"`
}

// CreateCommit records State as the next commit on the branch and advances
// the branch head with a compare-and-swap.
func (e *Engine) CreateCommit(ctx context.Context, in CreateCommitInput) (store.Commit, error) {
	if err := validateInput(in); err != nil {
		return store.Commit{}, err
	}
	if !isJSONObject(in.State) {
		return store.Commit{}, &ValidationError{Field: "state", Message: "must be a JSON object"}
	}
	bot, err := e.loadBot(ctx, in.BotID)
	if err != nil {
		return store.Commit{}, err
	}
	if _, err := e.authorize(ctx, bot, in.AuthorID, rbac.ActionEdit); err != nil {
		return store.Commit{}, err
	}
	branch, err := e.loadBranch(ctx, e.store, in.BotID, in.BranchID)
	if err != nil {
		return store.Commit{}, err
	}

	expected := branch.LatestCommitID
	if in.ExpectedLatestCommitID != nil {
		observed := in.ExpectedLatestCommitID
		if strings.TrimSpace(*observed) == "" {
			observed = nil
		}
		if !sameID(expected, observed) {
			return store.Commit{}, e.headConflict(ctx, e.store, branch.ID, observed)
		}
		expected = observed
	}

	state, err := patch.Normalize(in.State)
	if err != nil {
		return store.Commit{}, &ValidationError{Field: "state", Message: "must be valid JSON"}
	}
	commit := store.Commit{
		ID:        e.newID("cmt"),
		BotID:     bot.ID,
		BranchID:  branch.ID,
		Message:   in.Message,
		Author:    in.AuthorID,
		CreatedAt: e.timestamp(),
	}
	if expected == nil {
		commit.IsInitialCommit = true
		commit.ModelState = state
	} else {
		parentState, err := e.hydrate(ctx, e.store, *expected)
		if err != nil {
			return store.Commit{}, err
		}
		diff, err := patch.Diff(parentState, state)
		if err != nil {
			return store.Commit{}, err
		}
		commit.ParentCommitID = copyID(expected)
		commit.ModelDiff = diff
	}

	err = e.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.InsertCommit(ctx, commit); err != nil {
			return err
		}
		if err := tx.CompareAndSetBranchHead(ctx, branch.ID, expected, commit.ID, commit.CreatedAt); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return e.headConflict(ctx, tx, branch.ID, expected)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return store.Commit{}, err
	}

	e.cachePut(ctx, commit.ID, state)
	if branch.IsDefault {
		e.refreshSummary(ctx, bot, state)
	}
	log.Info().
		Str("bot_id", bot.ID).
		Str("branch_id", branch.ID).
		Str("commit_id", commit.ID).
		Bool("initial", commit.IsInitialCommit).
		Msg("commit created")
	return commit, nil
}

type CommitWithState struct {
	Commit store.Commit
	State  json.RawMessage
}

func (e *Engine) GetCommit(ctx context.Context, botID, commitID string) (CommitWithState, error) {
	commit, err := e.store.GetCommit(ctx, commitID)
	if err != nil {
		return CommitWithState{}, notFound("commit", commitID, err)
	}
	if commit.BotID != botID {
		return CommitWithState{}, &NotFoundError{Kind: "commit", ID: commitID}
	}
	state, err := e.hydrate(ctx, e.store, commitID)
	if err != nil {
		return CommitWithState{}, err
	}
	return CommitWithState{Commit: commit, State: state}, nil
}

// ListCommits lists the bot's commits by creation time. With a branch it
// returns the commits authored on the branch plus its inherited ancestry.
func (e *Engine) ListCommits(ctx context.Context, botID, branchID string) ([]store.Commit, error) {
	if _, err := e.loadBot(ctx, botID); err != nil {
		return nil, err
	}
	if branchID == "" {
		return e.store.ListCommits(ctx, botID, "")
	}
	branch, err := e.loadBranch(ctx, e.store, botID, branchID)
	if err != nil {
		return nil, err
	}
	inherited, err := e.store.GetCommits(ctx, branch.BaseCommitIDs)
	if err != nil {
		return nil, err
	}
	own, err := e.store.ListCommits(ctx, botID, branch.ID)
	if err != nil {
		return nil, err
	}

	position := make(map[string]int, len(branch.BaseCommitIDs))
	for i, id := range branch.BaseCommitIDs {
		if _, ok := position[id]; !ok {
			position[id] = i
		}
	}
	sort.SliceStable(inherited, func(i, j int) bool {
		return position[inherited[i].ID] < position[inherited[j].ID]
	})

	seen := make(map[string]struct{}, len(inherited)+len(own))
	commits := make([]store.Commit, 0, len(inherited)+len(own))
	for _, group := range [][]store.Commit{inherited, own} {
		for _, commit := range group {
			if _, dup := seen[commit.ID]; dup {
				continue
			}
			seen[commit.ID] = struct{}{}
			commits = append(commits, commit)
		}
	}
	sort.SliceStable(commits, func(i, j int) bool {
		return commits[i].CreatedAt.Before(commits[j].CreatedAt)
	})
	return commits, nil
}
