package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrConflict  = errors.New("record changed concurrently")
	ErrDuplicate = errors.New("record already exists")
)

// Store is the persistence boundary of the versioning engine. Every method
// runs against the transaction the store is bound to, if any.
type Store interface {
	// WithTx runs fn against a store bound to a single transaction. The
	// transaction commits when fn returns nil. Nested calls reuse the
	// outer transaction.
	WithTx(ctx context.Context, fn func(tx Store) error) error
	Ping(ctx context.Context) error

	CreateBot(ctx context.Context, bot Bot) error
	GetBot(ctx context.Context, botID string) (Bot, error)
	ListBotIDs(ctx context.Context) ([]string, error)
	UpdateBotSummary(ctx context.Context, botID string, summary BotSummary, at time.Time) error
	AddCollaborator(ctx context.Context, botID, userID string) error
	IsCollaborator(ctx context.Context, botID, userID string) (bool, error)

	InsertBranch(ctx context.Context, branch Branch) error
	GetBranch(ctx context.Context, branchID string) (Branch, error)
	// LockBranch reads the branch and holds a row lock on it until the
	// enclosing transaction ends.
	LockBranch(ctx context.Context, branchID string) (Branch, error)
	GetBranchByName(ctx context.Context, botID, name string) (Branch, error)
	GetDefaultBranch(ctx context.Context, botID string) (Branch, error)
	ListBranches(ctx context.Context, botID string) ([]Branch, error)
	// CompareAndSetBranchHead moves the branch head to next only if it still
	// equals expected (nil meaning no commits yet). A miss returns ErrConflict.
	CompareAndSetBranchHead(ctx context.Context, branchID string, expected *string, next string, at time.Time) error
	RepointChildBranches(ctx context.Context, fromBranchID string, to *string, at time.Time) (int, error)
	SetBranchSource(ctx context.Context, branchID string, source *string, at time.Time) error
	DeleteBranch(ctx context.Context, branchID string) error

	InsertCommit(ctx context.Context, commit Commit) error
	GetCommit(ctx context.Context, commitID string) (Commit, error)
	// GetCommits returns the commits that exist among ids, in no particular
	// order. Missing ids are skipped.
	GetCommits(ctx context.Context, ids []string) ([]Commit, error)
	// ListCommits returns the bot's commits ordered by creation time. An
	// empty branchID lists every branch.
	ListCommits(ctx context.Context, botID, branchID string) ([]Commit, error)
	ListCommitRefs(ctx context.Context, botID string) ([]CommitRef, error)
	DeleteCommits(ctx context.Context, ids []string) (int, error)

	InsertPullRequest(ctx context.Context, pr PullRequest) error
	GetPullRequest(ctx context.Context, prID string) (PullRequest, error)
	LockPullRequest(ctx context.Context, prID string) (PullRequest, error)
	ListPullRequests(ctx context.Context, botID, status string) ([]PullRequest, error)
	FindOpenPullRequest(ctx context.Context, sourceBranchID, targetBranchID string) (PullRequest, error)
	ListOpenPullRequestsForBranch(ctx context.Context, branchID string) ([]PullRequest, error)
	// CompletePullRequest and ClosePullRequest only transition an open PR.
	// Any other status returns ErrConflict.
	CompletePullRequest(ctx context.Context, prID, mergeCommitID, sourceName, targetName string, at time.Time) error
	ClosePullRequest(ctx context.Context, prID, sourceName, targetName string, at time.Time) error

	// InsertComment only attaches to an open PR. A PR in any other status
	// returns ErrConflict.
	InsertComment(ctx context.Context, comment PRComment) error
	GetComment(ctx context.Context, commentID string) (PRComment, error)
	ListComments(ctx context.Context, prID string) ([]PRComment, error)
	UpdateCommentContent(ctx context.Context, commentID, content string, at time.Time) error
	SetCommentResolved(ctx context.Context, commentID string, resolved bool, resolvedBy *string, at time.Time) error
	CountUnresolvedComments(ctx context.Context, prID string) (int, error)
}
