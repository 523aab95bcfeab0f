package versioning

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"botforge/api/internal/store"
)

func (env *testEnv) openPullRequest(t *testing.T, botID, sourceID, targetID string) store.PullRequest {
	t.Helper()
	pr, err := env.engine.CreatePullRequest(context.Background(), CreatePullRequestInput{
		BotID: botID, SourceBranchID: sourceID, TargetBranchID: targetID,
		Title: "Raise temperature", CreatorID: collaborator,
	})
	require.NoError(t, err)
	return pr
}

func TestMergeProducesCommitOnTargetAndDeletesSource(t *testing.T) {
	env := newTestEnv(t)
	boot := env.bootstrap(t)
	ctx := context.Background()
	feat := env.branch(t, boot.Bot.ID, "feat", "")
	c1 := env.commit(t, boot.Bot.ID, feat.ID, `{"temp":0.9}`)
	pr := env.openPullRequest(t, boot.Bot.ID, feat.ID, boot.DefaultBranch.ID)

	result, err := env.engine.CompletePullRequest(ctx, boot.Bot.ID, pr.ID, owner)
	require.NoError(t, err)
	require.True(t, result.SourceBranchDeleted)

	merge := result.MergeCommit
	require.Equal(t, boot.DefaultBranch.ID, merge.BranchID)
	require.Equal(t, boot.InitialCommit.ID, *merge.ParentCommitID)
	require.Equal(t, pr.ID, *merge.PRID)
	require.JSONEq(t, `{"temp":0.9}`, string(mustHydrateCold(t, env, merge.ID)))

	require.Equal(t, store.PRStatusCompleted, result.PullRequest.Status)
	require.Equal(t, merge.ID, *result.PullRequest.MergeCommitID)
	require.NotNil(t, result.PullRequest.CompletedAt)
	require.Equal(t, "feat", result.PullRequest.SourceBranchName)
	require.Equal(t, DefaultBranchName, result.PullRequest.TargetBranchName)

	var nf *NotFoundError
	_, err = env.engine.GetBranch(ctx, boot.Bot.ID, feat.ID)
	require.ErrorAs(t, err, &nf)
	_, err = env.engine.Hydrate(ctx, c1.ID)
	require.ErrorAs(t, err, &nf)

	commits, err := env.engine.ListCommits(ctx, boot.Bot.ID, boot.DefaultBranch.ID)
	require.NoError(t, err)
	require.Equal(t, []string{boot.InitialCommit.ID, merge.ID}, commitIDs(commits))

	master, err := env.engine.GetBranch(ctx, boot.Bot.ID, boot.DefaultBranch.ID)
	require.NoError(t, err)
	require.Equal(t, merge.ID, *master.LatestCommitID)
}

func TestMergeBlockedByUnresolvedComment(t *testing.T) {
	env := newTestEnv(t)
	boot := env.bootstrap(t)
	ctx := context.Background()
	feat := env.branch(t, boot.Bot.ID, "feat", "")
	env.commit(t, boot.Bot.ID, feat.ID, `{"temp":0.9}`)
	pr := env.openPullRequest(t, boot.Bot.ID, feat.ID, boot.DefaultBranch.ID)

	comment, err := env.engine.AddComment(ctx, AddCommentInput{
		BotID: boot.Bot.ID, PRID: pr.ID, UserID: collaborator, Content: "too hot?",
	})
	require.NoError(t, err)

	_, err = env.engine.CompletePullRequest(ctx, boot.Bot.ID, pr.ID, owner)
	var unresolved *UnresolvedCommentsError
	require.ErrorAs(t, err, &unresolved)
	require.Equal(t, 1, unresolved.Count)

	commits, err := env.engine.ListCommits(ctx, boot.Bot.ID, boot.DefaultBranch.ID)
	require.NoError(t, err)
	require.Equal(t, []string{boot.InitialCommit.ID}, commitIDs(commits))
	stillOpen, err := env.engine.GetPullRequest(ctx, boot.Bot.ID, pr.ID)
	require.NoError(t, err)
	require.Equal(t, store.PRStatusOpen, stillOpen.Status)

	_, err = env.engine.ResolveComment(ctx, boot.Bot.ID, comment.ID, true, collaborator)
	require.NoError(t, err)
	_, err = env.engine.CompletePullRequest(ctx, boot.Bot.ID, pr.ID, owner)
	require.NoError(t, err)
}

func TestMergeIntoEmptyTargetWritesSnapshot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	boot, err := env.engine.CreateBot(ctx, CreateBotInput{Name: "blank", OwnerID: owner})
	require.NoError(t, err)
	feat := env.branch(t, boot.Bot.ID, "feat", "")
	require.Nil(t, feat.LatestCommitID)
	env.commit(t, boot.Bot.ID, feat.ID, `{"temp":0.4}`)

	pr, err := env.engine.CreatePullRequest(ctx, CreatePullRequestInput{
		BotID: boot.Bot.ID, SourceBranchID: feat.ID, TargetBranchID: boot.DefaultBranch.ID, Title: "seed", CreatorID: owner,
	})
	require.NoError(t, err)
	result, err := env.engine.CompletePullRequest(ctx, boot.Bot.ID, pr.ID, owner)
	require.NoError(t, err)
	require.True(t, result.MergeCommit.IsInitialCommit)
	require.Nil(t, result.MergeCommit.ParentCommitID)
	require.JSONEq(t, `{"temp":0.4}`, string(result.MergeCommit.ModelState))
}

func TestMergeRequiresOwner(t *testing.T) {
	env := newTestEnv(t)
	boot := env.bootstrap(t)
	feat := env.branch(t, boot.Bot.ID, "feat", "")
	env.commit(t, boot.Bot.ID, feat.ID, `{"temp":0.9}`)
	pr := env.openPullRequest(t, boot.Bot.ID, feat.ID, boot.DefaultBranch.ID)

	_, err := env.engine.CompletePullRequest(context.Background(), boot.Bot.ID, pr.ID, collaborator)
	var authErr *AuthorizationError
	require.ErrorAs(t, err, &authErr)
}

func TestMergeRefreshesBotSummary(t *testing.T) {
	env := newTestEnv(t)
	boot := env.bootstrap(t)
	ctx := context.Background()
	feat := env.branch(t, boot.Bot.ID, "feat", "")
	env.commit(t, boot.Bot.ID, feat.ID, `{"name":"Renamed","prompt":"p2","parameters":{"temp":0.9}}`)
	pr := env.openPullRequest(t, boot.Bot.ID, feat.ID, boot.DefaultBranch.ID)

	before, err := env.engine.GetBot(ctx, boot.Bot.ID)
	require.NoError(t, err)
	require.Equal(t, "support-bot", before.Name)

	_, err = env.engine.CompletePullRequest(ctx, boot.Bot.ID, pr.ID, owner)
	require.NoError(t, err)
	after, err := env.engine.GetBot(ctx, boot.Bot.ID)
	require.NoError(t, err)
	require.Equal(t, "Renamed", after.Name)
	require.Equal(t, "p2", after.Prompt)
}

func TestCreatePullRequestRejectsStaleSource(t *testing.T) {
	env := newTestEnv(t)
	boot := env.bootstrap(t)
	ctx := context.Background()
	feat := env.branch(t, boot.Bot.ID, "feat", "")

	_, err := env.engine.CreatePullRequest(ctx, CreatePullRequestInput{
		BotID: boot.Bot.ID, SourceBranchID: feat.ID, TargetBranchID: boot.DefaultBranch.ID, Title: "nothing", CreatorID: owner,
	})
	var stale *StaleSourceBranchError
	require.ErrorAs(t, err, &stale)
	require.Equal(t, boot.InitialCommit.ID, stale.TargetCommitID)

	_, err = env.engine.CreatePullRequest(ctx, CreatePullRequestInput{
		BotID: boot.Bot.ID, SourceBranchID: feat.ID, TargetBranchID: feat.ID, Title: "self", CreatorID: owner,
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestCreatePullRequestRejectsDuplicateOpenPair(t *testing.T) {
	env := newTestEnv(t)
	boot := env.bootstrap(t)
	feat := env.branch(t, boot.Bot.ID, "feat", "")
	env.commit(t, boot.Bot.ID, feat.ID, `{"temp":0.9}`)
	first := env.openPullRequest(t, boot.Bot.ID, feat.ID, boot.DefaultBranch.ID)

	_, err := env.engine.CreatePullRequest(context.Background(), CreatePullRequestInput{
		BotID: boot.Bot.ID, SourceBranchID: feat.ID, TargetBranchID: boot.DefaultBranch.ID, Title: "again", CreatorID: owner,
	})
	var dup *DuplicatePullRequestError
	require.ErrorAs(t, err, &dup)
	require.Equal(t, first.ID, dup.ExistingID)

	_, err = env.engine.ClosePullRequest(context.Background(), boot.Bot.ID, first.ID, collaborator)
	require.NoError(t, err)
	env.openPullRequest(t, boot.Bot.ID, feat.ID, boot.DefaultBranch.ID)
}

func TestClosePullRequestIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	boot := env.bootstrap(t)
	ctx := context.Background()
	feat := env.branch(t, boot.Bot.ID, "feat", "")
	env.commit(t, boot.Bot.ID, feat.ID, `{"temp":0.9}`)
	pr := env.openPullRequest(t, boot.Bot.ID, feat.ID, boot.DefaultBranch.ID)

	_, err := env.engine.ClosePullRequest(ctx, boot.Bot.ID, pr.ID, stranger)
	var authErr *AuthorizationError
	require.ErrorAs(t, err, &authErr)

	closed, err := env.engine.ClosePullRequest(ctx, boot.Bot.ID, pr.ID, owner)
	require.NoError(t, err)
	require.Equal(t, store.PRStatusClosed, closed.Status)
	require.NotNil(t, closed.ClosedAt)

	var notOpen *PullRequestNotOpenError
	_, err = env.engine.CompletePullRequest(ctx, boot.Bot.ID, pr.ID, owner)
	require.ErrorAs(t, err, &notOpen)
	require.Equal(t, store.PRStatusClosed, notOpen.Status)
	_, err = env.engine.ClosePullRequest(ctx, boot.Bot.ID, pr.ID, owner)
	require.ErrorAs(t, err, &notOpen)

	_, err = env.engine.GetBranch(ctx, boot.Bot.ID, feat.ID)
	require.NoError(t, err)
}

func TestListPullRequestsFiltersByStatus(t *testing.T) {
	env := newTestEnv(t)
	boot := env.bootstrap(t)
	ctx := context.Background()
	feat := env.branch(t, boot.Bot.ID, "feat", "")
	env.commit(t, boot.Bot.ID, feat.ID, `{"temp":0.9}`)
	pr := env.openPullRequest(t, boot.Bot.ID, feat.ID, boot.DefaultBranch.ID)

	open, err := env.engine.ListPullRequests(ctx, boot.Bot.ID, store.PRStatusOpen)
	require.NoError(t, err)
	require.Len(t, open, 1)
	completed, err := env.engine.ListPullRequests(ctx, boot.Bot.ID, store.PRStatusCompleted)
	require.NoError(t, err)
	require.Empty(t, completed)

	_, err = env.engine.CompletePullRequest(ctx, boot.Bot.ID, pr.ID, owner)
	require.NoError(t, err)
	completed, err = env.engine.ListPullRequests(ctx, boot.Bot.ID, store.PRStatusCompleted)
	require.NoError(t, err)
	require.Len(t, completed, 1)

	_, err = env.engine.ListPullRequests(ctx, boot.Bot.ID, "merged")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestPullRequestDiffPresentation(t *testing.T) {
	env := newTestEnv(t)
	boot := env.bootstrap(t)
	ctx := context.Background()
	feat := env.branch(t, boot.Bot.ID, "feat", "")
	env.commit(t, boot.Bot.ID, feat.ID, `{"temp":0.9}`)
	pr := env.openPullRequest(t, boot.Bot.ID, feat.ID, boot.DefaultBranch.ID)

	diff, err := env.engine.GetPullRequestDiff(ctx, boot.Bot.ID, pr.ID)
	require.NoError(t, err)
	require.JSONEq(t, `{"temp":0.7}`, string(diff.OldState))
	require.JSONEq(t, `{"temp":0.9}`, string(diff.NewState))
	require.Contains(t, diff.Lines, DiffLine{Kind: DiffRemove, OldLine: 2, Text: `  "temp": 0.7`})
	require.Contains(t, diff.Lines, DiffLine{Kind: DiffAdd, NewLine: 2, Text: `  "temp": 0.9`})

	_, err = env.engine.CompletePullRequest(ctx, boot.Bot.ID, pr.ID, owner)
	require.NoError(t, err)
	after, err := env.engine.GetPullRequestDiff(ctx, boot.Bot.ID, pr.ID)
	require.NoError(t, err)
	require.JSONEq(t, `{"temp":0.7}`, string(after.OldState))
	require.JSONEq(t, `{"temp":0.9}`, string(after.NewState))
}

func TestClosedPullRequestHasNoDiff(t *testing.T) {
	env := newTestEnv(t)
	boot := env.bootstrap(t)
	ctx := context.Background()
	feat := env.branch(t, boot.Bot.ID, "feat", "")
	env.commit(t, boot.Bot.ID, feat.ID, `{"temp":0.9}`)
	pr := env.openPullRequest(t, boot.Bot.ID, feat.ID, boot.DefaultBranch.ID)

	_, err := env.engine.ClosePullRequest(ctx, boot.Bot.ID, pr.ID, owner)
	require.NoError(t, err)
	var notOpen *PullRequestNotOpenError
	_, err = env.engine.GetPullRequestDiff(ctx, boot.Bot.ID, pr.ID)
	require.ErrorAs(t, err, &notOpen)
	require.Equal(t, store.PRStatusClosed, notOpen.Status)

	_, err = env.engine.DeleteBranch(ctx, boot.Bot.ID, feat.ID, owner)
	require.NoError(t, err)
	_, err = env.engine.GetPullRequestDiff(ctx, boot.Bot.ID, pr.ID)
	require.ErrorAs(t, err, &notOpen)
}
