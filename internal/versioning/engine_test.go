package versioning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"botforge/api/internal/cache"
	"botforge/api/internal/store"
)

const (
	owner        = "u_owner"
	collaborator = "u_collab"
	stranger     = "u_stranger"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

// Now advances one second per call so creation order is strict.
func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type sequentialIDs struct {
	mu   sync.Mutex
	next map[string]int
}

func (s *sequentialIDs) NewID(prefix string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next == nil {
		s.next = map[string]int{}
	}
	s.next[prefix]++
	return fmt.Sprintf("%s_%d", prefix, s.next[prefix])
}

type testEnv struct {
	engine *Engine
	store  *store.MemoryStore
	clock  *testClock
	opts   Options
}

func newTestEnv(t *testing.T, configure ...func(*Options)) *testEnv {
	t.Helper()
	clock := newTestClock()
	ids := &sequentialIDs{}
	opts := Options{
		Cache:           cache.NewMemory(256),
		CheckpointEvery: 8,
		Now:             clock.Now,
		NewID:           ids.NewID,
	}
	for _, fn := range configure {
		fn(&opts)
	}
	s := store.NewMemoryStore()
	return &testEnv{engine: NewEngine(s, opts), store: s, clock: clock, opts: opts}
}

// reopen returns an engine over the same store with an empty cache.
func (env *testEnv) reopen(configure ...func(*Options)) *Engine {
	opts := env.opts
	opts.Cache = cache.NewMemory(256)
	for _, fn := range configure {
		fn(&opts)
	}
	return NewEngine(env.store, opts)
}

// bootstrap creates a bot owned by owner with {"temp":0.7} on master and
// a registered collaborator.
func (env *testEnv) bootstrap(t *testing.T) BotBootstrap {
	t.Helper()
	ctx := context.Background()
	boot, err := env.engine.CreateBot(ctx, CreateBotInput{
		Name:         "support-bot",
		OwnerID:      owner,
		InitialState: json.RawMessage(`{"temp":0.7}`),
	})
	require.NoError(t, err)
	require.NoError(t, env.engine.AddCollaborator(ctx, boot.Bot.ID, owner, collaborator))
	return boot
}

func (env *testEnv) branch(t *testing.T, botID, name, sourceID string) store.Branch {
	t.Helper()
	branch, err := env.engine.CreateBranch(context.Background(), CreateBranchInput{
		BotID: botID, Name: name, SourceBranchID: sourceID, ActorID: owner,
	})
	require.NoError(t, err)
	return branch
}

func (env *testEnv) commit(t *testing.T, botID, branchID, state string) store.Commit {
	t.Helper()
	commit, err := env.engine.CreateCommit(context.Background(), CreateCommitInput{
		BotID: botID, BranchID: branchID, Message: "edit", State: json.RawMessage(state), AuthorID: owner,
	})
	require.NoError(t, err)
	return commit
}

func (env *testEnv) hydrate(t *testing.T, commitID string) string {
	t.Helper()
	state, err := env.engine.Hydrate(context.Background(), commitID)
	require.NoError(t, err)
	return string(state)
}

func commitIDs(commits []store.Commit) []string {
	ids := make([]string, 0, len(commits))
	for _, commit := range commits {
		ids = append(ids, commit.ID)
	}
	return ids
}

func TestCreateBotBootstrapsDefaultBranch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	boot, err := env.engine.CreateBot(ctx, CreateBotInput{
		Name:         "helper",
		OwnerID:      owner,
		InitialState: json.RawMessage(`{"name":"Helper","prompt":"be kind","parameters":{"temp":0.2}}`),
	})
	require.NoError(t, err)

	require.True(t, boot.DefaultBranch.IsDefault)
	require.Equal(t, DefaultBranchName, boot.DefaultBranch.Name)
	require.Nil(t, boot.DefaultBranch.SourceBranchID)
	require.Empty(t, boot.DefaultBranch.BaseCommitIDs)
	require.NotNil(t, boot.InitialCommit)
	require.True(t, boot.InitialCommit.IsInitialCommit)
	require.Nil(t, boot.InitialCommit.ParentCommitID)
	require.Equal(t, boot.InitialCommit.ID, *boot.DefaultBranch.LatestCommitID)

	bot, err := env.engine.GetBot(ctx, boot.Bot.ID)
	require.NoError(t, err)
	require.Equal(t, "Helper", bot.Name)
	require.Equal(t, "be kind", bot.Prompt)
	require.JSONEq(t, `{"temp":0.2}`, string(bot.Parameters))
}

func TestCreateBotWithoutStateLeavesBranchEmpty(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	boot, err := env.engine.CreateBot(ctx, CreateBotInput{Name: "empty", OwnerID: owner})
	require.NoError(t, err)
	require.Nil(t, boot.InitialCommit)
	require.Nil(t, boot.DefaultBranch.LatestCommitID)

	first := env.commit(t, boot.Bot.ID, boot.DefaultBranch.ID, `{"temp":1}`)
	require.True(t, first.IsInitialCommit)
	require.JSONEq(t, `{"temp":1}`, string(first.ModelState))
}

func TestCreateBotValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.CreateBot(context.Background(), CreateBotInput{Name: "  ", OwnerID: owner})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "name", verr.Field)

	_, err = env.engine.CreateBot(context.Background(), CreateBotInput{Name: "x", OwnerID: owner, InitialState: json.RawMessage(`[1,2]`)})
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "initialState", verr.Field)
}

func TestCreateCommitStoresDiffAgainstParent(t *testing.T) {
	env := newTestEnv(t)
	boot := env.bootstrap(t)
	c1 := env.commit(t, boot.Bot.ID, boot.DefaultBranch.ID, `{"temp":0.9,"tests":["hi"]}`)

	require.False(t, c1.IsInitialCommit)
	require.Nil(t, c1.ModelState)
	require.Equal(t, boot.InitialCommit.ID, *c1.ParentCommitID)
	require.NotEmpty(t, c1.ModelDiff)
	require.JSONEq(t, `{"temp":0.9,"tests":["hi"]}`, env.hydrate(t, c1.ID))

	branch, err := env.engine.GetBranch(context.Background(), boot.Bot.ID, boot.DefaultBranch.ID)
	require.NoError(t, err)
	require.Equal(t, c1.ID, *branch.LatestCommitID)

	bot, err := env.engine.GetBot(context.Background(), boot.Bot.ID)
	require.NoError(t, err)
	require.Equal(t, "support-bot", bot.Name)
}

func TestCreateCommitRejectsNonObjectState(t *testing.T) {
	env := newTestEnv(t)
	boot := env.bootstrap(t)
	_, err := env.engine.CreateCommit(context.Background(), CreateCommitInput{
		BotID: boot.Bot.ID, BranchID: boot.DefaultBranch.ID, State: json.RawMessage(`"text"`), AuthorID: owner,
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "state", verr.Field)
}

func TestCreateCommitStaleExpectationConflicts(t *testing.T) {
	env := newTestEnv(t)
	boot := env.bootstrap(t)
	ctx := context.Background()
	stale := boot.InitialCommit.ID
	c1 := env.commit(t, boot.Bot.ID, boot.DefaultBranch.ID, `{"temp":0.8}`)

	_, err := env.engine.CreateCommit(ctx, CreateCommitInput{
		BotID: boot.Bot.ID, BranchID: boot.DefaultBranch.ID, State: json.RawMessage(`{"temp":0.1}`),
		AuthorID: owner, ExpectedLatestCommitID: &stale,
	})
	var conflict *ConcurrencyConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, stale, conflict.Expected)
	require.Equal(t, c1.ID, conflict.Actual)

	commits, err := env.engine.ListCommits(ctx, boot.Bot.ID, boot.DefaultBranch.ID)
	require.NoError(t, err)
	require.Equal(t, []string{boot.InitialCommit.ID, c1.ID}, commitIDs(commits))

	head := c1.ID
	c2, err := env.engine.CreateCommit(ctx, CreateCommitInput{
		BotID: boot.Bot.ID, BranchID: boot.DefaultBranch.ID, State: json.RawMessage(`{"temp":0.1}`),
		AuthorID: owner, ExpectedLatestCommitID: &head,
	})
	require.NoError(t, err)
	require.Equal(t, c1.ID, *c2.ParentCommitID)
}

func TestCreateCommitBlankExpectationMeansEmptyBranch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	boot, err := env.engine.CreateBot(ctx, CreateBotInput{Name: "empty", OwnerID: owner})
	require.NoError(t, err)

	blank := ""
	first, err := env.engine.CreateCommit(ctx, CreateCommitInput{
		BotID: boot.Bot.ID, BranchID: boot.DefaultBranch.ID, State: json.RawMessage(`{"temp":1}`),
		AuthorID: owner, ExpectedLatestCommitID: &blank,
	})
	require.NoError(t, err)
	require.True(t, first.IsInitialCommit)

	// once the branch has a head, a blank expectation is stale
	_, err = env.engine.CreateCommit(ctx, CreateCommitInput{
		BotID: boot.Bot.ID, BranchID: boot.DefaultBranch.ID, State: json.RawMessage(`{"temp":2}`),
		AuthorID: owner, ExpectedLatestCommitID: &blank,
	})
	var conflict *ConcurrencyConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, "", conflict.Expected)
	require.Equal(t, first.ID, conflict.Actual)
}

func TestConcurrentCommitsKeepLinearChain(t *testing.T) {
	env := newTestEnv(t)
	boot := env.bootstrap(t)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	results := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = env.engine.CreateCommit(ctx, CreateCommitInput{
				BotID: boot.Bot.ID, BranchID: boot.DefaultBranch.ID,
				State: json.RawMessage(fmt.Sprintf(`{"temp":%d}`, i)), AuthorID: owner,
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		var conflict *ConcurrencyConflictError
		require.ErrorAs(t, err, &conflict)
	}
	require.GreaterOrEqual(t, succeeded, 1)

	history, err := env.engine.GetBranchHistory(ctx, boot.Bot.ID, boot.DefaultBranch.ID)
	require.NoError(t, err)
	require.Len(t, history, succeeded+1)
	commits, err := env.engine.ListCommits(ctx, boot.Bot.ID, boot.DefaultBranch.ID)
	require.NoError(t, err)
	require.Len(t, commits, succeeded+1)
}

func TestAuthorizationRoles(t *testing.T) {
	env := newTestEnv(t)
	boot := env.bootstrap(t)
	ctx := context.Background()

	_, err := env.engine.CreateCommit(ctx, CreateCommitInput{
		BotID: boot.Bot.ID, BranchID: boot.DefaultBranch.ID, State: json.RawMessage(`{}`), AuthorID: stranger,
	})
	var authErr *AuthorizationError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, stranger, authErr.UserID)

	_, err = env.engine.CreateCommit(ctx, CreateCommitInput{
		BotID: boot.Bot.ID, BranchID: boot.DefaultBranch.ID, State: json.RawMessage(`{"temp":0.5}`), AuthorID: collaborator,
	})
	require.NoError(t, err)

	err = env.engine.AddCollaborator(ctx, boot.Bot.ID, collaborator, "u_new")
	require.ErrorAs(t, err, &authErr)
}

func TestNotFoundErrors(t *testing.T) {
	env := newTestEnv(t)
	boot := env.bootstrap(t)
	ctx := context.Background()
	var nf *NotFoundError

	_, err := env.engine.GetBot(ctx, "bot_missing")
	require.ErrorAs(t, err, &nf)
	require.Equal(t, "bot", nf.Kind)

	_, err = env.engine.GetBranch(ctx, boot.Bot.ID, "br_missing")
	require.ErrorAs(t, err, &nf)

	_, err = env.engine.Hydrate(ctx, "cmt_missing")
	require.ErrorAs(t, err, &nf)
	require.Equal(t, "commit", nf.Kind)

	other, err := env.engine.CreateBot(ctx, CreateBotInput{Name: "other", OwnerID: owner})
	require.NoError(t, err)
	_, err = env.engine.GetBranch(ctx, other.Bot.ID, boot.DefaultBranch.ID)
	require.ErrorAs(t, err, &nf)
	_, err = env.engine.GetCommit(ctx, other.Bot.ID, boot.InitialCommit.ID)
	require.True(t, errors.As(err, &nf))
}
