// Package versioning implements branch and commit history for bot models:
// diff-based commits, hydration, branch deletion with ancestry-preserving
// garbage collection, pull requests and review comments.
package versioning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"botforge/api/internal/cache"
	"botforge/api/internal/metrics"
	"botforge/api/internal/rbac"
	"botforge/api/internal/store"
	"botforge/api/internal/util"
)

const DefaultBranchName = "master"

// Authorizer answers which role a user holds on a bot.
type Authorizer interface {
	Role(ctx context.Context, bot store.Bot, userID string) (rbac.Role, error)
}

// SummaryMirror receives the bot's denormalized summary whenever the
// default branch moves. Failures are logged and never fail the write.
type SummaryMirror interface {
	RefreshSummary(ctx context.Context, botID string, summary store.BotSummary) error
}

type Options struct {
	Cache      cache.StateCache
	Authorizer Authorizer
	Summary    SummaryMirror
	// CheckpointEvery caches every n-th folded state during hydration.
	// Zero caches only the requested state.
	CheckpointEvery int
	MaxChainDepth   int
	Now             func() time.Time
	NewID           func(prefix string) string
}

type Engine struct {
	store           store.Store
	cache           cache.StateCache
	auth            Authorizer
	summary         SummaryMirror
	checkpointEvery int
	maxChainDepth   int
	now             func() time.Time
	newID           func(prefix string) string
}

func NewEngine(s store.Store, opts Options) *Engine {
	e := &Engine{
		store:           s,
		cache:           opts.Cache,
		auth:            opts.Authorizer,
		summary:         opts.Summary,
		checkpointEvery: opts.CheckpointEvery,
		maxChainDepth:   opts.MaxChainDepth,
		now:             opts.Now,
		newID:           opts.NewID,
	}
	if e.cache == nil {
		e.cache = cache.NewMemory(1024)
	}
	if e.auth == nil {
		e.auth = storeAuthorizer{store: s}
	}
	if e.summary == nil {
		e.summary = storeSummaryMirror{store: s}
	}
	if e.maxChainDepth <= 0 {
		e.maxChainDepth = 100000
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = util.NewID
	}
	return e
}

func (e *Engine) Store() store.Store {
	return e.store
}

func (e *Engine) timestamp() time.Time {
	return e.now().UTC()
}

type storeAuthorizer struct {
	store store.Store
}

func (a storeAuthorizer) Role(ctx context.Context, bot store.Bot, userID string) (rbac.Role, error) {
	if userID == "" {
		return rbac.RoleNone, nil
	}
	if userID == bot.OwnerID {
		return rbac.RoleOwner, nil
	}
	ok, err := a.store.IsCollaborator(ctx, bot.ID, userID)
	if err != nil {
		return rbac.RoleNone, err
	}
	return rbac.Resolve(bot.OwnerID, userID, ok), nil
}

type storeSummaryMirror struct {
	store store.Store
}

func (m storeSummaryMirror) RefreshSummary(ctx context.Context, botID string, summary store.BotSummary) error {
	return m.store.UpdateBotSummary(ctx, botID, summary, time.Now().UTC())
}

func (e *Engine) loadBot(ctx context.Context, botID string) (store.Bot, error) {
	bot, err := e.store.GetBot(ctx, botID)
	if err != nil {
		return store.Bot{}, notFound("bot", botID, err)
	}
	return bot, nil
}

// Authorize loads the bot and checks that userID may perform action on it.
func (e *Engine) Authorize(ctx context.Context, botID, userID string, action rbac.Action) (store.Bot, rbac.Role, error) {
	bot, err := e.loadBot(ctx, botID)
	if err != nil {
		return store.Bot{}, rbac.RoleNone, err
	}
	role, err := e.authorize(ctx, bot, userID, action)
	if err != nil {
		return store.Bot{}, rbac.RoleNone, err
	}
	return bot, role, nil
}

func (e *Engine) authorize(ctx context.Context, bot store.Bot, userID string, action rbac.Action) (rbac.Role, error) {
	role, err := e.auth.Role(ctx, bot, userID)
	if err != nil {
		return rbac.RoleNone, fmt.Errorf("resolve role: %w", err)
	}
	if !rbac.Can(role, action) {
		return role, &AuthorizationError{UserID: userID, Action: string(action)}
	}
	return role, nil
}

func (e *Engine) loadBranch(ctx context.Context, s store.Store, botID, branchID string) (store.Branch, error) {
	branch, err := s.GetBranch(ctx, branchID)
	if err != nil {
		return store.Branch{}, notFound("branch", branchID, err)
	}
	if branch.BotID != botID {
		return store.Branch{}, &NotFoundError{Kind: "branch", ID: branchID}
	}
	return branch, nil
}

// lockBranch is loadBranch under a row lock held until tx ends. Branch
// creation and deletion both take it, so a fork never captures ancestry
// that a concurrent delete is collecting.
func (e *Engine) lockBranch(ctx context.Context, tx store.Store, botID, branchID string) (store.Branch, error) {
	branch, err := tx.LockBranch(ctx, branchID)
	if err != nil {
		return store.Branch{}, notFound("branch", branchID, err)
	}
	if branch.BotID != botID {
		return store.Branch{}, &NotFoundError{Kind: "branch", ID: branchID}
	}
	return branch, nil
}

func (e *Engine) lockPullRequest(ctx context.Context, tx store.Store, botID, prID string) (store.PullRequest, error) {
	pr, err := tx.LockPullRequest(ctx, prID)
	if err != nil {
		return store.PullRequest{}, notFound("pull request", prID, err)
	}
	if botID != "" && pr.BotID != botID {
		return store.PullRequest{}, &NotFoundError{Kind: "pull request", ID: prID}
	}
	return pr, nil
}

func (e *Engine) loadPullRequest(ctx context.Context, s store.Store, botID, prID string) (store.PullRequest, error) {
	pr, err := s.GetPullRequest(ctx, prID)
	if err != nil {
		return store.PullRequest{}, notFound("pull request", prID, err)
	}
	if botID != "" && pr.BotID != botID {
		return store.PullRequest{}, &NotFoundError{Kind: "pull request", ID: prID}
	}
	return pr, nil
}

// invariant logs a violated storage invariant with full context and returns
// the error surfaced to callers.
func (e *Engine) invariant(op, detail string, cause error, fields map[string]any) error {
	metrics.InvariantViolations.WithLabelValues(op).Inc()
	event := log.Error().Str("op", op).Str("detail", detail)
	if cause != nil {
		event = event.Err(cause)
	}
	if len(fields) > 0 {
		event = event.Fields(fields)
	}
	event.Msg("versioning invariant violated")
	return &InvariantViolationError{Op: op, Detail: detail, Err: cause}
}

// refreshSummary projects a default-branch state onto the bot summary.
func (e *Engine) refreshSummary(ctx context.Context, bot store.Bot, state json.RawMessage) {
	summary := summaryFromState(bot, state)
	if err := e.summary.RefreshSummary(ctx, bot.ID, summary); err != nil {
		log.Warn().Err(err).Str("bot_id", bot.ID).Msg("refresh bot summary failed")
	}
}

func summaryFromState(bot store.Bot, state json.RawMessage) store.BotSummary {
	summary := store.BotSummary{Name: bot.Name, Prompt: bot.Prompt, Parameters: json.RawMessage(`{}`)}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(state, &doc); err != nil {
		return summary
	}
	var text string
	if raw, ok := doc["name"]; ok && json.Unmarshal(raw, &text) == nil && text != "" {
		summary.Name = text
	}
	if raw, ok := doc["prompt"]; ok && json.Unmarshal(raw, &text) == nil {
		summary.Prompt = text
	}
	if raw, ok := doc["parameters"]; ok && isJSONObject(raw) {
		summary.Parameters = raw
	}
	return summary
}

func (e *Engine) cacheGet(ctx context.Context, commitID string) (json.RawMessage, bool) {
	state, ok, err := e.cache.Get(ctx, commitID)
	if err != nil {
		log.Warn().Err(err).Str("commit_id", commitID).Msg("hydration cache read failed")
		return nil, false
	}
	if ok {
		metrics.HydrationCache.WithLabelValues("hit").Inc()
	} else {
		metrics.HydrationCache.WithLabelValues("miss").Inc()
	}
	return state, ok
}

func (e *Engine) cachePut(ctx context.Context, commitID string, state json.RawMessage) {
	if err := e.cache.Put(ctx, commitID, state); err != nil {
		log.Warn().Err(err).Str("commit_id", commitID).Msg("hydration cache write failed")
	}
}

func (e *Engine) cacheEvict(ctx context.Context, commitIDs []string) {
	if len(commitIDs) == 0 {
		return
	}
	if err := e.cache.Delete(ctx, commitIDs...); err != nil {
		log.Warn().Err(err).Int("count", len(commitIDs)).Msg("hydration cache eviction failed")
	}
}

// headConflict builds the error for a missed branch head compare-and-swap.
func (e *Engine) headConflict(ctx context.Context, s store.Store, branchID string, expected *string) error {
	metrics.BranchHeadConflicts.Inc()
	conflict := &ConcurrencyConflictError{BranchID: branchID, Expected: deref(expected)}
	current, err := s.GetBranch(ctx, branchID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &NotFoundError{Kind: "branch", ID: branchID}
		}
		return conflict
	}
	conflict.Actual = deref(current.LatestCommitID)
	return conflict
}

func deref(id *string) string {
	if id == nil {
		return ""
	}
	return *id
}

func copyID(id *string) *string {
	if id == nil {
		return nil
	}
	out := *id
	return &out
}

func sameID(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func contains(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

func isJSONObject(raw json.RawMessage) bool {
	var obj map[string]json.RawMessage
	return json.Unmarshal(raw, &obj) == nil && obj != nil
}
