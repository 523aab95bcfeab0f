package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"botforge/api/internal/auth"
	"botforge/api/internal/config"
	"botforge/api/internal/export"
	"botforge/api/internal/gitrepo"
	"botforge/api/internal/search"
	"botforge/api/internal/store"
	"botforge/api/internal/versioning"
)

type fakeSearch struct {
	mu       sync.Mutex
	searchFn func(search.Query) search.Response
	prs      []search.PullRequestRecord
	comments []search.CommentRecord
}

func (f *fakeSearch) Search(q search.Query) search.Response {
	if f.searchFn != nil {
		return f.searchFn(q)
	}
	return search.Response{Results: []search.Result{}, Query: q.Text}
}

func (f *fakeSearch) IndexPullRequest(pr search.PullRequestRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prs = append(f.prs, pr)
}

func (f *fakeSearch) IndexComment(c search.CommentRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, c)
}

func (f *fakeSearch) statuses(prID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, pr := range f.prs {
		if pr.ID == prID {
			out = append(out, pr.Status)
		}
	}
	return out
}

type fakeMirror struct {
	mu        sync.Mutex
	syncFn    func(botID, branchName string, history []versioning.HistoryEntry) (string, error)
	historyFn func(botID, branchName string, limit int) ([]gitrepo.CommitInfo, error)
	synced    map[string]int
	removed   []string
}

func (f *fakeMirror) SyncBranch(botID, branchName string, history []versioning.HistoryEntry) (string, error) {
	f.mu.Lock()
	if f.synced == nil {
		f.synced = map[string]int{}
	}
	f.synced[branchName] = len(history)
	f.mu.Unlock()
	if f.syncFn != nil {
		return f.syncFn(botID, branchName, history)
	}
	return "0000000000000000000000000000000000000000", nil
}

func (f *fakeMirror) RemoveBranch(_ string, branchName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, branchName)
	return nil
}

func (f *fakeMirror) History(botID, branchName string, limit int) ([]gitrepo.CommitInfo, error) {
	if f.historyFn != nil {
		return f.historyFn(botID, branchName, limit)
	}
	return nil, gitrepo.ErrBranchNotMirrored
}

type fakePublisher struct {
	publishFn func(ctx context.Context, key string, data []byte, contentType string) (export.Published, error)
}

func (f *fakePublisher) Publish(ctx context.Context, key string, data []byte, contentType string) (export.Published, error) {
	return f.publishFn(ctx, key, data, contentType)
}

const testSecret = "test-secret"

type harness struct {
	store   store.Store
	engine  *versioning.Engine
	service *Service
	handler http.Handler
	search  *fakeSearch
	mirror  *fakeMirror
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	store     store.Store
	publisher export.Publisher
	mirror    branchMirror
}

func withStore(s store.Store) harnessOption {
	return func(c *harnessConfig) { c.store = s }
}

func withPublisher(p export.Publisher) harnessOption {
	return func(c *harnessConfig) { c.publisher = p }
}

func withMirror(m branchMirror) harnessOption {
	return func(c *harnessConfig) { c.mirror = m }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{store: store.NewMemoryStore()}
	for _, opt := range opts {
		opt(&cfg)
	}
	engine := versioning.NewEngine(cfg.store, versioning.Options{})
	h := &harness{
		store:  cfg.store,
		engine: engine,
		search: &fakeSearch{},
		mirror: &fakeMirror{},
	}
	var mirror branchMirror = h.mirror
	if cfg.mirror != nil {
		mirror = cfg.mirror
	}
	h.service = New(
		config.Config{TokenSecret: testSecret, AccessTTL: time.Hour},
		engine,
		auth.NewIssuer(testSecret, time.Hour),
		Collaborators{
			Search:  h.search,
			Exports: export.NewService(engine, cfg.publisher),
			Mirror:  mirror,
		},
	)
	h.handler = NewHTTPServer(h.service, "*").Handler()
	return h
}

// login returns a bearer token and the derived user id.
func (h *harness) login(t *testing.T, name string) (string, string) {
	t.Helper()
	rr, payload := h.do(t, http.MethodPost, "/api/session/login", "", `{"name":"`+name+`"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("login %s: status %d body=%s", name, rr.Code, rr.Body.String())
	}
	return payload["token"].(string), payload["userId"].(string)
}

func (h *harness) do(t *testing.T, method, path, token, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)

	payload := map[string]any{}
	if rr.Body.Len() > 0 && rr.Header().Get("Content-Type") == "application/json" {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("parse response for %s %s: %v body=%s", method, path, err, rr.Body.String())
		}
	}
	return rr, payload
}

func (h *harness) expect(t *testing.T, status int, method, path, token, body string) map[string]any {
	t.Helper()
	rr, payload := h.do(t, method, path, token, body)
	if rr.Code != status {
		t.Fatalf("%s %s: expected status %d, got %d body=%s", method, path, status, rr.Code, rr.Body.String())
	}
	return payload
}

type seededBot struct {
	ownerToken    string
	ownerID       string
	botID         string
	defaultBranch string
	initialCommit string
}

func (h *harness) seedBot(t *testing.T) seededBot {
	t.Helper()
	token, userID := h.login(t, "Avery")
	payload := h.expect(t, http.StatusCreated, http.MethodPost, "/api/bots", token, `{"name":"Support bot","initialState":{"temp":0.7}}`)
	return seededBot{
		ownerToken:    token,
		ownerID:       userID,
		botID:         field(payload, "bot", "id"),
		defaultBranch: field(payload, "defaultBranch", "id"),
		initialCommit: field(payload, "initialCommit", "id"),
	}
}

func field(payload map[string]any, path ...string) string {
	var current any = payload
	for _, key := range path {
		object, ok := current.(map[string]any)
		if !ok {
			return ""
		}
		current = object[key]
	}
	value, _ := current.(string)
	return value
}

func TestLoginDerivesStableUserID(t *testing.T) {
	svc := newHarness(t).service
	first, err := svc.Login(context.Background(), "  Avery ")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	second, err := svc.Login(context.Background(), "avery")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if first.UserID != second.UserID {
		t.Fatalf("expected case-insensitive user id, got %s and %s", first.UserID, second.UserID)
	}
	if first.UserName != "Avery" {
		t.Fatalf("expected trimmed user name, got %q", first.UserName)
	}

	session, err := svc.SessionFromToken(context.Background(), first.Token)
	if err != nil {
		t.Fatalf("SessionFromToken() error = %v", err)
	}
	if session.UserID != first.UserID {
		t.Fatalf("expected token to carry user id %s, got %s", first.UserID, session.UserID)
	}
}

func TestCreateCommitSyncsMirror(t *testing.T) {
	h := newHarness(t)
	bot := h.seedBot(t)
	path := "/api/bots/" + bot.botID + "/branches/" + bot.defaultBranch + "/commits"
	h.expect(t, http.StatusCreated, http.MethodPost, path, bot.ownerToken, `{"message":"warmer","state":{"temp":0.9}}`)

	if got := h.mirror.synced[versioning.DefaultBranchName]; got != 2 {
		t.Fatalf("expected master mirrored with 2 commits, got %d", got)
	}
}

func TestMirrorFailureDoesNotFailCommit(t *testing.T) {
	h := newHarness(t)
	h.mirror.syncFn = func(string, string, []versioning.HistoryEntry) (string, error) {
		return "", io.ErrUnexpectedEOF
	}
	bot := h.seedBot(t)
	path := "/api/bots/" + bot.botID + "/branches/" + bot.defaultBranch + "/commits"
	h.expect(t, http.StatusCreated, http.MethodPost, path, bot.ownerToken, `{"message":"warmer","state":{"temp":0.9}}`)
}

func TestSearchRequiresBotAccess(t *testing.T) {
	h := newHarness(t)
	bot := h.seedBot(t)
	var seen search.Query
	h.search.searchFn = func(q search.Query) search.Response {
		seen = q
		return search.Response{Results: []search.Result{{Type: search.ResultPullRequest, ID: "pr_1", BotID: q.FilterBotID}}, Total: 1, Query: q.Text}
	}

	payload := h.expect(t, http.StatusOK, http.MethodGet, "/api/search?q=temperature&botId="+bot.botID+"&limit=500", bot.ownerToken, "")
	if payload["total"] != float64(1) {
		t.Fatalf("expected one result, got %v", payload["total"])
	}
	if seen.FilterBotID != bot.botID || seen.Limit != 20 {
		t.Fatalf("unexpected query %+v", seen)
	}

	h.expect(t, http.StatusUnprocessableEntity, http.MethodGet, "/api/search?q=x", bot.ownerToken, "")
	h.expect(t, http.StatusUnprocessableEntity, http.MethodGet, "/api/search?q=x&botId="+bot.botID+"&type=document", bot.ownerToken, "")

	strangerToken, _ := h.login(t, "Blake")
	h.expect(t, http.StatusForbidden, http.MethodGet, "/api/search?q=x&botId="+bot.botID, strangerToken, "")
}
