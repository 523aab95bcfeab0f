package gitrepo

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"botforge/api/internal/store"
	"botforge/api/internal/versioning"
)

func sampleHistory() []versioning.HistoryEntry {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	parent := "cmt_1"
	return []versioning.HistoryEntry{
		{
			Commit: store.Commit{ID: "cmt_1", Message: "Initial commit", Author: "u_owner", IsInitialCommit: true, CreatedAt: base},
			State:  json.RawMessage(`{"temp":0.7}`),
		},
		{
			Commit: store.Commit{ID: "cmt_2", Message: "Warmer", Author: "Avery Jones", ParentCommitID: &parent, CreatedAt: base.Add(time.Minute)},
			State:  json.RawMessage(`{"temp":0.9}`),
		},
	}
}

func TestSyncBranchLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	mirror := New(tempDir)

	head, err := mirror.SyncBranch("bot_1", "master", sampleHistory())
	if err != nil {
		t.Fatalf("SyncBranch() error = %v", err)
	}
	if len(head) != 40 {
		t.Fatalf("expected full hash, got %q", head)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "bot_1.git")); err != nil {
		t.Fatalf("repo directory missing: %v", err)
	}

	history, err := mirror.History("bot_1", "master", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 commits, got %d", len(history))
	}
	if history[0].Hash != head || history[0].EngineCommitID != "cmt_2" || history[0].Message != "Warmer" {
		t.Fatalf("unexpected tip %+v", history[0])
	}
	if history[1].EngineCommitID != "cmt_1" || history[1].Author != "u_owner" {
		t.Fatalf("unexpected root %+v", history[1])
	}

	model, err := mirror.ReadModel("bot_1", head[:7])
	if err != nil {
		t.Fatalf("ReadModel() error = %v", err)
	}
	if strings.TrimSpace(string(model)) != `{"temp":0.9}` {
		t.Fatalf("unexpected model %s", model)
	}

	limited, err := mirror.History("bot_1", "master", 1)
	if err != nil {
		t.Fatalf("History(limit) error = %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(limited))
	}
}

func TestSyncBranchIsDeterministic(t *testing.T) {
	first, err := New(t.TempDir()).SyncBranch("bot_1", "master", sampleHistory())
	if err != nil {
		t.Fatalf("SyncBranch() error = %v", err)
	}
	second, err := New(t.TempDir()).SyncBranch("bot_1", "feature", sampleHistory())
	if err != nil {
		t.Fatalf("SyncBranch() error = %v", err)
	}
	if first != second {
		t.Fatalf("expected identical hashes, got %s and %s", first, second)
	}

	mirror := New(t.TempDir())
	short := sampleHistory()[:1]
	if _, err := mirror.SyncBranch("bot_1", "master", sampleHistory()); err != nil {
		t.Fatalf("SyncBranch() error = %v", err)
	}
	rewound, err := mirror.SyncBranch("bot_1", "master", short)
	if err != nil {
		t.Fatalf("SyncBranch(rewind) error = %v", err)
	}
	history, err := mirror.History("bot_1", "master", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 1 || history[0].Hash != rewound {
		t.Fatalf("expected ref rebuilt to single commit, got %+v", history)
	}
}

func TestRemoveBranch(t *testing.T) {
	mirror := New(t.TempDir())
	if err := mirror.RemoveBranch("bot_missing", "feat"); err != nil {
		t.Fatalf("RemoveBranch() on missing repo error = %v", err)
	}
	if _, err := mirror.SyncBranch("bot_1", "feat", sampleHistory()); err != nil {
		t.Fatalf("SyncBranch() error = %v", err)
	}
	if err := mirror.RemoveBranch("bot_1", "feat"); err != nil {
		t.Fatalf("RemoveBranch() error = %v", err)
	}
	if _, err := mirror.History("bot_1", "feat", 0); !errors.Is(err, ErrBranchNotMirrored) {
		t.Fatalf("expected ErrBranchNotMirrored, got %v", err)
	}
}

func TestConcurrentSyncsShareRepo(t *testing.T) {
	mirror := New(t.TempDir())
	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for _, name := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(branch string) {
			defer wg.Done()
			if _, err := mirror.SyncBranch("bot_1", branch, sampleHistory()); err != nil {
				errs <- err
			}
		}(name)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent SyncBranch() error = %v", err)
	}
}

func TestSanitizeEmail(t *testing.T) {
	cases := map[string]string{
		"Avery Jones": "Avery.Jones",
		"u_owner":     "u.owner",
		"!!!":         "user",
	}
	for input, want := range cases {
		if got := sanitizeEmail(input); got != want {
			t.Fatalf("sanitizeEmail(%q) = %q, want %q", input, got, want)
		}
	}
}
