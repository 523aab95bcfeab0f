package search

import (
	"encoding/json"
	"testing"

	meili "github.com/meilisearch/meilisearch-go"
)

func TestServiceWithoutBackendsReturnsEmpty(t *testing.T) {
	svc := NewService(nil, nil)
	resp := svc.Search(Query{Text: "temperature"})
	if resp.Results == nil || len(resp.Results) != 0 {
		t.Fatalf("expected empty non-nil results, got %#v", resp.Results)
	}
	if resp.Query != "temperature" {
		t.Fatalf("expected query echo, got %q", resp.Query)
	}
	// indexing without Meilisearch is a no-op
	svc.IndexPullRequest(PullRequestRecord{ID: "pr_1"})
	svc.IndexComment(CommentRecord{ID: "cmnt_1"})
}

func TestPgFTSEmptyQuery(t *testing.T) {
	results, total, err := NewPgFTS(nil).Search(Query{Text: "   "})
	if err != nil || total != 0 || results != nil {
		t.Fatalf("expected empty result, got %v %d %v", results, total, err)
	}
}

func TestHitToResultPrefersHighlightedFields(t *testing.T) {
	hit := meili.Hit{
		"id":          json.RawMessage(`"pr_1"`),
		"botId":       json.RawMessage(`"bot_1"`),
		"title":       json.RawMessage(`"Raise temperature"`),
		"description": json.RawMessage(`"warmer replies"`),
		"status":      json.RawMessage(`"open"`),
		"_formatted":  json.RawMessage(`{"title":"Raise <mark>temperature</mark>","description":"warmer replies"}`),
	}
	got := hitToResult(hit, ResultPullRequest)
	if got.Title != "Raise <mark>temperature</mark>" {
		t.Fatalf("unexpected title %q", got.Title)
	}
	if got.PullRequestID != "pr_1" || got.BotID != "bot_1" || got.Status != "open" {
		t.Fatalf("unexpected result %#v", got)
	}

	comment := meili.Hit{
		"id":            json.RawMessage(`"cmnt_1"`),
		"pullRequestId": json.RawMessage(`"pr_1"`),
		"content":       json.RawMessage(`"too hot"`),
	}
	got = hitToResult(comment, ResultComment)
	if got.Snippet != "too hot" || got.PullRequestID != "pr_1" {
		t.Fatalf("unexpected comment result %#v", got)
	}
}
