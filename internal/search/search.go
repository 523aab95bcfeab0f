package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultPullRequest ResultType = "pull_request"
	ResultComment     ResultType = "comment"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type          ResultType `json:"type"`
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Snippet       string     `json:"snippet"`
	BotID         string     `json:"botId"`
	PullRequestID string     `json:"pullRequestId"`
	Status        string     `json:"status,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text        string
	FilterType  ResultType // empty = all types
	FilterBotID string
	Limit       int
	Offset      int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexPullRequest(pr PullRequestRecord) error
	IndexComment(c CommentRecord) error
	DeletePullRequest(id string) error
}

// PullRequestRecord is the data we index for a pull request.
type PullRequestRecord struct {
	ID           string `json:"id"`
	BotID        string `json:"botId"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	Status       string `json:"status"`
	SourceBranch string `json:"sourceBranch"`
	TargetBranch string `json:"targetBranch"`
}

// CommentRecord is the data we index for a review comment.
type CommentRecord struct {
	ID            string `json:"id"`
	BotID         string `json:"botId"`
	PullRequestID string `json:"pullRequestId"`
	UserID        string `json:"userId"`
	Content       string `json:"content"`
	Resolved      bool   `json:"resolved"`
}
