package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

const (
	prVector      = "to_tsvector('english', pr.title || ' ' || pr.description)"
	commentVector = "to_tsvector('english', c.content)"
)

// Search executes a UNION ALL query across pull_requests and pr_comments
// using plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	botFilter := ""
	if q.FilterBotID != "" {
		args = append(args, q.FilterBotID)
		botFilter = " AND %s.bot_id = $2"
	}

	var subQueries []string
	if q.FilterType == "" || q.FilterType == ResultPullRequest {
		where := prVector + " @@ " + tsQuery
		if botFilter != "" {
			where += fmt.Sprintf(botFilter, "pr")
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'pull_request'::text AS type, pr.id, pr.title,
				ts_headline('english', pr.description, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				pr.bot_id, pr.id AS pr_id, pr.status,
				ts_rank(%s, %s) AS rank
			FROM pull_requests pr
			WHERE %s`, tsQuery, prVector, tsQuery, where))
	}
	if q.FilterType == "" || q.FilterType == ResultComment {
		where := commentVector + " @@ " + tsQuery
		if botFilter != "" {
			where += fmt.Sprintf(botFilter, "c")
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'comment'::text AS type, c.id, pr.title,
				ts_headline('english', c.content, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				c.bot_id, c.pr_id, pr.status,
				ts_rank(%s, %s) AS rank
			FROM pr_comments c
			JOIN pull_requests pr ON pr.id = c.pr_id
			WHERE %s`, tsQuery, commentVector, tsQuery, where))
	}
	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	union := strings.Join(subQueries, " UNION ALL ")
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, bot_id, pr_id, status
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`, union, limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.BotID, &r.PullRequestID, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]PullRequestRecord, []CommentRecord, error) {
	prRows, err := p.db.QueryContext(ctx, `
		SELECT id, bot_id, title, description, status, source_branch_name, target_branch_name
		FROM pull_requests
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load pull requests: %w", err)
	}
	defer prRows.Close()

	prs := make([]PullRequestRecord, 0)
	for prRows.Next() {
		var r PullRequestRecord
		if err := prRows.Scan(&r.ID, &r.BotID, &r.Title, &r.Description, &r.Status, &r.SourceBranch, &r.TargetBranch); err != nil {
			return nil, nil, fmt.Errorf("scan pull request: %w", err)
		}
		prs = append(prs, r)
	}
	if err := prRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate pull requests: %w", err)
	}

	commentRows, err := p.db.QueryContext(ctx, `
		SELECT id, bot_id, pr_id, user_id, content, resolved
		FROM pr_comments
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load comments: %w", err)
	}
	defer commentRows.Close()

	comments := make([]CommentRecord, 0)
	for commentRows.Next() {
		var c CommentRecord
		if err := commentRows.Scan(&c.ID, &c.BotID, &c.PullRequestID, &c.UserID, &c.Content, &c.Resolved); err != nil {
			return nil, nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, c)
	}
	if err := commentRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate comments: %w", err)
	}
	return prs, comments, nil
}
