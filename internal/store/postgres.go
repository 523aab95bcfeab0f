package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresStore struct {
	db *sql.DB
	q  querier
	tx bool
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, q: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if s.tx {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&PostgresStore{db: s.db, q: tx, tx: true}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateBot(ctx context.Context, bot Bot) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO bots (id, name, owner_id, prompt, parameters, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)
	`, bot.ID, bot.Name, bot.OwnerID, bot.Prompt, jsonOrDefault(bot.Parameters, "{}"), bot.CreatedAt, bot.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert bot: %w", translateError(err))
	}
	return nil
}

func (s *PostgresStore) GetBot(ctx context.Context, botID string) (Bot, error) {
	var bot Bot
	var params []byte
	err := s.q.QueryRowContext(ctx, `
		SELECT id, name, owner_id, prompt, parameters, created_at, updated_at
		FROM bots WHERE id=$1
	`, botID).Scan(&bot.ID, &bot.Name, &bot.OwnerID, &bot.Prompt, &params, &bot.CreatedAt, &bot.UpdatedAt)
	if err != nil {
		return Bot{}, fmt.Errorf("get bot %s: %w", botID, translateError(err))
	}
	bot.Parameters = json.RawMessage(params)
	return bot, nil
}

func (s *PostgresStore) ListBotIDs(ctx context.Context) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id FROM bots ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan bot id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bots: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) UpdateBotSummary(ctx context.Context, botID string, summary BotSummary, at time.Time) error {
	result, err := s.q.ExecContext(ctx, `
		UPDATE bots SET name=$2, prompt=$3, parameters=$4::jsonb, updated_at=$5 WHERE id=$1
	`, botID, summary.Name, summary.Prompt, jsonOrDefault(summary.Parameters, "{}"), at)
	if err != nil {
		return fmt.Errorf("update bot summary: %w", err)
	}
	return expectRow(result, "update bot summary")
}

func (s *PostgresStore) AddCollaborator(ctx context.Context, botID, userID string) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO bot_collaborators (bot_id, user_id) VALUES ($1, $2)
		ON CONFLICT (bot_id, user_id) DO NOTHING
	`, botID, userID)
	if err != nil {
		return fmt.Errorf("add collaborator: %w", translateError(err))
	}
	return nil
}

func (s *PostgresStore) IsCollaborator(ctx context.Context, botID, userID string) (bool, error) {
	var exists bool
	err := s.q.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM bot_collaborators WHERE bot_id=$1 AND user_id=$2)
	`, botID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check collaborator: %w", err)
	}
	return exists, nil
}

const branchColumns = `id, bot_id, name, is_default, source_branch_id, source_commit_id, base_commit_ids, latest_commit_id, created_by, created_at, updated_at`

func (s *PostgresStore) InsertBranch(ctx context.Context, branch Branch) error {
	base := branch.BaseCommitIDs
	if base == nil {
		base = []string{}
	}
	encodedBase, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal base commit ids: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO branches (`+branchColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10, $11)
	`, branch.ID, branch.BotID, branch.Name, branch.IsDefault, branch.SourceBranchID, branch.SourceCommitID,
		string(encodedBase), branch.LatestCommitID, branch.CreatedBy, branch.CreatedAt, branch.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert branch: %w", translateError(err))
	}
	return nil
}

func (s *PostgresStore) GetBranch(ctx context.Context, branchID string) (Branch, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+branchColumns+` FROM branches WHERE id=$1`, branchID)
	branch, err := scanBranch(row)
	if err != nil {
		return Branch{}, fmt.Errorf("get branch %s: %w", branchID, translateError(err))
	}
	return branch, nil
}

func (s *PostgresStore) LockBranch(ctx context.Context, branchID string) (Branch, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+branchColumns+` FROM branches WHERE id=$1 FOR UPDATE`, branchID)
	branch, err := scanBranch(row)
	if err != nil {
		return Branch{}, fmt.Errorf("lock branch %s: %w", branchID, translateError(err))
	}
	return branch, nil
}

func (s *PostgresStore) GetBranchByName(ctx context.Context, botID, name string) (Branch, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+branchColumns+` FROM branches WHERE bot_id=$1 AND name=$2`, botID, name)
	branch, err := scanBranch(row)
	if err != nil {
		return Branch{}, fmt.Errorf("get branch %q: %w", name, translateError(err))
	}
	return branch, nil
}

func (s *PostgresStore) GetDefaultBranch(ctx context.Context, botID string) (Branch, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+branchColumns+` FROM branches WHERE bot_id=$1 AND is_default`, botID)
	branch, err := scanBranch(row)
	if err != nil {
		return Branch{}, fmt.Errorf("get default branch: %w", translateError(err))
	}
	return branch, nil
}

func (s *PostgresStore) ListBranches(ctx context.Context, botID string) ([]Branch, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+branchColumns+` FROM branches WHERE bot_id=$1 ORDER BY is_default DESC, created_at, id
	`, botID)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer rows.Close()

	branches := make([]Branch, 0)
	for rows.Next() {
		branch, err := scanBranch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan branch: %w", err)
		}
		branches = append(branches, branch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate branches: %w", err)
	}
	return branches, nil
}

func (s *PostgresStore) CompareAndSetBranchHead(ctx context.Context, branchID string, expected *string, next string, at time.Time) error {
	result, err := s.q.ExecContext(ctx, `
		UPDATE branches SET latest_commit_id=$3, updated_at=$4
		WHERE id=$1 AND latest_commit_id IS NOT DISTINCT FROM $2::text
	`, branchID, expected, next, at)
	if err != nil {
		return fmt.Errorf("advance branch head: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("advance branch head: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetBranch(ctx, branchID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) RepointChildBranches(ctx context.Context, fromBranchID string, to *string, at time.Time) (int, error) {
	result, err := s.q.ExecContext(ctx, `
		UPDATE branches SET source_branch_id=$2, updated_at=$3 WHERE source_branch_id=$1
	`, fromBranchID, to, at)
	if err != nil {
		return 0, fmt.Errorf("repoint child branches: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("repoint child branches: %w", err)
	}
	return int(affected), nil
}

func (s *PostgresStore) SetBranchSource(ctx context.Context, branchID string, source *string, at time.Time) error {
	result, err := s.q.ExecContext(ctx, `
		UPDATE branches SET source_branch_id=$2, updated_at=$3 WHERE id=$1
	`, branchID, source, at)
	if err != nil {
		return fmt.Errorf("set branch source: %w", err)
	}
	return expectRow(result, "set branch source")
}

func (s *PostgresStore) DeleteBranch(ctx context.Context, branchID string) error {
	result, err := s.q.ExecContext(ctx, `DELETE FROM branches WHERE id=$1`, branchID)
	if err != nil {
		return fmt.Errorf("delete branch: %w", err)
	}
	return expectRow(result, "delete branch")
}

const commitColumns = `id, bot_id, branch_id, message, parent_commit_id, is_initial_commit, model_state, model_diff, author, pr_id, created_at`

func (s *PostgresStore) InsertCommit(ctx context.Context, commit Commit) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO commits (`+commitColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9, $10, $11)
	`, commit.ID, commit.BotID, commit.BranchID, commit.Message, commit.ParentCommitID, commit.IsInitialCommit,
		nullableJSON(commit.ModelState), nullableJSON(commit.ModelDiff), commit.Author, commit.PRID, commit.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert commit: %w", translateError(err))
	}
	return nil
}

func (s *PostgresStore) GetCommit(ctx context.Context, commitID string) (Commit, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+commitColumns+` FROM commits WHERE id=$1`, commitID)
	commit, err := scanCommit(row)
	if err != nil {
		return Commit{}, fmt.Errorf("get commit %s: %w", commitID, translateError(err))
	}
	return commit, nil
}

func (s *PostgresStore) GetCommits(ctx context.Context, ids []string) ([]Commit, error) {
	if len(ids) == 0 {
		return []Commit{}, nil
	}
	encoded, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("marshal commit ids: %w", err)
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+commitColumns+` FROM commits
		WHERE id IN (SELECT jsonb_array_elements_text($1::jsonb))
	`, string(encoded))
	if err != nil {
		return nil, fmt.Errorf("get commits: %w", err)
	}
	return collectCommits(rows)
}

func (s *PostgresStore) ListCommits(ctx context.Context, botID, branchID string) ([]Commit, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+commitColumns+` FROM commits
		WHERE bot_id=$1 AND ($2='' OR branch_id=$2)
		ORDER BY created_at, id
	`, botID, branchID)
	if err != nil {
		return nil, fmt.Errorf("list commits: %w", err)
	}
	return collectCommits(rows)
}

func (s *PostgresStore) ListCommitRefs(ctx context.Context, botID string) ([]CommitRef, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, branch_id, parent_commit_id, created_at FROM commits
		WHERE bot_id=$1 ORDER BY created_at, id
	`, botID)
	if err != nil {
		return nil, fmt.Errorf("list commit refs: %w", err)
	}
	defer rows.Close()

	refs := make([]CommitRef, 0)
	for rows.Next() {
		var ref CommitRef
		var parent sql.NullString
		if err := rows.Scan(&ref.ID, &ref.BranchID, &parent, &ref.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan commit ref: %w", err)
		}
		ref.ParentCommitID = nullString(parent)
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commit refs: %w", err)
	}
	return refs, nil
}

func (s *PostgresStore) DeleteCommits(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	encoded, err := json.Marshal(ids)
	if err != nil {
		return 0, fmt.Errorf("marshal commit ids: %w", err)
	}
	result, err := s.q.ExecContext(ctx, `
		DELETE FROM commits WHERE id IN (SELECT jsonb_array_elements_text($1::jsonb))
	`, string(encoded))
	if err != nil {
		return 0, fmt.Errorf("delete commits: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete commits: %w", err)
	}
	return int(affected), nil
}

const pullRequestColumns = `id, bot_id, title, description, source_branch_id, target_branch_id, creator_id, status, created_at, completed_at, closed_at, merge_commit_id, source_branch_name, target_branch_name`

func (s *PostgresStore) InsertPullRequest(ctx context.Context, pr PullRequest) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO pull_requests (`+pullRequestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, pr.ID, pr.BotID, pr.Title, pr.Description, pr.SourceBranchID, pr.TargetBranchID, pr.CreatorID, pr.Status,
		pr.CreatedAt, pr.CompletedAt, pr.ClosedAt, pr.MergeCommitID, pr.SourceBranchName, pr.TargetBranchName)
	if err != nil {
		return fmt.Errorf("insert pull request: %w", translateError(err))
	}
	return nil
}

func (s *PostgresStore) GetPullRequest(ctx context.Context, prID string) (PullRequest, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+pullRequestColumns+` FROM pull_requests WHERE id=$1`, prID)
	pr, err := scanPullRequest(row)
	if err != nil {
		return PullRequest{}, fmt.Errorf("get pull request %s: %w", prID, translateError(err))
	}
	return pr, nil
}

func (s *PostgresStore) LockPullRequest(ctx context.Context, prID string) (PullRequest, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+pullRequestColumns+` FROM pull_requests WHERE id=$1 FOR UPDATE`, prID)
	pr, err := scanPullRequest(row)
	if err != nil {
		return PullRequest{}, fmt.Errorf("lock pull request %s: %w", prID, translateError(err))
	}
	return pr, nil
}

func (s *PostgresStore) ListPullRequests(ctx context.Context, botID, status string) ([]PullRequest, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+pullRequestColumns+` FROM pull_requests
		WHERE bot_id=$1 AND ($2='' OR status=$2)
		ORDER BY created_at DESC, id
	`, botID, status)
	if err != nil {
		return nil, fmt.Errorf("list pull requests: %w", err)
	}
	return collectPullRequests(rows)
}

func (s *PostgresStore) FindOpenPullRequest(ctx context.Context, sourceBranchID, targetBranchID string) (PullRequest, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+pullRequestColumns+` FROM pull_requests
		WHERE source_branch_id=$1 AND target_branch_id=$2 AND status='open'
	`, sourceBranchID, targetBranchID)
	pr, err := scanPullRequest(row)
	if err != nil {
		return PullRequest{}, fmt.Errorf("find open pull request: %w", translateError(err))
	}
	return pr, nil
}

func (s *PostgresStore) ListOpenPullRequestsForBranch(ctx context.Context, branchID string) ([]PullRequest, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+pullRequestColumns+` FROM pull_requests
		WHERE status='open' AND (source_branch_id=$1 OR target_branch_id=$1)
		ORDER BY created_at, id
	`, branchID)
	if err != nil {
		return nil, fmt.Errorf("list open pull requests for branch: %w", err)
	}
	return collectPullRequests(rows)
}

func (s *PostgresStore) CompletePullRequest(ctx context.Context, prID, mergeCommitID, sourceName, targetName string, at time.Time) error {
	result, err := s.q.ExecContext(ctx, `
		UPDATE pull_requests
		SET status='completed', merge_commit_id=$2, source_branch_name=$3, target_branch_name=$4, completed_at=$5
		WHERE id=$1 AND status='open'
	`, prID, mergeCommitID, sourceName, targetName, at)
	if err != nil {
		return fmt.Errorf("complete pull request: %w", err)
	}
	return s.expectOpenTransition(ctx, result, prID)
}

func (s *PostgresStore) ClosePullRequest(ctx context.Context, prID, sourceName, targetName string, at time.Time) error {
	result, err := s.q.ExecContext(ctx, `
		UPDATE pull_requests
		SET status='closed', source_branch_name=$2, target_branch_name=$3, closed_at=$4
		WHERE id=$1 AND status='open'
	`, prID, sourceName, targetName, at)
	if err != nil {
		return fmt.Errorf("close pull request: %w", err)
	}
	return s.expectOpenTransition(ctx, result, prID)
}

func (s *PostgresStore) expectOpenTransition(ctx context.Context, result sql.Result, prID string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition pull request: %w", err)
	}
	if affected > 0 {
		return nil
	}
	if _, err := s.GetPullRequest(ctx, prID); err != nil {
		return err
	}
	return ErrConflict
}

const commentColumns = `id, pr_id, bot_id, user_id, parent_id, content, line_file_version, line_start, line_end, resolved, resolved_by, created_at, updated_at`

func (s *PostgresStore) InsertComment(ctx context.Context, comment PRComment) error {
	var fileVersion sql.NullString
	var start, end sql.NullInt64
	if ref := comment.LineReference; ref != nil {
		fileVersion = sql.NullString{String: ref.FileVersion, Valid: true}
		start = sql.NullInt64{Int64: int64(ref.StartLine), Valid: true}
		end = sql.NullInt64{Int64: int64(ref.EndLine), Valid: true}
	}
	// FOR SHARE conflicts with the FOR UPDATE taken by a merge, so a comment
	// either lands before the unresolved count or sees the PR completed.
	result, err := s.q.ExecContext(ctx, `
		WITH open_pr AS (
			SELECT id FROM pull_requests WHERE id=$2 AND status='open' FOR SHARE
		)
		INSERT INTO pr_comments (`+commentColumns+`)
		SELECT $1::text, open_pr.id, $3::text, $4::text, $5::text, $6::text, $7::text,
			$8::integer, $9::integer, $10::boolean, $11::text, $12::timestamptz, $13::timestamptz
		FROM open_pr
	`, comment.ID, comment.PRID, comment.BotID, comment.UserID, comment.ParentID, comment.Content,
		fileVersion, start, end, comment.Resolved, comment.ResolvedBy, comment.CreatedAt, comment.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert comment: %w", translateError(err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	if affected > 0 {
		return nil
	}
	if _, err := s.GetPullRequest(ctx, comment.PRID); err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return fmt.Errorf("insert comment: pull request %s is not open: %w", comment.PRID, ErrConflict)
}

func (s *PostgresStore) GetComment(ctx context.Context, commentID string) (PRComment, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM pr_comments WHERE id=$1`, commentID)
	comment, err := scanComment(row)
	if err != nil {
		return PRComment{}, fmt.Errorf("get comment %s: %w", commentID, translateError(err))
	}
	return comment, nil
}

func (s *PostgresStore) ListComments(ctx context.Context, prID string) ([]PRComment, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+commentColumns+` FROM pr_comments WHERE pr_id=$1 ORDER BY created_at, id
	`, prID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	comments := make([]PRComment, 0)
	for rows.Next() {
		comment, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, comment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return comments, nil
}

func (s *PostgresStore) UpdateCommentContent(ctx context.Context, commentID, content string, at time.Time) error {
	result, err := s.q.ExecContext(ctx, `UPDATE pr_comments SET content=$2, updated_at=$3 WHERE id=$1`, commentID, content, at)
	if err != nil {
		return fmt.Errorf("update comment: %w", err)
	}
	return expectRow(result, "update comment")
}

func (s *PostgresStore) SetCommentResolved(ctx context.Context, commentID string, resolved bool, resolvedBy *string, at time.Time) error {
	result, err := s.q.ExecContext(ctx, `
		UPDATE pr_comments SET resolved=$2, resolved_by=$3, updated_at=$4 WHERE id=$1
	`, commentID, resolved, resolvedBy, at)
	if err != nil {
		return fmt.Errorf("resolve comment: %w", err)
	}
	return expectRow(result, "resolve comment")
}

func (s *PostgresStore) CountUnresolvedComments(ctx context.Context, prID string) (int, error) {
	var count int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM pr_comments WHERE pr_id=$1 AND NOT resolved`, prID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unresolved comments: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBranch(row rowScanner) (Branch, error) {
	var branch Branch
	var source, sourceCommit, latest sql.NullString
	var baseRaw []byte
	if err := row.Scan(
		&branch.ID,
		&branch.BotID,
		&branch.Name,
		&branch.IsDefault,
		&source,
		&sourceCommit,
		&baseRaw,
		&latest,
		&branch.CreatedBy,
		&branch.CreatedAt,
		&branch.UpdatedAt,
	); err != nil {
		return Branch{}, err
	}
	branch.SourceBranchID = nullString(source)
	branch.SourceCommitID = nullString(sourceCommit)
	branch.LatestCommitID = nullString(latest)
	branch.BaseCommitIDs = []string{}
	if len(baseRaw) > 0 {
		if err := json.Unmarshal(baseRaw, &branch.BaseCommitIDs); err != nil {
			return Branch{}, fmt.Errorf("decode base commit ids: %w", err)
		}
	}
	return branch, nil
}

func scanCommit(row rowScanner) (Commit, error) {
	var commit Commit
	var parent, prID sql.NullString
	var state, diff []byte
	if err := row.Scan(
		&commit.ID,
		&commit.BotID,
		&commit.BranchID,
		&commit.Message,
		&parent,
		&commit.IsInitialCommit,
		&state,
		&diff,
		&commit.Author,
		&prID,
		&commit.CreatedAt,
	); err != nil {
		return Commit{}, err
	}
	commit.ParentCommitID = nullString(parent)
	commit.PRID = nullString(prID)
	if state != nil {
		commit.ModelState = json.RawMessage(state)
	}
	if diff != nil {
		commit.ModelDiff = json.RawMessage(diff)
	}
	return commit, nil
}

func collectCommits(rows *sql.Rows) ([]Commit, error) {
	defer rows.Close()
	commits := make([]Commit, 0)
	for rows.Next() {
		commit, err := scanCommit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan commit: %w", err)
		}
		commits = append(commits, commit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commits: %w", err)
	}
	return commits, nil
}

func scanPullRequest(row rowScanner) (PullRequest, error) {
	var pr PullRequest
	var completedAt, closedAt sql.NullTime
	var mergeCommit sql.NullString
	if err := row.Scan(
		&pr.ID,
		&pr.BotID,
		&pr.Title,
		&pr.Description,
		&pr.SourceBranchID,
		&pr.TargetBranchID,
		&pr.CreatorID,
		&pr.Status,
		&pr.CreatedAt,
		&completedAt,
		&closedAt,
		&mergeCommit,
		&pr.SourceBranchName,
		&pr.TargetBranchName,
	); err != nil {
		return PullRequest{}, err
	}
	pr.CompletedAt = nullTime(completedAt)
	pr.ClosedAt = nullTime(closedAt)
	pr.MergeCommitID = nullString(mergeCommit)
	return pr, nil
}

func collectPullRequests(rows *sql.Rows) ([]PullRequest, error) {
	defer rows.Close()
	prs := make([]PullRequest, 0)
	for rows.Next() {
		pr, err := scanPullRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pull request: %w", err)
		}
		prs = append(prs, pr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pull requests: %w", err)
	}
	return prs, nil
}

func scanComment(row rowScanner) (PRComment, error) {
	var comment PRComment
	var parent, fileVersion, resolvedBy sql.NullString
	var start, end sql.NullInt64
	if err := row.Scan(
		&comment.ID,
		&comment.PRID,
		&comment.BotID,
		&comment.UserID,
		&parent,
		&comment.Content,
		&fileVersion,
		&start,
		&end,
		&comment.Resolved,
		&resolvedBy,
		&comment.CreatedAt,
		&comment.UpdatedAt,
	); err != nil {
		return PRComment{}, err
	}
	comment.ParentID = nullString(parent)
	comment.ResolvedBy = nullString(resolvedBy)
	if fileVersion.Valid {
		comment.LineReference = &LineReference{
			FileVersion: fileVersion.String,
			StartLine:   int(start.Int64),
			EndLine:     int(end.Int64),
		}
	}
	return comment, nil
}

// translateError maps driver errors onto the store sentinels.
func translateError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
	}
	return err
}

func expectRow(result sql.Result, op string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

func nullString(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	out := value.String
	return &out
}

func nullTime(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	out := value.Time
	return &out
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func jsonOrDefault(raw json.RawMessage, fallback string) string {
	if len(raw) == 0 {
		return fallback
	}
	return string(raw)
}
