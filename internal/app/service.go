package app

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"botforge/api/internal/auth"
	"botforge/api/internal/config"
	"botforge/api/internal/export"
	"botforge/api/internal/gitrepo"
	"botforge/api/internal/rbac"
	"botforge/api/internal/search"
	"botforge/api/internal/store"
	"botforge/api/internal/versioning"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	JTI       string
	ExpiresAt time.Time
}

type searchService interface {
	Search(q search.Query) search.Response
	IndexPullRequest(pr search.PullRequestRecord)
	IndexComment(c search.CommentRecord)
}

type exportService interface {
	Export(ctx context.Context, req export.Request) (*export.Result, error)
	Publish(ctx context.Context, req export.Request) (export.Published, error)
}

type branchMirror interface {
	SyncBranch(botID, branchName string, history []versioning.HistoryEntry) (string, error)
	RemoveBranch(botID, branchName string) error
	History(botID, branchName string, limit int) ([]gitrepo.CommitInfo, error)
}

// Collaborators groups the optional side services. Nil fields switch the
// matching feature off.
type Collaborators struct {
	Search  searchService
	Exports exportService
	Mirror  branchMirror
}

type Service struct {
	cfg     config.Config
	engine  *versioning.Engine
	tokens  *auth.Issuer
	search  searchService
	exports exportService
	mirror  branchMirror
}

func New(cfg config.Config, engine *versioning.Engine, tokens *auth.Issuer, deps Collaborators) *Service {
	return &Service{
		cfg:     cfg,
		engine:  engine,
		tokens:  tokens,
		search:  deps.Search,
		exports: deps.Exports,
		mirror:  deps.Mirror,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.engine.Store().Ping(ctx)
}

// Login issues a token for a display name. The user id is derived from the
// normalized name so the same name always maps to the same user.
func (s *Service) Login(_ context.Context, name string) (Session, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", map[string]any{"field": "name"})
	}
	userID := userIDForName(name)
	token, expiresAt, err := s.tokens.Issue(userID, name)
	if err != nil {
		return Session{}, err
	}
	return Session{Token: token, UserID: userID, UserName: name, ExpiresAt: expiresAt}, nil
}

func (s *Service) SessionFromToken(_ context.Context, token string) (Session, error) {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0).UTC(),
	}, nil
}

func userIDForName(name string) string {
	sum := sha1.Sum([]byte(strings.ToLower(name)))
	return "usr_" + hex.EncodeToString(sum[:])[:16]
}

func (s *Service) requireRead(ctx context.Context, session Session, botID string) (store.Bot, rbac.Role, error) {
	return s.engine.Authorize(ctx, botID, session.UserID, rbac.ActionRead)
}

func (s *Service) CreateBot(ctx context.Context, session Session, name string, initialState json.RawMessage, message string) (map[string]any, error) {
	boot, err := s.engine.CreateBot(ctx, versioning.CreateBotInput{
		Name:         name,
		OwnerID:      session.UserID,
		InitialState: initialState,
		Message:      message,
	})
	if err != nil {
		return nil, err
	}
	s.syncMirror(ctx, boot.Bot.ID, boot.DefaultBranch)
	payload := map[string]any{
		"bot":           botView(boot.Bot, rbac.RoleOwner),
		"defaultBranch": branchView(boot.DefaultBranch),
		"initialCommit": nil,
	}
	if boot.InitialCommit != nil {
		payload["initialCommit"] = commitView(*boot.InitialCommit)
	}
	return payload, nil
}

func (s *Service) GetBot(ctx context.Context, session Session, botID string) (map[string]any, error) {
	bot, role, err := s.requireRead(ctx, session, botID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"bot": botView(bot, role)}, nil
}

func (s *Service) AddCollaborator(ctx context.Context, session Session, botID, userID string) error {
	return s.engine.AddCollaborator(ctx, botID, session.UserID, userID)
}

func (s *Service) ListBranches(ctx context.Context, session Session, botID string) (map[string]any, error) {
	if _, _, err := s.requireRead(ctx, session, botID); err != nil {
		return nil, err
	}
	branches, err := s.engine.ListBranches(ctx, botID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(branches))
	for _, branch := range branches {
		items = append(items, branchView(branch))
	}
	return map[string]any{"branches": items}, nil
}

func (s *Service) GetBranch(ctx context.Context, session Session, botID, branchID string) (map[string]any, error) {
	if _, _, err := s.requireRead(ctx, session, botID); err != nil {
		return nil, err
	}
	branch, err := s.engine.GetBranch(ctx, botID, branchID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"branch": branchView(branch)}, nil
}

func (s *Service) CreateBranch(ctx context.Context, session Session, botID, name, sourceBranchID string) (map[string]any, error) {
	branch, err := s.engine.CreateBranch(ctx, versioning.CreateBranchInput{
		BotID:          botID,
		Name:           name,
		SourceBranchID: sourceBranchID,
		ActorID:        session.UserID,
	})
	if err != nil {
		return nil, err
	}
	s.syncMirror(ctx, botID, branch)
	return map[string]any{"branch": branchView(branch)}, nil
}

func (s *Service) DeleteBranch(ctx context.Context, session Session, botID, branchID string) (map[string]any, error) {
	branch, err := s.engine.GetBranch(ctx, botID, branchID)
	if err != nil {
		return nil, err
	}
	result, err := s.engine.DeleteBranch(ctx, botID, branchID, session.UserID)
	if err != nil {
		return nil, err
	}
	s.removeMirror(botID, branch.Name)
	for _, prID := range result.ClosedPullRequests {
		s.indexPullRequestByID(ctx, botID, prID)
	}
	return map[string]any{
		"branchId":           result.BranchID,
		"repointedBranches":  result.RepointedBranches,
		"closedPullRequests": nonNilStrings(result.ClosedPullRequests),
		"deletedCommitIds":   nonNilStrings(result.DeletedCommitIDs),
	}, nil
}

func (s *Service) BranchHistory(ctx context.Context, session Session, botID, branchID string) (map[string]any, error) {
	if _, _, err := s.requireRead(ctx, session, botID); err != nil {
		return nil, err
	}
	history, err := s.engine.GetBranchHistory(ctx, botID, branchID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(history))
	for _, entry := range history {
		items = append(items, map[string]any{"commit": commitView(entry.Commit), "state": entry.State})
	}
	return map[string]any{"history": items}, nil
}

type CreateCommitRequest struct {
	Message                string          `json:"message"`
	State                  json.RawMessage `json:"state"`
	ExpectedLatestCommitID *string         `json:"expectedLatestCommitId"`
}

func (s *Service) CreateCommit(ctx context.Context, session Session, botID, branchID string, req CreateCommitRequest) (map[string]any, error) {
	commit, err := s.engine.CreateCommit(ctx, versioning.CreateCommitInput{
		BotID:                  botID,
		BranchID:               branchID,
		Message:                req.Message,
		State:                  req.State,
		AuthorID:               session.UserID,
		ExpectedLatestCommitID: req.ExpectedLatestCommitID,
	})
	if err != nil {
		return nil, err
	}
	if branch, err := s.engine.GetBranch(ctx, botID, branchID); err == nil {
		s.syncMirror(ctx, botID, branch)
	}
	return map[string]any{"commit": commitView(commit)}, nil
}

func (s *Service) ListCommits(ctx context.Context, session Session, botID, branchID string) (map[string]any, error) {
	if _, _, err := s.requireRead(ctx, session, botID); err != nil {
		return nil, err
	}
	commits, err := s.engine.ListCommits(ctx, botID, branchID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(commits))
	for _, commit := range commits {
		items = append(items, commitView(commit))
	}
	return map[string]any{"commits": items}, nil
}

func (s *Service) GetCommit(ctx context.Context, session Session, botID, commitID string) (map[string]any, error) {
	if _, _, err := s.requireRead(ctx, session, botID); err != nil {
		return nil, err
	}
	item, err := s.engine.GetCommit(ctx, botID, commitID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"commit": commitView(item.Commit), "state": item.State}, nil
}

func (s *Service) ExportCommit(ctx context.Context, session Session, botID, commitID string) (*export.Result, error) {
	if s.exports == nil {
		return nil, export.ErrPublisherUnavailable
	}
	if _, _, err := s.requireRead(ctx, session, botID); err != nil {
		return nil, err
	}
	return s.exports.Export(ctx, export.Request{BotID: botID, CommitID: commitID})
}

func (s *Service) PublishCommit(ctx context.Context, session Session, botID, commitID string) (map[string]any, error) {
	if s.exports == nil {
		return nil, export.ErrPublisherUnavailable
	}
	if _, _, err := s.requireRead(ctx, session, botID); err != nil {
		return nil, err
	}
	published, err := s.exports.Publish(ctx, export.Request{BotID: botID, CommitID: commitID})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"bucket":    published.Bucket,
		"key":       published.Key,
		"url":       published.URL,
		"expiresAt": published.ExpiresAt,
	}, nil
}

func (s *Service) MirrorHistory(ctx context.Context, session Session, botID, branchID string, limit int) (map[string]any, error) {
	if s.mirror == nil {
		return nil, domainError(http.StatusServiceUnavailable, "MIRROR_UNAVAILABLE", "Git mirror is not configured", nil)
	}
	if _, _, err := s.requireRead(ctx, session, botID); err != nil {
		return nil, err
	}
	branch, err := s.engine.GetBranch(ctx, botID, branchID)
	if err != nil {
		return nil, err
	}
	commits, err := s.mirror.History(botID, branch.Name, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(commits))
	for _, commit := range commits {
		items = append(items, map[string]any{
			"hash":           commit.Hash,
			"engineCommitId": commit.EngineCommitID,
			"message":        commit.Message,
			"author":         commit.Author,
			"createdAt":      commit.CreatedAt,
		})
	}
	return map[string]any{"branch": branch.Name, "commits": items}, nil
}

// SyncBranchMirror rebuilds the git mirror of one branch on demand.
func (s *Service) SyncBranchMirror(ctx context.Context, session Session, botID, branchID string) (map[string]any, error) {
	if s.mirror == nil {
		return nil, domainError(http.StatusServiceUnavailable, "MIRROR_UNAVAILABLE", "Git mirror is not configured", nil)
	}
	if _, err := s.authorize(ctx, session, botID, rbac.ActionEdit); err != nil {
		return nil, err
	}
	branch, err := s.engine.GetBranch(ctx, botID, branchID)
	if err != nil {
		return nil, err
	}
	history, err := s.engine.GetBranchHistory(ctx, botID, branchID)
	if err != nil {
		return nil, err
	}
	head, err := s.mirror.SyncBranch(botID, branch.Name, history)
	if err != nil {
		return nil, err
	}
	return map[string]any{"branch": branch.Name, "head": head, "commits": len(history)}, nil
}

func (s *Service) authorize(ctx context.Context, session Session, botID string, action rbac.Action) (rbac.Role, error) {
	_, role, err := s.engine.Authorize(ctx, botID, session.UserID, action)
	return role, err
}

type CreatePullRequestRequest struct {
	SourceBranchID string `json:"sourceBranchId"`
	TargetBranchID string `json:"targetBranchId"`
	Title          string `json:"title"`
	Description    string `json:"description"`
}

func (s *Service) CreatePullRequest(ctx context.Context, session Session, botID string, req CreatePullRequestRequest) (map[string]any, error) {
	pr, err := s.engine.CreatePullRequest(ctx, versioning.CreatePullRequestInput{
		BotID:          botID,
		SourceBranchID: req.SourceBranchID,
		TargetBranchID: req.TargetBranchID,
		Title:          req.Title,
		Description:    req.Description,
		CreatorID:      session.UserID,
	})
	if err != nil {
		return nil, err
	}
	s.indexPullRequest(ctx, pr)
	return map[string]any{"pullRequest": pullRequestView(pr)}, nil
}

func (s *Service) ListPullRequests(ctx context.Context, session Session, botID, status string) (map[string]any, error) {
	if _, _, err := s.requireRead(ctx, session, botID); err != nil {
		return nil, err
	}
	prs, err := s.engine.ListPullRequests(ctx, botID, status)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(prs))
	for _, pr := range prs {
		items = append(items, pullRequestView(pr))
	}
	return map[string]any{"pullRequests": items}, nil
}

func (s *Service) GetPullRequest(ctx context.Context, session Session, botID, prID string) (map[string]any, error) {
	if _, _, err := s.requireRead(ctx, session, botID); err != nil {
		return nil, err
	}
	pr, err := s.engine.GetPullRequest(ctx, botID, prID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"pullRequest": pullRequestView(pr)}, nil
}

func (s *Service) PullRequestDiff(ctx context.Context, session Session, botID, prID string) (map[string]any, error) {
	if _, _, err := s.requireRead(ctx, session, botID); err != nil {
		return nil, err
	}
	diff, err := s.engine.GetPullRequestDiff(ctx, botID, prID)
	if err != nil {
		return nil, err
	}
	lines := diff.Lines
	if lines == nil {
		lines = []versioning.DiffLine{}
	}
	return map[string]any{"oldState": diff.OldState, "newState": diff.NewState, "lines": lines}, nil
}

func (s *Service) CompletePullRequest(ctx context.Context, session Session, botID, prID string) (map[string]any, error) {
	before, err := s.engine.GetPullRequest(ctx, botID, prID)
	if err != nil {
		return nil, err
	}
	sourceName := ""
	if source, err := s.engine.GetBranch(ctx, botID, before.SourceBranchID); err == nil {
		sourceName = source.Name
	}

	result, err := s.engine.CompletePullRequest(ctx, botID, prID, session.UserID)
	if err != nil {
		return nil, err
	}
	s.indexPullRequest(ctx, result.PullRequest)
	if target, err := s.engine.GetBranch(ctx, botID, result.PullRequest.TargetBranchID); err == nil {
		s.syncMirror(ctx, botID, target)
	}
	if result.SourceBranchDeleted && sourceName != "" {
		s.removeMirror(botID, sourceName)
	}
	return map[string]any{
		"pullRequest":         pullRequestView(result.PullRequest),
		"mergeCommitId":       result.MergeCommit.ID,
		"sourceBranchDeleted": result.SourceBranchDeleted,
	}, nil
}

func (s *Service) ClosePullRequest(ctx context.Context, session Session, botID, prID string) (map[string]any, error) {
	pr, err := s.engine.ClosePullRequest(ctx, botID, prID, session.UserID)
	if err != nil {
		return nil, err
	}
	s.indexPullRequest(ctx, pr)
	return map[string]any{"pullRequest": pullRequestView(pr)}, nil
}

type AddCommentRequest struct {
	Content       string                         `json:"content"`
	ParentID      *string                        `json:"parentId"`
	LineReference *versioning.LineReferenceInput `json:"lineReference"`
}

func (s *Service) AddComment(ctx context.Context, session Session, botID, prID string, req AddCommentRequest) (map[string]any, error) {
	comment, err := s.engine.AddComment(ctx, versioning.AddCommentInput{
		BotID:         botID,
		PRID:          prID,
		UserID:        session.UserID,
		Content:       req.Content,
		ParentID:      req.ParentID,
		LineReference: req.LineReference,
	})
	if err != nil {
		return nil, err
	}
	s.indexComment(comment)
	return map[string]any{"comment": commentView(comment)}, nil
}

func (s *Service) ListComments(ctx context.Context, session Session, botID, prID string) (map[string]any, error) {
	if _, _, err := s.requireRead(ctx, session, botID); err != nil {
		return nil, err
	}
	comments, err := s.engine.ListComments(ctx, botID, prID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(comments))
	unresolved := 0
	for _, comment := range comments {
		items = append(items, commentView(comment))
		if !comment.Resolved {
			unresolved++
		}
	}
	return map[string]any{"comments": items, "unresolved": unresolved}, nil
}

func (s *Service) UpdateComment(ctx context.Context, session Session, botID, commentID, content string) (map[string]any, error) {
	comment, err := s.engine.UpdateComment(ctx, botID, commentID, content, session.UserID)
	if err != nil {
		return nil, err
	}
	s.indexComment(comment)
	return map[string]any{"comment": commentView(comment)}, nil
}

func (s *Service) ResolveComment(ctx context.Context, session Session, botID, commentID string, resolved bool) (map[string]any, error) {
	comment, err := s.engine.ResolveComment(ctx, botID, commentID, resolved, session.UserID)
	if err != nil {
		return nil, err
	}
	s.indexComment(comment)
	return map[string]any{"comment": commentView(comment)}, nil
}

func (s *Service) Search(ctx context.Context, session Session, text, botID, filterType string, limit, offset int) (map[string]any, error) {
	if strings.TrimSpace(botID) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "botId is required", map[string]any{"field": "botId"})
	}
	if _, _, err := s.requireRead(ctx, session, botID); err != nil {
		return nil, err
	}
	switch search.ResultType(filterType) {
	case "", search.ResultPullRequest, search.ResultComment:
	default:
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "type must be pull_request or comment", map[string]any{"field": "type"})
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	if s.search == nil {
		return map[string]any{"results": []search.Result{}, "total": 0, "query": text}, nil
	}
	response := s.search.Search(search.Query{
		Text:        text,
		FilterType:  search.ResultType(filterType),
		FilterBotID: botID,
		Limit:       limit,
		Offset:      offset,
	})
	return map[string]any{"results": response.Results, "total": response.Total, "query": response.Query}, nil
}

func (s *Service) syncMirror(ctx context.Context, botID string, branch store.Branch) {
	if s.mirror == nil {
		return
	}
	history, err := s.engine.GetBranchHistory(ctx, botID, branch.ID)
	if err != nil {
		log.Warn().Err(err).Str("bot_id", botID).Str("branch", branch.Name).Msg("mirror: load history")
		return
	}
	if _, err := s.mirror.SyncBranch(botID, branch.Name, history); err != nil {
		log.Warn().Err(err).Str("bot_id", botID).Str("branch", branch.Name).Msg("mirror: sync branch")
	}
}

func (s *Service) removeMirror(botID, branchName string) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.RemoveBranch(botID, branchName); err != nil {
		log.Warn().Err(err).Str("bot_id", botID).Str("branch", branchName).Msg("mirror: remove branch")
	}
}

func (s *Service) indexPullRequest(ctx context.Context, pr store.PullRequest) {
	if s.search == nil {
		return
	}
	record := search.PullRequestRecord{
		ID:           pr.ID,
		BotID:        pr.BotID,
		Title:        pr.Title,
		Description:  pr.Description,
		Status:       pr.Status,
		SourceBranch: pr.SourceBranchName,
		TargetBranch: pr.TargetBranchName,
	}
	if record.SourceBranch == "" {
		if branch, err := s.engine.GetBranch(ctx, pr.BotID, pr.SourceBranchID); err == nil {
			record.SourceBranch = branch.Name
		}
	}
	if record.TargetBranch == "" {
		if branch, err := s.engine.GetBranch(ctx, pr.BotID, pr.TargetBranchID); err == nil {
			record.TargetBranch = branch.Name
		}
	}
	s.search.IndexPullRequest(record)
}

func (s *Service) indexPullRequestByID(ctx context.Context, botID, prID string) {
	if s.search == nil {
		return
	}
	pr, err := s.engine.GetPullRequest(ctx, botID, prID)
	if err != nil {
		log.Warn().Err(err).Str("pr_id", prID).Msg("search: reload pull request")
		return
	}
	s.indexPullRequest(ctx, pr)
}

func (s *Service) indexComment(comment store.PRComment) {
	if s.search == nil {
		return
	}
	s.search.IndexComment(search.CommentRecord{
		ID:            comment.ID,
		BotID:         comment.BotID,
		PullRequestID: comment.PRID,
		UserID:        comment.UserID,
		Content:       comment.Content,
		Resolved:      comment.Resolved,
	})
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
