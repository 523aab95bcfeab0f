package versioning

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"

	"botforge/api/internal/rbac"
	"botforge/api/internal/store"
)

type LineReferenceInput struct {
	FileVersion string `json:"fileVersion" validate:"required,oneof=old new"`
	StartLine   int    `json:"startLine" validate:"min=1"`
	EndLine     int    `json:"endLine" validate:"min=1,gtefield=StartLine"`
}

type AddCommentInput struct {
	BotID         string              `json:"botId" validate:"required"`
	PRID          string              `json:"prId" validate:"required"`
	UserID        string              `json:"userId" validate:"required"`
	Content       string              `json:"content" validate:"required,max=10000"`
	ParentID      *string             `json:"parentId"`
	LineReference *LineReferenceInput `json:"lineReference" validate:"omitempty"`
}

// AddComment attaches a comment to an open pull request. A line reference
// must fall inside the presented diff of the side it names.
func (e *Engine) AddComment(ctx context.Context, in AddCommentInput) (store.PRComment, error) {
	in.Content = strings.TrimSpace(in.Content)
	if err := validateInput(in); err != nil {
		return store.PRComment{}, err
	}
	bot, err := e.loadBot(ctx, in.BotID)
	if err != nil {
		return store.PRComment{}, err
	}
	if _, err := e.authorize(ctx, bot, in.UserID, rbac.ActionComment); err != nil {
		return store.PRComment{}, err
	}
	pr, err := e.loadPullRequest(ctx, e.store, bot.ID, in.PRID)
	if err != nil {
		return store.PRComment{}, err
	}
	if pr.Status != store.PRStatusOpen {
		return store.PRComment{}, &PullRequestNotOpenError{ID: pr.ID, Status: pr.Status}
	}

	if in.ParentID != nil {
		parent, err := e.store.GetComment(ctx, *in.ParentID)
		if err != nil {
			return store.PRComment{}, notFound("comment", *in.ParentID, err)
		}
		if parent.PRID != pr.ID {
			return store.PRComment{}, &ValidationError{Field: "parentId", Message: "must reference a comment on the same pull request"}
		}
	}

	var ref *store.LineReference
	if in.LineReference != nil {
		if err := e.checkLineReference(ctx, bot.ID, pr.ID, *in.LineReference); err != nil {
			return store.PRComment{}, err
		}
		ref = &store.LineReference{
			FileVersion: in.LineReference.FileVersion,
			StartLine:   in.LineReference.StartLine,
			EndLine:     in.LineReference.EndLine,
		}
	}

	now := e.timestamp()
	comment := store.PRComment{
		ID:            e.newID("cmnt"),
		PRID:          pr.ID,
		BotID:         bot.ID,
		UserID:        in.UserID,
		ParentID:      copyID(in.ParentID),
		Content:       in.Content,
		LineReference: ref,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.InsertComment(ctx, comment); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.PRComment{}, &NotFoundError{Kind: "pull request", ID: pr.ID}
		}
		if errors.Is(err, store.ErrConflict) {
			// completed or closed after the status check above
			return store.PRComment{}, &PullRequestNotOpenError{ID: pr.ID, Status: "no longer open"}
		}
		return store.PRComment{}, err
	}
	log.Debug().Str("pr_id", pr.ID).Str("comment_id", comment.ID).Msg("comment added")
	return comment, nil
}

func (e *Engine) checkLineReference(ctx context.Context, botID, prID string, ref LineReferenceInput) error {
	diff, err := e.GetPullRequestDiff(ctx, botID, prID)
	if err != nil {
		return err
	}
	side := diff.NewState
	if ref.FileVersion == store.FileVersionOld {
		side = diff.OldState
	}
	total, err := lineCount(side)
	if err != nil {
		return err
	}
	if ref.EndLine > total {
		return &ValidationError{Field: "lineReference", Message: "range is outside the " + ref.FileVersion + " version"}
	}
	return nil
}

func (e *Engine) ListComments(ctx context.Context, botID, prID string) ([]store.PRComment, error) {
	if _, err := e.loadPullRequest(ctx, e.store, botID, prID); err != nil {
		return nil, err
	}
	return e.store.ListComments(ctx, prID)
}

func (e *Engine) loadComment(ctx context.Context, botID, commentID string) (store.PRComment, error) {
	comment, err := e.store.GetComment(ctx, commentID)
	if err != nil {
		return store.PRComment{}, notFound("comment", commentID, err)
	}
	if botID != "" && comment.BotID != botID {
		return store.PRComment{}, &NotFoundError{Kind: "comment", ID: commentID}
	}
	return comment, nil
}

// UpdateComment edits the content of a comment. Only its author may, and
// only while the pull request is open.
func (e *Engine) UpdateComment(ctx context.Context, botID, commentID, content, userID string) (store.PRComment, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return store.PRComment{}, &ValidationError{Field: "content", Message: "is required"}
	}
	comment, err := e.loadComment(ctx, botID, commentID)
	if err != nil {
		return store.PRComment{}, err
	}
	if comment.UserID != userID {
		return store.PRComment{}, &AuthorizationError{UserID: userID, Action: "edit_comment"}
	}
	pr, err := e.loadPullRequest(ctx, e.store, comment.BotID, comment.PRID)
	if err != nil {
		return store.PRComment{}, err
	}
	if pr.Status != store.PRStatusOpen {
		return store.PRComment{}, &PullRequestNotOpenError{ID: pr.ID, Status: pr.Status}
	}
	if err := e.store.UpdateCommentContent(ctx, comment.ID, content, e.timestamp()); err != nil {
		return store.PRComment{}, notFound("comment", comment.ID, err)
	}
	return e.loadComment(ctx, botID, comment.ID)
}

// ResolveComment sets or clears the resolved flag. Owners and collaborators
// may toggle any comment.
func (e *Engine) ResolveComment(ctx context.Context, botID, commentID string, resolved bool, userID string) (store.PRComment, error) {
	comment, err := e.loadComment(ctx, botID, commentID)
	if err != nil {
		return store.PRComment{}, err
	}
	bot, err := e.loadBot(ctx, comment.BotID)
	if err != nil {
		return store.PRComment{}, err
	}
	if _, err := e.authorize(ctx, bot, userID, rbac.ActionResolve); err != nil {
		return store.PRComment{}, err
	}
	var resolvedBy *string
	if resolved {
		by := userID
		resolvedBy = &by
	}
	if err := e.store.SetCommentResolved(ctx, comment.ID, resolved, resolvedBy, e.timestamp()); err != nil {
		return store.PRComment{}, notFound("comment", comment.ID, err)
	}
	log.Debug().Str("comment_id", comment.ID).Bool("resolved", resolved).Str("user_id", userID).Msg("comment resolution changed")
	return e.loadComment(ctx, botID, comment.ID)
}
