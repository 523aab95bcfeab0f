package versioning

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"

	"botforge/api/internal/patch"
	"botforge/api/internal/rbac"
	"botforge/api/internal/store"
)

type CreateBotInput struct {
	Name         string          `json:"name" validate:"required,max=200"`
	OwnerID      string          `json:"ownerId" validate:"required"`
	InitialState json.RawMessage `json:"initialState"`
	Message      string          `json:"message" validate:"max=2000"`
}

type BotBootstrap struct {
	Bot           store.Bot
	DefaultBranch store.Branch
	InitialCommit *store.Commit
}

// CreateBot creates the bot with its default branch and, when an initial
// state is given, the snapshot commit the branch starts from.
func (e *Engine) CreateBot(ctx context.Context, in CreateBotInput) (BotBootstrap, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := validateInput(in); err != nil {
		return BotBootstrap{}, err
	}
	now := e.timestamp()
	bot := store.Bot{
		ID:         e.newID("bot"),
		Name:       in.Name,
		OwnerID:    in.OwnerID,
		Parameters: json.RawMessage(`{}`),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	branch := store.Branch{
		ID:            e.newID("br"),
		BotID:         bot.ID,
		Name:          DefaultBranchName,
		IsDefault:     true,
		BaseCommitIDs: []string{},
		CreatedBy:     in.OwnerID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var initial *store.Commit
	var state json.RawMessage
	if len(in.InitialState) > 0 {
		if !isJSONObject(in.InitialState) {
			return BotBootstrap{}, &ValidationError{Field: "initialState", Message: "must be a JSON object"}
		}
		normalized, err := patch.Normalize(in.InitialState)
		if err != nil {
			return BotBootstrap{}, &ValidationError{Field: "initialState", Message: "must be valid JSON"}
		}
		state = normalized
		message := in.Message
		if message == "" {
			message = "Initial commit"
		}
		initial = &store.Commit{
			ID:              e.newID("cmt"),
			BotID:           bot.ID,
			BranchID:        branch.ID,
			Message:         message,
			IsInitialCommit: true,
			ModelState:      state,
			Author:          in.OwnerID,
			CreatedAt:       now,
		}
		summary := summaryFromState(bot, state)
		bot.Name, bot.Prompt, bot.Parameters = summary.Name, summary.Prompt, summary.Parameters
	}

	err := e.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.CreateBot(ctx, bot); err != nil {
			return err
		}
		if err := tx.InsertBranch(ctx, branch); err != nil {
			return err
		}
		if initial == nil {
			return nil
		}
		if err := tx.InsertCommit(ctx, *initial); err != nil {
			return err
		}
		return tx.CompareAndSetBranchHead(ctx, branch.ID, nil, initial.ID, now)
	})
	if err != nil {
		return BotBootstrap{}, err
	}
	if initial != nil {
		head := initial.ID
		branch.LatestCommitID = &head
		e.cachePut(ctx, initial.ID, state)
	}
	log.Info().Str("bot_id", bot.ID).Str("owner_id", bot.OwnerID).Msg("bot created")
	return BotBootstrap{Bot: bot, DefaultBranch: branch, InitialCommit: initial}, nil
}

func (e *Engine) GetBot(ctx context.Context, botID string) (store.Bot, error) {
	return e.loadBot(ctx, botID)
}

// AddCollaborator grants userID the collaborator role. Only the owner may
// do this.
func (e *Engine) AddCollaborator(ctx context.Context, botID, actorID, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return &ValidationError{Field: "userId", Message: "is required"}
	}
	bot, err := e.loadBot(ctx, botID)
	if err != nil {
		return err
	}
	if _, err := e.authorize(ctx, bot, actorID, rbac.ActionManage); err != nil {
		return err
	}
	if userID == bot.OwnerID {
		return &ValidationError{Field: "userId", Message: "owner is already a member"}
	}
	if err := e.store.AddCollaborator(ctx, botID, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &NotFoundError{Kind: "bot", ID: botID}
		}
		return err
	}
	return nil
}
