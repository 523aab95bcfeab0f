package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"botforge/api/internal/versioning"
)

// Source loads a commit with its hydrated state.
type Source interface {
	GetCommit(ctx context.Context, botID, commitID string) (versioning.CommitWithState, error)
}

// Publisher stores an artifact and returns a time-limited download URL.
type Publisher interface {
	Publish(ctx context.Context, key string, data []byte, contentType string) (Published, error)
}

// Service provides commit export functionality
type Service struct {
	source    Source
	publisher Publisher
}

// NewService creates a new export service. publisher may be nil.
func NewService(source Source, publisher Publisher) *Service {
	return &Service{source: source, publisher: publisher}
}

// Export builds the JSON artifact for one commit.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	item, err := s.source.GetCommit(ctx, req.BotID, req.CommitID)
	if err != nil {
		return nil, err
	}
	return Build(item)
}

// Build renders the artifact for a hydrated commit.
func Build(item versioning.CommitWithState) (*Result, error) {
	if len(item.State) == 0 {
		return nil, ErrContentUnavailable
	}
	commit := item.Commit
	artifact := Artifact{
		BotID:     commit.BotID,
		CommitID:  commit.ID,
		BranchID:  commit.BranchID,
		Message:   commit.Message,
		Author:    commit.Author,
		CreatedAt: commit.CreatedAt.UTC(),
		Model:     item.State,
	}
	raw, err := json.Marshal(artifact)
	if err != nil {
		return nil, fmt.Errorf("encode artifact: %w", err)
	}
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		return nil, fmt.Errorf("indent artifact: %w", err)
	}
	out.WriteByte('\n')
	return &Result{
		Data:     out.Bytes(),
		Filename: Filename(commit.BotID, commit.ID),
		MimeType: MimeJSON,
	}, nil
}

func Filename(botID, commitID string) string {
	return fmt.Sprintf("%s-%s.json", botID, commitID)
}

// Publish exports the commit and uploads it under exports/<bot>/.
func (s *Service) Publish(ctx context.Context, req Request) (Published, error) {
	if s.publisher == nil {
		return Published{}, ErrPublisherUnavailable
	}
	result, err := s.Export(ctx, req)
	if err != nil {
		return Published{}, err
	}
	key := fmt.Sprintf("exports/%s/%s", req.BotID, result.Filename)
	published, err := s.publisher.Publish(ctx, key, result.Data, result.MimeType)
	if err != nil {
		return Published{}, fmt.Errorf("publish %s: %w", key, err)
	}
	log.Info().Str("bot_id", req.BotID).Str("commit_id", req.CommitID).Str("key", key).Msg("export published")
	return published, nil
}
