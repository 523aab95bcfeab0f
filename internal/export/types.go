// Package export renders a commit's hydrated model as a downloadable JSON
// artifact and publishes it to object storage.
package export

import (
	"encoding/json"
	"errors"
	"time"
)

const MimeJSON = "application/json"

// Request selects the commit to export.
type Request struct {
	BotID    string
	CommitID string
}

// Artifact is the exported document.
type Artifact struct {
	BotID     string          `json:"botId"`
	CommitID  string          `json:"commitId"`
	BranchID  string          `json:"branchId"`
	Message   string          `json:"message"`
	Author    string          `json:"author"`
	CreatedAt time.Time       `json:"createdAt"`
	Model     json.RawMessage `json:"model"`
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// Published describes an uploaded artifact.
type Published struct {
	Bucket    string    `json:"bucket"`
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

var (
	// ErrContentUnavailable indicates the commit state could not be loaded for export.
	ErrContentUnavailable = errors.New("export content unavailable")
	// ErrPublisherUnavailable indicates object storage is not configured.
	ErrPublisherUnavailable = errors.New("export publisher unavailable")
)
