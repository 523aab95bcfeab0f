package store

import (
	"encoding/json"
	"time"
)

const (
	PRStatusOpen      = "open"
	PRStatusCompleted = "completed"
	PRStatusClosed    = "closed"
)

const (
	FileVersionOld = "old"
	FileVersionNew = "new"
)

type Bot struct {
	ID         string
	Name       string
	OwnerID    string
	Prompt     string
	Parameters json.RawMessage
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// BotSummary is the denormalized read model refreshed whenever the default
// branch moves.
type BotSummary struct {
	Name       string
	Prompt     string
	Parameters json.RawMessage
}

type Branch struct {
	ID             string
	BotID          string
	Name           string
	IsDefault      bool
	SourceBranchID *string
	SourceCommitID *string
	// BaseCommitIDs is captured once when the branch is created and never
	// recomputed.
	BaseCommitIDs  []string
	LatestCommitID *string
	CreatedBy      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Commit is immutable once stored. Exactly one of ModelState and ModelDiff
// is set, depending on IsInitialCommit.
type Commit struct {
	ID              string
	BotID           string
	BranchID        string
	Message         string
	ParentCommitID  *string
	IsInitialCommit bool
	ModelState      json.RawMessage
	ModelDiff       json.RawMessage
	Author          string
	CreatedAt       time.Time
	PRID            *string
}

// CommitRef is the payload-free part of a commit used for reachability walks.
type CommitRef struct {
	ID             string
	BranchID       string
	ParentCommitID *string
	CreatedAt      time.Time
}

func (c Commit) Ref() CommitRef {
	return CommitRef{ID: c.ID, BranchID: c.BranchID, ParentCommitID: c.ParentCommitID, CreatedAt: c.CreatedAt}
}

type PullRequest struct {
	ID               string
	BotID            string
	Title            string
	Description      string
	SourceBranchID   string
	TargetBranchID   string
	CreatorID        string
	Status           string
	CreatedAt        time.Time
	CompletedAt      *time.Time
	ClosedAt         *time.Time
	MergeCommitID    *string
	SourceBranchName string
	TargetBranchName string
}

type LineReference struct {
	FileVersion string `json:"fileVersion"`
	StartLine   int    `json:"startLine"`
	EndLine     int    `json:"endLine"`
}

type PRComment struct {
	ID            string
	PRID          string
	BotID         string
	UserID        string
	ParentID      *string
	Content       string
	LineReference *LineReference
	Resolved      bool
	ResolvedBy    *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
