package versioning

import (
	"errors"
	"fmt"

	"botforge/api/internal/store"
)

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type DuplicateBranchNameError struct {
	Name string
}

func (e *DuplicateBranchNameError) Error() string {
	return fmt.Sprintf("branch %q already exists", e.Name)
}

type InvalidSourceBranchError struct {
	BranchID string
	Reason   string
}

func (e *InvalidSourceBranchError) Error() string {
	return fmt.Sprintf("branch %s cannot be used as a source: %s", e.BranchID, e.Reason)
}

type CannotDeleteDefaultBranchError struct {
	BranchID string
}

func (e *CannotDeleteDefaultBranchError) Error() string {
	return fmt.Sprintf("branch %s is the default branch and cannot be deleted", e.BranchID)
}

type AuthorizationError struct {
	UserID string
	Action string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("user %s is not allowed to %s", e.UserID, e.Action)
}

// InvariantViolationError means stored data contradicts the model, for
// example a commit whose ancestor has been deleted. It is never caused by
// bad input.
type InvariantViolationError struct {
	Op     string
	Detail string
	Err    error
}

func (e *InvariantViolationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("invariant violation in %s: %s", e.Op, e.Detail)
	}
	return fmt.Sprintf("invariant violation in %s: %s: %v", e.Op, e.Detail, e.Err)
}

func (e *InvariantViolationError) Unwrap() error {
	return e.Err
}

type CommitNotFoundError struct {
	CommitID string
}

func (e *CommitNotFoundError) Error() string {
	return fmt.Sprintf("commit %s is missing from the chain", e.CommitID)
}

// ConcurrencyConflictError is returned when a branch head moved between
// read and write. Callers re-read the branch and retry.
type ConcurrencyConflictError struct {
	BranchID string
	Expected string
	Actual   string
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("branch %s moved: expected head %q, found %q", e.BranchID, e.Expected, e.Actual)
}

type UnresolvedCommentsError struct {
	Count int
}

func (e *UnresolvedCommentsError) Error() string {
	return fmt.Sprintf("%d unresolved comment(s) block the merge", e.Count)
}

type StaleSourceBranchError struct {
	SourceBranchID string
	TargetCommitID string
}

func (e *StaleSourceBranchError) Error() string {
	return fmt.Sprintf("branch %s has nothing to merge on top of %s", e.SourceBranchID, e.TargetCommitID)
}

type PullRequestNotOpenError struct {
	ID     string
	Status string
}

func (e *PullRequestNotOpenError) Error() string {
	return fmt.Sprintf("pull request %s is %s", e.ID, e.Status)
}

type DuplicatePullRequestError struct {
	ExistingID string
}

func (e *DuplicatePullRequestError) Error() string {
	return fmt.Sprintf("an open pull request already exists for this pair: %s", e.ExistingID)
}

// notFound converts store.ErrNotFound into a NotFoundError and wraps any
// other failure.
func notFound(kind, id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return &NotFoundError{Kind: kind, ID: id}
	}
	return fmt.Errorf("load %s %s: %w", kind, id, err)
}
