package app

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"botforge/api/internal/export"
	"botforge/api/internal/gitrepo"
	"botforge/api/internal/versioning"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// engineError translates versioning and collaborator errors into their HTTP
// contract. Invariant violations stay opaque.
func engineError(err error) (*DomainError, bool) {
	var (
		notFound     *versioning.NotFoundError
		validation   *versioning.ValidationError
		dupBranch    *versioning.DuplicateBranchNameError
		badSource    *versioning.InvalidSourceBranchError
		isDefault    *versioning.CannotDeleteDefaultBranchError
		forbidden    *versioning.AuthorizationError
		conflict     *versioning.ConcurrencyConflictError
		unresolved   *versioning.UnresolvedCommentsError
		stale        *versioning.StaleSourceBranchError
		notOpen      *versioning.PullRequestNotOpenError
		duplicatePR  *versioning.DuplicatePullRequestError
		invariantErr *versioning.InvariantViolationError
	)
	switch {
	case errors.As(err, &invariantErr):
		log.Error().Err(err).Str("op", invariantErr.Op).Msg("invariant violation surfaced to client")
		return domainError(http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil), true
	case errors.As(err, &notFound):
		return domainError(http.StatusNotFound, "NOT_FOUND", notFound.Error(), map[string]any{"kind": notFound.Kind, "id": notFound.ID}), true
	case errors.As(err, &validation):
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", validation.Error(), map[string]any{"field": validation.Field}), true
	case errors.As(err, &dupBranch):
		return domainError(http.StatusConflict, "DUPLICATE_NAME", dupBranch.Error(), map[string]any{"name": dupBranch.Name}), true
	case errors.As(err, &badSource):
		return domainError(http.StatusUnprocessableEntity, "INVALID_SOURCE", badSource.Error(), map[string]any{"branchId": badSource.BranchID}), true
	case errors.As(err, &isDefault):
		return domainError(http.StatusConflict, "IS_DEFAULT", isDefault.Error(), nil), true
	case errors.As(err, &forbidden):
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", map[string]any{"action": forbidden.Action}), true
	case errors.As(err, &conflict):
		return domainError(http.StatusConflict, "CONFLICT", conflict.Error(), map[string]any{
			"branchId": conflict.BranchID,
			"expected": conflict.Expected,
			"actual":   conflict.Actual,
		}), true
	case errors.As(err, &unresolved):
		return domainError(http.StatusConflict, "UNRESOLVED_COMMENTS", unresolved.Error(), map[string]any{"count": unresolved.Count}), true
	case errors.As(err, &stale):
		return domainError(http.StatusConflict, "STALE_SOURCE", stale.Error(), nil), true
	case errors.As(err, &notOpen):
		return domainError(http.StatusConflict, "PR_NOT_OPEN", notOpen.Error(), map[string]any{"status": notOpen.Status}), true
	case errors.As(err, &duplicatePR):
		return domainError(http.StatusConflict, "DUPLICATE_PULL_REQUEST", duplicatePR.Error(), map[string]any{"existingId": duplicatePR.ExistingID}), true
	case errors.Is(err, export.ErrContentUnavailable):
		return domainError(http.StatusNotFound, "NOT_FOUND", "Commit content unavailable", nil), true
	case errors.Is(err, export.ErrPublisherUnavailable):
		return domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Object storage is not configured", nil), true
	case errors.Is(err, gitrepo.ErrBranchNotMirrored):
		return domainError(http.StatusNotFound, "NOT_MIRRORED", "Branch has not been mirrored yet", nil), true
	}
	return nil, false
}
