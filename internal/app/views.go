package app

import (
	"encoding/json"

	"botforge/api/internal/rbac"
	"botforge/api/internal/store"
)

func botView(bot store.Bot, role rbac.Role) map[string]any {
	parameters := bot.Parameters
	if len(parameters) == 0 {
		parameters = json.RawMessage(`{}`)
	}
	return map[string]any{
		"id":         bot.ID,
		"name":       bot.Name,
		"ownerId":    bot.OwnerID,
		"prompt":     bot.Prompt,
		"parameters": parameters,
		"role":       string(role),
		"createdAt":  bot.CreatedAt,
		"updatedAt":  bot.UpdatedAt,
	}
}

func branchView(branch store.Branch) map[string]any {
	base := branch.BaseCommitIDs
	if base == nil {
		base = []string{}
	}
	return map[string]any{
		"id":             branch.ID,
		"botId":          branch.BotID,
		"name":           branch.Name,
		"isDefault":      branch.IsDefault,
		"sourceBranchId": branch.SourceBranchID,
		"sourceCommitId": branch.SourceCommitID,
		"baseCommitIds":  base,
		"latestCommitId": branch.LatestCommitID,
		"createdBy":      branch.CreatedBy,
		"createdAt":      branch.CreatedAt,
		"updatedAt":      branch.UpdatedAt,
	}
}

// commitView omits the stored payload. Callers that need the model ask for
// the hydrated state.
func commitView(commit store.Commit) map[string]any {
	return map[string]any{
		"id":              commit.ID,
		"botId":           commit.BotID,
		"branchId":        commit.BranchID,
		"message":         commit.Message,
		"parentCommitId":  commit.ParentCommitID,
		"isInitialCommit": commit.IsInitialCommit,
		"author":          commit.Author,
		"createdAt":       commit.CreatedAt,
		"prId":            commit.PRID,
	}
}

func pullRequestView(pr store.PullRequest) map[string]any {
	return map[string]any{
		"id":               pr.ID,
		"botId":            pr.BotID,
		"title":            pr.Title,
		"description":      pr.Description,
		"sourceBranchId":   pr.SourceBranchID,
		"targetBranchId":   pr.TargetBranchID,
		"sourceBranchName": pr.SourceBranchName,
		"targetBranchName": pr.TargetBranchName,
		"creatorId":        pr.CreatorID,
		"status":           pr.Status,
		"createdAt":        pr.CreatedAt,
		"completedAt":      pr.CompletedAt,
		"closedAt":         pr.ClosedAt,
		"mergeCommitId":    pr.MergeCommitID,
	}
}

func commentView(comment store.PRComment) map[string]any {
	return map[string]any{
		"id":            comment.ID,
		"prId":          comment.PRID,
		"userId":        comment.UserID,
		"parentId":      comment.ParentID,
		"content":       comment.Content,
		"lineReference": comment.LineReference,
		"resolved":      comment.Resolved,
		"resolvedBy":    comment.ResolvedBy,
		"createdAt":     comment.CreatedAt,
		"updatedAt":     comment.UpdatedAt,
	}
}
