package versioning

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"botforge/api/internal/metrics"
	"botforge/api/internal/store"
)

type ReconcileOptions struct {
	// BotID limits the pass to one bot. Empty means every bot.
	BotID  string
	DryRun bool
	// Grace protects unreachable commits younger than this, which may
	// belong to a write still in flight.
	Grace time.Duration
}

type Violation struct {
	BotID    string `json:"botId"`
	BranchID string `json:"branchId,omitempty"`
	CommitID string `json:"commitId,omitempty"`
	Detail   string `json:"detail"`
}

type ReconcileReport struct {
	DryRun                bool        `json:"dryRun"`
	Bots                  int         `json:"bots"`
	DeletedSourceBranches []string    `json:"deletedSourceBranches"`
	RepointedBranches     []string    `json:"repointedBranches"`
	DeletedCommits        []string    `json:"deletedCommits"`
	Violations            []Violation `json:"violations"`
}

// Reconcile repairs the leftovers of partially failed multi-step writes:
// source branches of completed pull requests, branches pointing at a
// deleted source, and unreachable commits. Missing commits that a branch
// still needs cannot be repaired and are reported.
func (e *Engine) Reconcile(ctx context.Context, opts ReconcileOptions) (ReconcileReport, error) {
	report := ReconcileReport{
		DryRun:                opts.DryRun,
		DeletedSourceBranches: []string{},
		RepointedBranches:     []string{},
		DeletedCommits:        []string{},
		Violations:            []Violation{},
	}
	botIDs := []string{opts.BotID}
	if opts.BotID == "" {
		ids, err := e.store.ListBotIDs(ctx)
		if err != nil {
			return report, fmt.Errorf("list bots: %w", err)
		}
		botIDs = ids
	} else if _, err := e.loadBot(ctx, opts.BotID); err != nil {
		return report, err
	}

	for _, botID := range botIDs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := e.reconcileBot(ctx, botID, opts, &report); err != nil {
			return report, fmt.Errorf("reconcile bot %s: %w", botID, err)
		}
		report.Bots++
	}
	log.Info().
		Bool("dry_run", opts.DryRun).
		Int("bots", report.Bots).
		Int("deleted_source_branches", len(report.DeletedSourceBranches)).
		Int("repointed_branches", len(report.RepointedBranches)).
		Int("deleted_commits", len(report.DeletedCommits)).
		Int("violations", len(report.Violations)).
		Msg("reconcile finished")
	return report, nil
}

func (e *Engine) reconcileBot(ctx context.Context, botID string, opts ReconcileOptions, report *ReconcileReport) error {
	branches, err := e.store.ListBranches(ctx, botID)
	if err != nil {
		return err
	}
	byID := make(map[string]store.Branch, len(branches))
	var defaultBranch *store.Branch
	for i := range branches {
		byID[branches[i].ID] = branches[i]
		if branches[i].IsDefault {
			defaultBranch = &branches[i]
		}
	}

	completed, err := e.store.ListPullRequests(ctx, botID, store.PRStatusCompleted)
	if err != nil {
		return err
	}
	for _, pr := range completed {
		source, exists := byID[pr.SourceBranchID]
		if !exists || source.IsDefault {
			continue
		}
		report.DeletedSourceBranches = append(report.DeletedSourceBranches, source.ID)
		if opts.DryRun {
			continue
		}
		result, err := e.deleteBranch(ctx, botID, source.ID, "reconcile")
		if err != nil {
			return err
		}
		report.DeletedCommits = append(report.DeletedCommits, result.DeletedCommitIDs...)
	}

	if !opts.DryRun && len(report.DeletedSourceBranches) > 0 {
		if branches, err = e.store.ListBranches(ctx, botID); err != nil {
			return err
		}
		byID = make(map[string]store.Branch, len(branches))
		for _, branch := range branches {
			byID[branch.ID] = branch
		}
	}

	now := e.timestamp()
	for _, branch := range branches {
		var target *string
		switch {
		case branch.IsDefault && branch.SourceBranchID != nil:
			target = nil
		case branch.IsDefault || branch.SourceBranchID == nil:
			continue
		default:
			if _, exists := byID[*branch.SourceBranchID]; exists {
				continue
			}
			if defaultBranch == nil {
				report.Violations = append(report.Violations, Violation{BotID: botID, BranchID: branch.ID, Detail: "bot has no default branch"})
				continue
			}
			target = &defaultBranch.ID
		}
		report.RepointedBranches = append(report.RepointedBranches, branch.ID)
		if opts.DryRun {
			continue
		}
		if err := e.store.SetBranchSource(ctx, branch.ID, target, now); err != nil {
			return err
		}
	}

	refs, err := e.store.ListCommitRefs(ctx, botID)
	if err != nil {
		return err
	}
	reachable := reachableCommits(refs, branches)
	cutoff := now.Add(-opts.Grace)
	var young []string
	for _, ref := range refs {
		if _, kept := reachable[ref.ID]; !kept && ref.CreatedAt.After(cutoff) {
			young = append(young, ref.ID)
		}
	}
	// Commits inside the grace window keep their ancestors alive too.
	if len(young) > 0 {
		reachable = reachableCommits(refs, branches, young...)
	}
	var unreachable []string
	remaining := make([]store.CommitRef, 0, len(refs))
	for _, ref := range refs {
		if _, kept := reachable[ref.ID]; kept {
			remaining = append(remaining, ref)
			continue
		}
		unreachable = append(unreachable, ref.ID)
	}
	sort.Strings(unreachable)
	report.DeletedCommits = append(report.DeletedCommits, unreachable...)
	if !opts.DryRun && len(unreachable) > 0 {
		if _, err := e.store.DeleteCommits(ctx, unreachable); err != nil {
			return err
		}
		e.cacheEvict(ctx, unreachable)
		metrics.CollectedCommits.WithLabelValues("reconcile").Add(float64(len(unreachable)))
		refs = remaining
	}

	report.Violations = append(report.Violations, e.findViolations(botID, refs, branches)...)
	return nil
}

// findViolations reports branches whose tip or ancestry names a commit
// that no longer exists, and commits whose parent is gone.
func (e *Engine) findViolations(botID string, refs []store.CommitRef, branches []store.Branch) []Violation {
	known := make(map[string]*string, len(refs))
	for _, ref := range refs {
		known[ref.ID] = ref.ParentCommitID
	}
	var violations []Violation
	flag := func(v Violation) {
		metrics.InvariantViolations.WithLabelValues("reconcile").Inc()
		log.Error().Str("bot_id", v.BotID).Str("branch_id", v.BranchID).Str("commit_id", v.CommitID).Str("detail", v.Detail).Msg("versioning invariant violated")
		violations = append(violations, v)
	}
	for _, branch := range branches {
		if branch.LatestCommitID != nil {
			if _, ok := known[*branch.LatestCommitID]; !ok {
				flag(Violation{BotID: botID, BranchID: branch.ID, CommitID: *branch.LatestCommitID, Detail: "branch tip is missing"})
			}
		}
		for _, id := range branch.BaseCommitIDs {
			if _, ok := known[id]; !ok {
				flag(Violation{BotID: botID, BranchID: branch.ID, CommitID: id, Detail: "ancestry commit is missing"})
			}
		}
	}
	for _, ref := range refs {
		if ref.ParentCommitID == nil {
			continue
		}
		if _, ok := known[*ref.ParentCommitID]; !ok {
			flag(Violation{BotID: botID, BranchID: ref.BranchID, CommitID: ref.ID, Detail: "parent commit " + *ref.ParentCommitID + " is missing"})
		}
	}
	return violations
}
