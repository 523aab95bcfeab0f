package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps every record in process. Transactions run against a
// copy of the state that replaces the live state on success, so a failed
// transaction leaves nothing behind.
type MemoryStore struct {
	mu    *sync.Mutex
	state *memoryState
	// live points at the owning store when this value is bound to a
	// transaction.
	live *MemoryStore
}

type memoryState struct {
	seq           int64
	bots          map[string]Bot
	collaborators map[string]map[string]struct{}
	branches      map[string]memoryRow[Branch]
	commits       map[string]memoryRow[Commit]
	pullRequests  map[string]memoryRow[PullRequest]
	comments      map[string]memoryRow[PRComment]
}

type memoryRow[T any] struct {
	seq   int64
	value T
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mu: &sync.Mutex{},
		state: &memoryState{
			bots:          map[string]Bot{},
			collaborators: map[string]map[string]struct{}{},
			branches:      map[string]memoryRow[Branch]{},
			commits:       map[string]memoryRow[Commit]{},
			pullRequests:  map[string]memoryRow[PullRequest]{},
			comments:      map[string]memoryRow[PRComment]{},
		},
	}
}

func (s *MemoryStore) lock() func() {
	if s.live != nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if s.live != nil {
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &MemoryStore{mu: s.mu, state: s.state.clone(), live: s}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (st *memoryState) clone() *memoryState {
	out := &memoryState{
		seq:           st.seq,
		bots:          make(map[string]Bot, len(st.bots)),
		collaborators: make(map[string]map[string]struct{}, len(st.collaborators)),
		branches:      make(map[string]memoryRow[Branch], len(st.branches)),
		commits:       make(map[string]memoryRow[Commit], len(st.commits)),
		pullRequests:  make(map[string]memoryRow[PullRequest], len(st.pullRequests)),
		comments:      make(map[string]memoryRow[PRComment], len(st.comments)),
	}
	for k, v := range st.bots {
		out.bots[k] = v
	}
	for k, users := range st.collaborators {
		copied := make(map[string]struct{}, len(users))
		for u := range users {
			copied[u] = struct{}{}
		}
		out.collaborators[k] = copied
	}
	for k, v := range st.branches {
		out.branches[k] = v
	}
	for k, v := range st.commits {
		out.commits[k] = v
	}
	for k, v := range st.pullRequests {
		out.pullRequests[k] = v
	}
	for k, v := range st.comments {
		out.comments[k] = v
	}
	return out
}

func (st *memoryState) next() int64 {
	st.seq++
	return st.seq
}

func (s *MemoryStore) CreateBot(_ context.Context, bot Bot) error {
	defer s.lock()()
	if _, ok := s.state.bots[bot.ID]; ok {
		return fmt.Errorf("insert bot: %w", ErrDuplicate)
	}
	s.state.bots[bot.ID] = bot
	return nil
}

func (s *MemoryStore) GetBot(_ context.Context, botID string) (Bot, error) {
	defer s.lock()()
	bot, ok := s.state.bots[botID]
	if !ok {
		return Bot{}, fmt.Errorf("get bot %s: %w", botID, ErrNotFound)
	}
	return bot, nil
}

func (s *MemoryStore) ListBotIDs(_ context.Context) ([]string, error) {
	defer s.lock()()
	bots := make([]Bot, 0, len(s.state.bots))
	for _, bot := range s.state.bots {
		bots = append(bots, bot)
	}
	sort.Slice(bots, func(i, j int) bool {
		if !bots[i].CreatedAt.Equal(bots[j].CreatedAt) {
			return bots[i].CreatedAt.Before(bots[j].CreatedAt)
		}
		return bots[i].ID < bots[j].ID
	})
	ids := make([]string, 0, len(bots))
	for _, bot := range bots {
		ids = append(ids, bot.ID)
	}
	return ids, nil
}

func (s *MemoryStore) UpdateBotSummary(_ context.Context, botID string, summary BotSummary, at time.Time) error {
	defer s.lock()()
	bot, ok := s.state.bots[botID]
	if !ok {
		return fmt.Errorf("update bot summary: %w", ErrNotFound)
	}
	bot.Name = summary.Name
	bot.Prompt = summary.Prompt
	bot.Parameters = summary.Parameters
	bot.UpdatedAt = at
	s.state.bots[botID] = bot
	return nil
}

func (s *MemoryStore) AddCollaborator(_ context.Context, botID, userID string) error {
	defer s.lock()()
	if _, ok := s.state.bots[botID]; !ok {
		return fmt.Errorf("add collaborator: %w", ErrNotFound)
	}
	users := s.state.collaborators[botID]
	if users == nil {
		users = map[string]struct{}{}
		s.state.collaborators[botID] = users
	}
	users[userID] = struct{}{}
	return nil
}

func (s *MemoryStore) IsCollaborator(_ context.Context, botID, userID string) (bool, error) {
	defer s.lock()()
	_, ok := s.state.collaborators[botID][userID]
	return ok, nil
}

func (s *MemoryStore) InsertBranch(_ context.Context, branch Branch) error {
	defer s.lock()()
	if _, ok := s.state.branches[branch.ID]; ok {
		return fmt.Errorf("insert branch: %w", ErrDuplicate)
	}
	for _, row := range s.state.branches {
		existing := row.value
		if existing.BotID != branch.BotID {
			continue
		}
		if existing.Name == branch.Name {
			return fmt.Errorf("insert branch: %w: branches_bot_id_name_key", ErrDuplicate)
		}
		if existing.IsDefault && branch.IsDefault {
			return fmt.Errorf("insert branch: %w: idx_branches_one_default", ErrDuplicate)
		}
	}
	s.state.branches[branch.ID] = memoryRow[Branch]{seq: s.state.next(), value: cloneBranch(branch)}
	return nil
}

func (s *MemoryStore) GetBranch(_ context.Context, branchID string) (Branch, error) {
	defer s.lock()()
	row, ok := s.state.branches[branchID]
	if !ok {
		return Branch{}, fmt.Errorf("get branch %s: %w", branchID, ErrNotFound)
	}
	return cloneBranch(row.value), nil
}

// LockBranch is a plain read: a memory transaction already holds the store
// mutex until it ends.
func (s *MemoryStore) LockBranch(ctx context.Context, branchID string) (Branch, error) {
	return s.GetBranch(ctx, branchID)
}

func (s *MemoryStore) GetBranchByName(_ context.Context, botID, name string) (Branch, error) {
	defer s.lock()()
	for _, row := range s.state.branches {
		if row.value.BotID == botID && row.value.Name == name {
			return cloneBranch(row.value), nil
		}
	}
	return Branch{}, fmt.Errorf("get branch %q: %w", name, ErrNotFound)
}

func (s *MemoryStore) GetDefaultBranch(_ context.Context, botID string) (Branch, error) {
	defer s.lock()()
	for _, row := range s.state.branches {
		if row.value.BotID == botID && row.value.IsDefault {
			return cloneBranch(row.value), nil
		}
	}
	return Branch{}, fmt.Errorf("get default branch: %w", ErrNotFound)
}

func (s *MemoryStore) ListBranches(_ context.Context, botID string) ([]Branch, error) {
	defer s.lock()()
	rows := make([]memoryRow[Branch], 0)
	for _, row := range s.state.branches {
		if row.value.BotID == botID {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].value.IsDefault != rows[j].value.IsDefault {
			return rows[i].value.IsDefault
		}
		return rows[i].seq < rows[j].seq
	})
	branches := make([]Branch, 0, len(rows))
	for _, row := range rows {
		branches = append(branches, cloneBranch(row.value))
	}
	return branches, nil
}

func (s *MemoryStore) CompareAndSetBranchHead(_ context.Context, branchID string, expected *string, next string, at time.Time) error {
	defer s.lock()()
	row, ok := s.state.branches[branchID]
	if !ok {
		return fmt.Errorf("advance branch head: %w", ErrNotFound)
	}
	if !sameID(row.value.LatestCommitID, expected) {
		return ErrConflict
	}
	head := next
	row.value.LatestCommitID = &head
	row.value.UpdatedAt = at
	s.state.branches[branchID] = row
	return nil
}

func (s *MemoryStore) RepointChildBranches(_ context.Context, fromBranchID string, to *string, at time.Time) (int, error) {
	defer s.lock()()
	count := 0
	for id, row := range s.state.branches {
		if row.value.SourceBranchID == nil || *row.value.SourceBranchID != fromBranchID {
			continue
		}
		row.value.SourceBranchID = copyID(to)
		row.value.UpdatedAt = at
		s.state.branches[id] = row
		count++
	}
	return count, nil
}

func (s *MemoryStore) SetBranchSource(_ context.Context, branchID string, source *string, at time.Time) error {
	defer s.lock()()
	row, ok := s.state.branches[branchID]
	if !ok {
		return fmt.Errorf("set branch source: %w", ErrNotFound)
	}
	row.value.SourceBranchID = copyID(source)
	row.value.UpdatedAt = at
	s.state.branches[branchID] = row
	return nil
}

func (s *MemoryStore) DeleteBranch(_ context.Context, branchID string) error {
	defer s.lock()()
	if _, ok := s.state.branches[branchID]; !ok {
		return fmt.Errorf("delete branch: %w", ErrNotFound)
	}
	delete(s.state.branches, branchID)
	return nil
}

func (s *MemoryStore) InsertCommit(_ context.Context, commit Commit) error {
	defer s.lock()()
	if _, ok := s.state.commits[commit.ID]; ok {
		return fmt.Errorf("insert commit: %w", ErrDuplicate)
	}
	if _, ok := s.state.bots[commit.BotID]; !ok {
		return fmt.Errorf("insert commit: bot %s: %w", commit.BotID, ErrNotFound)
	}
	s.state.commits[commit.ID] = memoryRow[Commit]{seq: s.state.next(), value: commit}
	return nil
}

func (s *MemoryStore) GetCommit(_ context.Context, commitID string) (Commit, error) {
	defer s.lock()()
	row, ok := s.state.commits[commitID]
	if !ok {
		return Commit{}, fmt.Errorf("get commit %s: %w", commitID, ErrNotFound)
	}
	return row.value, nil
}

func (s *MemoryStore) GetCommits(_ context.Context, ids []string) ([]Commit, error) {
	defer s.lock()()
	commits := make([]Commit, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if row, ok := s.state.commits[id]; ok {
			commits = append(commits, row.value)
		}
	}
	return commits, nil
}

func (s *MemoryStore) ListCommits(_ context.Context, botID, branchID string) ([]Commit, error) {
	defer s.lock()()
	rows := make([]memoryRow[Commit], 0)
	for _, row := range s.state.commits {
		if row.value.BotID != botID {
			continue
		}
		if branchID != "" && row.value.BranchID != branchID {
			continue
		}
		rows = append(rows, row)
	}
	sortCommitRows(rows)
	commits := make([]Commit, 0, len(rows))
	for _, row := range rows {
		commits = append(commits, row.value)
	}
	return commits, nil
}

func (s *MemoryStore) ListCommitRefs(_ context.Context, botID string) ([]CommitRef, error) {
	defer s.lock()()
	rows := make([]memoryRow[Commit], 0)
	for _, row := range s.state.commits {
		if row.value.BotID == botID {
			rows = append(rows, row)
		}
	}
	sortCommitRows(rows)
	refs := make([]CommitRef, 0, len(rows))
	for _, row := range rows {
		refs = append(refs, row.value.Ref())
	}
	return refs, nil
}

func (s *MemoryStore) DeleteCommits(_ context.Context, ids []string) (int, error) {
	defer s.lock()()
	count := 0
	for _, id := range ids {
		if _, ok := s.state.commits[id]; ok {
			delete(s.state.commits, id)
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) InsertPullRequest(_ context.Context, pr PullRequest) error {
	defer s.lock()()
	if _, ok := s.state.pullRequests[pr.ID]; ok {
		return fmt.Errorf("insert pull request: %w", ErrDuplicate)
	}
	if pr.Status == PRStatusOpen {
		for _, row := range s.state.pullRequests {
			existing := row.value
			if existing.Status == PRStatusOpen && existing.SourceBranchID == pr.SourceBranchID && existing.TargetBranchID == pr.TargetBranchID {
				return fmt.Errorf("insert pull request: %w: idx_pull_requests_open_pair", ErrDuplicate)
			}
		}
	}
	s.state.pullRequests[pr.ID] = memoryRow[PullRequest]{seq: s.state.next(), value: pr}
	return nil
}

func (s *MemoryStore) GetPullRequest(_ context.Context, prID string) (PullRequest, error) {
	defer s.lock()()
	row, ok := s.state.pullRequests[prID]
	if !ok {
		return PullRequest{}, fmt.Errorf("get pull request %s: %w", prID, ErrNotFound)
	}
	return row.value, nil
}

func (s *MemoryStore) LockPullRequest(ctx context.Context, prID string) (PullRequest, error) {
	return s.GetPullRequest(ctx, prID)
}

func (s *MemoryStore) ListPullRequests(_ context.Context, botID, status string) ([]PullRequest, error) {
	defer s.lock()()
	rows := s.filterPullRequests(func(pr PullRequest) bool {
		return pr.BotID == botID && (status == "" || pr.Status == status)
	})
	// newest first, matching the SQL ordering
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].seq > rows[j].seq
	})
	return pullRequestValues(rows), nil
}

func (s *MemoryStore) FindOpenPullRequest(_ context.Context, sourceBranchID, targetBranchID string) (PullRequest, error) {
	defer s.lock()()
	for _, row := range s.state.pullRequests {
		pr := row.value
		if pr.Status == PRStatusOpen && pr.SourceBranchID == sourceBranchID && pr.TargetBranchID == targetBranchID {
			return pr, nil
		}
	}
	return PullRequest{}, fmt.Errorf("find open pull request: %w", ErrNotFound)
}

func (s *MemoryStore) ListOpenPullRequestsForBranch(_ context.Context, branchID string) ([]PullRequest, error) {
	defer s.lock()()
	rows := s.filterPullRequests(func(pr PullRequest) bool {
		return pr.Status == PRStatusOpen && (pr.SourceBranchID == branchID || pr.TargetBranchID == branchID)
	})
	return pullRequestValues(rows), nil
}

func (s *MemoryStore) filterPullRequests(keep func(PullRequest) bool) []memoryRow[PullRequest] {
	rows := make([]memoryRow[PullRequest], 0)
	for _, row := range s.state.pullRequests {
		if keep(row.value) {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	return rows
}

func (s *MemoryStore) CompletePullRequest(_ context.Context, prID, mergeCommitID, sourceName, targetName string, at time.Time) error {
	defer s.lock()()
	row, ok := s.state.pullRequests[prID]
	if !ok {
		return fmt.Errorf("complete pull request: %w", ErrNotFound)
	}
	if row.value.Status != PRStatusOpen {
		return ErrConflict
	}
	completedAt := at
	merge := mergeCommitID
	row.value.Status = PRStatusCompleted
	row.value.CompletedAt = &completedAt
	row.value.MergeCommitID = &merge
	row.value.SourceBranchName = sourceName
	row.value.TargetBranchName = targetName
	s.state.pullRequests[prID] = row
	return nil
}

func (s *MemoryStore) ClosePullRequest(_ context.Context, prID, sourceName, targetName string, at time.Time) error {
	defer s.lock()()
	row, ok := s.state.pullRequests[prID]
	if !ok {
		return fmt.Errorf("close pull request: %w", ErrNotFound)
	}
	if row.value.Status != PRStatusOpen {
		return ErrConflict
	}
	closedAt := at
	row.value.Status = PRStatusClosed
	row.value.ClosedAt = &closedAt
	row.value.SourceBranchName = sourceName
	row.value.TargetBranchName = targetName
	s.state.pullRequests[prID] = row
	return nil
}

func (s *MemoryStore) InsertComment(_ context.Context, comment PRComment) error {
	defer s.lock()()
	if _, ok := s.state.comments[comment.ID]; ok {
		return fmt.Errorf("insert comment: %w", ErrDuplicate)
	}
	pr, ok := s.state.pullRequests[comment.PRID]
	if !ok {
		return fmt.Errorf("insert comment: pull request %s: %w", comment.PRID, ErrNotFound)
	}
	if pr.value.Status != PRStatusOpen {
		return fmt.Errorf("insert comment: pull request %s is %s: %w", comment.PRID, pr.value.Status, ErrConflict)
	}
	if comment.ParentID != nil {
		if _, ok := s.state.comments[*comment.ParentID]; !ok {
			return fmt.Errorf("insert comment: parent %s: %w", *comment.ParentID, ErrNotFound)
		}
	}
	if comment.LineReference != nil {
		ref := *comment.LineReference
		comment.LineReference = &ref
	}
	s.state.comments[comment.ID] = memoryRow[PRComment]{seq: s.state.next(), value: comment}
	return nil
}

func (s *MemoryStore) GetComment(_ context.Context, commentID string) (PRComment, error) {
	defer s.lock()()
	row, ok := s.state.comments[commentID]
	if !ok {
		return PRComment{}, fmt.Errorf("get comment %s: %w", commentID, ErrNotFound)
	}
	return row.value, nil
}

func (s *MemoryStore) ListComments(_ context.Context, prID string) ([]PRComment, error) {
	defer s.lock()()
	rows := make([]memoryRow[PRComment], 0)
	for _, row := range s.state.comments {
		if row.value.PRID == prID {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].value.CreatedAt.Equal(rows[j].value.CreatedAt) {
			return rows[i].value.CreatedAt.Before(rows[j].value.CreatedAt)
		}
		return rows[i].seq < rows[j].seq
	})
	comments := make([]PRComment, 0, len(rows))
	for _, row := range rows {
		comments = append(comments, row.value)
	}
	return comments, nil
}

func (s *MemoryStore) UpdateCommentContent(_ context.Context, commentID, content string, at time.Time) error {
	defer s.lock()()
	row, ok := s.state.comments[commentID]
	if !ok {
		return fmt.Errorf("update comment: %w", ErrNotFound)
	}
	row.value.Content = content
	row.value.UpdatedAt = at
	s.state.comments[commentID] = row
	return nil
}

func (s *MemoryStore) SetCommentResolved(_ context.Context, commentID string, resolved bool, resolvedBy *string, at time.Time) error {
	defer s.lock()()
	row, ok := s.state.comments[commentID]
	if !ok {
		return fmt.Errorf("resolve comment: %w", ErrNotFound)
	}
	row.value.Resolved = resolved
	row.value.ResolvedBy = copyID(resolvedBy)
	row.value.UpdatedAt = at
	s.state.comments[commentID] = row
	return nil
}

func (s *MemoryStore) CountUnresolvedComments(_ context.Context, prID string) (int, error) {
	defer s.lock()()
	count := 0
	for _, row := range s.state.comments {
		if row.value.PRID == prID && !row.value.Resolved {
			count++
		}
	}
	return count, nil
}

func sortCommitRows(rows []memoryRow[Commit]) {
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].value.CreatedAt.Equal(rows[j].value.CreatedAt) {
			return rows[i].value.CreatedAt.Before(rows[j].value.CreatedAt)
		}
		return rows[i].seq < rows[j].seq
	})
}

func pullRequestValues(rows []memoryRow[PullRequest]) []PullRequest {
	prs := make([]PullRequest, 0, len(rows))
	for _, row := range rows {
		prs = append(prs, row.value)
	}
	return prs
}

func cloneBranch(branch Branch) Branch {
	out := branch
	out.BaseCommitIDs = append([]string{}, branch.BaseCommitIDs...)
	out.SourceBranchID = copyID(branch.SourceBranchID)
	out.SourceCommitID = copyID(branch.SourceCommitID)
	out.LatestCommitID = copyID(branch.LatestCommitID)
	return out
}

func copyID(id *string) *string {
	if id == nil {
		return nil
	}
	out := *id
	return &out
}

func sameID(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
