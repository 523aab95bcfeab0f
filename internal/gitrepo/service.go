package gitrepo

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"

	"botforge/api/internal/versioning"
)

// ModelFile is the single file every mirrored commit carries.
const ModelFile = "bot.json"

const engineCommitTrailer = "Engine-Commit: "

var ErrBranchNotMirrored = errors.New("branch not mirrored")

// CommitInfo describes one mirrored git commit.
type CommitInfo struct {
	Hash           string
	EngineCommitID string
	Message        string
	Author         string
	CreatedAt      time.Time
}

// Mirror keeps one bare git repository per bot under baseDir. Branch refs are
// rebuilt from engine history, so the same history always yields the same
// hashes.
type Mirror struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Mirror {
	return &Mirror{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// SyncBranch writes one git commit per history entry, root first, and points
// refs/heads/<branchName> at the last one. An empty history removes the ref.
func (m *Mirror) SyncBranch(botID, branchName string, history []versioning.HistoryEntry) (string, error) {
	lock := m.botLock(botID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := m.openOrInit(botID)
	if err != nil {
		return "", err
	}
	refName := plumbing.NewBranchReferenceName(branchName)
	if len(history) == 0 {
		if err := repo.Storer.RemoveReference(refName); err != nil {
			return "", fmt.Errorf("remove branch ref %s: %w", branchName, err)
		}
		return "", nil
	}

	parent := plumbing.ZeroHash
	for _, entry := range history {
		hash, err := writeCommit(repo, entry, parent)
		if err != nil {
			return "", fmt.Errorf("mirror commit %s: %w", entry.Commit.ID, err)
		}
		parent = hash
	}

	if err := repo.Storer.SetReference(plumbing.NewHashReference(refName, parent)); err != nil {
		return "", fmt.Errorf("set branch ref %s: %w", branchName, err)
	}
	return parent.String(), nil
}

// RemoveBranch drops a branch ref. Objects stay until git gc prunes them.
func (m *Mirror) RemoveBranch(botID, branchName string) error {
	lock := m.botLock(botID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(m.repoPath(botID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	if err := repo.Storer.RemoveReference(plumbing.NewBranchReferenceName(branchName)); err != nil {
		return fmt.Errorf("remove branch ref %s: %w", branchName, err)
	}
	return nil
}

// History walks the mirrored branch from its tip, newest first.
func (m *Mirror) History(botID, branchName string, limit int) ([]CommitInfo, error) {
	lock := m.botLock(botID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(m.repoPath(botID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrBranchNotMirrored
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branchName), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, ErrBranchNotMirrored
	}
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branchName, err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, max(limit, 0))
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// ReadModel returns the bot.json payload stored at a mirrored commit.
func (m *Mirror) ReadModel(botID, hash string) ([]byte, error) {
	lock := m.botLock(botID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(m.repoPath(botID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return nil, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", hash, err)
	}
	file, err := commitObj.File(ModelFile)
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", ModelFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open model reader: %w", err)
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

func (m *Mirror) openOrInit(botID string) (*git.Repository, error) {
	path := m.repoPath(botID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, true)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func (m *Mirror) repoPath(botID string) string {
	return filepath.Join(m.baseDir, botID+".git")
}

func (m *Mirror) botLock(botID string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	lock, ok := m.locks[botID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	m.locks[botID] = lock
	return lock
}

func writeCommit(repo *git.Repository, entry versioning.HistoryEntry, parent plumbing.Hash) (plumbing.Hash, error) {
	payload := append(bytes.Clone(entry.State), '\n')
	blobHash, err := storeObject(repo, plumbing.BlobObject, func(w io.Writer) error {
		_, err := w.Write(payload)
		return err
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write blob: %w", err)
	}

	tree := &object.Tree{Entries: []object.TreeEntry{{Name: ModelFile, Mode: filemode.Regular, Hash: blobHash}}}
	treeHash, err := storeEncoded(repo, tree)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write tree: %w", err)
	}

	signature := object.Signature{
		Name:  entry.Commit.Author,
		Email: sanitizeEmail(entry.Commit.Author) + "@users.botforge.local",
		When:  entry.Commit.CreatedAt.UTC(),
	}
	commit := &object.Commit{
		Author:    signature,
		Committer: signature,
		Message:   commitMessage(entry.Commit.Message, entry.Commit.ID),
		TreeHash:  treeHash,
	}
	if !parent.IsZero() {
		commit.ParentHashes = []plumbing.Hash{parent}
	}
	return storeEncoded(repo, commit)
}

type encoder interface {
	Encode(plumbing.EncodedObject) error
}

func storeEncoded(repo *git.Repository, value encoder) (plumbing.Hash, error) {
	obj := repo.Storer.NewEncodedObject()
	if err := value.Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}
	return repo.Storer.SetEncodedObject(obj)
}

func storeObject(repo *git.Repository, kind plumbing.ObjectType, write func(io.Writer) error) (plumbing.Hash, error) {
	obj := repo.Storer.NewEncodedObject()
	obj.SetType(kind)
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if err := write(w); err != nil {
		w.Close()
		return plumbing.ZeroHash, err
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, err
	}
	return repo.Storer.SetEncodedObject(obj)
}

func commitMessage(message, engineCommitID string) string {
	subject := strings.TrimSpace(message)
	if subject == "" {
		subject = "(no message)"
	}
	return fmt.Sprintf("%s\n\n%s%s\n", subject, engineCommitTrailer, engineCommitID)
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	info := CommitInfo{
		Hash:      commitObj.Hash.String(),
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When.UTC(),
	}
	for _, line := range strings.Split(commitObj.Message, "\n") {
		if id, ok := strings.CutPrefix(line, engineCommitTrailer); ok {
			info.EngineCommitID = strings.TrimSpace(id)
		}
	}
	if subject, _, ok := strings.Cut(commitObj.Message, "\n"); ok {
		info.Message = subject
	}
	return info
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
