package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"

	"github.com/onexay/diagram-share/internal/types"
)

// GitConfig holds local repository provider settings.
type GitConfig struct {
	Path       string
	Branch     string
	PathPrefix string
	// NewID generates share ids; defaults to random UUIDs.
	NewID func() string
}

// gitProvider keeps shares as directories of a local git working tree. The
// go-git repository handle is not safe for concurrent use, so every call
// holds mu.
type gitProvider struct {
	mu     sync.Mutex
	repo   *git.Repository
	root   string
	branch plumbing.ReferenceName
	prefix string
	clock  func() time.Time
	newID  func() string
}

// NewGitProvider opens the repository at cfg.Path, initializing it when missing.
func NewGitProvider(cfg GitConfig) (Provider, error) {
	if cfg.Path == "" {
		return nil, &ValidationError{Message: "git provider requires a repository path"}
	}
	branch := cfg.Branch
	if branch == "" {
		branch = "main"
	}
	prefix := strings.Trim(cfg.PathPrefix, "/")
	if prefix == "" {
		prefix = "shares"
	}

	repo, err := git.PlainOpen(cfg.Path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainInitWithOptions(cfg.Path, &git.PlainInitOptions{
			InitOptions: git.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName(branch)},
		})
	}
	if err != nil {
		return nil, fmt.Errorf("open git repository %s: %w", cfg.Path, err)
	}

	return &gitProvider{
		repo:   repo,
		root:   cfg.Path,
		branch: plumbing.NewBranchReferenceName(branch),
		prefix: prefix,
		clock:  time.Now,
		newID:  Options{NewID: cfg.NewID}.idGenerator(),
	}, nil
}

func (p *gitProvider) Name() string { return "git" }

func (p *gitProvider) shareDir(id string) string {
	return path.Join(p.prefix, id)
}

func (p *gitProvider) CreateShare(ctx context.Context, req CreateShareRequest) (types.Share, error) {
	if err := req.validate(); err != nil {
		return types.Share{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.newID()
	if _, err := os.Stat(filepath.Join(p.root, filepath.FromSlash(p.shareDir(id)))); err == nil {
		return types.Share{}, &ConflictError{Resource: "share", Key: id}
	}

	message := "create share " + id
	if req.Description != "" {
		message += ": " + req.Description
	}
	if err := p.writeLocked(id, req.Filename, req.Content, message); err != nil {
		return types.Share{}, err
	}
	return snapshot{req.Filename: req.Content}.share(id), nil
}

func (p *gitProvider) UpsertFile(ctx context.Context, req UpsertFileRequest) error {
	if err := req.validate(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := os.Stat(filepath.Join(p.root, filepath.FromSlash(p.shareDir(req.ID)))); err != nil {
		return &NotFoundError{Resource: "share", Key: req.ID}
	}
	return p.writeLocked(req.ID, req.Filename, req.Content, fmt.Sprintf("update share %s: %s", req.ID, req.Filename))
}

func (p *gitProvider) writeLocked(id, filename, content, message string) error {
	wt, err := p.repo.Worktree()
	if err != nil {
		return err
	}

	rel := path.Join(p.shareDir(id), filename)
	abs := filepath.Join(p.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return err
	}
	if _, err := wt.Add(rel); err != nil {
		return fmt.Errorf("stage %s: %w", rel, err)
	}
	return p.commitWorktree(wt, message)
}

func (p *gitProvider) commitWorktree(wt *git.Worktree, message string) error {
	sig := &object.Signature{Name: "diagram-share", Email: "diagram-share@localhost", When: p.clock()}
	_, err := wt.Commit(message, &git.CommitOptions{Author: sig, Committer: sig})
	if errors.Is(err, git.ErrEmptyCommit) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (p *gitProvider) GetShare(ctx context.Context, id, ref string) (types.Share, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	commit, err := p.resolveCommitLocked(ref)
	if err != nil {
		return types.Share{}, err
	}
	tree, err := commit.Tree()
	if err != nil {
		return types.Share{}, err
	}
	dir, err := tree.Tree(p.shareDir(id))
	if errors.Is(err, object.ErrDirectoryNotFound) {
		return types.Share{}, &NotFoundError{Resource: "share", Key: id}
	}
	if err != nil {
		return types.Share{}, err
	}

	files := snapshot{}
	for _, entry := range dir.Entries {
		if !entry.Mode.IsFile() {
			continue
		}
		file, err := dir.TreeEntryFile(&entry)
		if err != nil {
			return types.Share{}, err
		}
		content, err := file.Contents()
		if err != nil {
			return types.Share{}, err
		}
		files[entry.Name] = content
	}
	if len(files) == 0 {
		return types.Share{}, &NotFoundError{Resource: "share", Key: id}
	}
	return files.share(id), nil
}

// DeleteShare commits the removal of the share directory. Earlier revisions
// remain reachable by version.
func (p *gitProvider) DeleteShare(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	dir := p.shareDir(id)
	abs := filepath.Join(p.root, filepath.FromSlash(dir))
	if _, err := os.Stat(abs); err != nil {
		return &NotFoundError{Resource: "share", Key: id}
	}

	wt, err := p.repo.Worktree()
	if err != nil {
		return err
	}
	if _, err := wt.Remove(dir); err != nil {
		return fmt.Errorf("remove %s: %w", dir, err)
	}
	if err := os.RemoveAll(abs); err != nil {
		return err
	}
	return p.commitWorktree(wt, "delete share "+id)
}

func (p *gitProvider) ListRevisions(ctx context.Context, id string, perPage, page int) ([]types.Revision, error) {
	result, seen, err := p.log(ctx, p.shareLog(id), perPage, page)
	if err != nil {
		return nil, err
	}
	if seen == 0 {
		return nil, &NotFoundError{Resource: "share", Key: id}
	}
	return result, nil
}

// ListFileRevisions walks only the commits that touched the file. A file the
// share never held yields an empty list, an unknown share a NotFoundError.
func (p *gitProvider) ListFileRevisions(ctx context.Context, id, filename string, perPage, page int) ([]types.Revision, error) {
	name := path.Join(p.shareDir(id), filename)
	result, seen, err := p.log(ctx, &git.LogOptions{FileName: &name}, perPage, page)
	if err != nil {
		return nil, err
	}
	if seen == 0 {
		if _, err := p.ListRevisions(ctx, id, 1, 1); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (p *gitProvider) shareLog(id string) *git.LogOptions {
	dir := p.shareDir(id) + "/"
	return &git.LogOptions{
		PathFilter: func(name string) bool { return strings.HasPrefix(name, dir) },
	}
}

// log returns the requested page and how many matching commits were walked.
func (p *gitProvider) log(ctx context.Context, opts *git.LogOptions, perPage, page int) ([]types.Revision, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	result := []types.Revision{}
	head, err := p.repo.Reference(p.branch, true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return result, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	opts.From = head.Hash()

	iter, err := p.repo.Log(opts)
	if err != nil {
		return nil, 0, err
	}
	defer iter.Close()

	start, end := pageBounds(perPage, page)
	seen := 0
	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if seen >= end {
			return storer.ErrStop
		}
		if seen >= start {
			result = append(result, types.Revision{Version: c.Hash.String(), CommittedAt: c.Committer.When.UTC()})
		}
		seen++
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return result, seen, nil
}

func (p *gitProvider) ContentAt(ctx context.Context, id, filename, ref string) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	commit, err := p.resolveCommitLocked(ref)
	if err != nil {
		return "", false, err
	}
	file, err := commit.File(path.Join(p.shareDir(id), filename))
	if errors.Is(err, object.ErrFileNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	content, err := file.Contents()
	if err != nil {
		return "", false, err
	}
	return content, true, nil
}

func (p *gitProvider) Close() error { return nil }

// resolveCommitLocked resolves ref, or the branch head when ref is empty.
func (p *gitProvider) resolveCommitLocked(ref string) (*object.Commit, error) {
	var hash plumbing.Hash
	if ref == "" {
		head, err := p.repo.Reference(p.branch, true)
		if err != nil {
			if errors.Is(err, plumbing.ErrReferenceNotFound) {
				return nil, &NotFoundError{Resource: "revision", Key: p.branch.Short()}
			}
			return nil, err
		}
		hash = head.Hash()
	} else {
		if !plumbing.IsHash(ref) {
			return nil, &NotFoundError{Resource: "revision", Key: ref}
		}
		hash = plumbing.NewHash(ref)
	}

	commit, err := p.repo.CommitObject(hash)
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return nil, &NotFoundError{Resource: "revision", Key: ref}
	}
	return commit, err
}
