package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"sync"

	gitlab "gitlab.com/gitlab-org/api/client-go"
	"golang.org/x/sync/errgroup"

	"github.com/onexay/diagram-share/internal/types"
)

const gitlabTreePageSize = 100

// GitLabConfig holds repository provider settings.
type GitLabConfig struct {
	BaseURL    string
	Token      string
	ProjectID  string
	Ref        string
	PathPrefix string
	HTTPClient *http.Client
	// NewID generates share ids; defaults to random UUIDs.
	NewID func() string
}

type gitlabProvider struct {
	client  *gitlab.Client
	project string
	ref     string
	prefix  string
	newID   func() string
}

// NewGitLabProvider returns a Provider that stores each share as a directory
// of a GitLab repository, one commit per write.
func NewGitLabProvider(cfg GitLabConfig) (Provider, error) {
	if cfg.BaseURL == "" || cfg.Token == "" || cfg.ProjectID == "" {
		return nil, &ValidationError{Message: "gitlab provider requires base url, token and project id"}
	}

	opts := []gitlab.ClientOptionFunc{gitlab.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/"))}
	if cfg.HTTPClient != nil {
		opts = append(opts, gitlab.WithHTTPClient(cfg.HTTPClient))
	}
	client, err := gitlab.NewClient(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gitlab client: %w", err)
	}

	ref := cfg.Ref
	if ref == "" {
		ref = "main"
	}
	prefix := strings.Trim(cfg.PathPrefix, "/")
	if prefix == "" {
		prefix = "shares"
	}

	return &gitlabProvider{
		client:  client,
		project: cfg.ProjectID,
		ref:     ref,
		prefix:  prefix,
		newID:   Options{NewID: cfg.NewID}.idGenerator(),
	}, nil
}

func (p *gitlabProvider) Name() string { return "gitlab" }

func (p *gitlabProvider) shareDir(id string) string {
	return p.prefix + "/" + id
}

func (p *gitlabProvider) filePath(id, filename string) string {
	return p.shareDir(id) + "/" + filename
}

func (p *gitlabProvider) CreateShare(ctx context.Context, req CreateShareRequest) (types.Share, error) {
	if err := req.validate(); err != nil {
		return types.Share{}, err
	}

	id := p.newID()
	message := "create share " + id
	if req.Description != "" {
		message += ": " + req.Description
	}

	_, resp, err := p.client.RepositoryFiles.CreateFile(p.project, p.filePath(id, req.Filename), &gitlab.CreateFileOptions{
		Branch:        gitlab.Ptr(p.ref),
		Content:       gitlab.Ptr(req.Content),
		CommitMessage: gitlab.Ptr(message),
	}, gitlab.WithContext(ctx))
	if err != nil {
		return types.Share{}, p.translate(resp, err, "share", id)
	}

	return snapshot{req.Filename: req.Content}.share(id), nil
}

func (p *gitlabProvider) UpsertFile(ctx context.Context, req UpsertFileRequest) error {
	if err := req.validate(); err != nil {
		return err
	}

	filePath := p.filePath(req.ID, req.Filename)
	_, resp, err := p.client.RepositoryFiles.UpdateFile(p.project, filePath, &gitlab.UpdateFileOptions{
		Branch:        gitlab.Ptr(p.ref),
		Content:       gitlab.Ptr(req.Content),
		CommitMessage: gitlab.Ptr(fmt.Sprintf("update share %s: %s", req.ID, req.Filename)),
	}, gitlab.WithContext(ctx))
	if err == nil {
		return nil
	}
	if status := responseStatus(resp); status != http.StatusBadRequest && status != http.StatusNotFound {
		return p.translate(resp, err, "share", req.ID)
	}

	// The file does not exist yet.
	_, resp, err = p.client.RepositoryFiles.CreateFile(p.project, filePath, &gitlab.CreateFileOptions{
		Branch:        gitlab.Ptr(p.ref),
		Content:       gitlab.Ptr(req.Content),
		CommitMessage: gitlab.Ptr(fmt.Sprintf("create file for share %s: %s", req.ID, req.Filename)),
	}, gitlab.WithContext(ctx))
	if err != nil {
		return p.translate(resp, err, "share", req.ID)
	}
	return nil
}

func (p *gitlabProvider) GetShare(ctx context.Context, id, ref string) (types.Share, error) {
	if ref == "" {
		ref = p.ref
	}

	paths, err := p.listShareFiles(ctx, id, ref)
	if err != nil {
		return types.Share{}, err
	}
	if len(paths) == 0 {
		return types.Share{}, &NotFoundError{Resource: "share", Key: id}
	}

	var (
		mu    sync.Mutex
		files = make(snapshot, len(paths))
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, filePath := range paths {
		g.Go(func() error {
			content, found, err := p.fileAt(gctx, filePath, ref)
			if err != nil {
				return err
			}
			if !found {
				return nil
			}
			mu.Lock()
			files[path.Base(filePath)] = content
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return types.Share{}, err
	}
	return files.share(id), nil
}

// DeleteShare removes every file of the share in a single commit. The history
// stays in the repository.
func (p *gitlabProvider) DeleteShare(ctx context.Context, id string) error {
	paths, err := p.listShareFiles(ctx, id, p.ref)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return &NotFoundError{Resource: "share", Key: id}
	}

	actions := make([]*gitlab.CommitActionOptions, 0, len(paths))
	for _, filePath := range paths {
		actions = append(actions, &gitlab.CommitActionOptions{
			Action:   gitlab.Ptr(gitlab.FileDelete),
			FilePath: gitlab.Ptr(filePath),
		})
	}

	_, resp, err := p.client.Commits.CreateCommit(p.project, &gitlab.CreateCommitOptions{
		Branch:        gitlab.Ptr(p.ref),
		CommitMessage: gitlab.Ptr("delete share " + id),
		Actions:       actions,
	}, gitlab.WithContext(ctx))
	if err != nil {
		return p.translate(resp, err, "share", id)
	}
	return nil
}

func (p *gitlabProvider) ListRevisions(ctx context.Context, id string, perPage, page int) ([]types.Revision, error) {
	result, err := p.listCommits(ctx, id, p.shareDir(id), perPage, page)
	if err != nil {
		return nil, err
	}
	// An unknown path yields an empty log rather than a 404.
	if len(result) == 0 && page <= 1 {
		return nil, &NotFoundError{Resource: "share", Key: id}
	}
	return result, nil
}

// ListFileRevisions asks GitLab for the commits touching the file path only.
// A file the share never held yields an empty list.
func (p *gitlabProvider) ListFileRevisions(ctx context.Context, id, filename string, perPage, page int) ([]types.Revision, error) {
	result, err := p.listCommits(ctx, id, p.filePath(id, filename), perPage, page)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 && page <= 1 {
		if _, err := p.ListRevisions(ctx, id, 1, 1); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (p *gitlabProvider) listCommits(ctx context.Context, id, filter string, perPage, page int) ([]types.Revision, error) {
	return collectPages(perPage, page, func(perPage, page int) ([]types.Revision, error) {
		return p.listCommitPage(ctx, id, filter, perPage, page)
	})
}

func (p *gitlabProvider) listCommitPage(ctx context.Context, id, filter string, perPage, page int) ([]types.Revision, error) {
	commits, resp, err := p.client.Commits.ListCommits(p.project, &gitlab.ListCommitsOptions{
		ListOptions: gitlab.ListOptions{Page: page, PerPage: perPage},
		RefName:     gitlab.Ptr(p.ref),
		Path:        gitlab.Ptr(filter),
	}, gitlab.WithContext(ctx))
	if err != nil {
		return nil, p.translate(resp, err, "share", id)
	}

	result := make([]types.Revision, 0, len(commits))
	for _, c := range commits {
		rev := types.Revision{Version: c.ID}
		switch {
		case c.CommittedDate != nil:
			rev.CommittedAt = *c.CommittedDate
		case c.CreatedAt != nil:
			rev.CommittedAt = *c.CreatedAt
		}
		result = append(result, rev)
	}
	return result, nil
}

func (p *gitlabProvider) ContentAt(ctx context.Context, id, filename, ref string) (string, bool, error) {
	return p.fileAt(ctx, p.filePath(id, filename), ref)
}

func (p *gitlabProvider) Close() error { return nil }

func (p *gitlabProvider) fileAt(ctx context.Context, filePath, ref string) (string, bool, error) {
	file, resp, err := p.client.RepositoryFiles.GetFile(p.project, filePath, &gitlab.GetFileOptions{
		Ref: gitlab.Ptr(ref),
	}, gitlab.WithContext(ctx))
	if err != nil {
		if responseStatus(resp) == http.StatusNotFound {
			return "", false, nil
		}
		return "", false, fmt.Errorf("gitlab get file %s: %w", filePath, err)
	}

	if file.Encoding != "base64" {
		return file.Content, true, nil
	}
	data, err := base64.StdEncoding.DecodeString(file.Content)
	if err != nil {
		return "", false, fmt.Errorf("decode %s: %w", filePath, err)
	}
	return string(data), true, nil
}

func (p *gitlabProvider) listShareFiles(ctx context.Context, id, ref string) ([]string, error) {
	var paths []string
	opts := &gitlab.ListTreeOptions{
		ListOptions: gitlab.ListOptions{Page: 1, PerPage: gitlabTreePageSize},
		Path:        gitlab.Ptr(p.shareDir(id)),
		Ref:         gitlab.Ptr(ref),
		Recursive:   gitlab.Ptr(true),
	}
	for {
		nodes, resp, err := p.client.Repositories.ListTree(p.project, opts, gitlab.WithContext(ctx))
		if err != nil {
			if responseStatus(resp) == http.StatusNotFound {
				return nil, &NotFoundError{Resource: "share", Key: id}
			}
			return nil, fmt.Errorf("gitlab list tree: %w", err)
		}
		for _, node := range nodes {
			if node.Type == "blob" {
				paths = append(paths, node.Path)
			}
		}
		if resp == nil || resp.NextPage == 0 {
			return paths, nil
		}
		opts.Page = resp.NextPage
	}
}

func (p *gitlabProvider) translate(resp *gitlab.Response, err error, resource, key string) error {
	switch responseStatus(resp) {
	case http.StatusNotFound:
		return &NotFoundError{Resource: resource, Key: key}
	case http.StatusConflict:
		return &ConflictError{Resource: resource, Key: key}
	}
	var glErr *gitlab.ErrorResponse
	if errors.As(err, &glErr) && glErr.Response != nil && glErr.Response.StatusCode == http.StatusNotFound {
		return &NotFoundError{Resource: resource, Key: key}
	}
	return fmt.Errorf("gitlab: %w", err)
}

func responseStatus(resp *gitlab.Response) int {
	if resp == nil || resp.Response == nil {
		return 0
	}
	return resp.StatusCode
}
