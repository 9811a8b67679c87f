package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v75/github"

	"github.com/onexay/diagram-share/internal/types"
)

// GitHubConfig holds gist provider settings.
type GitHubConfig struct {
	Token string
	// BaseURL overrides the REST endpoint, e.g. for GitHub Enterprise or tests.
	BaseURL    string
	HTTPClient *http.Client
}

type gistProvider struct {
	client *github.Client
}

// NewGistProvider returns a Provider that stores each share as a secret gist.
func NewGistProvider(cfg GitHubConfig) (Provider, error) {
	client := github.NewClient(cfg.HTTPClient)
	if cfg.Token != "" {
		client = client.WithAuthToken(cfg.Token)
	}
	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("parse github api url: %w", err)
		}
		client.BaseURL = u
	}
	return &gistProvider{client: client}, nil
}

func (p *gistProvider) Name() string { return "github" }

func (p *gistProvider) CreateShare(ctx context.Context, req CreateShareRequest) (types.Share, error) {
	if err := req.validate(); err != nil {
		return types.Share{}, err
	}

	gist, resp, err := p.client.Gists.Create(ctx, &github.Gist{
		Description: github.Ptr(req.Description),
		Public:      github.Ptr(false),
		Files: map[github.GistFilename]github.GistFile{
			github.GistFilename(req.Filename): {Content: github.Ptr(req.Content)},
		},
	})
	if err != nil {
		return types.Share{}, p.translate(resp, err, "share", "")
	}
	return gistShare(gist), nil
}

func (p *gistProvider) UpsertFile(ctx context.Context, req UpsertFileRequest) error {
	if err := req.validate(); err != nil {
		return err
	}

	_, resp, err := p.client.Gists.Edit(ctx, req.ID, &github.Gist{
		Files: map[github.GistFilename]github.GistFile{
			github.GistFilename(req.Filename): {Content: github.Ptr(req.Content)},
		},
	})
	if err != nil {
		return p.translate(resp, err, "share", req.ID)
	}
	return nil
}

func (p *gistProvider) GetShare(ctx context.Context, id, ref string) (types.Share, error) {
	var (
		gist *github.Gist
		resp *github.Response
		err  error
	)
	if ref == "" {
		gist, resp, err = p.client.Gists.Get(ctx, id)
	} else {
		gist, resp, err = p.client.Gists.GetRevision(ctx, id, ref)
	}
	if err != nil {
		return types.Share{}, p.translate(resp, err, "share", id)
	}
	return gistShare(gist), nil
}

func (p *gistProvider) DeleteShare(ctx context.Context, id string) error {
	resp, err := p.client.Gists.Delete(ctx, id)
	if err != nil {
		return p.translate(resp, err, "share", id)
	}
	return nil
}

func (p *gistProvider) ListRevisions(ctx context.Context, id string, perPage, page int) ([]types.Revision, error) {
	return collectPages(perPage, page, func(perPage, page int) ([]types.Revision, error) {
		return p.listCommits(ctx, id, perPage, page)
	})
}

func (p *gistProvider) listCommits(ctx context.Context, id string, perPage, page int) ([]types.Revision, error) {
	commits, resp, err := p.client.Gists.ListCommits(ctx, id, &github.ListOptions{Page: page, PerPage: perPage})
	if err != nil {
		return nil, p.translate(resp, err, "share", id)
	}

	result := make([]types.Revision, 0, len(commits))
	for _, c := range commits {
		result = append(result, types.Revision{
			Version:     c.GetVersion(),
			CommittedAt: c.GetCommittedAt().Time,
		})
	}
	return result, nil
}

// ListFileRevisions returns the whole gist history; gists have no per-file log.
func (p *gistProvider) ListFileRevisions(ctx context.Context, id, filename string, perPage, page int) ([]types.Revision, error) {
	return p.ListRevisions(ctx, id, perPage, page)
}

func (p *gistProvider) ContentAt(ctx context.Context, id, filename, ref string) (string, bool, error) {
	share, err := p.GetShare(ctx, id, ref)
	if err != nil {
		return "", false, err
	}
	file, ok := share.Files[filename]
	if !ok {
		return "", false, nil
	}
	return file.Content, true, nil
}

func (p *gistProvider) Close() error { return nil }

func (p *gistProvider) translate(resp *github.Response, err error, resource, key string) error {
	status := 0
	if resp != nil && resp.Response != nil {
		status = resp.StatusCode
	}
	var ghErr *github.ErrorResponse
	if status == 0 && errors.As(err, &ghErr) && ghErr.Response != nil {
		status = ghErr.Response.StatusCode
	}

	switch status {
	case http.StatusNotFound:
		return &NotFoundError{Resource: resource, Key: key}
	case http.StatusUnprocessableEntity:
		return &ValidationError{Message: err.Error()}
	}
	return fmt.Errorf("github gists: %w", err)
}

func gistShare(gist *github.Gist) types.Share {
	files := make(map[string]types.File, len(gist.Files))
	for name, file := range gist.Files {
		files[string(name)] = types.File{Filename: string(name), Content: file.GetContent()}
	}
	return types.Share{ID: gist.GetID(), Files: files}
}
