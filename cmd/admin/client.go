package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/onexay/diagram-share/internal/types"
)

// maxCursorPages bounds --all so a misbehaving server cannot loop forever.
const maxCursorPages = 10000

type envelope struct {
	Success    bool            `json:"success"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data"`
	Pagination *struct {
		Cursor  *string `json:"cursor"`
		HasMore bool    `json:"hasMore"`
	} `json:"pagination"`
}

type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{base: strings.TrimRight(base, "/"), http: http.DefaultClient}
}

func (c *apiClient) get(ctx context.Context, path string, query url.Values, out any) (*envelope, error) {
	endpoint := c.base + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode response (%s): %w", resp.Status, err)
	}
	if resp.StatusCode >= 300 || !env.Success {
		return nil, fmt.Errorf("%s: %s", resp.Status, env.Message)
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return nil, fmt.Errorf("decode data: %w", err)
		}
	}
	return &env, nil
}

func (c *apiClient) fileVersions(ctx context.Context, id, file string, limit int, cursor string) ([]types.Revision, string, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		query.Set("cursor", cursor)
	}

	var revisions []types.Revision
	env, err := c.get(ctx, "/gists/"+url.PathEscape(id)+"/file-versions/"+url.PathEscape(file), query, &revisions)
	if err != nil {
		return nil, "", err
	}
	next := ""
	if env.Pagination != nil && env.Pagination.Cursor != nil {
		next = *env.Pagination.Cursor
	}
	return revisions, next, nil
}

// allFileVersions follows cursors until the server reports no further page.
func (c *apiClient) allFileVersions(ctx context.Context, id, file string, limit int, cursor string) ([]types.Revision, error) {
	var all []types.Revision
	for i := 0; i < maxCursorPages; i++ {
		page, next, err := c.fileVersions(ctx, id, file, limit, cursor)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if next == "" {
			return all, nil
		}
		cursor = next
	}
	return nil, fmt.Errorf("gave up after %d pages", maxCursorPages)
}

func (c *apiClient) commits(ctx context.Context, id string, page, perPage int) ([]types.Revision, error) {
	query := url.Values{}
	if page > 0 {
		query.Set("page", strconv.Itoa(page))
	}
	if perPage > 0 {
		query.Set("per_page", strconv.Itoa(perPage))
	}
	var revisions []types.Revision
	_, err := c.get(ctx, "/gists/"+url.PathEscape(id)+"/commits", query, &revisions)
	return revisions, err
}

func (c *apiClient) share(ctx context.Context, id, ref string) (types.Share, error) {
	path := "/gists/" + url.PathEscape(id)
	if ref != "" {
		path += "/" + url.PathEscape(ref)
	}
	var share types.Share
	_, err := c.get(ctx, path, nil, &share)
	return share, err
}

type fileDiff struct {
	From        string `json:"from"`
	To          string `json:"to"`
	FromMissing bool   `json:"fromMissing"`
	ToMissing   bool   `json:"toMissing"`
	Diff        string `json:"diff"`
}

func (c *apiClient) diff(ctx context.Context, id, file, from, to string) (fileDiff, error) {
	var out fileDiff
	_, err := c.get(ctx, "/gists/"+url.PathEscape(id)+"/file-versions/"+url.PathEscape(file)+"/diff",
		url.Values{"from": {from}, "to": {to}}, &out)
	return out, err
}
