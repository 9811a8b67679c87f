package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeCommit struct {
	id    string
	at    time.Time
	files map[string]string
}

// fakeGitLab models a single-branch repository behind the subset of the v4
// API the provider uses.
type fakeGitLab struct {
	mu      sync.Mutex
	commits []fakeCommit // oldest first
}

func (f *fakeGitLab) head() map[string]string {
	if len(f.commits) == 0 {
		return map[string]string{}
	}
	return f.commits[len(f.commits)-1].files
}

func (f *fakeGitLab) commit(mutate func(files map[string]string)) {
	next := map[string]string{}
	for k, v := range f.head() {
		next[k] = v
	}
	mutate(next)
	n := len(f.commits) + 1
	f.commits = append(f.commits, fakeCommit{
		id:    fmt.Sprintf("%040x", n),
		at:    time.Date(2024, 5, 1, 0, n, 0, 0, time.UTC),
		files: next,
	})
}

func (f *fakeGitLab) at(ref string) (map[string]string, bool) {
	if ref == "main" {
		return f.head(), true
	}
	for _, c := range f.commits {
		if c.id == ref {
			return c.files, true
		}
	}
	return nil, false
}

func touches(prev, next map[string]string, prefix string) bool {
	for k, v := range next {
		if (k == prefix || strings.HasPrefix(k, prefix+"/")) && prev[k] != v {
			return true
		}
	}
	for k := range prev {
		if k == prefix || strings.HasPrefix(k, prefix+"/") {
			if _, ok := next[k]; !ok {
				return true
			}
		}
	}
	return false
}

func newFakeGitLabServer(t *testing.T) (*httptest.Server, *fakeGitLab) {
	t.Helper()

	repo := &fakeGitLab{}
	mux := http.NewServeMux()
	notFound := func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"404 Not Found"}`))
	}
	writeFile := func(w http.ResponseWriter, r *http.Request, create bool) {
		repo.mu.Lock()
		defer repo.mu.Unlock()

		filePath := r.PathValue("path")
		var body struct {
			Content string `json:"content"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, exists := repo.head()[filePath]
		if exists == create {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"message":"file state mismatch"}`))
			return
		}
		repo.commit(func(files map[string]string) { files[filePath] = body.Content })
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"file_path": filePath, "branch": "main"})
	}

	mux.HandleFunc("POST /api/v4/projects/{pid}/repository/files/{path}", func(w http.ResponseWriter, r *http.Request) {
		writeFile(w, r, true)
	})
	mux.HandleFunc("PUT /api/v4/projects/{pid}/repository/files/{path}", func(w http.ResponseWriter, r *http.Request) {
		writeFile(w, r, false)
	})
	mux.HandleFunc("GET /api/v4/projects/{pid}/repository/files/{path}", func(w http.ResponseWriter, r *http.Request) {
		repo.mu.Lock()
		defer repo.mu.Unlock()

		files, ok := repo.at(r.URL.Query().Get("ref"))
		content, exists := files[r.PathValue("path")]
		if !ok || !exists {
			notFound(w)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"file_path": r.PathValue("path"),
			"encoding":  "base64",
			"content":   base64.StdEncoding.EncodeToString([]byte(content)),
		})
	})
	mux.HandleFunc("GET /api/v4/projects/{pid}/repository/tree", func(w http.ResponseWriter, r *http.Request) {
		repo.mu.Lock()
		defer repo.mu.Unlock()

		files, ok := repo.at(r.URL.Query().Get("ref"))
		prefix := r.URL.Query().Get("path")
		nodes := []map[string]string{}
		for name := range files {
			if strings.HasPrefix(name, prefix+"/") {
				nodes = append(nodes, map[string]string{"type": "blob", "path": name, "name": name[strings.LastIndex(name, "/")+1:]})
			}
		}
		if !ok || len(nodes) == 0 {
			notFound(w)
			return
		}
		_ = json.NewEncoder(w).Encode(nodes)
	})
	mux.HandleFunc("GET /api/v4/projects/{pid}/repository/commits", func(w http.ResponseWriter, r *http.Request) {
		repo.mu.Lock()
		defer repo.mu.Unlock()

		q := r.URL.Query()
		// GitLab caps per_page at 100.
		perPage, _ := strconv.Atoi(q.Get("per_page"))
		if perPage < 1 {
			perPage = 20
		}
		perPage = min(perPage, 100)
		page, _ := strconv.Atoi(q.Get("page"))
		page = max(page, 1)
		var matched []fakeCommit
		prev := map[string]string{}
		for _, c := range repo.commits {
			if touches(prev, c.files, q.Get("path")) {
				matched = append([]fakeCommit{c}, matched...)
			}
			prev = c.files
		}
		start := (page - 1) * perPage
		out := []map[string]any{}
		for i := start; i < len(matched) && i < start+perPage; i++ {
			out = append(out, map[string]any{"id": matched[i].id, "committed_date": matched[i].at})
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("POST /api/v4/projects/{pid}/repository/commits", func(w http.ResponseWriter, r *http.Request) {
		repo.mu.Lock()
		defer repo.mu.Unlock()

		var body struct {
			Actions []struct {
				Action   string `json:"action"`
				FilePath string `json:"file_path"`
			} `json:"actions"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		repo.commit(func(files map[string]string) {
			for _, a := range body.Actions {
				if a.Action == "delete" {
					delete(files, a.FilePath)
				}
			}
		})
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": repo.commits[len(repo.commits)-1].id})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, repo
}

func TestGitLabProviderRoundTrip(t *testing.T) {
	srv, _ := newFakeGitLabServer(t)
	id := "0b4b0bd6-1c7b-4c57-9e53-0a8b0b8f3a11"
	provider, err := NewGitLabProvider(GitLabConfig{
		BaseURL:   srv.URL,
		Token:     "test",
		ProjectID: "42",
		NewID:     sequentialIDs(id),
	})
	if err != nil {
		t.Fatalf("NewGitLabProvider: %v", err)
	}
	ctx := context.Background()

	share, err := provider.CreateShare(ctx, CreateShareRequest{Filename: "share.json", Content: "one"})
	if err != nil {
		t.Fatalf("CreateShare: %v", err)
	}
	if share.ID != id {
		t.Fatalf("unexpected id %q", share.ID)
	}

	if err := provider.UpsertFile(ctx, UpsertFileRequest{ID: id, Filename: "notes.md", Content: "hello"}); err != nil {
		t.Fatalf("UpsertFile create path: %v", err)
	}
	if err := provider.UpsertFile(ctx, UpsertFileRequest{ID: id, Filename: "share.json", Content: "two"}); err != nil {
		t.Fatalf("UpsertFile update path: %v", err)
	}

	all, err := provider.ListRevisions(ctx, id, 10, 1)
	if err != nil {
		t.Fatalf("ListRevisions: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 share revisions, got %d", len(all))
	}
	fileOnly, err := provider.ListFileRevisions(ctx, id, "share.json", 10, 1)
	if err != nil {
		t.Fatalf("ListFileRevisions: %v", err)
	}
	if len(fileOnly) != 2 {
		t.Fatalf("expected 2 file revisions, got %d", len(fileOnly))
	}
	if fileOnly[0].CommittedAt.Before(fileOnly[1].CommittedAt) {
		t.Fatalf("expected newest first: %+v", fileOnly)
	}

	content, found, err := provider.ContentAt(ctx, id, "share.json", fileOnly[1].Version)
	if err != nil || !found || content != "one" {
		t.Fatalf("ContentAt: %q %t %v", content, found, err)
	}
	if _, found, err := provider.ContentAt(ctx, id, "notes.md", fileOnly[1].Version); err != nil || found {
		t.Fatalf("expected notes.md absent at first commit, found=%t err=%v", found, err)
	}

	head, err := provider.GetShare(ctx, id, "")
	if err != nil {
		t.Fatalf("GetShare: %v", err)
	}
	if len(head.Files) != 2 || head.Files["share.json"].Content != "two" || head.Files["notes.md"].Content != "hello" {
		t.Fatalf("unexpected head: %+v", head)
	}

	if err := provider.DeleteShare(ctx, id); err != nil {
		t.Fatalf("DeleteShare: %v", err)
	}
	if _, err := provider.GetShare(ctx, id, ""); !isNotFound(err) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if _, found, err := provider.ContentAt(ctx, id, "share.json", all[0].Version); err != nil || !found {
		t.Fatalf("expected history readable after delete, found=%t err=%v", found, err)
	}
	if _, err := provider.ListRevisions(ctx, "ffffffff-0000-0000-0000-000000000000", 10, 1); !isNotFound(err) {
		t.Fatalf("expected not found for unknown share, got %v", err)
	}
}

func newTestGitLabProvider(t *testing.T, ids ...string) (Provider, *fakeGitLab) {
	t.Helper()
	srv, repo := newFakeGitLabServer(t)
	provider, err := NewGitLabProvider(GitLabConfig{
		BaseURL:   srv.URL,
		Token:     "test",
		ProjectID: "42",
		NewID:     sequentialIDs(ids...),
	})
	if err != nil {
		t.Fatalf("NewGitLabProvider: %v", err)
	}
	return provider, repo
}

func TestGitLabFileNeverCommittedIsEmpty(t *testing.T) {
	id := "0b4b0bd6-1c7b-4c57-9e53-0a8b0b8f3a11"
	provider, _ := newTestGitLabProvider(t, id)
	ctx := context.Background()

	if _, err := provider.CreateShare(ctx, CreateShareRequest{Filename: "share.json", Content: "one"}); err != nil {
		t.Fatalf("CreateShare: %v", err)
	}

	revisions, err := provider.ListFileRevisions(ctx, id, "other.md", 50, 1)
	if err != nil {
		t.Fatalf("expected no error for a file the share never held, got %v", err)
	}
	if len(revisions) != 0 {
		t.Fatalf("expected no revisions, got %+v", revisions)
	}
	if _, err := provider.ListFileRevisions(ctx, "ffffffff-0000-0000-0000-000000000000", "share.json", 50, 1); !isNotFound(err) {
		t.Fatalf("expected not found for unknown share, got %v", err)
	}
}

func TestGitLabStitchesCappedPages(t *testing.T) {
	id := "0b4b0bd6-1c7b-4c57-9e53-0a8b0b8f3a11"
	provider, repo := newTestGitLabProvider(t, id)
	ctx := context.Background()

	if _, err := provider.CreateShare(ctx, CreateShareRequest{Filename: "share.json", Content: "0"}); err != nil {
		t.Fatalf("CreateShare: %v", err)
	}
	name := "shares/" + id + "/share.json"
	repo.mu.Lock()
	for i := 1; i < 250; i++ {
		repo.commit(func(files map[string]string) { files[name] = strconv.Itoa(i) })
	}
	repo.mu.Unlock()

	first, err := provider.ListFileRevisions(ctx, id, "share.json", 150, 1)
	if err != nil {
		t.Fatalf("ListFileRevisions: %v", err)
	}
	second, err := provider.ListFileRevisions(ctx, id, "share.json", 150, 2)
	if err != nil {
		t.Fatalf("ListFileRevisions page 2: %v", err)
	}
	if len(first) != 150 || len(second) != 100 {
		t.Fatalf("expected windows of 150 and 100, got %d and %d", len(first), len(second))
	}
	if first[0].Version != fmt.Sprintf("%040x", 250) || second[0].Version != fmt.Sprintf("%040x", 100) {
		t.Fatalf("unexpected window starts %s %s", first[0].Version, second[0].Version)
	}
}

func TestNewGitLabProviderRequiresSettings(t *testing.T) {
	if _, err := NewGitLabProvider(GitLabConfig{BaseURL: "https://gitlab.example.com"}); err == nil {
		t.Fatalf("expected error without token and project")
	}
}
