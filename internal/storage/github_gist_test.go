package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

type fakeGist struct {
	revisions []map[string]string // oldest first
	versions  []string
}

func gistVersion(n int) string {
	return fmt.Sprintf("%040x", n)
}

func (g *fakeGist) commit(files map[string]string) {
	g.revisions = append(g.revisions, files)
	g.versions = append(g.versions, gistVersion(len(g.versions)+1))
}

func newFakeGistServer(t *testing.T) (*httptest.Server, map[string]*fakeGist) {
	t.Helper()

	gists := map[string]*fakeGist{}
	mux := http.NewServeMux()

	render := func(w http.ResponseWriter, id string, files map[string]string) {
		out := map[string]any{"id": id}
		payload := map[string]any{}
		for name, content := range files {
			payload[name] = map[string]string{"filename": name, "content": content}
		}
		out["files"] = payload
		_ = json.NewEncoder(w).Encode(out)
	}

	mux.HandleFunc("POST /gists", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Files map[string]struct {
				Content string `json:"content"`
			} `json:"files"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode create: %v", err)
		}
		files := map[string]string{}
		for name, f := range body.Files {
			files[name] = f.Content
		}
		id := "aa11bb22cc33dd44ee55"
		g := &fakeGist{}
		g.commit(files)
		gists[id] = g
		w.WriteHeader(http.StatusCreated)
		render(w, id, files)
	})
	mux.HandleFunc("PATCH /gists/{id}", func(w http.ResponseWriter, r *http.Request) {
		g, ok := gists[r.PathValue("id")]
		if !ok {
			http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
			return
		}
		var body struct {
			Files map[string]struct {
				Content string `json:"content"`
			} `json:"files"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		next := map[string]string{}
		for k, v := range g.revisions[len(g.revisions)-1] {
			next[k] = v
		}
		for name, f := range body.Files {
			next[name] = f.Content
		}
		g.commit(next)
		render(w, r.PathValue("id"), next)
	})
	mux.HandleFunc("GET /gists/{id}", func(w http.ResponseWriter, r *http.Request) {
		g, ok := gists[r.PathValue("id")]
		if !ok {
			http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
			return
		}
		render(w, r.PathValue("id"), g.revisions[len(g.revisions)-1])
	})
	mux.HandleFunc("GET /gists/{id}/commits", func(w http.ResponseWriter, r *http.Request) {
		g, ok := gists[r.PathValue("id")]
		if !ok {
			http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
			return
		}
		// GitHub silently caps per_page at 100.
		perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
		if perPage < 1 {
			perPage = 30
		}
		perPage = min(perPage, 100)
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		page = max(page, 1)

		out := []map[string]string{}
		newest := len(g.versions) - 1
		for i := newest - (page-1)*perPage; i >= 0 && len(out) < perPage; i-- {
			out = append(out, map[string]string{
				"version":      g.versions[i],
				"committed_at": time.Date(2024, 5, 1, 0, 0, i, 0, time.UTC).Format(time.RFC3339),
			})
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("GET /gists/{id}/{sha}", func(w http.ResponseWriter, r *http.Request) {
		g, ok := gists[r.PathValue("id")]
		if !ok {
			http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
			return
		}
		for i, v := range g.versions {
			if v == r.PathValue("sha") {
				render(w, r.PathValue("id"), g.revisions[i])
				return
			}
		}
		http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
	})
	mux.HandleFunc("DELETE /gists/{id}", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := gists[r.PathValue("id")]; !ok {
			http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
			return
		}
		delete(gists, r.PathValue("id"))
		w.WriteHeader(http.StatusNoContent)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, gists
}

func TestGistProviderRoundTrip(t *testing.T) {
	srv, _ := newFakeGistServer(t)
	provider, err := NewGistProvider(GitHubConfig{Token: "test", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewGistProvider: %v", err)
	}
	ctx := context.Background()

	share, err := provider.CreateShare(ctx, CreateShareRequest{Filename: "share.json", Content: "{}"})
	if err != nil {
		t.Fatalf("CreateShare: %v", err)
	}
	if share.ID != "aa11bb22cc33dd44ee55" || share.Files["share.json"].Content != "{}" {
		t.Fatalf("unexpected share: %+v", share)
	}

	if err := provider.UpsertFile(ctx, UpsertFileRequest{ID: share.ID, Filename: "share.json", Content: `{"a":1}`}); err != nil {
		t.Fatalf("UpsertFile: %v", err)
	}

	revisions, err := provider.ListFileRevisions(ctx, share.ID, "share.json", 10, 1)
	if err != nil {
		t.Fatalf("ListFileRevisions: %v", err)
	}
	if len(revisions) != 2 {
		t.Fatalf("expected 2 revisions, got %d", len(revisions))
	}
	if revisions[0].Version != gistVersion(2) || revisions[0].CommittedAt.IsZero() {
		t.Fatalf("unexpected newest revision: %+v", revisions[0])
	}
	if more, err := provider.ListRevisions(ctx, share.ID, 10, 2); err != nil || len(more) != 0 {
		t.Fatalf("expected empty second page, got %v %v", more, err)
	}

	content, found, err := provider.ContentAt(ctx, share.ID, "share.json", revisions[1].Version)
	if err != nil || !found || content != "{}" {
		t.Fatalf("ContentAt: %q %t %v", content, found, err)
	}
	if _, found, err := provider.ContentAt(ctx, share.ID, "other.json", revisions[1].Version); err != nil || found {
		t.Fatalf("expected absent file, found=%t err=%v", found, err)
	}

	if err := provider.DeleteShare(ctx, share.ID); err != nil {
		t.Fatalf("DeleteShare: %v", err)
	}
	if _, err := provider.GetShare(ctx, share.ID, ""); !isNotFound(err) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if _, err := provider.ListRevisions(ctx, share.ID, 10, 1); !isNotFound(err) {
		t.Fatalf("expected not found listing deleted gist, got %v", err)
	}
}

func TestGistProviderStitchesCappedPages(t *testing.T) {
	srv, gists := newFakeGistServer(t)
	provider, err := NewGistProvider(GitHubConfig{Token: "test", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewGistProvider: %v", err)
	}
	ctx := context.Background()

	share, err := provider.CreateShare(ctx, CreateShareRequest{Filename: "share.json", Content: "0"})
	if err != nil {
		t.Fatalf("CreateShare: %v", err)
	}
	g := gists[share.ID]
	for i := 1; i < 300; i++ {
		g.commit(map[string]string{"share.json": strconv.Itoa(i / 3)})
	}

	var got []string
	for page := 1; ; page++ {
		revisions, err := provider.ListFileRevisions(ctx, share.ID, "share.json", 120, page)
		if err != nil {
			t.Fatalf("ListFileRevisions page %d: %v", page, err)
		}
		if page < 3 && len(revisions) != 120 {
			t.Fatalf("page %d: expected a full window of 120, got %d", page, len(revisions))
		}
		for _, rev := range revisions {
			got = append(got, rev.Version)
		}
		if len(revisions) < 120 {
			break
		}
	}
	if len(got) != 300 {
		t.Fatalf("expected 300 revisions across pages, got %d", len(got))
	}
	for i, version := range got {
		if want := gistVersion(300 - i); version != want {
			t.Fatalf("revision %d = %s, want %s", i, version, want)
		}
	}
}
