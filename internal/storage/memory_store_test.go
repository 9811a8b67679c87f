package storage

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func sequentialIDs(ids ...string) func() string {
	i := 0
	return func() string {
		id := ids[i%len(ids)]
		i++
		return id
	}
}

func TestMemoryStoreShareLifecycle(t *testing.T) {
	archive := NewMemoryArchive()
	store := NewMemoryStore(Options{Archive: archive, NewID: sequentialIDs("share-1")})
	ctx := context.Background()

	share, err := store.CreateShare(ctx, CreateShareRequest{Filename: "diagram.json", Content: "v1"})
	if err != nil {
		t.Fatalf("CreateShare: %v", err)
	}
	if share.ID != "share-1" || share.Files["diagram.json"].Content != "v1" {
		t.Fatalf("unexpected share: %+v", share)
	}

	if err := store.UpsertFile(ctx, UpsertFileRequest{ID: share.ID, Filename: "diagram.json", Content: "v2"}); err != nil {
		t.Fatalf("UpsertFile: %v", err)
	}
	if err := store.UpsertFile(ctx, UpsertFileRequest{ID: share.ID, Filename: "notes.md", Content: "hello"}); err != nil {
		t.Fatalf("UpsertFile notes: %v", err)
	}

	revisions, err := store.ListRevisions(ctx, share.ID, 2, 1)
	if err != nil {
		t.Fatalf("ListRevisions: %v", err)
	}
	if len(revisions) != 2 {
		t.Fatalf("expected 2 revisions on first page, got %d", len(revisions))
	}
	older, err := store.ListRevisions(ctx, share.ID, 2, 2)
	if err != nil {
		t.Fatalf("ListRevisions page 2: %v", err)
	}
	if len(older) != 1 {
		t.Fatalf("expected 1 revision on second page, got %d", len(older))
	}
	if empty, _ := store.ListRevisions(ctx, share.ID, 2, 3); len(empty) != 0 {
		t.Fatalf("expected empty third page")
	}

	content, found, err := store.ContentAt(ctx, share.ID, "diagram.json", older[0].Version)
	if err != nil || !found || content != "v1" {
		t.Fatalf("ContentAt oldest: %q %t %v", content, found, err)
	}
	if _, found, err := store.ContentAt(ctx, share.ID, "notes.md", older[0].Version); err != nil || found {
		t.Fatalf("expected notes.md absent in first revision, found=%t err=%v", found, err)
	}

	head, err := store.GetShare(ctx, share.ID, "")
	if err != nil {
		t.Fatalf("GetShare: %v", err)
	}
	if len(head.Files) != 2 || head.Files["diagram.json"].Content != "v2" {
		t.Fatalf("unexpected head: %+v", head)
	}

	if _, _, err := store.ContentAt(ctx, share.ID, "diagram.json", "unknown"); !isNotFound(err) {
		t.Fatalf("expected not found for unknown revision, got %v", err)
	}

	if err := store.DeleteShare(ctx, share.ID); err != nil {
		t.Fatalf("DeleteShare: %v", err)
	}
	if _, err := store.ListRevisions(ctx, share.ID, 10, 1); !isNotFound(err) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := store.UpsertFile(ctx, UpsertFileRequest{ID: share.ID, Filename: "x", Content: "y"}); !isNotFound(err) {
		t.Fatalf("expected not found on upsert after delete, got %v", err)
	}
}

func TestMemoryStoreRetentionArchivesOldSnapshots(t *testing.T) {
	archive := NewMemoryArchive()
	store := NewMemoryStore(Options{
		Archive:   archive,
		Retention: RetentionPolicy{HotRevisionLimit: 1},
		NewID:     sequentialIDs("s"),
	}).(*memoryStore)
	tick := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	store.clock = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}
	ctx := context.Background()

	if _, err := store.CreateShare(ctx, CreateShareRequest{Filename: "d.json", Content: "a"}); err != nil {
		t.Fatalf("CreateShare: %v", err)
	}
	for _, c := range []string{"b", "c"} {
		if err := store.UpsertFile(ctx, UpsertFileRequest{ID: "s", Filename: "d.json", Content: c}); err != nil {
			t.Fatalf("UpsertFile: %v", err)
		}
	}

	if n := archive.Len("s"); n != 2 {
		t.Fatalf("expected 2 archived snapshots, got %d", n)
	}

	revisions, err := store.ListRevisions(ctx, "s", 10, 1)
	if err != nil {
		t.Fatalf("ListRevisions: %v", err)
	}
	oldest := revisions[len(revisions)-1]
	content, found, err := store.ContentAt(ctx, "s", "d.json", oldest.Version)
	if err != nil || !found || content != "a" {
		t.Fatalf("archived ContentAt: %q %t %v", content, found, err)
	}

	if err := store.DeleteShare(ctx, "s"); err != nil {
		t.Fatalf("DeleteShare: %v", err)
	}
	if n := archive.Len("s"); n != 0 {
		t.Fatalf("expected archive cleared, got %d", n)
	}
}

func TestSelectForArchive(t *testing.T) {
	now := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	entries := []retentionEntry{
		{hash: "a", timestamp: now.Add(-72 * time.Hour)},
		{hash: "b", timestamp: now.Add(-48 * time.Hour), archived: true},
		{hash: "c", timestamp: now.Add(-2 * time.Hour)},
		{hash: "d", timestamp: now.Add(-1 * time.Hour)},
		{hash: "e", timestamp: now},
	}

	got := selectForArchive(entries, RetentionPolicy{HotDuration: 24 * time.Hour, HotRevisionLimit: 2}, now)
	want := []string{"a", "c"}
	if len(got) != len(want) {
		t.Fatalf("selectForArchive = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("selectForArchive = %v, want %v", got, want)
		}
	}

	if got := selectForArchive(entries, RetentionPolicy{}, now); got != nil {
		t.Fatalf("expected nothing selected without a policy, got %v", got)
	}
}

func TestRequestsRejectNULContent(t *testing.T) {
	store := NewMemoryStore(Options{NewID: sequentialIDs("n")})
	ctx := context.Background()

	_, err := store.CreateShare(ctx, CreateShareRequest{Filename: "d.json", Content: "a\x00"})
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("expected validation error on create, got %v", err)
	}
	if _, err := store.CreateShare(ctx, CreateShareRequest{Filename: "d.json", Content: "a"}); err != nil {
		t.Fatalf("CreateShare: %v", err)
	}
	err = store.UpsertFile(ctx, UpsertFileRequest{ID: "n", Filename: "d.json", Content: "\x00"})
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("expected validation error on update, got %v", err)
	}
}

type unwritableArchive struct {
	*MemoryArchive
}

func (unwritableArchive) Put(context.Context, string, string, map[string]string) error {
	return errors.New("disk full")
}

func TestMemoryStoreLogsArchiveFailures(t *testing.T) {
	var logs bytes.Buffer
	store := NewMemoryStore(Options{
		Archive:   unwritableArchive{NewMemoryArchive()},
		Retention: RetentionPolicy{HotRevisionLimit: 1},
		NewID:     sequentialIDs("s"),
		Logger:    slog.New(slog.NewTextHandler(&logs, nil)),
	})
	ctx := context.Background()

	if _, err := store.CreateShare(ctx, CreateShareRequest{Filename: "d.json", Content: "a"}); err != nil {
		t.Fatalf("CreateShare: %v", err)
	}
	if err := store.UpsertFile(ctx, UpsertFileRequest{ID: "s", Filename: "d.json", Content: "b"}); err != nil {
		t.Fatalf("UpsertFile: %v", err)
	}

	out := logs.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "disk full") || !strings.Contains(out, "provider=memory") {
		t.Fatalf("expected a warning for the failed archive write, got %q", out)
	}

	revisions, err := store.ListRevisions(ctx, "s", 10, 1)
	if err != nil {
		t.Fatalf("ListRevisions: %v", err)
	}
	content, found, err := store.ContentAt(ctx, "s", "d.json", revisions[1].Version)
	if err != nil || !found || content != "a" {
		t.Fatalf("expected revision kept hot: %q %t %v", content, found, err)
	}
}

func isNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
