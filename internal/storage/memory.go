package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onexay/diagram-share/internal/types"
)

// memoryStore provides an in-memory fallback for development and testing.
type memoryStore struct {
	mu             sync.RWMutex
	clock          func() time.Time
	newID          func() string
	revisions      map[string]revisionRecord
	snapshots      map[string]snapshot
	shareRevisions map[string][]string // share -> revision hashes, oldest first
	policy         RetentionPolicy
	archive        Archive
	logger         *slog.Logger
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore(opts Options) Provider {
	return &memoryStore{
		clock:          time.Now,
		newID:          opts.idGenerator(),
		revisions:      make(map[string]revisionRecord),
		snapshots:      make(map[string]snapshot),
		shareRevisions: make(map[string][]string),
		policy:         opts.Retention,
		archive:        opts.Archive,
		logger:         opts.logger("memory"),
	}
}

func (m *memoryStore) Name() string { return "memory" }

func (m *memoryStore) CreateShare(ctx context.Context, req CreateShareRequest) (types.Share, error) {
	if err := req.validate(); err != nil {
		return types.Share{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.newID()
	if _, exists := m.shareRevisions[id]; exists {
		return types.Share{}, &ConflictError{Resource: "share", Key: id}
	}

	files := snapshot{req.Filename: req.Content}
	m.commitLocked(ctx, id, "", files)
	return files.share(id), nil
}

func (m *memoryStore) UpsertFile(ctx context.Context, req UpsertFileRequest) error {
	if err := req.validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	hashes, ok := m.shareRevisions[req.ID]
	if !ok {
		return &NotFoundError{Resource: "share", Key: req.ID}
	}
	head := hashes[len(hashes)-1]
	current, err := m.snapshotLocked(ctx, req.ID, head)
	if err != nil {
		return err
	}

	files := current.clone()
	files[req.Filename] = req.Content
	m.commitLocked(ctx, req.ID, head, files)
	return nil
}

func (m *memoryStore) commitLocked(ctx context.Context, id, parent string, files snapshot) {
	now := m.clock().UTC()
	hash := computeRevisionHash(id, parent, files, now)

	m.revisions[hash] = revisionRecord{Share: id, Hash: hash, Parent: parent, Timestamp: now}
	m.snapshots[hash] = files
	m.shareRevisions[id] = append(m.shareRevisions[id], hash)

	m.applyRetentionLocked(ctx, id)
}

func (m *memoryStore) GetShare(ctx context.Context, id, ref string) (types.Share, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hash, err := m.resolveLocked(id, ref)
	if err != nil {
		return types.Share{}, err
	}
	files, err := m.snapshotLocked(ctx, id, hash)
	if err != nil {
		return types.Share{}, err
	}
	return files.share(id), nil
}

func (m *memoryStore) DeleteShare(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	hashes, ok := m.shareRevisions[id]
	if !ok {
		return &NotFoundError{Resource: "share", Key: id}
	}
	if m.archive != nil {
		if err := m.archive.DropShare(ctx, id); err != nil {
			return fmt.Errorf("drop archived revisions of %s: %w", id, err)
		}
	}
	for _, hash := range hashes {
		delete(m.revisions, hash)
		delete(m.snapshots, hash)
	}
	delete(m.shareRevisions, id)
	return nil
}

func (m *memoryStore) ListRevisions(ctx context.Context, id string, perPage, page int) ([]types.Revision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hashes, ok := m.shareRevisions[id]
	if !ok {
		return nil, &NotFoundError{Resource: "share", Key: id}
	}

	start, end := pageBounds(perPage, page)
	result := []types.Revision{}
	for i := len(hashes) - 1 - start; i >= 0 && i > len(hashes)-1-end; i-- {
		result = append(result, m.revisions[hashes[i]].revision())
	}
	return result, nil
}

func (m *memoryStore) ListFileRevisions(ctx context.Context, id, filename string, perPage, page int) ([]types.Revision, error) {
	return m.ListRevisions(ctx, id, perPage, page)
}

func (m *memoryStore) ContentAt(ctx context.Context, id, filename, ref string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hash, err := m.resolveLocked(id, ref)
	if err != nil {
		return "", false, err
	}
	files, err := m.snapshotLocked(ctx, id, hash)
	if err != nil {
		return "", false, err
	}
	content, ok := files[filename]
	return content, ok, nil
}

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) resolveLocked(id, ref string) (string, error) {
	hashes, ok := m.shareRevisions[id]
	if !ok {
		return "", &NotFoundError{Resource: "share", Key: id}
	}
	if ref == "" {
		return hashes[len(hashes)-1], nil
	}
	rec, ok := m.revisions[ref]
	if !ok || rec.Share != id {
		return "", &NotFoundError{Resource: "revision", Key: ref}
	}
	return ref, nil
}

func (m *memoryStore) snapshotLocked(ctx context.Context, id, hash string) (snapshot, error) {
	if files, ok := m.snapshots[hash]; ok {
		return files, nil
	}
	if m.archive == nil {
		return nil, &NotFoundError{Resource: "snapshot", Key: hash}
	}
	files, err := m.archive.Files(ctx, id, hash)
	if err != nil {
		return nil, err
	}
	return snapshot(files), nil
}

func (m *memoryStore) applyRetentionLocked(ctx context.Context, id string) {
	if m.archive == nil || !m.policy.enabled() {
		return
	}

	hashes := m.shareRevisions[id]
	entries := make([]retentionEntry, 0, len(hashes))
	for _, hash := range hashes {
		rec := m.revisions[hash]
		entries = append(entries, retentionEntry{hash: hash, timestamp: rec.Timestamp, archived: rec.Archived})
	}

	for _, hash := range selectForArchive(entries, m.policy, m.clock()) {
		m.flushRevisionLocked(ctx, id, hash)
	}
}

func (m *memoryStore) flushRevisionLocked(ctx context.Context, id, hash string) {
	rec, ok := m.revisions[hash]
	if !ok || rec.Archived {
		return
	}
	files, ok := m.snapshots[hash]
	if !ok {
		return
	}
	if err := m.archive.Put(ctx, id, hash, files); err != nil {
		m.logger.Warn("archiving revision failed, keeping it hot",
			slog.String("id", id),
			slog.String("version", hash),
			slog.String("error", err.Error()),
		)
		return
	}
	delete(m.snapshots, hash)
	rec.Archived = true
	m.revisions[hash] = rec
}
