package storage

import (
	"context"
	"maps"
	"sync"
)

// MemoryArchive keeps archived share snapshots in process memory.
type MemoryArchive struct {
	mu     sync.RWMutex
	shares map[string]map[string]snapshot // share -> version -> files
}

// NewMemoryArchive constructs an in-memory archive.
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{shares: make(map[string]map[string]snapshot)}
}

func (m *MemoryArchive) Put(ctx context.Context, share, version string, files map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	versions, ok := m.shares[share]
	if !ok {
		versions = make(map[string]snapshot)
		m.shares[share] = versions
	}
	versions[version] = snapshot(maps.Clone(files))
	return nil
}

func (m *MemoryArchive) Files(ctx context.Context, share, version string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	files, ok := m.shares[share][version]
	if !ok {
		return nil, &NotFoundError{Resource: "archived revision", Key: version}
	}
	return files.clone(), nil
}

func (m *MemoryArchive) DropShare(ctx context.Context, share string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.shares, share)
	return nil
}

// Len reports how many revisions of share are archived.
func (m *MemoryArchive) Len(share string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.shares[share])
}

func (m *MemoryArchive) Close() error { return nil }
