package storage

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Archive keeps the files of revisions evicted from a hot store. Archived
// revisions stay readable until their share is deleted.
type Archive interface {
	Put(ctx context.Context, share, version string, files map[string]string) error
	// Files returns a NotFoundError for a revision that was never archived.
	Files(ctx context.Context, share, version string) (map[string]string, error)
	DropShare(ctx context.Context, share string) error
	Close() error
}

// RetentionPolicy describes how many revision snapshots stay hot per share.
type RetentionPolicy struct {
	HotRevisionLimit int
	HotDuration      time.Duration
}

func (p RetentionPolicy) enabled() bool {
	return p.HotRevisionLimit > 0 || p.HotDuration > 0
}

// Options control storage behaviour across local backends.
type Options struct {
	Archive   Archive
	Retention RetentionPolicy
	// NewID generates share ids; defaults to random UUIDs.
	NewID  func() string
	Logger *slog.Logger
}

func (o Options) logger(provider string) *slog.Logger {
	logger := o.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return logger.With(slog.String("component", "storage"), slog.String("provider", provider))
}

func (o Options) idGenerator() func() string {
	if o.NewID != nil {
		return o.NewID
	}
	return uuid.NewString
}

type retentionEntry struct {
	hash      string
	timestamp time.Time
	archived  bool
}

// selectForArchive returns the hashes of hot revisions that fall outside the
// policy. entries are ordered oldest first.
func selectForArchive(entries []retentionEntry, policy RetentionPolicy, now time.Time) []string {
	if !policy.enabled() {
		return nil
	}

	toArchive := make(map[string]struct{})
	if policy.HotDuration > 0 {
		cutoff := now.Add(-policy.HotDuration)
		for _, e := range entries {
			if !e.archived && e.timestamp.Before(cutoff) {
				toArchive[e.hash] = struct{}{}
			}
		}
	}

	if policy.HotRevisionLimit > 0 {
		remaining := make([]retentionEntry, 0, len(entries))
		for _, e := range entries {
			if e.archived {
				continue
			}
			if _, ok := toArchive[e.hash]; ok {
				continue
			}
			remaining = append(remaining, e)
		}
		if excess := len(remaining) - policy.HotRevisionLimit; excess > 0 {
			for i := 0; i < excess; i++ {
				toArchive[remaining[i].hash] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(toArchive))
	for _, e := range entries {
		if _, ok := toArchive[e.hash]; ok {
			out = append(out, e.hash)
		}
	}
	return out
}
