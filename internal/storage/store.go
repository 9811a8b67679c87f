package storage

import (
	"context"

	"github.com/onexay/diagram-share/internal/types"
)

// Provider persists shares on a code host or local backend and exposes their
// revision history. Implementations satisfy history.RevisionSource.
type Provider interface {
	Name() string
	CreateShare(ctx context.Context, req CreateShareRequest) (types.Share, error)
	UpsertFile(ctx context.Context, req UpsertFileRequest) error
	// GetShare returns the share at ref, or at head when ref is empty.
	GetShare(ctx context.Context, id, ref string) (types.Share, error)
	DeleteShare(ctx context.Context, id string) error
	// ListRevisions pages through the share history, newest first. page is 1-based.
	ListRevisions(ctx context.Context, id string, perPage, page int) ([]types.Revision, error)
	// ListFileRevisions is ListRevisions narrowed to one file where the backend
	// supports it; otherwise it returns the whole share history.
	ListFileRevisions(ctx context.Context, id, filename string, perPage, page int) ([]types.Revision, error)
	// ContentAt reports found=false when filename did not exist at ref.
	ContentAt(ctx context.Context, id, filename, ref string) (string, bool, error)
	Close() error
}

// NotFoundError signals missing records.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return e.Resource + " " + e.Key + " not found"
}

// ConflictError signals concurrent modification or duplicate creation attempts.
type ConflictError struct {
	Resource string
	Key      string
}

func (e *ConflictError) Error() string {
	return e.Resource + " " + e.Key + " conflicts with existing state"
}

// ValidationError represents invalid input supplied by clients.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}
