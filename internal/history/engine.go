package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/onexay/diagram-share/internal/types"
)

// DefaultMinBatch is the smallest page requested from a RevisionSource.
const DefaultMinBatch = 50

// ErrInvalidQuery is returned when a Query cannot be evaluated.
var ErrInvalidQuery = errors.New("invalid history query")

// RevisionSource supplies raw, newest-first revision listings and historical
// file content. Storage providers satisfy it.
type RevisionSource interface {
	ListRevisions(ctx context.Context, id string, perPage, page int) ([]types.Revision, error)
	ListFileRevisions(ctx context.Context, id, filename string, perPage, page int) ([]types.Revision, error)
	// ContentAt reports found=false when the file did not exist at ref.
	ContentAt(ctx context.Context, id, filename, ref string) (content string, found bool, err error)
}

// Query selects the revisions of one file of one share.
type Query struct {
	ID       string
	Filename string
	Limit    int
	// Cursor is empty to start from the newest revision, otherwise a
	// previously returned NextCursor.
	Cursor string
}

// StopReason records why a listing ended.
type StopReason string

const (
	StopExhausted StopReason = "exhausted"
	StopLimit     StopReason = "limit"
	StopDeletion  StopReason = "deletion"
)

// Page is one cursor-paginated slice of changed revisions.
type Page struct {
	Revisions  []types.Revision
	NextCursor string
	HasMore    bool
	Limit      int
	Count      int
	Stop       StopReason
}

// Engine turns a raw revision log into the revisions where a file's content
// actually changed. It holds no per-call state and is safe for concurrent use.
type Engine struct {
	source   RevisionSource
	logger   *slog.Logger
	metrics  *Metrics
	minBatch int
}

// Option customises an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for fail-open comparisons.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics attaches engine metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithMinBatch overrides DefaultMinBatch.
func WithMinBatch(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.minBatch = n
		}
	}
}

// NewEngine builds an Engine reading from source.
func NewEngine(source RevisionSource, opts ...Option) *Engine {
	e := &Engine{
		source:   source,
		logger:   slog.Default(),
		minBatch: DefaultMinBatch,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(slog.String("component", "history"))
	return e
}

// BatchSize is the page size requested from the source for a given limit.
func (e *Engine) BatchSize(limit int) int {
	return max(limit*2, e.minBatch)
}

type outcome string

const (
	outcomeChanged    outcome = "changed"
	outcomeUnchanged  outcome = "unchanged"
	outcomeReappeared outcome = "reappeared"
	outcomeDeleted    outcome = "deleted"
	outcomeFailed     outcome = "failed"
)

// ListChangedRevisions returns up to q.Limit revisions, newest first, whose
// content of q.Filename differs from the previously accepted revision.
//
// When q.Cursor is set the scan resumes right after that revision and the
// cursor revision itself is the comparison baseline, so concatenating pages
// yields the same sequence as a single unbounded call.
func (e *Engine) ListChangedRevisions(ctx context.Context, q Query) (Page, error) {
	if q.ID == "" || q.Filename == "" {
		return Page{}, fmt.Errorf("%w: id and filename are required", ErrInvalidQuery)
	}
	if q.Limit < 1 {
		return Page{}, fmt.Errorf("%w: limit must be positive", ErrInvalidQuery)
	}

	started := time.Now()
	batchSize := e.BatchSize(q.Limit)
	seeking := q.Cursor != ""
	accepted := make([]types.Revision, 0, q.Limit)
	var (
		baseline     types.Revision
		haveBaseline bool
	)
	stop := StopExhausted

scan:
	for page := 1; len(accepted) < q.Limit; page++ {
		if err := ctx.Err(); err != nil {
			return Page{}, err
		}

		batch, err := e.source.ListFileRevisions(ctx, q.ID, q.Filename, batchSize, page)
		if err != nil {
			return Page{}, err
		}
		e.metrics.observeBatch()
		if len(batch) == 0 {
			break
		}

		for _, candidate := range batch {
			if len(accepted) >= q.Limit {
				break
			}

			if seeking {
				if candidate.Version == q.Cursor {
					seeking = false
					baseline, haveBaseline = candidate, true
				}
				continue
			}

			if !haveBaseline {
				_, found, err := e.source.ContentAt(ctx, q.ID, q.Filename, candidate.Version)
				if err != nil {
					return Page{}, err
				}
				if found {
					accepted = append(accepted, candidate)
					baseline, haveBaseline = candidate, true
				}
				continue
			}

			result, err := e.compare(ctx, q, baseline, candidate)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return Page{}, ctxErr
				}
				e.logger.Warn("comparison failed, keeping revision",
					slog.String("id", q.ID),
					slog.String("file", q.Filename),
					slog.String("version", candidate.Version),
					slog.String("baseline", baseline.Version),
					slog.String("error", err.Error()),
				)
				result = outcomeFailed
			}
			e.metrics.observeComparison(result)

			switch result {
			case outcomeDeleted:
				stop = StopDeletion
				break scan
			case outcomeUnchanged:
				continue
			default:
				accepted = append(accepted, candidate)
				baseline = candidate
			}
		}

		if len(batch) < batchSize {
			break
		}
	}

	result := Page{
		Revisions: accepted,
		Limit:     q.Limit,
		Count:     len(accepted),
		Stop:      stop,
	}
	if len(accepted) == q.Limit {
		result.NextCursor = accepted[len(accepted)-1].Version
		result.HasMore = true
		result.Stop = StopLimit
	}
	e.metrics.observeRequest(result.Stop, time.Since(started))
	return result, nil
}

// compare fetches the baseline and candidate contents concurrently and
// classifies the candidate.
func (e *Engine) compare(ctx context.Context, q Query, baseline, candidate types.Revision) (outcome, error) {
	var (
		prev, cur           string
		prevFound, curFound bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		prev, prevFound, err = e.source.ContentAt(gctx, q.ID, q.Filename, baseline.Version)
		return err
	})
	g.Go(func() error {
		var err error
		cur, curFound, err = e.source.ContentAt(gctx, q.ID, q.Filename, candidate.Version)
		return err
	})
	if err := g.Wait(); err != nil {
		return outcomeFailed, err
	}

	switch {
	case !curFound:
		return outcomeDeleted, nil
	case !prevFound:
		return outcomeReappeared, nil
	case prev != cur:
		return outcomeChanged, nil
	default:
		return outcomeUnchanged, nil
	}
}
