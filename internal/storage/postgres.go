package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/onexay/diagram-share/internal/types"
)

const pqUniqueViolation = "23505"

type postgresProvider struct {
	db    *sql.DB
	clock func() time.Time
	newID func() string
}

// NewPostgresProvider opens a PostgreSQL backed Provider. Each revision is a
// row holding the full file snapshot as JSONB.
func NewPostgresProvider(ctx context.Context, connectionString string, opts Options) (Provider, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := InitSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &postgresProvider{db: db, clock: time.Now, newID: opts.idGenerator()}, nil
}

// InitSchema creates the revision table and indexes if they don't exist.
func InitSchema(ctx context.Context, db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS share_revisions (
		seq BIGSERIAL PRIMARY KEY,
		share_id VARCHAR(64) NOT NULL,
		version CHAR(64) NOT NULL UNIQUE,
		parent CHAR(64),
		files JSONB NOT NULL,
		committed_at TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_share_revisions_share_seq ON share_revisions(share_id, seq DESC);
	`
	_, err := db.ExecContext(ctx, query)
	return err
}

func (s *postgresProvider) Name() string { return "postgres" }

func (s *postgresProvider) CreateShare(ctx context.Context, req CreateShareRequest) (types.Share, error) {
	if err := req.validate(); err != nil {
		return types.Share{}, err
	}

	id := s.newID()
	files := snapshot{req.Filename: req.Content}
	err := s.withShareLock(ctx, id, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM share_revisions WHERE share_id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return &ConflictError{Resource: "share", Key: id}
		}
		return s.insertRevision(ctx, tx, id, "", files)
	})
	if err != nil {
		return types.Share{}, err
	}
	return files.share(id), nil
}

func (s *postgresProvider) UpsertFile(ctx context.Context, req UpsertFileRequest) error {
	if err := req.validate(); err != nil {
		return err
	}

	return s.withShareLock(ctx, req.ID, func(tx *sql.Tx) error {
		var (
			parent string
			data   []byte
		)
		err := tx.QueryRowContext(ctx,
			`SELECT version, files FROM share_revisions WHERE share_id = $1 ORDER BY seq DESC LIMIT 1`,
			req.ID,
		).Scan(&parent, &data)
		if errors.Is(err, sql.ErrNoRows) {
			return &NotFoundError{Resource: "share", Key: req.ID}
		}
		if err != nil {
			return err
		}

		current, err := decodeSnapshot(data)
		if err != nil {
			return err
		}
		files := current.clone()
		files[req.Filename] = req.Content
		return s.insertRevision(ctx, tx, req.ID, parent, files)
	})
}

func (s *postgresProvider) withShareLock(ctx context.Context, id string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", id); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *postgresProvider) insertRevision(ctx context.Context, tx *sql.Tx, id, parent string, files snapshot) error {
	now := s.clock().UTC()
	payload, err := encodeSnapshot(files)
	if err != nil {
		return err
	}

	var parentArg any
	if parent != "" {
		parentArg = parent
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO share_revisions (share_id, version, parent, files, committed_at) VALUES ($1, $2, $3, $4, $5)`,
		id, computeRevisionHash(id, parent, files, now), parentArg, string(payload), now,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
		return &ConflictError{Resource: "revision", Key: id}
	}
	return err
}

func (s *postgresProvider) GetShare(ctx context.Context, id, ref string) (types.Share, error) {
	var row *sql.Row
	if ref == "" {
		row = s.db.QueryRowContext(ctx,
			`SELECT files FROM share_revisions WHERE share_id = $1 ORDER BY seq DESC LIMIT 1`, id)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT files FROM share_revisions WHERE share_id = $1 AND version = $2`, id, ref)
	}

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Share{}, &NotFoundError{Resource: "share", Key: id}
		}
		return types.Share{}, err
	}
	files, err := decodeSnapshot(data)
	if err != nil {
		return types.Share{}, err
	}
	return files.share(id), nil
}

func (s *postgresProvider) DeleteShare(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM share_revisions WHERE share_id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &NotFoundError{Resource: "share", Key: id}
	}
	return nil
}

func (s *postgresProvider) ListRevisions(ctx context.Context, id string, perPage, page int) ([]types.Revision, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM share_revisions WHERE share_id = $1)`, id).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, &NotFoundError{Resource: "share", Key: id}
	}

	start, end := pageBounds(perPage, page)
	rows, err := s.db.QueryContext(ctx,
		`SELECT version, committed_at FROM share_revisions WHERE share_id = $1 ORDER BY seq DESC LIMIT $2 OFFSET $3`,
		id, end-start, start,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []types.Revision{}
	for rows.Next() {
		var rev types.Revision
		if err := rows.Scan(&rev.Version, &rev.CommittedAt); err != nil {
			return nil, err
		}
		result = append(result, rev)
	}
	return result, rows.Err()
}

func (s *postgresProvider) ListFileRevisions(ctx context.Context, id, filename string, perPage, page int) ([]types.Revision, error) {
	return s.ListRevisions(ctx, id, perPage, page)
}

func (s *postgresProvider) ContentAt(ctx context.Context, id, filename, ref string) (string, bool, error) {
	var content sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT files ->> $3 FROM share_revisions WHERE share_id = $1 AND version = $2`,
		id, ref, filename,
	).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, &NotFoundError{Resource: "revision", Key: ref}
	}
	if err != nil {
		return "", false, err
	}
	return content.String, content.Valid, nil
}

func (s *postgresProvider) Close() error {
	return s.db.Close()
}
