package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/onexay/diagram-share/internal/types"
)

const (
	shareRevisionsKeyPrefix = "share:revisions"
)

// keyReader is the read surface shared by *redis.Client and *redis.Tx.
type keyReader interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

type keydbStore struct {
	client  *redis.Client
	clock   func() time.Time
	newID   func() string
	archive Archive
	policy  RetentionPolicy
	logger  *slog.Logger
}

// Config defines KeyDB connection settings.
type Config struct {
	Addr     string
	Username string
	Password string
	Database int
}

// NewKeyDBStore initializes a Provider backed by KeyDB.
func NewKeyDBStore(cfg Config, opts Options) (Provider, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}

	redisOpts := &redis.Options{
		Addr:     addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.Database,
	}

	client := redis.NewClient(redisOpts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to keydb: %w", err)
	}

	return &keydbStore{
		client:  client,
		clock:   time.Now,
		newID:   opts.idGenerator(),
		archive: opts.Archive,
		policy:  opts.Retention,
		logger:  opts.logger("keydb"),
	}, nil
}

func (s *keydbStore) Name() string { return "keydb" }

func (s *keydbStore) CreateShare(ctx context.Context, req CreateShareRequest) (types.Share, error) {
	if err := req.validate(); err != nil {
		return types.Share{}, err
	}

	id := s.newID()
	files := snapshot{req.Filename: req.Content}
	if err := s.commit(ctx, id, true, func(snapshot) snapshot { return files }); err != nil {
		return types.Share{}, err
	}
	return files.share(id), nil
}

func (s *keydbStore) UpsertFile(ctx context.Context, req UpsertFileRequest) error {
	if err := req.validate(); err != nil {
		return err
	}

	return s.commit(ctx, req.ID, false, func(current snapshot) snapshot {
		files := current.clone()
		files[req.Filename] = req.Content
		return files
	})
}

// commit writes a new head revision built by mutate. With create set the
// share must not exist yet; otherwise it must.
func (s *keydbStore) commit(ctx context.Context, id string, create bool, mutate func(snapshot) snapshot) error {
	headKey := shareHeadKey(id)
	revisionsKey := shareRevisionsKey(id)

	for {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			parent, err := tx.Get(ctx, headKey).Result()
			switch {
			case errors.Is(err, redis.Nil):
				if !create {
					return &NotFoundError{Resource: "share", Key: id}
				}
				parent = ""
			case err != nil:
				return err
			case create:
				return &ConflictError{Resource: "share", Key: id}
			}

			current := snapshot{}
			if parent != "" {
				current, err = s.loadSnapshot(ctx, tx, id, parent)
				if err != nil {
					return err
				}
			}

			seq, err := tx.ZCard(ctx, revisionsKey).Result()
			if err != nil {
				return err
			}

			files := mutate(current)
			now := s.clock().UTC()
			hash := computeRevisionHash(id, parent, files, now)
			payload, err := json.Marshal(revisionRecord{Share: id, Hash: hash, Parent: parent, Timestamp: now})
			if err != nil {
				return err
			}
			fields := make(map[string]any, len(files))
			for name, content := range files {
				fields[name] = content
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, revisionKey(id, hash), payload, 0)
				pipe.HSet(ctx, filesKey(id, hash), fields)
				pipe.ZAdd(ctx, revisionsKey, redis.Z{Score: float64(seq + 1), Member: hash})
				pipe.Set(ctx, headKey, hash, 0)
				return nil
			})
			return err
		}, headKey, revisionsKey)

		if err == nil {
			s.enforceRetention(ctx, id)
			return nil
		}

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}

		return err
	}
}

func (s *keydbStore) GetShare(ctx context.Context, id, ref string) (types.Share, error) {
	hash := ref
	if hash == "" {
		head, err := s.client.Get(ctx, shareHeadKey(id)).Result()
		if errors.Is(err, redis.Nil) {
			return types.Share{}, &NotFoundError{Resource: "share", Key: id}
		}
		if err != nil {
			return types.Share{}, err
		}
		hash = head
	}

	files, err := s.loadSnapshot(ctx, s.client, id, hash)
	if err != nil {
		return types.Share{}, err
	}
	return files.share(id), nil
}

func (s *keydbStore) DeleteShare(ctx context.Context, id string) error {
	hashes, err := s.client.ZRange(ctx, shareRevisionsKey(id), 0, -1).Result()
	if err != nil {
		return err
	}
	if len(hashes) == 0 {
		return &NotFoundError{Resource: "share", Key: id}
	}

	if s.archive != nil {
		if err := s.archive.DropShare(ctx, id); err != nil {
			return fmt.Errorf("drop archived revisions of %s: %w", id, err)
		}
	}

	pipe := s.client.TxPipeline()
	for _, hash := range hashes {
		pipe.Del(ctx, revisionKey(id, hash), filesKey(id, hash))
	}
	pipe.Del(ctx, shareRevisionsKey(id), shareHeadKey(id))
	_, err = pipe.Exec(ctx)
	return err
}

func (s *keydbStore) ListRevisions(ctx context.Context, id string, perPage, page int) ([]types.Revision, error) {
	key := shareRevisionsKey(id)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, &NotFoundError{Resource: "share", Key: id}
	}

	start, end := pageBounds(perPage, page)
	hashes, err := s.client.ZRevRange(ctx, key, int64(start), int64(end-1)).Result()
	if err != nil {
		return nil, err
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, 0, len(hashes))
	for _, hash := range hashes {
		cmds = append(cmds, pipe.Get(ctx, revisionKey(id, hash)))
	}
	if len(cmds) > 0 {
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
	}

	result := make([]types.Revision, 0, len(hashes))
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("revision %s of share %s is listed but has no record", hashes[i], id)
		}
		if err != nil {
			return nil, err
		}
		var rec revisionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode revision %s of share %s: %w", hashes[i], id, err)
		}
		result = append(result, rec.revision())
	}
	return result, nil
}

func (s *keydbStore) ListFileRevisions(ctx context.Context, id, filename string, perPage, page int) ([]types.Revision, error) {
	return s.ListRevisions(ctx, id, perPage, page)
}

func (s *keydbStore) ContentAt(ctx context.Context, id, filename, ref string) (string, bool, error) {
	rec, err := s.getRevision(ctx, s.client, id, ref)
	if err != nil {
		return "", false, err
	}

	if rec.Archived {
		files, err := s.fetchArchived(ctx, id, ref)
		if err != nil {
			return "", false, err
		}
		content, ok := files[filename]
		return content, ok, nil
	}

	content, err := s.client.HGet(ctx, filesKey(id, ref), filename).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return content, true, nil
}

func (s *keydbStore) Close() error {
	return s.client.Close()
}

func (s *keydbStore) getRevision(ctx context.Context, c keyReader, id, hash string) (revisionRecord, error) {
	data, err := c.Get(ctx, revisionKey(id, hash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return revisionRecord{}, &NotFoundError{Resource: "revision", Key: hash}
		}
		return revisionRecord{}, err
	}
	var rec revisionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return revisionRecord{}, err
	}
	return rec, nil
}

func (s *keydbStore) loadSnapshot(ctx context.Context, c keyReader, id, hash string) (snapshot, error) {
	rec, err := s.getRevision(ctx, c, id, hash)
	if err != nil {
		return nil, err
	}
	if rec.Archived {
		return s.fetchArchived(ctx, id, hash)
	}
	files, err := c.HGetAll(ctx, filesKey(id, hash)).Result()
	if err != nil {
		return nil, err
	}
	return snapshot(files), nil
}

func (s *keydbStore) fetchArchived(ctx context.Context, id, hash string) (snapshot, error) {
	if s.archive == nil {
		return nil, &NotFoundError{Resource: "snapshot", Key: hash}
	}
	files, err := s.archive.Files(ctx, id, hash)
	if err != nil {
		return nil, err
	}
	return snapshot(files), nil
}

func (s *keydbStore) enforceRetention(ctx context.Context, id string) {
	if s.archive == nil || !s.policy.enabled() {
		return
	}
	hashes, err := s.client.ZRange(ctx, shareRevisionsKey(id), 0, -1).Result()
	if err != nil {
		s.logger.Warn("retention skipped", slog.String("id", id), slog.String("error", err.Error()))
		return
	}
	entries := make([]retentionEntry, 0, len(hashes))
	for _, hash := range hashes {
		rec, err := s.getRevision(ctx, s.client, id, hash)
		if err != nil {
			s.logger.Warn("retention cannot read revision",
				slog.String("id", id),
				slog.String("version", hash),
				slog.String("error", err.Error()),
			)
			continue
		}
		entries = append(entries, retentionEntry{hash: rec.Hash, timestamp: rec.Timestamp, archived: rec.Archived})
	}
	for _, hash := range selectForArchive(entries, s.policy, s.clock()) {
		if err := s.archiveRevision(ctx, id, hash); err != nil {
			s.logger.Warn("archiving revision failed, keeping it hot",
				slog.String("id", id),
				slog.String("version", hash),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *keydbStore) archiveRevision(ctx context.Context, id, hash string) error {
	rec, err := s.getRevision(ctx, s.client, id, hash)
	if err != nil {
		return err
	}
	if rec.Archived {
		return nil
	}
	files, err := s.loadSnapshot(ctx, s.client, id, hash)
	if err != nil {
		return err
	}
	if err := s.archive.Put(ctx, id, hash, files); err != nil {
		return err
	}
	rec.Archived = true
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, revisionKey(id, hash), payload, 0)
	pipe.Del(ctx, filesKey(id, hash))
	_, err = pipe.Exec(ctx)
	return err
}

func revisionKey(id, hash string) string {
	return fmt.Sprintf("revision:%s:%s", id, hash)
}

func filesKey(id, hash string) string {
	return fmt.Sprintf("files:%s:%s", id, hash)
}

func shareHeadKey(id string) string {
	return fmt.Sprintf("share:head:%s", id)
}

func shareRevisionsKey(id string) string {
	return fmt.Sprintf("%s:%s", shareRevisionsKeyPrefix, id)
}
