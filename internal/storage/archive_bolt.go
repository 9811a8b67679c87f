package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const boltOpenTimeout = 2 * time.Second

var boltSharesBucket = []byte("shares")

// BoltArchive keeps archived share snapshots in a BoltDB file laid out as
// shares/<share id>/<version>/<filename> = content.
type BoltArchive struct {
	db   *bolt.DB
	once sync.Once
}

// NewBoltArchive opens (or creates) the archive file at path.
func NewBoltArchive(path string) (*BoltArchive, error) {
	if path == "" {
		return nil, errors.New("archive path is required")
	}

	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltSharesBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltArchive{db: db}, nil
}

// Put replaces the archived files of one revision.
func (a *BoltArchive) Put(ctx context.Context, share, version string, files map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.db.Update(func(tx *bolt.Tx) error {
		shareBucket, err := tx.Bucket(boltSharesBucket).CreateBucketIfNotExists([]byte(share))
		if err != nil {
			return err
		}
		if shareBucket.Bucket([]byte(version)) != nil {
			if err := shareBucket.DeleteBucket([]byte(version)); err != nil {
				return err
			}
		}
		revision, err := shareBucket.CreateBucket([]byte(version))
		if err != nil {
			return err
		}
		for name, content := range files {
			if err := revision.Put([]byte(name), []byte(content)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Files returns the archived files of one revision.
func (a *BoltArchive) Files(ctx context.Context, share, version string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	files := snapshot{}
	err := a.db.View(func(tx *bolt.Tx) error {
		shareBucket := tx.Bucket(boltSharesBucket).Bucket([]byte(share))
		if shareBucket == nil {
			return &NotFoundError{Resource: "archived revision", Key: version}
		}
		revision := shareBucket.Bucket([]byte(version))
		if revision == nil {
			return &NotFoundError{Resource: "archived revision", Key: version}
		}
		return revision.ForEach(func(name, content []byte) error {
			files[string(name)] = string(content)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// DropShare removes every archived revision of share.
func (a *BoltArchive) DropShare(ctx context.Context, share string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(boltSharesBucket).DeleteBucket([]byte(share))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

func (a *BoltArchive) Close() error {
	var err error
	a.once.Do(func() {
		err = a.db.Close()
	})
	return err
}
