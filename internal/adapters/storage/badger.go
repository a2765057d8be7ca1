package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/studio/internal/core"
	"github.com/dkeye/studio/internal/domain"
)

// mtimePrefix namespaces the write time kept beside each object.
const mtimePrefix = "\x00mtime/"

// BadgerStore keeps objects in a local badger database, keyed by object key.
// Badger iterates keys in byte order, so prefix listings come back sorted.
type BadgerStore struct {
	db  *badger.DB
	now func() time.Time
	log zerolog.Logger
}

func OpenBadger(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger %s: %w", dir, err)
	}
	return NewBadger(db), nil
}

func NewBadger(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db, now: time.Now, log: log.With().Str("module", "adapters.storage.badger").Logger()}
}

func (b *BadgerStore) Close() error { return b.db.Close() }

func (b *BadgerStore) Put(ctx context.Context, key string, r io.Reader, size int64, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var buf bytes.Buffer
	if size > 0 {
		buf.Grow(int(size))
	}
	if _, err := io.Copy(&buf, r); err != nil {
		return domain.Wrap(domain.ErrTransient, "storage", "read payload", key, err)
	}
	var mtime [8]byte
	binary.BigEndian.PutUint64(mtime[:], uint64(b.now().UnixNano()))
	err := b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(key), buf.Bytes()); err != nil {
			return err
		}
		return txn.Set([]byte(mtimePrefix+key), mtime[:])
	})
	if err != nil {
		return domain.Wrap(domain.ErrTransient, "storage", "put object", key, err)
	}
	return nil
}

func (b *BadgerStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, domain.Wrap(domain.ErrNotFound, "storage", "get object", key, err)
	}
	if err != nil {
		return nil, domain.Wrap(domain.ErrTransient, "storage", "get object", key, err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *BadgerStore) List(ctx context.Context, prefix string) ([]core.ObjectInfo, error) {
	var out []core.ObjectInfo
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			key := string(item.KeyCopy(nil))
			if strings.HasPrefix(key, mtimePrefix) {
				continue
			}
			out = append(out, core.ObjectInfo{
				Key:          key,
				Size:         item.ValueSize(),
				LastModified: modifiedAt(txn, key),
			})
		}
		return nil
	})
	if err != nil {
		return nil, domain.Wrap(domain.ErrTransient, "storage", "list objects", prefix, err)
	}
	return out, nil
}

func (b *BadgerStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(key)); err != nil {
			return err
		}
		return txn.Delete([]byte(mtimePrefix + key))
	})
	if err != nil {
		return fmt.Errorf("storage: delete %s: %w", key, err)
	}
	b.log.Debug().Str("key", key).Msg("object deleted")
	return nil
}

// modifiedAt reads the write time stored beside key; zero when none was kept.
func modifiedAt(txn *badger.Txn, key string) time.Time {
	item, err := txn.Get([]byte(mtimePrefix + key))
	if err != nil {
		return time.Time{}
	}
	var at time.Time
	_ = item.Value(func(v []byte) error {
		if len(v) == 8 {
			at = time.Unix(0, int64(binary.BigEndian.Uint64(v)))
		}
		return nil
	})
	return at
}
