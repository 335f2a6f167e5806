package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v3"

	"github.com/nemanja-m/lectern/internal/coordinator/core"
)

// BadgerBackend keeps records in an embedded badger database under "<kind>/<id>" keys.
type BadgerBackend struct {
	db *badger.DB
}

// OpenBadger opens a database in dir. An empty dir opens an in-memory database.
func OpenBadger(dir string) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger db: %w", err)
	}
	return &BadgerBackend{db: db}, nil
}

func recordKey(kind, id string) []byte {
	return []byte(kind + "/" + id)
}

func (s *BadgerBackend) Save(ctx context.Context, kind, id string, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(kind, id), value)
	})
}

func (s *BadgerBackend) Load(ctx context.Context, kind, id string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(kind, id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return core.ErrNotFound
			}
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *BadgerBackend) Delete(ctx context.Context, kind, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(kind, id))
	})
}

func (s *BadgerBackend) Scan(ctx context.Context, kind string, fn func(id string, value []byte) error) error {
	prefix := kind + "/"
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(strings.TrimPrefix(string(item.Key()), prefix), value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerBackend) Close() error {
	return s.db.Close()
}
