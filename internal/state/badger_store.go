package state

import (
	"errors"
	"fmt"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerStore implements Store using BadgerDB.
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(dir)).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger open: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (b *BadgerStore) Close() error { return b.db.Close() }

func (b *BadgerStore) Apply(key string, m Mutation, seq int64) (bool, Record, error) {
	var applied bool
	var out Record
	err := b.db.Update(func(txn *badger.Txn) error {
		var cur Record
		item, err := txn.Get([]byte(key))
		if err == nil {
			v, e := item.ValueCopy(nil)
			if e != nil {
				return e
			}
			cur, e = decodeRecord(v)
			if e != nil {
				return e
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if seq <= cur.LastSeq {
			out = cur
			return nil
		}
		cur = applyMutation(cur, m, seq)
		v, e := encodeRecord(cur)
		if e != nil {
			return e
		}
		if e = txn.Set([]byte(key), v); e != nil {
			return e
		}
		applied = true
		out = cur
		return nil
	})
	return applied, out, err
}

func (b *BadgerStore) Get(key string) (Record, bool) {
	var rec Record
	err := b.db.View(func(txn *badger.Txn) error {
		item, e := txn.Get([]byte(key))
		if e != nil {
			return e
		}
		v, e := item.ValueCopy(nil)
		if e != nil {
			return e
		}
		rec, e = decodeRecord(v)
		return e
	})
	if err != nil {
		return Record{}, false
	}
	return rec, true
}

func (b *BadgerStore) Range(fn func(key string, rec Record) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			k := item.KeyCopy(nil)
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			rec, err := decodeRecord(v)
			if err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			if err := fn(string(k), rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadAll loads a full snapshot into Badger by replacing all keys.
func (b *BadgerStore) LoadAll(all map[string]Record) {
	_ = b.db.Update(func(txn *badger.Txn) error {
		// Collect keys first to avoid mutating while iterating.
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		var keysToDelete [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keysToDelete = append(keysToDelete, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, k := range keysToDelete {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		for k, rec := range all {
			v, err := encodeRecord(rec)
			if err != nil {
				return err
			}
			if err := txn.Set([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}
