package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/cockroachdb/pebble"
)

// PebbleStore implements Store using PebbleDB.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(dir string) (*PebbleStore, error) {
	opts := &pebble.Options{
		MemTableSize:             64 << 20,
		MaxConcurrentCompactions: func() int { return 2 },
		L0CompactionThreshold:    4,
		L0StopWritesThreshold:    12,
	}
	d, err := pebble.Open(filepath.Clean(dir), opts)
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}
	return &PebbleStore{db: d}, nil
}

func (p *PebbleStore) Close() error { return p.db.Close() }

func encodeRecord(rec Record) ([]byte, error) { return json.Marshal(rec) }
func decodeRecord(val []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(val, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (p *PebbleStore) Apply(key string, m Mutation, seq int64) (bool, Record, error) {
	k := []byte(key)
	var cur Record
	v, closer, err := p.db.Get(k)
	if err == nil {
		cur, err = decodeRecord(v)
		_ = closer.Close()
		if err != nil {
			return false, Record{}, err
		}
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return false, Record{}, err
	}
	if seq <= cur.LastSeq {
		return false, cur, nil
	}
	cur = applyMutation(cur, m, seq)
	b, err := encodeRecord(cur)
	if err != nil {
		return false, Record{}, err
	}
	// order writes are low volume; sync every one
	if err := p.db.Set(k, b, pebble.Sync); err != nil {
		return false, Record{}, err
	}
	return true, cur, nil
}

func (p *PebbleStore) Get(key string) (Record, bool) {
	v, closer, err := p.db.Get([]byte(key))
	if err != nil {
		return Record{}, false
	}
	defer closer.Close()
	rec, e := decodeRecord(v)
	if e != nil {
		return Record{}, false
	}
	return rec, true
}

func (p *PebbleStore) Range(fn func(key string, rec Record) error) error {
	it, err := p.db.NewIter(nil)
	if err != nil {
		return fmt.Errorf("pebble iter: %w", err)
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		k := append([]byte(nil), it.Key()...)
		rec, err := decodeRecord(it.Value())
		if err != nil {
			return fmt.Errorf("decode %s: %w", k, err)
		}
		if err := fn(string(k), rec); err != nil {
			return err
		}
	}
	return nil
}

// LoadAll loads a full snapshot into Pebble by replacing all keys.
func (p *PebbleStore) LoadAll(all map[string]Record) {
	wb := p.db.NewBatch()
	defer wb.Close()
	if it, err := p.db.NewIter(nil); err == nil {
		for it.First(); it.Valid(); it.Next() {
			_ = wb.Delete(append([]byte(nil), it.Key()...), nil)
		}
		_ = it.Close()
	}
	for k, rec := range all {
		b, err := encodeRecord(rec)
		if err != nil {
			continue
		}
		_ = wb.Set([]byte(k), b, nil)
	}
	_ = wb.Commit(pebble.Sync)
}
