package state

import (
	"fmt"
	"sync"

	"orderlens/internal/model"
)

// Op names the kind of write a Mutation carries.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Record is the persisted form of one order. Deleted records are kept as tombstones so that
// LastSeq keeps guarding against replays of older writes.
type Record struct {
	ProductName string `json:"productName"`
	Quantity    string `json:"quantity"`
	Price       string `json:"price"`
	TS          int64  `json:"ts,omitempty"` // epoch seconds; 0 = not assigned
	LastSeq     int64  `json:"lastSeq"`
	Deleted     bool   `json:"deleted,omitempty"`
}

// Mutation is one write to a record.
type Mutation struct {
	Op          Op
	ProductName string
	Quantity    string
	Price       string
	TS          int64 // only used by OpCreate
}

// Raw converts a live record into the order shape pushed to subscribers.
func (r Record) Raw(id string) model.RawOrder {
	o := model.RawOrder{
		ID:          id,
		ProductName: r.ProductName,
		Quantity:    r.Quantity,
		Price:       r.Price,
	}
	if r.TS != 0 {
		o.Timestamp = &model.Timestamp{Seconds: r.TS}
	}
	return o
}

// applyMutation returns cur with m applied at seq. Shared by every backend.
func applyMutation(cur Record, m Mutation, seq int64) Record {
	switch m.Op {
	case OpCreate:
		cur = Record{ProductName: m.ProductName, Quantity: m.Quantity, Price: m.Price, TS: m.TS}
	case OpUpdate:
		cur.ProductName = m.ProductName
		cur.Quantity = m.Quantity
		cur.Price = m.Price
	case OpDelete:
		cur.Deleted = true
	}
	cur.LastSeq = seq
	return cur
}

// Store abstracts the record backend. Apply is idempotent per key: a mutation whose seq is not
// greater than the record's LastSeq is skipped.
type Store interface {
	Apply(key string, m Mutation, seq int64) (applied bool, rec Record, err error)
	Get(key string) (Record, bool)
	Range(fn func(key string, rec Record) error) error
	LoadAll(all map[string]Record)
}

// MaxSeq returns the highest LastSeq held by st.
func MaxSeq(st Store) (int64, error) {
	var highest int64
	err := st.Range(func(_ string, rec Record) error {
		if rec.LastSeq > highest {
			highest = rec.LastSeq
		}
		return nil
	})
	return highest, err
}

// InMemoryStore is a simple thread-safe map store.
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: make(map[string]Record)}
}

// LoadAll replaces the store contents with the provided snapshot.
func (s *InMemoryStore) LoadAll(all map[string]Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]Record, len(all))
	for k, v := range all {
		s.data[k] = v
	}
}

func (s *InMemoryStore) Apply(key string, m Mutation, seq int64) (bool, Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.data[key]
	if seq <= cur.LastSeq {
		return false, cur, nil
	}
	cur = applyMutation(cur, m, seq)
	s.data[key] = cur
	return true, cur, nil
}

func (s *InMemoryStore) Get(key string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.data[key]
	return rec, ok
}

func (s *InMemoryStore) Range(fn func(key string, rec Record) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, v := range s.data {
		if err := fn(k, v); err != nil {
			return fmt.Errorf("range callback failed: %w", err)
		}
	}
	return nil
}
