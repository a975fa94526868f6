// Package store is the order store adapter: validated create/update/delete over a state backend,
// full-snapshot subscriptions, changelog append and checkpointing.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"orderlens/internal/changelog"
	"orderlens/internal/manifest"
	"orderlens/internal/metrics"
	"orderlens/internal/model"
	"orderlens/internal/snapshot"
	"orderlens/internal/state"
)

// ErrNotFound is returned for ids that were never created or have been deleted.
var ErrNotFound = errors.New("order not found")

type Options struct {
	Changelog changelog.Writer  // optional
	Metrics   *metrics.Registry // optional
	Now       func() time.Time
	NewID     func() string
	Log       zerolog.Logger
}

// OrderStore serializes writes, assigns a store-wide sequence number to each one and pushes the
// full order list to every subscriber after it is applied.
type OrderStore struct {
	mu  sync.Mutex // guards seq and orders writes against snapshot delivery
	st  state.Store
	cl  changelog.Writer
	seq int64

	now   func() time.Time
	newID func() string
	log   zerolog.Logger
	m     *metrics.Registry

	subsMu sync.Mutex
	subs   map[*Subscription]struct{}
}

// New wraps st. The sequence counter resumes from the highest seq already held by st, so a
// restored backend keeps rejecting replays of older writes.
func New(st state.Store, opt Options) (*OrderStore, error) {
	seq, err := state.MaxSeq(st)
	if err != nil {
		return nil, fmt.Errorf("read max seq: %w", err)
	}
	s := &OrderStore{
		st:    st,
		cl:    opt.Changelog,
		seq:   seq,
		now:   opt.Now,
		newID: opt.NewID,
		log:   opt.Log.With().Str("component", "store").Logger(),
		m:     opt.Metrics,
		subs:  make(map[*Subscription]struct{}),
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s, nil
}

// Create stores a new order stamped with the server clock and returns its id.
func (s *OrderStore) Create(ctx context.Context, form model.OrderFormData) (string, error) {
	if err := form.Validate(); err != nil {
		return "", err
	}
	id := s.newID()
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.write(ctx, id, state.Mutation{
		Op:          state.OpCreate,
		ProductName: form.ProductName,
		Quantity:    form.Quantity,
		Price:       form.Price,
		TS:          s.now().UTC().Unix(),
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Update replaces the three editable fields of id. The timestamp is left as it was.
func (s *OrderStore) Update(ctx context.Context, id string, form model.OrderFormData) error {
	if err := form.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.live(id) {
		return fmt.Errorf("update %s: %w", id, ErrNotFound)
	}
	return s.write(ctx, id, state.Mutation{
		Op:          state.OpUpdate,
		ProductName: form.ProductName,
		Quantity:    form.Quantity,
		Price:       form.Price,
	})
}

func (s *OrderStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.live(id) {
		return fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}
	return s.write(ctx, id, state.Mutation{Op: state.OpDelete})
}

func (s *OrderStore) Get(id string) (model.RawOrder, error) {
	rec, ok := s.st.Get(id)
	if !ok || rec.Deleted {
		return model.RawOrder{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return rec.Raw(id), nil
}

func (s *OrderStore) live(id string) bool {
	rec, ok := s.st.Get(id)
	return ok && !rec.Deleted
}

// write must be called with s.mu held. The changelog entry is appended before the backend
// apply so that anything visible to readers can be replayed. A seq is consumed as soon as it is
// handed to the changelog, so a failed call never shares its seq with a later write. If the
// append reached any sink and the apply then fails, the error is returned but a later replay
// will still apply the entry.
func (s *OrderStore) write(ctx context.Context, id string, m state.Mutation) error {
	s.seq++
	seq := s.seq
	if s.cl != nil {
		e := changelog.Entry{
			Key:         id,
			Seq:         seq,
			Op:          string(m.Op),
			ProductName: m.ProductName,
			Quantity:    m.Quantity,
			Price:       m.Price,
			TS:          m.TS,
		}
		if err := s.cl.Append(ctx, e); err != nil {
			s.countError(m.Op)
			return fmt.Errorf("append changelog: %w", err)
		}
		if s.m != nil {
			s.m.ChangelogAppended.Inc()
		}
	}
	if _, _, err := s.st.Apply(id, m, seq); err != nil {
		s.countError(m.Op)
		if s.cl != nil {
			s.log.Error().Err(err).Str("id", id).Str("op", string(m.Op)).Int64("seq", seq).
				Msg("write is in the changelog but not applied; replay will apply it")
		}
		return fmt.Errorf("apply %s %s: %w", m.Op, id, err)
	}
	if s.m != nil {
		s.m.StoreWrites.WithLabelValues(string(m.Op)).Inc()
	}
	s.log.Debug().Str("id", id).Str("op", string(m.Op)).Int64("seq", seq).Msg("order written")
	s.broadcast()
	return nil
}

func (s *OrderStore) countError(op state.Op) {
	if s.m != nil {
		s.m.StoreWriteErrors.WithLabelValues(string(op)).Inc()
	}
}

// List returns every live order, newest first. Orders without a timestamp sort last and ties
// are broken by id.
func (s *OrderStore) List() ([]model.RawOrder, error) {
	type keyed struct {
		order model.RawOrder
		ts    int64
	}
	var rows []keyed
	err := s.st.Range(func(id string, rec state.Record) error {
		if !rec.Deleted {
			rows = append(rows, keyed{order: rec.Raw(id), ts: rec.TS})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if (a.ts == 0) != (b.ts == 0) {
			return b.ts == 0
		}
		if a.ts != b.ts {
			return a.ts > b.ts
		}
		return a.order.ID < b.order.ID
	})
	out := make([]model.RawOrder, len(rows))
	for i, r := range rows {
		out[i] = r.order
	}
	return out, nil
}

// Checkpoint writes a snapshot of the backend and publishes it as the latest manifest together
// with the changelog offset it covers. Writes are blocked while it runs.
func (s *OrderStore) Checkpoint(ctx context.Context, snap snapshot.Snapshotter, pub manifest.Publisher) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	suffix := s.newID()
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	id := s.now().UTC().Format("20060102T150405Z") + "-" + suffix
	if err := snap.WriteSnapshot(ctx, id, s.st); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	// without a countable changelog the manifest points at its start; replay is idempotent
	var offset int64
	if o, ok := s.cl.(changelog.Offsetter); ok && o.Offset() > 0 {
		offset = o.Offset()
	}
	if err := pub.PublishLatest(ctx, id, offset); err != nil {
		return "", fmt.Errorf("publish manifest: %w", err)
	}
	if s.m != nil {
		s.m.Checkpoints.Inc()
		s.m.LastManifestAgeSec.Set(0)
	}
	s.log.Info().Str("snapshot", id).Int64("changelog_offset", offset).Msg("checkpoint published")
	return id, nil
}
