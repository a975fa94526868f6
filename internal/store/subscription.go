package store

import (
	"sync"

	"orderlens/internal/model"
)

// Subscription delivers complete order lists. Undelivered lists are replaced by newer ones, so a
// slow reader only ever sees the latest state. The slices are shared between subscribers and
// must not be modified.
type Subscription struct {
	store     *OrderStore
	snapshots chan []model.RawOrder
	errs      chan error
	closeOnce sync.Once
}

// Subscribe registers a subscription and immediately queues the current order list.
func (s *OrderStore) Subscribe() *Subscription {
	sub := &Subscription{
		store:     s,
		snapshots: make(chan []model.RawOrder, 1),
		errs:      make(chan error, 1),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subsMu.Lock()
	s.subs[sub] = struct{}{}
	n := len(s.subs)
	s.subsMu.Unlock()
	if s.m != nil {
		s.m.Subscribers.Set(float64(n))
	}

	orders, err := s.List()
	if err != nil {
		sub.fail(err)
	} else {
		sub.offer(orders)
	}
	return sub
}

func (sub *Subscription) Snapshots() <-chan []model.RawOrder { return sub.snapshots }

func (sub *Subscription) Errors() <-chan error { return sub.errs }

// Close detaches the subscription and closes its channels. Safe to call more than once.
func (sub *Subscription) Close() {
	sub.closeOnce.Do(func() {
		s := sub.store
		s.subsMu.Lock()
		delete(s.subs, sub)
		n := len(s.subs)
		close(sub.snapshots)
		close(sub.errs)
		s.subsMu.Unlock()
		if s.m != nil {
			s.m.Subscribers.Set(float64(n))
		}
	})
}

// offer replaces any pending list with orders. Callers hold subsMu or own sub exclusively.
func (sub *Subscription) offer(orders []model.RawOrder) {
	select {
	case sub.snapshots <- orders:
		return
	default:
	}
	select {
	case <-sub.snapshots:
	default:
	}
	select {
	case sub.snapshots <- orders:
	default:
	}
}

func (sub *Subscription) fail(err error) {
	select {
	case sub.errs <- err:
	default:
	}
}

// broadcast must be called with s.mu held.
func (s *OrderStore) broadcast() {
	orders, err := s.List()
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for sub := range s.subs {
		if err != nil {
			sub.fail(err)
			continue
		}
		sub.offer(orders)
	}
}
