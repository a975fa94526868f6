// Package feed keeps a dashboard current against a store that pushes full order snapshots.
//
// Every snapshot replaces the cache wholesale and both engines rerun over the whole list. Cost
// grows with the number of orders on every change; there is no incremental path.
package feed

import (
	"errors"
	"sync"

	"orderlens/internal/analytics"
	"orderlens/internal/model"
)

var (
	// ErrSubscription wraps errors reported by the order source.
	ErrSubscription = errors.New("feed: subscription failed")
	// ErrClosed is returned by Run on an engine that was already closed.
	ErrClosed = errors.New("feed: engine closed")
)

// Subscription is one registration with an order source. Close must be idempotent.
type Subscription interface {
	Snapshots() <-chan []model.RawOrder
	Errors() <-chan error
	Close()
}

type Source interface {
	Subscribe() Subscription
}

// SourceFunc adapts a plain function to Source.
type SourceFunc func() Subscription

func (f SourceFunc) Subscribe() Subscription { return f() }

// Update is one recomputed dashboard. Stale is set once the subscription has failed and the
// dashboard will no longer change.
type Update struct {
	Dashboard analytics.Dashboard
	Stale     bool
}

// Cache holds the single current snapshot in normalized form.
type Cache struct {
	mu     sync.RWMutex
	orders []model.Order
}

// Replace normalizes raw and swaps it in as the whole cache content.
func (c *Cache) Replace(raw []model.RawOrder) []model.Order {
	orders := model.NormalizeAll(raw)
	c.mu.Lock()
	c.orders = orders
	c.mu.Unlock()
	return orders
}

func (c *Cache) Orders() []model.Order {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.orders
}
