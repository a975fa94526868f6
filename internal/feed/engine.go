package feed

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"orderlens/internal/analytics"
	"orderlens/internal/metrics"
	"orderlens/internal/model"
)

type Options struct {
	Now     func() time.Time
	Log     zerolog.Logger
	Metrics *metrics.Registry // optional
}

// Engine consumes one subscription. Each received snapshot is cached and evaluated, and the
// result is offered on Updates and stored as Latest.
type Engine struct {
	src   Source
	cache Cache
	now   func() time.Time
	log   zerolog.Logger
	m     *metrics.Registry

	updates     chan Update
	latest      atomic.Pointer[Update]
	closeUpdate sync.Once

	mu      sync.Mutex
	sub     Subscription
	started bool
	closed  bool
	done    chan struct{}
}

func NewEngine(src Source, opt Options) *Engine {
	e := &Engine{
		src:     src,
		now:     opt.Now,
		log:     opt.Log.With().Str("component", "feed").Logger(),
		m:       opt.Metrics,
		updates: make(chan Update, 1),
		done:    make(chan struct{}),
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Updates delivers recomputed dashboards. A reader that falls behind only sees the newest one.
// The channel is closed when Run returns.
func (e *Engine) Updates() <-chan Update { return e.updates }

// Latest returns the most recent dashboard, if one has been computed.
func (e *Engine) Latest() (Update, bool) {
	u := e.latest.Load()
	if u == nil {
		return Update{}, false
	}
	return *u, true
}

// Orders returns the cached snapshot the latest dashboard was computed from.
func (e *Engine) Orders() []model.Order { return e.cache.Orders() }

// Run subscribes and processes snapshots until ctx is done, Close is called or the source
// reports an error. Source errors leave the last dashboard in place, marked stale, and are
// returned wrapped in ErrSubscription. Run may be called once.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.closed || e.started {
		e.mu.Unlock()
		return ErrClosed
	}
	e.started = true
	sub := e.src.Subscribe()
	e.sub = sub
	e.mu.Unlock()
	defer e.finish()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.done:
			return nil
		case raw, ok := <-sub.Snapshots():
			if !ok {
				return e.fail(fmt.Errorf("%w: snapshot stream ended", ErrSubscription))
			}
			e.process(drain(sub.Snapshots(), raw))
		case err, ok := <-sub.Errors():
			if !ok {
				return e.fail(fmt.Errorf("%w: error stream ended", ErrSubscription))
			}
			return e.fail(fmt.Errorf("%w: %w", ErrSubscription, err))
		}
	}
}

// drain returns the newest snapshot already queued on ch, or raw when none is.
func drain(ch <-chan []model.RawOrder, raw []model.RawOrder) []model.RawOrder {
	for {
		select {
		case next, ok := <-ch:
			if !ok {
				return raw
			}
			raw = next
		default:
			return raw
		}
	}
}

func (e *Engine) process(raw []model.RawOrder) {
	start := time.Now()
	orders := e.cache.Replace(raw)
	u := Update{Dashboard: analytics.Evaluate(orders, e.now())}
	e.latest.Store(&u)
	e.offer(u)
	if e.m != nil {
		e.m.SnapshotsReceived.Inc()
		e.m.Orders.Set(float64(len(orders)))
		e.m.RecomputeSec.Observe(time.Since(start).Seconds())
	}
	e.log.Debug().Int("orders", len(orders)).Msg("dashboard recomputed")
}

func (e *Engine) fail(err error) error {
	if e.isClosed() {
		return nil
	}
	e.log.Error().Err(err).Msg("subscription failed, keeping last dashboard")
	if cur := e.latest.Load(); cur != nil {
		u := *cur
		u.Stale = true
		e.latest.Store(&u)
		e.offer(u)
	}
	if e.m != nil {
		e.m.Stale.Set(1)
	}
	return err
}

// offer replaces any unread update with u. Only the Run goroutine sends.
func (e *Engine) offer(u Update) {
	select {
	case e.updates <- u:
		return
	default:
	}
	select {
	case <-e.updates:
	default:
	}
	select {
	case e.updates <- u:
	default:
	}
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) finish() {
	e.closeUpdate.Do(func() { close(e.updates) })
}

// Close stops Run and releases the subscription. It is safe to call at any time and more
// than once.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.done)
	if e.sub != nil {
		e.sub.Close()
	}
	if !e.started {
		e.finish()
	}
}
