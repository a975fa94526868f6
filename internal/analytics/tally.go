package analytics

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"orderlens/internal/model"
)

// tally groups orders per product, remembering the order in which products were first seen.
type tally struct {
	index   map[string]int
	names   []string
	count   []int
	revenue []decimal.Decimal
}

func newTally() *tally {
	return &tally{index: make(map[string]int)}
}

func (t *tally) add(o model.Order) {
	i, ok := t.index[o.ProductName]
	if !ok {
		i = len(t.names)
		t.index[o.ProductName] = i
		t.names = append(t.names, o.ProductName)
		t.count = append(t.count, 0)
		t.revenue = append(t.revenue, decimal.Zero)
	}
	t.count[i]++
	t.revenue[i] = t.revenue[i].Add(o.Price)
}

func (t *tally) has(name string) bool {
	_, ok := t.index[name]
	return ok
}

// rank returns product indexes sorted by key descending; ties keep first-seen order.
func (t *tally) rank(less func(a, b int) bool) []int {
	idx := make([]int, len(t.names))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return less(idx[b], idx[a]) })
	return idx
}

func (t *tally) topByCount(n int) []ProductCount {
	out := make([]ProductCount, 0, n)
	for _, i := range t.rank(func(a, b int) bool { return t.count[a] < t.count[b] }) {
		if len(out) == n {
			break
		}
		out = append(out, ProductCount{Name: t.names[i], Count: t.count[i]})
	}
	return out
}

func (t *tally) topByRevenue(n int) []ProductRevenue {
	out := make([]ProductRevenue, 0, n)
	for _, i := range t.rank(func(a, b int) bool { return t.revenue[a].LessThan(t.revenue[b]) }) {
		if len(out) == n {
			break
		}
		out = append(out, ProductRevenue{Name: t.names[i], Revenue: t.revenue[i]})
	}
	return out
}

// allTime groups every order in the snapshot.
func allTime(orders []model.Order) *tally {
	t := newTally()
	for _, o := range orders {
		t.add(o)
	}
	return t
}

// trailing groups orders with a timestamp in the closed window [now-d, now].
// Orders without a timestamp never qualify.
func trailing(orders []model.Order, now time.Time, d time.Duration) *tally {
	from := now.Add(-d)
	t := newTally()
	for _, o := range orders {
		if !o.HasTimestamp || o.Timestamp.Before(from) || o.Timestamp.After(now) {
			continue
		}
		t.add(o)
	}
	return t
}
