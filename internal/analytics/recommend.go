package analytics

import (
	"time"

	"github.com/shopspring/decimal"

	"orderlens/internal/model"
)

// ComputeRecommendations applies the promotion, top-revenue and underperformance rules.
//
// Promotion only considers products with at least one order in the trailing 7 days; a product
// with no recent orders at all surfaces as underperforming instead (after 30 days).
func ComputeRecommendations(orders []model.Order, now time.Time) Recommendations {
	week := trailing(orders, now, PromoteWindow)
	promote := make([]string, 0)
	for i, name := range week.names {
		if week.count[i] < PromoteThreshold {
			promote = append(promote, name)
		}
	}

	all := allTime(orders)
	month := trailing(orders, now, UnderperformWindow)
	under := make([]string, 0)
	for _, name := range all.names {
		if !month.has(name) {
			under = append(under, name)
		}
	}

	return Recommendations{
		ProductsToPromote:       promote,
		TopRevenueProducts:      all.topByRevenue(TopN),
		UnderperformingProducts: under,
	}
}

// ComputeProductAnalytics returns per-product totals sorted by revenue descending.
func ComputeProductAnalytics(orders []model.Order) []ProductStats {
	index := make(map[string]int)
	stats := make([]ProductStats, 0)
	for _, o := range orders {
		i, ok := index[o.ProductName]
		if !ok {
			i = len(stats)
			index[o.ProductName] = i
			stats = append(stats, ProductStats{
				Name:         o.ProductName,
				UnitsSold:    decimal.Zero,
				TotalRevenue: decimal.Zero,
			})
		}
		s := &stats[i]
		s.SalesCount++
		s.UnitsSold = s.UnitsSold.Add(o.Quantity)
		s.TotalRevenue = s.TotalRevenue.Add(o.Price)
		if o.HasTimestamp && (s.LastSold == nil || o.Timestamp.After(*s.LastSold)) {
			ts := o.Timestamp
			s.LastSold = &ts
		}
	}

	t := allTime(orders)
	out := make([]ProductStats, 0, len(stats))
	for _, i := range t.rank(func(a, b int) bool { return t.revenue[a].LessThan(t.revenue[b]) }) {
		out = append(out, stats[i]) // same first-seen order as t
	}
	return out
}

// Evaluate runs every engine against one snapshot at one instant.
func Evaluate(orders []model.Order, now time.Time) Dashboard {
	return Dashboard{
		GeneratedAt:     now,
		OrderCount:      len(orders),
		Analytics:       ComputeAnalytics(orders, now),
		Recommendations: ComputeRecommendations(orders, now),
		Products:        ComputeProductAnalytics(orders),
	}
}
