package analytics

import (
	"time"

	"github.com/shopspring/decimal"

	"orderlens/internal/model"
)

// ComputeAnalytics derives revenue, last-hour activity, top sellers and the 7-day revenue
// histogram from a snapshot. It is pure: the same orders and now always give the same Report.
func ComputeAnalytics(orders []model.Order, now time.Time) Report {
	total := decimal.Zero
	lastHour := 0
	hourAgo := now.Add(-LastHourWindow)

	keys := dayKeys(now)
	byDay := make(map[string]decimal.Decimal, len(keys))
	for _, k := range keys {
		byDay[k] = decimal.Zero
	}

	for _, o := range orders {
		total = total.Add(o.Price)
		if !o.HasTimestamp {
			continue
		}
		// (now-1h, now]
		if o.Timestamp.After(hourAgo) && !o.Timestamp.After(now) {
			lastHour++
		}
		k := DayKey(o.Timestamp)
		if cur, ok := byDay[k]; ok {
			byDay[k] = cur.Add(o.Price)
		}
	}

	hist := make([]DayRevenue, 0, len(keys))
	for _, k := range keys {
		hist = append(hist, DayRevenue{Day: k, Revenue: byDay[k]})
	}

	return Report{
		TotalRevenue:   total,
		OrdersLastHour: lastHour,
		TopProducts:    allTime(orders).topByCount(TopN),
		RevenueByDay:   hist,
	}
}
