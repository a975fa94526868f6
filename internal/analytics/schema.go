package analytics

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	// TopN bounds every ranked list.
	TopN = 3
	// HistogramDays is the number of calendar days in Report.RevenueByDay.
	HistogramDays = 7
	// DayLayout formats day keys. Days are UTC calendar dates.
	DayLayout = "2006-01-02"

	LastHourWindow     = time.Hour
	PromoteWindow      = 7 * 24 * time.Hour
	PromoteThreshold   = 5
	UnderperformWindow = 30 * 24 * time.Hour

	secondsPerDay = 24 * 60 * 60
)

// ProductCount is a product ranked by number of orders.
type ProductCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// ProductRevenue is a product ranked by summed order price.
type ProductRevenue struct {
	Name    string          `json:"name"`
	Revenue decimal.Decimal `json:"revenue"`
}

// DayRevenue is one bucket of the per-day revenue histogram.
type DayRevenue struct {
	Day     string          `json:"day"`
	Revenue decimal.Decimal `json:"revenue"`
}

// Report is the output of ComputeAnalytics.
type Report struct {
	TotalRevenue   decimal.Decimal `json:"totalRevenue"`
	OrdersLastHour int             `json:"ordersLastHour"`
	TopProducts    []ProductCount  `json:"topProducts"`
	RevenueByDay   []DayRevenue    `json:"revenueByDay"` // oldest first
}

// Revenue returns the histogram value for day, and whether day is one of the report's keys.
func (r Report) Revenue(day string) (decimal.Decimal, bool) {
	for _, d := range r.RevenueByDay {
		if d.Day == day {
			return d.Revenue, true
		}
	}
	return decimal.Zero, false
}

// Recommendations is the output of ComputeRecommendations.
type Recommendations struct {
	ProductsToPromote       []string         `json:"productsToPromote"`
	TopRevenueProducts      []ProductRevenue `json:"topRevenueProducts"`
	UnderperformingProducts []string         `json:"underperformingProducts"`
}

// ProductStats summarizes one product over the whole snapshot.
type ProductStats struct {
	Name         string          `json:"name"`
	SalesCount   int             `json:"salesCount"`
	UnitsSold    decimal.Decimal `json:"unitsSold"`
	TotalRevenue decimal.Decimal `json:"totalRevenue"`
	LastSold     *time.Time      `json:"lastSold"`
}

// Dashboard bundles every derived view of one snapshot at one instant.
type Dashboard struct {
	GeneratedAt     time.Time       `json:"generatedAt"`
	OrderCount      int             `json:"orderCount"`
	Analytics       Report          `json:"analytics"`
	Recommendations Recommendations `json:"recommendations"`
	Products        []ProductStats  `json:"products"`
}

// WindowStart returns floor(ts / windowSizeSec) * windowSizeSec, defaulting to one day.
func WindowStart(ts int64, windowSizeSec int) int64 {
	if windowSizeSec <= 0 {
		windowSizeSec = secondsPerDay
	}
	w := int64(windowSizeSec)
	ws := (ts / w) * w
	if ts < 0 && ws != ts {
		ws -= w
	}
	return ws
}

// DayKey returns the UTC calendar date of t as used by Report.RevenueByDay.
func DayKey(t time.Time) string {
	return time.Unix(WindowStart(t.Unix(), secondsPerDay), 0).UTC().Format(DayLayout)
}

// dayKeys returns now's date and the preceding days, oldest first.
func dayKeys(now time.Time) []string {
	today := time.Unix(WindowStart(now.Unix(), secondsPerDay), 0).UTC()
	keys := make([]string, 0, HistogramDays)
	for i := HistogramDays - 1; i >= 0; i-- {
		keys = append(keys, today.AddDate(0, 0, -i).Format(DayLayout))
	}
	return keys
}
