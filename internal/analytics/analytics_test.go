package analytics

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderlens/internal/model"
)

var t0 = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func order(id, product, qty, price string, ts time.Time) model.Order {
	raw := model.RawOrder{ID: id, ProductName: product, Quantity: qty, Price: price}
	if !ts.IsZero() {
		raw.Timestamp = &model.Timestamp{Seconds: ts.Unix()}
	}
	return model.Normalize(raw)
}

func names(pc []ProductCount) []string {
	out := make([]string, len(pc))
	for i, p := range pc {
		out[i] = p.Name
	}
	return out
}

func TestScenario(t *testing.T) {
	orders := []model.Order{
		order("1", "A", "1", "100", t0),
		order("2", "A", "1", "50", t0.Add(-65*time.Minute)),
		order("3", "B", "2", "30", t0.Add(-10*24*time.Hour)),
	}

	r := ComputeAnalytics(orders, t0)
	assert.Equal(t, "180", r.TotalRevenue.String())
	assert.Equal(t, 1, r.OrdersLastHour)
	assert.Equal(t, []ProductCount{{Name: "A", Count: 2}, {Name: "B", Count: 1}}, r.TopProducts)
	today, ok := r.Revenue("2026-03-10")
	require.True(t, ok)
	assert.Equal(t, "150", today.String())

	rec := ComputeRecommendations(orders, t0)
	assert.Equal(t, []string{"A"}, rec.ProductsToPromote)
	require.Len(t, rec.TopRevenueProducts, 2)
	assert.Equal(t, "A", rec.TopRevenueProducts[0].Name)
	assert.Equal(t, "150", rec.TopRevenueProducts[0].Revenue.String())
	assert.Equal(t, "B", rec.TopRevenueProducts[1].Name)
	assert.Equal(t, "30", rec.TopRevenueProducts[1].Revenue.String())
	assert.Empty(t, rec.UnderperformingProducts, "B sold 10 days ago, inside the 30-day window")
}

func TestComputeAnalytics_Empty(t *testing.T) {
	r := ComputeAnalytics(nil, t0)
	assert.True(t, r.TotalRevenue.IsZero())
	assert.Zero(t, r.OrdersLastHour)
	assert.NotNil(t, r.TopProducts)
	assert.Empty(t, r.TopProducts)
	require.Len(t, r.RevenueByDay, HistogramDays)
	for _, d := range r.RevenueByDay {
		assert.True(t, d.Revenue.IsZero(), d.Day)
	}

	b, err := json.Marshal(r)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"topProducts":[]`)
}

func TestComputeAnalytics_RevenueIsExact(t *testing.T) {
	orders := []model.Order{
		order("1", "A", "1", "0.1", time.Time{}),
		order("2", "A", "1", "0.2", time.Time{}),
		order("3", "B", "1", "not-a-number", t0),
	}
	r := ComputeAnalytics(orders, t0)
	assert.Equal(t, "0.3", r.TotalRevenue.String())
	// timestamp-less orders still count toward top products
	assert.Equal(t, []string{"A", "B"}, names(r.TopProducts))
}

func TestEvaluate_ExtremeExponentsCoerceToZero(t *testing.T) {
	orders := []model.Order{
		order("1", "A", "1e100000000", "1e100000000", t0),
		order("2", "B", "1", "1e-100000000", t0),
		order("3", "A", "1", "25", t0),
	}
	done := make(chan Dashboard, 1)
	go func() { done <- Evaluate(orders, t0) }()
	select {
	case d := <-done:
		assert.Equal(t, "25", d.Analytics.TotalRevenue.String())
		require.Len(t, d.Products, 2)
		assert.Equal(t, "A", d.Products[0].Name)
	case <-time.After(5 * time.Second):
		t.Fatal("Evaluate did not return for exponent-form prices")
	}
}

func TestComputeAnalytics_LastHourBounds(t *testing.T) {
	orders := []model.Order{
		order("1", "A", "1", "1", t0),
		order("2", "A", "1", "1", t0.Add(-time.Hour)), // lower bound is exclusive
		order("3", "A", "1", "1", t0.Add(-time.Hour+time.Second)),
		order("4", "A", "1", "1", t0.Add(time.Second)),
		order("5", "A", "1", "1", time.Time{}),
	}
	assert.Equal(t, 2, ComputeAnalytics(orders, t0).OrdersLastHour)
}

func TestComputeAnalytics_TopProductsStableTies(t *testing.T) {
	orders := []model.Order{
		order("1", "zeta", "1", "1", t0),
		order("2", "alpha", "1", "1", t0),
		order("3", "mid", "1", "1", t0),
		order("4", "omega", "1", "1", t0),
		order("5", "omega", "1", "1", t0),
	}
	r := ComputeAnalytics(orders, t0)
	assert.Equal(t, []string{"omega", "zeta", "alpha"}, names(r.TopProducts))
}

func TestComputeAnalytics_RevenueByDayKeys(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 30, 0, 0, time.UTC)
	orders := []model.Order{
		order("0", "A", "1", "99", time.Date(2026, 2, 22, 23, 59, 59, 0, time.UTC)),
		order("1", "A", "1", "10", time.Date(2026, 2, 23, 23, 59, 59, 0, time.UTC)),
		order("2", "A", "1", "20", time.Date(2026, 2, 24, 0, 0, 0, 0, time.UTC)),
		order("3", "A", "1", "5", time.Date(2026, 2, 28, 23, 0, 0, 0, time.UTC)),
		order("4", "A", "1", "7", time.Date(2026, 3, 1, 0, 0, 1, 0, time.UTC)),
	}
	r := ComputeAnalytics(orders, now)

	want := []string{"2026-02-23", "2026-02-24", "2026-02-25", "2026-02-26", "2026-02-27", "2026-02-28", "2026-03-01"}
	got := make([]string, 0, len(r.RevenueByDay))
	for _, d := range r.RevenueByDay {
		got = append(got, d.Day)
	}
	assert.Equal(t, want, got)

	for day, rev := range map[string]string{"2026-02-23": "10", "2026-02-24": "20", "2026-02-28": "5", "2026-03-01": "7"} {
		v, ok := r.Revenue(day)
		require.True(t, ok, day)
		assert.Equal(t, rev, v.String(), day)
	}
	_, ok := r.Revenue("2026-02-22")
	assert.False(t, ok)
}

func TestComputeRecommendations_PromoteThreshold(t *testing.T) {
	var orders []model.Order
	for i := 0; i < 5; i++ {
		orders = append(orders, order("f", "five", "1", "1", t0.Add(-time.Duration(i)*time.Hour)))
	}
	for i := 0; i < 4; i++ {
		orders = append(orders, order("f", "four", "1", "1", t0.Add(-time.Duration(i)*time.Hour)))
	}
	orders = append(orders,
		order("p", "pending-only", "1", "1", time.Time{}),
		order("e", "edge", "1", "1", t0.Add(-PromoteWindow)),
		order("o", "old", "1", "1", t0.Add(-PromoteWindow-time.Second)),
	)
	rec := ComputeRecommendations(orders, t0)
	assert.Equal(t, []string{"four", "edge"}, rec.ProductsToPromote)
}

func TestComputeRecommendations_UnderperformingBoundary(t *testing.T) {
	orders := []model.Order{
		order("1", "stale", "1", "1", t0.Add(-UnderperformWindow-time.Second)),
		order("2", "fresh", "1", "1", t0.Add(-UnderperformWindow+time.Second)),
		order("3", "exact", "1", "1", t0.Add(-UnderperformWindow)),
		order("4", "pending", "1", "1", time.Time{}),
		order("5", "stale", "1", "1", t0.Add(-90*24*time.Hour)),
	}
	rec := ComputeRecommendations(orders, t0)
	assert.Equal(t, []string{"stale", "pending"}, rec.UnderperformingProducts)
	assert.NotContains(t, rec.ProductsToPromote, "stale")
}

func TestTopRevenueProducts_MatchesAcrossEngines(t *testing.T) {
	orders := []model.Order{
		order("1", "A", "1", "10", t0),
		order("2", "B", "1", "40", t0),
		order("3", "C", "1", "25", t0),
		order("4", "D", "1", "25", t0),
		order("5", "A", "1", "20", t0),
	}
	rec := ComputeRecommendations(orders, t0)
	require.Len(t, rec.TopRevenueProducts, TopN)
	assert.Equal(t, "B", rec.TopRevenueProducts[0].Name)
	assert.Equal(t, "A", rec.TopRevenueProducts[1].Name)
	assert.Equal(t, "C", rec.TopRevenueProducts[2].Name)

	products := ComputeProductAnalytics(orders)
	require.Len(t, products, 4)
	for i, p := range rec.TopRevenueProducts {
		assert.Equal(t, p.Name, products[i].Name)
		assert.True(t, p.Revenue.Equal(products[i].TotalRevenue))
	}
}

func TestComputeProductAnalytics(t *testing.T) {
	orders := []model.Order{
		order("1", "A", "2", "10", t0.Add(-time.Hour)),
		order("2", "A", "x", "5", t0),
		order("3", "B", "1", "100", time.Time{}),
	}
	got := ComputeProductAnalytics(orders)
	require.Len(t, got, 2)

	assert.Equal(t, "B", got[0].Name)
	assert.Nil(t, got[0].LastSold)

	a := got[1]
	assert.Equal(t, 2, a.SalesCount)
	assert.Equal(t, "2", a.UnitsSold.String())
	assert.Equal(t, "15", a.TotalRevenue.String())
	require.NotNil(t, a.LastSold)
	assert.True(t, a.LastSold.Equal(t0))
}

func TestEvaluate_Deterministic(t *testing.T) {
	orders := []model.Order{
		order("1", "A", "1", "100", t0),
		order("2", "B", "1", "3.50", t0.Add(-2*24*time.Hour)),
		order("3", "C", "1", "7", t0.Add(-40*24*time.Hour)),
		order("4", "B", "1", "1", time.Time{}),
	}
	first, err := json.Marshal(Evaluate(orders, t0))
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := json.Marshal(Evaluate(orders, t0))
		require.NoError(t, err)
		require.Equal(t, string(first), string(again))
	}
}

func TestWindowStart(t *testing.T) {
	norm := int64(1694500010) // falls into window starting at 1694499900 when window=300s
	if got, want := WindowStart(norm, 300), int64(1694499900); got != want {
		t.Fatalf("WindowStart: got=%d want=%d", got, want)
	}
}

func TestWindowStart_DefaultsToOneDay(t *testing.T) {
	if got, want := WindowStart(86400+5, 0), int64(86400); got != want {
		t.Fatalf("WindowStart default: got=%d want=%d", got, want)
	}
	if got, want := WindowStart(-5, 10), int64(-10); got != want {
		t.Fatalf("WindowStart negative floors: got=%d want=%d", got, want)
	}
}
