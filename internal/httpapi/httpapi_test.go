package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderlens/internal/analytics"
	"orderlens/internal/feed"
	"orderlens/internal/metrics"
	"orderlens/internal/model"
	"orderlens/internal/state"
	"orderlens/internal/store"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixedDashboards struct {
	u  feed.Update
	ok bool
}

func (f fixedDashboards) Latest() (feed.Update, bool) { return f.u, f.ok }

func newTestServer(t *testing.T, dash Dashboards) (*httptest.Server, *store.OrderStore) {
	t.Helper()
	s, err := store.New(state.NewInMemoryStore(), store.Options{Now: func() time.Time { return now }, Log: zerolog.Nop()})
	require.NoError(t, err)
	srv := httptest.NewServer(NewRouter(s, dash, metrics.NewRegistry(), zerolog.Nop()))
	t.Cleanup(srv.Close)
	return srv, s
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(UserHeader, "user-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthzAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t, fixedDashboards{})

	resp := do(t, http.MethodGet, srv.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	assert.Contains(t, buf.String(), `orderlens_http_requests_total{code="200",method="GET",route="/healthz"} 1`)
}

func TestViews_UnavailableBeforeFirstDashboard(t *testing.T) {
	srv, _ := newTestServer(t, fixedDashboards{})
	for _, p := range []string{"/v1/analytics", "/v1/recommendations", "/v1/products", "/v1/dashboard"} {
		resp := do(t, http.MethodGet, srv.URL+p, "")
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, p)
	}
}

func TestViews_ServeLatestDashboard(t *testing.T) {
	orders := model.NormalizeAll([]model.RawOrder{
		{ID: "1", ProductName: "A", Quantity: "1", Price: "100", Timestamp: &model.Timestamp{Seconds: now.Unix()}},
		{ID: "2", ProductName: "B", Quantity: "2", Price: "30", Timestamp: &model.Timestamp{Seconds: now.Add(-10 * 24 * time.Hour).Unix()}},
	})
	dash := fixedDashboards{u: feed.Update{Dashboard: analytics.Evaluate(orders, now), Stale: true}, ok: true}
	srv, _ := newTestServer(t, dash)

	resp := do(t, http.MethodGet, srv.URL+"/v1/analytics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Stale bool `json:"stale"`
		Data  struct {
			TotalRevenue   string `json:"totalRevenue"`
			OrdersLastHour int    `json:"ordersLastHour"`
			RevenueByDay   []any  `json:"revenueByDay"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Stale)
	assert.Equal(t, "130", body.Data.TotalRevenue)
	assert.Equal(t, 1, body.Data.OrdersLastHour)
	assert.Len(t, body.Data.RevenueByDay, 7)

	resp = do(t, http.MethodGet, srv.URL+"/v1/recommendations", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rec struct {
		Data analytics.Recommendations `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	assert.Equal(t, []string{"A"}, rec.Data.ProductsToPromote)
	assert.Empty(t, rec.Data.UnderperformingProducts)
}

func TestOrders_CRUD(t *testing.T) {
	srv, s := newTestServer(t, fixedDashboards{})

	resp := do(t, http.MethodPost, srv.URL+"/v1/orders", `{"productName":"Laptop","quantity":"1","price":"1200"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	id := created["id"]
	require.NotEmpty(t, id)

	resp = do(t, http.MethodPut, srv.URL+"/v1/orders/"+id, `{"productName":"Laptop","quantity":"2","price":"2400"}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/v1/orders", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []model.RawOrder
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, "2400", list[0].Price)
	assert.Equal(t, now.Unix(), list[0].Timestamp.Seconds)

	resp = do(t, http.MethodDelete, srv.URL+"/v1/orders/"+id, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = do(t, http.MethodDelete, srv.URL+"/v1/orders/"+id, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	remaining, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestOrders_BadInput(t *testing.T) {
	srv, _ := newTestServer(t, fixedDashboards{})

	resp := do(t, http.MethodPost, srv.URL+"/v1/orders", `{"productName":"A","quantity":"one","price":"5"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/v1/orders", `{"productName":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/v1/orders", `{"productName":"A","quantity":"1","price":"5","discount":"3"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPut, srv.URL+"/v1/orders/nope", `{"productName":"A","quantity":"1","price":"5"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
