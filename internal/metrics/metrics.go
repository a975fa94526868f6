package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	// recovery
	Applied            prometheus.Counter
	Skipped            prometheus.Counter
	TTRSec             prometheus.Gauge
	ReplayBytes        prometheus.Counter
	LastManifestAgeSec prometheus.Gauge
	Lag                prometheus.Gauge
	Checkpoints        prometheus.Counter

	// order store
	StoreWrites       *prometheus.CounterVec
	StoreWriteErrors  *prometheus.CounterVec
	ChangelogAppended prometheus.Counter
	Subscribers       prometheus.Gauge

	// feed
	SnapshotsReceived prometheus.Counter
	RecomputeSec      prometheus.Histogram
	Orders            prometheus.Gauge
	Stale             prometheus.Gauge

	// report publishing and ingest
	Published      prometheus.Counter
	PublishErrors  prometheus.Counter
	IngestConsumed prometheus.Counter
	IngestInvalid  prometheus.Counter

	HTTPRequests *prometheus.CounterVec
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	m := &Registry{
		reg:                r,
		Applied:            prometheus.NewCounter(prometheus.CounterOpts{Name: "orderlens_replay_applied_total"}),
		Skipped:            prometheus.NewCounter(prometheus.CounterOpts{Name: "orderlens_replay_skipped_total"}),
		TTRSec:             prometheus.NewGauge(prometheus.GaugeOpts{Name: "orderlens_recovery_ttr_seconds"}),
		ReplayBytes:        prometheus.NewCounter(prometheus.CounterOpts{Name: "orderlens_replay_bytes_total"}),
		LastManifestAgeSec: prometheus.NewGauge(prometheus.GaugeOpts{Name: "orderlens_last_manifest_age_seconds"}),
		Lag:                prometheus.NewGauge(prometheus.GaugeOpts{Name: "orderlens_changelog_lag"}),
		Checkpoints:        prometheus.NewCounter(prometheus.CounterOpts{Name: "orderlens_checkpoints_total"}),

		StoreWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orderlens_store_writes_total",
			Help: "Order writes applied, by operation.",
		}, []string{"op"}),
		StoreWriteErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orderlens_store_write_errors_total",
			Help: "Order writes that failed, by operation.",
		}, []string{"op"}),
		ChangelogAppended: prometheus.NewCounter(prometheus.CounterOpts{Name: "orderlens_changelog_appended_total"}),
		Subscribers:       prometheus.NewGauge(prometheus.GaugeOpts{Name: "orderlens_store_subscribers"}),

		SnapshotsReceived: prometheus.NewCounter(prometheus.CounterOpts{Name: "orderlens_feed_snapshots_total"}),
		RecomputeSec: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orderlens_feed_recompute_seconds",
			Buckets: prometheus.DefBuckets,
		}),
		Orders: prometheus.NewGauge(prometheus.GaugeOpts{Name: "orderlens_feed_orders"}),
		Stale:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "orderlens_feed_stale", Help: "1 when the last report predates a subscription failure."}),

		Published:      prometheus.NewCounter(prometheus.CounterOpts{Name: "orderlens_reports_published_total"}),
		PublishErrors:  prometheus.NewCounter(prometheus.CounterOpts{Name: "orderlens_report_publish_errors_total"}),
		IngestConsumed: prometheus.NewCounter(prometheus.CounterOpts{Name: "orderlens_ingest_consumed_total"}),
		IngestInvalid:  prometheus.NewCounter(prometheus.CounterOpts{Name: "orderlens_ingest_invalid_total"}),

		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orderlens_http_requests_total",
		}, []string{"method", "route", "code"}),
	}
	r.MustRegister(
		m.Applied, m.Skipped, m.TTRSec, m.ReplayBytes, m.LastManifestAgeSec, m.Lag, m.Checkpoints,
		m.StoreWrites, m.StoreWriteErrors, m.ChangelogAppended, m.Subscribers,
		m.SnapshotsReceived, m.RecomputeSec, m.Orders, m.Stale,
		m.Published, m.PublishErrors, m.IngestConsumed, m.IngestInvalid,
		m.HTTPRequests,
	)
	return m
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }
