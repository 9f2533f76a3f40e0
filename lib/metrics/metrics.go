package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yurastanchuk/AppInsightsProxyV2/lib/paginate"
)

// Metrics owns a private registry so that several instances can coexist in
// one process. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// RequestTotal counts HTTP requests by method, route and status.
	RequestTotal *prometheus.CounterVec
	// RequestDuration is the latency of HTTP requests.
	RequestDuration *prometheus.HistogramVec

	PagesFetched      prometheus.Counter
	PageRows          prometheus.Histogram
	PageFetchDuration prometheus.Histogram
	RecordsEmitted    prometheus.Counter
	// BoundaryTies counts rows that shared the cursor quantum of a full
	// page's last row.
	BoundaryTies prometheus.Counter
	ScansTotal   *prometheus.CounterVec
	ScanDuration prometheus.Histogram
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RequestTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aiproxy_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aiproxy_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		PagesFetched: factory.NewCounter(prometheus.CounterOpts{
			Name: "aiproxy_pages_fetched_total",
			Help: "Total number of pages fetched from the query service",
		}),
		PageRows: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "aiproxy_page_rows",
			Help:    "Rows per fetched page",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		PageFetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "aiproxy_page_fetch_duration_seconds",
			Help:    "Latency of query service page fetches in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		RecordsEmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "aiproxy_records_emitted_total",
			Help: "Total number of records written to clients",
		}),
		BoundaryTies: factory.NewCounter(prometheus.CounterOpts{
			Name: "aiproxy_boundary_ties_total",
			Help: "Rows sharing the page boundary timestamp of a full page",
		}),
		ScansTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aiproxy_scans_total",
				Help: "Total number of scans by final state",
			},
			[]string{"state"},
		),
		ScanDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "aiproxy_scan_duration_seconds",
			Help:    "Duration of complete scans in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Observer adapts m to the pagination engine's event hooks.
func (m *Metrics) Observer() paginate.Observer {
	if m == nil {
		return nil
	}
	return scanObserver{m}
}

type scanObserver struct {
	m *Metrics
}

func (o scanObserver) PageFetched(rows int, elapsed time.Duration) {
	o.m.PagesFetched.Inc()
	o.m.PageRows.Observe(float64(rows))
	o.m.PageFetchDuration.Observe(elapsed.Seconds())
}

func (o scanObserver) RecordsEmitted(n int) {
	o.m.RecordsEmitted.Add(float64(n))
}

func (o scanObserver) BoundaryTie(ties int) {
	o.m.BoundaryTies.Add(float64(ties))
}

func (o scanObserver) ScanFinished(state paginate.State, elapsed time.Duration) {
	o.m.ScansTotal.WithLabelValues(state.String()).Inc()
	o.m.ScanDuration.Observe(elapsed.Seconds())
}
