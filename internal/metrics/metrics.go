package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector this service exports.
var Registry = prometheus.NewRegistry()

var (
	CyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "social_ingest",
		Name:      "cycles_total",
		Help:      "Ingestion cycles started",
	})
	CyclesInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "social_ingest",
		Name:      "cycles_in_flight",
		Help:      "Ingestion cycles currently running",
	})
	CycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "social_ingest",
		Name:      "cycle_duration_seconds",
		Help:      "Wall time of one ingestion cycle",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
	})
	RecordsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "social_ingest",
		Name:      "records_total",
		Help:      "Records processed by outcome",
	}, []string{"source", "outcome"})
	FailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "social_ingest",
		Name:      "failures_total",
		Help:      "Failures by source and error kind",
	}, []string{"source", "kind"})
	DedupFailOpenTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "social_ingest",
		Name:      "dedup_fail_open_total",
		Help:      "Records treated as new because the dedup store was unavailable",
	}, []string{"source"})
	LastSuccess = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "social_ingest",
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix time of the last successful search per source",
	}, []string{"source"})
)

func init() {
	Registry.MustRegister(
		CyclesTotal,
		CyclesInFlight,
		CycleDuration,
		RecordsTotal,
		FailuresTotal,
		DedupFailOpenTotal,
		LastSuccess,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry in Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
