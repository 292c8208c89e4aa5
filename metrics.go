package main

import (
	"net/http"

	"github.com/vitalsync/data-sync/syncer"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	syncRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datasync_requests_total",
		Help: "Sync requests by collection and outcome.",
	}, []string{"collection", "outcome"})

	syncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "datasync_request_duration_seconds",
		Help:    "Sync request latency by collection.",
		Buckets: prometheus.DefBuckets,
	}, []string{"collection"})

	recordsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datasync_records_total",
		Help: "Change records by collection and reconciliation result.",
	}, []string{"collection", "result"})
)

func observeResult(collection string, result *syncer.SyncResult) {
	recordsProcessed.WithLabelValues(collection, "created").Add(float64(result.Created))
	recordsProcessed.WithLabelValues(collection, "updated").Add(float64(result.Updated))
	recordsProcessed.WithLabelValues(collection, "deleted").Add(float64(result.Deleted))
	recordsProcessed.WithLabelValues(collection, "skipped").Add(float64(result.Skipped))
	recordsProcessed.WithLabelValues(collection, "error").Add(float64(len(result.Errors)))
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
