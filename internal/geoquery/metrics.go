package geoquery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geoquery_events_total",
		Help: "Query events fired grouped by type.",
	}, []string{"type"})

	rangeSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "geoquery_range_subscriptions",
		Help: "Live geohash range subscriptions across all queries.",
	})

	cleanupPasses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geoquery_cleanup_passes_total",
		Help: "Cleanup passes that removed inactive range subscriptions.",
	})

	decodeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geoquery_decode_failures_total",
		Help: "Stored values skipped because they could not be decoded.",
	})
)
