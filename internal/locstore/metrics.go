package locstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	storeWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "locstore_writes_total",
		Help: "Location writes grouped by backend and operation.",
	}, []string{"backend", "op"})

	feedSubscribers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "locstore_range_subscribers",
		Help: "Range subscribers currently attached to a store change feed.",
	}, []string{"backend"})
)
