package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swgate_fetch_total",
			Help: "Intercepted requests by strategy and response source",
		},
		[]string{"strategy", "source"},
	)

	backgroundRefresh = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swgate_background_refresh_total",
			Help: "Stale-while-revalidate background refreshes by outcome",
		},
		[]string{"outcome"},
	)

	cacheWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "swgate_cache_write_errors_total",
			Help: "Cache writes dropped because the store failed",
		},
	)

	cacheReadErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "swgate_cache_read_errors_total",
			Help: "Cache reads treated as misses because the store failed",
		},
	)

	lifecycleTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swgate_lifecycle_transitions_total",
			Help: "Install and activate attempts by outcome",
		},
		[]string{"phase", "outcome"},
	)
)
