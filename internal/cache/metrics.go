package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StoreErrors 统计后端 I/O 失败次数，按 backend 与操作区分。
var StoreErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "swgate_cache_store_errors_total",
		Help: "Total number of cache store operation errors",
	},
	[]string{"backend", "operation"}, // "file"|"redis", "open"|"put"|"get"|"keys"|"delete"|"list"
)

func recordStoreError(backend, operation string) {
	StoreErrors.WithLabelValues(backend, operation).Inc()
}
