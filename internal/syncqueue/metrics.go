package syncqueue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// syncItems 统计每次 drain 中条目的处理结果。
var syncItems = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "swgate_sync_items_total",
		Help: "Deferred sync items processed per drain, by tag and outcome",
	},
	[]string{"tag", "outcome"},
)
