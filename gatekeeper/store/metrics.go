package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var storeRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "splguard_store_retries",
	Help: "Number of durable store transactions retried after a conflict",
}, []string{"op"})

var storeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "splguard_store_failures",
	Help: "Number of durable store operations which failed after bounded retry",
}, []string{"op"})
