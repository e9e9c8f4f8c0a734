package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var decisionCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "splguard_ratelimit_decisions",
	Help: "Rate limit checks by action class and outcome",
}, []string{"class", "outcome"})

var fastPathFallbacks = promauto.NewCounter(prometheus.CounterOpts{
	Name: "splguard_ratelimit_cache_fallbacks",
	Help: "Rate limit checks served by the durable store because the counter cache was unavailable",
})

var windowsPurged = promauto.NewCounter(prometheus.CounterOpts{
	Name: "splguard_ratelimit_windows_purged",
	Help: "Expired durable rate windows deleted",
})
