package campaign

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var cycleCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "splguard_campaign_cycles",
	Help: "Reconciliation cycles, by result",
}, []string{"result"})

var cyclesSkipped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "splguard_campaign_cycles_skipped",
	Help: "Reconciliation cycles skipped because the previous one was still running",
})

var cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "splguard_campaign_cycle_duration_sec",
	Help:    "Duration of reconciliation cycles",
	Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
})
