package admission

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var admitCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "splguard_admission_decisions",
	Help: "Admission decisions, by action class and outcome",
}, []string{"class", "outcome"})

var admitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "splguard_admission_duration_sec",
	Help:    "Duration of admission checks",
	Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
}, []string{"class"})
