package strikes

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var infractionCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "splguard_infractions",
	Help: "Infractions recorded, by resulting action",
}, []string{"action"})

var probationsStarted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "splguard_probations_started",
	Help: "New-member probations started",
})

var probationLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "splguard_probation_lookups",
	Help: "Probation checks, by the tier which answered",
}, []string{"source"})
