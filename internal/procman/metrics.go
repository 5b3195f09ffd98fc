package procman

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	engineStartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "engine",
			Name:      "starts_total",
			Help:      "Total engine process starts that reached a healthy state",
		},
		[]string{"mode"},
	)

	engineStartFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "engine",
			Name:      "start_failures_total",
			Help:      "Total engine process starts that failed before becoming healthy",
		},
		[]string{"mode"},
	)

	engineStopsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "engine",
			Name:      "stops_total",
			Help:      "Total engine process stops",
		},
		[]string{"mode"},
	)

	engineRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "engine",
			Name:      "restarts_total",
			Help:      "Total engine restarts triggered by parameter updates",
		},
		[]string{"mode"},
	)
)

func init() {
	prometheus.MustRegister(engineStartsTotal, engineStartFailuresTotal, engineStopsTotal, engineRestartsTotal)
}
