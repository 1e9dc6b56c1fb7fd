package sim

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bridge_tick_duration_seconds",
		Help:    "Time spent generating and publishing one tick.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
	})
	loopsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_scenario_loops_total",
		Help: "Scenario loop wraps since process start.",
	})
	faultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_simulated_faults_total",
		Help: "Fault injections requested through the control API.",
	}, []string{"type"})
)
