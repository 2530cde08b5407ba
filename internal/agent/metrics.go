package agent

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce sync.Once

	agentsConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hawkeye",
		Subsystem: "agent",
		Name:      "sessions_connected",
		Help:      "Number of live agent sessions",
	})

	agentCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hawkeye",
		Subsystem: "agent",
		Name:      "calls_total",
		Help:      "Agent RPC calls by method and outcome",
	}, []string{"method", "outcome"})

	agentCallLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hawkeye",
		Subsystem: "agent",
		Name:      "call_duration_seconds",
		Help:      "Latency of agent RPC calls",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method"})
)

func initMetrics() {
	metricsOnce.Do(func() {
		for _, c := range []prometheus.Collector{agentsConnected, agentCalls, agentCallLatency} {
			if err := prometheus.Register(c); err != nil {
				var are prometheus.AlreadyRegisteredError
				if !errors.As(err, &are) {
					panic(err)
				}
			}
		}
	})
}
