package shutdown

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	phaseGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nebulafaas_shutdown_phase",
		Help: "Current shutdown phase (1 = active, 0 = inactive)",
	}, []string{"phase"})

	phaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nebulafaas_shutdown_phase_duration_seconds",
		Help:    "Time spent in each shutdown phase",
		Buckets: []float64{.001, .01, .1, .5, 1, 5, 10, 30},
	}, []string{"phase"})

	shutdownDuration = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nebulafaas_shutdown_duration_seconds",
		Help: "Duration of the last shutdown in seconds",
	})

	drainingClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nebulafaas_shutdown_in_flight",
		Help: "Connected clients still draining during shutdown",
	})

	componentsStopped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nebulafaas_shutdown_components_stopped_total",
		Help: "Components stopped during shutdown by outcome",
	}, []string{"phase", "outcome"})
)

var trackedPhases = []Phase{
	PhaseNone,
	PhaseDraining,
	PhaseWorkers,
	PhaseHTTPServers,
	PhaseFabric,
	PhaseStore,
	PhaseComplete,
	PhaseForcedShutdown,
}

func observePhase(phase Phase) {
	for _, p := range trackedPhases {
		v := 0.0
		if p == phase {
			v = 1
		}

		phaseGauge.WithLabelValues(string(p)).Set(v)
	}
}

func observeComponent(phase Phase, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}

	componentsStopped.WithLabelValues(string(phase), outcome).Inc()
}

func observePhaseDuration(phase Phase, d time.Duration) {
	phaseDuration.WithLabelValues(string(phase)).Observe(d.Seconds())
}
