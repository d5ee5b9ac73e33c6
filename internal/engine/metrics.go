package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	runTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stoker_run_transitions_total",
			Help: "Total number of run lifecycle state transitions.",
		},
		[]string{"from", "to"},
	)

	runOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stoker_run_outcomes_total",
			Help: "Total number of terminal run outcomes by classification.",
		},
		[]string{"outcome"},
	)

	apiRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stoker_api_retries_total",
			Help: "Total number of remote API call retries by operation.",
		},
		[]string{"op"},
	)

	logGaps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stoker_log_gaps_total",
			Help: "Total number of detected gaps in streamed run logs.",
		},
	)
)

func init() {
	prometheus.MustRegister(runTransitions)
	prometheus.MustRegister(runOutcomes)
	prometheus.MustRegister(apiRetries)
	prometheus.MustRegister(logGaps)
}
