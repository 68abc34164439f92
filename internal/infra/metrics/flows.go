package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		flowsStartedTotal,
		flowsFinishedTotal,
		flowStepErrorsTotal,
		flowsActive,
	)
}

var (
	flowsStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "session_flows_started_total",
			Help: "Total number of session generation flows started.",
		},
	)

	flowsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_flows_finished_total",
			Help: "Session generation flows that ended, labeled by result.",
		},
		[]string{"result"}, // 'success', 'cancelled', 'failed', 'expired', 'shutdown'
	)

	flowStepErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_flow_step_errors_total",
			Help: "Errors reported to users per dialogue step and reason.",
		},
		[]string{"step", "reason"},
	)

	flowsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "session_flows_active",
			Help: "Number of flows currently in progress.",
		},
	)
)

func IncFlowStarted() {
	flowsStartedTotal.Inc()
}

func IncFlowFinished(result string) {
	flowsFinishedTotal.WithLabelValues(norm(result)).Inc()
}

func IncFlowStepError(step, reason string) {
	flowStepErrorsTotal.WithLabelValues(norm(step), norm(reason)).Inc()
}

func SetFlowsActive(n int) {
	flowsActive.Set(float64(n))
}
