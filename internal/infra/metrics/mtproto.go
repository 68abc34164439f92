package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(mtprotoCallsLatencyMs) }

var mtprotoCallsLatencyMs = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "mtproto_calls_latency_ms",
		Help:    "Latency of calls into the Telegram user API, in milliseconds.",
		Buckets: []float64{50, 100, 200, 400, 800, 1600, 3000, 5000, 10000, 30000},
	},
	[]string{"op", "success"},
)

// ObserveMTProtoCall records one auth client call started at start.
func ObserveMTProtoCall(op string, start time.Time, err error) {
	mtprotoCallsLatencyMs.WithLabelValues(norm(op), strconv.FormatBool(err == nil)).
		Observe(float64(time.Since(start).Milliseconds()))
}
