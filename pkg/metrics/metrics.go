package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_messages_dispatched_total",
		Help: "The total number of outbox messages acknowledged by the broker",
	})
	MessagesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_messages_failed_total",
		Help: "The total number of failed dispatch attempts",
	})
	MessagesRetried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_messages_retried_total",
		Help: "The total number of FAILED messages re-queued by the retry sweep",
	})
	MessagesDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_messages_dead_lettered_total",
		Help: "The total number of messages moved to DEAD_LETTERED",
	})
	Backlog = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "outbox_messages",
		Help: "Current number of outbox messages by status",
	}, []string{"status"})
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "outbox_sweep_duration_seconds",
		Help:    "Time spent in one primary dispatch sweep",
		Buckets: prometheus.DefBuckets,
	})
)

// Handler returns the /metrics handler plus liveness endpoints, in the shape
// the platform's probes expect.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}
