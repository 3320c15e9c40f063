package policy

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// DecisionsTotal counts authorization decisions by result: "granted",
	// the error slug of a denial, or "error" for infrastructure failures.
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zafegard",
			Name:      "decisions_total",
			Help:      "Total authorization decisions by result.",
		},
		[]string{"result"},
	)

	// LifecycleOpsTotal counts admin operations by op and result.
	LifecycleOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zafegard",
			Name:      "lifecycle_ops_total",
			Help:      "Total lifecycle operations by op and result.",
		},
		[]string{"op", "result"},
	)

	// EvaluateDuration observes authorization latency.
	EvaluateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "zafegard",
			Name:      "evaluate_duration_seconds",
			Help:      "Authorization decision duration in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
	)

	// RegisteredWallets tracks the number of wallet policies.
	RegisteredWallets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "zafegard",
			Name:      "registered_wallets",
			Help:      "Number of signers with a wallet policy.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		DecisionsTotal,
		LifecycleOpsTotal,
		EvaluateDuration,
		RegisteredWallets,
	)
}

// observeEvaluate returns a function that records the decision outcome and
// latency.
func observeEvaluate() func(err error) {
	start := time.Now()
	return func(err error) {
		EvaluateDuration.Observe(time.Since(start).Seconds())
		DecisionsTotal.WithLabelValues(resultLabel(err, "granted")).Inc()
	}
}

func observeLifecycle(op string, err error) {
	LifecycleOpsTotal.WithLabelValues(op, resultLabel(err, "ok")).Inc()
}

func resultLabel(err error, success string) string {
	if err == nil {
		return success
	}
	if pe, ok := asPolicyError(err); ok {
		return pe.Slug()
	}
	return "error"
}
