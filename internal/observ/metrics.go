package observ

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every gate metric. It is separate from the default
// registry so tests and embedding processes do not collide.
var Registry = prometheus.NewRegistry()

var (
	bundlesSealed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_bundles_sealed_total",
			Help: "Daily bundles published, by origin (sealed|reconstructed|found).",
		},
		[]string{"origin"},
	)

	bundleErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_bundle_errors_total",
			Help: "Bundle failures by kind (unavailable|partial|io).",
		},
		[]string{"kind"},
	)

	aggregations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_aggregations_total",
			Help: "Aggregation runs by result (ok|empty|error).",
		},
		[]string{"result"},
	)

	policyVerdict = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gate_policy_verdict",
			Help: "Last evaluated verdict per policy (1 pass, 0 fail).",
		},
		[]string{"policy"},
	)

	runStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_run_starts_total",
			Help: "Run state activations (fresh|resume).",
		},
		[]string{"mode"},
	)

	sealDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gate_seal_duration_ms",
			Help:    "Time spent materialising one bundle.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		},
	)
)

func init() {
	Registry.MustRegister(bundlesSealed, bundleErrors, aggregations, policyVerdict, runStarts, sealDuration)
}

// RecordSeal counts a bundle outcome and, for newly written bundles, its latency.
func RecordSeal(origin string, d time.Duration) {
	bundlesSealed.WithLabelValues(origin).Inc()
	if d > 0 {
		sealDuration.Observe(float64(d.Milliseconds()))
	}
}

func RecordBundleError(kind string) {
	bundleErrors.WithLabelValues(kind).Inc()
}

func RecordAggregation(result string) {
	aggregations.WithLabelValues(result).Inc()
}

// RecordVerdict publishes the latest policy results as 0/1 gauges.
func RecordVerdict(policy1, policy2, goNoGo bool) {
	policyVerdict.WithLabelValues("policy_1").Set(boolGauge(policy1))
	policyVerdict.WithLabelValues("policy_2").Set(boolGauge(policy2))
	policyVerdict.WithLabelValues("go_no_go").Set(boolGauge(goNoGo))
}

func RecordRunStart(resumed bool) {
	mode := "fresh"
	if resumed {
		mode = "resume"
	}
	runStarts.WithLabelValues(mode).Inc()
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Handler serves the registry in Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Health is a trivial liveness handler.
func Health() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}
