// Package metrics registers the process-wide Prometheus instrumentation for
// the decode core. Counters are package-level promauto values so call sites
// stay allocation-free inside the generation loop.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TokensGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aria_tokens_generated_total",
		Help: "Total number of speech tokens generated",
	})

	DecodeSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aria_decode_steps_total",
		Help: "Total decode steps by execution path",
	}, []string{"path"})

	GraphCaptures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aria_graph_captures_total",
		Help: "Total number of step-graph captures",
	})

	GraphCaptureFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aria_graph_capture_failures_total",
		Help: "Total number of failed step-graph captures",
	})

	GuardTrips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aria_graph_guard_trips_total",
		Help: "Total number of guard mismatches forcing re-capture",
	})

	CacheResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aria_cache_resets_total",
		Help: "Total number of KV cache resets",
	})

	SynthesisDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "aria_synthesis_duration_seconds",
		Help:    "Wall time of a full synthesis request",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
	})

	TokensPerSecond = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "aria_tokens_per_second",
		Help:    "Decode throughput per request",
		Buckets: []float64{10, 20, 40, 80, 120, 160, 240, 320},
	})
)

// Decode path label values.
const (
	PathReplay = "replay"
	PathEager  = "eager"
)

// Serve exposes /metrics on addr. It blocks, so callers run it in a
// goroutine; errors after startup are returned from the inner ListenAndServe.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}
