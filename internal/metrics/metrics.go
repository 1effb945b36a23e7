// Package metrics exports campaign counters in the Prometheus format.
package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the campaign collectors. A nil *Metrics discards updates.
type Metrics struct {
	reg *prometheus.Registry

	iterations *prometheus.CounterVec
	findings   *prometheus.CounterVec
	retries    *prometheus.CounterVec
	errnos     *prometheus.CounterVec
	corpusSize prometheus.Gauge
	coverage   prometheus.Gauge
	duration   prometheus.Histogram
	suppressed prometheus.Counter
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		iterations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fsfuzz_iterations_total",
			Help: "Executed workloads by outcome.",
		}, []string{"outcome"}),
		findings: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fsfuzz_findings_total",
			Help: "Unique findings by dimension.",
		}, []string{"dimension"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fsfuzz_infra_retries_total",
			Help: "Infrastructure failures that were retried, by state.",
		}, []string{"state"}),
		errnos: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fsfuzz_operation_errors_total",
			Help: "Failed operations by target filesystem and errno.",
		}, []string{"fs", "errno"}),
		corpusSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "fsfuzz_corpus_size",
			Help: "Seeds in the corpus.",
		}),
		coverage: f.NewGauge(prometheus.GaugeOpts{
			Name: "fsfuzz_coverage_size",
			Help: "Distinct kernel addresses covered.",
		}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fsfuzz_execution_seconds",
			Help:    "Wall time of one execution including retries.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		suppressed: f.NewCounter(prometheus.CounterOpts{
			Name: "fsfuzz_findings_suppressed_total",
			Help: "Findings dropped as duplicates.",
		}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Iteration(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.iterations.WithLabelValues(outcome).Inc()
	m.duration.Observe(d.Seconds())
}

func (m *Metrics) Finding(dimension string) {
	if m == nil {
		return
	}
	m.findings.WithLabelValues(dimension).Inc()
}

func (m *Metrics) Suppressed() {
	if m == nil {
		return
	}
	m.suppressed.Inc()
}

func (m *Metrics) Retry(state string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(state).Inc()
}

// Errnos adds per-errno failure counts of one target.
func (m *Metrics) Errnos(fs string, counts map[string]int) {
	if m == nil {
		return
	}
	for errno, n := range counts {
		m.errnos.WithLabelValues(fs, errno).Add(float64(n))
	}
}

func (m *Metrics) Corpus(seeds, coverage int) {
	if m == nil {
		return
	}
	m.corpusSize.Set(float64(seeds))
	m.coverage.Set(float64(coverage))
}

// Handler serves the registry in the text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Serve listens on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "metrics: listen on %s", addr)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "metrics: serve")
	}
	return nil
}
