// Package metrics counts sync activity for the dashboard /metrics endpoint.
//
// A nil *Recorder is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aoi"

// Recorder holds the collectors of one process.
type Recorder struct {
	registry *prometheus.Registry

	remoteRequests *prometheus.CounterVec
	remoteLatency  *prometheus.HistogramVec
	localWrites    *prometheus.CounterVec
	merges         *prometheus.CounterVec
	mergedRows     prometheus.Gauge
	exports        *prometheus.CounterVec
	connected      prometheus.Gauge
}

// New creates a Recorder with its own registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		remoteRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_requests_total",
			Help:      "Remote API operations by operation and outcome.",
		}, []string{"op", "outcome"}),
		remoteLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_request_duration_seconds",
			Help:      "Remote API operation latency including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		localWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "local_writes_total",
			Help:      "Local store writes by operation and outcome.",
		}, []string{"op", "outcome"}),
		merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shared_merges_total",
			Help:      "Shared store merges by outcome.",
		}, []string{"outcome"}),
		mergedRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "shared_merge_rows",
			Help:      "Rows upserted by the last shared store merge.",
		}),
		exports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exports_total",
			Help:      "CSV and snapshot exports by kind and outcome.",
		}, []string{"kind", "outcome"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "remote_connected",
			Help:      "1 while the remote connectivity flag is set.",
		}),
	}
	r.registry.MustRegister(
		r.remoteRequests,
		r.remoteLatency,
		r.localWrites,
		r.merges,
		r.mergedRows,
		r.exports,
		r.connected,
		collectors.NewGoCollector(),
	)
	return r
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RemoteRequest records one remote operation.
func (r *Recorder) RemoteRequest(op string, err error, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.remoteRequests.WithLabelValues(op, outcome(err)).Inc()
	r.remoteLatency.WithLabelValues(op).Observe(elapsed.Seconds())
}

// LocalWrite records one local store write.
func (r *Recorder) LocalWrite(op string, err error) {
	if r == nil {
		return
	}
	r.localWrites.WithLabelValues(op, outcome(err)).Inc()
}

// Merge records one shared store merge.
func (r *Recorder) Merge(err error, upserted int) {
	if r == nil {
		return
	}
	r.merges.WithLabelValues(outcome(err)).Inc()
	if err == nil {
		r.mergedRows.Set(float64(upserted))
	}
}

// Export records one export.
func (r *Recorder) Export(kind string, err error) {
	if r == nil {
		return
	}
	r.exports.WithLabelValues(kind, outcome(err)).Inc()
}

// Connected records the connectivity flag.
func (r *Recorder) Connected(v bool) {
	if r == nil {
		return
	}
	if v {
		r.connected.Set(1)
	} else {
		r.connected.Set(0)
	}
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
