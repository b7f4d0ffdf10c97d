// Package metrics exports engine activity as Prometheus metrics.
//
// The CLI runs one session per process, so metrics are written to a
// node_exporter textfile rather than served over HTTP.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"pkgvault/internal/pv"
)

const namespace = "pkgvault"

// Registry holds all engine metrics on a private prometheus registry.
type Registry struct {
	registry *prometheus.Registry

	// Package metrics
	PackagesTotal *prometheus.CounterVec
	BytesTotal    *prometheus.CounterVec
	PackageBytes  *prometheus.GaugeVec

	// Session metrics
	SessionsTotal        *prometheus.CounterVec
	SessionDuration      *prometheus.HistogramVec
	LastSessionTimestamp *prometheus.GaugeVec
	LastSessionPackages  *prometheus.GaugeVec
}

// NewRegistry creates and registers the engine metrics.
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
		PackagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packages_total",
			Help:      "Packages finished, by session kind and result.",
		}, []string{"kind", "result"}),
		BytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Plaintext bytes accepted on backup or emitted on restore.",
		}, []string{"kind"}),
		PackageBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "package_bytes",
			Help:      "Bytes moved so far for the package in flight.",
		}, []string{"kind"}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Sessions finished, by kind and result.",
		}, []string{"kind", "result"}),
		SessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Wall time from session start to finalization.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"kind"}),
		LastSessionTimestamp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_session_timestamp_seconds",
			Help:      "Unix time the last session of each kind and result finished.",
		}, []string{"kind", "result"}),
		LastSessionPackages: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_session_packages",
			Help:      "Packages handled by the last session of each kind.",
		}, []string{"kind"}),
	}

	r.registry.MustRegister(
		r.PackagesTotal,
		r.BytesTotal,
		r.PackageBytes,
		r.SessionsTotal,
		r.SessionDuration,
		r.LastSessionTimestamp,
		r.LastSessionPackages,
	)
	return r
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// WriteTextfile writes the current metrics in the text exposition format,
// atomically replacing path.
func (r *Registry) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}

func (r *Registry) OnPackageProgress(ev pv.ProgressEvent) {
	r.PackageBytes.WithLabelValues(string(ev.Kind)).Set(float64(ev.Transferred))
}

func (r *Registry) OnPackageDone(ev pv.PackageEvent) {
	kind := string(ev.Kind)
	r.PackagesTotal.WithLabelValues(kind, ev.Result.String()).Inc()
	r.BytesTotal.WithLabelValues(kind).Add(float64(ev.Bytes))
	r.PackageBytes.WithLabelValues(kind).Set(0)
}

func (r *Registry) OnSessionDone(ev pv.SessionEvent) {
	kind := string(ev.Kind)
	result := ev.Result.String()
	r.SessionsTotal.WithLabelValues(kind, result).Inc()
	r.SessionDuration.WithLabelValues(kind).Observe(ev.FinishedAt.Sub(ev.StartedAt).Seconds())
	r.LastSessionTimestamp.WithLabelValues(kind, result).Set(float64(ev.FinishedAt.Unix()))
	r.LastSessionPackages.WithLabelValues(kind).Set(float64(ev.Packages))
}

var _ pv.Observer = (*Registry)(nil)
