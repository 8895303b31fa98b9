package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lambdo"

// Recorder collects orchestrator metrics. A nil *Recorder records nothing.
type Recorder struct {
	registry      *prometheus.Registry
	running       prometheus.Gauge
	starts        *prometheus.CounterVec
	stops         *prometheus.CounterVec
	exits         *prometheus.CounterVec
	startDuration prometheus.Histogram
}

// New registers the orchestrator collectors on a dedicated registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vms_running",
			Help:      "Number of VMs currently registered as running.",
		}),
		starts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vm_starts_total",
			Help:      "VM start attempts by result.",
		}, []string{"result"}),
		stops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vm_stops_total",
			Help:      "VM stop requests by result.",
		}, []string{"result"}),
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vm_exits_total",
			Help:      "Guest exits observed without a stop request, by status.",
		}, []string{"status"}),
		startDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "vm_start_duration_seconds",
			Help:      "Time from start request to a running VM.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
	r.registry.MustRegister(
		r.running,
		r.starts,
		r.stops,
		r.exits,
		r.startDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Handler exposes the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// StartSucceeded records a VM reaching running after elapsed.
func (r *Recorder) StartSucceeded(elapsed time.Duration) {
	if r == nil {
		return
	}
	r.starts.WithLabelValues("success").Inc()
	r.startDuration.Observe(elapsed.Seconds())
	r.running.Inc()
}

// StartFailed records a start attempt that was unwound.
func (r *Recorder) StartFailed() {
	if r == nil {
		return
	}
	r.starts.WithLabelValues("error").Inc()
}

// Stopped records a stop request; err is its outcome.
func (r *Recorder) Stopped(err error) {
	if r == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	r.stops.WithLabelValues(result).Inc()
	r.running.Dec()
}

// Exited records a guest exit noticed by the watcher.
func (r *Recorder) Exited(status string) {
	if r == nil {
		return
	}
	r.exits.WithLabelValues(status).Inc()
	r.running.Dec()
}
