// Package metrics exposes relay counters for prometheus scraping.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay"

// Recorder holds the relay collectors. A nil *Recorder records nothing.
type Recorder struct {
	registry *prometheus.Registry

	handoffsCreated    prometheus.Counter
	transitions        *prometheus.CounterVec
	permissionChecks   *prometheus.CounterVec
	webhookEvents      *prometheus.CounterVec
	completionDuration prometheus.Histogram
	handoffsSwept      prometheus.Counter
}

// New registers every collector on a private registry so several recorders
// can coexist in one process.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	r := &Recorder{registry: reg}

	r.handoffsCreated = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "handoffs_created_total",
		Help:      "Total number of handoffs created",
	})
	r.transitions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "handoff_transitions_total",
		Help:      "Total number of handoff state transitions",
	}, []string{"from", "to"})
	r.permissionChecks = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "permission_checks_total",
		Help:      "Total number of autonomy permission decisions",
	}, []string{"tier", "permitted"})
	r.webhookEvents = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_events_total",
		Help:      "Total number of webhook deliveries by outcome",
	}, []string{"event", "action", "outcome"})
	r.completionDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "handoff_completion_seconds",
		Help:      "Time from handoff creation to completion",
		Buckets:   prometheus.ExponentialBuckets(60, 4, 8),
	})
	r.handoffsSwept = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "handoffs_swept_total",
		Help:      "Terminal handoffs removed by the retention sweep",
	})

	reg.MustRegister(prometheus.NewGoCollector())
	return r
}

func (r *Recorder) HandoffCreated() {
	if r == nil {
		return
	}
	r.handoffsCreated.Inc()
}

func (r *Recorder) Transition(from, to string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(from, to).Inc()
}

func (r *Recorder) Completed(d time.Duration) {
	if r == nil {
		return
	}
	r.completionDuration.Observe(d.Seconds())
}

func (r *Recorder) PermissionCheck(tier string, permitted bool) {
	if r == nil {
		return
	}
	r.permissionChecks.WithLabelValues(tier, strconv.FormatBool(permitted)).Inc()
}

func (r *Recorder) WebhookEvent(event, action, outcome string) {
	if r == nil {
		return
	}
	r.webhookEvents.WithLabelValues(event, action, outcome).Inc()
}

func (r *Recorder) Swept(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.handoffsSwept.Add(float64(n))
}

// Registry returns the underlying registry, mostly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the recorder in the prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
