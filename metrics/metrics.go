// Package metrics exposes Prometheus counters for the gateway, the status
// synchronizer and the session lifecycle.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is the metrics surface the other packages write to.
type Recorder interface {
	RecordCall(method, outcome string, latency time.Duration)
	RecordRefresh(result string)
	RecordForcedLogout(reason string)
	RecordStatusPoll(result string)
	RecordPushReconnect()
}

// Collector records to Prometheus.
type Collector struct {
	calls          *prometheus.CounterVec
	callLatency    prometheus.Histogram
	refreshes      *prometheus.CounterVec
	forcedLogouts  *prometheus.CounterVec
	statusPolls    *prometheus.CounterVec
	pushReconnects prometheus.Counter
}

var _ Recorder = (*Collector)(nil)

// NewCollector creates a Collector and registers it with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ctfgate_api_calls_total",
			Help: "Platform API calls by method and outcome.",
		}, []string{"method", "outcome"}),
		callLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ctfgate_api_call_duration_seconds",
			Help:    "Platform API round-trip latency.",
			Buckets: prometheus.DefBuckets,
		}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ctfgate_refresh_total",
			Help: "Credential renewal attempts by result.",
		}, []string{"result"}),
		forcedLogouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ctfgate_forced_logouts_total",
			Help: "Forced session ends by reason.",
		}, []string{"reason"}),
		statusPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ctfgate_status_polls_total",
			Help: "Event status polls by result.",
		}, []string{"result"}),
		pushReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ctfgate_push_reconnects_total",
			Help: "Scheduled push channel reconnects.",
		}),
	}

	reg.MustRegister(
		c.calls,
		c.callLatency,
		c.refreshes,
		c.forcedLogouts,
		c.statusPolls,
		c.pushReconnects,
	)
	return c
}

func (c *Collector) RecordCall(method, outcome string, latency time.Duration) {
	c.calls.WithLabelValues(method, outcome).Inc()
	c.callLatency.Observe(latency.Seconds())
}

func (c *Collector) RecordRefresh(result string) {
	c.refreshes.WithLabelValues(result).Inc()
}

func (c *Collector) RecordForcedLogout(reason string) {
	c.forcedLogouts.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordStatusPoll(result string) {
	c.statusPolls.WithLabelValues(result).Inc()
}

func (c *Collector) RecordPushReconnect() {
	c.pushReconnects.Inc()
}

// Handler returns an HTTP handler serving the metrics in gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop discards everything.
type Nop struct{}

var _ Recorder = Nop{}

func (Nop) RecordCall(string, string, time.Duration) {}
func (Nop) RecordRefresh(string)                     {}
func (Nop) RecordForcedLogout(string)                {}
func (Nop) RecordStatusPoll(string)                  {}
func (Nop) RecordPushReconnect()                     {}
