// Package metrics holds the gateway's Prometheus collectors. They register
// on the default registry and are served by Handler.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/wecom-gateway/internal/events"
)

const namespace = "wecom_gateway"

// Backend outcomes.
const (
	BackendOK      = "ok"
	BackendTimeout = "timeout"
	BackendError   = "error"
	BackendEmpty   = "empty"
)

// Reply results.
const (
	ReplySent     = "sent"
	ReplyFallback = "fallback"
	ReplyFailed   = "failed"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status code.",
		},
		[]string{"route", "method", "code"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Time to answer HTTP requests. Callback acks exclude backend work.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	lifecycleTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_transitions_total",
			Help:      "Callbacks reaching each lifecycle state.",
		},
		[]string{"state"},
	)

	backendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_duration_seconds",
			Help:      "Backend invocation latency by outcome.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 45, 60},
		},
		[]string{"outcome"},
	)

	repliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_total",
			Help:      "Outbound replies by result.",
		},
		[]string{"result"},
	)

	duplicatesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_callbacks_total",
			Help:      "Callbacks acknowledged without dispatch because their MsgId was already seen.",
		},
	)

	inflightTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_tasks",
			Help:      "Detached backend tasks currently running or waiting for a slot.",
		},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTP records one answered HTTP request.
func ObserveHTTP(route, method string, code int, d time.Duration) {
	httpRequestsTotal.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(route).Observe(d.Seconds())
}

// ObserveBackend records one backend invocation.
func ObserveBackend(outcome string, d time.Duration) {
	backendDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// Reply counts one outbound reply attempt result.
func Reply(result string) {
	repliesTotal.WithLabelValues(result).Inc()
}

// Duplicate counts one deduplicated callback.
func Duplicate() {
	duplicatesTotal.Inc()
}

// TaskStarted and TaskFinished bracket a detached task.
func TaskStarted()  { inflightTasks.Inc() }
func TaskFinished() { inflightTasks.Dec() }

// WatchLifecycle counts lifecycle events from hub until ctx ends.
func WatchLifecycle(ctx context.Context, hub *events.Hub) {
	ch, cancel := hub.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			lifecycleTransitions.WithLabelValues(string(ev.State)).Inc()
		}
	}
}
