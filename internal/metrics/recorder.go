package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"approval-engine/internal/events"
)

const namespace = "approval_engine"

// Recorder holds the service's Prometheus collectors
type Recorder struct {
	eventsTotal      *prometheus.CounterVec
	decisionsTotal   *prometheus.CounterVec
	resolutionsTotal *prometheus.CounterVec
	sweepItems       *prometheus.CounterVec
	sweepDuration    *prometheus.HistogramVec
	httpRequests     *prometheus.CounterVec
	httpLatency      *prometheus.HistogramVec
}

// NewRecorder registers the collectors on reg
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Recorder{
		eventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Approval events published, by topic",
			},
			[]string{"topic"},
		),
		decisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Decisions recorded, by verdict",
			},
			[]string{"decision"},
		),
		resolutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "request_resolutions_total",
				Help:      "Requests that reached a terminal status",
			},
			[]string{"status"},
		),
		sweepItems: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_items_total",
				Help:      "Requests handled by background sweeps",
			},
			[]string{"sweep", "result"},
		),
		sweepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sweep_duration_seconds",
				Help:      "Time spent in one sweep pass",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
			},
			[]string{"sweep"},
		),
		httpRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests served",
			},
			[]string{"method", "route", "status"},
		),
		httpLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// HandleEvent is an events.Handler that counts engine activity
func (r *Recorder) HandleEvent(ctx context.Context, event events.Event) {
	r.eventsTotal.WithLabelValues(event.Topic).Inc()

	switch event.Topic {
	case events.TopicDecided:
		if decision, ok := event.Data["decision"].(string); ok {
			r.decisionsTotal.WithLabelValues(decision).Inc()
		}
	case events.TopicApproved, events.TopicRejected, events.TopicCancelled, events.TopicExpired:
		r.resolutionsTotal.WithLabelValues(event.Status).Inc()
	}
}

// ObserveSweep records the outcome of one sweep pass
func (r *Recorder) ObserveSweep(sweep string, processed, failed int, took time.Duration) {
	r.sweepItems.WithLabelValues(sweep, "processed").Add(float64(processed))
	r.sweepItems.WithLabelValues(sweep, "failed").Add(float64(failed))
	r.sweepDuration.WithLabelValues(sweep).Observe(took.Seconds())
}

// GinMiddleware records request counts and latency per route template
func (r *Recorder) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		r.httpRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		r.httpLatency.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
