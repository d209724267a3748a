package api

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pml-dev/gateway/pkg/models"
)

// Metrics holds the gateway's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal  *prometheus.CounterVec
	EventsStreamed prometheus.Counter
	SSEClients     prometheus.Gauge
	TasksExecuted  *prometheus.CounterVec
	SandboxRuns    *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		EventsStreamed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_sse_events_total",
			Help: "Events delivered to SSE clients.",
		}),
		SSEClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_sse_clients",
			Help: "Connected SSE clients.",
		}),
		TasksExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_tasks_executed_total",
			Help: "DAG tasks executed by status.",
		}, []string{"status"}),
		SandboxRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_sandbox_runs_total",
			Help: "Sandbox executions by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		m.RequestsTotal,
		m.EventsStreamed,
		m.SSEClients,
		m.TasksExecuted,
		m.SandboxRuns,
	)
	return m
}

// ObserveBus folds executor and sandbox completion events into counters.
func (m *Metrics) ObserveBus(events Subscriber) {
	events.On(models.EventDAGTaskCompleted, func(e models.Event) {
		status, _ := e.Payload["status"].(string)
		if status == "" {
			status = "unknown"
		}
		m.TasksExecuted.WithLabelValues(status).Inc()
	})
	events.On(models.EventSandboxCompleted, func(e models.Event) {
		outcome := "error"
		if ok, _ := e.Payload["success"].(bool); ok {
			outcome = "success"
		}
		m.SandboxRuns.WithLabelValues(outcome).Inc()
	})
}

// Handler exposes the registry in Prometheus text format.
func (m *Metrics) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// instrument counts one finished request.
func (m *Metrics) instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RequestsTotal.WithLabelValues(
			c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}
