// Package telemetry wires Prometheus metrics and OpenTelemetry tracing into
// the HTTP server.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Config holds the telemetry configuration.
type Config struct {
	ServiceName string
	Environment string
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "erp-audit"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
}

// Provider owns the metrics registry and the tracer of one process.
type Provider struct {
	cfg      Config
	registry *prometheus.Registry
	tracer   trace.Tracer

	requests       *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	activeRequests prometheus.Gauge
}

// NewProvider creates a provider with its own registry. Spans go to the
// global OpenTelemetry tracer provider.
func NewProvider(cfg Config) *Provider {
	cfg.applyDefaults()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Provider{
		cfg:      cfg,
		registry: reg,
		tracer:   otel.Tracer(cfg.ServiceName),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "erp_http_requests_total",
			Help: "Total number of HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "erp_http_request_duration_seconds",
			Help:    "HTTP request latency by method and route",
			Buckets: defaultDurationBuckets,
		}, []string{"method", "route"}),
		activeRequests: f.NewGauge(prometheus.GaugeOpts{
			Name: "erp_http_active_requests",
			Help: "Number of HTTP requests in flight",
		}),
	}
}

func (p *Provider) Registerer() prometheus.Registerer { return p.registry }

func (p *Provider) Gatherer() prometheus.Gatherer { return p.registry }

func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Handler serves the registry in the Prometheus exposition format.
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Middleware records a server span and request metrics for every request.
func (p *Provider) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			route := c.Path()
			if route == "" {
				route = req.URL.Path
			}

			ctx, span := p.tracer.Start(req.Context(), "HTTP "+req.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", req.Method),
					attribute.String("http.route", route),
					attribute.String("deployment.environment", p.cfg.Environment),
				))
			defer span.End()
			c.SetRequest(req.WithContext(ctx))

			p.activeRequests.Inc()
			defer p.activeRequests.Dec()
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			status := c.Response().Status
			p.requests.WithLabelValues(req.Method, route, strconv.Itoa(status)).Inc()
			p.duration.WithLabelValues(req.Method, route).Observe(time.Since(start).Seconds())

			span.SetAttributes(attribute.Int("http.status_code", status))
			if status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(status))
			}
			if err != nil {
				span.RecordError(err)
			}
			return nil
		}
	}
}
