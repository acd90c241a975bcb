package auditevent

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Metrics holds the Prometheus metrics of audit event downloads.
type Metrics struct {
	DownloadsTotal          *prometheus.CounterVec   // downloads by outcome (success, error)
	DownloadDurationSeconds *prometheus.HistogramVec // download latency by outcome
	EventsTotal             prometheus.Counter       // events delivered to paging sources
}

// NewMetrics registers the metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		DownloadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "erp_audit_downloads_total",
			Help: "Total number of audit event page downloads by outcome",
		}, []string{"outcome"}),

		DownloadDurationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "erp_audit_download_duration_seconds",
			Help:    "Duration of audit event page downloads by outcome",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"outcome"}),

		EventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "erp_audit_events_downloaded_total",
			Help: "Total number of audit events returned by page downloads",
		}),
	}
}

// ObserveDownload records one download and its latency.
func (m *Metrics) ObserveDownload(err error, d time.Duration, events int) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.DownloadsTotal.WithLabelValues(outcome).Inc()
	m.DownloadDurationSeconds.WithLabelValues(outcome).Observe(d.Seconds())
	if err == nil {
		m.EventsTotal.Add(float64(events))
	}
}

// InstrumentedRepository records metrics and a trace span for every
// download of the wrapped repository.
type InstrumentedRepository struct {
	next    Repository
	metrics *Metrics
	tracer  trace.Tracer
}

func NewInstrumentedRepository(next Repository, metrics *Metrics, tracer trace.Tracer) *InstrumentedRepository {
	return &InstrumentedRepository{next: next, metrics: metrics, tracer: tracer}
}

func (r *InstrumentedRepository) DownloadAuditEvents(ctx context.Context, profileID string, count, offset int) (*Batch, error) {
	ctx, span := r.tracer.Start(ctx, "auditevent.DownloadAuditEvents", trace.WithAttributes(
		attribute.String("erp.profile_id", profileID),
		attribute.Int("erp.page.count", count),
		attribute.Int("erp.page.offset", offset),
	))
	defer span.End()

	start := time.Now()
	batch, err := r.next.DownloadAuditEvents(ctx, profileID, count, offset)

	returned := 0
	if batch != nil {
		returned = batch.Count
	}
	r.metrics.ObserveDownload(err, time.Since(start), returned)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("erp.page.returned", returned))
	return batch, nil
}
