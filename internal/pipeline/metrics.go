package pipeline

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_runs_total",
		Help: "Scoring runs by outcome.",
	}, []string{"outcome"})

	methodFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_method_failures_total",
		Help: "Detection method failures by method name.",
	}, []string{"method"})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kestrel_run_duration_seconds",
		Help:    "End-to-end scoring run duration.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	alertsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_alerts_created_total",
		Help: "Alerts committed to the investigation queue.",
	})

	queueEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_queue_evictions_total",
		Help: "Alerts evicted from the queue by capacity pressure.",
	})
)

// ObserveAlertEvents counts alert creations and evictions from the bus,
// keeping the metric surface decoupled from the output manager.
func ObserveAlertEvents(ctx context.Context, bus domain.EventBus) error {
	if _, err := bus.Subscribe(ctx, domain.TopicAlertCreated, func(context.Context, *domain.Message) error {
		alertsCreated.Inc()
		return nil
	}); err != nil {
		return err
	}
	if _, err := bus.Subscribe(ctx, domain.TopicAlertEvicted, func(context.Context, *domain.Message) error {
		queueEvictions.Inc()
		return nil
	}); err != nil {
		return err
	}
	return nil
}
