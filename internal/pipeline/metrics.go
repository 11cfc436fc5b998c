package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/socialmonitor/mention-pipeline/internal/models"
)

const namespace = "mention_pipeline"

// Metrics are the pipeline counters. Each instance owns its registry so
// tests and embedded pipelines do not collide on the default one.
type Metrics struct {
	Registry *prometheus.Registry

	mentionsIngested     *prometheus.CounterVec
	monitorMatches       prometheus.Counter
	alertsCreated        *prometheus.CounterVec
	ruleEvaluationErrors prometheus.Counter
	deliveries           *prometheus.CounterVec
	queueDepth           *prometheus.GaugeVec
	stageDuration        *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		mentionsIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mentions_ingested_total",
				Help:      "Submitted mentions by deduplication outcome",
			},
			[]string{"outcome"},
		),
		monitorMatches: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "monitor_matches_total",
				Help:      "Recorded monitor matches",
			},
		),
		alertsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_created_total",
				Help:      "Alerts created by severity",
			},
			[]string{"severity"},
		),
		ruleEvaluationErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rule_evaluation_errors_total",
				Help:      "Events whose rule evaluation returned an error",
			},
		),
		deliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_total",
				Help:      "Delivery status transitions by channel",
			},
			[]string{"channel", "status"},
		),
		queueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Items waiting in front of each stage",
			},
			[]string{"stage"},
		),
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Time spent processing one item per stage",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
			},
			[]string{"stage"},
		),
	}
}

// ObserveDelivery counts a delivery status transition. It matches the
// dispatcher's result callback.
func (m *Metrics) ObserveDelivery(ch models.Channel, status models.DeliveryStatus) {
	m.deliveries.WithLabelValues(string(ch), string(status)).Inc()
}
