// Package metrics exposes tenantkeys activity as Prometheus metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Metrics implements the observer hooks of the key manager, secret store
// cache, usage meter, audit recorder and billing reconciler.
type Metrics struct {
	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	cacheLookups      *prometheus.CounterVec
	usageEvents       *prometheus.CounterVec
	usageTokens       *prometheus.CounterVec
	usageCost         *prometheus.CounterVec
	accessDropped     *prometheus.CounterVec
	invoices          *prometheus.CounterVec
	invoiceItems      prometheus.Counter
}

// Default returns the metrics registered with the default Prometheus
// registerer. Registration happens once per process.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// New registers a fresh set of metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantkeys_key_operations_total",
				Help: "Key lifecycle operations by outcome",
			},
			[]string{"operation", "service", "outcome"},
		),
		operationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tenantkeys_key_operation_duration_seconds",
				Help:    "Duration of key lifecycle operations in seconds",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"operation", "service"},
		),
		cacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantkeys_secret_cache_lookups_total",
				Help: "Secret cache lookups by result",
			},
			[]string{"namespace", "result"},
		),
		usageEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantkeys_usage_events_total",
				Help: "Tracked usage events by publish outcome",
			},
			[]string{"service", "outcome"},
		),
		usageTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantkeys_usage_tokens_total",
				Help: "Tokens consumed per service",
			},
			[]string{"service"},
		),
		usageCost: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantkeys_usage_cost_usd_total",
				Help: "Attributed provider cost in USD",
			},
			[]string{"service"},
		),
		accessDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantkeys_access_records_dropped_total",
				Help: "Key access audit records that were not delivered",
			},
			[]string{"reason"},
		),
		invoices: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantkeys_invoices_total",
				Help: "Invoices submitted by the billing reconciler",
			},
			[]string{"status"},
		),
		invoiceItems: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tenantkeys_invoice_line_items_total",
				Help: "Line items in successfully submitted invoices",
			},
		),
	}
}

// ObserveOperation records a key manager operation.
func (m *Metrics) ObserveOperation(op, service, outcome string, d time.Duration) {
	m.operations.WithLabelValues(op, service, outcome).Inc()
	m.operationDuration.WithLabelValues(op, service).Observe(d.Seconds())
}

func (m *Metrics) CacheHit(namespace string) {
	m.cacheLookups.WithLabelValues(namespace, "hit").Inc()
}

func (m *Metrics) CacheMiss(namespace string) {
	m.cacheLookups.WithLabelValues(namespace, "miss").Inc()
}

// UsageTracked records one metered event.
func (m *Metrics) UsageTracked(service, outcome string, tokens int64, cost decimal.Decimal) {
	m.usageEvents.WithLabelValues(service, outcome).Inc()
	if tokens > 0 {
		m.usageTokens.WithLabelValues(service).Add(float64(tokens))
	}
	if cost.IsPositive() {
		m.usageCost.WithLabelValues(service).Add(cost.InexactFloat64())
	}
}

func (m *Metrics) AccessRecordDropped(reason string) {
	m.accessDropped.WithLabelValues(reason).Inc()
}

// InvoiceSubmitted records one reconciler submission.
func (m *Metrics) InvoiceSubmitted(_ string, items int, err error) {
	if err != nil {
		m.invoices.WithLabelValues("failed").Inc()
		return
	}
	m.invoices.WithLabelValues("submitted").Inc()
	m.invoiceItems.Add(float64(items))
}
