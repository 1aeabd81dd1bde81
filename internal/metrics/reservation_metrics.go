package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics содержит прикладные метрики сервиса резервов.
// Все методы допускают nil-получатель: сервисы в тестах работают без метрик.
type Metrics struct {
	// Use cases
	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	refunds           *prometheus.CounterVec
	refundedMinor     prometheus.Counter
	compensations     prometheus.Counter

	// События
	events         *prometheus.CounterVec
	timelineEvents prometheus.Counter
	outboxEvents   prometheus.Counter

	// Фоновые процессы и входящие webhook
	webhookEvents     *prometheus.CounterVec
	expirySweeps      *prometheus.CounterVec
	expiryProcessed   *prometheus.CounterVec
	expiryLastExpired prometheus.Gauge

	// Медиа
	mediaUploads     *prometheus.CounterVec
	mediaUploadBytes *prometheus.HistogramVec
}

// New регистрирует метрики в DefaultRegisterer.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer регистрирует метрики в переданном registerer.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewWithRegisterer(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		operations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "jms_reservation_operations_total",
			Help: "Total number of reservation use case calls grouped by operation and result",
		}, []string{"operation", "result"}),
		operationDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "jms_reservation_operation_duration_seconds",
			Help:    "Duration of reservation use cases in seconds, payment provider calls included",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}, []string{"operation"}),
		refunds: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "jms_reservation_refunds_total",
			Help: "Total number of deposit refunds grouped by trigger",
		}, []string{"trigger"}),
		refundedMinor: registerCounter(registerer, prometheus.CounterOpts{
			Name: "jms_reservation_refunded_minor_units_total",
			Help: "Sum of refunded deposits in minor currency units",
		}),
		compensations: registerCounter(registerer, prometheus.CounterOpts{
			Name: "jms_reservation_compensations_total",
			Help: "Total number of deposits refunded because a concurrent reservation won",
		}),
		events: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "jms_events_published_total",
			Help: "Total number of domain events published grouped by type",
		}, []string{"type"}),
		timelineEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "jms_timeline_events_total",
			Help: "Total number of reservation timeline entries recorded",
		}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "jms_outbox_events_total",
			Help: "Total number of events written to the outbox",
		}),
		webhookEvents: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "jms_webhook_events_total",
			Help: "Total number of payment webhook events grouped by type and result",
		}, []string{"type", "result"}),
		expirySweeps: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "jms_expiry_sweeps_total",
			Help: "Total number of expiry sweeps grouped by result",
		}, []string{"result"}),
		expiryProcessed: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "jms_expiry_reservations_total",
			Help: "Total number of reservations handled by the expiry sweep grouped by result",
		}, []string{"result"}),
		expiryLastExpired: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "jms_expiry_last_sweep_expired",
			Help: "Number of reservations expired during the last sweep",
		}),
		mediaUploads: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "jms_media_uploads_total",
			Help: "Total number of media uploads grouped by media type and result",
		}, []string{"type", "result"}),
		mediaUploadBytes: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "jms_media_upload_bytes",
			Help:    "Size of stored media objects in bytes",
			Buckets: prometheus.ExponentialBuckets(16<<10, 4, 8),
		}, []string{"type"}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	return register(registerer, opts.Name, prometheus.NewCounter(opts))
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	return register(registerer, opts.Name, prometheus.NewGauge(opts))
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	return register(registerer, opts.Name, prometheus.NewCounterVec(opts, labels))
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	return register(registerer, opts.Name, prometheus.NewHistogramVec(opts, labels))
}

func register[C prometheus.Collector](registerer prometheus.Registerer, name string, collector C) C {
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(C)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", name))
			}
			return existing
		}
		panic(fmt.Sprintf("register collector %q: %v", name, err))
	}
	return collector
}

// ObserveOperation фиксирует результат и длительность use case.
func (m *Metrics) ObserveOperation(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.operations.WithLabelValues(operation, result).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// RecordRefund учитывает возврат депозита.
func (m *Metrics) RecordRefund(trigger string, amountMinor int64) {
	if m == nil {
		return
	}
	m.refunds.WithLabelValues(trigger).Inc()
	if amountMinor > 0 {
		m.refundedMinor.Add(float64(amountMinor))
	}
}

func (m *Metrics) RecordCompensation() {
	if m == nil {
		return
	}
	m.compensations.Inc()
}

func (m *Metrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType).Inc()
}

func (m *Metrics) RecordTimelineEvent() {
	if m == nil {
		return
	}
	m.timelineEvents.Inc()
}

func (m *Metrics) RecordOutboxEvent() {
	if m == nil {
		return
	}
	m.outboxEvents.Inc()
}

// RecordWebhook учитывает обработку webhook-события: result = processed|duplicate|ignored|error.
func (m *Metrics) RecordWebhook(eventType, result string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(eventType, result).Inc()
}

// RecordSweep учитывает один проход expiry sweeper.
func (m *Metrics) RecordSweep(expired, failed int, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.expirySweeps.WithLabelValues(result).Inc()
	m.expiryProcessed.WithLabelValues("expired").Add(float64(expired))
	m.expiryProcessed.WithLabelValues("failed").Add(float64(failed))
	m.expiryLastExpired.Set(float64(expired))
}

// RecordMediaUpload учитывает загрузку медиа; size учитывается только для успешных.
func (m *Metrics) RecordMediaUpload(mediaType string, size int64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.mediaUploads.WithLabelValues(mediaType, "error").Inc()
		return
	}
	m.mediaUploads.WithLabelValues(mediaType, "ok").Inc()
	m.mediaUploadBytes.WithLabelValues(mediaType).Observe(float64(size))
}
