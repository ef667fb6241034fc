package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: сколько заняла проба (включая эндпоинт)
	ProbeDuration *prometheus.HistogramVec

	// Traffic: пробы по исходам (ok / error / already_streaming)
	ProbesTotal *prometheus.CounterVec

	// Биллинг: попытки по статусам (pending / confirmed / failed)
	BillingAttemptsTotal *prometheus.CounterVec

	// Строки, ушедшие на ручной разбор (потолок ретраев)
	ReviewFlaggedTotal prometheus.Counter

	// Запечатанные строки окон
	WindowsSealedTotal prometheus.Counter

	// Saturation: состояние Circuit Breaker (0 - ок, 1 - выбило)
	CircuitBreakerState *prometheus.GaugeVec

	// Журнал: заполненность буфера (backpressure)
	JournalBufferFill prometheus.Gauge

	// Длительность тика целиком
	TickDuration prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern — без регистра метрики летят в пустоту
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		ProbeDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agency_probe_duration_seconds",
			Help:    "Histogram of stream probe latencies.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20},
		}, []string{"reason"}),

		ProbesTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agency_probes_total",
			Help: "Total number of renewal probes by outcome.",
		}, []string{"reason"}),

		BillingAttemptsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agency_billing_attempts_total",
			Help: "Total number of billing attempts by status.",
		}, []string{"status"}),

		ReviewFlaggedTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "agency_review_flagged_total",
			Help: "Usage window rows flagged for manual intervention.",
		}),

		WindowsSealedTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "agency_windows_sealed_total",
			Help: "Usage window rows sealed on epoch rollover.",
		}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "agency_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=open).",
		}, []string{"target"}),

		JournalBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "agency_journal_buffer_utilization",
			Help: "Current number of events in the attempt journal buffer.",
		}),

		TickDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "agency_tick_duration_seconds",
			Help:    "Histogram of full control loop tick durations.",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60},
		}),
	}
}
