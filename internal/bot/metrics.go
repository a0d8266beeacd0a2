package bot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики исполнителя ордеров
// ============================================================
//
// Экспортируются через /metrics (promhttp в routes.go).
// Grafana: глубина очереди, исходы попыток, состояние ключей.

// ============ Метрики латентности ============

// SubmitLatency - время вызова биржи по исходу
var SubmitLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "orderqueue",
		Subsystem: "exchange",
		Name:      "submit_latency_ms",
		Help:      "Exchange submit latency in milliseconds",
		Buckets:   []float64{50, 100, 200, 300, 500, 1000, 2000, 5000, 15000},
	},
	[]string{"kind"}, // ok, auth, rate_limit, insufficient_funds, network, unknown
)

// TickDuration - длительность тика исполнителя
var TickDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "orderqueue",
		Subsystem: "executor",
		Name:      "tick_duration_seconds",
		Help:      "Duration of an executor tick",
		Buckets:   prometheus.DefBuckets,
	},
)

// ============ Счётчики событий ============

// OrdersProcessed - исходы попыток
var OrdersProcessed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "orderqueue",
		Subsystem: "executor",
		Name:      "orders_processed_total",
		Help:      "Order attempts by outcome",
	},
	[]string{"outcome"}, // completed, retry, failed, abandoned, deferred, conflict
)

// Ticks - запущенные и пропущенные тики
var Ticks = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "orderqueue",
		Subsystem: "executor",
		Name:      "ticks_total",
		Help:      "Executor ticks by result",
	},
	[]string{"result"}, // run, skipped
)

// StuckResets - сброшенные зависшие ордера
var StuckResets = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "orderqueue",
		Subsystem: "recovery",
		Name:      "stuck_resets_total",
		Help:      "Orders reset from PROCESSING after stuck timeout",
	},
)

// BotRecoveries - боты, возвращённые из exiting в active
var BotRecoveries = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "orderqueue",
		Subsystem: "recovery",
		Name:      "bot_recoveries_total",
		Help:      "Bots returned to active after an abandoned exit order",
	},
)

// BreakerTransitions - переходы выключателей
var BreakerTransitions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "orderqueue",
		Subsystem: "breaker",
		Name:      "transitions_total",
		Help:      "Circuit breaker state transitions",
	},
	[]string{"to"},
)

// ============ Метрики состояния ============

// BreakerStateGauge - состояние выключателя ключа (0=closed, 1=half_open, 2=open)
var BreakerStateGauge = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "orderqueue",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Circuit breaker state per credential (0=closed, 1=half_open, 2=open)",
	},
	[]string{"credential"},
)

// QueueDepth - ордера по статусам
var QueueDepth = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "orderqueue",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Number of orders by status",
	},
	[]string{"status"},
)

// InFlight - заявки, отправленные на биржу и ещё не завершённые
var InFlight = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "orderqueue",
		Subsystem: "executor",
		Name:      "in_flight",
		Help:      "Submissions currently in flight",
	},
)

// ============ Вспомогательные функции ============

// RecordOutcome записывает исход обработки ордера
func RecordOutcome(outcome string) {
	OrdersProcessed.WithLabelValues(outcome).Inc()
}

// RecordSubmit записывает латентность вызова биржи
func RecordSubmit(kind string, latencyMs float64) {
	SubmitLatency.WithLabelValues(kind).Observe(latencyMs)
}

// RecordBreakerState обновляет состояние выключателя
func RecordBreakerState(credential string, state BreakerState) {
	v := 0.0
	switch state {
	case BreakerHalfOpen:
		v = 1
	case BreakerOpen:
		v = 2
	}
	BreakerStateGauge.WithLabelValues(credential).Set(v)
	BreakerTransitions.WithLabelValues(string(state)).Inc()
}

// UpdateQueueDepth выставляет глубину очереди по статусам
func UpdateQueueDepth(counts map[string]int, statuses []string) {
	for _, s := range statuses {
		QueueDepth.WithLabelValues(s).Set(float64(counts[s]))
	}
}
