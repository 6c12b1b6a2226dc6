// Package metrics holds the Prometheus collectors of the daemon.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "democrit"

var (
	tradesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_created_total",
			Help:      "Trades created, by local role",
		},
		[]string{"role"},
	)

	tradeTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trade_transitions_total",
			Help:      "Trade state transitions, by new state",
		},
		[]string{"state"},
	)

	messagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_processed_total",
			Help:      "Inbound trade messages, by outcome",
		},
		[]string{"result"},
	)

	lockConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_lock_conflicts_total",
			Help:      "Take requests for unknown or already locked orders",
		},
	)

	tradesArchived = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_archived_total",
			Help:      "Finalised trades moved to the archive",
		},
	)

	chainStepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chain_step_duration_seconds",
			Help:      "Time spent in chain RPC per protocol step",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"step"},
	)

	ordersKnown = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "orderbook_accounts",
			Help:      "Accounts with orders in the order book",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func TradeCreated(role string) { tradesCreated.WithLabelValues(role).Inc() }

func TradeTransition(state string) { tradeTransitions.WithLabelValues(state).Inc() }

// MessageProcessed counts an inbound message as "replied", "no_reply",
// "unmatched" or "rejected".
func MessageProcessed(result string) { messagesProcessed.WithLabelValues(result).Inc() }

func LockConflict() { lockConflicts.Inc() }

func TradesArchived(n int) { tradesArchived.Add(float64(n)) }

func ObserveChainStep(step string, d time.Duration) {
	chainStepDuration.WithLabelValues(step).Observe(d.Seconds())
}

func SetOrderBookAccounts(n int) { ordersKnown.Set(float64(n)) }

func ObserveHTTP(method, endpoint, status string, d time.Duration) {
	httpRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	httpRequestDuration.WithLabelValues(method, endpoint).Observe(d.Seconds())
}
