package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersAccepted counts orders accepted into the book by side.
var OrdersAccepted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "eloity_orders_accepted_total",
		Help: "Total number of orders accepted by the trading core",
	},
	[]string{"side"},
)

// OrdersRejected counts orders rejected before acceptance, by reason.
var OrdersRejected = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "eloity_orders_rejected_total",
		Help: "Total number of orders rejected before entering the book",
	},
	[]string{"reason"},
)

// TradesExecuted counts trades produced by the matching engine.
var TradesExecuted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "eloity_trades_executed_total",
		Help: "Total number of trades executed",
	},
	[]string{"pair"},
)

// EscrowTransitions counts escrow state transitions.
var EscrowTransitions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "eloity_escrow_transitions_total",
		Help: "Total number of escrow state transitions",
	},
	[]string{"from", "to"},
)

// LedgerOpLatency records latency distribution for ledger operations.
var LedgerOpLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "eloity_ledger_op_latency_seconds",
		Help:    "Latency in seconds of ledger mutations",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"op"},
)

// MatchRollbacks counts matches rolled back because escrow funding failed.
var MatchRollbacks = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "eloity_match_rollbacks_total",
		Help: "Total number of match attempts rolled back on settlement failure",
	},
)

func init() {
	prometheus.MustRegister(OrdersAccepted, OrdersRejected, TradesExecuted, EscrowTransitions, LedgerOpLatency, MatchRollbacks)
}
