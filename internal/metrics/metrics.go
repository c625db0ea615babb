// Package metrics exposes Prometheus metrics of the session and order pipeline.
//
//   - perpgate_orders_total{outcome}         orders by outcome (filled|no_fill|rejected|error)
//   - perpgate_activations_total{result}     agent approvals (approved|rejected|user_rejected|error)
//   - perpgate_deposits_total{outcome}       deposits by outcome (credited|pending_credit|failed)
//   - perpgate_position_polls_total{result}  position fetches (ok|error|stale)
//   - perpgate_account_state{state}          1 for the current controller state
//   - perpgate_equity_usd                    last reported account value
//
// Metrics are registered in init() and served at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/perpgate/internal/domain"
)

var (
	orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpgate_orders_total",
			Help: "Orders submitted, by outcome",
		},
		[]string{"outcome"},
	)

	activations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpgate_activations_total",
			Help: "Agent approval attempts, by result",
		},
		[]string{"result"},
	)

	deposits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpgate_deposits_total",
			Help: "Deposits, by terminal outcome",
		},
		[]string{"outcome"},
	)

	positionPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpgate_position_polls_total",
			Help: "Position fetches, by result",
		},
		[]string{"result"},
	)

	// one series per state, flipped between 0 and 1
	accountState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "perpgate_account_state",
			Help: "Current account controller state",
		},
		[]string{"state"},
	)

	equity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "perpgate_equity_usd",
			Help: "Account value in USD",
		},
	)
)

func init() {
	prometheus.MustRegister(orders, activations, deposits, positionPolls)
	prometheus.MustRegister(accountState, equity)
}

func IncOrder(outcome string)       { orders.WithLabelValues(outcome).Inc() }
func IncActivation(result string)   { activations.WithLabelValues(result).Inc() }
func IncDeposit(outcome string)     { deposits.WithLabelValues(outcome).Inc() }
func IncPositionPoll(result string) { positionPolls.WithLabelValues(result).Inc() }
func SetEquity(v decimal.Decimal)   { equity.Set(v.InexactFloat64()) }

// SetAccountState marks state as current.
func SetAccountState(state domain.AccountState) {
	for _, s := range domain.AllAccountStates {
		v := 0.0
		if s == state {
			v = 1
		}
		accountState.WithLabelValues(s.String()).Set(v)
	}
}
