package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/vadiminshakov/perpgate/internal/domain"
)

func TestSetAccountStateFlipsSeries(t *testing.T) {
	SetAccountState(domain.StateReady)
	assert.Equal(t, 1.0, testutil.ToFloat64(accountState.WithLabelValues("ready")))
	assert.Equal(t, 0.0, testutil.ToFloat64(accountState.WithLabelValues("disconnected")))

	SetAccountState(domain.StateDisconnected)
	assert.Equal(t, 0.0, testutil.ToFloat64(accountState.WithLabelValues("ready")))
	assert.Equal(t, 1.0, testutil.ToFloat64(accountState.WithLabelValues("disconnected")))
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(orders.WithLabelValues("no_fill"))
	IncOrder("no_fill")
	assert.Equal(t, before+1, testutil.ToFloat64(orders.WithLabelValues("no_fill")))

	SetEquity(decimal.RequireFromString("1234.5"))
	assert.Equal(t, 1234.5, testutil.ToFloat64(equity))
}
