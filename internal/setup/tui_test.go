package setup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/perpgate/config"
)

func TestRenderProducesParsableConfig(t *testing.T) {
	a := defaultAnswers()
	a.BackendURL = "https://backend.example.com"

	data, err := Render(a)
	require.NoError(t, err)

	cfg, err := config.Parse(data)
	require.NoError(t, err)
	assert.True(t, cfg.Mainnet)
	assert.Equal(t, config.ApprovalRouteRelay, cfg.ApprovalRoute)
	assert.Equal(t, 5*time.Second, cfg.PositionPollInterval)
	assert.Equal(t, "https://arb1.arbitrum.io/rpc", cfg.RPC[42161])
}

func TestRenderTestnet(t *testing.T) {
	a := defaultAnswers()
	a.Network = "testnet"
	a.ApprovalRoute = config.ApprovalRouteDirect
	a.PositionsSource = config.SourceExchange

	data, err := Render(a)
	require.NoError(t, err)

	cfg, err := config.Parse(data)
	require.NoError(t, err)
	assert.False(t, cfg.Mainnet)
	assert.Equal(t, int64(421614), cfg.RequiredChainID)
	assert.Equal(t, int64(42161), cfg.SettlementChainID)
}

func TestRenderRejectsRelayWithoutBackend(t *testing.T) {
	_, err := Render(defaultAnswers())
	require.Error(t, err)
}

func TestValidators(t *testing.T) {
	assert.NoError(t, validateFraction("0.05"))
	assert.Error(t, validateFraction("1"))
	assert.Error(t, validateFraction("x"))
	assert.NoError(t, validatePositive("10"))
	assert.Error(t, validatePositive("0"))
	assert.Error(t, notEmpty("rpc")(""))
}
