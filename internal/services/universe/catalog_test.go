package universe

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/perpgate/internal/domain"
)

type staticMids struct {
	mids map[string]string
	err  error
}

func (s staticMids) AllMids(context.Context) (map[string]string, error) { return s.mids, s.err }

func TestCatalogMarkets(t *testing.T) {
	assets, err := domain.NewAssetIndexMap([]domain.Asset{
		{Name: "BTC", Index: 0, SzDecimals: 5, MaxLeverage: 50},
		{Name: "ETH", Index: 1, SzDecimals: 4, MaxLeverage: 25},
		{Name: "DELISTED", Index: 2, SzDecimals: 0, MaxLeverage: 3},
	})
	require.NoError(t, err)

	c := NewCatalog(assets, staticMids{mids: map[string]string{"BTC": "50000.5", "ETH": "3000", "@1": "1"}})
	markets, err := c.Markets(context.Background())
	require.NoError(t, err)
	require.Len(t, markets, 2)
	assert.Equal(t, "BTC", markets[0].Symbol)
	assert.True(t, markets[0].Price.Equal(decimal.RequireFromString("50000.5")))
	assert.Equal(t, 50, markets[0].MaxLeverage)
	assert.Equal(t, "ETH", markets[1].Symbol)
}

func TestCatalogMidsError(t *testing.T) {
	assets, err := domain.NewAssetIndexMap([]domain.Asset{{Name: "BTC", Index: 0, SzDecimals: 5, MaxLeverage: 50}})
	require.NoError(t, err)

	_, err = NewCatalog(assets, staticMids{err: errors.New("timeout")}).Markets(context.Background())
	require.Error(t, err)
}
