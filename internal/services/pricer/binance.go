package pricer

import (
	"context"
	"strings"

	"github.com/adshao/go-binance/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/perpgate/internal/domain"
)

// BinancePricer quotes a coin against USDT on the Binance spot market.
type BinancePricer struct {
	client *binance.Client
}

func NewBinancePricer(client *binance.Client) *BinancePricer {
	return &BinancePricer{client: client}
}

func (p *BinancePricer) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	pair := strings.ToUpper(strings.TrimSpace(symbol)) + "USDT"
	prices, err := p.client.NewListPricesService().Symbol(pair).Do(ctx)
	if err != nil {
		return decimal.Zero, errors.Wrapf(domain.ErrPriceUnavailable, "binance %s: %v", pair, err)
	}
	if len(prices) == 0 {
		return decimal.Zero, errors.Wrapf(domain.ErrPriceUnavailable, "binance has no price for %s", pair)
	}

	px, err := decimal.NewFromString(prices[0].Price)
	if err != nil || !px.IsPositive() {
		return decimal.Zero, errors.Wrapf(domain.ErrPriceUnavailable, "binance returned bad price %q for %s", prices[0].Price, pair)
	}
	return px, nil
}
