package pricer

import (
	"context"
	"strings"

	"github.com/hirokisan/bybit/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/perpgate/internal/domain"
)

// BybitPricer quotes a coin against USDT on the Bybit spot market.
type BybitPricer struct {
	client *bybit.Client
}

func NewBybitPricer(client *bybit.Client) *BybitPricer {
	return &BybitPricer{client: client}
}

// GetPrice returns the last spot trade. The bybit client takes no context.
func (p *BybitPricer) GetPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	pair := bybit.SymbolV5(strings.ToUpper(strings.TrimSpace(symbol)) + "USDT")

	result, err := p.client.V5().Market().GetTickers(bybit.V5GetTickersParam{
		Category: bybit.CategoryV5Spot,
		Symbol:   &pair,
	})
	if err != nil {
		return decimal.Zero, errors.Wrapf(domain.ErrPriceUnavailable, "bybit %s: %v", pair, err)
	}
	if len(result.Result.Spot.List) == 0 {
		return decimal.Zero, errors.Wrapf(domain.ErrPriceUnavailable, "bybit has no ticker for %s", pair)
	}

	px, err := decimal.NewFromString(result.Result.Spot.List[0].LastPrice)
	if err != nil || !px.IsPositive() {
		return decimal.Zero, errors.Wrapf(domain.ErrPriceUnavailable, "bybit returned bad price %q for %s",
			result.Result.Spot.List[0].LastPrice, pair)
	}
	return px, nil
}
