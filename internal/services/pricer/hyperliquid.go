package pricer

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/perpgate/internal/domain"
)

type midsSource interface {
	AllMids(ctx context.Context) (map[string]string, error)
}

// HyperliquidPricer fetches mid prices from the exchange info API.
type HyperliquidPricer struct {
	info midsSource
}

// NewHyperliquidPricer accepts the SDK info client.
func NewHyperliquidPricer(info midsSource) *HyperliquidPricer {
	return &HyperliquidPricer{info: info}
}

func (p *HyperliquidPricer) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if p.info == nil {
		return decimal.Zero, errors.Wrap(domain.ErrPriceUnavailable, "hyperliquid info client is nil")
	}

	mids, err := p.info.AllMids(ctx)
	if err != nil {
		return decimal.Zero, errors.Wrapf(domain.ErrPriceUnavailable, "all mids: %v", err)
	}

	// mids are keyed by the exchange's coin name, e.g. "BTC" or "kPEPE"
	mid, ok := mids[symbol]
	if !ok {
		for coin, px := range mids {
			if strings.EqualFold(coin, symbol) {
				mid, ok = px, true
				break
			}
		}
	}
	if !ok || mid == "" {
		return decimal.Zero, errors.Wrapf(domain.ErrPriceUnavailable, "no mid price for %s", symbol)
	}

	px, err := decimal.NewFromString(mid)
	if err != nil || !px.IsPositive() {
		return decimal.Zero, errors.Wrapf(domain.ErrPriceUnavailable, "bad mid price %q for %s", mid, symbol)
	}
	return px, nil
}
