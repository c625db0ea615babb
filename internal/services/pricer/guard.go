package pricer

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/perpgate/internal/domain"
)

// GuardedPricer cross-checks the exchange price against an independent venue.
// A primary price that strays more than maxDeviation from the reference is refused.
// When the reference venue cannot quote the coin the primary price is used as is.
type GuardedPricer struct {
	primary      Pricer
	reference    Pricer
	maxDeviation decimal.Decimal
	logger       *zap.Logger
}

func NewGuardedPricer(primary, reference Pricer, maxDeviation decimal.Decimal, logger *zap.Logger) *GuardedPricer {
	return &GuardedPricer{
		primary:      primary,
		reference:    reference,
		maxDeviation: maxDeviation,
		logger:       logger,
	}
}

func (g *GuardedPricer) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	px, err := g.primary.GetPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}

	ref, err := g.reference.GetPrice(ctx, symbol)
	if err != nil || !ref.IsPositive() {
		g.logger.Debug("reference price unavailable, skipping check",
			zap.String("symbol", symbol), zap.Error(err))
		return px, nil
	}

	deviation := px.Sub(ref).Abs().Div(ref)
	if deviation.GreaterThan(g.maxDeviation) {
		g.logger.Warn("price deviates from reference",
			zap.String("symbol", symbol),
			zap.String("price", px.String()),
			zap.String("reference", ref.String()),
			zap.String("deviation", deviation.StringFixed(4)))
		return decimal.Zero, errors.Wrapf(domain.ErrPriceUnavailable,
			"%s price %s deviates %s from reference %s", symbol, px, deviation.StringFixed(4), ref)
	}
	return px, nil
}
