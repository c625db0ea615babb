package universe

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

// Catalog lists markets straight from the exchange when no backend serves them.
type Catalog struct {
	assets *domain.AssetIndexMap
	mids   midsSource
}

func NewCatalog(assets *domain.AssetIndexMap, mids midsSource) *Catalog {
	return &Catalog{assets: assets, mids: mids}
}

// Markets returns every loaded asset with its current mid price. Assets without a mid are skipped.
func (c *Catalog) Markets(ctx context.Context) ([]domain.Market, error) {
	mids, err := c.mids.AllMids(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "get mids")
	}

	assets := c.assets.Assets()
	markets := make([]domain.Market, 0, len(assets))
	for _, a := range assets {
		raw, ok := mids[a.Name]
		if !ok {
			continue
		}
		px, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil || !px.IsPositive() {
			continue
		}
		markets = append(markets, domain.Market{Symbol: a.Name, Price: px, MaxLeverage: a.MaxLeverage})
	}
	return markets, nil
}
