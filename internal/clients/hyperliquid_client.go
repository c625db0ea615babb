package clients

import (
	"context"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	hyperliquid "github.com/sonirico/go-hyperliquid"

	"github.com/vadiminshakov/perpgate/internal/domain"
)

// HyperliquidClient is a read-only view of the exchange: universe, prices, account state
// and positions. Trading actions are signed with agent keys in the exchange package.
type HyperliquidClient struct {
	info *hyperliquid.Info
}

// NewHyperliquidClient builds an info client for baseURL without touching the network.
// The SDK fetches (and panics on malformed) meta at construction unless it is given one,
// so empty metas are passed; the universe is read through Meta instead.
func NewHyperliquidClient(ctx context.Context, baseURL string) *HyperliquidClient {
	info := hyperliquid.NewInfo(ctx, strings.TrimRight(baseURL, "/"), true,
		&hyperliquid.Meta{}, &hyperliquid.SpotMeta{})
	return &HyperliquidClient{info: info}
}

// Info exposes the SDK info client.
func (c *HyperliquidClient) Info() *hyperliquid.Info { return c.info }

// Meta loads the perpetuals universe. The asset index is the position in the universe,
// so delisted entries keep their slot but are not returned.
func (c *HyperliquidClient) Meta(ctx context.Context) (assets []domain.Asset, err error) {
	// the SDK's meta parser type-asserts margin tables and panics on unexpected shapes
	defer func() {
		if r := recover(); r != nil {
			assets, err = nil, errors.Errorf("decode meta: %v", r)
		}
	}()

	meta, err := c.info.Meta(ctx)
	if err != nil {
		var apiErr hyperliquid.APIError
		if errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500 {
			return nil, domain.NewExchangeError(apiErr.Code, apiErr.Message)
		}
		return nil, errors.Wrap(err, "get meta")
	}

	assets = make([]domain.Asset, 0, len(meta.Universe))
	for i, u := range meta.Universe {
		if u.IsDelisted {
			continue
		}
		assets = append(assets, domain.Asset{
			Name:        u.Name,
			Index:       i,
			SzDecimals:  int32(u.SzDecimals),
			MaxLeverage: u.MaxLeverage,
		})
	}
	return assets, nil
}

// AccountStatus reports whether the exchange holds any state for owner.
// The exchange answers zeros for unknown users, so existence means some value or position.
func (c *HyperliquidClient) AccountStatus(ctx context.Context, owner common.Address) (*domain.AccountStatus, error) {
	st, err := c.info.UserState(ctx, strings.ToLower(owner.Hex()))
	if err != nil {
		return nil, errors.Wrap(err, "get user state")
	}

	accountValue := parseDecimal(st.MarginSummary.AccountValue)
	withdrawable := parseDecimal(st.Withdrawable)

	return &domain.AccountStatus{
		Exists:       accountValue.IsPositive() || withdrawable.IsPositive() || len(st.AssetPositions) > 0,
		AccountValue: accountValue,
		Withdrawable: withdrawable,
		CheckedAt:    time.Now().UTC(),
	}, nil
}

// Positions fetches the owner's clearinghouse state as a portfolio.
func (c *HyperliquidClient) Positions(ctx context.Context, owner common.Address) (*domain.Portfolio, error) {
	st, err := c.info.UserState(ctx, strings.ToLower(owner.Hex()))
	if err != nil {
		return nil, errors.Wrap(err, "get user state")
	}

	portfolio := &domain.Portfolio{
		Owner:        owner.Hex(),
		Positions:    make([]domain.Position, 0, len(st.AssetPositions)),
		AccountValue: parseDecimal(st.MarginSummary.AccountValue),
		FetchedAt:    time.Now().UTC(),
	}

	for _, ap := range st.AssetPositions {
		size := parseDecimal(ap.Position.Szi)
		if size.IsZero() {
			continue
		}
		var entry decimal.Decimal
		if ap.Position.EntryPx != nil {
			entry = parseDecimal(*ap.Position.EntryPx)
		}
		// mark price is implied by position value
		mark := parseDecimal(ap.Position.PositionValue).Div(size.Abs())

		pos, err := domain.NewPositionFromSigned(ap.Position.Coin, size, entry, mark, parseDecimal(ap.Position.UnrealizedPnl))
		if err != nil {
			return nil, errors.Wrap(err, "build position")
		}
		portfolio.Positions = append(portfolio.Positions, pos)
	}

	return portfolio, nil
}

func parseDecimal(s string) decimal.Decimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
