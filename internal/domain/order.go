package domain

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const (
	// priceSignificantFigures is the exchange limit on significant figures of a limit price.
	priceSignificantFigures = 5
	// maxPerpPriceDecimals is the decimal budget shared between price and size for perps.
	maxPerpPriceDecimals = 6
)

// OrderIntent is a fully resolved order, built and discarded per request.
type OrderIntent struct {
	Symbol         string
	IsBuy          bool
	NotionalUSD    decimal.Decimal
	Leverage       int
	AssetIndex     int
	ReferencePrice decimal.Decimal
	LimitPrice     decimal.Decimal
	Size           decimal.Decimal
	ReduceOnly     bool
	ClientOrderID  string
}

// NewOrderIntent computes limit price and size for a notional order.
// The limit price is bounded by slippage around the reference price so an IOC order
// behaves as a market order with a known worst case.
func NewOrderIntent(asset Asset, isBuy bool, notionalUSD decimal.Decimal, leverage int,
	referencePrice, slippage decimal.Decimal) (*OrderIntent, error) {
	if notionalUSD.LessThanOrEqual(decimal.Zero) {
		return nil, errors.New("notional must be greater than zero")
	}
	if referencePrice.LessThanOrEqual(decimal.Zero) {
		return nil, errors.Wrap(ErrPriceUnavailable, "reference price must be positive")
	}
	if leverage < 1 {
		return nil, errors.New("leverage must be at least 1")
	}
	if asset.MaxLeverage > 0 && leverage > asset.MaxLeverage {
		return nil, errors.Wrapf(ErrLeverageTooHigh, "%dx requested, %s allows %dx", leverage, asset.Name, asset.MaxLeverage)
	}

	size := TruncateSize(notionalUSD.Div(referencePrice), asset.SzDecimals)
	if size.IsZero() {
		return nil, errors.Wrapf(ErrSizeTooSmall, "%s of %s at %s", notionalUSD, asset.Name, referencePrice)
	}

	return &OrderIntent{
		Symbol:         asset.Name,
		IsBuy:          isBuy,
		NotionalUSD:    notionalUSD,
		Leverage:       leverage,
		AssetIndex:     asset.Index,
		ReferencePrice: referencePrice,
		LimitPrice:     SlippageLimitPrice(referencePrice, isBuy, slippage, asset.SzDecimals),
		Size:           size,
	}, nil
}

// NewCloseIntent builds a reduce-only order that flattens position.
func NewCloseIntent(asset Asset, position Position, referencePrice, slippage decimal.Decimal) (*OrderIntent, error) {
	if referencePrice.LessThanOrEqual(decimal.Zero) {
		return nil, errors.Wrap(ErrPriceUnavailable, "reference price must be positive")
	}
	size := position.Size.Abs()
	if size.IsZero() {
		return nil, errors.Wrapf(ErrNoSuchPosition, "%s position has zero size", position.Coin)
	}
	// closing a short buys back, closing a long sells
	isBuy := position.Side == PositionSideShort

	return &OrderIntent{
		Symbol:         asset.Name,
		IsBuy:          isBuy,
		NotionalUSD:    size.Mul(referencePrice),
		Leverage:       0,
		AssetIndex:     asset.Index,
		ReferencePrice: referencePrice,
		LimitPrice:     SlippageLimitPrice(referencePrice, isBuy, slippage, asset.SzDecimals),
		Size:           size,
		ReduceOnly:     true,
	}, nil
}

// SlippageLimitPrice returns ref*(1+slippage) for buys and ref*(1-slippage) for sells,
// rounded to what the exchange accepts.
func SlippageLimitPrice(ref decimal.Decimal, isBuy bool, slippage decimal.Decimal, szDecimals int32) decimal.Decimal {
	factor := decimal.NewFromInt(1).Sub(slippage)
	if isBuy {
		factor = decimal.NewFromInt(1).Add(slippage)
	}
	return RoundPrice(ref.Mul(factor), szDecimals)
}

// TruncateSize cuts size toward zero to szDecimals places. Never rounds up,
// so an order is never larger than the notional allows.
func TruncateSize(size decimal.Decimal, szDecimals int32) decimal.Decimal {
	if szDecimals < 0 {
		szDecimals = 0
	}
	return size.Truncate(szDecimals)
}

// RoundPrice rounds px to five significant figures and at most 6-szDecimals decimals.
// Integer prices are always accepted.
func RoundPrice(px decimal.Decimal, szDecimals int32) decimal.Decimal {
	if px.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	exp := magnitude(px)
	places := int32(priceSignificantFigures-1) - exp
	if maxPlaces := int32(maxPerpPriceDecimals) - szDecimals; places > maxPlaces {
		places = maxPlaces
	}
	if places < 0 {
		// round to the significant figures, then keep the integer
		unit := decimal.New(1, -places)
		return px.Div(unit).Round(0).Mul(unit).Round(0)
	}
	return px.Round(places)
}

// magnitude returns floor(log10(x)) for x > 0.
func magnitude(x decimal.Decimal) int32 {
	ten := decimal.NewFromInt(10)
	one := decimal.NewFromInt(1)
	var exp int32
	for x.GreaterThanOrEqual(ten) {
		x = x.Div(ten)
		exp++
	}
	for x.LessThan(one) {
		x = x.Mul(ten)
		exp--
	}
	return exp
}

// OrderStatus classifies the exchange's answer to an IOC order.
type OrderStatus string

const (
	// OrderFilled the order executed, fully or partially.
	OrderFilled OrderStatus = "filled"
	// OrderNoFill the IOC order found no liquidity within its limit and was cancelled. Not an error.
	OrderNoFill OrderStatus = "no_fill"
)

// OrderResult is the outcome of a submitted order.
type OrderResult struct {
	Status     OrderStatus     `json:"status"`
	Symbol     string          `json:"symbol"`
	IsBuy      bool            `json:"is_buy"`
	ReduceOnly bool            `json:"reduce_only"`
	Size       decimal.Decimal `json:"size"`
	LimitPrice decimal.Decimal `json:"limit_price"`
	FilledSize decimal.Decimal `json:"filled_size"`
	AvgPrice   decimal.Decimal `json:"avg_price"`
	OrderID    int64           `json:"order_id,omitempty"`
	Message    string          `json:"message,omitempty"`
}
