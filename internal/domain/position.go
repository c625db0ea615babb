package domain

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// PositionSide represents the direction of a perp position.
type PositionSide string

const (
	// PositionSideLong a long position (buy to open).
	PositionSideLong PositionSide = "long"
	// PositionSideShort a short position (sell to open).
	PositionSideShort PositionSide = "short"
)

// Position mirrors one open exchange position. The exchange owns it; locally it is read-only.
type Position struct {
	Coin          string          `json:"coin"`
	Side          PositionSide    `json:"side"`
	Size          decimal.Decimal `json:"size"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// NewPositionFromSigned builds a position from the exchange's signed size (negative = short).
func NewPositionFromSigned(coin string, signedSize, entryPrice, markPrice, unrealizedPnL decimal.Decimal) (Position, error) {
	if strings.TrimSpace(coin) == "" {
		return Position{}, errors.New("position coin is required")
	}
	if signedSize.IsZero() {
		return Position{}, errors.Errorf("position %s has zero size", coin)
	}
	side := PositionSideLong
	if signedSize.IsNegative() {
		side = PositionSideShort
	}
	return Position{
		Coin:          coin,
		Side:          side,
		Size:          signedSize.Abs(),
		EntryPrice:    entryPrice,
		MarkPrice:     markPrice,
		UnrealizedPnL: unrealizedPnL,
	}, nil
}

// PnL calculates profit and loss for the given market price.
func (p Position) PnL(currentPrice decimal.Decimal) decimal.Decimal {
	// long: (current - entry) * size, short: (entry - current) * size
	if p.Side == PositionSideShort {
		return p.EntryPrice.Sub(currentPrice).Mul(p.Size)
	}
	return currentPrice.Sub(p.EntryPrice).Mul(p.Size)
}

// Notional is the position value at mark price, falling back to entry price.
func (p Position) Notional() decimal.Decimal {
	px := p.MarkPrice
	if px.IsZero() {
		px = p.EntryPrice
	}
	return p.Size.Mul(px)
}

// Portfolio is one full snapshot of the account's positions.
type Portfolio struct {
	Owner        string          `json:"owner"`
	Positions    []Position      `json:"positions"`
	AccountValue decimal.Decimal `json:"account_value"`
	FetchedAt    time.Time       `json:"fetched_at"`
}

// Find returns the position for coin, matched case-insensitively.
func (p Portfolio) Find(coin string) (Position, bool) {
	for _, pos := range p.Positions {
		if strings.EqualFold(pos.Coin, coin) {
			return pos, true
		}
	}
	return Position{}, false
}
