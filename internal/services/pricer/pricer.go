// Package pricer fetches reference prices for order construction.
// Every call goes to the network; prices are never cached.
package pricer

import (
	"context"

	"github.com/shopspring/decimal"
)

// Pricer returns a fresh price for a coin symbol such as "BTC".
type Pricer interface {
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}
