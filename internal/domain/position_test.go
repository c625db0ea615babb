package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPositionFromSigned(t *testing.T) {
	tests := []struct {
		name     string
		signed   string
		wantSide PositionSide
		wantSize string
	}{
		{name: "long", signed: "0.25", wantSide: PositionSideLong, wantSize: "0.25"},
		{name: "short", signed: "-1.5", wantSide: PositionSideShort, wantSize: "1.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos, err := NewPositionFromSigned("ETH", decimal.RequireFromString(tt.signed),
				decimal.NewFromInt(3000), decimal.NewFromInt(3100), decimal.NewFromInt(25))
			require.NoError(t, err)
			assert.Equal(t, tt.wantSide, pos.Side)
			assert.True(t, pos.Size.Equal(decimal.RequireFromString(tt.wantSize)))
		})
	}

	_, err := NewPositionFromSigned("ETH", decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero)
	assert.Error(t, err)

	_, err = NewPositionFromSigned(" ", decimal.NewFromInt(1), decimal.Zero, decimal.Zero, decimal.Zero)
	assert.Error(t, err)
}

func TestPosition_PnL(t *testing.T) {
	tests := []struct {
		name     string
		position Position
		price    decimal.Decimal
		expected decimal.Decimal
	}{
		{
			name:     "long, price up",
			position: Position{Side: PositionSideLong, Size: decimal.NewFromInt(2), EntryPrice: decimal.NewFromInt(100)},
			price:    decimal.NewFromInt(110),
			expected: decimal.NewFromInt(20),
		},
		{
			name:     "short, price up",
			position: Position{Side: PositionSideShort, Size: decimal.NewFromInt(2), EntryPrice: decimal.NewFromInt(100)},
			price:    decimal.NewFromInt(110),
			expected: decimal.NewFromInt(-20),
		},
		{
			name:     "short, price down",
			position: Position{Side: PositionSideShort, Size: decimal.NewFromInt(1), EntryPrice: decimal.NewFromInt(100)},
			price:    decimal.NewFromInt(90),
			expected: decimal.NewFromInt(10),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.expected.Equal(tt.position.PnL(tt.price)), "got %s", tt.position.PnL(tt.price))
		})
	}
}

func TestPortfolio_Find(t *testing.T) {
	p := Portfolio{Positions: []Position{
		{Coin: "BTC", Side: PositionSideLong, Size: decimal.NewFromInt(1)},
		{Coin: "kPEPE", Side: PositionSideShort, Size: decimal.NewFromInt(1000)},
	}}

	pos, ok := p.Find("kpepe")
	require.True(t, ok)
	assert.Equal(t, "kPEPE", pos.Coin)

	_, ok = p.Find("ETH")
	assert.False(t, ok)
}

func TestPosition_Notional(t *testing.T) {
	pos := Position{Size: decimal.NewFromInt(2), EntryPrice: decimal.NewFromInt(100)}
	assert.True(t, pos.Notional().Equal(decimal.NewFromInt(200)))

	pos.MarkPrice = decimal.NewFromInt(120)
	assert.True(t, pos.Notional().Equal(decimal.NewFromInt(240)))
}
