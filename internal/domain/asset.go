package domain

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Asset is one instrument of the exchange universe.
type Asset struct {
	Name        string `json:"name"`
	Index       int    `json:"index"`
	SzDecimals  int32  `json:"sz_decimals"`
	MaxLeverage int    `json:"max_leverage"`
}

// AssetIndexMap maps a symbol to the exchange's integer asset index.
// Lookups are case-insensitive; Resolve returns the exchange's canonical name.
// It is built once and read-only afterwards, so it is safe for concurrent use.
type AssetIndexMap struct {
	assets map[string]Asset
}

// NewAssetIndexMap builds the map, rejecting duplicate symbols and indexes.
func NewAssetIndexMap(assets []Asset) (*AssetIndexMap, error) {
	m := &AssetIndexMap{assets: make(map[string]Asset, len(assets))}
	seen := make(map[int]string, len(assets))
	for _, a := range assets {
		symbol := normalizeSymbol(a.Name)
		if symbol == "" {
			return nil, errors.New("asset with empty symbol")
		}
		if a.Index < 0 {
			return nil, fmt.Errorf("asset %s has negative index %d", symbol, a.Index)
		}
		if _, ok := m.assets[symbol]; ok {
			return nil, fmt.Errorf("duplicate asset symbol %s", symbol)
		}
		if other, ok := seen[a.Index]; ok {
			return nil, fmt.Errorf("asset index %d used by %s and %s", a.Index, other, symbol)
		}
		seen[a.Index] = symbol
		a.Name = strings.TrimSpace(a.Name)
		m.assets[symbol] = a
	}
	return m, nil
}

// Resolve returns the asset for symbol or ErrUnknownAsset.
func (m *AssetIndexMap) Resolve(symbol string) (Asset, error) {
	if m != nil {
		if a, ok := m.assets[normalizeSymbol(symbol)]; ok {
			return a, nil
		}
	}
	return Asset{}, errors.Wrapf(ErrUnknownAsset, "symbol %q", symbol)
}

// Len returns the number of known assets.
func (m *AssetIndexMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.assets)
}

// Assets returns all assets ordered by index.
func (m *AssetIndexMap) Assets() []Asset {
	if m == nil {
		return nil
	}
	out := make([]Asset, 0, len(m.assets))
	for _, a := range m.assets {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Market is one tradable instrument as listed by the backend.
type Market struct {
	Symbol      string          `json:"symbol"`
	Price       decimal.Decimal `json:"price"`
	MaxLeverage int             `json:"maxLeverage"`
}
