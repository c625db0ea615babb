package clients

import (
	"github.com/adshao/go-binance/v2"
)

// NewBinanceClient returns an unauthenticated client; only public market data is read.
// An empty baseURL keeps the library default.
func NewBinanceClient(baseURL string) *binance.Client {
	client := binance.NewClient("", "")
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	return client
}
