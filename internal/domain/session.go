// Package domain defines core data structures shared by the wallet, exchange and account layers.
package domain

import (
	"github.com/ethereum/go-ethereum/common"
)

// WalletSession is a connected wallet account as seen by the gateway.
type WalletSession struct {
	Address common.Address
	ChainID int64
	CanSign bool
}

// UsableOn reports whether the session may sign or transfer on the required chain.
func (s WalletSession) UsableOn(requiredChainID int64) bool {
	return s.CanSign && s.Address != (common.Address{}) && s.ChainID == requiredChainID
}

// Signature is an ECDSA signature split the way the exchange expects it.
type Signature struct {
	R string `json:"r"`
	S string `json:"s"`
	V int    `json:"v"`
}
