package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountStatus is the exchange-side view of a wallet.
type AccountStatus struct {
	Exists       bool            `json:"exists"`
	AccountValue decimal.Decimal `json:"account_value"`
	Withdrawable decimal.Decimal `json:"withdrawable"`
	CheckedAt    time.Time       `json:"checked_at"`
}

// AccountState is the top-level controller state.
type AccountState string

const (
	StateDisconnected   AccountState = "disconnected"
	StateConnecting     AccountState = "connecting"
	StateCheckingStatus AccountState = "checking_status"
	StateNeedsDeposit   AccountState = "needs_deposit"
	StateReady          AccountState = "ready"
	StateTrading        AccountState = "trading"
)

// AllAccountStates lists states in lifecycle order.
var AllAccountStates = []AccountState{
	StateDisconnected,
	StateConnecting,
	StateCheckingStatus,
	StateNeedsDeposit,
	StateReady,
	StateTrading,
}

// String returns the string representation.
func (s AccountState) String() string {
	return string(s)
}

// CanTrade reports whether orders may be submitted in this state.
func (s AccountState) CanTrade() bool {
	return s == StateReady || s == StateTrading
}

// AccountSnapshot is the externally visible state of the account controller.
type AccountSnapshot struct {
	State         AccountState   `json:"state"`
	Address       string         `json:"address,omitempty"`
	ChainID       int64          `json:"chain_id,omitempty"`
	Status        *AccountStatus `json:"status,omitempty"`
	Portfolio     *Portfolio     `json:"portfolio,omitempty"`
	Deposit       *DepositIntent `json:"deposit,omitempty"`
	OrdersPending int            `json:"orders_pending"`
	LastError     string         `json:"last_error,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`
}
