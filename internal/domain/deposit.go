package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// DepositOutcome is the terminal classification of a deposit.
type DepositOutcome string

const (
	DepositInFlight DepositOutcome = ""
	// DepositCredited the exchange shows the account as funded.
	DepositCredited DepositOutcome = "credited"
	// DepositPendingCredit the transfer is confirmed on-chain but the exchange has not credited it yet.
	// Funds are safe; this is not a failure.
	DepositPendingCredit DepositOutcome = "pending_credit"
	// DepositPendingConfirmation the transfer was sent but its receipt could not be observed.
	// The tx hash is kept so the user can check it before depositing again.
	DepositPendingConfirmation DepositOutcome = "pending_confirmation"
	// DepositFailed the on-chain transfer itself failed or was rejected.
	DepositFailed DepositOutcome = "failed"
)

// DepositIntent follows one bridge deposit from submission to credit.
type DepositIntent struct {
	ID               string          `json:"id"`
	Owner            common.Address  `json:"owner"`
	Amount           decimal.Decimal `json:"amount"`
	TxHash           common.Hash     `json:"tx_hash"`
	ConfirmedOnChain bool            `json:"confirmed_on_chain"`
	CreditedOffChain bool            `json:"credited_off_chain"`
	Polls            int             `json:"polls"`
	Outcome          DepositOutcome  `json:"outcome,omitempty"`
	Error            string          `json:"error,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Pending reports the "confirmed on-chain, waiting for credit" terminal state.
func (d *DepositIntent) Pending() bool {
	return d != nil && d.Outcome == DepositPendingCredit
}

// Message is the user-facing summary of the intent.
func (d *DepositIntent) Message() string {
	if d == nil {
		return ""
	}
	switch d.Outcome {
	case DepositCredited:
		return "Deposit credited. Account is funded."
	case DepositPendingCredit:
		return "Deposit confirmed on-chain. Your funds are safe; credit is pending, check back later."
	case DepositPendingConfirmation:
		return "Transaction " + d.TxHash.Hex() + " was sent but its confirmation could not be observed. Check it before depositing again."
	case DepositFailed:
		return "Deposit failed: " + d.Error
	}
	if d.ConfirmedOnChain {
		return "Confirmed on-chain. Waiting for exchange credit."
	}
	if d.TxHash != (common.Hash{}) {
		return "Transaction sent. Waiting for confirmation."
	}
	return "Preparing deposit."
}
