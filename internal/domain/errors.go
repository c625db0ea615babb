package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

// Wallet and network failures. These are surfaced to the user and never retried silently.
var (
	ErrWalletUnavailable  = errors.New("wallet provider unavailable")
	ErrUserRejected       = errors.New("request rejected by user")
	ErrNetworkMismatch    = errors.New("wallet is connected to the wrong network")
	ErrChainSwitchTimeout = errors.New("wallet did not switch network in time")
	ErrTxReverted         = errors.New("transaction reverted")
	ErrTxTimedOut         = errors.New("transaction confirmation timed out")
)

// Order pipeline failures.
var (
	ErrUnknownAsset       = errors.New("unknown asset")
	ErrPriceUnavailable   = errors.New("reference price unavailable")
	ErrUnauthorizedSigner = errors.New("agent is not authorized to sign for this account")
	ErrNoSuchPosition     = errors.New("no open position")
	ErrSizeTooSmall       = errors.New("order size rounds to zero")
	ErrLeverageTooHigh    = errors.New("leverage exceeds asset maximum")
)

// Account flow failures.
var (
	ErrBelowMinimum = errors.New("amount is below the minimum deposit")
	ErrInvalidState = errors.New("operation not allowed in current account state")
	ErrNotConnected = errors.New("wallet is not connected")
)

// NetworkSwitchError reports that the wallet could not be moved to Target.
// It matches ErrNetworkMismatch and unwraps to the cause, e.g. ErrChainSwitchTimeout.
type NetworkSwitchError struct {
	Target int64
	Cause  error
}

func (e *NetworkSwitchError) Error() string {
	return fmt.Sprintf("could not switch wallet to chain %d: %v", e.Target, e.Cause)
}

func (e *NetworkSwitchError) Is(target error) bool { return target == ErrNetworkMismatch }

func (e *NetworkSwitchError) Unwrap() error { return e.Cause }

// NewNetworkSwitchError wraps the reason a switch to target failed.
func NewNetworkSwitchError(target int64, cause error) *NetworkSwitchError {
	return &NetworkSwitchError{Target: target, Cause: cause}
}

// ErrExchangeRejected is matched by every *ExchangeError via errors.Is.
var ErrExchangeRejected = errors.New("exchange rejected request")

// ExchangeError carries the literal rejection detail returned by the exchange or backend.
// The detail is never rewritten: it usually names the actual misconfiguration.
type ExchangeError struct {
	Detail string
	Status int
	// Kind is an optional taxonomy error the rejection was classified as.
	Kind error
}

func (e *ExchangeError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("exchange rejected request (%d): %s", e.Status, e.Detail)
	}
	return "exchange rejected request: " + e.Detail
}

// Is makes errors.Is(err, ErrExchangeRejected) hold for any ExchangeError,
// and errors.Is(err, e.Kind) for classified ones.
func (e *ExchangeError) Is(target error) bool {
	if target == ErrExchangeRejected {
		return true
	}
	return e.Kind != nil && target == e.Kind
}

// NewExchangeError builds an ExchangeError from a server-provided detail.
func NewExchangeError(status int, detail string) *ExchangeError {
	return &ExchangeError{Detail: detail, Status: status}
}

// NewUnauthorizedSignerError marks a rejection caused by an unknown or unapproved agent.
func NewUnauthorizedSignerError(status int, detail string) *ExchangeError {
	return &ExchangeError{Detail: detail, Status: status, Kind: ErrUnauthorizedSigner}
}

// RejectionDetail returns the server message carried by err, if any.
func RejectionDetail(err error) (string, bool) {
	var exErr *ExchangeError
	if errors.As(err, &exErr) {
		return exErr.Detail, true
	}
	return "", false
}
