// Package wallet wraps the user's wallet: account discovery, network enforcement,
// typed-data signatures and token transfers. It holds no business logic.
package wallet

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/perpgate/internal/domain"
	"github.com/vadiminshakov/perpgate/internal/eip712"
)

// Options configures Gateway timing.
type Options struct {
	RequiredChainID int64

	// SettlementChainID is where token transfers happen. Defaults to RequiredChainID.
	SettlementChainID   int64
	ChainPollInterval   time.Duration
	ChainSwitchTimeout  time.Duration
	ReceiptPollInterval time.Duration
	ReceiptTimeout      time.Duration
}

func (o *Options) setDefaults() {
	if o.SettlementChainID == 0 {
		o.SettlementChainID = o.RequiredChainID
	}
	if o.ChainPollInterval <= 0 {
		o.ChainPollInterval = 250 * time.Millisecond
	}
	if o.ChainSwitchTimeout <= 0 {
		o.ChainSwitchTimeout = 5 * time.Second
	}
	if o.ReceiptPollInterval <= 0 {
		o.ReceiptPollInterval = 2 * time.Second
	}
	if o.ReceiptTimeout <= 0 {
		o.ReceiptTimeout = 3 * time.Minute
	}
}

// Gateway owns the wallet session.
type Gateway struct {
	provider Provider
	opts     Options
	logger   *zap.Logger

	mu      sync.RWMutex
	session *domain.WalletSession
}

// NewGateway creates a gateway. A nil provider makes every call fail with ErrWalletUnavailable.
func NewGateway(provider Provider, opts Options, logger *zap.Logger) *Gateway {
	opts.setDefaults()
	return &Gateway{provider: provider, opts: opts, logger: logger}
}

// RequiredChainID is the network signing and transfers must happen on.
func (g *Gateway) RequiredChainID() int64 { return g.opts.RequiredChainID }

// Connect discovers the wallet account and moves it to the required network.
func (g *Gateway) Connect(ctx context.Context) (domain.WalletSession, error) {
	if g.provider == nil {
		return domain.WalletSession{}, domain.ErrWalletUnavailable
	}

	accounts, err := g.provider.RequestAccounts(ctx)
	if err != nil {
		return domain.WalletSession{}, errors.Wrap(err, "request accounts")
	}
	if len(accounts) == 0 {
		return domain.WalletSession{}, errors.Wrap(domain.ErrWalletUnavailable, "wallet exposes no accounts")
	}

	chainID, err := g.provider.ChainID(ctx)
	if err != nil {
		return domain.WalletSession{}, errors.Wrap(err, "read chain id")
	}

	session := domain.WalletSession{Address: accounts[0], ChainID: chainID, CanSign: true}
	g.setSession(&session)

	if chainID != g.opts.RequiredChainID {
		if err := g.SwitchChain(ctx, g.opts.RequiredChainID); err != nil {
			g.Disconnect()
			return domain.WalletSession{}, errors.Wrapf(err, "wallet on chain %d", chainID)
		}
	}

	current, _ := g.Session()
	g.logger.Info("wallet connected",
		zap.String("address", current.Address.Hex()), zap.Int64("chain_id", current.ChainID))
	return current, nil
}

// EnsureChain asks the wallet to switch to target and polls until the wallet reports it.
// It returns false when the switch is refused or not observed within the timeout.
func (g *Gateway) EnsureChain(ctx context.Context, target int64) bool {
	return g.SwitchChain(ctx, target) == nil
}

// SwitchChain is EnsureChain with the reason: the returned *domain.NetworkSwitchError
// unwraps to domain.ErrChainSwitchTimeout, the wallet's refusal or the ctx error.
func (g *Gateway) SwitchChain(ctx context.Context, target int64) error {
	if g.provider == nil {
		return domain.NewNetworkSwitchError(target, domain.ErrWalletUnavailable)
	}

	if current, err := g.provider.ChainID(ctx); err == nil && current == target {
		g.updateChain(current)
		return nil
	}

	if err := g.provider.SwitchChain(ctx, target); err != nil {
		g.logger.Warn("network switch refused", zap.Int64("target", target), zap.Error(err))
		return domain.NewNetworkSwitchError(target, err)
	}

	deadline := time.NewTimer(g.opts.ChainSwitchTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(g.opts.ChainPollInterval)
	defer ticker.Stop()

	for {
		current, err := g.provider.ChainID(ctx)
		if err == nil && current == target {
			g.updateChain(current)
			return nil
		}

		select {
		case <-ctx.Done():
			return domain.NewNetworkSwitchError(target, ctx.Err())
		case <-deadline.C:
			g.logger.Warn("network switch not observed in time",
				zap.Int64("target", target), zap.Duration("timeout", g.opts.ChainSwitchTimeout))
			return domain.NewNetworkSwitchError(target, domain.ErrChainSwitchTimeout)
		case <-ticker.C:
		}
	}
}

// Session returns the current session, if any.
func (g *Gateway) Session() (domain.WalletSession, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.session == nil {
		return domain.WalletSession{}, false
	}
	return *g.session, true
}

// Disconnect destroys the session.
func (g *Gateway) Disconnect() {
	g.setSession(nil)
}

// SignTyped asks the wallet to sign td with the session account.
func (g *Gateway) SignTyped(ctx context.Context, td apitypes.TypedData) (domain.Signature, error) {
	session, err := g.usableSession(ctx, g.opts.RequiredChainID)
	if err != nil {
		return domain.Signature{}, err
	}

	raw, err := g.provider.SignTypedData(ctx, session.Address, td)
	if err != nil {
		return domain.Signature{}, errors.Wrap(err, "sign typed data")
	}
	return eip712.Split(raw)
}

// TokenDecimals reads decimals() of an ERC-20 token.
func (g *Gateway) TokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	if g.provider == nil {
		return 0, domain.ErrWalletUnavailable
	}
	data, err := erc20ABI.Pack("decimals")
	if err != nil {
		return 0, errors.Wrap(err, "pack decimals")
	}
	out, err := g.provider.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data})
	if err != nil {
		return 0, errors.Wrap(err, "call decimals")
	}
	values, err := erc20ABI.Unpack("decimals", out)
	if err != nil {
		return 0, errors.Wrap(err, "unpack decimals")
	}
	if len(values) != 1 {
		return 0, errors.New("decimals returned no value")
	}
	decimals, ok := values[0].(uint8)
	if !ok {
		return 0, errors.Errorf("decimals returned %T", values[0])
	}
	return decimals, nil
}

// TransferToken sends amount base units of token to `to` from the session account.
// The wallet must be on the settlement chain, see EnsureChain.
func (g *Gateway) TransferToken(ctx context.Context, token, to common.Address, amount *big.Int) (common.Hash, error) {
	session, err := g.usableSession(ctx, g.opts.SettlementChainID)
	if err != nil {
		return common.Hash{}, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return common.Hash{}, errors.New("transfer amount must be positive")
	}

	hash, err := g.provider.SendERC20Transfer(ctx, session.Address, token, to, amount)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "send transfer")
	}
	g.logger.Info("token transfer sent",
		zap.String("tx", hash.Hex()), zap.String("token", token.Hex()), zap.String("amount", amount.String()))
	return hash, nil
}

// AwaitConfirmation polls for the receipt of hash. It fails with ErrTxReverted when the
// transaction failed and ErrTxTimedOut when no receipt appeared in time.
func (g *Gateway) AwaitConfirmation(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if g.provider == nil {
		return nil, domain.ErrWalletUnavailable
	}

	deadline := time.NewTimer(g.opts.ReceiptTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(g.opts.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := g.provider.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, errors.Wrapf(domain.ErrTxReverted, "tx %s", hash.Hex())
			}
			return receipt, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			g.logger.Debug("receipt lookup failed", zap.String("tx", hash.Hex()), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, errors.Wrapf(domain.ErrTxTimedOut, "tx %s", hash.Hex())
		case <-ticker.C:
		}
	}
}

// usableSession re-reads the wallet network: the user may have switched it since connect.
func (g *Gateway) usableSession(ctx context.Context, requiredChainID int64) (domain.WalletSession, error) {
	if g.provider == nil {
		return domain.WalletSession{}, domain.ErrWalletUnavailable
	}
	session, ok := g.Session()
	if !ok {
		return domain.WalletSession{}, domain.ErrNotConnected
	}

	chainID, err := g.provider.ChainID(ctx)
	if err != nil {
		return domain.WalletSession{}, errors.Wrap(err, "read chain id")
	}
	g.updateChain(chainID)
	session.ChainID = chainID

	if !session.UsableOn(requiredChainID) {
		return domain.WalletSession{}, errors.Wrapf(domain.ErrNetworkMismatch,
			"wallet on chain %d, required %d", chainID, requiredChainID)
	}
	return session, nil
}

func (g *Gateway) setSession(s *domain.WalletSession) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.session = s
}

func (g *Gateway) updateChain(chainID int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.session != nil {
		g.session.ChainID = chainID
	}
}
