// Package deposit moves stablecoin collateral to the exchange bridge and waits for credit.
package deposit

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/perpgate/internal/domain"
	"github.com/vadiminshakov/perpgate/internal/metrics"
	"github.com/vadiminshakov/perpgate/pkg/retrier"
)

// Arbitrum One settlement defaults.
const (
	ArbitrumChainID = 42161

	DefaultPollInterval    = 3 * time.Second
	DefaultPollAttempts    = 30
	DefaultBaselineRetries = 2
)

var (
	ArbitrumUSDC   = common.HexToAddress("0xaf88d065e77c8cC2239327C5EDb3A432268e5831")
	ArbitrumBridge = common.HexToAddress("0x2df1c51E09aECF9cacB7bc98cB1742757f163dF7")

	DefaultMinDeposit = decimal.NewFromInt(10)
)

type chainGateway interface {
	SwitchChain(ctx context.Context, target int64) error
	TokenDecimals(ctx context.Context, token common.Address) (uint8, error)
	TransferToken(ctx context.Context, token, to common.Address, amount *big.Int) (common.Hash, error)
	AwaitConfirmation(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

type statusSource interface {
	AccountStatus(ctx context.Context, owner common.Address) (*domain.AccountStatus, error)
}

type journal interface {
	Save(intent domain.DepositIntent) error
	Latest(owner common.Address) ([]domain.DepositIntent, error)
}

// Config pins the settlement chain, token and polling budget.
type Config struct {
	SettlementChainID int64
	Token             common.Address
	Bridge            common.Address
	MinDeposit        decimal.Decimal
	PollInterval      time.Duration
	PollAttempts      int
	// BaselineRetries bounds the extra pre-transfer status reads.
	BaselineRetries int
}

func (c *Config) setDefaults() {
	if c.SettlementChainID == 0 {
		c.SettlementChainID = ArbitrumChainID
	}
	if c.Token == (common.Address{}) {
		c.Token = ArbitrumUSDC
	}
	if c.Bridge == (common.Address{}) {
		c.Bridge = ArbitrumBridge
	}
	if c.MinDeposit.IsZero() {
		c.MinDeposit = DefaultMinDeposit
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PollAttempts <= 0 {
		c.PollAttempts = DefaultPollAttempts
	}
	if c.BaselineRetries <= 0 {
		c.BaselineRetries = DefaultBaselineRetries
	}
}

// Bridge runs deposits. Every state change is journaled and reported to the progress hook.
type Bridge struct {
	cfg      Config
	gateway  chainGateway
	status   statusSource
	journal  journal
	retrier  *retrier.Retrier
	logger   *zap.Logger
	progress func(domain.DepositIntent)
	now      func() time.Time
}

func NewBridge(cfg Config, gateway chainGateway, status statusSource, journal journal, logger *zap.Logger) *Bridge {
	cfg.setDefaults()
	return &Bridge{
		cfg:     cfg,
		gateway: gateway,
		status:  status,
		journal: journal,
		retrier: retrier.New(
			retrier.WithInitialInterval(cfg.PollInterval),
			retrier.WithMaxInterval(cfg.PollInterval*4),
			retrier.WithMaxRetries(cfg.BaselineRetries),
			retrier.WithOnRetry(func(attempt int, err error, wait time.Duration) {
				logger.Warn("account status read before deposit failed, retrying",
					zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
			}),
		),
		logger: logger,
		now:    time.Now,
	}
}

// OnProgress registers a hook called with every intermediate state of a deposit.
func (b *Bridge) OnProgress(fn func(domain.DepositIntent)) {
	b.progress = fn
}

// MinDeposit returns the protocol minimum.
func (b *Bridge) MinDeposit() decimal.Decimal { return b.cfg.MinDeposit }

// Deposit transfers amount of the stablecoin to the bridge and polls until the exchange
// credits it. Once the transfer is confirmed on-chain the error is always nil: running
// out of polls ends in the pending_credit outcome, which means the funds are safe.
// A sent transfer whose receipt could not be observed ends in pending_confirmation.
func (b *Bridge) Deposit(ctx context.Context, session domain.WalletSession, amount decimal.Decimal) (*domain.DepositIntent, error) {
	if amount.LessThan(b.cfg.MinDeposit) {
		return nil, errors.Wrapf(domain.ErrBelowMinimum, "%s < %s", amount, b.cfg.MinDeposit)
	}
	if session.Address == (common.Address{}) {
		return nil, domain.ErrNotConnected
	}
	owner := session.Address

	if err := b.gateway.SwitchChain(ctx, b.cfg.SettlementChainID); err != nil {
		return nil, errors.Wrap(err, "move wallet to settlement chain")
	}

	decimals, err := b.gateway.TokenDecimals(ctx, b.cfg.Token)
	if err != nil {
		return nil, errors.Wrap(err, "read token decimals")
	}
	units, err := toBaseUnits(amount, decimals)
	if err != nil {
		return nil, err
	}

	// an account that already exists is credited when its value grows;
	// nil means the pre-transfer state is unknown
	baseline := b.baseline(ctx, owner)

	now := b.now().UTC()
	intent := &domain.DepositIntent{
		ID:        uuid.NewString(),
		Owner:     owner,
		Amount:    amount,
		CreatedAt: now,
		UpdatedAt: now,
	}
	b.record(intent)

	hash, err := b.gateway.TransferToken(ctx, b.cfg.Token, b.cfg.Bridge, units)
	if err != nil {
		b.fail(intent, err)
		return intent, errors.Wrap(err, "transfer to bridge")
	}
	intent.TxHash = hash
	b.record(intent)
	b.logger.Info("deposit sent",
		zap.String("owner", owner.Hex()), zap.String("tx", hash.Hex()), zap.String("amount", amount.String()))

	if _, err := b.gateway.AwaitConfirmation(ctx, hash); err != nil {
		if errors.Is(err, domain.ErrTxReverted) || errors.Is(err, domain.ErrTxTimedOut) {
			b.fail(intent, err)
		} else {
			// the transfer is out; only its receipt is unknown
			b.logger.Warn("deposit confirmation unknown",
				zap.String("owner", owner.Hex()), zap.String("tx", hash.Hex()), zap.Error(err))
			intent.Error = err.Error()
			b.finish(intent, domain.DepositPendingConfirmation)
		}
		return intent, errors.Wrap(err, "await deposit confirmation")
	}
	intent.ConfirmedOnChain = true
	b.record(intent)

	b.awaitCredit(ctx, intent, baseline)
	return intent, nil
}

// History returns the journaled deposits of owner, newest first.
func (b *Bridge) History(owner common.Address) ([]domain.DepositIntent, error) {
	return b.journal.Latest(owner)
}

// awaitCredit polls account status one request at a time until credit shows up,
// the budget runs out or ctx is cancelled.
func (b *Bridge) awaitCredit(ctx context.Context, intent *domain.DepositIntent, baseline *domain.AccountStatus) {
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	for intent.Polls < b.cfg.PollAttempts {
		select {
		case <-ctx.Done():
			b.logger.Info("deposit polling cancelled",
				zap.String("owner", intent.Owner.Hex()), zap.String("tx", intent.TxHash.Hex()))
			b.finish(intent, domain.DepositPendingCredit)
			return
		case <-ticker.C:
		}

		intent.Polls++
		status, err := b.status.AccountStatus(ctx, intent.Owner)
		if err != nil {
			b.logger.Warn("account status poll failed",
				zap.String("owner", intent.Owner.Hex()), zap.Int("poll", intent.Polls), zap.Error(err))
			b.record(intent)
			continue
		}
		if baseline == nil {
			// without a pre-transfer read the first answer becomes the reference;
			// a credit that already landed then ends as pending_credit, never as a false credit
			baseline = status
			b.record(intent)
			continue
		}
		if credited(baseline, status) {
			intent.CreditedOffChain = true
			b.finish(intent, domain.DepositCredited)
			return
		}
		b.record(intent)
	}

	b.logger.Info("deposit not credited yet, giving up polling",
		zap.String("owner", intent.Owner.Hex()), zap.String("tx", intent.TxHash.Hex()), zap.Int("polls", intent.Polls))
	b.finish(intent, domain.DepositPendingCredit)
}

func (b *Bridge) baseline(ctx context.Context, owner common.Address) *domain.AccountStatus {
	status, err := retrier.DoWithData(b.retrier, ctx, func(ctx context.Context) (*domain.AccountStatus, error) {
		return b.status.AccountStatus(ctx, owner)
	})
	if err != nil {
		b.logger.Warn("could not read account status before deposit", zap.String("owner", owner.Hex()), zap.Error(err))
		return nil
	}
	return status
}

func credited(baseline, current *domain.AccountStatus) bool {
	if baseline == nil || current == nil || !current.Exists {
		return false
	}
	if !baseline.Exists {
		return true
	}
	return current.AccountValue.GreaterThan(baseline.AccountValue)
}

func (b *Bridge) fail(intent *domain.DepositIntent, err error) {
	intent.Error = err.Error()
	b.finish(intent, domain.DepositFailed)
}

func (b *Bridge) finish(intent *domain.DepositIntent, outcome domain.DepositOutcome) {
	intent.Outcome = outcome
	b.record(intent)
	metrics.IncDeposit(string(outcome))
}

func (b *Bridge) record(intent *domain.DepositIntent) {
	intent.UpdatedAt = b.now().UTC()
	if err := b.journal.Save(*intent); err != nil {
		b.logger.Error("failed to journal deposit", zap.String("id", intent.ID), zap.Error(err))
	}
	if b.progress != nil {
		b.progress(*intent)
	}
}

// toBaseUnits scales amount by the token decimals, refusing anything that would be rounded.
func toBaseUnits(amount decimal.Decimal, decimals uint8) (*big.Int, error) {
	scaled := amount.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, errors.Errorf("amount %s has more than %d decimals", amount, decimals)
	}
	return scaled.BigInt(), nil
}
