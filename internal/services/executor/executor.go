// Package executor turns notional trade requests into signed, slippage-bounded IOC orders.
package executor

import (
	"context"
	"encoding/hex"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/perpgate/internal/domain"
	"github.com/vadiminshakov/perpgate/internal/metrics"
)

// DefaultSlippage bounds the IOC limit price around the reference price.
var DefaultSlippage = decimal.RequireFromString("0.05")

type assetResolver interface {
	Resolve(symbol string) (domain.Asset, error)
}

type priceSource interface {
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

type orderClient interface {
	PlaceOrder(ctx context.Context, agent *domain.AgentIdentity, intent *domain.OrderIntent) (*domain.OrderResult, error)
	UpdateLeverage(ctx context.Context, agent *domain.AgentIdentity, assetIndex, leverage int) error
}

type agentStore interface {
	GetOrCreate(owner common.Address) (*domain.AgentIdentity, error)
	MarkUnapproved(owner common.Address) error
}

type activator interface {
	Activate(ctx context.Context, session domain.WalletSession, agent *domain.AgentIdentity) (domain.ActivationState, error)
	Invalidate(owner common.Address)
}

// positionRefresher fetches positions from the exchange and replaces the local mirror.
type positionRefresher interface {
	Refresh(ctx context.Context, owner common.Address) (*domain.Portfolio, error)
}

// Executor places orders for a connected wallet through its agent.
type Executor struct {
	assets    assetResolver
	prices    priceSource
	orders    orderClient
	agents    agentStore
	activator activator
	positions positionRefresher
	slippage  decimal.Decimal
	logger    *zap.Logger

	mu       sync.Mutex
	leverage map[leverageKey]int
}

type leverageKey struct {
	owner common.Address
	asset int
}

func NewExecutor(
	assets assetResolver,
	prices priceSource,
	orders orderClient,
	agents agentStore,
	activator activator,
	positions positionRefresher,
	slippage decimal.Decimal,
	logger *zap.Logger,
) *Executor {
	if !slippage.IsPositive() {
		slippage = DefaultSlippage
	}
	return &Executor{
		assets:    assets,
		prices:    prices,
		orders:    orders,
		agents:    agents,
		activator: activator,
		positions: positions,
		slippage:  slippage,
		logger:    logger,
		leverage:  make(map[leverageKey]int),
	}
}

// Execute buys or sells notionalUSD worth of symbol at the given leverage.
// An unknown symbol fails before anything is sent anywhere.
// An IOC order that finds no liquidity returns a no_fill result, not an error.
func (e *Executor) Execute(ctx context.Context, session domain.WalletSession, symbol string, isBuy bool,
	notionalUSD decimal.Decimal, leverage int) (*domain.OrderResult, error) {
	asset, err := e.assets.Resolve(symbol)
	if err != nil {
		return nil, err
	}
	if leverage < 1 {
		return nil, errors.New("leverage must be at least 1")
	}
	if asset.MaxLeverage > 0 && leverage > asset.MaxLeverage {
		return nil, errors.Wrapf(domain.ErrLeverageTooHigh, "%dx requested, %s allows %dx", leverage, asset.Name, asset.MaxLeverage)
	}
	if !notionalUSD.IsPositive() {
		return nil, errors.New("notional must be greater than zero")
	}

	agent, err := e.readyAgent(ctx, session)
	if err != nil {
		return nil, err
	}

	// priced after activation: the wallet prompt may have taken a while
	ref, err := e.prices.GetPrice(ctx, asset.Name)
	if err != nil {
		return nil, err
	}
	intent, err := domain.NewOrderIntent(asset, isBuy, notionalUSD, leverage, ref, e.slippage)
	if err != nil {
		return nil, err
	}
	intent.ClientOrderID = newClientOrderID()

	return e.submit(ctx, session, agent, intent)
}

// ClosePosition flattens the live position in coin with a reduce-only order.
// Positions are re-fetched first; a cached size could be stale.
func (e *Executor) ClosePosition(ctx context.Context, session domain.WalletSession, coin string) (*domain.OrderResult, error) {
	asset, err := e.assets.Resolve(coin)
	if err != nil {
		return nil, err
	}

	portfolio, err := e.positions.Refresh(ctx, session.Address)
	if err != nil {
		return nil, errors.Wrap(err, "fetch positions")
	}
	position, ok := portfolio.Find(asset.Name)
	if !ok {
		return nil, errors.Wrapf(domain.ErrNoSuchPosition, "%s", asset.Name)
	}

	agent, err := e.readyAgent(ctx, session)
	if err != nil {
		return nil, err
	}

	ref, err := e.prices.GetPrice(ctx, asset.Name)
	if err != nil {
		return nil, err
	}
	intent, err := domain.NewCloseIntent(asset, position, ref, e.slippage)
	if err != nil {
		return nil, err
	}
	intent.ClientOrderID = newClientOrderID()

	return e.submit(ctx, session, agent, intent)
}

// readyAgent returns the owner's agent, activating it first if it is not approved.
func (e *Executor) readyAgent(ctx context.Context, session domain.WalletSession) (*domain.AgentIdentity, error) {
	if session.Address == (common.Address{}) {
		return nil, domain.ErrNotConnected
	}
	agent, err := e.agents.GetOrCreate(session.Address)
	if err != nil {
		return nil, errors.Wrap(err, "load agent")
	}
	if agent.Approved {
		return agent, nil
	}
	return e.activate(ctx, session, agent)
}

func (e *Executor) activate(ctx context.Context, session domain.WalletSession, agent *domain.AgentIdentity) (*domain.AgentIdentity, error) {
	if _, err := e.activator.Activate(ctx, session, agent); err != nil {
		return nil, errors.Wrap(err, "activate agent")
	}
	agent, err := e.agents.GetOrCreate(session.Address)
	if err != nil {
		return nil, errors.Wrap(err, "reload agent")
	}
	return agent, nil
}

// submit sends the order, repairing an unauthorized agent at most once.
func (e *Executor) submit(ctx context.Context, session domain.WalletSession, agent *domain.AgentIdentity,
	intent *domain.OrderIntent) (*domain.OrderResult, error) {
	owner := session.Address

	result, err := e.place(ctx, owner, agent, intent)
	if errors.Is(err, domain.ErrUnauthorizedSigner) {
		e.logger.Warn("agent rejected as unauthorized, re-activating",
			zap.String("owner", owner.Hex()), zap.String("agent", agent.Address.Hex()), zap.Error(err))

		agent, err = e.repair(ctx, session)
		if err != nil {
			metrics.IncOrder("error")
			return nil, err
		}
		result, err = e.place(ctx, owner, agent, intent)
	}

	e.refresh(ctx, owner, result, err)

	switch {
	case err != nil && errors.Is(err, domain.ErrExchangeRejected):
		metrics.IncOrder("rejected")
		return nil, err
	case err != nil:
		metrics.IncOrder("error")
		return nil, err
	}

	metrics.IncOrder(string(result.Status))
	e.logger.Info("order completed",
		zap.String("owner", owner.Hex()),
		zap.String("symbol", intent.Symbol),
		zap.Bool("is_buy", intent.IsBuy),
		zap.Bool("reduce_only", intent.ReduceOnly),
		zap.String("size", intent.Size.String()),
		zap.String("limit_px", intent.LimitPrice.String()),
		zap.String("status", string(result.Status)),
		zap.String("filled", result.FilledSize.String()))
	return result, nil
}

func (e *Executor) repair(ctx context.Context, session domain.WalletSession) (*domain.AgentIdentity, error) {
	if err := e.agents.MarkUnapproved(session.Address); err != nil {
		return nil, errors.Wrap(err, "mark agent unapproved")
	}
	e.activator.Invalidate(session.Address)

	agent, err := e.agents.GetOrCreate(session.Address)
	if err != nil {
		return nil, errors.Wrap(err, "load agent")
	}
	return e.activate(ctx, session, agent)
}

func (e *Executor) place(ctx context.Context, owner common.Address, agent *domain.AgentIdentity,
	intent *domain.OrderIntent) (*domain.OrderResult, error) {
	if !intent.ReduceOnly && intent.Leverage > 0 {
		if err := e.ensureLeverage(ctx, owner, agent, intent.AssetIndex, intent.Leverage); err != nil {
			return nil, err
		}
	}
	return e.orders.PlaceOrder(ctx, agent, intent)
}

func (e *Executor) ensureLeverage(ctx context.Context, owner common.Address, agent *domain.AgentIdentity, asset, leverage int) error {
	key := leverageKey{owner: owner, asset: asset}
	e.mu.Lock()
	current, ok := e.leverage[key]
	e.mu.Unlock()
	if ok && current == leverage {
		return nil
	}

	if err := e.orders.UpdateLeverage(ctx, agent, asset, leverage); err != nil {
		return err
	}

	e.mu.Lock()
	e.leverage[key] = leverage
	e.mu.Unlock()
	return nil
}

// refresh re-reads positions once the exchange has seen the order.
// Position state is never derived from the outgoing request.
func (e *Executor) refresh(ctx context.Context, owner common.Address, result *domain.OrderResult, err error) {
	if result == nil && !errors.Is(err, domain.ErrExchangeRejected) {
		return
	}
	if _, rerr := e.positions.Refresh(ctx, owner); rerr != nil {
		e.logger.Warn("failed to refresh positions after order", zap.String("owner", owner.Hex()), zap.Error(rerr))
	}
}

// ForgetOwner drops cached leverage settings of owner.
func (e *Executor) ForgetOwner(owner common.Address) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k := range e.leverage {
		if k.owner == owner {
			delete(e.leverage, k)
		}
	}
}

// newClientOrderID returns a 128-bit client order id as 0x-prefixed hex.
func newClientOrderID() string {
	id := uuid.New()
	return "0x" + hex.EncodeToString(id[:])
}
