// Package account is the top-level controller that takes a wallet from disconnected
// to funded and authorized, and owns every background poller of the session.
package account

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/perpgate/internal/domain"
	"github.com/vadiminshakov/perpgate/internal/metrics"
)

// ErrSuperseded is returned when a disconnect or account change overtook the operation.
var ErrSuperseded = errors.New("session changed while the request was running")

// ErrDepositInProgress is returned when a deposit is already being tracked.
var ErrDepositInProgress = errors.New("a deposit is already in progress")

type walletGateway interface {
	Connect(ctx context.Context) (domain.WalletSession, error)
	Disconnect()
}

type statusSource interface {
	AccountStatus(ctx context.Context, owner common.Address) (*domain.AccountStatus, error)
}

type depositor interface {
	Deposit(ctx context.Context, session domain.WalletSession, amount decimal.Decimal) (*domain.DepositIntent, error)
	OnProgress(fn func(domain.DepositIntent))
}

type trader interface {
	Execute(ctx context.Context, session domain.WalletSession, symbol string, isBuy bool, notionalUSD decimal.Decimal, leverage int) (*domain.OrderResult, error)
	ClosePosition(ctx context.Context, session domain.WalletSession, coin string) (*domain.OrderResult, error)
	ForgetOwner(owner common.Address)
}

type positionTracker interface {
	Run(ctx context.Context, owner common.Address)
	Reset(owner common.Address)
	Portfolio(owner common.Address) (domain.Portfolio, bool)
	OnUpdate(fn func(domain.Portfolio))
}

type publisher interface {
	Publish(s domain.AccountSnapshot)
}

// Machine holds the explicit account state. Every session gets a new epoch; results
// that arrive for an older epoch are dropped, so a slow response can never touch the
// state of a newer session. The machine is the only owner of the deposit and position
// pollers and cancels both on disconnect.
type Machine struct {
	gateway   walletGateway
	status    statusSource
	deposits  depositor
	trader    trader
	positions positionTracker
	events    publisher
	logger    *zap.Logger

	// parent of every poller; cancelled by Close
	base       context.Context
	cancelBase context.CancelFunc

	mu            sync.Mutex
	state         domain.AccountState
	epoch         uint64
	session       *domain.WalletSession
	accountStatus *domain.AccountStatus
	deposit       *domain.DepositIntent
	ordersPending int
	lastError     string
	updatedAt     time.Time

	stopPositions context.CancelFunc
	stopDeposit   context.CancelFunc
}

func NewMachine(gateway walletGateway, status statusSource, deposits depositor, trader trader,
	positions positionTracker, events publisher, logger *zap.Logger) *Machine {
	base, cancel := context.WithCancel(context.Background())
	m := &Machine{
		gateway:    gateway,
		status:     status,
		deposits:   deposits,
		trader:     trader,
		positions:  positions,
		events:     events,
		logger:     logger,
		base:       base,
		cancelBase: cancel,
		state:      domain.StateDisconnected,
		updatedAt:  time.Now().UTC(),
	}
	deposits.OnProgress(m.onDepositProgress)
	positions.OnUpdate(m.onPortfolio)
	metrics.SetAccountState(domain.StateDisconnected)
	return m
}

// Connect asks the wallet for an account on the required network and checks whether
// the exchange knows it.
func (m *Machine) Connect(ctx context.Context) (domain.AccountSnapshot, error) {
	m.mu.Lock()
	if m.state != domain.StateDisconnected {
		defer m.mu.Unlock()
		return m.snapshotLocked(), errors.Wrapf(domain.ErrInvalidState, "connect in state %s", m.state)
	}
	m.epoch++
	epoch := m.epoch
	m.lastError = ""
	m.transitionLocked(domain.StateConnecting)
	m.mu.Unlock()

	session, err := m.gateway.Connect(ctx)

	m.mu.Lock()
	if m.epoch != epoch {
		defer m.mu.Unlock()
		return m.snapshotLocked(), ErrSuperseded
	}
	if err != nil {
		m.lastError = err.Error()
		m.transitionLocked(domain.StateDisconnected)
		m.mu.Unlock()
		return m.Snapshot(), err
	}
	m.session = &session
	m.transitionLocked(domain.StateCheckingStatus)
	m.mu.Unlock()

	m.logger.Info("session opened", zap.String("owner", session.Address.Hex()), zap.Uint64("epoch", epoch))
	err = m.checkStatus(ctx, epoch, session.Address)
	return m.Snapshot(), err
}

// RefreshStatus re-queries the exchange for the connected wallet.
func (m *Machine) RefreshStatus(ctx context.Context) (domain.AccountSnapshot, error) {
	m.mu.Lock()
	if m.session == nil {
		defer m.mu.Unlock()
		return m.snapshotLocked(), domain.ErrNotConnected
	}
	epoch, owner := m.epoch, m.session.Address
	if m.state == domain.StateNeedsDeposit {
		m.transitionLocked(domain.StateCheckingStatus)
	}
	m.mu.Unlock()

	err := m.checkStatus(ctx, epoch, owner)
	return m.Snapshot(), err
}

// checkStatus applies an account status query: an existing account is ready to trade,
// an unknown one needs a deposit. A funded account is never downgraded.
func (m *Machine) checkStatus(ctx context.Context, epoch uint64, owner common.Address) error {
	status, err := m.status.AccountStatus(ctx, owner)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		return ErrSuperseded
	}
	if err != nil {
		m.lastError = err.Error()
		m.touchLocked()
		return errors.Wrap(err, "check account status")
	}

	m.accountStatus = status
	switch {
	case status.Exists && m.state == domain.StateCheckingStatus:
		m.transitionLocked(domain.StateReady)
		m.startPositionsLocked(owner)
	case !status.Exists && m.state == domain.StateCheckingStatus:
		m.transitionLocked(domain.StateNeedsDeposit)
	default:
		m.touchLocked()
	}
	return nil
}

// Disconnect tears the session down and cancels every poller.
func (m *Machine) Disconnect() domain.AccountSnapshot {
	m.mu.Lock()
	m.resetLocked()
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.gateway.Disconnect()
	return snap
}

// AccountChanged handles the wallet switching accounts. Anything but the current
// account ends the session.
func (m *Machine) AccountChanged(address common.Address) domain.AccountSnapshot {
	m.mu.Lock()
	if m.session != nil && m.session.Address == address {
		defer m.mu.Unlock()
		return m.snapshotLocked()
	}
	m.mu.Unlock()

	m.logger.Info("wallet account changed", zap.String("address", address.Hex()))
	return m.Disconnect()
}

// Deposit starts a bridge deposit and waits for it. The deposit belongs to the session,
// not to ctx: if the caller gives up, polling continues until credit, exhaustion or disconnect.
func (m *Machine) Deposit(ctx context.Context, amount decimal.Decimal) (*domain.DepositIntent, error) {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return nil, domain.ErrNotConnected
	}
	if m.state != domain.StateNeedsDeposit && !m.state.CanTrade() {
		defer m.mu.Unlock()
		return nil, errors.Wrapf(domain.ErrInvalidState, "deposit in state %s", m.state)
	}
	if m.stopDeposit != nil {
		m.mu.Unlock()
		return nil, ErrDepositInProgress
	}
	session, epoch := *m.session, m.epoch
	depositCtx, cancel := context.WithCancel(m.base)
	m.stopDeposit = cancel
	m.mu.Unlock()

	type outcome struct {
		intent *domain.DepositIntent
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		intent, err := m.deposits.Deposit(depositCtx, session, amount)
		m.finishDeposit(epoch, intent, err)
		done <- outcome{intent: intent, err: err}
	}()

	select {
	case res := <-done:
		return res.intent, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Machine) finishDeposit(epoch uint64, intent *domain.DepositIntent, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		return
	}
	if m.stopDeposit != nil {
		m.stopDeposit()
		m.stopDeposit = nil
	}
	if intent != nil {
		m.deposit = intent
	}
	if err != nil {
		m.lastError = err.Error()
		m.touchLocked()
		return
	}

	if intent.Outcome == domain.DepositCredited {
		if m.accountStatus == nil {
			m.accountStatus = &domain.AccountStatus{}
		}
		m.accountStatus.Exists = true
		m.accountStatus.CheckedAt = time.Now().UTC()
		if m.state == domain.StateNeedsDeposit {
			m.transitionLocked(domain.StateReady)
			m.startPositionsLocked(m.session.Address)
			return
		}
	}
	m.touchLocked()
}

func (m *Machine) onDepositProgress(intent domain.DepositIntent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil || m.session.Address != intent.Owner || m.stopDeposit == nil {
		return
	}
	m.deposit = &intent
	m.touchLocked()
}

func (m *Machine) onPortfolio(p domain.Portfolio) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil || !common.IsHexAddress(p.Owner) || common.HexToAddress(p.Owner) != m.session.Address {
		return
	}
	m.touchLocked()
}

// Trade places an order. Orders are not serialized; the machine is Trading while any is in flight.
func (m *Machine) Trade(ctx context.Context, symbol string, isBuy bool, notionalUSD decimal.Decimal, leverage int) (*domain.OrderResult, error) {
	return m.withOrder(func(session domain.WalletSession) (*domain.OrderResult, error) {
		return m.trader.Execute(ctx, session, symbol, isBuy, notionalUSD, leverage)
	})
}

// ClosePosition flattens the position in coin.
func (m *Machine) ClosePosition(ctx context.Context, coin string) (*domain.OrderResult, error) {
	return m.withOrder(func(session domain.WalletSession) (*domain.OrderResult, error) {
		return m.trader.ClosePosition(ctx, session, coin)
	})
}

func (m *Machine) withOrder(submit func(domain.WalletSession) (*domain.OrderResult, error)) (*domain.OrderResult, error) {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return nil, domain.ErrNotConnected
	}
	if !m.state.CanTrade() {
		defer m.mu.Unlock()
		return nil, errors.Wrapf(domain.ErrInvalidState, "trade in state %s", m.state)
	}
	session, epoch := *m.session, m.epoch
	m.ordersPending++
	m.transitionLocked(domain.StateTrading)
	m.mu.Unlock()

	result, err := submit(session)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		return result, err
	}
	m.ordersPending--
	if err != nil {
		m.lastError = err.Error()
	}
	if m.ordersPending == 0 && m.state == domain.StateTrading {
		m.transitionLocked(domain.StateReady)
	} else {
		m.touchLocked()
	}
	return result, err
}

// Session returns the connected wallet session.
func (m *Machine) Session() (domain.WalletSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return domain.WalletSession{}, false
	}
	return *m.session, true
}

// Snapshot returns the current externally visible state.
func (m *Machine) Snapshot() domain.AccountSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Close stops all pollers. The machine is unusable afterwards.
func (m *Machine) Close() {
	m.mu.Lock()
	m.resetLocked()
	m.mu.Unlock()
	m.cancelBase()
}

func (m *Machine) resetLocked() {
	if m.stopPositions != nil {
		m.stopPositions()
		m.stopPositions = nil
	}
	if m.stopDeposit != nil {
		m.stopDeposit()
		m.stopDeposit = nil
	}
	if m.session != nil {
		m.positions.Reset(m.session.Address)
		m.trader.ForgetOwner(m.session.Address)
		m.logger.Info("session closed", zap.String("owner", m.session.Address.Hex()), zap.Uint64("epoch", m.epoch))
	}
	m.epoch++
	m.session = nil
	m.accountStatus = nil
	m.deposit = nil
	m.ordersPending = 0
	m.transitionLocked(domain.StateDisconnected)
}

// startPositionsLocked replaces the position poller; there is never more than one.
func (m *Machine) startPositionsLocked(owner common.Address) {
	if m.stopPositions != nil {
		m.stopPositions()
	}
	ctx, cancel := context.WithCancel(m.base)
	m.stopPositions = cancel
	go m.positions.Run(ctx, owner)
}

func (m *Machine) transitionLocked(next domain.AccountState) {
	if m.state != next {
		m.logger.Info("account state changed",
			zap.String("from", m.state.String()), zap.String("state", next.String()))
	}
	m.state = next
	metrics.SetAccountState(next)
	m.touchLocked()
}

func (m *Machine) touchLocked() {
	m.updatedAt = time.Now().UTC()
	m.events.Publish(m.snapshotLocked())
}

func (m *Machine) snapshotLocked() domain.AccountSnapshot {
	snap := domain.AccountSnapshot{
		State:         m.state,
		OrdersPending: m.ordersPending,
		LastError:     m.lastError,
		UpdatedAt:     m.updatedAt,
	}
	if m.session != nil {
		snap.Address = m.session.Address.Hex()
		snap.ChainID = m.session.ChainID
		if p, ok := m.positions.Portfolio(m.session.Address); ok {
			snap.Portfolio = &p
		}
	}
	if m.accountStatus != nil {
		status := *m.accountStatus
		snap.Status = &status
	}
	if m.deposit != nil {
		d := *m.deposit
		snap.Deposit = &d
	}
	return snap
}
