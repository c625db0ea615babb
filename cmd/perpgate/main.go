// Command perpgate runs the non-custodial perp trading client: it connects a local wallet,
// funds the exchange account through the bridge, authorizes a local agent key and
// serves an HTTP console for orders and positions.
//
// Usage:
//
//	perpgate --config config.yaml
//	perpgate --setup --config config.yaml
//
// Required environment variables:
//
//	PERPGATE_WALLET_PRIVATE_KEY
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/vadiminshakov/perpgate/config"
	"github.com/vadiminshakov/perpgate/internal/account"
	"github.com/vadiminshakov/perpgate/internal/clients"
	"github.com/vadiminshakov/perpgate/internal/domain"
	"github.com/vadiminshakov/perpgate/internal/events"
	"github.com/vadiminshakov/perpgate/internal/exchange"
	"github.com/vadiminshakov/perpgate/internal/services/activation"
	"github.com/vadiminshakov/perpgate/internal/services/deposit"
	"github.com/vadiminshakov/perpgate/internal/services/executor"
	"github.com/vadiminshakov/perpgate/internal/services/pricer"
	"github.com/vadiminshakov/perpgate/internal/services/reconciler"
	"github.com/vadiminshakov/perpgate/internal/services/universe"
	"github.com/vadiminshakov/perpgate/internal/setup"
	"github.com/vadiminshakov/perpgate/internal/storage/agents"
	"github.com/vadiminshakov/perpgate/internal/storage/deposits"
	"github.com/vadiminshakov/perpgate/internal/wallet"
	"github.com/vadiminshakov/perpgate/internal/web"
)

type statusSource interface {
	AccountStatus(ctx context.Context, owner common.Address) (*domain.AccountStatus, error)
}

type positionSource interface {
	Positions(ctx context.Context, owner common.Address) (*domain.Portfolio, error)
}

type marketLister interface {
	Markets(ctx context.Context) ([]domain.Market, error)
}

func main() {
	flags := config.ParseFlags()
	if flags.Setup {
		if err := setup.RunTUI(flags.ConfigPath); err != nil {
			log.Fatal(err)
		}
	}

	cfg, err := config.Get(flags.ConfigPath)
	if err != nil {
		log.Fatal(err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("perpgate stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	var approver wallet.Approver = wallet.NewPromptApprover()
	if cfg.AutoApprove {
		logger.Warn("auto_approve is on: signatures and transfers are not confirmed on the terminal")
		approver = wallet.AutoApprover{}
	}

	provider, err := wallet.NewLocalProvider(cfg.Secrets.WalletPrivateKey, cfg.RPC, cfg.RequiredChainID, approver, logger)
	if err != nil {
		return err
	}
	defer provider.Close()

	gateway := wallet.NewGateway(provider, wallet.Options{
		RequiredChainID:    cfg.RequiredChainID,
		SettlementChainID:  cfg.SettlementChainID,
		ChainSwitchTimeout: cfg.ChainSwitchTimeout,
		ReceiptTimeout:     cfg.ReceiptTimeout,
	}, logger)

	exchangeClient := exchange.NewClient(cfg.ExchangeURL, cfg.Mainnet, logger)
	hl := clients.NewHyperliquidClient(ctx, cfg.ExchangeURL)
	var backend *clients.BackendClient
	if cfg.BackendURL != "" {
		backend = clients.NewBackendClient(cfg.BackendURL, logger)
	}

	assets, err := universe.Load(ctx, hl, nil, logger)
	if err != nil {
		return err
	}

	prices := newPricer(cfg, hl, logger)

	agentStore, err := agents.NewStore(cfg.AgentDir, logger)
	if err != nil {
		return err
	}
	depositStore, err := deposits.NewWALStore(cfg.DepositDir)
	if err != nil {
		return err
	}
	defer depositStore.Close()

	var submitter activation.Submitter = exchangeClient
	if cfg.ApprovalRoute == config.ApprovalRouteRelay {
		submitter = backend
	}
	protocol := activation.NewProtocol(gateway, submitter, agentStore, cfg.AgentName, cfg.Mainnet, logger)

	var status statusSource = hl
	if cfg.StatusSource == config.SourceBackend {
		status = backend
	}
	var positions positionSource = hl
	if cfg.PositionsSource == config.SourceBackend {
		positions = backend
	}

	rec := reconciler.NewReconciler(positions, cfg.PositionPollInterval, logger)
	exec := executor.NewExecutor(assets, prices, exchangeClient, agentStore, protocol, rec, cfg.Slippage, logger)
	bridge := deposit.NewBridge(deposit.Config{
		SettlementChainID: cfg.SettlementChainID,
		Token:             deposit.ArbitrumUSDC,
		Bridge:            deposit.ArbitrumBridge,
		MinDeposit:        cfg.MinDeposit,
		PollInterval:      cfg.DepositPollInterval,
		PollAttempts:      cfg.DepositPollAttempts,
	}, gateway, status, depositStore, logger)

	feed := events.NewBroadcaster(64)
	machine := account.NewMachine(gateway, status, bridge, exec, rec, feed, logger)
	defer machine.Close()

	var markets marketLister = universe.NewCatalog(assets, hl.Info())
	if backend != nil {
		markets = backend
	}

	return web.NewServer(cfg.HTTPAddr, machine, markets, bridge, feed, logger).Start(ctx)
}

func newPricer(cfg *config.Config, hl *clients.HyperliquidClient, logger *zap.Logger) pricer.Pricer {
	primary := pricer.NewHyperliquidPricer(hl.Info())

	var reference pricer.Pricer
	switch cfg.PriceGuard {
	case config.PriceGuardBinance:
		reference = pricer.NewBinancePricer(clients.NewBinanceClient(cfg.PriceGuardURL))
	case config.PriceGuardBybit:
		reference = pricer.NewBybitPricer(clients.NewBybitClient(cfg.PriceGuardURL))
	default:
		return primary
	}
	logger.Info("reference price guard enabled",
		zap.String("venue", cfg.PriceGuard), zap.String("max_deviation", cfg.PriceGuardMaxDeviation.String()))
	return pricer.NewGuardedPricer(primary, reference, cfg.PriceGuardMaxDeviation, logger)
}
