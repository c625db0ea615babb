// Package config loads the perpgate yaml config and the secrets taken from the environment.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const envPrefix = "perpgate"

const (
	ApprovalRouteRelay  = "relay"
	ApprovalRouteDirect = "direct"

	SourceBackend  = "backend"
	SourceExchange = "exchange"

	PriceGuardNone    = "none"
	PriceGuardBinance = "binance"
	PriceGuardBybit   = "bybit"
)

// Config is the validated runtime configuration.
type Config struct {
	ExchangeURL string
	BackendURL  string
	Mainnet     bool

	RequiredChainID   int64
	SettlementChainID int64
	RPC               map[int64]string

	AgentName  string
	AgentDir   string
	DepositDir string

	// ApprovalRoute sends signed agent approvals through the backend relay or straight to the exchange.
	ApprovalRoute   string
	PositionsSource string
	StatusSource    string

	PriceGuard             string
	PriceGuardURL          string
	PriceGuardMaxDeviation decimal.Decimal

	Slippage             decimal.Decimal
	MinDeposit           decimal.Decimal
	DepositPollInterval  time.Duration
	DepositPollAttempts  int
	PositionPollInterval time.Duration
	ChainSwitchTimeout   time.Duration
	ReceiptTimeout       time.Duration

	// AutoApprove signs and sends without a terminal prompt.
	AutoApprove bool
	HTTPAddr    string

	Secrets Secrets
}

// Secrets never live in the yaml file.
type Secrets struct {
	WalletPrivateKey string `envconfig:"WALLET_PRIVATE_KEY" required:"true"`
}

// ConfigTmp is the on-disk yaml shape.
type ConfigTmp struct {
	ExchangeURL               string           `yaml:"exchange_url"`
	BackendURL                string           `yaml:"backend_url"`
	Mainnet                   *bool            `yaml:"mainnet,omitempty"`
	RequiredChainID           int64            `yaml:"required_chain_id,omitempty"`
	SettlementChainID         int64            `yaml:"settlement_chain_id,omitempty"`
	RPC                       map[int64]string `yaml:"rpc"`
	AgentName                 string           `yaml:"agent_name,omitempty"`
	AgentDir                  string           `yaml:"agent_dir,omitempty"`
	DepositDir                string           `yaml:"deposit_dir,omitempty"`
	ApprovalRoute             string           `yaml:"approval_route,omitempty"`
	PositionsSource           string           `yaml:"positions_source,omitempty"`
	StatusSource              string           `yaml:"status_source,omitempty"`
	PriceGuard                string           `yaml:"price_guard,omitempty"`
	PriceGuardURL             string           `yaml:"price_guard_url,omitempty"`
	PriceGuardMaxDeviationStr string           `yaml:"price_guard_max_deviation,omitempty"`
	SlippageStr               string           `yaml:"slippage,omitempty"`
	MinDepositStr             string           `yaml:"min_deposit,omitempty"`
	DepositPollInterval       time.Duration    `yaml:"deposit_poll_interval,omitempty"`
	DepositPollAttempts       int              `yaml:"deposit_poll_attempts,omitempty"`
	PositionPollInterval      time.Duration    `yaml:"position_poll_interval,omitempty"`
	ChainSwitchTimeout        time.Duration    `yaml:"chain_switch_timeout,omitempty"`
	ReceiptTimeout            time.Duration    `yaml:"receipt_timeout,omitempty"`
	AutoApprove               bool             `yaml:"auto_approve,omitempty"`
	HTTPAddr                  string           `yaml:"http_addr,omitempty"`
}

// Flags are the command line switches.
type Flags struct {
	ConfigPath string
	Setup      bool
}

// ParseFlags reads the command line.
func ParseFlags() Flags {
	path := flag.String("config", "config.yaml", "path to yaml config")
	setup := flag.Bool("setup", false, "run the configuration wizard and write the config file")
	flag.Parse()
	return Flags{ConfigPath: *path, Setup: *setup}
}

// Get loads path and the environment secrets.
func Get(path string) (*Config, error) {
	f, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg, err := Parse(f)
	if err != nil {
		return nil, err
	}

	if err := envconfig.Process(envPrefix, &cfg.Secrets); err != nil {
		return nil, fmt.Errorf("error processing env config: %w", err)
	}
	if strings.TrimSpace(cfg.Secrets.WalletPrivateKey) == "" {
		return nil, fmt.Errorf("PERPGATE_WALLET_PRIVATE_KEY is empty")
	}
	return cfg, nil
}

// Parse decodes and validates a yaml document, filling defaults. Secrets are left empty.
func Parse(data []byte) (*Config, error) {
	var tmp ConfigTmp
	if err := yaml.Unmarshal(data, &tmp); err != nil {
		return nil, err
	}
	return tmp.toConfig()
}

func (c ConfigTmp) toConfig() (*Config, error) {
	cfg := &Config{
		ExchangeURL:          strings.TrimRight(c.ExchangeURL, "/"),
		BackendURL:           strings.TrimRight(c.BackendURL, "/"),
		Mainnet:              true,
		RequiredChainID:      c.RequiredChainID,
		SettlementChainID:    c.SettlementChainID,
		RPC:                  c.RPC,
		AgentName:            c.AgentName,
		AgentDir:             c.AgentDir,
		DepositDir:           c.DepositDir,
		ApprovalRoute:        strings.ToLower(c.ApprovalRoute),
		PositionsSource:      strings.ToLower(c.PositionsSource),
		StatusSource:         strings.ToLower(c.StatusSource),
		PriceGuard:           strings.ToLower(c.PriceGuard),
		PriceGuardURL:        c.PriceGuardURL,
		DepositPollInterval:  c.DepositPollInterval,
		DepositPollAttempts:  c.DepositPollAttempts,
		PositionPollInterval: c.PositionPollInterval,
		ChainSwitchTimeout:   c.ChainSwitchTimeout,
		ReceiptTimeout:       c.ReceiptTimeout,
		AutoApprove:          c.AutoApprove,
		HTTPAddr:             c.HTTPAddr,
	}
	if c.Mainnet != nil {
		cfg.Mainnet = *c.Mainnet
	}

	var err error
	if cfg.Slippage, err = parseDecimal("slippage", c.SlippageStr, "0.05"); err != nil {
		return nil, err
	}
	if cfg.MinDeposit, err = parseDecimal("min_deposit", c.MinDepositStr, "10"); err != nil {
		return nil, err
	}
	if cfg.PriceGuardMaxDeviation, err = parseDecimal("price_guard_max_deviation", c.PriceGuardMaxDeviationStr, "0.02"); err != nil {
		return nil, err
	}

	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.ExchangeURL == "" {
		if c.Mainnet {
			c.ExchangeURL = "https://api.hyperliquid.xyz"
		} else {
			c.ExchangeURL = "https://api.hyperliquid-testnet.xyz"
		}
	}
	if c.RequiredChainID == 0 {
		c.RequiredChainID = 42161
	}
	if c.SettlementChainID == 0 {
		c.SettlementChainID = 42161
	}
	if c.AgentName == "" {
		c.AgentName = "perpgate"
	}
	if c.AgentDir == "" {
		c.AgentDir = "data/agents"
	}
	if c.DepositDir == "" {
		c.DepositDir = "data/deposits"
	}
	if c.ApprovalRoute == "" {
		c.ApprovalRoute = ApprovalRouteRelay
		if c.BackendURL == "" {
			c.ApprovalRoute = ApprovalRouteDirect
		}
	}
	if c.PositionsSource == "" {
		c.PositionsSource = defaultSource(c.BackendURL)
	}
	if c.StatusSource == "" {
		c.StatusSource = defaultSource(c.BackendURL)
	}
	if c.PriceGuard == "" {
		c.PriceGuard = PriceGuardNone
	}
	if c.DepositPollInterval <= 0 {
		c.DepositPollInterval = 3 * time.Second
	}
	if c.DepositPollAttempts <= 0 {
		c.DepositPollAttempts = 30
	}
	if c.PositionPollInterval <= 0 {
		c.PositionPollInterval = 5 * time.Second
	}
	if c.ChainSwitchTimeout <= 0 {
		c.ChainSwitchTimeout = 5 * time.Second
	}
	if c.ReceiptTimeout <= 0 {
		c.ReceiptTimeout = 3 * time.Minute
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = "127.0.0.1:8080"
	}
}

func (c *Config) validate() error {
	if !oneOf(c.ApprovalRoute, ApprovalRouteRelay, ApprovalRouteDirect) {
		return fmt.Errorf("incorrect 'approval_route' param in yaml config: %s (relay or direct)", c.ApprovalRoute)
	}
	if !oneOf(c.PositionsSource, SourceBackend, SourceExchange) {
		return fmt.Errorf("incorrect 'positions_source' param in yaml config: %s (backend or exchange)", c.PositionsSource)
	}
	if !oneOf(c.StatusSource, SourceBackend, SourceExchange) {
		return fmt.Errorf("incorrect 'status_source' param in yaml config: %s (backend or exchange)", c.StatusSource)
	}
	if !oneOf(c.PriceGuard, PriceGuardNone, PriceGuardBinance, PriceGuardBybit) {
		return fmt.Errorf("incorrect 'price_guard' param in yaml config: %s (none, binance or bybit)", c.PriceGuard)
	}

	needsBackend := c.ApprovalRoute == ApprovalRouteRelay ||
		c.PositionsSource == SourceBackend || c.StatusSource == SourceBackend
	if needsBackend && c.BackendURL == "" {
		return fmt.Errorf("'backend_url' is required when approvals, positions or status go through the backend")
	}

	if _, ok := c.RPC[c.RequiredChainID]; !ok {
		return fmt.Errorf("'rpc' has no endpoint for required chain %d", c.RequiredChainID)
	}
	if _, ok := c.RPC[c.SettlementChainID]; !ok {
		return fmt.Errorf("'rpc' has no endpoint for settlement chain %d", c.SettlementChainID)
	}

	if !c.Slippage.IsPositive() || c.Slippage.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("incorrect 'slippage' param in yaml config: %s (must be in (0, 1))", c.Slippage)
	}
	if !c.MinDeposit.IsPositive() {
		return fmt.Errorf("incorrect 'min_deposit' param in yaml config: %s (must be positive)", c.MinDeposit)
	}
	if !c.PriceGuardMaxDeviation.IsPositive() {
		return fmt.Errorf("incorrect 'price_guard_max_deviation' param in yaml config: %s (must be positive)", c.PriceGuardMaxDeviation)
	}
	return nil
}

func parseDecimal(name, raw, def string) (decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		raw = def
	}
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("incorrect '%s' param in yaml config (must be a decimal), error: %w", name, err)
	}
	return d, nil
}

func defaultSource(backendURL string) string {
	if backendURL == "" {
		return SourceExchange
	}
	return SourceBackend
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}
