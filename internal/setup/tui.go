// Package setup is the terminal wizard that writes the perpgate config file.
package setup

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vadiminshakov/perpgate/config"
)

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Background(highlight).
			Padding(1, 2).
			Bold(true).
			MarginBottom(1)

	stepStyle = lipgloss.NewStyle().
			Foreground(special).
			Bold(true).
			MarginTop(1).
			MarginBottom(0)
)

// Answers collects everything the wizard asks.
type Answers struct {
	Network         string
	BackendURL      string
	ArbitrumRPC     string
	TestnetRPC      string
	ApprovalRoute   string
	PositionsSource string
	PriceGuard      string
	SlippageStr     string
	MinDepositStr   string
	PollIntervalStr string
	HTTPAddr        string
}

func defaultAnswers() Answers {
	return Answers{
		Network:         "mainnet",
		ArbitrumRPC:     "https://arb1.arbitrum.io/rpc",
		TestnetRPC:      "https://sepolia-rollup.arbitrum.io/rpc",
		ApprovalRoute:   config.ApprovalRouteRelay,
		PositionsSource: config.SourceBackend,
		PriceGuard:      config.PriceGuardNone,
		SlippageStr:     "0.05",
		MinDepositStr:   "10",
		PollIntervalStr: "5s",
		HTTPAddr:        "127.0.0.1:8080",
	}
}

// RunTUI launches the terminal configuration wizard and writes path.
func RunTUI(path string) error {
	a := defaultAnswers()
	var confirm bool

	// step 1: network
	clearScreen()
	fmt.Println(headerStyle.Render("PERPGATE CONFIG WIZARD"))
	fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render("Your keys stay on this machine. Orders are signed by a local agent key.\n"))
	fmt.Println(stepStyle.Render("STEP 1: NETWORK"))
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Exchange network").
				Options(
					huh.NewOption("Mainnet (Arbitrum One)", "mainnet"),
					huh.NewOption("Testnet (Arbitrum Sepolia)", "testnet"),
				).
				Value(&a.Network),
			huh.NewInput().
				Title("Arbitrum One RPC").
				Description("Deposits always settle on Arbitrum One").
				Value(&a.ArbitrumRPC).
				Validate(notEmpty("rpc")),
		),
	).Run()
	if err != nil {
		return err
	}
	if a.Network == "testnet" {
		err = huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Arbitrum Sepolia RPC").
					Value(&a.TestnetRPC).
					Validate(notEmpty("rpc")),
			),
		).Run()
		if err != nil {
			return err
		}
	}

	// step 2: backend
	clearScreen()
	fmt.Println(headerStyle.Render("PERPGATE CONFIG WIZARD"))
	fmt.Println(stepStyle.Render("STEP 2: BACKEND"))
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Backend URL").
				Description("Leave empty to talk to the exchange directly").
				Value(&a.BackendURL),
		),
	).Run()
	if err != nil {
		return err
	}
	if a.BackendURL == "" {
		a.ApprovalRoute = config.ApprovalRouteDirect
		a.PositionsSource = config.SourceExchange
	} else {
		err = huh.NewForm(
			huh.NewGroup(
				huh.NewSelect[string]().
					Title("Agent approvals").
					Options(
						huh.NewOption("Relay through backend", config.ApprovalRouteRelay),
						huh.NewOption("Send to exchange directly", config.ApprovalRouteDirect),
					).
					Value(&a.ApprovalRoute),
				huh.NewSelect[string]().
					Title("Positions source").
					Options(
						huh.NewOption("Backend", config.SourceBackend),
						huh.NewOption("Exchange", config.SourceExchange),
					).
					Value(&a.PositionsSource),
			),
		).Run()
		if err != nil {
			return err
		}
	}

	// step 3: trading
	clearScreen()
	fmt.Println(headerStyle.Render("PERPGATE CONFIG WIZARD"))
	fmt.Println(stepStyle.Render("STEP 3: TRADING"))
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Slippage").
				Description("Fraction of the reference price (e.g. 0.05)").
				Value(&a.SlippageStr).
				Validate(validateFraction),
			huh.NewInput().
				Title("Minimum deposit USDC").
				Value(&a.MinDepositStr).
				Validate(validatePositive),
			huh.NewInput().
				Title("Position refresh interval").
				Description("Duration string (e.g. 5s)").
				Value(&a.PollIntervalStr).
				Validate(func(s string) error {
					_, err := time.ParseDuration(s)
					return err
				}),
			huh.NewSelect[string]().
				Title("Reference price guard").
				Options(
					huh.NewOption("None", config.PriceGuardNone),
					huh.NewOption("Binance spot", config.PriceGuardBinance),
					huh.NewOption("Bybit spot", config.PriceGuardBybit),
				).
				Value(&a.PriceGuard),
			huh.NewInput().
				Title("HTTP listen address").
				Value(&a.HTTPAddr).
				Validate(notEmpty("address")),
		),
	).Run()
	if err != nil {
		return err
	}

	// confirmation
	clearScreen()
	fmt.Println(headerStyle.Render("PERPGATE CONFIG WIZARD"))
	fmt.Println(stepStyle.Render("FINAL CONFIRMATION"))

	summary := fmt.Sprintf(
		"Network: %s\nBackend: %s\nApprovals: %s\nPositions: %s\nSlippage: %s\nListen: %s\n",
		a.Network, orNone(a.BackendURL), a.ApprovalRoute, a.PositionsSource, a.SlippageStr, a.HTTPAddr,
	)
	fmt.Println(lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(1).Render(summary))

	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save Configuration?").
				Affirmative("Yes, save and start").
				Negative("No, exit").
				Value(&confirm),
		),
	).Run()
	if err != nil {
		return err
	}

	if !confirm {
		return fmt.Errorf("setup cancelled by user")
	}

	data, err := Render(a)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to save config file: %w", err)
	}

	fmt.Println(lipgloss.NewStyle().Foreground(special).Render(fmt.Sprintf(
		"\n✓ Configuration saved to %s\nSet PERPGATE_WALLET_PRIVATE_KEY and start perpgate.", path)))
	return nil
}

// Render turns wizard answers into a config document that config.Parse accepts.
func Render(a Answers) ([]byte, error) {
	pollInterval, err := time.ParseDuration(a.PollIntervalStr)
	if err != nil {
		return nil, fmt.Errorf("invalid poll interval: %w", err)
	}

	mainnet := a.Network != "testnet"
	tmp := config.ConfigTmp{
		BackendURL:           a.BackendURL,
		Mainnet:              &mainnet,
		RPC:                  map[int64]string{42161: a.ArbitrumRPC},
		ApprovalRoute:        a.ApprovalRoute,
		PositionsSource:      a.PositionsSource,
		StatusSource:         a.PositionsSource,
		PriceGuard:           a.PriceGuard,
		SlippageStr:          a.SlippageStr,
		MinDepositStr:        a.MinDepositStr,
		PositionPollInterval: pollInterval,
		HTTPAddr:             a.HTTPAddr,
	}
	if !mainnet {
		tmp.RequiredChainID = 421614
		tmp.RPC[421614] = a.TestnetRPC
	}

	data, err := yaml.Marshal(tmp)
	if err != nil {
		return nil, fmt.Errorf("failed to generate yaml: %w", err)
	}
	if _, err := config.Parse(data); err != nil {
		return nil, fmt.Errorf("generated config is invalid: %w", err)
	}
	return data, nil
}

func clearScreen() {
	fmt.Print("\033[H\033[2J")
}

func notEmpty(what string) func(string) error {
	return func(s string) error {
		if s == "" {
			return fmt.Errorf("%s cannot be empty", what)
		}
		return nil
	}
}

func validateFraction(s string) error {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("must be a valid number")
	}
	if !d.IsPositive() || d.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("must be between 0 and 1")
	}
	return nil
}

func validatePositive(s string) error {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("must be a valid number")
	}
	if !d.IsPositive() {
		return fmt.Errorf("must be positive, got %s", strconv.Quote(s))
	}
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
