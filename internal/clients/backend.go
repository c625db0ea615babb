package clients

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/perpgate/internal/domain"
)

const (
	backendTimeout      = 15 * time.Second
	backendRetries      = 2
	backendRetryWait    = 500 * time.Millisecond
	backendRetryMaxWait = 3 * time.Second
)

// BackendClient talks to the trading backend. The backend never holds user keys:
// it relays owner-signed agent approvals and reports account state.
type BackendClient struct {
	http   *resty.Client
	// relay is used for approvals, which must not be re-submitted automatically.
	relay  *resty.Client
	logger *zap.Logger
}

// NewBackendClient creates a client for baseURL.
func NewBackendClient(baseURL string, logger *zap.Logger) *BackendClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	return &BackendClient{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(backendTimeout).
			SetRetryCount(backendRetries).
			SetRetryWaitTime(backendRetryWait).
			SetRetryMaxWaitTime(backendRetryMaxWait).
			AddRetryCondition(isRetryableResp),
		relay: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(backendTimeout),
		logger: logger,
	}
}

func isRetryableResp(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	if r == nil {
		return false
	}
	code := r.StatusCode()
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}

type marketWire struct {
	Symbol      string          `json:"symbol"`
	Price       decimal.Decimal `json:"price"`
	MaxLeverage int             `json:"maxLeverage"`
}

// Markets returns the instruments the backend lists, with their last prices.
func (c *BackendClient) Markets(ctx context.Context) ([]domain.Market, error) {
	var wire []marketWire
	resp, err := c.http.R().
		SetContext(ctx).
		Get("/markets")
	if err := checkResponse(resp, err, "get /markets"); err != nil {
		return nil, err
	}
	if err := decodeBody(resp, &wire, "get /markets"); err != nil {
		return nil, err
	}

	markets := make([]domain.Market, 0, len(wire))
	for _, m := range wire {
		if strings.TrimSpace(m.Symbol) == "" {
			continue
		}
		markets = append(markets, domain.Market{Symbol: m.Symbol, Price: m.Price, MaxLeverage: m.MaxLeverage})
	}
	return markets, nil
}

type accountStatusWire struct {
	Exists       bool             `json:"exists"`
	AccountValue *decimal.Decimal `json:"account_value"`
	// older backends answer in camelCase
	AccountValueCamel *decimal.Decimal `json:"accountValue"`
}

// AccountStatus reports whether the exchange knows the wallet.
func (c *BackendClient) AccountStatus(ctx context.Context, owner common.Address) (*domain.AccountStatus, error) {
	var wire accountStatusWire
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"wallet_address": owner.Hex()}).
		Post("/api/account-status")
	if err := checkResponse(resp, err, "post /api/account-status"); err != nil {
		return nil, err
	}
	if err := decodeBody(resp, &wire, "post /api/account-status"); err != nil {
		return nil, err
	}

	status := &domain.AccountStatus{Exists: wire.Exists, CheckedAt: time.Now().UTC()}
	switch {
	case wire.AccountValue != nil:
		status.AccountValue = *wire.AccountValue
	case wire.AccountValueCamel != nil:
		status.AccountValue = *wire.AccountValueCamel
	}
	return status, nil
}

type approveAgentRequest struct {
	UserWalletAddress string           `json:"user_wallet_address"`
	AgentAddress      string           `json:"agent_address"`
	AgentName         string           `json:"agent_name"`
	Nonce             uint64           `json:"nonce"`
	HyperliquidChain  string           `json:"hyperliquid_chain"`
	SignatureChainID  int64            `json:"signature_chain_id"`
	Signature         domain.Signature `json:"signature"`
}

// ApproveAgent relays an owner-signed agent approval to the exchange.
func (c *BackendClient) ApproveAgent(ctx context.Context, approval domain.AgentApproval) error {
	resp, err := c.relay.R().
		SetContext(ctx).
		SetBody(approveAgentRequest{
			UserWalletAddress: approval.Owner.Hex(),
			AgentAddress:      strings.ToLower(approval.AgentAddress),
			AgentName:         approval.AgentName,
			Nonce:             approval.Nonce,
			HyperliquidChain:  approval.HyperliquidChain,
			SignatureChainID:  approval.SignatureChainID,
			Signature:         approval.Signature,
		}).
		Post("/approve-agent")
	if err := checkResponse(resp, err, "post /approve-agent"); err != nil {
		return err
	}

	// some deployments answer 200 with {"status":"err","detail":...}
	var body struct {
		Status   string          `json:"status"`
		Detail   json.RawMessage `json:"detail"`
		Response json.RawMessage `json:"response"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err == nil && strings.EqualFold(body.Status, "err") {
		detail := detailText(body.Detail)
		if detail == "" {
			detail = detailText(body.Response)
		}
		return domain.NewExchangeError(resp.StatusCode(), detail)
	}

	c.logger.Debug("agent approval relayed",
		zap.String("owner", approval.Owner.Hex()),
		zap.String("agent", approval.AgentAddress))
	return nil
}

type positionWire struct {
	Coin          string          `json:"coin"`
	Side          string          `json:"side"`
	Size          decimal.Decimal `json:"size"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

type positionsWire struct {
	Positions    []positionWire  `json:"positions"`
	AccountValue json.RawMessage `json:"account_value"`
}

// Positions fetches the owner's open positions and account value.
func (c *BackendClient) Positions(ctx context.Context, owner common.Address) (*domain.Portfolio, error) {
	var wire positionsWire
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("address", owner.Hex()).
		Get("/positions/{address}")
	if err := checkResponse(resp, err, "get /positions"); err != nil {
		return nil, err
	}
	if err := decodeBody(resp, &wire, "get /positions"); err != nil {
		return nil, err
	}

	portfolio := &domain.Portfolio{
		Owner:        owner.Hex(),
		Positions:    make([]domain.Position, 0, len(wire.Positions)),
		AccountValue: parseAccountValue(wire.AccountValue),
		FetchedAt:    time.Now().UTC(),
	}
	for _, p := range wire.Positions {
		if p.Size.IsZero() {
			continue
		}
		// backend reports an absolute size plus a LONG/SHORT side
		signed := p.Size.Abs()
		if strings.EqualFold(p.Side, string(domain.PositionSideShort)) || p.Size.IsNegative() {
			signed = signed.Neg()
		}
		pos, err := domain.NewPositionFromSigned(p.Coin, signed, p.EntryPrice, p.MarkPrice, p.UnrealizedPnL)
		if err != nil {
			return nil, errors.Wrap(err, "decode position")
		}
		portfolio.Positions = append(portfolio.Positions, pos)
	}
	return portfolio, nil
}

// parseAccountValue accepts a bare number or an object with total_value.
func parseAccountValue(raw json.RawMessage) decimal.Decimal {
	if len(raw) == 0 || string(raw) == "null" {
		return decimal.Zero
	}
	var v decimal.Decimal
	if err := json.Unmarshal(raw, &v); err == nil {
		return v
	}
	var obj struct {
		TotalValue decimal.Decimal `json:"total_value"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.TotalValue
	}
	return decimal.Zero
}

func checkResponse(resp *resty.Response, err error, op string) error {
	if err != nil {
		return errors.Wrap(err, op)
	}
	if resp.IsError() {
		var body struct {
			Detail json.RawMessage `json:"detail"`
		}
		detail := strings.TrimSpace(resp.String())
		if jsonErr := json.Unmarshal(resp.Body(), &body); jsonErr == nil {
			if d := detailText(body.Detail); d != "" {
				detail = d
			}
		}
		return domain.NewExchangeError(resp.StatusCode(), detail)
	}
	return nil
}

// decodeBody decodes the raw body whatever Content-Type the backend sent;
// resty only fills SetResult for JSON content types and would leave zero values.
func decodeBody(resp *resty.Response, out any, op string) error {
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return errors.Wrapf(err, "%s: decode body", op)
	}
	return nil
}

// detailText returns a string detail unquoted and anything else verbatim.
func detailText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
