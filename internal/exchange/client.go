// Package exchange posts signed actions to the perpetuals exchange: trading actions signed
// with the agent key and owner-signed approvals. It is the one place replies are classified.
package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	hyperliquid "github.com/sonirico/go-hyperliquid"
	"go.uber.org/zap"

	"github.com/vadiminshakov/perpgate/internal/domain"
)

const defaultTimeout = 15 * time.Second

// Client posts signed actions to /exchange.
// Signed actions are posted once and never retried, a retry would re-submit an order.
type Client struct {
	http    *resty.Client
	mainnet bool
	nonces  *NonceSource
	logger  *zap.Logger
}

// NewClient creates a client for baseURL, e.g. https://api.hyperliquid.xyz.
func NewClient(baseURL string, mainnet bool, logger *zap.Logger) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(defaultTimeout),
		mainnet: mainnet,
		nonces:  NewNonceSource(),
		logger:  logger,
	}
}

type exchangeRequest struct {
	Action       any              `json:"action"`
	Nonce        uint64           `json:"nonce"`
	Signature    domain.Signature `json:"signature"`
	VaultAddress *string          `json:"vaultAddress"`
}

type exchangeResponse struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type orderResponseBody struct {
	Type string `json:"type"`
	Data struct {
		Statuses []hyperliquid.OrderStatus `json:"statuses"`
	} `json:"data"`
}

// PlaceOrder signs intent with the agent key and submits it as an IOC limit order
// keyed by asset index.
func (c *Client) PlaceOrder(ctx context.Context, agent *domain.AgentIdentity, intent *domain.OrderIntent) (*domain.OrderResult, error) {
	if agent == nil || agent.PrivateKey == nil {
		return nil, errors.New("agent key is required to place orders")
	}
	if intent == nil {
		return nil, errors.New("order intent is nil")
	}

	wire := hyperliquid.OrderWire{
		Asset:      intent.AssetIndex,
		IsBuy:      intent.IsBuy,
		LimitPx:    intent.LimitPrice.String(),
		Size:       intent.Size.String(),
		ReduceOnly: intent.ReduceOnly,
		OrderType:  hyperliquid.OrderWireType{Limit: &hyperliquid.OrderWireTypeLimit{Tif: hyperliquid.TifIoc}},
	}
	if intent.ClientOrderID != "" {
		cloid := strings.ToLower(intent.ClientOrderID)
		wire.Cloid = &cloid
	}
	action := hyperliquid.OrderAction{
		Type:     "order",
		Orders:   []hyperliquid.OrderWire{wire},
		Grouping: string(hyperliquid.GroupingNA),
	}

	c.logger.Debug("submitting order",
		zap.String("symbol", intent.Symbol),
		zap.Int("asset", intent.AssetIndex),
		zap.Bool("is_buy", intent.IsBuy),
		zap.String("size", intent.Size.String()),
		zap.String("limit_px", intent.LimitPrice.String()),
		zap.Bool("reduce_only", intent.ReduceOnly),
	)

	body, err := c.postSigned(ctx, agent, action)
	if err != nil {
		return nil, errors.Wrapf(err, "place %s order", intent.Symbol)
	}

	var parsed orderResponseBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errors.Wrap(err, "decode order response")
	}
	if len(parsed.Data.Statuses) == 0 {
		return nil, errors.New("order response has no statuses")
	}

	return classifyOrderStatus(intent, parsed.Data.Statuses[0])
}

func classifyOrderStatus(intent *domain.OrderIntent, st hyperliquid.OrderStatus) (*domain.OrderResult, error) {
	result := &domain.OrderResult{
		Symbol:     intent.Symbol,
		IsBuy:      intent.IsBuy,
		ReduceOnly: intent.ReduceOnly,
		Size:       intent.Size,
		LimitPrice: intent.LimitPrice,
	}

	switch {
	case st.Filled != nil:
		result.Status = domain.OrderFilled
		result.OrderID = int64(st.Filled.Oid)
		result.FilledSize, _ = decimal.NewFromString(st.Filled.TotalSz)
		result.AvgPrice, _ = decimal.NewFromString(st.Filled.AvgPx)
		return result, nil
	case st.Resting != nil:
		// an IOC order never rests; treat as unfilled
		result.Status = domain.OrderNoFill
		result.OrderID = st.Resting.Oid
		return result, nil
	case st.Error != nil && *st.Error != "":
		if isNoMatch(*st.Error) {
			result.Status = domain.OrderNoFill
			result.Message = *st.Error
			return result, nil
		}
		return nil, classifyRejection(http.StatusOK, *st.Error)
	default:
		return nil, errors.New("order status is empty")
	}
}

// UpdateLeverage sets cross leverage for an asset.
func (c *Client) UpdateLeverage(ctx context.Context, agent *domain.AgentIdentity, assetIndex, leverage int) error {
	if agent == nil || agent.PrivateKey == nil {
		return errors.New("agent key is required to update leverage")
	}
	action := hyperliquid.UpdateLeverageAction{
		Type:     "updateLeverage",
		Asset:    assetIndex,
		IsCross:  true,
		Leverage: leverage,
	}
	if _, err := c.postSigned(ctx, agent, action); err != nil {
		return errors.Wrapf(err, "update leverage of asset %d", assetIndex)
	}
	return nil
}

// ApproveAgent submits an owner-signed approval directly to the exchange.
func (c *Client) ApproveAgent(ctx context.Context, approval domain.AgentApproval) error {
	// owner-signed as typed data, so the action itself is never msgpack-hashed
	action := hyperliquid.ApproveAgentAction{
		Type:             "approveAgent",
		SignatureChainId: hexChainID(approval.SignatureChainID),
		HyperliquidChain: approval.HyperliquidChain,
		AgentAddress:     strings.ToLower(approval.AgentAddress),
		Nonce:            int64(approval.Nonce),
	}
	if approval.AgentName != "" {
		name := approval.AgentName
		action.AgentName = &name
	}
	_, err := c.post(ctx, exchangeRequest{
		Action:    action,
		Nonce:     approval.Nonce,
		Signature: approval.Signature,
	})
	if err != nil {
		return errors.Wrap(err, "approve agent")
	}
	return nil
}

func (c *Client) postSigned(ctx context.Context, agent *domain.AgentIdentity, action any) (json.RawMessage, error) {
	nonce := c.nonces.Next()
	sig, err := SignL1Action(agent.PrivateKey, action, nonce, c.mainnet)
	if err != nil {
		return nil, err
	}
	return c.post(ctx, exchangeRequest{Action: action, Nonce: nonce, Signature: sig})
}

func (c *Client) post(ctx context.Context, req exchangeRequest) (json.RawMessage, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		Post("/exchange")
	if err != nil {
		return nil, errors.Wrap(err, "post /exchange")
	}
	if resp.IsError() {
		return nil, classifyRejection(resp.StatusCode(), strings.TrimSpace(resp.String()))
	}

	var out exchangeResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, errors.Wrapf(err, "decode exchange response %q", resp.String())
	}
	if out.Status != "ok" {
		return nil, classifyRejection(resp.StatusCode(), rejectionText(out.Response))
	}
	return out.Response, nil
}

// rejectionText unwraps a string response, keeping anything else verbatim.
func rejectionText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

var unauthorizedMarkers = []string{
	"user or api wallet",
	"api wallet does not exist",
	"agent not approved",
	"not authorized",
	"unauthorized",
}

// classifyRejection is the only place rejection texts are mapped onto the error taxonomy.
func classifyRejection(status int, detail string) error {
	lower := strings.ToLower(detail)
	for _, m := range unauthorizedMarkers {
		if strings.Contains(lower, m) {
			return domain.NewUnauthorizedSignerError(status, detail)
		}
	}
	return domain.NewExchangeError(status, detail)
}

func isNoMatch(detail string) bool {
	return strings.Contains(strings.ToLower(detail), "could not immediately match")
}
