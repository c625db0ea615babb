package web

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/perpgate/internal/account"
	"github.com/vadiminshakov/perpgate/internal/domain"
	"github.com/vadiminshakov/perpgate/internal/events"
)

var owner = common.HexToAddress("0x1111111111111111111111111111111111111111")

type fakeAccount struct {
	snap       domain.AccountSnapshot
	connectErr error
	tradeErr   error
	closeErr   error
	deposit    *domain.DepositIntent
	depositErr error

	lastSymbol   string
	lastIsBuy    bool
	lastNotional decimal.Decimal
	lastLeverage int
	lastCoin     string
	changedTo    common.Address
}

func (a *fakeAccount) Connect(ctx context.Context) (domain.AccountSnapshot, error) {
	return a.snap, a.connectErr
}

func (a *fakeAccount) Disconnect() domain.AccountSnapshot {
	return domain.AccountSnapshot{State: domain.StateDisconnected}
}

func (a *fakeAccount) AccountChanged(address common.Address) domain.AccountSnapshot {
	a.changedTo = address
	return domain.AccountSnapshot{State: domain.StateDisconnected}
}

func (a *fakeAccount) RefreshStatus(ctx context.Context) (domain.AccountSnapshot, error) {
	return a.snap, nil
}

func (a *fakeAccount) Deposit(ctx context.Context, amount decimal.Decimal) (*domain.DepositIntent, error) {
	return a.deposit, a.depositErr
}

func (a *fakeAccount) Trade(ctx context.Context, symbol string, isBuy bool, notionalUSD decimal.Decimal, leverage int) (*domain.OrderResult, error) {
	a.lastSymbol, a.lastIsBuy, a.lastNotional, a.lastLeverage = symbol, isBuy, notionalUSD, leverage
	if a.tradeErr != nil {
		return nil, a.tradeErr
	}
	return &domain.OrderResult{Status: domain.OrderFilled, Symbol: symbol}, nil
}

func (a *fakeAccount) ClosePosition(ctx context.Context, coin string) (*domain.OrderResult, error) {
	a.lastCoin = coin
	if a.closeErr != nil {
		return nil, a.closeErr
	}
	return &domain.OrderResult{Status: domain.OrderFilled}, nil
}

func (a *fakeAccount) Session() (domain.WalletSession, bool) {
	if a.snap.Address == "" {
		return domain.WalletSession{}, false
	}
	return domain.WalletSession{Address: common.HexToAddress(a.snap.Address), ChainID: 42161, CanSign: true}, true
}

func (a *fakeAccount) Snapshot() domain.AccountSnapshot { return a.snap }

type fakeMarkets struct{}

func (fakeMarkets) Markets(ctx context.Context) ([]domain.Market, error) {
	return []domain.Market{{Symbol: "BTC", Price: decimal.NewFromInt(50000), MaxLeverage: 50}}, nil
}

type fakeHistory struct{ owner common.Address }

func (h *fakeHistory) History(o common.Address) ([]domain.DepositIntent, error) {
	h.owner = o
	return []domain.DepositIntent{{ID: "dep-1", Owner: o, Outcome: domain.DepositCredited}}, nil
}

func newTestServer(t *testing.T, acc *fakeAccount) (*httptest.Server, *events.Broadcaster) {
	t.Helper()
	feed := events.NewBroadcaster(4)
	srv := httptest.NewServer(NewServer("", acc, fakeMarkets{}, &fakeHistory{}, feed, zap.NewNop()).Routes())
	t.Cleanup(srv.Close)
	return srv, feed
}

func postJSON(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestOrderRequestIsForwarded(t *testing.T) {
	acc := &fakeAccount{snap: domain.AccountSnapshot{State: domain.StateReady, Address: owner.Hex()}}
	srv, _ := newTestServer(t, acc)

	resp, body := postJSON(t, srv.URL+"/orders", `{"symbol":"BTC","side":"short","notional_usd":"100","leverage":5}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "filled", body["status"])

	assert.Equal(t, "BTC", acc.lastSymbol)
	assert.False(t, acc.lastIsBuy)
	assert.True(t, acc.lastNotional.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, 5, acc.lastLeverage)
}

func TestOrderRejectsBadSide(t *testing.T) {
	srv, _ := newTestServer(t, &fakeAccount{})
	resp, body := postJSON(t, srv.URL+"/orders", `{"symbol":"BTC","side":"hold","notional_usd":100,"leverage":5}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "invalid side")
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		detail string
	}{
		{"unknown asset", errors.Wrap(domain.ErrUnknownAsset, "DOGE2"), http.StatusBadRequest, ""},
		{"not ready", errors.Wrapf(domain.ErrInvalidState, "trade in state needs_deposit"), http.StatusConflict, ""},
		{"exchange detail kept", errors.Wrap(domain.NewExchangeError(400, "Order must have minimum value of $10."), "place order"),
			http.StatusBadGateway, "Order must have minimum value of $10."},
		{"unauthorized after repair", domain.NewUnauthorizedSignerError(401, "User or API Wallet 0xabc does not exist."),
			http.StatusBadGateway, "User or API Wallet 0xabc does not exist."},
		{"user rejected", domain.ErrUserRejected, http.StatusForbidden, ""},
		{"price", domain.ErrPriceUnavailable, http.StatusServiceUnavailable, ""},
		{"other", errors.New("boom"), http.StatusInternalServerError, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := &fakeAccount{tradeErr: tt.err}
			srv, _ := newTestServer(t, acc)

			resp, body := postJSON(t, srv.URL+"/orders", `{"symbol":"BTC","side":"buy","notional_usd":100,"leverage":5}`)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.err.Error(), body["error"])
			if tt.detail != "" {
				assert.Equal(t, tt.detail, body["detail"])
			} else {
				assert.NotContains(t, body, "detail")
			}
		})
	}
}

func TestStatusForDepositErrors(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(errors.Wrap(domain.ErrBelowMinimum, "5 < 10")))
	assert.Equal(t, http.StatusConflict, statusFor(account.ErrDepositInProgress))
	assert.Equal(t, http.StatusPreconditionFailed, statusFor(domain.ErrNetworkMismatch))
	assert.Equal(t, http.StatusPreconditionFailed,
		statusFor(domain.NewNetworkSwitchError(42161, domain.ErrChainSwitchTimeout)))
	assert.Equal(t, http.StatusForbidden,
		statusFor(domain.NewNetworkSwitchError(42161, domain.ErrUserRejected)))
	assert.Equal(t, http.StatusGatewayTimeout, statusFor(domain.ErrTxTimedOut))
	assert.Equal(t, http.StatusNotFound, statusFor(domain.ErrNoSuchPosition))
}

func TestDepositPendingIsNotAnError(t *testing.T) {
	acc := &fakeAccount{deposit: &domain.DepositIntent{ID: "dep-1", ConfirmedOnChain: true, Outcome: domain.DepositPendingCredit}}
	srv, _ := newTestServer(t, acc)

	resp, body := postJSON(t, srv.URL+"/deposit", `{"amount":"25"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pending_credit", body["outcome"])
	assert.Contains(t, body["message"], "funds are safe")
}

func TestDepositFailureCarriesIntent(t *testing.T) {
	acc := &fakeAccount{
		deposit:    &domain.DepositIntent{ID: "dep-1", Outcome: domain.DepositFailed, Error: "transaction reverted"},
		depositErr: errors.Wrap(domain.ErrTxReverted, "await deposit confirmation"),
	}
	srv, _ := newTestServer(t, acc)

	resp, body := postJSON(t, srv.URL+"/deposit", `{"amount":25}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	dep, ok := body["deposit"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "failed", dep["outcome"])
}

func TestClosePositionUsesPathCoin(t *testing.T) {
	acc := &fakeAccount{}
	srv, _ := newTestServer(t, acc)

	resp, _ := postJSON(t, srv.URL+"/positions/ETH/close", ``)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ETH", acc.lastCoin)
}

func TestPositionsRequireSession(t *testing.T) {
	srv, _ := newTestServer(t, &fakeAccount{})
	resp, err := http.Get(srv.URL + "/positions")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestDepositHistoryForSessionOwner(t *testing.T) {
	acc := &fakeAccount{snap: domain.AccountSnapshot{Address: owner.Hex()}}
	history := &fakeHistory{}
	srv := httptest.NewServer(NewServer("", acc, fakeMarkets{}, history, events.NewBroadcaster(1), zap.NewNop()).Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/deposits")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out []domain.DepositIntent
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out, 1)
	assert.Equal(t, owner, history.owner)
}

func TestAccountChangedValidatesAddress(t *testing.T) {
	acc := &fakeAccount{}
	srv, _ := newTestServer(t, acc)

	resp, _ := postJSON(t, srv.URL+"/wallet/account", `{"address":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := postJSON(t, srv.URL+"/wallet/account", `{"address":"`+owner.Hex()+`"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "disconnected", body["state"])
	assert.Equal(t, owner, acc.changedTo)
}

func TestMarketsAndHealth(t *testing.T) {
	srv, _ := newTestServer(t, &fakeAccount{})

	resp, err := http.Get(srv.URL + "/markets")
	require.NoError(t, err)
	var markets []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&markets))
	resp.Body.Close()
	require.Len(t, markets, 1)
	assert.Equal(t, "BTC", markets[0]["symbol"])

	resp, err = http.Get(srv.URL + "/healthcheck")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEventsStreamsSnapshots(t *testing.T) {
	srv, feed := newTestServer(t, &fakeAccount{})
	feed.Publish(domain.AccountSnapshot{State: domain.StateReady, Address: owner.Hex()})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: account\n", line)
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "data: "))

	var snap domain.AccountSnapshot
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &snap))
	assert.Equal(t, domain.StateReady, snap.State)
}
