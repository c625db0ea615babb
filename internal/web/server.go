package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/perpgate/internal/account"
	"github.com/vadiminshakov/perpgate/internal/domain"
)

const heartbeatInterval = 30 * time.Second

type accountController interface {
	Connect(ctx context.Context) (domain.AccountSnapshot, error)
	Disconnect() domain.AccountSnapshot
	AccountChanged(address common.Address) domain.AccountSnapshot
	RefreshStatus(ctx context.Context) (domain.AccountSnapshot, error)
	Deposit(ctx context.Context, amount decimal.Decimal) (*domain.DepositIntent, error)
	Trade(ctx context.Context, symbol string, isBuy bool, notionalUSD decimal.Decimal, leverage int) (*domain.OrderResult, error)
	ClosePosition(ctx context.Context, coin string) (*domain.OrderResult, error)
	Session() (domain.WalletSession, bool)
	Snapshot() domain.AccountSnapshot
}

type marketLister interface {
	Markets(ctx context.Context) ([]domain.Market, error)
}

type depositHistory interface {
	History(owner common.Address) ([]domain.DepositIntent, error)
}

type snapshotFeed interface {
	Subscribe() chan domain.AccountSnapshot
	Unsubscribe(ch chan domain.AccountSnapshot)
}

// Server exposes the account controller over HTTP and streams snapshots over SSE.
type Server struct {
	Addr     string
	account  accountController
	markets  marketLister
	deposits depositHistory
	feed     snapshotFeed
	logger   *zap.Logger
}

// NewServer creates a new web server instance.
func NewServer(addr string, account accountController, markets marketLister, deposits depositHistory,
	feed snapshotFeed, logger *zap.Logger) *Server {
	return &Server{
		Addr:     addr,
		account:  account,
		markets:  markets,
		deposits: deposits,
		feed:     feed,
		logger:   logger,
	}
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", zap.String("addr", s.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/state", s.handleState)
	r.Get("/events", s.handleEvents)
	r.Post("/connect", s.handleConnect)
	r.Post("/disconnect", s.handleDisconnect)
	r.Post("/wallet/account", s.handleAccountChanged)
	r.Post("/status/refresh", s.handleRefreshStatus)

	r.Get("/markets", s.handleMarkets)
	r.Post("/deposit", s.handleDeposit)
	r.Get("/deposits", s.handleDeposits)
	r.Post("/orders", s.handleOrder)
	r.Get("/positions", s.handlePositions)
	r.Post("/positions/{coin}/close", s.handleClose)

	return r
}

type orderRequest struct {
	Symbol      string          `json:"symbol"`
	Side        string          `json:"side"`
	NotionalUSD decimal.Decimal `json:"notional_usd"`
	Leverage    int             `json:"leverage"`
}

type depositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type accountChangedRequest struct {
	Address string `json:"address"`
}

type errorResponse struct {
	Error string `json:"error"`
	// Detail is the exchange's own message, passed through untouched.
	Detail string `json:"detail,omitempty"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.account.Snapshot())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	snap, err := s.account.Connect(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.account.Disconnect())
}

func (s *Server) handleAccountChanged(w http.ResponseWriter, r *http.Request) {
	var req accountChangedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if !common.IsHexAddress(req.Address) {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid address"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.account.AccountChanged(common.HexToAddress(req.Address)))
}

func (s *Server) handleRefreshStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.account.RefreshStatus(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.markets.Markets(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, markets)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	intent, err := s.account.Deposit(r.Context(), req.Amount)
	if err != nil && intent == nil {
		s.writeError(w, err)
		return
	}
	if err != nil {
		// the transfer failed; the intent says how far it got
		resp := struct {
			errorResponse
			Deposit *domain.DepositIntent `json:"deposit"`
		}{errorResponse: errorBody(err), Deposit: intent}
		s.writeJSON(w, statusFor(err), resp)
		return
	}

	s.writeJSON(w, http.StatusOK, struct {
		*domain.DepositIntent
		Message string `json:"message"`
	}{intent, intent.Message()})
}

func (s *Server) handleDeposits(w http.ResponseWriter, r *http.Request) {
	session, ok := s.account.Session()
	if !ok {
		s.writeError(w, domain.ErrNotConnected)
		return
	}
	history, err := s.deposits.History(session.Address)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	isBuy, ok := parseSide(req.Side)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid side %q", req.Side)})
		return
	}

	result, err := s.account.Trade(r.Context(), req.Symbol, isBuy, req.NotionalUSD, req.Leverage)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	snap := s.account.Snapshot()
	if snap.Address == "" {
		s.writeError(w, domain.ErrNotConnected)
		return
	}
	if snap.Portfolio == nil {
		s.writeJSON(w, http.StatusOK, domain.Portfolio{Owner: snap.Address, Positions: []domain.Position{}})
		return
	}
	s.writeJSON(w, http.StatusOK, snap.Portfolio)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	result, err := s.account.ClosePosition(r.Context(), chi.URLParam(r, "coin"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	updates := s.feed.Subscribe()
	defer s.feed.Unsubscribe(updates)

	// send a comment heartbeat so proxies keep connection
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case snap, ok := <-updates:
			if !ok {
				return
			}
			payload, err := json.Marshal(snap)
			if err != nil {
				s.logger.Error("failed to encode snapshot", zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: account\n")
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, indexHTML)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	s.writeJSON(w, status, errorBody(err))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", zap.Error(err))
	}
}

func errorBody(err error) errorResponse {
	resp := errorResponse{Error: err.Error()}
	if detail, ok := domain.RejectionDetail(err); ok {
		resp.Detail = detail
	}
	return resp
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnknownAsset),
		errors.Is(err, domain.ErrLeverageTooHigh),
		errors.Is(err, domain.ErrSizeTooSmall),
		errors.Is(err, domain.ErrBelowMinimum):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNoSuchPosition):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUserRejected):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotConnected),
		errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, account.ErrDepositInProgress),
		errors.Is(err, account.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNetworkMismatch),
		errors.Is(err, domain.ErrChainSwitchTimeout):
		return http.StatusPreconditionFailed
	case errors.Is(err, domain.ErrExchangeRejected),
		errors.Is(err, domain.ErrTxReverted):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrTxTimedOut),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrWalletUnavailable),
		errors.Is(err, domain.ErrPriceUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func parseSide(side string) (isBuy bool, ok bool) {
	switch strings.ToLower(strings.TrimSpace(side)) {
	case "buy", "long":
		return true, true
	case "sell", "short":
		return false, true
	}
	return false, false
}
