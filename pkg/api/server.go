package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/0xgrind/spotdex/pkg/app/core"
	"github.com/0xgrind/spotdex/pkg/app/exchange"
)

// Server exposes the exchange over REST and WebSocket. It also implements
// exchange.EventSink so fills and book changes stream out as they commit.
type Server struct {
	ex     *exchange.Exchange
	router *mux.Router
	hub    *Hub
	log    *zap.SugaredLogger
	cors   []string
}

func NewServer(ex *exchange.Exchange, corsOrigins []string, log *zap.SugaredLogger) *Server {
	s := &Server{
		ex:     ex,
		router: mux.NewRouter(),
		hub:    NewHub(log),
		log:    log,
		cors:   corsOrigins,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Registry
	api.HandleFunc("/tokens", s.handleAddToken).Methods("POST")
	api.HandleFunc("/tokens", s.handleListTokens).Methods("GET")
	api.HandleFunc("/tokens/{ticker}", s.handleGetToken).Methods("GET")

	// Ledger
	api.HandleFunc("/deposits", s.handleDeposit).Methods("POST")
	api.HandleFunc("/withdrawals", s.handleWithdraw).Methods("POST")
	api.HandleFunc("/accounts/{address}/balances/{ticker}", s.handleGetBalance).Methods("GET")

	// Trading
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/markets/{ticker}/orderbook", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/markets/{ticker}/trades", s.handleGetTrades).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the routed handler wrapped with CORS; exposed separately
// from Start for tests.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.cors,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start runs the hub and serves HTTP on addr. Blocks.
func (s *Server) Start(addr string) error {
	go s.hub.Run()
	s.log.Infow("api_listening", "addr", addr)
	return http.ListenAndServe(addr, s.Handler())
}

// ==============================
// EventSink
// ==============================

func (s *Server) OnTrade(t core.Trade) {
	s.hub.BroadcastToChannel("trades:"+t.Ticker.String(), TradeUpdate{
		Type:  "trade",
		Trade: tradeInfo(t),
	})
}

func (s *Server) OnBookUpdate(ticker core.Ticker, bids, asks []core.Order) {
	update := OrderbookUpdate{
		Type:      "orderbook",
		Ticker:    ticker.String(),
		Bids:      orderInfos(bids),
		Asks:      orderInfos(asks),
		Timestamp: time.Now().UnixMilli(),
	}
	s.hub.BroadcastToChannel("orderbook:"+ticker.String(), update)
}

// ==============================
// Handlers
// ==============================

func (s *Server) handleAddToken(w http.ResponseWriter, r *http.Request) {
	var req AddTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	caller, ok := parseAddress(w, req.Caller)
	if !ok {
		return
	}
	handle, ok := parseAddress(w, req.Address)
	if !ok {
		return
	}
	ticker, ok := parseTicker(w, req.Ticker)
	if !ok {
		return
	}
	if err := s.ex.AddToken(caller, ticker, handle); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, TokenResponse{Ticker: ticker.String(), Address: handle.Hex()})
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	tickers := s.ex.TokenList()
	addresses := s.ex.AddressList()

	resp := TokenListResponse{
		Tickers:   make([]string, len(tickers)),
		Addresses: make([]string, len(addresses)),
	}
	for i, t := range tickers {
		resp.Tickers[i] = t.String()
	}
	for i, a := range addresses {
		resp.Addresses[i] = a.Hex()
	}
	respondJSON(w, resp)
}

func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	ticker, ok := parseTicker(w, mux.Vars(r)["ticker"])
	if !ok {
		return
	}
	handle, err := s.ex.TokenMapping(ticker)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, TokenResponse{Ticker: ticker.String(), Address: handle.Hex()})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	account, ok := parseAddress(w, req.Account)
	if !ok {
		return
	}
	ticker, ok := parseTicker(w, req.Ticker)
	if !ok {
		return
	}

	var err error
	if ticker.IsNative() {
		err = s.ex.DepositNative(account, req.Amount)
	} else {
		err = s.ex.Deposit(account, ticker, req.Amount)
	}
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, s.balanceResponse(account, ticker))
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	account, ok := parseAddress(w, req.Account)
	if !ok {
		return
	}
	ticker, ok := parseTicker(w, req.Ticker)
	if !ok {
		return
	}

	var err error
	if ticker.IsNative() {
		err = s.ex.WithdrawNative(account, req.Amount)
	} else {
		err = s.ex.Withdraw(account, ticker, req.Amount)
	}
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, s.balanceResponse(account, ticker))
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	account, ok := parseAddress(w, vars["address"])
	if !ok {
		return
	}
	ticker, ok := parseTicker(w, vars["ticker"])
	if !ok {
		return
	}
	respondJSON(w, s.balanceResponse(account, ticker))
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	trader, ok := parseAddress(w, req.Trader)
	if !ok {
		return
	}
	ticker, ok := parseTicker(w, req.Ticker)
	if !ok {
		return
	}
	side, err := core.ParseSide(req.Side)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid side", err.Error())
		return
	}

	switch req.Type {
	case "limit":
		id, trades, err := s.ex.CreateLimitOrder(trader, side, ticker, req.Amount, req.Price)
		if err != nil {
			respondDomainError(w, err)
			return
		}
		respondJSON(w, OrderResponse{OrderID: id, Trades: tradeInfos(trades)})
	case "market":
		trades, err := s.ex.CreateMarketOrder(trader, side, ticker, req.Amount)
		if err != nil {
			respondDomainError(w, err)
			return
		}
		respondJSON(w, OrderResponse{Trades: tradeInfos(trades)})
	default:
		respondError(w, http.StatusBadRequest, "invalid order type", "expected limit or market")
	}
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	trader, ok := parseAddress(w, req.Trader)
	if !ok {
		return
	}
	ticker, ok := parseTicker(w, req.Ticker)
	if !ok {
		return
	}
	if err := s.ex.CancelOrder(trader, ticker, req.OrderID); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "cancelled"})
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	ticker, ok := parseTicker(w, mux.Vars(r)["ticker"])
	if !ok {
		return
	}
	respondJSON(w, OrderbookSnapshot{
		Ticker:    ticker.String(),
		Bids:      orderInfos(s.ex.OrderBookSnapshot(ticker, core.Buy)),
		Asks:      orderInfos(s.ex.OrderBookSnapshot(ticker, core.Sell)),
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	ticker, ok := parseTicker(w, mux.Vars(r)["ticker"])
	if !ok {
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	trades, err := s.ex.RecentTrades(ticker, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "trade lookup failed", err.Error())
		return
	}
	respondJSON(w, tradeInfos(trades))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helpers
// ==============================

func (s *Server) balanceResponse(account common.Address, ticker core.Ticker) BalanceResponse {
	return BalanceResponse{
		Account:   account.Hex(),
		Ticker:    ticker.String(),
		Available: s.ex.BalanceOf(account, ticker),
		Reserved:  s.ex.ReservedOf(account, ticker),
	}
}

func parseAddress(w http.ResponseWriter, s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		respondError(w, http.StatusBadRequest, "invalid address", s)
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

func parseTicker(w http.ResponseWriter, s string) (core.Ticker, bool) {
	t, err := core.ParseTicker(s)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid ticker", err.Error())
		return core.Ticker{}, false
	}
	return t, true
}

func orderInfos(orders []core.Order) []OrderInfo {
	out := make([]OrderInfo, len(orders))
	for i, o := range orders {
		out[i] = OrderInfo{
			ID:     o.ID,
			Trader: o.Trader.Hex(),
			Side:   o.Side.String(),
			Price:  o.Price,
			Amount: o.Amount,
			Filled: o.Filled,
		}
	}
	return out
}

func tradeInfo(t core.Trade) TradeInfo {
	return TradeInfo{
		ID:      t.ID,
		Ticker:  t.Ticker.String(),
		Price:   t.Price,
		Qty:     t.Qty,
		Buyer:   t.Buyer.Hex(),
		Seller:  t.Seller.Hex(),
		TakerID: t.TakerID,
		MakerID: t.MakerID,
		Time:    t.Time,
	}
}

func tradeInfos(trades []core.Trade) []TradeInfo {
	out := make([]TradeInfo, len(trades))
	for i, t := range trades {
		out[i] = tradeInfo(t)
	}
	return out
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, errMsg, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: errMsg, Message: detail})
}

// respondDomainError maps exchange error kinds onto HTTP statuses.
func respondDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrNotAuthorized):
		status = http.StatusForbidden
	case errors.Is(err, core.ErrNotRegistered), errors.Is(err, core.ErrOrderNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrAlreadyRegistered):
		status = http.StatusConflict
	case errors.Is(err, core.ErrInvalidAmount):
		status = http.StatusBadRequest
	case errors.Is(err, core.ErrInsufficientBalance), errors.Is(err, core.ErrInsufficientTokens):
		status = http.StatusUnprocessableEntity
	}
	respondError(w, status, err.Error(), "")
}
