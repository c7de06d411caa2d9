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

	"github.com/yhpark/custodex/pkg/dex/book"
	"github.com/yhpark/custodex/pkg/dex/engine"
	"github.com/yhpark/custodex/pkg/dex/ledger"
	"github.com/yhpark/custodex/pkg/dex/token"
)

// traderHeader carries the caller identity established by the
// authentication collaborator. The engine trusts it as given.
const traderHeader = "X-Trader-Address"

// Server exposes the exchange request surface over REST and streams
// fills and book updates over WebSocket.
type Server struct {
	engine *engine.Engine
	router *mux.Router
	hub    *Hub
	log    *zap.SugaredLogger
}

// NewServer creates an API server and registers itself as the
// engine's post-commit notifier.
func NewServer(eng *engine.Engine, log *zap.SugaredLogger) *Server {
	s := &Server{
		engine: eng,
		router: mux.NewRouter(),
		hub:    NewHub(),
		log:    log,
	}
	s.setupRoutes()
	eng.SetNotifier(s)
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Read-only queries
	api.HandleFunc("/tokens", s.handleGetTokens).Methods("GET")
	api.HandleFunc("/orderbook/{ticker}", s.handleGetDepth).Methods("GET")
	api.HandleFunc("/orderbook/{ticker}/orders", s.handleGetOrders).Methods("GET")
	api.HandleFunc("/balances/{address}/{ticker}", s.handleGetBalance).Methods("GET")
	api.HandleFunc("/trades/{ticker}", s.handleGetTrades).Methods("GET")

	// Mutating requests
	api.HandleFunc("/tokens", s.handleAddToken).Methods("POST")
	api.HandleFunc("/deposit", s.handleDeposit).Methods("POST")
	api.HandleFunc("/withdraw", s.handleWithdraw).Methods("POST")
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start runs the hub and serves HTTP on addr. Blocks.
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", traderHeader},
		AllowCredentials: false,
	})

	s.log.Infow("api_listening", "addr", addr)
	return http.ListenAndServe(addr, c.Handler(s.router))
}

// traderFrom extracts the authenticated caller address.
func traderFrom(r *http.Request) (common.Address, bool) {
	h := r.Header.Get(traderHeader)
	if !common.IsHexAddress(h) {
		return common.Address{}, false
	}
	return common.HexToAddress(h), true
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetTokens(w http.ResponseWriter, r *http.Request) {
	tokens := s.engine.GetTokens()
	response := make([]TokenInfo, len(tokens))
	for i, t := range tokens {
		response[i] = TokenInfo{Ticker: t.Ticker, Handle: t.Handle.Hex()}
	}
	respondJSON(w, response)
}

func (s *Server) handleGetDepth(w http.ResponseWriter, r *http.Request) {
	ticker := mux.Vars(r)["ticker"]
	bids, asks := s.engine.Depth(ticker)

	respondJSON(w, DepthSnapshot{
		Ticker:    ticker,
		Bids:      toAPILevels(bids),
		Asks:      toAPILevels(asks),
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	ticker := mux.Vars(r)["ticker"]
	side, ok := parseSide(r.URL.Query().Get("side"))
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid side", "expected side=buy or side=sell")
		return
	}

	orders := s.engine.GetOrders(ticker, side)
	response := make([]OrderInfo, len(orders))
	for i, o := range orders {
		response[i] = OrderInfo{
			ID:     o.ID,
			Trader: o.Trader.Hex(),
			Side:   o.Side.String(),
			Ticker: o.Ticker,
			Price:  o.Price,
			Amount: o.Amount,
		}
	}
	respondJSON(w, response)
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !common.IsHexAddress(vars["address"]) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}
	addr := common.HexToAddress(vars["address"])
	ticker := vars["ticker"]

	respondJSON(w, BalanceInfo{
		Trader: addr.Hex(),
		Ticker: ticker,
		Amount: s.engine.BalanceInOf(ticker, addr),
	})
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	ticker := mux.Vars(r)["ticker"]
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	trades := s.engine.RecentTrades(ticker, limit)
	response := make([]TradeInfo, len(trades))
	for i, t := range trades {
		response[i] = toTradeInfo(t)
	}
	respondJSON(w, response)
}

func (s *Server) handleAddToken(w http.ResponseWriter, r *http.Request) {
	caller, ok := traderFrom(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "missing or invalid "+traderHeader, "")
		return
	}

	var req AddTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if !common.IsHexAddress(req.Handle) {
		respondError(w, http.StatusBadRequest, "invalid token handle", req.Handle)
		return
	}

	if err := s.engine.AddToken(caller, req.Ticker, common.HexToAddress(req.Handle)); err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "registered", "ticker": req.Ticker})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := traderFrom(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "missing or invalid "+traderHeader, "")
		return
	}

	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	if err := s.engine.Deposit(r.Context(), caller, req.Ticker, req.Amount); err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, BalanceInfo{
		Trader: caller.Hex(),
		Ticker: req.Ticker,
		Amount: s.engine.BalanceInOf(req.Ticker, caller),
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := traderFrom(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "missing or invalid "+traderHeader, "")
		return
	}

	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	if err := s.engine.Withdraw(r.Context(), caller, req.Ticker, req.Amount); err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, BalanceInfo{
		Trader: caller.Hex(),
		Ticker: req.Ticker,
		Amount: s.engine.BalanceInOf(req.Ticker, caller),
	})
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	caller, ok := traderFrom(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "missing or invalid "+traderHeader, "")
		return
	}

	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	side, ok := parseSide(req.Side)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid side", "expected buy or sell")
		return
	}

	result, err := s.engine.CreateLimitOrder(caller, req.Ticker, req.Amount, req.Price, side)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	fills := make([]FillInfo, len(result.Fills))
	for i, f := range result.Fills {
		fills[i] = FillInfo{
			MakerOrderID: f.MakerOrderID,
			Maker:        f.Maker.Hex(),
			Price:        f.Price,
			Amount:       f.Amount,
		}
	}
	respondJSON(w, SubmitOrderResponse{
		OrderID:   result.OrderID,
		Fills:     fills,
		Remaining: result.Remaining,
		Rested:    result.Rested,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Notifier (engine post-commit events)
// ==============================

// NotifyTrade streams a fill to trade channel subscribers.
func (s *Server) NotifyTrade(t engine.Trade) {
	s.hub.BroadcastToChannel("trades:"+t.Ticker, TradeUpdate{Type: "trade", Trade: toTradeInfo(t)})
}

// NotifyDepth streams the post-commit depth snapshot to book
// subscribers. Called with the engine mutex held; must not call back
// into the engine.
func (s *Server) NotifyDepth(ticker string, bids, asks []book.PriceLevel) {
	s.hub.BroadcastToChannel("orderbook:"+ticker, OrderbookUpdate{
		Type:      "orderbook",
		Ticker:    ticker,
		Bids:      toAPILevels(bids),
		Asks:      toAPILevels(asks),
		Timestamp: time.Now().UnixMilli(),
	})
}

var _ engine.Notifier = (*Server)(nil)

// ==============================
// Helpers
// ==============================

func parseSide(s string) (book.Side, bool) {
	switch s {
	case "buy", "BUY":
		return book.Buy, true
	case "sell", "SELL":
		return book.Sell, true
	default:
		return 0, false
	}
}

func toAPILevels(levels []book.PriceLevel) []PriceLevel {
	out := make([]PriceLevel, len(levels))
	for i, l := range levels {
		out[i] = PriceLevel{Price: l.Price, Amount: l.Amount}
	}
	return out
}

func toTradeInfo(t engine.Trade) TradeInfo {
	return TradeInfo{
		ID:           t.ID,
		Ticker:       t.Ticker,
		Price:        t.Price,
		Amount:       t.Amount,
		TakerSide:    t.TakerSide.String(),
		Taker:        t.Taker.Hex(),
		Maker:        t.Maker.Hex(),
		TakerOrderID: t.TakerOrderID,
		MakerOrderID: t.MakerOrderID,
		Timestamp:    t.Timestamp,
	}
}

// respondEngineError maps the engine's error taxonomy onto HTTP
// status codes. Every failure left zero observable state change, so
// clients may retry freely after fixing the request.
func (s *Server) respondEngineError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, token.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, token.ErrUnknownToken):
		status = http.StatusNotFound
	case errors.Is(err, token.ErrDuplicateTicker):
		status = http.StatusConflict
	case errors.Is(err, token.ErrInvalidTicker):
		status = http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, engine.ErrInsufficientAllowance):
		status = http.StatusPaymentRequired
	case errors.Is(err, engine.ErrTransferFailed):
		status = http.StatusBadGateway
	case errors.Is(err, ledger.ErrOverflow):
		status = http.StatusInternalServerError
	}
	s.log.Warnw("request_rejected", "status", status, "err", err)
	respondError(w, status, err.Error(), "")
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message, "detail": detail})
}
