package api

// API request/response types for REST endpoints and WebSocket messages

// ==============================
// REST Response Types
// ==============================

// TokenInfo is one registered token.
type TokenInfo struct {
	Ticker string `json:"ticker"`
	Handle string `json:"handle"` // 0x-prefixed asset contract address
}

// OrderInfo is one resting order in canonical book order.
type OrderInfo struct {
	ID     uint64 `json:"id"`
	Trader string `json:"trader"`
	Side   string `json:"side"` // "buy" or "sell"
	Ticker string `json:"ticker"`
	Price  uint64 `json:"price"`
	Amount uint64 `json:"amount"` // remaining
}

// PriceLevel is a [price, aggregated amount] tuple.
type PriceLevel struct {
	Price  uint64 `json:"price"`
	Amount uint64 `json:"amount"`
}

// DepthSnapshot is the aggregated book state for one ticker.
type DepthSnapshot struct {
	Ticker    string       `json:"ticker"`
	Bids      []PriceLevel `json:"bids"` // sorted high to low
	Asks      []PriceLevel `json:"asks"` // sorted low to high
	Timestamp int64        `json:"timestamp"` // unix milliseconds
}

// TradeInfo is one completed fill.
type TradeInfo struct {
	ID           uint64 `json:"id"`
	Ticker       string `json:"ticker"`
	Price        uint64 `json:"price"`
	Amount       uint64 `json:"amount"`
	TakerSide    string `json:"takerSide"`
	Taker        string `json:"taker"`
	Maker        string `json:"maker"`
	TakerOrderID uint64 `json:"takerOrderId"`
	MakerOrderID uint64 `json:"makerOrderId"`
	Timestamp    int64  `json:"timestamp"`
}

// BalanceInfo is one custodial balance.
type BalanceInfo struct {
	Trader string `json:"trader"`
	Ticker string `json:"ticker"`
	Amount uint64 `json:"amount"`
}

// ==============================
// REST Request Types
// ==============================

// AddTokenRequest registers a token (admin only).
type AddTokenRequest struct {
	Ticker string `json:"ticker"`
	Handle string `json:"handle"`
}

// TransferRequest moves tokens into or out of custody.
type TransferRequest struct {
	Ticker string `json:"ticker"`
	Amount uint64 `json:"amount"`
}

// SubmitOrderRequest places a limit order.
type SubmitOrderRequest struct {
	Ticker string `json:"ticker"`
	Side   string `json:"side"` // "buy" or "sell"
	Price  uint64 `json:"price"`
	Amount uint64 `json:"amount"`
}

// FillInfo is one fill of a submitted order.
type FillInfo struct {
	MakerOrderID uint64 `json:"makerOrderId"`
	Maker        string `json:"maker"`
	Price        uint64 `json:"price"`
	Amount       uint64 `json:"amount"`
}

// SubmitOrderResponse reports the outcome of a limit order.
type SubmitOrderResponse struct {
	OrderID   uint64     `json:"orderId"`
	Fills     []FillInfo `json:"fills"`
	Remaining uint64     `json:"remaining"`
	Rested    bool       `json:"rested"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by clients to manage channel subscriptions.
// Channels: "trades:{ticker}", "orderbook:{ticker}".
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// TradeUpdate is broadcast when a fill executes.
type TradeUpdate struct {
	Type  string    `json:"type"` // "trade"
	Trade TradeInfo `json:"trade"`
}

// OrderbookUpdate is broadcast after every mutating request that
// touched a ticker's book.
type OrderbookUpdate struct {
	Type      string       `json:"type"` // "orderbook"
	Ticker    string       `json:"ticker"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp int64        `json:"timestamp"`
}
