package api

// Request/response shapes for the REST and WebSocket surface. Amounts and
// prices are integer base units; addresses are 0x-hex; tickers are plain
// symbols. The trader/account fields carry an already-authenticated
// principal — signature checking belongs to the wallet collaborator.

type AddTokenRequest struct {
	Caller  string `json:"caller"`
	Ticker  string `json:"ticker"`
	Address string `json:"address"`
}

type DepositRequest struct {
	Account string `json:"account"`
	Ticker  string `json:"ticker"`
	Amount  int64  `json:"amount"`
}

type WithdrawRequest struct {
	Account string `json:"account"`
	Ticker  string `json:"ticker"`
	Amount  int64  `json:"amount"`
}

type BalanceResponse struct {
	Account   string `json:"account"`
	Ticker    string `json:"ticker"`
	Available int64  `json:"available"`
	Reserved  int64  `json:"reserved"`
}

type TokenListResponse struct {
	Tickers   []string `json:"tickers"`
	Addresses []string `json:"addresses"`
}

type TokenResponse struct {
	Ticker  string `json:"ticker"`
	Address string `json:"address"`
}

type OrderRequest struct {
	Trader string `json:"trader"`
	Side   string `json:"side"` // BUY | SELL
	Type   string `json:"type"` // limit | market
	Ticker string `json:"ticker"`
	Amount int64  `json:"amount"`
	Price  int64  `json:"price,omitempty"` // limit orders only
}

type OrderResponse struct {
	OrderID uint64      `json:"orderId,omitempty"`
	Trades  []TradeInfo `json:"trades"`
}

type CancelOrderRequest struct {
	Trader  string `json:"trader"`
	Ticker  string `json:"ticker"`
	OrderID uint64 `json:"orderId"`
}

type OrderInfo struct {
	ID     uint64 `json:"id"`
	Trader string `json:"trader"`
	Side   string `json:"side"`
	Price  int64  `json:"price"`
	Amount int64  `json:"amount"`
	Filled int64  `json:"filled"`
}

type OrderbookSnapshot struct {
	Ticker    string      `json:"ticker"`
	Bids      []OrderInfo `json:"bids"`
	Asks      []OrderInfo `json:"asks"`
	Timestamp int64       `json:"timestamp"`
}

type TradeInfo struct {
	ID      uint64 `json:"id"`
	Ticker  string `json:"ticker"`
	Price   int64  `json:"price"`
	Qty     int64  `json:"qty"`
	Buyer   string `json:"buyer"`
	Seller  string `json:"seller"`
	TakerID uint64 `json:"takerId"`
	MakerID uint64 `json:"makerId"`
	Time    int64  `json:"time"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WSSubscribeRequest subscribes or unsubscribes channels, e.g.
// {"op":"subscribe","channels":["orderbook:LINK","trades:LINK"]}.
type WSSubscribeRequest struct {
	Op       string   `json:"op"`
	Channels []string `json:"channels"`
}

type OrderbookUpdate struct {
	Type      string      `json:"type"` // "orderbook"
	Ticker    string      `json:"ticker"`
	Bids      []OrderInfo `json:"bids"`
	Asks      []OrderInfo `json:"asks"`
	Timestamp int64       `json:"timestamp"`
}

type TradeUpdate struct {
	Type  string    `json:"type"` // "trade"
	Trade TradeInfo `json:"trade"`
}
