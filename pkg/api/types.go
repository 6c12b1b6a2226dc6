package api

// API request/response types for REST endpoints and WebSocket messages.
// Orders, trades and order books are served in their core JSON form.

// ==============================
// REST Request Types
// ==============================

// TakeOrderRequest is the payload for POST /api/v1/trades
type TakeOrderRequest struct {
	Account string `json:"account"` // Maker of the order
	OrderID string `json:"orderId"` // Order ID within the maker's book
	Units   int64  `json:"units"`
}

// ==============================
// REST Response Types
// ==============================

// AddOrderResponse is returned by POST /api/v1/own-orders
type AddOrderResponse struct {
	Status  string `json:"status"` // "added"
	OrderID string `json:"orderId"`
}

// TakeOrderResponse is returned by POST /api/v1/trades
type TakeOrderResponse struct {
	Status     string `json:"status"`     // "sent"
	Identifier string `json:"identifier"` // Trade identifier, maker + "\n" + order ID
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSMessage is the envelope of every pushed update
type WSMessage struct {
	Type      string `json:"type"` // channel: "trades", "orderbook", "own_orders"
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"` // Unix milliseconds
}

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g. ["trades", "orderbook"]
}
