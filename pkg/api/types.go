package api

import "github.com/uhyunpark/matchd/pkg/app/core/market"

// MarketInfo represents a market's static configuration
type MarketInfo struct {
	Symbol     string `json:"symbol"`     // e.g., "TATA_INR"
	BaseAsset  string `json:"baseAsset"`  // e.g., "TATA"
	QuoteAsset string `json:"quoteAsset"` // e.g., "INR"
	Status     string `json:"status"`     // "Active", "Halted"
	HaltReason string `json:"haltReason,omitempty"`
}

func marketInfo(m market.Market) MarketInfo {
	return MarketInfo{
		Symbol:     m.Symbol,
		BaseAsset:  m.BaseAsset,
		QuoteAsset: m.QuoteAsset,
		Status:     m.Status.String(),
		HaltReason: m.HaltReason,
	}
}

// ErrorResponse is the body of every non-2xx reply. Error carries the
// rejection code (e.g. INSUFFICIENT_FUNDS).
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WSSubscribeRequest represents a WebSocket subscription request
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["trade.TATA_INR", "depth.200ms.TATA_INR"]
}
