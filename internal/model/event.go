package model

import "fenrir/internal/money"

// DepthDelta is one changed price level published on depth@<market>. A
// Qty of zero signals the level was fully removed.
type DepthDelta struct {
	Price money.Decimal `json:"price"`
	Qty   money.Decimal `json:"qty"`
}

// DepthEvent is the payload on depth@<market>: changed levels only.
type DepthEvent struct {
	Event string       `json:"e"`
	Bids  []DepthDelta `json:"b"`
	Asks  []DepthDelta `json:"a"`
}

// NewDepthEvent builds a DepthEvent with the fixed "depth" discriminator.
func NewDepthEvent(bids, asks []DepthDelta) DepthEvent {
	if bids == nil {
		bids = []DepthDelta{}
	}
	if asks == nil {
		asks = []DepthDelta{}
	}
	return DepthEvent{Event: "depth", Bids: bids, Asks: asks}
}

// TradeEvent is the payload on trade@<market>.
type TradeEvent struct {
	Event        string        `json:"e"`
	TradeID      uint64        `json:"t"`
	IsBuyerMaker bool          `json:"m"`
	Price        money.Decimal `json:"p"`
	Qty          money.Decimal `json:"q"`
	Market       string        `json:"s"`
}

// Role is whether a user's own-trade event reports their side as the
// liquidity taker or maker of that fill.
type Role string

const (
	RoleMaker Role = "maker"
	RoleTaker Role = "taker"
)

// UserTradeEvent is the payload on userTrades@<user_id>.
type UserTradeEvent struct {
	Event     string        `json:"e"`
	TradeID   uint64        `json:"t"`
	Market    string        `json:"s"`
	Price     money.Decimal `json:"p"`
	Qty       money.Decimal `json:"q"`
	Side      string        `json:"side"`
	Role      Role          `json:"role"`
	Timestamp int64         `json:"timestamp"`
}

// TradeAdded is the persistence-channel record for one fill.
type TradeAdded struct {
	ID             uint64        `json:"id"`
	Market         string        `json:"market"`
	Price          money.Decimal `json:"price"`
	Quantity       money.Decimal `json:"quantity"`
	QuoteQuantity  money.Decimal `json:"quote_quantity"`
	IsBuyerMaker   bool          `json:"is_buyer_maker"`
	Timestamp      int64         `json:"timestamp"`
	BuyerUserID    string        `json:"buyer_user_id,omitempty"`
	SellerUserID   string        `json:"seller_user_id,omitempty"`
}

// OrderUpdate is the persistence-channel record for a change to an
// order's cumulative executed quantity or status.
type OrderUpdate struct {
	OrderID     string        `json:"order_id"`
	ExecutedQty money.Decimal `json:"executed_qty"`
	Market      string        `json:"market,omitempty"`
	Price       money.Decimal `json:"price,omitempty"`
	Quantity    money.Decimal `json:"quantity,omitempty"`
	Side        string        `json:"side,omitempty"`
	UserID      string        `json:"user_id,omitempty"`
	Status      string        `json:"status,omitempty"`
}
