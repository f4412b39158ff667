// Package model holds the wire- and book-level types shared by the
// orderbook, ledger, and dispatcher: orders, fills, commands, results,
// and events. Command/result/event sets are represented as tagged unions
// (a Kind discriminator plus a concrete payload), not interfaces, per the
// "dynamic dispatch on command variants" design note.
package model

import (
	"errors"
	"time"

	"fenrir/internal/money"
)

var errMalformedSide = errors.New("model: malformed side text")

// Side is which side of the book an order rests on or executes against.
type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

// ParseSide parses the wire string form of Side.
func ParseSide(s string) (Side, bool) {
	switch s {
	case "buy":
		return Buy, true
	case "sell":
		return Sell, true
	default:
		return 0, false
	}
}

// STPMode selects the self-trade-prevention policy applied when an
// incoming order would cross one of the same user's resting orders.
type STPMode int

const (
	CancelNewest STPMode = iota
	CancelOldest
	CancelBoth
)

func (m STPMode) String() string {
	switch m {
	case CancelOldest:
		return "CANCEL_OLDEST"
	case CancelBoth:
		return "CANCEL_BOTH"
	default:
		return "CANCEL_NEWEST"
	}
}

// ParseSTPMode parses the wire/env string form of STPMode, defaulting to
// CancelNewest for an empty or unrecognized value (§6 configuration default).
func ParseSTPMode(s string) STPMode {
	switch s {
	case "CANCEL_OLDEST":
		return CancelOldest
	case "CANCEL_BOTH":
		return CancelBoth
	default:
		return CancelNewest
	}
}

// Status is the outcome of AddOrder.
type Status string

const (
	StatusAccepted        Status = "ACCEPTED"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusRejected        Status = "REJECTED"
)

// Order is a single resting or just-matched order. Quantity is the
// original requested size; Filled is monotonically non-decreasing and
// never exceeds Quantity.
type Order struct {
	ID        string        `json:"order_id"`
	UserID    string        `json:"user_id"`
	Market    string        `json:"market"`
	Side      Side          `json:"side"`
	Price     money.Decimal `json:"price"`
	Quantity  money.Decimal `json:"quantity"`
	Filled    money.Decimal `json:"filled"`
	CreatedAt time.Time     `json:"created_at"`

	// Seq is the orderbook's insertion counter for this order. Restore
	// keeps each level's FIFO order from the order of the snapshot
	// sequences and uses the highest Seq only to resume the counter.
	// Assigned by the orderbook on insertion; callers constructing a fresh
	// Order leave it zero.
	Seq uint64 `json:"seq"`
}

// MarshalJSON renders Side as its wire string ("buy"/"sell").
func (s Side) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON parses Side from its wire string form.
func (s *Side) UnmarshalJSON(data []byte) error {
	if len(data) < 2 {
		return errMalformedSide
	}
	side, ok := ParseSide(string(data[1 : len(data)-1]))
	if !ok {
		return errMalformedSide
	}
	*s = side
	return nil
}

// Remaining returns Quantity - Filled.
func (o Order) Remaining() money.Decimal {
	return o.Quantity.Sub(o.Filled)
}

// Fill is one execution between a taker and a single resting maker. Fills
// are immutable once produced and always carry the maker's resting price.
type Fill struct {
	Price        money.Decimal `json:"price"`
	Qty          money.Decimal `json:"qty"`
	TradeID      uint64        `json:"trade_id"`
	MakerOrderID string        `json:"maker_order_id"`
	MakerUserID  string        `json:"maker_user_id"`
}

// AddOrderResult is the outcome of OrderBook.AddOrder.
type AddOrderResult struct {
	Status          Status
	ExecutedQty     money.Decimal
	Fills           []Fill
	RejectionReason string

	// CancelledOrders holds every resting order the book removed as a
	// side effect of self-trade prevention, regardless of STPMode. The
	// spec's wire contract only surfaces these ids back to the client
	// under CANCEL_BOTH, but the dispatcher needs the full records (for
	// every mode, including the silent CANCEL_OLDEST removals) so it can
	// unlock the ledger funds those resting orders were holding.
	CancelledOrders []Order
}

// PriceLevel is one aggregated depth entry.
type PriceLevel struct {
	Price money.Decimal `json:"price"`
	Qty   money.Decimal `json:"qty"`
}

// BookSnapshot is the serializable form of one market's orderbook.
type BookSnapshot struct {
	Market      string        `json:"market"`
	BaseAsset   string        `json:"base_asset"`
	QuoteAsset  string        `json:"quote_asset"`
	Bids        []Order       `json:"bids"`
	Asks        []Order       `json:"asks"`
	LastTradeID uint64        `json:"last_trade_id"`
	LastPrice   money.Decimal `json:"last_price"`
	STPMode     STPMode       `json:"stp_mode"`
}
