package model

import "fenrir/internal/money"

// ResultKind discriminates the result tagged union delivered on a
// client's result channel.
type ResultKind string

const (
	ResultOrderPlaced     ResultKind = "ORDER_PLACED"
	ResultOrderRejected   ResultKind = "ORDER_REJECTED"
	ResultOrderCancelled  ResultKind = "ORDER_CANCELLED"
	ResultOpenOrders      ResultKind = "OPEN_ORDERS"
	ResultDepth           ResultKind = "DEPTH"
	ResultBalance         ResultKind = "BALANCE"
	ResultOnRampSuccess   ResultKind = "ON_RAMP_SUCCESS"
	ResultWithdrawSuccess ResultKind = "WITHDRAW_SUCCESS"
	ResultWithdrawFailed  ResultKind = "WITHDRAW_FAILED"
)

// RejectionCode classifies why a command produced no effect.
type RejectionCode string

const (
	CodeSelfTrade   RejectionCode = "SELF_TRADE"
	CodeOrderFailed RejectionCode = "ORDER_FAILED"
)

// Result is the tagged union of every payload the dispatcher can place on
// a client's result channel. Each command produces exactly one Result,
// failures included, with these exceptions: an ON_RAMP whose payload is
// missing, fails validation, or carries a malformed or non-positive
// amount; a command of unknown kind; and an envelope that does not
// decode. Those are logged or dropped and produce no Result.
type Result struct {
	Kind ResultKind `json:"kind"`

	OrderPlaced     *OrderPlacedResult     `json:"order_placed,omitempty"`
	OrderRejected   *OrderRejectedResult   `json:"order_rejected,omitempty"`
	OrderCancelled  *OrderCancelledResult  `json:"order_cancelled,omitempty"`
	OpenOrders      []Order                `json:"open_orders,omitempty"`
	Depth           *DepthResult           `json:"depth,omitempty"`
	Balance         map[string]Balance     `json:"balance,omitempty"`
	OnRampSuccess   *OnRampSuccessResult   `json:"on_ramp_success,omitempty"`
	WithdrawSuccess *WithdrawSuccessResult `json:"withdraw_success,omitempty"`
	WithdrawFailed  *WithdrawFailedResult  `json:"withdraw_failed,omitempty"`
}

// Balance is one asset's available/locked pair.
type Balance struct {
	Available money.Decimal `json:"available"`
	Locked    money.Decimal `json:"locked"`
}

// FillView is the public shape of a Fill on the wire (no maker identity
// leaked to the counterparty's own ORDER_PLACED result).
type FillView struct {
	Price   money.Decimal `json:"price"`
	Qty     money.Decimal `json:"qty"`
	TradeID uint64        `json:"trade_id"`
}

type OrderPlacedResult struct {
	OrderID     string     `json:"order_id"`
	ExecutedQty money.Decimal `json:"executed_qty"`
	Fills       []FillView `json:"fills"`
}

type OrderRejectedResult struct {
	OrderID      string        `json:"order_id"`
	ExecutedQty  money.Decimal `json:"executed_qty"`
	RemainingQty money.Decimal `json:"remaining_qty"`
	Reason       string        `json:"reason"`
	Code         RejectionCode `json:"code"`
}

type OrderCancelledResult struct {
	OrderID      string        `json:"order_id"`
	ExecutedQty  money.Decimal `json:"executed_qty"`
	RemainingQty money.Decimal `json:"remaining_qty"`
}

type DepthResult struct {
	Bids []PriceLevel `json:"bids"`
	Asks []PriceLevel `json:"asks"`
}

type OnRampSuccessResult struct {
	UserID     string        `json:"user_id"`
	Amount     money.Decimal `json:"amount"`
	NewBalance money.Decimal `json:"new_balance"`
}

type WithdrawSuccessResult struct {
	UserID     string        `json:"user_id"`
	NewBalance money.Decimal `json:"new_balance"`
	TxID       string        `json:"tx_id"`
}

type WithdrawFailedResult struct {
	UserID string `json:"user_id"`
	TxID   string `json:"tx_id"`
	Reason string `json:"reason"`
}
