package model

// CommandKind discriminates the command tagged union.
type CommandKind string

const (
	CreateOrder   CommandKind = "CREATE_ORDER"
	CancelOrder   CommandKind = "CANCEL_ORDER"
	GetOpenOrders CommandKind = "GET_OPEN_ORDERS"
	GetDepth      CommandKind = "GET_DEPTH"
	GetBalance    CommandKind = "GET_BALANCE"
	OnRamp        CommandKind = "ON_RAMP"
	Withdraw      CommandKind = "WITHDRAW"
)

// Envelope pairs a command with the client that sent it, mirroring
// the request-queue message shape in §6: "{ client_id, message }".
type Envelope struct {
	ClientID string  `json:"client_id"`
	Command  Command `json:"message"`
}

// Command is the tagged union over the command set. Exactly one of the
// payload pointers is populated, selected by Kind.
type Command struct {
	Kind CommandKind `json:"kind"`

	CreateOrder   *CreateOrderCommand   `json:"create_order,omitempty"`
	CancelOrder   *CancelOrderCommand   `json:"cancel_order,omitempty"`
	GetOpenOrders *GetOpenOrdersCommand `json:"get_open_orders,omitempty"`
	GetDepth      *GetDepthCommand      `json:"get_depth,omitempty"`
	GetBalance    *GetBalanceCommand    `json:"get_balance,omitempty"`
	OnRamp        *OnRampCommand        `json:"on_ramp,omitempty"`
	Withdraw      *WithdrawCommand      `json:"withdraw,omitempty"`
}

// CreateOrderCommand places a new limit order.
type CreateOrderCommand struct {
	UserID   string `json:"user_id" validate:"required"`
	Market   string `json:"market" validate:"required"`
	Side     string `json:"side" validate:"required,oneof=buy sell"`
	Price    string `json:"price" validate:"required"`
	Quantity string `json:"quantity" validate:"required"`
}

// CancelOrderCommand cancels a resting order by id.
type CancelOrderCommand struct {
	Market  string `json:"market" validate:"required"`
	OrderID string `json:"order_id" validate:"required"`
}

// GetOpenOrdersCommand lists a user's resting orders in one market.
type GetOpenOrdersCommand struct {
	Market string `json:"market" validate:"required"`
	UserID string `json:"user_id" validate:"required"`
}

// GetDepthCommand reads the current aggregated depth of a market.
type GetDepthCommand struct {
	Market string `json:"market" validate:"required"`
}

// GetBalanceCommand reads a user's balance map.
type GetBalanceCommand struct {
	UserID string `json:"user_id" validate:"required"`
}

// OnRampCommand credits an asset to a user (on-ramp / deposit).
type OnRampCommand struct {
	UserID string `json:"user_id" validate:"required"`
	Asset  string `json:"asset" validate:"required"`
	Amount string `json:"amount" validate:"required"`
}

// WithdrawCommand debits an asset from a user (withdrawal).
type WithdrawCommand struct {
	UserID string `json:"user_id" validate:"required"`
	Asset  string `json:"asset" validate:"required"`
	Amount string `json:"amount" validate:"required"`
	TxID   string `json:"tx_id" validate:"required"`
}
