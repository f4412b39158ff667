// Package dispatch implements the engine dispatcher: the single-threaded
// command loop that owns the market registry and the balance ledger,
// orchestrates validate→lock→match→settle→emit for every command, and
// maintains periodic snapshots for crash recovery. Per §5, exactly one
// command is in flight at any moment and every command runs to
// completion — including every emitted message — before the next is
// dequeued; there is no mutex anywhere in this package because there is
// never a second caller.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"

	"fenrir/internal/bus"
	"fenrir/internal/config"
	"fenrir/internal/engine"
	"fenrir/internal/ledger"
	"fenrir/internal/model"
	"fenrir/internal/money"
)

// Sentinel errors from the taxonomy in §7. Each is surfaced to the
// client as a typed result; none propagate past this package.
var (
	ErrUnknownMarket = errors.New("dispatch: unknown market")
	ErrMalformedSide = errors.New("dispatch: side must be \"buy\" or \"sell\"")
	ErrBadPrice      = errors.New("dispatch: price must be a positive decimal")
	ErrBadQuantity   = errors.New("dispatch: quantity must be a positive decimal")
)

// Dispatcher owns every orderbook and the balance ledger. It is the
// single mutable root described in design note "Global mutable state":
// no other component holds a reference into books or the ledger.
type Dispatcher struct {
	cfg      config.Config
	bus      *bus.Bus
	ledger   *ledger.Ledger
	books    map[string]*engine.OrderBook
	validate *validator.Validate
}

// New constructs a Dispatcher. If cfg.WithSnapshot is set and a readable,
// decodable snapshot file exists at cfg.SnapshotPath, the registry and
// ledger are restored from it; otherwise the dispatcher seeds an empty
// registry from cfg.Markets and cfg.SeedBalances.
func New(cfg config.Config, b *bus.Bus) *Dispatcher {
	d := &Dispatcher{
		cfg:      cfg,
		bus:      b,
		ledger:   ledger.New(),
		books:    make(map[string]*engine.OrderBook),
		validate: validator.New(),
	}

	if cfg.WithSnapshot {
		if err := d.loadSnapshot(); err != nil {
			log.Info().Err(err).Str("path", cfg.SnapshotPath).Msg("dispatch: no usable snapshot, starting empty")
			d.seed()
		}
	} else {
		d.seed()
	}

	return d
}

func (d *Dispatcher) seed() {
	for _, m := range d.cfg.Markets {
		d.books[m.Symbol] = engine.New(m.Symbol, m.Base, m.Quote, d.cfg.DefaultSTPMode)
	}
	for _, sb := range d.cfg.SeedBalances {
		amount, err := money.Parse(sb.Amount)
		if err != nil {
			log.Error().Err(err).Str("user", sb.UserID).Str("asset", sb.Asset).
				Msg("dispatch: malformed seed balance amount, skipping")
			continue
		}
		d.ledger.Credit(sb.UserID, sb.Asset, amount)
	}
}

// Run is the dispatcher's single command loop: a for-select over the
// bus's commands subscription and a snapshot timer ticker, matching
// §5's "one goroutine, one channel, no fan-out" model precisely.
func (d *Dispatcher) Run(ctx context.Context) error {
	msgs, err := d.bus.Commands(ctx)
	if err != nil {
		return fmt.Errorf("dispatch: subscribe to commands: %w", err)
	}

	ticker := time.NewTicker(d.cfg.SnapshotInterval)
	defer ticker.Stop()

	log.Info().Int("markets", len(d.books)).Msg("dispatch: running")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				log.Info().Msg("dispatch: commands topic closed, shutting down")
				return nil
			}
			d.handleMessage(msg)
		case <-ticker.C:
			if err := d.writeSnapshot(); err != nil {
				log.Error().Err(err).Msg("dispatch: snapshot write failed, will retry next tick")
			}
		}
	}
}

func (d *Dispatcher) handleMessage(msg *message.Message) {
	defer msg.Ack()

	var env model.Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		log.Error().Err(err).Msg("dispatch: malformed command envelope, dropping")
		return
	}
	d.apply(env)
}

// apply is the ApplyCommand entry point design note §9 calls for: route
// one command to its workflow. Represented as a Kind switch over a
// concrete payload struct, per "dynamic dispatch on command variants".
func (d *Dispatcher) apply(env model.Envelope) {
	cmd := env.Command
	switch cmd.Kind {
	case model.CreateOrder:
		d.handleCreateOrder(env.ClientID, cmd.CreateOrder)
	case model.CancelOrder:
		d.handleCancelOrder(env.ClientID, cmd.CancelOrder)
	case model.GetOpenOrders:
		d.handleGetOpenOrders(env.ClientID, cmd.GetOpenOrders)
	case model.GetDepth:
		d.handleGetDepth(env.ClientID, cmd.GetDepth)
	case model.GetBalance:
		d.handleGetBalance(env.ClientID, cmd.GetBalance)
	case model.OnRamp:
		d.handleOnRamp(env.ClientID, cmd.OnRamp)
	case model.Withdraw:
		d.handleWithdraw(env.ClientID, cmd.Withdraw)
	default:
		log.Error().Str("kind", string(cmd.Kind)).Msg("dispatch: unknown command kind")
	}
}

// --- CREATE_ORDER -----------------------------------------------------

func (d *Dispatcher) handleCreateOrder(clientID string, cmd *model.CreateOrderCommand) {
	if cmd == nil {
		d.rejectOrder(clientID, model.CodeOrderFailed, "missing create_order payload")
		return
	}
	if err := d.validate.Struct(cmd); err != nil {
		d.rejectOrder(clientID, model.CodeOrderFailed, err.Error())
		return
	}

	book, ok := d.books[cmd.Market]
	if !ok {
		d.rejectOrder(clientID, model.CodeOrderFailed, fmt.Sprintf("%s: %q", ErrUnknownMarket, cmd.Market))
		return
	}
	side, ok := model.ParseSide(cmd.Side)
	if !ok {
		d.rejectOrder(clientID, model.CodeOrderFailed, ErrMalformedSide.Error())
		return
	}
	price, err := money.Parse(cmd.Price)
	if err != nil || !price.IsPositive() {
		d.rejectOrder(clientID, model.CodeOrderFailed, ErrBadPrice.Error())
		return
	}
	qty, err := money.Parse(cmd.Quantity)
	if err != nil || !qty.IsPositive() {
		d.rejectOrder(clientID, model.CodeOrderFailed, ErrBadQuantity.Error())
		return
	}

	order := model.Order{
		ID:        uuid.New().String(),
		UserID:    cmd.UserID,
		Market:    cmd.Market,
		Side:      side,
		Price:     price,
		Quantity:  qty,
		Filled:    money.Zero,
		CreatedAt: time.Now(),
	}

	if err := d.ledger.Lock(cmd.UserID, side, book.BaseAsset, book.QuoteAsset, price, qty); err != nil {
		d.rejectOrder(clientID, model.CodeOrderFailed, err.Error())
		return
	}

	res := book.AddOrder(order)

	// Every resting order the book evicted as an STP side effect — under
	// CANCEL_OLDEST (matching continues) or CANCEL_BOTH (rejected below)
	// — was holding locked ledger funds that must come back regardless
	// of this command's own outcome.
	for _, cancelled := range res.CancelledOrders {
		d.unwindCancelledOrder(book, cancelled)
	}

	if res.Status == model.StatusRejected {
		d.ledger.Unlock(cmd.UserID, side, book.BaseAsset, book.QuoteAsset, price, qty)
		d.bus.PublishResult(clientID, model.Result{
			Kind: model.ResultOrderRejected,
			OrderRejected: &model.OrderRejectedResult{
				OrderID:      "",
				ExecutedQty:  money.Zero,
				RemainingQty: money.Zero,
				Reason:       "self_trade",
				Code:         model.CodeSelfTrade,
			},
		})
		return
	}

	for _, fill := range res.Fills {
		d.ledger.SettleFill(cmd.UserID, fill.MakerUserID, side, book.BaseAsset, book.QuoteAsset, fill.Qty, fill.Price)
		d.emitFillEvents(book.Market, order, side, fill)
	}

	d.bus.PublishPersistence(model.OrderUpdate{
		OrderID:     order.ID,
		ExecutedQty: res.ExecutedQty,
		Market:      book.Market,
		Price:       order.Price,
		Quantity:    order.Quantity,
		Side:        side.String(),
		UserID:      order.UserID,
		Status:      string(res.Status),
	})
	d.emitMatchDepth(book, side, order.Price, res.Status, res.Fills)

	views := make([]model.FillView, len(res.Fills))
	for i, f := range res.Fills {
		views[i] = model.FillView{Price: f.Price, Qty: f.Qty, TradeID: f.TradeID}
	}
	d.bus.PublishResult(clientID, model.Result{
		Kind: model.ResultOrderPlaced,
		OrderPlaced: &model.OrderPlacedResult{
			OrderID:     order.ID,
			ExecutedQty: res.ExecutedQty,
			Fills:       views,
		},
	})
}

func (d *Dispatcher) rejectOrder(clientID string, code model.RejectionCode, reason string) {
	d.bus.PublishResult(clientID, model.Result{
		Kind: model.ResultOrderRejected,
		OrderRejected: &model.OrderRejectedResult{
			OrderID:      "",
			ExecutedQty:  money.Zero,
			RemainingQty: money.Zero,
			Reason:       reason,
			Code:         code,
		},
	})
}

// unwindCancelledOrder restores the ledger funds a self-trade-evicted
// resting order was holding and announces its removal on the
// persistence and depth channels, exactly as a CANCEL_ORDER would.
func (d *Dispatcher) unwindCancelledOrder(book *engine.OrderBook, cancelled model.Order) {
	d.ledger.Unlock(cancelled.UserID, cancelled.Side, book.BaseAsset, book.QuoteAsset, cancelled.Price, cancelled.Remaining())
	d.bus.PublishPersistence(model.OrderUpdate{
		OrderID:     cancelled.ID,
		ExecutedQty: cancelled.Filled,
		Market:      book.Market,
		Price:       cancelled.Price,
		Quantity:    cancelled.Quantity,
		Side:        cancelled.Side.String(),
		UserID:      cancelled.UserID,
		Status:      "CANCELLED",
	})
	d.emitDepthDelta(book, cancelled.Side, cancelled.Price)
}

// emitFillEvents publishes the trade-tape record, the persistence
// records, and the two per-user own-trade events for one fill.
func (d *Dispatcher) emitFillEvents(market string, taker model.Order, takerSide model.Side, fill model.Fill) {
	isBuyerMaker := takerSide == model.Sell
	now := time.Now()

	d.bus.PublishTrade(market, model.TradeEvent{
		Event:        "trade",
		TradeID:      fill.TradeID,
		IsBuyerMaker: isBuyerMaker,
		Price:        fill.Price,
		Qty:          fill.Qty,
		Market:       market,
	})

	buyer, seller := taker.UserID, fill.MakerUserID
	if takerSide == model.Sell {
		buyer, seller = fill.MakerUserID, taker.UserID
	}
	d.bus.PublishPersistence(model.TradeAdded{
		ID:            fill.TradeID,
		Market:        market,
		Price:         fill.Price,
		Quantity:      fill.Qty,
		QuoteQuantity: fill.Qty.Mul(fill.Price),
		IsBuyerMaker:  isBuyerMaker,
		Timestamp:     now.Unix(),
		BuyerUserID:   buyer,
		SellerUserID:  seller,
	})

	makerSide := opposite(takerSide)
	d.bus.PublishPersistence(model.OrderUpdate{
		OrderID:     fill.MakerOrderID,
		ExecutedQty: fill.Qty,
		Market:      market,
		Price:       fill.Price,
		Side:        makerSide.String(),
		UserID:      fill.MakerUserID,
	})

	d.bus.PublishUserTrade(taker.UserID, model.UserTradeEvent{
		Event:     "userTrade",
		TradeID:   fill.TradeID,
		Market:    market,
		Price:     fill.Price,
		Qty:       fill.Qty,
		Side:      takerSide.String(),
		Role:      model.RoleTaker,
		Timestamp: now.Unix(),
	})
	d.bus.PublishUserTrade(fill.MakerUserID, model.UserTradeEvent{
		Event:     "userTrade",
		TradeID:   fill.TradeID,
		Market:    market,
		Price:     fill.Price,
		Qty:       fill.Qty,
		Side:      makerSide.String(),
		Role:      model.RoleMaker,
		Timestamp: now.Unix(),
	})
}

// emitMatchDepth publishes the DEPTH delta for a CREATE_ORDER command:
// the new aggregate for every distinct opposite-side price touched by a
// fill, plus the taker's residue price if anything rests.
func (d *Dispatcher) emitMatchDepth(book *engine.OrderBook, takerSide model.Side, takerPrice money.Decimal, status model.Status, fills []model.Fill) {
	oppSide := opposite(takerSide)
	seen := make(map[string]bool)
	var bidDeltas, askDeltas []model.DepthDelta

	appendDelta := func(side model.Side, price money.Decimal) {
		delta := model.DepthDelta{Price: price, Qty: book.DepthAt(side, price)}
		if side == model.Buy {
			bidDeltas = append(bidDeltas, delta)
		} else {
			askDeltas = append(askDeltas, delta)
		}
	}

	for _, f := range fills {
		key := f.Price.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		appendDelta(oppSide, f.Price)
	}

	if status == model.StatusAccepted || status == model.StatusPartiallyFilled {
		appendDelta(takerSide, takerPrice)
	}

	if len(bidDeltas) == 0 && len(askDeltas) == 0 {
		return
	}
	d.bus.PublishDepth(book.Market, model.NewDepthEvent(bidDeltas, askDeltas))
}

// emitDepthDelta publishes a single-level DEPTH delta, used by CANCEL_ORDER
// and by STP eviction.
func (d *Dispatcher) emitDepthDelta(book *engine.OrderBook, side model.Side, price money.Decimal) {
	delta := model.DepthDelta{Price: price, Qty: book.DepthAt(side, price)}
	if side == model.Buy {
		d.bus.PublishDepth(book.Market, model.NewDepthEvent([]model.DepthDelta{delta}, nil))
	} else {
		d.bus.PublishDepth(book.Market, model.NewDepthEvent(nil, []model.DepthDelta{delta}))
	}
}

func opposite(side model.Side) model.Side {
	if side == model.Buy {
		return model.Sell
	}
	return model.Buy
}

// --- CANCEL_ORDER -------------------------------------------------------

func (d *Dispatcher) handleCancelOrder(clientID string, cmd *model.CancelOrderCommand) {
	noop := func(orderID string) {
		d.bus.PublishResult(clientID, model.Result{
			Kind: model.ResultOrderCancelled,
			OrderCancelled: &model.OrderCancelledResult{
				OrderID:      orderID,
				ExecutedQty:  money.Zero,
				RemainingQty: money.Zero,
			},
		})
	}

	if cmd == nil || d.validate.Struct(cmd) != nil {
		noop("")
		return
	}

	book, ok := d.books[cmd.Market]
	if !ok {
		noop(cmd.OrderID)
		return
	}

	removed, ok := book.Cancel(cmd.OrderID)
	if !ok {
		noop(cmd.OrderID)
		return
	}

	d.ledger.Unlock(removed.UserID, removed.Side, book.BaseAsset, book.QuoteAsset, removed.Price, removed.Remaining())
	d.bus.PublishPersistence(model.OrderUpdate{
		OrderID:     removed.ID,
		ExecutedQty: removed.Filled,
		Market:      book.Market,
		Price:       removed.Price,
		Quantity:    removed.Quantity,
		Side:        removed.Side.String(),
		UserID:      removed.UserID,
		Status:      "CANCELLED",
	})
	d.emitDepthDelta(book, removed.Side, removed.Price)

	d.bus.PublishResult(clientID, model.Result{
		Kind: model.ResultOrderCancelled,
		OrderCancelled: &model.OrderCancelledResult{
			OrderID:      removed.ID,
			ExecutedQty:  removed.Filled,
			RemainingQty: removed.Remaining(),
		},
	})
}

// --- Queries --------------------------------------------------------------

func (d *Dispatcher) handleGetOpenOrders(clientID string, cmd *model.GetOpenOrdersCommand) {
	var orders []model.Order
	if cmd != nil {
		if book, ok := d.books[cmd.Market]; ok {
			orders = book.OpenOrders(cmd.UserID)
		}
	}
	d.bus.PublishResult(clientID, model.Result{Kind: model.ResultOpenOrders, OpenOrders: orders})
}

func (d *Dispatcher) handleGetDepth(clientID string, cmd *model.GetDepthCommand) {
	var bids, asks []model.PriceLevel
	if cmd != nil {
		if book, ok := d.books[cmd.Market]; ok {
			bids, asks = book.Depth()
		}
	}
	d.bus.PublishResult(clientID, model.Result{Kind: model.ResultDepth, Depth: &model.DepthResult{Bids: bids, Asks: asks}})
}

func (d *Dispatcher) handleGetBalance(clientID string, cmd *model.GetBalanceCommand) {
	var balance map[string]model.Balance
	if cmd != nil {
		balance = d.ledger.Get(cmd.UserID)
	}
	d.bus.PublishResult(clientID, model.Result{Kind: model.ResultBalance, Balance: balance})
}

// --- ON_RAMP / WITHDRAW -----------------------------------------------

func (d *Dispatcher) handleOnRamp(clientID string, cmd *model.OnRampCommand) {
	if cmd == nil || d.validate.Struct(cmd) != nil {
		return
	}
	amount, err := money.Parse(cmd.Amount)
	if err != nil || !amount.IsPositive() {
		log.Error().Str("user", cmd.UserID).Str("amount", cmd.Amount).Msg("dispatch: malformed on-ramp amount")
		return
	}
	d.ledger.Credit(cmd.UserID, cmd.Asset, amount)
	newBalance := d.ledger.Get(cmd.UserID)[cmd.Asset].Available
	d.bus.PublishResult(clientID, model.Result{
		Kind: model.ResultOnRampSuccess,
		OnRampSuccess: &model.OnRampSuccessResult{
			UserID:     cmd.UserID,
			Amount:     amount,
			NewBalance: newBalance,
		},
	})
}

func (d *Dispatcher) handleWithdraw(clientID string, cmd *model.WithdrawCommand) {
	if cmd == nil {
		d.bus.PublishResult(clientID, model.Result{
			Kind:           model.ResultWithdrawFailed,
			WithdrawFailed: &model.WithdrawFailedResult{Reason: "missing withdraw payload"},
		})
		return
	}
	if err := d.validate.Struct(cmd); err != nil {
		d.bus.PublishResult(clientID, model.Result{
			Kind:           model.ResultWithdrawFailed,
			WithdrawFailed: &model.WithdrawFailedResult{UserID: cmd.UserID, TxID: cmd.TxID, Reason: err.Error()},
		})
		return
	}
	amount, err := money.Parse(cmd.Amount)
	if err != nil || !amount.IsPositive() {
		d.bus.PublishResult(clientID, model.Result{
			Kind:           model.ResultWithdrawFailed,
			WithdrawFailed: &model.WithdrawFailedResult{UserID: cmd.UserID, TxID: cmd.TxID, Reason: ErrBadQuantity.Error()},
		})
		return
	}
	if err := d.ledger.Debit(cmd.UserID, cmd.Asset, amount); err != nil {
		d.bus.PublishResult(clientID, model.Result{
			Kind:           model.ResultWithdrawFailed,
			WithdrawFailed: &model.WithdrawFailedResult{UserID: cmd.UserID, TxID: cmd.TxID, Reason: err.Error()},
		})
		return
	}
	newBalance := d.ledger.Get(cmd.UserID)[cmd.Asset].Available
	d.bus.PublishResult(clientID, model.Result{
		Kind: model.ResultWithdrawSuccess,
		WithdrawSuccess: &model.WithdrawSuccessResult{
			UserID:     cmd.UserID,
			NewBalance: newBalance,
			TxID:       cmd.TxID,
		},
	})
}

// --- Snapshotting -------------------------------------------------------

// snapshotFile is the on-disk shape of a full engine snapshot: the
// market registry plus the balance ledger, JSON-marshaled then
// zstd-compressed before the atomic rename.
type snapshotFile struct {
	Orderbooks []model.BookSnapshot `json:"orderbooks"`
	Balances   []ledger.Entry       `json:"balances"`
}

func (d *Dispatcher) writeSnapshot() error {
	var file snapshotFile
	for _, book := range d.books {
		file.Orderbooks = append(file.Orderbooks, book.Snapshot())
	}
	file.Balances = d.ledger.Snapshot()

	raw, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("dispatch: marshal snapshot: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("dispatch: new zstd writer: %w", err)
	}
	compressed := enc.EncodeAll(raw, nil)
	if err := enc.Close(); err != nil {
		return fmt.Errorf("dispatch: close zstd writer: %w", err)
	}

	tmp := d.cfg.SnapshotPath + ".tmp"
	if err := os.WriteFile(tmp, compressed, 0o644); err != nil {
		return fmt.Errorf("dispatch: write temp snapshot: %w", err)
	}
	if err := os.Rename(tmp, d.cfg.SnapshotPath); err != nil {
		return fmt.Errorf("dispatch: rename snapshot into place: %w", err)
	}
	return nil
}

// loadSnapshot restores the registry and ledger from cfg.SnapshotPath. A
// missing file, a decompress failure, or an unmarshal failure are all
// treated identically — per §6, snapshot compatibility across engine
// versions is not required and the caller falls back to a fresh seed.
func (d *Dispatcher) loadSnapshot() error {
	compressed, err := os.ReadFile(d.cfg.SnapshotPath)
	if err != nil {
		return err
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return err
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return err
	}

	var file snapshotFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return err
	}

	books := make(map[string]*engine.OrderBook, len(file.Orderbooks))
	for _, snap := range file.Orderbooks {
		book := engine.New(snap.Market, snap.BaseAsset, snap.QuoteAsset, snap.STPMode)
		book.Restore(snap)
		books[snap.Market] = book
	}
	d.books = books
	d.ledger.Restore(file.Balances)
	return nil
}
