// Package engine implements the per-market orderbook: price-time matching,
// cancellation, aggregated depth, and self-trade prevention. One OrderBook
// instance owns exactly one market and is never touched concurrently; the
// dispatcher is the sole caller (§5).
package engine

import (
	"github.com/tidwall/btree"

	"fenrir/internal/model"
	"fenrir/internal/money"
)

// level is one price level: a FIFO queue of resting orders sharing one
// price, ordered by time of insertion.
type level struct {
	price  money.Decimal
	orders []*model.Order
}

type levels = btree.BTreeG[*level]

// restingLoc is where a resting order lives, so Cancel doesn't need to
// scan every level.
type restingLoc struct {
	side  model.Side
	price money.Decimal
}

// OrderBook holds one market's two-sided book.
type OrderBook struct {
	Market     string
	BaseAsset  string
	QuoteAsset string
	STPMode    model.STPMode

	bids *levels // best (highest) price first
	asks *levels // best (lowest) price first

	byID     map[string]restingLoc
	bidDepth map[string]money.Decimal // price.String() -> aggregate remaining qty
	askDepth map[string]money.Decimal

	lastTradeID uint64
	lastPrice   money.Decimal
	seq         uint64
}

// New creates an empty orderbook for one market.
func New(market, baseAsset, quoteAsset string, stpMode model.STPMode) *OrderBook {
	return &OrderBook{
		Market:     market,
		BaseAsset:  baseAsset,
		QuoteAsset: quoteAsset,
		STPMode:    stpMode,
		bids: btree.NewBTreeG(func(a, b *level) bool {
			return a.price.Cmp(b.price) > 0 // descending: best bid first
		}),
		asks: btree.NewBTreeG(func(a, b *level) bool {
			return a.price.Cmp(b.price) < 0 // ascending: best ask first
		}),
		byID:     make(map[string]restingLoc),
		bidDepth: make(map[string]money.Decimal),
		askDepth: make(map[string]money.Decimal),
	}
}

func (b *OrderBook) treeFor(side model.Side) *levels {
	if side == model.Buy {
		return b.bids
	}
	return b.asks
}

func (b *OrderBook) oppositeTree(side model.Side) *levels {
	if side == model.Buy {
		return b.asks
	}
	return b.bids
}

func (b *OrderBook) depthFor(side model.Side) map[string]money.Decimal {
	if side == model.Buy {
		return b.bidDepth
	}
	return b.askDepth
}

// crosses reports whether an incoming order of the given side at
// incomingPrice would match against a resting order at restingPrice.
func crosses(side model.Side, incomingPrice, restingPrice money.Decimal) bool {
	if side == model.Buy {
		return incomingPrice.Cmp(restingPrice) >= 0
	}
	return incomingPrice.Cmp(restingPrice) <= 0
}

func (b *OrderBook) incrementDepth(side model.Side, price money.Decimal, qty money.Decimal) {
	m := b.depthFor(side)
	key := price.String()
	m[key] = m[key].Add(qty)
}

func (b *OrderBook) decrementDepth(side model.Side, price money.Decimal, qty money.Decimal) {
	m := b.depthFor(side)
	key := price.String()
	remaining := m[key].Sub(qty)
	if remaining.Cmp(money.Zero) <= 0 {
		delete(m, key)
		return
	}
	m[key] = remaining
}

// AddOrder matches a new taker order against the book and rests any
// residue, per §4.2.
func (b *OrderBook) AddOrder(order model.Order) model.AddOrderResult {
	conflicts := b.collectSTPConflicts(order)
	var cancelled []model.Order
	if len(conflicts) > 0 {
		switch b.STPMode {
		case model.CancelNewest:
			return model.AddOrderResult{
				Status:          model.StatusRejected,
				ExecutedQty:     money.Zero,
				RejectionReason: "self_trade",
			}
		case model.CancelOldest:
			for _, c := range conflicts {
				if removed, ok := b.removeByID(c.ID); ok {
					cancelled = append(cancelled, removed)
				}
			}
		case model.CancelBoth:
			for _, c := range conflicts {
				if removed, ok := b.removeByID(c.ID); ok {
					cancelled = append(cancelled, removed)
				}
			}
			return model.AddOrderResult{
				Status:          model.StatusRejected,
				ExecutedQty:     money.Zero,
				RejectionReason: "self_trade",
				CancelledOrders: cancelled,
			}
		}
	}

	fills := b.match(&order)

	executed := order.Filled
	remaining := order.Remaining()

	var status model.Status
	switch {
	case remaining.IsPositive() && len(fills) > 0:
		status = model.StatusPartiallyFilled
	case remaining.IsPositive():
		status = model.StatusAccepted
	default:
		status = model.StatusFilled
	}

	if remaining.IsPositive() {
		b.rest(order)
	}

	if len(fills) > 0 {
		b.lastPrice = fills[len(fills)-1].Price
	}

	return model.AddOrderResult{
		Status:          status,
		ExecutedQty:     executed,
		Fills:           fills,
		CancelledOrders: cancelled,
	}
}

// collectSTPConflicts walks the opposite side from best price, without
// mutating the book, and returns every resting order owned by the
// incoming order's user that the incoming price would cross.
func (b *OrderBook) collectSTPConflicts(order model.Order) []model.Order {
	var conflicts []model.Order
	// Items() returns levels in the tree's sort order, which for both
	// bids and asks is defined as best-price-first (see New).
	for _, lvl := range b.oppositeTree(order.Side).Items() {
		if !crosses(order.Side, order.Price, lvl.price) {
			break
		}
		for _, o := range lvl.orders {
			if o.UserID == order.UserID {
				conflicts = append(conflicts, *o)
			}
		}
	}
	return conflicts
}

// match walks the opposite side consuming resting liquidity into order,
// mutating order.Filled as it goes, and returns the produced fills.
func (b *OrderBook) match(order *model.Order) []model.Fill {
	var fills []model.Fill
	opposite := b.oppositeTree(order.Side)

	for order.Remaining().IsPositive() {
		lvl, ok := opposite.Min()
		if !ok || !crosses(order.Side, order.Price, lvl.price) {
			break
		}

		for len(lvl.orders) > 0 && order.Remaining().IsPositive() {
			maker := lvl.orders[0]
			fillQty := money.Min(order.Remaining(), maker.Remaining())

			maker.Filled = maker.Filled.Add(fillQty)
			order.Filled = order.Filled.Add(fillQty)

			b.lastTradeID++
			fills = append(fills, model.Fill{
				Price:        lvl.price,
				Qty:          fillQty,
				TradeID:      b.lastTradeID,
				MakerOrderID: maker.ID,
				MakerUserID:  maker.UserID,
			})

			b.decrementDepth(maker.Side, lvl.price, fillQty)

			if maker.Remaining().IsZero() {
				lvl.orders = lvl.orders[1:]
				delete(b.byID, maker.ID)
			} else {
				break // maker still has size; taker must be exhausted
			}
		}

		if len(lvl.orders) == 0 {
			opposite.Delete(lvl)
		}
	}

	return fills
}

// rest inserts the residual order into its side at the correct
// price-time position.
func (b *OrderBook) rest(order model.Order) {
	b.seq++
	order.Seq = b.seq

	tree := b.treeFor(order.Side)
	lvl, ok := tree.Get(&level{price: order.Price})
	if !ok {
		lvl = &level{price: order.Price}
		tree.Set(lvl)
	}
	stored := order
	lvl.orders = append(lvl.orders, &stored)

	b.byID[order.ID] = restingLoc{side: order.Side, price: order.Price}
	b.incrementDepth(order.Side, order.Price, order.Remaining())
}

// removeByID removes a resting order (by id) from its level, decrementing
// depth, and returns a copy of the removed order.
func (b *OrderBook) removeByID(id string) (model.Order, bool) {
	loc, ok := b.byID[id]
	if !ok {
		return model.Order{}, false
	}
	tree := b.treeFor(loc.side)
	lvl, ok := tree.Get(&level{price: loc.price})
	if !ok {
		return model.Order{}, false
	}

	idx := -1
	for i, o := range lvl.orders {
		if o.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return model.Order{}, false
	}

	removed := *lvl.orders[idx]
	lvl.orders = append(lvl.orders[:idx], lvl.orders[idx+1:]...)
	if len(lvl.orders) == 0 {
		tree.Delete(lvl)
	}

	delete(b.byID, id)
	b.decrementDepth(loc.side, loc.price, removed.Remaining())

	return removed, true
}

// Cancel removes a resting order by id, returning its record so the
// caller (the dispatcher) can unlock the proportional ledger funds and
// report executed/remaining quantities.
func (b *OrderBook) Cancel(orderID string) (model.Order, bool) {
	return b.removeByID(orderID)
}

// OpenOrders returns a snapshot-copy of every resting order owned by
// userID, across both sides.
func (b *OrderBook) OpenOrders(userID string) []model.Order {
	var out []model.Order
	collect := func(lvl *level) bool {
		for _, o := range lvl.orders {
			if o.UserID == userID {
				out = append(out, *o)
			}
		}
		return true
	}
	b.bids.Ascend(nil, collect)
	b.asks.Ascend(nil, collect)
	return out
}

// Depth returns the current aggregated depth, bids descending and asks
// ascending, excluding empty levels.
func (b *OrderBook) Depth() (bids, asks []model.PriceLevel) {
	b.bids.Ascend(nil, func(lvl *level) bool {
		if qty, ok := b.bidDepth[lvl.price.String()]; ok && qty.IsPositive() {
			bids = append(bids, model.PriceLevel{Price: lvl.price, Qty: qty})
		}
		return true
	})
	b.asks.Ascend(nil, func(lvl *level) bool {
		if qty, ok := b.askDepth[lvl.price.String()]; ok && qty.IsPositive() {
			asks = append(asks, model.PriceLevel{Price: lvl.price, Qty: qty})
		}
		return true
	})
	return bids, asks
}

// DepthAt reports the current aggregate remaining quantity at price on
// the given side, or zero if the level no longer exists — the shape the
// dispatcher needs to emit a DEPTH delta.
func (b *OrderBook) DepthAt(side model.Side, price money.Decimal) money.Decimal {
	qty, ok := b.depthFor(side)[price.String()]
	if !ok {
		return money.Zero
	}
	return qty
}

// LastTradeID returns the monotonic per-market trade-id counter.
func (b *OrderBook) LastTradeID() uint64 { return b.lastTradeID }

// LastPrice returns the price of the most recent fill in this market.
func (b *OrderBook) LastPrice() money.Decimal { return b.lastPrice }

// Snapshot emits a plain record of the book's full state: both sides in
// their price-time order, the trade-id counter, last price, and STP mode.
// Depth maps are not carried — Restore rebuilds them from the sequences.
func (b *OrderBook) Snapshot() model.BookSnapshot {
	snap := model.BookSnapshot{
		Market:      b.Market,
		BaseAsset:   b.BaseAsset,
		QuoteAsset:  b.QuoteAsset,
		LastTradeID: b.lastTradeID,
		LastPrice:   b.lastPrice,
		STPMode:     b.STPMode,
	}
	b.bids.Ascend(nil, func(lvl *level) bool {
		for _, o := range lvl.orders {
			snap.Bids = append(snap.Bids, *o)
		}
		return true
	})
	b.asks.Ascend(nil, func(lvl *level) bool {
		for _, o := range lvl.orders {
			snap.Asks = append(snap.Asks, *o)
		}
		return true
	})
	return snap
}

// Restore replaces the book's contents with a previously emitted
// Snapshot, rebuilding the depth caches and the id index in one pass
// over each side's sequence.
func (b *OrderBook) Restore(snap model.BookSnapshot) {
	b.Market = snap.Market
	b.BaseAsset = snap.BaseAsset
	b.QuoteAsset = snap.QuoteAsset
	b.STPMode = snap.STPMode
	b.lastTradeID = snap.LastTradeID
	b.lastPrice = snap.LastPrice

	b.bids = btree.NewBTreeG(func(a, b *level) bool { return a.price.Cmp(b.price) > 0 })
	b.asks = btree.NewBTreeG(func(a, b *level) bool { return a.price.Cmp(b.price) < 0 })
	b.byID = make(map[string]restingLoc)
	b.bidDepth = make(map[string]money.Decimal)
	b.askDepth = make(map[string]money.Decimal)
	b.seq = 0

	restoreSide := func(orders []model.Order, side model.Side) {
		for _, o := range orders {
			if o.Seq > b.seq {
				b.seq = o.Seq
			}
			stored := o
			b.restoreInsert(&stored, side)
		}
	}
	restoreSide(snap.Bids, model.Buy)
	restoreSide(snap.Asks, model.Sell)
}

// restoreInsert appends order to the tail of its price level's FIFO queue
// without reassigning Seq, preserving the time priority captured at
// Snapshot time.
func (b *OrderBook) restoreInsert(order *model.Order, side model.Side) {
	tree := b.treeFor(side)
	lvl, ok := tree.Get(&level{price: order.Price})
	if !ok {
		lvl = &level{price: order.Price}
		tree.Set(lvl)
	}
	lvl.orders = append(lvl.orders, order)
	b.byID[order.ID] = restingLoc{side: side, price: order.Price}
	b.incrementDepth(side, order.Price, order.Remaining())
}
