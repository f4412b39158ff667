// Package ledger implements the balance ledger: per-user, per-asset
// available/locked accounting, pre-trade fund locking, and atomic
// settlement on fill. Like the orderbook, a Ledger is exclusively owned
// by the dispatcher's single goroutine (§5); it carries no internal
// locking of its own.
package ledger

import (
	"errors"

	"fenrir/internal/model"
	"fenrir/internal/money"
)

// ErrInsufficientFunds is returned by Lock and Debit when the user's
// available balance cannot cover the requested amount.
var ErrInsufficientFunds = errors.New("ledger: insufficient funds")

// Balance is one user's available/locked pair for a single asset.
type Balance struct {
	Available money.Decimal
	Locked    money.Decimal
}

// Ledger maps user id -> asset symbol -> Balance.
type Ledger struct {
	balances map[string]map[string]*Balance
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{balances: make(map[string]map[string]*Balance)}
}

func (l *Ledger) entry(user, asset string) *Balance {
	assets, ok := l.balances[user]
	if !ok {
		assets = make(map[string]*Balance)
		l.balances[user] = assets
	}
	b, ok := assets[asset]
	if !ok {
		b = &Balance{Available: money.Zero, Locked: money.Zero}
		assets[asset] = b
	}
	return b
}

func (l *Ledger) peek(user, asset string) (*Balance, bool) {
	assets, ok := l.balances[user]
	if !ok {
		return nil, false
	}
	b, ok := assets[asset]
	return b, ok
}

// required returns the asset and amount a Lock/Unlock of the given side
// reserves: quantity*price of quote for a buy, quantity of base for a sell.
func required(side model.Side, base, quote string, price, quantity money.Decimal) (asset string, amount money.Decimal) {
	if side == model.Buy {
		return quote, quantity.Mul(price)
	}
	return base, quantity
}

// Lock reserves the funds a new order of the given side needs, moving
// them from available to locked. It fails without mutation if the asset
// entry is absent or underfunded.
func (l *Ledger) Lock(user string, side model.Side, base, quote string, price, quantity money.Decimal) error {
	asset, amount := required(side, base, quote, price, quantity)
	b, ok := l.peek(user, asset)
	if !ok || b.Available.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	b.Available = b.Available.Sub(amount)
	b.Locked = b.Locked.Add(amount)
	return nil
}

// Unlock is the inverse of Lock: it restores previously locked funds to
// available. The caller must pass the same arguments given to the prior
// successful Lock.
func (l *Ledger) Unlock(user string, side model.Side, base, quote string, price, quantity money.Decimal) {
	asset, amount := required(side, base, quote, price, quantity)
	b := l.entry(user, asset)
	b.Locked = b.Locked.Sub(amount)
	b.Available = b.Available.Add(amount)
}

// SettleFill applies one fill's asset transfer between a taker and a
// maker, per §4.3: the taker's locked funds convert into the received
// asset's available balance; the maker's locked inventory converts into
// the received asset's available balance on their side.
func (l *Ledger) SettleFill(takerUser, makerUser string, takerSide model.Side, base, quote string, fillQty, fillPrice money.Decimal) {
	value := fillQty.Mul(fillPrice)

	taker := func(asset string) *Balance { return l.entry(takerUser, asset) }
	maker := func(asset string) *Balance { return l.entry(makerUser, asset) }

	if takerSide == model.Buy {
		taker(quote).Locked = taker(quote).Locked.Sub(value)
		taker(base).Available = taker(base).Available.Add(fillQty)
		maker(quote).Available = maker(quote).Available.Add(value)
		maker(base).Locked = maker(base).Locked.Sub(fillQty)
		return
	}

	taker(base).Locked = taker(base).Locked.Sub(fillQty)
	taker(quote).Available = taker(quote).Available.Add(value)
	maker(quote).Locked = maker(quote).Locked.Sub(value)
	maker(base).Available = maker(base).Available.Add(fillQty)
}

// Credit is the on-ramp: it increases available, creating the user's
// asset entry if absent.
func (l *Ledger) Credit(user, asset string, amount money.Decimal) {
	b := l.entry(user, asset)
	b.Available = b.Available.Add(amount)
}

// Debit is the off-ramp (withdrawal). It fails with ErrInsufficientFunds
// without mutation if available is short.
func (l *Ledger) Debit(user, asset string, amount money.Decimal) error {
	b, ok := l.peek(user, asset)
	if !ok || b.Available.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	b.Available = b.Available.Sub(amount)
	return nil
}

// Get returns a snapshot-copy of user's full balance map.
func (l *Ledger) Get(user string) map[string]model.Balance {
	out := make(map[string]model.Balance)
	for asset, b := range l.balances[user] {
		out[asset] = model.Balance{Available: b.Available, Locked: b.Locked}
	}
	return out
}

// Entry is one user's balance map, the serializable unit Snapshot emits.
type Entry struct {
	UserID   string                   `json:"user_id"`
	Balances map[string]model.Balance `json:"balances"`
}

// Snapshot emits every user's balance map, for inclusion in the engine's
// periodic durable snapshot.
func (l *Ledger) Snapshot() []Entry {
	out := make([]Entry, 0, len(l.balances))
	for user := range l.balances {
		out = append(out, Entry{UserID: user, Balances: l.Get(user)})
	}
	return out
}

// Restore replaces the ledger's contents with a previously emitted
// Snapshot.
func (l *Ledger) Restore(entries []Entry) {
	l.balances = make(map[string]map[string]*Balance)
	for _, e := range entries {
		assets := make(map[string]*Balance)
		for asset, bal := range e.Balances {
			assets[asset] = &Balance{Available: bal.Available, Locked: bal.Locked}
		}
		l.balances[e.UserID] = assets
	}
}
