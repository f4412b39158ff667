package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fenrir/internal/bus"
	"fenrir/internal/config"
	"fenrir/internal/model"
	"fenrir/internal/money"
)

func d(s string) money.Decimal { return money.MustParse(s) }

func newTestDispatcher(t *testing.T, stpMode model.STPMode) (*Dispatcher, *bus.Bus) {
	t.Helper()
	b := bus.New()
	t.Cleanup(func() { b.Close() })

	cfg := config.Config{
		Markets:          []config.Market{{Symbol: "BTC_USDT", Base: "BTC", Quote: "USDT"}},
		SnapshotInterval: time.Hour,
		DefaultSTPMode:   stpMode,
	}
	return New(cfg, b), b
}

// recvResult subscribes to clientID's result topic, runs fn (expected to
// synchronously publish exactly one result), and decodes what arrives.
func recvResult(t *testing.T, b *bus.Bus, clientID string, fn func()) model.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch, err := b.Subscribe(ctx, bus.ResultTopic(clientID))
	require.NoError(t, err)

	fn()

	select {
	case msg := <-ch:
		msg.Ack()
		var res model.Result
		require.NoError(t, json.Unmarshal(msg.Payload, &res))
		return res
	case <-ctx.Done():
		t.Fatal("timed out waiting for result")
		return model.Result{}
	}
}

func createOrder(t *testing.T, disp *Dispatcher, b *bus.Bus, clientID, user, side, price, qty string) model.Result {
	t.Helper()
	return recvResult(t, b, clientID, func() {
		disp.apply(model.Envelope{
			ClientID: clientID,
			Command: model.Command{
				Kind: model.CreateOrder,
				CreateOrder: &model.CreateOrderCommand{
					UserID: user, Market: "BTC_USDT", Side: side, Price: price, Quantity: qty,
				},
			},
		})
	})
}

func TestCreateOrder_NoCrossRests(t *testing.T) {
	disp, b := newTestDispatcher(t, model.CancelNewest)
	disp.ledger.Credit("u1", "USDT", d("100000"))

	res := createOrder(t, disp, b, "c1", "u1", "buy", "990", "5")
	require.Equal(t, model.ResultOrderPlaced, res.Kind)
	require.NotNil(t, res.OrderPlaced)
	require.Empty(t, res.OrderPlaced.Fills)

	depthRes := recvResult(t, b, "c2", func() {
		disp.apply(model.Envelope{ClientID: "c2", Command: model.Command{Kind: model.GetDepth, GetDepth: &model.GetDepthCommand{Market: "BTC_USDT"}}})
	})
	require.Len(t, depthRes.Depth.Bids, 1)
	require.Equal(t, "990", depthRes.Depth.Bids[0].Price.String())
}

func TestCreateOrder_FullFillSettlesLedger(t *testing.T) {
	disp, b := newTestDispatcher(t, model.CancelNewest)
	disp.ledger.Credit("seller", "BTC", d("10"))
	disp.ledger.Credit("buyer", "USDT", d("100000"))

	sellRes := createOrder(t, disp, b, "c1", "seller", "sell", "1000", "5")
	require.Equal(t, model.ResultOrderPlaced, sellRes.Kind)

	buyRes := createOrder(t, disp, b, "c2", "buyer", "buy", "1000", "5")
	require.Equal(t, model.ResultOrderPlaced, buyRes.Kind)
	require.Len(t, buyRes.OrderPlaced.Fills, 1)
	require.Equal(t, "1000", buyRes.OrderPlaced.Fills[0].Price.String())
	require.Equal(t, "5", buyRes.OrderPlaced.Fills[0].Qty.String())

	sellerBal := disp.ledger.Get("seller")
	require.Equal(t, "5000", sellerBal["USDT"].Available.String())
	require.True(t, sellerBal["BTC"].Locked.IsZero())

	buyerBal := disp.ledger.Get("buyer")
	require.Equal(t, "5", buyerBal["BTC"].Available.String())
	require.Equal(t, "95000", buyerBal["USDT"].Available.String())
	require.True(t, buyerBal["USDT"].Locked.IsZero())
}

func TestCreateOrder_InsufficientFundsRejectsAsOrderFailed(t *testing.T) {
	disp, b := newTestDispatcher(t, model.CancelNewest)

	res := createOrder(t, disp, b, "c1", "pauper", "buy", "1000", "5")
	require.Equal(t, model.ResultOrderRejected, res.Kind)
	require.Equal(t, model.CodeOrderFailed, res.OrderRejected.Code)
}

func TestCreateOrder_SelfTradeCancelNewestRejects(t *testing.T) {
	disp, b := newTestDispatcher(t, model.CancelNewest)
	disp.ledger.Credit("u1", "BTC", d("10"))
	disp.ledger.Credit("u1", "USDT", d("100000"))

	sellRes := createOrder(t, disp, b, "c1", "u1", "sell", "1000", "5")
	require.Equal(t, model.ResultOrderPlaced, sellRes.Kind)

	buyRes := createOrder(t, disp, b, "c2", "u1", "buy", "1000", "5")
	require.Equal(t, model.ResultOrderRejected, buyRes.Kind)
	require.Equal(t, model.CodeSelfTrade, buyRes.OrderRejected.Code)

	// the rejected buy's funds must not remain locked
	bal := disp.ledger.Get("u1")
	require.True(t, bal["USDT"].Locked.IsZero())
}

func TestCreateOrder_SelfTradeCancelOldestUnwindsEvictedOrder(t *testing.T) {
	disp, b := newTestDispatcher(t, model.CancelOldest)
	disp.ledger.Credit("u1", "BTC", d("10"))
	disp.ledger.Credit("u2", "BTC", d("10"))
	disp.ledger.Credit("u1", "USDT", d("100000"))

	createOrder(t, disp, b, "c1", "u1", "sell", "1000", "5")
	createOrder(t, disp, b, "c2", "u2", "sell", "1000", "5")

	res := createOrder(t, disp, b, "c3", "u1", "buy", "1000", "5")
	require.Equal(t, model.ResultOrderPlaced, res.Kind)
	require.Len(t, res.OrderPlaced.Fills, 1)

	// u1's own resting sell was evicted and its locked BTC restored (10),
	// then the fill against u2 credited 5 more
	u1Bal := disp.ledger.Get("u1")
	require.Equal(t, "15", u1Bal["BTC"].Available.String())
	require.True(t, u1Bal["BTC"].Locked.IsZero())
}

func TestCancelOrder_UnlocksFunds(t *testing.T) {
	disp, b := newTestDispatcher(t, model.CancelNewest)
	disp.ledger.Credit("u1", "USDT", d("100000"))

	placed := createOrder(t, disp, b, "c1", "u1", "buy", "990", "5")
	require.Equal(t, model.ResultOrderPlaced, placed.Kind)
	orderID := placed.OrderPlaced.OrderID

	res := recvResult(t, b, "c2", func() {
		disp.apply(model.Envelope{
			ClientID: "c2",
			Command: model.Command{
				Kind:        model.CancelOrder,
				CancelOrder: &model.CancelOrderCommand{Market: "BTC_USDT", OrderID: orderID},
			},
		})
	})
	require.Equal(t, model.ResultOrderCancelled, res.Kind)
	require.Equal(t, orderID, res.OrderCancelled.OrderID)

	bal := disp.ledger.Get("u1")
	require.Equal(t, "100000", bal["USDT"].Available.String())
	require.True(t, bal["USDT"].Locked.IsZero())
}

func TestCancelOrder_UnknownOrderIsNoop(t *testing.T) {
	disp, b := newTestDispatcher(t, model.CancelNewest)

	res := recvResult(t, b, "c1", func() {
		disp.apply(model.Envelope{
			ClientID: "c1",
			Command: model.Command{
				Kind:        model.CancelOrder,
				CancelOrder: &model.CancelOrderCommand{Market: "BTC_USDT", OrderID: "nonexistent"},
			},
		})
	})
	require.Equal(t, model.ResultOrderCancelled, res.Kind)
	require.True(t, res.OrderCancelled.ExecutedQty.IsZero())
}

func TestOnRampThenWithdraw(t *testing.T) {
	disp, b := newTestDispatcher(t, model.CancelNewest)

	onRampRes := recvResult(t, b, "c1", func() {
		disp.apply(model.Envelope{
			ClientID: "c1",
			Command: model.Command{
				Kind:   model.OnRamp,
				OnRamp: &model.OnRampCommand{UserID: "u1", Asset: "USDT", Amount: "500"},
			},
		})
	})
	require.Equal(t, model.ResultOnRampSuccess, onRampRes.Kind)
	require.Equal(t, "500", onRampRes.OnRampSuccess.NewBalance.String())

	withdrawRes := recvResult(t, b, "c2", func() {
		disp.apply(model.Envelope{
			ClientID: "c2",
			Command: model.Command{
				Kind:     model.Withdraw,
				Withdraw: &model.WithdrawCommand{UserID: "u1", Asset: "USDT", Amount: "200", TxID: "tx-1"},
			},
		})
	})
	require.Equal(t, model.ResultWithdrawSuccess, withdrawRes.Kind)
	require.Equal(t, "300", withdrawRes.WithdrawSuccess.NewBalance.String())
}

func TestWithdraw_InsufficientFundsFails(t *testing.T) {
	disp, b := newTestDispatcher(t, model.CancelNewest)
	disp.ledger.Credit("u1", "USDT", d("10"))

	res := recvResult(t, b, "c1", func() {
		disp.apply(model.Envelope{
			ClientID: "c1",
			Command: model.Command{
				Kind:     model.Withdraw,
				Withdraw: &model.WithdrawCommand{UserID: "u1", Asset: "USDT", Amount: "200", TxID: "tx-1"},
			},
		})
	})
	require.Equal(t, model.ResultWithdrawFailed, res.Kind)
	require.Equal(t, "tx-1", res.WithdrawFailed.TxID)
}

func TestGetBalance_ReturnsCurrentMap(t *testing.T) {
	disp, b := newTestDispatcher(t, model.CancelNewest)
	disp.ledger.Credit("u1", "USDT", d("42"))

	res := recvResult(t, b, "c1", func() {
		disp.apply(model.Envelope{ClientID: "c1", Command: model.Command{Kind: model.GetBalance, GetBalance: &model.GetBalanceCommand{UserID: "u1"}}})
	})
	require.Equal(t, model.ResultBalance, res.Kind)
	require.Equal(t, "42", res.Balance["USDT"].Available.String())
}
