package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fenrir/internal/model"
	"fenrir/internal/money"
)

func d(s string) money.Decimal { return money.MustParse(s) }

func TestCredit_CreatesEntryAndAddsAvailable(t *testing.T) {
	l := New()
	l.Credit("u1", "USDT", d("1000"))

	bal := l.Get("u1")
	require.Contains(t, bal, "USDT")
	assert.Equal(t, "1000", bal["USDT"].Available.String())
	assert.True(t, bal["USDT"].Locked.IsZero())
}

func TestLock_MovesFundsFromAvailableToLocked(t *testing.T) {
	l := New()
	l.Credit("u1", "USDT", d("1000"))

	err := l.Lock("u1", model.Buy, "BTC", "USDT", d("100"), d("2"))
	require.NoError(t, err)

	bal := l.Get("u1")["USDT"]
	assert.Equal(t, "800", bal.Available.String())
	assert.Equal(t, "200", bal.Locked.String())
}

func TestLock_SellLocksBaseAsset(t *testing.T) {
	l := New()
	l.Credit("u1", "BTC", d("5"))

	err := l.Lock("u1", model.Sell, "BTC", "USDT", d("100"), d("2"))
	require.NoError(t, err)

	bal := l.Get("u1")["BTC"]
	assert.Equal(t, "3", bal.Available.String())
	assert.Equal(t, "2", bal.Locked.String())
}

func TestLock_InsufficientFundsFailsWithoutMutation(t *testing.T) {
	l := New()
	l.Credit("u1", "USDT", d("50"))

	err := l.Lock("u1", model.Buy, "BTC", "USDT", d("100"), d("2"))
	require.ErrorIs(t, err, ErrInsufficientFunds)

	bal := l.Get("u1")["USDT"]
	assert.Equal(t, "50", bal.Available.String())
	assert.True(t, bal.Locked.IsZero())
}

func TestLock_AbsentAssetFails(t *testing.T) {
	l := New()
	err := l.Lock("u1", model.Buy, "BTC", "USDT", d("100"), d("2"))
	require.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestUnlock_IsInverseOfLock(t *testing.T) {
	l := New()
	l.Credit("u1", "USDT", d("1000"))
	require.NoError(t, l.Lock("u1", model.Buy, "BTC", "USDT", d("100"), d("2")))

	l.Unlock("u1", model.Buy, "BTC", "USDT", d("100"), d("2"))

	bal := l.Get("u1")["USDT"]
	assert.Equal(t, "1000", bal.Available.String())
	assert.True(t, bal.Locked.IsZero())
}

func TestSettleFill_BuyerTakerConservesValue(t *testing.T) {
	l := New()
	l.Credit("taker", "USDT", d("1000"))
	l.Credit("maker", "BTC", d("10"))

	require.NoError(t, l.Lock("taker", model.Buy, "BTC", "USDT", d("100"), d("5")))
	require.NoError(t, l.Lock("maker", model.Sell, "BTC", "USDT", d("100"), d("5")))

	l.SettleFill("taker", "maker", model.Buy, "BTC", "USDT", d("5"), d("100"))

	takerBal := l.Get("taker")
	assert.True(t, takerBal["USDT"].Locked.IsZero())
	assert.Equal(t, "5", takerBal["BTC"].Available.String())

	makerBal := l.Get("maker")
	assert.True(t, makerBal["BTC"].Locked.IsZero())
	assert.Equal(t, "500", makerBal["USDT"].Available.String())
}

func TestSettleFill_SellerTakerConservesValue(t *testing.T) {
	l := New()
	l.Credit("taker", "BTC", d("10"))
	l.Credit("maker", "USDT", d("1000"))

	require.NoError(t, l.Lock("taker", model.Sell, "BTC", "USDT", d("100"), d("5")))
	require.NoError(t, l.Lock("maker", model.Buy, "BTC", "USDT", d("100"), d("5")))

	l.SettleFill("taker", "maker", model.Sell, "BTC", "USDT", d("5"), d("100"))

	takerBal := l.Get("taker")
	assert.True(t, takerBal["BTC"].Locked.IsZero())
	assert.Equal(t, "500", takerBal["USDT"].Available.String())

	makerBal := l.Get("maker")
	assert.True(t, makerBal["USDT"].Locked.IsZero())
	assert.Equal(t, "5", makerBal["BTC"].Available.String())
}

func TestDebit_ReducesAvailable(t *testing.T) {
	l := New()
	l.Credit("u1", "USDT", d("1000"))

	err := l.Debit("u1", "USDT", d("400"))
	require.NoError(t, err)

	assert.Equal(t, "600", l.Get("u1")["USDT"].Available.String())
}

func TestDebit_InsufficientFundsFails(t *testing.T) {
	l := New()
	l.Credit("u1", "USDT", d("100"))

	err := l.Debit("u1", "USDT", d("400"))
	require.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, "100", l.Get("u1")["USDT"].Available.String())
}

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	l := New()
	l.Credit("u1", "USDT", d("1000"))
	l.Credit("u1", "BTC", d("3"))
	l.Credit("u2", "USDT", d("50"))
	require.NoError(t, l.Lock("u1", model.Buy, "BTC", "USDT", d("100"), d("2")))

	snap := l.Snapshot()

	restored := New()
	restored.Restore(snap)

	assert.Equal(t, l.Get("u1"), restored.Get("u1"))
	assert.Equal(t, l.Get("u2"), restored.Get("u2"))
}
