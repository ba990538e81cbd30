package orderbook

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Neocreb/eloity-trading/pkg/models"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func limitOrder(side, price, qty string) *models.Order {
	return &models.Order{
		ID:                uuid.New(),
		UserID:            uuid.New(),
		Pair:              "BTC/USDT",
		Side:              side,
		Type:              models.OrderTypeLimit,
		Price:             dec(price),
		Quantity:          dec(qty),
		RemainingQuantity: dec(qty),
		Status:            models.OrderStatusOpen,
		CreatedAt:         time.Now().UTC(),
	}
}

func TestBestBidIsHighestPrice(t *testing.T) {
	b := NewBook("BTC/USDT")
	b.Add(limitOrder(models.OrderSideBuy, "100", "1"))
	high := limitOrder(models.OrderSideBuy, "105", "1")
	b.Add(high)
	b.Add(limitOrder(models.OrderSideBuy, "95", "1"))

	best, ok := b.BestBid()
	require.True(t, ok)
	assert.Equal(t, high.ID, best.ID)
}

func TestBestAskIsLowestPrice(t *testing.T) {
	b := NewBook("BTC/USDT")
	b.Add(limitOrder(models.OrderSideSell, "110", "1"))
	low := limitOrder(models.OrderSideSell, "102", "1")
	b.Add(low)
	b.Add(limitOrder(models.OrderSideSell, "120", "1"))

	best, ok := b.BestAsk()
	require.True(t, ok)
	assert.Equal(t, low.ID, best.ID)
}

func TestTimePriorityWithinPrice(t *testing.T) {
	b := NewBook("BTC/USDT")
	first := limitOrder(models.OrderSideBuy, "100", "1")
	second := limitOrder(models.OrderSideBuy, "100", "1")
	b.Add(first)
	b.Add(second)

	best, ok := b.BestBid()
	require.True(t, ok)
	assert.Equal(t, first.ID, best.ID, "earlier arrival wins at equal price")

	_, removed := b.Remove(first.ID)
	require.True(t, removed)
	best, ok = b.BestBid()
	require.True(t, ok)
	assert.Equal(t, second.ID, best.ID)
}

func TestRemoveUnknownOrder(t *testing.T) {
	b := NewBook("BTC/USDT")
	_, ok := b.Remove(uuid.New())
	assert.False(t, ok)
}

func TestEmptyBook(t *testing.T) {
	b := NewBook("BTC/USDT")
	_, ok := b.BestBid()
	assert.False(t, ok)
	_, ok = b.BestAsk()
	assert.False(t, ok)
	bids, asks := b.Size()
	assert.Zero(t, bids)
	assert.Zero(t, asks)
}

func TestSnapshotAggregatesLevels(t *testing.T) {
	b := NewBook("BTC/USDT")
	b.Add(limitOrder(models.OrderSideBuy, "100", "1"))
	b.Add(limitOrder(models.OrderSideBuy, "100", "2"))
	b.Add(limitOrder(models.OrderSideBuy, "99", "5"))
	b.Add(limitOrder(models.OrderSideSell, "101", "3"))
	b.Add(limitOrder(models.OrderSideSell, "103", "1"))

	d := b.Snapshot(0)
	require.Len(t, d.Bids, 2)
	require.Len(t, d.Asks, 2)

	assert.True(t, d.Bids[0].Price.Equal(dec("100")))
	assert.True(t, d.Bids[0].Quantity.Equal(dec("3")))
	assert.Equal(t, 2, d.Bids[0].Orders)
	assert.True(t, d.Bids[1].Price.Equal(dec("99")))

	assert.True(t, d.Asks[0].Price.Equal(dec("101")))
	assert.True(t, d.Asks[1].Price.Equal(dec("103")))
}

func TestSnapshotLimitsLevels(t *testing.T) {
	b := NewBook("BTC/USDT")
	for _, p := range []string{"100", "99", "98", "97"} {
		b.Add(limitOrder(models.OrderSideBuy, p, "1"))
	}
	d := b.Snapshot(2)
	require.Len(t, d.Bids, 2)
	assert.True(t, d.Bids[0].Price.Equal(dec("100")))
	assert.True(t, d.Bids[1].Price.Equal(dec("99")))
}

func TestSetCreatesBooksPerPair(t *testing.T) {
	s := NewSet()
	a := s.Get("BTC/USDT")
	b := s.Get("ETH/USDT")
	assert.NotSame(t, a, b)
	assert.Same(t, a, s.Get("BTC/USDT"))
	assert.ElementsMatch(t, []string{"BTC/USDT", "ETH/USDT"}, s.Pairs())
}
