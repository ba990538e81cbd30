package marketdata

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Neocreb/eloity-trading/common/errors"
	"github.com/Neocreb/eloity-trading/internal/orderbook"
	"github.com/Neocreb/eloity-trading/pkg/models"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func resting(side, price string) *models.Order {
	return &models.Order{
		ID:                uuid.New(),
		UserID:            uuid.New(),
		Pair:              "BTC/USDT",
		Side:              side,
		Type:              models.OrderTypeLimit,
		Price:             dec(price),
		Quantity:          dec("1"),
		RemainingQuantity: dec("1"),
		Status:            models.OrderStatusOpen,
		CreatedAt:         time.Now().UTC(),
	}
}

func TestQuoteFromBook(t *testing.T) {
	books := orderbook.NewSet()
	books.Get("BTC/USDT").Add(resting(models.OrderSideBuy, "99"))
	books.Get("BTC/USDT").Add(resting(models.OrderSideSell, "101"))

	s := NewService(zap.NewNop(), books, nil, time.Second)
	q, err := s.Quote(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.True(t, q.Bid.Equal(dec("99")))
	assert.True(t, q.Ask.Equal(dec("101")))
	assert.True(t, q.Mid().Equal(dec("100")))
}

func TestQuoteOneSidedBook(t *testing.T) {
	books := orderbook.NewSet()
	books.Get("BTC/USDT").Add(resting(models.OrderSideSell, "101"))

	s := NewService(zap.NewNop(), books, nil, time.Second)
	q, err := s.Quote(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.True(t, q.Bid.IsZero())
	assert.True(t, q.Mid().Equal(dec("101")))
}

func TestQuoteCanonicalizesPair(t *testing.T) {
	books := orderbook.NewSet()
	books.Get("BTC/USDT").Add(resting(models.OrderSideBuy, "99"))

	s := NewService(zap.NewNop(), books, nil, time.Second)
	q, err := s.Quote(context.Background(), "btc/usdt")
	require.NoError(t, err)
	assert.Equal(t, "BTC/USDT", q.Pair)
	assert.True(t, q.Bid.Equal(dec("99")))

	// The lowercase read did not spawn a second book.
	assert.ElementsMatch(t, []string{"BTC/USDT"}, books.Pairs())

	_, err = s.Quote(context.Background(), "not-a-pair")
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}

func TestQuoteEmptyMarket(t *testing.T) {
	s := NewService(zap.NewNop(), orderbook.NewSet(), nil, time.Second)
	_, err := s.Quote(context.Background(), "DOGE/USDT")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestDepthPassThrough(t *testing.T) {
	books := orderbook.NewSet()
	books.Get("BTC/USDT").Add(resting(models.OrderSideBuy, "99"))
	books.Get("BTC/USDT").Add(resting(models.OrderSideBuy, "98"))

	s := NewService(zap.NewNop(), books, nil, time.Second)
	d := s.Depth("BTC/USDT", 1)
	require.Len(t, d.Bids, 1)
	assert.True(t, d.Bids[0].Price.Equal(dec("99")))
}
