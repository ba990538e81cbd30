// Package marketdata serves best-effort quotes derived from the live order
// books, cached in Redis for the read-heavy quote endpoints. Quotes are
// advisory: matching never consumes them as an input, they only provide
// reference pricing for market orders and the public ticker.
package marketdata

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Neocreb/eloity-trading/common/errors"
	"github.com/Neocreb/eloity-trading/internal/orderbook"
	"github.com/Neocreb/eloity-trading/pkg/models"
)

// Quote is a point-in-time view of the top of one book. Bid or Ask may be
// zero when that side is empty.
type Quote struct {
	Pair      string          `json:"pair"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Last      decimal.Decimal `json:"last"`
	Timestamp time.Time       `json:"timestamp"`
}

// Mid returns the bid/ask midpoint, falling back to whichever side exists,
// then to the last trade price. Zero when no reference exists at all.
func (q Quote) Mid() decimal.Decimal {
	switch {
	case q.Bid.IsPositive() && q.Ask.IsPositive():
		return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
	case q.Bid.IsPositive():
		return q.Bid
	case q.Ask.IsPositive():
		return q.Ask
	default:
		return q.Last
	}
}

// Service computes quotes from the book set with a Redis read-through cache.
// The cache is optional; with a nil client every read recomputes.
type Service struct {
	logger *zap.Logger
	books  *orderbook.Set
	cache  *redis.Client
	ttl    time.Duration
}

// NewService creates a market data service. cache may be nil.
func NewService(logger *zap.Logger, books *orderbook.Set, cache *redis.Client, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = time.Second
	}
	return &Service{logger: logger, books: books, cache: cache, ttl: ttl}
}

func quoteKey(pair string) string { return "quote:" + pair }
func lastKey(pair string) string  { return "last:" + pair }

// Quote returns the current top-of-book quote for the pair. The pair is
// canonicalized first, so "btc/usdt" and "BTC/USDT" read the same book.
// Cached reads may be up to the TTL stale.
func (s *Service) Quote(ctx context.Context, rawPair string) (Quote, error) {
	p, err := models.ParsePair(rawPair)
	if err != nil {
		return Quote{}, err
	}
	pair := p.String()

	if s.cache != nil {
		raw, err := s.cache.Get(ctx, quoteKey(pair)).Bytes()
		if err == nil {
			var q Quote
			if err := json.Unmarshal(raw, &q); err == nil {
				return q, nil
			}
		} else if err != redis.Nil {
			s.logger.Warn("quote cache read failed", zap.String("pair", pair), zap.Error(err))
		}
	}

	q := s.compute(ctx, pair)
	if q.Bid.IsZero() && q.Ask.IsZero() && q.Last.IsZero() {
		return Quote{}, errors.Wrap(errors.ErrNotFound, "no market for pair %s", pair)
	}
	if s.cache != nil {
		if raw, err := json.Marshal(q); err == nil {
			if err := s.cache.Set(ctx, quoteKey(pair), raw, s.ttl).Err(); err != nil {
				s.logger.Warn("quote cache write failed", zap.String("pair", pair), zap.Error(err))
			}
		}
	}
	return q, nil
}

// Depth returns the aggregated top n levels of the pair's book. Served
// straight from memory, no cache.
func (s *Service) Depth(rawPair string, n int) orderbook.Depth {
	pair := rawPair
	if p, err := models.ParsePair(rawPair); err == nil {
		pair = p.String()
	}
	if book, ok := s.books.Lookup(pair); ok {
		return book.Snapshot(n)
	}
	return orderbook.Depth{Pair: pair}
}

// RecordTrade stores the last execution price for the pair. Best-effort.
func (s *Service) RecordTrade(ctx context.Context, trade *models.Trade) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, lastKey(trade.Pair), trade.Price.String(), 0).Err(); err != nil {
		s.logger.Warn("last price write failed", zap.String("pair", trade.Pair), zap.Error(err))
	}
}

func (s *Service) compute(ctx context.Context, pair string) Quote {
	q := Quote{Pair: pair, Timestamp: time.Now().UTC()}
	if book, ok := s.books.Lookup(pair); ok {
		if bid, ok := book.BestBid(); ok {
			q.Bid = bid.Price
		}
		if ask, ok := book.BestAsk(); ok {
			q.Ask = ask.Price
		}
	}
	if s.cache != nil {
		if raw, err := s.cache.Get(ctx, lastKey(pair)).Result(); err == nil {
			if last, err := decimal.NewFromString(raw); err == nil {
				q.Last = last
			}
		}
	}
	return q
}
