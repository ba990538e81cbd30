// Package matching pairs incoming orders against the book in price-time
// priority. Every fill executes at the resting order's price, moves both
// legs' funds into escrow, and records an immutable trade. A fill whose
// escrow cannot be funded is rolled back in full.
package matching

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Neocreb/eloity-trading/common/errors"
	"github.com/Neocreb/eloity-trading/internal/escrow"
	"github.com/Neocreb/eloity-trading/internal/fees"
	"github.com/Neocreb/eloity-trading/internal/ledger"
	"github.com/Neocreb/eloity-trading/internal/orderbook"
	"github.com/Neocreb/eloity-trading/pkg/metrics"
	"github.com/Neocreb/eloity-trading/pkg/models"
)

// TierSource resolves a user's current verification tier for execution-time
// fee computation. The placement snapshot on the order is advisory only.
type TierSource interface {
	Tier(ctx context.Context, user uuid.UUID) (string, error)
}

// Engine consumes newly accepted orders against the book. One incoming order
// is processed to completion per pair at a time; pairs never block each
// other.
type Engine struct {
	logger *zap.Logger
	db     *gorm.DB
	books  *orderbook.Set
	ledger *ledger.Service
	escrow *escrow.Service
	fees   fees.Schedule
	tiers  TierSource

	mu    sync.Mutex
	pairs map[string]*sync.Mutex
}

// NewEngine creates a matching engine over the given book set.
func NewEngine(logger *zap.Logger, db *gorm.DB, books *orderbook.Set, led *ledger.Service, esc *escrow.Service, schedule fees.Schedule, tiers TierSource) *Engine {
	return &Engine{
		logger: logger,
		db:     db,
		books:  books,
		ledger: led,
		escrow: esc,
		fees:   schedule,
		tiers:  tiers,
		pairs:  make(map[string]*sync.Mutex),
	}
}

// Books exposes the book set for read-side consumers.
func (e *Engine) Books() *orderbook.Set { return e.books }

func (e *Engine) pairLock(pair string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.pairs[pair]
	if !ok {
		l = &sync.Mutex{}
		e.pairs[pair] = l
	}
	return l
}

// Submit matches the order until no opposing order satisfies the match
// condition or it is fully filled, then rests any limit remainder on the
// book. Market remainders are cancelled, never queued. On a settlement
// failure the failed fill is fully rolled back, the remainder is cancelled,
// and the executed fills so far are returned alongside the error.
func (e *Engine) Submit(ctx context.Context, order *models.Order) ([]*models.Trade, error) {
	lock := e.pairLock(order.Pair)
	lock.Lock()
	defer lock.Unlock()

	book := e.books.Get(order.Pair)
	var trades []*models.Trade

	for order.RemainingQuantity.IsPositive() {
		maker, ok := e.bestOpposite(book, order.Side)
		if !ok || !crosses(order, maker) {
			break
		}
		if maker.UserID == order.UserID {
			// A user's orders never match each other; both rest.
			break
		}
		qty := decimal.Min(order.RemainingQuantity, maker.RemainingQuantity)
		trade, err := e.execute(ctx, order, maker, qty)
		if err != nil {
			metrics.MatchRollbacks.Inc()
			e.logger.Error("match rolled back",
				zap.String("order_id", order.ID.String()),
				zap.String("maker_id", maker.ID.String()),
				zap.String("pair", order.Pair),
				zap.Error(err))
			if cancelErr := e.cancelRemainder(ctx, book, order); cancelErr != nil {
				e.logger.Error("remainder cancel after rollback failed", zap.Error(cancelErr))
			}
			return trades, errors.Wrap(errors.ErrSettlementFailure, "fill of order %s against %s: %v", order.ID, maker.ID, err)
		}
		trades = append(trades, trade)
		metrics.TradesExecuted.WithLabelValues(order.Pair).Inc()

		if err := e.applyFill(ctx, book, order, maker, qty); err != nil {
			return trades, err
		}
	}

	if err := e.placeRemainder(ctx, book, order); err != nil {
		return trades, err
	}
	return trades, nil
}

// Cancel removes an order's remaining quantity from the book and returns its
// backing hold. Serialized with matching on the same pair, so an in-flight
// match completes before the cancel applies.
func (e *Engine) Cancel(ctx context.Context, order *models.Order) error {
	lock := e.pairLock(order.Pair)
	lock.Lock()
	defer lock.Unlock()

	if order.IsTerminal() {
		return errors.Wrap(errors.ErrNotFound, "order %s is %s", order.ID, order.Status)
	}
	book := e.books.Get(order.Pair)
	if _, ok := book.Remove(order.ID); !ok {
		return errors.Wrap(errors.ErrNotFound, "order %s is not resting", order.ID)
	}
	order.Status = models.OrderStatusCancelled
	order.UpdatedAt = time.Now().UTC()
	if err := e.db.WithContext(ctx).Save(order).Error; err != nil {
		return err
	}
	return e.closeHold(ctx, order)
}

// Restore reloads open orders into the in-memory books after a restart, in
// submission order so time priority is preserved.
func (e *Engine) Restore(ctx context.Context) error {
	var open []*models.Order
	err := e.db.WithContext(ctx).
		Where("status IN ?", []string{models.OrderStatusOpen, models.OrderStatusPartiallyFilled}).
		Order("created_at ASC").
		Find(&open).Error
	if err != nil {
		return err
	}
	for _, o := range open {
		e.books.Get(o.Pair).Add(o)
	}
	if len(open) > 0 {
		e.logger.Info("restored resting orders", zap.Int("count", len(open)))
	}
	return nil
}

func (e *Engine) bestOpposite(book *orderbook.Book, side string) (*models.Order, bool) {
	if side == models.OrderSideBuy {
		return book.BestAsk()
	}
	return book.BestBid()
}

// crosses reports whether the incoming order matches the resting one on
// price. Market orders always cross.
func crosses(incoming, resting *models.Order) bool {
	if incoming.Type == models.OrderTypeMarket {
		return true
	}
	if incoming.Side == models.OrderSideBuy {
		return incoming.Price.GreaterThanOrEqual(resting.Price)
	}
	return incoming.Price.LessThanOrEqual(resting.Price)
}

// execute settles one fill: both legs' funds move into the trade's escrow
// holds, then the trade and its escrow record are written. Any failure
// unwinds the steps already taken and leaves both orders untouched.
func (e *Engine) execute(ctx context.Context, taker, maker *models.Order, qty decimal.Decimal) (*models.Trade, error) {
	pair, err := models.ParsePair(taker.Pair)
	if err != nil {
		return nil, err
	}
	buy, sell := taker, maker
	if taker.Side == models.OrderSideSell {
		buy, sell = maker, taker
	}
	price := maker.Price
	notional := price.Mul(qty)

	buyTier, err := e.tiers.Tier(ctx, buy.UserID)
	if err != nil {
		return nil, err
	}
	sellTier, err := e.tiers.Tier(ctx, sell.UserID)
	if err != nil {
		return nil, err
	}
	feeBuyer, err := e.fees.Fee(notional, pair.Quote, buyTier, buy == maker)
	if err != nil {
		return nil, err
	}
	feeSeller, err := e.fees.Fee(notional, pair.Quote, sellTier, sell == maker)
	if err != nil {
		return nil, err
	}

	tradeID := uuid.New()
	paymentRef := escrow.HoldRef(tradeID)
	deliveryRef := escrow.DeliveryHoldRef(tradeID)
	payment := notional.Add(feeBuyer)

	// Payment leg: carve from the buy order's placement hold, or hold
	// directly from available for market buys, which have none.
	if buy.HoldRef != "" {
		err = e.ledger.TransferHold(ctx, buy.HoldRef, paymentRef, payment)
	} else {
		err = e.ledger.Hold(ctx, buy.UserID, pair.Quote, payment, paymentRef)
	}
	if err != nil {
		return nil, err
	}
	undoPayment := func() {
		var undoErr error
		if buy.HoldRef != "" {
			undoErr = e.ledger.TransferHold(ctx, paymentRef, buy.HoldRef, payment)
		} else {
			undoErr = e.ledger.RevertHold(ctx, paymentRef)
		}
		if undoErr != nil {
			e.logger.Error("payment leg rollback failed",
				zap.String("trade_id", tradeID.String()), zap.Error(undoErr))
		}
	}

	// Delivery leg: carve the matched base quantity from the sell order's
	// placement hold.
	if err := e.ledger.TransferHold(ctx, sell.HoldRef, deliveryRef, qty); err != nil {
		undoPayment()
		return nil, err
	}
	undoDelivery := func() {
		if undoErr := e.ledger.TransferHold(ctx, deliveryRef, sell.HoldRef, qty); undoErr != nil {
			e.logger.Error("delivery leg rollback failed",
				zap.String("trade_id", tradeID.String()), zap.Error(undoErr))
		}
	}

	trade := &models.Trade{
		ID:          tradeID,
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		BuyerID:     buy.UserID,
		SellerID:    sell.UserID,
		Pair:        taker.Pair,
		Quantity:    qty,
		Price:       price,
		FeeBuyer:    feeBuyer,
		FeeSeller:   feeSeller,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.db.WithContext(ctx).Create(trade).Error; err != nil {
		undoDelivery()
		undoPayment()
		return nil, err
	}
	esc, err := e.escrow.Create(ctx, trade)
	if err == nil {
		err = e.escrow.Fund(ctx, esc.ID)
	}
	if err != nil {
		if esc != nil {
			if delErr := e.escrow.Delete(ctx, esc.ID); delErr != nil {
				e.logger.Error("escrow cleanup failed", zap.Error(delErr))
			}
		}
		if delErr := e.db.WithContext(ctx).Delete(trade).Error; delErr != nil {
			e.logger.Error("trade cleanup failed", zap.Error(delErr))
		}
		undoDelivery()
		undoPayment()
		return nil, err
	}
	return trade, nil
}

// applyFill decrements both orders' remaining quantities and persists the
// new statuses. The maker leaves the book when fully filled.
func (e *Engine) applyFill(ctx context.Context, book *orderbook.Book, taker, maker *models.Order, qty decimal.Decimal) error {
	now := time.Now().UTC()
	for _, o := range []*models.Order{taker, maker} {
		o.RemainingQuantity = o.RemainingQuantity.Sub(qty)
		if o.RemainingQuantity.IsZero() {
			o.Status = models.OrderStatusFilled
		} else {
			o.Status = models.OrderStatusPartiallyFilled
		}
		o.UpdatedAt = now
		if err := e.db.WithContext(ctx).Save(o).Error; err != nil {
			return err
		}
	}
	if maker.Status == models.OrderStatusFilled {
		book.Remove(maker.ID)
		if err := e.closeHold(ctx, maker); err != nil {
			return err
		}
	}
	if taker.Status == models.OrderStatusFilled {
		if err := e.closeHold(ctx, taker); err != nil {
			return err
		}
	}
	return nil
}

// placeRemainder rests a limit remainder on the book or cancels a market
// remainder.
func (e *Engine) placeRemainder(ctx context.Context, book *orderbook.Book, order *models.Order) error {
	if order.IsTerminal() || !order.RemainingQuantity.IsPositive() {
		return nil
	}
	if order.Type == models.OrderTypeLimit {
		book.Add(order)
		return e.db.WithContext(ctx).Save(order).Error
	}
	return e.cancelRemainder(ctx, book, order)
}

// cancelRemainder marks the unfilled remainder cancelled and returns any
// leftover placement hold to the owner.
func (e *Engine) cancelRemainder(ctx context.Context, book *orderbook.Book, order *models.Order) error {
	if order.IsTerminal() {
		return nil
	}
	book.Remove(order.ID)
	order.Status = models.OrderStatusCancelled
	order.UpdatedAt = time.Now().UTC()
	if err := e.db.WithContext(ctx).Save(order).Error; err != nil {
		return err
	}
	return e.closeHold(ctx, order)
}

// closeHold reverts whatever remains of an order's placement hold. Limit buy
// holds over-reserve when fills improve on the limit price or the execution
// fee comes in under the snapshot; the surplus goes back to available here.
func (e *Engine) closeHold(ctx context.Context, order *models.Order) error {
	if order.HoldRef == "" {
		return nil
	}
	err := e.ledger.RevertHold(ctx, order.HoldRef)
	if err == nil || errors.Is(err, errors.ErrInvalidTransition) || errors.Is(err, errors.ErrNotFound) {
		return nil
	}
	return err
}
