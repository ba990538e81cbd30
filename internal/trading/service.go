// Package trading orchestrates the order pipeline: risk gate, fee snapshot,
// placement hold, persistence, then matching. It is the only entry point the
// transport layer talks to for orders, trades, and wallet reads.
package trading

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Neocreb/eloity-trading/common/errors"
	"github.com/Neocreb/eloity-trading/internal/fees"
	"github.com/Neocreb/eloity-trading/internal/ledger"
	"github.com/Neocreb/eloity-trading/internal/marketdata"
	"github.com/Neocreb/eloity-trading/internal/matching"
	"github.com/Neocreb/eloity-trading/internal/orderbook"
	"github.com/Neocreb/eloity-trading/internal/risk"
	"github.com/Neocreb/eloity-trading/pkg/metrics"
	"github.com/Neocreb/eloity-trading/pkg/models"
)

// TradeNotifier announces executed trades. Best-effort, may be nil.
type TradeNotifier interface {
	TradeExecuted(ctx context.Context, trade *models.Trade)
}

// PlaceOrderRequest is the validated intake shape for a new order.
type PlaceOrderRequest struct {
	UserID   uuid.UUID       `json:"-"`
	Pair     string          `json:"pair" validate:"required"`
	Side     string          `json:"side" validate:"required,oneof=buy sell"`
	Type     string          `json:"type" validate:"required,oneof=limit market"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity" validate:"required"`
}

// Service wires the trading pipeline together.
type Service struct {
	logger   *zap.Logger
	db       *gorm.DB
	ledger   *ledger.Service
	gate     *risk.Gate
	fees     fees.Schedule
	engine   *matching.Engine
	quotes   *marketdata.Service
	notifier TradeNotifier
	validate *validator.Validate
}

// NewService creates the trading service. notifier may be nil.
func NewService(logger *zap.Logger, db *gorm.DB, led *ledger.Service, gate *risk.Gate, schedule fees.Schedule, engine *matching.Engine, quotes *marketdata.Service, notifier TradeNotifier) *Service {
	return &Service{
		logger:   logger,
		db:       db,
		ledger:   led,
		gate:     gate,
		fees:     schedule,
		engine:   engine,
		quotes:   quotes,
		notifier: notifier,
		validate: validator.New(),
	}
}

// PlaceOrder runs the full intake pipeline and matches the accepted order.
// A rejection at any gate leaves no order record and no balance change.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*models.Order, []*models.Trade, error) {
	pair, err := s.checkRequest(req)
	if err != nil {
		metrics.OrdersRejected.WithLabelValues("invalid_input").Inc()
		return nil, nil, err
	}

	refPrice, err := s.referencePrice(ctx, req, pair)
	if err != nil {
		metrics.OrdersRejected.WithLabelValues("no_reference_price").Inc()
		return nil, nil, err
	}
	notional := refPrice.Mul(req.Quantity)

	verdict, err := s.gate.Authorize(ctx, risk.OrderIntent{
		UserID:   req.UserID,
		Pair:     pair.String(),
		Side:     req.Side,
		Notional: notional,
	})
	if err != nil {
		return nil, nil, err
	}
	if verdict.Decision == risk.Deny {
		metrics.OrdersRejected.WithLabelValues("risk_denied").Inc()
		return nil, nil, errors.Wrap(errors.ErrUnauthorized, "%s", verdict.Reason)
	}

	tier, err := s.gate.Tier(ctx, req.UserID)
	if err != nil {
		return nil, nil, err
	}
	takerRate := s.fees.Rate(pair.Quote, tier, false)

	now := time.Now().UTC()
	order := &models.Order{
		ID:                uuid.New(),
		UserID:            req.UserID,
		Pair:              pair.String(),
		Side:              req.Side,
		Type:              req.Type,
		Price:             req.Price,
		Quantity:          req.Quantity,
		RemainingQuantity: req.Quantity,
		Status:            models.OrderStatusOpen,
		FeeTier:           tier,
		FeeRateSnapshot:   takerRate,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := s.placeHold(ctx, order, pair, takerRate); err != nil {
		s.releaseIntent(ctx, req.UserID, notional)
		if errors.Is(err, errors.ErrInsufficientFunds) {
			metrics.OrdersRejected.WithLabelValues("insufficient_funds").Inc()
		}
		return nil, nil, err
	}

	if err := s.db.WithContext(ctx).Create(order).Error; err != nil {
		s.unwindHold(ctx, order)
		s.releaseIntent(ctx, req.UserID, notional)
		return nil, nil, err
	}
	metrics.OrdersAccepted.WithLabelValues(order.Side).Inc()

	trades, matchErr := s.engine.Submit(ctx, order)
	for _, trade := range trades {
		s.quotes.RecordTrade(ctx, trade)
		if s.notifier != nil {
			s.notifier.TradeExecuted(ctx, trade)
		}
	}
	return order, trades, matchErr
}

// CancelOrder removes the caller's order from the book and returns the
// remaining hold. An in-flight match on the same pair completes first.
func (s *Service) CancelOrder(ctx context.Context, user, orderID uuid.UUID) (*models.Order, error) {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != user {
		return nil, errors.Wrap(errors.ErrUnauthorized, "order %s does not belong to caller", orderID)
	}
	if err := s.engine.Cancel(ctx, order); err != nil {
		return nil, err
	}
	if order.Type == models.OrderTypeLimit {
		s.releaseIntent(ctx, user, order.Price.Mul(order.RemainingQuantity))
	}
	return order, nil
}

// GetOrder returns one of the caller's orders.
func (s *Service) GetOrder(ctx context.Context, user, orderID uuid.UUID) (*models.Order, error) {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != user {
		return nil, errors.Wrap(errors.ErrNotFound, "order %s", orderID)
	}
	return order, nil
}

// ListOrders returns the caller's orders, most recent first.
func (s *Service) ListOrders(ctx context.Context, user uuid.UUID, limit, offset int) ([]*models.Order, int64, error) {
	limit, offset = normalizePage(limit, offset)
	q := s.db.WithContext(ctx).Model(&models.Order{}).Where("user_id = ?", user)
	var count int64
	if err := q.Count(&count).Error; err != nil {
		return nil, 0, err
	}
	var orders []*models.Order
	if err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&orders).Error; err != nil {
		return nil, 0, err
	}
	return orders, count, nil
}

// GetOrderBook returns the aggregated top levels for a pair.
func (s *Service) GetOrderBook(pair string, depth int) (orderbook.Depth, error) {
	p, err := models.ParsePair(pair)
	if err != nil {
		return orderbook.Depth{}, err
	}
	if book, ok := s.engine.Books().Lookup(p.String()); ok {
		return book.Snapshot(depth), nil
	}
	return orderbook.Depth{Pair: p.String()}, nil
}

// GetTradeHistory returns trades the user took part in, most recent first.
func (s *Service) GetTradeHistory(ctx context.Context, user uuid.UUID, limit, offset int) ([]*models.Trade, int64, error) {
	limit, offset = normalizePage(limit, offset)
	q := s.db.WithContext(ctx).Model(&models.Trade{}).Where("buyer_id = ? OR seller_id = ?", user, user)
	var count int64
	if err := q.Count(&count).Error; err != nil {
		return nil, 0, err
	}
	var trades []*models.Trade
	if err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&trades).Error; err != nil {
		return nil, 0, err
	}
	return trades, count, nil
}

// GetWalletBalance returns the projected balance for (user, asset).
func (s *Service) GetWalletBalance(ctx context.Context, user uuid.UUID, asset string) (*models.WalletBalance, error) {
	return s.ledger.Balance(ctx, user, asset)
}

// GetLedgerEntries returns the user's audit trail for an asset.
func (s *Service) GetLedgerEntries(ctx context.Context, user uuid.UUID, asset string, limit, offset int) ([]*models.LedgerEntry, int64, error) {
	limit, offset = normalizePage(limit, offset)
	return s.ledger.Entries(ctx, user, asset, limit, offset)
}

// Deposit credits external funds into the user's wallet.
func (s *Service) Deposit(ctx context.Context, user uuid.UUID, asset string, amount decimal.Decimal) error {
	return s.ledger.Credit(ctx, user, asset, amount, "deposit:"+uuid.NewString())
}

// Withdraw debits available funds out of the user's wallet.
func (s *Service) Withdraw(ctx context.Context, user uuid.UUID, asset string, amount decimal.Decimal) error {
	return s.ledger.Debit(ctx, user, asset, amount, "withdraw:"+uuid.NewString())
}

func (s *Service) checkRequest(req PlaceOrderRequest) (models.Pair, error) {
	if err := s.validate.Struct(req); err != nil {
		return models.Pair{}, errors.Wrap(errors.ErrInvalidInput, "%v", err)
	}
	pair, err := models.ParsePair(req.Pair)
	if err != nil {
		return models.Pair{}, err
	}
	if req.Quantity.LessThanOrEqual(decimal.Zero) {
		return models.Pair{}, errors.Wrap(errors.ErrInvalidInput, "quantity must be positive")
	}
	switch req.Type {
	case models.OrderTypeLimit:
		if req.Price.LessThanOrEqual(decimal.Zero) {
			return models.Pair{}, errors.Wrap(errors.ErrInvalidInput, "limit orders require a positive price")
		}
	case models.OrderTypeMarket:
		if !req.Price.IsZero() {
			return models.Pair{}, errors.Wrap(errors.ErrInvalidInput, "market orders carry no price")
		}
	}
	return pair, nil
}

// referencePrice values the order for risk checks. Limit orders use their
// own price; market orders use the current quote midpoint, which is
// advisory and never a matching input. The quote is read under the
// canonical pair so spelling never hides liquidity.
func (s *Service) referencePrice(ctx context.Context, req PlaceOrderRequest, pair models.Pair) (decimal.Decimal, error) {
	if req.Type == models.OrderTypeLimit {
		return req.Price, nil
	}
	q, err := s.quotes.Quote(ctx, pair.String())
	if err != nil {
		return decimal.Zero, errors.Wrap(errors.ErrInvalidInput, "no reference price for market order on %s", pair)
	}
	mid := q.Mid()
	if !mid.IsPositive() {
		return decimal.Zero, errors.Wrap(errors.ErrInvalidInput, "no reference price for market order on %s", pair)
	}
	return mid, nil
}

// placeHold reserves the funds backing the order: buys hold the quote
// notional plus the taker-fee snapshot, sells hold the base quantity.
// Market buys hold nothing up front; their exact notional is held at
// execution.
func (s *Service) placeHold(ctx context.Context, order *models.Order, pair models.Pair, takerRate decimal.Decimal) error {
	switch {
	case order.Side == models.OrderSideBuy && order.Type == models.OrderTypeLimit:
		notional := order.Price.Mul(order.Quantity)
		amount := notional.Add(notional.Mul(takerRate))
		order.HoldRef = "order:" + order.ID.String()
		return s.ledger.Hold(ctx, order.UserID, pair.Quote, amount, order.HoldRef)
	case order.Side == models.OrderSideSell:
		order.HoldRef = "order:" + order.ID.String()
		return s.ledger.Hold(ctx, order.UserID, pair.Base, order.Quantity, order.HoldRef)
	default:
		return nil
	}
}

func (s *Service) unwindHold(ctx context.Context, order *models.Order) {
	if order.HoldRef == "" {
		return
	}
	if err := s.ledger.RevertHold(ctx, order.HoldRef); err != nil {
		s.logger.Error("placement hold unwind failed",
			zap.String("order_id", order.ID.String()), zap.Error(err))
	}
}

func (s *Service) releaseIntent(ctx context.Context, user uuid.UUID, notional decimal.Decimal) {
	if err := s.gate.ReleaseIntent(ctx, user, notional); err != nil {
		s.logger.Warn("risk window release failed",
			zap.String("user_id", user.String()), zap.Error(err))
	}
}

func (s *Service) loadOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := s.db.WithContext(ctx).Where("id = ?", orderID).First(&order).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errors.Wrap(errors.ErrNotFound, "order %s", orderID)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
