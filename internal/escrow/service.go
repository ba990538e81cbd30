// Package escrow manages the custodial state machine attached to each trade.
// Funds held under a trade's escrow reference move only on state transitions;
// the payment leg goes to the seller on release and back to the buyer when a
// dispute resolves in the buyer's favor.
package escrow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Neocreb/eloity-trading/common/errors"
	"github.com/Neocreb/eloity-trading/internal/ledger"
	"github.com/Neocreb/eloity-trading/pkg/metrics"
	"github.com/Neocreb/eloity-trading/pkg/models"
)

// HoldRef is the ledger reference of the payment-leg hold for a trade.
func HoldRef(tradeID uuid.UUID) string {
	return "escrow:" + tradeID.String()
}

// DeliveryHoldRef is the ledger reference of the base-asset delivery hold for
// a trade. It settles together with the payment leg so both legs resolve
// atomically from the parties' point of view.
func DeliveryHoldRef(tradeID uuid.UUID) string {
	return "delivery:" + tradeID.String()
}

// Event describes an escrow lifecycle change for downstream consumers.
type Event struct {
	Kind     string      `json:"kind"`
	EscrowID uuid.UUID   `json:"escrow_id"`
	TradeID  uuid.UUID   `json:"trade_id"`
	State    string      `json:"state"`
	Parties  []uuid.UUID `json:"parties"`
	At       time.Time   `json:"at"`
}

// Notifier delivers escrow events to interested parties. Delivery is
// best-effort; failures must not affect the transition.
type Notifier interface {
	EscrowEvent(ctx context.Context, ev Event)
}

// RiskRecorder receives completion and dispute outcomes for risk scoring.
type RiskRecorder interface {
	RecordTrade(ctx context.Context, user uuid.UUID, notional decimal.Decimal) error
	RecordDispute(ctx context.Context, user uuid.UUID) error
}

// Config tunes escrow timing.
type Config struct {
	// AutoReleaseAfter is how long after the seller confirms delivery the
	// escrow auto-releases if the buyer neither confirms nor disputes.
	AutoReleaseAfter time.Duration `mapstructure:"auto_release_after" yaml:"auto_release_after"`
	// SweepInterval is how often the auto-release sweeper scans for due
	// escrows.
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// DefaultConfig returns the escrow timing used when none is configured.
func DefaultConfig() Config {
	return Config{
		AutoReleaseAfter: 24 * time.Hour,
		SweepInterval:    time.Minute,
	}
}

// Validate checks timing sanity.
func (c Config) Validate() error {
	if c.AutoReleaseAfter <= 0 {
		return errors.Wrap(errors.ErrConfiguration, "escrow auto release window must be positive")
	}
	if c.SweepInterval <= 0 {
		return errors.Wrap(errors.ErrConfiguration, "escrow sweep interval must be positive")
	}
	return nil
}

// Service drives escrow transactions through their state machine and moves
// the corresponding ledger holds.
type Service struct {
	logger          *zap.Logger
	db              *gorm.DB
	ledger          *ledger.Service
	notifier        Notifier
	risk            RiskRecorder
	platformAccount uuid.UUID
	cfg             Config
}

// NewService creates an escrow service. notifier and risk may be nil.
func NewService(logger *zap.Logger, db *gorm.DB, led *ledger.Service, notifier Notifier, risk RiskRecorder, platformAccount uuid.UUID, cfg Config) *Service {
	return &Service{
		logger:          logger,
		db:              db,
		ledger:          led,
		notifier:        notifier,
		risk:            risk,
		platformAccount: platformAccount,
		cfg:             cfg,
	}
}

// Create opens an escrow transaction for a trade in pending_funds. The caller
// funds it once the payment hold is in place.
func (s *Service) Create(ctx context.Context, trade *models.Trade) (*models.EscrowTransaction, error) {
	now := time.Now().UTC()
	esc := &models.EscrowTransaction{
		ID:        uuid.New(),
		TradeID:   trade.ID,
		PayerID:   trade.BuyerID,
		PayeeID:   trade.SellerID,
		Amount:    trade.Notional().Add(trade.FeeBuyer),
		Asset:     quoteAsset(trade.Pair),
		State:     models.EscrowStatePendingFunds,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(esc).Error; err != nil {
		return nil, err
	}
	return esc, nil
}

// Fund marks the escrow funded. The caller must already have placed the
// payment hold under HoldRef(trade).
func (s *Service) Fund(ctx context.Context, escrowID uuid.UUID) error {
	esc, err := s.transition(ctx, escrowID, models.EscrowStateFunded, nil)
	if err != nil {
		return err
	}
	s.emit(ctx, "escrow.funded", esc)
	return nil
}

// Delete removes an escrow record that never got funded. Used only to unwind
// a failed match; funded escrows are never deleted.
func (s *Service) Delete(ctx context.Context, escrowID uuid.UUID) error {
	return s.db.WithContext(ctx).
		Where("id = ? AND state = ?", escrowID, models.EscrowStatePendingFunds).
		Delete(&models.EscrowTransaction{}).Error
}

// ConfirmDelivery is the payee (seller) signaling the off-platform obligation
// is met. Starts the auto-release clock.
func (s *Service) ConfirmDelivery(ctx context.Context, escrowID, actor uuid.UUID) error {
	due := time.Now().UTC().Add(s.cfg.AutoReleaseAfter)
	esc, err := s.transition(ctx, escrowID, models.EscrowStateReleaseRequested, func(esc *models.EscrowTransaction) error {
		if actor != esc.PayeeID {
			return errors.Wrap(errors.ErrUnauthorized, "only the payee may confirm delivery")
		}
		esc.AutoReleaseAt = &due
		return nil
	})
	if err != nil {
		return err
	}
	s.emit(ctx, "escrow.release_requested", esc)
	return nil
}

// ConfirmReceipt is the payer (buyer) confirming receipt. Releases the
// payment to the seller net of fees and hands the delivery hold to the buyer.
func (s *Service) ConfirmReceipt(ctx context.Context, escrowID, actor uuid.UUID) error {
	esc, err := s.get(ctx, escrowID)
	if err != nil {
		return err
	}
	if actor != esc.PayerID {
		return errors.Wrap(errors.ErrUnauthorized, "only the payer may confirm receipt")
	}
	return s.release(ctx, esc, models.EscrowStateReleased)
}

// RaiseDispute freezes the escrow. Either party may dispute a funded or
// release-requested escrow; disputed funds stay locked until resolution.
func (s *Service) RaiseDispute(ctx context.Context, escrowID, actor uuid.UUID, reason string) error {
	now := time.Now().UTC()
	esc, err := s.transition(ctx, escrowID, models.EscrowStateDisputed, func(esc *models.EscrowTransaction) error {
		if actor != esc.PayerID && actor != esc.PayeeID {
			return errors.Wrap(errors.ErrUnauthorized, "only a party to the escrow may dispute it")
		}
		if reason == "" {
			return errors.Wrap(errors.ErrInvalidInput, "dispute reason required")
		}
		esc.DisputeReason = reason
		esc.DisputedBy = &actor
		esc.DisputedAt = &now
		esc.AutoReleaseAt = nil
		return nil
	})
	if err != nil {
		return err
	}
	s.emit(ctx, "escrow.disputed", esc)
	return nil
}

// Dispute outcomes.
const (
	OutcomePayer = "payer" // refund the buyer
	OutcomePayee = "payee" // pay the seller
)

// ResolveDispute settles a disputed escrow in favor of one party. An
// arbitration decision, not exposed to the parties themselves.
func (s *Service) ResolveDispute(ctx context.Context, escrowID uuid.UUID, outcome, note string) error {
	esc, err := s.get(ctx, escrowID)
	if err != nil {
		return err
	}
	switch outcome {
	case OutcomePayee:
		esc.ResolutionNote = note
		if err := s.release(ctx, esc, models.EscrowStateResolvedPayee); err != nil {
			return err
		}
		if s.risk != nil {
			if err := s.risk.RecordDispute(ctx, esc.PayerID); err != nil {
				s.logger.Warn("risk dispute record failed", zap.Error(err))
			}
		}
		return nil
	case OutcomePayer:
		esc.ResolutionNote = note
		if err := s.refund(ctx, esc); err != nil {
			return err
		}
		if s.risk != nil {
			if err := s.risk.RecordDispute(ctx, esc.PayeeID); err != nil {
				s.logger.Warn("risk dispute record failed", zap.Error(err))
			}
		}
		return nil
	default:
		return errors.Wrap(errors.ErrInvalidInput, "unknown dispute outcome %q", outcome)
	}
}

// Get returns an escrow transaction by id.
func (s *Service) Get(ctx context.Context, escrowID uuid.UUID) (*models.EscrowTransaction, error) {
	return s.get(ctx, escrowID)
}

// GetByTrade returns the escrow transaction for a trade.
func (s *Service) GetByTrade(ctx context.Context, tradeID uuid.UUID) (*models.EscrowTransaction, error) {
	var esc models.EscrowTransaction
	err := s.db.WithContext(ctx).Where("trade_id = ?", tradeID).First(&esc).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errors.Wrap(errors.ErrNotFound, "escrow for trade %s", tradeID)
	}
	if err != nil {
		return nil, err
	}
	return &esc, nil
}

// SweepAutoReleases releases every release-requested escrow whose window has
// lapsed. Returns how many were released.
func (s *Service) SweepAutoReleases(ctx context.Context) (int, error) {
	var due []models.EscrowTransaction
	err := s.db.WithContext(ctx).
		Where("state = ? AND auto_release_at IS NOT NULL AND auto_release_at <= ?",
			models.EscrowStateReleaseRequested, time.Now().UTC()).
		Find(&due).Error
	if err != nil {
		return 0, err
	}
	released := 0
	for i := range due {
		esc := due[i]
		if err := s.release(ctx, &esc, models.EscrowStateReleased); err != nil {
			if errors.Is(err, errors.ErrInvalidTransition) {
				continue // lost the race to an explicit confirm or dispute
			}
			s.logger.Error("auto release failed",
				zap.String("escrow_id", esc.ID.String()), zap.Error(err))
			continue
		}
		released++
	}
	if released > 0 {
		s.logger.Info("auto released lapsed escrows", zap.Int("count", released))
	}
	return released, nil
}

// RunSweeper runs the auto-release sweep on the configured interval until ctx
// is cancelled.
func (s *Service) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepAutoReleases(ctx); err != nil {
				s.logger.Error("escrow sweep failed", zap.Error(err))
			}
		}
	}
}

// release settles both legs in the seller's favor and moves the escrow to the
// given terminal state. The payment hold pays the seller net of both fees,
// with the fee total going to the platform account; the delivery hold goes to
// the buyer. The terminal state is claimed under an optimistic guard before
// any funds move, so a dispute that commits first keeps the funds frozen.
func (s *Service) release(ctx context.Context, esc *models.EscrowTransaction, to string) error {
	trade, err := s.trade(ctx, esc.TradeID)
	if err != nil {
		return err
	}
	prevAuto := esc.AutoReleaseAt
	now := time.Now().UTC()
	esc.ReleasedAt = &now
	esc.AutoReleaseAt = nil
	from, err := s.claimTerminal(ctx, esc, to)
	if err != nil {
		return err
	}

	// The hold covers notional + buyer fee; the seller gets notional minus
	// the seller fee and the platform keeps both fees.
	feeTotal := trade.FeeBuyer.Add(trade.FeeSeller)
	sellerNet := trade.Notional().Sub(trade.FeeSeller)
	payouts := []ledger.Payout{{To: esc.PayeeID, Amount: sellerNet}}
	if feeTotal.IsPositive() {
		payouts = append(payouts, ledger.Payout{To: s.platformAccount, Amount: feeTotal})
	}
	if err := s.ledger.SettleHold(ctx, HoldRef(esc.TradeID), payouts); err != nil {
		esc.ReleasedAt = nil
		esc.AutoReleaseAt = prevAuto
		s.unclaimTerminal(ctx, esc, from, to)
		return err
	}
	if err := s.ledger.ReleaseHold(ctx, DeliveryHoldRef(esc.TradeID), esc.PayerID); err != nil {
		s.logger.Error("delivery leg release failed after payment settlement",
			zap.String("trade_id", esc.TradeID.String()), zap.Error(err))
		return errors.Wrap(errors.ErrSettlementFailure, "delivery leg for trade %s: %v", esc.TradeID, err)
	}

	metrics.EscrowTransitions.WithLabelValues(from, to).Inc()
	s.recordCompletion(ctx, trade)
	s.emit(ctx, "escrow.released", esc)
	return nil
}

// refund unwinds both legs: payment hold back to the buyer, delivery hold
// back to the seller. No fees are collected on a refunded trade. Claims the
// terminal state under the same guard as release.
func (s *Service) refund(ctx context.Context, esc *models.EscrowTransaction) error {
	esc.AutoReleaseAt = nil
	from, err := s.claimTerminal(ctx, esc, models.EscrowStateResolvedPayer)
	if err != nil {
		return err
	}
	if err := s.ledger.RevertHold(ctx, HoldRef(esc.TradeID)); err != nil {
		s.unclaimTerminal(ctx, esc, from, models.EscrowStateResolvedPayer)
		return err
	}
	if err := s.ledger.RevertHold(ctx, DeliveryHoldRef(esc.TradeID)); err != nil {
		s.logger.Error("delivery leg revert failed after payment refund",
			zap.String("trade_id", esc.TradeID.String()), zap.Error(err))
		return errors.Wrap(errors.ErrSettlementFailure, "delivery leg for trade %s: %v", esc.TradeID, err)
	}

	metrics.EscrowTransitions.WithLabelValues(from, models.EscrowStateResolvedPayer).Inc()
	s.emit(ctx, "escrow.refunded", esc)
	return nil
}

// claimTerminal moves the escrow into a terminal state with a WHERE state
// guard, so the first committed transition wins and a stale caller gets
// ErrInvalidTransition before any funds move.
func (s *Service) claimTerminal(ctx context.Context, esc *models.EscrowTransaction, to string) (string, error) {
	from := esc.State
	if err := checkTransition(from, to); err != nil {
		return "", err
	}
	esc.State = to
	esc.UpdatedAt = time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&models.EscrowTransaction{}).
		Where("id = ? AND state = ?", esc.ID, from).
		Select("*").Omit("id", "created_at").
		Updates(esc)
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected == 0 {
		return "", errors.Wrap(errors.ErrInvalidTransition, "escrow %s left %s concurrently", esc.ID, from)
	}
	return from, nil
}

// unclaimTerminal rolls a claimed terminal state back after a failed money
// movement, leaving the escrow where it was for a retry.
func (s *Service) unclaimTerminal(ctx context.Context, esc *models.EscrowTransaction, from, to string) {
	esc.State = from
	esc.UpdatedAt = time.Now().UTC()
	err := s.db.WithContext(ctx).Model(&models.EscrowTransaction{}).
		Where("id = ? AND state = ?", esc.ID, to).
		Select("*").Omit("id", "created_at").
		Updates(esc).Error
	if err != nil {
		s.logger.Error("terminal state rollback failed",
			zap.String("escrow_id", esc.ID.String()), zap.Error(err))
	}
}

// transition applies a pure state change with an optional guard mutating the
// record. The WHERE state guard makes concurrent transitions lose cleanly.
func (s *Service) transition(ctx context.Context, escrowID uuid.UUID, to string, guard func(*models.EscrowTransaction) error) (*models.EscrowTransaction, error) {
	var esc *models.EscrowTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur models.EscrowTransaction
		if err := tx.Where("id = ?", escrowID).First(&cur).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return errors.Wrap(errors.ErrNotFound, "escrow %s", escrowID)
			}
			return err
		}
		if err := checkTransition(cur.State, to); err != nil {
			return err
		}
		if guard != nil {
			if err := guard(&cur); err != nil {
				return err
			}
		}
		from := cur.State
		cur.State = to
		cur.UpdatedAt = time.Now().UTC()
		res := tx.Model(&models.EscrowTransaction{}).
			Where("id = ? AND state = ?", cur.ID, from).
			Select("*").Omit("id", "created_at").
			Updates(&cur)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errors.Wrap(errors.ErrInvalidTransition, "escrow %s left %s concurrently", escrowID, from)
		}
		metrics.EscrowTransitions.WithLabelValues(from, to).Inc()
		esc = &cur
		return nil
	})
	return esc, err
}

func (s *Service) get(ctx context.Context, escrowID uuid.UUID) (*models.EscrowTransaction, error) {
	var esc models.EscrowTransaction
	err := s.db.WithContext(ctx).Where("id = ?", escrowID).First(&esc).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errors.Wrap(errors.ErrNotFound, "escrow %s", escrowID)
	}
	if err != nil {
		return nil, err
	}
	return &esc, nil
}

func (s *Service) trade(ctx context.Context, tradeID uuid.UUID) (*models.Trade, error) {
	var trade models.Trade
	err := s.db.WithContext(ctx).Where("id = ?", tradeID).First(&trade).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errors.Wrap(errors.ErrNotFound, "trade %s", tradeID)
	}
	if err != nil {
		return nil, err
	}
	return &trade, nil
}

func (s *Service) recordCompletion(ctx context.Context, trade *models.Trade) {
	if s.risk == nil {
		return
	}
	notional := trade.Notional()
	for _, u := range []uuid.UUID{trade.BuyerID, trade.SellerID} {
		if err := s.risk.RecordTrade(ctx, u, notional); err != nil {
			s.logger.Warn("risk trade record failed",
				zap.String("user_id", u.String()), zap.Error(err))
		}
	}
}

func (s *Service) emit(ctx context.Context, kind string, esc *models.EscrowTransaction) {
	if s.notifier == nil {
		return
	}
	s.notifier.EscrowEvent(ctx, Event{
		Kind:     kind,
		EscrowID: esc.ID,
		TradeID:  esc.TradeID,
		State:    esc.State,
		Parties:  []uuid.UUID{esc.PayerID, esc.PayeeID},
		At:       time.Now().UTC(),
	})
}

// quoteAsset extracts the quote leg of a pair symbol like "BTC/USDT".
func quoteAsset(pair string) string {
	for i := len(pair) - 1; i >= 0; i-- {
		if pair[i] == '/' {
			return pair[i+1:]
		}
	}
	return pair
}
