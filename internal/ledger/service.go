// Package ledger implements the wallet ledger: append-only balance-affecting
// entries per (user, asset) with atomic credit, debit, hold, release, and
// revert primitives. All other components mutate balances only through this
// service. Balances are a materialized projection; the entry trail is the
// source of truth.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Neocreb/eloity-trading/common/errors"
	"github.com/Neocreb/eloity-trading/pkg/metrics"
	"github.com/Neocreb/eloity-trading/pkg/models"
)

// Payout directs part of a settled hold to a recipient's available balance.
type Payout struct {
	To     uuid.UUID
	Amount decimal.Decimal
}

// Service implements the wallet ledger over a transactional store.
//
// Concurrency: operations against the same (user, asset) pair are serialized
// by a keyed mutex; operations against disjoint pairs proceed independently.
// Two-party operations lock both keys in sorted order. Every mutation runs
// inside one store transaction and appends one ledger entry per affected
// (user, asset); a failure leaves no trace.
type Service struct {
	logger *zap.Logger
	db     *gorm.DB
	locks  *keyedMutex
}

// NewService creates a ledger service.
func NewService(logger *zap.Logger, db *gorm.DB) *Service {
	return &Service{logger: logger, db: db, locks: newKeyedMutex()}
}

func balanceKey(user uuid.UUID, asset string) string {
	return user.String() + "|" + asset
}

func observe(op string, start time.Time) {
	metrics.LedgerOpLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Credit adds amount to the user's available balance.
func (s *Service) Credit(ctx context.Context, user uuid.UUID, asset string, amount decimal.Decimal, ref string) error {
	defer observe("credit", time.Now())
	if err := validAmount(amount); err != nil {
		return err
	}
	key := balanceKey(user, asset)
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bal, err := loadOrCreateBalance(tx, user, asset)
		if err != nil {
			return err
		}
		bal.Available = bal.Available.Add(amount)
		bal.UpdatedAt = time.Now().UTC()
		if err := tx.Save(bal).Error; err != nil {
			return err
		}
		return appendEntry(tx, user, asset, amount, amount, models.LedgerKindCredit, ref)
	})
}

// Debit removes amount from the user's available balance. Fails with
// ErrInsufficientFunds when available < amount.
func (s *Service) Debit(ctx context.Context, user uuid.UUID, asset string, amount decimal.Decimal, ref string) error {
	defer observe("debit", time.Now())
	if err := validAmount(amount); err != nil {
		return err
	}
	key := balanceKey(user, asset)
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bal, err := loadOrCreateBalance(tx, user, asset)
		if err != nil {
			return err
		}
		if bal.Available.LessThan(amount) {
			return errors.Wrap(errors.ErrInsufficientFunds, "debit %s %s from user %s", amount, asset, user)
		}
		bal.Available = bal.Available.Sub(amount)
		bal.UpdatedAt = time.Now().UTC()
		if err := tx.Save(bal).Error; err != nil {
			return err
		}
		return appendEntry(tx, user, asset, amount, amount.Neg(), models.LedgerKindDebit, ref)
	})
}

// Hold moves amount from the user's available balance to held, registered
// under ref. Fails with ErrInsufficientFunds when available < amount. The ref
// must be unused.
func (s *Service) Hold(ctx context.Context, user uuid.UUID, asset string, amount decimal.Decimal, ref string) error {
	defer observe("hold", time.Now())
	if err := validAmount(amount); err != nil {
		return err
	}
	key := balanceKey(user, asset)
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Hold
		if err := tx.Where("ref = ?", ref).First(&existing).Error; err == nil {
			return errors.Wrap(errors.ErrInvalidInput, "hold ref %s already exists", ref)
		} else if err != gorm.ErrRecordNotFound {
			return err
		}
		bal, err := loadOrCreateBalance(tx, user, asset)
		if err != nil {
			return err
		}
		if bal.Available.LessThan(amount) {
			return errors.Wrap(errors.ErrInsufficientFunds, "hold %s %s for user %s", amount, asset, user)
		}
		bal.Available = bal.Available.Sub(amount)
		bal.Held = bal.Held.Add(amount)
		bal.UpdatedAt = time.Now().UTC()
		if err := tx.Save(bal).Error; err != nil {
			return err
		}
		now := time.Now().UTC()
		hold := &models.Hold{
			Ref:       ref,
			UserID:    user,
			Asset:     asset,
			Remaining: amount,
			Status:    models.HoldStatusActive,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Create(hold).Error; err != nil {
			return err
		}
		return appendEntry(tx, user, asset, amount, decimal.Zero, models.LedgerKindHold, ref)
	})
}

// ReleaseHold moves the full remaining held amount under ref to the
// counterparty's available balance.
func (s *Service) ReleaseHold(ctx context.Context, ref string, to uuid.UUID) error {
	hold, err := s.activeHold(ctx, ref)
	if err != nil {
		return err
	}
	return s.SettleHold(ctx, ref, []Payout{{To: to, Amount: hold.Remaining}})
}

// SettleHold distributes the full remaining held amount under ref across the
// given payouts. The payout amounts must sum to exactly the remaining amount;
// fee carve-outs are expressed as extra payouts to the fee account.
func (s *Service) SettleHold(ctx context.Context, ref string, payouts []Payout) error {
	defer observe("release", time.Now())
	hold, err := s.activeHold(ctx, ref)
	if err != nil {
		return err
	}
	total := decimal.Zero
	keys := []string{balanceKey(hold.UserID, hold.Asset)}
	for _, p := range payouts {
		if p.Amount.IsNegative() {
			return errors.Wrap(errors.ErrInvalidInput, "negative payout in settlement of hold %s", ref)
		}
		total = total.Add(p.Amount)
		keys = append(keys, balanceKey(p.To, hold.Asset))
	}
	if !total.Equal(hold.Remaining) {
		return errors.Wrap(errors.ErrInvalidInput, "settlement of hold %s distributes %s of %s held", ref, total, hold.Remaining)
	}
	unlock := s.locks.LockAll(keys...)
	defer unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fresh, err := lockActiveHold(tx, ref)
		if err != nil {
			return err
		}
		holderBal, err := loadOrCreateBalance(tx, fresh.UserID, fresh.Asset)
		if err != nil {
			return err
		}
		holderBal.Held = holderBal.Held.Sub(fresh.Remaining)
		holderBal.UpdatedAt = time.Now().UTC()
		if err := tx.Save(holderBal).Error; err != nil {
			return err
		}
		if err := appendEntry(tx, fresh.UserID, fresh.Asset, fresh.Remaining, fresh.Remaining.Neg(), models.LedgerKindRelease, ref); err != nil {
			return err
		}
		for _, p := range payouts {
			if p.Amount.IsZero() {
				continue
			}
			toBal, err := loadOrCreateBalance(tx, p.To, fresh.Asset)
			if err != nil {
				return err
			}
			toBal.Available = toBal.Available.Add(p.Amount)
			toBal.UpdatedAt = time.Now().UTC()
			if err := tx.Save(toBal).Error; err != nil {
				return err
			}
			if err := appendEntry(tx, p.To, fresh.Asset, p.Amount, p.Amount, models.LedgerKindRelease, ref); err != nil {
				return err
			}
		}
		fresh.Remaining = decimal.Zero
		fresh.Status = models.HoldStatusReleased
		fresh.UpdatedAt = time.Now().UTC()
		return tx.Save(fresh).Error
	})
}

// RevertHold returns the full remaining held amount under ref to the original
// holder's available balance.
func (s *Service) RevertHold(ctx context.Context, ref string) error {
	defer observe("revert", time.Now())
	hold, err := s.activeHold(ctx, ref)
	if err != nil {
		return err
	}
	key := balanceKey(hold.UserID, hold.Asset)
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fresh, err := lockActiveHold(tx, ref)
		if err != nil {
			return err
		}
		if fresh.Remaining.IsPositive() {
			bal, err := loadOrCreateBalance(tx, fresh.UserID, fresh.Asset)
			if err != nil {
				return err
			}
			bal.Held = bal.Held.Sub(fresh.Remaining)
			bal.Available = bal.Available.Add(fresh.Remaining)
			bal.UpdatedAt = time.Now().UTC()
			if err := tx.Save(bal).Error; err != nil {
				return err
			}
			if err := appendEntry(tx, fresh.UserID, fresh.Asset, fresh.Remaining, decimal.Zero, models.LedgerKindRevert, ref); err != nil {
				return err
			}
		}
		fresh.Remaining = decimal.Zero
		fresh.Status = models.HoldStatusReverted
		fresh.UpdatedAt = time.Now().UTC()
		return tx.Save(fresh).Error
	})
}

// TransferHold carves amount out of the hold under fromRef into the hold
// under toRef for the same holder and asset, creating toRef if it does not
// exist. Held totals are unchanged; the carve is recorded as a revert of the
// source portion and a hold under the destination reference. Merging into an
// existing hold requires it to be active and owned by the same (user, asset);
// this is how a rolled-back carve returns to its source. Fails with
// ErrInsufficientFunds when the source hold has less than amount remaining.
func (s *Service) TransferHold(ctx context.Context, fromRef, toRef string, amount decimal.Decimal) error {
	defer observe("transfer_hold", time.Now())
	if err := validAmount(amount); err != nil {
		return err
	}
	hold, err := s.activeHold(ctx, fromRef)
	if err != nil {
		return err
	}
	key := balanceKey(hold.UserID, hold.Asset)
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		src, err := lockActiveHold(tx, fromRef)
		if err != nil {
			return err
		}
		if src.Remaining.LessThan(amount) {
			return errors.Wrap(errors.ErrInsufficientFunds, "hold %s has %s remaining, need %s", fromRef, src.Remaining, amount)
		}
		now := time.Now().UTC()
		var existing models.Hold
		err = tx.Where("ref = ?", toRef).First(&existing).Error
		switch {
		case err == nil:
			if existing.Status != models.HoldStatusActive {
				return errors.Wrap(errors.ErrInvalidTransition, "hold %s is %s", toRef, existing.Status)
			}
			if existing.UserID != src.UserID || existing.Asset != src.Asset {
				return errors.Wrap(errors.ErrInvalidInput, "hold %s belongs to a different holder", toRef)
			}
			existing.Remaining = existing.Remaining.Add(amount)
			existing.UpdatedAt = now
			if err := tx.Save(&existing).Error; err != nil {
				return err
			}
		case err == gorm.ErrRecordNotFound:
			dst := &models.Hold{
				Ref:       toRef,
				UserID:    src.UserID,
				Asset:     src.Asset,
				Remaining: amount,
				Status:    models.HoldStatusActive,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.Create(dst).Error; err != nil {
				return err
			}
		default:
			return err
		}
		// A fully carved source stays active so a rolled-back carve can
		// merge back into it; fills and cancels close it explicitly.
		src.Remaining = src.Remaining.Sub(amount)
		src.UpdatedAt = now
		if err := tx.Save(src).Error; err != nil {
			return err
		}
		if err := appendEntry(tx, src.UserID, src.Asset, amount, decimal.Zero, models.LedgerKindRevert, fromRef); err != nil {
			return err
		}
		return appendEntry(tx, src.UserID, src.Asset, amount, decimal.Zero, models.LedgerKindHold, toRef)
	})
}

// Balance returns the projected balance for (user, asset). A user with no
// entries has a zero balance.
func (s *Service) Balance(ctx context.Context, user uuid.UUID, asset string) (*models.WalletBalance, error) {
	var bal models.WalletBalance
	err := s.db.WithContext(ctx).Where("user_id = ? AND asset = ?", user, asset).First(&bal).Error
	if err == gorm.ErrRecordNotFound {
		return &models.WalletBalance{UserID: user, Asset: asset, Available: decimal.Zero, Held: decimal.Zero}, nil
	}
	if err != nil {
		return nil, err
	}
	return &bal, nil
}

// Entries lists the ledger trail for (user, asset), most recent first.
func (s *Service) Entries(ctx context.Context, user uuid.UUID, asset string, limit, offset int) ([]*models.LedgerEntry, int64, error) {
	var count int64
	q := s.db.WithContext(ctx).Model(&models.LedgerEntry{}).Where("user_id = ? AND asset = ?", user, asset)
	if err := q.Count(&count).Error; err != nil {
		return nil, 0, err
	}
	var entries []*models.LedgerEntry
	if err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&entries).Error; err != nil {
		return nil, 0, err
	}
	return entries, count, nil
}

// HoldRemaining returns the remaining amount of an active hold.
func (s *Service) HoldRemaining(ctx context.Context, ref string) (decimal.Decimal, error) {
	hold, err := s.activeHold(ctx, ref)
	if err != nil {
		return decimal.Zero, err
	}
	return hold.Remaining, nil
}

func (s *Service) activeHold(ctx context.Context, ref string) (*models.Hold, error) {
	var hold models.Hold
	err := s.db.WithContext(ctx).Where("ref = ?", ref).First(&hold).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errors.Wrap(errors.ErrNotFound, "hold %s", ref)
	}
	if err != nil {
		return nil, err
	}
	if hold.Status != models.HoldStatusActive {
		return nil, errors.Wrap(errors.ErrInvalidTransition, "hold %s is %s", ref, hold.Status)
	}
	return &hold, nil
}

func lockActiveHold(tx *gorm.DB, ref string) (*models.Hold, error) {
	var hold models.Hold
	err := tx.Where("ref = ?", ref).First(&hold).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errors.Wrap(errors.ErrNotFound, "hold %s", ref)
	}
	if err != nil {
		return nil, err
	}
	if hold.Status != models.HoldStatusActive {
		return nil, errors.Wrap(errors.ErrInvalidTransition, "hold %s is %s", ref, hold.Status)
	}
	return &hold, nil
}

func loadOrCreateBalance(tx *gorm.DB, user uuid.UUID, asset string) (*models.WalletBalance, error) {
	var bal models.WalletBalance
	err := tx.Where("user_id = ? AND asset = ?", user, asset).First(&bal).Error
	if err == gorm.ErrRecordNotFound {
		bal = models.WalletBalance{
			ID:        uuid.New(),
			UserID:    user,
			Asset:     asset,
			Available: decimal.Zero,
			Held:      decimal.Zero,
			UpdatedAt: time.Now().UTC(),
		}
		if err := tx.Create(&bal).Error; err != nil {
			return nil, err
		}
		return &bal, nil
	}
	if err != nil {
		return nil, err
	}
	return &bal, nil
}

func appendEntry(tx *gorm.DB, user uuid.UUID, asset string, amount, delta decimal.Decimal, kind, ref string) error {
	entry := &models.LedgerEntry{
		ID:        uuid.New(),
		UserID:    user,
		Asset:     asset,
		Amount:    amount,
		Delta:     delta,
		Kind:      kind,
		Reference: ref,
		CreatedAt: time.Now().UTC(),
	}
	return tx.Create(entry).Error
}

func validAmount(amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return errors.Wrap(errors.ErrInvalidInput, "amount must be positive, got %s", amount)
	}
	return nil
}
