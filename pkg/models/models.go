// Package models holds the persisted domain entities of the trading core.
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Order sides.
const (
	OrderSideBuy  = "buy"
	OrderSideSell = "sell"
)

// Order types.
const (
	OrderTypeLimit  = "limit"
	OrderTypeMarket = "market"
)

// Order statuses. An order with RemainingQuantity zero is terminal (filled)
// and immutable thereafter.
const (
	OrderStatusOpen            = "open"
	OrderStatusPartiallyFilled = "partially_filled"
	OrderStatusFilled          = "filled"
	OrderStatusCancelled       = "cancelled"
)

// Order is an intent to buy or sell a quantity of the base asset of a pair at
// a limit price, or at the best available price for market orders. Owned
// exclusively by the placing user; mutated only by the matching engine
// (fills) or by an explicit cancel from the owner.
type Order struct {
	ID                uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid" validate:"required"`
	UserID            uuid.UUID       `json:"user_id" gorm:"type:uuid;index" validate:"required"`
	Pair              string          `json:"pair" gorm:"index" validate:"required"`
	Side              string          `json:"side" validate:"required,oneof=buy sell"`
	Type              string          `json:"type" validate:"required,oneof=limit market"`
	Price             decimal.Decimal `json:"price" gorm:"type:numeric(38,18)"` // zero for market orders
	Quantity          decimal.Decimal `json:"quantity" gorm:"type:numeric(38,18)" validate:"required"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity" gorm:"type:numeric(38,18)"`
	Status            string          `json:"status" validate:"required,oneof=open partially_filled filled cancelled"`
	FeeTier           string          `json:"fee_tier"`                                        // tier snapshot at placement, advisory
	FeeRateSnapshot   decimal.Decimal `json:"fee_rate_snapshot" gorm:"type:numeric(12,8)"`     // taker rate at placement, advisory
	HoldRef           string          `json:"hold_ref" gorm:"index"`                           // ledger hold backing the open remainder
	CreatedAt         time.Time       `json:"created_at" gorm:"index"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// IsTerminal reports whether the order can no longer change.
func (o *Order) IsTerminal() bool {
	return o.Status == OrderStatusFilled || o.Status == OrderStatusCancelled
}

// Trade is the immutable result of matching a buy order against a sell order.
// One trade triggers exactly one escrow transaction.
type Trade struct {
	ID          uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid" validate:"required"`
	BuyOrderID  uuid.UUID       `json:"buy_order_id" gorm:"type:uuid;index" validate:"required"`
	SellOrderID uuid.UUID       `json:"sell_order_id" gorm:"type:uuid;index" validate:"required"`
	BuyerID     uuid.UUID       `json:"buyer_id" gorm:"type:uuid;index" validate:"required"`
	SellerID    uuid.UUID       `json:"seller_id" gorm:"type:uuid;index" validate:"required"`
	Pair        string          `json:"pair" gorm:"index" validate:"required"`
	Quantity    decimal.Decimal `json:"quantity" gorm:"type:numeric(38,18)" validate:"required"`
	Price       decimal.Decimal `json:"price" gorm:"type:numeric(38,18)" validate:"required"` // resting order's price
	FeeBuyer    decimal.Decimal `json:"fee_buyer" gorm:"type:numeric(38,18)"`
	FeeSeller   decimal.Decimal `json:"fee_seller" gorm:"type:numeric(38,18)"`
	CreatedAt   time.Time       `json:"created_at" gorm:"index"`
}

// Notional returns the trade value in the quote asset.
func (t *Trade) Notional() decimal.Decimal {
	return t.Price.Mul(t.Quantity)
}

// Escrow states. State transitions are monotonic and one-directional except
// for the dispute branch; terminal states never change again.
const (
	EscrowStatePendingFunds     = "pending_funds"
	EscrowStateFunded           = "funded"
	EscrowStateReleaseRequested = "release_requested"
	EscrowStateReleased         = "released"
	EscrowStateDisputed         = "disputed"
	EscrowStateResolvedPayer    = "resolved_payer"
	EscrowStateResolvedPayee    = "resolved_payee"
)

// EscrowTransaction is the custodial hold tied 1:1 to a trade. The payer is
// the buyer (payment leg in the quote asset); the payee is the seller.
type EscrowTransaction struct {
	ID             uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid" validate:"required"`
	TradeID        uuid.UUID       `json:"trade_id" gorm:"type:uuid;uniqueIndex" validate:"required"`
	PayerID        uuid.UUID       `json:"payer_id" gorm:"type:uuid;index" validate:"required"`
	PayeeID        uuid.UUID       `json:"payee_id" gorm:"type:uuid;index" validate:"required"`
	Amount         decimal.Decimal `json:"amount" gorm:"type:numeric(38,18)" validate:"required"`
	Asset          string          `json:"asset" validate:"required"`
	State          string          `json:"state" gorm:"index" validate:"required"`
	AutoReleaseAt  *time.Time      `json:"auto_release_at,omitempty" gorm:"index"` // due timestamp for the release sweep
	DisputeReason  string          `json:"dispute_reason,omitempty"`
	DisputedBy     *uuid.UUID      `json:"disputed_by,omitempty" gorm:"type:uuid"`
	ResolutionNote string          `json:"resolution_note,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	ReleasedAt     *time.Time      `json:"released_at,omitempty"`
	DisputedAt     *time.Time      `json:"disputed_at,omitempty"`
}

// WalletBalance is the materialized projection of a user's ledger entries for
// one asset. Mutated only through ledger operations, never directly.
type WalletBalance struct {
	ID        uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	UserID    uuid.UUID       `json:"user_id" gorm:"type:uuid;uniqueIndex:idx_wallet_user_asset" validate:"required"`
	Asset     string          `json:"asset" gorm:"uniqueIndex:idx_wallet_user_asset" validate:"required"`
	Available decimal.Decimal `json:"available" gorm:"type:numeric(38,18)"`
	Held      decimal.Decimal `json:"held" gorm:"type:numeric(38,18)"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Ledger entry kinds.
const (
	LedgerKindCredit  = "credit"
	LedgerKindDebit   = "debit"
	LedgerKindHold    = "hold"
	LedgerKindRelease = "release"
	LedgerKindRevert  = "revert"
)

// LedgerEntry is an append-only, never updated or deleted, balance-affecting
// record. Delta is the signed change to the user's total (available + held)
// for the asset; Amount is the unsigned magnitude moved. The audit trail is
// the source of truth for balances.
type LedgerEntry struct {
	ID        uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	UserID    uuid.UUID       `json:"user_id" gorm:"type:uuid;index:idx_ledger_user_asset" validate:"required"`
	Asset     string          `json:"asset" gorm:"index:idx_ledger_user_asset" validate:"required"`
	Amount    decimal.Decimal `json:"amount" gorm:"type:numeric(38,18)" validate:"required"`
	Delta     decimal.Decimal `json:"delta" gorm:"type:numeric(38,18)"`
	Kind      string          `json:"kind" validate:"required,oneof=credit debit hold release revert"`
	Reference string          `json:"reference" gorm:"index"` // order/trade/escrow id
	CreatedAt time.Time       `json:"created_at" gorm:"index"`
}

// Hold statuses.
const (
	HoldStatusActive   = "active"
	HoldStatusReleased = "released"
	HoldStatusReverted = "reverted"
)

// Hold is the projection of outstanding hold entries, addressable by
// reference so release and revert can locate the original holder, asset, and
// remaining amount.
type Hold struct {
	Ref       string          `json:"ref" gorm:"primaryKey"`
	UserID    uuid.UUID       `json:"user_id" gorm:"type:uuid;index" validate:"required"`
	Asset     string          `json:"asset" validate:"required"`
	Remaining decimal.Decimal `json:"remaining" gorm:"type:numeric(38,18)"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// KYC verification levels, lowest to highest.
const (
	KYCLevelNone     = "none"
	KYCLevelBasic    = "basic"
	KYCLevelVerified = "verified"
	KYCLevelEnhanced = "enhanced"
)

// KYCProfile tracks a user's verification level, rolling trade volume, and
// risk score. Mutated by the risk gate after each completed trade and by
// external verification events.
type KYCProfile struct {
	UserID        uuid.UUID       `json:"user_id" gorm:"primaryKey;type:uuid" validate:"required"`
	Level         string          `json:"level" validate:"required,oneof=none basic verified enhanced"`
	RiskScore     int             `json:"risk_score"`
	Volume24h     decimal.Decimal `json:"volume_24h" gorm:"type:numeric(38,18)"` // rolling completed+open volume window
	WindowStart   time.Time       `json:"window_start"`
	OrdersInHour  int             `json:"orders_in_hour"`
	HourStart     time.Time       `json:"hour_start"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// KYCLevelRank orders verification levels for comparisons.
func KYCLevelRank(level string) int {
	switch level {
	case KYCLevelBasic:
		return 1
	case KYCLevelVerified:
		return 2
	case KYCLevelEnhanced:
		return 3
	default:
		return 0
	}
}
