// Package risk implements the KYC/risk gate that decides whether an order
// intent may be accepted, plus the profile bookkeeping that feeds it.
package risk

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Neocreb/eloity-trading/common/errors"
	"github.com/Neocreb/eloity-trading/pkg/models"
)

// Decision is the outcome of an authorization check.
type Decision int

const (
	// Allow accepts the order intent.
	Allow Decision = iota
	// Deny rejects the order intent; no order record is created.
	Deny
	// Flag accepts the order intent but logs it for review.
	Flag
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	case Flag:
		return "flag"
	}
	return "unknown"
}

// Verdict is a decision with its reason.
type Verdict struct {
	Decision Decision
	Reason   string
}

// OrderIntent describes an order before it exists.
type OrderIntent struct {
	UserID   uuid.UUID
	Pair     string
	Side     string
	Notional decimal.Decimal // order value in the quote asset
}

// LevelLimits caps what a verification level may trade.
type LevelLimits struct {
	MaxOrderNotional decimal.Decimal `mapstructure:"max_order_notional" yaml:"max_order_notional"`
	MaxVolume24h     decimal.Decimal `mapstructure:"max_volume_24h" yaml:"max_volume_24h"`
}

// Config holds the gate's thresholds. Validated once at startup.
type Config struct {
	LevelLimits      map[string]LevelLimits `mapstructure:"level_limits" yaml:"level_limits"`
	FlagScore        int                    `mapstructure:"flag_score" yaml:"flag_score"`
	BlockScore       int                    `mapstructure:"block_score" yaml:"block_score"`
	MaxOrdersPerHour int                    `mapstructure:"max_orders_per_hour" yaml:"max_orders_per_hour"`
}

// DefaultConfig mirrors the platform's published verification level table.
func DefaultConfig() Config {
	return Config{
		LevelLimits: map[string]LevelLimits{
			models.KYCLevelNone:     {MaxOrderNotional: decimal.NewFromInt(100), MaxVolume24h: decimal.NewFromInt(500)},
			models.KYCLevelBasic:    {MaxOrderNotional: decimal.NewFromInt(1000), MaxVolume24h: decimal.NewFromInt(5000)},
			models.KYCLevelVerified: {MaxOrderNotional: decimal.NewFromInt(10000), MaxVolume24h: decimal.NewFromInt(50000)},
			models.KYCLevelEnhanced: {MaxOrderNotional: decimal.NewFromInt(50000), MaxVolume24h: decimal.NewFromInt(500000)},
		},
		FlagScore:        60,
		BlockScore:       90,
		MaxOrdersPerHour: 30,
	}
}

// Validate checks threshold consistency: all levels present, caps monotone
// non-decreasing with level, flag threshold not above block threshold.
func (c Config) Validate() error {
	levels := []string{models.KYCLevelNone, models.KYCLevelBasic, models.KYCLevelVerified, models.KYCLevelEnhanced}
	var prev *LevelLimits
	for _, level := range levels {
		limits, ok := c.LevelLimits[level]
		if !ok {
			return errors.Wrap(errors.ErrConfiguration, "risk limits missing level %q", level)
		}
		if limits.MaxOrderNotional.IsNegative() || limits.MaxVolume24h.IsNegative() {
			return errors.Wrap(errors.ErrConfiguration, "risk limits for level %q are negative", level)
		}
		if prev != nil {
			if limits.MaxOrderNotional.LessThan(prev.MaxOrderNotional) || limits.MaxVolume24h.LessThan(prev.MaxVolume24h) {
				return errors.Wrap(errors.ErrConfiguration, "risk limits not monotonic at level %q", level)
			}
		}
		l := limits
		prev = &l
	}
	if c.FlagScore > c.BlockScore {
		return errors.Wrap(errors.ErrConfiguration, "flag score %d above block score %d", c.FlagScore, c.BlockScore)
	}
	if c.MaxOrdersPerHour <= 0 {
		return errors.Wrap(errors.ErrConfiguration, "max orders per hour must be positive")
	}
	return nil
}

// Gate authorizes order intents against KYC profiles. Authorization runs
// synchronously before an order is accepted; a Deny never creates an order
// record.
type Gate struct {
	logger *zap.Logger
	db     *gorm.DB
	cfg    Config
}

// NewGate creates a risk gate. The config must already be validated.
func NewGate(logger *zap.Logger, db *gorm.DB, cfg Config) *Gate {
	return &Gate{logger: logger, db: db, cfg: cfg}
}

// Authorize decides whether the intent may proceed. Allowed (and flagged)
// intents are counted into the profile's rolling windows so subsequent checks
// see the projected volume.
func (g *Gate) Authorize(ctx context.Context, intent OrderIntent) (Verdict, error) {
	if intent.Notional.LessThanOrEqual(decimal.Zero) {
		return Verdict{}, errors.Wrap(errors.ErrInvalidInput, "order notional must be positive")
	}

	var verdict Verdict
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		profile, err := loadOrCreateProfile(tx, intent.UserID)
		if err != nil {
			return err
		}
		rollWindows(profile)

		limits := g.cfg.LevelLimits[profile.Level]
		switch {
		case intent.Notional.GreaterThan(limits.MaxOrderNotional):
			verdict = Verdict{Deny, "order value requires a higher verification level"}
		case profile.Volume24h.Add(intent.Notional).GreaterThan(limits.MaxVolume24h):
			verdict = Verdict{Deny, "24h volume cap for verification level exceeded"}
		case profile.RiskScore >= g.cfg.BlockScore:
			verdict = Verdict{Deny, "risk score above block threshold"}
		case profile.RiskScore >= g.cfg.FlagScore:
			verdict = Verdict{Flag, "risk score above review threshold"}
		case profile.OrdersInHour+1 > g.cfg.MaxOrdersPerHour:
			verdict = Verdict{Flag, "order velocity above review threshold"}
		default:
			verdict = Verdict{Decision: Allow}
		}

		if verdict.Decision == Deny {
			return nil
		}
		profile.Volume24h = profile.Volume24h.Add(intent.Notional)
		profile.OrdersInHour++
		profile.UpdatedAt = time.Now().UTC()
		return tx.Save(profile).Error
	})
	if err != nil {
		return Verdict{}, err
	}

	switch verdict.Decision {
	case Deny:
		g.logger.Info("order intent denied",
			zap.String("user_id", intent.UserID.String()),
			zap.String("pair", intent.Pair),
			zap.String("reason", verdict.Reason))
	case Flag:
		g.logger.Warn("order intent flagged for review",
			zap.String("user_id", intent.UserID.String()),
			zap.String("pair", intent.Pair),
			zap.String("notional", intent.Notional.String()),
			zap.String("reason", verdict.Reason))
	}
	return verdict, nil
}

// ReleaseIntent returns an intent's notional to the user's 24h window after a
// denied downstream step or a cancel, so rejected volume does not consume the
// cap.
func (g *Gate) ReleaseIntent(ctx context.Context, user uuid.UUID, notional decimal.Decimal) error {
	if notional.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		profile, err := loadOrCreateProfile(tx, user)
		if err != nil {
			return err
		}
		rollWindows(profile)
		profile.Volume24h = decimal.Max(decimal.Zero, profile.Volume24h.Sub(notional))
		profile.UpdatedAt = time.Now().UTC()
		return tx.Save(profile).Error
	})
}

// RecordTrade rolls a completed trade into the counterparty's profile. A
// clean completion nudges the risk score down.
func (g *Gate) RecordTrade(ctx context.Context, user uuid.UUID, notional decimal.Decimal) error {
	return g.adjustScore(ctx, user, -1)
}

// RecordDispute raises the risk score of the party a dispute was resolved
// against.
func (g *Gate) RecordDispute(ctx context.Context, user uuid.UUID) error {
	return g.adjustScore(ctx, user, 15)
}

func (g *Gate) adjustScore(ctx context.Context, user uuid.UUID, delta int) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		profile, err := loadOrCreateProfile(tx, user)
		if err != nil {
			return err
		}
		profile.RiskScore += delta
		if profile.RiskScore < 0 {
			profile.RiskScore = 0
		}
		profile.UpdatedAt = time.Now().UTC()
		return tx.Save(profile).Error
	})
}

// ApplyVerification consumes an external verification event and moves the
// user to the given level.
func (g *Gate) ApplyVerification(ctx context.Context, user uuid.UUID, level string) error {
	if models.KYCLevelRank(level) == 0 && level != models.KYCLevelNone {
		return errors.Wrap(errors.ErrInvalidInput, "unknown verification level %q", level)
	}
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		profile, err := loadOrCreateProfile(tx, user)
		if err != nil {
			return err
		}
		profile.Level = level
		profile.UpdatedAt = time.Now().UTC()
		return tx.Save(profile).Error
	})
}

// Tier returns the user's current verification level.
func (g *Gate) Tier(ctx context.Context, user uuid.UUID) (string, error) {
	profile, err := g.Profile(ctx, user)
	if err != nil {
		return "", err
	}
	return profile.Level, nil
}

// Profile returns the user's KYC profile, creating an unverified one on first
// touch.
func (g *Gate) Profile(ctx context.Context, user uuid.UUID) (*models.KYCProfile, error) {
	var profile *models.KYCProfile
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := loadOrCreateProfile(tx, user)
		if err != nil {
			return err
		}
		profile = p
		return nil
	})
	return profile, err
}

func loadOrCreateProfile(tx *gorm.DB, user uuid.UUID) (*models.KYCProfile, error) {
	var profile models.KYCProfile
	err := tx.Where("user_id = ?", user).First(&profile).Error
	if err == gorm.ErrRecordNotFound {
		now := time.Now().UTC()
		profile = models.KYCProfile{
			UserID:      user,
			Level:       models.KYCLevelNone,
			Volume24h:   decimal.Zero,
			WindowStart: now,
			HourStart:   now,
			UpdatedAt:   now,
		}
		if err := tx.Create(&profile).Error; err != nil {
			return nil, err
		}
		return &profile, nil
	}
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// rollWindows resets expired velocity windows in place.
func rollWindows(p *models.KYCProfile) {
	now := time.Now().UTC()
	if now.Sub(p.WindowStart) >= 24*time.Hour {
		p.Volume24h = decimal.Zero
		p.WindowStart = now
	}
	if now.Sub(p.HourStart) >= time.Hour {
		p.OrdersInHour = 0
		p.HourStart = now
	}
}
