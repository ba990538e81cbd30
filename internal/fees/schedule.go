// Package fees computes trade fees as a pure step function of notional,
// asset, and the user's verification tier.
package fees

import (
	"github.com/shopspring/decimal"

	"github.com/Neocreb/eloity-trading/common/errors"
	"github.com/Neocreb/eloity-trading/pkg/models"
)

// TierRates holds maker/taker fee percentages for one verification tier,
// expressed as fractions (0.002 = 0.2%).
type TierRates struct {
	Maker decimal.Decimal `mapstructure:"maker" yaml:"maker"`
	Taker decimal.Decimal `mapstructure:"taker" yaml:"taker"`
}

// Schedule maps verification tiers to fee rates, with optional per-asset
// overrides. Higher tiers pay lower or equal percentages; Validate enforces
// this at startup.
type Schedule struct {
	Tiers          map[string]TierRates            `mapstructure:"tiers" yaml:"tiers"`
	AssetOverrides map[string]map[string]TierRates `mapstructure:"asset_overrides" yaml:"asset_overrides"`
}

// tierOrder lists tiers from lowest to highest verification level.
var tierOrder = []string{
	models.KYCLevelNone,
	models.KYCLevelBasic,
	models.KYCLevelVerified,
	models.KYCLevelEnhanced,
}

// DefaultSchedule returns the fee schedule used when none is configured.
func DefaultSchedule() Schedule {
	return Schedule{
		Tiers: map[string]TierRates{
			models.KYCLevelNone:     {Maker: decimal.NewFromFloat(0.004), Taker: decimal.NewFromFloat(0.006)},
			models.KYCLevelBasic:    {Maker: decimal.NewFromFloat(0.002), Taker: decimal.NewFromFloat(0.004)},
			models.KYCLevelVerified: {Maker: decimal.NewFromFloat(0.001), Taker: decimal.NewFromFloat(0.002)},
			models.KYCLevelEnhanced: {Maker: decimal.NewFromFloat(0.0005), Taker: decimal.NewFromFloat(0.001)},
		},
	}
}

// Validate checks the schedule is complete and monotonic: every tier must be
// present, rates must be non-negative, and a higher tier may not pay a higher
// percentage than a lower one. Violations are fatal at startup.
func (s Schedule) Validate() error {
	var prev *TierRates
	for _, tier := range tierOrder {
		rates, ok := s.Tiers[tier]
		if !ok {
			return errors.Wrap(errors.ErrConfiguration, "fee schedule missing tier %q", tier)
		}
		if rates.Maker.IsNegative() || rates.Taker.IsNegative() {
			return errors.Wrap(errors.ErrConfiguration, "fee schedule tier %q has negative rate", tier)
		}
		if prev != nil {
			if rates.Maker.GreaterThan(prev.Maker) || rates.Taker.GreaterThan(prev.Taker) {
				return errors.Wrap(errors.ErrConfiguration, "fee schedule not monotonic at tier %q", tier)
			}
		}
		r := rates
		prev = &r
	}
	for asset, tiers := range s.AssetOverrides {
		for tier, rates := range tiers {
			if models.KYCLevelRank(tier) == 0 && tier != models.KYCLevelNone {
				return errors.Wrap(errors.ErrConfiguration, "fee override for asset %q names unknown tier %q", asset, tier)
			}
			if rates.Maker.IsNegative() || rates.Taker.IsNegative() {
				return errors.Wrap(errors.ErrConfiguration, "fee override for asset %q tier %q has negative rate", asset, tier)
			}
		}
	}
	return nil
}

// rates resolves the effective rates for (asset, tier), falling back from
// asset overrides to the base schedule, and from unknown tiers to "none".
func (s Schedule) rates(asset, tier string) TierRates {
	if overrides, ok := s.AssetOverrides[asset]; ok {
		if r, ok := overrides[tier]; ok {
			return r
		}
	}
	if r, ok := s.Tiers[tier]; ok {
		return r
	}
	return s.Tiers[models.KYCLevelNone]
}

// Rate returns the fee fraction for (asset, tier, maker).
func (s Schedule) Rate(asset, tier string, maker bool) decimal.Decimal {
	r := s.rates(asset, tier)
	if maker {
		return r.Maker
	}
	return r.Taker
}

// Fee computes the fee amount on a trade notional. Deterministic, no side
// effects; the only failure mode is a non-positive notional.
func (s Schedule) Fee(notional decimal.Decimal, asset, tier string, maker bool) (decimal.Decimal, error) {
	if notional.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, errors.Wrap(errors.ErrInvalidInput, "fee notional must be positive, got %s", notional)
	}
	return notional.Mul(s.Rate(asset, tier, maker)), nil
}
