package fees

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Neocreb/eloity-trading/common/errors"
	"github.com/Neocreb/eloity-trading/pkg/models"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestDefaultScheduleValid(t *testing.T) {
	require.NoError(t, DefaultSchedule().Validate())
}

func TestFeeComputation(t *testing.T) {
	s := DefaultSchedule()

	tests := []struct {
		name     string
		notional string
		tier     string
		maker    bool
		want     string
	}{
		{"none taker", "1000", models.KYCLevelNone, false, "6"},
		{"none maker", "1000", models.KYCLevelNone, true, "4"},
		{"basic taker", "1000", models.KYCLevelBasic, false, "4"},
		{"verified maker", "1000", models.KYCLevelVerified, true, "1"},
		{"enhanced taker", "1000", models.KYCLevelEnhanced, false, "1"},
		{"unknown tier falls back to none", "1000", "vip", false, "6"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fee, err := s.Fee(dec(tt.notional), "USDT", tt.tier, tt.maker)
			require.NoError(t, err)
			assert.True(t, fee.Equal(dec(tt.want)), "got %s want %s", fee, tt.want)
		})
	}
}

func TestFeeInvalidNotional(t *testing.T) {
	s := DefaultSchedule()
	_, err := s.Fee(decimal.Zero, "USDT", models.KYCLevelBasic, false)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
	_, err = s.Fee(dec("-5"), "USDT", models.KYCLevelBasic, false)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}

func TestValidateRejectsMissingTier(t *testing.T) {
	s := DefaultSchedule()
	delete(s.Tiers, models.KYCLevelVerified)
	err := s.Validate()
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
}

func TestValidateRejectsNonMonotonicTiers(t *testing.T) {
	s := DefaultSchedule()
	s.Tiers[models.KYCLevelEnhanced] = TierRates{
		Maker: dec("0.01"), // higher than verified
		Taker: dec("0.001"),
	}
	err := s.Validate()
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
}

func TestValidateRejectsNegativeRate(t *testing.T) {
	s := DefaultSchedule()
	s.Tiers[models.KYCLevelNone] = TierRates{Maker: dec("-0.001"), Taker: dec("0.006")}
	err := s.Validate()
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
}

func TestAssetOverride(t *testing.T) {
	s := DefaultSchedule()
	s.AssetOverrides = map[string]map[string]TierRates{
		"USDT": {models.KYCLevelBasic: {Maker: dec("0.001"), Taker: dec("0.001")}},
	}
	require.NoError(t, s.Validate())

	fee, err := s.Fee(dec("1000"), "USDT", models.KYCLevelBasic, false)
	require.NoError(t, err)
	assert.True(t, fee.Equal(dec("1")))

	// Other assets keep the base schedule.
	fee, err = s.Fee(dec("1000"), "EUR", models.KYCLevelBasic, false)
	require.NoError(t, err)
	assert.True(t, fee.Equal(dec("4")))
}
