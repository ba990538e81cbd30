package risk

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/Neocreb/eloity-trading/common/errors"
	"github.com/Neocreb/eloity-trading/pkg/models"
)

func setupTestGate(t *testing.T) *Gate {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.KYCProfile{}))
	return NewGate(zap.NewNop(), db, DefaultConfig())
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func intent(user uuid.UUID, notional string) OrderIntent {
	return OrderIntent{UserID: user, Pair: "BTC/USDT", Side: models.OrderSideBuy, Notional: dec(notional)}
}

func TestDefaultConfigValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestAuthorizeAllowsWithinLimits(t *testing.T) {
	g := setupTestGate(t)
	v, err := g.Authorize(context.Background(), intent(uuid.New(), "50"))
	require.NoError(t, err)
	assert.Equal(t, Allow, v.Decision)
}

func TestAuthorizeDeniesNotionalAboveLevel(t *testing.T) {
	g := setupTestGate(t)
	ctx := context.Background()
	user := uuid.New()

	// Unverified cap is 100 per order.
	v, err := g.Authorize(ctx, intent(user, "150"))
	require.NoError(t, err)
	assert.Equal(t, Deny, v.Decision)
	assert.Contains(t, v.Reason, "verification")

	// A denied intent must not consume the 24h window.
	profile, err := g.Profile(ctx, user)
	require.NoError(t, err)
	assert.True(t, profile.Volume24h.IsZero())
}

func TestAuthorizeDenies24hVolumeCap(t *testing.T) {
	g := setupTestGate(t)
	ctx := context.Background()
	user := uuid.New()

	// Unverified 24h cap is 500; five orders of 100 fill it.
	for i := 0; i < 5; i++ {
		v, err := g.Authorize(ctx, intent(user, "100"))
		require.NoError(t, err)
		assert.Equal(t, Allow, v.Decision)
	}
	v, err := g.Authorize(ctx, intent(user, "100"))
	require.NoError(t, err)
	assert.Equal(t, Deny, v.Decision)
	assert.Contains(t, v.Reason, "24h volume")
}

func TestVerificationRaisesLimits(t *testing.T) {
	g := setupTestGate(t)
	ctx := context.Background()
	user := uuid.New()

	v, err := g.Authorize(ctx, intent(user, "150"))
	require.NoError(t, err)
	assert.Equal(t, Deny, v.Decision)

	require.NoError(t, g.ApplyVerification(ctx, user, models.KYCLevelBasic))

	v, err = g.Authorize(ctx, intent(user, "150"))
	require.NoError(t, err)
	assert.Equal(t, Allow, v.Decision)
}

func TestApplyVerificationRejectsUnknownLevel(t *testing.T) {
	g := setupTestGate(t)
	err := g.ApplyVerification(context.Background(), uuid.New(), "platinum")
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}

func TestRiskScoreFlagAndBlock(t *testing.T) {
	g := setupTestGate(t)
	ctx := context.Background()
	user := uuid.New()

	// Five disputes resolved against the user put the score at 75: flagged.
	for i := 0; i < 5; i++ {
		require.NoError(t, g.RecordDispute(ctx, user))
	}
	v, err := g.Authorize(ctx, intent(user, "50"))
	require.NoError(t, err)
	assert.Equal(t, Flag, v.Decision)

	// One more crosses the block threshold.
	require.NoError(t, g.RecordDispute(ctx, user))
	v, err = g.Authorize(ctx, intent(user, "50"))
	require.NoError(t, err)
	assert.Equal(t, Deny, v.Decision)
	assert.Contains(t, v.Reason, "risk score")
}

func TestCleanTradesLowerScore(t *testing.T) {
	g := setupTestGate(t)
	ctx := context.Background()
	user := uuid.New()

	require.NoError(t, g.RecordDispute(ctx, user))
	for i := 0; i < 20; i++ {
		require.NoError(t, g.RecordTrade(ctx, user, dec("10")))
	}
	profile, err := g.Profile(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 0, profile.RiskScore)
}

func TestVelocityFlag(t *testing.T) {
	g := setupTestGate(t)
	g.cfg.MaxOrdersPerHour = 3
	ctx := context.Background()
	user := uuid.New()

	for i := 0; i < 3; i++ {
		v, err := g.Authorize(ctx, intent(user, "10"))
		require.NoError(t, err)
		assert.Equal(t, Allow, v.Decision)
	}
	v, err := g.Authorize(ctx, intent(user, "10"))
	require.NoError(t, err)
	assert.Equal(t, Flag, v.Decision)
	assert.Contains(t, v.Reason, "velocity")
}

func TestReleaseIntentRefundsWindow(t *testing.T) {
	g := setupTestGate(t)
	ctx := context.Background()
	user := uuid.New()

	for i := 0; i < 5; i++ {
		_, err := g.Authorize(ctx, intent(user, "100"))
		require.NoError(t, err)
	}
	require.NoError(t, g.ReleaseIntent(ctx, user, dec("100")))

	v, err := g.Authorize(ctx, intent(user, "100"))
	require.NoError(t, err)
	assert.Equal(t, Allow, v.Decision)
}

func TestAuthorizeRejectsNonPositiveNotional(t *testing.T) {
	g := setupTestGate(t)
	_, err := g.Authorize(context.Background(), intent(uuid.New(), "0"))
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}

func TestConfigValidation(t *testing.T) {
	c := DefaultConfig()
	delete(c.LevelLimits, models.KYCLevelVerified)
	assert.True(t, errors.Is(c.Validate(), errors.ErrConfiguration))

	c = DefaultConfig()
	c.LevelLimits[models.KYCLevelEnhanced] = LevelLimits{
		MaxOrderNotional: dec("1"), MaxVolume24h: dec("1"),
	}
	assert.True(t, errors.Is(c.Validate(), errors.ErrConfiguration))

	c = DefaultConfig()
	c.FlagScore = 95
	assert.True(t, errors.Is(c.Validate(), errors.ErrConfiguration))
}
