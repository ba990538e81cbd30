package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Neocreb/eloity-trading/common/errors"
	"github.com/Neocreb/eloity-trading/pkg/models"
)

const minimalYAML = `
database:
  dsn: "host=localhost user=eloity dbname=eloity"
server:
  jwt_secret: "test-secret"
platform_fee_account: "5b8ff2f1-9ddc-47ec-b58e-2c5066baed4a"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMinimal(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 24*time.Hour, cfg.Escrow.AutoReleaseAfter)
	assert.NotEqual(t, "00000000-0000-0000-0000-000000000000", cfg.FeeAccountID().String())

	// Defaults kick in for the schedules.
	require.NoError(t, cfg.Fees.Validate())
	require.NoError(t, cfg.Risk.Validate())
	_, ok := cfg.Risk.LevelLimits[models.KYCLevelEnhanced]
	assert.True(t, ok)
}

func TestLoadMissingDSN(t *testing.T) {
	_, err := Load(writeConfig(t, `
server:
  jwt_secret: "s"
platform_fee_account: "5b8ff2f1-9ddc-47ec-b58e-2c5066baed4a"
`))
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
}

func TestLoadRejectsBadFeeAccount(t *testing.T) {
	_, err := Load(writeConfig(t, `
database:
  dsn: "x"
server:
  jwt_secret: "s"
platform_fee_account: "not-a-uuid"
`))
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
}

func TestLoadRejectsInconsistentFees(t *testing.T) {
	_, err := Load(writeConfig(t, minimalYAML+`
fees:
  tiers:
    none: { maker: "0.004", taker: "0.006" }
    basic: { maker: "0.002", taker: "0.004" }
    verified: { maker: "0.001", taker: "0.002" }
    enhanced: { maker: "0.005", taker: "0.001" }
`))
	assert.True(t, errors.Is(err, errors.ErrConfiguration), "non-monotonic tiers must be fatal")
}

func TestLoadKafkaNeedsBrokers(t *testing.T) {
	_, err := Load(writeConfig(t, minimalYAML+`
kafka:
  enabled: true
`))
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("ELOITY_SERVER_ADDR", ":9999")
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)
}
