package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENGINE_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8090, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.DefaultInitialCash.Equal(decimal.NewFromInt(100000)))
	assert.Equal(t, 50, cfg.Positions.MaxOpenPositions)
	assert.Equal(t, 10000, cfg.Metrics.MaxSnapshots)
	assert.Equal(t, 252, cfg.Metrics.PeriodsPerYear)
	assert.Equal(t, 60*time.Second, cfg.Metrics.CacheTTL)
	assert.False(t, cfg.Backup.Enabled)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ENGINE_DATA_DIR", t.TempDir())
	t.Setenv("PORT", "9001")
	t.Setenv("DEFAULT_INITIAL_CASH", "250000.50")
	t.Setenv("POSITION_CLOSE_TOLERANCE", "0.0001")
	t.Setenv("METRICS_RISK_FREE_RATE", "0.035")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9001, cfg.Port)
	assert.True(t, cfg.DefaultInitialCash.Equal(decimal.RequireFromString("250000.50")))
	assert.True(t, cfg.Positions.CloseTolerance.Equal(decimal.RequireFromString("0.0001")))
	assert.InDelta(t, 0.035, cfg.Metrics.RiskFreeRate, 1e-12)
}

func TestLoad_InvalidDecimalFallsBack(t *testing.T) {
	t.Setenv("ENGINE_DATA_DIR", t.TempDir())
	t.Setenv("TX_MIN_AMOUNT", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.Transactions.MinAmount.Equal(decimal.NewFromInt(1)))
}

func TestValidate_Rejections(t *testing.T) {
	t.Setenv("ENGINE_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	cfg.Transactions.MinAmount = decimal.NewFromInt(100)
	cfg.Transactions.MaxAmount = decimal.NewFromInt(10)
	assert.Error(t, cfg.Validate())

	cfg, err = Load()
	require.NoError(t, err)
	cfg.Backup.Enabled = true
	cfg.Backup.Bucket = ""
	assert.Error(t, cfg.Validate())

	cfg, err = Load()
	require.NoError(t, err)
	cfg.Metrics.MaxSnapshots = 1
	assert.Error(t, cfg.Validate())
}
