package positions

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasalgo/portfolio-engine/internal/domain"
)

func tradeTx(t *testing.T, side domain.Side, instrument, price, quantity, commission string) domain.Transaction {
	t.Helper()

	tx, err := domain.NewTransaction(
		time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC),
		side,
		instrument,
		decimal.RequireFromString(price),
		decimal.RequireFromString(quantity),
		decimal.RequireFromString(commission),
		"pf-1",
	)
	require.NoError(t, err)
	return tx
}

func TestOpen(t *testing.T) {
	t.Run("buy opens long", func(t *testing.T) {
		pos, err := Open(tradeTx(t, domain.SideBuy, "BTCUSDT", "40000", "1", "0"))
		require.NoError(t, err)

		assert.Equal(t, domain.PositionLong, pos.Side)
		assert.True(t, pos.IsOpen)
		assert.True(t, pos.BuyQuantity.Equal(decimal.NewFromInt(1)))
		assert.True(t, pos.AvgBought.Equal(decimal.NewFromInt(40000)))
		assert.True(t, pos.SellQuantity.IsZero())
		assert.NotEmpty(t, pos.ID)
	})

	t.Run("sell opens short", func(t *testing.T) {
		pos, err := Open(tradeTx(t, domain.SideSell, "ETHUSDT", "2500", "2", "0"))
		require.NoError(t, err)

		assert.Equal(t, domain.PositionShort, pos.Side)
		assert.True(t, pos.SellQuantity.Equal(decimal.NewFromInt(2)))
		assert.True(t, pos.AvgSold.Equal(decimal.NewFromInt(2500)))
	})

	t.Run("keeps pre-assigned position id", func(t *testing.T) {
		tx := tradeTx(t, domain.SideBuy, "BTCUSDT", "40000", "1", "0")
		tx.PositionID = "pos-reserved"

		pos, err := Open(tx)
		require.NoError(t, err)
		assert.Equal(t, "pos-reserved", pos.ID)
	})
}

func TestUpdate_WeightedAverage(t *testing.T) {
	pos, err := Open(tradeTx(t, domain.SideBuy, "BTCUSDT", "38000", "2", "0"))
	require.NoError(t, err)

	require.NoError(t, pos.Update(tradeTx(t, domain.SideBuy, "BTCUSDT", "40000", "1", "0")))

	// (2*38000 + 1*40000) / 3
	expected := decimal.RequireFromString("116000").DivRound(decimal.NewFromInt(3), domain.DecimalPlaces)
	assert.True(t, pos.AvgBought.Equal(expected), "avg bought %s", pos.AvgBought)
	assert.True(t, pos.BuyQuantity.Equal(decimal.NewFromInt(3)))

	avg, _ := pos.AvgBought.Float64()
	assert.InDelta(t, 38666.6667, avg, 0.001)
}

func TestNetQuantityAndAvgPrice(t *testing.T) {
	pos, err := Open(tradeTx(t, domain.SideBuy, "BTCUSDT", "40000", "3", "0"))
	require.NoError(t, err)
	require.NoError(t, pos.Update(tradeTx(t, domain.SideSell, "BTCUSDT", "41000", "1", "0")))

	assert.True(t, pos.NetQuantity().Equal(decimal.NewFromInt(2)))
	assert.True(t, pos.AvgPrice().Equal(decimal.NewFromInt(40000)))
	assert.True(t, pos.MarketValue().Equal(decimal.NewFromInt(82000)))
}

func TestRealizedPnL(t *testing.T) {
	testCases := []struct {
		name     string
		fills    []domain.Transaction
		expected string
	}{
		{
			name: "full round trip without commissions",
			fills: []domain.Transaction{
				tradeTx(t, domain.SideBuy, "BTCUSDT", "40000", "1", "0"),
				tradeTx(t, domain.SideSell, "BTCUSDT", "42000", "1", "0"),
			},
			expected: "2000",
		},
		{
			name: "commissions on both sides reduce the profit",
			fills: []domain.Transaction{
				tradeTx(t, domain.SideBuy, "BTCUSDT", "38000", "2", "100"),
				tradeTx(t, domain.SideSell, "BTCUSDT", "40000", "2", "100"),
			},
			expected: "3800",
		},
		{
			name: "partial match attributes commissions proportionally",
			fills: []domain.Transaction{
				tradeTx(t, domain.SideBuy, "BTCUSDT", "40000", "4", "40"),
				tradeTx(t, domain.SideSell, "BTCUSDT", "41000", "1", "10"),
			},
			// (41000-40000)*1 - 40*(1/4) - 10*(1/1)
			expected: "980",
		},
		{
			name: "nothing matched yet",
			fills: []domain.Transaction{
				tradeTx(t, domain.SideBuy, "BTCUSDT", "40000", "2", "50"),
			},
			expected: "0",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			pos, err := Open(tc.fills[0])
			require.NoError(t, err)
			for _, tx := range tc.fills[1:] {
				require.NoError(t, pos.Update(tx))
			}

			assert.True(t, pos.RealizedPnL().Equal(decimal.RequireFromString(tc.expected)),
				"realized %s, want %s", pos.RealizedPnL(), tc.expected)
		})
	}
}

func TestRealizedPnL_AveragedEntries(t *testing.T) {
	pos, err := Open(tradeTx(t, domain.SideBuy, "BTCUSDT", "38000", "2", "0"))
	require.NoError(t, err)
	require.NoError(t, pos.Update(tradeTx(t, domain.SideBuy, "BTCUSDT", "40000", "1", "0")))
	require.NoError(t, pos.Update(tradeTx(t, domain.SideSell, "BTCUSDT", "45000", "3", "0")))

	// (45000 - 116000/3) * 3
	realized, _ := pos.RealizedPnL().Float64()
	assert.InDelta(t, 19000.0, realized, 0.001)
	assert.True(t, pos.NetQuantity().IsZero())
}

func TestUnrealizedPnL(t *testing.T) {
	t.Run("long gains when price rises", func(t *testing.T) {
		pos, err := Open(tradeTx(t, domain.SideBuy, "BTCUSDT", "40000", "2", "0"))
		require.NoError(t, err)

		pos.MarkPrice(decimal.NewFromInt(43000), time.Now())
		assert.True(t, pos.UnrealizedPnL().Equal(decimal.NewFromInt(6000)))
	})

	t.Run("short gains when price falls", func(t *testing.T) {
		pos, err := Open(tradeTx(t, domain.SideSell, "ETHUSDT", "2500", "4", "0"))
		require.NoError(t, err)

		pos.MarkPrice(decimal.NewFromInt(2400), time.Now())
		assert.True(t, pos.UnrealizedPnL().Equal(decimal.NewFromInt(400)))
	})

	t.Run("zero with no marked price", func(t *testing.T) {
		pos := &Position{Side: domain.PositionLong}
		assert.True(t, pos.UnrealizedPnL().IsZero())
	})
}

func TestClose(t *testing.T) {
	pos, err := Open(tradeTx(t, domain.SideBuy, "BTCUSDT", "40000", "1", "0"))
	require.NoError(t, err)

	closedAt := time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)
	pos.Close(decimal.NewFromInt(42000), closedAt)

	assert.False(t, pos.IsOpen)
	require.NotNil(t, pos.ExitTime)
	assert.Equal(t, closedAt, *pos.ExitTime)
	assert.True(t, pos.CurrentPrice.Equal(decimal.NewFromInt(42000)))

	// closing again is a no-op
	pos.Close(decimal.NewFromInt(50000), time.Now())
	assert.True(t, pos.CurrentPrice.Equal(decimal.NewFromInt(42000)))
}

func TestClone_Independent(t *testing.T) {
	pos, err := Open(tradeTx(t, domain.SideBuy, "BTCUSDT", "40000", "1", "0"))
	require.NoError(t, err)
	pos.Close(decimal.NewFromInt(41000), time.Now())

	clone := pos.Clone()
	clone.CurrentPrice = decimal.NewFromInt(99999)
	*clone.ExitTime = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, pos.CurrentPrice.Equal(decimal.NewFromInt(41000)))
	assert.NotEqual(t, *pos.ExitTime, *clone.ExitTime)
}
