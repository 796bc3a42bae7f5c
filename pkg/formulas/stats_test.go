package formulas

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMean(t *testing.T) {
	assert.Equal(t, 0.0, Mean(nil))
	assert.InDelta(t, 2.0, Mean([]float64{1, 2, 3}), 1e-12)
}

func TestStdDev(t *testing.T) {
	// Too few points
	assert.Equal(t, 0.0, StdDev([]float64{5}))

	// Sample stddev of {2, 4, 4, 4, 5, 5, 7, 9} is ~2.138
	data := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	assert.InDelta(t, 2.1381, StdDev(data), 1e-4)
}

func TestCalculateReturns(t *testing.T) {
	returns := CalculateReturns([]float64{100, 110, 99})
	require.Len(t, returns, 2)
	assert.InDelta(t, 0.10, returns[0], 1e-12)
	assert.InDelta(t, -0.10, returns[1], 1e-12)

	assert.Empty(t, CalculateReturns([]float64{100}))
}

func TestAnnualizedVolatility(t *testing.T) {
	returns := []float64{0.01, -0.02, 0.015, 0.005, -0.01}
	vol := AnnualizedVolatility(returns, 252)
	assert.Greater(t, vol, 0.0)

	// sqrt scaling: 252 periods gives sqrt(252/12) times the 12-period figure
	vol12 := AnnualizedVolatility(returns, 12)
	assert.InDelta(t, vol/vol12, 4.5826, 1e-3)
}

func TestCalculateMaxDrawdown(t *testing.T) {
	equity := []float64{100000, 105000, 102000, 98000, 95000, 102000, 110000}

	dd := CalculateMaxDrawdown(equity)
	require.NotNil(t, dd)
	assert.InDelta(t, -0.0952, *dd, 1e-4)

	assert.Nil(t, CalculateMaxDrawdown([]float64{100000}))
}

func TestCalculateDrawdownMetrics(t *testing.T) {
	equity := []float64{100, 120, 90, 110}

	m := CalculateDrawdownMetrics(equity)
	require.NotNil(t, m)
	assert.InDelta(t, -0.25, m.MaxDrawdown, 1e-12)
	assert.Equal(t, 2, m.MaxDrawdownIdx)
	assert.Equal(t, 120.0, m.PeakValue)
	assert.InDelta(t, (110.0-120.0)/120.0, m.CurrentDrawdown, 1e-12)
}

func TestCalculateSharpeRatio(t *testing.T) {
	// Constant returns have zero volatility: ratio undefined
	assert.Nil(t, CalculateSharpeRatio([]float64{0.01, 0.01, 0.01}, 0.02, 252))
	assert.Nil(t, CalculateSharpeRatio([]float64{0.01}, 0.02, 252))

	returns := []float64{0.01, -0.005, 0.02, 0.003, -0.001}
	sharpe := CalculateSharpeRatio(returns, 0.0, 252)
	require.NotNil(t, sharpe)
	assert.Greater(t, *sharpe, 0.0)
}

func TestCalculateSortinoRatio(t *testing.T) {
	// All returns above target: downside deviation undefined
	assert.Nil(t, CalculateSortinoRatio([]float64{0.01, 0.02, 0.03}, 0.0, 0.0, 252))

	returns := []float64{0.02, -0.01, 0.015, -0.02, 0.01}
	sortino := CalculateSortinoRatio(returns, 0.0, 0.0, 252)
	require.NotNil(t, sortino)
}

func TestCalculateCalmarRatio(t *testing.T) {
	assert.Nil(t, CalculateCalmarRatio(0.10, 0))

	calmar := CalculateCalmarRatio(0.10, -0.20)
	require.NotNil(t, calmar)
	assert.InDelta(t, 0.5, *calmar, 1e-12)
}

func TestPercentile(t *testing.T) {
	data := []float64{9, 1, 8, 2, 7, 3, 6, 4, 5}

	assert.InDelta(t, 5.0, Percentile(data, 50), 1e-12)
	assert.InDelta(t, 1.0, Percentile(data, 0), 1e-12)
	assert.InDelta(t, 9.0, Percentile(data, 100), 1e-12)
	assert.Equal(t, 0.0, Percentile(nil, 50))
}

func TestSkewnessAndKurtosis(t *testing.T) {
	symmetric := []float64{-2, -1, 0, 1, 2}
	assert.InDelta(t, 0.0, Skewness(symmetric), 1e-12)

	rightSkewed := []float64{1, 1, 1, 1, 10}
	assert.Greater(t, Skewness(rightSkewed), 0.0)

	assert.Equal(t, 0.0, Skewness([]float64{1, 2}))
	assert.Equal(t, 0.0, Kurtosis([]float64{1, 2, 3}))
}

func TestAnnualizedReturn(t *testing.T) {
	// 10% over a full year stays 10%
	assert.InDelta(t, 0.10, AnnualizedReturn(0.10, 365), 1e-9)

	// 10% over half a year compounds to ~21%
	assert.InDelta(t, 0.21, AnnualizedReturn(0.10, 182.5), 1e-2)

	assert.Equal(t, 0.0, AnnualizedReturn(0.10, 0))
}
