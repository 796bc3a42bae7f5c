package formulas

import (
	"math"
)

// CalculateSharpeRatio calculates the annualized Sharpe Ratio.
//
// Sharpe Ratio Formula:
//
//	Sharpe = (Mean Periodic Return - Periodic Risk-free Rate) / StdDev of Returns
//	Annualized: Sharpe × sqrt(periods per year)
//
// Args:
//
//	returns: Array of periodic returns (daily, monthly, etc.)
//	riskFreeRate: Risk-free rate (annual, as decimal, e.g., 0.02 for 2%)
//	periodsPerYear: Number of periods per year (252 for daily, 12 for monthly)
//
// Returns:
//
//	Sharpe ratio or nil if there is insufficient data or zero volatility
func CalculateSharpeRatio(returns []float64, riskFreeRate float64, periodsPerYear int) *float64 {
	if len(returns) < 2 || periodsPerYear <= 0 {
		return nil
	}

	meanReturn := Mean(returns)

	stdDev := StdDev(returns)
	if stdDev == 0 {
		return nil
	}

	periodicRiskFree := riskFreeRate / float64(periodsPerYear)

	sharpe := (meanReturn - periodicRiskFree) / stdDev
	annualized := sharpe * math.Sqrt(float64(periodsPerYear))

	return &annualized
}

// CalculateSortinoRatio calculates the annualized Sortino Ratio, the
// downside-deviation version of Sharpe. Only returns below the target
// (MAR) contribute to the deviation.
//
// Sortino Formula:
//
//	Sortino = (Mean Periodic Return - Periodic Risk-free Rate) / Downside Deviation
//	Downside Deviation = sqrt(mean of squared deviations below MAR)
func CalculateSortinoRatio(returns []float64, riskFreeRate float64, targetReturn float64, periodsPerYear int) *float64 {
	if len(returns) < 2 || periodsPerYear <= 0 {
		return nil
	}

	meanReturn := Mean(returns)
	periodicMAR := targetReturn / float64(periodsPerYear)

	var downsideSquaredSum float64
	downsideCount := 0

	for _, ret := range returns {
		if ret < periodicMAR {
			deviation := ret - periodicMAR
			downsideSquaredSum += deviation * deviation
			downsideCount++
		}
	}

	if downsideCount == 0 {
		// No observations below MAR; the ratio is undefined
		return nil
	}

	downsideDeviation := math.Sqrt(downsideSquaredSum / float64(downsideCount))
	if downsideDeviation == 0 {
		return nil
	}

	periodicRiskFree := riskFreeRate / float64(periodsPerYear)

	sortino := (meanReturn - periodicRiskFree) / downsideDeviation
	annualized := sortino * math.Sqrt(float64(periodsPerYear))

	return &annualized
}

// CalculateCalmarRatio calculates the Calmar Ratio: annualized return
// over the magnitude of the maximum drawdown. maxDrawdown may be given
// signed (negative) or as a magnitude.
func CalculateCalmarRatio(annualizedReturn float64, maxDrawdown float64) *float64 {
	dd := math.Abs(maxDrawdown)
	if dd == 0 {
		return nil
	}

	calmar := annualizedReturn / dd
	return &calmar
}
