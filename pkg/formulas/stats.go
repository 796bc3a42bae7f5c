package formulas

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Mean calculates the arithmetic mean of a slice of float64 values
func Mean(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.Mean(data, nil)
}

// StdDev calculates the sample standard deviation of a slice of float64 values
func StdDev(data []float64) float64 {
	if len(data) < 2 {
		return 0
	}
	return stat.StdDev(data, nil)
}

// Variance calculates the sample variance of a slice of float64 values
func Variance(data []float64) float64 {
	if len(data) < 2 {
		return 0
	}
	return stat.Variance(data, nil)
}

// Skewness calculates the sample skewness of a distribution of returns.
// Degenerate (zero-variance) distributions report 0.
func Skewness(data []float64) float64 {
	if len(data) < 3 {
		return 0
	}
	skew := stat.Skew(data, nil)
	if math.IsNaN(skew) || math.IsInf(skew, 0) {
		return 0
	}
	return skew
}

// Kurtosis calculates the excess kurtosis of a distribution of returns
// (0 for a normal distribution, positive for fat tails). Degenerate
// distributions report 0.
func Kurtosis(data []float64) float64 {
	if len(data) < 4 {
		return 0
	}
	kurt := stat.ExKurtosis(data, nil)
	if math.IsNaN(kurt) || math.IsInf(kurt, 0) {
		return 0
	}
	return kurt
}

// Percentile returns the p-th percentile (p in [0, 100]) of the data
// using the empirical quantile on a sorted copy
func Percentile(data []float64, p float64) float64 {
	if len(data) == 0 {
		return 0
	}

	sorted := make([]float64, len(data))
	copy(sorted, data)
	sort.Float64s(sorted)

	return stat.Quantile(p/100, stat.Empirical, sorted, nil)
}

// CalculateReturns converts a value series to period-over-period returns
// Returns[i] = (Value[i] - Value[i-1]) / Value[i-1]
func CalculateReturns(values []float64) []float64 {
	if len(values) < 2 {
		return []float64{}
	}

	returns := make([]float64, len(values)-1)
	for i := 1; i < len(values); i++ {
		if values[i-1] != 0 {
			returns[i-1] = (values[i] - values[i-1]) / values[i-1]
		}
	}

	return returns
}

// AnnualizedVolatility calculates annualized volatility from periodic returns
// Formula: StdDev of Returns × sqrt(periods per year)
func AnnualizedVolatility(returns []float64, periodsPerYear int) float64 {
	if len(returns) < 2 || periodsPerYear <= 0 {
		return 0
	}

	return StdDev(returns) * math.Sqrt(float64(periodsPerYear))
}

// AnnualizedReturn converts a total return over a number of days into a
// compound annual rate. totalReturn is fractional (0.10 = 10%).
func AnnualizedReturn(totalReturn float64, days float64) float64 {
	if days <= 0 {
		return 0
	}
	if totalReturn <= -1 {
		return -1
	}

	return math.Pow(1+totalReturn, 365/days) - 1
}
