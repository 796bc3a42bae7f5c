// Package metrics turns the snapshot history of a portfolio into
// performance, drawdown and return-distribution analytics.
package metrics

import (
	"fmt"
	"strings"
	"time"
)

// Period selects the lookback window for performance analytics
type Period string

const (
	PeriodDaily     Period = "DAILY"
	PeriodWeekly    Period = "WEEKLY"
	PeriodMonthly   Period = "MONTHLY"
	PeriodQuarterly Period = "QUARTERLY"
	PeriodYearly    Period = "YEARLY"
	PeriodAllTime   Period = "ALL_TIME"
)

// PeriodFromString parses a period name case-insensitively
func PeriodFromString(value string) (Period, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "DAILY":
		return PeriodDaily, nil
	case "WEEKLY":
		return PeriodWeekly, nil
	case "MONTHLY":
		return PeriodMonthly, nil
	case "QUARTERLY":
		return PeriodQuarterly, nil
	case "YEARLY":
		return PeriodYearly, nil
	case "ALL_TIME", "ALLTIME", "ALL":
		return PeriodAllTime, nil
	default:
		return "", fmt.Errorf("unrecognized period %q", value)
	}
}

// IsValid reports whether the period is one of the defined windows
func (p Period) IsValid() bool {
	switch p {
	case PeriodDaily, PeriodWeekly, PeriodMonthly, PeriodQuarterly, PeriodYearly, PeriodAllTime:
		return true
	}
	return false
}

// Start resolves the window start for an end date. ALL_TIME returns
// the zero time; the caller substitutes the first snapshot's
// timestamp.
func (p Period) Start(end time.Time) time.Time {
	switch p {
	case PeriodDaily:
		return end.AddDate(0, 0, -1)
	case PeriodWeekly:
		return end.AddDate(0, 0, -7)
	case PeriodMonthly:
		return end.AddDate(0, 0, -30)
	case PeriodQuarterly:
		return end.AddDate(0, 0, -90)
	case PeriodYearly:
		return end.AddDate(0, 0, -365)
	default:
		return time.Time{}
	}
}

// PerformanceMetrics summarizes a window of the snapshot history.
// Values are float64: this is the analytics boundary where exact
// decimals hand over to statistics.
type PerformanceMetrics struct {
	Period           Period    `json:"period"`
	StartDate        time.Time `json:"start_date"`
	EndDate          time.Time `json:"end_date"`
	StartEquity      float64   `json:"start_equity"`
	EndEquity        float64   `json:"end_equity"`
	TotalReturn      float64   `json:"total_return"` // percent over the window
	AnnualizedReturn *float64  `json:"annualized_return,omitempty"`
	Volatility       float64   `json:"volatility"` // annualized
	SharpeRatio      *float64  `json:"sharpe_ratio,omitempty"`
	SortinoRatio     *float64  `json:"sortino_ratio,omitempty"`
	MaxDrawdown      *float64  `json:"max_drawdown,omitempty"` // signed, -0.10 = -10%
	CalmarRatio      *float64  `json:"calmar_ratio,omitempty"`
	SnapshotCount    int       `json:"snapshot_count"`
}

// DrawdownReport locates the deepest equity decline in the snapshot
// history: the extremum of (value - running_max) / running_max plus
// the contiguous underwater run around it.
type DrawdownReport struct {
	MaxDrawdown     float64   `json:"max_drawdown"` // signed fraction
	MaxDrawdownDate time.Time `json:"max_drawdown_date"`
	DrawdownStart   time.Time `json:"drawdown_start"` // first underwater snapshot of the run
	DrawdownEnd     time.Time `json:"drawdown_end"`   // last underwater snapshot of the run
	DurationDays    float64   `json:"duration_days"`
	CurrentDrawdown float64   `json:"current_drawdown"`
	PeakEquity      float64   `json:"peak_equity"`
	CurrentEquity   float64   `json:"current_equity"`
	SnapshotCount   int       `json:"snapshot_count"`
}

// DistributionReport describes the shape of rolling period returns
type DistributionReport struct {
	PeriodDays    int                `json:"period_days"`
	SampleCount   int                `json:"sample_count"`
	Mean          float64            `json:"mean"`
	StdDev        float64            `json:"std_dev"`
	Skewness      float64            `json:"skewness"`
	Kurtosis      float64            `json:"kurtosis"`
	Percentiles   map[string]float64 `json:"percentiles"` // p05, p25, p50, p75, p95
	WinRate       float64            `json:"win_rate"`    // percent of positive returns
	BestReturn    float64            `json:"best_return"`
	WorstReturn   float64            `json:"worst_return"`
	SnapshotCount int                `json:"snapshot_count"`
}
