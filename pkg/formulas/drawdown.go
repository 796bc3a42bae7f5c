package formulas

// DrawdownMetrics represents drawdown analysis over an equity series.
// Drawdowns are signed: -0.25 means 25% below the running peak.
type DrawdownMetrics struct {
	MaxDrawdown     float64 `json:"max_drawdown"`     // Most negative drawdown observed
	MaxDrawdownIdx  int     `json:"max_drawdown_idx"` // Index of the trough in the series
	CurrentDrawdown float64 `json:"current_drawdown"` // Drawdown of the final point from peak
	PeakValue       float64 `json:"peak_value"`       // Highest value observed
	CurrentValue    float64 `json:"current_value"`    // Final value in the series
}

// CalculateMaxDrawdown calculates the maximum (most negative) drawdown
// from an equity series.
//
// Drawdown Formula:
//
//	Drawdown[i] = (Value[i] - Running Peak) / Running Peak
//
// Returns the minimum drawdown (e.g. -0.0952 for a 9.52% decline from
// peak) or nil if the series is too short.
func CalculateMaxDrawdown(values []float64) *float64 {
	m := CalculateDrawdownMetrics(values)
	if m == nil {
		return nil
	}
	return &m.MaxDrawdown
}

// CalculateDrawdownMetrics walks the series once, tracking the running
// peak and the deepest trough below it.
func CalculateDrawdownMetrics(values []float64) *DrawdownMetrics {
	if len(values) < 2 {
		return nil
	}

	maxDrawdown := 0.0
	maxDrawdownIdx := 0
	peak := values[0]
	currentValue := values[len(values)-1]

	for i, value := range values {
		if value > peak {
			peak = value
		}

		if peak > 0 {
			drawdown := (value - peak) / peak
			if drawdown < maxDrawdown {
				maxDrawdown = drawdown
				maxDrawdownIdx = i
			}
		}
	}

	currentDrawdown := 0.0
	if peak > 0 {
		currentDrawdown = (currentValue - peak) / peak
	}

	return &DrawdownMetrics{
		MaxDrawdown:     maxDrawdown,
		MaxDrawdownIdx:  maxDrawdownIdx,
		CurrentDrawdown: currentDrawdown,
		PeakValue:       peak,
		CurrentValue:    currentValue,
	}
}
