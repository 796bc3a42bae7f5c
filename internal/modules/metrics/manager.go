package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/atlasalgo/portfolio-engine/internal/config"
	"github.com/atlasalgo/portfolio-engine/internal/domain"
	"github.com/atlasalgo/portfolio-engine/internal/events"
	"github.com/atlasalgo/portfolio-engine/pkg/formulas"
)

// SnapshotStore persists recorded snapshots. Best-effort: a failed
// write is logged, never unwound.
type SnapshotStore interface {
	SaveSnapshot(portfolioID string, snap domain.PortfolioSnapshot) error
}

// Manager maintains the bounded snapshot history of one portfolio and
// computes analytics over it. Live totals are read through the
// PortfolioReader interface; the manager never reaches into portfolio
// internals.
//
// Exported operations take the manager mutex; unexported helpers
// assume the caller holds it. Performance windows are memoized with a
// TTL and invalidated whenever a snapshot lands.
type Manager struct {
	mu sync.Mutex

	reader    domain.PortfolioReader
	cfg       config.MetricsConfig
	snapshots []domain.PortfolioSnapshot
	cache     *metricsCache

	store    SnapshotStore
	eventBus *events.Bus
	log      zerolog.Logger
}

// NewManager creates a metrics manager reading live totals from the
// given portfolio. store and eventBus may be nil.
func NewManager(reader domain.PortfolioReader, cfg config.MetricsConfig, store SnapshotStore, eventBus *events.Bus, log zerolog.Logger) *Manager {
	return &Manager{
		reader:   reader,
		cfg:      cfg,
		cache:    newMetricsCache(cfg.CacheTTL),
		store:    store,
		eventBus: eventBus,
		log:      log.With().Str("service", "metrics").Str("portfolio_id", reader.PortfolioID()).Logger(),
	}
}

// CurrentMetrics computes a live snapshot without recording it
func (m *Manager) CurrentMetrics() domain.PortfolioSnapshot {
	return m.buildSnapshot(time.Now())
}

// RecordSnapshot appends a snapshot of the portfolio's current state
// to the bounded history. A zero timestamp means now. Recording
// invalidates the performance cache.
func (m *Manager) RecordSnapshot(at time.Time) domain.PortfolioSnapshot {
	if at.IsZero() {
		at = time.Now()
	}

	snap := m.buildSnapshot(at)

	m.mu.Lock()
	if m.cfg.MaxSnapshots > 0 && len(m.snapshots) >= m.cfg.MaxSnapshots {
		m.snapshots = m.snapshots[1:]
	}
	m.snapshots = append(m.snapshots, snap)
	m.cache.invalidate()
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.SaveSnapshot(m.reader.PortfolioID(), snap); err != nil {
			m.log.Warn().
				Err(err).
				Time("timestamp", snap.Timestamp).
				Msg("Snapshot recorded but failed to persist")
		}
	}

	if m.eventBus != nil {
		m.eventBus.PublishData("metrics", &events.SnapshotRecordedData{
			PortfolioID: m.reader.PortfolioID(),
			Timestamp:   snap.Timestamp,
			TotalEquity: snap.TotalEquity.String(),
			Return:      snap.PortfolioReturn.String(),
		})
	}

	return snap
}

// buildSnapshot assembles a snapshot from the live reader. Lock-free:
// the reader serializes its own state.
func (m *Manager) buildSnapshot(at time.Time) domain.PortfolioSnapshot {
	equity := m.reader.Equity()
	initial := m.reader.InitialEquity()

	ret := decimal.Zero
	if initial.IsPositive() {
		ret = equity.Sub(initial).DivRound(initial, domain.DecimalPlaces).Mul(decimal.NewFromInt(100))
	}

	unrealized := m.reader.UnrealizedPnL()
	realized := m.reader.RealizedPnL()

	return domain.PortfolioSnapshot{
		Timestamp:          at,
		TotalEquity:        equity,
		CashBalance:        m.reader.Cash(),
		PositionsValue:     m.reader.PositionsValue(),
		UnrealizedPnL:      unrealized,
		RealizedPnL:        realized,
		TotalPnL:           unrealized.Add(realized),
		OpenPositionsCount: m.reader.OpenPositionCount(),
		PortfolioReturn:    ret,
	}
}

// Snapshots returns the recorded history oldest first. A positive
// limit returns only the newest entries.
func (m *Manager) Snapshots(limit int) []domain.PortfolioSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := 0
	if limit > 0 && len(m.snapshots) > limit {
		start = len(m.snapshots) - limit
	}

	out := make([]domain.PortfolioSnapshot, len(m.snapshots)-start)
	copy(out, m.snapshots[start:])
	return out
}

// SnapshotCount returns the number of recorded snapshots
func (m *Manager) SnapshotCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.snapshots)
}

// Performance computes analytics over the window the period resolves
// against endDate (zero means now). Returns nil without error when the
// window holds fewer than two snapshots.
func (m *Manager) Performance(period Period, endDate time.Time) (*PerformanceMetrics, error) {
	if !period.IsValid() {
		return nil, &domain.ValidationError{Field: "period", Reason: fmt.Sprintf("unrecognized period %q", string(period))}
	}
	if endDate.IsZero() {
		endDate = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	key := cacheKey(period, endDate)
	if cached, ok := m.cache.get(key, now); ok {
		return &cached, nil
	}

	window := m.window(period.Start(endDate), endDate)
	if len(window) < 2 {
		return nil, nil
	}

	perf := m.computePerformance(period, window)
	m.cache.put(key, perf, now)

	return &perf, nil
}

// window selects snapshots within [start, end]. A zero start means
// from the first snapshot. Caller must hold the lock.
func (m *Manager) window(start, end time.Time) []domain.PortfolioSnapshot {
	var out []domain.PortfolioSnapshot
	for _, snap := range m.snapshots {
		if !start.IsZero() && snap.Timestamp.Before(start) {
			continue
		}
		if snap.Timestamp.After(end) {
			continue
		}
		out = append(out, snap)
	}
	return out
}

// computePerformance runs the statistics over a snapshot window.
// Caller must hold the lock.
func (m *Manager) computePerformance(period Period, window []domain.PortfolioSnapshot) PerformanceMetrics {
	equities := equitySeries(window)
	returns := formulas.CalculateReturns(equities)

	first := window[0]
	last := window[len(window)-1]

	perf := PerformanceMetrics{
		Period:        period,
		StartDate:     first.Timestamp,
		EndDate:       last.Timestamp,
		StartEquity:   equities[0],
		EndEquity:     equities[len(equities)-1],
		Volatility:    formulas.AnnualizedVolatility(returns, m.cfg.PeriodsPerYear),
		SharpeRatio:   formulas.CalculateSharpeRatio(returns, m.cfg.RiskFreeRate, m.cfg.PeriodsPerYear),
		SortinoRatio:  formulas.CalculateSortinoRatio(returns, m.cfg.RiskFreeRate, 0, m.cfg.PeriodsPerYear),
		MaxDrawdown:   formulas.CalculateMaxDrawdown(equities),
		SnapshotCount: len(window),
	}

	if equities[0] != 0 {
		totalReturn := (perf.EndEquity - perf.StartEquity) / perf.StartEquity
		perf.TotalReturn = totalReturn * 100

		if days := last.Timestamp.Sub(first.Timestamp).Hours() / 24; days >= 1 {
			annualized := formulas.AnnualizedReturn(totalReturn, days)
			perf.AnnualizedReturn = &annualized
			if perf.MaxDrawdown != nil {
				perf.CalmarRatio = formulas.CalculateCalmarRatio(annualized, *perf.MaxDrawdown)
			}
		}
	}

	return perf
}

// DrawdownAnalysis locates the deepest decline over the history from
// startDate (zero means the whole history) and walks the contiguous
// underwater run around it in both directions.
func (m *Manager) DrawdownAnalysis(startDate time.Time) (*DrawdownReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	window := m.window(startDate, time.Now())
	if len(window) < 2 {
		return nil, fmt.Errorf("drawdown analysis needs at least 2 snapshots, have %d: %w", len(window), domain.ErrInsufficientData)
	}

	equities := equitySeries(window)
	dd := formulas.CalculateDrawdownMetrics(equities)

	// per-point drawdown against the running max
	drawdowns := make([]float64, len(equities))
	peak := equities[0]
	for i, v := range equities {
		if v > peak {
			peak = v
		}
		if peak != 0 {
			drawdowns[i] = (v - peak) / peak
		}
	}

	runStart := dd.MaxDrawdownIdx
	for runStart > 0 && drawdowns[runStart-1] < 0 {
		runStart--
	}
	runEnd := dd.MaxDrawdownIdx
	for runEnd < len(drawdowns)-1 && drawdowns[runEnd+1] < 0 {
		runEnd++
	}

	return &DrawdownReport{
		MaxDrawdown:     dd.MaxDrawdown,
		MaxDrawdownDate: window[dd.MaxDrawdownIdx].Timestamp,
		DrawdownStart:   window[runStart].Timestamp,
		DrawdownEnd:     window[runEnd].Timestamp,
		DurationDays:    window[runEnd].Timestamp.Sub(window[runStart].Timestamp).Hours() / 24,
		CurrentDrawdown: dd.CurrentDrawdown,
		PeakEquity:      dd.PeakValue,
		CurrentEquity:   dd.CurrentValue,
		SnapshotCount:   len(window),
	}, nil
}

// ReturnDistribution computes the shape of rolling returns over
// periodDays windows across the whole snapshot history.
func (m *Manager) ReturnDistribution(periodDays int) (*DistributionReport, error) {
	if periodDays <= 0 {
		return nil, &domain.ValidationError{Field: "period_days", Reason: "must be positive"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	returns := m.rollingReturns(periodDays)
	if len(returns) < 2 {
		return nil, fmt.Errorf("return distribution needs at least 2 samples, have %d: %w", len(returns), domain.ErrInsufficientData)
	}

	wins := 0
	best, worst := returns[0], returns[0]
	for _, r := range returns {
		if r > 0 {
			wins++
		}
		if r > best {
			best = r
		}
		if r < worst {
			worst = r
		}
	}

	return &DistributionReport{
		PeriodDays:  periodDays,
		SampleCount: len(returns),
		Mean:        formulas.Mean(returns),
		StdDev:      formulas.StdDev(returns),
		Skewness:    formulas.Skewness(returns),
		Kurtosis:    formulas.Kurtosis(returns),
		Percentiles: map[string]float64{
			"p05": formulas.Percentile(returns, 5),
			"p25": formulas.Percentile(returns, 25),
			"p50": formulas.Percentile(returns, 50),
			"p75": formulas.Percentile(returns, 75),
			"p95": formulas.Percentile(returns, 95),
		},
		WinRate:       float64(wins) / float64(len(returns)) * 100,
		BestReturn:    best,
		WorstReturn:   worst,
		SnapshotCount: len(m.snapshots),
	}, nil
}

// rollingReturns pairs each snapshot with the first one at least
// periodDays later. Caller must hold the lock.
func (m *Manager) rollingReturns(periodDays int) []float64 {
	span := time.Duration(periodDays) * 24 * time.Hour

	var returns []float64
	j := 0
	for i := range m.snapshots {
		start, _ := m.snapshots[i].TotalEquity.Float64()
		if start == 0 {
			continue
		}

		if j < i+1 {
			j = i + 1
		}
		for j < len(m.snapshots) && m.snapshots[j].Timestamp.Sub(m.snapshots[i].Timestamp) < span {
			j++
		}
		if j >= len(m.snapshots) {
			break
		}

		end, _ := m.snapshots[j].TotalEquity.Float64()
		returns = append(returns, (end-start)/start)
	}
	return returns
}

// Export flattens the latest state and the period's performance into a
// map for telemetry collaborators.
func (m *Manager) Export(period Period) (map[string]interface{}, error) {
	perf, err := m.Performance(period, time.Time{})
	if err != nil {
		return nil, err
	}

	snap := m.CurrentMetrics()

	out := map[string]interface{}{
		"portfolio_id":     m.reader.PortfolioID(),
		"period":           string(period),
		"timestamp":        snap.Timestamp,
		"total_equity":     snap.TotalEquity.String(),
		"cash_balance":     snap.CashBalance.String(),
		"positions_value":  snap.PositionsValue.String(),
		"portfolio_return": snap.PortfolioReturn.String(),
		"open_positions":   snap.OpenPositionsCount,
		"snapshot_count":   m.SnapshotCount(),
	}

	if perf != nil {
		out["total_return"] = perf.TotalReturn
		out["volatility"] = perf.Volatility
		if perf.SharpeRatio != nil {
			out["sharpe_ratio"] = *perf.SharpeRatio
		}
		if perf.MaxDrawdown != nil {
			out["max_drawdown"] = *perf.MaxDrawdown
		}
	}

	return out, nil
}

// equitySeries converts snapshots to a float64 equity series for the
// statistics layer.
func equitySeries(snapshots []domain.PortfolioSnapshot) []float64 {
	out := make([]float64, len(snapshots))
	for i, snap := range snapshots {
		out[i], _ = snap.TotalEquity.Float64()
	}
	return out
}
