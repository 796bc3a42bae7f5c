package telemetry

import (
	"strconv"

	"github.com/rs/zerolog"

	"github.com/atlasalgo/portfolio-engine/internal/events"
)

// Collector feeds engine events into the Prometheus metrics. It
// subscribes on creation and detaches on Close.
type Collector struct {
	unsubscribe []func()
	log         zerolog.Logger
}

// NewCollector subscribes to the event bus and keeps the metrics in
// sync with engine activity.
func NewCollector(bus *events.Bus, log zerolog.Logger) *Collector {
	c := &Collector{
		log: log.With().Str("component", "telemetry").Logger(),
	}

	c.unsubscribe = append(c.unsubscribe,
		bus.Subscribe(events.TransactionExecuted, c.onTransactionExecuted),
		bus.Subscribe(events.TransactionFailed, c.onTransactionFailed),
		bus.Subscribe(events.PositionOpened, c.onPositionOpened),
		bus.Subscribe(events.PositionClosed, c.onPositionClosed),
		bus.Subscribe(events.PositionsLiquidated, c.onPositionsLiquidated),
		bus.Subscribe(events.SnapshotRecorded, c.onSnapshotRecorded),
		bus.Subscribe(events.PricesUpdated, c.onPricesUpdated),
		bus.Subscribe(events.BackupCompleted, c.onBackupCompleted),
	)

	return c
}

// Close removes all bus subscriptions.
func (c *Collector) Close() {
	for _, unsub := range c.unsubscribe {
		unsub()
	}
	c.unsubscribe = nil
}

func (c *Collector) onTransactionExecuted(event *events.Event) {
	data, ok := event.Data.(*events.TransactionExecutedData)
	if !ok {
		return
	}
	TransactionsTotal.WithLabelValues(data.PortfolioID, "executed").Inc()
	TradesTotal.WithLabelValues(data.Side).Inc()
}

func (c *Collector) onTransactionFailed(event *events.Event) {
	data, ok := event.Data.(*events.TransactionFailedData)
	if !ok {
		return
	}
	TransactionsTotal.WithLabelValues(data.PortfolioID, "failed").Inc()
}

func (c *Collector) onPositionOpened(event *events.Event) {
	data, ok := event.Data.(*events.PositionOpenedData)
	if !ok {
		return
	}
	OpenPositions.WithLabelValues(data.PortfolioID).Inc()
}

func (c *Collector) onPositionClosed(event *events.Event) {
	data, ok := event.Data.(*events.PositionClosedData)
	if !ok {
		return
	}
	OpenPositions.WithLabelValues(data.PortfolioID).Dec()
}

func (c *Collector) onPositionsLiquidated(event *events.Event) {
	data, ok := event.Data.(*events.PositionsLiquidatedData)
	if !ok {
		return
	}
	LiquidationsTotal.Inc()
	// Liquidated positions close without individual close events
	OpenPositions.WithLabelValues(data.PortfolioID).Sub(float64(data.Closed))
}

func (c *Collector) onSnapshotRecorded(event *events.Event) {
	data, ok := event.Data.(*events.SnapshotRecordedData)
	if !ok {
		return
	}
	SnapshotsTotal.Inc()

	equity, err := strconv.ParseFloat(data.TotalEquity, 64)
	if err != nil {
		c.log.Debug().Str("total_equity", data.TotalEquity).Msg("Unparseable equity in snapshot event")
		return
	}
	PortfolioEquity.WithLabelValues(data.PortfolioID).Set(equity)
}

func (c *Collector) onPricesUpdated(event *events.Event) {
	if _, ok := event.Data.(*events.PricesUpdatedData); !ok {
		return
	}
	PriceUpdatesTotal.Inc()
}

func (c *Collector) onBackupCompleted(event *events.Event) {
	data, ok := event.Data.(*events.BackupCompletedData)
	if !ok {
		return
	}
	BackupsTotal.Inc()
	BackupSizeBytes.Set(float64(data.SizeBytes))
	BackupDuration.Observe(data.Duration)
}
