package events

import (
	"time"
)

// EventData is the interface that all event data types must implement
// This allows for type-safe event data while maintaining flexibility
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// PortfolioCreatedData contains data for PortfolioCreated events
type PortfolioCreatedData struct {
	PortfolioID string `json:"portfolio_id"`
	Name        string `json:"name"`
	Exchange    string `json:"exchange"`
	InitialCash string `json:"initial_cash"`
}

// EventType returns the event type for PortfolioCreatedData
func (d *PortfolioCreatedData) EventType() EventType {
	return PortfolioCreated
}

// TransactionExecutedData contains data for TransactionExecuted events
type TransactionExecutedData struct {
	PortfolioID   string `json:"portfolio_id"`
	TransactionID string `json:"transaction_id"`
	Instrument    string `json:"instrument"`
	Side          string `json:"side"`
	Quantity      string `json:"quantity"`
	Price         string `json:"price"`
	CashAfter     string `json:"cash_after"`
}

// EventType returns the event type for TransactionExecutedData
func (d *TransactionExecutedData) EventType() EventType {
	return TransactionExecuted
}

// TransactionFailedData contains data for TransactionFailed events
type TransactionFailedData struct {
	PortfolioID   string `json:"portfolio_id"`
	TransactionID string `json:"transaction_id"`
	Instrument    string `json:"instrument"`
	Reason        string `json:"reason"`
}

// EventType returns the event type for TransactionFailedData
func (d *TransactionFailedData) EventType() EventType {
	return TransactionFailed
}

// PositionOpenedData contains data for PositionOpened events
type PositionOpenedData struct {
	PortfolioID string `json:"portfolio_id"`
	PositionID  string `json:"position_id"`
	Instrument  string `json:"instrument"`
	Side        string `json:"side"`
	Quantity    string `json:"quantity"`
	AvgPrice    string `json:"avg_price"`
}

// EventType returns the event type for PositionOpenedData
func (d *PositionOpenedData) EventType() EventType {
	return PositionOpened
}

// PositionClosedData contains data for PositionClosed events
type PositionClosedData struct {
	PortfolioID string `json:"portfolio_id"`
	PositionID  string `json:"position_id"`
	Instrument  string `json:"instrument"`
	RealizedPnL string `json:"realized_pnl"`
}

// EventType returns the event type for PositionClosedData
func (d *PositionClosedData) EventType() EventType {
	return PositionClosed
}

// PositionsLiquidatedData contains data for PositionsLiquidated events
type PositionsLiquidatedData struct {
	PortfolioID string   `json:"portfolio_id"`
	Closed      int      `json:"closed"`
	Skipped     []string `json:"skipped,omitempty"`
}

// EventType returns the event type for PositionsLiquidatedData
func (d *PositionsLiquidatedData) EventType() EventType {
	return PositionsLiquidated
}

// SnapshotRecordedData contains data for SnapshotRecorded events
type SnapshotRecordedData struct {
	PortfolioID string    `json:"portfolio_id"`
	Timestamp   time.Time `json:"timestamp"`
	TotalEquity string    `json:"total_equity"`
	Return      string    `json:"return"`
}

// EventType returns the event type for SnapshotRecordedData
func (d *SnapshotRecordedData) EventType() EventType {
	return SnapshotRecorded
}

// PricesUpdatedData contains data for PricesUpdated events
type PricesUpdatedData struct {
	Instruments []string  `json:"instruments"`
	Timestamp   time.Time `json:"timestamp"`
	Source      string    `json:"source,omitempty"`
}

// EventType returns the event type for PricesUpdatedData
func (d *PricesUpdatedData) EventType() EventType {
	return PricesUpdated
}

// BackupCompletedData contains data for BackupCompleted events
type BackupCompletedData struct {
	Archive   string  `json:"archive"`
	SizeBytes int64   `json:"size_bytes"`
	Duration  float64 `json:"duration_seconds"`
}

// EventType returns the event type for BackupCompletedData
func (d *BackupCompletedData) EventType() EventType {
	return BackupCompleted
}
