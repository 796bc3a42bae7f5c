package metrics

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/atlasalgo/portfolio-engine/internal/domain"
)

// archiveVersion guards the wire layout of exported archives
const archiveVersion = 1

// snapshotArchive is the msgpack envelope for a snapshot series.
// Decimal values travel as strings so the round trip stays exact.
type snapshotArchive struct {
	Version     int                `msgpack:"version"`
	PortfolioID string             `msgpack:"portfolio_id"`
	ExportedAt  time.Time          `msgpack:"exported_at"`
	Snapshots   []archivedSnapshot `msgpack:"snapshots"`
}

type archivedSnapshot struct {
	Timestamp          time.Time `msgpack:"timestamp"`
	TotalEquity        string    `msgpack:"total_equity"`
	CashBalance        string    `msgpack:"cash_balance"`
	PositionsValue     string    `msgpack:"positions_value"`
	UnrealizedPnL      string    `msgpack:"unrealized_pnl"`
	RealizedPnL        string    `msgpack:"realized_pnl"`
	TotalPnL           string    `msgpack:"total_pnl"`
	OpenPositionsCount int       `msgpack:"open_positions_count"`
	PortfolioReturn    string    `msgpack:"portfolio_return"`
}

// ExportArchive packs the recorded snapshot series into a compact
// binary archive for offline analysis pipelines.
func (m *Manager) ExportArchive() ([]byte, error) {
	m.mu.Lock()
	archived := make([]archivedSnapshot, len(m.snapshots))
	for i, snap := range m.snapshots {
		archived[i] = packSnapshot(snap)
	}
	m.mu.Unlock()

	data, err := msgpack.Marshal(snapshotArchive{
		Version:     archiveVersion,
		PortfolioID: m.reader.PortfolioID(),
		ExportedAt:  time.Now(),
		Snapshots:   archived,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot archive: %w", err)
	}
	return data, nil
}

// ImportArchive replaces the in-memory snapshot series with the
// archive's contents, re-applying the history bound.
func (m *Manager) ImportArchive(data []byte) error {
	var archive snapshotArchive
	if err := msgpack.Unmarshal(data, &archive); err != nil {
		return fmt.Errorf("unmarshal snapshot archive: %w", err)
	}
	if archive.Version != archiveVersion {
		return fmt.Errorf("unsupported archive version %d", archive.Version)
	}

	snapshots := make([]domain.PortfolioSnapshot, 0, len(archive.Snapshots))
	for i, packed := range archive.Snapshots {
		snap, err := unpackSnapshot(packed)
		if err != nil {
			return fmt.Errorf("snapshot %d: %w", i, err)
		}
		snapshots = append(snapshots, snap)
	}

	if m.cfg.MaxSnapshots > 0 && len(snapshots) > m.cfg.MaxSnapshots {
		snapshots = snapshots[len(snapshots)-m.cfg.MaxSnapshots:]
	}

	m.mu.Lock()
	m.snapshots = snapshots
	m.cache.invalidate()
	m.mu.Unlock()

	m.log.Info().
		Int("snapshots", len(snapshots)).
		Str("source_portfolio", archive.PortfolioID).
		Msg("Imported snapshot archive")

	return nil
}

func packSnapshot(snap domain.PortfolioSnapshot) archivedSnapshot {
	return archivedSnapshot{
		Timestamp:          snap.Timestamp,
		TotalEquity:        snap.TotalEquity.String(),
		CashBalance:        snap.CashBalance.String(),
		PositionsValue:     snap.PositionsValue.String(),
		UnrealizedPnL:      snap.UnrealizedPnL.String(),
		RealizedPnL:        snap.RealizedPnL.String(),
		TotalPnL:           snap.TotalPnL.String(),
		OpenPositionsCount: snap.OpenPositionsCount,
		PortfolioReturn:    snap.PortfolioReturn.String(),
	}
}

func unpackSnapshot(packed archivedSnapshot) (domain.PortfolioSnapshot, error) {
	fields := map[string]string{
		"total_equity":     packed.TotalEquity,
		"cash_balance":     packed.CashBalance,
		"positions_value":  packed.PositionsValue,
		"unrealized_pnl":   packed.UnrealizedPnL,
		"realized_pnl":     packed.RealizedPnL,
		"total_pnl":        packed.TotalPnL,
		"portfolio_return": packed.PortfolioReturn,
	}
	parsed := make(map[string]decimal.Decimal, len(fields))
	for name, raw := range fields {
		value, err := decimal.NewFromString(raw)
		if err != nil {
			return domain.PortfolioSnapshot{}, fmt.Errorf("parse %s %q: %w", name, raw, err)
		}
		parsed[name] = value
	}

	return domain.PortfolioSnapshot{
		Timestamp:          packed.Timestamp,
		TotalEquity:        parsed["total_equity"],
		CashBalance:        parsed["cash_balance"],
		PositionsValue:     parsed["positions_value"],
		UnrealizedPnL:      parsed["unrealized_pnl"],
		RealizedPnL:        parsed["realized_pnl"],
		TotalPnL:           parsed["total_pnl"],
		OpenPositionsCount: packed.OpenPositionsCount,
		PortfolioReturn:    parsed["portfolio_return"],
	}, nil
}
