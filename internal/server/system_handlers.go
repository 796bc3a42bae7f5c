package server

import (
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/atlasalgo/portfolio-engine/internal/clients/pricefeed"
	"github.com/atlasalgo/portfolio-engine/internal/database"
	"github.com/atlasalgo/portfolio-engine/internal/reliability"
)

// SystemHandlers reports process, ledger and storage health. backups
// and feed may be nil when those subsystems are disabled.
type SystemHandlers struct {
	log       zerolog.Logger
	dataDir   string
	startTime time.Time
	ledgerDB  *database.DB
	backups   *reliability.BackupService
	feed      *pricefeed.Client
}

// NewSystemHandlers creates system handlers
func NewSystemHandlers(log zerolog.Logger, dataDir string, ledgerDB *database.DB, backups *reliability.BackupService, feed *pricefeed.Client) *SystemHandlers {
	return &SystemHandlers{
		log:       log.With().Str("handler", "system").Logger(),
		dataDir:   dataDir,
		startTime: time.Now(),
		ledgerDB:  ledgerDB,
		backups:   backups,
		feed:      feed,
	}
}

// RegisterRoutes registers system monitoring routes
func (h *SystemHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/system", func(r chi.Router) {
		r.Get("/health", h.HandleHealth)
		r.Get("/stats", h.HandleStats)
		r.Get("/backups", h.HandleBackups)
	})
}

// HandleHealth reports CPU, memory, uptime and ledger reachability
func (h *SystemHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil || len(cpuPercent) == 0 {
		h.log.Warn().Err(err).Msg("Failed to read CPU usage")
		cpuPercent = []float64{0}
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to read memory usage")
		vm = &mem.VirtualMemoryStat{}
	}

	status := "healthy"
	ledger := "healthy"
	if err := h.ledgerDB.QuickCheck(r.Context()); err != nil {
		status = "degraded"
		ledger = "unreachable: " + err.Error()
	}

	response := map[string]interface{}{
		"status":         status,
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
		"cpu_percent":    cpuPercent[0],
		"memory_percent": vm.UsedPercent,
		"goroutines":     runtime.NumGoroutine(),
		"ledger":         ledger,
	}
	if h.feed != nil {
		response["price_feed"] = map[string]interface{}{
			"connected":   h.feed.IsConnected(),
			"cache_stale": h.feed.IsCacheStale(),
		}
	}

	writeJSON(w, http.StatusOK, response)
}

// HandleStats reports ledger file statistics and disk usage
func (h *SystemHandlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.ledgerDB.GetStats()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to read ledger stats")
		writeError(w, http.StatusInternalServerError, "failed to read ledger stats")
		return
	}

	response := map[string]interface{}{
		"ledger": map[string]interface{}{
			"size_bytes":     stats.SizeBytes,
			"wal_size_bytes": stats.WALSizeBytes,
			"page_count":     stats.PageCount,
			"page_size":      stats.PageSize,
			"freelist_pages": stats.FreelistCount,
		},
	}
	if size, err := dirSize(h.dataDir); err == nil {
		response["data_dir_bytes"] = size
	}
	if h.backups != nil {
		if size, err := dirSize(h.backups.BackupDir()); err == nil {
			response["backup_dir_bytes"] = size
		}
	}

	writeJSON(w, http.StatusOK, response)
}

// HandleBackups lists local backup archives, newest first
func (h *SystemHandlers) HandleBackups(w http.ResponseWriter, r *http.Request) {
	if h.backups == nil {
		writeError(w, http.StatusServiceUnavailable, "backups are not configured")
		return
	}

	backups, err := h.backups.ListLocal()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list backups")
		writeError(w, http.StatusInternalServerError, "failed to list backups")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"backups": backups,
		"count":   len(backups),
	})
}

// dirSize totals file sizes under root, skipping unreadable entries
func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
