package reliability

import (
	"context"
	"fmt"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/atlasalgo/portfolio-engine/internal/database"
)

// Free-space thresholds in gigabytes.
const (
	diskSpaceCriticalGB = 0.5
	diskSpaceErrorGB    = 5.0
	diskSpaceWarnGB     = 10.0
)

// MaintenanceJob runs the daily ledger health routine: integrity
// check, WAL checkpoint, disk space check, and verification of the
// newest backup archive. The ledger is append-only, so the routine
// never runs VACUUM against it.
type MaintenanceJob struct {
	db      *database.DB
	backups *BackupService
	dataDir string
	log     zerolog.Logger
}

// NewMaintenanceJob creates a new daily maintenance job. backups may
// be nil when the backup service is disabled.
func NewMaintenanceJob(
	db *database.DB,
	backups *BackupService,
	dataDir string,
	log zerolog.Logger,
) *MaintenanceJob {
	return &MaintenanceJob{
		db:      db,
		backups: backups,
		dataDir: dataDir,
		log:     log.With().Str("job", "daily_maintenance").Logger(),
	}
}

// Run executes the daily maintenance job
func (j *MaintenanceJob) Run() error {
	j.log.Info().Msg("Starting daily maintenance")
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	// Step 1: Ledger integrity check
	j.log.Debug().Msg("Running integrity check")
	if err := j.db.HealthCheck(ctx); err != nil {
		j.log.Error().Err(err).Msg("CRITICAL: Ledger failed integrity check")
		return fmt.Errorf("CRITICAL: ledger integrity check failed: %w", err)
	}

	// Step 2: WAL checkpoint (prevent bloat)
	j.log.Debug().Msg("Running WAL checkpoint")
	if err := j.db.WALCheckpoint("TRUNCATE"); err != nil {
		j.log.Warn().Err(err).Msg("WAL checkpoint failed")
		// Don't return error - this is not critical
	}

	// Step 3: Check disk space
	if err := j.checkDiskSpace(); err != nil {
		return err // HALT if critical
	}

	// Step 4: Verify the newest backup archive
	if err := j.verifyLatestBackup(); err != nil {
		j.log.Error().Err(err).Msg("Backup verification failed")
		// Log but don't halt - the next scheduled backup replaces it
	}

	// Step 5: Report ledger size for growth tracking
	j.reportStats()

	duration := time.Since(startTime)
	j.log.Info().
		Dur("duration_ms", duration).
		Msg("Daily maintenance completed successfully")

	return nil
}

// Name returns the job name for scheduler
func (j *MaintenanceJob) Name() string {
	return "daily_maintenance"
}

// checkDiskSpace verifies sufficient disk space is available
func (j *MaintenanceJob) checkDiskSpace() error {
	stat := syscall.Statfs_t{}
	if err := syscall.Statfs(j.dataDir, &stat); err != nil {
		return fmt.Errorf("failed to stat filesystem: %w", err)
	}

	availableBytes := stat.Bavail * uint64(stat.Bsize)
	availableGB := float64(availableBytes) / 1e9

	j.log.Debug().Float64("available_gb", availableGB).Msg("Disk space check")

	// CRITICAL: halt before the ledger can no longer grow
	if availableGB < diskSpaceCriticalGB {
		j.log.Error().
			Float64("available_gb", availableGB).
			Msg("CRITICAL: Insufficient disk space - HALTING SYSTEM")
		return fmt.Errorf("CRITICAL: Only %.2f GB free - system halted", availableGB)
	}

	if availableGB < diskSpaceErrorGB {
		j.log.Error().
			Float64("available_gb", availableGB).
			Msg("Low disk space - consider cleanup")
	}

	if availableGB < diskSpaceWarnGB {
		j.log.Warn().
			Float64("available_gb", availableGB).
			Msg("Disk space running low")
	}

	return nil
}

// verifyLatestBackup checks the newest local archive end to end
func (j *MaintenanceJob) verifyLatestBackup() error {
	if j.backups == nil {
		j.log.Debug().Msg("Backup service disabled, skipping verification")
		return nil
	}

	archivePath, err := j.backups.LatestLocalArchive()
	if err != nil {
		return fmt.Errorf("failed to locate latest archive: %w", err)
	}
	if archivePath == "" {
		return fmt.Errorf("no backup archives found")
	}

	if err := j.backups.VerifyArchive(archivePath); err != nil {
		return fmt.Errorf("archive %s: %w", filepath.Base(archivePath), err)
	}

	j.log.Debug().
		Str("archive", filepath.Base(archivePath)).
		Msg("Backup verified")

	return nil
}

// reportStats logs ledger size metrics
func (j *MaintenanceJob) reportStats() {
	stats, err := j.db.GetStats()
	if err != nil {
		j.log.Error().Err(err).Msg("Failed to get ledger stats")
		return
	}

	j.log.Info().
		Float64("size_mb", float64(stats.SizeBytes)/1024/1024).
		Float64("wal_size_mb", float64(stats.WALSizeBytes)/1024/1024).
		Int64("freelist_pages", stats.FreelistCount).
		Msg("Ledger size")
}
