package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/atlasalgo/portfolio-engine/internal/database"
	"github.com/atlasalgo/portfolio-engine/internal/events"
)

const (
	archivePrefix     = "engine-backup-"
	archiveSuffix     = ".tar.gz"
	archiveTimeLayout = "2006-01-02-150405"
	metadataFilename  = "backup-metadata.json"
	metadataVersion   = "1.0.0"

	// The newest minBackupsToKeep archives survive rotation regardless
	// of age.
	minBackupsToKeep = 3
)

// BackupService creates consistent ledger archives, keeps them under
// <dataDir>/backups, and mirrors them to S3-compatible storage when a
// client is configured.
type BackupService struct {
	db            *database.DB
	s3            *S3Client
	dataDir       string
	backupDir     string
	retentionDays int
	eventBus      *events.Bus
	log           zerolog.Logger
}

// BackupMetadata describes the contents of a backup archive
type BackupMetadata struct {
	Timestamp time.Time          `json:"timestamp"`
	Version   string             `json:"version"`
	Databases []DatabaseMetadata `json:"databases"`
}

// DatabaseMetadata describes a single database file in the archive
type DatabaseMetadata struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// BackupInfo summarizes a stored archive
type BackupInfo struct {
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// NewBackupService creates a new backup service. s3 may be nil for
// local-only operation.
func NewBackupService(
	db *database.DB,
	s3 *S3Client,
	dataDir string,
	retentionDays int,
	eventBus *events.Bus,
	log zerolog.Logger,
) *BackupService {
	return &BackupService{
		db:            db,
		s3:            s3,
		dataDir:       dataDir,
		backupDir:     filepath.Join(dataDir, "backups"),
		retentionDays: retentionDays,
		eventBus:      eventBus,
		log:           log.With().Str("service", "backup").Logger(),
	}
}

// BackupDir returns the local archive directory.
func (s *BackupService) BackupDir() string {
	return s.backupDir
}

// Run creates a verified archive of the ledger, uploads it when cloud
// storage is configured, and rotates aged archives on both sides.
func (s *BackupService) Run(ctx context.Context) error {
	s.log.Info().Msg("Starting ledger backup")
	startTime := time.Now()

	stagingDir := filepath.Join(s.dataDir, "backup-staging")
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir) // Clean up on exit

	if err := os.MkdirAll(s.backupDir, 0755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	dbFilename := s.db.Name() + ".db"
	dbPath := filepath.Join(stagingDir, dbFilename)

	s.log.Debug().Str("database", s.db.Name()).Msg("Copying database")

	if err := s.copyDatabase(dbPath); err != nil {
		return fmt.Errorf("failed to copy %s: %w", s.db.Name(), err)
	}

	if err := verifyDatabase(dbPath); err != nil {
		// Delete corrupted copy
		os.Remove(dbPath)
		return fmt.Errorf("staged copy failed verification: %w", err)
	}

	info, err := os.Stat(dbPath)
	if err != nil {
		return fmt.Errorf("failed to stat staged copy: %w", err)
	}

	checksum, err := calculateChecksum(dbPath)
	if err != nil {
		return fmt.Errorf("failed to calculate checksum: %w", err)
	}

	metadata := BackupMetadata{
		Timestamp: time.Now().UTC(),
		Version:   metadataVersion,
		Databases: []DatabaseMetadata{{
			Name:      s.db.Name(),
			Filename:  dbFilename,
			SizeBytes: info.Size(),
			Checksum:  checksum,
		}},
	}

	metadataPath := filepath.Join(stagingDir, metadataFilename)
	if err := writeMetadata(metadataPath, metadata); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	archiveName := archivePrefix + time.Now().Format(archiveTimeLayout) + archiveSuffix
	archivePath := filepath.Join(s.backupDir, archiveName)

	if err := createArchive(archivePath, []string{dbPath, metadataPath}); err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}

	archiveInfo, err := os.Stat(archivePath)
	if err != nil {
		return fmt.Errorf("failed to stat archive: %w", err)
	}

	if s.s3 != nil {
		if err := s.uploadArchive(ctx, archivePath, archiveName); err != nil {
			return err
		}

		if err := s.rotateRemote(ctx); err != nil {
			s.log.Error().Err(err).Msg("Failed to rotate remote backups")
			// Don't fail - backup succeeded
		}
	}

	if err := s.rotateLocal(); err != nil {
		s.log.Error().Err(err).Msg("Failed to rotate local backups")
		// Don't fail - backup succeeded
	}

	duration := time.Since(startTime)
	s.log.Info().
		Dur("duration_ms", duration).
		Str("archive", archiveName).
		Int64("size_bytes", archiveInfo.Size()).
		Msg("Ledger backup completed successfully")

	if s.eventBus != nil {
		s.eventBus.PublishData("reliability", &events.BackupCompletedData{
			Archive:   archiveName,
			SizeBytes: archiveInfo.Size(),
			Duration:  duration.Seconds(),
		})
	}

	return nil
}

// copyDatabase writes a consistent copy of the live database using
// VACUUM INTO, which produces a fresh file without WAL segments.
func (s *BackupService) copyDatabase(destPath string) error {
	if _, err := s.db.Exec(fmt.Sprintf("VACUUM INTO '%s'", destPath)); err != nil {
		return fmt.Errorf("VACUUM INTO failed: %w", err)
	}
	return nil
}

func (s *BackupService) uploadArchive(ctx context.Context, archivePath, archiveName string) error {
	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer archiveFile.Close()

	if err := s.s3.Upload(ctx, archiveName, archiveFile); err != nil {
		return fmt.Errorf("failed to upload archive: %w", err)
	}

	return nil
}

// ListLocal returns the archives in the local backup directory, newest
// first.
func (s *BackupService) ListLocal() ([]BackupInfo, error) {
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	backups := make([]BackupInfo, 0, len(entries))
	now := time.Now()

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		timestamp, ok := parseArchiveName(entry.Name())
		if !ok {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		backups = append(backups, BackupInfo{
			Filename:  entry.Name(),
			Timestamp: timestamp,
			SizeBytes: info.Size(),
			AgeHours:  int64(now.Sub(timestamp).Hours()),
		})
	}

	sortNewestFirst(backups)

	return backups, nil
}

// ListRemote returns the archives stored in the bucket, newest first.
func (s *BackupService) ListRemote(ctx context.Context) ([]BackupInfo, error) {
	if s.s3 == nil {
		return nil, fmt.Errorf("cloud storage not configured")
	}

	objects, err := s.s3.List(ctx, archivePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list remote backups: %w", err)
	}

	backups := make([]BackupInfo, 0, len(objects))
	now := time.Now()

	for _, obj := range objects {
		if obj.Key == nil {
			continue
		}

		timestamp, ok := parseArchiveName(*obj.Key)
		if !ok {
			s.log.Warn().Str("key", *obj.Key).Msg("Failed to parse timestamp from object key")
			continue
		}

		var sizeBytes int64
		if obj.Size != nil {
			sizeBytes = *obj.Size
		}

		backups = append(backups, BackupInfo{
			Filename:  *obj.Key,
			Timestamp: timestamp,
			SizeBytes: sizeBytes,
			AgeHours:  int64(now.Sub(timestamp).Hours()),
		})
	}

	sortNewestFirst(backups)

	return backups, nil
}

// LatestLocalArchive returns the path of the newest local archive, or
// an empty string when none exist.
func (s *BackupService) LatestLocalArchive() (string, error) {
	backups, err := s.ListLocal()
	if err != nil {
		return "", err
	}
	if len(backups) == 0 {
		return "", nil
	}
	return filepath.Join(s.backupDir, backups[0].Filename), nil
}

// rotateLocal deletes aged archives from the local backup directory.
func (s *BackupService) rotateLocal() error {
	backups, err := s.ListLocal()
	if err != nil {
		return err
	}

	for _, backup := range prunable(backups, s.retentionDays) {
		path := filepath.Join(s.backupDir, backup.Filename)
		if err := os.Remove(path); err != nil {
			s.log.Warn().
				Err(err).
				Str("path", path).
				Msg("Failed to delete old local backup")
			continue
		}

		s.log.Info().
			Str("filename", backup.Filename).
			Time("timestamp", backup.Timestamp).
			Msg("Deleted old local backup")
	}

	return nil
}

// rotateRemote deletes aged archives from the bucket.
func (s *BackupService) rotateRemote(ctx context.Context) error {
	backups, err := s.ListRemote(ctx)
	if err != nil {
		return err
	}

	for _, backup := range prunable(backups, s.retentionDays) {
		if err := s.s3.Delete(ctx, backup.Filename); err != nil {
			s.log.Error().
				Err(err).
				Str("filename", backup.Filename).
				Msg("Failed to delete old remote backup")
			continue
		}

		s.log.Info().
			Str("filename", backup.Filename).
			Time("timestamp", backup.Timestamp).
			Msg("Deleted old remote backup")
	}

	return nil
}

// prunable selects the archives rotation should delete. backups must
// be sorted newest first; the newest minBackupsToKeep never qualify,
// and a retention of zero keeps everything beyond that minimum.
func prunable(backups []BackupInfo, retentionDays int) []BackupInfo {
	if len(backups) <= minBackupsToKeep || retentionDays <= 0 {
		return nil
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	var old []BackupInfo
	for _, backup := range backups[minBackupsToKeep:] {
		if backup.Timestamp.Before(cutoff) {
			old = append(old, backup)
		}
	}

	return old
}

// VerifyArchive extracts an archive to a scratch directory and checks
// every database in it against its recorded checksum plus a full
// SQLite integrity check.
func (s *BackupService) VerifyArchive(archivePath string) error {
	extractDir, err := os.MkdirTemp("", "backup-verify-*")
	if err != nil {
		return fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(extractDir)

	if err := extractArchive(archivePath, extractDir); err != nil {
		return fmt.Errorf("failed to extract archive: %w", err)
	}

	metadata, err := readMetadata(filepath.Join(extractDir, metadataFilename))
	if err != nil {
		return fmt.Errorf("failed to read metadata: %w", err)
	}

	for _, db := range metadata.Databases {
		dbPath := filepath.Join(extractDir, db.Filename)

		checksum, err := calculateChecksum(dbPath)
		if err != nil {
			return fmt.Errorf("failed to checksum %s: %w", db.Filename, err)
		}
		if checksum != db.Checksum {
			return fmt.Errorf("checksum mismatch for %s: recorded %s, computed %s", db.Filename, db.Checksum, checksum)
		}

		if err := verifyDatabase(dbPath); err != nil {
			return fmt.Errorf("%s: %w", db.Filename, err)
		}
	}

	return nil
}

// parseArchiveName extracts the creation time from an archive filename
// such as engine-backup-2026-01-08-143022.tar.gz.
func parseArchiveName(filename string) (time.Time, bool) {
	if !strings.HasPrefix(filename, archivePrefix) || !strings.HasSuffix(filename, archiveSuffix) {
		return time.Time{}, false
	}

	stamp := strings.TrimSuffix(strings.TrimPrefix(filename, archivePrefix), archiveSuffix)

	timestamp, err := time.Parse(archiveTimeLayout, stamp)
	if err != nil {
		return time.Time{}, false
	}

	return timestamp, true
}

func sortNewestFirst(backups []BackupInfo) {
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
}

// verifyDatabase opens a database copy and runs an integrity check
func verifyDatabase(path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("failed to open copy: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}

	return nil
}

// calculateChecksum calculates the SHA256 checksum of a file
func calculateChecksum(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}

	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

// writeMetadata writes backup metadata to a JSON file
func writeMetadata(path string, metadata BackupMetadata) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(metadata)
}

// readMetadata reads backup metadata from a JSON file
func readMetadata(path string) (BackupMetadata, error) {
	var metadata BackupMetadata

	data, err := os.ReadFile(path)
	if err != nil {
		return metadata, err
	}
	if err := json.Unmarshal(data, &metadata); err != nil {
		return metadata, err
	}

	return metadata, nil
}

// createArchive writes a tar.gz archive containing the given files,
// stored under their basenames.
func createArchive(archivePath string, files []string) error {
	archiveFile, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer archiveFile.Close()

	gzipWriter := gzip.NewWriter(archiveFile)
	defer gzipWriter.Close()

	tarWriter := tar.NewWriter(gzipWriter)
	defer tarWriter.Close()

	for _, filePath := range files {
		if err := addFileToArchive(tarWriter, filePath, filepath.Base(filePath)); err != nil {
			return fmt.Errorf("failed to add %s to archive: %w", filepath.Base(filePath), err)
		}
	}

	return nil
}

// addFileToArchive adds a single file to a tar archive
func addFileToArchive(tarWriter *tar.Writer, filePath, nameInArchive string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:    nameInArchive,
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}

	if err := tarWriter.WriteHeader(header); err != nil {
		return err
	}

	if _, err := io.Copy(tarWriter, file); err != nil {
		return err
	}

	return nil
}

// extractArchive unpacks a tar.gz archive into destDir. Entries are
// flattened to their basenames, matching how archives are written.
func extractArchive(archivePath, destDir string) error {
	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer archiveFile.Close()

	gzipReader, err := gzip.NewReader(archiveFile)
	if err != nil {
		return err
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		destPath := filepath.Join(destDir, filepath.Base(header.Name))
		out, err := os.Create(destPath)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tarReader); err != nil {
			out.Close()
			return err
		}
		if err := out.Close(); err != nil {
			return err
		}
	}

	return nil
}

// BackupJob wraps BackupService.Run for the scheduler
type BackupJob struct {
	service *BackupService
}

// NewBackupJob creates a new backup job
func NewBackupJob(service *BackupService) *BackupJob {
	return &BackupJob{service: service}
}

// Run executes the ledger backup
func (j *BackupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	return j.service.Run(ctx)
}

// Name returns the job name for scheduler
func (j *BackupJob) Name() string {
	return "ledger_backup"
}
