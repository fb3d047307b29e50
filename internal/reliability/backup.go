package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/demandline/demandline/internal/database"
	"github.com/demandline/demandline/internal/domain"
)

const (
	backupPrefix        = "demandline-backup-"
	backupTimestampForm = "2006-01-02-150405"

	// A rotation never deletes below this count, whatever the retention says.
	minBackupsKept = 3
)

// BackupService snapshots the analytics database, archives it with checksum
// metadata, and uploads the archive to the object store.
type BackupService struct {
	db            *database.DB
	store         ObjectStore
	retentionDays int
	clock         domain.Clock
	log           zerolog.Logger
}

// BackupMetadata is written into every archive alongside the snapshot.
type BackupMetadata struct {
	Timestamp time.Time `json:"timestamp"`
	Database  string    `json:"database"`
	SizeBytes int64     `json:"size_bytes"`
	Checksum  string    `json:"checksum"`
}

// BackupInfo describes one archive stored in the bucket.
type BackupInfo struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

func NewBackupService(db *database.DB, store ObjectStore, retentionDays int,
	clock domain.Clock, log zerolog.Logger) *BackupService {

	return &BackupService{
		db:            db,
		store:         store,
		retentionDays: retentionDays,
		clock:         clock,
		log:           log.With().Str("component", "backup").Logger(),
	}
}

// Backup creates and uploads one archive, then rotates old ones. Returns the
// object key of the uploaded archive.
func (s *BackupService) Backup(ctx context.Context) (string, error) {
	started := s.clock.Now()

	staging, err := os.MkdirTemp("", "demandline-backup-")
	if err != nil {
		return "", fmt.Errorf("create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	snapshotPath := filepath.Join(staging, "analytics.db")
	if err := s.db.SnapshotTo(snapshotPath); err != nil {
		return "", fmt.Errorf("snapshot database: %w", err)
	}

	info, err := os.Stat(snapshotPath)
	if err != nil {
		return "", fmt.Errorf("stat snapshot: %w", err)
	}
	checksum, err := fileChecksum(snapshotPath)
	if err != nil {
		return "", fmt.Errorf("checksum snapshot: %w", err)
	}

	metadata := BackupMetadata{
		Timestamp: started.UTC(),
		Database:  "analytics.db",
		SizeBytes: info.Size(),
		Checksum:  checksum,
	}
	metadataPath := filepath.Join(staging, "backup-metadata.json")
	if err := writeMetadata(metadataPath, metadata); err != nil {
		return "", fmt.Errorf("write metadata: %w", err)
	}

	key := backupPrefix + started.UTC().Format(backupTimestampForm) + ".tar.gz"
	archivePath := filepath.Join(staging, key)
	if err := createArchive(archivePath, []string{snapshotPath, metadataPath}); err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}

	archive, err := os.Open(archivePath)
	if err != nil {
		return "", fmt.Errorf("open archive: %w", err)
	}
	defer archive.Close()

	archiveInfo, err := archive.Stat()
	if err != nil {
		return "", fmt.Errorf("stat archive: %w", err)
	}
	if err := s.store.Upload(ctx, key, archive, archiveInfo.Size()); err != nil {
		return "", err
	}

	s.log.Info().
		Str("key", key).
		Int64("snapshot_bytes", info.Size()).
		Int64("archive_bytes", archiveInfo.Size()).
		Dur("duration", s.clock.Now().Sub(started)).
		Msg("Backup uploaded")

	// Rotation failures do not fail the backup itself.
	if deleted, err := s.Rotate(ctx); err != nil {
		s.log.Error().Err(err).Msg("Backup rotation failed")
	} else if deleted > 0 {
		s.log.Info().Int("deleted", deleted).Msg("Old backups rotated")
	}

	return key, nil
}

// ListBackups returns the stored archives, newest first. Objects whose key
// does not parse as a backup archive are skipped.
func (s *BackupService) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	objects, err := s.store.List(ctx, backupPrefix)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	backups := make([]BackupInfo, 0, len(objects))
	for _, obj := range objects {
		ts, ok := parseBackupKey(obj.Key)
		if !ok {
			s.log.Warn().Str("key", obj.Key).Msg("Skipping unrecognized object in backup bucket")
			continue
		}
		backups = append(backups, BackupInfo{
			Key:       obj.Key,
			Timestamp: ts,
			SizeBytes: obj.SizeBytes,
			AgeHours:  int64(now.Sub(ts).Hours()),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// Rotate deletes archives older than the retention period. The newest
// minBackupsKept archives always survive; retentionDays <= 0 keeps everything.
func (s *BackupService) Rotate(ctx context.Context) (int, error) {
	if s.retentionDays <= 0 {
		return 0, nil
	}

	backups, err := s.ListBackups(ctx)
	if err != nil {
		return 0, err
	}
	if len(backups) <= minBackupsKept {
		return 0, nil
	}

	cutoff := s.clock.Now().AddDate(0, 0, -s.retentionDays)
	deleted := 0
	for i, b := range backups {
		if i < minBackupsKept || !b.Timestamp.Before(cutoff) {
			continue
		}
		if err := s.store.Delete(ctx, b.Key); err != nil {
			s.log.Error().Err(err).Str("key", b.Key).Msg("Failed to delete old backup")
			continue
		}
		deleted++
	}
	return deleted, nil
}

func parseBackupKey(key string) (time.Time, bool) {
	if !strings.HasPrefix(key, backupPrefix) || !strings.HasSuffix(key, ".tar.gz") {
		return time.Time{}, false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(key, backupPrefix), ".tar.gz")
	ts, err := time.Parse(backupTimestampForm, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", h.Sum(nil)), nil
}

func writeMetadata(path string, metadata BackupMetadata) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(metadata)
}

// createArchive writes a tar.gz containing the given files under their
// basenames.
func createArchive(archivePath string, files []string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	for _, path := range files {
		if err := addFile(tw, path); err != nil {
			return fmt.Errorf("add %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

func addFile(tw *tar.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	header := &tar.Header{
		Name:    filepath.Base(path),
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}
