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

	"github.com/crosslist/autopilot/internal/database"
)

// backupPrefix names archives in the bucket: autopilot-backup-<timestamp>.tar.gz
const backupPrefix = "autopilot-backup-"

const backupTimestampLayout = "2006-01-02-150405"

// minBackupsToKeep is the floor for rotation regardless of age.
const minBackupsToKeep = 3

// BackupService snapshots both stores, archives them, and ships the archive
// to the object store.
type BackupService struct {
	s3        *S3Client
	databases map[string]*database.DB
	dataDir   string
	keep      int
	log       zerolog.Logger
}

// BackupMetadata describes one archive.
type BackupMetadata struct {
	Timestamp time.Time          `json:"timestamp"`
	Databases []DatabaseMetadata `json:"databases"`
}

// DatabaseMetadata describes one database inside an archive.
type DatabaseMetadata struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// BackupInfo describes one archive stored in the bucket.
type BackupInfo struct {
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// NewBackupService creates a backup service over the given databases.
func NewBackupService(s3 *S3Client, databases map[string]*database.DB, dataDir string,
	keep int, log zerolog.Logger) *BackupService {
	if keep < minBackupsToKeep {
		keep = minBackupsToKeep
	}
	return &BackupService{
		s3:        s3,
		databases: databases,
		dataDir:   dataDir,
		keep:      keep,
		log:       log.With().Str("service", "backup").Logger(),
	}
}

// CreateAndUpload snapshots every database, archives the snapshots, and
// uploads the archive. Snapshots use VACUUM INTO so live connections keep
// writing while the copy is taken.
func (s *BackupService) CreateAndUpload(ctx context.Context) error {
	s.log.Info().Msg("Starting backup")
	start := time.Now()

	stagingDir := filepath.Join(s.dataDir, "backup-staging")
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	metadata := BackupMetadata{
		Timestamp: time.Now().UTC(),
		Databases: make([]DatabaseMetadata, 0, len(s.databases)),
	}
	var files []string

	for name, db := range s.databases {
		snapPath := filepath.Join(stagingDir, name+".db")

		s.log.Debug().Str("database", name).Msg("Snapshotting database")
		if err := s.snapshot(db, snapPath); err != nil {
			return fmt.Errorf("failed to snapshot %s: %w", name, err)
		}

		info, err := os.Stat(snapPath)
		if err != nil {
			return fmt.Errorf("failed to stat %s snapshot: %w", name, err)
		}
		checksum, err := fileChecksum(snapPath)
		if err != nil {
			return fmt.Errorf("failed to checksum %s snapshot: %w", name, err)
		}

		metadata.Databases = append(metadata.Databases, DatabaseMetadata{
			Name:      name,
			Filename:  name + ".db",
			SizeBytes: info.Size(),
			Checksum:  checksum,
		})
		files = append(files, name+".db")
	}

	metadataPath := filepath.Join(stagingDir, "backup-metadata.json")
	if err := writeMetadata(metadataPath, metadata); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	files = append(files, "backup-metadata.json")

	archiveName := backupPrefix + metadata.Timestamp.Format(backupTimestampLayout) + ".tar.gz"
	archivePath := filepath.Join(stagingDir, archiveName)
	if err := createArchive(archivePath, stagingDir, files); err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}

	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer archiveFile.Close()

	if err := s.s3.Upload(ctx, archiveName, archiveFile); err != nil {
		return err
	}

	info, _ := os.Stat(archivePath)
	var sizeMB int64
	if info != nil {
		sizeMB = info.Size() / 1024 / 1024
	}
	s.log.Info().
		Str("archive", archiveName).
		Int64("size_mb", sizeMB).
		Dur("duration_ms", time.Since(start)).
		Msg("Backup completed")
	return nil
}

// snapshot copies one database into a standalone file via VACUUM INTO.
func (s *BackupService) snapshot(db *database.DB, dest string) error {
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return err
	}
	if _, err := db.Exec("VACUUM INTO ?", dest); err != nil {
		return fmt.Errorf("vacuum into failed: %w", err)
	}
	return nil
}

// ListBackups lists archives in the bucket, newest first.
func (s *BackupService) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	objects, err := s.s3.List(ctx, backupPrefix)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	backups := make([]BackupInfo, 0, len(objects))
	for _, obj := range objects {
		if obj.Key == nil {
			continue
		}
		filename := *obj.Key
		if !strings.HasPrefix(filename, backupPrefix) || !strings.HasSuffix(filename, ".tar.gz") {
			continue
		}

		stamp := strings.TrimSuffix(strings.TrimPrefix(filename, backupPrefix), ".tar.gz")
		ts, err := time.Parse(backupTimestampLayout, stamp)
		if err != nil {
			s.log.Warn().Str("filename", filename).Msg("Failed to parse timestamp from filename")
			continue
		}

		var size int64
		if obj.Size != nil {
			size = *obj.Size
		}
		backups = append(backups, BackupInfo{
			Filename:  filename,
			Timestamp: ts,
			SizeBytes: size,
			AgeHours:  int64(now.Sub(ts).Hours()),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// RotateOldBackups deletes archives beyond the keep count. The newest
// minBackupsToKeep always survive.
func (s *BackupService) RotateOldBackups(ctx context.Context) error {
	backups, err := s.ListBackups(ctx)
	if err != nil {
		return err
	}
	if len(backups) <= s.keep {
		return nil
	}

	deleted := 0
	for _, backup := range backups[s.keep:] {
		if err := s.s3.Delete(ctx, backup.Filename); err != nil {
			s.log.Error().Err(err).Str("filename", backup.Filename).Msg("Failed to delete old backup")
			continue
		}
		s.log.Info().Str("filename", backup.Filename).Msg("Deleted old backup")
		deleted++
	}

	s.log.Info().
		Int("deleted", deleted).
		Int("remaining", len(backups)-deleted).
		Msg("Backup rotation completed")
	return nil
}

func fileChecksum(path string) (string, error) {
	file, err := os.Open(path)
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

func createArchive(archivePath, sourceDir string, filenames []string) error {
	archiveFile, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer archiveFile.Close()

	gzipWriter := gzip.NewWriter(archiveFile)
	defer gzipWriter.Close()

	tarWriter := tar.NewWriter(gzipWriter)
	defer tarWriter.Close()

	for _, filename := range filenames {
		if err := addFileToArchive(tarWriter, filepath.Join(sourceDir, filename), filename); err != nil {
			return fmt.Errorf("failed to add %s to archive: %w", filename, err)
		}
	}
	return nil
}

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
