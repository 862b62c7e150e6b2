package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spounge-ai/polysecret/internal/domain"
	app_errors "github.com/spounge-ai/polysecret/internal/errors"
)

const (
	// recordFormat 2 seals values with the full record binding.
	recordFormat  = 2
	recordSuffix  = ".json"
	tempPrefix    = ".tmp-"
	backupDirName = "backups"
	fileMode      = 0o600
	dirMode       = 0o700
)

// FileStorage keeps one self-describing JSON record per secret in a
// directory. Writes go to a temp file that is fsynced and renamed over the
// record, so a crash leaves either the old record or the new one.
type FileStorage struct {
	dir       string
	backupDir string
	logger    *slog.Logger
	now       func() time.Time
}

// fileRecord is the durable format. Format must be bumped on any
// incompatible change.
type fileRecord struct {
	Format int `json:"format"`
	domain.Secret
}

func NewFileStorage(dir string, logger *slog.Logger) (*FileStorage, error) {
	backupDir := filepath.Join(dir, backupDirName)
	if err := os.MkdirAll(backupDir, dirMode); err != nil {
		return nil, fmt.Errorf("%w: failed to create storage directory: %v", app_errors.ErrStorage, err)
	}
	return &FileStorage{
		dir:       dir,
		backupDir: backupDir,
		logger:    logger,
		now:       time.Now,
	}, nil
}

func fileName(name string) string {
	return url.PathEscape(name) + recordSuffix
}

func (s *FileStorage) recordPath(name string) string {
	return filepath.Join(s.dir, fileName(name))
}

func (s *FileStorage) Save(ctx context.Context, secret *domain.Secret) error {
	data, err := json.MarshalIndent(fileRecord{Format: recordFormat, Secret: *secret}, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: failed to marshal record: %v", app_errors.ErrStorage, err)
	}
	data = append(data, '\n')

	if err := s.writeAtomic(s.recordPath(secret.Name), data); err != nil {
		return fmt.Errorf("%w: %v", app_errors.ErrStorage, err)
	}
	return nil
}

func (s *FileStorage) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, tempPrefix+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set temp file mode: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	committed = true

	return syncDir(s.dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open directory for sync: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync directory: %w", err)
	}
	return nil
}

// Delete removes the record, or moves it to the backup directory when
// keepBackup is set. Backups are never loaded back.
func (s *FileStorage) Delete(ctx context.Context, name string, keepBackup bool) error {
	path := s.recordPath(name)

	var err error
	if keepBackup {
		backup := filepath.Join(s.backupDir, fmt.Sprintf("%s.%d%s", url.PathEscape(name), s.now().UnixNano(), recordSuffix))
		err = os.Rename(path, backup)
	} else {
		err = os.Remove(path)
	}

	switch {
	case errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%w: no record for %q", app_errors.ErrNotFound, name)
	case err != nil:
		return fmt.Errorf("%w: failed to delete record: %v", app_errors.ErrStorage, err)
	}
	return syncDir(s.dir)
}

// LoadAll reads every record. Leftover temp files from interrupted writes are
// removed. Records that cannot be parsed are reported individually and do
// not stop the load; only an unreadable directory fails the call.
func (s *FileStorage) LoadAll(ctx context.Context) ([]*domain.Secret, []domain.CorruptRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: failed to read storage directory: %v", app_errors.ErrStorage, err)
	}

	var (
		secrets []*domain.Secret
		corrupt []domain.CorruptRecord
	)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fname := entry.Name()
		path := filepath.Join(s.dir, fname)

		if strings.HasPrefix(fname, tempPrefix) {
			s.logger.WarnContext(ctx, "discarding partial record left by an interrupted write", "file", fname)
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				s.logger.ErrorContext(ctx, "failed to remove partial record", "file", fname, "error", err)
			}
			continue
		}
		if !strings.HasSuffix(fname, recordSuffix) {
			continue
		}

		name, err := url.PathUnescape(strings.TrimSuffix(fname, recordSuffix))
		if err != nil {
			name = fname
		}

		secret, err := readRecord(path, name)
		if err != nil {
			corrupt = append(corrupt, domain.CorruptRecord{Name: name, Path: path, Err: err})
			continue
		}
		secrets = append(secrets, secret)
	}

	sort.Slice(secrets, func(i, j int) bool { return secrets[i].Name < secrets[j].Name })
	return secrets, corrupt, nil
}

func readRecord(path, expectedName string) (*domain.Secret, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read record: %v", app_errors.ErrStorage, err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var rec fileRecord
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("%w: %v", app_errors.ErrCorruption, err)
	}

	switch {
	case rec.Format != recordFormat:
		return nil, fmt.Errorf("%w: unsupported record format %d", app_errors.ErrCorruption, rec.Format)
	case rec.Name != expectedName:
		return nil, fmt.Errorf("%w: record name %q does not match file", app_errors.ErrCorruption, rec.Name)
	case rec.Type == "":
		return nil, fmt.Errorf("%w: missing type", app_errors.ErrCorruption)
	case rec.Metadata.Version < 1:
		return nil, fmt.Errorf("%w: invalid version %d", app_errors.ErrCorruption, rec.Metadata.Version)
	}
	if err := rec.Value.WellFormed(); err != nil {
		return nil, fmt.Errorf("%w: %v", app_errors.ErrCorruption, err)
	}

	secret := rec.Secret
	return &secret, nil
}
