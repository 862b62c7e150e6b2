package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// DirArchiveStorage writes retired audit segments into a local directory.
type DirArchiveStorage struct {
	dir    string
	logger *slog.Logger
}

func NewDirArchiveStorage(dir string, logger *slog.Logger) (*DirArchiveStorage, error) {
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &DirArchiveStorage{dir: dir, logger: logger}, nil
}

func (s *DirArchiveStorage) Archive(ctx context.Context, name string, data []byte) error {
	if name != filepath.Base(name) || name == "." || name == ".." {
		return fmt.Errorf("invalid archive segment name %q", name)
	}
	path := filepath.Join(s.dir, name)

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("archive segment %s already exists", name)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to check archive segment: %w", err)
	}

	fs := &FileStorage{dir: s.dir, logger: s.logger}
	if err := fs.writeAtomic(path, data); err != nil {
		return fmt.Errorf("failed to write archive segment: %w", err)
	}

	s.logger.InfoContext(ctx, "audit segment archived to directory", "path", path, "bytes", len(data))
	return nil
}
