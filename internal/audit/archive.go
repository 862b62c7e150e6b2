package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/spounge-ai/polysecret/internal/domain"
)

// Archiver receives retired audit segments. name is unique per segment.
type Archiver interface {
	Archive(ctx context.Context, name string, data []byte) error
}

// ArchiveResult describes one retention pass.
type ArchiveResult struct {
	Segment  string
	Archived int
	Kept     int
}

// Archive moves all but the newest keep entries to archiver and rewrites the
// live file. The upload happens without blocking Record; entries appended
// meanwhile are kept. The anchor file links the remaining chain to the last
// archived entry.
func (l *Log) Archive(ctx context.Context, archiver Archiver, keep int) (ArchiveResult, error) {
	if keep < 0 {
		return ArchiveResult{}, errors.New("keep must not be negative")
	}
	l.archiveMu.Lock()
	defer l.archiveMu.Unlock()

	l.mu.Lock()
	if err := l.flushPendingAnchor(); err != nil {
		l.mu.Unlock()
		return ArchiveResult{}, fmt.Errorf("failed to persist pending audit anchor: %w", err)
	}
	if len(l.entries) <= keep {
		kept := len(l.entries)
		l.mu.Unlock()
		return ArchiveResult{Kept: kept}, nil
	}
	retired := slices.Clone(l.entries[:len(l.entries)-keep])
	l.mu.Unlock()

	data, err := encodeEntries(retired)
	if err != nil {
		return ArchiveResult{}, err
	}

	first, last := retired[0], retired[len(retired)-1]
	name := fmt.Sprintf("audit-%012d-%012d-%s.jsonl", first.Seq, last.Seq, last.Timestamp.Format("20060102T150405Z"))
	if err := archiver.Archive(ctx, name, data); err != nil {
		return ArchiveResult{}, fmt.Errorf("failed to archive audit segment %s: %w", name, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	remaining := slices.Clone(l.entries[len(retired):])
	res := ArchiveResult{Segment: name, Archived: len(retired), Kept: len(remaining)}
	rewritten, err := l.rewrite(remaining, anchor{Seq: last.Seq, Hash: last.Hash})
	if rewritten {
		l.entries = remaining
	}
	if err != nil {
		if rewritten {
			return res, err
		}
		l.logger.ErrorContext(ctx, "audit segment uploaded but live file not rewritten; the next pass uploads an overlapping segment",
			"segment", name, "error", err)
		return ArchiveResult{}, err
	}

	l.logger.InfoContext(ctx, "audit segment archived", "segment", name, "archived", len(retired), "kept", len(remaining))
	return res, nil
}

func encodeEntries(entries []domain.AuditEntry) ([]byte, error) {
	var buf bytes.Buffer
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("failed to encode audit entry: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// rewrite replaces the live file with entries and then the anchor with a.
// Both files are staged before either is renamed. rewritten reports whether
// the live file was replaced; when only the anchor failed, a is kept as the
// pending anchor. It runs with l.mu held.
func (l *Log) rewrite(entries []domain.AuditEntry, a anchor) (rewritten bool, err error) {
	data, err := encodeEntries(entries)
	if err != nil {
		return false, err
	}
	anchorData, err := json.Marshal(a)
	if err != nil {
		return false, fmt.Errorf("failed to encode audit anchor: %w", err)
	}

	liveTmp, err := stageFile(l.path, data)
	if err != nil {
		return false, fmt.Errorf("failed to stage audit log: %w", err)
	}
	defer os.Remove(liveTmp)
	anchorTmp, err := stageFile(l.anchorPath(), anchorData)
	if err != nil {
		return false, fmt.Errorf("failed to stage audit anchor: %w", err)
	}
	defer os.Remove(anchorTmp)

	if err := l.commitFile(liveTmp, l.path); err != nil {
		return false, fmt.Errorf("failed to rewrite audit log: %w", err)
	}

	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	l.offset = int64(len(data))
	f, openErr := l.open(l.path)
	if openErr == nil {
		l.file = f
	}

	if err := l.commitFile(anchorTmp, l.anchorPath()); err != nil {
		l.pending = &a
		l.logger.Error("audit log rewritten but anchor not updated; chain link kept in memory until it can be written",
			"path", l.anchorPath(), "seq", a.Seq, "error", err)
		return true, fmt.Errorf("failed to write audit anchor: %w", err)
	}
	l.pending = nil

	if openErr != nil {
		return true, fmt.Errorf("failed to reopen audit log: %w", openErr)
	}
	return true, nil
}

// flushPendingAnchor writes an anchor left over from a failed rewrite. It
// runs with l.mu held.
func (l *Log) flushPendingAnchor() error {
	if l.pending == nil {
		return nil
	}
	data, err := json.Marshal(*l.pending)
	if err != nil {
		return err
	}
	tmp, err := stageFile(l.anchorPath(), data)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)
	if err := l.commitFile(tmp, l.anchorPath()); err != nil {
		return err
	}
	l.logger.Info("pending audit anchor persisted", "path", l.anchorPath(), "seq", l.pending.Seq)
	l.pending = nil
	return nil
}

// stageFile writes data to an fsynced temp file next to path and returns its name.
func stageFile(path string, data []byte) (string, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()

	err = tmp.Chmod(fileMode)
	if err == nil {
		_, err = tmp.Write(data)
	}
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return "", err
	}
	return tmpName, nil
}

// commitFile renames a staged file over path and syncs the directory.
func (l *Log) commitFile(tmpName, path string) error {
	if err := l.rename(tmpName, path); err != nil {
		return err
	}

	d, err := os.Open(filepath.Dir(path))
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
