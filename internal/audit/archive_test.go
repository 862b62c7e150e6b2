package audit

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/spounge-ai/polysecret/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memArchiver struct {
	mu       sync.Mutex
	segments map[string][]byte
	err      error
}

func newMemArchiver() *memArchiver {
	return &memArchiver{segments: make(map[string][]byte)}
}

func (a *memArchiver) Archive(ctx context.Context, name string, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.segments[name] = bytes.Clone(data)
	return nil
}

func (a *memArchiver) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.segments)
}

func countLines(data []byte) int {
	n := 0
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		n++
	}
	return n
}

func TestLog_Archive(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.log")
	clk := testclock.NewClock(epoch)
	l := openTestLog(t, path, clk, nil)

	for i := 0; i < 5; i++ {
		l.Record(ctx, domain.ActionAccessed, "a", nil)
	}

	archiver := newMemArchiver()
	res, err := l.Archive(ctx, archiver, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Archived)
	assert.Equal(t, 2, res.Kept)
	assert.Equal(t, "audit-000000000001-000000000003-20250101T000000Z.jsonl", res.Segment)
	assert.Equal(t, 3, countLines(archiver.segments[res.Segment]))

	assert.Equal(t, 2, l.Size())
	require.NoError(t, l.VerifyChain(ctx))

	l.Record(ctx, domain.ActionDeleted, "a", nil)
	require.NoError(t, l.VerifyChain(ctx))
	require.NoError(t, l.Close())

	reopened := openTestLog(t, path, clk, nil)
	entries, err := reopened.Query(ctx, domain.AuditQuery{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.EqualValues(t, 4, entries[0].Seq)
	assert.EqualValues(t, 6, entries[2].Seq)
	assert.NoError(t, reopened.VerifyChain(ctx))
}

func TestLog_ArchiveEverythingKeepsSequence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.log")
	clk := testclock.NewClock(epoch)
	l := openTestLog(t, path, clk, nil)

	l.Record(ctx, domain.ActionStored, "a", nil)
	l.Record(ctx, domain.ActionDeleted, "a", nil)

	_, err := l.Archive(ctx, newMemArchiver(), 0)
	require.NoError(t, err)
	assert.Zero(t, l.Size())
	require.NoError(t, l.Close())

	reopened := openTestLog(t, path, clk, nil)
	reopened.Record(ctx, domain.ActionStored, "b", nil)
	entries, err := reopened.Query(ctx, domain.AuditQuery{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.EqualValues(t, 3, entries[0].Seq)
	assert.NoError(t, reopened.VerifyChain(ctx))
}

func TestLog_ArchiveFailureKeepsEntries(t *testing.T) {
	ctx := context.Background()
	l := openTestLog(t, filepath.Join(t.TempDir(), "audit.log"), testclock.NewClock(epoch), nil)
	for i := 0; i < 3; i++ {
		l.Record(ctx, domain.ActionAccessed, "a", nil)
	}

	archiver := newMemArchiver()
	archiver.err = errors.New("bucket unavailable")
	_, err := l.Archive(ctx, archiver, 1)
	require.Error(t, err)
	assert.Equal(t, 3, l.Size())
	assert.NoError(t, l.VerifyChain(ctx))

	res, err := l.Archive(ctx, newMemArchiver(), 10)
	require.NoError(t, err)
	assert.Zero(t, res.Archived)
	assert.Equal(t, 3, res.Kept)
}

// failRenameTo makes renames onto target fail until the returned restore is called.
func failRenameTo(l *Log, target string) (restore func()) {
	l.rename = func(oldpath, newpath string) error {
		if newpath == target {
			return errors.New("rename: device busy")
		}
		return os.Rename(oldpath, newpath)
	}
	return func() { l.rename = os.Rename }
}

func TestLog_ArchiveAnchorFailureKeepsChainVerifiable(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.log")
	l := openTestLog(t, path, testclock.NewClock(epoch), nil)
	for i := 0; i < 4; i++ {
		l.Record(ctx, domain.ActionAccessed, "a", nil)
	}

	restore := failRenameTo(l, l.anchorPath())
	archiver := newMemArchiver()
	res, err := l.Archive(ctx, archiver, 1)
	require.Error(t, err)
	assert.Equal(t, 3, res.Archived)
	assert.Equal(t, 1, l.Size())
	assert.NoError(t, l.VerifyChain(ctx))

	restore()
	res, err = l.Archive(ctx, archiver, 10)
	require.NoError(t, err)
	assert.Zero(t, res.Archived)
	assert.Equal(t, 1, archiver.count())

	require.NoError(t, l.Close())
	reopened := openTestLog(t, path, testclock.NewClock(epoch), nil)
	assert.NoError(t, reopened.VerifyChain(ctx))
	reopened.Record(ctx, domain.ActionAccessed, "a", nil)
	assert.NoError(t, reopened.VerifyChain(ctx))
}

func TestLog_ArchiveLiveRewriteFailureChangesNothing(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	l := openTestLog(t, path, testclock.NewClock(epoch), nil)
	for i := 0; i < 3; i++ {
		l.Record(ctx, domain.ActionAccessed, "a", nil)
	}

	restore := failRenameTo(l, path)
	defer restore()
	_, err := l.Archive(ctx, newMemArchiver(), 1)
	require.Error(t, err)

	assert.Equal(t, 3, l.Size())
	assert.NoError(t, l.VerifyChain(ctx))
	_, statErr := os.Stat(l.anchorPath())
	assert.ErrorIs(t, statErr, os.ErrNotExist)

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, f := range files {
		assert.False(t, strings.HasPrefix(f.Name(), ".tmp-"), "staged file %s left behind", f.Name())
	}

	l.Record(ctx, domain.ActionAccessed, "a", nil)
	assert.Equal(t, 4, l.Size())
	assert.NoError(t, l.VerifyChain(ctx))
}

func TestRetention_RunsOnSchedule(t *testing.T) {
	ctx := context.Background()
	clk := testclock.NewClock(epoch)
	l := openTestLog(t, filepath.Join(t.TempDir(), "audit.log"), clk, nil)
	for i := 0; i < 4; i++ {
		l.Record(ctx, domain.ActionAccessed, "a", nil)
	}

	archiver := newMemArchiver()
	r, err := NewRetention(l, RetentionConfig{Schedule: "0 * * * *", Keep: 1, Archiver: archiver, Clock: clk})
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(time.Hour), r.Next(epoch))

	require.NoError(t, r.Start(ctx))
	t.Cleanup(func() { require.NoError(t, r.Stop(ctx)) })
	assert.True(t, r.Health(ctx).Ready)

	require.NoError(t, clk.WaitAdvance(time.Hour, 2*time.Second, 1))
	require.Eventually(t, func() bool { return archiver.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, l.Size())
}

func TestNewRetention_RejectsBadSchedule(t *testing.T) {
	l := openTestLog(t, filepath.Join(t.TempDir(), "audit.log"), testclock.NewClock(epoch), nil)

	_, err := NewRetention(l, RetentionConfig{Schedule: "every tuesday", Archiver: newMemArchiver()})
	assert.Error(t, err)
	_, err = NewRetention(l, RetentionConfig{Schedule: "@daily"})
	assert.Error(t, err)
}
