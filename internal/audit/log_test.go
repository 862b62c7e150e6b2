package audit

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
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

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

var testKey = bytes.Repeat([]byte{9}, 32)

func openTestLog(t *testing.T, path string, clk *testclock.Clock, logger *slog.Logger) *Log {
	t.Helper()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	l, err := Open(path, Options{HMACKey: testKey, Clock: clk, Logger: logger, RetryBackoff: time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLog_RecordAndQuery(t *testing.T) {
	ctx := context.Background()
	clk := testclock.NewClock(epoch)
	l := openTestLog(t, filepath.Join(t.TempDir(), "audit.log"), clk, nil)

	l.Record(ctx, domain.ActionStored, "a", map[string]string{"type": "api_key"})
	clk.Advance(time.Minute)
	l.Record(ctx, domain.ActionAccessed, "a", nil)
	clk.Advance(time.Minute)
	l.Record(ctx, domain.ActionNotFound, "b", nil)
	clk.Advance(time.Minute)
	l.Record(ctx, domain.ActionAccessed, "a", nil)

	assert.Equal(t, 4, l.Size())

	all, err := l.Query(ctx, domain.AuditQuery{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i, e := range all {
		assert.EqualValues(t, i+1, e.Seq)
		assert.NotEmpty(t, e.ID)
		assert.NotEmpty(t, e.Hash)
	}
	assert.Equal(t, "api_key", all[0].Details["type"])
	assert.Equal(t, domain.SeverityInfo, all[0].Severity)
	assert.Equal(t, domain.SeverityWarning, all[2].Severity)
	assert.Equal(t, all[0].Hash, all[1].PrevHash)

	accessed, err := l.Query(ctx, domain.AuditQuery{Actions: []domain.AuditAction{domain.ActionAccessed}})
	require.NoError(t, err)
	assert.Len(t, accessed, 2)

	newest, err := l.Query(ctx, domain.AuditQuery{Limit: 2, NewestFirst: true})
	require.NoError(t, err)
	require.Len(t, newest, 2)
	assert.EqualValues(t, 4, newest[0].Seq)
	assert.EqualValues(t, 3, newest[1].Seq)

	oldest, err := l.Query(ctx, domain.AuditQuery{Limit: 1})
	require.NoError(t, err)
	require.Len(t, oldest, 1)
	assert.EqualValues(t, 1, oldest[0].Seq)

	window, err := l.Query(ctx, domain.AuditQuery{Since: epoch.Add(time.Minute), Until: epoch.Add(2 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, window, 2)

	named, err := l.Query(ctx, domain.AuditQuery{SecretName: "b"})
	require.NoError(t, err)
	require.Len(t, named, 1)
	assert.Equal(t, domain.ActionNotFound, named[0].Action)
}

func TestLog_SeverityOverride(t *testing.T) {
	ctx := context.Background()
	l := openTestLog(t, filepath.Join(t.TempDir(), "audit.log"), testclock.NewClock(epoch), nil)

	l.Record(ctx, domain.ActionAccessed, "a", map[string]string{SeverityKey: "critical", "outcome": "failure"})
	entries, err := l.Query(ctx, domain.AuditQuery{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.SeverityCritical, entries[0].Severity)
	assert.Equal(t, map[string]string{"outcome": "failure"}, entries[0].Details)
}

func TestLog_MirrorsToLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	l := openTestLog(t, filepath.Join(t.TempDir(), "audit.log"), testclock.NewClock(epoch), logger)

	l.Record(context.Background(), domain.ActionAccessDenied, "vault", map[string]string{"required": "LOW"})
	out := buf.String()
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "msg=audit_event")
	assert.Contains(t, out, "action=ACCESS_DENIED")
	assert.Contains(t, out, "required=LOW")
}

func TestLog_ReopenResumesChain(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.log")
	clk := testclock.NewClock(epoch)

	l := openTestLog(t, path, clk, nil)
	l.Record(ctx, domain.ActionStored, "a", nil)
	l.Record(ctx, domain.ActionUpdated, "a", nil)
	require.NoError(t, l.Close())

	l = openTestLog(t, path, clk, nil)
	assert.Equal(t, 2, l.Size())
	l.Record(ctx, domain.ActionDeleted, "a", nil)

	entries, err := l.Query(ctx, domain.AuditQuery{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.EqualValues(t, 3, entries[2].Seq)
	assert.Equal(t, entries[1].Hash, entries[2].PrevHash)
	assert.NoError(t, l.VerifyChain(ctx))
}

func TestLog_TornLineIsDiscarded(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.log")
	clk := testclock.NewClock(epoch)

	l := openTestLog(t, path, clk, nil)
	l.Record(ctx, domain.ActionStored, "a", nil)
	require.NoError(t, l.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"torn","seq":2,"act`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l = openTestLog(t, path, clk, nil)
	assert.Equal(t, 1, l.Size())
	l.Record(ctx, domain.ActionAccessed, "a", nil)
	assert.NoError(t, l.VerifyChain(ctx))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "torn")
}

func TestLog_VerifyChainDetectsTampering(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.log")
	clk := testclock.NewClock(epoch)

	l := openTestLog(t, path, clk, nil)
	l.Record(ctx, domain.ActionAccessed, "a", nil)
	l.Record(ctx, domain.ActionAccessDenied, "a", nil)
	l.Record(ctx, domain.ActionAccessed, "a", nil)
	require.NoError(t, l.VerifyChain(ctx))
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), "ACCESS_DENIED", "ACCESSED", 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o600))

	l = openTestLog(t, path, clk, nil)
	err = l.VerifyChain(ctx)
	var chainErr *ChainError
	require.ErrorAs(t, err, &chainErr)
	assert.EqualValues(t, 2, chainErr.Seq)
	assert.Equal(t, 2, chainErr.Line)

	lines := strings.SplitAfter(string(data), "\n")
	dropped := lines[0] + lines[2]
	require.NoError(t, os.WriteFile(path, []byte(dropped), 0o600))
	err = l.VerifyChain(ctx)
	require.ErrorAs(t, err, &chainErr)
	assert.Equal(t, 2, chainErr.Line)
}

func TestLog_VerifyChainNeedsKey(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.log")

	l := openTestLog(t, path, testclock.NewClock(epoch), nil)
	l.Record(ctx, domain.ActionStored, "a", nil)
	require.NoError(t, l.Close())

	other, err := Open(path, Options{HMACKey: bytes.Repeat([]byte{1}, 32), Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)
	defer other.Close()
	assert.Error(t, other.VerifyChain(ctx))
}

// flakySegment fails the first failWrites writes after writing a partial line.
type flakySegment struct {
	mu         sync.Mutex
	f          *os.File
	failWrites int
}

var errDisk = errors.New("no space left on device")

func (s *flakySegment) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites > 0 {
		s.failWrites--
		n, _ := s.f.Write(p[:len(p)/2])
		return n, errDisk
	}
	return s.f.Write(p)
}

func (s *flakySegment) Sync() error               { return s.f.Sync() }
func (s *flakySegment) Truncate(size int64) error { return s.f.Truncate(size) }
func (s *flakySegment) Close() error              { return s.f.Close() }

func withFlakySegment(t *testing.T, l *Log, failWrites int) *flakySegment {
	t.Helper()
	require.NoError(t, l.file.Close())
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	seg := &flakySegment{f: f, failWrites: failWrites}
	l.file = seg
	return seg
}

func TestLog_WriteFailureIsRetriedOnce(t *testing.T) {
	ctx := context.Background()
	l := openTestLog(t, filepath.Join(t.TempDir(), "audit.log"), testclock.NewClock(epoch), nil)

	l.Record(ctx, domain.ActionStored, "a", nil)
	withFlakySegment(t, l, 1)
	l.Record(ctx, domain.ActionAccessed, "a", nil)

	assert.Equal(t, 2, l.Size())
	assert.Zero(t, l.Failures())
	assert.NoError(t, l.VerifyChain(ctx))
}

func TestLog_PersistentWriteFailureNeverBlocks(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	l := openTestLog(t, filepath.Join(t.TempDir(), "audit.log"), testclock.NewClock(epoch), logger)

	l.Record(ctx, domain.ActionStored, "a", nil)
	withFlakySegment(t, l, 2)
	l.Record(ctx, domain.ActionAccessed, "a", nil)

	assert.Equal(t, 1, l.Size())
	assert.EqualValues(t, 1, l.Failures())
	assert.Contains(t, buf.String(), "failed to write audit entry")

	l.Record(ctx, domain.ActionDeleted, "a", nil)
	assert.Equal(t, 2, l.Size())
	entries, err := l.Query(ctx, domain.AuditQuery{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, entries[1].Seq)
	assert.NoError(t, l.VerifyChain(ctx))
}

func TestLog_RecordAfterClose(t *testing.T) {
	ctx := context.Background()
	l := openTestLog(t, filepath.Join(t.TempDir(), "audit.log"), testclock.NewClock(epoch), nil)
	require.NoError(t, l.Close())

	l.Record(ctx, domain.ActionStored, "a", nil)
	assert.Zero(t, l.Size())
	assert.EqualValues(t, 1, l.Failures())
}
