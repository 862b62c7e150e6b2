// Package audit keeps the append-only, hash-chained audit stream of secret
// lifecycle actions.
package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/spounge-ai/polysecret/internal/domain"
	"github.com/spounge-ai/polysecret/pkg/execution"
)

const (
	fileMode = 0o600
	dirMode  = 0o700

	// Record tries a write at most twice.
	writeAttempts       = 2
	defaultRetryBackoff = 10 * time.Millisecond
	maxLineSize         = 1 << 20
)

// segment is the open live file.
type segment interface {
	io.Writer
	Sync() error
	Truncate(size int64) error
	Close() error
}

func openSegment(path string) (segment, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, fileMode)
}

type Options struct {
	// HMACKey keys the hash chain. Without it entries are chained with plain SHA-256.
	HMACKey      []byte
	Clock        clock.Clock
	Logger       *slog.Logger
	RetryBackoff time.Duration
}

// Log is the audit stream: one JSON entry per line, safe to tail. An
// in-memory copy of the live file serves queries.
type Log struct {
	mu      sync.Mutex
	path    string
	file    segment
	offset  int64
	entries []domain.AuditEntry
	seq     uint64
	last    string

	archiveMu sync.Mutex

	chain   chain
	clock   clock.Clock
	logger  *slog.Logger
	backoff time.Duration
	open    func(string) (segment, error)
	rename  func(oldpath, newpath string) error
	closed  bool

	// pending is an anchor that could not be persisted after the live file
	// was already rewritten. It is the authoritative link until written.
	pending *anchor

	failures atomic.Uint64
}

var (
	_ domain.AuditRecorder = (*Log)(nil)
	_ domain.AuditReader   = (*Log)(nil)
)

// Open loads the live file at path, creating it if needed, and resumes the
// chain. A torn final line from an interrupted write is cut off.
func Open(path string, opts Options) (*Log, error) {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}

	l := &Log{
		path:    path,
		chain:   chain{key: slices.Clone(opts.HMACKey)},
		clock:   opts.Clock,
		logger:  opts.Logger,
		backoff: opts.RetryBackoff,
		open:    openSegment,
		rename:  os.Rename,
	}

	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	if err := l.load(); err != nil {
		return nil, err
	}

	f, err := l.open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	l.file = f
	return l, nil
}

func (l *Log) anchorPath() string {
	return l.path + ".anchor"
}

func (l *Log) readAnchor() (*anchor, error) {
	data, err := os.ReadFile(l.anchorPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read audit anchor: %w", err)
	}
	var a anchor
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to decode audit anchor: %w", err)
	}
	return &a, nil
}

func (l *Log) load() error {
	a, err := l.readAnchor()
	if err != nil {
		return err
	}
	if a != nil {
		l.seq, l.last = a.Seq, a.Hash
	}

	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read audit log: %w", err)
	}

	var good int64
	for len(data[good:]) > 0 {
		rest := data[good:]
		nl := bytes.IndexByte(rest, '\n')
		if nl < 0 {
			l.logger.Warn("discarding torn audit line left by an interrupted write", "path", l.path, "offset", good)
			if err := os.Truncate(l.path, good); err != nil {
				return fmt.Errorf("failed to truncate torn audit line: %w", err)
			}
			break
		}

		var e domain.AuditEntry
		if err := json.Unmarshal(rest[:nl], &e); err != nil {
			l.logger.Error("unreadable audit line", "path", l.path, "offset", good, "error", err)
		} else {
			l.entries = append(l.entries, e)
			l.seq, l.last = e.Seq, e.Hash
		}
		good += int64(nl) + 1
	}
	l.offset = good
	return nil
}

func defaultSeverity(action domain.AuditAction) domain.AuditSeverity {
	switch action {
	case domain.ActionAccessDenied, domain.ActionNotFound:
		return domain.SeverityWarning
	case domain.ActionRotationFailed:
		return domain.SeverityError
	case domain.ActionCorruptionDetected:
		return domain.SeverityCritical
	}
	return domain.SeverityInfo
}

// SeverityKey in details overrides the action's default severity.
const SeverityKey = "severity"

func severityLevel(s domain.AuditSeverity) slog.Level {
	switch s {
	case domain.SeverityWarning:
		return slog.LevelWarn
	case domain.SeverityError, domain.SeverityCritical:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Record appends one entry. It never returns an error: a failed write is
// retried once, then reported on the operational logger and dropped without
// advancing the chain.
func (l *Log) Record(ctx context.Context, action domain.AuditAction, secretName string, details map[string]string) {
	severity := defaultSeverity(action)
	var d map[string]string
	if len(details) > 0 {
		d = make(map[string]string, len(details))
		for k, v := range details {
			if k == SeverityKey {
				severity = domain.AuditSeverity(v)
				continue
			}
			d[k] = v
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e := domain.AuditEntry{
		ID:         uuid.NewString(),
		Seq:        l.seq + 1,
		Timestamp:  l.clock.Now().UTC(),
		Action:     action,
		SecretName: secretName,
		Severity:   severity,
		Details:    d,
		PrevHash:   l.last,
	}

	l.mirror(ctx, e)

	err := l.append(ctx, &e)
	if err != nil {
		l.failures.Add(1)
		l.logger.ErrorContext(ctx, "failed to write audit entry",
			slog.String("audit_id", e.ID),
			slog.String("action", string(e.Action)),
			slog.String("secret_name", e.SecretName),
			slog.String("error", err.Error()))
		return
	}

	l.entries = append(l.entries, e)
	l.seq, l.last = e.Seq, e.Hash
}

func (l *Log) mirror(ctx context.Context, e domain.AuditEntry) {
	attrs := []slog.Attr{
		slog.String("audit_id", e.ID),
		slog.Uint64("seq", e.Seq),
		slog.String("action", string(e.Action)),
		slog.String("secret_name", e.SecretName),
		slog.String("severity", string(e.Severity)),
	}
	for _, k := range sortedKeys(e.Details) {
		attrs = append(attrs, slog.String(k, e.Details[k]))
	}
	l.logger.LogAttrs(ctx, severityLevel(e.Severity), "audit_event", attrs...)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// append runs with l.mu held.
func (l *Log) append(ctx context.Context, e *domain.AuditEntry) error {
	hash, err := l.chain.sum(*e)
	if err != nil {
		return err
	}
	e.Hash = hash

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode audit entry: %w", err)
	}
	line = append(line, '\n')

	_, err = execution.WithRetry(context.WithoutCancel(ctx), writeAttempts, l.backoff, l.backoff, func(context.Context) (struct{}, error) {
		return struct{}{}, l.writeLine(line)
	})
	return err
}

var errClosed = errors.New("audit log is closed")

func (l *Log) writeLine(line []byte) error {
	if l.closed {
		return errClosed
	}
	if l.file == nil {
		f, err := l.open(l.path)
		if err != nil {
			return fmt.Errorf("failed to reopen audit log: %w", err)
		}
		l.file = f
	}

	n, err := l.file.Write(line)
	if err == nil {
		err = l.file.Sync()
	}
	if err != nil {
		if n > 0 {
			if terr := l.file.Truncate(l.offset); terr != nil {
				// The handle is suspect; reopen on the next attempt.
				l.file.Close()
				l.file = nil
			}
		}
		return err
	}
	l.offset += int64(n)
	return nil
}

// Query returns matching entries of the live log. Limit zero means all.
func (l *Log) Query(ctx context.Context, q domain.AuditQuery) ([]domain.AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []domain.AuditEntry
	visit := func(e domain.AuditEntry) bool {
		if q.Matches(e) {
			out = append(out, cloneEntry(e))
		}
		return q.Limit == 0 || len(out) < q.Limit
	}

	if q.NewestFirst {
		for i := len(l.entries) - 1; i >= 0; i-- {
			if !visit(l.entries[i]) {
				break
			}
		}
	} else {
		for _, e := range l.entries {
			if !visit(e) {
				break
			}
		}
	}
	return out, nil
}

func cloneEntry(e domain.AuditEntry) domain.AuditEntry {
	if e.Details != nil {
		d := make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			d[k] = v
		}
		e.Details = d
	}
	return e
}

// Size is the number of entries in the live log.
func (l *Log) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Failures counts entries that could not be written.
func (l *Log) Failures() uint64 {
	return l.failures.Load()
}

// VerifyChain re-reads the live file and checks every link and hash. It
// returns a *ChainError for the first break.
func (l *Log) VerifyChain(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	a := l.pending
	if a == nil {
		var err error
		if a, err = l.readAnchor(); err != nil {
			return err
		}
	}
	var (
		prevSeq  uint64
		prevHash string
	)
	if a != nil {
		prevSeq, prevHash = a.Seq, a.Hash
	}

	f, err := os.Open(l.path)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	line := 0
	for sc.Scan() {
		line++
		var e domain.AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return &ChainError{Line: line, Seq: prevSeq + 1, Reason: "unreadable entry"}
		}
		switch {
		case e.Seq != prevSeq+1:
			return &ChainError{Line: line, Seq: e.Seq, Reason: fmt.Sprintf("expected seq %d", prevSeq+1)}
		case e.PrevHash != prevHash:
			return &ChainError{Line: line, Seq: e.Seq, Reason: "previous hash mismatch"}
		case !l.chain.valid(e):
			return &ChainError{Line: line, Seq: e.Seq, Reason: "entry hash mismatch"}
		}
		prevSeq, prevHash = e.Seq, e.Hash
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to read audit log: %w", err)
	}
	return nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if err := l.flushPendingAnchor(); err != nil {
		l.logger.Error("audit anchor still not persisted at close", "path", l.anchorPath(), "error", err)
	}
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
