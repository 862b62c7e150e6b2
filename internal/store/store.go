// Package store holds the authoritative in-memory view of every secret and is
// the only writer of the durable records behind it.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/spounge-ai/polysecret/internal/authorization"
	"github.com/spounge-ai/polysecret/internal/domain"
	app_errors "github.com/spounge-ai/polysecret/internal/errors"
	"github.com/spounge-ai/polysecret/pkg/patterns/concurrency"
)

// ErrStale is returned by Update when ExpectedVersion no longer matches.
var ErrStale = errors.New("secret changed since it was read")

// Cipher seals and opens values bound to a record's identity.
type Cipher interface {
	Seal(plaintext []byte, b domain.Binding) (domain.EncryptedValue, error)
	Open(value domain.EncryptedValue, b domain.Binding) ([]byte, error)
}

// NewSecret is the input of Create. Validation of the option fields happens
// at the facade; the store re-checks only what it must never persist.
type NewSecret struct {
	Name        string
	Type        domain.SecretType
	Sensitivity domain.Sensitivity
	Value       []byte
	Description string
	Tags        []string
	RotateAfter time.Duration
}

// Changes are the optional metadata edits applied with a new value.
type Changes struct {
	Description *string
	// Tags replaces the tag set when non-nil.
	Tags []string
	// ExpectedVersion makes the update conditional when non-zero.
	ExpectedVersion int64
}

type accessStats struct {
	count atomic.Int64
	last  atomic.Int64
	dirty atomic.Bool
}

func newAccessStats(md domain.Metadata) *accessStats {
	st := &accessStats{}
	st.count.Store(md.AccessCount)
	if md.LastAccessed != nil {
		st.last.Store(md.LastAccessed.UnixNano())
	}
	return st
}

func (st *accessStats) record(now time.Time) {
	st.count.Add(1)
	st.last.Store(now.UnixNano())
	st.dirty.Store(true)
}

func (st *accessStats) apply(md *domain.Metadata) {
	md.AccessCount = st.count.Load()
	if n := st.last.Load(); n != 0 {
		t := time.Unix(0, n).UTC()
		md.LastAccessed = &t
	} else {
		md.LastAccessed = nil
	}
}

// entry pairs an immutable secret snapshot with access counters that survive
// snapshot replacement.
type entry struct {
	secret *domain.Secret
	stats  *accessStats
}

func (e *entry) materialize() *domain.Secret {
	s := e.secret.Clone()
	e.stats.apply(&s.Metadata)
	return s
}

type Config struct {
	Repository domain.SecretRepository
	Cipher     Cipher
	Catalog    *domain.Catalog
	Clock      clock.Clock
	Logger     *slog.Logger
}

type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	corrupt map[string]domain.CorruptRecord

	locks   *concurrency.KeyedMutex
	repo    domain.SecretRepository
	cipher  Cipher
	catalog *domain.Catalog
	clock   clock.Clock
	logger  *slog.Logger
}

func New(cfg Config) (*Store, error) {
	if cfg.Repository == nil || cfg.Cipher == nil {
		return nil, errors.New("store requires a repository and a cipher")
	}
	if cfg.Catalog == nil {
		cfg.Catalog = domain.DefaultCatalog()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{
		entries: make(map[string]*entry),
		corrupt: make(map[string]domain.CorruptRecord),
		locks:   concurrency.NewKeyedMutex(),
		repo:    cfg.Repository,
		cipher:  cfg.Cipher,
		catalog: cfg.Catalog,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
	}, nil
}

// Load replaces the in-memory view with the durable records. Records that
// cannot be used are returned and kept aside; they block reads and creates
// under their name until deleted.
func (s *Store) Load(ctx context.Context) ([]domain.CorruptRecord, error) {
	secrets, corrupt, err := s.repo.LoadAll(ctx)
	if err != nil {
		return nil, app_errors.New(app_errors.ErrStorage, "load", "", err)
	}

	entries := make(map[string]*entry, len(secrets))
	for _, secret := range secrets {
		if err := s.checkEnums(secret.Type, secret.Sensitivity); err != nil {
			corrupt = append(corrupt, domain.CorruptRecord{
				Name: secret.Name,
				Err:  fmt.Errorf("%w: %v", app_errors.ErrCorruption, err),
			})
			continue
		}
		entries[secret.Name] = &entry{secret: secret.Clone(), stats: newAccessStats(secret.Metadata)}
	}

	corruptByName := make(map[string]domain.CorruptRecord, len(corrupt))
	for _, c := range corrupt {
		corruptByName[c.Name] = c
		s.logger.ErrorContext(ctx, "secret record is corrupted", "secret_name", c.Name, "error", c.Err)
	}

	s.mu.Lock()
	s.entries = entries
	s.corrupt = corruptByName
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "secret store loaded", "secrets", len(entries), "corrupted", len(corrupt))
	return corrupt, nil
}

func (s *Store) checkEnums(t domain.SecretType, level domain.Sensitivity) error {
	if !s.catalog.ValidType(t) {
		return fmt.Errorf("unknown secret type %q", t)
	}
	if !s.catalog.ValidSensitivity(level) {
		return fmt.Errorf("unknown sensitivity level %d", int(level))
	}
	return nil
}

func (s *Store) lookup(name string) (*entry, *domain.CorruptRecord) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.corrupt[name]; ok {
		return nil, &c
	}
	return s.entries[name], nil
}

func corruptionError(op string, c *domain.CorruptRecord) error {
	return app_errors.New(app_errors.ErrCorruption, op, c.Name, c.Err)
}

// Create encrypts and persists a new secret at version 1. It never replaces
// an existing record.
func (s *Store) Create(ctx context.Context, in NewSecret) (domain.SecretInfo, error) {
	const op = "store"
	if err := domain.ValidateName(in.Name); err != nil {
		return domain.SecretInfo{}, app_errors.New(app_errors.ErrValidation, op, in.Name, err)
	}
	if err := s.checkEnums(in.Type, in.Sensitivity); err != nil {
		return domain.SecretInfo{}, app_errors.New(app_errors.ErrValidation, op, in.Name, err)
	}

	unlock := s.locks.Lock(in.Name)
	defer unlock()

	existing, corrupt := s.lookup(in.Name)
	if corrupt != nil {
		return domain.SecretInfo{}, corruptionError(op, corrupt)
	}
	if existing != nil {
		return domain.SecretInfo{}, app_errors.New(app_errors.ErrAlreadyExists, op, in.Name, nil)
	}

	value, err := s.cipher.Seal(in.Value, domain.Binding{
		Name:        in.Name,
		Type:        in.Type,
		Sensitivity: in.Sensitivity,
		Version:     1,
	})
	if err != nil {
		return domain.SecretInfo{}, app_errors.New(app_errors.ErrStorage, op, in.Name, err)
	}

	now := s.clock.Now().UTC()
	secret := &domain.Secret{
		Name:        in.Name,
		Type:        in.Type,
		Sensitivity: in.Sensitivity,
		Value:       value,
		Metadata: domain.Metadata{
			CreatedAt:   now,
			UpdatedAt:   now,
			Version:     1,
			Description: in.Description,
			Tags:        append([]string(nil), in.Tags...),
			RotateAfter: domain.Duration(in.RotateAfter),
			LastRotated: now,
		},
	}

	if err := s.repo.Save(ctx, secret); err != nil {
		return domain.SecretInfo{}, app_errors.New(app_errors.ErrStorage, op, in.Name, err)
	}

	e := &entry{secret: secret, stats: newAccessStats(secret.Metadata)}
	s.mu.Lock()
	s.entries[in.Name] = e
	s.mu.Unlock()

	return e.materialize().Info(), nil
}

// Get decrypts a secret. A non-zero ceiling denies access to secrets of a
// higher sensitivity. Access counters move only on success.
func (s *Store) Get(ctx context.Context, name string, ceiling domain.Sensitivity) ([]byte, domain.SecretInfo, error) {
	const op = "get"
	e, corrupt := s.lookup(name)
	if corrupt != nil {
		return nil, domain.SecretInfo{}, corruptionError(op, corrupt)
	}
	if e == nil {
		return nil, domain.SecretInfo{}, app_errors.New(app_errors.ErrNotFound, op, name, nil)
	}

	if err := authorization.ValidateSensitivityCeiling(ceiling, e.secret.Sensitivity); err != nil {
		return nil, e.materialize().Info(), app_errors.New(app_errors.ErrAccessDenied, op, name, err)
	}

	plaintext, err := s.cipher.Open(e.secret.Value, e.secret.Binding())
	if err != nil {
		kind := app_errors.KindOf(err)
		if kind == nil {
			kind = app_errors.ErrIntegrity
		}
		return nil, domain.SecretInfo{}, app_errors.New(kind, op, name, err)
	}

	e.stats.record(s.clock.Now())
	return plaintext, e.materialize().Info(), nil
}

// Update re-encrypts a secret under a new value, bumping the version and the
// rotation timestamp.
func (s *Store) Update(ctx context.Context, name string, value []byte, changes Changes) (domain.SecretInfo, error) {
	const op = "update"
	unlock := s.locks.Lock(name)
	defer unlock()

	e, corrupt := s.lookup(name)
	if corrupt != nil {
		return domain.SecretInfo{}, corruptionError(op, corrupt)
	}
	if e == nil {
		return domain.SecretInfo{}, app_errors.New(app_errors.ErrNotFound, op, name, nil)
	}
	if changes.ExpectedVersion != 0 && changes.ExpectedVersion != e.secret.Metadata.Version {
		return domain.SecretInfo{}, app_errors.New(app_errors.ErrRotation, op, name, ErrStale)
	}

	next := e.secret.Clone()
	next.Metadata.Version++
	sealed, err := s.cipher.Seal(value, next.Binding())
	if err != nil {
		return domain.SecretInfo{}, app_errors.New(app_errors.ErrStorage, op, name, err)
	}

	now := s.clock.Now().UTC()
	next.Value = sealed
	next.Metadata.UpdatedAt = now
	next.Metadata.LastRotated = now
	if changes.Description != nil {
		next.Metadata.Description = *changes.Description
	}
	if changes.Tags != nil {
		next.Metadata.Tags = append([]string(nil), changes.Tags...)
	}

	if err := s.persist(ctx, &entry{secret: next, stats: e.stats}); err != nil {
		return domain.SecretInfo{}, app_errors.New(app_errors.ErrStorage, op, name, err)
	}

	ne := &entry{secret: next, stats: e.stats}
	s.mu.Lock()
	s.entries[name] = ne
	s.mu.Unlock()

	return ne.materialize().Info(), nil
}

// persist writes the snapshot with the current access counters folded in.
func (s *Store) persist(ctx context.Context, e *entry) error {
	wasDirty := e.stats.dirty.Swap(false)
	if err := s.repo.Save(ctx, e.materialize()); err != nil {
		if wasDirty {
			e.stats.dirty.Store(true)
		}
		return err
	}
	return nil
}

// Delete removes a secret, including one whose record is corrupted.
func (s *Store) Delete(ctx context.Context, name string, keepBackup bool) (domain.SecretInfo, error) {
	const op = "delete"
	unlock := s.locks.Lock(name)
	defer unlock()

	e, corrupt := s.lookup(name)
	if e == nil && corrupt == nil {
		return domain.SecretInfo{}, app_errors.New(app_errors.ErrNotFound, op, name, nil)
	}

	if err := s.repo.Delete(ctx, name, keepBackup); err != nil && !errors.Is(err, app_errors.ErrNotFound) {
		return domain.SecretInfo{}, app_errors.New(app_errors.ErrStorage, op, name, err)
	}

	s.mu.Lock()
	delete(s.entries, name)
	delete(s.corrupt, name)
	s.mu.Unlock()

	if e == nil {
		return domain.SecretInfo{Name: name}, nil
	}
	return e.materialize().Info(), nil
}

// Metadata returns the non-sensitive view without decrypting or counting an access.
func (s *Store) Metadata(name string) (domain.SecretInfo, error) {
	e, corrupt := s.lookup(name)
	if corrupt != nil {
		return domain.SecretInfo{}, corruptionError("metadata", corrupt)
	}
	if e == nil {
		return domain.SecretInfo{}, app_errors.New(app_errors.ErrNotFound, "metadata", name, nil)
	}
	return e.materialize().Info(), nil
}

// List returns the metadata of matching secrets ordered by name.
func (s *Store) List(filter domain.SecretFilter) []domain.SecretInfo {
	s.mu.RLock()
	infos := make([]domain.SecretInfo, 0, len(s.entries))
	for _, e := range s.entries {
		info := e.materialize().Info()
		if filter.Matches(info) {
			infos = append(infos, info)
		}
	}
	s.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Corrupted returns the records set aside at load, ordered by name.
func (s *Store) Corrupted() []domain.CorruptRecord {
	s.mu.RLock()
	out := make([]domain.CorruptRecord, 0, len(s.corrupt))
	for _, c := range s.corrupt {
		out = append(out, c)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Flush persists access counters that changed since the last write of each
// secret.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.RLock()
	names := make([]string, 0, len(s.entries))
	for name, e := range s.entries {
		if e.stats.dirty.Load() {
			names = append(names, name)
		}
	}
	s.mu.RUnlock()

	var errs []error
	for _, name := range names {
		if err := s.flushOne(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) flushOne(ctx context.Context, name string) error {
	unlock := s.locks.Lock(name)
	defer unlock()

	e, _ := s.lookup(name)
	if e == nil || !e.stats.dirty.Load() {
		return nil
	}
	if err := s.persist(ctx, e); err != nil {
		return app_errors.New(app_errors.ErrStorage, "flush", name, err)
	}
	return nil
}
