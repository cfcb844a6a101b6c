// Package docstore persists the sync server's state as a single JSON document on disk.
package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/dtc/internal/reconcile"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const (
	opStoreNew    = "docstore.new"
	opStoreRead   = "docstore.read"
	opStoreUpdate = "docstore.update"
	cacheKeyState = "state"
	documentPerm  = 0o644
)

var (
	errMissingPath = errors.New("document path is required")
	noOpLogger     = zap.NewNop()
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Config describes where and how the document is stored.
type Config struct {
	Path string
	// SerializeWrites guards read-modify-write cycles with a process-wide lock. When false,
	// overlapping updates race and the last write wins.
	SerializeWrites bool
	// CacheTTL keeps the decoded document in memory between reads. Zero disables caching.
	CacheTTL time.Duration
	Logger   *zap.Logger
}

// Store reads and rewrites the whole document.
type Store struct {
	path            string
	serializeWrites bool
	mu              sync.Mutex
	cache           *gocache.Cache
	logger          *zap.Logger
}

// New constructs a Store and creates the document with empty collections when it is absent.
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, newServiceError(opStoreNew, "missing_path", errMissingPath)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	store := &Store{
		path:            cfg.Path,
		serializeWrites: cfg.SerializeWrites,
		logger:          logger,
	}
	if cfg.CacheTTL > 0 {
		store.cache = gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL)
	}

	if _, err := os.Stat(cfg.Path); errors.Is(err, os.ErrNotExist) {
		if err := store.write(reconcile.EmptyState()); err != nil {
			return nil, newServiceError(opStoreNew, "initialize_failed", err)
		}
		logger.Info("state document created", zap.String("path", cfg.Path))
	}
	return store, nil
}

// Path returns the document location.
func (s *Store) Path() string {
	return s.path
}

// Read returns the current state. An unreadable or malformed document yields empty collections.
func (s *Store) Read(ctx context.Context) (reconcile.State, error) {
	if err := ctx.Err(); err != nil {
		return reconcile.State{}, newServiceError(opStoreRead, "context_done", err)
	}
	if s.cache != nil {
		if cached, found := s.cache.Get(cacheKeyState); found {
			if state, ok := cached.(reconcile.State); ok {
				return state.Clone(), nil
			}
		}
	}
	state, err := s.load()
	if err != nil {
		return reconcile.EmptyState(), nil
	}
	if s.cache != nil {
		s.cache.SetDefault(cacheKeyState, state.Clone())
	}
	return state, nil
}

// Update applies mutate to the current state and rewrites the document when mutate reports a
// change. The returned state is the one observed after the mutation. A document that exists but
// cannot be read or decoded is never overwritten; the update fails until it is repaired.
func (s *Store) Update(ctx context.Context, mutate func(*reconcile.State) (bool, error)) (reconcile.State, error) {
	if s.serializeWrites {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	if err := ctx.Err(); err != nil {
		return reconcile.State{}, newServiceError(opStoreUpdate, "context_done", err)
	}

	state, err := s.load()
	if err != nil {
		s.logger.Error("state document left untouched, refusing to overwrite",
			zap.String("operation", opStoreUpdate),
			zap.String("path", s.path),
			zap.Error(err))
		return reconcile.State{}, newServiceError(opStoreUpdate, "document_unreadable", err)
	}
	changed, err := mutate(&state)
	if err != nil {
		return reconcile.State{}, err
	}
	if !changed {
		return state, nil
	}
	if err := s.write(state); err != nil {
		s.logger.Error("state document write failed",
			zap.String("operation", opStoreUpdate),
			zap.String("path", s.path),
			zap.Error(err))
		return reconcile.State{}, newServiceError(opStoreUpdate, "write_failed", err)
	}
	if s.cache != nil {
		s.cache.SetDefault(cacheKeyState, state.Clone())
	}
	return state, nil
}

// load decodes the document. A missing or empty document is an empty state; any other read or
// decode failure is returned alongside empty collections.
func (s *Store) load() (reconcile.State, error) {
	contents, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return reconcile.EmptyState(), nil
	}
	if err != nil {
		s.logger.Warn("state document unreadable, using empty collections",
			zap.String("path", s.path), zap.Error(err))
		return reconcile.EmptyState(), err
	}
	if len(bytes.TrimSpace(contents)) == 0 {
		return reconcile.EmptyState(), nil
	}
	var state reconcile.State
	if err := json.Unmarshal(contents, &state); err != nil {
		s.logger.Warn("state document malformed, using empty collections",
			zap.String("path", s.path), zap.Error(err))
		return reconcile.EmptyState(), err
	}
	state.Normalize()
	return state, nil
}

func (s *Store) write(state reconcile.State) error {
	state.Normalize()
	encoded, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	directory := filepath.Dir(s.path)
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return err
	}
	temporary, err := os.CreateTemp(directory, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return err
	}
	temporaryPath := temporary.Name()
	if _, err := temporary.Write(encoded); err != nil {
		temporary.Close()
		os.Remove(temporaryPath)
		return err
	}
	if err := temporary.Close(); err != nil {
		os.Remove(temporaryPath)
		return err
	}
	if err := os.Chmod(temporaryPath, documentPerm); err != nil {
		os.Remove(temporaryPath)
		return err
	}
	return os.Rename(temporaryPath, s.path)
}
