package session

import (
	"context"
	"sync"

	"github.com/go-logr/logr"

	oerrors "github.com/porthorian/planauth/pkg/errors"
	"github.com/porthorian/planauth/pkg/storage"
)

// Store is the process-wide holder of the current Session.
//
// Replace and Clear update memory first and then the persistence backend, if
// one is configured. A persistence failure does not roll back the in-memory
// change; it is returned with CodeStorageUnavailable so callers can decide
// whether it matters to them.
type Store struct {
	mu      sync.RWMutex
	current *Session

	persist storage.KeyValueStore
	logger  logr.Logger
}

// NewStore returns an empty Store. persist may be nil for a memory-only store.
func NewStore(persist storage.KeyValueStore, logger logr.Logger) *Store {
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	return &Store{
		persist: persist,
		logger:  logger,
	}
}

// Read returns a copy of the current session, or false when none is held.
func (s *Store) Read() (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.current == nil {
		return Session{}, false
	}
	return s.current.clone(), true
}

// Replace swaps in next as a unit.
func (s *Store) Replace(ctx context.Context, next Session) error {
	if !next.Complete() {
		return ErrIncompleteSession
	}

	next = next.clone()
	next.IssuedAt = next.IssuedAt.UTC()

	values, err := next.encode()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = &next

	if s.persist == nil {
		return nil
	}
	if err := s.persist.ReplaceAll(ctx, values); err != nil {
		s.logger.Error(err, "failed to persist session")
		return oerrors.Wrap(oerrors.CodeStorageUnavailable, "persist session", err)
	}
	return nil
}

// CompareAndReplace swaps in next only while the store still holds a session
// whose refresh credential is expectedRefresh. It reports whether the swap
// happened.
func (s *Store) CompareAndReplace(ctx context.Context, expectedRefresh string, next Session) (bool, error) {
	if !next.Complete() {
		return false, ErrIncompleteSession
	}

	next = next.clone()
	next.IssuedAt = next.IssuedAt.UTC()

	values, err := next.encode()
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil || s.current.RefreshCredential != expectedRefresh {
		return false, nil
	}
	s.current = &next

	if s.persist == nil {
		return true, nil
	}
	if err := s.persist.ReplaceAll(ctx, values); err != nil {
		s.logger.Error(err, "failed to persist session")
		return true, oerrors.Wrap(oerrors.CodeStorageUnavailable, "persist session", err)
	}
	return true, nil
}

// Clear drops the current session. Clearing an empty store is not an error.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = nil

	if s.persist == nil {
		return nil
	}
	if err := s.persist.DeleteAll(ctx, storage.SessionKeys); err != nil {
		s.logger.Error(err, "failed to clear persisted session")
		return oerrors.Wrap(oerrors.CodeStorageUnavailable, "clear persisted session", err)
	}
	return nil
}

// CompareAndClear drops the current session only while its refresh
// credential is expectedRefresh. It reports whether a session was dropped.
func (s *Store) CompareAndClear(ctx context.Context, expectedRefresh string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil || s.current.RefreshCredential != expectedRefresh {
		return false, nil
	}
	s.current = nil

	if s.persist == nil {
		return true, nil
	}
	if err := s.persist.DeleteAll(ctx, storage.SessionKeys); err != nil {
		s.logger.Error(err, "failed to clear persisted session")
		return true, oerrors.Wrap(oerrors.CodeStorageUnavailable, "clear persisted session", err)
	}
	return true, nil
}

// Load restores the session from persistence. A partial or undecodable
// persisted session is removed and the store is left empty.
func (s *Store) Load(ctx context.Context) (bool, error) {
	if s.persist == nil {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.persist.GetMany(ctx, storage.SessionKeys)
	if err != nil {
		return false, oerrors.Wrap(oerrors.CodeStorageUnavailable, "load persisted session", err)
	}

	loaded, ok, err := decodeSession(values)
	if err != nil {
		s.logger.Info("discarding unusable persisted session", "reason", err.Error())
		s.current = nil
		if delErr := s.persist.DeleteAll(ctx, storage.SessionKeys); delErr != nil {
			return false, oerrors.Wrap(oerrors.CodeStorageUnavailable, "clear persisted session", delErr)
		}
		return false, nil
	}
	if !ok {
		s.current = nil
		return false, nil
	}

	s.current = &loaded
	s.logger.V(1).Info("restored persisted session", "issued_at", loaded.IssuedAt)
	return true, nil
}
