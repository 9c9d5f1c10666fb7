package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/drover/internal/interfaces"
	"github.com/ternarybob/drover/internal/models"
)

const sessionKeyPrefix = "session:"

// SessionStorage keeps one key per session holding a JSON envelope.
// The version check and the write happen in one serialisable badger transaction.
type SessionStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewSessionStorage creates a badger-backed session store
func NewSessionStorage(db *BadgerDB, logger arbor.ILogger) interfaces.SessionStorage {
	return &SessionStorage{
		db:     db,
		logger: logger,
	}
}

func sessionKey(id string) []byte {
	return []byte(sessionKeyPrefix + id)
}

func (s *SessionStorage) read(txn *badger.Txn, id string) (*models.Session, error) {
	item, err := txn.Get(sessionKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("session %s: %w", id, models.ErrNotFound)
		}
		return nil, err
	}

	var session models.Session
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &session)
	}); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
	}
	return &session, nil
}

func (s *SessionStorage) Load(ctx context.Context, sessionID string) (*models.Session, error) {
	var session *models.Session
	err := s.db.Badger().View(func(txn *badger.Txn) error {
		var err error
		session, err = s.read(txn, sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (s *SessionStorage) Save(ctx context.Context, sessionID string, state []byte, expectedVersion uint64) (uint64, error) {
	if sessionID == "" {
		return 0, fmt.Errorf("session ID is required")
	}

	var newVersion uint64
	save := func(txn *badger.Txn) error {
		now := time.Now()
		current, err := s.read(txn, sessionID)
		switch {
		case errors.Is(err, models.ErrNotFound):
			if expectedVersion != 0 {
				return fmt.Errorf("%w: session %s does not exist, expected version %d",
					models.ErrVersionConflict, sessionID, expectedVersion)
			}
			current = &models.Session{ID: sessionID, CreatedAt: now}
		case err != nil:
			return err
		case current.Version != expectedVersion:
			return fmt.Errorf("%w: session %s is at version %d, expected %d",
				models.ErrVersionConflict, sessionID, current.Version, expectedVersion)
		}

		current.State = state
		current.Version++
		current.LastUsedAt = now

		data, err := json.Marshal(current)
		if err != nil {
			return fmt.Errorf("failed to encode session: %w", err)
		}
		if err := txn.Set(sessionKey(sessionID), data); err != nil {
			return err
		}
		newVersion = current.Version
		return nil
	}

	// A serialisation conflict means another writer committed in between.
	// Re-running the check reports it as a version conflict.
	err := s.db.Badger().Update(save)
	if errors.Is(err, badger.ErrConflict) {
		s.logger.Debug().Str("session_id", sessionID).Msg("Session write raced, re-checking version")
		err = s.db.Badger().Update(save)
		if errors.Is(err, badger.ErrConflict) {
			err = fmt.Errorf("%w: session %s: %v", models.ErrVersionConflict, sessionID, err)
		}
	}
	if err != nil {
		return 0, err
	}

	s.logger.Debug().
		Str("session_id", sessionID).
		Int("bytes", len(state)).
		Int("version", int(newVersion)).
		Msg("Session saved")
	return newVersion, nil
}

func (s *SessionStorage) Delete(ctx context.Context, sessionID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(sessionKey(sessionID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("session %s: %w", sessionID, models.ErrNotFound)
			}
			return err
		}
		return txn.Delete(sessionKey(sessionID))
	})
}

func (s *SessionStorage) List(ctx context.Context) ([]*models.Session, error) {
	sessions := []*models.Session{}
	err := s.db.Badger().View(func(txn *badger.Txn) error {
		prefix := []byte(sessionKeyPrefix)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var session models.Session
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &session)
			}); err != nil {
				s.logger.Warn().Err(err).Str("key", string(it.Item().Key())).Msg("Skipping undecodable session")
				continue
			}
			session.State = nil
			sessions = append(sessions, &session)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// Close is a no-op; the shared connection is closed by the manager
func (s *SessionStorage) Close() error {
	return nil
}
