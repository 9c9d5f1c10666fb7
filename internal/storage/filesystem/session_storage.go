// -----------------------------------------------------------------------
// Filesystem session store - one JSON artifact per session id
// -----------------------------------------------------------------------

package filesystem

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/drover/internal/interfaces"
	"github.com/ternarybob/drover/internal/models"
)

const (
	sessionExt = ".json"
	lockName   = ".drover.lock"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// SessionStorage writes each session to <dir>/<name>.json via temp file, fsync,
// rename and directory fsync. An advisory file lock serialises writers across
// processes sharing the directory; the in-process mutex covers goroutines.
type SessionStorage struct {
	dir    string
	mu     sync.Mutex
	lock   *flock.Flock
	logger arbor.ILogger
}

// NewSessionStorage creates the directory if needed and returns the store
func NewSessionStorage(dir string, logger arbor.ILogger) (*SessionStorage, error) {
	if dir == "" {
		return nil, fmt.Errorf("session directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	// Leftovers of writes interrupted by a crash are never valid sessions
	if leftovers, err := filepath.Glob(filepath.Join(dir, "*.tmp")); err == nil {
		for _, tmp := range leftovers {
			_ = os.Remove(tmp)
		}
	}

	logger.Debug().Str("dir", dir).Msg("Filesystem session storage initialized")

	return &SessionStorage{
		dir:    dir,
		lock:   flock.New(filepath.Join(dir, lockName)),
		logger: logger,
	}, nil
}

// FileName maps a session id to its artifact name. '@' becomes "_at_", other
// unsafe characters become '_', and a short hash keeps distinct ids distinct.
func FileName(sessionID string) string {
	safe := strings.ReplaceAll(sessionID, "@", "_at_")
	safe = unsafeChars.ReplaceAllString(safe, "_")
	if len(safe) > 96 {
		safe = safe[:96]
	}
	sum := sha256.Sum256([]byte(sessionID))
	return safe + "-" + hex.EncodeToString(sum[:4]) + sessionExt
}

func (s *SessionStorage) path(sessionID string) string {
	return filepath.Join(s.dir, FileName(sessionID))
}

func (s *SessionStorage) read(path, sessionID string) (*models.Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("session %s: %w", sessionID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read session %s: %w", sessionID, err)
	}

	var session models.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", sessionID, err)
	}
	return &session, nil
}

func (s *SessionStorage) Load(ctx context.Context, sessionID string) (*models.Session, error) {
	return s.read(s.path(sessionID), sessionID)
}

func (s *SessionStorage) withLock(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	locked, err := s.lock.TryLockContext(ctx, 10*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to lock session directory: %w", err)
	}
	if !locked {
		return fmt.Errorf("failed to lock session directory %s", s.dir)
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to unlock session directory")
		}
	}()

	return fn()
}

func (s *SessionStorage) Save(ctx context.Context, sessionID string, state []byte, expectedVersion uint64) (uint64, error) {
	if sessionID == "" {
		return 0, fmt.Errorf("session ID is required")
	}

	var newVersion uint64
	err := s.withLock(ctx, func() error {
		path := s.path(sessionID)
		now := time.Now()

		current, err := s.read(path, sessionID)
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
		if err := writeAtomic(s.dir, path, data); err != nil {
			return fmt.Errorf("failed to write session %s: %w", sessionID, err)
		}
		newVersion = current.Version
		return nil
	})
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

// writeAtomic replaces path with data so that a crash leaves either the old
// or the new content in place
func writeAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true

	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return err
	}
	return nil
}

func (s *SessionStorage) Delete(ctx context.Context, sessionID string) error {
	return s.withLock(ctx, func() error {
		if err := os.Remove(s.path(sessionID)); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("session %s: %w", sessionID, models.ErrNotFound)
			}
			return err
		}
		return syncDir(s.dir)
	})
}

func (s *SessionStorage) List(ctx context.Context) ([]*models.Session, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	sessions := []*models.Session{}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != sessionExt {
			continue
		}
		session, err := s.read(filepath.Join(s.dir, entry.Name()), entry.Name())
		if err != nil {
			s.logger.Warn().Err(err).Str("file", entry.Name()).Msg("Skipping unreadable session file")
			continue
		}
		session.State = nil
		sessions = append(sessions, session)
	}
	return sessions, nil
}

func (s *SessionStorage) Close() error {
	return s.lock.Close()
}

var _ interfaces.SessionStorage = (*SessionStorage)(nil)
