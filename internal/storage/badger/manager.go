package badger

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/drover/internal/common"
	"github.com/ternarybob/drover/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db      *BadgerDB
	job     interfaces.JobStorage
	session interfaces.SessionStorage
	logger  arbor.ILogger
}

// NewManager creates a new Badger storage manager. When sessions is nil the
// session store lives in the same badger database as the jobs.
func NewManager(logger arbor.ILogger, config *common.BadgerConfig, sessions interfaces.SessionStorage) (*Manager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	if sessions == nil {
		sessions = NewSessionStorage(db, logger)
	}

	manager := &Manager{
		db:      db,
		job:     NewJobStorage(db, logger),
		session: sessions,
		logger:  logger,
	}

	logger.Info().Str("path", config.Path).Msg("Badger storage manager initialized")

	return manager, nil
}

// JobStorage returns the Job storage interface
func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.job
}

// SessionStorage returns the Session storage interface
func (m *Manager) SessionStorage() interfaces.SessionStorage {
	return m.session
}

// DB returns the underlying database connection
func (m *Manager) DB() *BadgerDB {
	return m.db
}

// Close closes the session store and the database connection
func (m *Manager) Close() error {
	if m.session != nil {
		if err := m.session.Close(); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to close session storage")
		}
	}
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
