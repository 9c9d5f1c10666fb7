package storage

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/drover/internal/common"
	"github.com/ternarybob/drover/internal/interfaces"
	"github.com/ternarybob/drover/internal/storage/badger"
	"github.com/ternarybob/drover/internal/storage/filesystem"
)

// NewStorageManager opens the badger job store and the configured session backend
func NewStorageManager(logger arbor.ILogger, config *common.Config) (interfaces.StorageManager, error) {
	var sessions interfaces.SessionStorage

	switch config.Storage.Sessions.Backend {
	case "", "badger":
		// nil selects the badger session store sharing the job database
	case "filesystem":
		fsStore, err := filesystem.NewSessionStorage(config.Storage.Sessions.Dir, logger)
		if err != nil {
			return nil, err
		}
		sessions = fsStore
	default:
		return nil, fmt.Errorf("unsupported session backend: %s (expected 'badger' or 'filesystem')", config.Storage.Sessions.Backend)
	}

	manager, err := badger.NewManager(logger, &config.Storage.Badger, sessions)
	if err != nil {
		if sessions != nil {
			sessions.Close()
		}
		return nil, err
	}
	return manager, nil
}
