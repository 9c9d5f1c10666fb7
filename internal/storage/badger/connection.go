package badger

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/drover/internal/common"
	"github.com/timshannon/badgerhold/v4"
)

// BadgerDB is the badger database shared by the job and session stores
type BadgerDB struct {
	store  *badgerhold.Store
	logger arbor.ILogger
	path   string
}

// NewBadgerDB opens (creating if needed) the database at config.Path
func NewBadgerDB(logger arbor.ILogger, config *common.BadgerConfig) (*BadgerDB, error) {
	if config.ResetOnStartup {
		logger.Warn().Str("path", config.Path).Msg("reset_on_startup set, removing job and session database")
		if err := os.RemoveAll(config.Path); err != nil {
			return nil, fmt.Errorf("failed to reset database %s: %w", config.Path, err)
		}
	}
	if err := os.MkdirAll(config.Path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	options := badgerhold.DefaultOptions
	options.Options = badger.DefaultOptions(config.Path).
		WithSyncWrites(config.SyncWrites).
		WithLogger(&badgerLogger{logger: logger})

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database at %s: %w", config.Path, err)
	}

	logger.Debug().
		Str("path", config.Path).
		Bool("sync_writes", config.SyncWrites).
		Msg("Badger database opened")

	return &BadgerDB{
		store:  store,
		logger: logger,
		path:   filepath.Clean(config.Path),
	}, nil
}

// Store returns the badgerhold store used for job records
func (b *BadgerDB) Store() *badgerhold.Store {
	return b.store
}

// Badger returns the raw handle for transactions spanning several records
func (b *BadgerDB) Badger() *badger.DB {
	return b.store.Badger()
}

// maxConflictRetries bounds how often Update re-runs a transaction that lost
// an optimistic-concurrency race. Job records share badgerhold index keys
// (Status, SessionID), so concurrent writers routinely conflict.
const maxConflictRetries = 10

// Update runs fn in a read-write transaction, re-running it with a short
// jittered pause while badger reports ErrConflict. fn must be safe to re-run:
// a conflicted transaction has not committed anything.
func (b *BadgerDB) Update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt <= maxConflictRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt)*time.Millisecond + time.Duration(rand.Int63n(int64(time.Millisecond))))
		}
		err = b.Badger().Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	b.logger.Warn().Int("attempts", maxConflictRetries+1).Msg("Badger transaction kept conflicting, giving up")
	return err
}

// Close flushes and closes the database
func (b *BadgerDB) Close() error {
	if b.store == nil {
		return nil
	}
	err := b.store.Close()
	b.store = nil
	if err != nil {
		return fmt.Errorf("failed to close badger database %s: %w", b.path, err)
	}
	return nil
}

// badgerLogger routes badger's internal logging into arbor. Info and debug
// chatter is demoted to debug.
type badgerLogger struct {
	logger arbor.ILogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Str("component", "badger").Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn().Str("component", "badger").Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug().Str("component", "badger").Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {}
