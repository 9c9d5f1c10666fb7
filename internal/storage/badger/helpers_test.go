package badger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/drover/internal/common"
)

func newTestDB(t *testing.T) *BadgerDB {
	t.Helper()
	db, err := NewBadgerDB(arbor.NewLogger(), &common.BadgerConfig{
		Path:       filepath.Join(t.TempDir(), "db"),
		SyncWrites: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}
